// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/compiler/pkg/compiler/strategy"
)

// Fingerprint identifies a compilation: the trace of the inputs (e.g. their shapes and dtypes), the
// instance the traced function is bound to, if any, and the Hash of the strategy.
type Fingerprint struct {
	Trace    string
	Instance string
	Strategy uint64
}

// NewFingerprint creates the Fingerprint of a compilation.
//
// trace is converted with fmt. The identity of instance is its type and address for pointers, or its type
// and value otherwise. A nil instance or strategy leave the corresponding field empty.
func NewFingerprint(trace, instance any, s *strategy.Strategy) Fingerprint {
	fp := Fingerprint{Trace: fmt.Sprint(trace)}
	if instance != nil {
		v := reflect.ValueOf(instance)
		switch v.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
			fp.Instance = fmt.Sprintf("%T@%#x", instance, v.Pointer())
		default:
			fp.Instance = fmt.Sprintf("%T:%v", instance, instance)
		}
	}
	if s != nil {
		fp.Strategy = s.Hash()
	}
	return fp
}

// Key returns a stable string key for the fingerprint.
func (fp Fingerprint) Key() string {
	h := xxhash.New()
	_, _ = h.WriteString(fp.Trace)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(fp.Instance)
	_, _ = fmt.Fprintf(h, "\x00%016x", fp.Strategy)
	return fmt.Sprintf("%016x", h.Sum64())
}

// String implements fmt.Stringer.
func (fp Fingerprint) String() string {
	if fp.Instance == "" {
		return fmt.Sprintf("Fingerprint{trace=%q, strategy=%016x}", fp.Trace, fp.Strategy)
	}
	return fmt.Sprintf("Fingerprint{trace=%q, instance=%s, strategy=%016x}", fp.Trace, fp.Instance, fp.Strategy)
}
