// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"sync"

	"github.com/gomlx/compiler/pkg/runtime"
	"github.com/pkg/errors"
)

// Executable runs a Compiled program on a runtime. The device context is created on the first Run.
type Executable struct {
	compiled *Compiled
	rt       runtime.Runtime

	ctxOnce   sync.Once
	deviceCtx runtime.DeviceContext
	ctxErr    error
}

// NewExecutable returns an Executable for compiled on rt.
func NewExecutable(compiled *Compiled, rt runtime.Runtime) (*Executable, error) {
	if compiled == nil || compiled.Program == nil {
		return nil, errors.New("NewExecutable requires a compiled program")
	}
	if rt == nil {
		return nil, errors.New("NewExecutable requires a runtime")
	}
	return &Executable{compiled: compiled, rt: rt}, nil
}

// Compiled returns the compiled program being executed.
func (e *Executable) Compiled() *Compiled { return e.compiled }

// Run executes the program with the fed values, and returns the fetched ones. If fetch is nil, the fetch
// list used for compilation is used.
func (e *Executable) Run(feed map[string]any, fetch []string) ([]any, error) {
	e.ctxOnce.Do(func() {
		e.deviceCtx, e.ctxErr = e.rt.CreateDeviceContext(e.compiled.Place)
	})
	if e.ctxErr != nil {
		return nil, errors.WithMessagef(e.ctxErr, "failed to create device context for %s", e.compiled.Place)
	}
	if fetch == nil {
		fetch = e.compiled.FetchList
	}
	outputs, err := e.rt.RunProgram(e.deviceCtx, e.compiled.Program, feed, fetch)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to run compiled program %s on runtime %q", e.compiled.ID, e.rt.Name())
	}
	return outputs, nil
}
