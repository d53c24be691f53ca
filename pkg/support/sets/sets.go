// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets has a generic set of comparable keys, used by passes to track names and nodes.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set of keys of type T. The zero value is a nil map: it can be read but not inserted into.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set.
func Make[T comparable]() Set[T] {
	return Set[T]{}
}

// MakeWith returns a Set holding elements. Repeated elements are stored once.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := make(Set[T], len(elements))
	s.Insert(elements...)
	return s
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert adds keys to the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Sorted returns the keys of s in ascending order, so results built from sets are deterministic.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}
