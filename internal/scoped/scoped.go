// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a name to any value that is "scoped".
package scoped

import (
	"strings"
	"sync"

	"github.com/gomlx/compiler/pkg/support/xslices"
)

// Store provides a mapping from names to values of any type that is "scoped":
//
//   - For every scope there is a map of name to value.
//   - Looking up a name triggers a search from the given scope up to the root scope, the
//     first value found is returned.
//
// Example: let's say the Store holds:
//
//	Scope: "/": { "w0": w0, "lr": 0.1 }
//	Scope: "/run_0": { "lr": 0.01 }
//	Scope: "/run_0/step": { "x": batch }
//
//	Store.Get("/run_0/step", "x") -> batch
//	Store.Get("/run_0/step", "lr") -> 0.01
//	Store.Get("/run_0/step", "w0") -> w0
//	Store.Get("/run_0", "x") -> Not found.
//
// The separator separates parts of the scope path, and the root scope is the separator itself.
// Every scope name must start with the separator.
//
// It is safe for concurrent use.
type Store struct {
	Separator string

	mu         sync.RWMutex
	scopeToMap map[string]map[string]any
}

// New creates an empty Store.
func New(scopeSeparator string) *Store {
	return &Store{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a copy of the Store. Values themselves are not copied.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := New(s.Separator)
	for scope, dataMap := range s.scopeToMap {
		c.scopeToMap[scope] = make(map[string]any, len(dataMap))
		for key, value := range dataMap {
			c.scopeToMap[scope][key] = value
		}
	}
	return c
}

// Join returns the scope path of child under scope.
func (s *Store) Join(scope, child string) string {
	if scope == s.Separator {
		return scope + child
	}
	return scope + s.Separator + child
}

// Parent returns the parent of the scope, or false for the root scope.
func (s *Store) Parent(scope string) (string, bool) {
	if scope == s.Separator || scope == "" {
		return "", false
	}
	idx := strings.LastIndex(scope, s.Separator)
	if idx <= 0 {
		return s.Separator, true
	}
	return scope[:idx], true
}

// Set sets the value for the given key, in the given scope.
func (s *Store) Set(scope, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dataMap, found := s.scopeToMap[scope]
	if !found {
		dataMap = make(map[string]any)
		s.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Delete removes the key from the given scope only. It returns whether the key was there.
func (s *Store) Delete(scope, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dataMap, found := s.scopeToMap[scope]
	if !found {
		return false
	}
	if _, found = dataMap[key]; !found {
		return false
	}
	delete(dataMap, key)
	if len(dataMap) == 0 {
		delete(s.scopeToMap, scope)
	}
	return true
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
func (s *Store) Get(scope, key string) (value any, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		if dataMap, ok := s.scopeToMap[scope]; ok {
			if value, found = dataMap[key]; found {
				return
			}
		}
		var hasParent bool
		scope, hasParent = s.Parent(scope)
		if !hasParent {
			return nil, false
		}
	}
}

// Enumerate calls fn for every value stored, sorted by scope and then by key.
func (s *Store) Enumerate(fn func(scope, key string, value any)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, scope := range xslices.SortedKeys(s.scopeToMap) {
		keyValues := s.scopeToMap[scope]
		for _, key := range xslices.SortedKeys(keyValues) {
			fn(scope, key, keyValues[key])
		}
	}
}
