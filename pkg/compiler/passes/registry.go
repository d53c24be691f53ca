// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"slices"
	"sync"

	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Registry maps PassID to Pass. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	passes map[PassID]Pass
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{passes: make(map[PassID]Pass)}
}

// Register a pass. It fails if a pass with the same ID was already registered.
func (r *Registry) Register(pass Pass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.passes[pass.ID()]; found {
		return errors.Errorf("pass %s already registered", pass.ID())
	}
	r.passes[pass.ID()] = pass
	return nil
}

// Lookup returns the pass registered with the id, or an UnknownPass error.
func (r *Registry) Lookup(id PassID) (Pass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pass, found := r.passes[id]
	if !found {
		return nil, compileerr.Errorf(compileerr.UnknownPass, "pass %s not registered", id)
	}
	return pass, nil
}

// IDs returns the ids of the registered passes, sorted.
func (r *Registry) IDs() []PassID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]PassID, 0, len(r.passes))
	for id := range r.passes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns a new registry with the same passes, that can be extended independently.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for id, pass := range r.passes {
		c.passes[id] = pass
	}
	return c
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the registry with all built-in passes.
//
// It is shared: register custom passes in a Clone of it.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		for _, pass := range []Pass{
			NewOptimizerExtract(),
			NewOptimizerStateAlign(),
			NewForwardGraphExtract(),
			NewInferShape(),
			NewAvgShard(),
			NewDeleteScaleOp(),
			NewCanonicalization(),
			NewInplace(),
			NewGraphBuilder(),
			NewRuntimeReplacer(),
			NewGraphToProgram(),
		} {
			must.M(defaultRegistry.Register(pass))
		}
	})
	return defaultRegistry
}
