// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtimetest provides an in-memory runtime for tests: it doesn't compute anything, it only
// records what it was asked to run and echoes values.
//
// Importing it registers the runtime under the name "test".
package runtimetest

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/compiler/internal/scoped"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/runtime"
	"github.com/pkg/errors"
)

// Name the runtime is registered under.
const Name = "test"

func init() {
	runtime.Register(Name, func(config string) (runtime.Runtime, error) {
		if config != "" {
			return nil, errors.Errorf("runtime %q takes no configuration, got %q", Name, config)
		}
		return New(), nil
	})
}

var scopeCount atomic.Int64

// Scope is a hierarchical variable scope, backed by a scoped.Store shared with its parent and children.
type Scope struct {
	store *scoped.Store
	path  string
	id    string
}

// NewScope returns a new root scope.
func NewScope() *Scope {
	store := scoped.New("/")
	return &Scope{store: store, path: store.Separator, id: "scope_" + strconv.FormatInt(scopeCount.Add(1), 10)}
}

// NewChild returns a child scope: variables not found in the child are searched in the parent.
func (s *Scope) NewChild(name string) *Scope {
	return &Scope{store: s.store, path: s.store.Join(s.path, name), id: s.id + "/" + name}
}

// ID implements runtime.Scope.
func (s *Scope) ID() string { return s.id }

// FindVar implements runtime.Scope.
func (s *Scope) FindVar(name string) (any, bool) { return s.store.Get(s.path, name) }

// SetVar implements runtime.Scope.
func (s *Scope) SetVar(name string, value any) { s.store.Set(s.path, name, value) }

// Len returns the number of variables visible from the scope's own level (not counting parents).
func (s *Scope) Len() int {
	count := 0
	s.store.Enumerate(func(scope, _ string, _ any) {
		if scope == s.path {
			count++
		}
	})
	return count
}

type deviceContext struct {
	place runtime.Place
}

func (c *deviceContext) Place() runtime.Place { return c.place }

// Run records one call to Runtime.RunProgram.
type Run struct {
	Program *program.Program
	Feed    map[string]any
	Fetch   []string
}

// Runtime is an in-memory runtime.Runtime.
//
// RunProgram returns, for each fetched name, the fed value with the same name, or else the value of the
// variable in the scope. Fetching anything else fails.
type Runtime struct {
	mu       sync.Mutex
	scope    *Scope
	contexts []runtime.Place
	runs     []Run
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a new Runtime with an empty root scope.
func New() *Runtime {
	return &Runtime{scope: NewScope()}
}

// Name implements runtime.Runtime.
func (r *Runtime) Name() string { return Name }

// CreateDeviceContext implements runtime.Runtime.
func (r *Runtime) CreateDeviceContext(place runtime.Place) (runtime.DeviceContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts = append(r.contexts, place)
	return &deviceContext{place: place}, nil
}

// RunProgram implements runtime.Runtime.
func (r *Runtime) RunProgram(ctx runtime.DeviceContext, p *program.Program, feed map[string]any, fetch []string) ([]any, error) {
	if ctx == nil {
		return nil, errors.New("RunProgram called without a device context")
	}
	r.mu.Lock()
	r.runs = append(r.runs, Run{Program: p, Feed: feed, Fetch: fetch})
	r.mu.Unlock()
	outputs := make([]any, 0, len(fetch))
	for _, name := range fetch {
		if value, found := feed[name]; found {
			outputs = append(outputs, value)
			continue
		}
		if value, found := r.scope.FindVar(name); found {
			outputs = append(outputs, value)
			continue
		}
		return nil, errors.Errorf("fetched variable %q is neither fed nor set in scope %s", name, r.scope.ID())
	}
	return outputs, nil
}

// GetOrCreateScope implements runtime.Runtime.
func (r *Runtime) GetOrCreateScope() runtime.Scope { return r.scope }

// Scope returns the root scope as a *Scope.
func (r *Runtime) Scope() *Scope { return r.scope }

// Runs returns a copy of the recorded calls to RunProgram.
func (r *Runtime) Runs() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Run(nil), r.runs...)
}

// NumDeviceContexts returns how many device contexts were created.
func (r *Runtime) NumDeviceContexts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// Devices returns a lister with n devices of the given kind.
func Devices(kind runtime.DeviceKind, n int) runtime.StaticDevices {
	places := make(runtime.StaticDevices, n)
	for ii := range places {
		places[ii] = runtime.Place{Kind: kind, ID: ii}
	}
	return places
}

// Capture is a runtime.CaptureProbe that can be toggled by tests.
type Capture struct {
	active atomic.Bool
}

// Start marks a capture as active.
func (c *Capture) Start() { c.active.Store(true) }

// Stop ends the capture.
func (c *Capture) Stop() { c.active.Store(false) }

// IsCapturing implements runtime.CaptureProbe.
func (c *Capture) IsCapturing() bool { return c.active.Load() }
