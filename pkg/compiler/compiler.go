// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler turns a program (or graph) into a program that runs on a device, by running the pipeline
// of passes configured by a strategy.Strategy.
//
// A Compiler compiles once: it is bound to the scope and place of its first successful compilation, and
// further calls to Compile return the same result.
//
// Example:
//
//	s := strategy.New()
//	_ = s.SetGraphConfig(strategy.GraphConfig{NumDevices: 1, IsTraining: false, MicroBatchSize: 8})
//	c, err := compiler.New(mainProgram, compiler.WithStrategy(s))
//	if err != nil { ... }
//	compiled, err := c.Compile(compiler.ExecContext{Scope: scope, Place: place}, []string{"x"}, []string{"y"})
package compiler

import (
	"slices"
	"sync"
	"time"

	"github.com/gomlx/compiler/pkg/compiler/passes"
	"github.com/gomlx/compiler/pkg/compiler/strategy"
	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/runtime"
	"github.com/gomlx/compiler/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecContext is where a compiled program is going to run.
type ExecContext struct {
	// Scope holds the values of the variables. It can be nil if the caller doesn't use scopes.
	Scope runtime.Scope

	// Place is the device.
	Place runtime.Place
}

// Compiled is the result of a compilation.
type Compiled struct {
	// ID uniquely identifies the compilation.
	ID uuid.UUID

	// Program to run on the device. Its OrgProgram refers to the source program, if there was one.
	Program *program.Program

	// PersistableVars are the names of the variables that need to be broadcast to the devices, sorted.
	PersistableVars []string

	// FeedList and FetchList the program was compiled for.
	FeedList, FetchList []string

	Scope runtime.Scope
	Place runtime.Place

	// StrategyHash is the strategy.Strategy Hash at compilation time.
	StrategyHash uint64

	// PipelineStats has the statistics of each step of the pipeline.
	PipelineStats passes.Stats
}

// BroadcastExemption reports variables that must not be broadcast even though they are persistable.
type BroadcastExemption func(v *program.VarDesc) bool

// IsDistributed is the default BroadcastExemption: distributed variables are already sharded among devices.
func IsDistributed(v *program.VarDesc) bool { return v.IsDistributed }

// Compiler compiles one source program or graph.
type Compiler struct {
	source *program.Program
	graph  *graph.Graph

	strategy *strategy.Strategy
	config   passes.Config
	registry *passes.Registry
	exempt   BroadcastExemption
	devices  runtime.DeviceLister
	capture  runtime.CaptureProbe

	mu              sync.Mutex
	compiled        *Compiled
	persistableVars []string
}

// Option configures a Compiler.
type Option func(c *Compiler)

// WithStrategy sets the strategy. The default is strategy.New().
func WithStrategy(s *strategy.Strategy) Option {
	return func(c *Compiler) { c.strategy = s }
}

// WithPipelineConfig sets the steps of the pipeline. The default is passes.DefaultConfig().
func WithPipelineConfig(config passes.Config) Option {
	return func(c *Compiler) { c.config = config.Clone() }
}

// WithRegistry sets the registry where passes are looked up. The default is passes.DefaultRegistry().
func WithRegistry(registry *passes.Registry) Option {
	return func(c *Compiler) { c.registry = registry }
}

// WithBroadcastExemption sets the predicate of persistable variables excluded from PersistableVars.
// The default is IsDistributed.
func WithBroadcastExemption(exempt BroadcastExemption) Option {
	return func(c *Compiler) { c.exempt = exempt }
}

// WithDeviceLister sets the enumeration of devices. The default is runtime.DefaultDevices.
func WithDeviceLister(devices runtime.DeviceLister) Option {
	return func(c *Compiler) { c.devices = devices }
}

// WithCaptureProbe sets the probe of device graph capture. The default never reports a capture.
func WithCaptureProbe(probe runtime.CaptureProbe) Option {
	return func(c *Compiler) { c.capture = probe }
}

// New creates a compiler for source, which must be a *program.Program or a *graph.Graph.
//
// A program is deep-copied: the source is never modified. A graph is compiled in place.
func New(source any, opts ...Option) (*Compiler, error) {
	c := &Compiler{
		config:  passes.DefaultConfig(),
		exempt:  IsDistributed,
		devices: runtime.DefaultDevices,
		capture: runtime.NoCapture{},
	}
	switch s := source.(type) {
	case *program.Program:
		if s == nil {
			return nil, compileerr.Errorf(compileerr.InvalidInputKind, "cannot compile a nil *program.Program")
		}
		c.source = s
	case *graph.Graph:
		if s == nil {
			return nil, compileerr.Errorf(compileerr.InvalidInputKind, "cannot compile a nil *graph.Graph")
		}
		c.graph = s
	default:
		return nil, compileerr.Errorf(compileerr.InvalidInputKind,
			"cannot compile a %T, expected a *program.Program or a *graph.Graph", source)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.strategy == nil {
		c.strategy = strategy.New()
	}
	return c, nil
}

// Strategy used by the compiler.
func (c *Compiler) Strategy() *strategy.Strategy { return c.strategy }

// Graph returns the graph being compiled. For a program source it is only available after Compile.
func (c *Compiler) Graph() *graph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

// IsCompiled returns whether Compile succeeded.
func (c *Compiler) IsCompiled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiled != nil
}

// PersistableVars returns the sorted names of the persistable variables found by the last Compile.
func (c *Compiler) PersistableVars() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.persistableVars)
}

// Compile compiles the source to run at ctx, with the given fed and fetched variable names.
//
// A nil feedList (or fetchList) leaves the corresponding pass parameter unbound, and the passes requiring
// it make Compile fail with MissingPassParameter, before the graph is changed.
//
// Once compiled, calling Compile again with the same scope and place returns the same *Compiled, while a
// different scope or place fails with IncompatibleRecompile.
func (c *Compiler) Compile(ctx ExecContext, feedList, fetchList []string) (*Compiled, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compiled != nil {
		if ctx.Scope != nil && ctx.Scope != c.compiled.Scope {
			return nil, compileerr.Errorf(compileerr.IncompatibleRecompile,
				"cannot compile with scope %s, already compiled with scope %s", scopeID(ctx.Scope), scopeID(c.compiled.Scope))
		}
		if !ctx.Place.Equal(c.compiled.Place) {
			return nil, compileerr.Errorf(compileerr.IncompatibleRecompile,
				"cannot compile for place %s, already compiled for place %s", ctx.Place, c.compiled.Place)
		}
		return c.compiled, nil
	}

	devices := c.devices.ListDevices(ctx.Place.Kind)
	if len(devices) == 0 {
		return nil, compileerr.Errorf(compileerr.EmptyDeviceList, "no %s devices available to compile for %s",
			ctx.Place.Kind, ctx.Place)
	}
	if c.capture.IsCapturing() {
		return nil, compileerr.Errorf(compileerr.UnsupportedHardwareState,
			"cannot compile while a device graph capture is in progress, compile before starting the capture")
	}

	start := time.Now()
	g, persistables, err := c.prepareGraph()
	if err != nil {
		return nil, err
	}
	c.graph = g
	c.persistableVars = persistables

	condVars := c.conditionVars()
	pipeline, err := passes.Build(c.registry, c.config, condVars)
	if err != nil {
		return nil, err
	}
	dst := program.New()
	pipeline.Bind(c.passParams(feedList, fetchList, dst))
	stats, err := pipeline.Run(g, condVars)
	if err != nil {
		return nil, err
	}

	if err = c.finishProgram(dst, feedList); err != nil {
		return nil, err
	}
	c.strategy.MarkCompiled()
	c.compiled = &Compiled{
		ID:              uuid.New(),
		Program:         dst,
		PersistableVars: slices.Clone(persistables),
		FeedList:        slices.Clone(feedList),
		FetchList:       slices.Clone(fetchList),
		Scope:           ctx.Scope,
		Place:           ctx.Place,
		StrategyHash:    c.strategy.Hash(),
		PipelineStats:   stats,
	}
	klog.V(1).Infof("compiled %s for %s in %s (%d devices available, %d persistable variables)",
		g.Name(), ctx.Place, time.Since(start), len(devices), len(persistables))
	return c.compiled, nil
}

func scopeID(s runtime.Scope) string {
	if s == nil {
		return "<nil>"
	}
	return s.ID()
}

// prepareGraph builds the graph to compile, and lists its persistable variables.
//
// For a program source, a copy of the program is stripped of the feed/fetch boundary operators and holder
// variables first, since feeds and fetches are given explicitly.
func (c *Compiler) prepareGraph() (*graph.Graph, []string, error) {
	if c.source == nil {
		var names []string
		for v := range c.graph.Values() {
			desc := v.VarDesc()
			if c.isBroadcast(&desc) {
				names = append(names, v.Name())
			}
		}
		return c.graph, xslices.SortedUnique(names), nil
	}

	p := c.source.Clone()
	global := p.GlobalBlock()
	for _, op := range global.Ops() {
		op.IsTarget = false
	}
	numRemoved := global.RemoveOpsOfType(program.FeedOpType, program.FetchOpType)
	global.RemoveVar(program.FeedVarName)
	global.RemoveVar(program.FetchVarName)
	p.Flush()
	klog.V(2).Infof("removed %d feed/fetch operators", numRemoved)

	// Variables of all blocks are considered: sub-blocks may redeclare persistable variables of the global block.
	var names []string
	for idx := range p.NumBlocks() {
		for _, v := range p.Block(idx).Vars() {
			if c.isBroadcast(v) {
				names = append(names, v.Name)
			}
		}
	}
	g, err := graph.FromProgram(p)
	if err != nil {
		return nil, nil, err
	}
	return g, xslices.SortedUnique(names), nil
}

// isBroadcast returns whether the variable needs to be broadcast to the devices.
func (c *Compiler) isBroadcast(v *program.VarDesc) bool {
	return v.Persistable && v.Type != program.Raw && (c.exempt == nil || !c.exempt(v))
}

// conditionVars are the variables available to the conditions of the pipeline steps.
func (c *Compiler) conditionVars() map[string]any {
	s := c.strategy
	return map[string]any{
		strategy.IsTraining:        s.IsTraining(),
		strategy.NumDevices:        s.NumDevices(),
		strategy.MicroBatchSize:    s.MicroBatchSize(),
		strategy.EnableManualShard: s.EnableManualShard(),
		strategy.NeedAvgShard:      s.NeedAvgShard(),
		strategy.EnablePipelining:  s.EnablePipelining(),
		strategy.EnableFP16:        s.EnableFP16(),
		"has_custom_ops":           s.HasCustomOps(),
	}
}

// passParams are the parameters bound to the pipeline steps.
func (c *Compiler) passParams(feedList, fetchList []string, dst *program.Program) passes.Params {
	s := c.strategy
	params := passes.Params{
		passes.ParamMicroBatchSize: s.MicroBatchSize(),
		passes.ParamNumDevices:     s.NumDevices(),
		passes.ParamNeedAvgShard:   s.NeedAvgShard(),
		passes.ParamEnableFP16:     s.EnableFP16(),
		passes.ParamCustomOps:      s.CustomOps(),
		passes.ParamProgram:        dst,
	}
	if feedList != nil {
		params[passes.ParamFeedList] = slices.Clone(feedList)
	}
	if fetchList != nil {
		params[passes.ParamFetchList] = slices.Clone(fetchList)
	}
	return params
}

// finishProgram copies the metadata of the source program into the compiled one.
func (c *Compiler) finishProgram(dst *program.Program, feedList []string) error {
	if c.source != nil && c.source.LRScheduler != nil {
		binding := *c.source.LRScheduler
		lrVar, found := c.source.GlobalBlock().Var(binding.VarName)
		if !found {
			return errors.Errorf("learning rate variable %q not found in the source program", binding.VarName)
		}
		binding.Var = lrVar
		dst.LRScheduler = &binding
	}

	// The fed values may have a different leading dimension than the declared one (e.g. batches_per_step),
	// so the runtime must not check their shapes.
	global := dst.GlobalBlock()
	for _, name := range feedList {
		if v, found := global.Var(name); found {
			v.NeedCheckFeed = false
		}
	}
	if dst.OrgProgram == nil {
		dst.OrgProgram = c.source
	}
	return nil
}
