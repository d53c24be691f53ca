// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements the compilation passes and the Pipeline that runs them.
//
// A Pass is a named, stateless transformation of a graph.Graph. It declares the parameters it requires
// and the ones it optionally uses. A Pipeline is an ordered list of Step's, each a Pass plus its parameter
// bindings and an optional condition. Running a pipeline first checks that every required parameter of every
// active step is bound, and only then applies the passes in order on the same graph.
//
// Passes are identified by a PassID, resolved through a Registry when the pipeline is built. The built-in
// passes are registered in DefaultRegistry, and DefaultConfig lists them in their canonical order.
package passes

import (
	"fmt"
	"sync"

	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/pkg/errors"
)

// PassID identifies a pass. The built-in ones are listed below, and new ones can be created with NewPassID.
type PassID int

const (
	OptimizerExtract PassID = iota
	OptimizerStateAlign
	ForwardGraphExtract
	InferShape
	AvgShard
	DeleteScaleOp
	Canonicalization
	Inplace
	GraphBuilder
	RuntimeReplacer
	GraphToProgram
)

var (
	muPassNames sync.RWMutex
	passNames   = []string{
		"optimizer_extract_pass",
		"optimizer_state_align_pass",
		"forward_graph_extract_pass",
		"infer_shape_pass",
		"avg_shard_pass",
		"delete_scale_op_pass",
		"canonicalization_pass",
		"inplace_pass",
		"graph_builder_pass",
		"runtime_replacer_pass",
		"graph_to_program_pass",
	}
)

// String returns the canonical name of the pass.
func (id PassID) String() string {
	muPassNames.RLock()
	defer muPassNames.RUnlock()
	if id < 0 || int(id) >= len(passNames) {
		return fmt.Sprintf("PassID(%d)", int(id))
	}
	return passNames[id]
}

// ParsePassID returns the PassID with the given canonical name, or an UnknownPass error.
func ParsePassID(name string) (PassID, error) {
	muPassNames.RLock()
	defer muPassNames.RUnlock()
	for idx, passName := range passNames {
		if passName == name {
			return PassID(idx), nil
		}
	}
	return -1, compileerr.Errorf(compileerr.UnknownPass, "unknown pass %q", name)
}

// NewPassID creates a new PassID for a pass not built into this package.
// It fails if the name is empty or already taken.
func NewPassID(name string) (PassID, error) {
	if name == "" {
		return -1, errors.New("pass name cannot be empty")
	}
	muPassNames.Lock()
	defer muPassNames.Unlock()
	for _, passName := range passNames {
		if passName == name {
			return -1, errors.Errorf("pass name %q already taken", name)
		}
	}
	passNames = append(passNames, name)
	return PassID(len(passNames) - 1), nil
}

// Pass is a stateless transformation of a graph.
type Pass interface {
	// ID of the pass.
	ID() PassID

	// RequiredParams must be bound before the pass runs.
	RequiredParams() []Param

	// OptionalParams are used if bound.
	OptionalParams() []Param

	// Apply the pass to the graph, mutating it in place.
	Apply(g *graph.Graph, params Params) error
}

// Param is the name of a pass parameter.
type Param string

// Parameters used by the built-in passes.
const (
	ParamFeedList       Param = "feed_list"
	ParamFetchList      Param = "fetch_list"
	ParamCustomOps      Param = "custom_ops"
	ParamMicroBatchSize Param = "micro_batch_size"
	ParamNumDevices     Param = "num_devices"
	ParamNeedAvgShard   Param = "need_avg_shard"
	ParamEnableFP16     Param = "enable_fp16"
	ParamProgram        Param = "program"
)

// Params holds the values bound to the parameters of a step.
type Params map[Param]any

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Has returns whether the parameter is bound.
func (p Params) Has(param Param) bool {
	_, found := p[param]
	return found
}

// Get returns the value of a parameter converted to T. It fails if the parameter is not bound or
// holds a value of another type.
func Get[T any](params Params, param Param) (T, error) {
	var zero T
	value, found := params[param]
	if !found {
		return zero, compileerr.Errorf(compileerr.MissingPassParameter, "parameter %q not bound", param)
	}
	typed, ok := value.(T)
	if !ok {
		return zero, errors.Errorf("parameter %q holds a %T, expected a %T", param, value, zero)
	}
	return typed, nil
}

// GetOr is like Get, but returns defaultValue if the parameter is not bound.
func GetOr[T any](params Params, param Param, defaultValue T) (T, error) {
	if !params.Has(param) {
		return defaultValue, nil
	}
	return Get[T](params, param)
}

// CustomOp maps a framework operator to a custom operator of the target op set.
type CustomOp struct {
	SourceOp string `json:"source_op" yaml:"source_op"`
	TargetOp string `json:"target_op" yaml:"target_op"`
	Domain   string `json:"domain" yaml:"domain"`
	Version  int    `json:"version" yaml:"version"`
}

// String implements fmt.Stringer.
func (c CustomOp) String() string {
	return fmt.Sprintf("%s -> %s.%s(v%d)", c.SourceOp, c.Domain, c.TargetOp, c.Version)
}

// basePass implements ID and parameter declarations for the built-in passes.
type basePass struct {
	id                 PassID
	required, optional []Param
}

func (b basePass) ID() PassID               { return b.id }
func (b basePass) RequiredParams() []Param { return b.required }
func (b basePass) OptionalParams() []Param { return b.optional }
