// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"strings"

	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
)

// Graph attributes published by the built-in passes.
const (
	GraphAttrOptimizerType      = "optimizer_type"
	GraphAttrLRVar              = "lr_var"
	GraphAttrLossVar            = "loss_var"
	GraphAttrOptimizerStateVars = "optimizer_state_vars"
	GraphAttrNumStages          = "num_stages"
	GraphAttrFeedList           = "feed_list"
	GraphAttrFetchList          = "fetch_list"
	GraphAttrCompiledOps        = "compiled_ops"
	GraphAttrNumInplace         = "num_inplace_ops"
)

// Operator attributes set by the built-in passes.
const (
	OpAttrDeviceIndex   = "device_index"
	OpAttrPipelineStage = "pipeline_stage"
	OpAttrSourceOp      = "source_op"
	OpAttrDomain        = "domain"
	OpAttrVersion       = "version"
	OpAttrInplace       = "inplace"
	OpAttrPartialsType  = "partials_type"
	OpAttrCompiledOps   = "compiled_ops"
	OpAttrFeedList      = "feed_list"
	OpAttrFetchList     = "fetch_list"
)

// RuntimeOpType is the type of the single operator left by the runtime replacer pass.
const RuntimeOpType = "device_runtime"

// GradSuffix marks gradient operators and gradient values.
const (
	GradOpSuffix  = "_grad"
	GradVarSuffix = "@GRAD"
)

func isBackwardOrOptimize(op *graph.Node) bool {
	return op.Role()&(program.RoleBackward|program.RoleOptimize) != 0 || strings.HasSuffix(op.OpType(), GradOpSuffix)
}

func isOptimizerOp(op *graph.Node) bool {
	return op.Role()&program.RoleOptimize != 0
}

func isGradient(v *graph.Node) bool {
	return strings.Contains(v.Name(), GradVarSuffix)
}

// graphStringsAttr returns a graph attribute holding a list of strings, or nil.
func graphStringsAttr(g *graph.Graph, name string) []string {
	a, found := g.Attr(name)
	if !found {
		return nil
	}
	values, err := a.AsStrings()
	if err != nil {
		return nil
	}
	return values
}

func floatAttr(op *graph.Node, name string, defaultValue float64) (float64, error) {
	a, found := op.Attr(name)
	if !found {
		return defaultValue, nil
	}
	return a.AsFloat()
}

// findValues returns the values with the given names, failing on the first unknown one.
func findValues(g *graph.Graph, names []string, what string) ([]*graph.Node, error) {
	values := make([]*graph.Node, 0, len(names))
	for _, name := range names {
		v, found := g.FindValue(name)
		if !found {
			return nil, errorf("%s %q is not a value of %s", what, name, g.Name())
		}
		values = append(values, v)
	}
	return values, nil
}

// errorf returns an InvalidGraph error.
func errorf(format string, args ...any) error {
	return compileerr.Errorf(compileerr.InvalidGraph, format, args...)
}
