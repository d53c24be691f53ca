// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"strings"

	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/support/sets"
	"k8s.io/klog/v2"
)

type optimizerExtract struct{ basePass }

// NewOptimizerExtract returns the pass that finds the optimizer operators of a training graph and publishes
// the graph attributes GraphAttrOptimizerType, GraphAttrLRVar and GraphAttrLossVar.
//
// It is a no-op on graphs without optimizer operators.
func NewOptimizerExtract() Pass {
	return &optimizerExtract{basePass{id: OptimizerExtract}}
}

// lrInput returns the learning rate input of an optimizer operator.
func lrInput(op *graph.Node) *graph.Node {
	var candidate *graph.Node
	for _, in := range op.Inputs() {
		if strings.Contains(in.Name(), "learning_rate") {
			return in
		}
		if in.Persistable() && !in.IsParameter() && in.Shape().Ok() && in.Shape().Size() == 1 {
			candidate = in
		}
	}
	return candidate
}

func (p *optimizerExtract) Apply(g *graph.Graph, _ Params) error {
	var optimizerType, lrVar, lossVar string
	for op := range g.Operators() {
		if op.Role()&program.RoleLoss != 0 && len(op.Outputs()) > 0 && lossVar == "" {
			lossVar = op.Outputs()[0].Name()
			g.SetAttr(GraphAttrLossVar, program.String(lossVar))
		}
		if !isOptimizerOp(op) {
			continue
		}
		if optimizerType == "" {
			optimizerType = op.OpType()
		} else if optimizerType != op.OpType() {
			klog.Warningf("graph %s uses more than one optimizer (%q and %q), only %q is reported",
				g.Name(), optimizerType, op.OpType(), optimizerType)
		}
		if lr := lrInput(op); lr != nil && lrVar == "" {
			lrVar = lr.Name()
		}
	}
	if optimizerType == "" {
		klog.V(1).Infof("graph %s has no optimizer operators", g.Name())
		return nil
	}
	g.SetAttr(GraphAttrOptimizerType, program.String(optimizerType))
	if lrVar != "" {
		g.SetAttr(GraphAttrLRVar, program.String(lrVar))
	}
	return nil
}

type optimizerStateAlign struct{ basePass }

// NewOptimizerStateAlign returns the pass that makes the optimizer state (moments, accumulators: inputs of
// the optimizer operators that are neither parameters, gradients nor the learning rate) persistable, so it is
// kept across runs. The sorted names are published in GraphAttrOptimizerStateVars.
func NewOptimizerStateAlign() Pass {
	return &optimizerStateAlign{basePass{id: OptimizerStateAlign}}
}

func (p *optimizerStateAlign) Apply(g *graph.Graph, _ Params) error {
	var lrVar string
	if a, found := g.Attr(GraphAttrLRVar); found {
		lrVar, _ = a.AsString()
	}
	state := sets.Make[string]()
	for op := range g.Operators() {
		if !isOptimizerOp(op) {
			continue
		}
		for _, in := range op.Inputs() {
			if in.IsParameter() || isGradient(in) || in.Name() == lrVar {
				continue
			}
			if !in.Persistable() {
				klog.V(2).Infof("optimizer state %q of %s made persistable", in.Name(), op.OpType())
				in.SetPersistable(true)
			}
			state.Insert(in.Name())
		}
	}
	if len(state) > 0 {
		g.SetAttr(GraphAttrOptimizerStateVars, program.Strings(sets.Sorted(state)...))
	}
	return nil
}
