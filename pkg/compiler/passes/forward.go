// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/compiler/pkg/core/graph"
	"k8s.io/klog/v2"
)

type forwardGraphExtract struct{ basePass }

// NewForwardGraphExtract returns the pass that removes the backward and optimizer operators, leaving only the
// forward graph. Values left without any edge are removed as well, unless they are persistable.
func NewForwardGraphExtract() Pass {
	return &forwardGraphExtract{basePass{id: ForwardGraphExtract}}
}

func (p *forwardGraphExtract) Apply(g *graph.Graph, _ Params) error {
	var numOps, numValues int
	for op := range g.Operators() {
		if !isBackwardOrOptimize(op) {
			continue
		}
		if err := g.RemoveOperator(op); err != nil {
			return err
		}
		numOps++
	}
	for v := range g.Values() {
		if v.NumEdges() > 0 || v.Persistable() {
			continue
		}
		if err := g.RemoveNode(v); err != nil {
			return err
		}
		numValues++
	}
	klog.V(2).Infof("forward graph extraction removed %d operators and %d values", numOps, numValues)
	return nil
}
