// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/support/sets"
	"k8s.io/klog/v2"
)

type avgShard struct{ basePass }

// NewAvgShard returns the pass that evenly splits the forward operators among devices: the operators, in
// order, are divided into num_devices contiguous groups of (nearly) equal size, and each operator gets the
// device_index and pipeline_stage attributes of its group.
//
// It is a no-op unless need_avg_shard is true and num_devices > 1.
func NewAvgShard() Pass {
	return &avgShard{basePass{id: AvgShard, optional: []Param{ParamNumDevices, ParamNeedAvgShard}}}
}

func (p *avgShard) Apply(g *graph.Graph, params Params) error {
	needAvgShard, err := GetOr(params, ParamNeedAvgShard, false)
	if err != nil {
		return err
	}
	numDevices, err := GetOr(params, ParamNumDevices, 1)
	if err != nil {
		return err
	}
	if !needAvgShard || numDevices <= 1 {
		return nil
	}
	var ops []*graph.Node
	for op := range g.Operators() {
		if !isBackwardOrOptimize(op) {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return nil
	}
	groupSize := (len(ops) + numDevices - 1) / numDevices
	numStages := 0
	for ii, op := range ops {
		device := ii / groupSize
		op.SetAttr(OpAttrDeviceIndex, program.Int(device))
		op.SetAttr(OpAttrPipelineStage, program.Int(device))
		numStages = max(numStages, device+1)
	}
	g.SetAttr(GraphAttrNumStages, program.Int(numStages))
	klog.V(1).Infof("%d operators sharded among %d devices", len(ops), numStages)
	return nil
}

type deleteScaleOp struct{ basePass }

// NewDeleteScaleOp returns the pass that removes identity "scale" operators (scale 1, bias 0): consumers of
// the scaled value read the scale input directly, and the scaled value is removed.
//
// Scale operators whose output is persistable, fetched (optional parameter fetch_list), has other producers
// or has no consumers are kept.
func NewDeleteScaleOp() Pass {
	return &deleteScaleOp{basePass{id: DeleteScaleOp, optional: []Param{ParamFetchList}}}
}

func isIdentityScale(op *graph.Node) (bool, error) {
	if op.OpType() != "scale" || len(op.Inputs()) != 1 || len(op.Outputs()) != 1 {
		return false, nil
	}
	scale, err := floatAttr(op, "scale", 1)
	if err != nil {
		return false, err
	}
	bias, err := floatAttr(op, "bias", 0)
	if err != nil {
		return false, err
	}
	return scale == 1 && bias == 0, nil
}

func (p *deleteScaleOp) Apply(g *graph.Graph, params Params) error {
	fetchList, err := GetOr[[]string](params, ParamFetchList, nil)
	if err != nil {
		return err
	}
	fetched := sets.MakeWith(fetchList...)
	removed := 0
	for op := range g.Operators() {
		identity, err := isIdentityScale(op)
		if err != nil {
			return errorf("invalid attributes for %s: %v", op, err)
		}
		if !identity {
			continue
		}
		in, out := op.Inputs()[0], op.Outputs()[0]
		if out.Persistable() || fetched.Has(out.Name()) || len(out.Producers()) != 1 || len(out.Consumers()) == 0 {
			continue
		}
		if err := g.RewireConsumers(out, in); err != nil {
			return err
		}
		if err := g.RemoveOperator(op); err != nil {
			return err
		}
		if err := g.RemoveNode(out); err != nil {
			return err
		}
		removed++
	}
	klog.V(1).Infof("removed %d identity scale operators", removed)
	return nil
}
