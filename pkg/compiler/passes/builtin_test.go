// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes_test

import (
	"testing"

	"github.com/gomlx/compiler/pkg/compiler/passes"
	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/core/program/programtest"
	"github.com/gomlx/compiler/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, pass passes.Pass, g *graph.Graph, params passes.Params) {
	require.NoError(t, pass.Apply(g, params))
}

func opTypes(g *graph.Graph) []string {
	var types []string
	for op := range g.Operators() {
		types = append(types, op.OpType())
	}
	return types
}

func findValue(t *testing.T, g *graph.Graph, name string) *graph.Node {
	v, found := g.FindValue(name)
	require.Truef(t, found, "value %q not found", name)
	return v
}

func stringsAttr(t *testing.T, g *graph.Graph, name string) []string {
	a, found := g.Attr(name)
	require.Truef(t, found, "graph attribute %q not set", name)
	values, err := a.AsStrings()
	require.NoError(t, err)
	return values
}

func TestOptimizerPasses(t *testing.T) {
	g := mlpGraph(t, true)
	apply(t, passes.NewOptimizerExtract(), g, nil)
	a, _ := g.Attr(passes.GraphAttrOptimizerType)
	assert.Equal(t, "momentum", a.Value())
	a, _ = g.Attr(passes.GraphAttrLRVar)
	assert.Equal(t, programtest.LRVar, a.Value())
	a, _ = g.Attr(passes.GraphAttrLossVar)
	assert.Equal(t, programtest.Loss, a.Value())

	velocity := findValue(t, g, "w1_velocity_0")
	assert.False(t, velocity.Persistable())
	apply(t, passes.NewOptimizerStateAlign(), g, nil)
	assert.True(t, velocity.Persistable())
	assert.Equal(t, []string{"w1_velocity_0"}, stringsAttr(t, g, passes.GraphAttrOptimizerStateVars))

	// No-op on inference graphs.
	g = mlpGraph(t, false)
	apply(t, passes.NewOptimizerExtract(), g, nil)
	_, found := g.Attr(passes.GraphAttrOptimizerType)
	assert.False(t, found)
}

func TestForwardGraphExtract(t *testing.T) {
	g := mlpGraph(t, true)
	require.True(t, g.HasBackwardOp())
	apply(t, passes.NewOptimizerStateAlign(), g, nil)
	apply(t, passes.NewForwardGraphExtract(), g, nil)
	assert.False(t, g.HasBackwardOp())
	assert.Equal(t, []string{"matmul", "elementwise_add", "relu", "scale", "matmul", "softmax", "mean"}, opTypes(g))
	_, found := g.FindValue("w1@GRAD")
	assert.False(t, found, "gradients left without edges are removed")
	findValue(t, g, programtest.LRVar)
	findValue(t, g, "w1_velocity_0")
}

func TestInferShape(t *testing.T) {
	g := mlpGraph(t, false)
	pass := passes.NewInferShape()
	err := pass.Apply(g, passes.Params{passes.ParamFeedList: []string{"unknown"}, passes.ParamMicroBatchSize: 2})
	require.Error(t, err)
	assert.True(t, compileerr.Is(err, compileerr.InvalidGraph))

	apply(t, pass, g, passes.Params{passes.ParamFeedList: []string{programtest.Input}, passes.ParamMicroBatchSize: 2})
	f32 := dtypes.Float32
	assert.True(t, shapes.Make(f32, 2, 4).Equal(findValue(t, g, programtest.Input).Shape()))
	assert.True(t, shapes.Make(f32, 2, 8).Equal(findValue(t, g, "h1").Shape()))
	assert.True(t, shapes.Make(f32, 2, 3).Equal(findValue(t, g, programtest.Logits).Shape()))
	assert.True(t, shapes.Scalar(f32).Equal(findValue(t, g, programtest.Loss).Shape()))

	// Mismatched contracting axes.
	g = graph.New("")
	x, _ := g.AddValue(program.VarDesc{Name: "x", Shape: shapes.Make(f32, shapes.DynamicDim, 3)})
	w, _ := g.AddValue(program.VarDesc{Name: "w", Shape: shapes.Make(f32, 4, 2), Persistable: true})
	y, _ := g.AddValue(program.VarDesc{Name: "y", Shape: shapes.Make(f32, shapes.DynamicDim, 2)})
	op, err := g.AddOperator("matmul", []*graph.Node{x, w}, []*graph.Node{y}, nil)
	require.NoError(t, err)
	err = pass.Apply(g, passes.Params{passes.ParamFeedList: []string{"x"}, passes.ParamMicroBatchSize: 1})
	require.ErrorContains(t, err, "contracting dimensions don't match")
	assert.Equal(t, program.RoleForward, op.Role())

	// Reductions.
	g = graph.New("")
	x, _ = g.AddValue(program.VarDesc{Name: "x", Shape: shapes.Make(f32, shapes.DynamicDim, 3, 5)})
	y, _ = g.AddValue(program.VarDesc{Name: "y", Shape: shapes.Make(f32, shapes.DynamicDim, 5)})
	_, err = g.AddOperator("reduce_sum", []*graph.Node{x}, []*graph.Node{y},
		program.Attrs{"dim": program.Ints(1), "keep_dim": program.Bool(true)})
	require.NoError(t, err)
	apply(t, pass, g, passes.Params{passes.ParamFeedList: []string{"x"}, passes.ParamMicroBatchSize: 4})
	assert.True(t, shapes.Make(f32, 4, 1, 5).Equal(y.Shape()), "got %s", y.Shape())

	// Consumers inserted before their producers still see the inferred shapes.
	g = graph.New("")
	x, _ = g.AddValue(program.VarDesc{Name: "x", Shape: shapes.Make(f32, shapes.DynamicDim, 4)})
	h, _ := g.AddValue(program.VarDesc{Name: "h", Shape: shapes.Make(f32, shapes.DynamicDim, 4)})
	y, _ = g.AddValue(program.VarDesc{Name: "y", Shape: shapes.Make(f32, shapes.DynamicDim, 4)})
	b, _ := g.AddValue(program.VarDesc{Name: "b", Shape: shapes.Make(f32, 4), Persistable: true})
	_, err = g.AddOperator("elementwise_add", []*graph.Node{h, b}, []*graph.Node{y}, nil)
	require.NoError(t, err)
	_, err = g.AddOperator("relu", []*graph.Node{x}, []*graph.Node{h}, nil)
	require.NoError(t, err)
	apply(t, pass, g, passes.Params{passes.ParamFeedList: []string{"x"}, passes.ParamMicroBatchSize: 3})
	assert.True(t, shapes.Make(f32, 3, 4).Equal(y.Shape()), "got %s", y.Shape())
}

func TestAvgShard(t *testing.T) {
	g := mlpGraph(t, false)
	pass := passes.NewAvgShard()
	apply(t, pass, g, nil)
	for op := range g.Operators() {
		_, found := op.Attr(passes.OpAttrDeviceIndex)
		assert.False(t, found, "disabled by default")
	}

	apply(t, pass, g, passes.Params{passes.ParamNumDevices: 2, passes.ParamNeedAvgShard: true})
	var devices []int
	for op := range g.Operators() {
		a, found := op.Attr(passes.OpAttrDeviceIndex)
		require.True(t, found)
		devices = append(devices, a.Value().(int))
	}
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1}, devices)
	a, _ := g.Attr(passes.GraphAttrNumStages)
	assert.Equal(t, 2, a.Value())

	err := pass.Apply(g, passes.Params{passes.ParamNumDevices: "two", passes.ParamNeedAvgShard: true})
	require.ErrorContains(t, err, `parameter "num_devices" holds a string`)
}

func TestDeleteScaleOp(t *testing.T) {
	g := mlpGraph(t, false)
	h2 := findValue(t, g, "h2")
	apply(t, passes.NewDeleteScaleOp(), g, nil)
	assert.NotContains(t, opTypes(g), "scale")
	_, found := g.FindValue("h3")
	assert.False(t, found)
	require.Len(t, h2.Consumers(), 1)
	consumer := h2.Consumers()[0]
	assert.Equal(t, "matmul", consumer.OpType())
	assert.Equal(t, "h2", consumer.Inputs()[0].Name())

	// Fetched values are kept, along with the scale producing them.
	g = mlpGraph(t, false)
	apply(t, passes.NewDeleteScaleOp(), g, passes.Params{passes.ParamFetchList: []string{"h3", programtest.Loss}})
	assert.Contains(t, opTypes(g), "scale")
	h3 := findValue(t, g, "h3")
	require.Len(t, h3.Consumers(), 1)
	assert.Equal(t, "matmul", h3.Consumers()[0].OpType())

	// Non-identity scales are kept.
	g, err := graph.FromProgram(programtest.Identity())
	require.NoError(t, err)
	apply(t, passes.NewDeleteScaleOp(), g, nil)
	assert.Equal(t, []string{"scale"}, opTypes(g))
}

func TestCanonicalization(t *testing.T) {
	g := mlpGraph(t, false)
	pass := passes.NewCanonicalization()
	apply(t, pass, g, passes.Params{
		passes.ParamEnableFP16: true,
		passes.ParamCustomOps:  []passes.CustomOp{{SourceOp: "relu", TargetOp: "FastRelu", Domain: "custom.ops", Version: 2}},
	})
	assert.Equal(t, []string{"MatMul", "Add", "FastRelu", "Scale", "MatMul", "Softmax", "ReduceMean"}, opTypes(g))
	for op := range g.Operators() {
		src, found := op.Attr(passes.OpAttrSourceOp)
		require.True(t, found)
		if src.Value() == "relu" {
			domain, _ := op.Attr(passes.OpAttrDomain)
			assert.Equal(t, "custom.ops", domain.Value())
			version, _ := op.Attr(passes.OpAttrVersion)
			assert.Equal(t, 2, version.Value())
		}
		if op.OpType() == "MatMul" {
			partials, found := op.Attr(passes.OpAttrPartialsType)
			require.True(t, found)
			assert.Equal(t, "half", partials.Value())
		}
	}

	// Running it again is a no-op.
	apply(t, pass, g, nil)
	assert.Equal(t, "MatMul", opTypes(g)[0])

	// Unknown operators are all reported.
	g = mlpGraph(t, false)
	x := findValue(t, g, programtest.Input)
	y, _ := g.AddValue(program.VarDesc{Name: "y"})
	z, _ := g.AddValue(program.VarDesc{Name: "z"})
	_, _ = g.AddOperator("fancy_op", []*graph.Node{x}, []*graph.Node{y}, nil)
	_, _ = g.AddOperator("other_op", []*graph.Node{y}, []*graph.Node{z}, nil)
	err := pass.Apply(g, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, `"fancy_op"`)
	assert.ErrorContains(t, err, `"other_op"`)
	assert.Contains(t, opTypes(g), "matmul", "graph is not modified when canonicalization fails")
}

var (
	feeds   = []string{programtest.Input}
	fetches = []string{programtest.Loss}
)

func boundaryParams() passes.Params {
	return passes.Params{passes.ParamFeedList: feeds, passes.ParamFetchList: fetches}
}

func TestInplace(t *testing.T) {
	g := mlpGraph(t, false)
	apply(t, passes.NewCanonicalization(), g, nil)
	apply(t, passes.NewInplace(), g, boundaryParams())
	var inplace []string
	for op := range g.Operators() {
		if a, found := op.Attr(passes.OpAttrInplace); found && a.Value() == true {
			inplace = append(inplace, op.OpType())
		}
	}
	// Scale reads h2 (single consumer), Add reads h0, Relu reads h1.
	assert.Equal(t, []string{"Add", "Relu", "Scale"}, inplace)
}

func TestGraphBuilder(t *testing.T) {
	g := mlpGraph(t, true)
	apply(t, passes.NewGraphBuilder(), g, boundaryParams())
	order, err := passes.TopologicalOrder(g)
	require.NoError(t, err)
	assert.Equal(t, "matmul", order[0].OpType())
	assert.Equal(t, "sgd", order[len(order)-1].OpType())
	assert.Equal(t, feeds, stringsAttr(t, g, passes.GraphAttrFeedList))

	err = passes.NewGraphBuilder().Apply(g, passes.Params{passes.ParamFeedList: feeds, passes.ParamFetchList: []string{"nope"}})
	require.ErrorContains(t, err, `fetched value "nope"`)

	// A fetched value nobody computes.
	g = mlpGraph(t, false)
	_, _ = g.AddValue(program.VarDesc{Name: "orphan"})
	err = passes.NewGraphBuilder().Apply(g, passes.Params{passes.ParamFeedList: feeds, passes.ParamFetchList: []string{"orphan"}})
	require.ErrorContains(t, err, "not fed, persistable or produced")
}

func TestRuntimeReplacer(t *testing.T) {
	g := mlpGraph(t, true)
	apply(t, passes.NewOptimizerStateAlign(), g, nil)
	apply(t, passes.NewForwardGraphExtract(), g, nil)
	apply(t, passes.NewGraphBuilder(), g, boundaryParams())
	apply(t, passes.NewRuntimeReplacer(), g, boundaryParams())

	ops := opTypes(g)
	require.Equal(t, []string{passes.RuntimeOpType}, ops)
	var runtimeOp *graph.Node
	for op := range g.Operators() {
		runtimeOp = op
	}
	var inputs []string
	for _, in := range runtimeOp.Inputs() {
		inputs = append(inputs, in.Name())
	}
	assert.Equal(t, []string{programtest.Input, "b0", programtest.LRVar, "w0", "w1", "w1_velocity_0"}, inputs)
	require.Len(t, runtimeOp.Outputs(), 1)
	assert.Equal(t, programtest.Loss, runtimeOp.Outputs()[0].Name())
	compiled, _ := runtimeOp.Attr(passes.OpAttrCompiledOps)
	assert.Equal(t, []string{"matmul", "elementwise_add", "relu", "scale", "matmul", "softmax", "mean"}, compiled.Value())
	_, found := g.FindValue("h0")
	assert.False(t, found, "intermediate values are removed")

	dst := program.New()
	apply(t, passes.NewGraphToProgram(), g, passes.Params{passes.ParamProgram: dst})
	require.NoError(t, dst.Validate())
	require.Equal(t, 1, dst.GlobalBlock().NumOps())
	assert.Equal(t, passes.RuntimeOpType, dst.GlobalBlock().Ops()[0].Type)
	assert.Len(t, dst.GlobalBlock().Vars(), 7)

	err := passes.NewGraphToProgram().Apply(g, passes.Params{passes.ParamProgram: "not a program"})
	require.Error(t, err)
}
