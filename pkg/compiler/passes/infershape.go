// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"slices"

	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type inferShape struct{ basePass }

// NewInferShape returns the pass that fixes the dynamic leading (batch) axis of the fed values to the
// micro batch size, and propagates the shapes through the graph.
//
// Operators without a shape rule keep the declared shapes of their outputs, with the dynamic leading axis
// resolved to the micro batch size. Operators without a role are marked as forward operators.
func NewInferShape() Pass {
	return &inferShape{basePass{id: InferShape, required: []Param{ParamFeedList, ParamMicroBatchSize}}}
}

// shapeRule returns the shape of the first output of an operator, given the shapes of its inputs.
type shapeRule func(op *graph.Node, inputs []shapes.Shape) (shapes.Shape, error)

var shapeRules = map[string]shapeRule{}

func init() {
	for _, opType := range []string{"relu", "sigmoid", "tanh", "gelu", "exp", "log", "sqrt", "abs", "neg",
		"softmax", "scale", "dropout", "identity", "assign", "cast"} {
		shapeRules[opType] = unaryShape
	}
	for _, opType := range []string{"elementwise_add", "elementwise_sub", "elementwise_mul", "elementwise_div",
		"elementwise_max", "elementwise_min", "elementwise_pow"} {
		shapeRules[opType] = binaryShape
	}
	shapeRules["matmul"] = matMulShape
	shapeRules["mul"] = matMulShape
	shapeRules["mean"] = func(_ *graph.Node, inputs []shapes.Shape) (shapes.Shape, error) {
		if len(inputs) != 1 {
			return shapes.Invalid(), errors.Errorf("mean takes 1 input, got %d", len(inputs))
		}
		return shapes.Scalar(inputs[0].DType), nil
	}
	for _, opType := range []string{"reduce_mean", "reduce_sum", "reduce_max", "reduce_min"} {
		shapeRules[opType] = reduceShape
	}
}

func unaryShape(_ *graph.Node, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) < 1 {
		return shapes.Invalid(), errors.New("unary operator without input")
	}
	return inputs[0].Clone(), nil
}

func binaryShape(_ *graph.Node, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("binary operator takes 2 inputs, got %d", len(inputs))
	}
	return shapes.Broadcast(inputs[0], inputs[1])
}

func boolAttr(op *graph.Node, name string) bool {
	if a, found := op.Attr(name); found {
		v, _ := a.AsBool()
		return v
	}
	return false
}

// matMulShape handles [..., M, K] x [K, N] -> [..., M, N], with optional transposition of either side.
func matMulShape(op *graph.Node, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("matmul takes 2 inputs, got %d", len(inputs))
	}
	x, y := inputs[0], inputs[1]
	if x.Rank() < 2 || y.Rank() != 2 {
		return shapes.Invalid(), errors.Errorf("matmul requires lhs of rank >= 2 and rhs of rank 2, got %s and %s", x, y)
	}
	if x.DType != y.DType {
		return shapes.Invalid(), errors.Errorf("matmul dtypes don't match, got %s and %s", x, y)
	}
	m, k := x.Dim(-2), x.Dim(-1)
	if boolAttr(op, "transpose_x") {
		m, k = k, m
	}
	k2, n := y.Dim(0), y.Dim(1)
	if boolAttr(op, "transpose_y") {
		k2, n = n, k2
	}
	if k != k2 && k != shapes.DynamicDim && k2 != shapes.DynamicDim {
		return shapes.Invalid(), errors.Errorf("matmul contracting dimensions don't match, got %s and %s", x, y)
	}
	dims := slices.Clone(x.Dimensions[:x.Rank()-2])
	dims = append(dims, m, n)
	return shapes.Shape{DType: x.DType, Dimensions: dims}, nil
}

// reduceShape reduces the axes listed in the "dim" attribute, or all axes if "reduce_all" is set or "dim" is
// missing. If "keep_dim" is set, reduced axes are kept with dimension 1.
func reduceShape(op *graph.Node, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("reduce takes 1 input, got %d", len(inputs))
	}
	operand := inputs[0]
	var axes []int
	if a, found := op.Attr("dim"); found && !boolAttr(op, "reduce_all") {
		var err error
		if axes, err = a.AsInts(); err != nil {
			return shapes.Invalid(), err
		}
	}
	if len(axes) == 0 {
		axes = make([]int, operand.Rank())
		for ii := range axes {
			axes[ii] = ii
		}
	}
	reduced := make([]bool, operand.Rank())
	for _, axis := range axes {
		if axis < 0 {
			axis += operand.Rank()
		}
		if axis < 0 || axis >= operand.Rank() {
			return shapes.Invalid(), errors.Errorf("reduce axis %d out of range for %s", axis, operand)
		}
		reduced[axis] = true
	}
	keepDim := boolAttr(op, "keep_dim")
	output := shapes.Shape{DType: operand.DType}
	for axis, dim := range operand.Dimensions {
		if !reduced[axis] {
			output.Dimensions = append(output.Dimensions, dim)
		} else if keepDim {
			output.Dimensions = append(output.Dimensions, 1)
		}
	}
	return output, nil
}

func (p *inferShape) Apply(g *graph.Graph, params Params) error {
	feedList, err := Get[[]string](params, ParamFeedList)
	if err != nil {
		return err
	}
	microBatchSize, err := Get[int](params, ParamMicroBatchSize)
	if err != nil {
		return err
	}
	if microBatchSize < 1 {
		return errors.Errorf("micro_batch_size must be >= 1, got %d", microBatchSize)
	}
	feeds, err := findValues(g, feedList, "fed value")
	if err != nil {
		return err
	}
	for _, feed := range feeds {
		feed.SetShape(feed.Shape().ResolveLeading(microBatchSize))
	}

	order, err := TopologicalOrder(g)
	if err != nil {
		return err
	}
	numRules := 0
	for _, op := range order {
		if _, found := op.Attr(program.AttrOpRole); !found {
			op.SetAttr(program.AttrOpRole, program.Int(int(program.RoleForward)))
		}
		outputs := op.Outputs()
		rule, hasRule := shapeRules[op.OpType()]
		if !hasRule || len(outputs) == 0 {
			for _, out := range outputs {
				out.SetShape(out.Shape().ResolveLeading(microBatchSize))
			}
			continue
		}
		inputs := op.Inputs()
		inputShapes := make([]shapes.Shape, len(inputs))
		complete := true
		for ii, in := range inputs {
			inputShapes[ii] = in.Shape()
			complete = complete && in.Shape().Ok()
		}
		if !complete {
			outputs[0].SetShape(outputs[0].Shape().ResolveLeading(microBatchSize))
			continue
		}
		shape, err := rule(op, inputShapes)
		if err != nil {
			return errorf("cannot infer the output shape of %s: %v", op, err)
		}
		if declared := outputs[0].Shape(); declared.Ok() && declared.DType != shape.DType {
			// Declared dtype wins, e.g. for casts.
			shape = shape.WithDType(declared.DType)
		}
		klog.V(2).Infof("%s: %s -> %s", op, outputs[0].Shape(), shape)
		outputs[0].SetShape(shape)
		numRules++
	}
	klog.V(1).Infof("shapes inferred for %d operators with micro batch size %d", numRules, microBatchSize)
	return nil
}
