// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package programtest holds sample programs used by tests of the compilation pipeline.
package programtest

import (
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
)

// Names used by the sample programs.
const (
	Input  = "x"
	Label  = "label"
	Loss   = "loss"
	Logits = "logits"
	LRVar  = "learning_rate_0"
)

func role(r program.OpRole) program.Attrs {
	return program.Attrs{program.AttrOpRole: program.Int(int(r))}
}

// MLP returns a one-hidden-layer perceptron program with boundary feed/fetch operators:
//
//	x[?,4] -> matmul(w0) -> add(b0) -> relu -> scale(1.0) -> matmul(w1) -> softmax -> mean -> loss
//
// If training is true, the gradient (backward) operators and SGD optimizer operators updating the parameters
// are appended, along with the learning-rate variable.
func MLP(training bool) *program.Program {
	p := program.New()
	b := p.GlobalBlock()
	f32 := dtypes.Float32
	dyn := shapes.DynamicDim
	vars := []*program.VarDesc{
		{Name: program.FeedVarName, Type: program.FeedMinibatch, Persistable: true},
		{Name: program.FetchVarName, Type: program.FetchList, Persistable: true},
		{Name: Input, Shape: shapes.Make(f32, dyn, 4), NeedCheckFeed: true},
		{Name: "w0", Shape: shapes.Make(f32, 4, 8), Persistable: true, IsParameter: true},
		{Name: "b0", Shape: shapes.Make(f32, 8), Persistable: true, IsParameter: true},
		{Name: "h0", Shape: shapes.Make(f32, dyn, 8)},
		{Name: "h1", Shape: shapes.Make(f32, dyn, 8)},
		{Name: "h2", Shape: shapes.Make(f32, dyn, 8)},
		{Name: "h3", Shape: shapes.Make(f32, dyn, 8)},
		{Name: "w1", Shape: shapes.Make(f32, 8, 3), Persistable: true, IsParameter: true},
		{Name: Logits, Shape: shapes.Make(f32, dyn, 3)},
		{Name: "probs", Shape: shapes.Make(f32, dyn, 3)},
		{Name: Loss, Shape: shapes.Scalar(f32)},
	}
	for _, v := range vars {
		must.M(b.AddVar(v))
	}
	b.AppendOp(&program.OpDesc{Type: program.FeedOpType, Inputs: []string{program.FeedVarName}, Outputs: []string{Input},
		Attrs: program.Attrs{"col": program.Int(0)}})
	b.AppendOp(&program.OpDesc{Type: "matmul", Inputs: []string{Input, "w0"}, Outputs: []string{"h0"}, Attrs: role(program.RoleForward)})
	b.AppendOp(&program.OpDesc{Type: "elementwise_add", Inputs: []string{"h0", "b0"}, Outputs: []string{"h1"}, Attrs: role(program.RoleForward)})
	b.AppendOp(&program.OpDesc{Type: "relu", Inputs: []string{"h1"}, Outputs: []string{"h2"}, Attrs: role(program.RoleForward)})
	b.AppendOp(&program.OpDesc{Type: "scale", Inputs: []string{"h2"}, Outputs: []string{"h3"},
		Attrs: program.Attrs{"scale": program.Float(1), "bias": program.Float(0), program.AttrOpRole: program.Int(0)}})
	b.AppendOp(&program.OpDesc{Type: "matmul", Inputs: []string{"h3", "w1"}, Outputs: []string{Logits}, Attrs: role(program.RoleForward)})
	b.AppendOp(&program.OpDesc{Type: "softmax", Inputs: []string{Logits}, Outputs: []string{"probs"}, Attrs: role(program.RoleForward)})
	b.AppendOp(&program.OpDesc{Type: "mean", Inputs: []string{"probs"}, Outputs: []string{Loss},
		Attrs: role(program.RoleForward | program.RoleLoss), IsTarget: true})
	b.AppendOp(&program.OpDesc{Type: program.FetchOpType, Inputs: []string{Loss}, Outputs: []string{program.FetchVarName},
		Attrs: program.Attrs{"col": program.Int(0)}})
	if !training {
		return p
	}

	for _, v := range []*program.VarDesc{
		{Name: Loss + "@GRAD", Shape: shapes.Scalar(f32)},
		{Name: "w1@GRAD", Shape: shapes.Make(f32, 8, 3)},
		{Name: "w0@GRAD", Shape: shapes.Make(f32, 4, 8)},
		{Name: LRVar, Shape: shapes.Make(f32, 1), Persistable: true},
		{Name: "w1_velocity_0", Shape: shapes.Make(f32, 8, 3)},
	} {
		must.M(b.AddVar(v))
	}
	b.AppendOp(&program.OpDesc{Type: "mean_grad", Inputs: []string{Loss}, Outputs: []string{Loss + "@GRAD"}, Attrs: role(program.RoleBackward)})
	b.AppendOp(&program.OpDesc{Type: "matmul_grad", Inputs: []string{Loss + "@GRAD", "h3", "w1"}, Outputs: []string{"w1@GRAD"}, Attrs: role(program.RoleBackward)})
	b.AppendOp(&program.OpDesc{Type: "matmul_grad", Inputs: []string{Loss + "@GRAD", Input, "w0"}, Outputs: []string{"w0@GRAD"}, Attrs: role(program.RoleBackward)})
	b.AppendOp(&program.OpDesc{Type: "momentum", Inputs: []string{"w1", "w1@GRAD", "w1_velocity_0", LRVar}, Outputs: []string{"w1"},
		Attrs: program.Attrs{program.AttrOpRole: program.Int(int(program.RoleOptimize)), "mu": program.Float(0.9)}})
	b.AppendOp(&program.OpDesc{Type: "sgd", Inputs: []string{"w0", "w0@GRAD", LRVar}, Outputs: []string{"w0"},
		Attrs: role(program.RoleOptimize)})
	return p
}

// Identity returns a tiny program `y = scale(x, 2.0)` with no boundary operators.
func Identity() *program.Program {
	p := program.New()
	b := p.GlobalBlock()
	must.M(b.AddVar(&program.VarDesc{Name: "x", Shape: shapes.Make(dtypes.Float32, shapes.DynamicDim, 2)}))
	must.M(b.AddVar(&program.VarDesc{Name: "y", Shape: shapes.Make(dtypes.Float32, shapes.DynamicDim, 2)}))
	b.AppendOp(&program.OpDesc{Type: "scale", Inputs: []string{"x"}, Outputs: []string{"y"},
		Attrs: program.Attrs{"scale": program.Float(2), "bias": program.Float(0)}})
	return p
}
