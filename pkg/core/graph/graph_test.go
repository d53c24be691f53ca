// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"flag"
	"os"
	"testing"

	"github.com/gomlx/compiler/pkg/core/compileerr"
	. "github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/core/program/programtest"
	"github.com/gomlx/compiler/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

func TestRoundTrip(t *testing.T) {
	for _, training := range []bool{false, true} {
		p := programtest.MLP(training)
		g, err := FromProgram(p)
		require.NoError(t, err)
		got := g.ToProgram()
		require.NoError(t, got.Validate())
		assert.True(t, got.Equal(p), "round trip changed the program:\n%s\nvs\n%s", got, p)
		assert.Equal(t, training, g.HasBackwardOp())
	}

	// Sub-blocks are carried over.
	p := programtest.Identity()
	sub := p.AppendBlock(0)
	sub.AppendOp(&program.OpDesc{Type: "relu", Inputs: []string{"y"}, Outputs: []string{"y"}})
	g, err := FromProgram(p)
	require.NoError(t, err)
	assert.True(t, g.ToProgram().Equal(p))

	// WriteProgram replaces every block of the destination.
	dst := programtest.MLP(false)
	dst.AppendBlock(0)
	dst.AppendBlock(1)
	g.WriteProgram(dst)
	require.Equal(t, 2, dst.NumBlocks())
	assert.True(t, dst.Equal(p), "got:\n%s", dst)
}

func TestFromProgramErrors(t *testing.T) {
	_, err := FromProgram(nil)
	assert.True(t, compileerr.Is(err, compileerr.InvalidInputKind))

	p := programtest.Identity()
	p.GlobalBlock().AppendOp(&program.OpDesc{Type: "relu", Inputs: []string{"missing"}, Outputs: []string{"y"}})
	_, err = FromProgram(p)
	require.Error(t, err)
	assert.True(t, compileerr.Is(err, compileerr.InvalidGraph))
	assert.ErrorContains(t, err, `undeclared variable "missing"`)
}

func TestMutations(t *testing.T) {
	g, err := FromProgram(programtest.Identity())
	require.NoError(t, err)
	assert.Equal(t, 3, g.NumNodes())
	x, found := g.FindValue("x")
	require.True(t, found)
	y, found := g.FindValue("y")
	require.True(t, found)
	require.Len(t, y.Producers(), 1)
	scale := y.Producers()[0]
	assert.Equal(t, "scale", scale.OpType())
	assert.Equal(t, []*Node{scale}, x.Consumers())

	// Values with edges cannot be removed without detaching.
	err = g.RemoveNode(x)
	require.Error(t, err)
	assert.True(t, compileerr.Is(err, compileerr.InvalidGraph))

	// Duplicate names.
	_, err = g.AddValue(program.VarDesc{Name: "x"})
	require.Error(t, err)

	// Insert a relu between x and scale.
	z, err := g.AddValue(program.VarDesc{Name: "z", Shape: x.Shape()})
	require.NoError(t, err)
	relu, err := g.AddOperator("relu", []*Node{x}, []*Node{z}, nil)
	require.NoError(t, err)
	require.NoError(t, g.ReplaceInput(scale, x, z))
	assert.Equal(t, []*Node{relu}, x.Consumers())
	assert.Equal(t, []*Node{scale}, z.Consumers())
	assert.Equal(t, []*Node{z}, scale.Inputs())

	// Removing the relu keeps its values.
	require.NoError(t, g.RemoveOperator(relu))
	assert.False(t, relu.IsLive())
	assert.True(t, x.IsLive())
	assert.Empty(t, x.Consumers())
	assert.Empty(t, z.Producers())

	// Replacing a value by itself keeps the edges.
	require.NoError(t, g.ReplaceInput(scale, z, z))
	require.NoError(t, g.RewireConsumers(z, z))
	assert.Equal(t, []*Node{scale}, z.Consumers())
	assert.Equal(t, []*Node{z}, scale.Inputs())
	require.Error(t, g.RemoveNode(z))
	require.Error(t, g.ReplaceInput(scale, x, x))

	// Rewire the scale back to x and remove z.
	require.NoError(t, g.RewireConsumers(z, x))
	require.NoError(t, g.RemoveNode(z))
	_, found = g.FindValue("z")
	assert.False(t, found)
	assert.True(t, g.ToProgram().Equal(programtest.Identity()))

	// Removed nodes cannot be used in new edges.
	_, err = g.AddOperator("relu", []*Node{z}, nil, nil)
	require.Error(t, err)

	// Operators are not values.
	_, err = g.AddOperator("relu", []*Node{scale}, nil, nil)
	require.ErrorContains(t, err, "is an operator, not a value")
}

func TestDetachValue(t *testing.T) {
	g, err := FromProgram(programtest.MLP(false))
	require.NoError(t, err)
	w0, _ := g.FindValue("w0")
	matmul := w0.Consumers()[0]
	require.Len(t, matmul.Inputs(), 2)
	require.NoError(t, g.RemoveValue(w0))
	assert.Len(t, matmul.Inputs(), 1)
	assert.Equal(t, programtest.Input, matmul.Inputs()[0].Name())
}

func TestNodesIteration(t *testing.T) {
	g := New("test")
	a, err := g.AddValue(program.VarDesc{Name: "a", Shape: shapes.Scalar(dtypes.Float32)})
	require.NoError(t, err)
	b, err := g.AddValue(program.VarDesc{Name: "b", Shape: shapes.Scalar(dtypes.Float32)})
	require.NoError(t, err)
	_, err = g.AddOperator("neg", []*Node{a}, []*Node{b}, nil)
	require.NoError(t, err)

	var names []string
	for n := range g.Nodes() {
		names = append(names, n.Name())
	}
	assert.Equal(t, []string{"a", "b", "neg"}, names)

	// Sequence can be restarted and mutation during iteration is safe.
	count := 0
	for n := range g.Operators() {
		require.NoError(t, g.RemoveOperator(n))
		count++
	}
	assert.Equal(t, 1, count)
	count = 0
	for range g.Values() {
		count++
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, g.NumNodes())
	assert.Contains(t, g.String(), "2 nodes, 0 operators, 2 values")
}

func TestGraphAttrs(t *testing.T) {
	g := New("")
	_, found := g.Attr("num_stages")
	assert.False(t, found)
	g.SetAttr("num_stages", program.Int(2))
	a, found := g.Attr("num_stages")
	require.True(t, found)
	assert.Equal(t, 2, must1(a.AsInt()))
}

func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}
