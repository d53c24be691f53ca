// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the in-memory representation of a program used by the compilation passes.
//
// A Graph holds Node's of two kinds: operators and values. Operators read (inputs) and write (outputs)
// values, and each value keeps track of its producers and consumers, so that a Graph can be freely
// mutated by passes: nodes inserted and removed, edges rewired.
//
// Invariants kept by the Graph API:
//
//   - Every edge references live nodes of the same graph: nodes cannot be removed while they still have
//     edges -- Graph.Detach removes them first.
//   - Removing an operator never removes its input or output values: passes must remove values explicitly.
//   - Value names are unique among live values.
//
// A Graph is created from a linear program (FromProgram) and converted back with ToProgram.
// It is not safe for concurrent mutation.
package graph

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/gomlx/compiler/pkg/core/program"
	"k8s.io/klog/v2"
)

// GraphId is globally unique.
type GraphId int

var (
	muGraphCount sync.Mutex
	graphCount   GraphId
)

// Graph of operators and values, see package documentation.
type Graph struct {
	id   GraphId
	name string

	// nodes holds every node ever added, in insertion order. Removed nodes are flagged, not deleted, so
	// iteration with Nodes is stable while passes mutate the graph.
	nodes   []*Node
	numLive int

	// values indexes live value nodes by name.
	values map[string]*Node

	// attrs are set by passes to publish analysis results.
	attrs map[string]program.Attribute

	// subBlocks are copied verbatim from the source program and emitted after the global block.
	subBlocks []*program.Block
}

// New creates an empty Graph. If name is empty, one is generated.
func New(name string) *Graph {
	muGraphCount.Lock()
	defer muGraphCount.Unlock()
	if name == "" {
		name = fmt.Sprintf("graph_#%d", graphCount)
	}
	g := &Graph{
		id:     graphCount,
		name:   name,
		values: make(map[string]*Node),
		attrs:  make(map[string]program.Attribute),
	}
	graphCount++
	return g
}

// FromProgram creates a Graph from the global block of the program. The descriptors are deep-copied, the
// program is not referenced by the Graph. Other blocks are carried over unchanged.
//
// It fails if an operator references a variable not declared in the program.
func FromProgram(p *program.Program) (*Graph, error) {
	if p == nil {
		return nil, compileerr.Errorf(compileerr.InvalidInputKind, "cannot create a graph from a nil program")
	}
	p.Flush()
	if err := p.Validate(); err != nil {
		return nil, compileerr.Wrapf(compileerr.InvalidGraph, err, "invalid program")
	}
	g := New("")
	block := p.GlobalBlock()
	for _, v := range block.Vars() {
		if _, err := g.AddValue(*v.Clone()); err != nil {
			return nil, err
		}
	}
	for _, op := range block.Ops() {
		inputs, outputs := make([]*Node, 0, len(op.Inputs)), make([]*Node, 0, len(op.Outputs))
		for _, name := range op.Inputs {
			inputs = append(inputs, g.values[name])
		}
		for _, name := range op.Outputs {
			outputs = append(outputs, g.values[name])
		}
		opNode, err := g.AddOperator(op.Type, inputs, outputs, op.Attrs.Clone())
		if err != nil {
			return nil, err
		}
		opNode.isTarget = op.IsTarget
	}
	if p.NumBlocks() > 1 {
		c := p.Clone()
		for idx := 1; idx < c.NumBlocks(); idx++ {
			g.subBlocks = append(g.subBlocks, c.Block(idx))
		}
	}
	klog.V(2).Infof("created %s from program with %d ops", g, block.NumOps())
	return g, nil
}

// Id returns the globally unique id of the graph.
func (g *Graph) Id() GraphId { return g.id }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int { return g.numLive }

func (g *Graph) checkLive(n *Node, what string) error {
	if n == nil {
		return compileerr.Errorf(compileerr.InvalidGraph, "%s is nil", what)
	}
	if n.graph != g {
		return compileerr.Errorf(compileerr.InvalidGraph, "%s %s belongs to a different graph", what, n)
	}
	if n.removed {
		return compileerr.Errorf(compileerr.InvalidGraph, "%s %s has been removed", what, n)
	}
	return nil
}

func (g *Graph) appendNode(n *Node) *Node {
	n.graph = g
	n.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.numLive++
	return n
}

// AddValue adds a value node. It fails if a live value with the same name exists.
func (g *Graph) AddValue(desc program.VarDesc) (*Node, error) {
	if desc.Name == "" {
		return nil, compileerr.Errorf(compileerr.InvalidGraph, "value name cannot be empty")
	}
	if _, found := g.values[desc.Name]; found {
		return nil, compileerr.Errorf(compileerr.InvalidGraph, "value %q already exists in %s", desc.Name, g)
	}
	desc.Shape = desc.Shape.Clone()
	n := g.appendNode(&Node{kind: ValueNode, desc: desc})
	g.values[desc.Name] = n
	return n, nil
}

// AddOperator adds an operator node reading inputs and writing outputs. All inputs and outputs must be
// live value nodes of this graph.
func (g *Graph) AddOperator(opType string, inputs, outputs []*Node, attrs program.Attrs) (*Node, error) {
	if opType == "" {
		return nil, compileerr.Errorf(compileerr.InvalidGraph, "operator type cannot be empty")
	}
	for ii, in := range inputs {
		if err := g.checkLive(in, fmt.Sprintf("input #%d of %q", ii, opType)); err != nil {
			return nil, err
		}
		if !in.IsValue() {
			return nil, compileerr.Errorf(compileerr.InvalidGraph, "input #%d of %q is an operator, not a value", ii, opType)
		}
	}
	for ii, out := range outputs {
		if err := g.checkLive(out, fmt.Sprintf("output #%d of %q", ii, opType)); err != nil {
			return nil, err
		}
		if !out.IsValue() {
			return nil, compileerr.Errorf(compileerr.InvalidGraph, "output #%d of %q is an operator, not a value", ii, opType)
		}
	}
	n := g.appendNode(&Node{
		kind:    OperatorNode,
		opType:  opType,
		inputs:  append([]*Node(nil), inputs...),
		outputs: append([]*Node(nil), outputs...),
		attrs:   attrs,
	})
	for _, in := range inputs {
		in.consumers = append(in.consumers, n)
	}
	for _, out := range outputs {
		out.producers = append(out.producers, n)
	}
	return n, nil
}

// Detach removes every edge touching n. For an operator this disconnects it from its inputs and outputs;
// for a value, it is removed from the inputs/outputs of every operator using it.
func (g *Graph) Detach(n *Node) error {
	if err := g.checkLive(n, "node"); err != nil {
		return err
	}
	if n.IsOp() {
		for _, in := range n.inputs {
			in.consumers = removeEdge(in.consumers, n)
		}
		for _, out := range n.outputs {
			out.producers = removeEdge(out.producers, n)
		}
		n.inputs, n.outputs = nil, nil
		return nil
	}
	for _, op := range n.producers {
		op.outputs = removeEdge(op.outputs, n)
	}
	for _, op := range n.consumers {
		op.inputs = removeEdge(op.inputs, n)
	}
	n.producers, n.consumers = nil, nil
	return nil
}

// RemoveNode removes n from the graph. It fails if n still has edges: use Detach first, or
// RemoveOperator / RemoveValue.
func (g *Graph) RemoveNode(n *Node) error {
	if err := g.checkLive(n, "node"); err != nil {
		return err
	}
	if edges := n.NumEdges(); edges > 0 {
		return compileerr.Errorf(compileerr.InvalidGraph,
			"cannot remove %s %s, it is still referenced by %d edge(s) -- detach it first", n.kind, n, edges)
	}
	n.removed = true
	g.numLive--
	if n.IsValue() {
		delete(g.values, n.desc.Name)
	}
	return nil
}

// RemoveOperator detaches and removes an operator. Its input and output values are kept.
func (g *Graph) RemoveOperator(op *Node) error {
	if err := g.checkLive(op, "operator"); err != nil {
		return err
	}
	if !op.IsOp() {
		return compileerr.Errorf(compileerr.InvalidGraph, "%s is not an operator", op)
	}
	if err := g.Detach(op); err != nil {
		return err
	}
	return g.RemoveNode(op)
}

// RemoveValue detaches and removes a value, removing it from the operators using it.
func (g *Graph) RemoveValue(v *Node) error {
	if err := g.checkLive(v, "value"); err != nil {
		return err
	}
	if !v.IsValue() {
		return compileerr.Errorf(compileerr.InvalidGraph, "%s is not a value", v)
	}
	if err := g.Detach(v); err != nil {
		return err
	}
	return g.RemoveNode(v)
}

// ReplaceInput replaces every occurrence of oldValue among the inputs of op by newValue. Replacing a value
// by itself is a no-op.
func (g *Graph) ReplaceInput(op, oldValue, newValue *Node) error {
	for _, check := range []struct {
		n    *Node
		what string
	}{{op, "operator"}, {oldValue, "old value"}, {newValue, "new value"}} {
		if err := g.checkLive(check.n, check.what); err != nil {
			return err
		}
	}
	if oldValue == newValue {
		if !slices.Contains(op.inputs, oldValue) {
			return compileerr.Errorf(compileerr.InvalidGraph, "%s is not an input of %s", oldValue, op)
		}
		return nil
	}
	replaced := 0
	for ii, in := range op.inputs {
		if in == oldValue {
			op.inputs[ii] = newValue
			newValue.consumers = append(newValue.consumers, op)
			replaced++
		}
	}
	if replaced == 0 {
		return compileerr.Errorf(compileerr.InvalidGraph, "%s is not an input of %s", oldValue, op)
	}
	oldValue.consumers = removeEdge(oldValue.consumers, op)
	return nil
}

// RewireConsumers makes every consumer of from read to instead.
func (g *Graph) RewireConsumers(from, to *Node) error {
	for _, op := range from.Consumers() {
		if err := g.ReplaceInput(op, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Nodes returns a lazy sequence over the live nodes, in insertion order.
//
// The sequence can be restarted, and it is safe to mutate the graph while iterating: nodes removed before
// being reached are skipped, and nodes added during the iteration are visited at the end.
func (g *Graph) Nodes() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for ii := 0; ii < len(g.nodes); ii++ {
			n := g.nodes[ii]
			if n.removed {
				continue
			}
			if !yield(n) {
				return
			}
		}
	}
}

func (g *Graph) nodesOfKind(kind NodeKind) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for n := range g.Nodes() {
			if n.kind == kind && !yield(n) {
				return
			}
		}
	}
}

// Operators returns a lazy sequence over the live operator nodes, in insertion order.
func (g *Graph) Operators() iter.Seq[*Node] { return g.nodesOfKind(OperatorNode) }

// Values returns a lazy sequence over the live value nodes, in insertion order.
func (g *Graph) Values() iter.Seq[*Node] { return g.nodesOfKind(ValueNode) }

// Node returns the live node with the given id.
func (g *Graph) Node(id NodeId) (*Node, bool) {
	if id < 0 || int(id) >= len(g.nodes) || g.nodes[id].removed {
		return nil, false
	}
	return g.nodes[id], true
}

// FindValue returns the live value with the given name.
func (g *Graph) FindValue(name string) (*Node, bool) {
	n, found := g.values[name]
	return n, found
}

// SetAttr sets a graph attribute, used by passes to publish results.
func (g *Graph) SetAttr(name string, value program.Attribute) { g.attrs[name] = value }

// Attr returns a graph attribute.
func (g *Graph) Attr(name string) (program.Attribute, bool) {
	a, found := g.attrs[name]
	return a, found
}

// HasBackwardOp returns whether the graph has gradient operators.
func (g *Graph) HasBackwardOp() bool {
	for op := range g.Operators() {
		if strings.HasSuffix(op.opType, "_grad") || op.Role()&program.RoleBackward != 0 {
			return true
		}
	}
	return false
}

// ToProgram converts the graph back to a linear program with the live nodes in insertion order: the global
// block first, followed by the blocks carried over from the source program.
func (g *Graph) ToProgram() *program.Program {
	p := program.New()
	g.WriteProgram(p)
	return p
}

// WriteProgram replaces the contents of p with the graph: its global block is rewritten with the live nodes
// and its other blocks are replaced by the blocks carried over from the source program.
func (g *Graph) WriteProgram(p *program.Program) {
	g.WriteTo(p.GlobalBlock())
	p.TruncateBlocks(1)
	for _, sub := range g.subBlocks {
		dst := p.AppendBlock(sub.ParentIdx)
		for _, v := range sub.Vars() {
			_ = dst.AddVar(v.Clone())
		}
		for _, op := range sub.Ops() {
			dst.AppendOp(op.Clone())
		}
	}
	p.Flush()
}

// WriteTo replaces the contents of block with the live nodes of the graph.
func (g *Graph) WriteTo(block *program.Block) {
	for _, v := range block.Vars() {
		block.RemoveVar(v.Name)
	}
	for block.NumOps() > 0 {
		_ = block.RemoveOp(block.NumOps() - 1)
	}
	for v := range g.Values() {
		desc := v.VarDesc()
		_ = block.AddVar(&desc)
	}
	for op := range g.Operators() {
		desc := &program.OpDesc{
			Type:     op.opType,
			Inputs:   make([]string, 0, len(op.inputs)),
			Outputs:  make([]string, 0, len(op.outputs)),
			Attrs:    op.attrs.Clone(),
			IsTarget: op.isTarget,
		}
		for _, in := range op.inputs {
			desc.Inputs = append(desc.Inputs, in.desc.Name)
		}
		for _, out := range op.outputs {
			desc.Outputs = append(desc.Outputs, out.desc.Name)
		}
		block.AppendOp(desc)
	}
	block.Flush()
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	numOps := 0
	for range g.Operators() {
		numOps++
	}
	return fmt.Sprintf("Graph(%q: %s nodes, %s operators, %s values)", g.name,
		humanize.Comma(int64(g.numLive)), humanize.Comma(int64(numOps)), humanize.Comma(int64(g.numLive-numOps)))
}

// Dump returns a multi-line listing of all live nodes.
func (g *Graph) Dump() string {
	var sb strings.Builder
	sb.WriteString(g.String())
	sb.WriteString(":\n")
	for n := range g.Nodes() {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", n)
	}
	return sb.String()
}
