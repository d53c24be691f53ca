// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/core/shapes"
)

// NodeKind tells whether a Node is an operator or a value.
type NodeKind int

const (
	OperatorNode NodeKind = iota
	ValueNode
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case OperatorNode:
		return "Operator"
	case ValueNode:
		return "Value"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// NodeId is a unique id of a node within a Graph. Ids follow insertion order.
type NodeId int

// Node is either an operator or a value of the Graph.
//
// Operator nodes have a type, an ordered list of input values, an ordered list of output values, and
// attributes. Value nodes have a variable descriptor (name, shape, flags) and keep track of the operators
// producing and consuming them.
//
// Nodes are created with Graph.AddOperator and Graph.AddValue, and all mutations of edges go through the
// Graph, so that edges always reference live nodes of the same graph.
type Node struct {
	graph   *Graph
	id      NodeId
	kind    NodeKind
	removed bool

	// Operator fields.
	opType          string
	inputs, outputs []*Node
	attrs           program.Attrs
	isTarget        bool

	// Value fields.
	desc                 program.VarDesc
	producers, consumers []*Node
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node within its graph.
func (n *Node) Id() NodeId { return n.id }

// Kind of the node.
func (n *Node) Kind() NodeKind { return n.kind }

// IsOp returns whether the node is an operator.
func (n *Node) IsOp() bool { return n.kind == OperatorNode }

// IsValue returns whether the node is a value.
func (n *Node) IsValue() bool { return n.kind == ValueNode }

// IsLive returns whether the node has not been removed from its graph.
func (n *Node) IsLive() bool { return !n.removed }

// Name returns the value name for values and the operator type for operators.
func (n *Node) Name() string {
	if n.kind == ValueNode {
		return n.desc.Name
	}
	return n.opType
}

// OpType returns the type of an operator node.
func (n *Node) OpType() string { return n.opType }

// SetOpType changes the type of an operator node, used by canonicalization passes.
func (n *Node) SetOpType(opType string) { n.opType = opType }

// Inputs returns the input values of an operator. The returned slice is a copy.
func (n *Node) Inputs() []*Node { return slices.Clone(n.inputs) }

// Outputs returns the output values of an operator. The returned slice is a copy.
func (n *Node) Outputs() []*Node { return slices.Clone(n.outputs) }

// Attr returns the operator attribute with the given name.
func (n *Node) Attr(name string) (program.Attribute, bool) {
	a, found := n.attrs[name]
	return a, found
}

// SetAttr sets an operator attribute.
func (n *Node) SetAttr(name string, value program.Attribute) {
	if n.attrs == nil {
		n.attrs = make(program.Attrs)
	}
	n.attrs[name] = value
}

// DeleteAttr removes an operator attribute.
func (n *Node) DeleteAttr(name string) { delete(n.attrs, name) }

// AttrNames returns the sorted names of the attributes of an operator.
func (n *Node) AttrNames() []string {
	names := make([]string, 0, len(n.attrs))
	for name := range n.attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Role returns the operator role, see program.OpDesc.Role.
func (n *Node) Role() program.OpRole {
	if a, found := n.attrs[program.AttrOpRole]; found {
		if v, err := a.AsInt(); err == nil {
			return program.OpRole(v)
		}
	}
	return program.RoleForward
}

// IsTarget returns whether the operator is marked as a target of the program.
func (n *Node) IsTarget() bool { return n.isTarget }

// SetIsTarget marks or unmarks the operator as a target.
func (n *Node) SetIsTarget(isTarget bool) { n.isTarget = isTarget }

// Producers returns the operators writing to a value. The returned slice is a copy.
func (n *Node) Producers() []*Node { return slices.Clone(n.producers) }

// Consumers returns the operators reading a value. The returned slice is a copy.
func (n *Node) Consumers() []*Node { return slices.Clone(n.consumers) }

// NumEdges returns the number of live edges touching the node.
func (n *Node) NumEdges() int {
	if n.kind == OperatorNode {
		return len(n.inputs) + len(n.outputs)
	}
	return len(n.producers) + len(n.consumers)
}

// VarDesc returns a copy of the variable descriptor of a value node.
func (n *Node) VarDesc() program.VarDesc {
	d := n.desc
	d.Shape = n.desc.Shape.Clone()
	return d
}

// Shape of a value node.
func (n *Node) Shape() shapes.Shape { return n.desc.Shape }

// SetShape sets the shape of a value node.
func (n *Node) SetShape(shape shapes.Shape) { n.desc.Shape = shape.Clone() }

// VarType of a value node.
func (n *Node) VarType() program.VarType { return n.desc.Type }

// Persistable returns whether the value must survive across runs.
func (n *Node) Persistable() bool { return n.desc.Persistable }

// SetPersistable sets the persistable flag of a value.
func (n *Node) SetPersistable(persistable bool) { n.desc.Persistable = persistable }

// IsParameter returns whether the value is a trainable parameter.
func (n *Node) IsParameter() bool { return n.desc.IsParameter }

// IsDistributed returns whether the value is already distributed among devices.
func (n *Node) IsDistributed() bool { return n.desc.IsDistributed }

// NeedCheckFeed returns whether the runtime should check the shape of values fed to it.
func (n *Node) NeedCheckFeed() bool { return n.desc.NeedCheckFeed }

// SetNeedCheckFeed sets the need_check_feed flag of a value.
func (n *Node) SetNeedCheckFeed(check bool) { n.desc.NeedCheckFeed = check }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.kind == ValueNode {
		return fmt.Sprintf("#%d %s", n.id, n.desc.String())
	}
	names := func(nodes []*Node) string {
		parts := make([]string, 0, len(nodes))
		for _, node := range nodes {
			parts = append(parts, node.desc.Name)
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("#%d [%s] = %s(%s)", n.id, names(n.outputs), n.opType, names(n.inputs))
}

// removeEdge removes all occurrences of target from list.
func removeEdge(list []*Node, target *Node) []*Node {
	return slices.DeleteFunc(list, func(n *Node) bool { return n == target })
}
