// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"cmp"
	"container/heap"
	"slices"

	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/support/sets"
	"github.com/gomlx/compiler/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// feedsAndFetches reads the feed_list and fetch_list parameters.
func feedsAndFetches(params Params) (feeds, fetches []string, err error) {
	if feeds, err = Get[[]string](params, ParamFeedList); err != nil {
		return
	}
	fetches, err = Get[[]string](params, ParamFetchList)
	return
}

type inplace struct{ basePass }

// NewInplace returns the pass that marks element-wise operators that can overwrite their first input with
// the attribute inplace=true. That is the case when the input has no other consumer and is neither fed,
// fetched nor persistable.
func NewInplace() Pass {
	return &inplace{basePass{id: Inplace, required: []Param{ParamFeedList, ParamFetchList}}}
}

func (p *inplace) Apply(g *graph.Graph, params Params) error {
	feeds, fetches, err := feedsAndFetches(params)
	if err != nil {
		return err
	}
	boundary := sets.MakeWith(feeds...)
	boundary.Insert(fetches...)
	count := 0
	for op := range g.Operators() {
		if !inplaceOpTypes[op.OpType()] || len(op.Inputs()) == 0 {
			continue
		}
		in := op.Inputs()[0]
		if len(in.Consumers()) != 1 || in.Persistable() || boundary.Has(in.Name()) {
			continue
		}
		op.SetAttr(OpAttrInplace, program.Bool(true))
		count++
	}
	g.SetAttr(GraphAttrNumInplace, program.Int(count))
	return nil
}

type graphBuilder struct{ basePass }

// NewGraphBuilder returns the pass that checks the feeds and fetches of the graph, and records the
// execution order of the operators.
//
// Every fed and fetched name must be a value of the graph, and every fetched value must be computable: fed,
// persistable or produced by some operator. The order is a topological order of the operators, ties broken by
// insertion order, published as node ids in GraphAttrCompiledOps.
func NewGraphBuilder() Pass {
	return &graphBuilder{basePass{id: GraphBuilder, required: []Param{ParamFeedList, ParamFetchList}}}
}

// nodeHeap is a min-heap of operators by node id.
type nodeHeap []*graph.Node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].Id() < h[j].Id() }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*graph.Node)) }
func (h *nodeHeap) Pop() any {
	var n *graph.Node
	n, *h = xslices.Pop(*h)
	return n
}

// TopologicalOrder returns the operators of g such that producers come before consumers, ties broken by
// insertion order.
//
// Persistable values are treated as sources: operators updating them (e.g. optimizers) don't create
// dependencies. It fails if the graph has a cycle.
func TopologicalOrder(g *graph.Graph) ([]*graph.Node, error) {
	pending := make(map[*graph.Node]int)
	var ready nodeHeap
	for op := range g.Operators() {
		deps := sets.Make[*graph.Node]()
		for _, in := range op.Inputs() {
			if in.Persistable() {
				continue
			}
			for _, producer := range in.Producers() {
				if producer != op {
					deps.Insert(producer)
				}
			}
		}
		pending[op] = len(deps)
		if len(deps) == 0 {
			ready = append(ready, op)
		}
	}
	heap.Init(&ready)
	order := make([]*graph.Node, 0, len(pending))
	for ready.Len() > 0 {
		op := heap.Pop(&ready).(*graph.Node)
		order = append(order, op)
		dependents := sets.Make[*graph.Node]()
		for _, out := range op.Outputs() {
			if out.Persistable() {
				continue
			}
			for _, consumer := range out.Consumers() {
				if consumer != op {
					dependents.Insert(consumer)
				}
			}
		}
		for consumer := range dependents {
			pending[consumer]--
			if pending[consumer] == 0 {
				heap.Push(&ready, consumer)
			}
		}
	}
	if len(order) != len(pending) {
		return nil, errorf("graph %s has a cycle: only %d of %d operators could be ordered", g.Name(), len(order), len(pending))
	}
	return order, nil
}

func (p *graphBuilder) Apply(g *graph.Graph, params Params) error {
	feeds, fetches, err := feedsAndFetches(params)
	if err != nil {
		return err
	}
	if _, err := findValues(g, feeds, "fed value"); err != nil {
		return err
	}
	fetchValues, err := findValues(g, fetches, "fetched value")
	if err != nil {
		return err
	}
	fed := sets.MakeWith(feeds...)
	for _, v := range fetchValues {
		if !fed.Has(v.Name()) && !v.Persistable() && len(v.Producers()) == 0 {
			return errorf("fetched value %q is not fed, persistable or produced by any operator", v.Name())
		}
	}
	order, err := TopologicalOrder(g)
	if err != nil {
		return err
	}
	ids := xslices.Map(order, func(op *graph.Node) int { return int(op.Id()) })
	g.SetAttr(GraphAttrCompiledOps, program.Ints(ids...))
	g.SetAttr(GraphAttrFeedList, program.Strings(feeds...))
	g.SetAttr(GraphAttrFetchList, program.Strings(fetches...))
	klog.V(1).Infof("graph %s: %d operators ordered, %d feeds, %d fetches", g.Name(), len(order), len(feeds), len(fetches))
	return nil
}

type runtimeReplacer struct{ basePass }

// NewRuntimeReplacer returns the pass that replaces all the operators of the graph by a single
// RuntimeOpType operator, that runs them on the device.
//
// The runtime operator reads the fed values (in feed order) followed by the persistable values (sorted by
// name), and writes the fetched values. The list of replaced operator types (in execution order) is kept in
// its compiled_ops attribute. Values that are neither fed, fetched nor persistable are removed.
func NewRuntimeReplacer() Pass {
	return &runtimeReplacer{basePass{id: RuntimeReplacer, required: []Param{ParamFeedList, ParamFetchList}}}
}

// executionOrder returns the order recorded by the graph builder pass if available, or the topological order.
func executionOrder(g *graph.Graph) ([]*graph.Node, error) {
	a, found := g.Attr(GraphAttrCompiledOps)
	if !found {
		return TopologicalOrder(g)
	}
	ids, err := a.AsInts()
	if err != nil {
		return nil, errors.WithMessagef(err, "graph attribute %q", GraphAttrCompiledOps)
	}
	order := make([]*graph.Node, 0, len(ids))
	for _, id := range ids {
		if op, found := g.Node(graph.NodeId(id)); found && op.IsOp() {
			order = append(order, op)
		}
	}
	return order, nil
}

// isHolder returns whether the value is one of the feed/fetch holder variables.
func isHolder(v *graph.Node) bool {
	return v.VarType() == program.FeedMinibatch || v.VarType() == program.FetchList
}

func (p *runtimeReplacer) Apply(g *graph.Graph, params Params) error {
	feeds, fetches, err := feedsAndFetches(params)
	if err != nil {
		return err
	}
	feedValues, err := findValues(g, feeds, "fed value")
	if err != nil {
		return err
	}
	fetchValues, err := findValues(g, fetches, "fetched value")
	if err != nil {
		return err
	}
	order, err := executionOrder(g)
	if err != nil {
		return err
	}
	compiledOps := xslices.Map(order, (*graph.Node).OpType)
	for op := range g.Operators() {
		if err := g.RemoveOperator(op); err != nil {
			return err
		}
	}

	keep := sets.MakeWith(feeds...)
	keep.Insert(fetches...)
	var persistables []*graph.Node
	for v := range g.Values() {
		switch {
		case v.Persistable() && v.VarType() != program.Raw && !isHolder(v):
			if !slices.Contains(feeds, v.Name()) {
				persistables = append(persistables, v)
			}
		case keep.Has(v.Name()):
		default:
			if err := g.RemoveNode(v); err != nil {
				return err
			}
		}
	}
	slices.SortFunc(persistables, func(a, b *graph.Node) int { return cmp.Compare(a.Name(), b.Name()) })

	inputs := append(feedValues, persistables...)
	_, err = g.AddOperator(RuntimeOpType, inputs, fetchValues, program.Attrs{
		OpAttrCompiledOps:  program.Strings(compiledOps...),
		OpAttrFeedList:     program.Strings(feeds...),
		OpAttrFetchList:    program.Strings(fetches...),
		program.AttrOpRole: program.Int(int(program.RoleForward)),
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("%d operators replaced by a single %s operator with %d inputs and %d outputs",
		len(compiledOps), RuntimeOpType, len(inputs), len(fetchValues))
	return nil
}

type graphToProgram struct{ basePass }

// NewGraphToProgram returns the pass that writes the graph into the destination program (parameter
// "program"), replacing its contents: the global block holds the graph, followed by the sub-blocks of the
// source program.
func NewGraphToProgram() Pass {
	return &graphToProgram{basePass{id: GraphToProgram, required: []Param{ParamProgram}}}
}

func (p *graphToProgram) Apply(g *graph.Graph, params Params) error {
	dst, err := Get[*program.Program](params, ParamProgram)
	if err != nil {
		return err
	}
	if dst == nil {
		return errors.New("destination program is nil")
	}
	g.WriteProgram(dst)
	return nil
}
