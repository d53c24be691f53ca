// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/compiler/internal/workerspool"
	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// canonicalOp describes the target operator a framework operator maps to.
type canonicalOp struct {
	target  string
	inplace bool
}

// canonicalOps maps framework operator types to the target op set.
var canonicalOps = map[string]canonicalOp{
	"matmul":          {target: "MatMul"},
	"mul":             {target: "MatMul"},
	"elementwise_add": {target: "Add", inplace: true},
	"elementwise_sub": {target: "Sub", inplace: true},
	"elementwise_mul": {target: "Mul", inplace: true},
	"elementwise_div": {target: "Div", inplace: true},
	"elementwise_max": {target: "Max"},
	"elementwise_min": {target: "Min"},
	"elementwise_pow": {target: "Pow"},
	"relu":            {target: "Relu", inplace: true},
	"sigmoid":         {target: "Sigmoid", inplace: true},
	"tanh":            {target: "Tanh", inplace: true},
	"gelu":            {target: "Gelu", inplace: true},
	"exp":             {target: "Exp", inplace: true},
	"log":             {target: "Log", inplace: true},
	"sqrt":            {target: "Sqrt", inplace: true},
	"abs":             {target: "Abs", inplace: true},
	"neg":             {target: "Neg", inplace: true},
	"scale":           {target: "Scale", inplace: true},
	"softmax":         {target: "Softmax"},
	"cast":            {target: "Cast"},
	"dropout":         {target: "Dropout"},
	"identity":        {target: "Identity"},
	"assign":          {target: "Identity"},
	"mean":            {target: "ReduceMean"},
	"reduce_mean":     {target: "ReduceMean"},
	"reduce_sum":      {target: "ReduceSum"},
	"reduce_max":      {target: "ReduceMax"},
	"reduce_min":      {target: "ReduceMin"},
	"sgd":             {target: "SGD"},
	"momentum":        {target: "Momentum"},
	"adam":            {target: "Adam"},
}

// inplaceOpTypes are the operator types, framework or canonical, that can overwrite their first input.
var inplaceOpTypes = func() map[string]bool {
	types := make(map[string]bool)
	for source, c := range canonicalOps {
		if c.inplace {
			types[source] = true
			types[c.target] = true
		}
	}
	return types
}()

// CanonicalOpType returns the target operator type for a framework operator type.
func CanonicalOpType(opType string) (string, bool) {
	c, found := canonicalOps[opType]
	return c.target, found
}

// DefaultCustomOpDomain is used for custom operators registered without a domain.
const DefaultCustomOpDomain = "custom.ops"

// fp16Partials are the target operators whose partial results are computed in half precision when
// enable_fp16 is set.
var fp16Partials = map[string]bool{"MatMul": true}

type canonicalization struct {
	basePass
	pool *workerspool.Pool
}

// NewCanonicalization returns the pass that maps every operator to the target op set. The framework operator
// type is kept in the source_op attribute.
//
// Custom operators (custom_ops parameter) take precedence over the built-in mapping, and set the domain and
// version attributes. Operators without any mapping make the pass fail, naming all of them.
func NewCanonicalization() Pass {
	return &canonicalization{
		basePass: basePass{id: Canonicalization, optional: []Param{ParamCustomOps, ParamEnableFP16}},
		pool:     workerspool.New(),
	}
}

type canonicalResult struct {
	target  string
	custom  *CustomOp
	skipped bool
	err     error
}

func (p *canonicalization) Apply(g *graph.Graph, params Params) error {
	customOps, err := GetOr[[]CustomOp](params, ParamCustomOps, nil)
	if err != nil {
		return err
	}
	enableFP16, err := GetOr(params, ParamEnableFP16, false)
	if err != nil {
		return err
	}
	customTable := make(map[string]*CustomOp, len(customOps))
	for ii := range customOps {
		customTable[customOps[ii].SourceOp] = &customOps[ii]
	}

	var ops []*graph.Node
	for op := range g.Operators() {
		ops = append(ops, op)
	}
	results := make([]canonicalResult, len(ops))
	p.pool.ForEach(len(ops), func(ii int) {
		op := ops[ii]
		if _, done := op.Attr(OpAttrSourceOp); done || op.OpType() == RuntimeOpType {
			results[ii].skipped = true
			return
		}
		if custom, found := customTable[op.OpType()]; found {
			results[ii].target = custom.TargetOp
			results[ii].custom = custom
			return
		}
		if c, found := canonicalOps[op.OpType()]; found {
			results[ii].target = c.target
			return
		}
		results[ii].err = errors.Errorf("operator %q (%s) has no mapping to the target op set", op.OpType(), op)
	})

	for _, r := range results {
		err = multierr.Append(err, r.err)
	}
	if err != nil {
		return errorf("canonicalization of %s failed: %v", g.Name(), err)
	}
	numCustom := 0
	for ii, op := range ops {
		r := results[ii]
		if r.skipped {
			continue
		}
		op.SetAttr(OpAttrSourceOp, program.String(op.OpType()))
		op.SetOpType(r.target)
		if r.custom != nil {
			op.SetAttr(OpAttrDomain, program.String(r.custom.Domain))
			op.SetAttr(OpAttrVersion, program.Int(r.custom.Version))
			numCustom++
		}
		if enableFP16 && fp16Partials[r.target] {
			op.SetAttr(OpAttrPartialsType, program.String("half"))
		}
	}
	klog.V(1).Infof("canonicalized %d operators (%d custom)", len(ops), numCustom)
	return nil
}
