// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program defines the linear representation of a dataflow program: a list of blocks, each with
// an ordered list of variable descriptors (VarDesc) and an ordered list of operator descriptors (OpDesc).
//
// This is the format programs are handed to and returned from the compiler. The compiler converts it into
// a graph (see package graph), runs the compilation passes over the graph, and converts it back.
//
// Blocks keep a name-to-variable index (the "descriptor cache"). Operations of this package keep it up to date,
// but if VarDesc values are modified directly (e.g. renamed), Block.Flush (or Program.Flush) must be called
// before the block is used again.
package program

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/compiler/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Names of the boundary operators and of the variables holding fed/fetched values.
const (
	FeedOpType   = "feed"
	FetchOpType  = "fetch"
	FeedVarName  = "feed"
	FetchVarName = "fetch"
)

// VarType enumerates the storage types of a variable.
type VarType int

const (
	DenseTensor VarType = iota
	// Raw variables hold untyped runtime objects, and are never broadcast or checkpointed.
	Raw
	FeedMinibatch
	FetchList
	StepScopes
)

var varTypeNames = []string{"DenseTensor", "Raw", "FeedMinibatch", "FetchList", "StepScopes"}

// String implements fmt.Stringer.
func (t VarType) String() string {
	if int(t) < 0 || int(t) >= len(varTypeNames) {
		return fmt.Sprintf("VarType(%d)", int(t))
	}
	return varTypeNames[t]
}

// OpRole is the role of an operator in a training program. Roles can be combined with bit-or.
type OpRole int

const (
	RoleForward  OpRole = 0x0000
	RoleBackward OpRole = 0x0001
	RoleOptimize OpRole = 0x0002
	RoleLoss     OpRole = 0x0100
)

// Names of well known operator attributes.
const (
	AttrOpRole = "op_role"
)

// VarDesc describes a variable (a value) of a program.
type VarDesc struct {
	Name  string
	Type  VarType
	Shape shapes.Shape

	// Persistable values survive across runs, e.g. trainable parameters and optimizer state.
	Persistable   bool
	IsParameter   bool
	IsDistributed bool
	StopGradient  bool

	// NeedCheckFeed indicates the runtime should check the fed value shape matches Shape.
	NeedCheckFeed bool
}

// Clone returns a copy of the descriptor.
func (v *VarDesc) Clone() *VarDesc {
	c := *v
	c.Shape = v.Shape.Clone()
	return &c
}

// Equal compares all fields of the descriptors.
func (v *VarDesc) Equal(o *VarDesc) bool {
	return v.Name == o.Name && v.Type == o.Type && v.Shape.Equal(o.Shape) &&
		v.Persistable == o.Persistable && v.IsParameter == o.IsParameter &&
		v.IsDistributed == o.IsDistributed && v.StopGradient == o.StopGradient &&
		v.NeedCheckFeed == o.NeedCheckFeed
}

// String implements fmt.Stringer.
func (v *VarDesc) String() string {
	var flags []string
	if v.Persistable {
		flags = append(flags, "persistable")
	}
	if v.IsDistributed {
		flags = append(flags, "distributed")
	}
	if v.NeedCheckFeed {
		flags = append(flags, "check_feed")
	}
	if len(flags) == 0 {
		return fmt.Sprintf("%s: %s %s", v.Name, v.Type, v.Shape)
	}
	return fmt.Sprintf("%s: %s %s [%s]", v.Name, v.Type, v.Shape, strings.Join(flags, ","))
}

// OpDesc describes an operator of a program.
type OpDesc struct {
	Type     string
	Inputs   []string
	Outputs  []string
	Attrs    Attrs
	IsTarget bool
}

// Attr returns the attribute with the given name, if set.
func (op *OpDesc) Attr(name string) (Attribute, bool) {
	a, found := op.Attrs[name]
	return a, found
}

// SetAttr sets an attribute.
func (op *OpDesc) SetAttr(name string, value Attribute) {
	if op.Attrs == nil {
		op.Attrs = make(Attrs)
	}
	op.Attrs[name] = value
}

// Role returns the value of the "op_role" attribute, or RoleForward if not set.
func (op *OpDesc) Role() OpRole {
	if a, found := op.Attrs[AttrOpRole]; found {
		if v, err := a.AsInt(); err == nil {
			return OpRole(v)
		}
	}
	return RoleForward
}

// Clone returns a deep copy of the descriptor.
func (op *OpDesc) Clone() *OpDesc {
	return &OpDesc{
		Type:     op.Type,
		Inputs:   slices.Clone(op.Inputs),
		Outputs:  slices.Clone(op.Outputs),
		Attrs:    op.Attrs.Clone(),
		IsTarget: op.IsTarget,
	}
}

// Equal compares all fields of the descriptors.
func (op *OpDesc) Equal(o *OpDesc) bool {
	return op.Type == o.Type && slices.Equal(op.Inputs, o.Inputs) && slices.Equal(op.Outputs, o.Outputs) &&
		op.Attrs.Equal(o.Attrs) && op.IsTarget == o.IsTarget
}

// String implements fmt.Stringer.
func (op *OpDesc) String() string {
	return fmt.Sprintf("%v = %s(%s)", op.Outputs, op.Type, strings.Join(op.Inputs, ", "))
}

// Block is an ordered list of variables and operators.
type Block struct {
	Idx, ParentIdx int

	vars     []*VarDesc
	ops      []*OpDesc
	varIndex map[string]int
}

func newBlock(idx, parentIdx int) *Block {
	return &Block{Idx: idx, ParentIdx: parentIdx, varIndex: make(map[string]int)}
}

// Vars returns the variables of the block, in declaration order. The returned slice is a copy, but the
// descriptors are shared.
func (b *Block) Vars() []*VarDesc { return slices.Clone(b.vars) }

// Ops returns the operators of the block, in execution order. The returned slice is a copy, but the
// descriptors are shared.
func (b *Block) Ops() []*OpDesc { return slices.Clone(b.ops) }

// NumOps returns the number of operators in the block.
func (b *Block) NumOps() int { return len(b.ops) }

// Var returns the variable with the given name.
func (b *Block) Var(name string) (*VarDesc, bool) {
	idx, found := b.varIndex[name]
	if !found {
		return nil, false
	}
	return b.vars[idx], true
}

// HasVar returns whether the block declares a variable with the given name.
func (b *Block) HasVar(name string) bool {
	_, found := b.varIndex[name]
	return found
}

// AddVar appends a variable declaration. It fails if the name is already declared.
func (b *Block) AddVar(v *VarDesc) error {
	if v.Name == "" {
		return errors.New("cannot add a variable with an empty name")
	}
	if b.HasVar(v.Name) {
		return errors.Errorf("variable %q already declared in block #%d", v.Name, b.Idx)
	}
	b.varIndex[v.Name] = len(b.vars)
	b.vars = append(b.vars, v)
	return nil
}

// RemoveVar removes the variable with the given name. It returns whether it was found.
func (b *Block) RemoveVar(name string) bool {
	idx, found := b.varIndex[name]
	if !found {
		return false
	}
	b.vars = slices.Delete(b.vars, idx, idx+1)
	b.Flush()
	return true
}

// AppendOp appends an operator to the block.
func (b *Block) AppendOp(op *OpDesc) {
	b.ops = append(b.ops, op)
}

// RemoveOp removes the operator at the given index.
func (b *Block) RemoveOp(idx int) error {
	if idx < 0 || idx >= len(b.ops) {
		return errors.Errorf("op index %d out of range for block #%d with %d ops", idx, b.Idx, len(b.ops))
	}
	b.ops = slices.Delete(b.ops, idx, idx+1)
	return nil
}

// RemoveOpsOfType removes all operators of the given types and returns how many were removed.
func (b *Block) RemoveOpsOfType(opTypes ...string) int {
	before := len(b.ops)
	b.ops = slices.DeleteFunc(b.ops, func(op *OpDesc) bool {
		return slices.Contains(opTypes, op.Type)
	})
	return before - len(b.ops)
}

// Flush rebuilds the name-to-variable index.
func (b *Block) Flush() {
	b.varIndex = make(map[string]int, len(b.vars))
	for idx, v := range b.vars {
		b.varIndex[v.Name] = idx
	}
}

// Validate checks that every name referenced by an operator is declared in the block or in one of its
// ancestors.
func (b *Block) validate(p *Program) error {
	for opIdx, op := range b.ops {
		for _, names := range [][]string{op.Inputs, op.Outputs} {
			for _, name := range names {
				if !p.declared(b, name) {
					return errors.Errorf("op #%d %s in block #%d references undeclared variable %q", opIdx, op.Type, b.Idx, name)
				}
			}
		}
	}
	return nil
}

func (b *Block) clone() *Block {
	c := newBlock(b.Idx, b.ParentIdx)
	c.vars = make([]*VarDesc, 0, len(b.vars))
	for _, v := range b.vars {
		c.vars = append(c.vars, v.Clone())
	}
	c.ops = make([]*OpDesc, 0, len(b.ops))
	for _, op := range b.ops {
		c.ops = append(c.ops, op.Clone())
	}
	c.Flush()
	return c
}

func (b *Block) equal(o *Block) bool {
	return b.Idx == o.Idx && b.ParentIdx == o.ParentIdx &&
		slices.EqualFunc(b.vars, o.vars, (*VarDesc).Equal) &&
		slices.EqualFunc(b.ops, o.ops, (*OpDesc).Equal)
}

// LRScheduler is a learning-rate schedule that can be stepped.
type LRScheduler interface {
	// Step advances the schedule.
	Step()

	// LastLR returns the learning rate after the last step.
	LastLR() float64
}

// LRBinding associates a learning-rate scheduler with the program variable that holds the learning rate.
type LRBinding struct {
	VarName   string
	Var       *VarDesc
	Scheduler LRScheduler
}

// Program is a list of blocks, the first one being the global block.
type Program struct {
	blocks []*Block

	// LRScheduler, if set, binds a learning-rate schedule to a variable of the program.
	LRScheduler *LRBinding

	// OrgProgram is set in compiled programs, and refers to the program they were compiled from.
	OrgProgram *Program
}

// New returns a program with an empty global block.
func New() *Program {
	return &Program{blocks: []*Block{newBlock(0, -1)}}
}

// GlobalBlock returns block 0.
func (p *Program) GlobalBlock() *Block { return p.blocks[0] }

// NumBlocks returns the number of blocks.
func (p *Program) NumBlocks() int { return len(p.blocks) }

// Block returns the block with the given index.
func (p *Program) Block(idx int) *Block { return p.blocks[idx] }

// AppendBlock creates a new block whose parent is parentIdx.
func (p *Program) AppendBlock(parentIdx int) *Block {
	b := newBlock(len(p.blocks), parentIdx)
	p.blocks = append(p.blocks, b)
	return b
}

// TruncateBlocks removes the blocks with index >= n. The global block is always kept.
func (p *Program) TruncateBlocks(n int) {
	n = max(n, 1)
	if n < len(p.blocks) {
		clear(p.blocks[n:])
		p.blocks = p.blocks[:n]
	}
}

// Flush rebuilds the descriptor caches of all blocks.
func (p *Program) Flush() {
	for _, b := range p.blocks {
		b.Flush()
	}
}

// Validate checks that every variable referenced by an operator is declared.
func (p *Program) Validate() error {
	for _, b := range p.blocks {
		if err := b.validate(p); err != nil {
			return err
		}
	}
	return nil
}

func (p *Program) declared(b *Block, name string) bool {
	for {
		if b.HasVar(name) {
			return true
		}
		if b.ParentIdx < 0 || b.ParentIdx >= len(p.blocks) {
			return false
		}
		b = p.blocks[b.ParentIdx]
	}
}

// Clone returns a deep copy of the program descriptors. Side-channel metadata (LRScheduler, OrgProgram) is
// shared with the original.
func (p *Program) Clone() *Program {
	c := &Program{
		blocks:      make([]*Block, 0, len(p.blocks)),
		LRScheduler: p.LRScheduler,
		OrgProgram:  p.OrgProgram,
	}
	for _, b := range p.blocks {
		c.blocks = append(c.blocks, b.clone())
	}
	return c
}

// Equal compares the descriptors of both programs. Side-channel metadata is not compared.
func (p *Program) Equal(o *Program) bool {
	if p == nil || o == nil {
		return p == o
	}
	return slices.EqualFunc(p.blocks, o.blocks, (*Block).equal)
}

// String returns a multi-line listing of the program.
func (p *Program) String() string {
	var sb strings.Builder
	for _, b := range p.blocks {
		_, _ = fmt.Fprintf(&sb, "Block #%d (parent %d):\n", b.Idx, b.ParentIdx)
		for _, v := range b.vars {
			_, _ = fmt.Fprintf(&sb, "\tvar %s\n", v)
		}
		for _, op := range b.ops {
			_, _ = fmt.Fprintf(&sb, "\t%s\n", op)
		}
	}
	return sb.String()
}
