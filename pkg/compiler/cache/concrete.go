// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cache

import (
	"slices"

	"github.com/gomlx/compiler/pkg/compiler"
	"github.com/gomlx/compiler/pkg/compiler/strategy"
	"github.com/gomlx/compiler/pkg/core/program"
	"github.com/gomlx/compiler/pkg/runtime"
	"github.com/pkg/errors"
)

// ConcreteProgram is a program traced from a function, along with the names of its inputs and outputs.
type ConcreteProgram struct {
	Main *program.Program

	// Inputs are the names of the traced inputs, in order. Empty names are inputs that are not variables
	// (e.g. constants), and are not fed.
	Inputs []string

	// Outputs are the names of the fetched variables, in order.
	Outputs []string
}

// Entry is what a cache of traced programs stores.
type Entry struct {
	Compiled   *compiler.Compiled
	Executable *compiler.Executable
}

// ConvertConcreteProgram compiles concrete with s, to be run by rt at ctx.
//
// If hasInstance is true the traced function is a method, and its first input is the receiver: it is not fed.
func ConvertConcreteProgram(s *strategy.Strategy, concrete *ConcreteProgram, hasInstance bool, rt runtime.Runtime,
	ctx compiler.ExecContext, opts ...compiler.Option) (*Entry, error) {
	if concrete == nil || concrete.Main == nil {
		return nil, errors.New("ConvertConcreteProgram requires a traced program")
	}
	inputs := concrete.Inputs
	if hasInstance && len(inputs) > 0 {
		inputs = inputs[1:]
	}
	feedList := make([]string, 0, len(inputs))
	for _, name := range inputs {
		if name != "" {
			feedList = append(feedList, name)
		}
	}
	fetchList := append(make([]string, 0, len(concrete.Outputs)), concrete.Outputs...)

	c, err := compiler.New(concrete.Main, append(slices.Clone(opts), compiler.WithStrategy(s))...)
	if err != nil {
		return nil, err
	}
	if ctx.Scope == nil && rt != nil {
		ctx.Scope = rt.GetOrCreateScope()
	}
	compiled, err := c.Compile(ctx, feedList, fetchList)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile traced program")
	}
	executable, err := compiler.NewExecutable(compiled, rt)
	if err != nil {
		return nil, err
	}
	return &Entry{Compiled: compiled, Executable: executable}, nil
}
