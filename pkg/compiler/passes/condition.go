// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/compiler/pkg/support/xslices"
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// Condition is a boolean CEL expression over named variables (usually strategy options), deciding whether
// a Step runs. E.g.: `is_training && num_devices > 1`.
type Condition struct {
	expr string
	prg  cel.Program
}

// celType returns the CEL type for the Go value used to declare a variable.
func celType(value any) *cel.Type {
	switch value.(type) {
	case bool:
		return cel.BoolType
	case int, int32, int64:
		return cel.IntType
	case float32, float64:
		return cel.DoubleType
	case string:
		return cel.StringType
	case []string:
		return cel.ListType(cel.StringType)
	}
	return cel.DynType
}

// celValue converts Go values to the native types CEL expects for the declared type.
func celValue(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	}
	return value
}

// CompileCondition parses and type-checks expr. Variables are declared with the names and the types of the
// values in vars.
//
// Syntax errors, references to undeclared variables and non-boolean expressions fail here, not at
// evaluation time.
func CompileCondition(expr string, vars map[string]any) (*Condition, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for _, name := range xslices.SortedKeys(vars) {
		opts = append(opts, cel.Variable(name, celType(vars[name])))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment for pass conditions")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "failed to parse condition %q", expr)
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, errors.Errorf("condition %q must be a boolean expression, got %s", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create CEL program for condition %q", expr)
	}
	return &Condition{expr: expr, prg: prg}, nil
}

// Eval evaluates the condition with the given variable values.
func (c *Condition) Eval(vars map[string]any) (bool, error) {
	activation := make(map[string]any, len(vars))
	for name, value := range vars {
		activation[name] = celValue(value)
	}
	out, _, err := c.prg.Eval(activation)
	if err != nil {
		return false, errors.Wrapf(err, "failed to evaluate condition %q", c.expr)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("condition %q evaluated to %v, not a boolean", c.expr, out.Value())
	}
	return result, nil
}

// String returns the expression.
func (c *Condition) String() string { return c.expr }
