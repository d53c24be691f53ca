// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/pkg/errors"
)

// StepConfig configures one step of a pipeline: the name of the pass and an optional condition.
type StepConfig struct {
	Pass string `json:"pass" yaml:"pass"`
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// Config is the list of steps of a pipeline, in order.
type Config []StepConfig

// DefaultConfig returns the canonical pipeline: optimizer analysis (training only), forward graph extraction,
// shape inference, sharding, canonicalization to the target op set, runtime lowering, and finally writing
// the result into the destination program.
func DefaultConfig() Config {
	return Config{
		{Pass: OptimizerExtract.String(), When: "is_training"},
		{Pass: OptimizerStateAlign.String(), When: "is_training"},
		{Pass: ForwardGraphExtract.String()},
		{Pass: InferShape.String()},
		{Pass: AvgShard.String()},
		{Pass: DeleteScaleOp.String()},
		{Pass: Canonicalization.String()},
		{Pass: Inplace.String()},
		{Pass: GraphBuilder.String()},
		{Pass: RuntimeReplacer.String()},
		{Pass: GraphToProgram.String()},
	}
}

// Clone returns a copy of the configuration that can be modified.
func (c Config) Clone() Config {
	return append(Config(nil), c...)
}

// Build resolves the passes of the configuration in the registry and compiles the step conditions.
//
// condVars declares the variables conditions can use, with the types of their values.
// Unknown pass names fail with UnknownPass, and invalid conditions fail before any pass runs.
func Build(registry *Registry, config Config, condVars map[string]any) (*Pipeline, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	p := NewPipeline()
	for ii, stepConfig := range config {
		id, err := ParsePassID(stepConfig.Pass)
		if err != nil {
			return nil, errors.WithMessagef(err, "step #%d", ii)
		}
		pass, err := registry.Lookup(id)
		if err != nil {
			return nil, errors.WithMessagef(err, "step #%d", ii)
		}
		step := NewStep(pass)
		if stepConfig.When != "" {
			condition, err := CompileCondition(stepConfig.When, condVars)
			if err != nil {
				return nil, errors.WithMessagef(err, "step #%d (%s)", ii, id)
			}
			step.When(condition)
		}
		p.Append(step)
	}
	return p, nil
}
