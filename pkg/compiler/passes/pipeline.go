// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/gomlx/compiler/pkg/core/graph"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Step is a Pass in a Pipeline, with its parameter bindings and an optional condition.
type Step struct {
	pass     Pass
	bindings Params
	when     *Condition
}

// NewStep creates a step for the pass, with no bindings.
func NewStep(pass Pass) *Step {
	return &Step{pass: pass, bindings: make(Params)}
}

// Pass returns the pass of the step.
func (s *Step) Pass() Pass { return s.pass }

// ID returns the id of the pass of the step.
func (s *Step) ID() PassID { return s.pass.ID() }

// Set binds a value to a parameter of the step. It returns the step itself, so calls can be chained.
func (s *Step) Set(param Param, value any) *Step {
	s.bindings[param] = value
	return s
}

// When sets the condition for the step to run. A nil condition means always.
func (s *Step) When(condition *Condition) *Step {
	s.when = condition
	return s
}

// Condition returns the condition of the step, or nil if it always runs.
func (s *Step) Condition() *Condition { return s.when }

// Bindings returns a copy of the values bound to the parameters of the step.
func (s *Step) Bindings() Params { return s.bindings.Clone() }

// missing returns the required parameters that are not bound.
func (s *Step) missing() []Param {
	var missing []Param
	for _, param := range s.pass.RequiredParams() {
		if !s.bindings.Has(param) {
			missing = append(missing, param)
		}
	}
	return missing
}

// StepStats reports the execution of one step.
type StepStats struct {
	Pass        PassID
	Skipped     bool
	Duration    time.Duration
	NodesBefore int
	NodesAfter  int
}

// String implements fmt.Stringer.
func (s StepStats) String() string {
	if s.Skipped {
		return fmt.Sprintf("%s: skipped", s.Pass)
	}
	return fmt.Sprintf("%s: %s, %d -> %d nodes", s.Pass, s.Duration, s.NodesBefore, s.NodesAfter)
}

// Stats of a Pipeline.Run, one entry per step.
type Stats []StepStats

// Total returns the summed duration of the steps.
func (s Stats) Total() time.Duration {
	var total time.Duration
	for _, step := range s {
		total += step.Duration
	}
	return total
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	steps []*Step
}

// NewPipeline creates a pipeline with the given steps.
func NewPipeline(steps ...*Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// Len returns the number of steps.
func (p *Pipeline) Len() int { return len(p.steps) }

// Steps returns the steps. The returned slice is a copy, but the steps are shared.
func (p *Pipeline) Steps() []*Step { return slices.Clone(p.steps) }

// IDs returns the pass ids of the steps, in order.
func (p *Pipeline) IDs() []PassID {
	ids := make([]PassID, len(p.steps))
	for ii, step := range p.steps {
		ids[ii] = step.ID()
	}
	return ids
}

// Append steps at the end of the pipeline.
func (p *Pipeline) Append(steps ...*Step) *Pipeline {
	p.steps = append(p.steps, steps...)
	return p
}

// Insert the step at the given position, shifting later steps. Index can be equal to Len, to append.
func (p *Pipeline) Insert(index int, step *Step) error {
	if index < 0 || index > len(p.steps) {
		return errors.Errorf("cannot insert step %s at position %d of a pipeline with %d steps", step.ID(), index, len(p.steps))
	}
	p.steps = slices.Insert(p.steps, index, step)
	return nil
}

// InsertAfter inserts the step right after the first step with the given id.
func (p *Pipeline) InsertAfter(id PassID, step *Step) error {
	idx := slices.IndexFunc(p.steps, func(s *Step) bool { return s.ID() == id })
	if idx < 0 {
		return errors.Errorf("pipeline has no step %s", id)
	}
	return p.Insert(idx+1, step)
}

// Remove all steps with the given id. It returns how many steps were removed.
func (p *Pipeline) Remove(id PassID) int {
	before := len(p.steps)
	p.steps = slices.DeleteFunc(p.steps, func(s *Step) bool { return s.ID() == id })
	return before - len(p.steps)
}

// Step returns the first step with the given id.
func (p *Pipeline) Step(id PassID) (*Step, bool) {
	idx := slices.IndexFunc(p.steps, func(s *Step) bool { return s.ID() == id })
	if idx < 0 {
		return nil, false
	}
	return p.steps[idx], true
}

// Bind sets, on every step, the parameters from env that the step's pass declares (required or optional).
// Parameters already bound in a step are overwritten.
func (p *Pipeline) Bind(env Params) *Pipeline {
	for _, step := range p.steps {
		for _, params := range [][]Param{step.pass.RequiredParams(), step.pass.OptionalParams()} {
			for _, param := range params {
				if value, found := env[param]; found {
					step.Set(param, value)
				}
			}
		}
	}
	return p
}

// Validate checks that the required parameters of all steps are bound, regardless of their conditions.
// All missing parameters are reported in a single MissingPassParameter error.
func (p *Pipeline) Validate() error {
	return validateSteps(p.steps)
}

func validateSteps(steps []*Step) error {
	var err error
	numMissing := 0
	for _, step := range steps {
		for _, param := range step.missing() {
			numMissing++
			err = multierr.Append(err, errors.Errorf("pass %s requires parameter %q", step.ID(), param))
		}
	}
	if err == nil {
		return nil
	}
	return compileerr.Wrapf(compileerr.MissingPassParameter, err, "%d required pass parameter(s) not bound", numMissing)
}

// activeSteps evaluates the conditions of the steps.
func (p *Pipeline) activeSteps(vars map[string]any) ([]bool, error) {
	active := make([]bool, len(p.steps))
	for ii, step := range p.steps {
		if step.when == nil {
			active[ii] = true
			continue
		}
		ok, err := step.when.Eval(vars)
		if err != nil {
			return nil, errors.WithMessagef(err, "step #%d (%s)", ii, step.ID())
		}
		active[ii] = ok
	}
	return active, nil
}

// Run applies the active steps, in order, on g.
//
// The conditions of the steps are evaluated once, with vars. Then the required parameters of the active steps
// are validated: if any is missing, Run fails with MissingPassParameter before any pass is applied, and g is left
// untouched.
//
// A failing pass (error or panic) aborts the pipeline with a PassFailed error naming the pass. The graph is left
// as the failing pass left it: there is no rollback.
func (p *Pipeline) Run(g *graph.Graph, vars map[string]any) (Stats, error) {
	active, err := p.activeSteps(vars)
	if err != nil {
		return nil, err
	}
	var activeSteps []*Step
	for ii, step := range p.steps {
		if active[ii] {
			activeSteps = append(activeSteps, step)
		}
	}
	if err := validateSteps(activeSteps); err != nil {
		return nil, err
	}

	stats := make(Stats, 0, len(p.steps))
	for ii, step := range p.steps {
		if !active[ii] {
			klog.V(1).Infof("pass %s skipped, condition %q is false", step.ID(), step.when)
			stats = append(stats, StepStats{Pass: step.ID(), Skipped: true})
			continue
		}
		s := StepStats{Pass: step.ID(), NodesBefore: g.NumNodes()}
		start := time.Now()
		err := applyPass(step, g)
		s.Duration = time.Since(start)
		s.NodesAfter = g.NumNodes()
		stats = append(stats, s)
		if err != nil {
			return stats, compileerr.Wrapf(compileerr.PassFailed, err, "pass %s (step #%d) failed", step.ID(), ii)
		}
		klog.V(1).Infof("pass %s", s)
	}
	return stats, nil
}

// applyPass converts panics in the pass to errors.
func applyPass(step *Step, g *graph.Graph) (err error) {
	exception := exceptions.Try(func() {
		err = step.pass.Apply(g, step.Bindings())
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessage(e, "panic")
		}
		return errors.Errorf("panic: %v", exception)
	}
	return err
}

// String lists the steps of the pipeline.
func (p *Pipeline) String() string {
	parts := make([]string, len(p.steps))
	for ii, step := range p.steps {
		parts[ii] = step.ID().String()
		if step.when != nil {
			parts[ii] += fmt.Sprintf(" (when %s)", step.when)
		}
	}
	return "Pipeline[" + strings.Join(parts, ", ") + "]"
}
