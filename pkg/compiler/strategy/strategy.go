// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strategy holds the options that configure a compilation: device layout, pipelining, precision,
// custom operators and so on.
//
// Options are typed and validated on every SetOptions, together with the structural constraints among them.
// A Strategy keeps track of whether it changed since the last compilation (NeedRecompile): changing any
// option other than the exempt ones (the learning rate) requires the program to be recompiled.
package strategy

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/compiler/pkg/compiler/passes"
	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/gomlx/compiler/pkg/support/xslices"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Options is a bag of option values, by name.
type Options map[string]any

// Strategy holds the compilation options. It is safe for concurrent use, but it must not be changed while a
// compilation using it is in progress.
type Strategy struct {
	mu            sync.RWMutex
	values        map[string]any
	patterns      map[string]bool
	needRecompile bool
}

// New returns a Strategy with the default value of every option. A new Strategy always needs compilation.
func New() *Strategy {
	s := &Strategy{
		values:        make(map[string]any, len(Schema)),
		patterns:      make(map[string]bool),
		needRecompile: true,
	}
	for _, spec := range Schema {
		s.values[spec.Name] = spec.Default
	}
	return s
}

// SetOptions validates and sets the given options.
//
// It fails with UnknownOption for names not in the Schema, with InvalidOptionValue if a value has the wrong
// type or is out of range, and with StructuralConfigViolation if the resulting set of options is
// inconsistent. Nothing is changed if it fails.
//
// The custom_op option appends to the current list of custom operators, it accepts a passes.CustomOp or a
// []passes.CustomOp.
//
// Setting any option that is not exempt (see IsExempt) marks the Strategy as needing recompilation.
func (s *Strategy) SetOptions(opts Options) error {
	return s.setOptions(opts, true)
}

func (s *Strategy) setOptions(opts Options, markRecompile bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := maps.Clone(s.values)
	needRecompile := false
	var err error
	for _, name := range xslices.SortedKeys(opts) {
		spec, found := Lookup(name)
		if !found {
			err = multierr.Append(err, compileerr.Errorf(compileerr.UnknownOption, "unknown option %q", name))
			continue
		}
		value, convErr := spec.convert(opts[name])
		if convErr != nil {
			err = multierr.Append(err, convErr)
			continue
		}
		if spec.Kind == KindCustomOps {
			value = append(slices.Clone(candidate[name].([]passes.CustomOp)), value.([]passes.CustomOp)...)
		}
		candidate[name] = value
		if !spec.Exempt {
			needRecompile = true
		}
	}
	if err != nil {
		return err
	}
	if err = checkGuards(candidate); err != nil {
		return err
	}
	s.values = candidate
	if needRecompile && markRecompile {
		s.needRecompile = true
	}
	return nil
}

// checkGuards verifies the constraints among options.
func checkGuards(values map[string]any) (err error) {
	violation := func(format string, args ...any) {
		err = multierr.Append(err, compileerr.Errorf(compileerr.StructuralConfigViolation, format, args...))
	}
	numDevices := values[NumDevices].(int)
	if values[EnableManualShard].(bool) && numDevices <= 1 {
		violation("%s requires %s > 1, got %d", EnableManualShard, NumDevices, numDevices)
	}
	if values[NeedAvgShard].(bool) && numDevices <= 1 {
		violation("%s requires %s > 1, got %d", NeedAvgShard, NumDevices, numDevices)
	}
	if values[EnablePipelining].(bool) && !values[EnableManualShard].(bool) {
		violation("%s requires %s", EnablePipelining, EnableManualShard)
	}
	if !values[EnablePipelining].(bool) {
		if n := values[BatchesPerStep].(int); n > 1 {
			violation("%s=%d requires %s", BatchesPerStep, n, EnablePipelining)
		}
		if values[EnableGradientAccumulation].(bool) {
			violation("%s requires %s", EnableGradientAccumulation, EnablePipelining)
		}
		if n := values[AccumulationFactor].(int); n > 1 {
			violation("%s=%d requires %s", AccumulationFactor, n, EnablePipelining)
		}
	}
	return
}

// GetOption returns the current value of an option, or an UnknownOption error.
func (s *Strategy) GetOption(name string) (any, error) {
	spec, found := Lookup(name)
	if !found {
		return nil, compileerr.Errorf(compileerr.UnknownOption, "unknown option %q", name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value := s.values[name]
	if spec.Kind == KindCustomOps {
		return slices.Clone(value.([]passes.CustomOp)), nil
	}
	return value, nil
}

func get[T any](s *Strategy, name string) T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name].(T)
}

func (s *Strategy) NumDevices() int                  { return get[int](s, NumDevices) }
func (s *Strategy) IsTraining() bool                 { return get[bool](s, IsTraining) }
func (s *Strategy) MicroBatchSize() int              { return get[int](s, MicroBatchSize) }
func (s *Strategy) EnableManualShard() bool          { return get[bool](s, EnableManualShard) }
func (s *Strategy) NeedAvgShard() bool               { return get[bool](s, NeedAvgShard) }
func (s *Strategy) EnablePipelining() bool           { return get[bool](s, EnablePipelining) }
func (s *Strategy) BatchesPerStep() int              { return get[int](s, BatchesPerStep) }
func (s *Strategy) EnableGradientAccumulation() bool { return get[bool](s, EnableGradientAccumulation) }
func (s *Strategy) AccumulationFactor() int          { return get[int](s, AccumulationFactor) }
func (s *Strategy) EnableFP16() bool                 { return get[bool](s, EnableFP16) }
func (s *Strategy) LR() float64                      { return get[float64](s, LR) }
func (s *Strategy) IsDynamic() bool                  { return get[bool](s, IsDynamic) }
func (s *Strategy) RandomSeed() int                  { return get[int](s, RandomSeed) }

// CustomOps returns a copy of the registered custom operators.
func (s *Strategy) CustomOps() []passes.CustomOp {
	return slices.Clone(get[[]passes.CustomOp](s, CustomOp))
}

// HasCustomOps returns whether any custom operator was registered.
func (s *Strategy) HasCustomOps() bool {
	return len(get[[]passes.CustomOp](s, CustomOp)) > 0
}

// GraphConfig groups the options describing how the graph is laid out on the devices.
type GraphConfig struct {
	NumDevices        int
	IsTraining        bool
	MicroBatchSize    int
	EnableManualShard bool
}

// DefaultGraphConfig returns the default GraphConfig: one device, training, micro-batch size 1.
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{NumDevices: 1, IsTraining: true, MicroBatchSize: 1}
}

// SetGraphConfig sets the options of the GraphConfig at once.
func (s *Strategy) SetGraphConfig(c GraphConfig) error {
	return s.SetOptions(Options{
		NumDevices:        c.NumDevices,
		IsTraining:        c.IsTraining,
		MicroBatchSize:    c.MicroBatchSize,
		EnableManualShard: c.EnableManualShard,
	})
}

// PipeliningConfig groups the pipelining options.
type PipeliningConfig struct {
	EnablePipelining           bool
	BatchesPerStep             int
	EnableGradientAccumulation bool
	AccumulationFactor         int
}

// SetPipeliningConfig sets the options of the PipeliningConfig at once. Zero counts are taken as 1.
func (s *Strategy) SetPipeliningConfig(c PipeliningConfig) error {
	return s.SetOptions(Options{
		EnablePipelining:           c.EnablePipelining,
		BatchesPerStep:             max(c.BatchesPerStep, 1),
		EnableGradientAccumulation: c.EnableGradientAccumulation,
		AccumulationFactor:         max(c.AccumulationFactor, 1),
	})
}

// SetPrecisionConfig sets whether to compute in half precision.
func (s *Strategy) SetPrecisionConfig(enableFP16 bool) error {
	return s.SetOptions(Options{EnableFP16: enableFP16})
}

// AddCustomOp registers a custom operator replacing the framework operator sourceOp.
// Empty targetOp defaults to sourceOp, empty domain to passes.DefaultCustomOpDomain and version 0 to 1.
func (s *Strategy) AddCustomOp(sourceOp, targetOp, domain string, version int) error {
	return s.SetOptions(Options{CustomOp: passes.CustomOp{
		SourceOp: sourceOp, TargetOp: targetOp, Domain: domain, Version: version}})
}

// EnablePattern enables a device compiler pattern. It requires recompilation.
func (s *Strategy) EnablePattern(name string) { s.setPattern(name, true) }

// DisablePattern disables a device compiler pattern. It requires recompilation.
func (s *Strategy) DisablePattern(name string) { s.setPattern(name, false) }

func (s *Strategy) setPattern(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[name] = enabled
	s.needRecompile = true
}

// PatternEnabled returns whether the pattern was enabled, and whether it was ever explicitly set.
func (s *Strategy) PatternEnabled(name string) (enabled, set bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, set = s.patterns[name]
	return
}

// NeedRecompile returns whether the options changed since the last MarkCompiled.
func (s *Strategy) NeedRecompile() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needRecompile
}

// MarkCompiled records that a compilation with the current options finished.
func (s *Strategy) MarkCompiled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needRecompile = false
	klog.V(2).Infof("strategy %016x compiled", s.hashLocked())
}

// Hash returns a hash of the options that affect compilation: exempt options are not included.
func (s *Strategy) Hash() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashLocked()
}

func (s *Strategy) hashLocked() uint64 {
	h := xxhash.New()
	for _, name := range xslices.SortedKeys(s.values) {
		if IsExempt(name) {
			continue
		}
		_, _ = fmt.Fprintf(h, "%s=%s;", name, encodeValue(s.values[name]))
	}
	for _, name := range xslices.SortedKeys(s.patterns) {
		_, _ = fmt.Fprintf(h, "pattern:%s=%t;", name, s.patterns[name])
	}
	return h.Sum64()
}

func encodeValue(value any) string {
	if ops, ok := value.([]passes.CustomOp); ok {
		return "[" + strings.Join(xslices.Map(ops, passes.CustomOp.String), ",") + "]"
	}
	return fmt.Sprintf("%#v", value)
}

// Snapshot returns a copy of the current option values.
func (s *Strategy) Snapshot() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Options(maps.Clone(s.values))
	snapshot[CustomOp] = slices.Clone(snapshot[CustomOp].([]passes.CustomOp))
	return snapshot
}

// String implements fmt.Stringer, listing the options that differ from their defaults.
func (s *Strategy) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var parts []string
	for _, spec := range Schema {
		value := s.values[spec.Name]
		if encodeValue(value) == encodeValue(spec.Default) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", spec.Name, encodeValue(value)))
	}
	return fmt.Sprintf("Strategy{%s}", strings.Join(parts, ", "))
}
