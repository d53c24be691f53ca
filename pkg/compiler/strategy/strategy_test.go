// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"math"
	"testing"

	"github.com/gomlx/compiler/pkg/compiler/passes"
	"github.com/gomlx/compiler/pkg/core/compileerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := New()
	assert.True(t, s.NeedRecompile())
	assert.Equal(t, 1, s.NumDevices())
	assert.True(t, s.IsTraining())
	assert.Equal(t, 0.01, s.LR())
	assert.False(t, s.HasCustomOps())
	v, err := s.GetOption(TilesPerDevice)
	require.NoError(t, err)
	assert.Equal(t, 1472, v)

	_, err = s.GetOption("location_optimizer")
	assert.True(t, compileerr.Is(err, compileerr.UnknownOption))
	assert.Equal(t, "Strategy{}", s.String())
}

func TestSetOptions(t *testing.T) {
	s := New()
	s.MarkCompiled()
	require.False(t, s.NeedRecompile())

	// lr is exempt: no recompilation, no change of hash.
	hash := s.Hash()
	require.NoError(t, s.SetOptions(Options{LR: 0.5}))
	assert.False(t, s.NeedRecompile())
	assert.Equal(t, hash, s.Hash())
	assert.Equal(t, 0.5, s.LR())

	// Integers are accepted for float options, and any integer type for int options.
	require.NoError(t, s.SetOptions(Options{LR: 1, MicroBatchSize: uint64(4)}))
	assert.True(t, s.NeedRecompile())
	assert.NotEqual(t, hash, s.Hash())
	assert.Equal(t, 4, s.MicroBatchSize())
	assert.Equal(t, 1.0, s.LR())
	assert.Equal(t, "Strategy{micro_batch_size=4, lr=1}", s.String())
}

func TestSetOptionsErrors(t *testing.T) {
	s := New()
	s.MarkCompiled()
	before := s.Snapshot()
	hash := s.Hash()

	err := s.SetOptions(Options{MicroBatchSize: 2, "not_an_option": 1})
	require.Error(t, err)
	assert.True(t, compileerr.Is(err, compileerr.UnknownOption))

	err = s.SetOptions(Options{IsTraining: "yes"})
	require.Error(t, err)
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	assert.ErrorContains(t, err, `option "is_training" expects a bool, got string`)

	err = s.SetOptions(Options{MicroBatchSize: 1.5})
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	err = s.SetOptions(Options{MicroBatchSize: 0})
	assert.ErrorContains(t, err, `option "micro_batch_size" must be >= 1`)
	err = s.SetOptions(Options{AvailableMemoryProportion: 0.0})
	assert.ErrorContains(t, err, `must be > 0`)
	err = s.SetOptions(Options{AvailableMemoryProportion: 1.5})
	assert.ErrorContains(t, err, `must be <= 1`)
	err = s.SetOptions(Options{LR: math.NaN()})
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	assert.ErrorContains(t, err, `option "lr" must be a finite number`)
	err = s.SetOptions(Options{TimeoutMs: math.Inf(1)})
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	err = s.SetOptions(Options{RandomSeed: uint64(math.MaxUint64)})
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	err = s.SetOptions(Options{RandomSeed: 1e19})
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))

	// Nothing was changed by the failed calls.
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, hash, s.Hash())
	assert.False(t, s.NeedRecompile())
}

func TestLargeIntegers(t *testing.T) {
	s := New()
	seed := int64(1)<<62 + 1
	require.NoError(t, s.SetOptions(Options{RandomSeed: seed}))
	assert.Equal(t, int(seed), s.RandomSeed())
	require.NoError(t, s.SetOptions(Options{RandomSeed: uint64(seed)}))
	assert.Equal(t, int(seed), s.RandomSeed())
	require.NoError(t, s.SetOptions(Options{RandomSeed: int64(math.MinInt64)}))
	assert.Equal(t, math.MinInt64, s.RandomSeed())
	require.NoError(t, s.SetOptions(Options{RandomSeed: 3.0}))
	assert.Equal(t, 3, s.RandomSeed())
}

func TestGuards(t *testing.T) {
	s := New()
	err := s.SetGraphConfig(GraphConfig{NumDevices: 1, IsTraining: true, MicroBatchSize: 1, EnableManualShard: true})
	require.Error(t, err)
	assert.True(t, compileerr.Is(err, compileerr.StructuralConfigViolation))
	assert.ErrorContains(t, err, "enable_manual_shard requires num_devices > 1")
	assert.False(t, s.EnableManualShard())

	err = s.SetOptions(Options{NeedAvgShard: true})
	assert.True(t, compileerr.Is(err, compileerr.StructuralConfigViolation))

	err = s.SetPipeliningConfig(PipeliningConfig{BatchesPerStep: 4})
	assert.ErrorContains(t, err, "batches_per_step=4 requires enable_pipelining")
	err = s.SetPipeliningConfig(PipeliningConfig{EnablePipelining: true})
	assert.ErrorContains(t, err, "enable_pipelining requires enable_manual_shard")

	// Guards are checked on the merged state, so related options can be set together.
	config := DefaultGraphConfig()
	config.NumDevices, config.EnableManualShard = 2, true
	require.NoError(t, s.SetGraphConfig(config))
	require.NoError(t, s.SetPipeliningConfig(PipeliningConfig{
		EnablePipelining: true, BatchesPerStep: 4, EnableGradientAccumulation: true, AccumulationFactor: 2}))
	assert.Equal(t, 4, s.BatchesPerStep())
	assert.Equal(t, 2, s.AccumulationFactor())
	assert.True(t, s.EnableGradientAccumulation())

	// Lowering num_devices now would violate the guards of the current state.
	err = s.SetOptions(Options{NumDevices: 1})
	assert.True(t, compileerr.Is(err, compileerr.StructuralConfigViolation))
	assert.Equal(t, 2, s.NumDevices())
}

func TestCustomOps(t *testing.T) {
	s := New()
	require.NoError(t, s.AddCustomOp("custom_relu", "", "", 0))
	require.NoError(t, s.AddCustomOp("custom_gelu", "FastGelu", "my.ops", 2))
	assert.True(t, s.HasCustomOps())
	assert.Equal(t, []passes.CustomOp{
		{SourceOp: "custom_relu", TargetOp: "custom_relu", Domain: passes.DefaultCustomOpDomain, Version: 1},
		{SourceOp: "custom_gelu", TargetOp: "FastGelu", Domain: "my.ops", Version: 2},
	}, s.CustomOps())

	ops := s.CustomOps()
	ops[0].TargetOp = "changed"
	assert.Equal(t, "custom_relu", s.CustomOps()[0].TargetOp, "CustomOps must return a copy")

	err := s.AddCustomOp("", "X", "", 1)
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	assert.Len(t, s.CustomOps(), 2)
}

func TestPatternsAndPrecision(t *testing.T) {
	s := New()
	s.MarkCompiled()
	hash := s.Hash()
	_, set := s.PatternEnabled("TiedGather")
	assert.False(t, set)
	s.DisablePattern("TiedGather")
	enabled, set := s.PatternEnabled("TiedGather")
	assert.True(t, set)
	assert.False(t, enabled)
	assert.True(t, s.NeedRecompile())
	assert.NotEqual(t, hash, s.Hash())

	s.MarkCompiled()
	require.NoError(t, s.SetPrecisionConfig(true))
	assert.True(t, s.EnableFP16())
	assert.True(t, s.NeedRecompile())
}

type constantOptimizer float64

func (o constantOptimizer) LearningRate() float64 { return float64(o) }

type stepScheduler struct {
	lr    float64
	steps int
}

func (s *stepScheduler) Step() {
	s.steps++
	s.lr /= 2
}

func (s *stepScheduler) LastLR() float64 { return s.lr }

func TestLearningRate(t *testing.T) {
	s := New()
	require.NoError(t, s.SetOptimizer(constantOptimizer(0.1)))
	assert.True(t, s.IsDynamic())
	assert.Equal(t, 0.1, s.LR())
	s.MarkCompiled()

	inner := &stepScheduler{lr: 0.1}
	scheduler := SyncLR(inner, s)
	scheduler.Step()
	scheduler.Step()
	assert.Equal(t, 2, inner.steps)
	assert.Equal(t, 0.025, s.LR())
	assert.Equal(t, 0.025, scheduler.LastLR())
	assert.False(t, s.NeedRecompile(), "learning rate updates must not require recompilation")
}

func TestYAML(t *testing.T) {
	s := New()
	require.NoError(t, s.ApplyYAML([]byte(`
num_devices: 2
enable_manual_shard: true
micro_batch_size: 8
available_memory_proportion: 0.3
custom_op:
  - source_op: custom_relu
    target_op: Relu6
  - source_op: custom_gelu
    version: 3
`)))
	assert.Equal(t, 2, s.NumDevices())
	assert.True(t, s.EnableManualShard())
	assert.Equal(t, 8, s.MicroBatchSize())
	assert.Equal(t, []passes.CustomOp{
		{SourceOp: "custom_relu", TargetOp: "Relu6", Domain: passes.DefaultCustomOpDomain, Version: 1},
		{SourceOp: "custom_gelu", TargetOp: "custom_gelu", Domain: passes.DefaultCustomOpDomain, Version: 3},
	}, s.CustomOps())

	// A single custom op doesn't need to be in a list.
	opts, err := LoadYAML([]byte("custom_op: {source_op: my_op}\n"))
	require.NoError(t, err)
	assert.Equal(t, []passes.CustomOp{{SourceOp: "my_op"}}, opts[CustomOp])

	opts, err = LoadYAML(nil)
	require.NoError(t, err)
	assert.Empty(t, opts)

	_, err = LoadYAML([]byte("num_devices: two\n"))
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	_, err = LoadYAML([]byte("micro_batch_size: 0\n"))
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	_, err = LoadYAML([]byte("custom_op: {target_op: X}\n"))
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))
	_, err = LoadYAML([]byte("num_ipus: 2\n"))
	assert.True(t, compileerr.Is(err, compileerr.UnknownOption))
	_, err = LoadYAML([]byte("num_devices: [\n"))
	assert.True(t, compileerr.Is(err, compileerr.InvalidOptionValue))

	// Guards still apply.
	err = New().ApplyYAML([]byte("enable_pipelining: true\n"))
	assert.True(t, compileerr.Is(err, compileerr.StructuralConfigViolation))
}
