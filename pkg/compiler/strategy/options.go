// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"fmt"
	"math"
	"reflect"

	"github.com/gomlx/compiler/pkg/compiler/passes"
	"github.com/gomlx/compiler/pkg/core/compileerr"
)

// Names of the options.
const (
	NumDevices                 = "num_devices"
	IsTraining                 = "is_training"
	MicroBatchSize             = "micro_batch_size"
	EnableManualShard          = "enable_manual_shard"
	NeedAvgShard               = "need_avg_shard"
	EnablePipelining           = "enable_pipelining"
	BatchesPerStep             = "batches_per_step"
	EnableGradientAccumulation = "enable_gradient_accumulation"
	AccumulationFactor         = "accumulation_factor"
	EnableFP16                 = "enable_fp16"
	CustomOp                   = "custom_op"
	LR                         = "lr"
	RandomSeed                 = "random_seed"
	TimeoutMs                  = "timeout_ms"
	IsDynamic                  = "is_dynamic"
	AvailableMemoryProportion  = "available_memory_proportion"
	LossScaling                = "loss_scaling"
	OnnxDumpPath               = "onnx_dump_path"
	TilesPerDevice             = "tiles_per_device"
)

// Kind of the value of an option.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
	KindCustomOps
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindCustomOps:
		return "custom op"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// OptionSpec describes one option of the Strategy.
type OptionSpec struct {
	Name    string
	Kind    Kind
	Default any
	Doc     string

	// Exempt options can be changed without requiring recompilation, and are not part of the Hash.
	Exempt bool

	// Min and Max, if set, bound int and float options. MinExclusive makes Min exclusive.
	Min, Max     *float64
	MinExclusive bool
}

func bound(v float64) *float64 { return &v }

// Schema lists all options, in documentation order.
var Schema = []OptionSpec{
	{Name: NumDevices, Kind: KindInt, Default: 1, Min: bound(1), Doc: "Number of devices the graph is placed on."},
	{Name: IsTraining, Kind: KindBool, Default: true, Doc: "Compile a training graph, false for inference."},
	{Name: MicroBatchSize, Kind: KindInt, Default: 1, Min: bound(1), Doc: "Batch size used to fix dynamic batch axes."},
	{Name: EnableManualShard, Kind: KindBool, Default: false, Doc: "Shard the graph manually among devices, requires num_devices > 1."},
	{Name: NeedAvgShard, Kind: KindBool, Default: false, Doc: "Shard the graph evenly among devices, requires num_devices > 1."},
	{Name: EnablePipelining, Kind: KindBool, Default: false, Doc: "Pipeline the shards, requires enable_manual_shard."},
	{Name: BatchesPerStep, Kind: KindInt, Default: 1, Min: bound(1), Doc: "Batches run per step, > 1 requires enable_pipelining."},
	{Name: EnableGradientAccumulation, Kind: KindBool, Default: false, Doc: "Accumulate gradients, requires enable_pipelining."},
	{Name: AccumulationFactor, Kind: KindInt, Default: 1, Min: bound(1), Doc: "Micro batches accumulated, > 1 requires enable_pipelining."},
	{Name: EnableFP16, Kind: KindBool, Default: false, Doc: "Compute in half precision."},
	{Name: CustomOp, Kind: KindCustomOps, Default: []passes.CustomOp(nil), Doc: "Custom operator mappings, appended on each set."},
	{Name: LR, Kind: KindFloat, Default: 0.01, Exempt: true, Min: bound(0), Doc: "Learning rate, can be changed without recompiling."},
	{Name: RandomSeed, Kind: KindInt, Default: 0, Doc: "Seed of the device random number generator."},
	{Name: TimeoutMs, Kind: KindFloat, Default: 0.0, Min: bound(0), Doc: "Device acquisition timeout in milliseconds, 0 means no timeout."},
	{Name: IsDynamic, Kind: KindBool, Default: false, Doc: "The program was traced from dynamic mode."},
	{Name: AvailableMemoryProportion, Kind: KindFloat, Default: 0.6, Min: bound(0), MinExclusive: true, Max: bound(1),
		Doc: "Proportion of device memory available for temporary values."},
	{Name: LossScaling, Kind: KindFloat, Default: 1.0, Min: bound(0), MinExclusive: true, Doc: "Loss scaling factor for half precision training."},
	{Name: OnnxDumpPath, Kind: KindString, Default: "", Doc: "If set, the lowered graph is dumped to this path."},
	{Name: TilesPerDevice, Kind: KindInt, Default: 1472, Min: bound(1), Doc: "Compute tiles per device."},
}

var schemaIndex = func() map[string]*OptionSpec {
	index := make(map[string]*OptionSpec, len(Schema))
	for ii := range Schema {
		index[Schema[ii].Name] = &Schema[ii]
	}
	return index
}()

// Lookup returns the spec of the option with the given name.
func Lookup(name string) (*OptionSpec, bool) {
	spec, found := schemaIndex[name]
	return spec, found
}

// IsExempt returns whether the option can be changed without recompilation.
func IsExempt(name string) bool {
	spec, found := schemaIndex[name]
	return found && spec.Exempt
}

func invalidValue(spec *OptionSpec, value any) error {
	return compileerr.Errorf(compileerr.InvalidOptionValue, "option %q expects a %s, got %T (%v)", spec.Name, spec.Kind, value, value)
}

// toFloat converts any Go number to float64.
func toFloat(value any) (float64, bool) {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}

// toInt converts any Go integer, or a float holding an integral value, to int without losing precision.
func toInt(value any) (int, bool) {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := v.Int()
		return int(i), int64(int(i)) == i
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		return int(u), u <= math.MaxInt
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		// float64(math.MaxInt) rounds up to 2^63 on 64 bits platforms, which doesn't fit.
		if f != math.Trunc(f) || f < math.MinInt || f >= math.MaxInt {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}

// convert checks and converts a value to the canonical Go type of the option: bool, int, float64, string or
// []passes.CustomOp.
func (spec *OptionSpec) convert(value any) (any, error) {
	var converted any
	switch spec.Kind {
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return nil, invalidValue(spec, value)
		}
		return v, nil
	case KindString:
		v, ok := value.(string)
		if !ok {
			return nil, invalidValue(spec, value)
		}
		return v, nil
	case KindCustomOps:
		switch v := value.(type) {
		case passes.CustomOp:
			converted = []passes.CustomOp{v}
		case []passes.CustomOp:
			converted = append([]passes.CustomOp(nil), v...)
		default:
			return nil, invalidValue(spec, value)
		}
		ops := converted.([]passes.CustomOp)
		for ii := range ops {
			if ops[ii].SourceOp == "" {
				return nil, compileerr.Errorf(compileerr.InvalidOptionValue, "option %q: custom op without a source op", spec.Name)
			}
			ops[ii] = withCustomOpDefaults(ops[ii])
		}
		return ops, nil
	case KindInt:
		i, ok := toInt(value)
		if !ok {
			return nil, invalidValue(spec, value)
		}
		converted = i
	case KindFloat:
		f, ok := toFloat(value)
		if !ok {
			return nil, invalidValue(spec, value)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, compileerr.Errorf(compileerr.InvalidOptionValue, "option %q must be a finite number, got %v", spec.Name, value)
		}
		converted = f
	}
	f, _ := toFloat(converted)
	if spec.Min != nil && (f < *spec.Min || (spec.MinExclusive && f == *spec.Min)) {
		op := ">="
		if spec.MinExclusive {
			op = ">"
		}
		return nil, compileerr.Errorf(compileerr.InvalidOptionValue, "option %q must be %s %v, got %v", spec.Name, op, *spec.Min, value)
	}
	if spec.Max != nil && f > *spec.Max {
		return nil, compileerr.Errorf(compileerr.InvalidOptionValue, "option %q must be <= %v, got %v", spec.Name, *spec.Max, value)
	}
	return converted, nil
}

// withCustomOpDefaults fills the target op (defaults to the source op), the domain and the version.
func withCustomOpDefaults(op passes.CustomOp) passes.CustomOp {
	if op.TargetOp == "" {
		op.TargetOp = op.SourceOp
	}
	if op.Domain == "" {
		op.Domain = passes.DefaultCustomOpDomain
	}
	if op.Version == 0 {
		op.Version = 1
	}
	return op
}
