// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/compiler/pkg/compiler"
	"github.com/gomlx/compiler/pkg/compiler/passes"
	"github.com/gomlx/compiler/pkg/compiler/strategy"
	"github.com/gomlx/compiler/pkg/core/program/programtest"
	"github.com/gomlx/compiler/pkg/runtime"
	"github.com/gomlx/compiler/pkg/runtime/runtimetest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

// captureWarnings redirects klog to a buffer while fn runs.
func captureWarnings(fn func()) string {
	var buf bytes.Buffer
	klog.LogToStderr(false)
	klog.SetOutput(&buf)
	defer func() {
		klog.SetOutput(os.Stderr)
		klog.LogToStderr(true)
	}()
	fn()
	klog.Flush()
	return buf.String()
}

type instance struct{ name string }

func TestFingerprint(t *testing.T) {
	s := strategy.New()
	inst := &instance{"model"}
	fp := NewFingerprint("f32[?,4]", inst, s)
	assert.Equal(t, fp, NewFingerprint("f32[?,4]", inst, s))
	assert.Equal(t, fp.Key(), NewFingerprint("f32[?,4]", inst, s).Key())
	assert.Contains(t, fp.Instance, "*cache.instance@0x")
	assert.Equal(t, s.Hash(), fp.Strategy)

	// Another instance, even if equal in value, is another fingerprint.
	assert.NotEqual(t, fp.Key(), NewFingerprint("f32[?,4]", &instance{"model"}, s).Key())
	assert.NotEqual(t, fp.Key(), NewFingerprint("f32[?,8]", inst, s).Key())
	assert.NotEqual(t, fp.Key(), NewFingerprint("f32[?,4]", nil, s).Key())
	assert.Equal(t, "int:3", NewFingerprint(nil, 3, nil).Instance)

	// Changing the learning rate doesn't change the fingerprint, other options do.
	require.NoError(t, s.SetOptions(strategy.Options{strategy.LR: 0.5}))
	assert.Equal(t, fp.Key(), NewFingerprint("f32[?,4]", inst, s).Key())
	require.NoError(t, s.SetOptions(strategy.Options{strategy.MicroBatchSize: 2}))
	assert.NotEqual(t, fp.Key(), NewFingerprint("f32[?,4]", inst, s).Key())
}

func TestGetOrCompile(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := New[string](WithName("test"), WithMetrics(registry))
	var numBuilds int
	build := func(value string) BuildFn[string] {
		return func() (string, error) {
			numBuilds++
			return value, nil
		}
	}
	fpA, fpB := Fingerprint{Trace: "a"}, Fingerprint{Trace: "b"}
	v, err := c.GetOrCompile(fpA, build("A"))
	require.NoError(t, err)
	assert.Equal(t, "A", v)
	v, err = c.GetOrCompile(fpA, build("other"))
	require.NoError(t, err)
	assert.Equal(t, "A", v)
	assert.Equal(t, 1, numBuilds)
	assert.Equal(t, fpA.Key(), c.RecentKey())

	// Failed builds are not stored.
	_, err = c.GetOrCompile(fpB, func() (string, error) { return "", errors.New("boom") })
	require.ErrorContains(t, err, "boom")
	assert.False(t, c.Has(fpB))
	assert.Equal(t, fpB.Key(), c.RecentKey())
	_, err = c.GetOrCompile(fpB, build("B"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Len(t, c.Keys(), 2)
	assert.ElementsMatch(t, []Fingerprint{fpA, fpB}, c.Fingerprints())

	m := c.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hits))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.misses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.builds))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.entries))
	count, err := testutil.GatherAndCount(registry, "compile_cache_hits_total", "compile_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Rebuild when stale.
	v, err = c.GetOrRebuildIf(fpA, build("A2"), func() bool { return false })
	require.NoError(t, err)
	assert.Equal(t, "A", v)
	v, err = c.GetOrRebuildIf(fpA, build("A2"), func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, "A2", v)
	got, found := c.Get(fpA)
	assert.True(t, found)
	assert.Equal(t, "A2", got)
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.entries))
}

func TestConcurrentGetOrCompile(t *testing.T) {
	c := New[*int]()
	var numBuilds atomic.Int32
	release := make(chan struct{})
	build := func() (*int, error) {
		numBuilds.Add(1)
		<-release
		v := 42
		return &v, nil
	}

	const numCallers = 8
	results := make([]*int, numCallers)
	var started sync.WaitGroup
	started.Add(numCallers)
	var eg errgroup.Group
	for ii := range numCallers {
		eg.Go(func() error {
			started.Done()
			v, err := c.GetOrCompile(Fingerprint{Trace: "same"}, build)
			results[ii] = v
			return err
		})
	}
	started.Wait()
	time.Sleep(10 * time.Millisecond)
	close(release)
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), numBuilds.Load(), "exactly one build per fingerprint")
	for _, v := range results {
		assert.Same(t, results[0], v)
	}

	// Different fingerprints build independently.
	eg = errgroup.Group{}
	for ii := range numCallers {
		eg.Go(func() error {
			_, err := c.GetOrCompile(Fingerprint{Trace: fmt.Sprintf("trace_%d", ii)}, func() (*int, error) {
				v := ii
				return &v, nil
			})
			return err
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, numCallers+1, c.Len())
}

func TestSoftCeiling(t *testing.T) {
	c := New[int](WithName("ceiling"), WithSoftCeiling(2))
	var logs [4]string
	for ii := range 4 {
		logs[ii] = captureWarnings(func() {
			_, err := c.GetOrCompile(Fingerprint{Trace: fmt.Sprint(ii)}, func() (int, error) { return ii, nil })
			require.NoError(t, err)
		})
	}
	assert.NotContains(t, logs[0], "soft ceiling")
	assert.NotContains(t, logs[1], "soft ceiling")
	assert.Contains(t, logs[2], "3 compiled programs > soft ceiling of 2")
	assert.Contains(t, logs[3], "inputs with different shapes")
	assert.Equal(t, 4, c.Len(), "entries are never evicted")
}

func TestStrategyCache(t *testing.T) {
	s := strategy.New()
	sc := NewStrategyCache(New[string](WithName("strategy")), s)
	var numBuilds int
	build := func() (string, error) {
		numBuilds++
		s.MarkCompiled()
		return fmt.Sprintf("build_%d", numBuilds), nil
	}
	fp := Fingerprint{Trace: "x"}
	v, err := sc.GetOrCompile(fp, build)
	require.NoError(t, err)
	assert.Equal(t, "build_1", v)
	v, err = sc.GetOrCompile(fp, build)
	require.NoError(t, err)
	assert.Equal(t, "build_1", v)

	// lr doesn't trigger a rebuild.
	require.NoError(t, s.SetOptions(strategy.Options{strategy.LR: 0.1}))
	v, _ = sc.GetOrCompile(fp, build)
	assert.Equal(t, "build_1", v)

	// Other options do, and the new value replaces the old one.
	require.NoError(t, s.SetOptions(strategy.Options{strategy.MicroBatchSize: 2}))
	logs := captureWarnings(func() {
		v, err = sc.GetOrCompile(fp, build)
		require.NoError(t, err)
	})
	assert.Equal(t, "build_2", v)
	assert.Contains(t, logs, "strategy changes detected")
	assert.Equal(t, 1, sc.Len())

	// A second fingerprint with an unchanged strategy.
	logs = captureWarnings(func() {
		_, err = sc.GetOrCompile(Fingerprint{Trace: "y"}, build)
		require.NoError(t, err)
	})
	assert.Contains(t, logs, "make sure the inputs have static shapes")
	assert.Equal(t, 2, sc.Len())
}

func TestConvertConcreteProgram(t *testing.T) {
	s := strategy.New()
	require.NoError(t, s.SetGraphConfig(strategy.GraphConfig{NumDevices: 1, IsTraining: false, MicroBatchSize: 2}))
	rt := runtimetest.New()
	concrete := &ConcreteProgram{
		Main:    programtest.MLP(false),
		Inputs:  []string{"self", programtest.Input, ""},
		Outputs: []string{programtest.Loss},
	}
	sc := NewStrategyCache(New[*Entry](), s)
	fp := NewFingerprint("f32[2,4]", concrete, s)
	ctx := compiler.ExecContext{Place: runtime.Place{Kind: runtime.CPU}}
	entry, err := sc.GetOrCompile(fp, func() (*Entry, error) {
		return ConvertConcreteProgram(s, concrete, true, rt, ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{programtest.Input}, entry.Compiled.FeedList)
	assert.Equal(t, []string{programtest.Loss}, entry.Compiled.FetchList)
	assert.Same(t, rt.GetOrCreateScope(), entry.Compiled.Scope)
	assert.False(t, s.NeedRecompile())
	ops := entry.Compiled.Program.GlobalBlock().Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, passes.RuntimeOpType, ops[0].Type)

	again, err := sc.GetOrCompile(fp, func() (*Entry, error) { return nil, errors.New("must not be called") })
	require.NoError(t, err)
	assert.Same(t, entry, again)

	rt.Scope().SetVar(programtest.Loss, 0.25)
	outputs, err := entry.Executable.Run(map[string]any{programtest.Input: "batch"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{0.25}, outputs)

	// Without an instance, all named inputs are fed.
	concrete = &ConcreteProgram{Main: programtest.MLP(false), Inputs: []string{programtest.Input, ""}}
	entry, err = ConvertConcreteProgram(s, concrete, false, rt, ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{programtest.Input}, entry.Compiled.FeedList)
	assert.Empty(t, entry.Compiled.FetchList)

	_, err = ConvertConcreteProgram(s, &ConcreteProgram{}, false, rt, ctx)
	require.Error(t, err)
}
