// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cache

import (
	"github.com/gomlx/compiler/pkg/compiler/strategy"
	"k8s.io/klog/v2"
)

// StrategyCache is a Getter that recompiles when the strategy changed since the last compilation: cached
// values are only returned while the strategy doesn't need recompilation.
//
// Devices hold a single compiled program at a time, so a warning is logged if a second fingerprint is
// compiled while the strategy is unchanged, which usually means the inputs are not structurally stable.
type StrategyCache[T any] struct {
	cache    *Cache[T]
	strategy *strategy.Strategy
}

var _ Getter[int] = (*StrategyCache[int])(nil)

// NewStrategyCache wraps c, recompiling whenever s.NeedRecompile().
func NewStrategyCache[T any](c *Cache[T], s *strategy.Strategy) *StrategyCache[T] {
	return &StrategyCache[T]{cache: c, strategy: s}
}

// Cache returns the underlying cache.
func (sc *StrategyCache[T]) Cache() *Cache[T] { return sc.cache }

// Len implements Getter.
func (sc *StrategyCache[T]) Len() int { return sc.cache.Len() }

// GetOrCompile implements Getter. build is expected to leave the strategy compiled, see
// strategy.Strategy.MarkCompiled.
func (sc *StrategyCache[T]) GetOrCompile(fp Fingerprint, build BuildFn[T]) (T, error) {
	return sc.cache.GetOrRebuildIf(fp, func() (T, error) {
		needRecompile := sc.strategy.NeedRecompile()
		if needRecompile && sc.cache.Has(fp) {
			klog.Warningf("cache %q: strategy changes detected, recompiling %s. Please sync weights.", sc.cache.Name(), fp)
		}
		if !needRecompile && sc.cache.Len() > 0 {
			klog.Warningf("cache %q: compiling %s with an unchanged strategy, but devices don't support multiple "+
				"compiled programs: make sure the inputs have static shapes.", sc.cache.Name(), fp)
		}
		return build()
	}, sc.strategy.NeedRecompile)
}
