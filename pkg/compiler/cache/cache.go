// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cache stores compiled programs by Fingerprint, so that calling a traced function again with
// inputs of the same structure doesn't recompile it.
//
// The cache never evicts entries: past a soft ceiling on the number of entries it only logs a warning, since
// an ever growing cache usually means the inputs are not structurally stable.
package cache

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/compiler/pkg/support/xslices"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// DefaultSoftCeiling is the default number of entries above which a warning is logged.
const DefaultSoftCeiling = 10

// BuildFn builds (compiles) the value for a fingerprint.
type BuildFn[T any] func() (T, error)

// Getter returns cached values, building them on demand.
type Getter[T any] interface {
	GetOrCompile(fp Fingerprint, build BuildFn[T]) (T, error)
	Len() int
}

type entry[T any] struct {
	fp    Fingerprint
	value T
}

// Cache of values of type T by Fingerprint. It is safe for concurrent use: builds of different fingerprints
// run concurrently, while for the same fingerprint at most one build is in flight.
type Cache[T any] struct {
	name        string
	softCeiling int
	metrics     *Metrics

	mu        sync.RWMutex
	entries   map[string]*entry[T]
	recentKey string

	group singleflight.Group
}

var _ Getter[int] = (*Cache[int])(nil)

// Option configures a Cache.
type Option func(c *cacheConfig)

type cacheConfig struct {
	name        string
	softCeiling int
	registry    prometheus.Registerer
}

// WithName sets the name of the cache, used in logs and as the "cache" label of the metrics.
func WithName(name string) Option {
	return func(c *cacheConfig) { c.name = name }
}

// WithSoftCeiling sets the number of entries above which a warning is logged on each new entry.
func WithSoftCeiling(n int) Option {
	return func(c *cacheConfig) { c.softCeiling = n }
}

// WithMetrics registers the metrics of the cache with registry.
func WithMetrics(registry prometheus.Registerer) Option {
	return func(c *cacheConfig) { c.registry = registry }
}

// New creates an empty Cache.
func New[T any](opts ...Option) *Cache[T] {
	config := cacheConfig{name: "default", softCeiling: DefaultSoftCeiling}
	for _, opt := range opts {
		opt(&config)
	}
	c := &Cache[T]{
		name:        config.name,
		softCeiling: config.softCeiling,
		metrics:     newMetrics(config.name),
		entries:     make(map[string]*entry[T]),
	}
	if config.registry != nil {
		c.metrics.MustRegister(config.registry)
	}
	return c
}

// Name of the cache.
func (c *Cache[T]) Name() string { return c.name }

// Metrics returns the metrics of the cache.
func (c *Cache[T]) Metrics() *Metrics { return c.metrics }

// Len returns the number of entries.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get returns the value stored for fp, if any.
func (c *Cache[T]) Get(fp Fingerprint) (value T, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[fp.Key()]
	if found {
		value = e.value
	}
	return
}

// Has returns whether a value is stored for fp.
func (c *Cache[T]) Has(fp Fingerprint) bool {
	_, found := c.Get(fp)
	return found
}

// GetOrCompile returns the value stored for fp, or builds and stores it. Failed builds are not stored.
func (c *Cache[T]) GetOrCompile(fp Fingerprint, build BuildFn[T]) (T, error) {
	return c.GetOrRebuildIf(fp, build, nil)
}

// GetOrRebuildIf is like GetOrCompile, but an existing entry is also rebuilt if stale returns true.
// stale is called while holding the per-fingerprint critical section, and the stored entry is replaced
// atomically.
func (c *Cache[T]) GetOrRebuildIf(fp Fingerprint, build BuildFn[T], stale func() bool) (T, error) {
	key := fp.Key()
	c.mu.Lock()
	c.recentKey = key
	e, found := c.entries[key]
	c.mu.Unlock()
	if found && stale == nil {
		c.metrics.hits.Inc()
		return e.value, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		e, found := c.entries[key]
		c.mu.RUnlock()
		if found && (stale == nil || !stale()) {
			c.metrics.hits.Inc()
			return e.value, nil
		}
		c.metrics.misses.Inc()
		value, err := build()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = &entry[T]{fp: fp, value: value}
		numEntries := len(c.entries)
		c.mu.Unlock()
		c.metrics.builds.Inc()
		c.metrics.entries.Set(float64(numEntries))
		if found {
			klog.V(1).Infof("cache %q: rebuilt %s", c.name, fp)
		} else if numEntries > c.softCeiling {
			klog.Warningf("cache %q: %s compiled programs > soft ceiling of %s. Too many compiled programs bring "+
				"expensive overhead. The reason may be: (1) inputs with different shapes, (2) non-tensor arguments "+
				"that are part of the trace.", c.name, humanize.Comma(int64(numEntries)), humanize.Comma(int64(c.softCeiling)))
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	value, _ := result.(T)
	return value, nil
}

// RecentKey returns the key of the last fingerprint looked up.
func (c *Cache[T]) RecentKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recentKey
}

// Keys returns the sorted keys of the entries.
func (c *Cache[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return xslices.SortedKeys(c.entries)
}

// Fingerprints returns the fingerprints of the entries, sorted by key.
func (c *Cache[T]) Fingerprints() []Fingerprint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := xslices.SortedKeys(c.entries)
	return xslices.Map(keys, func(key string) Fingerprint { return c.entries[key].fp })
}

// Clear removes all entries.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[T])
	c.recentKey = ""
	c.metrics.entries.Set(0)
}
