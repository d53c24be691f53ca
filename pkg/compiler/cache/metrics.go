// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "compile"
	subsystem = "cache"
)

// Metrics of one cache, labelled with the cache name.
type Metrics struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	builds  prometheus.Counter
	entries prometheus.Gauge
}

func newMetrics(name string) *Metrics {
	labels := prometheus.Labels{"cache": name}
	return &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "hits_total",
			Help:        "Lookups that returned an existing compiled program.",
			ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "misses_total",
			Help:        "Lookups that required a compilation.",
			ConstLabels: labels,
		}),
		builds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "builds_total",
			Help:        "Successful compilations stored in the cache.",
			ConstLabels: labels,
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "entries",
			Help:        "Number of compiled programs in the cache.",
			ConstLabels: labels,
		}),
	}
}

// MustRegister registers the metrics with the given Prometheus registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(m.hits, m.misses, m.builds, m.entries)
}
