// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package hook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for hook execution metrics.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// HookExecutions is the counter for individual hook invocations.
// Use RegisterMetrics to register this with a Prometheus registry.
var HookExecutions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "querydeck_plugin_hook_executions_total",
		Help: "Total number of plugin hook invocations",
	},
	[]string{"plugin", "kind", "status"},
)

// HookDuration is the histogram for hook invocation duration.
// Use RegisterMetrics to register this with a Prometheus registry.
var HookDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "querydeck_plugin_hook_duration_seconds",
		Help:    "Plugin hook invocation duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"plugin", "kind"},
)

// RegisterMetrics registers hook package metrics with the given Prometheus
// registry. Call at startup to make metrics available on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(HookExecutions)
	reg.MustRegister(HookDuration)
}

func recordHookExecution(plugin string, kind Kind, status string) {
	HookExecutions.WithLabelValues(plugin, string(kind), status).Inc()
}

func recordHookDuration(plugin string, kind Kind, duration time.Duration) {
	HookDuration.WithLabelValues(plugin, string(kind)).Observe(duration.Seconds())
}
