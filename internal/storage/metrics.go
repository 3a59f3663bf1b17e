// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for storage operation metrics.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Operations is the counter for storage service operations.
// Use RegisterMetrics to register this with a Prometheus registry.
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "querydeck_plugin_storage_operations_total",
		Help: "Total number of plugin storage operations by operation and status",
	},
	[]string{"operation", "status"},
)

// RegisterMetrics registers storage package metrics with the given Prometheus
// registry. Call at startup to make metrics available on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
}

func recordOperation(op string, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	Operations.WithLabelValues(op, status).Inc()
}
