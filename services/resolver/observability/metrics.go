// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the resolver
// engine: run and step outcomes, cache effectiveness, and client call
// volume.
//
// Metrics are registered on the default registry and exposed by
// whatever serves /metrics in the host process. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace  = "crosswalk"
	resolverSubsystem = "resolver"
)

// ResolverMetrics holds all Prometheus metrics for the resolver engine.
// Initialize once at startup via InitMetrics(). All recording methods
// are safe to call on a nil receiver, so components can run unmetered
// in tests.
type ResolverMetrics struct {
	// RunsTotal counts strategy runs by terminal status.
	// Labels: strategy, status (completed, failed, aborted)
	RunsTotal *prometheus.CounterVec

	// StepsTotal counts executed steps by action type and status.
	// Labels: action_type, status (success, failed, skipped)
	StepsTotal *prometheus.CounterVec

	// StepDurationSeconds measures per-step execution time.
	// Labels: action_type
	StepDurationSeconds *prometheus.HistogramVec

	// CacheLookupsTotal counts mapping-cache lookups.
	// Labels: outcome (hit, miss)
	CacheLookupsTotal *prometheus.CounterVec

	// ClientCallsTotal counts MappingClient batch invocations.
	// Labels: client, status (success, error)
	ClientCallsTotal *prometheus.CounterVec

	// IdentifiersFilteredTotal counts identifiers dropped by filter steps.
	// Labels: step
	IdentifiersFilteredTotal *prometheus.CounterVec

	// ActiveRuns tracks currently executing strategy runs.
	ActiveRuns prometheus.Gauge

	// CheckpointWritesTotal counts checkpoint persist operations.
	// Labels: status (success, error)
	CheckpointWritesTotal *prometheus.CounterVec
}

var (
	defaultMetrics *ResolverMetrics
	initOnce       sync.Once
)

// InitMetrics registers all resolver metrics on the default registry.
// Safe to call more than once; registration happens only on the first
// call.
func InitMetrics() *ResolverMetrics {
	initOnce.Do(func() {
		defaultMetrics = &ResolverMetrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "runs_total",
					Help:      "Strategy runs by terminal status",
				},
				[]string{"strategy", "status"},
			),
			StepsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "steps_total",
					Help:      "Executed strategy steps by action type and status",
				},
				[]string{"action_type", "status"},
			),
			StepDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "step_duration_seconds",
					Help:      "Per-step execution time in seconds",
					Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
				},
				[]string{"action_type"},
			),
			CacheLookupsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "cache_lookups_total",
					Help:      "Mapping cache lookups by outcome",
				},
				[]string{"outcome"},
			),
			ClientCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "client_calls_total",
					Help:      "MappingClient batch calls by client and status",
				},
				[]string{"client", "status"},
			),
			IdentifiersFilteredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "identifiers_filtered_total",
					Help:      "Identifiers dropped by filter steps",
				},
				[]string{"step"},
			),
			ActiveRuns: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "active_runs",
					Help:      "Currently executing strategy runs",
				},
			),
			CheckpointWritesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: resolverSubsystem,
					Name:      "checkpoint_writes_total",
					Help:      "Checkpoint persist operations by status",
				},
				[]string{"status"},
			),
		}
	})
	return defaultMetrics
}

// Default returns the initialized metrics instance, or nil when
// InitMetrics has not been called. A nil instance records nothing.
func Default() *ResolverMetrics {
	return defaultMetrics
}

// RecordRun records one run's terminal status.
func (m *ResolverMetrics) RecordRun(strategy, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(strategy, status).Inc()
}

// RecordStep records one step execution.
func (m *ResolverMetrics) RecordStep(actionType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(actionType, status).Inc()
	m.StepDurationSeconds.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordCacheLookup records one mapping-cache lookup outcome.
func (m *ResolverMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordClientCall records one MappingClient batch invocation.
func (m *ResolverMetrics) RecordClientCall(client string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ClientCallsTotal.WithLabelValues(client, status).Inc()
}

// RecordFiltered records identifiers dropped by a filter step.
func (m *ResolverMetrics) RecordFiltered(step string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.IdentifiersFilteredTotal.WithLabelValues(step).Add(float64(count))
}

// RunStarted increments the active-run gauge.
func (m *ResolverMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished decrements the active-run gauge.
func (m *ResolverMetrics) RunFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

// RecordCheckpointWrite records one checkpoint persist operation.
func (m *ResolverMetrics) RecordCheckpointWrite(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CheckpointWritesTotal.WithLabelValues(status).Inc()
}
