// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the Prometheus metrics and OpenTelemetry tracer
// shared by assembler components.
//
// Metrics live on a private registry so tests can construct as many
// instances as they need; the HTTP shell exposes the registry at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the assembler service.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	registry *prometheus.Registry

	// TasksTotal counts task terminal transitions by status and fault kind.
	TasksTotal *prometheus.CounterVec

	// TasksRunning is a gauge of currently running tasks.
	TasksRunning prometheus.Gauge

	// TasksPending is a gauge of tasks waiting for admission.
	TasksPending prometheus.Gauge

	// GuardWaitSeconds measures time spent waiting for a project lease.
	GuardWaitSeconds prometheus.Histogram

	// GuardHeldSeconds measures time a project lease was held.
	GuardHeldSeconds prometheus.Histogram

	// GitOperationsTotal counts git safety operations by kind and status.
	GitOperationsTotal *prometheus.CounterVec

	// SnapshotBytes measures the on-disk size of created snapshots.
	SnapshotBytes prometheus.Histogram

	// GradleDurationSeconds measures wall-clock Gradle build time by outcome.
	GradleDurationSeconds *prometheus.HistogramVec

	// LogRecordsPublished counts records accepted by the log bus.
	LogRecordsPublished prometheus.Counter

	// LogRecordsDropped counts records dropped for slow subscribers.
	LogRecordsDropped prometheus.Counter

	// LogSubscribers is a gauge of live subscribers across all streams.
	LogSubscribers prometheus.Gauge

	// StageDurationSeconds measures per-stage pipeline time.
	StageDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates all assembler metrics on a fresh private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "assembler",
				Subsystem: "tasks",
				Name:      "total",
				Help:      "Task terminal transitions by status and fault kind",
			},
			[]string{"status", "kind"},
		),

		TasksRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "assembler",
				Subsystem: "tasks",
				Name:      "running",
				Help:      "Currently running tasks",
			},
		),

		TasksPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "assembler",
				Subsystem: "tasks",
				Name:      "pending",
				Help:      "Tasks waiting for scheduler admission",
			},
		),

		GuardWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "assembler",
				Subsystem: "guard",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a project lease",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
			},
		),

		GuardHeldSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "assembler",
				Subsystem: "guard",
				Name:      "held_seconds",
				Help:      "Time a project lease was held",
				Buckets:   []float64{0.1, 1, 10, 60, 300, 900, 1800},
			},
		),

		GitOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "assembler",
				Subsystem: "git",
				Name:      "operations_total",
				Help:      "Git safety operations by kind and terminal status",
			},
			[]string{"kind", "status"},
		),

		SnapshotBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "assembler",
				Subsystem: "git",
				Name:      "snapshot_bytes",
				Help:      "On-disk size of created snapshots",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
			},
		),

		GradleDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "assembler",
				Subsystem: "gradle",
				Name:      "duration_seconds",
				Help:      "Wall-clock Gradle build time by outcome",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"outcome"},
		),

		LogRecordsPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "assembler",
				Subsystem: "logbus",
				Name:      "records_published_total",
				Help:      "Records accepted by the log bus",
			},
		),

		LogRecordsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "assembler",
				Subsystem: "logbus",
				Name:      "records_dropped_total",
				Help:      "Records dropped for slow subscribers",
			},
		),

		LogSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "assembler",
				Subsystem: "logbus",
				Name:      "subscribers",
				Help:      "Live subscribers across all streams",
			},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "assembler",
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Per-stage pipeline time",
				Buckets:   []float64{0.1, 1, 5, 30, 120, 600, 1800},
			},
			[]string{"stage"},
		),
	}
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
