// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the state memory
// service.
//
// # Description
//
// Metrics include:
//   - Commit counters by operation (put, delta, proposal)
//   - Rejection counters by reason (policy, type_mismatch, ...)
//   - Write latency histograms, including time spent waiting for the key
//   - Slice query and dry-run validation counters
//   - In-flight write gauge
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *StateMetrics is valid and records nothing, which keeps tests and
// library callers free of registry setup.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "statememory"

// Subsystem for FSA state metrics
const stateSubsystem = "fsa"

// Operation labels a write path.
type Operation string

const (
	OpPut      Operation = "put"
	OpDelta    Operation = "delta"
	OpProposal Operation = "proposal"
)

// RejectReason labels why a write did not commit.
type RejectReason string

const (
	RejectPolicy       RejectReason = "policy"
	RejectTypeMismatch RejectReason = "type_mismatch"
	RejectOverflow     RejectReason = "overflow"
	RejectInvalid      RejectReason = "invalid"
	RejectConflict     RejectReason = "conflict"
	RejectCancelled    RejectReason = "cancelled"
	RejectStorage      RejectReason = "storage"
)

// StateMetrics holds all Prometheus metrics for FSA state operations.
//
// # Fields
//
//   - CommitsTotal: Successful commits by operation
//   - RejectionsTotal: Writes that did not commit, by operation and reason
//   - WriteDurationSeconds: End-to-end write latency by operation
//   - SliceQueriesTotal: Slice queries by whether anything matched
//   - ValidationsTotal: Dry-run validations by outcome
//   - InFlightWrites: Writes waiting for or holding a key
type StateMetrics struct {
	CommitsTotal         *prometheus.CounterVec
	RejectionsTotal      *prometheus.CounterVec
	WriteDurationSeconds *prometheus.HistogramVec
	SliceQueriesTotal    *prometheus.CounterVec
	ValidationsTotal     *prometheus.CounterVec
	InFlightWrites       prometheus.Gauge
}

// NewStateMetrics registers the metrics with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Pass prometheus.DefaultRegisterer in
//     production and prometheus.NewRegistry() in tests to avoid duplicate
//     registration panics.
//
// # Outputs
//
//   - *StateMetrics: Registered metrics.
func NewStateMetrics(reg prometheus.Registerer) *StateMetrics {
	factory := promauto.With(reg)
	return &StateMetrics{
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "commits_total",
				Help:      "Committed FSA writes by operation",
			},
			[]string{"operation"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "rejections_total",
				Help:      "FSA writes that did not commit, by operation and reason",
			},
			[]string{"operation", "reason"},
		),
		WriteDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "write_duration_seconds",
				Help:      "FSA write latency including per-key wait",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		SliceQueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "slice_queries_total",
				Help:      "Slice queries by whether the pattern matched",
			},
			[]string{"matched"},
		),
		ValidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "validations_total",
				Help:      "Dry-run delta validations by outcome",
			},
			[]string{"allowed"},
		),
		InFlightWrites: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stateSubsystem,
				Name:      "inflight_writes",
				Help:      "Writes waiting for or holding a per-key section",
			},
		),
	}
}

// RecordCommit counts a committed write and its latency.
func (m *StateMetrics) RecordCommit(op Operation, seconds float64) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(string(op)).Inc()
	m.WriteDurationSeconds.WithLabelValues(string(op)).Observe(seconds)
}

// RecordRejection counts a write that did not commit.
func (m *StateMetrics) RecordRejection(op Operation, reason RejectReason, seconds float64) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(string(op), string(reason)).Inc()
	m.WriteDurationSeconds.WithLabelValues(string(op)).Observe(seconds)
}

// RecordSliceQuery counts a slice query.
func (m *StateMetrics) RecordSliceQuery(matched bool) {
	if m == nil {
		return
	}
	m.SliceQueriesTotal.WithLabelValues(strconv.FormatBool(matched)).Inc()
}

// RecordValidation counts a dry-run validation.
func (m *StateMetrics) RecordValidation(allowed bool) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// WriteStarted increments the in-flight gauge.
func (m *StateMetrics) WriteStarted() {
	if m == nil {
		return
	}
	m.InFlightWrites.Inc()
}

// WriteEnded decrements the in-flight gauge.
func (m *StateMetrics) WriteEnded() {
	if m == nil {
		return
	}
	m.InFlightWrites.Dec()
}

// RegisterActiveKeys exposes the number of keys with a live serialization
// unit (held or waited on) as a gauge read from count at scrape time.
func RegisterActiveKeys(reg prometheus.Registerer, count func() int) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: stateSubsystem,
			Name:      "active_keys",
			Help:      "Keys currently held or awaited in the per-key coordinator",
		},
		func() float64 { return float64(count()) },
	)
}
