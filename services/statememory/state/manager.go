// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state is the write and read path of the state memory service.
//
// # Description
//
// Manager composes the store, the per-key coordinator, the delta engine,
// the policy validator and the slice engine. Every write runs the sequence
//
//	load -> apply -> validate -> save (version + 1)
//
// inside the key's critical section. Reads load a snapshot without taking
// the section.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/services/statememory/coordinator"
	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/observability"
	"github.com/AleutianAI/statememory/services/statememory/policy"
	"github.com/AleutianAI/statememory/services/statememory/slicequery"
	"github.com/AleutianAI/statememory/services/statememory/storage"
)

var tracer = otel.Tracer("statememory.state")

// maxConflictRetries bounds how often a write is retried inside the
// critical section when another replica saved the key first.
const maxConflictRetries = 3

// Snapshot is a point-in-time copy of one FSA.
type Snapshot struct {
	Key           storage.Key
	Document      *document.Node
	Version       int64
	LastActor     string
	LastLineageID string
	UpdatedAt     time.Time
}

// CommitResult is the synchronous outcome of a delta submission.
// Success=false means nothing was stored and Message carries the reason.
type CommitResult struct {
	Success bool   `json:"success"`
	Version int64  `json:"version"`
	Message string `json:"message"`
}

// Config wires a Manager. Store is required; every other field has a
// working default.
type Config struct {
	Store       storage.Store
	Validator   *policy.Validator
	Slices      *slicequery.Engine
	Coordinator *coordinator.Coordinator
	Metrics     *observability.StateMetrics
	Audit       extensions.AuditLogger
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Manager serves reads and writes of FSA documents.
type Manager struct {
	store     storage.Store
	validator *policy.Validator
	slices    *slicequery.Engine
	coord     *coordinator.Coordinator
	metrics   *observability.StateMetrics
	audit     extensions.AuditLogger
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager builds a Manager from cfg.
//
// # Inputs
//
//   - cfg: See Config. A nil Validator loads the embedded default policy.
//
// # Outputs
//
//   - *Manager: Ready to use.
//   - error: Non-nil if Store is nil or the default policy fails to load.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("state manager requires a store")
	}
	if cfg.Validator == nil {
		v, err := policy.NewDefaultValidator()
		if err != nil {
			return nil, fmt.Errorf("load default policy: %w", err)
		}
		cfg.Validator = v
	}
	if cfg.Slices == nil {
		cfg.Slices = slicequery.New(slicequery.Config{})
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = coordinator.New()
	}
	if cfg.Audit == nil {
		cfg.Audit = &extensions.NopAuditLogger{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:     cfg.Store,
		validator: cfg.Validator,
		slices:    cfg.Slices,
		coord:     cfg.Coordinator,
		metrics:   cfg.Metrics,
		audit:     cfg.Audit,
		logger:    cfg.Logger.With("component", "state_manager"),
		now:       cfg.Clock,
	}, nil
}

// Coordinator exposes the per-key coordinator for introspection.
func (m *Manager) Coordinator() *coordinator.Coordinator { return m.coord }

// =============================================================================
// Reads
// =============================================================================

// Get returns the current document and version for key.
//
// # Outputs
//
//   - Snapshot: A private copy; callers may modify it.
//   - error: ErrNotFound, ErrInvalidRequest or a storage error.
func (m *Manager) Get(ctx context.Context, key storage.Key) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "state.Get", trace.WithAttributes(keyAttrs(key)...))
	defer span.End()

	if err := key.Validate(); err != nil {
		return Snapshot{}, fail(span, invalid("%v", err))
	}
	rec, err := m.store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load failed")
		}
		return Snapshot{}, err
	}
	span.SetAttributes(attribute.Int64("fsa.version", rec.Version))
	return snapshotOf(rec), nil
}

// Query evaluates a slice pattern against the current document.
//
// # Inputs
//
//   - pattern: See package slicequery.
//   - k: Keep at most k entries of the matched container; <= 0 keeps all.
//
// # Outputs
//
//   - slicequery.Result: Version, slice, summary and echoed pattern.
//   - error: ErrNotFound when the key was never written.
func (m *Manager) Query(ctx context.Context, key storage.Key, pattern string, k int) (slicequery.Result, error) {
	ctx, span := tracer.Start(ctx, "state.Query", trace.WithAttributes(
		append(keyAttrs(key), attribute.String("slice.pattern", pattern), attribute.Int("slice.k", k))...,
	))
	defer span.End()

	if err := key.Validate(); err != nil {
		return slicequery.Result{}, fail(span, invalid("%v", err))
	}
	rec, err := m.store.Load(ctx, key)
	if err != nil {
		return slicequery.Result{}, err
	}
	res := m.slices.Query(rec.Document, rec.Version, pattern, k)
	matched := res.Slice.Len() > 0
	m.metrics.RecordSliceQuery(matched)
	span.SetAttributes(attribute.Bool("slice.matched", matched), attribute.Int("slice.summary_chars", len(res.Summary)))
	return res, nil
}

// ValidateOnly runs every policy rule against the current document and
// returns all violations without committing. A missing key is evaluated as
// an empty document.
func (m *Manager) ValidateOnly(ctx context.Context, key storage.Key, d delta.Delta, pctx policy.Context) (policy.Report, error) {
	ctx, span := tracer.Start(ctx, "state.ValidateOnly", trace.WithAttributes(keyAttrs(key)...))
	defer span.End()

	if err := key.Validate(); err != nil {
		return policy.Report{}, fail(span, invalid("%v", err))
	}
	if err := d.Validate(); err != nil {
		return policy.Report{}, fail(span, invalid("%v", err))
	}
	current := document.NewMapping()
	rec, err := m.store.Load(ctx, key)
	switch {
	case err == nil:
		current = rec.Document
	case !errors.Is(err, ErrNotFound):
		return policy.Report{}, fail(span, err)
	}

	report := m.validator.ValidateAll(current, d, pctx)
	m.metrics.RecordValidation(report.Allowed)
	span.SetAttributes(attribute.Bool("policy.allowed", report.Allowed), attribute.Int("policy.violations", len(report.Violations)))
	return report, nil
}

// =============================================================================
// Writes
// =============================================================================

// PutFull replaces the whole document for key.
//
// # Description
//
// The version becomes 1 for a new key and advances by one otherwise, so
// re-running an initialisation script never rewinds a key. Invariant rules
// (non-negative fields, expression rules) still apply; autonomy caps do
// not.
//
// # Outputs
//
//   - int64: The committed version.
//   - error: ErrInvalidRequest, *PolicyViolationError, context or storage
//     errors. Nothing is stored on error.
func (m *Manager) PutFull(ctx context.Context, key storage.Key, doc *document.Node, actor, lineageID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "state.PutFull", trace.WithAttributes(
		append(keyAttrs(key), attribute.String("fsa.actor", actor), attribute.String("fsa.lineage_id", lineageID))...,
	))
	defer span.End()
	start := time.Now()

	if err := checkWrite(key, actor, lineageID); err != nil {
		m.rejected(ctx, observability.OpPut, key, actor, lineageID, start, err)
		return 0, fail(span, err)
	}
	if doc.Kind() != document.KindMapping {
		err := invalid("document must be a JSON object, got %s", doc.Kind())
		m.rejected(ctx, observability.OpPut, key, actor, lineageID, start, err)
		return 0, fail(span, err)
	}
	pctx := policy.Context{Actor: actor, LineageID: lineageID}

	m.metrics.WriteStarted()
	defer m.metrics.WriteEnded()

	var committed int64
	err := m.coord.WithExclusive(ctx, key.String(), func() error {
		if d := m.validator.CheckDocument(doc, pctx); !d.Allowed {
			return &PolicyViolationError{Rule: d.Rule, Reason: d.Reason}
		}
		v, err := m.saveWithRetry(context.WithoutCancel(ctx), key, func(*storage.Record) (*document.Node, error) {
			return doc.Clone(), nil
		}, actor, lineageID)
		committed = v
		return err
	})
	if err != nil {
		m.rejected(ctx, observability.OpPut, key, actor, lineageID, start, err)
		return 0, fail(span, err)
	}

	m.metrics.RecordCommit(observability.OpPut, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("fsa.version", committed))
	m.logger.Info("document replaced",
		"tenant", key.Tenant, "fsa", key.FSA, "version", committed,
		"actor", actor, "lineage_id", lineageID)
	m.auditWrite(ctx, extensions.EventFSAWrite, "put", key, actor, extensions.OutcomeSuccess, map[string]any{
		"version": committed, "lineage_id": lineageID,
	})
	return committed, nil
}

// ApplyDelta validates and commits d against key.
//
// # Description
//
// A missing key starts from an empty document, so the first delta commits
// version 1. On rejection the result has Success=false, the current
// version and the verbatim reason, and the error is a
// *PolicyViolationError, *delta.TypeMismatchError or
// *delta.NumericOverflowError. Use IsRejection to
// tell rejections from failures.
//
// # Outputs
//
//   - CommitResult: Always populated for commits and rejections.
//   - error: nil on commit; a rejection, ErrInvalidRequest, a context error
//     or a storage error otherwise.
func (m *Manager) ApplyDelta(ctx context.Context, key storage.Key, d delta.Delta, pctx policy.Context) (CommitResult, error) {
	return m.commitDelta(ctx, observability.OpDelta, key, d, pctx)
}

// ApplyProposal commits a queued proposal through the same path as
// ApplyDelta. A proposal without an AML level runs at level 0.
func (m *Manager) ApplyProposal(ctx context.Context, p delta.Proposal) (CommitResult, error) {
	pctx := policy.Context{Actor: p.Actor, Pillar: p.Pillar, LineageID: p.LineageID}
	if p.AMLLevel != nil {
		pctx.AMLLevel = *p.AMLLevel
	}
	return m.commitDelta(ctx, observability.OpProposal, storage.NewKey(p.Tenant, p.FSAID), p.Delta, pctx)
}

func (m *Manager) commitDelta(ctx context.Context, op observability.Operation, key storage.Key, d delta.Delta, pctx policy.Context) (CommitResult, error) {
	pctx = pctx.Normalize()
	ctx, span := tracer.Start(ctx, "state.ApplyDelta", trace.WithAttributes(
		append(keyAttrs(key),
			attribute.String("fsa.operation", string(op)),
			attribute.String("fsa.actor", pctx.Actor),
			attribute.String("fsa.lineage_id", pctx.LineageID),
			attribute.String("policy.pillar", pctx.Pillar),
			attribute.Int("policy.aml_level", pctx.AMLLevel),
			attribute.Int("delta.entries", d.Len()),
		)...,
	))
	defer span.End()
	start := time.Now()

	if err := checkWrite(key, pctx.Actor, pctx.LineageID); err != nil {
		m.rejected(ctx, op, key, pctx.Actor, pctx.LineageID, start, err)
		return CommitResult{}, fail(span, err)
	}
	if err := d.Validate(); err != nil {
		err = invalid("%v", err)
		m.rejected(ctx, op, key, pctx.Actor, pctx.LineageID, start, err)
		return CommitResult{}, fail(span, err)
	}

	m.metrics.WriteStarted()
	defer m.metrics.WriteEnded()

	var (
		committed int64
		current   int64
	)
	err := m.coord.WithExclusive(ctx, key.String(), func() error {
		v, err := m.saveWithRetry(context.WithoutCancel(ctx), key, func(prev *storage.Record) (*document.Node, error) {
			before := document.NewMapping()
			if prev != nil {
				before = prev.Document
				current = prev.Version
			}
			after, err := delta.Apply(before, d)
			if err != nil {
				return nil, err
			}
			if dec := m.validator.ValidateApplied(before, after, d, pctx); !dec.Allowed {
				return nil, &PolicyViolationError{Rule: dec.Rule, Reason: dec.Reason}
			}
			return after, nil
		}, pctx.Actor, pctx.LineageID)
		committed = v
		return err
	})

	if err != nil {
		m.rejected(ctx, op, key, pctx.Actor, pctx.LineageID, start, err)
		fail(span, err)
		if IsRejection(err) {
			return CommitResult{Success: false, Version: current, Message: err.Error()}, err
		}
		return CommitResult{}, err
	}

	m.metrics.RecordCommit(op, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("fsa.version", committed))
	m.logger.Info("delta committed",
		"tenant", key.Tenant, "fsa", key.FSA, "version", committed,
		"actor", pctx.Actor, "lineage_id", pctx.LineageID,
		"pillar", pctx.Pillar, "aml_level", pctx.AMLLevel, "paths", d.Paths())
	m.auditWrite(ctx, extensions.EventFSADelta, string(op), key, pctx.Actor, extensions.OutcomeSuccess, map[string]any{
		"version":    committed,
		"lineage_id": pctx.LineageID,
		"pillar":     pctx.Pillar,
		"aml_level":  pctx.AMLLevel,
	})
	return CommitResult{
		Success: true,
		Version: committed,
		Message: fmt.Sprintf("committed version %d", committed),
	}, nil
}

// saveWithRetry loads the current record, derives the next document with
// next and saves it at version+1. A version conflict means another replica
// committed in between; the sequence is repeated against the fresh record.
// Must be called inside the key's critical section.
func (m *Manager) saveWithRetry(
	ctx context.Context,
	key storage.Key,
	next func(prev *storage.Record) (*document.Node, error),
	actor, lineageID string,
) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		prev, err := m.store.Load(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			prev = nil
		case err != nil:
			return 0, fmt.Errorf("load %s: %w", key, err)
		}

		doc, err := next(prev)
		if err != nil {
			return 0, err
		}

		version := int64(1)
		if prev != nil {
			version = prev.Version + 1
		}
		rec := &storage.Record{
			Key:           key,
			Document:      doc,
			Version:       version,
			LastActor:     actor,
			LastLineageID: lineageID,
			UpdatedAt:     m.now(),
		}
		err = m.store.Save(ctx, rec)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return 0, fmt.Errorf("save %s: %w", key, err)
		}
		m.logger.Warn("version conflict, retrying",
			"tenant", key.Tenant, "fsa", key.FSA, "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return 0, lastErr
}

// =============================================================================
// Helpers
// =============================================================================

func checkWrite(key storage.Key, actor, lineageID string) error {
	if err := key.Validate(); err != nil {
		return invalid("%v", err)
	}
	if strings.TrimSpace(actor) == "" {
		return invalid("actor is required")
	}
	if strings.TrimSpace(lineageID) == "" {
		return invalid("lineage_id is required")
	}
	return nil
}

// rejected records metrics, logs and audits a write that did not commit.
func (m *Manager) rejected(ctx context.Context, op observability.Operation, key storage.Key, actor, lineageID string, start time.Time, err error) {
	reason := rejectReason(err)
	m.metrics.RecordRejection(op, reason, time.Since(start).Seconds())

	outcome := extensions.OutcomeBlocked
	level := slog.LevelInfo
	if reason == observability.RejectStorage || reason == observability.RejectConflict {
		outcome = extensions.OutcomeError
		level = slog.LevelError
	}
	m.logger.Log(ctx, level, "write rejected",
		"tenant", key.Tenant, "fsa", key.FSA, "operation", string(op),
		"actor", actor, "lineage_id", lineageID, "reason", string(reason), "error", err)
	m.auditWrite(ctx, extensions.EventFSARejected, string(op), key, actor, outcome, map[string]any{
		"lineage_id": lineageID,
		"reason":     err.Error(),
	})
}

func rejectReason(err error) observability.RejectReason {
	switch {
	case errors.Is(err, ErrPolicyViolation):
		return observability.RejectPolicy
	case errors.Is(err, ErrTypeMismatch):
		return observability.RejectTypeMismatch
	case errors.Is(err, ErrNumericOverflow):
		return observability.RejectOverflow
	case errors.Is(err, ErrInvalidRequest):
		return observability.RejectInvalid
	case errors.Is(err, storage.ErrVersionConflict):
		return observability.RejectConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.RejectCancelled
	default:
		return observability.RejectStorage
	}
}

// auditWrite runs after the critical section is released. Audit failures
// are logged and never change the write outcome.
func (m *Manager) auditWrite(ctx context.Context, eventType, action string, key storage.Key, actor, outcome string, meta map[string]any) {
	err := m.audit.Log(context.WithoutCancel(ctx), extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    m.now(),
		UserID:       actor,
		Action:       action,
		ResourceType: "fsa",
		ResourceID:   key.String(),
		Outcome:      outcome,
		Metadata:     meta,
	})
	if err != nil {
		m.logger.Warn("audit log failed", "event_type", eventType, "resource_id", key.String(), "error", err)
	}
}

func snapshotOf(rec *storage.Record) Snapshot {
	return Snapshot{
		Key:           rec.Key,
		Document:      rec.Document,
		Version:       rec.Version,
		LastActor:     rec.LastActor,
		LastLineageID: rec.LastLineageID,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func keyAttrs(key storage.Key) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("fsa.tenant", key.Tenant),
		attribute.String("fsa.id", key.FSA),
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
