// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Audit event types emitted by the state manager.
const (
	EventFSAWrite    = "fsa.write"
	EventFSADelta    = "fsa.delta"
	EventFSARejected = "fsa.rejected"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// AuditEvent represents a security-relevant event for compliance logging.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    EventFSADelta,
//	    UserID:       "buyer-agent",
//	    Action:       "delta",
//	    ResourceType: "fsa",
//	    ResourceID:   "acme:inventory",
//	    Outcome:      OutcomeSuccess,
//	    Metadata:     map[string]any{"version": 7, "lineage_id": "wf-1"},
//	}
type AuditEvent struct {
	// EventType categorizes the event, "category.action".
	EventType string

	// Timestamp is when the event occurred (UTC). Loggers fill it if zero.
	Timestamp time.Time

	// UserID is the actor that submitted the write.
	UserID string

	// Action is the operation attempted: "put", "delta", "proposal".
	Action string

	// ResourceType is "fsa" for state writes.
	ResourceType string

	// ResourceID is the "{tenant}:{fsa}" key.
	ResourceID string

	// Outcome is OutcomeSuccess, OutcomeBlocked or OutcomeError.
	Outcome string

	// Metadata carries version, lineage_id, pillar, aml_level and reason.
	Metadata map[string]any
}

// AuditFilter selects events. Zero fields do not filter.
type AuditFilter struct {
	EventTypes []string
	UserID     string
	ResourceID string
	StartTime  time.Time
	EndTime    time.Time
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != e.ResourceID {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && !e.Timestamp.Before(f.EndTime) {
		return false
	}
	return true
}

// AuditLogger records write events.
//
// Implementations must be safe for concurrent use. The state manager calls
// Log after the per-key section is released, so a slow logger does not
// hold up other writers to the same key.
type AuditLogger interface {
	// Log records an event.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Query returns an empty slice.
func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes each event as one structured log line. It keeps
// no history; Query returns nothing.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger logs through logger, or slog.Default() when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With("component", "audit")}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		"event_type", event.EventType,
		"timestamp", event.Timestamp,
		"user_id", event.UserID,
		"action", event.Action,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"outcome", event.Outcome,
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, event.Metadata[k])
	}
	level := slog.LevelInfo
	if event.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "audit", attrs...)
	return nil
}

// Query implements AuditLogger.
func (l *SlogAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush implements AuditLogger.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

// MemoryAuditLogger keeps events in memory. Useful for tests and for
// inspecting recent writes on a single node.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
	limit  int
}

// NewMemoryAuditLogger keeps the newest limit events; limit <= 0 keeps all.
func NewMemoryAuditLogger(limit int) *MemoryAuditLogger {
	return &MemoryAuditLogger{limit: limit}
}

// Log implements AuditLogger.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if l.limit > 0 && len(l.events) > l.limit {
		l.events = l.events[len(l.events)-l.limit:]
	}
	return nil
}

// Query implements AuditLogger.
func (l *MemoryAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []AuditEvent{}
	for i := len(l.events) - 1; i >= 0; i-- {
		if filter.matches(l.events[i]) {
			out = append(out, l.events[i])
		}
	}
	return out, nil
}

// Flush implements AuditLogger.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
