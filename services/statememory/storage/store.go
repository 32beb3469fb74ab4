// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the versioned record store for FSA documents.
//
// # Description
//
// A Store holds exactly one Record per (tenant, fsa) key. Records are never
// deleted through the service API. Every Save must carry the next version
// for the key: a fresh key accepts version 1 and an existing key accepts
// only stored version + 1. This compare-and-set lets several service
// replicas share one backend without losing updates.
//
// Backends:
//
//   - MemoryStore: process-local map, the default.
//   - storage/badger: embedded BadgerDB.
//   - storage/redisstore: shared Redis.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/statememory/services/statememory/document"
)

var (
	// ErrNotFound is returned by Load when the key has never been written.
	ErrNotFound = errors.New("fsa state not found")

	// ErrVersionConflict is returned by Save when the stored version is not
	// exactly one behind the record being saved.
	ErrVersionConflict = errors.New("fsa version conflict")

	// ErrInvalidKey is returned for keys with an empty tenant or fsa.
	ErrInvalidKey = errors.New("invalid fsa key")
)

// Key identifies one FSA document.
type Key struct {
	Tenant string
	FSA    string
}

// NewKey builds a Key.
func NewKey(tenant, fsa string) Key {
	return Key{Tenant: tenant, FSA: fsa}
}

// String returns "{tenant}:{fsa}".
func (k Key) String() string {
	return k.Tenant + ":" + k.FSA
}

// Validate rejects empty components.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Tenant) == "" || strings.TrimSpace(k.FSA) == "" {
		return fmt.Errorf("%w: tenant and fsa are required (got %q)", ErrInvalidKey, k.String())
	}
	return nil
}

// Record is the stored state of one FSA document.
type Record struct {
	Key           Key
	Document      *document.Node
	Version       int64
	LastActor     string
	LastLineageID string
	UpdatedAt     time.Time
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Document = r.Document.Clone()
	return &c
}

// Store persists records.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the current record or ErrNotFound.
	Load(ctx context.Context, key Key) (*Record, error)

	// Save writes rec if the stored version is rec.Version-1 (or the key is
	// absent and rec.Version is 1). Otherwise it returns ErrVersionConflict.
	Save(ctx context.Context, rec *Record) error

	// Close releases backend resources.
	Close() error
}

// CheckSave validates a record before it reaches a backend.
func CheckSave(rec *Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	if err := rec.Key.Validate(); err != nil {
		return err
	}
	if rec.Version < 1 {
		return fmt.Errorf("%w: version %d for %s", ErrVersionConflict, rec.Version, rec.Key)
	}
	return nil
}

// ExpectedPrevious returns the version a backend must find stored before
// accepting rec. Zero means the key must be absent.
func ExpectedPrevious(rec *Record) int64 { return rec.Version - 1 }

// ConflictError formats a version conflict for key.
func ConflictError(key Key, stored, expected int64) error {
	return fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionConflict, key, stored, expected)
}

// =============================================================================
// Wire encoding shared by the byte-oriented backends.
// =============================================================================

type recordEnvelope struct {
	Tenant        string          `json:"tenant"`
	FSA           string          `json:"fsa"`
	Version       int64           `json:"version"`
	LastActor     string          `json:"last_actor"`
	LastLineageID string          `json:"last_lineage_id"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Document      json.RawMessage `json:"document"`
}

// EncodeRecord serializes a record. The document keeps its key order.
func EncodeRecord(rec *Record) ([]byte, error) {
	doc, err := rec.Document.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.Key, err)
	}
	return json.Marshal(recordEnvelope{
		Tenant:        rec.Key.Tenant,
		FSA:           rec.Key.FSA,
		Version:       rec.Version,
		LastActor:     rec.LastActor,
		LastLineageID: rec.LastLineageID,
		UpdatedAt:     rec.UpdatedAt.UTC(),
		Document:      doc,
	})
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (*Record, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	doc, err := document.Parse(env.Document)
	if err != nil {
		return nil, fmt.Errorf("decode record %s:%s: %w", env.Tenant, env.FSA, err)
	}
	return &Record{
		Key:           Key{Tenant: env.Tenant, FSA: env.FSA},
		Document:      doc,
		Version:       env.Version,
		LastActor:     env.LastActor,
		LastLineageID: env.LastLineageID,
		UpdatedAt:     env.UpdatedAt,
	}, nil
}
