// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps records in a map. Documents are cloned on Save and on
// Load so callers never share mutable state with the store.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Record)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, key Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckSave(rec); err != nil {
		return err
	}
	stored := rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if prev, ok := s.records[rec.Key]; ok {
		current = prev.Version
	}
	if expected := ExpectedPrevious(rec); current != expected {
		return ConflictError(rec.Key, current, expected)
	}
	s.records[rec.Key] = stored
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements Store. It is a no-op.
func (s *MemoryStore) Close() error { return nil }
