// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend test files call Run with a constructor.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The store is closed by Run.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("LoadMissing", func(t *testing.T) {
		s := open(t, newStore)
		_, err := s.Load(context.Background(), storage.NewKey("acme", "nope"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveAndLoadRoundTrip", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		rec := record("acme", "fsa-1", 1, `{"zeta":1,"alpha":{"b":[1,"x",null],"a":true}}`)

		require.NoError(t, s.Save(ctx, rec))

		got, err := s.Load(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "agent-a", got.LastActor)
		assert.Equal(t, "lineage-1", got.LastLineageID)
		assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
		assert.True(t, rec.Document.Equal(got.Document))
		assert.Equal(t, []string{"zeta", "alpha"}, got.Document.Keys())
	})

	t.Run("VersionCompareAndSet", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		err := s.Save(ctx, record("acme", "fsa-1", 2, `{}`))
		assert.ErrorIs(t, err, storage.ErrVersionConflict, "fresh key must start at 1")

		require.NoError(t, s.Save(ctx, record("acme", "fsa-1", 1, `{"n":1}`)))
		require.NoError(t, s.Save(ctx, record("acme", "fsa-1", 2, `{"n":2}`)))

		err = s.Save(ctx, record("acme", "fsa-1", 2, `{"n":99}`))
		assert.ErrorIs(t, err, storage.ErrVersionConflict, "version reuse")
		err = s.Save(ctx, record("acme", "fsa-1", 4, `{"n":99}`))
		assert.ErrorIs(t, err, storage.ErrVersionConflict, "version skip")

		got, err := s.Load(ctx, storage.NewKey("acme", "fsa-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.True(t, document.MustParse(`{"n":2}`).Equal(got.Document))
	})

	t.Run("TenantsAreIsolated", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, record("acme", "shared", 1, `{"owner":"acme"}`)))
		require.NoError(t, s.Save(ctx, record("globex", "shared", 1, `{"owner":"globex"}`)))

		got, err := s.Load(ctx, storage.NewKey("globex", "shared"))
		require.NoError(t, err)
		owner, _ := got.Document.Lookup("owner")
		v, _ := owner.AsString()
		assert.Equal(t, "globex", v)
	})

	t.Run("LoadedRecordIsSnapshot", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		rec := record("acme", "fsa-1", 1, `{"n":1}`)
		require.NoError(t, s.Save(ctx, rec))

		rec.Document.Set("n", document.Number(42))
		got, err := s.Load(ctx, rec.Key)
		require.NoError(t, err)
		got.Document.Set("n", document.Number(7))

		again, err := s.Load(ctx, rec.Key)
		require.NoError(t, err)
		n, _ := again.Document.Lookup("n")
		v, _ := n.AsNumber()
		assert.Equal(t, 1.0, v)
	})

	t.Run("RejectsInvalidRecords", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		assert.ErrorIs(t, s.Save(ctx, record("", "fsa", 1, `{}`)), storage.ErrInvalidKey)
		assert.ErrorIs(t, s.Save(ctx, record("acme", "fsa", 0, `{}`)), storage.ErrVersionConflict)
	})

	t.Run("ConcurrentSaversOneWinnerPerVersion", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Save(ctx, record("acme", "race", 1, `{}`)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, storage.ErrVersionConflict)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := open(t, newStore)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, s.Save(ctx, record("acme", "fsa", 1, `{}`)))
	})
}

func open(t *testing.T, newStore Factory) storage.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(tenant, fsa string, version int64, doc string) *storage.Record {
	return &storage.Record{
		Key:           storage.NewKey(tenant, fsa),
		Document:      document.MustParse(doc),
		Version:       version,
		LastActor:     "agent-a",
		LastLineageID: "lineage-1",
		UpdatedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
