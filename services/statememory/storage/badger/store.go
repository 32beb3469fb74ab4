// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/statememory/services/statememory/storage"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "fsa/"

// Store implements storage.Store on top of a DB.
type Store struct {
	db *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore opens a database with cfg and wraps it.
func NewStore(cfg Config) (*Store, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// recordKey returns "fsa/<tenant>/<fsa>".
func recordKey(k storage.Key) []byte {
	return []byte(keyPrefix + k.Tenant + "/" + k.FSA)
}

// Load implements storage.Store.
func (s *Store) Load(ctx context.Context, key storage.Key) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Save implements storage.Store.
func (s *Store) Save(ctx context.Context, rec *storage.Record) error {
	if err := storage.CheckSave(rec); err != nil {
		return err
	}
	data, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var current int64
		prev, err := readRecord(txn, rec.Key)
		switch {
		case err == nil:
			current = prev.Version
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		if expected := storage.ExpectedPrevious(rec); current != expected {
			return storage.ConflictError(rec.Key, current, expected)
		}
		return txn.Set(recordKey(rec.Key), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent write to %s", storage.ErrVersionConflict, rec.Key)
	}
	return err
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func readRecord(txn *badger.Txn, key storage.Key) (*storage.Record, error) {
	item, err := txn.Get(recordKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	var rec *storage.Record
	err = item.Value(func(val []byte) error {
		var decodeErr error
		rec, decodeErr = storage.DecodeRecord(val)
		return decodeErr
	})
	return rec, err
}
