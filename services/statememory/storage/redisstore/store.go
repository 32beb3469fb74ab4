// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redisstore shares FSA records between service replicas through
// Redis.
//
// Each record is a hash at "<prefix>:fsa:<tenant>:<fsa>" with two fields:
// "version" and "record" (the JSON encoded storage.Record). Saves run as a
// Lua script so the version check and the write are one atomic step.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/statememory/services/statememory/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces keys when no prefix is configured.
const DefaultPrefix = "statememory"

// casScript writes ARGV[3] when the stored version equals ARGV[1].
// It returns -1 on success, otherwise the stored version.
var casScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if cur ~= tonumber(ARGV[1]) then
  return cur
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'record', ARGV[3])
return -1
`)

// Store implements storage.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// New wraps a connected client. The Store owns the client and closes it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

func (s *Store) keyFor(k storage.Key) string {
	return s.prefix + ":fsa:" + k.Tenant + ":" + k.FSA
}

// Load implements storage.Store.
func (s *Store) Load(ctx context.Context, key storage.Key) (*storage.Record, error) {
	if s.closed.Load() {
		return nil, errors.New("store is closed")
	}
	data, err := s.client.HGet(ctx, s.keyFor(key), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", key, err)
	}
	return storage.DecodeRecord(data)
}

// Save implements storage.Store.
func (s *Store) Save(ctx context.Context, rec *storage.Record) error {
	if s.closed.Load() {
		return errors.New("store is closed")
	}
	if err := storage.CheckSave(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	expected := storage.ExpectedPrevious(rec)
	stored, err := casScript.Run(ctx, s.client, []string{s.keyFor(rec.Key)},
		expected, rec.Version, data).Int64()
	if err != nil {
		return fmt.Errorf("redis save %s: %w", rec.Key, err)
	}
	if stored != -1 {
		return storage.ConflictError(rec.Key, stored, expected)
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}
