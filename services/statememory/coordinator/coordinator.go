// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator serializes mutations per FSA key.
package coordinator

import (
	"context"
	"sort"
	"sync"
)

// Coordinator hands out one exclusive section per key.
//
// # Description
//
// Each key gets a serialization unit the first time it is requested. Units
// are reference counted by waiters and holders and removed from the map as
// soon as the last one leaves, so the map only ever holds keys with work in
// flight. Different keys never contend with each other.
//
// Waiting honours context cancellation. A caller whose context ends before
// the section is acquired returns the context error without running fn.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Coordinator struct {
	mu    sync.Mutex
	units map[string]*unit
}

// unit is a one-slot semaphore. A channel is used instead of sync.Mutex so
// that acquisition can select on ctx.Done().
type unit struct {
	sem  chan struct{}
	refs int
}

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{units: make(map[string]*unit)}
}

// WithExclusive runs fn while holding the section for key.
//
// # Inputs
//
//   - ctx: Bounds the wait. It is not passed to fn; fn receives it from the
//     caller's closure if needed.
//   - key: Any string, typically "{tenant}:{fsa}".
//   - fn: The critical section. Its error is returned unchanged.
//
// # Outputs
//
//   - error: ctx.Err() if the section could not be acquired, else fn's error.
//
// # Example
//
//	err := c.WithExclusive(ctx, key.String(), func() error {
//	    rec, err := store.Load(ctx, key)
//	    ...
//	})
func (c *Coordinator) WithExclusive(ctx context.Context, key string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := c.retain(key)
	defer c.release(key, u)

	select {
	case u.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-u.sem }()

	return fn()
}

// ActiveKeys returns the keys currently held or waited on, sorted.
func (c *Coordinator) ActiveKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.units))
	for k := range c.units {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live units.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.units)
}

func (c *Coordinator) retain(key string) *unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[key]
	if !ok {
		u = &unit{sem: make(chan struct{}, 1)}
		c.units[key] = u
	}
	u.refs++
	return u
}

func (c *Coordinator) release(key string, u *unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u.refs--
	if u.refs == 0 {
		delete(c.units, key)
	}
}
