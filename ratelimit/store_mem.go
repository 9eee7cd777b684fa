// Copyright (c) 2025 The quotad authors.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

type (
	// MemoryStore keeps entries in process memory. It does not
	// survive restarts and is invisible to other replicas, so it is
	// only suitable for tests and local development; production
	// deployments use PGStore.
	MemoryStore struct {
		mu      sync.Mutex
		entries map[memKey][]Entry
	}

	memKey struct {
		userID      string
		limiterType string
	}
)

var (
	_ Store = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory entry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[memKey][]Entry),
	}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{userID: e.UserID, limiterType: e.LimiterType}
	s.entries[k] = append(s.entries[k], e)

	return nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, userID, limiterType string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{userID: userID, limiterType: limiterType}

	before := len(s.entries[k])
	s.entries[k] = slices.DeleteFunc(s.entries[k], func(e Entry) bool {
		return !e.ExpiresAt.After(now)
	})

	return int64(before - len(s.entries[k])), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, userID, limiterType string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{userID: userID, limiterType: limiterType}

	entries := slices.Clone(s.entries[k])
	slices.SortFunc(entries, func(a, b Entry) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})

	return entries, nil
}

// Len reports the number of stored entries for a (user, limiter)
// pair, expired or not.
func (s *MemoryStore) Len(userID, limiterType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries[memKey{userID: userID, limiterType: limiterType}])
}
