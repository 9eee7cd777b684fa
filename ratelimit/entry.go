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
	"time"
)

type (
	// Entry is one persisted record per accepted request. Entries
	// are immutable after creation; they are read, counted, or
	// deleted, never updated.
	Entry struct {
		// UserID identifies the throttled principal.
		UserID string

		// LimiterType partitions entries between limiter
		// instances sharing one store, e.g.
		// "argument_rate_limiter".
		LimiterType string

		// CreatedAt is the insertion time, in the application
		// time zone.
		CreatedAt time.Time

		// ExpiresAt is CreatedAt plus the limiter window; past
		// this instant the entry no longer counts against the
		// quota.
		ExpiresAt time.Time
	}

	// Store is the persistence contract the limiter requires. Each
	// method is an independent operation; the limiter composes them
	// without any cross-operation atomicity, and implementations
	// must be safe for concurrent use.
	Store interface {
		// Insert persists one entry.
		Insert(ctx context.Context, e Entry) error

		// DeleteExpired removes every entry for
		// (userID, limiterType) whose expiration is at or
		// before now, returning the number removed.
		DeleteExpired(ctx context.Context, userID, limiterType string, now time.Time) (int64, error)

		// List returns all entries for (userID, limiterType),
		// ordered by expiration, oldest first.
		List(ctx context.Context, userID, limiterType string) ([]Entry, error)
	}
)
