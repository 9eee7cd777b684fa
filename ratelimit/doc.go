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

// Package ratelimit provides a per-user sliding-window request
// throttle backed by a persistent store of timestamped usage entries.
//
// # Overview
//
// Each accepted request is persisted as one immutable entry recording
// who made it, which limiter accepted it, and when the entry stops
// counting (its creation time plus the limiter window). A request is
// admitted while the number of non-expired entries for the
// (user, limiter) pair is below the configured quota. Expired entries
// are purged lazily, on every read and write path, before counting;
// there is no reliance on a background job for correctness.
//
// Because entries expire individually, the window slides: as soon as
// the single oldest entry ages out, exactly one slot opens, even while
// newer entries are still in the window. The wait time reported when
// the quota is exhausted is therefore the time until the oldest
// entry's expiration, never a fixed-window reset.
//
// # Calling conventions
//
// Guarded operations that can themselves fail (an LLM call that may
// error out) use the two-phase form, so a failed operation does not
// consume quota:
//
//	if err := limiter.Check(ctx, userID); err != nil {
//	    return err // *QuotaExceededError or a store error
//	}
//	out, err := expensiveOperation(ctx)
//	if err != nil {
//	    return err // quota untouched
//	}
//	if err := limiter.RegisterUsage(ctx, userID); err != nil {
//	    return err
//	}
//
// Cheap operations use the single-call form, which checks and inserts
// as one logical sequence:
//
//	if err := limiter.Allow(ctx, userID); err != nil {
//	    return err
//	}
//
// Neither form serializes concurrent callers: between the count and
// the insert another request from the same user may slip in, so the
// quota can be exceeded by the degree of concurrency. This is a soft
// usage throttle, not a billing limit.
//
// # Stores
//
// [PGStore] is the production store, one PostgreSQL table shared by
// all limiter instances and service replicas, partitioned by the
// limiter name. [MemoryStore] keeps entries in process memory; it does
// not survive restarts and is not shared across replicas, making it
// suitable only for tests and local development.
//
// # Metrics
//
// The following Prometheus metrics are exposed, labelled by limiter
// name:
//
//   - ratelimit_requests_total{limiter,allowed}: counter of quota checks
//   - ratelimit_check_duration_seconds{limiter,allowed}: check latency
//   - ratelimit_entries_purged_total{limiter}: lazily purged entries
package ratelimit
