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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/courtroomai/quotad/log"
	"github.com/courtroomai/quotad/pg"
)

type (
	// PGStoreOption configures a PGStore during initialization.
	PGStoreOption func(s *PGStore)

	// PGStore persists entries in the rate_limit_entries
	// PostgreSQL table (created by migration 0001). All limiter
	// instances and all service replicas share it; rows are
	// partitioned by the rate_limiter_type column.
	PGStore struct {
		pg     *pg.Client
		logger *log.Logger

		sweepInterval time.Duration
		sweepOnce     sync.Once
	}
)

var (
	_ Store = (*PGStore)(nil)
)

// WithPGStoreLogger sets a custom logger for the store.
func WithPGStoreLogger(l *log.Logger) PGStoreOption {
	return func(s *PGStore) {
		s.logger = l.Named("ratelimit.pgstore")
	}
}

// WithSweepInterval sets the interval of the background sweep of
// expired rows. Default is 15 minutes.
func WithSweepInterval(d time.Duration) PGStoreOption {
	return func(s *PGStore) {
		s.sweepInterval = d
	}
}

// NewPGStore creates a PostgreSQL-backed entry store.
func NewPGStore(pgClient *pg.Client, options ...PGStoreOption) *PGStore {
	s := &PGStore{
		pg:            pgClient,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		sweepInterval: 15 * time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Insert implements Store.
func (s *PGStore) Insert(ctx context.Context, e Entry) error {
	return s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO rate_limit_entries (user_id, rate_limiter_type, created_at, expiration_time)
VALUES ($1, $2, $3, $4)
`
		_, err := conn.Exec(ctx, q, e.UserID, e.LimiterType, e.CreatedAt, e.ExpiresAt)
		return err
	})
}

// DeleteExpired implements Store.
func (s *PGStore) DeleteExpired(ctx context.Context, userID, limiterType string, now time.Time) (int64, error) {
	var deleted int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
DELETE FROM rate_limit_entries
WHERE user_id = $1 AND rate_limiter_type = $2 AND expiration_time <= $3
`
		tag, err := conn.Exec(ctx, q, userID, limiterType, now)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

// List implements Store.
func (s *PGStore) List(ctx context.Context, userID, limiterType string) ([]Entry, error) {
	var entries []Entry

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT user_id, rate_limiter_type, created_at, expiration_time
FROM rate_limit_entries
WHERE user_id = $1 AND rate_limiter_type = $2
ORDER BY expiration_time
`
		rows, err := conn.Query(ctx, q, userID, limiterType)
		if err != nil {
			return fmt.Errorf("cannot exec query: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.UserID, &e.LimiterType, &e.CreatedAt, &e.ExpiresAt); err != nil {
				return fmt.Errorf("cannot scan row: %w", err)
			}
			entries = append(entries, e)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("cannot read query: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Sweep removes every expired row, regardless of user or limiter.
// Correctness never depends on it (expiry is enforced on access); it
// only keeps rows of inactive users from accumulating.
func (s *PGStore) Sweep(ctx context.Context) (int64, error) {
	var deleted int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `DELETE FROM rate_limit_entries WHERE expiration_time <= now()`
		tag, err := conn.Exec(ctx, q)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cannot sweep expired entries: %w", err)
	}

	return deleted, nil
}

// StartSweeper starts a background goroutine that periodically runs
// Sweep. The goroutine stops when the provided context is cancelled.
//
// This method is safe to call multiple times; only the first call
// starts the goroutine.
func (s *PGStore) StartSweeper(ctx context.Context) {
	s.sweepOnce.Do(func() {
		go s.runSweepLoop(ctx)
	})
}

func (s *PGStore) runSweepLoop(ctx context.Context) {
	s.logger.InfoCtx(ctx, "starting expired entry sweep loop",
		log.Duration("interval", s.sweepInterval),
	)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping expired entry sweep loop")
			return
		case <-ticker.C:
			deleted, err := s.Sweep(ctx)
			if err != nil {
				s.logger.ErrorCtx(ctx, "expired entry sweep failed",
					log.Error(err),
				)
				continue
			}

			if deleted > 0 {
				s.logger.InfoCtx(ctx, "expired entries swept",
					log.Int64("rows_deleted", deleted),
				)
			}
		}
	}
}
