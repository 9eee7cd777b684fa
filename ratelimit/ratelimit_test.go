package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtroomai/quotad/timeutil"
)

// fakeClock is a manually advanced clock for driving window expiry.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, timeutil.DefaultLocation()),
	}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, store Store, limiterType string, requests int, window time.Duration, clock *fakeClock) *Limiter {
	t.Helper()

	l, err := NewLimiter(
		store,
		limiterType,
		requests,
		window,
		WithRegisterer(prometheus.NewRegistry()),
		WithNowFunc(clock.Now),
	)
	require.NoError(t, err)

	return l
}

func TestLimiter_QuotaEnforcement(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "argument_rate_limiter", 3, 24*time.Hour, clock)

	ctx := context.Background()

	// The first N requests pass.
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(ctx, "user-1"))
	}

	// The N+1th is rejected with a quota error.
	err := limiter.Allow(ctx, "user-1")
	require.Error(t, err)

	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "argument_rate_limiter", quotaErr.LimiterType)
	assert.Equal(t, 3, quotaErr.Limit)
	assert.Equal(t, 24*time.Hour, quotaErr.RetryAfter)

	// The rejected attempt did not consume anything.
	assert.Equal(t, 3, store.Len("user-1", "argument_rate_limiter"))

	// Another user is unaffected.
	assert.NoError(t, limiter.Allow(ctx, "user-2"))
}

func TestLimiter_SlidingWindow(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "argument_rate_limiter", 2, 10*time.Second, clock)

	ctx := context.Background()

	// t=0 and t=5: both slots consumed.
	require.NoError(t, limiter.Allow(ctx, "user-1"))
	clock.Advance(5 * time.Second)
	require.NoError(t, limiter.Allow(ctx, "user-1"))

	// t=6: full, and the wait runs to the oldest entry's expiry
	// at t=10, not the newest at t=15.
	clock.Advance(1 * time.Second)
	err := limiter.Allow(ctx, "user-1")
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, 4*time.Second, quotaErr.RetryAfter)

	// t=10.1: the oldest entry aged out, one slot is open again.
	clock.Advance(4*time.Second + 100*time.Millisecond)
	assert.NoError(t, limiter.Allow(ctx, "user-1"))

	// And it is consumed immediately.
	err = limiter.Allow(ctx, "user-1")
	assert.ErrorAs(t, err, &quotaErr)
}

func TestLimiter_PurgeOnAccess(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "argument_rate_limiter", 5, time.Minute, clock)

	ctx := context.Background()

	require.NoError(t, limiter.RegisterUsage(ctx, "user-1"))
	require.NoError(t, limiter.RegisterUsage(ctx, "user-1"))
	clock.Advance(30 * time.Second)
	require.NoError(t, limiter.RegisterUsage(ctx, "user-1"))
	assert.Equal(t, 3, store.Len("user-1", "argument_rate_limiter"))

	// After the first two entries expire, any read removes them
	// from the store.
	clock.Advance(45 * time.Second)
	require.NoError(t, limiter.Check(ctx, "user-1"))
	assert.Equal(t, 1, store.Len("user-1", "argument_rate_limiter"))
}

func TestLimiter_TwoPhaseCheckDoesNotConsume(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "case_generation_rate_limiter", 1, time.Hour, clock)

	ctx := context.Background()

	// Check alone never writes, no matter how often it runs.
	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Check(ctx, "user-1"))
	}
	assert.Equal(t, 0, store.Len("user-1", "case_generation_rate_limiter"))

	// Phase two records the usage; the next check is rejected.
	require.NoError(t, limiter.RegisterUsage(ctx, "user-1"))
	assert.Equal(t, 1, store.Len("user-1", "case_generation_rate_limiter"))

	var quotaErr *QuotaExceededError
	assert.ErrorAs(t, limiter.Check(ctx, "user-1"), &quotaErr)
}

func TestLimiter_RegisterUsageIsUnconditional(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "argument_rate_limiter", 1, time.Hour, clock)

	ctx := context.Background()

	// RegisterUsage does not re-check the quota; callers that want
	// enforcement go through Check or Allow first.
	require.NoError(t, limiter.RegisterUsage(ctx, "user-1"))
	require.NoError(t, limiter.RegisterUsage(ctx, "user-1"))
	assert.Equal(t, 2, store.Len("user-1", "argument_rate_limiter"))
}

func TestLimiter_Remaining(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "argument_rate_limiter", 3, time.Hour, clock)

	ctx := context.Background()

	status, err := limiter.Remaining(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Remaining)
	assert.Equal(t, 3, status.Limit)
	assert.Nil(t, status.RetryAfter)

	require.NoError(t, limiter.Allow(ctx, "user-1"))
	require.NoError(t, limiter.Allow(ctx, "user-1"))

	status, err = limiter.Remaining(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Remaining)
	assert.Nil(t, status.RetryAfter)

	// At zero remaining the wait until the oldest entry expires is
	// reported.
	require.NoError(t, limiter.Allow(ctx, "user-1"))
	clock.Advance(10 * time.Minute)

	status, err = limiter.Remaining(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Remaining)
	require.NotNil(t, status.RetryAfter)
	assert.Equal(t, 50*time.Minute, *status.RetryAfter)
}

func TestLimiter_LimiterTypeIndependence(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	arguments := newTestLimiter(t, store, "argument_rate_limiter", 1, time.Hour, clock)
	cases := newTestLimiter(t, store, "case_generation_rate_limiter", 1, time.Hour, clock)

	ctx := context.Background()

	require.NoError(t, arguments.Allow(ctx, "user-1"))

	// Exhausting one limiter leaves the other untouched, even for
	// the same user on the same store.
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, arguments.Allow(ctx, "user-1"), &quotaErr)
	assert.NoError(t, cases.Allow(ctx, "user-1"))
}

func TestLimiter_MixedZoneEntries(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "argument_rate_limiter", 3, time.Hour, clock)

	ctx := context.Background()

	// Entries may come back from the store in any zone
	// representation of the same instant.
	tokyo := time.FixedZone("UTC+9", 9*3600)
	expiry := clock.Now().Add(30 * time.Minute)

	for _, loc := range []*time.Location{time.UTC, tokyo, timeutil.DefaultLocation()} {
		require.NoError(t, store.Insert(ctx, Entry{
			UserID:      "user-1",
			LimiterType: "argument_rate_limiter",
			CreatedAt:   clock.Now().In(loc),
			ExpiresAt:   expiry.In(loc),
		}))
	}

	var quotaErr *QuotaExceededError
	err := limiter.Check(ctx, "user-1")
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, 30*time.Minute, quotaErr.RetryAfter)

	// All three expire at the same instant regardless of how they
	// were represented.
	clock.Advance(30*time.Minute + time.Second)
	require.NoError(t, limiter.Check(ctx, "user-1"))
	assert.Equal(t, 0, store.Len("user-1", "argument_rate_limiter"))
}

func TestLimiter_DailyQuotaScenario(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "case_generation_rate_limiter", 1, 24*time.Hour, clock)

	ctx := context.Background()

	// One per day: the first submission is accepted.
	require.NoError(t, limiter.Allow(ctx, "user-1"))

	// 100 seconds later the quota is exhausted, with the wait
	// running to the first entry's expiry.
	clock.Advance(100 * time.Second)
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, limiter.Allow(ctx, "user-1"), &quotaErr)
	assert.Equal(t, 86300*time.Second, quotaErr.RetryAfter)

	// Just past the full window the old entry has aged out and a
	// new submission is accepted.
	clock.Advance(86301 * time.Second)
	assert.NoError(t, limiter.Allow(ctx, "user-1"))
	assert.Equal(t, 1, store.Len("user-1", "case_generation_rate_limiter"))
}

func TestLimiter_UTCStoredTimestamps(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	limiter := newTestLimiter(t, store, "argument_rate_limiter", 1, time.Hour, clock)

	ctx := context.Background()

	// Legacy zone-less rows scan back with a UTC location; the
	// limiter treats them as UTC instants.
	created := clock.Now().UTC()
	require.NoError(t, store.Insert(ctx, Entry{
		UserID:      "user-1",
		LimiterType: "argument_rate_limiter",
		CreatedAt:   created,
		ExpiresAt:   created.Add(time.Hour),
	}))

	// The wait is exact and never negative even though the entry's
	// zone differs from the limiter's.
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, limiter.Check(ctx, "user-1"), &quotaErr)
	assert.Equal(t, time.Hour, quotaErr.RetryAfter)

	status, err := limiter.Remaining(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Remaining)
	require.NotNil(t, status.RetryAfter)
	assert.Equal(t, time.Hour, *status.RetryAfter)

	clock.Advance(time.Hour + time.Second)
	require.NoError(t, limiter.Check(ctx, "user-1"))
	assert.Equal(t, 0, store.Len("user-1", "argument_rate_limiter"))
}

func TestLimiter_QuotaExceededErrorMessage(t *testing.T) {
	err := &QuotaExceededError{
		LimiterType: "argument_rate_limiter",
		Limit:       10,
		RetryAfter:  time.Hour + 12*time.Minute + 4*time.Second,
	}

	assert.Equal(t, "too many requests, please try again in 1 hours 12 minutes 4 seconds", err.Error())
}

// failingStore returns a fixed error from every operation.
type failingStore struct {
	err error
}

func (s *failingStore) Insert(context.Context, Entry) error {
	return s.err
}

func (s *failingStore) DeleteExpired(context.Context, string, string, time.Time) (int64, error) {
	return 0, s.err
}

func (s *failingStore) List(context.Context, string, string) ([]Entry, error) {
	return nil, s.err
}

func TestLimiter_StoreErrorsPropagate(t *testing.T) {
	storeErr := errors.New("connection reset")
	clock := newFakeClock()
	limiter := newTestLimiter(t, &failingStore{err: storeErr}, "argument_rate_limiter", 3, time.Hour, clock)

	ctx := context.Background()

	// Store failures are never reinterpreted as quota errors.
	var quotaErr *QuotaExceededError

	err := limiter.Check(ctx, "user-1")
	require.ErrorIs(t, err, storeErr)
	assert.False(t, errors.As(err, &quotaErr))

	err = limiter.RegisterUsage(ctx, "user-1")
	require.ErrorIs(t, err, storeErr)

	_, err = limiter.Remaining(ctx, "user-1")
	require.ErrorIs(t, err, storeErr)
}

func TestNewLimiter_Validation(t *testing.T) {
	store := NewMemoryStore()

	_, err := NewLimiter(store, "", 1, time.Hour)
	assert.Error(t, err)

	_, err = NewLimiter(store, "argument_rate_limiter", 0, time.Hour)
	assert.Error(t, err)

	_, err = NewLimiter(store, "argument_rate_limiter", 1, 0)
	assert.Error(t, err)
}
