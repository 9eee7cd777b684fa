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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/courtroomai/quotad/internal/version"
	"github.com/courtroomai/quotad/log"
	"github.com/courtroomai/quotad/timeutil"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter throttles one class of guarded operations: at most
	// Requests accepted calls per user within a sliding Window.
	// Construct one instance per operation class; instances sharing
	// a Store stay independent through their limiter type tag.
	Limiter struct {
		store       Store
		limiterType string
		requests    int
		window      time.Duration
		location    *time.Location

		nowFn func() time.Time

		logger *log.Logger
		tracer trace.Tracer

		requestsTotal *prometheus.CounterVec
		checkDuration *prometheus.HistogramVec
		entriesPurged *prometheus.CounterVec
	}

	// Status reports the outcome of a remaining-quota query.
	Status struct {
		// Remaining is the number of requests the user may
		// still make, never negative.
		Remaining int

		// Limit is the configured quota.
		Limit int

		// RetryAfter is the time until the oldest entry ages
		// out and one slot opens. Set only when Remaining is
		// zero.
		RetryAfter *time.Duration
	}

	// QuotaExceededError reports that a user is over quota. It is
	// always recoverable: the caller waits RetryAfter and retries.
	QuotaExceededError struct {
		LimiterType string
		Limit       int
		RetryAfter  time.Duration
	}
)

const (
	tracerName = "github.com/courtroomai/quotad/ratelimit"
)

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf(
		"too many requests, please try again in %s",
		timeutil.FormatDuration(e.RetryAfter),
	)
}

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithLocation sets the application time zone used for all timestamp
// arithmetic and persisted entry times. Default is
// [timeutil.DefaultZone].
func WithLocation(loc *time.Location) Option {
	return func(l *Limiter) {
		l.location = loc
	}
}

// WithNowFunc replaces the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Limiter) {
		l.nowFn = now
	}
}

// NewLimiter creates a limiter admitting at most requests accepted
// calls per user within window, persisting entries in store under
// limiterType.
func NewLimiter(
	store Store,
	limiterType string,
	requests int,
	window time.Duration,
	options ...Option,
) (*Limiter, error) {
	if limiterType == "" {
		return nil, fmt.Errorf("limiter type cannot be empty")
	}
	if requests < 1 {
		return nil, fmt.Errorf("requests must be positive, got %d", requests)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}

	l := &Limiter{
		store:       store,
		limiterType: limiterType,
		requests:    requests,
		window:      window,
		location:    timeutil.DefaultLocation(),
		nowFn:       time.Now,
		logger:      log.NewLogger(log.WithOutput(io.Discard)),
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	return l, nil
}

// LimiterType returns the tag partitioning this instance's entries.
func (l *Limiter) LimiterType() string {
	return l.limiterType
}

// Requests returns the configured quota.
func (l *Limiter) Requests() int {
	return l.requests
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{"limiter", "allowed"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"limiter", "allowed"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	l.entriesPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "entries_purged_total",
			Help:      "Total number of expired entries purged on access.",
		},
		[]string{"limiter"},
	)
	if err := r.Register(l.entriesPurged); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.entriesPurged = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

func (l *Limiter) now() time.Time {
	return timeutil.Normalize(l.nowFn(), l.location)
}

// purgeThenList deletes expired entries for (userID, l.limiterType)
// and returns the survivors. Runs on every read and write path, so a
// logically expired entry can never be counted.
func (l *Limiter) purgeThenList(ctx context.Context, userID string, now time.Time) ([]Entry, error) {
	purged, err := l.store.DeleteExpired(ctx, userID, l.limiterType, now)
	if err != nil {
		return nil, fmt.Errorf("cannot purge expired entries: %w", err)
	}
	if purged > 0 {
		l.entriesPurged.WithLabelValues(l.limiterType).Add(float64(purged))
	}

	entries, err := l.store.List(ctx, userID, l.limiterType)
	if err != nil {
		return nil, fmt.Errorf("cannot list entries: %w", err)
	}

	// The purge and the list are separate store operations, so an
	// entry can expire between them; both sides are normalized to
	// the application zone before comparing.
	live := entries[:0]
	for _, e := range entries {
		if timeutil.Normalize(e.ExpiresAt, l.location).After(now) {
			live = append(live, e)
		}
	}

	return live, nil
}

// retryAfter returns the time from now until the oldest entry's
// expiration, i.e. when the window next admits a request. This is the
// sliding-window rule: one slot opens as soon as the single oldest
// entry ages out, not when all of them do.
func (l *Limiter) retryAfter(entries []Entry, now time.Time) time.Duration {
	oldest := timeutil.Normalize(entries[0].ExpiresAt, l.location)
	for _, e := range entries[1:] {
		if exp := timeutil.Normalize(e.ExpiresAt, l.location); exp.Before(oldest) {
			oldest = exp
		}
	}

	return oldest.Sub(now)
}

// Check evaluates the quota for userID without consuming it. It
// returns a *QuotaExceededError when the user is at or over quota, and
// writes nothing in any case. Pair with RegisterUsage once the guarded
// operation has definitively succeeded.
func (l *Limiter) Check(ctx context.Context, userID string) error {
	start := time.Now()

	ctx, span := l.startSpan(ctx, "ratelimit.Check", userID)
	defer span.End()

	now := l.now()
	entries, err := l.purgeThenList(ctx, userID, now)
	if err != nil {
		l.recordSpanError(span, err)
		return err
	}

	if len(entries) >= l.requests {
		err := &QuotaExceededError{
			LimiterType: l.limiterType,
			Limit:       l.requests,
			RetryAfter:  l.retryAfter(entries, now),
		}

		span.SetAttributes(attribute.Bool("ratelimit.allowed", false))
		l.recordMetrics(false, time.Since(start))

		return err
	}

	span.SetAttributes(attribute.Bool("ratelimit.allowed", true))
	l.recordMetrics(true, time.Since(start))

	return nil
}

// RegisterUsage unconditionally records one accepted request for
// userID, expiring one window from now. Call it only after the guarded
// operation has succeeded; calling Check alone never consumes quota.
func (l *Limiter) RegisterUsage(ctx context.Context, userID string) error {
	ctx, span := l.startSpan(ctx, "ratelimit.RegisterUsage", userID)
	defer span.End()

	now := l.now()
	entry := Entry{
		UserID:      userID,
		LimiterType: l.limiterType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.window),
	}

	if err := l.store.Insert(ctx, entry); err != nil {
		err = fmt.Errorf("cannot insert entry: %w", err)
		l.recordSpanError(span, err)
		return err
	}

	l.logger.DebugCtx(ctx, "usage registered",
		log.String("limiter", l.limiterType),
		log.String("user_id", userID),
		log.Time("expires_at", entry.ExpiresAt),
	)

	return nil
}

// Allow performs purge, count, quota check, and insert as one logical
// sequence: the single-call convention for operations whose quota
// accounting does not need to survive a downstream failure. Between
// the count and the insert a concurrent request from the same user may
// also pass; the quota is enforced optimistically, not serialized.
func (l *Limiter) Allow(ctx context.Context, userID string) error {
	ctx, span := l.startSpan(ctx, "ratelimit.Allow", userID)
	defer span.End()

	if err := l.Check(ctx, userID); err != nil {
		return err
	}

	return l.RegisterUsage(ctx, userID)
}

// Remaining reports how many requests userID may still make, and, when
// none remain, the time until the next slot opens.
func (l *Limiter) Remaining(ctx context.Context, userID string) (Status, error) {
	ctx, span := l.startSpan(ctx, "ratelimit.Remaining", userID)
	defer span.End()

	now := l.now()
	entries, err := l.purgeThenList(ctx, userID, now)
	if err != nil {
		l.recordSpanError(span, err)
		return Status{}, err
	}

	status := Status{
		Remaining: max(0, l.requests-len(entries)),
		Limit:     l.requests,
	}

	if status.Remaining == 0 {
		wait := l.retryAfter(entries, now)
		status.RetryAfter = &wait
	}

	span.SetAttributes(attribute.Int("ratelimit.remaining", status.Remaining))

	return status, nil
}

func (l *Limiter) startSpan(ctx context.Context, name, userID string) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, trace.SpanFromContext(ctx)
	}

	return l.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("ratelimit.limiter", l.limiterType),
			attribute.String("ratelimit.user_id", userID),
			attribute.Int("ratelimit.limit", l.requests),
			attribute.Int64("ratelimit.window_ms", l.window.Milliseconds()),
		),
	)
}

func (l *Limiter) recordSpanError(span trace.Span, err error) {
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (l *Limiter) recordMetrics(allowed bool, duration time.Duration) {
	allowedStr := "true"
	if !allowed {
		allowedStr = "false"
	}

	l.requestsTotal.WithLabelValues(l.limiterType, allowedStr).Inc()
	l.checkDuration.WithLabelValues(l.limiterType, allowedStr).Observe(duration.Seconds())
}
