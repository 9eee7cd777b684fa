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

// Package quotaapi exposes the rate limiters over HTTP to the rest of
// the courtroom backend.
//
// The throttled principal arrives as the X-User-Id header, set by the
// authenticating gateway in front of this service. Quota-exceeded
// outcomes become 429 responses carrying a human-readable wait
// duration and a Retry-After header; store failures surface as 500s.
package quotaapi

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/courtroomai/quotad/httpserver"
	"github.com/courtroomai/quotad/log"
	"github.com/courtroomai/quotad/ratelimit"
)

type (
	// Option configures the Handler during initialization.
	Option func(h *Handler)

	// Handler serves the quota API for a fixed set of limiter
	// instances, keyed by limiter type.
	Handler struct {
		limiters map[string]*ratelimit.Limiter
		logger   *log.Logger
	}

	statusResponse struct {
		RemainingAttempts int      `json:"remaining_attempts"`
		MaxAttempts       int      `json:"max_attempts"`
		SecondsUntilNext  *float64 `json:"seconds_until_next,omitempty"`
	}

	quotaExceededResponse struct {
		Error            string  `json:"error"`
		Message          string  `json:"message"`
		SecondsUntilNext float64 `json:"seconds_until_next"`
	}
)

const (
	// UserIDHeader carries the identifier of the throttled
	// principal.
	UserIDHeader = "X-User-Id"
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(h *Handler) {
		h.logger = l.Named("quotaapi")
	}
}

// NewHandler creates a Handler for the given limiter instances.
func NewHandler(limiters []*ratelimit.Limiter, options ...Option) *Handler {
	h := &Handler{
		limiters: make(map[string]*ratelimit.Limiter, len(limiters)),
		logger:   log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, l := range limiters {
		h.limiters[l.LimiterType()] = l
	}

	for _, o := range options {
		o(h)
	}

	return h
}

// Router returns the HTTP routes of the quota API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1/limits/{limiter}", func(r chi.Router) {
		r.Get("/", h.handleStatus)
		r.Post("/check", h.handleCheck)
		r.Post("/usages", h.handleRegisterUsage)
		r.Post("/acquire", h.handleAcquire)
	})

	return r
}

// Guard wraps next so it only runs when the user is under quota,
// consuming one slot per admitted request. Used when a guarded
// operation is mounted in the same process as the limiter.
func Guard(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(UserIDHeader)
			if userID == "" {
				httpserver.RenderError(
					w,
					http.StatusBadRequest,
					fmt.Errorf("missing %s header", UserIDHeader),
				)
				return
			}

			if err := l.Allow(r.Context(), userID); err != nil {
				renderLimiterError(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// resolve extracts the limiter and user from the request, rendering
// the error response itself when either is missing.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*ratelimit.Limiter, string, bool) {
	name := chi.URLParam(r, "limiter")
	limiter, ok := h.limiters[name]
	if !ok {
		httpserver.RenderError(
			w,
			http.StatusNotFound,
			fmt.Errorf("unknown limiter %q", name),
		)
		return nil, "", false
	}

	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		httpserver.RenderError(
			w,
			http.StatusBadRequest,
			fmt.Errorf("missing %s header", UserIDHeader),
		)
		return nil, "", false
	}

	return limiter, userID, true
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	limiter, userID, ok := h.resolve(w, r)
	if !ok {
		return
	}

	status, err := limiter.Remaining(r.Context(), userID)
	if err != nil {
		h.logger.ErrorCtx(r.Context(), "cannot query remaining quota", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, err)
		return
	}

	response := statusResponse{
		RemainingAttempts: status.Remaining,
		MaxAttempts:       status.Limit,
	}
	if status.RetryAfter != nil {
		seconds := status.RetryAfter.Seconds()
		response.SecondsUntilNext = &seconds
	}

	httpserver.RenderJSON(w, http.StatusOK, response)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	limiter, userID, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := limiter.Check(r.Context(), userID); err != nil {
		renderLimiterError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegisterUsage(w http.ResponseWriter, r *http.Request) {
	limiter, userID, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := limiter.RegisterUsage(r.Context(), userID); err != nil {
		httpserver.RenderError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	limiter, userID, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := limiter.Allow(r.Context(), userID); err != nil {
		renderLimiterError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// renderLimiterError turns a *QuotaExceededError into a 429 with a
// Retry-After header; anything else is an infrastructure failure and
// propagates as a 500.
func renderLimiterError(w http.ResponseWriter, err error) {
	var quotaErr *ratelimit.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		httpserver.RenderError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set(
		"Retry-After",
		fmt.Sprintf("%d", int64(math.Ceil(quotaErr.RetryAfter.Seconds()))),
	)

	httpserver.RenderJSON(
		w,
		http.StatusTooManyRequests,
		quotaExceededResponse{
			Error:            "too_many_requests",
			Message:          quotaErr.Error(),
			SecondsUntilNext: quotaErr.RetryAfter.Seconds(),
		},
	)
}
