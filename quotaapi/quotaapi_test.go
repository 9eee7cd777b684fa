package quotaapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtroomai/quotad/ratelimit"
	"github.com/courtroomai/quotad/timeutil"
)

func newTestHandler(t *testing.T) (*Handler, *ratelimit.MemoryStore) {
	t.Helper()

	store := ratelimit.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, timeutil.DefaultLocation())

	arguments, err := ratelimit.NewLimiter(
		store,
		"argument_rate_limiter",
		2,
		time.Hour,
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
		ratelimit.WithNowFunc(func() time.Time { return now }),
	)
	require.NoError(t, err)

	cases, err := ratelimit.NewLimiter(
		store,
		"case_generation_rate_limiter",
		1,
		time.Hour,
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
		ratelimit.WithNowFunc(func() time.Time { return now }),
	)
	require.NoError(t, err)

	return NewHandler([]*ratelimit.Limiter{arguments, cases}), store
}

func doRequest(t *testing.T, h *Handler, method, path, userID string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	return rec.Result()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()
	blob, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := map[string]any{}
	require.NoError(t, json.Unmarshal(blob, &body))

	return body
}

func TestHandler_Status(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := doRequest(t, h, "GET", "/v1/limits/argument_rate_limiter", "user-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))

	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["remaining_attempts"])
	assert.Equal(t, float64(2), body["max_attempts"])

	// seconds_until_next only appears once the quota is exhausted.
	_, present := body["seconds_until_next"]
	assert.False(t, present)
}

func TestHandler_StatusExhausted(t *testing.T) {
	h, _ := newTestHandler(t)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, h, "POST", "/v1/limits/argument_rate_limiter/acquire", "user-1")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp := doRequest(t, h, "GET", "/v1/limits/argument_rate_limiter", "user-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["remaining_attempts"])
	assert.Equal(t, float64(2), body["max_attempts"])
	assert.Equal(t, float64(3600), body["seconds_until_next"])
}

func TestHandler_Acquire(t *testing.T) {
	h, store := newTestHandler(t)

	resp := doRequest(t, h, "POST", "/v1/limits/case_generation_rate_limiter/acquire", "user-1")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, store.Len("user-1", "case_generation_rate_limiter"))

	// Over quota: 429 with a Retry-After header and a readable
	// message.
	resp = doRequest(t, h, "POST", "/v1/limits/case_generation_rate_limiter/acquire", "user-1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))

	body := decodeBody(t, resp)
	assert.Equal(t, "too_many_requests", body["error"])
	assert.Equal(t, "too many requests, please try again in 1 hours 0 minutes 0 seconds", body["message"])
	assert.Equal(t, float64(3600), body["seconds_until_next"])

	// The rejected request consumed nothing.
	assert.Equal(t, 1, store.Len("user-1", "case_generation_rate_limiter"))
}

func TestHandler_TwoPhase(t *testing.T) {
	h, store := newTestHandler(t)

	// Phase one may run any number of times without consuming
	// quota.
	for i := 0; i < 5; i++ {
		resp := doRequest(t, h, "POST", "/v1/limits/case_generation_rate_limiter/check", "user-1")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	assert.Equal(t, 0, store.Len("user-1", "case_generation_rate_limiter"))

	// Phase two records the usage.
	resp := doRequest(t, h, "POST", "/v1/limits/case_generation_rate_limiter/usages", "user-1")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, store.Len("user-1", "case_generation_rate_limiter"))

	resp = doRequest(t, h, "POST", "/v1/limits/case_generation_rate_limiter/check", "user-1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandler_LimiterIndependence(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := doRequest(t, h, "POST", "/v1/limits/case_generation_rate_limiter/acquire", "user-1")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doRequest(t, h, "POST", "/v1/limits/case_generation_rate_limiter/acquire", "user-1")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// The argument limiter still has room for the same user.
	resp = doRequest(t, h, "POST", "/v1/limits/argument_rate_limiter/acquire", "user-1")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHandler_UnknownLimiter(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := doRequest(t, h, "GET", "/v1/limits/nope", "user-1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "not_found", body["error"])
}

func TestHandler_MissingUserID(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, path := range []string{
		"/v1/limits/argument_rate_limiter",
		"/v1/limits/argument_rate_limiter/check",
		"/v1/limits/argument_rate_limiter/usages",
		"/v1/limits/argument_rate_limiter/acquire",
	} {
		method := "POST"
		if path == "/v1/limits/argument_rate_limiter" {
			method = "GET"
		}

		resp := doRequest(t, h, method, path, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)

		body := decodeBody(t, resp)
		assert.Equal(t, "bad_request", body["error"])
	}
}

func TestGuard(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	limiter, err := ratelimit.NewLimiter(
		store,
		"argument_rate_limiter",
		1,
		time.Hour,
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	called := 0
	guarded := Guard(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/arguments", nil)
	req.Header.Set(UserIDHeader, "user-1")

	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, called)

	// Second request from the same user is throttled before the
	// handler runs.
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, called)

	// Missing identity never reaches the handler either.
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest("POST", "/arguments", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, called)
}
