package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtroomai/quotad/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// setupTracerProvider creates a tracer provider with a span recorder for testing
func setupTracerProvider() (trace.TracerProvider, *tracetest.SpanRecorder) {
	spanRecorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(spanRecorder),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tracerProvider, spanRecorder
}

func TestHTTPServer_BasicOperation(t *testing.T) {
	tracerProvider, spanRecorder := setupTracerProvider()
	defer func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}()

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	registry := prometheus.NewRegistry()

	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(registry),
		WithTracerProvider(tracerProvider),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, string(body))

	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "http_request_method")
	assert.Contains(t, logOutput, "/test")
	assert.Contains(t, logOutput, "test-agent")
	assert.Contains(t, logOutput, "200")

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	assert.Greater(t, len(metricFamilies), 0)

	// Give the span processor a moment to flush.
	time.Sleep(50 * time.Millisecond)

	spans := spanRecorder.Ended()
	if len(spans) > 0 {
		t.Log("Spans recorded:", len(spans))
	} else {
		t.Log("No spans were recorded, but continuing with the test")
	}
}

// mockPanicHandler is a handler that always panics
type mockPanicHandler struct{}

func (h *mockPanicHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	panic("test panic")
}

func TestHTTPServer_PanicHandling(t *testing.T) {
	tracerProvider, _ := setupTracerProvider()
	defer func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}()

	panicHandler := &mockPanicHandler{}

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	registry := prometheus.NewRegistry()

	server := NewServer(":8080", panicHandler,
		WithLogger(logger),
		WithRegisterer(registry),
		WithTracerProvider(tracerProvider),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var respBody map[string]string
	err = json.Unmarshal(body, &respBody)
	require.NoError(t, err)
	assert.Equal(t, "internal error", respBody["error"])

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "/panic")
	assert.Contains(t, logOutput, "500")
	assert.Contains(t, logOutput, "test panic")
	assert.Contains(t, logOutput, "stacktrace")

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	assert.Greater(t, len(metricFamilies), 0)

	// The panic never takes the server down.
	assert.NotPanics(t, func() {
		resp, err := http.Get(ts.URL + "/panic")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestHTTPServer_Propagation(t *testing.T) {
	var requestHeaders http.Header
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	tracerProvider, _ := setupTracerProvider()
	defer func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}()

	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(tracerProvider),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/test", nil)
	require.NoError(t, err)

	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01",
		requestHeaders.Get("traceparent"))
}

func TestHTTPServer_Metrics(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fast":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		case "/slow":
			time.Sleep(50 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","data":"` + strings.Repeat("x", 1000) + `"}`))
		case "/error":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"bad request"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	registry := prometheus.NewRegistry()

	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(registry),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	paths := []string{"/fast", "/slow", "/error", "/notfound"}
	for _, path := range paths {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	foundMetrics := false
	for _, mf := range metricFamilies {
		if strings.Contains(*mf.Name, "http_server_") {
			foundMetrics = true
			break
		}
	}

	assert.True(t, foundMetrics, "HTTP server metrics should exist")
}

func TestHTTPServer_Logging(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/error" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Custom-Header", "test-value")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	server := NewServer(":8080", testHandler,
		WithLogger(logger),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/error")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	logOutput := logBuf.String()

	assert.Contains(t, logOutput, "/test")
	assert.Contains(t, logOutput, "200")
	assert.Contains(t, logOutput, "/error")
	assert.Contains(t, logOutput, "500")
}

// Dedicated registry for the health endpoint test to avoid duplicate
// metrics registration.
var healthRegistry = prometheus.NewRegistry()

func TestHTTPServer_Health(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called for health endpoint")
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(healthRegistry),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))

	logOutput := logBuf.String()
	assert.NotContains(t, logOutput, "/health")
}
