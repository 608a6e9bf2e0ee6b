package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := applyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), requestIDMiddleware, loggingMiddleware(logger))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/bundle", nil))

	out := buf.String()
	assert.Contains(t, out, `"path":"/api/v1/bundle"`)
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"request_id":"`)
	assert.NotContains(t, out, `"request_id":""`)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := recoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestReadyMiddleware(t *testing.T) {
	ready := false
	h := readyMiddleware(func() bool { return ready })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiter_TokenRefill(t *testing.T) {
	rl := newRateLimiter(2)
	defer rl.Stop()

	now := time.Now()
	assert.True(t, rl.allow("10.0.0.1", now))
	assert.True(t, rl.allow("10.0.0.1", now), "burst equals the per-minute limit")
	assert.False(t, rl.allow("10.0.0.1", now))
	assert.True(t, rl.allow("10.0.0.2", now), "limits are per client")

	ok, wait := rl.reserve("10.0.0.1", now)
	assert.False(t, ok)
	assert.InDelta(t, float64(30*time.Second), float64(wait), float64(time.Millisecond))

	later := now.Add(31 * time.Second)
	assert.True(t, rl.allow("10.0.0.1", later), "one token refills every 30s")
	assert.False(t, rl.allow("10.0.0.1", later))
}

func TestRateLimiter_RejectedRequestsDoNotConsume(t *testing.T) {
	rl := newRateLimiter(1)
	defer rl.Stop()

	now := time.Now()
	assert.True(t, rl.allow("c", now))
	for i := 0; i < 5; i++ {
		assert.False(t, rl.allow("c", now))
	}
	assert.True(t, rl.allow("c", now.Add(61*time.Second)))
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	rl := newRateLimiter(1)
	defer rl.Stop()

	now := time.Now()
	rl.allow("idle", now)
	rl.allow("busy", now.Add(50*time.Second))
	rl.evictIdle(now.Add(70 * time.Second))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "idle")
	assert.Contains(t, rl.clients, "busy")
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := newRateLimiter(10)
	rl.Stop()
	rl.Stop()
}
