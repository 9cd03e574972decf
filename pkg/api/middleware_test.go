package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLimiter(t *testing.T) {
	limiter := NewClientLimiter(1, 2)
	defer limiter.Close()
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	hit := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1:4000").Code)
	assert.Equal(t, http.StatusOK, hit("10.0.0.1:4001").Code)

	limited := hit("10.0.0.1:4002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "5", limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, hit("10.0.0.2:4000").Code, "buckets are per IP")

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, hit("10.0.0.1:4003").Code, "bucket refills")
}

func TestClientIP(t *testing.T) {
	for remote, want := range map[string]string{
		"10.0.0.1:80": "10.0.0.1",
		"[::1]:8080":  "::1",
		"[fe80::1]":   "fe80::1",
		"unix-socket": "unix-socket",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		assert.Equal(t, want, clientIP(req), remote)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-id")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "client-id", seen)
	assert.Equal(t, "client-id", w.Header().Get("X-Request-ID"))
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := CORSMiddleware([]string{"https://app.example"})(next)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/healthz", nil)
		req.Header.Set("Origin", "https://app.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/healthz", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/vault/execute", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestIdempotencyMiddleware(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Hour)
	calls := 0
	h := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("X-Fail") != "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"n":1}`))
	}))

	send := func(key, fail string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/vault/execute", nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		if fail != "" {
			req.Header.Set("X-Fail", fail)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := send("k1", "")
	second := send("k1", "")
	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	send("", "")
	send("", "")
	assert.Equal(t, 3, calls, "requests without a key are never replayed")

	send("k2", "yes")
	send("k2", "yes")
	assert.Equal(t, 5, calls, "failures are not cached")
}

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	body := []byte(`{"ok":true}`)
	store.Save(ctx, "k", &Replay{Status: 200, Header: http.Header{}, Body: body})
	body[0] = 'X'

	rep, ok := store.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, `{"ok":true}`, string(rep.Body), "stored body is a copy")
	assert.Equal(t, now, rep.StoredAt)

	now = now.Add(2 * time.Minute)
	_, ok = store.Lookup(ctx, "k")
	assert.False(t, ok, "expired replays are not served")

	store.Sweep()
	assert.Empty(t, store.replays)
}
