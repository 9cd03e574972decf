package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// Replay is a stored response served again for a repeated Idempotency-Key.
type Replay struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// IdempotencyStore persists replays. Lookup must not return entries older than
// the store's TTL. Save failures are the store's to log; the request that
// produced the response has already been answered.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*Replay, bool)
	Save(ctx context.Context, key string, rep *Replay)
}

// MemoryIdempotencyStore keeps replays in process memory.
type MemoryIdempotencyStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	replays map[string]*Replay
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{ttl: ttl, now: time.Now, replays: map[string]*Replay{}}
}

func (s *MemoryIdempotencyStore) expired(rep *Replay) bool {
	return s.now().Sub(rep.StoredAt) >= s.ttl
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*Replay, bool) {
	s.mu.RLock()
	rep, ok := s.replays[key]
	s.mu.RUnlock()
	if !ok || s.expired(rep) {
		return nil, false
	}
	return rep, true
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, rep *Replay) {
	stored := *rep
	stored.Body = bytes.Clone(rep.Body)
	stored.StoredAt = s.now()
	s.mu.Lock()
	s.replays[key] = &stored
	s.mu.Unlock()
}

// Sweep drops expired replays.
func (s *MemoryIdempotencyStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rep := range s.replays {
		if s.expired(rep) {
			delete(s.replays, k)
		}
	}
}

// teeWriter records what the handler writes while passing it through.
type teeWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (t *teeWriter) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *teeWriter) Write(b []byte) (int, error) {
	t.body.Write(b)
	return t.ResponseWriter.Write(b)
}

func (t *teeWriter) ok() bool { return t.status >= 200 && t.status < 300 }

// IdempotencyMiddleware answers a POST that repeats an earlier Idempotency-Key
// with the stored response instead of running the handler again. Keys are
// scoped to the request path. Only 2xx responses are stored, so a failed spend
// can be retried under the same key.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.URL.Path + ":" + clientKey

			if rep, ok := store.Lookup(r.Context(), key); ok {
				h := w.Header()
				for name, vals := range rep.Header {
					h[name] = append([]string(nil), vals...)
				}
				h.Set("Idempotent-Replayed", "true")
				w.WriteHeader(rep.Status)
				_, _ = w.Write(rep.Body)
				return
			}

			tee := &teeWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tee, r)
			if tee.ok() {
				store.Save(r.Context(), key, &Replay{
					Status: tee.status,
					Header: w.Header().Clone(),
					Body:   tee.body.Bytes(),
				})
			}
		})
	}
}
