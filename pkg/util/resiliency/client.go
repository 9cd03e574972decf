// Package resiliency wraps outbound HTTP calls with bounded retries and a
// circuit breaker.
package resiliency

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Mindburn-Labs/spendvault/pkg/retry"
)

// BreakerOpenError is returned without sending while the breaker is open.
type BreakerOpenError struct{ Name string }

func (e *BreakerOpenError) Error() string { return fmt.Sprintf("circuit breaker open for %s", e.Name) }

// Client sends idempotent, bodiless requests. Transport errors and 5xx
// responses are retried with jittered backoff; anything below 500 is handed
// back unchanged. Trace context is injected into every request.
type Client struct {
	http    *http.Client
	retries int
	policy  retry.BackoffPolicy
	breaker *CircuitBreaker
}

// NewClient builds a client whose attempts are each bounded by timeout.
func NewClient(name string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		retries: 2,
		policy:  retry.BackoffPolicy{BaseMs: 200, MaxMs: 2000, MaxJitterMs: 100},
		breaker: NewCircuitBreaker(name, 5, 30*time.Second),
	}
}

// WithRetries sets how many attempts follow the first one, and their pacing.
func (c *Client) WithRetries(n int, policy retry.BackoffPolicy) *Client {
	c.retries = n
	c.policy = policy
	return c
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !c.breaker.Allow() {
		return nil, &BreakerOpenError{Name: c.breaker.name}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	params := retry.BackoffParams{Scope: c.breaker.name, Key: req.URL.String()}
	for attempt := 0; ; attempt++ {
		resp, err := c.http.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			c.breaker.Success()
			return resp, nil
		}

		last := attempt >= c.retries || ctx.Err() != nil
		if last {
			c.breaker.Failure()
			// the final 5xx is returned so the caller can read it
			return resp, err
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		params.AttemptIndex = attempt
		if werr := wait(ctx, retry.ComputeBackoff(params, c.policy)); werr != nil {
			c.breaker.Failure()
			return nil, werr
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after threshold consecutive failures. Once cooldown has
// passed it lets a single probe through; the probe's outcome closes or reopens
// it.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = HalfOpen
		cb.probing = true
		return true
	case HalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.failures = 0
	cb.probing = false
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.probing = false
	if cb.state == HalfOpen || cb.failures >= cb.threshold {
		cb.state = Open
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
