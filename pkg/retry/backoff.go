// Package retry computes bounded exponential backoff with deterministic jitter.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// BackoffParams identify one attempt. The same params always produce the same delay.
type BackoffParams struct {
	Scope        string // e.g. "bundler.poll"
	Key          string // operation handle or other stable key
	AttemptIndex int
}

// BackoffPolicy bounds the schedule.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// maxShift caps the exponent so base<<shift cannot overflow.
const maxShift = 30

// ComputeBackoff returns the delay before the given attempt: BaseMs doubled
// per attempt and capped at MaxMs, plus deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	shift := min(max(params.AttemptIndex, 0), maxShift)
	ms := policy.BaseMs << shift
	if policy.MaxMs > 0 {
		ms = min(ms, policy.MaxMs)
	}
	ms += ComputeDeterministicJitter(params, policy)
	return time.Duration(ms) * time.Millisecond
}

// ComputeDeterministicJitter maps the params to [0, MaxJitterMs). Equal params
// give equal jitter.
func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	h := sha256.New()
	h.Write([]byte(params.Scope))
	h.Write([]byte{0})
	h.Write([]byte(params.Key))
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(params.AttemptIndex))) //nolint:gosec // attempt counts are small
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule returns the delay before each attempt. Attempt 0 runs immediately;
// attempt i waits ComputeBackoff with AttemptIndex i-1, so the first retry
// waits BaseMs.
func Schedule(params BackoffParams, policy BackoffPolicy) []time.Duration {
	if policy.MaxAttempts <= 0 {
		return nil
	}
	delays := make([]time.Duration, policy.MaxAttempts)
	for i := 1; i < policy.MaxAttempts; i++ {
		p := params
		p.AttemptIndex = i - 1
		delays[i] = ComputeBackoff(p, policy)
	}
	return delays
}

// Total sums a schedule, which is the longest a caller waits before giving up.
func Total(delays []time.Duration) (total time.Duration) {
	for _, d := range delays {
		total += d
	}
	return total
}
