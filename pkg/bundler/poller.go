package bundler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/spendvault/pkg/retry"
)

// Status is the terminal state of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Outcome is what a poll observed.
type Outcome struct {
	Status          Status      `json:"status"`
	Handle          common.Hash `json:"userOpHash"`
	TransactionHash common.Hash `json:"transactionHash,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	Attempts        int         `json:"attempts"`
}

// ReceiptSource is satisfied by *Client.
type ReceiptSource interface {
	Receipt(ctx context.Context, handle common.Hash) (*Receipt, error)
}

// DefaultPollPolicy polls for roughly five minutes before reporting a timeout.
var DefaultPollPolicy = retry.BackoffPolicy{
	BaseMs:      1000,
	MaxMs:       5000,
	MaxJitterMs: 250,
	MaxAttempts: 60,
}

// Poller waits for an operation to reach a terminal state.
type Poller struct {
	source ReceiptSource
	policy retry.BackoffPolicy
	logger *slog.Logger
}

// NewPoller creates a Poller. A zero policy uses DefaultPollPolicy.
func NewPoller(source ReceiptSource, policy retry.BackoffPolicy) *Poller {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPollPolicy
	}
	return &Poller{
		source: source,
		policy: policy,
		logger: slog.Default().With("component", "poller"),
	}
}

// Wait polls handle until success, failure or the attempt bound. Exhausting the
// bound yields StatusTimeout, not an error: the operation may still land, and a
// later Wait with the same handle is safe. If ctx ends first, ctx.Err() is returned.
func (p *Poller) Wait(ctx context.Context, handle common.Hash) (*Outcome, error) {
	delays := retry.Schedule(retry.BackoffParams{Scope: "bundler.poll", Key: handle.Hex()}, p.policy)
	p.logger.DebugContext(ctx, "polling operation", "handle", handle, "attempts", len(delays), "max_wait", retry.Total(delays))

	for attempt, delay := range delays {
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}

		receipt, err := p.source.Receipt(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.WarnContext(ctx, "receipt poll failed", "handle", handle, "attempt", attempt, "error", err)
			continue
		}
		if receipt == nil {
			p.logger.DebugContext(ctx, "operation pending", "handle", handle, "attempt", attempt)
			continue
		}

		out := &Outcome{
			Handle:          handle,
			TransactionHash: receipt.TransactionHash,
			Attempts:        attempt + 1,
		}
		if receipt.Success {
			out.Status = StatusSuccess
		} else {
			out.Status = StatusFailed
			out.Reason = receipt.Reason
			if out.Reason == "" {
				out.Reason = "execution reverted"
			}
		}
		return out, nil
	}

	p.logger.WarnContext(ctx, "operation not terminal within poll bound", "handle", handle, "attempts", p.policy.MaxAttempts)
	return &Outcome{Status: StatusTimeout, Handle: handle, Attempts: p.policy.MaxAttempts}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
