package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/spendvault/pkg/bundler"
	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/observability"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
)

// OperationBuilder assembles operations for each rung. *userop.Builder implements it.
type OperationBuilder interface {
	Build(ctx context.Context, signer common.Address, intent userop.Intent, mode userop.PaymentMode, est *userop.Estimate) (*userop.UserOperation, error)
	BuildFixed(ctx context.Context, signer common.Address, intent userop.Intent, mode userop.PaymentMode) (*userop.UserOperation, error)
}

// Submitter dispatches a signed operation. *bundler.Client implements it.
type Submitter interface {
	Send(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error)
}

// Waiter blocks until an operation is terminal. *bundler.Poller implements it.
type Waiter interface {
	Wait(ctx context.Context, handle common.Hash) (*bundler.Outcome, error)
}

// Request is one ladder run.
type Request struct {
	Signer common.Address
	Intent userop.Intent
	Sign   SignFuncs
	Mode   userop.PaymentMode

	// Estimate feeds rung 1. When EstimateErr is set, rung 1 records that failure
	// instead of building; it still advances if the failure is signature-class.
	Estimate    *userop.Estimate
	EstimateErr error

	// FixedOnly starts at the first fixed-gas rung.
	FixedOnly bool
}

// Ladder walks the rungs in order, one at a time, stopping at the first success
// or at the first failure that is not a signature-validation failure.
type Ladder struct {
	builder    OperationBuilder
	submitter  Submitter
	waiter     Waiter
	entryPoint common.Address
	chainID    *big.Int
	telemetry  *observability.Provider
	logger     *slog.Logger
	now        func() time.Time
}

// NewLadder creates a Ladder. A nil telemetry provider disables metrics.
func NewLadder(b OperationBuilder, s Submitter, w Waiter, entryPoint common.Address, chainID *big.Int, telemetry *observability.Provider) *Ladder {
	if telemetry == nil {
		telemetry = observability.Nop()
	}
	return &Ladder{
		builder:    b,
		submitter:  s,
		waiter:     w,
		entryPoint: entryPoint,
		chainID:    new(big.Int).Set(chainID),
		telemetry:  telemetry,
		logger:     slog.Default().With("component", "ladder"),
		now:        time.Now,
	}
}

// rungOutcome is what one rung produced before classification.
type rungOutcome struct {
	attempt Attempt
	outcome *bundler.Outcome // nil unless the operation was submitted and waited on
	err     error
}

// Execute runs the ladder. It returns an error only when ctx ends while waiting;
// the partial result, trail included, is returned alongside so the caller can
// re-poll the handle later. Every other failure is reported in the result.
func (l *Ladder) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	res := &ExecutionResult{
		ID:        uuid.New(),
		Payment:   req.Mode,
		StartedAt: l.now(),
	}
	defer func() {
		res.CompletedAt = l.now()
		l.telemetry.RecordExecution(ctx, string(res.Status), string(res.Payment.Kind))
	}()

	rung := RungEstimated
	if req.FixedOnly {
		rung = RungFixedPrefixed
	}

	for {
		ro := l.runRung(ctx, rung, req)
		res.Trail = append(res.Trail, ro.attempt)
		if ro.attempt.Handle != (common.Hash{}) {
			res.Handle = ro.attempt.Handle
		}

		if ro.err != nil && isCancellation(ctx, ro.err) {
			res.Status = bundler.StatusTimeout
			res.Kind = fault.KindTimeout.String()
			res.Reason = "wait abandoned"
			return res, ro.err
		}

		var kind fault.Kind
		var reason string
		switch {
		case ro.err != nil:
			kind = fault.KindOf(ro.err)
			if kind == fault.KindUnknown {
				kind = fault.KindSubmissionRejected
			}
			reason = fault.ReasonOf(ro.err)
		case ro.outcome.Status == bundler.StatusSuccess:
			l.telemetry.RecordAttempt(ctx, rung.String(), "")
			res.Status = bundler.StatusSuccess
			res.TransactionHash = ro.outcome.TransactionHash
			l.logger.InfoContext(ctx, "user operation succeeded",
				"id", res.ID, "rung", rung.String(), "handle", res.Handle, "tx", res.TransactionHash, "attempts", len(res.Trail))
			return res, nil
		case ro.outcome.Status == bundler.StatusTimeout:
			kind = fault.KindTimeout
			reason = fmt.Sprintf("no terminal status after %d polls", ro.outcome.Attempts)
		default:
			kind = fault.ClassifyReason(0, ro.outcome.Reason)
			reason = ro.outcome.Reason
		}

		last := &res.Trail[len(res.Trail)-1]
		last.Kind = kind.String()
		if last.Error == "" {
			last.Error = reason
		}
		l.telemetry.RecordAttempt(ctx, rung.String(), kind.String())
		observability.AddSpanEvent(ctx, "rung.failed",
			observability.AttrRung.String(rung.String()),
			observability.AttrHandle.String(last.Handle.Hex()),
		)

		next, ok := Advance(rung, kind)
		if !ok {
			res.Kind = kind.String()
			res.Reason = reason
			res.Status = bundler.StatusFailed
			if kind == fault.KindTimeout {
				res.Status = bundler.StatusTimeout
			}
			if ro.outcome != nil {
				res.TransactionHash = ro.outcome.TransactionHash
			}
			l.logger.WarnContext(ctx, "user operation terminal failure",
				"id", res.ID, "rung", rung.String(), "kind", kind, "reason", reason, "attempts", len(res.Trail))
			return res, nil
		}

		l.logger.WarnContext(ctx, "signature rejected, escalating",
			"id", res.ID, "from", rung.String(), "to", next.String(), "reason", reason)
		rung = next
	}
}

// runRung builds, hashes, signs, submits and waits for one rung.
func (l *Ladder) runRung(ctx context.Context, rung Rung, req Request) rungOutcome {
	start := l.now()
	att := Attempt{
		Rung:     rung,
		Strategy: rung.String(),
		Method:   rung.Method(),
		Gas:      rung.Gas(),
	}
	finish := func(out *bundler.Outcome, err error) rungOutcome {
		att.Duration = l.now().Sub(start).String()
		if err != nil {
			att.Error = fault.ReasonOf(err)
		}
		return rungOutcome{attempt: att, outcome: out, err: err}
	}

	var (
		op  *userop.UserOperation
		err error
	)
	if rung.Gas() == GasEstimated {
		if req.EstimateErr != nil {
			return finish(nil, req.EstimateErr)
		}
		op, err = l.builder.Build(ctx, req.Signer, req.Intent, req.Mode, req.Estimate)
	} else {
		op, err = l.builder.BuildFixed(ctx, req.Signer, req.Intent, req.Mode)
	}
	if err != nil {
		return finish(nil, err)
	}

	hash, err := userop.Hash(op, l.entryPoint, l.chainID)
	if err != nil {
		return finish(nil, err)
	}
	att.Hash = hash

	sign := req.Sign.For(rung.Method())
	if sign == nil {
		return finish(nil, fault.New(fault.KindSubmissionRejected, "executor.sign", fmt.Sprintf("no %s signer", rung.Method())))
	}
	sig, err := sign(ctx, hash)
	if err != nil {
		return finish(nil, fmt.Errorf("sign %s: %w", rung.Method(), err))
	}
	op.Signature = sig
	att.Signature = truncateSignature(sig)

	handle, err := l.submitter.Send(ctx, op, l.entryPoint)
	if err != nil {
		return finish(nil, err)
	}
	att.Handle = handle
	l.logger.DebugContext(ctx, "user operation submitted", "rung", rung.String(), "handle", handle)

	out, err := l.waiter.Wait(ctx, handle)
	if err != nil {
		return finish(nil, err)
	}
	return finish(out, nil)
}

// isCancellation reports whether err is the caller abandoning the run, as opposed
// to an I/O deadline classified at the boundary.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
