package executor

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/spendvault/pkg/bundler"
	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/observability"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
)

// Estimator drafts and estimates an operation. *userop.Builder implements it.
type Estimator interface {
	Estimate(ctx context.Context, signer common.Address, intent userop.Intent) (*userop.Estimate, error)
}

// Pipeline is estimate, then negotiate, then ladder.
type Pipeline struct {
	estimator Estimator
	ladder    *Ladder
	paymaster userop.PaymasterConfig
	telemetry *observability.Provider
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(est Estimator, ladder *Ladder, paymaster userop.PaymasterConfig) *Pipeline {
	return &Pipeline{
		estimator: est,
		ladder:    ladder,
		paymaster: paymaster,
		telemetry: ladder.telemetry,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// Execute runs one intent end to end. An estimate failure that is not
// signature-class is terminal before any signing happens.
func (p *Pipeline) Execute(ctx context.Context, signer common.Address, intent userop.Intent, sign SignFuncs) (res *ExecutionResult, err error) {
	ctx, finish := p.telemetry.TrackOperation(ctx, "executor.execute", observability.AttrSender.String(signer.Hex()))
	defer func() { finish(resultErr(res, err)) }()

	est, estErr := p.estimator.Estimate(ctx, signer, intent)
	if estErr != nil && fault.KindOf(estErr) != fault.KindSignatureValidation {
		kind := fault.KindOf(estErr)
		if kind == fault.KindUnknown {
			kind = fault.KindSubmissionRejected
		}
		p.logger.WarnContext(ctx, "estimation failed", "signer", signer, "kind", kind, "error", estErr)
		status := bundler.StatusFailed
		if kind == fault.KindTimeout {
			status = bundler.StatusTimeout
		}
		return &ExecutionResult{
			ID:      uuid.New(),
			Status:  status,
			Kind:    kind.String(),
			Reason:  fault.ReasonOf(estErr),
			Payment: userop.Negotiate(nil, p.paymaster),
			Trail:   []Attempt{},
		}, nil
	}

	mode := userop.Negotiate(est, p.paymaster)
	p.logger.DebugContext(ctx, "payment negotiated", "signer", signer, "mode", mode.Kind, "token", mode.Token)
	observability.AddSpanEvent(ctx, "payment.negotiated", observability.ExecutionOperation(signer.Hex(), string(mode.Kind))...)

	return p.ladder.Execute(ctx, Request{
		Signer:      signer,
		Intent:      intent,
		Sign:        sign,
		Mode:        mode,
		Estimate:    est,
		EstimateErr: estErr,
	})
}

// ExecuteFixed skips estimation and starts on the fixed-gas rungs. Used for calls
// whose simulation is known to be unreliable, such as token registration.
func (p *Pipeline) ExecuteFixed(ctx context.Context, signer common.Address, intent userop.Intent, sign SignFuncs) (res *ExecutionResult, err error) {
	ctx, finish := p.telemetry.TrackOperation(ctx, "executor.execute_fixed", observability.AttrSender.String(signer.Hex()))
	defer func() { finish(resultErr(res, err)) }()

	return p.ladder.Execute(ctx, Request{
		Signer:    signer,
		Intent:    intent,
		Sign:      sign,
		Mode:      userop.Negotiate(nil, p.paymaster),
		FixedOnly: true,
	})
}

func resultErr(res *ExecutionResult, err error) error {
	if err != nil {
		return err
	}
	if res != nil && !res.Succeeded() {
		return fault.New(fault.KindSubmissionRejected, "executor", res.Reason)
	}
	return nil
}
