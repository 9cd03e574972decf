package executor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/spendvault/pkg/budget"
	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/observability"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// Preflight decides whether a spend may proceed. *budget.Enforcer implements it.
type Preflight interface {
	Check(ctx context.Context, vaultHex string, amount *big.Int, recipientHex string) (*budget.Decision, error)
}

// SpendResult pairs the pre-flight decision with the execution it allowed.
type SpendResult struct {
	Decision  *budget.Decision `json:"decision"`
	Execution *ExecutionResult `json:"execution,omitempty"`
}

// Spender runs executeSpend(amount, recipient) on a vault through the pipeline,
// after the pre-flight check allows it.
type Spender struct {
	pipeline  *Pipeline
	preflight Preflight
	signer    common.Address
	sign      SignFuncs
}

func NewSpender(p *Pipeline, preflight Preflight, signer common.Address, sign SignFuncs) *Spender {
	return &Spender{pipeline: p, preflight: preflight, signer: signer, sign: sign}
}

// Signer returns the owner address whose smart account submits the spend.
func (s *Spender) Signer() common.Address { return s.signer }

// Spend checks, then executes. A denial returns the decision with a
// KindPolicyRejected error and nothing is submitted.
func (s *Spender) Spend(ctx context.Context, vaultHex, recipientHex string, amount *big.Int) (_ *SpendResult, err error) {
	ctx, finish := s.pipeline.telemetry.TrackOperation(ctx, "executor.spend",
		observability.AttrVault.String(vaultHex),
		observability.AttrRecipient.String(recipientHex),
	)
	defer func() { finish(err) }()

	decision, err := s.preflight.Check(ctx, vaultHex, amount, recipientHex)
	if err != nil {
		return &SpendResult{Decision: decision}, err
	}
	if !decision.Allowed {
		return &SpendResult{Decision: decision}, fault.New(fault.KindPolicyRejected, "executor.spend", decision.Reason)
	}

	vaultAddr, err := vault.ParseAddress(vaultHex)
	if err != nil {
		return nil, err
	}
	recipient, err := vault.ParseAddress(recipientHex)
	if err != nil {
		return nil, err
	}
	data, err := vault.EncodeExecuteSpend(amount, recipient)
	if err != nil {
		return nil, err
	}

	res, err := s.pipeline.Execute(ctx, s.signer, userop.Intent{Target: vaultAddr, Value: new(big.Int), CallData: data}, s.sign)
	return &SpendResult{Decision: decision, Execution: res}, err
}
