package executor

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/spendvault/pkg/observability"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// AccountResolver maps a signer to its smart account. *userop.Builder implements it.
type AccountResolver interface {
	Sender(ctx context.Context, signer common.Address) (common.Address, error)
}

// Operator submits the owner's vault administration calls and the smart
// account's own token calls. Every call goes through the pipeline, so each one
// gets payment negotiation and the signing ladder.
type Operator struct {
	pipeline *Pipeline
	accounts AccountResolver
	signer   common.Address
	sign     SignFuncs
}

func NewOperator(p *Pipeline, accounts AccountResolver, signer common.Address, sign SignFuncs) *Operator {
	return &Operator{pipeline: p, accounts: accounts, signer: signer, sign: sign}
}

// Signer returns the owner address whose smart account submits the calls.
func (o *Operator) Signer() common.Address { return o.signer }

// Authorize calls setExecutor(executor, allowed) on the vault.
func (o *Operator) Authorize(ctx context.Context, vaultHex, executorHex string, allowed bool) (*ExecutionResult, error) {
	target, err := vault.ParseAddress(vaultHex)
	if err != nil {
		return nil, err
	}
	executor, err := vault.ParseAddress(executorHex)
	if err != nil {
		return nil, err
	}
	data, err := vault.EncodeSetExecutor(executor, allowed)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, "executor.authorize", target, data, false)
}

// Configure replaces the vault's spending rules.
func (o *Operator) Configure(ctx context.Context, vaultHex string, rules []vault.SpendingRule) (*ExecutionResult, error) {
	target, err := vault.ParseAddress(vaultHex)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, errors.New("configure: at least one rule is required")
	}
	data, err := vault.EncodeConfigureSpendingRules(rules)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, "executor.configure", target, data, false)
}

// Withdraw moves amount of token out of the vault to recipient.
func (o *Operator) Withdraw(ctx context.Context, vaultHex, tokenHex string, amount *big.Int, recipientHex string) (*ExecutionResult, error) {
	target, err := vault.ParseAddress(vaultHex)
	if err != nil {
		return nil, err
	}
	token, err := vault.ParseAddress(tokenHex)
	if err != nil {
		return nil, err
	}
	recipient, err := vault.ParseAddress(recipientHex)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("withdraw: amount must be positive")
	}
	data, err := vault.EncodeWithdraw(token, amount, recipient)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, "executor.withdraw", target, data, false)
}

// Approve sets the smart account's ERC-20 allowance for spender. A nil amount
// approves vault.MaxApproval.
func (o *Operator) Approve(ctx context.Context, tokenHex, spenderHex string, amount *big.Int) (*ExecutionResult, error) {
	token, err := vault.ParseAddress(tokenHex)
	if err != nil {
		return nil, err
	}
	spender, err := vault.ParseAddress(spenderHex)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		amount = vault.MaxApproval
	}
	if amount.Sign() < 0 {
		return nil, errors.New("approve: amount must not be negative")
	}
	data, err := vault.EncodeApprove(spender, amount)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, "executor.approve", token, data, false)
}

// Transfer sends amount of token from the smart account to recipient.
func (o *Operator) Transfer(ctx context.Context, tokenHex, recipientHex string, amount *big.Int) (*ExecutionResult, error) {
	token, err := vault.ParseAddress(tokenHex)
	if err != nil {
		return nil, err
	}
	recipient, err := vault.ParseAddress(recipientHex)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("transfer: amount must be positive")
	}
	data, err := vault.EncodeTransfer(recipient, amount)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, "executor.transfer", token, data, false)
}

// RegisterToken calls addSupportedToken(token) on the smart account itself.
// Its simulation is unreliable, so it starts on the fixed-gas rungs.
func (o *Operator) RegisterToken(ctx context.Context, tokenHex string) (*ExecutionResult, error) {
	token, err := vault.ParseAddress(tokenHex)
	if err != nil {
		return nil, err
	}
	account, err := o.accounts.Sender(ctx, o.signer)
	if err != nil {
		return nil, err
	}
	data, err := vault.EncodeAddSupportedToken(token)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, "executor.register_token", account, data, true)
}

func (o *Operator) run(ctx context.Context, op string, target common.Address, data []byte, fixed bool) (res *ExecutionResult, err error) {
	ctx, finish := o.pipeline.telemetry.TrackOperation(ctx, op,
		observability.AttrSender.String(o.signer.Hex()),
		observability.AttrTarget.String(target.Hex()),
	)
	defer func() { finish(err) }()

	intent := userop.Intent{Target: target, Value: new(big.Int), CallData: data}
	if fixed {
		return o.pipeline.ExecuteFixed(ctx, o.signer, intent, o.sign)
	}
	return o.pipeline.Execute(ctx, o.signer, intent, o.sign)
}
