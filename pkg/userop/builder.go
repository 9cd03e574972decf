package userop

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Mindburn-Labs/spendvault/pkg/chain"
	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// DummySignature is a well-formed 65-byte ECDSA signature used while estimating, so
// the account's validation runs its full code path without a real signature.
var DummySignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

// Estimator returns gas estimates for a draft operation. The bundler client
// implements it.
type Estimator interface {
	EstimateGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*Estimate, error)
}

// BuilderConfig holds the addresses and fixed limits used to assemble operations.
type BuilderConfig struct {
	EntryPoint common.Address
	Factory    common.Address // zero: the signer address is the account itself
	Salt       *big.Int
	Paymaster  PaymasterConfig
	FixedGas   GasLimits
}

// Builder assembles user operations from an intent plus chain state.
type Builder struct {
	chain     chain.Reader
	contracts *vault.Reader
	estimator Estimator
	cfg       BuilderConfig
	logger    *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(c chain.Reader, est Estimator, cfg BuilderConfig) *Builder {
	if cfg.Salt == nil {
		cfg.Salt = new(big.Int)
	}
	return &Builder{
		chain:     c,
		contracts: vault.NewReader(c),
		estimator: est,
		cfg:       cfg,
		logger:    slog.Default().With("component", "userop"),
	}
}

// Config returns the builder configuration.
func (b *Builder) Config() BuilderConfig { return b.cfg }

// Sender resolves the smart account that acts for signer.
func (b *Builder) Sender(ctx context.Context, signer common.Address) (common.Address, error) {
	if b.cfg.Factory == (common.Address{}) {
		return signer, nil
	}
	return b.contracts.AccountAddress(ctx, b.cfg.Factory, signer, b.cfg.Salt)
}

// Draft fills sender, nonce, initCode, call data and fees. Gas limits and the
// paymaster are left unset.
func (b *Builder) Draft(ctx context.Context, signer common.Address, intent Intent) (*UserOperation, error) {
	sender, err := b.Sender(ctx, signer)
	if err != nil {
		return nil, err
	}
	op := &UserOperation{Sender: sender}

	deployed, err := chain.IsDeployed(ctx, b.chain, sender)
	if err != nil {
		return nil, err
	}
	if !deployed {
		if b.cfg.Factory == (common.Address{}) {
			return nil, fault.New(fault.KindSubmissionRejected, "userop.draft", "account "+sender.Hex()+" is not deployed and no factory is configured")
		}
		op.Factory = b.cfg.Factory
		if op.FactoryData, err = vault.EncodeCreateAccount(signer, b.cfg.Salt); err != nil {
			return nil, err
		}
	}

	if op.Nonce, err = b.contracts.Nonce(ctx, b.cfg.EntryPoint, sender); err != nil {
		return nil, err
	}
	if op.CallData, err = vault.EncodeAccountExecute(intent.Target, intent.Value, intent.CallData); err != nil {
		return nil, err
	}

	price, err := b.chain.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	tip, err := b.chain.GasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	if tip.Cmp(price) > 0 {
		tip = new(big.Int).Set(price)
	}
	op.MaxPriorityFeePerGas = tip
	op.MaxFeePerGas = new(big.Int).Add(price, tip)
	return op, nil
}

// Estimate drafts the operation with a sponsorship request attached (when a paymaster
// is configured) and asks the estimator for gas and sponsorship availability.
func (b *Builder) Estimate(ctx context.Context, signer common.Address, intent Intent) (*Estimate, error) {
	op, err := b.Draft(ctx, signer, intent)
	if err != nil {
		return nil, err
	}
	probe := PaymentMode{Kind: SelfFunded}
	if b.cfg.Paymaster.Enabled() {
		probe = PaymentMode{Kind: Sponsored}
	}
	applyPayment(op, probe, b.cfg.Paymaster)
	op.SetGas(b.cfg.FixedGas)
	op.Signature = DummySignature

	est, err := b.estimator.EstimateGas(ctx, op, b.cfg.EntryPoint)
	if err != nil {
		return nil, err
	}
	b.logger.DebugContext(ctx, "estimated user operation",
		"sender", op.Sender,
		"verification_gas", est.Gas.Verification,
		"call_gas", est.Gas.Call,
		"pre_verification_gas", est.Gas.PreVerification,
		"sponsorship", est.SponsorshipAvailable,
	)
	return est, nil
}

// Build assembles an operation with estimated gas limits.
func (b *Builder) Build(ctx context.Context, signer common.Address, intent Intent, mode PaymentMode, est *Estimate) (*UserOperation, error) {
	if est == nil {
		return nil, fmt.Errorf("userop.build: nil estimate")
	}
	op, err := b.assemble(ctx, signer, intent, mode, est.Gas)
	if err != nil {
		return nil, err
	}
	if op.Paymaster != (common.Address{}) {
		if est.PaymasterGas != nil {
			op.PaymasterVerificationGasLimit = new(big.Int).Set(est.PaymasterGas)
		}
		if est.PaymasterPostOpGas != nil {
			op.PaymasterPostOpGasLimit = new(big.Int).Set(est.PaymasterPostOpGas)
		}
	}
	return op, nil
}

// BuildFixed assembles an operation with the configured padded limits and no estimate.
func (b *Builder) BuildFixed(ctx context.Context, signer common.Address, intent Intent, mode PaymentMode) (*UserOperation, error) {
	return b.assemble(ctx, signer, intent, mode, b.cfg.FixedGas)
}

func (b *Builder) assemble(ctx context.Context, signer common.Address, intent Intent, mode PaymentMode, gas GasLimits) (*UserOperation, error) {
	if _, err := PackGasLimits(gas.Verification, gas.Call); err != nil {
		return nil, err
	}
	op, err := b.Draft(ctx, signer, intent)
	if err != nil {
		return nil, err
	}
	applyPayment(op, mode, b.cfg.Paymaster)
	op.SetGas(gas)
	return op, nil
}
