package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PaymentKind selects who pays for gas.
type PaymentKind string

const (
	// Sponsored: a third party covers gas. The fee token is the zero address.
	Sponsored PaymentKind = "sponsored"
	// FeeToken: gas is debited from the account in the settlement token.
	FeeToken PaymentKind = "fee_token"
	// SelfFunded: no paymaster, the account pays in native currency.
	SelfFunded PaymentKind = "self_funded"
)

// PaymentMode is the outcome of negotiation. Token is the zero address unless
// Kind is FeeToken.
type PaymentMode struct {
	Kind  PaymentKind    `json:"kind"`
	Token common.Address `json:"token"`
}

// Estimate is a bundler gas estimate plus the paymaster's sponsorship answer.
type Estimate struct {
	Gas                  GasLimits `json:"gas"`
	PaymasterGas         *big.Int  `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGas   *big.Int  `json:"paymasterPostOpGasLimit,omitempty"`
	SponsorshipAvailable bool      `json:"sponsorshipAvailable"`
}

// PaymasterConfig describes the paymaster attached to FeeToken and Sponsored modes.
// A zero Address disables the paymaster entirely.
type PaymasterConfig struct {
	Address         common.Address
	SettlementToken common.Address
	VerificationGas uint64
	PostOpGas       uint64
}

// Enabled reports whether a paymaster is configured.
func (c PaymasterConfig) Enabled() bool {
	return c.Address != (common.Address{})
}

// Negotiate picks the payment mode for an estimate. Sponsorship wins when offered;
// otherwise fees are paid in the configured settlement token. Without a paymaster
// the account funds itself. The choice never changes target, value or callData.
func Negotiate(est *Estimate, cfg PaymasterConfig) PaymentMode {
	if !cfg.Enabled() {
		return PaymentMode{Kind: SelfFunded}
	}
	if est != nil && est.SponsorshipAvailable {
		return PaymentMode{Kind: Sponsored}
	}
	return PaymentMode{Kind: FeeToken, Token: cfg.SettlementToken}
}

// applyPayment sets the paymaster fields for mode. paymasterData carries the fee
// token address; the zero address requests sponsorship.
func applyPayment(op *UserOperation, mode PaymentMode, cfg PaymasterConfig) {
	if mode.Kind == SelfFunded || !cfg.Enabled() {
		op.Paymaster = common.Address{}
		op.PaymasterVerificationGasLimit = nil
		op.PaymasterPostOpGasLimit = nil
		op.PaymasterData = nil
		return
	}
	token := common.Address{}
	if mode.Kind == FeeToken {
		token = mode.Token
	}
	op.Paymaster = cfg.Address
	op.PaymasterVerificationGasLimit = new(big.Int).SetUint64(cfg.VerificationGas)
	op.PaymasterPostOpGasLimit = new(big.Int).SetUint64(cfg.PostOpGas)
	op.PaymasterData = token.Bytes()
}
