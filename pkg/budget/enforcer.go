package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// Enforcer answers "may this vault spend amount to recipient right now". It fails
// closed: any read error, and any disagreement between the off-chain computation
// and the vault's own checkSpendAllowed, is a denial.
type Enforcer struct {
	contracts  *vault.Reader
	reconciler *Reconciler
	receipts   ReceiptLog
	now        func() time.Time
	logger     *slog.Logger
}

// NewEnforcer creates an enforcer. receipts may be nil.
func NewEnforcer(contracts *vault.Reader, reconciler *Reconciler, receipts ReceiptLog) *Enforcer {
	return &Enforcer{
		contracts:  contracts,
		reconciler: reconciler,
		receipts:   receipts,
		now:        time.Now,
		logger:     slog.Default().With("component", "enforcer"),
	}
}

// WithClock replaces the wall clock.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Check evaluates a proposed spend. Policy denials return a Decision and a nil
// error; read failures return a denying Decision and the typed error.
func (e *Enforcer) Check(ctx context.Context, vaultHex string, amount *big.Int, recipientHex string) (*Decision, error) {
	amountStr := "0"
	if amount != nil {
		amountStr = amount.String()
	}
	deny := func(kind fault.Kind, reason string, err error) (*Decision, error) {
		d := &Decision{
			Allowed: false,
			Reason:  reason,
			Kind:    kind.String(),
			Receipt: e.createReceipt(vaultHex, recipientHex, "denied", amountStr, reason),
		}
		if perr := e.persist(ctx, d.Receipt); perr != nil && err == nil {
			err = perr
		}
		return d, err
	}

	vaultAddr, err := vault.ParseAddress(vaultHex)
	if err != nil {
		return deny(fault.KindInvalidAddress, "invalid vault address", err)
	}
	recipient, err := vault.ParseAddress(recipientHex)
	if err != nil {
		return deny(fault.KindInvalidAddress, "invalid recipient address", err)
	}
	if amount == nil || amount.Sign() <= 0 {
		return deny(fault.KindPolicyRejected, "amount must be positive", nil)
	}

	if err := e.contracts.RequireDeployed(ctx, vaultAddr); err != nil {
		return deny(fault.KindOf(err), "vault not deployed", err)
	}

	rules, err := e.contracts.SpendingRules(ctx, vaultAddr)
	if err != nil {
		e.logger.WarnContext(ctx, "rule read failed", "vault", vaultAddr, "error", err)
		return deny(fault.KindChainRead, "check failed: rules unavailable", err)
	}
	settlement, err := e.contracts.SettlementToken(ctx, vaultAddr)
	if err != nil {
		return deny(fault.KindChainRead, "check failed: settlement token unavailable", err)
	}
	rule, ok := vault.PrimaryRule(rules, settlement)
	if !ok {
		return deny(fault.KindPolicyRejected, "no spending rules configured", nil)
	}

	if !IsAllowed(rule, recipient) {
		e.logger.InfoContext(ctx, "recipient not permitted", "vault", vaultAddr, "recipient", recipient)
		return deny(fault.KindPolicyRejected, "recipient not permitted", nil)
	}

	rec, err := e.reconciler.Reconcile(ctx, vaultAddr, rule, e.now().Unix())
	if err != nil {
		e.logger.WarnContext(ctx, "reconciliation failed", "vault", vaultAddr, "error", err)
		return deny(fault.KindChainRead, "check failed: budget unavailable", err)
	}

	offChain := amount.Cmp(rec.RemainingBudget) <= 0
	onChain, err := e.contracts.CheckSpendAllowed(ctx, vaultAddr, amount, recipient)
	if err != nil {
		e.logger.WarnContext(ctx, "checkSpendAllowed failed", "vault", vaultAddr, "error", err)
		d, err := deny(fault.KindChainRead, "check failed: on-chain check unavailable", err)
		d.Remaining = rec.RemainingBudget
		return d, err
	}

	if offChain != onChain {
		e.logger.WarnContext(ctx, "off-chain and on-chain checks disagree",
			"vault", vaultAddr,
			"amount", amount,
			"remaining", rec.RemainingBudget,
			"off_chain", offChain,
			"on_chain", onChain,
		)
	}
	if !offChain || !onChain {
		reason := fmt.Sprintf("amount %s exceeds remaining budget %s", amount, rec.RemainingBudget)
		if offChain {
			reason = "vault rejected spend"
		}
		d, err := deny(fault.KindPolicyRejected, reason, nil)
		d.Remaining = rec.RemainingBudget
		d.OnChain = &onChain
		return d, err
	}

	d := &Decision{
		Allowed:   true,
		Reason:    "within limits",
		Remaining: rec.RemainingBudget,
		OnChain:   &onChain,
		Receipt:   e.createReceipt(vaultHex, recipientHex, "allowed", amountStr, "ok"),
	}
	if err := e.persist(ctx, d.Receipt); err != nil {
		// fail closed on write failure
		e.logger.ErrorContext(ctx, "failed to persist receipt", "vault", vaultAddr, "error", err)
		d.Allowed = false
		d.Reason = "failed to persist receipt"
		d.Kind = fault.KindChainRead.String()
		return d, err
	}
	return d, nil
}

// CurrentWindow reconciles the vault's primary rule as of now. It is the
// read-only half of Check, used for display.
func (e *Enforcer) CurrentWindow(ctx context.Context, vaultHex string) (*Reconciliation, error) {
	vaultAddr, err := vault.ParseAddress(vaultHex)
	if err != nil {
		return nil, err
	}
	if err := e.contracts.RequireDeployed(ctx, vaultAddr); err != nil {
		return nil, err
	}
	rules, err := e.contracts.SpendingRules(ctx, vaultAddr)
	if err != nil {
		return nil, err
	}
	settlement, err := e.contracts.SettlementToken(ctx, vaultAddr)
	if err != nil {
		return nil, err
	}
	rule, ok := vault.PrimaryRule(rules, settlement)
	if !ok {
		return nil, fault.New(fault.KindPolicyRejected, "budget.current_window", "no spending rules configured")
	}
	return e.reconciler.Reconcile(ctx, vaultAddr, rule, e.now().Unix())
}

// Receipts lists recent receipts for vault, newest first.
func (e *Enforcer) Receipts(ctx context.Context, vaultHex string, limit int) ([]*EnforcementReceipt, error) {
	if e.receipts == nil {
		return nil, nil
	}
	return e.receipts.List(ctx, vaultHex, limit)
}

func (e *Enforcer) persist(ctx context.Context, r *EnforcementReceipt) error {
	if e.receipts == nil {
		return nil
	}
	if err := e.receipts.Append(ctx, r); err != nil {
		return fmt.Errorf("persist receipt: %w", err)
	}
	return nil
}

func (e *Enforcer) createReceipt(vaultHex, recipientHex, action, amount, reason string) *EnforcementReceipt {
	r := &EnforcementReceipt{
		ID:        uuid.New().String(),
		Vault:     normalize(vaultHex),
		Recipient: normalize(recipientHex),
		Action:    action,
		Amount:    amount,
		Reason:    reason,
		Timestamp: e.now().UTC(),
	}
	digest, err := r.ComputeDigest()
	if err != nil {
		e.logger.Warn("receipt digest failed", "id", r.ID, "error", err)
	}
	r.Digest = digest
	return r
}

func normalize(s string) string {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s).Hex()
	}
	return s
}
