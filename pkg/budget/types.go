// Package budget reconstructs how much of a vault's rolling-window budget remains
// and decides, fail-closed, whether a proposed spend may proceed.
package budget

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ActivityEvent is one observed spend. Sourced from an immutable log; never mutated.
type ActivityEvent struct {
	TxHash      common.Hash    `json:"txHash"`
	BlockNumber uint64         `json:"blockNumber"`
	LogIndex    uint           `json:"logIndex"`
	Timestamp   int64          `json:"timestamp"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Amount      *big.Int       `json:"amount"`
}

// Reconciliation is the budget state of the current window.
type Reconciliation struct {
	Vault           common.Address  `json:"vault"`
	Token           common.Address  `json:"token"`
	WindowStart     int64           `json:"windowStart"`
	WindowEnd       int64           `json:"windowEnd,omitempty"` // zero for a non-rolling window
	FromBlock       uint64          `json:"fromBlock"`
	ToBlock         uint64          `json:"toBlock"`
	Budget          *big.Int        `json:"budget"`
	SpentInWindow   *big.Int        `json:"spentInWindow"`
	RemainingBudget *big.Int        `json:"remainingBudget"`
	EventCount      int             `json:"eventCount"`
	RecentEvents    []ActivityEvent `json:"recentEvents"`
}

// Decision is the result of a pre-flight spend check.
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Reason    string              `json:"reason"`
	Kind      string              `json:"kind,omitempty"`
	Remaining *big.Int            `json:"remaining,omitempty"`
	OnChain   *bool               `json:"onChain,omitempty"` // checkSpendAllowed answer, when read
	Receipt   *EnforcementReceipt `json:"receipt,omitempty"`
}

// EnforcementReceipt provides evidence of one pre-flight decision.
type EnforcementReceipt struct {
	ID        string    `json:"id"`
	Vault     string    `json:"vault"`
	Recipient string    `json:"recipient"`
	Action    string    `json:"action"` // "allowed" or "denied"
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Digest    string    `json:"digest,omitempty"`
}

// ReceiptLog persists enforcement receipts.
type ReceiptLog interface {
	Append(ctx context.Context, r *EnforcementReceipt) error
	List(ctx context.Context, vault string, limit int) ([]*EnforcementReceipt, error)
}
