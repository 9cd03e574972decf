// Package executor drives a signed user operation from intent to terminal result:
// estimate, negotiate payment, then walk the signing escalation ladder.
package executor

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/spendvault/pkg/bundler"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
)

// SignFunc signs an operation hash. Implementations apply their own prefixing.
type SignFunc func(ctx context.Context, hash common.Hash) ([]byte, error)

// SignFuncs holds one callback per signing method.
type SignFuncs struct {
	Prefixed SignFunc
	Raw      SignFunc
}

// For returns the callback for method, or nil.
func (s SignFuncs) For(method SignMethod) SignFunc {
	if method == MethodRaw {
		return s.Raw
	}
	return s.Prefixed
}

// Attempt records one rung. Attempts are append-only and never replayed.
type Attempt struct {
	Rung      Rung        `json:"rung"`
	Strategy  string      `json:"strategy"`
	Method    SignMethod  `json:"method"`
	Gas       GasStrategy `json:"gas"`
	Hash      common.Hash `json:"hash,omitempty"`
	Signature string      `json:"signature,omitempty"` // truncated
	Handle    common.Hash `json:"userOpHash,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	Error     string      `json:"error,omitempty"`
	Duration  string      `json:"duration"`
}

// Failed reports whether the attempt ended in an error.
func (a Attempt) Failed() bool { return a.Error != "" }

// ExecutionResult is the terminal outcome of one intent.
type ExecutionResult struct {
	ID              uuid.UUID          `json:"id"`
	Status          bundler.Status     `json:"status"`
	Handle          common.Hash        `json:"userOpHash,omitempty"`
	TransactionHash common.Hash        `json:"transactionHash,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Kind            string             `json:"kind,omitempty"`
	Payment         userop.PaymentMode `json:"payment"`
	Trail           []Attempt          `json:"trail"`
	StartedAt       time.Time          `json:"startedAt"`
	CompletedAt     time.Time          `json:"completedAt"`
}

// Succeeded reports whether the operation landed successfully.
func (r *ExecutionResult) Succeeded() bool { return r != nil && r.Status == bundler.StatusSuccess }

func truncateSignature(sig []byte) string {
	if len(sig) == 0 {
		return ""
	}
	h := hex.EncodeToString(sig)
	if len(h) > 12 {
		h = h[:12] + "..."
	}
	return "0x" + h
}
