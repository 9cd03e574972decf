// Package fault defines the typed error taxonomy shared by the read path
// (reconciliation, policy checks) and the submission path (build, sign, submit, poll).
//
// Classification of remote rejections happens once, at the I/O boundary, via
// ClassifyReason. Everything downstream branches on Kind, never on message text.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags an error with its place in the taxonomy.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidAddress
	KindVaultNotDeployed
	KindChainRead
	KindGasLimitOverflow
	KindSignatureValidation
	KindSubmissionRejected
	KindTimeout
	KindPolicyRejected
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindInvalidAddress:      "invalid_address",
	KindVaultNotDeployed:    "vault_not_deployed",
	KindChainRead:           "chain_read_error",
	KindGasLimitOverflow:    "gas_limit_overflow",
	KindSignatureValidation: "signature_validation_failure",
	KindSubmissionRejected:  "submission_rejected",
	KindTimeout:             "timeout",
	KindPolicyRejected:      "policy_rejected",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrInvalidAddress      = &Error{Kind: KindInvalidAddress}
	ErrVaultNotDeployed    = &Error{Kind: KindVaultNotDeployed}
	ErrChainRead           = &Error{Kind: KindChainRead}
	ErrGasLimitOverflow    = &Error{Kind: KindGasLimitOverflow}
	ErrSignatureValidation = &Error{Kind: KindSignatureValidation}
	ErrSubmissionRejected  = &Error{Kind: KindSubmissionRejected}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrPolicyRejected      = &Error{Kind: KindPolicyRejected}
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "chain.header"
	Reason string // remote or human-readable reason, if any
	Err    error  // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against a bare sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Reason != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// New returns a classified error without an underlying cause.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// ReasonOf returns the most specific human-readable reason carried by err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return err.Error()
}
