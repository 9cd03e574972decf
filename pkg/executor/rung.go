package executor

import (
	"fmt"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

// Rung is one step of the signing escalation ladder.
type Rung int

const (
	// RungEstimated: bundler-estimated gas, message-prefixed signature.
	RungEstimated Rung = iota + 1
	// RungFixedPrefixed: padded fixed gas, message-prefixed signature.
	RungFixedPrefixed
	// RungFixedRaw: padded fixed gas, raw signature over the bare hash. Terminal.
	RungFixedRaw
)

// SignMethod names how the operation hash is signed.
type SignMethod string

const (
	MethodPrefixed SignMethod = "personal_sign"
	MethodRaw      SignMethod = "eth_sign"
)

// GasStrategy names how a rung obtains gas limits.
type GasStrategy string

const (
	GasEstimated GasStrategy = "estimated"
	GasFixed     GasStrategy = "fixed"
)

// Rungs lists the ladder in order.
var Rungs = []Rung{RungEstimated, RungFixedPrefixed, RungFixedRaw}

func (r Rung) String() string {
	switch r {
	case RungEstimated:
		return "estimate+personal_sign"
	case RungFixedPrefixed:
		return "fixed+personal_sign"
	case RungFixedRaw:
		return "fixed+eth_sign"
	default:
		return fmt.Sprintf("rung(%d)", int(r))
	}
}

// Method is the signing method used on this rung.
func (r Rung) Method() SignMethod {
	if r == RungFixedRaw {
		return MethodRaw
	}
	return MethodPrefixed
}

// Gas is the gas strategy used on this rung.
func (r Rung) Gas() GasStrategy {
	if r == RungEstimated {
		return GasEstimated
	}
	return GasFixed
}

// Next returns the following rung; ok is false on the last rung.
func (r Rung) Next() (next Rung, ok bool) {
	switch r {
	case RungEstimated:
		return RungFixedPrefixed, true
	case RungFixedPrefixed:
		return RungFixedRaw, true
	default:
		return 0, false
	}
}

// Advance is the ladder's transition predicate. Only a signature-validation failure
// moves to the next rung; every other kind is terminal, since a retry with a
// different encoding cannot fix it.
func Advance(r Rung, failure fault.Kind) (next Rung, ok bool) {
	if failure != fault.KindSignatureValidation {
		return 0, false
	}
	return r.Next()
}
