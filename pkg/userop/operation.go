// Package userop builds EntryPoint v0.7 user operations: gas packing, the canonical
// hash, payment negotiation and assembly from an intent plus chain state.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Intent is the structured request handed in by a collaborator. It is opaque beyond
// these three fields and consumed once.
type Intent struct {
	Target   common.Address `json:"target"`
	Value    *big.Int       `json:"value"`
	CallData []byte         `json:"callData"`
}

// GasLimits are the three gas fields the ladder varies between rungs.
type GasLimits struct {
	Verification    *big.Int `json:"verificationGasLimit"`
	Call            *big.Int `json:"callGasLimit"`
	PreVerification *big.Int `json:"preVerificationGas"`
}

// FixedGas returns padded limits from plain integers.
func FixedGas(verification, call, preVerification uint64) GasLimits {
	return GasLimits{
		Verification:    new(big.Int).SetUint64(verification),
		Call:            new(big.Int).SetUint64(call),
		PreVerification: new(big.Int).SetUint64(preVerification),
	}
}

// UserOperation is the mutable working object for one execution. Fields follow the
// unpacked v0.7 RPC form; InitCode and PaymasterAndData derive the packed form.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              common.Address // zero when the account is deployed
	FactoryData          []byte
	CallData             []byte
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     common.Address // zero when self-funded
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte // unset until signed
}

// SetGas applies limits to the operation.
func (op *UserOperation) SetGas(g GasLimits) {
	op.VerificationGasLimit = orZero(g.Verification)
	op.CallGasLimit = orZero(g.Call)
	op.PreVerificationGas = orZero(g.PreVerification)
}

// Gas returns the current limits.
func (op *UserOperation) Gas() GasLimits {
	return GasLimits{
		Verification:    op.VerificationGasLimit,
		Call:            op.CallGasLimit,
		PreVerification: op.PreVerificationGas,
	}
}

// InitCode is factory || factoryData, or empty for a deployed account.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == (common.Address{}) {
		return []byte{}
	}
	out := make([]byte, 0, common.AddressLength+len(op.FactoryData))
	out = append(out, op.Factory.Bytes()...)
	return append(out, op.FactoryData...)
}

// PaymasterAndData is paymaster || uint128 verificationGas || uint128 postOpGas ||
// paymasterData, or empty when no paymaster is attached.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == (common.Address{}) {
		return []byte{}
	}
	out := make([]byte, 0, common.AddressLength+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, uint128Bytes(op.PaymasterVerificationGasLimit)...)
	out = append(out, uint128Bytes(op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

// Clone returns a deep copy so a rung can rebuild without touching earlier attempts.
func (op *UserOperation) Clone() *UserOperation {
	c := *op
	c.Nonce = cloneBig(op.Nonce)
	c.FactoryData = append([]byte(nil), op.FactoryData...)
	c.CallData = append([]byte(nil), op.CallData...)
	c.VerificationGasLimit = cloneBig(op.VerificationGasLimit)
	c.CallGasLimit = cloneBig(op.CallGasLimit)
	c.PreVerificationGas = cloneBig(op.PreVerificationGas)
	c.MaxFeePerGas = cloneBig(op.MaxFeePerGas)
	c.MaxPriorityFeePerGas = cloneBig(op.MaxPriorityFeePerGas)
	c.PaymasterVerificationGasLimit = cloneBig(op.PaymasterVerificationGasLimit)
	c.PaymasterPostOpGasLimit = cloneBig(op.PaymasterPostOpGasLimit)
	c.PaymasterData = append([]byte(nil), op.PaymasterData...)
	c.Signature = append([]byte(nil), op.Signature...)
	return &c
}

// uint128Bytes encodes v in 16 bytes. Out-of-range values are rejected by Hash
// before this is reached.
func uint128Bytes(v *big.Int) []byte {
	out := make([]byte, 16)
	if v == nil || v.Sign() <= 0 || v.BitLen() > maxUint128Bits {
		return out
	}
	v.FillBytes(out)
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
