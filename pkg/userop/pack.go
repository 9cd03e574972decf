package userop

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

const maxUint128Bits = 128

// PackGasLimits packs two 128-bit limits into one word: verificationGasLimit in the
// high half, callGasLimit in the low half. Either value above 2^128-1 fails with
// KindGasLimitOverflow.
func PackGasLimits(verificationGasLimit, callGasLimit *big.Int) ([32]byte, error) {
	return packPair("userop.pack_gas_limits", "verificationGasLimit", verificationGasLimit, "callGasLimit", callGasLimit)
}

// UnpackGasLimits is the inverse of PackGasLimits.
func UnpackGasLimits(packed [32]byte) (verificationGasLimit, callGasLimit *big.Int) {
	return unpackPair(packed)
}

// PackGasFees packs maxPriorityFeePerGas (high) and maxFeePerGas (low).
func PackGasFees(maxPriorityFeePerGas, maxFeePerGas *big.Int) ([32]byte, error) {
	return packPair("userop.pack_gas_fees", "maxPriorityFeePerGas", maxPriorityFeePerGas, "maxFeePerGas", maxFeePerGas)
}

func packPair(op, highName string, high *big.Int, lowName string, low *big.Int) ([32]byte, error) {
	h, err := toUint128(op, highName, high)
	if err != nil {
		return [32]byte{}, err
	}
	l, err := toUint128(op, lowName, low)
	if err != nil {
		return [32]byte{}, err
	}
	word := new(uint256.Int).Lsh(h, maxUint128Bits)
	word.Or(word, l)
	return word.Bytes32(), nil
}

func unpackPair(packed [32]byte) (high, low *big.Int) {
	word := new(uint256.Int).SetBytes32(packed[:])
	h := new(uint256.Int).Rsh(word, maxUint128Bits)
	mask := new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), maxUint128Bits), uint256.NewInt(1))
	l := new(uint256.Int).And(word, mask)
	return h.ToBig(), l.ToBig()
}

func toUint128(op, name string, v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fault.New(fault.KindGasLimitOverflow, op, fmt.Sprintf("%s is negative: %s", name, v))
	}
	if v.BitLen() > maxUint128Bits {
		return nil, fault.New(fault.KindGasLimitOverflow, op, fmt.Sprintf("%s exceeds 2^128-1: %s", name, v))
	}
	u, _ := uint256.FromBig(v)
	return u, nil
}
