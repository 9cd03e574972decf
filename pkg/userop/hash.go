package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	packedOpArgs     abi.Arguments
	hashEnvelopeArgs abi.Arguments
)

func init() {
	address, _ := abi.NewType("address", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	bytes32, _ := abi.NewType("bytes32", "", nil)

	packedOpArgs = abi.Arguments{
		{Type: address},  // sender
		{Type: uint256T}, // nonce
		{Type: bytes32},  // keccak(initCode)
		{Type: bytes32},  // keccak(callData)
		{Type: bytes32},  // accountGasLimits
		{Type: uint256T}, // preVerificationGas
		{Type: bytes32},  // gasFees
		{Type: bytes32},  // keccak(paymasterAndData)
	}
	hashEnvelopeArgs = abi.Arguments{
		{Type: bytes32},
		{Type: address},
		{Type: uint256T},
	}
}

// Hash computes the EntryPoint v0.7 userOpHash:
// keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
// The signature is not part of the hash. Gas fields are range-checked here, so an
// overflow is reported before anything is signed or sent.
func Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	accountGasLimits, err := PackGasLimits(op.VerificationGasLimit, op.CallGasLimit)
	if err != nil {
		return common.Hash{}, err
	}
	gasFees, err := PackGasFees(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := packPair("userop.pack_paymaster_gas",
		"paymasterVerificationGasLimit", op.PaymasterVerificationGasLimit,
		"paymasterPostOpGasLimit", op.PaymasterPostOpGasLimit); err != nil {
		return common.Hash{}, err
	}
	if op.PreVerificationGas != nil && (op.PreVerificationGas.Sign() < 0 || op.PreVerificationGas.BitLen() > 256) {
		return common.Hash{}, fmt.Errorf("userop.hash: preVerificationGas out of range: %s", op.PreVerificationGas)
	}

	packed, err := packedOpArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		common.BytesToHash(crypto.Keccak256(op.InitCode())),
		common.BytesToHash(crypto.Keccak256(op.CallData)),
		common.Hash(accountGasLimits),
		orZero(op.PreVerificationGas),
		common.Hash(gasFees),
		common.BytesToHash(crypto.Keccak256(op.PaymasterAndData())),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("userop.hash: pack: %w", err)
	}
	envelope, err := hashEnvelopeArgs.Pack(common.BytesToHash(crypto.Keccak256(packed)), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("userop.hash: envelope: %w", err)
	}
	return crypto.Keccak256Hash(envelope), nil
}
