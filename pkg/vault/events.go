package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SpendExecutedTopic is topic0 of SpendExecuted(address,address,uint256).
var SpendExecutedTopic = VaultABI.Events["SpendExecuted"].ID

var errNotSpendExecuted = errors.New("log is not SpendExecuted")

// SpendExecuted is a decoded vault spend event.
type SpendExecuted struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Executor    common.Address
	Recipient   common.Address
	Amount      *big.Int
}

// ParseSpendExecuted decodes a SpendExecuted log. Both addresses are indexed; the
// amount is the only data word.
func ParseSpendExecuted(l types.Log) (SpendExecuted, error) {
	if len(l.Topics) != 3 || l.Topics[0] != SpendExecutedTopic {
		return SpendExecuted{}, errNotSpendExecuted
	}
	out, err := VaultABI.Unpack("SpendExecuted", l.Data)
	if err != nil {
		return SpendExecuted{}, fmt.Errorf("decode SpendExecuted in %s: %w", l.TxHash.Hex(), err)
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return SpendExecuted{}, fmt.Errorf("decode SpendExecuted in %s: amount is %T", l.TxHash.Hex(), out[0])
	}
	return SpendExecuted{
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Executor:    common.BytesToAddress(l.Topics[1].Bytes()),
		Recipient:   common.BytesToAddress(l.Topics[2].Bytes()),
		Amount:      amount,
	}, nil
}
