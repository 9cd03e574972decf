package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// MaxApproval is the unlimited ERC-20 allowance.
var MaxApproval = new(big.Int).Set(math.MaxBig256)

func pack(name string, fn func() ([]byte, error)) ([]byte, error) {
	data, err := fn()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return data, nil
}

// EncodeSetExecutor encodes setExecutor(address,bool).
func EncodeSetExecutor(executor common.Address, allowed bool) ([]byte, error) {
	return pack("setExecutor", func() ([]byte, error) {
		return VaultABI.Pack("setExecutor", executor, allowed)
	})
}

// EncodeConfigureSpendingRules encodes configureSpendingRules(SpendingRule[]).
func EncodeConfigureSpendingRules(rules []SpendingRule) ([]byte, error) {
	tuples := make([]ruleTuple, len(rules))
	for i, r := range rules {
		tuples[i] = tupleOf(r)
	}
	return pack("configureSpendingRules", func() ([]byte, error) {
		return VaultABI.Pack("configureSpendingRules", tuples)
	})
}

// EncodeExecuteSpend encodes executeSpend(uint256,address).
func EncodeExecuteSpend(amount *big.Int, recipient common.Address) ([]byte, error) {
	return pack("executeSpend", func() ([]byte, error) {
		return VaultABI.Pack("executeSpend", amount, recipient)
	})
}

// EncodeCheckSpendAllowed encodes the checkSpendAllowed(uint256,address) view.
func EncodeCheckSpendAllowed(amount *big.Int, recipient common.Address) ([]byte, error) {
	return pack("checkSpendAllowed", func() ([]byte, error) {
		return VaultABI.Pack("checkSpendAllowed", amount, recipient)
	})
}

// EncodeWithdraw encodes withdraw(address,uint256,address).
func EncodeWithdraw(token common.Address, amount *big.Int, recipient common.Address) ([]byte, error) {
	return pack("withdraw", func() ([]byte, error) {
		return VaultABI.Pack("withdraw", token, amount, recipient)
	})
}

// EncodeApprove encodes ERC-20 approve(address,uint256).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return pack("approve", func() ([]byte, error) {
		return ERC20ABI.Pack("approve", spender, amount)
	})
}

// EncodeTransfer encodes ERC-20 transfer(address,uint256).
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return pack("transfer", func() ([]byte, error) {
		return ERC20ABI.Pack("transfer", to, amount)
	})
}

// EncodeAddSupportedToken encodes the smart account's addSupportedToken(address).
func EncodeAddSupportedToken(token common.Address) ([]byte, error) {
	return pack("addSupportedToken", func() ([]byte, error) {
		return AccountABI.Pack("addSupportedToken", token)
	})
}

// EncodeAccountExecute wraps a call for the smart account's execute(address,uint256,bytes).
func EncodeAccountExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if data == nil {
		data = []byte{}
	}
	return pack("execute", func() ([]byte, error) {
		return AccountABI.Pack("execute", target, value, data)
	})
}

// EncodeCreateAccount encodes the factory's createAccount(address,uint256).
func EncodeCreateAccount(owner common.Address, salt *big.Int) ([]byte, error) {
	return pack("createAccount", func() ([]byte, error) {
		return FactoryABI.Pack("createAccount", owner, salt)
	})
}
