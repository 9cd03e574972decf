package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/spendvault/pkg/chain"
	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

// ParseAddress validates a hex address. Malformed input is rejected with
// KindInvalidAddress before any I/O happens.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fault.New(fault.KindInvalidAddress, "vault.parse_address", fmt.Sprintf("invalid address %q", s))
	}
	return common.HexToAddress(s), nil
}

// Reader issues typed view calls against a vault and its token.
type Reader struct {
	chain  chain.Reader
	logger *slog.Logger
}

// NewReader creates a Reader over the given chain.
func NewReader(c chain.Reader) *Reader {
	return &Reader{
		chain:  c,
		logger: slog.Default().With("component", "vault"),
	}
}

// call packs method, performs an eth_call and unpacks the single return value.
func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (any, error) {
	op := "vault." + method
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", op, err)
	}
	raw, err := r.chain.Call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainRead, op, fmt.Errorf("decode: %w", err))
	}
	if len(out) == 0 {
		return nil, fault.New(fault.KindChainRead, op, "empty return data")
	}
	return out[0], nil
}

func (r *Reader) address(ctx context.Context, to common.Address, method string) (common.Address, error) {
	v, err := r.call(ctx, VaultABI, to, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fault.New(fault.KindChainRead, "vault."+method, fmt.Sprintf("unexpected return type %T", v))
	}
	return addr, nil
}

func (r *Reader) boolean(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (bool, error) {
	v, err := r.call(ctx, contract, to, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fault.New(fault.KindChainRead, "vault."+method, fmt.Sprintf("unexpected return type %T", v))
	}
	return b, nil
}

func (r *Reader) integer(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	v, err := r.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fault.New(fault.KindChainRead, "vault."+method, fmt.Sprintf("unexpected return type %T", v))
	}
	return n, nil
}

// RequireDeployed fails with KindVaultNotDeployed when the vault has no bytecode.
func (r *Reader) RequireDeployed(ctx context.Context, vault common.Address) error {
	ok, err := chain.IsDeployed(ctx, r.chain, vault)
	if err != nil {
		return err
	}
	if !ok {
		return fault.New(fault.KindVaultNotDeployed, "vault.require_deployed", "no bytecode at "+vault.Hex())
	}
	return nil
}

// SpendingRules returns getSpendingRules() in contract order.
func (r *Reader) SpendingRules(ctx context.Context, vault common.Address) ([]SpendingRule, error) {
	const op = "vault.getSpendingRules"
	v, err := r.call(ctx, VaultABI, vault, "getSpendingRules")
	if err != nil {
		return nil, err
	}
	tuples, ok := abi.ConvertType(v, new([]ruleTuple)).(*[]ruleTuple)
	if !ok {
		return nil, fault.New(fault.KindChainRead, op, fmt.Sprintf("unexpected return type %T", v))
	}
	rules := make([]SpendingRule, 0, len(*tuples))
	for _, t := range *tuples {
		rules = append(rules, t.rule())
	}
	return rules, nil
}

func (r *Reader) SettlementToken(ctx context.Context, vault common.Address) (common.Address, error) {
	return r.address(ctx, vault, "settlementToken")
}

func (r *Reader) SpendingAccount(ctx context.Context, vault common.Address) (common.Address, error) {
	return r.address(ctx, vault, "spendingAccount")
}

func (r *Reader) Owner(ctx context.Context, vault common.Address) (common.Address, error) {
	return r.address(ctx, vault, "owner")
}

func (r *Reader) IsExecutor(ctx context.Context, vault, executor common.Address) (bool, error) {
	return r.boolean(ctx, VaultABI, vault, "isExecutor", executor)
}

func (r *Reader) CurrentBudget(ctx context.Context, vault common.Address) (*big.Int, error) {
	return r.integer(ctx, VaultABI, vault, "currentBudget")
}

// CheckSpendAllowed is the contract's own answer to "may amount go to recipient now".
func (r *Reader) CheckSpendAllowed(ctx context.Context, vault common.Address, amount *big.Int, recipient common.Address) (bool, error) {
	return r.boolean(ctx, VaultABI, vault, "checkSpendAllowed", amount, recipient)
}

func (r *Reader) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.integer(ctx, ERC20ABI, token, "balanceOf", owner)
}

func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.integer(ctx, ERC20ABI, token, "allowance", owner, spender)
}

// TokenMeta reads symbol and decimals. Missing values fall back to the given defaults,
// since several test tokens do not implement the optional metadata methods.
func (r *Reader) TokenMeta(ctx context.Context, token common.Address, fallbackSymbol string, fallbackDecimals uint8) (string, uint8) {
	symbol, decimals := fallbackSymbol, fallbackDecimals
	if v, err := r.call(ctx, ERC20ABI, token, "symbol"); err == nil {
		if s, ok := v.(string); ok && s != "" {
			symbol = s
		}
	} else {
		r.logger.DebugContext(ctx, "token symbol unavailable", "token", token, "error", err)
	}
	if v, err := r.call(ctx, ERC20ABI, token, "decimals"); err == nil {
		if d, ok := v.(uint8); ok {
			decimals = d
		}
	} else {
		r.logger.DebugContext(ctx, "token decimals unavailable", "token", token, "error", err)
	}
	return symbol, decimals
}

// AccountAddress resolves the counterfactual smart account for owner via the factory.
func (r *Reader) AccountAddress(ctx context.Context, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	if salt == nil {
		salt = new(big.Int)
	}
	v, err := r.call(ctx, FactoryABI, factory, "getAddress", owner, salt)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fault.New(fault.KindChainRead, "vault.getAddress", fmt.Sprintf("unexpected return type %T", v))
	}
	return addr, nil
}

// Nonce reads the EntryPoint nonce for sender under key 0.
func (r *Reader) Nonce(ctx context.Context, entryPoint, sender common.Address) (*big.Int, error) {
	return r.integer(ctx, EntryPointABI, entryPoint, "getNonce", sender, new(big.Int))
}
