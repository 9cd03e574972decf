package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Diagnostic messages surfaced to callers. They are distinct so a caller can decide
// whether to top up, approve or reconfigure instead of retrying.
const (
	DiagNotDeployed        = "vault not deployed"
	DiagZeroAllowance      = "zero allowance: spending account has not approved the vault"
	DiagNoBalance          = "spending account has no balance"
	DiagLowBalance         = "balance below remaining budget"
	DiagExecutorNotAllowed = "executor not authorized"
	DiagNoRules            = "no spending rules configured"
)

// InfoOptions carries defaults and the optional executor whose authorization is checked.
type InfoOptions struct {
	Executor         common.Address
	FallbackSymbol   string
	FallbackDecimals uint8
}

// Info is a point-in-time snapshot of a vault and its funding state.
type Info struct {
	Address            common.Address `json:"address"`
	Deployed           bool           `json:"deployed"`
	SettlementToken    common.Address `json:"settlementToken"`
	SpendingAccount    common.Address `json:"spendingAccount"`
	Owner              common.Address `json:"owner"`
	NativeBalance      *big.Int       `json:"nativeBalance"`
	Rules              []SpendingRule `json:"rules"`
	AccountBalance     *big.Int       `json:"spendingAccountBalance"`
	CurrentBudget      *big.Int       `json:"currentBudget"`
	Allowance          *big.Int       `json:"allowance"`
	TokenSymbol        string         `json:"tokenSymbol"`
	TokenDecimals      uint8          `json:"tokenDecimals"`
	ExecutorAuthorized *bool          `json:"executorAuthorized,omitempty"`
	Diagnostics        []string       `json:"diagnostics"`
}

// Info reads the full vault snapshot. A vault without bytecode is not an error: the
// snapshot comes back with Deployed=false and the corresponding diagnostic.
// currentBudget is optional on older vaults and reads as zero when it fails.
func (r *Reader) Info(ctx context.Context, vault common.Address, opts InfoOptions) (*Info, error) {
	info := &Info{
		Address:        vault,
		NativeBalance:  new(big.Int),
		AccountBalance: new(big.Int),
		CurrentBudget:  new(big.Int),
		Allowance:      new(big.Int),
		TokenSymbol:    opts.FallbackSymbol,
		TokenDecimals:  opts.FallbackDecimals,
		Diagnostics:    []string{},
	}

	code, err := r.chain.Code(ctx, vault)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		info.Diagnostics = append(info.Diagnostics, DiagNotDeployed)
		return info, nil
	}
	info.Deployed = true

	if info.SettlementToken, err = r.SettlementToken(ctx, vault); err != nil {
		return nil, err
	}
	if info.SpendingAccount, err = r.SpendingAccount(ctx, vault); err != nil {
		return nil, err
	}
	if info.Owner, err = r.Owner(ctx, vault); err != nil {
		return nil, err
	}
	if info.NativeBalance, err = r.chain.Balance(ctx, vault); err != nil {
		return nil, err
	}
	if info.Rules, err = r.SpendingRules(ctx, vault); err != nil {
		return nil, err
	}

	token := info.SettlementToken
	if rule, ok := PrimaryRule(info.Rules, info.SettlementToken); ok {
		token = rule.Token
	}

	if info.AccountBalance, err = r.TokenBalance(ctx, token, info.SpendingAccount); err != nil {
		return nil, err
	}
	if info.Allowance, err = r.Allowance(ctx, token, info.SpendingAccount, vault); err != nil {
		return nil, err
	}
	if budget, err := r.CurrentBudget(ctx, vault); err == nil {
		info.CurrentBudget = budget
	} else {
		r.logger.WarnContext(ctx, "currentBudget read failed, reporting zero", "vault", vault, "error", err)
	}
	info.TokenSymbol, info.TokenDecimals = r.TokenMeta(ctx, token, opts.FallbackSymbol, opts.FallbackDecimals)

	if opts.Executor != (common.Address{}) {
		authorized, err := r.IsExecutor(ctx, vault, opts.Executor)
		if err != nil {
			return nil, err
		}
		info.ExecutorAuthorized = &authorized
	}

	info.Diagnostics = diagnose(info)
	return info, nil
}

func diagnose(info *Info) []string {
	diags := []string{}
	if !info.Deployed {
		return append(diags, DiagNotDeployed)
	}
	if len(info.Rules) == 0 {
		diags = append(diags, DiagNoRules)
	}
	if info.Allowance.Sign() == 0 {
		diags = append(diags, DiagZeroAllowance)
	}
	if info.AccountBalance.Sign() == 0 {
		diags = append(diags, DiagNoBalance)
	} else if info.CurrentBudget.Sign() > 0 && info.AccountBalance.Cmp(info.CurrentBudget) < 0 {
		diags = append(diags, DiagLowBalance)
	}
	if info.ExecutorAuthorized != nil && !*info.ExecutorAuthorized {
		diags = append(diags, DiagExecutorNotAllowed)
	}
	return diags
}
