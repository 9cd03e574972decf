package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/spendvault/pkg/api"
	"github.com/Mindburn-Labs/spendvault/pkg/executor"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// operate runs one operator call for a command that signs with the owner key.
// The key defaults to OWNER_KEY_ENV; --key-env overrides it.
func operate(fs *flag.FlagSet, c *commonFlags, args []string, stdout, stderr io.Writer,
	call func(ctx context.Context, a *app, op *executor.Operator) (*executor.ExecutionResult, error),
) int {
	keyEnv := fs.String("key-env", "", "Environment variable holding the owner's private key (default OWNER_KEY_ENV)")
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}
	if *keyEnv == "" {
		*keyEnv = a.cfg.OwnerKeyEnv
	}
	op, err := a.operator(ctx, *keyEnv)
	if err != nil {
		return fail(stderr, err)
	}
	res, err := call(ctx, a, op)
	if res != nil {
		printResult(stdout, c.jsonOut, res, nil)
	}
	if err != nil {
		return fail(stderr, err)
	}
	if !res.Succeeded() {
		_, _ = fmt.Fprintf(stderr, "operation ended %s: %s\n", res.Status, res.Reason)
		return 1
	}
	return 0
}

func positive(raw string, decimals uint8) (*big.Int, error) {
	amount, err := vault.ParseUnits(raw, decimals)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, errors.New("--amount must be positive")
	}
	return amount, nil
}

func runAuthorizeCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("authorize", stderr)
	vaultHex := fs.String("vault", "", "Vault address (REQUIRED)")
	executorHex := fs.String("executor", "", "Executor to allow (REQUIRED)")
	revoke := fs.Bool("revoke", false, "Remove the executor instead of allowing it")
	return operate(fs, c, args, stdout, stderr, func(ctx context.Context, _ *app, op *executor.Operator) (*executor.ExecutionResult, error) {
		return op.Authorize(ctx, *vaultHex, *executorHex, !*revoke)
	})
}

func runConfigureCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("configure", stderr)
	vaultHex := fs.String("vault", "", "Vault address (REQUIRED)")
	rulesPath := fs.String("rules", "", "YAML or JSON file holding the rule list (REQUIRED)")
	return operate(fs, c, args, stdout, stderr, func(ctx context.Context, a *app, op *executor.Operator) (*executor.ExecutionResult, error) {
		rules, err := loadRules(*rulesPath, a.cfg.TokenDecimals)
		if err != nil {
			return nil, err
		}
		return op.Configure(ctx, *vaultHex, rules)
	})
}

// loadRules reads a rule list in the shape POST /api/vault/configure accepts.
func loadRules(path string, decimals uint8) ([]vault.SpendingRule, error) {
	if path == "" {
		return nil, errors.New("--rules is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var reqs []api.RuleRequest
	if err := yaml.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%s holds no rules", path)
	}
	rules := make([]vault.SpendingRule, 0, len(reqs))
	for i, rr := range reqs {
		rule, err := rr.Rule(decimals)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func runWithdrawCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("withdraw", stderr)
	vaultHex := fs.String("vault", "", "Vault address (REQUIRED)")
	tokenHex := fs.String("token", "", "Token to withdraw (default SETTLEMENT_TOKEN_ADDRESS)")
	to := fs.String("to", "", "Recipient address (REQUIRED)")
	amountStr := fs.String("amount", "", "Amount in token units (REQUIRED)")
	return operate(fs, c, args, stdout, stderr, func(ctx context.Context, a *app, op *executor.Operator) (*executor.ExecutionResult, error) {
		amount, err := positive(*amountStr, a.cfg.TokenDecimals)
		if err != nil {
			return nil, err
		}
		token := *tokenHex
		if token == "" {
			token = a.cfg.SettlementToken
		}
		return op.Withdraw(ctx, *vaultHex, token, amount, *to)
	})
}

func runApproveCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("approve", stderr)
	tokenHex := fs.String("token", "", "Token to approve (default SETTLEMENT_TOKEN_ADDRESS)")
	spenderHex := fs.String("spender", "", "Spender, usually the vault (REQUIRED)")
	amountStr := fs.String("amount", "", "Allowance in token units; omit to approve the maximum")
	decimals := fs.Uint("decimals", 0, "Token decimals (default SETTLEMENT_TOKEN_DECIMALS)")
	return operate(fs, c, args, stdout, stderr, func(ctx context.Context, a *app, op *executor.Operator) (*executor.ExecutionResult, error) {
		token := *tokenHex
		if token == "" {
			token = a.cfg.SettlementToken
		}
		var amount *big.Int
		if *amountStr != "" {
			dec := a.cfg.TokenDecimals
			if *decimals > 0 {
				dec = uint8(min(*decimals, 255)) //nolint:gosec // clamped
			}
			var err error
			if amount, err = positive(*amountStr, dec); err != nil {
				return nil, err
			}
		}
		return op.Approve(ctx, token, *spenderHex, amount)
	})
}

func runTransferCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("transfer", stderr)
	tokenHex := fs.String("token", "", "Token to send (default SETTLEMENT_TOKEN_ADDRESS)")
	to := fs.String("to", "", "Recipient address (REQUIRED)")
	amountStr := fs.String("amount", "", "Amount in token units (REQUIRED)")
	return operate(fs, c, args, stdout, stderr, func(ctx context.Context, a *app, op *executor.Operator) (*executor.ExecutionResult, error) {
		amount, err := positive(*amountStr, a.cfg.TokenDecimals)
		if err != nil {
			return nil, err
		}
		token := *tokenHex
		if token == "" {
			token = a.cfg.SettlementToken
		}
		return op.Transfer(ctx, token, *to, amount)
	})
}

func runRegisterTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("register-token", stderr)
	tokenHex := fs.String("token", "", "Token the smart account should accept for gas (default SETTLEMENT_TOKEN_ADDRESS)")
	return operate(fs, c, args, stdout, stderr, func(ctx context.Context, a *app, op *executor.Operator) (*executor.ExecutionResult, error) {
		token := *tokenHex
		if token == "" {
			token = a.cfg.SettlementToken
		}
		return op.RegisterToken(ctx, token)
	})
}
