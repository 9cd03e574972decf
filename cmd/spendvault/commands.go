package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/spendvault/pkg/activity"
	"github.com/Mindburn-Labs/spendvault/pkg/api"
	"github.com/Mindburn-Labs/spendvault/pkg/config"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// session parses flags, loads config and builds the app. The returned cleanup
// must be called even when err is nil.
func session(fs *flag.FlagSet, args []string, c *commonFlags, stderr io.Writer) (context.Context, *app, func(), error) {
	if err := fs.Parse(args); err != nil {
		return nil, nil, func() {}, usageError{err}
	}
	cfg, err := loadConfig(c, stderr)
	if err != nil {
		return nil, nil, func() {}, err
	}
	ctx, cancel := signalContext()
	a, err := newApp(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, func() {}, err
	}
	return ctx, a, func() { a.Close(); cancel() }, nil
}

// usageError marks a flag parse failure; the flag package has already printed it.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func fail(stderr io.Writer, err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		if errors.Is(ue.err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printResult(stdout io.Writer, jsonOut bool, v any, text func(io.Writer)) int {
	if !jsonOut && text != nil {
		text(stdout)
		return 0
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("serve", stderr)
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}
	cfg := a.cfg

	act, err := a.coordinator(ctx)
	if err != nil {
		return fail(stderr, err)
	}

	var spender api.SpendService
	if sp, err := a.spender(ctx, cfg.ExecutorKeyEnv); err != nil {
		slog.WarnContext(ctx, "server-side execution disabled", "reason", err)
	} else {
		spender = sp
	}
	var operator api.OperatorService
	if op, err := a.operator(ctx, cfg.OwnerKeyEnv); err != nil {
		slog.WarnContext(ctx, "administration routes disabled", "reason", err)
	} else {
		operator = op
	}

	executorAddr, err := optionalAddress("EXECUTOR_ADDRESS", cfg.Executor)
	if err != nil {
		return fail(stderr, err)
	}
	opts := api.Options{
		TokenDecimals:  cfg.TokenDecimals,
		Executor:       executorAddr,
		RateLimitRPS:   cfg.APIRateLimit,
		CORSOrigins:    cfg.CORSOrigins,
		Telemetry:      a.telemetry,
		FallbackSymbol: activity.NativeSymbol,
		Auth:           api.NewJWTValidator(cfg.APIJWTSecret, cfg.APIJWTIssuer),
		Operator:       operator,
	}
	if (spender != nil || operator != nil) && opts.Auth == nil {
		slog.WarnContext(ctx, "submitting endpoints are enabled without API_JWT_SECRET")
	}
	if cfg.DatabaseURL != "" {
		db, err := a.postgres()
		if err != nil {
			return fail(stderr, err)
		}
		store := api.NewPostgresIdempotencyStore(db, 24*time.Hour)
		if err := store.Init(ctx); err != nil {
			return fail(stderr, err)
		}
		opts.Idempotency = store
	}

	srv := api.NewServer(a.contracts, a.enforcer, act, spender, opts)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", httpSrv.Addr, "execute_enabled", spender != nil, "admin_enabled", operator != nil)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fail(stderr, err)
		}
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			return fail(stderr, err)
		}
		_, _ = fmt.Fprintln(stdout, "shut down")
	}
	return 0
}

func runInfoCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("info", stderr)
	vaultHex := fs.String("vault", "", "Vault address (REQUIRED)")
	executorHex := fs.String("executor", "", "Executor whose authorization is checked")
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}

	addr, err := vault.ParseAddress(*vaultHex)
	if err != nil {
		return fail(stderr, err)
	}
	if *executorHex == "" {
		*executorHex = a.cfg.Executor
	}
	executorAddr, err := optionalAddress("executor", *executorHex)
	if err != nil {
		return fail(stderr, err)
	}

	info, err := a.contracts.Info(ctx, addr, vault.InfoOptions{
		Executor:         executorAddr,
		FallbackSymbol:   activity.NativeSymbol,
		FallbackDecimals: a.cfg.TokenDecimals,
	})
	if err != nil {
		return fail(stderr, err)
	}
	return printResult(stdout, c.jsonOut, info, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "vault            %s (deployed=%t)\n", info.Address.Hex(), info.Deployed)
		_, _ = fmt.Fprintf(w, "token            %s %s\n", info.TokenSymbol, info.SettlementToken.Hex())
		_, _ = fmt.Fprintf(w, "spending account %s\n", info.SpendingAccount.Hex())
		_, _ = fmt.Fprintf(w, "balance          %s\n", vault.FormatUnits(info.AccountBalance, info.TokenDecimals))
		_, _ = fmt.Fprintf(w, "current budget   %s\n", vault.FormatUnits(info.CurrentBudget, info.TokenDecimals))
		for _, d := range info.Diagnostics {
			_, _ = fmt.Fprintf(w, "! %s\n", d)
		}
	})
}

func runReconcileCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("reconcile", stderr)
	vaultHex := fs.String("vault", "", "Vault address (REQUIRED)")
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}

	rec, err := a.enforcer.CurrentWindow(ctx, *vaultHex)
	if err != nil {
		return fail(stderr, err)
	}
	dec := a.cfg.TokenDecimals
	return printResult(stdout, c.jsonOut, rec, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "window    %s .. blocks %d-%d\n", time.Unix(rec.WindowStart, 0).UTC().Format(time.RFC3339), rec.FromBlock, rec.ToBlock)
		_, _ = fmt.Fprintf(w, "budget    %s\n", vault.FormatUnits(rec.Budget, dec))
		_, _ = fmt.Fprintf(w, "spent     %s (%d events)\n", vault.FormatUnits(rec.SpentInWindow, dec), rec.EventCount)
		_, _ = fmt.Fprintf(w, "remaining %s\n", vault.FormatUnits(rec.RemainingBudget, dec))
	})
}

func runLocateCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("locate", stderr)
	tsFlag := fs.String("ts", "", "Unix seconds or RFC 3339 timestamp (REQUIRED)")
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}

	ts, err := parseTimestamp(*tsFlag)
	if err != nil {
		return fail(stderr, err)
	}
	block, err := a.reconciler.Locator().Locate(ctx, ts)
	if err != nil {
		return fail(stderr, err)
	}
	out := map[string]uint64{"timestamp": ts, "block": block}
	return printResult(stdout, c.jsonOut, out, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "%d\n", block)
	})
}

func parseTimestamp(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("--ts is required")
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("--ts: want unix seconds or RFC 3339, got %q", s)
	}
	if t.Unix() < 0 {
		return 0, fmt.Errorf("--ts: %q is before the epoch", s)
	}
	return uint64(t.Unix()), nil
}

func runPreflightCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("preflight", stderr)
	vaultHex := fs.String("vault", "", "Vault address (REQUIRED)")
	to := fs.String("to", "", "Recipient address (REQUIRED)")
	amountStr := fs.String("amount", "", "Amount in token units, e.g. 12.5 (REQUIRED)")
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}

	amount, err := vault.ParseUnits(*amountStr, a.cfg.TokenDecimals)
	if err != nil {
		return fail(stderr, err)
	}
	d, err := a.enforcer.Check(ctx, *vaultHex, amount, *to)
	if err != nil {
		return fail(stderr, err)
	}
	code := printResult(stdout, c.jsonOut, d, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "allowed=%t %s\n", d.Allowed, d.Reason)
	})
	if code == 0 && !d.Allowed {
		return 3
	}
	return code
}

func runActivityCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("activity", stderr)
	address := fs.String("address", "", "Wallet address (REQUIRED)")
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}

	addr, err := vault.ParseAddress(*address)
	if err != nil {
		return fail(stderr, err)
	}
	coord, err := a.coordinator(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	snap, err := coord.EnsureFresh(ctx, strings.ToLower(addr.Hex()), true)
	if err != nil {
		return fail(stderr, err)
	}
	if snap.Error != "" {
		_, _ = fmt.Fprintf(stderr, "warning: last sync failed: %s\n", snap.Error)
	}
	return printResult(stdout, c.jsonOut, snap, func(w io.Writer) {
		for _, r := range snap.Records {
			_, _ = fmt.Fprintf(w, "%s %-9s %s %s %s\n", time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339), r.Status, r.TxHash, r.Amount, r.Symbol)
		}
	})
}

func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("execute", stderr)
	vaultHex := fs.String("vault", "", "Vault address (REQUIRED)")
	to := fs.String("to", "", "Recipient address (REQUIRED)")
	amountStr := fs.String("amount", "", "Amount in token units (REQUIRED)")
	keyEnv := fs.String("key-env", "", "Environment variable holding the signer's private key (default EXECUTOR_KEY_ENV)")
	ctx, a, cleanup, err := session(fs, args, c, stderr)
	defer cleanup()
	if err != nil {
		return fail(stderr, err)
	}
	if *keyEnv == "" {
		*keyEnv = a.cfg.ExecutorKeyEnv
	}

	amount, err := vault.ParseUnits(*amountStr, a.cfg.TokenDecimals)
	if err != nil {
		return fail(stderr, err)
	}
	sp, err := a.spender(ctx, *keyEnv)
	if err != nil {
		return fail(stderr, err)
	}
	res, err := sp.Spend(ctx, *vaultHex, *to, amount)
	if res != nil {
		printResult(stdout, c.jsonOut, res, nil)
	}
	if err != nil {
		return fail(stderr, err)
	}
	if !res.Execution.Succeeded() {
		_, _ = fmt.Fprintf(stderr, "operation ended %s: %s\n", res.Execution.Status, res.Execution.Reason)
		return 1
	}
	return 0
}

func runNetworksCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("networks", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	profiles, err := config.LoadAllNetworkProfiles(c.profiles)
	if err != nil {
		return fail(stderr, err)
	}
	codes := make([]string, 0, len(profiles))
	for code := range profiles {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		p := profiles[code]
		_, _ = fmt.Fprintf(stdout, "%-14s chain=%-6d testnet=%t %s\n", code, p.ChainID, p.IsTestnet(), p.Name)
	}
	return 0
}
