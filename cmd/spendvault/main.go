package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Mindburn-Labs/spendvault/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "info":
		return runInfoCmd(args[2:], stdout, stderr)
	case "reconcile":
		return runReconcileCmd(args[2:], stdout, stderr)
	case "locate":
		return runLocateCmd(args[2:], stdout, stderr)
	case "preflight":
		return runPreflightCmd(args[2:], stdout, stderr)
	case "activity":
		return runActivityCmd(args[2:], stdout, stderr)
	case "execute":
		return runExecuteCmd(args[2:], stdout, stderr)
	case "authorize":
		return runAuthorizeCmd(args[2:], stdout, stderr)
	case "configure":
		return runConfigureCmd(args[2:], stdout, stderr)
	case "withdraw":
		return runWithdrawCmd(args[2:], stdout, stderr)
	case "approve":
		return runApproveCmd(args[2:], stdout, stderr)
	case "transfer":
		return runTransferCmd(args[2:], stdout, stderr)
	case "register-token":
		return runRegisterTokenCmd(args[2:], stdout, stderr)
	case "networks":
		return runNetworksCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "spendvault: spending-rule vault client")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  spendvault <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP API")
	printCommand(w, "info", "Show a vault snapshot (--vault, --executor)")
	printCommand(w, "reconcile", "Reconcile the current budget window (--vault)")
	printCommand(w, "locate", "Find the first block at or after a timestamp (--ts)")
	printCommand(w, "preflight", "Check a spend without submitting (--vault, --to, --amount)")
	printCommand(w, "activity", "Sync and print wallet activity (--address)")
	printCommand(w, "execute", "Check and submit a spend (--vault, --to, --amount, --key-env)")
	printCommand(w, "authorize", "Allow or revoke a vault executor (--vault, --executor, --revoke)")
	printCommand(w, "configure", "Replace a vault's spending rules (--vault, --rules)")
	printCommand(w, "withdraw", "Withdraw tokens from a vault (--vault, --token, --to, --amount)")
	printCommand(w, "approve", "Approve a spender from the smart account (--token, --spender, --amount)")
	printCommand(w, "transfer", "Send tokens from the smart account (--token, --to, --amount)")
	printCommand(w, "register-token", "Register a gas token on the smart account (--token)")
	printCommand(w, "networks", "List known network profiles")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Every command accepts --network <name> and --profiles <dir>.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-15s %s\n", name, desc)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	network  string
	profiles string
	jsonOut  bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &commonFlags{}
	fs.StringVar(&c.network, "network", os.Getenv("SPENDVAULT_NETWORK"), "Network profile name (e.g. kite_testnet)")
	fs.StringVar(&c.profiles, "profiles", envOr("SPENDVAULT_PROFILES", "pkg/config/profiles"), "Directory holding network_<name>.yaml profiles")
	fs.BoolVar(&c.jsonOut, "json", true, "Print results as JSON")
	return fs, c
}

// loadConfig reads the environment, overlays the selected network profile and
// installs the process logger.
func loadConfig(c *commonFlags, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.network != "" {
		profile, err := config.LoadNetworkProfile(c.profiles, c.network)
		if err != nil {
			return nil, err
		}
		cfg.ApplyProfile(profile)
	}
	slog.SetDefault(newLogger(cfg, stderr))
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
