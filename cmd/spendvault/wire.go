package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/spendvault/pkg/activity"
	"github.com/Mindburn-Labs/spendvault/pkg/budget"
	"github.com/Mindburn-Labs/spendvault/pkg/bundler"
	"github.com/Mindburn-Labs/spendvault/pkg/chain"
	"github.com/Mindburn-Labs/spendvault/pkg/config"
	"github.com/Mindburn-Labs/spendvault/pkg/executor"
	"github.com/Mindburn-Labs/spendvault/pkg/observability"
	"github.com/Mindburn-Labs/spendvault/pkg/retry"
	"github.com/Mindburn-Labs/spendvault/pkg/signer"
	"github.com/Mindburn-Labs/spendvault/pkg/userop"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

const leaseTTL = 30 * time.Second

// app holds the components shared by the commands. Each command builds only
// what it needs; Close releases everything that was opened.
type app struct {
	cfg        *config.Config
	telemetry  *observability.Provider
	rpc        *chain.RPCReader
	contracts  *vault.Reader
	reconciler *budget.Reconciler
	enforcer   *budget.Enforcer

	db      *sql.DB
	sub     *submission
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("RPC_URL is not set (pass --network or set it in the environment)")
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	tel, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &app{cfg: cfg, telemetry: tel}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	})

	a.rpc, err = chain.Dial(ctx, cfg.RPCURL,
		chain.WithTimeout(cfg.RPCTimeout),
		chain.WithRateLimit(cfg.RPCRateLimit, 0),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.contracts = vault.NewReader(a.rpc)
	a.reconciler = budget.NewReconciler(a.rpc, budget.WithTelemetry(tel))

	var receipts budget.ReceiptLog = budget.NewMemoryReceiptLog()
	if cfg.DatabaseURL != "" {
		db, err := a.postgres()
		if err != nil {
			a.Close()
			return nil, err
		}
		pg := budget.NewPostgresReceiptLog(db)
		if err := pg.Init(ctx); err != nil {
			a.Close()
			return nil, err
		}
		receipts = pg
	}
	a.enforcer = budget.NewEnforcer(a.contracts, a.reconciler, receipts)
	return a, nil
}

// Close runs the closers in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) postgres() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sql.Open("postgres", a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() { _ = db.Close() })
	return db, nil
}

// activityStore selects the cache backend from ACTIVITY_STORE.
func (a *app) activityStore(ctx context.Context) (activity.Store, error) {
	switch a.cfg.ActivityStore {
	case "sqlite":
		s, err := activity.OpenSQLiteStore(a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil
	case "postgres":
		db, err := a.postgres()
		if err != nil {
			return nil, err
		}
		s := activity.NewPostgresStore(db)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return activity.NewMemoryStore(), nil
	}
}

func (a *app) coordinator(ctx context.Context) (*activity.Coordinator, error) {
	if a.cfg.ExplorerAPIURL == "" {
		return nil, errors.New("EXPLORER_API_URL is not set")
	}
	store, err := a.activityStore(ctx)
	if err != nil {
		return nil, err
	}
	opts := []activity.Option{
		activity.WithTTL(a.cfg.SyncTTL),
		activity.WithLimit(a.cfg.ActivityLimit),
		activity.WithTelemetry(a.telemetry),
	}
	if a.cfg.RedisAddr != "" {
		lease := activity.NewRedisLease(a.cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, leaseTTL)
		if err := lease.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "redis unreachable, syncing without a shared lease", "addr", a.cfg.RedisAddr, "error", err)
			_ = lease.Close()
		} else {
			opts = append(opts, activity.WithLease(lease))
			a.closers = append(a.closers, func() { _ = lease.Close() })
		}
	}
	c := activity.NewCoordinator(store, activity.NewExplorerFetcher(a.cfg.ExplorerAPIURL, a.cfg.ExplorerTimeout), opts...)
	a.closers = append(a.closers, c.Close)
	return c, nil
}

// submitter is the shared pipeline bound to one signing key.
type submitter struct {
	*submission
	signer common.Address
	sign   executor.SignFuncs
}

// submission is the key-independent half: builder, bundler, ladder, pipeline.
type submission struct {
	pipeline *executor.Pipeline
	builder  *userop.Builder
}

func (a *app) spender(ctx context.Context, keyEnv string) (*executor.Spender, error) {
	sub, err := a.submitter(ctx, keyEnv)
	if err != nil {
		return nil, err
	}
	return executor.NewSpender(sub.pipeline, a.enforcer, sub.signer, sub.sign), nil
}

func (a *app) operator(ctx context.Context, keyEnv string) (*executor.Operator, error) {
	sub, err := a.submitter(ctx, keyEnv)
	if err != nil {
		return nil, err
	}
	return executor.NewOperator(sub.pipeline, sub.builder, sub.signer, sub.sign), nil
}

// submitter binds the key held in the environment variable keyEnv to the
// shared submission stack.
func (a *app) submitter(ctx context.Context, keyEnv string) (*submitter, error) {
	if a.cfg.BundlerURL == "" {
		return nil, errors.New("BUNDLER_URL is not set")
	}
	key, err := signer.FromEnv(keyEnv)
	if err != nil {
		return nil, err
	}
	sub, err := a.submission(ctx)
	if err != nil {
		return nil, err
	}
	return &submitter{
		submission: sub,
		signer:     key.Address(),
		sign:       executor.SignFuncs{Prefixed: key.PersonalSign, Raw: key.RawSign},
	}, nil
}

// submission dials the bundler once per app and assembles the pipeline around it.
func (a *app) submission(ctx context.Context) (*submission, error) {
	if a.sub != nil {
		return a.sub, nil
	}
	entryPoint, err := requiredAddress("ENTRYPOINT_ADDRESS", a.cfg.EntryPoint)
	if err != nil {
		return nil, err
	}
	factory, err := optionalAddress("ACCOUNT_FACTORY_ADDRESS", a.cfg.AccountFactory)
	if err != nil {
		return nil, err
	}
	pm, err := optionalAddress("PAYMASTER_ADDRESS", a.cfg.Paymaster)
	if err != nil {
		return nil, err
	}
	token, err := optionalAddress("SETTLEMENT_TOKEN_ADDRESS", a.cfg.SettlementToken)
	if err != nil {
		return nil, err
	}

	chainID := big.NewInt(a.cfg.ChainID)
	if a.cfg.ChainID == 0 {
		if chainID, err = a.rpc.ChainID(ctx); err != nil {
			return nil, err
		}
	}

	bc, err := bundler.Dial(ctx, a.cfg.BundlerURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, bc.Close)

	paymaster := userop.PaymasterConfig{
		Address:         pm,
		SettlementToken: token,
		VerificationGas: a.cfg.PaymasterVerificationGas,
		PostOpGas:       a.cfg.PaymasterPostOpGas,
	}
	builder := userop.NewBuilder(a.rpc, bc, userop.BuilderConfig{
		EntryPoint: entryPoint,
		Factory:    factory,
		Paymaster:  paymaster,
		FixedGas:   userop.FixedGas(a.cfg.FixedVerificationGas, a.cfg.FixedCallGas, a.cfg.FixedPreVerificationGas),
	})
	poller := bundler.NewPoller(bc, retry.BackoffPolicy{
		BaseMs:      a.cfg.PollBaseMs,
		MaxMs:       a.cfg.PollMaxMs,
		MaxJitterMs: 250,
		MaxAttempts: a.cfg.PollMaxAttempts,
	})
	ladder := executor.NewLadder(builder, bc, poller, entryPoint, chainID, a.telemetry)
	a.sub = &submission{
		pipeline: executor.NewPipeline(builder, ladder, paymaster),
		builder:  builder,
	}
	return a.sub, nil
}

func requiredAddress(name, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s is not set", name)
	}
	return optionalAddress(name, s)
}

func optionalAddress(name, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	addr, err := vault.ParseAddress(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return addr, nil
}
