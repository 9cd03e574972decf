package api

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/spendvault/pkg/activity"
	"github.com/Mindburn-Labs/spendvault/pkg/budget"
	"github.com/Mindburn-Labs/spendvault/pkg/executor"
	"github.com/Mindburn-Labs/spendvault/pkg/observability"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// VaultInfoReader reads a vault snapshot. *vault.Reader implements it.
type VaultInfoReader interface {
	Info(ctx context.Context, vault common.Address, opts vault.InfoOptions) (*vault.Info, error)
}

// BudgetService reconciles and checks spends. *budget.Enforcer implements it.
type BudgetService interface {
	CurrentWindow(ctx context.Context, vaultHex string) (*budget.Reconciliation, error)
	Check(ctx context.Context, vaultHex string, amount *big.Int, recipientHex string) (*budget.Decision, error)
}

// ActivityService serves cached wallet activity. *activity.Coordinator implements it.
type ActivityService interface {
	EnsureFresh(ctx context.Context, address string, force bool) (*activity.Snapshot, error)
	Trigger(ctx context.Context, address string, force bool) (*activity.Snapshot, error)
}

// SpendService executes a checked spend. *executor.Spender implements it.
type SpendService interface {
	Spend(ctx context.Context, vaultHex, recipientHex string, amount *big.Int) (*executor.SpendResult, error)
}

// OperatorService submits the owner's vault administration calls and the smart
// account's token calls. *executor.Operator implements it.
type OperatorService interface {
	Authorize(ctx context.Context, vaultHex, executorHex string, allowed bool) (*executor.ExecutionResult, error)
	Configure(ctx context.Context, vaultHex string, rules []vault.SpendingRule) (*executor.ExecutionResult, error)
	Withdraw(ctx context.Context, vaultHex, tokenHex string, amount *big.Int, recipientHex string) (*executor.ExecutionResult, error)
	Approve(ctx context.Context, tokenHex, spenderHex string, amount *big.Int) (*executor.ExecutionResult, error)
	Transfer(ctx context.Context, tokenHex, recipientHex string, amount *big.Int) (*executor.ExecutionResult, error)
	RegisterToken(ctx context.Context, tokenHex string) (*executor.ExecutionResult, error)
}

// Options configures a Server.
type Options struct {
	TokenDecimals  uint8
	FallbackSymbol string
	Executor       common.Address

	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string

	// Idempotency backs the submitting POST routes. Nil uses an in-memory store.
	Idempotency IdempotencyStore

	// Auth guards the submitting POST routes. Nil leaves them open.
	Auth *JWTValidator

	// Operator serves the administration routes. Nil makes them answer 503.
	Operator OperatorService

	Telemetry *observability.Provider
}

// Server wires the handlers and middleware.
type Server struct {
	info     VaultInfoReader
	budget   BudgetService
	activity ActivityService
	spender  SpendService
	operator OperatorService
	opts     Options
	limiter  *ClientLimiter
	logger   *slog.Logger
	handler  http.Handler
	stop     chan struct{}
	once     sync.Once
}

// NewServer builds the HTTP surface. spender may be nil, in which case
// /api/vault/execute answers 503.
func NewServer(info VaultInfoReader, bs BudgetService, act ActivityService, spender SpendService, opts Options) *Server {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = opts.RateLimitRPS * 2
	}
	if opts.FallbackSymbol == "" {
		opts.FallbackSymbol = activity.NativeSymbol
	}
	if opts.Idempotency == nil {
		opts.Idempotency = NewMemoryIdempotencyStore(24 * time.Hour)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = observability.Nop()
	}
	s := &Server{
		info:     info,
		budget:   bs,
		activity: act,
		spender:  spender,
		operator: opts.Operator,
		opts:     opts,
		limiter:  NewClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		logger:   slog.Default().With("component", "api"),
		stop:     make(chan struct{}),
	}
	if sw, ok := opts.Idempotency.(sweeper); ok {
		go s.sweep(sw, time.Hour)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/vault/info", s.handleVaultInfo)
	mux.HandleFunc("GET /api/vault/activity", s.handleVaultActivity)
	mux.HandleFunc("POST /api/vault/preflight", s.handlePreflight)
	mux.HandleFunc("GET /api/wallet/activity", s.handleWalletActivity)

	submit := func(h http.HandlerFunc) http.Handler {
		return BearerAuth(opts.Auth)(IdempotencyMiddleware(opts.Idempotency)(h))
	}
	mux.Handle("POST /api/vault/execute", submit(s.handleExecute))
	mux.Handle("POST /api/vault/authorize", submit(s.handleAuthorize))
	mux.Handle("POST /api/vault/configure", submit(s.handleConfigure))
	mux.Handle("POST /api/vault/withdraw", submit(s.handleWithdraw))
	mux.Handle("POST /api/wallet/approve-erc20", submit(s.handleApprove))
	mux.Handle("POST /api/wallet/transfer", submit(s.handleTransfer))
	mux.Handle("POST /api/wallet/add-supported-token", submit(s.handleRegisterToken))

	var h http.Handler = mux
	h = s.limiter.Middleware(h)
	h = TracingMiddleware(opts.Telemetry)(h)
	h = LoggingMiddleware(s.logger)(h)
	h = CORSMiddleware(opts.CORSOrigins)(h)
	h = RequestIDMiddleware(h)
	s.handler = h
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.limiter.Close()
	})
}

type sweeper interface{ Sweep() }

func (s *Server) sweep(sw sweeper, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			sw.Sweep()
		}
	}
}

// TracingMiddleware wraps each request in a telemetry operation.
func TracingMiddleware(p *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, finish := p.TrackOperation(r.Context(), "http "+r.Method+" "+r.URL.Path)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			var err error
			if rec.status >= 500 {
				err = errStatus(rec.status)
			}
			finish(err)
		})
	}
}

type errStatus int

func (e errStatus) Error() string { return http.StatusText(int(e)) }
