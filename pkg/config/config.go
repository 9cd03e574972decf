package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultEntryPoint is the canonical EntryPoint v0.7 deployment.
const DefaultEntryPoint = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"

// Config holds server and CLI configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	// APIRateLimit is requests per second per client IP.
	APIRateLimit int

	// APIJWTSecret, when set, requires an HS256 bearer token on the execute endpoint.
	APIJWTSecret string
	APIJWTIssuer string

	RPCURL          string
	BundlerURL      string
	ChainID         int64
	EntryPoint      string
	AccountFactory  string
	Paymaster       string
	SettlementToken string
	TokenDecimals   uint8
	Executor        string
	ExecutorKeyEnv  string // name of the env var holding the executor's private key
	OwnerKeyEnv     string // same, for the vault owner's administration calls
	ExplorerAPIURL  string

	PaymasterVerificationGas uint64
	PaymasterPostOpGas       uint64

	RPCTimeout      time.Duration
	RPCRateLimit    int
	ExplorerTimeout time.Duration
	SyncTTL         time.Duration
	ActivityLimit   int

	ActivityStore string // "memory" | "sqlite" | "postgres"
	SQLitePath    string
	DatabaseURL   string
	RedisAddr     string

	PollMaxAttempts int
	PollBaseMs      int64
	PollMaxMs       int64

	FixedVerificationGas    uint64
	FixedCallGas            uint64
	FixedPreVerificationGas uint64

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables. Malformed numeric values
// are reported rather than silently replaced by defaults.
func Load() (*Config, error) {
	e := &envReader{}
	cfg := &Config{
		Port:         e.str("PORT", "8080"),
		LogLevel:     strings.ToUpper(e.str("LOG_LEVEL", "INFO")),
		LogFormat:    strings.ToLower(e.str("LOG_FORMAT", "text")),
		CORSOrigins:  e.list("CORS_ORIGINS"),
		APIRateLimit: int(e.int64("API_RATE_LIMIT", 20)),

		APIJWTSecret: os.Getenv("API_JWT_SECRET"),
		APIJWTIssuer: e.str("API_JWT_ISSUER", ""),

		RPCURL:          e.str("RPC_URL", ""),
		BundlerURL:      e.str("BUNDLER_URL", ""),
		ChainID:         e.int64("CHAIN_ID", 0),
		EntryPoint:      e.str("ENTRYPOINT_ADDRESS", DefaultEntryPoint),
		AccountFactory:  e.str("ACCOUNT_FACTORY_ADDRESS", ""),
		Paymaster:       e.str("PAYMASTER_ADDRESS", ""),
		SettlementToken: e.str("SETTLEMENT_TOKEN_ADDRESS", ""),
		TokenDecimals:   uint8(e.int64("SETTLEMENT_TOKEN_DECIMALS", 18)),
		Executor:        e.str("EXECUTOR_ADDRESS", ""),
		ExecutorKeyEnv:  e.str("EXECUTOR_KEY_ENV", "EXECUTOR_PRIVATE_KEY"),
		OwnerKeyEnv:     e.str("OWNER_KEY_ENV", "OWNER_PRIVATE_KEY"),
		ExplorerAPIURL:  e.str("EXPLORER_API_URL", ""),

		PaymasterVerificationGas: uint64(e.int64("PAYMASTER_VERIFICATION_GAS", 150000)),
		PaymasterPostOpGas:       uint64(e.int64("PAYMASTER_POSTOP_GAS", 100000)),

		RPCTimeout:      e.millis("RPC_TIMEOUT_MS", 20000),
		RPCRateLimit:    int(e.int64("RPC_RATE_LIMIT", 20)),
		ExplorerTimeout: e.millis("EXPLORER_TIMEOUT_MS", 12000),
		SyncTTL:         e.millis("SYNC_TTL_MS", 300000),
		ActivityLimit:   int(e.int64("ACTIVITY_CACHE_LIMIT", 100)),

		ActivityStore: strings.ToLower(e.str("ACTIVITY_STORE", "memory")),
		SQLitePath:    e.str("SQLITE_PATH", "spendvault.db"),
		DatabaseURL:   e.str("DATABASE_URL", ""),
		RedisAddr:     e.str("REDIS_ADDR", ""),

		PollMaxAttempts: int(e.int64("POLL_MAX_ATTEMPTS", 60)),
		PollBaseMs:      e.int64("POLL_BASE_MS", 1000),
		PollMaxMs:       e.int64("POLL_MAX_MS", 5000),

		FixedVerificationGas:    uint64(e.int64("FIXED_VERIFICATION_GAS", 1500000)),
		FixedCallGas:            uint64(e.int64("FIXED_CALL_GAS", 500000)),
		FixedPreVerificationGas: uint64(e.int64("FIXED_PREVERIFICATION_GAS", 1200000)),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: e.str("OTEL_ENDPOINT", "localhost:4317"),
	}
	if e.err != nil {
		return nil, e.err
	}
	switch cfg.ActivityStore {
	case "memory", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("config: ACTIVITY_STORE must be memory, sqlite or postgres, got %q", cfg.ActivityStore)
	}
	if cfg.ActivityStore == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required when ACTIVITY_STORE=postgres")
	}
	return cfg, nil
}

// ApplyProfile fills fields not set through the environment from a network
// profile. Environment variables always win.
func (c *Config) ApplyProfile(p *NetworkProfile) {
	if p == nil {
		return
	}
	fill := func(dst *string, env, v string) {
		if os.Getenv(env) == "" && v != "" {
			*dst = v
		}
	}
	fill(&c.RPCURL, "RPC_URL", p.RPCURL)
	fill(&c.BundlerURL, "BUNDLER_URL", p.BundlerURL)
	fill(&c.ExplorerAPIURL, "EXPLORER_API_URL", p.ExplorerAPIURL)
	fill(&c.EntryPoint, "ENTRYPOINT_ADDRESS", p.Contracts.EntryPoint)
	fill(&c.AccountFactory, "ACCOUNT_FACTORY_ADDRESS", p.Contracts.AccountFactory)
	fill(&c.Paymaster, "PAYMASTER_ADDRESS", p.Contracts.Paymaster)
	fill(&c.SettlementToken, "SETTLEMENT_TOKEN_ADDRESS", p.Contracts.SettlementToken)
	if os.Getenv("CHAIN_ID") == "" && p.ChainID != 0 {
		c.ChainID = p.ChainID
	}
	if os.Getenv("SETTLEMENT_TOKEN_DECIMALS") == "" && p.TokenDecimals != 0 {
		c.TokenDecimals = p.TokenDecimals
	}
}

type envReader struct {
	err error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) int64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		if e.err == nil {
			e.err = fmt.Errorf("config: %s must be a non-negative integer, got %q", key, v)
		}
		return def
	}
	return n
}

func (e *envReader) list(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (e *envReader) millis(key string, def int64) time.Duration {
	return time.Duration(e.int64(key, def)) * time.Millisecond
}
