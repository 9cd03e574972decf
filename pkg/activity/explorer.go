package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/spendvault/pkg/util/resiliency"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// Fetcher pulls the latest transfers of an address from an upstream source.
type Fetcher interface {
	Fetch(ctx context.Context, address string) ([]Record, error)
}

const (
	// DefaultExplorerTimeout bounds one explorer request.
	DefaultExplorerTimeout = 12 * time.Second

	// NativeSymbol is the chain's native currency.
	NativeSymbol = "KITE"

	nativeDecimals  = 18
	fallbackSymbol  = "TOKEN"
	explorerPageLen = 100
)

// ExplorerFetcher reads native and token transfers from an Etherscan-compatible
// account API.
type ExplorerFetcher struct {
	base   string
	client *resiliency.Client
	logger *slog.Logger
}

// NewExplorerFetcher creates a fetcher for the API rooted at base, e.g.
// "https://testnet.kitescan.ai/api". timeout <= 0 uses DefaultExplorerTimeout.
func NewExplorerFetcher(base string, timeout time.Duration) *ExplorerFetcher {
	if timeout <= 0 {
		timeout = DefaultExplorerTimeout
	}
	return &ExplorerFetcher{
		base:   strings.TrimRight(base, "/"),
		client: resiliency.NewClient("explorer", timeout),
		logger: slog.Default().With("component", "explorer"),
	}
}

// explorerResponse is the envelope every account action returns. Result is
// an array on success and a string on most errors.
type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	IsError         string `json:"isError"`
	ReceiptStatus   string `json:"txreceipt_status"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// Fetch loads both transfer lists in parallel. Either failing fails the fetch.
func (f *ExplorerFetcher) Fetch(ctx context.Context, address string) ([]Record, error) {
	var native, token []Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		native, err = f.list(gctx, "txlist", address)
		return err
	})
	g.Go(func() error {
		var err error
		token, err = f.list(gctx, "tokentx", address)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(append(native, token...), nil, DefaultLimit), nil
}

func (f *ExplorerFetcher) list(ctx context.Context, action, address string) ([]Record, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", address)
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(explorerPageLen))
	q.Set("sort", "desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("explorer %s: %w", action, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer %s: %w", action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("explorer %s: read body: %w", action, err)
	}
	var env explorerResponse
	decodeErr := json.Unmarshal(body, &env)
	if resp.StatusCode != http.StatusOK {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("explorer %s: %s", action, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("explorer %s: decode: %w", action, decodeErr)
	}
	if env.Status == "0" {
		// "No transactions found" and throttling notices both land here.
		f.logger.DebugContext(ctx, "explorer returned no rows", "action", action, "message", env.Message)
		return []Record{}, nil
	}

	var rows []explorerTx
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return []Record{}, nil
	}
	out := make([]Record, 0, len(rows))
	for _, tx := range rows {
		if action == "tokentx" {
			out = append(out, tokenRecord(tx))
		} else {
			out = append(out, nativeRecord(tx))
		}
	}
	return out, nil
}

func nativeRecord(tx explorerTx) Record {
	r := baseRecord(tx)
	r.Kind = KindNative
	r.Symbol = NativeSymbol
	r.Decimals = nativeDecimals
	r.Amount = vault.FormatUnits(r.Value, r.Decimals)
	return r
}

func tokenRecord(tx explorerTx) Record {
	r := baseRecord(tx)
	r.Kind = KindToken
	r.Symbol = tx.TokenSymbol
	if r.Symbol == "" {
		r.Symbol = fallbackSymbol
	}
	r.Decimals = nativeDecimals
	if d, err := strconv.ParseUint(tx.TokenDecimal, 10, 8); err == nil {
		r.Decimals = uint8(d)
	}
	r.Token = strings.ToLower(tx.ContractAddress)
	r.Amount = vault.FormatUnits(r.Value, r.Decimals)
	return r
}

func baseRecord(tx explorerTx) Record {
	value, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok {
		value = new(big.Int)
	}
	ts, _ := strconv.ParseInt(tx.TimeStamp, 10, 64)
	block, _ := strconv.ParseUint(tx.BlockNumber, 10, 64)
	status := StatusConfirmed
	if tx.IsError == "1" || tx.ReceiptStatus == "0" {
		status = StatusFailed
	}
	return Record{
		TxHash:      tx.Hash,
		BlockNumber: block,
		Timestamp:   ts,
		From:        tx.From,
		To:          tx.To,
		Value:       value,
		Status:      status,
	}
}
