package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/spendvault/pkg/chain"
	"github.com/Mindburn-Labs/spendvault/pkg/fault"
	"github.com/Mindburn-Labs/spendvault/pkg/observability"
	"github.com/Mindburn-Labs/spendvault/pkg/vault"
)

// RecentEventLimit bounds Reconciliation.RecentEvents. Display only.
const RecentEventLimit = 10

const defaultTimestampConcurrency = 8

// Reconciler computes spent and remaining budget for the current window from the
// vault's SpendExecuted log. It holds no state between calls: two calls against
// unchanged chain state return identical results.
type Reconciler struct {
	chain       chain.Reader
	locator     *chain.BlockLocator
	concurrency int
	telemetry   *observability.Provider
	logger      *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithTimestampConcurrency bounds parallel block timestamp reads.
func WithTimestampConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithTelemetry attaches a telemetry provider.
func WithTelemetry(p *observability.Provider) ReconcilerOption {
	return func(r *Reconciler) { r.telemetry = p }
}

// NewReconciler creates a Reconciler over c.
func NewReconciler(c chain.Reader, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		chain:       c,
		locator:     chain.NewBlockLocator(c),
		concurrency: defaultTimestampConcurrency,
		logger:      slog.Default().With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.telemetry == nil {
		r.telemetry = observability.Nop()
	}
	return r
}

// Locator exposes the block locator used for window bounds.
func (r *Reconciler) Locator() *chain.BlockLocator { return r.locator }

// Reconcile returns the budget state of rule's current window at now (unix seconds).
// Amounts are summed as integers over every fetched event inside the window;
// RecentEvents is a truncated view and does not affect the sum.
func (r *Reconciler) Reconcile(ctx context.Context, vaultAddr common.Address, rule vault.SpendingRule, now int64) (res *Reconciliation, err error) {
	ctx, finish := r.telemetry.TrackOperation(ctx, "budget.reconcile", observability.VaultOperation(vaultAddr.Hex())...)
	defer func() { finish(err) }()

	windowStart := CurrentWindowStart(rule, now)

	var fromBlock uint64
	if windowStart > 0 {
		fromBlock, err = r.locator.Locate(ctx, uint64(windowStart))
		if err != nil {
			return nil, fmt.Errorf("locate window start %d: %w", windowStart, err)
		}
	}

	head, err := r.chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	if fromBlock > head {
		fromBlock = head
	}

	logs, err := r.chain.Logs(ctx, chain.LogQuery{
		Address:   vaultAddr,
		FromBlock: fromBlock,
		ToBlock:   &head,
		Topics:    [][]common.Hash{{vault.SpendExecutedTopic}},
	})
	if err != nil {
		return nil, err
	}

	events := make([]ActivityEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := vault.ParseSpendExecuted(l)
		if err != nil {
			return nil, fault.Wrap(fault.KindChainRead, "budget.decode_log", err)
		}
		events = append(events, ActivityEvent{
			TxHash:      ev.TxHash,
			BlockNumber: ev.BlockNumber,
			LogIndex:    ev.LogIndex,
			From:        ev.Executor,
			To:          ev.Recipient,
			Amount:      ev.Amount,
		})
	}

	observability.AddSpanEvent(ctx, "budget.logs_fetched",
		observability.AttrFromBlock.Int64(int64(fromBlock)), //nolint:gosec // block numbers fit in int64
		observability.AttrEvents.Int(len(events)),
	)

	timestamps, err := r.blockTimestamps(ctx, events)
	if err != nil {
		return nil, err
	}

	spent := new(big.Int)
	for i := range events {
		events[i].Timestamp = timestamps[events[i].BlockNumber]
		if events[i].Timestamp >= windowStart {
			spent.Add(spent, events[i].Amount)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp > events[j].Timestamp
		}
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber > events[j].BlockNumber
		}
		return events[i].LogIndex > events[j].LogIndex
	})
	recent := events
	if len(recent) > RecentEventLimit {
		recent = recent[:RecentEventLimit]
	}

	res = &Reconciliation{
		Vault:           vaultAddr,
		Token:           rule.Token,
		WindowStart:     windowStart,
		WindowEnd:       WindowEnd(rule, windowStart),
		FromBlock:       fromBlock,
		ToBlock:         head,
		Budget:          budgetOf(rule),
		SpentInWindow:   spent,
		RemainingBudget: Remaining(budgetOf(rule), spent),
		EventCount:      len(events),
		RecentEvents:    recent,
	}
	r.logger.InfoContext(ctx, "reconciled budget window",
		"vault", vaultAddr,
		"window_start", windowStart,
		"from_block", fromBlock,
		"to_block", head,
		"events", len(events),
		"spent", spent,
		"remaining", res.RemainingBudget,
	)
	return res, nil
}

// Remaining is max(budget - spent, 0).
func Remaining(budget, spent *big.Int) *big.Int {
	rem := new(big.Int).Sub(budget, spent)
	if rem.Sign() < 0 {
		return rem.SetInt64(0)
	}
	return rem
}

func budgetOf(rule vault.SpendingRule) *big.Int {
	if rule.Budget == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(rule.Budget)
}

// blockTimestamps resolves each distinct block once, in parallel.
func (r *Reconciler) blockTimestamps(ctx context.Context, events []ActivityEvent) (map[uint64]int64, error) {
	out := make(map[uint64]int64)
	var blocks []uint64
	seen := make(map[uint64]bool)
	for _, ev := range events {
		if !seen[ev.BlockNumber] {
			seen[ev.BlockNumber] = true
			blocks = append(blocks, ev.BlockNumber)
		}
	}
	if len(blocks) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, number := range blocks {
		g.Go(func() error {
			ts, err := r.chain.BlockTimestamp(gctx, number)
			if err != nil {
				return err
			}
			mu.Lock()
			out[number] = int64(ts)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.logger.DebugContext(ctx, "resolved block timestamps", "blocks", len(out))
	return out, nil
}
