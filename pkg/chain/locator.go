package chain

import (
	"context"
	"log/slog"
	"sync"
)

// TimestampSource is the part of Reader the locator needs.
type TimestampSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// BlockLocator finds the earliest block at or after a timestamp.
//
// Block timestamps must be non-decreasing in block number. The genesis timestamp is
// cached after the first successful read; everything else is probed per call, so a locator is safe
// for concurrent use and idempotent for unchanged chain state.
type BlockLocator struct {
	src    TimestampSource
	logger *slog.Logger

	mu        sync.Mutex
	genesisOK bool
	genesisTS uint64
}

// NewBlockLocator creates a locator over src.
func NewBlockLocator(src TimestampSource) *BlockLocator {
	return &BlockLocator{
		src:    src,
		logger: slog.Default().With("component", "block_locator"),
	}
}

// genesis caches the block 0 timestamp. Failures are not cached.
func (l *BlockLocator) genesis(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.genesisOK {
		return l.genesisTS, nil
	}
	ts, err := l.src.BlockTimestamp(ctx, 0)
	if err != nil {
		return 0, err
	}
	l.genesisTS, l.genesisOK = ts, true
	return ts, nil
}

// Locate returns the lowest block number whose timestamp is >= target, searching
// [0, latest]. When no block reaches target the search settles on latest.
//
// An unavailable block aborts the search with a KindChainRead error; callers must not
// guess a bound because that changes which events count toward the window.
func (l *BlockLocator) Locate(ctx context.Context, target uint64) (uint64, error) {
	genesisTS, err := l.genesis(ctx)
	if err != nil {
		return 0, err
	}
	if target <= genesisTS {
		return 0, nil
	}

	latest, err := l.src.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	// Block 0 is already known to be below target.
	low, high := uint64(1), latest
	if low > high {
		return latest, nil
	}
	probes := 0
	for low < high {
		mid := low + (high-low)/2
		ts, err := l.src.BlockTimestamp(ctx, mid)
		probes++
		if err != nil {
			l.logger.WarnContext(ctx, "block probe failed", "block", mid, "target", target, "error", err)
			return 0, err
		}
		if ts < target {
			low = mid + 1
		} else {
			high = mid
		}
	}
	l.logger.DebugContext(ctx, "located block", "target", target, "block", low, "probes", probes)
	return low, nil
}
