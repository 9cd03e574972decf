package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

// fakeTimeline serves block timestamps from a slice indexed by block number.
type fakeTimeline struct {
	mu      sync.Mutex
	ts      []uint64
	missing map[uint64]bool
	probes  []uint64
}

func (f *fakeTimeline) BlockNumber(context.Context) (uint64, error) {
	return uint64(len(f.ts) - 1), nil
}

func (f *fakeTimeline) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, n)
	if f.missing[n] || n >= uint64(len(f.ts)) {
		return 0, fault.Wrap(fault.KindChainRead, "chain.block_timestamp", fmt.Errorf("%w: %d", ErrBlockNotFound, n))
	}
	return f.ts[n], nil
}

func timelineFromDeltas(genesis uint64, deltas []uint8) []uint64 {
	ts := []uint64{genesis}
	for _, d := range deltas {
		ts = append(ts, ts[len(ts)-1]+uint64(d%13)) // includes zero deltas
	}
	return ts
}

func TestLocate_LowerBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("locate returns the lowest block with timestamp >= target", prop.ForAll(
		func(deltas []uint8, offset uint16) bool {
			ts := timelineFromDeltas(1_700_000_000, deltas)
			target := ts[0] + uint64(offset)%(ts[len(ts)-1]-ts[0]+2)

			loc := NewBlockLocator(&fakeTimeline{ts: ts})
			got, err := loc.Locate(context.Background(), target)
			if err != nil {
				return false
			}

			latest := uint64(len(ts) - 1)
			if ts[latest] < target {
				return got == latest
			}
			if ts[got] < target {
				return false
			}
			return got == 0 || ts[got-1] < target
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt16(),
	))

	properties.TestingRun(t)
}

func TestLocate_TargetAtOrBeforeGenesis(t *testing.T) {
	f := &fakeTimeline{ts: []uint64{1000, 1010, 1020}}
	loc := NewBlockLocator(f)

	got, err := loc.Locate(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)

	got, err = loc.Locate(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)

	assert.Equal(t, []uint64{0}, f.probes, "only the genesis read, cached across calls")
}

func TestLocate_FindsFirstOfEqualTimestamps(t *testing.T) {
	f := &fakeTimeline{ts: []uint64{100, 105, 110, 110, 110, 120}}
	got, err := NewBlockLocator(f).Locate(context.Background(), 110)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)
}

func TestLocate_UnavailableBlockSurfacesChainReadError(t *testing.T) {
	ts := make([]uint64, 64)
	for i := range ts {
		ts[i] = uint64(1000 + i*12)
	}
	f := &fakeTimeline{ts: ts, missing: map[uint64]bool{32: true}}

	_, err := NewBlockLocator(f).Locate(context.Background(), ts[40])
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrChainRead))
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestLocate_GenesisFailureNotCached(t *testing.T) {
	f := &fakeTimeline{ts: []uint64{100, 200}, missing: map[uint64]bool{0: true}}
	loc := NewBlockLocator(f)

	_, err := loc.Locate(context.Background(), 150)
	require.Error(t, err)

	f.mu.Lock()
	f.missing = nil
	f.mu.Unlock()

	got, err := loc.Locate(context.Background(), 150)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
}
