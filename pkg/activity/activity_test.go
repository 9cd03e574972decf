package activity

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "0xAbC0000000000000000000000000000000000001"

func rec(hash string, ts int64, kind, token string) Record {
	return Record{TxHash: hash, Timestamp: ts, Kind: kind, Token: token, Value: big.NewInt(ts), Status: StatusConfirmed}
}

type countingFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int32) ([]Record, error)
}

func (f *countingFetcher) Fetch(ctx context.Context, _ string) ([]Record, error) {
	n := f.calls.Add(1)
	return f.fn(ctx, n)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMerge(t *testing.T) {
	t.Run("incoming wins on duplicate key", func(t *testing.T) {
		old := rec("0x01", 100, KindNative, "")
		old.Status = StatusFailed
		fresh := rec("0x01", 100, KindNative, "")
		got := Merge([]Record{fresh}, []Record{old}, 0)
		require.Len(t, got, 1)
		assert.Equal(t, StatusConfirmed, got[0].Status)
	})

	t.Run("same hash different kind or token is kept", func(t *testing.T) {
		got := Merge([]Record{
			rec("0x01", 100, KindNative, ""),
			rec("0x01", 100, KindToken, "0xaa"),
			rec("0x01", 100, KindToken, "0xbb"),
		}, nil, 0)
		assert.Len(t, got, 3)
	})

	t.Run("key ignores hash and token case", func(t *testing.T) {
		got := Merge([]Record{rec("0xAB", 1, KindToken, "0xCC")}, []Record{rec("0xab", 1, KindToken, "0xcc")}, 0)
		assert.Len(t, got, 1)
	})

	t.Run("newest first and capped", func(t *testing.T) {
		var in []Record
		for i := int64(0); i < 150; i++ {
			in = append(in, rec(big.NewInt(i).Text(16), i, KindNative, ""))
		}
		got := Merge(in, nil, 0)
		require.Len(t, got, DefaultLimit)
		assert.Equal(t, int64(149), got[0].Timestamp)
		assert.Equal(t, int64(50), got[DefaultLimit-1].Timestamp)
	})
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	empty, err := s.Load(ctx, addr)
	require.NoError(t, err)
	assert.Zero(t, empty.LastSyncedAt)
	assert.Empty(t, empty.Records)

	st := &State{Address: addr, Records: []Record{rec("0x01", 1, KindNative, "")}, LastSyncedAt: 5}
	require.NoError(t, s.Save(ctx, st))
	st.Records[0].Value.SetInt64(999)

	got, err := s.Load(ctx, "0xabc0000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, int64(1), got.Records[0].Value.Int64())
}

func TestCoordinator_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f := &countingFetcher{fn: func(ctx context.Context, _ int32) ([]Record, error) {
		started <- struct{}{}
		<-release
		return []Record{rec("0x01", 10, KindNative, "")}, nil
	}}
	c := NewCoordinator(NewMemoryStore(), f)
	defer c.Close()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Snapshot, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := c.EnsureFresh(context.Background(), addr, false)
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}

	<-started
	assert.True(t, c.InFlight(addr))
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, snap := range results {
		require.NotNil(t, snap)
		assert.Len(t, snap.Records, 1)
	}
	assert.False(t, c.InFlight(addr))
}

// gatedStore parks the first Load after it has read, so the caller holds a
// stale view while other callers proceed.
type gatedStore struct {
	Store
	armed  atomic.Bool
	loaded chan struct{}
	gate   chan struct{}
}

func (s *gatedStore) Load(ctx context.Context, address string) (*State, error) {
	st, err := s.Store.Load(ctx, address)
	if s.armed.CompareAndSwap(true, false) {
		close(s.loaded)
		<-s.gate
	}
	return st, err
}

func TestCoordinator_StaleReaderJoinsFinishedSync(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	store := &gatedStore{Store: NewMemoryStore(), loaded: make(chan struct{}), gate: make(chan struct{})}
	store.armed.Store(true)
	f := &countingFetcher{fn: func(context.Context, int32) ([]Record, error) {
		return []Record{rec("0x01", 10, KindNative, "")}, nil
	}}
	c := NewCoordinator(store, f, WithClock(clock.Now))
	defer c.Close()

	late := make(chan *Snapshot, 1)
	go func() {
		snap, err := c.EnsureFresh(context.Background(), addr, false)
		assert.NoError(t, err)
		late <- snap
	}()
	<-store.loaded

	snap, err := c.EnsureFresh(context.Background(), addr, false)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	require.Equal(t, int32(1), f.calls.Load())

	close(store.gate)
	got := <-late
	require.NotNil(t, got)
	assert.Len(t, got.Records, 1)
	assert.Equal(t, clock.Now().UnixMilli(), got.LastSyncedAt)
	assert.Equal(t, int32(1), f.calls.Load(), "one fetch per address within a tick")
}

func TestCoordinator_TTL(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	f := &countingFetcher{fn: func(context.Context, int32) ([]Record, error) { return nil, nil }}
	c := NewCoordinator(NewMemoryStore(), f, WithClock(clock.Now))
	defer c.Close()
	ctx := context.Background()

	snap, err := c.EnsureFresh(ctx, addr, false)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), snap.LastSyncedAt)
	assert.Equal(t, int32(1), f.calls.Load())

	clock.Advance(4 * time.Minute)
	_, err = c.EnsureFresh(ctx, addr, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load(), "fresh state is served from cache")

	_, err = c.EnsureFresh(ctx, addr, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load(), "force bypasses the TTL")

	clock.Advance(DefaultTTL)
	_, err = c.EnsureFresh(ctx, addr, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestCoordinator_FailureAdvancesLastSynced(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	store := NewMemoryStore()
	ctx := context.Background()
	cached := []Record{rec("0x01", 10, KindNative, "")}
	require.NoError(t, store.Save(ctx, &State{Address: addr, Records: cached, LastSyncedAt: 1}))

	f := &countingFetcher{fn: func(_ context.Context, n int32) ([]Record, error) {
		if n == 1 {
			return nil, errors.New("explorer txlist: HTTP 502")
		}
		return []Record{rec("0x02", 20, KindNative, "")}, nil
	}}
	c := NewCoordinator(store, f, WithClock(clock.Now))
	defer c.Close()

	snap, err := c.EnsureFresh(ctx, addr, false)
	require.NoError(t, err)
	assert.Equal(t, "explorer txlist: HTTP 502", snap.Error)
	assert.Equal(t, clock.Now().UnixMilli(), snap.LastSyncedAt)
	assert.Len(t, snap.Records, 1, "cached records survive a failed sync")

	clock.Advance(time.Minute)
	_, err = c.EnsureFresh(ctx, addr, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load(), "no retry inside the TTL after a failure")

	snap, err = c.EnsureFresh(ctx, addr, true)
	require.NoError(t, err)
	assert.Empty(t, snap.Error)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "0x02", snap.Records[0].TxHash)
}

func TestCoordinator_TriggerDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	f := &countingFetcher{fn: func(context.Context, int32) ([]Record, error) {
		<-release
		return []Record{rec("0x01", 10, KindNative, "")}, nil
	}}
	c := NewCoordinator(NewMemoryStore(), f)
	defer c.Close()

	snap, err := c.Trigger(context.Background(), addr, false)
	require.NoError(t, err)
	assert.True(t, snap.Syncing)
	assert.Empty(t, snap.Records)

	again, err := c.Trigger(context.Background(), addr, true)
	require.NoError(t, err)
	assert.True(t, again.Syncing)

	close(release)
	require.Eventually(t, func() bool { return !c.InFlight(addr) }, time.Second, 5*time.Millisecond)
	snap, err = c.EnsureFresh(context.Background(), addr, false)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 1)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCoordinator_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &countingFetcher{fn: func(context.Context, int32) ([]Record, error) {
		close(started)
		<-release
		return []Record{rec("0x01", 10, KindNative, "")}, nil
	}}
	store := NewMemoryStore()
	c := NewCoordinator(store, f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	snap, err := c.EnsureFresh(ctx, addr, true)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, snap)

	close(release)
	c.Close()

	st, err := store.Load(context.Background(), addr)
	require.NoError(t, err)
	assert.Len(t, st.Records, 1, "the job outlives the caller that started it")
}

type stubLease struct {
	ok       bool
	err      error
	released atomic.Int32
}

func (l *stubLease) Acquire(context.Context, string) (func(), bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func() { l.released.Add(1) }, true, nil
}

func TestCoordinator_Lease(t *testing.T) {
	fetch := func(context.Context, int32) ([]Record, error) { return nil, nil }

	t.Run("held elsewhere skips the fetch", func(t *testing.T) {
		f := &countingFetcher{fn: fetch}
		c := NewCoordinator(NewMemoryStore(), f, WithLease(&stubLease{ok: false}))
		defer c.Close()
		_, err := c.EnsureFresh(context.Background(), addr, true)
		require.NoError(t, err)
		assert.Zero(t, f.calls.Load())
	})

	t.Run("acquired is released", func(t *testing.T) {
		f := &countingFetcher{fn: fetch}
		l := &stubLease{ok: true}
		c := NewCoordinator(NewMemoryStore(), f, WithLease(l))
		defer c.Close()
		_, err := c.EnsureFresh(context.Background(), addr, true)
		require.NoError(t, err)
		assert.Equal(t, int32(1), f.calls.Load())
		assert.Equal(t, int32(1), l.released.Load())
	})

	t.Run("lease error falls back to local sync", func(t *testing.T) {
		f := &countingFetcher{fn: fetch}
		c := NewCoordinator(NewMemoryStore(), f, WithLease(&stubLease{err: errors.New("dial tcp: refused")}))
		defer c.Close()
		_, err := c.EnsureFresh(context.Background(), addr, true)
		require.NoError(t, err)
		assert.Equal(t, int32(1), f.calls.Load())
	})
}
