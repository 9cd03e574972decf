package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/spendvault/pkg/observability"
)

// DefaultTTL is how long a synced state counts as fresh.
const DefaultTTL = 5 * time.Minute

// Snapshot is what callers see of an address's activity.
type Snapshot struct {
	Address      string   `json:"address"`
	Records      []Record `json:"activity"`
	LastSyncedAt int64    `json:"lastSynced"`
	Syncing      bool     `json:"syncing"`
	Error        string   `json:"error,omitempty"`
}

type job struct {
	done chan struct{}
}

// Coordinator refreshes cached activity from a Fetcher. At most one job per
// address runs at a time within the process; with a Lease configured, also
// across processes. Jobs run on the coordinator's own context so a caller
// giving up does not abort a sync other callers are waiting on.
type Coordinator struct {
	store     Store
	fetcher   Fetcher
	lease     Lease
	ttl       time.Duration
	limit     int
	telemetry *observability.Provider
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
	// runs counts completed jobs per key; a change between a caller's Load
	// and its start means a sync finished in between.
	runs map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithLease enables cross-replica single flight.
func WithLease(l Lease) Option {
	return func(c *Coordinator) { c.lease = l }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(c *Coordinator) { c.telemetry = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store Store, fetcher Fetcher, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   store,
		fetcher: fetcher,
		ttl:     DefaultTTL,
		limit:   DefaultLimit,
		logger:  slog.Default().With("component", "activity"),
		now:     time.Now,
		jobs:    make(map[string]*job),
		runs:    make(map[string]uint64),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureFresh returns the activity of address, syncing first when the cached
// state is stale or force is set. A sync already running for the address is
// joined, never duplicated. Sync failures are reported in Snapshot.Error; the
// returned error covers store failures and ctx cancellation only.
func (c *Coordinator) EnsureFresh(ctx context.Context, address string, force bool) (*Snapshot, error) {
	key := normalize(address)
	seen := c.completed(key)
	st, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !force && c.fresh(st) {
		return c.snapshot(st), nil
	}

	j := c.start(key, seen)
	select {
	case <-j.done:
	case <-ctx.Done():
		return c.snapshot(st), ctx.Err()
	}

	st, err = c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.snapshot(st), nil
}

// Trigger starts a sync when needed and returns the cached state immediately.
func (c *Coordinator) Trigger(ctx context.Context, address string, force bool) (*Snapshot, error) {
	key := normalize(address)
	seen := c.completed(key)
	st, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if force || !c.fresh(st) {
		c.start(key, seen)
	}
	return c.snapshot(st), nil
}

// InFlight reports whether a sync job is running for address.
func (c *Coordinator) InFlight(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[normalize(address)]
	return ok
}

// Close cancels running jobs and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) fresh(st *State) bool {
	if st.LastSyncedAt == 0 {
		return false
	}
	return c.now().UnixMilli()-st.LastSyncedAt < c.ttl.Milliseconds()
}

func (c *Coordinator) snapshot(st *State) *Snapshot {
	records := st.Records
	if records == nil {
		records = []Record{}
	}
	return &Snapshot{
		Address:      st.Address,
		Records:      records,
		LastSyncedAt: st.LastSyncedAt,
		Syncing:      c.InFlight(st.Address),
		Error:        st.LastError,
	}
}

func (c *Coordinator) completed(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[key]
}

// start returns the running job for key, creating it if none exists. When a
// job for key finished after the caller read runs == seen, that job already
// covers the caller and a closed job is returned instead of a new sync.
func (c *Coordinator) start(key string, seen uint64) *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[key]; ok {
		return j
	}
	if c.runs[key] != seen {
		j := &job{done: make(chan struct{})}
		close(j.done)
		return j
	}
	j := &job{done: make(chan struct{})}
	c.jobs[key] = j
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.jobs, key)
			c.runs[key]++
			c.mu.Unlock()
			close(j.done)
		}()
		c.sync(c.ctx, key)
	}()
	return j
}

func (c *Coordinator) sync(ctx context.Context, key string) {
	if c.lease != nil {
		release, ok, err := c.lease.Acquire(ctx, key)
		switch {
		case err != nil:
			c.logger.WarnContext(ctx, "sync lease unavailable, syncing locally", "address", key, "error", err)
		case !ok:
			c.logger.DebugContext(ctx, "sync held by another replica", "address", key)
			return
		default:
			defer release()
		}
	}

	start := c.now()
	records, fetchErr := c.fetcher.Fetch(ctx, key)
	c.telemetry.RecordSync(ctx, "explorer", fetchErr)

	st, err := c.store.Load(ctx, key)
	if err != nil {
		c.logger.ErrorContext(ctx, "sync reload failed", "address", key, "error", err)
		return
	}
	st.Address = key
	st.LastSyncedAt = c.now().UnixMilli()
	if fetchErr != nil {
		st.LastError = fetchErr.Error()
	} else {
		st.Records = Merge(records, st.Records, c.limit)
		st.LastError = ""
	}
	if err := c.store.Save(ctx, st); err != nil {
		c.logger.ErrorContext(ctx, "sync save failed", "address", key, "error", fmt.Errorf("save activity: %w", err))
		return
	}

	if fetchErr != nil {
		c.logger.WarnContext(ctx, "activity sync failed", "address", key, "error", fetchErr)
		return
	}
	c.logger.InfoContext(ctx, "activity synced",
		"address", key,
		"fetched", len(records),
		"cached", len(st.Records),
		"duration", c.now().Sub(start),
	)
}
