package namecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/walletnames/go-namecache/address"
	"github.com/walletnames/go-namecache/apierror"
	"github.com/walletnames/go-namecache/broadcast"
	"github.com/walletnames/go-namecache/coalesce"
	"github.com/walletnames/go-namecache/model"
	"github.com/walletnames/go-namecache/store"
)

var log = logging.Logger("namecache")

var (
	ErrClosed       = errors.New("cache closed")
	ErrEmptyAddress = errors.New("empty address")
	ErrEmptyName    = errors.New("empty display name")
)

// State is the lifecycle state of a Cache.
type State int32

const (
	// Empty means persisted names have not been loaded yet.
	Empty State = iota
	// Hydrating means persisted names are being loaded.
	Hydrating
	// Ready means names are being served.
	Ready
	// Refreshing means names are being served while a full refresh runs.
	Refreshing
	// Cooldown means names are being served and automatic refreshes are
	// suppressed after a failed refresh.
	Cooldown
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Hydrating:
		return "hydrating"
	case Ready:
		return "ready"
	case Refreshing:
		return "refreshing"
	case Cooldown:
		return "cooldown"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Cache is a display name cache for wallet addresses. Reads of cached names
// are lock-free. All changes to cached names are serialized.
type Cache struct {
	gateway   Gateway
	store     *store.Store
	bcast     *broadcast.Broadcaster
	batcher   *coalesce.Coalescer
	negative  *gocache.Cache
	normalize address.Normalizer
	clock     clock.Clock

	ttl           time.Duration
	cooldown      time.Duration
	remoteTimeout time.Duration
	schemaVersion int

	read      atomic.Pointer[readOnly]
	writeLock chan struct{}
	// inflight counts Set calls waiting on the remote store, per address.
	// Protected by writeLock.
	inflight map[string]int
	// writeSeq is advanced by every local write. written holds the sequence
	// of the last write of each address, and readers holds the starting
	// sequence of each remote read in progress. Remote reads do not replace
	// names written after they started. Protected by writeLock.
	writeSeq uint64
	written  map[string]uint64
	readers  map[uint64]int

	hydrateOnce   sync.Once
	hydrated      atomic.Bool
	hydrating     atomic.Bool
	lastRefresh   atomic.Int64
	cooldownUntil atomic.Int64

	refreshMutex sync.Mutex
	refreshDone  chan struct{}
	autoRefresh  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	// bgMutex orders starting background work before Close waits for it.
	bgMutex   sync.Mutex
	bgWG      sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// readOnly is an immutable struct stored atomically in the cache read field.
// The m map is the main cache data and the u map contains updates that have
// not yet been moved into the main map. An empty name in u means the address
// was removed. The u map keeps a small number of updates from causing the
// entire main map to be regenerated.
type readOnly struct {
	m map[string]string
	u map[string]string
}

func (r readOnly) get(addr string) (string, bool) {
	if name, ok := r.u[addr]; ok {
		return name, name != ""
	}
	name, ok := r.m[addr]
	return name, ok
}

// merged returns a new map with all updates applied to the main map.
func (r readOnly) merged() map[string]string {
	m := make(map[string]string, len(r.m)+len(r.u))
	for addr, name := range r.m {
		m[addr] = name
	}
	for addr, name := range r.u {
		if name == "" {
			delete(m, addr)
		} else {
			m[addr] = name
		}
	}
	return m
}

// New creates a Cache that reads and writes names through gw.
func New(gw Gateway, options ...Option) (*Cache, error) {
	if gw == nil {
		return nil, errors.New("nil gateway")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	st := opts.store
	if st == nil {
		st = store.New(store.NewMemoryBackend())
	}

	bcast, err := broadcast.New(broadcast.WithDebounce(opts.debounce))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		gateway:       gw,
		store:         st,
		bcast:         bcast,
		normalize:     opts.normalize,
		clock:         opts.clock,
		ttl:           opts.ttl,
		cooldown:      opts.cooldown,
		remoteTimeout: opts.remoteTimeout,
		schemaVersion: opts.schemaVersion,
		writeLock:     make(chan struct{}, 1),
		inflight:      make(map[string]int),
		written:       make(map[string]uint64),
		readers:       make(map[uint64]int),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.batcher, err = coalesce.New(c.fetchBatch,
		coalesce.WithQuietWindow(opts.quietWindow),
		coalesce.WithMaxBatchSize(opts.maxBatchSize),
		coalesce.WithTimeout(opts.remoteTimeout))
	if err != nil {
		cancel()
		bcast.Close()
		return nil, err
	}

	if opts.negativeTTL != 0 {
		c.negative = gocache.New(opts.negativeTTL, 2*opts.negativeTTL)
	}

	if opts.preload {
		c.hydrate()
		_ = c.Refresh(context.Background(), false)
	}

	return c, nil
}

// Get returns the display name of addr. A cached name is returned at once,
// even if the cache is stale. Otherwise the name is looked up in the remote
// store, together with other concurrent lookups. The second return is false if
// the address has no name. An error is returned if the lookup failed or ctx
// was done first.
func (c *Cache) Get(ctx context.Context, addr string) (string, bool, error) {
	return c.GetAsync(addr).Wait(ctx)
}

// GetAsync is like Get but returns a Future instead of waiting.
func (c *Cache) GetAsync(addr string) *coalesce.Future {
	if c.closed.Load() {
		return coalesce.Resolved("", false, ErrClosed)
	}
	addr = c.normalize(addr)
	if addr == "" {
		return coalesce.Resolved("", false, nil)
	}
	c.hydrate()
	c.maybeRefresh()

	if name, ok := c.loadReadOnly().get(addr); ok {
		return coalesce.Resolved(name, true, nil)
	}
	if c.negative != nil {
		if _, absent := c.negative.Get(addr); absent {
			return coalesce.Resolved("", false, nil)
		}
	}
	return c.batcher.Request(addr)
}

// Peek returns the cached name of addr without contacting the remote store.
func (c *Cache) Peek(addr string) (string, bool) {
	addr = c.normalize(addr)
	if addr == "" {
		return "", false
	}
	c.hydrate()
	return c.loadReadOnly().get(addr)
}

// Resolve returns the display name of addr, or fallback if addr has no name
// or the lookup fails. If fallback is empty, the shortened address is used.
func (c *Cache) Resolve(ctx context.Context, addr, fallback string) string {
	name, found, err := c.Get(ctx, addr)
	if err != nil {
		log.Debugw("Cannot resolve display name", "address", addr, "err", err)
	}
	if found {
		return name
	}
	if fallback == "" {
		return address.Shorten(strings.TrimSpace(addr))
	}
	return fallback
}

// List returns all cached names, sorted by address.
func (c *Cache) List() []model.NameRecord {
	c.hydrate()
	m := c.loadReadOnly().merged()
	records := make([]model.NameRecord, 0, len(m))
	for addr, name := range m {
		records = append(records, model.NameRecord{Address: addr, Name: name})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})
	return records
}

// Len returns the number of cached names.
func (c *Cache) Len() int {
	c.hydrate()
	read := c.loadReadOnly()
	n := len(read.m)
	for addr, name := range read.u {
		_, inMain := read.m[addr]
		switch {
		case name == "" && inMain:
			n--
		case name != "" && !inMain:
			n++
		}
	}
	return n
}

// State returns the current lifecycle state.
func (c *Cache) State() State {
	if !c.hydrated.Load() {
		if c.hydrating.Load() {
			return Hydrating
		}
		return Empty
	}
	c.refreshMutex.Lock()
	refreshing := c.refreshDone != nil
	c.refreshMutex.Unlock()
	if refreshing {
		return Refreshing
	}
	if c.inCooldown(c.clock.Now()) {
		return Cooldown
	}
	return Ready
}

// Set sets the display name of addr. The name is applied to the cache and
// subscribers are notified before it is written to the remote store, so that
// it is visible to readers at once. If the remote write fails, the cache is
// reconciled with the remote store and the write error is returned.
func (c *Cache) Set(ctx context.Context, addr, name string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	addr = c.normalize(addr)
	if addr == "" {
		return ErrEmptyAddress
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	c.hydrate()

	c.lock()
	c.inflight[addr]++
	c.markWrittenLocked(addr)
	c.applyLocked(map[string]string{addr: name})
	c.persistLocked(time.Time{})
	c.unlock()

	if c.negative != nil {
		c.negative.Delete(addr)
	}
	c.bcast.Notify(broadcast.ChangeRecord{
		Addresses:      []string{addr},
		UpdatedAddress: addr,
	})

	wctx, cancel := c.remoteContext(ctx)
	err := c.gateway.Write(wctx, addr, name)
	cancel()

	c.lock()
	if c.inflight[addr]--; c.inflight[addr] <= 0 {
		delete(c.inflight, addr)
	}
	if err == nil {
		// Reads that started before the remote accepted the name may still
		// return the old one.
		c.markWrittenLocked(addr)
	}
	c.unlock()

	if err == nil {
		log.Debugw("Wrote display name", "address", addr)
		return nil
	}
	err = apierror.Classify(err)
	log.Warnw("Cannot write display name, reconciling with remote", "address", addr, "err", err, "gateway", c.gateway)

	if rerr := c.refresh(ctx, true, true); rerr != nil {
		// Remote state unknown; drop the unconfirmed name so the next lookup
		// asks the remote store.
		log.Errorw("Cannot reconcile after failed write", "address", addr, "err", rerr)
		c.Invalidate(addr)
		c.bcast.Notify(broadcast.ChangeRecord{
			Addresses:     []string{addr},
			ForcedRefresh: true,
		})
	}
	return fmt.Errorf("cannot write display name for %s: %w", addr, err)
}

// Refresh replaces all cached names with the names in the remote store.
//
// If force is false, the refresh is skipped when the cache is not stale and
// not empty, when the cache is in cooldown after a failed refresh, or when
// another refresh is in progress. If force is true, the refresh ignores
// staleness and cooldown, and if another refresh is in progress, waits for it
// to finish instead of starting a new one.
//
// A failed refresh leaves the cached names unchanged, starts the cooldown, and
// returns the error. Skipped refreshes return nil.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	return c.refresh(ctx, force, false)
}

func (c *Cache) refresh(ctx context.Context, force, reconcile bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.hydrate()

	if !force {
		now := c.clock.Now()
		if c.inCooldown(now) {
			log.Debug("Refresh skipped during cooldown")
			return nil
		}
		if !c.isStale(now) && c.Len() != 0 {
			return nil
		}
	}

	c.refreshMutex.Lock()
	for c.refreshDone != nil {
		// Refresh already in progress.
		running := c.refreshDone
		c.refreshMutex.Unlock()
		if !force {
			return nil
		}
		select {
		case <-running:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !reconcile {
			return nil
		}
		// The running refresh may have fetched names before the failed
		// write, so reconcile with a refresh of its own.
		c.refreshMutex.Lock()
	}
	done := make(chan struct{})
	c.refreshDone = done
	c.refreshMutex.Unlock()

	defer func() {
		c.refreshMutex.Lock()
		c.refreshDone = nil
		c.refreshMutex.Unlock()
		close(done)
	}()

	start := c.beginRead()
	defer c.endRead(start)

	rctx, cancel := c.remoteContext(ctx)
	records, err := c.gateway.FetchAll(rctx)
	cancel()
	if err != nil {
		err = apierror.Classify(err)
		until := c.clock.Now().Add(c.cooldown)
		c.cooldownUntil.Store(until.UnixNano())
		if perr := c.store.SetCooldownUntil(context.Background(), until); perr != nil {
			log.Errorw("Cannot persist cooldown", "err", perr)
		}
		log.Errorw("Cannot refresh display names", "err", err, "gateway", c.gateway, "cooldownUntil", until)
		return err
	}

	names := make(map[string]string, len(records))
	for _, rec := range records {
		addr := c.normalize(rec.Address)
		if addr == "" || rec.Name == "" {
			log.Warnw("Ignoring incomplete name record", "address", rec.Address)
			continue
		}
		names[addr] = rec.Name
	}

	c.lock()
	prev := c.loadReadOnly().merged()
	// Names with a write in flight, or written since the fetch started, are
	// newer than the fetched names.
	for addr := range c.inflight {
		keepCached(names, prev, addr)
	}
	for addr, seq := range c.written {
		if seq > start {
			keepCached(names, prev, addr)
		}
	}
	c.read.Store(&readOnly{m: names})
	now := c.clock.Now()
	c.lastRefresh.Store(now.UnixNano())
	c.cooldownUntil.Store(0)
	c.persistLocked(now)
	if perr := c.store.SetCooldownUntil(context.Background(), time.Time{}); perr != nil {
		log.Errorw("Cannot clear persisted cooldown", "err", perr)
	}
	c.unlock()

	if c.negative != nil {
		c.negative.Flush()
	}

	changed := make([]string, 0, len(names)+len(prev))
	for addr := range names {
		changed = append(changed, addr)
	}
	for addr := range prev {
		if _, ok := names[addr]; !ok {
			changed = append(changed, addr)
		}
	}
	c.bcast.Notify(broadcast.ChangeRecord{
		Addresses:     changed,
		ForcedRefresh: reconcile,
	})
	log.Infow("Refreshed display names", "names", len(names), "gateway", c.gateway)
	return nil
}

// Invalidate removes addr from the cache so that the next lookup asks the
// remote store. Other cached names are not affected.
func (c *Cache) Invalidate(addr string) {
	addr = c.normalize(addr)
	if addr == "" {
		return
	}
	c.hydrate()

	c.lock()
	if _, ok := c.loadReadOnly().get(addr); ok {
		c.applyLocked(map[string]string{addr: ""})
		c.persistLocked(time.Time{})
	}
	c.unlock()

	if c.negative != nil {
		c.negative.Delete(addr)
	}
}

// Reset discards all cached and persisted names, and clears the refresh time
// and any cooldown.
func (c *Cache) Reset(ctx context.Context) {
	c.hydrate()

	c.lock()
	prev := c.loadReadOnly().merged()
	c.read.Store(&readOnly{m: map[string]string{}})
	c.lastRefresh.Store(0)
	c.cooldownUntil.Store(0)
	if err := c.store.Clear(ctx); err != nil {
		log.Errorw("Cannot clear persisted names", "err", err)
	}
	c.unlock()

	if c.negative != nil {
		c.negative.Flush()
	}
	if len(prev) == 0 {
		return
	}
	addrs := make([]string, 0, len(prev))
	for addr := range prev {
		addrs = append(addrs, addr)
	}
	c.bcast.Notify(broadcast.ChangeRecord{Addresses: addrs})
}

// Subscribe calls sink with every change record published until the returned
// unsubscribe function is called.
func (c *Cache) Subscribe(sink broadcast.Sink) func() {
	return c.bcast.Subscribe(sink)
}

// Watch returns a channel of change records and a function to stop watching.
func (c *Cache) Watch() (<-chan broadcast.ChangeRecord, func()) {
	return c.bcast.Watch()
}

// Close stops background work, fails pending lookups, closes subscriber
// channels, and closes the store.
func (c *Cache) Close() error {
	var errs error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.bgMutex.Lock()
		c.cancel()
		c.bgMutex.Unlock()
		if err := c.batcher.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.bgWG.Wait()
		if err := c.bcast.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot close store: %w", err))
		}
	})
	return errs
}

// fetchBatch is called by the coalescer to look up a batch of uncached
// addresses. Found names are added to the cache and absent ones to the
// negative cache.
func (c *Cache) fetchBatch(ctx context.Context, addrs []string) (map[string]string, error) {
	start := c.beginRead()
	defer c.endRead(start)

	fetched, err := c.gateway.FetchBatch(ctx, addrs)
	if err != nil {
		return nil, apierror.Classify(err)
	}

	names := make(map[string]string, len(fetched))
	for addr, name := range fetched {
		if addr = c.normalize(addr); addr != "" && name != "" {
			names[addr] = name
		}
	}

	var changed []string
	local := make(map[string]struct{})
	c.lock()
	read := c.loadReadOnly()
	for _, addr := range addrs {
		if c.inflight[addr] == 0 && c.written[addr] <= start {
			continue
		}
		// Keep the name written locally.
		local[addr] = struct{}{}
		if cur, ok := read.get(addr); ok {
			names[addr] = cur
		} else {
			delete(names, addr)
		}
	}
	updates := make(map[string]string, len(names))
	for addr, name := range names {
		if _, ok := local[addr]; ok {
			continue
		}
		if cur, ok := read.get(addr); ok && cur == name {
			continue
		}
		updates[addr] = name
		changed = append(changed, addr)
	}
	if len(updates) != 0 {
		c.applyLocked(updates)
		c.persistLocked(time.Time{})
	}
	c.unlock()

	if c.negative != nil {
		for _, addr := range addrs {
			_, found := names[addr]
			_, isLocal := local[addr]
			if !found && !isLocal {
				c.negative.SetDefault(addr, struct{}{})
			}
		}
	}
	if len(changed) != 0 {
		c.bcast.Notify(broadcast.ChangeRecord{Addresses: changed})
	}
	return names, nil
}

// hydrate loads persisted names the first time it is called.
func (c *Cache) hydrate() {
	c.hydrateOnce.Do(func() {
		c.hydrating.Store(true)
		defer c.hydrating.Store(false)

		ctx := context.Background()
		if c.store.EnsureSchema(ctx, c.schemaVersion) {
			log.Infow("Discarded persisted names with old schema version", "version", c.schemaVersion)
		}
		names := c.store.Load(ctx)
		if t := c.store.LastRefresh(ctx); !t.IsZero() {
			c.lastRefresh.Store(t.UnixNano())
		}
		if t := c.store.CooldownUntil(ctx); !t.IsZero() {
			c.cooldownUntil.Store(t.UnixNano())
		}
		c.read.Store(&readOnly{m: names})
		c.hydrated.Store(true)
		log.Debugw("Loaded persisted names", "names", len(names))
	})
}

// maybeRefresh starts a background refresh if the cache is stale and not in
// cooldown.
func (c *Cache) maybeRefresh() {
	if c.ttl == 0 {
		return
	}
	now := c.clock.Now()
	if !c.isStale(now) || c.inCooldown(now) {
		return
	}
	if !c.autoRefresh.CompareAndSwap(false, true) {
		return
	}
	c.bgMutex.Lock()
	if c.ctx.Err() != nil {
		c.bgMutex.Unlock()
		c.autoRefresh.Store(false)
		return
	}
	c.bgWG.Add(1)
	c.bgMutex.Unlock()
	go func() {
		defer c.bgWG.Done()
		defer c.autoRefresh.Store(false)
		_ = c.Refresh(c.ctx, false)
	}()
}

func (c *Cache) isStale(now time.Time) bool {
	last := c.lastRefresh.Load()
	if last == 0 {
		return true
	}
	if c.ttl == 0 {
		return false
	}
	return now.After(time.Unix(0, last).Add(c.ttl))
}

func (c *Cache) inCooldown(now time.Time) bool {
	until := c.cooldownUntil.Load()
	return until != 0 && now.Before(time.Unix(0, until))
}

func (c *Cache) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.remoteTimeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.remoteTimeout)
}

// beginRead registers a remote read and returns the write sequence it
// started at.
func (c *Cache) beginRead() uint64 {
	c.lock()
	defer c.unlock()
	start := c.writeSeq
	c.readers[start]++
	return start
}

// endRead unregisters a remote read, and forgets writes that no remaining
// read started before.
func (c *Cache) endRead(start uint64) {
	c.lock()
	defer c.unlock()
	if c.readers[start]--; c.readers[start] <= 0 {
		delete(c.readers, start)
	}
	oldest := c.writeSeq
	for seq := range c.readers {
		if seq < oldest {
			oldest = seq
		}
	}
	for addr, seq := range c.written {
		if seq <= oldest {
			delete(c.written, addr)
		}
	}
}

// markWrittenLocked records a local write of addr. Must be called with the
// write lock held.
func (c *Cache) markWrittenLocked(addr string) {
	c.writeSeq++
	// Without reads in progress, no read can be older than this write.
	if len(c.readers) != 0 {
		c.written[addr] = c.writeSeq
	}
}

// keepCached replaces the fetched name of addr in names with the cached one,
// or removes it if addr is not cached.
func keepCached(names, cached map[string]string, addr string) {
	if name, ok := cached[addr]; ok {
		names[addr] = name
	} else {
		delete(names, addr)
	}
}

func (c *Cache) lock() {
	c.writeLock <- struct{}{}
}

func (c *Cache) unlock() {
	<-c.writeLock
}

func (c *Cache) loadReadOnly() readOnly {
	if p := c.read.Load(); p != nil {
		return *p
	}
	return readOnly{}
}

// applyLocked stores updates in a new read-only snapshot. An empty name
// removes the address. Must be called with the write lock held.
func (c *Cache) applyLocked(updates map[string]string) {
	read := c.loadReadOnly()

	// Shallow-copy update map.
	u := make(map[string]string, len(read.u)+len(updates))
	for addr, name := range read.u {
		u[addr] = name
	}
	for addr, name := range updates {
		u[addr] = name
	}

	// If the update map is small relative to the main map, do not generate a
	// new main map yet.
	if !needMerge(len(u), len(read.m)) {
		c.read.Store(&readOnly{m: read.m, u: u})
		return
	}

	// Replace old readOnly map with new.
	c.read.Store(&readOnly{m: readOnly{m: read.m, u: u}.merged()})
}

// persistLocked saves the current names. Must be called with the write lock
// held.
func (c *Cache) persistLocked(refreshedAt time.Time) {
	names := c.loadReadOnly().merged()
	if err := c.store.Save(context.Background(), names, refreshedAt); err != nil {
		log.Errorw("Cannot persist display names, continuing in memory", "err", err)
	}
}

// needMerge returns true if update set u should be merged into main set m, to
// maintain the lowest overall cost of applying cache updates. The optimal time
// to merge is when the sum(1..len(u)) > len(m). This is when the cumulative
// cost of iterating u exceeds the cost of iterating m.
func needMerge(u, m int) bool {
	return u*(u+1) > m*2
}
