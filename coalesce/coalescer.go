// Package coalesce merges concurrent single-address lookups into batched
// remote fetches.
//
// The first request for an address that is not already waiting starts a quiet
// window. All addresses requested during the window are fetched together in a
// single call when it ends, or as soon as the batch reaches its maximum size.
// Requests for the same address within one window share one Future.
//
// A flush swaps out the waiting set before fetching, so requests that arrive
// while a fetch is in flight start a new batch. There is no way to cancel a
// request: a caller that stops waiting does not stop the fetch, and its result
// is still delivered to the fetch function's caller for caching.
package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("coalesce")

var ErrClosed = errors.New("coalescer closed")

// FetchFunc fetches the names of addrs. Addresses with no name are absent
// from the returned map.
type FetchFunc func(ctx context.Context, addrs []string) (map[string]string, error)

// Future is the pending result of a lookup.
type Future struct {
	done  chan struct{}
	name  string
	found bool
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(name string, found bool, err error) {
	f.name = name
	f.found = found
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait waits for the result of the lookup. If ctx is done first, ctx.Err() is
// returned and the lookup continues in the background.
func (f *Future) Wait(ctx context.Context) (string, bool, error) {
	select {
	case <-f.done:
		return f.name, f.found, f.err
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Resolved returns a Future that is already complete.
func Resolved(name string, found bool, err error) *Future {
	f := newFuture()
	f.resolve(name, found, err)
	return f
}

// batch is the set of requests collected in one window.
type batch struct {
	addrs   []string
	futures map[string]*Future
}

// Coalescer batches lookups. It is safe for concurrent use.
type Coalescer struct {
	fetch        FetchFunc
	quietWindow  time.Duration
	maxBatchSize int
	timeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	queue   []string
	pending map[string]*Future
	timer   *time.Timer
	timerID uint64
	closed  bool

	inFlight sync.WaitGroup
}

// New creates a Coalescer that fetches batches with fetch.
func New(fetch FetchFunc, options ...Option) (*Coalescer, error) {
	if fetch == nil {
		return nil, errors.New("nil fetch function")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer{
		fetch:        fetch,
		quietWindow:  opts.quietWindow,
		maxBatchSize: opts.maxBatchSize,
		timeout:      opts.timeout,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[string]*Future),
	}, nil
}

// Request registers a lookup of addr and returns its Future.
func (c *Coalescer) Request(addr string) *Future {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return Resolved("", false, ErrClosed)
	}

	if f, ok := c.pending[addr]; ok {
		return f
	}
	f := newFuture()
	c.pending[addr] = f
	c.queue = append(c.queue, addr)

	if len(c.queue) >= c.maxBatchSize {
		b := c.swap()
		c.inFlight.Add(1)
		go func() {
			defer c.inFlight.Done()
			c.flush(b)
		}()
		return f
	}

	if c.timer == nil {
		c.armTimer()
	}
	return f
}

// armTimer schedules a flush after the quiet window. Must be called with the
// mutex held.
func (c *Coalescer) armTimer() {
	c.timerID++
	id := c.timerID
	c.timer = time.AfterFunc(c.quietWindow, func() {
		c.onTimer(id)
	})
}

// Pending returns the number of addresses waiting for the next flush.
func (c *Coalescer) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.queue)
}

// swap takes the current batch and replaces it with an empty one. Must be
// called with the mutex held.
func (c *Coalescer) swap() batch {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	b := batch{
		addrs:   c.queue,
		futures: c.pending,
	}
	c.queue = nil
	c.pending = make(map[string]*Future)
	return b
}

func (c *Coalescer) onTimer(id uint64) {
	c.mutex.Lock()
	if c.closed || c.timer == nil || id != c.timerID {
		// Batch already taken by a full-batch flush.
		c.mutex.Unlock()
		return
	}
	c.inFlight.Add(1)
	b := c.swap()
	c.mutex.Unlock()

	defer c.inFlight.Done()
	c.flush(b)
}

func (c *Coalescer) flush(b batch) {
	if len(b.addrs) == 0 {
		return
	}

	ctx := c.ctx
	if c.timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	names, err := c.fetch(ctx, b.addrs)
	if err != nil {
		log.Warnw("Batch lookup failed", "err", err, "addresses", len(b.addrs))
		for _, addr := range b.addrs {
			b.futures[addr].resolve("", false, err)
		}
	} else {
		log.Debugw("Batch lookup complete", "addresses", len(b.addrs), "found", len(names))
		for _, addr := range b.addrs {
			name, ok := names[addr]
			b.futures[addr].resolve(name, ok, nil)
		}
	}

	// Schedule a flush for requests that arrived during the fetch, if none is
	// scheduled yet.
	c.mutex.Lock()
	if !c.closed && len(c.queue) != 0 && c.timer == nil {
		c.armTimer()
	}
	c.mutex.Unlock()
}

// Close rejects all requests that have not been flushed, cancels in-flight
// fetches, and waits for them to finish.
func (c *Coalescer) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	b := c.swap()
	c.mutex.Unlock()

	for _, addr := range b.addrs {
		b.futures[addr].resolve("", false, ErrClosed)
	}
	c.cancel()
	c.inFlight.Wait()
	return nil
}
