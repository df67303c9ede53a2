// Package broadcast publishes display name change records to subscribers.
//
// Changes are debounced per address: every Notify naming an address restarts
// that address's timer, so a burst of updates to the same address produces a
// single record. Addresses whose timers were armed by the same Notify call and
// not re-armed since are published together in one record.
//
// Delivery is fire-and-forget. A subscriber only receives records published
// after it subscribed, and there is no replay.
package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/gammazero/channelqueue"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("broadcast")

// ChangeRecord describes a set of display name changes.
type ChangeRecord struct {
	// Addresses are the addresses whose names may have changed, sorted.
	Addresses []string
	// ForcedRefresh is true if the change came from reconciling the cache
	// with the remote store after a failed write.
	ForcedRefresh bool
	// UpdatedAddress is the address written by a local Set, if any.
	UpdatedAddress string
	// Timestamp is the time the record was published.
	Timestamp time.Time
}

// Sink receives published change records.
type Sink interface {
	OnChange(ChangeRecord)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ChangeRecord)

func (f SinkFunc) OnChange(rec ChangeRecord) { f(rec) }

// Broadcaster debounces change notifications and distributes change records
// to subscribers.
type Broadcaster struct {
	debounce time.Duration

	mutex   sync.Mutex
	pending map[string]*group
	timers  map[*group]struct{}
	closed  bool

	events    chan ChangeRecord
	addChan   chan chan<- ChangeRecord
	rmChan    chan chan<- ChangeRecord
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// group is the set of addresses armed by one Notify call.
type group struct {
	addrs         map[string]struct{}
	forcedRefresh bool
	updated       string
	timer         *time.Timer
}

// New creates a Broadcaster. Call Close to stop it.
func New(options ...Option) (*Broadcaster, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	b := &Broadcaster{
		debounce: opts.debounce,
		pending:  make(map[string]*group),
		timers:   make(map[*group]struct{}),
		events:   make(chan ChangeRecord),
		addChan:  make(chan chan<- ChangeRecord),
		rmChan:   make(chan chan<- ChangeRecord),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.distributeEvents()
	return b, nil
}

// Notify schedules publication of a change record for the addresses in rec.
// Any pending timer for those addresses is canceled and a new one armed. The
// flags in rec are merged with those of the canceled timers, so that a
// ForcedRefresh or UpdatedAddress is not lost by being debounced. Timestamp is
// ignored and set at publication.
func (b *Broadcaster) Notify(rec ChangeRecord) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}

	g := &group{
		addrs:         make(map[string]struct{}, len(rec.Addresses)),
		forcedRefresh: rec.ForcedRefresh,
		updated:       rec.UpdatedAddress,
	}
	for _, addr := range rec.Addresses {
		if _, dup := g.addrs[addr]; dup {
			continue
		}
		g.addrs[addr] = struct{}{}
		prev, ok := b.pending[addr]
		if !ok {
			b.pending[addr] = g
			continue
		}
		g.forcedRefresh = g.forcedRefresh || prev.forcedRefresh
		if g.updated == "" {
			g.updated = prev.updated
		}
		delete(prev.addrs, addr)
		if len(prev.addrs) == 0 {
			prev.timer.Stop()
			delete(b.timers, prev)
		}
		b.pending[addr] = g
	}

	g.timer = time.AfterFunc(b.debounce, func() {
		b.fire(g)
	})
	b.timers[g] = struct{}{}
}

// fire publishes the addresses still belonging to g.
func (b *Broadcaster) fire(g *group) {
	b.mutex.Lock()
	if _, ok := b.timers[g]; !ok || b.closed {
		// Superseded by later notifications, or closed.
		b.mutex.Unlock()
		return
	}
	delete(b.timers, g)

	addrs := make([]string, 0, len(g.addrs))
	for addr := range g.addrs {
		addrs = append(addrs, addr)
		delete(b.pending, addr)
	}
	b.mutex.Unlock()

	sort.Strings(addrs)
	rec := ChangeRecord{
		Addresses:      addrs,
		ForcedRefresh:  g.forcedRefresh,
		UpdatedAddress: g.updated,
		Timestamp:      time.Now(),
	}

	select {
	case b.events <- rec:
	case <-b.closing:
	}
}

// Pending returns the number of addresses waiting for their debounce timer.
func (b *Broadcaster) Pending() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.pending)
}

// Watch creates a channel that receives change records.
//
// Calling the returned cancel function removes the channel from the list of
// channels to be notified, and closes the channel to allow any reading
// goroutines to stop waiting on it.
func (b *Broadcaster) Watch() (<-chan ChangeRecord, func()) {
	// Channel is unbounded so that distribution never waits for a slow
	// reader.
	cq := channelqueue.New[ChangeRecord](-1)
	ch := cq.In()

	select {
	case b.addChan <- ch:
	case <-b.closing:
		close(ch)
		return cq.Out(), func() {}
	}

	cncl := func() {
		if ch == nil {
			return
		}
		select {
		case b.rmChan <- ch:
		case <-b.closing:
		}
		ch = nil
	}
	return cq.Out(), cncl
}

// Subscribe calls sink with every change record published until the returned
// unsubscribe function is called. Records are delivered in publication order
// on a goroutine owned by the subscription. A panic in sink is logged and
// does not stop delivery.
func (b *Broadcaster) Subscribe(sink Sink) func() {
	ch, cncl := b.Watch()
	go func() {
		for rec := range ch {
			deliver(sink, rec)
		}
	}()
	return cncl
}

func deliver(sink Sink, rec ChangeRecord) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Change sink panicked", "panic", r, "addresses", len(rec.Addresses))
		}
	}()
	sink.OnChange(rec)
}

// Close stops all pending timers without publishing them, and closes all
// subscriber channels.
func (b *Broadcaster) Close() error {
	b.closeOnce.Do(func() {
		b.mutex.Lock()
		b.closed = true
		for g := range b.timers {
			g.timer.Stop()
		}
		b.timers = nil
		b.pending = nil
		b.mutex.Unlock()

		close(b.closing)
		<-b.done
	})
	return nil
}

func (b *Broadcaster) distributeEvents() {
	defer close(b.done)

	var outEventsChans []chan<- ChangeRecord

	for {
		select {
		case rec := <-b.events:
			// Send update to all change notification channels.
			for _, ch := range outEventsChans {
				ch <- rec
			}
		case ch := <-b.addChan:
			outEventsChans = append(outEventsChans, ch)
		case ch := <-b.rmChan:
			for i, ca := range outEventsChans {
				if ca == ch {
					outEventsChans[i] = outEventsChans[len(outEventsChans)-1]
					outEventsChans[len(outEventsChans)-1] = nil
					outEventsChans = outEventsChans[:len(outEventsChans)-1]
					close(ch)
					break
				}
			}
		case <-b.closing:
			// Dismiss any event readers.
			for _, ch := range outEventsChans {
				close(ch)
			}
			return
		}
	}
}
