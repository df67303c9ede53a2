package namecache

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/walletnames/go-namecache/address"
	"github.com/walletnames/go-namecache/store"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultDebounce      = 100 * time.Millisecond
	defaultQuietWindow   = 250 * time.Millisecond
	defaultMaxBatchSize  = 100
	defaultCooldown      = 30 * time.Second
	defaultSchemaVersion = 1
	defaultRemoteTimeout = 10 * time.Second
	defaultNegativeTTL   = time.Minute
)

type config struct {
	clock         clock.Clock
	cooldown      time.Duration
	debounce      time.Duration
	maxBatchSize  int
	negativeTTL   time.Duration
	normalize     address.Normalizer
	preload       bool
	quietWindow   time.Duration
	remoteTimeout time.Duration
	schemaVersion int
	store         *store.Store
	ttl           time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:         clock.New(),
		cooldown:      defaultCooldown,
		debounce:      defaultDebounce,
		maxBatchSize:  defaultMaxBatchSize,
		negativeTTL:   defaultNegativeTTL,
		normalize:     address.Identity,
		quietWindow:   defaultQuietWindow,
		remoteTimeout: defaultRemoteTimeout,
		schemaVersion: defaultSchemaVersion,
		ttl:           defaultTTL,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithTTL sets how long after a full refresh the cached names are considered
// stale. A lookup on a stale cache starts a background refresh and still
// returns the stale name. If set to 0, then automatic refresh is disabled and
// names are only refreshed by explicit calls to Refresh, and a refreshed cache
// is never considered stale.
//
// Default is 5 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl < 0 {
			return fmt.Errorf("negative ttl %s", ttl)
		}
		c.ttl = ttl
		return nil
	}
}

// WithDebounce sets the quiet period after the last change to an address
// before subscribers are notified.
//
// Default is 100 milliseconds.
func WithDebounce(d time.Duration) Option {
	return func(c *config) error {
		c.debounce = d
		return nil
	}
}

// WithQuietWindow sets how long lookups of uncached addresses are collected
// before they are fetched from the remote store in one batch.
//
// Default is 250 milliseconds.
func WithQuietWindow(d time.Duration) Option {
	return func(c *config) error {
		c.quietWindow = d
		return nil
	}
}

// WithMaxBatchSize sets the number of collected lookups at which a batch is
// fetched without waiting for the quiet window to end.
//
// Default is 100.
func WithMaxBatchSize(n int) Option {
	return func(c *config) error {
		c.maxBatchSize = n
		return nil
	}
}

// WithCooldown sets how long automatic refreshes are suppressed after a full
// refresh fails.
//
// Default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("negative cooldown %s", d)
		}
		c.cooldown = d
		return nil
	}
}

// WithSchemaVersion sets the version of the persisted data. Persisted data
// with a different version is discarded when the cache is first used.
//
// Default is 1.
func WithSchemaVersion(v int) Option {
	return func(c *config) error {
		if v < 0 {
			return fmt.Errorf("negative schema version %d", v)
		}
		c.schemaVersion = v
		return nil
	}
}

// WithRemoteTimeout sets the time limit for each call to the remote name
// store. A call that times out is handled like any other remote failure. If
// set to 0, calls are only limited by their context.
//
// Default is 10 seconds.
func WithRemoteTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.remoteTimeout = d
		return nil
	}
}

// WithNegativeTTL sets how long an address that the remote store reported as
// having no name is remembered, so that repeated lookups of it do not go to
// the remote store. If set to 0, then negative caching is disabled.
//
// Default is 1 minute.
func WithNegativeTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl < 0 {
			return fmt.Errorf("negative negative-cache ttl %s", ttl)
		}
		c.negativeTTL = ttl
		return nil
	}
}

// WithStore sets the persistent store for cached names. The cache takes
// ownership of the store and closes it on Close.
//
// Default is a store that is kept only in memory.
func WithStore(s *store.Store) Option {
	return func(c *config) error {
		if s != nil {
			c.store = s
		}
		return nil
	}
}

// WithNormalizer sets the function applied to every address before it is
// used as a cache key.
//
// Default is address.Identity.
func WithNormalizer(n address.Normalizer) Option {
	return func(c *config) error {
		if n != nil {
			c.normalize = n
		}
		return nil
	}
}

// WithClock sets the clock used for staleness and cooldown accounting.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk != nil {
			c.clock = clk
		}
		return nil
	}
}

// WithPreload, if true, loads persisted names and refreshes from the remote
// store, if stale, before New returns.
func WithPreload(preload bool) Option {
	return func(c *config) error {
		c.preload = preload
		return nil
	}
}
