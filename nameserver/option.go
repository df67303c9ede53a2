package nameserver

import (
	"fmt"

	"github.com/walletnames/go-namecache/address"
	"github.com/walletnames/go-namecache/store"
	"golang.org/x/time/rate"
)

const defaultMaxBatchSize = 1000

type config struct {
	maxBatchSize int
	names        map[string]string
	normalize    address.Normalizer
	preferJSON   bool
	rateBurst    int
	rateLimit    rate.Limit
	store        *store.Store
	token        string
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		maxBatchSize: defaultMaxBatchSize,
		normalize:    address.Identity,
		preferJSON:   true,
		rateLimit:    rate.Inf,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithNames sets the names the server starts with. Names loaded from the
// store take precedence.
func WithNames(names map[string]string) Option {
	return func(cfg *config) error {
		cfg.names = names
		return nil
	}
}

// WithNormalizer sets the function applied to every address received.
func WithNormalizer(n address.Normalizer) Option {
	return func(cfg *config) error {
		if n != nil {
			cfg.normalize = n
		}
		return nil
	}
}

// WithPreferJSON, if true, answers requests that have no Accept header with
// JSON. Otherwise the Accept header is required. Default is true.
func WithPreferJSON(preferJSON bool) Option {
	return func(cfg *config) error {
		cfg.preferJSON = preferJSON
		return nil
	}
}

// WithStore persists names in s. The server closes s on Close.
func WithStore(s *store.Store) Option {
	return func(cfg *config) error {
		cfg.store = s
		return nil
	}
}

// WithToken requires writes to carry the header "Authorization: Bearer
// token".
func WithToken(token string) Option {
	return func(cfg *config) error {
		cfg.token = token
		return nil
	}
}

// WithMaxBatchSize sets the largest number of addresses accepted in one batch
// lookup.
func WithMaxBatchSize(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("max batch size must be at least 1, got %d", n)
		}
		cfg.maxBatchSize = n
		return nil
	}
}

// WithRateLimit answers requests beyond limit per second, with bursts of up to
// burst, with status 429. Default is no limit.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(cfg *config) error {
		if limit <= 0 {
			return fmt.Errorf("rate limit must be positive")
		}
		if burst < 1 {
			burst = 1
		}
		cfg.rateLimit = limit
		cfg.rateBurst = burst
		return nil
	}
}
