package coalesce

import (
	"fmt"
	"time"
)

const (
	defaultQuietWindow  = 250 * time.Millisecond
	defaultMaxBatchSize = 100
	defaultTimeout      = 10 * time.Second
)

type config struct {
	quietWindow  time.Duration
	maxBatchSize int
	timeout      time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		quietWindow:  defaultQuietWindow,
		maxBatchSize: defaultMaxBatchSize,
		timeout:      defaultTimeout,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithQuietWindow sets how long requests are collected, after the first
// request of a batch, before the batch is fetched.
//
// Default is 250 milliseconds.
func WithQuietWindow(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("negative quiet window %s", d)
		}
		c.quietWindow = d
		return nil
	}
}

// WithMaxBatchSize sets the number of distinct addresses at which a batch is
// fetched immediately instead of waiting for the quiet window to end.
//
// Default is 100.
func WithMaxBatchSize(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("max batch size must be at least 1, got %d", n)
		}
		c.maxBatchSize = n
		return nil
	}
}

// WithTimeout sets the time limit for each batch fetch. A value of 0 means no
// limit.
//
// Default is 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.timeout = d
		return nil
	}
}
