package broadcast

import (
	"fmt"
	"time"
)

const defaultDebounce = 100 * time.Millisecond

type config struct {
	debounce time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		debounce: defaultDebounce,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithDebounce sets the quiet period that must pass after the last change to
// an address before a change record naming that address is published.
//
// Default is 100 milliseconds.
func WithDebounce(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("negative debounce %s", d)
		}
		c.debounce = d
		return nil
	}
}
