package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxAttempts   = 3
)

// RetryConfig bounds connection attempts.
type RetryConfig struct {
	Interval    time.Duration
	MaxAttempts uint
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultRetryInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Connect calls dial until it succeeds, sleeping cfg.Interval between
// attempts. After cfg.MaxAttempts failures it returns a *ConnectionError
// naming the endpoint and addresses.
func Connect[T any](ctx context.Context, log *slog.Logger, cfg RetryConfig, endpoint string, addresses []string, dial func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	handle, err := retry.DoWithData(
		func() (T, error) { return dial(ctx) },
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("connection attempt failed",
				"endpoint", endpoint,
				"attempt", n+1,
				"max_attempts", cfg.MaxAttempts,
				"error", err)
		}),
	)
	if err != nil {
		var zero T
		return zero, &ConnectionError{
			Endpoint:  endpoint,
			Addresses: addresses,
			Attempts:  cfg.MaxAttempts,
			Err:       err,
		}
	}
	return handle, nil
}
