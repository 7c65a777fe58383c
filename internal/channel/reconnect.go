package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy bounds automatic reconnection of a dropped session.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		MaxAttempts:     8,
	}
}

func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0 // attempts are the only bound
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = DefaultReconnectPolicy().MaxAttempts
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, attempts-1), ctx)
}

// reconnect calls dial until it succeeds, returns a permanent error, ctx ends
// or the attempt budget is spent. The last error is returned.
func reconnect(ctx context.Context, p ReconnectPolicy, logger *slog.Logger, platform string, dial func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return dial(ctx)
		},
		p.backOff(ctx),
		func(err error, wait time.Duration) {
			logger.Warn("reconnect attempt failed", "platform", platform, "attempt", attempt, "retry_in", wait, "err", err)
		},
	)
}

// permanent marks an error that must not be retried (bad credentials).
func permanent(err error) error {
	return backoff.Permanent(err)
}
