package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stellarlinkco/warden/internal/session"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 4
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
)

// RetryConfig bounds exponential backoff. Zero values take the defaults.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// Guard runs operations through a breaker with retries on transient errors.
type Guard struct {
	retry   RetryConfig
	breaker *Breaker
	log     *zap.Logger
}

func NewGuard(retry RetryConfig, breaker *Breaker, log *zap.Logger) *Guard {
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{}, nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{retry: retry.withDefaults(), breaker: breaker, log: log.Named("resilience")}
}

func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do calls op until it succeeds, fails permanently, the attempts run out
// or ctx ends. Only session.IsTransient errors are retried. Exhausted
// retries are reported as session.ErrRuntimeConnection.
func (g *Guard) Do(ctx context.Context, name string, op func(ctx context.Context, attempt int) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := g.breaker.Allow(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := op(ctx, attempt)
		switch {
		case err == nil:
			g.breaker.RecordSuccess()
			return struct{}{}, nil
		case errors.Is(err, context.Canceled):
			g.breaker.Release()
			return struct{}{}, backoff.Permanent(err)
		case session.IsTransient(err):
			g.breaker.RecordFailure()
			return struct{}{}, err
		default:
			// The runtime answered; only the request was bad.
			g.breaker.RecordSuccess()
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(g.retry.backOff()),
		backoff.WithMaxTries(uint(g.retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Warn("retrying runtime call",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if session.IsTransient(err) && !errors.Is(err, session.ErrRuntimeConnection) {
		err = fmt.Errorf("%w: %w", session.ErrRuntimeConnection, err)
	}
	if session.IsTransient(err) {
		return fmt.Errorf("%s: gave up after %d attempts: %w", name, attempt, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// Once runs op a single time through the breaker, without retries. Use it
// for calls that are not safe to repeat.
func (g *Guard) Once(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if err := g.breaker.Allow(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	err := op(ctx)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
		g.breaker.Release()
	case session.IsTransient(err):
		g.breaker.RecordFailure()
	default:
		g.breaker.RecordSuccess()
	}
	return err
}
