// internal/retry/retry.go
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xkilldash9x/formpilot/internal/clock"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/failure"
)

// Policy is a bounded exponential backoff policy. Only errors classified as
// retryable by failure.IsRetryable are retried; everything else is returned
// after the first attempt.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultPolicy is three attempts with exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// FromConfig builds a Policy from the session retry settings.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
	}
}

// Notify is called before each retry with the error that triggered it and
// the upcoming delay.
type Notify func(attempt int, err error, delay time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The number of attempts made is returned
// alongside the final error.
func (p Policy) Do(ctx context.Context, clk clock.Clock, op func(ctx context.Context) error, notify Notify) (int, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := op(ctx)
		if err != nil && !failure.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, d time.Duration) { notify(attempts, err, d) }
	}

	err := backoff.RetryNotifyWithTimer(operation, p.backOff(ctx, clk), onRetry, &clockTimer{clk: clk})
	return attempts, err
}

func (p Policy) backOff(ctx context.Context, clk clock.Clock) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	// The attempt bound and the session deadline are the only stop conditions.
	exp.MaxElapsedTime = 0
	exp.Clock = clk
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = backoff.DefaultInitialInterval
	}
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	if exp.Multiplier < 1 {
		exp.Multiplier = backoff.DefaultMultiplier
	}
	exp.Reset()

	maxRetries := p.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}

// clockTimer adapts a clock.Clock to backoff.Timer.
type clockTimer struct {
	clk clock.Clock
	c   <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clk.After(d) }
func (t *clockTimer) Stop()                 {}
func (t *clockTimer) C() <-chan time.Time   { return t.c }
