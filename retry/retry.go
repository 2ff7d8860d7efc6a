// Package retry runs stage-local retries with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// Policy bounds retries of one dependency call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each wait, in [0,1].
	Jitter float64
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt
	// deadline.
	AttemptTimeout time.Duration

	// OnRetry is called before each wait.
	OnRetry func(name string, attempt int, err error, wait time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2,
		Jitter:          0.5,
		AttemptTimeout:  time.Minute,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempt cap is reached. Exhaustion yields an exhaustion-class error that
// wraps both core.ErrExhausted and the last attempt's error.
func (p Policy) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	attempt := 0
	var last error

	op := func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil || !core.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(name, attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%s: %w", name, cerr)
	}
	if last != nil && !core.IsRetryable(last) {
		return last
	}
	if last == nil {
		last = err
	}
	return core.NewPipelineError(name, "", core.ClassExhaustion,
		fmt.Errorf("%w after %d attempts: %w", core.ErrExhausted, attempt, last))
}

// Exhausted reports whether err is the result of running out of attempts.
func Exhausted(err error) bool {
	return errors.Is(err, core.ErrExhausted)
}
