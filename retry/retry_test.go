package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-imgsearch/core"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.5,
		AttemptTimeout:  time.Second,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retries []int
	p := fastPolicy()
	p.OnRetry = func(name string, attempt int, err error, wait time.Duration) {
		retries = append(retries, attempt)
	}

	err := p.Do(context.Background(), "analyze", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return core.Transient("model", errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	transient := core.Transient("model", errors.New("429"))
	err := fastPolicy().Do(context.Background(), "embed", func(ctx context.Context) error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.True(t, Exhausted(err))
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, core.ClassExhaustion, core.ClassOf(err))
	assert.False(t, core.IsRetryable(err))
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	perm := core.Permanent("model", errors.New("unsupported image"))
	err := fastPolicy().Do(context.Background(), "analyze", func(ctx context.Context) error {
		calls++
		return perm
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, perm, err)
	assert.False(t, Exhausted(err))
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.InitialInterval = time.Hour
	p.MaxInterval = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, "write", func(ctx context.Context) error {
		return core.Transient("store", errors.New("unavailable"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoAttemptTimeout(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 2
	p.AttemptTimeout = 5 * time.Millisecond
	calls := 0
	err := p.Do(context.Background(), "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, 2, calls)
	assert.True(t, Exhausted(err))
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(map[string]int64{DepEmbedding: 2})
	var cur, peak atomic.Int32
	done := make(chan struct{})

	for range 6 {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = l.Do(context.Background(), DepEmbedding, func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				cur.Add(-1)
				return nil
			})
		}()
	}
	for range 6 {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))

	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Do(context.Background(), DepStore, func(context.Context) error { return nil }))
}
