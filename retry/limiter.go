package retry

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Dependency names used to key concurrency limits.
const (
	DepAnalysis  = "analysis"
	DepEmbedding = "embedding"
	DepStore     = "store"
)

// Limiter bounds concurrent calls per external dependency with a weighted
// semaphore each. Dependencies without a configured limit are unbounded.
type Limiter struct {
	sems map[string]*semaphore.Weighted
}

func NewLimiter(limits map[string]int64) *Limiter {
	l := &Limiter{sems: make(map[string]*semaphore.Weighted, len(limits))}
	for dep, n := range limits {
		if n > 0 {
			l.sems[dep] = semaphore.NewWeighted(n)
		}
	}
	return l
}

// Do runs fn while holding one slot of dep.
func (l *Limiter) Do(ctx context.Context, dep string, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	sem, ok := l.sems[dep]
	if !ok {
		return fn(ctx)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire %s slot: %w", dep, err)
	}
	defer sem.Release(1)
	return fn(ctx)
}
