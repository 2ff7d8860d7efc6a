package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// Outcome is the result of one event in a batch.
type Outcome struct {
	Event  core.UploadEvent
	Record core.ImageRecord
	Err    error
}

// IngestBatch runs events concurrently, bounded by Config.Concurrency and
// paced by Config.RatePerSecond. A failing event does not stop the others;
// only cancellation of ctx does. Outcomes keep the order of events.
func (o *Orchestrator) IngestBatch(ctx context.Context, events []core.UploadEvent) ([]Outcome, error) {
	out := make([]Outcome, len(events))
	limit := rate.Inf
	if o.cfg.RatePerSecond > 0 {
		limit = rate.Limit(o.cfg.RatePerSecond)
	}
	burst := max(o.cfg.Burst, 1)
	limiter := rate.NewLimiter(limit, burst)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Concurrency, 1))

	for i, ev := range events {
		if err := limiter.Wait(gctx); err != nil {
			_ = g.Wait()
			return out, err
		}
		g.Go(func() error {
			rec, err := o.Handle(gctx, ev)
			out[i] = Outcome{Event: ev, Record: rec, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}

// Failed returns the outcomes that ended with an error.
func Failed(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, oc := range outcomes {
		if oc.Err != nil {
			failed = append(failed, oc)
		}
	}
	return failed
}
