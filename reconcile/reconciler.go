// Package reconcile repairs divergence between the vector index, the
// metadata store and the blob store. Every repair is idempotent, so an
// interrupted sweep is recovered by sweeping again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/go-imgsearch/blob"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/ingest"
	"github.com/hubenschmidt/go-imgsearch/metadata"
	"github.com/hubenschmidt/go-imgsearch/monitor"
	"github.com/hubenschmidt/go-imgsearch/retry"
	"github.com/hubenschmidt/go-imgsearch/vector"
	"github.com/hubenschmidt/go-imgsearch/writer"
)

// Repair actions, also used as metric labels.
const (
	ActionFinishBlob    = "finish_blob"
	ActionReindexCached = "reindex_cached"
	ActionRequeue       = "requeue"
	ActionResume        = "resume"
	ActionDeleteOrphan  = "delete_orphan_vector"
	ActionMarkFailed    = "mark_failed"
	ActionFinishDelete  = "finish_delete"
	ActionRollback      = "rollback_vector"
)

type Config struct {
	Interval time.Duration
	// StaleAfter is the age at which a non-terminal record is considered
	// abandoned by its pipeline run.
	StaleAfter time.Duration
	// GraceWindow is the age at which a vector without metadata is an
	// orphan rather than a write in progress.
	GraceWindow time.Duration
	Concurrency int
	Policy      retry.Policy
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		StaleAfter:  10 * time.Minute,
		GraceWindow: 15 * time.Minute,
		Concurrency: 4,
		Policy:      retry.DefaultPolicy(),
	}
}

// Resumer re-runs the pipeline for a record from its persisted status.
type Resumer interface {
	Resume(ctx context.Context, rec core.ImageRecord) (core.ImageRecord, error)
}

type Deps struct {
	Index   vector.Index
	Meta    metadata.Store
	Blobs   blob.Store
	Writer  *writer.Writer
	Resumer Resumer
	Metrics monitor.Collector
	Logger  *slog.Logger
}

// Report summarizes one sweep.
type Report struct {
	Scanned        int      `json:"scanned"`
	Repaired       int      `json:"repaired"`
	OrphansDeleted int      `json:"orphans_deleted"`
	MarkedFailed   int      `json:"marked_failed"`
	RolledBack     int      `json:"rolled_back"`
	Errors         []string `json:"errors,omitempty"`
}

type Reconciler struct {
	index   vector.Index
	meta    metadata.Store
	blobs   blob.Store
	writer  *writer.Writer
	resumer Resumer
	metrics monitor.Collector
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(d Deps, cfg Config) *Reconciler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Reconciler{
		index:   d.Index,
		meta:    d.Meta,
		blobs:   d.Blobs,
		writer:  d.Writer,
		resumer: d.Resumer,
		metrics: monitor.OrNoOp(d.Metrics),
		cfg:     cfg,
		logger:  logger.With("component", "reconcile"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := r.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", "error", err)
		}
		if err == nil {
			r.logger.Info("sweep finished",
				"scanned", report.Scanned, "repaired", report.Repaired,
				"orphans_deleted", report.OrphansDeleted, "marked_failed", report.MarkedFailed,
				"errors", len(report.Errors))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tally collects repair outcomes from concurrent workers.
type tally struct {
	mu     sync.Mutex
	report Report
}

func (t *tally) add(fn func(*Report)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.report)
}

// Sweep compares the three stores once and repairs what it finds.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var entries []vector.EntryInfo
	err := r.cfg.Policy.Do(ctx, "reconcile.list_vectors", func(ctx context.Context) error {
		var err error
		entries, err = r.index.List(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("list vectors: %w", err)
	}

	var recs []core.ImageRecord
	err = r.cfg.Policy.Do(ctx, "reconcile.list_records", func(ctx context.Context) error {
		var err error
		recs, err = r.meta.List(ctx, metadata.ListOptions{})
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("list records: %w", err)
	}

	vectors := make(map[string]vector.EntryInfo, len(entries))
	for _, e := range entries {
		vectors[e.ID] = e
	}
	known := make(map[string]bool, len(recs))
	for _, rec := range recs {
		known[rec.ID] = true
	}

	t := &tally{report: Report{Scanned: len(recs) + len(entries)}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, rec := range recs {
		entry, hasVector := vectors[rec.ID]
		g.Go(func() error {
			r.checkRecord(gctx, t, rec, entry, hasVector)
			return nil
		})
	}
	for _, e := range entries {
		if known[e.ID] {
			continue
		}
		g.Go(func() error {
			r.checkOrphan(gctx, t, e)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return t.report, err
	}
	return t.report, nil
}

func (r *Reconciler) stale(updated time.Time, age time.Duration) bool {
	return r.now().Sub(updated) >= age
}

func (r *Reconciler) checkRecord(ctx context.Context, t *tally, rec core.ImageRecord, entry vector.EntryInfo, hasVector bool) {
	if !r.stale(rec.UpdatedAt, r.cfg.StaleAfter) {
		return
	}
	log := r.logger.With("record_id", rec.ID, "status", rec.Status)

	switch {
	case rec.Deleted:
		if err := r.writer.FinishDelete(ctx, rec); err != nil {
			r.failed(t, log, ActionFinishDelete, err)
			return
		}
		r.repaired(t, log, ActionFinishDelete)

	case rec.Status == core.StatusCompleted:
		ok, err := r.blobExists(ctx, rec.ProcessedLocation)
		if err != nil {
			r.failed(t, log, "check_blob", err)
			return
		}
		if !ok {
			r.markFailed(ctx, t, log, rec, core.ReasonBlobMissing)
			return
		}
		if hasVector && entry.Version >= rec.Version {
			return
		}
		r.reindex(ctx, t, log, rec, false)

	case rec.Status == core.StatusIndexing:
		r.reindex(ctx, t, log, rec, hasVector && entry.Version == rec.Version)

	case rec.Status == core.StatusUploaded, rec.Status.InFlight():
		r.resume(ctx, t, log, rec, ActionResume)

	case rec.Status == core.StatusFailed:
		if hasVector && entry.Version <= rec.Version {
			r.rollback(ctx, t, log, rec)
		}
	}
}

// rollback removes the vector a failed run left behind, so the index only
// holds completed records.
func (r *Reconciler) rollback(ctx context.Context, t *tally, log *slog.Logger, rec core.ImageRecord) {
	// A reingest may have started since the listing.
	cur, err := r.meta.Get(ctx, rec.ID)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			r.failed(t, log, ActionRollback, err)
		}
		return
	}
	if cur.Status != core.StatusFailed || cur.Version != rec.Version {
		return
	}

	err = r.cfg.Policy.Do(ctx, "reconcile.rollback", func(ctx context.Context) error {
		return r.index.Delete(ctx, rec.ID)
	})
	if err != nil {
		r.failed(t, log, ActionRollback, err)
		return
	}
	r.metrics.Repair(ActionRollback)
	t.add(func(rep *Report) { rep.RolledBack++ })
	log.Info("vector of failed record rolled back", "reason", rec.FailureReason)
}

// reindex brings rec's vector and blob up to date and marks it completed.
// vectorCurrent means only the blob step remains.
func (r *Reconciler) reindex(ctx context.Context, t *tally, log *slog.Logger, rec core.ImageRecord, vectorCurrent bool) {
	from, action := writer.StepVector, ActionFinishBlob
	switch {
	case vectorCurrent:
	case len(rec.Embedding) > 0:
		from, action = writer.StepMetadata, ActionReindexCached
	default:
		next := rec.Clone()
		next.Status = core.StatusEmbedding
		r.resume(ctx, t, log, next, ActionRequeue)
		return
	}

	_, err := r.writer.Resume(ctx, rec, from)
	if err == nil {
		err = r.cfg.Policy.Do(ctx, "reconcile.complete", func(ctx context.Context) error {
			return r.meta.UpdateStatus(ctx, rec.ID, core.StatusCompleted, core.ReasonNone, rec.Version)
		})
	}
	if err != nil {
		reason, terminal := ingest.FailureReasonFor(err, core.ReasonWriteExhausted)
		if !terminal {
			r.failed(t, log, action, err)
			return
		}
		log.Warn("repair failed", "action", action, "error", err)
		r.markFailed(ctx, t, log, rec, reason)
		return
	}
	r.repaired(t, log, action)
}

func (r *Reconciler) resume(ctx context.Context, t *tally, log *slog.Logger, rec core.ImageRecord, action string) {
	if r.resumer == nil {
		r.failed(t, log, action, errors.New("no pipeline configured for resume"))
		return
	}
	out, err := r.resumer.Resume(ctx, rec)
	switch {
	case err == nil:
		r.repaired(t, log, action)
	case out.Status == core.StatusFailed:
		r.metrics.Repair(ActionMarkFailed)
		t.add(func(rep *Report) { rep.MarkedFailed++ })
		log.Warn("resumed record failed", "reason", out.FailureReason, "error", err)
	default:
		r.failed(t, log, action, err)
	}
}

func (r *Reconciler) checkOrphan(ctx context.Context, t *tally, e vector.EntryInfo) {
	if !r.stale(e.UpdatedAt, r.cfg.GraceWindow) {
		return
	}
	log := r.logger.With("record_id", e.ID)

	// The record may have been written since the listing.
	_, err := r.meta.Get(ctx, e.ID)
	if err == nil {
		return
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		r.failed(t, log, ActionDeleteOrphan, err)
		return
	}
	err = r.cfg.Policy.Do(ctx, "reconcile.delete_orphan", func(ctx context.Context) error {
		return r.index.Delete(ctx, e.ID)
	})
	if err != nil {
		r.failed(t, log, ActionDeleteOrphan, err)
		return
	}
	r.metrics.Repair(ActionDeleteOrphan)
	t.add(func(rep *Report) { rep.OrphansDeleted++ })
	log.Info("orphan vector deleted")
}

func (r *Reconciler) blobExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ok bool
	err := r.cfg.Policy.Do(ctx, "reconcile.blob_exists", func(ctx context.Context) error {
		var err error
		ok, err = r.blobs.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (r *Reconciler) markFailed(ctx context.Context, t *tally, log *slog.Logger, rec core.ImageRecord, reason core.FailureReason) {
	err := r.cfg.Policy.Do(ctx, "reconcile.mark_failed", func(ctx context.Context) error {
		err := r.meta.UpdateStatus(ctx, rec.ID, core.StatusFailed, reason, rec.Version)
		if errors.Is(err, metadata.ErrStaleVersion) || errors.Is(err, metadata.ErrNotFound) {
			return core.Permanent("reconcile.mark_failed", err)
		}
		return err
	})
	if err != nil {
		r.failed(t, log, ActionMarkFailed, err)
		return
	}
	r.metrics.Repair(ActionMarkFailed)
	t.add(func(rep *Report) { rep.MarkedFailed++ })
	log.Warn("record marked failed", "reason", reason)
}

func (r *Reconciler) repaired(t *tally, log *slog.Logger, action string) {
	r.metrics.Repair(action)
	t.add(func(rep *Report) { rep.Repaired++ })
	log.Info("record repaired", "action", action)
}

func (r *Reconciler) failed(t *tally, log *slog.Logger, action string, err error) {
	t.add(func(rep *Report) { rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", action, err)) })
	log.Error("repair error", "action", action, "error", err)
}
