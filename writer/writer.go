// Package writer commits an ImageRecord across the metadata store, the
// vector index and the blob store in a fixed order. Each step is idempotent
// so a failed write can be resumed from the last completed step.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hubenschmidt/go-imgsearch/blob"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/metadata"
	"github.com/hubenschmidt/go-imgsearch/retry"
	"github.com/hubenschmidt/go-imgsearch/vector"
)

// Step identifies a write step. Steps run in declaration order.
type Step int

const (
	StepNone Step = iota
	StepMetadata
	StepVector
	StepBlob
)

func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepMetadata:
		return "metadata"
	case StepVector:
		return "vector"
	case StepBlob:
		return "blob"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Result reports the furthest step completed and the record as written.
type Result struct {
	LastCompleted Step
	Record        core.ImageRecord
}

// PartialFailure is returned when a step fails after retries. Steps up to
// LastCompleted are durable.
type PartialFailure struct {
	LastCompleted Step
	Failed        Step
	Err           error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("write failed at %s (last completed: %s): %v", e.Failed, e.LastCompleted, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

type Config struct {
	ProcessedBucket string
	// CacheEmbeddings keeps the vector in the metadata record so the
	// reconciler can re-index without re-embedding.
	CacheEmbeddings bool
	Policy          retry.Policy
}

type Writer struct {
	meta    metadata.Store
	index   vector.Index
	blobs   blob.Store
	limiter *retry.Limiter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(meta metadata.Store, index vector.Index, blobs blob.Store, limiter *retry.Limiter, cfg Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		meta:    meta,
		index:   index,
		blobs:   blobs,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("component", "writer"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ProcessedKey returns where rec's image lives once written.
func (w *Writer) ProcessedKey(rec core.ImageRecord) string {
	return core.ProcessedKey(w.cfg.ProcessedBucket, rec.ID, rec.ObjectName)
}

// Write runs every step for rec. The metadata row is written with status
// indexing; marking it completed is the caller's final transition.
func (w *Writer) Write(ctx context.Context, rec core.ImageRecord) (Result, error) {
	return w.Resume(ctx, rec, StepNone)
}

// Resume runs the steps after from.
func (w *Writer) Resume(ctx context.Context, rec core.ImageRecord, from Step) (Result, error) {
	rec = rec.Clone()
	rec.ProcessedLocation = w.ProcessedKey(rec)
	res := Result{LastCompleted: from, Record: rec}

	for step := from + 1; step <= StepBlob; step++ {
		if err := w.run(ctx, step, &res.Record); err != nil {
			w.logger.Warn("write step failed",
				"record_id", rec.ID, "stage", step.String(), "last_completed", res.LastCompleted.String(), "error", err)
			return res, &PartialFailure{LastCompleted: res.LastCompleted, Failed: step, Err: err}
		}
		res.LastCompleted = step
	}
	w.logger.Debug("record written", "record_id", rec.ID, "version", rec.Version)
	return res, nil
}

func (w *Writer) run(ctx context.Context, step Step, rec *core.ImageRecord) error {
	op := "writer." + step.String()
	return w.cfg.Policy.Do(ctx, op, func(ctx context.Context) error {
		return w.limiter.Do(ctx, retry.DepStore, func(ctx context.Context) error {
			return w.step(ctx, op, step, rec)
		})
	})
}

func (w *Writer) step(ctx context.Context, op string, step Step, rec *core.ImageRecord) error {
	switch step {
	case StepMetadata:
		rec.Transition(core.StatusIndexing, w.now())
		stored := rec.Clone()
		if !w.cfg.CacheEmbeddings {
			stored.Embedding = nil
		}
		err := w.meta.Upsert(ctx, stored)
		if errors.Is(err, metadata.ErrStaleVersion) {
			return core.NewPipelineError(op, rec.ID, core.ClassConsistency, err)
		}
		return err

	case StepVector:
		if len(rec.Embedding) == 0 {
			return core.NewPipelineError(op, rec.ID, core.ClassPermanent, errors.New("record has no embedding"))
		}
		err := w.index.Upsert(ctx, vector.Entry{
			ID:         rec.ID,
			Vector:     rec.Embedding,
			Version:    rec.Version,
			Attributes: rec.Attributes,
			UpdatedAt:  rec.UpdatedAt,
		})
		switch {
		case errors.Is(err, core.ErrDimensionMismatch):
			return core.NewPipelineError(op, rec.ID, core.ClassPermanent, err)
		case errors.Is(err, vector.ErrStaleVersion):
			// A newer run owns the record now.
			return core.NewPipelineError(op, rec.ID, core.ClassConsistency, err)
		}
		return err

	case StepBlob:
		err := blob.Relocate(ctx, w.blobs, rec.RawLocation, rec.ProcessedLocation)
		if errors.Is(err, blob.ErrNotFound) {
			return core.NewPipelineError(op, rec.ID, core.ClassPermanent, err)
		}
		return err
	}
	return fmt.Errorf("unknown write step %d", step)
}

// Delete removes a record with the tombstone protocol: mark the metadata
// deleted, remove the vector, remove the blobs, then drop the metadata row.
// Search never joins a tombstoned record, so readers see the delete as soon
// as the first step lands.
func (w *Writer) Delete(ctx context.Context, id string) error {
	var rec core.ImageRecord
	err := w.cfg.Policy.Do(ctx, "writer.tombstone", func(ctx context.Context) error {
		var err error
		rec, err = w.meta.Get(ctx, id)
		if errors.Is(err, metadata.ErrNotFound) {
			return core.Permanent("writer.tombstone", err)
		}
		if err != nil || rec.Deleted {
			return err
		}
		rec.Deleted = true
		rec.Version++
		rec.UpdatedAt = w.now()
		return w.meta.Upsert(ctx, rec)
	})
	if errors.Is(err, metadata.ErrNotFound) {
		// Already gone; make sure no vector outlives it.
		return w.cfg.Policy.Do(ctx, "writer.delete_vector", func(ctx context.Context) error {
			return w.index.Delete(ctx, id)
		})
	}
	if err != nil {
		return err
	}
	return w.FinishDelete(ctx, rec)
}

// FinishDelete completes the protocol for an already tombstoned record.
func (w *Writer) FinishDelete(ctx context.Context, rec core.ImageRecord) error {
	if !rec.Deleted {
		return fmt.Errorf("finish delete %s: record is not tombstoned", rec.ID)
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"writer.delete_vector", func(ctx context.Context) error { return w.index.Delete(ctx, rec.ID) }},
		{"writer.delete_blobs", func(ctx context.Context) error {
			for _, key := range []string{rec.RawLocation, rec.ProcessedLocation} {
				if key == "" {
					continue
				}
				if err := w.blobs.Delete(ctx, key); err != nil {
					return err
				}
			}
			return nil
		}},
		{"writer.delete_metadata", func(ctx context.Context) error { return w.meta.Delete(ctx, rec.ID) }},
	}
	for _, s := range steps {
		if err := w.cfg.Policy.Do(ctx, s.name, s.fn); err != nil {
			return core.NewPipelineError(s.name, rec.ID, core.ClassOf(err), err)
		}
	}
	w.logger.Info("record deleted", "record_id", rec.ID)
	return nil
}
