// Package ingest drives one upload event through analysis, embedding and the
// multi-store write. Each run owns its record; nothing mutable is shared
// between concurrent runs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hubenschmidt/go-imgsearch/blob"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/embedding"
	"github.com/hubenschmidt/go-imgsearch/identity"
	"github.com/hubenschmidt/go-imgsearch/location"
	"github.com/hubenschmidt/go-imgsearch/metadata"
	"github.com/hubenschmidt/go-imgsearch/monitor"
	"github.com/hubenschmidt/go-imgsearch/retry"
	"github.com/hubenschmidt/go-imgsearch/writer"
)

const tracerName = "github.com/hubenschmidt/go-imgsearch/ingest"

type Config struct {
	// StaleAfter is how long an in-flight record may sit without progress
	// before a redelivered event takes it over.
	StaleAfter time.Duration
	Policy     retry.Policy

	// Batch settings.
	Concurrency   int
	RatePerSecond float64
	Burst         int
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:    10 * time.Minute,
		Policy:        retry.DefaultPolicy(),
		Concurrency:   4,
		RatePerSecond: 2,
		Burst:         4,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	IDs     *identity.Assigner
	Meta    metadata.Store
	Blobs   blob.Store
	Model   embedding.Client
	Writer  *writer.Writer
	Limiter *retry.Limiter
	Metrics monitor.Collector
	Logger  *slog.Logger

	// Geocoder names the place of images with GPS tags. Optional.
	Geocoder location.Geocoder
}

type Orchestrator struct {
	ids     *identity.Assigner
	meta    metadata.Store
	blobs   blob.Store
	model   embedding.Client
	writer  *writer.Writer
	limiter *retry.Limiter
	geo     location.Geocoder
	metrics monitor.Collector
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func New(d Deps, cfg Config) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := d.IDs
	if ids == nil {
		ids = identity.New(identity.DefaultNamespace)
	}
	o := &Orchestrator{
		ids:     ids,
		meta:    d.Meta,
		blobs:   d.Blobs,
		model:   d.Model,
		writer:  d.Writer,
		limiter: d.Limiter,
		geo:     d.Geocoder,
		metrics: monitor.OrNoOp(d.Metrics),
		cfg:     cfg,
		logger:  logger.With("component", "ingest"),
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if o.cfg.Policy.OnRetry == nil {
		o.cfg.Policy.OnRetry = func(name string, attempt int, err error, wait time.Duration) {
			o.metrics.Retry(name)
			o.logger.Debug("retrying", "stage", name, "attempt", attempt, "wait", wait, "error", err)
		}
	}
	return o
}

// Handle processes one upload event. Redelivery of an event whose record is
// terminal, or in flight and not stale, returns the stored record unchanged.
func (o *Orchestrator) Handle(ctx context.Context, ev core.UploadEvent) (core.ImageRecord, error) {
	ctx, span := o.tracer.Start(ctx, "ingest.handle", trace.WithAttributes(
		attribute.String("bucket", ev.Bucket),
		attribute.String("object_name", ev.ObjectName),
		attribute.String("generation", ev.Generation),
	))
	defer span.End()

	id, err := o.ids.Assign(ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return core.ImageRecord{}, err
	}
	span.SetAttributes(attribute.String("record_id", id))

	rec, run, err := o.admit(ctx, id, ev)
	if err != nil || !run {
		return rec, err
	}
	rec, err = o.process(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

// Reingest restarts a stored record at uploaded under a new version.
func (o *Orchestrator) Reingest(ctx context.Context, id string) (core.ImageRecord, error) {
	ctx, span := o.tracer.Start(ctx, "ingest.reingest", trace.WithAttributes(attribute.String("record_id", id)))
	defer span.End()

	cur, err := o.load(ctx, id)
	if err != nil {
		return core.ImageRecord{}, err
	}
	if cur.Deleted {
		return core.ImageRecord{}, core.NewPipelineError("ingest.reingest", id, core.ClassPermanent, metadata.ErrNotFound)
	}

	rec := o.restart(cur)
	if err := o.save(ctx, rec); err != nil {
		return cur, err
	}
	o.logger.Info("reingest requested", "record_id", id, "version", rec.Version)
	return o.process(ctx, rec)
}

// Resume continues a stale in-flight record from its persisted status. The
// reconciler uses it for records stuck before the write.
func (o *Orchestrator) Resume(ctx context.Context, rec core.ImageRecord) (core.ImageRecord, error) {
	ctx, span := o.tracer.Start(ctx, "ingest.resume", trace.WithAttributes(attribute.String("record_id", rec.ID)))
	defer span.End()
	return o.process(ctx, rec)
}

// admit decides whether ev starts, resumes or skips a run.
func (o *Orchestrator) admit(ctx context.Context, id string, ev core.UploadEvent) (core.ImageRecord, bool, error) {
	cur, err := o.load(ctx, id)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		rec := o.fresh(id, ev)
		return rec, true, o.save(ctx, rec)
	case err != nil:
		return core.ImageRecord{}, false, err
	}

	if cur.Generation != ev.Generation {
		rec := o.fresh(id, ev)
		rec.Version = cur.Version + 1
		rec.CreatedAt = cur.CreatedAt
		o.logger.Info("new generation", "record_id", id, "generation", ev.Generation, "version", rec.Version)
		return rec, true, o.save(ctx, rec)
	}

	switch {
	case cur.Deleted, cur.Status.Terminal():
		o.logger.Debug("duplicate delivery", "record_id", id, "status", cur.Status)
		return cur, false, nil
	case o.now().Sub(cur.UpdatedAt) < o.cfg.StaleAfter:
		o.logger.Debug("record in flight", "record_id", id, "status", cur.Status)
		return cur, false, nil
	}
	o.logger.Info("resuming stale record", "record_id", id, "status", cur.Status, "updated_at", cur.UpdatedAt)
	return cur, true, nil
}

func (o *Orchestrator) fresh(id string, ev core.UploadEvent) core.ImageRecord {
	now := o.now()
	return core.ImageRecord{
		ID:          id,
		Bucket:      ev.Bucket,
		ObjectName:  ev.ObjectName,
		Generation:  ev.Generation,
		RawLocation: core.BlobKey(ev.Bucket, ev.ObjectName),
		ContentType: ev.ContentType,
		Size:        ev.Size,
		Status:      core.StatusUploaded,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (o *Orchestrator) restart(cur core.ImageRecord) core.ImageRecord {
	return core.ImageRecord{
		ID:                cur.ID,
		Bucket:            cur.Bucket,
		ObjectName:        cur.ObjectName,
		Generation:        cur.Generation,
		RawLocation:       cur.RawLocation,
		ProcessedLocation: cur.ProcessedLocation,
		ContentType:       cur.ContentType,
		Size:              cur.Size,
		Status:            core.StatusUploaded,
		Version:           cur.Version + 1,
		CreatedAt:         cur.CreatedAt,
		UpdatedAt:         o.now(),
	}
}

// process runs the stages from rec's current status to completed.
func (o *Orchestrator) process(ctx context.Context, rec core.ImageRecord) (core.ImageRecord, error) {
	var image []byte
	var err error

	if rec.Status == core.StatusUploaded || rec.Status == core.StatusAnalyzing {
		if err := o.advance(ctx, &rec, core.StatusAnalyzing); err != nil {
			return rec, err
		}
		err = o.stage(ctx, "analyze", rec.ID, func(ctx context.Context) error {
			if image, err = o.fetch(ctx, rec); err != nil {
				return err
			}
			return o.analyze(ctx, &rec, image)
		})
		if err != nil {
			return o.fail(ctx, rec, core.ReasonAnalysisExhausted, err)
		}
		if err := o.advance(ctx, &rec, core.StatusEmbedding); err != nil {
			return rec, err
		}
	}

	if len(rec.Embedding) == 0 {
		if rec.Status != core.StatusEmbedding && rec.Status != core.StatusIndexing {
			return rec, fmt.Errorf("ingest %s: cannot resume from status %q", rec.ID, rec.Status)
		}
		err = o.stage(ctx, "embed", rec.ID, func(ctx context.Context) error {
			if image == nil {
				if image, err = o.fetch(ctx, rec); err != nil {
					return err
				}
			}
			return o.embed(ctx, &rec, image)
		})
		if err != nil {
			return o.fail(ctx, rec, core.ReasonEmbeddingExhausted, err)
		}
	}

	var res writer.Result
	err = o.stage(ctx, "write", rec.ID, func(ctx context.Context) error {
		var werr error
		res, werr = o.writer.Write(ctx, rec)
		return werr
	})
	if err != nil {
		return o.fail(ctx, res.Record, core.ReasonWriteExhausted, err)
	}
	rec = res.Record

	err = o.cfg.Policy.Do(ctx, "ingest.complete", func(ctx context.Context) error {
		return o.limiter.Do(ctx, retry.DepStore, func(ctx context.Context) error {
			return o.meta.UpdateStatus(ctx, rec.ID, core.StatusCompleted, core.ReasonNone, rec.Version)
		})
	})
	if err != nil {
		if errors.Is(err, metadata.ErrStaleVersion) || errors.Is(err, metadata.ErrNotFound) {
			err = core.NewPipelineError("ingest.complete", rec.ID, core.ClassConsistency, err)
		}
		o.logger.Warn("completion not recorded", "record_id", rec.ID, "error", err)
		return rec, err
	}
	rec.Transition(core.StatusCompleted, o.now())
	rec.Embedding = nil
	o.metrics.IngestOutcome(string(core.StatusCompleted), "")
	o.logger.Info("record completed", "record_id", rec.ID, "version", rec.Version)
	return rec, nil
}

func (o *Orchestrator) stage(ctx context.Context, name, id string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "ingest."+name, trace.WithAttributes(attribute.String("record_id", id)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.metrics.StageLatency(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) analyze(ctx context.Context, rec *core.ImageRecord, image []byte) error {
	var analysis core.Analysis
	err := o.cfg.Policy.Do(ctx, "ingest.analyze", func(ctx context.Context) error {
		return o.limiter.Do(ctx, retry.DepAnalysis, func(ctx context.Context) error {
			var err error
			analysis, err = o.model.Analyze(ctx, image, rec.ContentType)
			return err
		})
	})
	if err != nil {
		return err
	}

	rec.Description = analysis.Description
	rec.Attributes = maps.Clone(analysis.Attributes)
	if rec.Attributes == nil {
		rec.Attributes = map[string]string{}
	}

	// Location is best effort: one geocoding attempt, never fatal.
	loc, err := location.Locate(ctx, o.geo, image)
	switch {
	case errors.Is(err, location.ErrNoLocation):
	case err != nil && loc == nil:
		o.logger.Debug("location extraction failed", "record_id", rec.ID, "error", err)
	case err != nil && !errors.Is(err, location.ErrNoPlace):
		o.logger.Warn("reverse geocoding failed", "record_id", rec.ID, "error", err)
	}
	if loc != nil {
		rec.Location = loc
		maps.Copy(rec.Attributes, location.Attributes(loc))
	}
	return nil
}

func (o *Orchestrator) embed(ctx context.Context, rec *core.ImageRecord, image []byte) error {
	text := EmbedText(*rec)
	return o.cfg.Policy.Do(ctx, "ingest.embed", func(ctx context.Context) error {
		return o.limiter.Do(ctx, retry.DepEmbedding, func(ctx context.Context) error {
			vec, err := o.model.Embed(ctx, image, rec.ContentType, text)
			if err != nil {
				return err
			}
			rec.Embedding = vec
			return nil
		})
	})
}

// EmbedText is the text embedded for a record: its description and the
// analysis attributes, without the location coordinates.
func EmbedText(rec core.ImageRecord) string {
	attrs := maps.Clone(rec.Attributes)
	for k := range location.Attributes(rec.Location) {
		delete(attrs, k)
	}
	return core.Analysis{Description: rec.Description, Attributes: attrs}.CombinedText()
}

// fetch reads the image bytes. A record that was already relocated is read
// from its processed location.
func (o *Orchestrator) fetch(ctx context.Context, rec core.ImageRecord) ([]byte, error) {
	var data []byte
	err := o.cfg.Policy.Do(ctx, "ingest.fetch", func(ctx context.Context) error {
		return o.limiter.Do(ctx, retry.DepStore, func(ctx context.Context) error {
			var err error
			data, err = o.blobs.Get(ctx, rec.RawLocation)
			if errors.Is(err, blob.ErrNotFound) && rec.ProcessedLocation != "" {
				data, err = o.blobs.Get(ctx, rec.ProcessedLocation)
			}
			if errors.Is(err, blob.ErrNotFound) {
				return core.Permanent("ingest.fetch", err)
			}
			return err
		})
	})
	return data, err
}

func (o *Orchestrator) load(ctx context.Context, id string) (core.ImageRecord, error) {
	var rec core.ImageRecord
	err := o.cfg.Policy.Do(ctx, "ingest.load", func(ctx context.Context) error {
		return o.limiter.Do(ctx, retry.DepStore, func(ctx context.Context) error {
			var err error
			rec, err = o.meta.Get(ctx, id)
			if errors.Is(err, metadata.ErrNotFound) {
				return core.Permanent("ingest.load", err)
			}
			return err
		})
	})
	return rec, err
}

// advance persists a status transition.
func (o *Orchestrator) advance(ctx context.Context, rec *core.ImageRecord, status core.Status) error {
	rec.Transition(status, o.now())
	if err := o.save(ctx, *rec); err != nil {
		o.logger.Warn("status not persisted", "record_id", rec.ID, "status", status, "error", err)
		return err
	}
	o.logger.Debug("status", "record_id", rec.ID, "status", status, "version", rec.Version)
	return nil
}

// save upserts rec without its embedding. A newer stored version means
// another run owns the record.
func (o *Orchestrator) save(ctx context.Context, rec core.ImageRecord) error {
	stored := rec.Clone()
	stored.Embedding = nil
	return o.cfg.Policy.Do(ctx, "ingest.save", func(ctx context.Context) error {
		return o.limiter.Do(ctx, retry.DepStore, func(ctx context.Context) error {
			err := o.meta.Upsert(ctx, stored)
			if errors.Is(err, metadata.ErrStaleVersion) {
				return core.NewPipelineError("ingest.save", rec.ID, core.ClassConsistency, err)
			}
			return err
		})
	})
}

// fail records a terminal failure. Cancellation and lost ownership leave
// the record as is for redelivery or the reconciler.
func (o *Orchestrator) fail(ctx context.Context, rec core.ImageRecord, exhausted core.FailureReason, cause error) (core.ImageRecord, error) {
	reason, terminal := FailureReasonFor(cause, exhausted)
	if !terminal {
		o.logger.Warn("run abandoned", "record_id", rec.ID, "status", rec.Status, "error", cause)
		return rec, cause
	}

	rec.Fail(reason, o.now())
	rec.Embedding = nil
	if err := o.save(ctx, rec); err != nil {
		o.logger.Error("failure not persisted", "record_id", rec.ID, "reason", reason, "error", err)
	}
	o.metrics.IngestOutcome(string(core.StatusFailed), string(reason))
	o.logger.Warn("record failed", "record_id", rec.ID, "reason", reason, "error", cause)
	return rec, core.NewPipelineError("ingest", rec.ID, core.ClassOf(cause), cause)
}

// FailureReasonFor maps a stage error to the reason stored on the record.
// The second result is false when the error must not fail the record.
func FailureReasonFor(err error, exhausted core.FailureReason) (core.FailureReason, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && !retry.Exhausted(err) {
		return core.ReasonNone, false
	}
	if errors.Is(err, core.ErrNotFound) {
		return core.ReasonBlobMissing, true
	}
	switch core.ClassOf(err) {
	case core.ClassConsistency:
		return core.ReasonNone, false
	case core.ClassPermanent, core.ClassValidation:
		return core.ReasonPermanentInput, true
	}
	return exhausted, true
}
