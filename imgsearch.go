// Package imgsearch assembles the image ingestion and similarity search
// service from a configuration.
//
// Example usage:
//
//	cfg, err := config.Load("imgsearch.yaml")
//	app, err := imgsearch.Open(ctx, cfg, imgsearch.Options{})
//	defer app.Close()
//	rec, err := app.Ingest.Handle(ctx, core.UploadEvent{Bucket: "raw", ObjectName: "beach.jpg", Generation: "1"})
//	resp, err := app.Search.Search(ctx, core.SearchQuery{Text: "a beach at sunset", TopK: 5})
package imgsearch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hubenschmidt/go-imgsearch/blob"
	"github.com/hubenschmidt/go-imgsearch/config"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/embedding"
	"github.com/hubenschmidt/go-imgsearch/identity"
	"github.com/hubenschmidt/go-imgsearch/ingest"
	"github.com/hubenschmidt/go-imgsearch/location"
	"github.com/hubenschmidt/go-imgsearch/metadata"
	"github.com/hubenschmidt/go-imgsearch/monitor"
	"github.com/hubenschmidt/go-imgsearch/reconcile"
	"github.com/hubenschmidt/go-imgsearch/search"
	"github.com/hubenschmidt/go-imgsearch/server"
	"github.com/hubenschmidt/go-imgsearch/vector"
	"github.com/hubenschmidt/go-imgsearch/writer"
)

// Re-exported core types
type (
	ImageRecord    = core.ImageRecord
	UploadEvent    = core.UploadEvent
	SearchQuery    = core.SearchQuery
	SearchResponse = core.SearchResponse
)

// Options overrides parts of the assembly. Zero values use the
// configured backends.
type Options struct {
	Logger *slog.Logger
	// Model replaces the configured provider, mostly for tests.
	Model embedding.Client
	// Registry receives the Prometheus series. A fresh registry is used
	// when nil.
	Registry *prometheus.Registry
}

// App is a fully wired service.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Meta  metadata.Store
	Index vector.Index
	Blobs blob.Store
	Model embedding.Client

	Writer     *writer.Writer
	Ingest     *ingest.Orchestrator
	Search     *search.Engine
	Reconciler *reconcile.Reconciler

	// Stats aggregates the same observations as the Prometheus series,
	// for the CLI's run summaries.
	Stats    *monitor.InMemoryCollector
	Registry *prometheus.Registry
}

// Open connects every backend named in cfg and wires the pipeline.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger(cfg.Log, os.Stderr)
	}

	metric, err := vector.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger, Stats: monitor.NewInMemoryCollector()}

	if app.Meta, err = metadata.Open(ctx, cfg.Metadata.DSN); err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if app.Index, err = vector.Open(ctx, cfg.Vector.URL, metric, cfg.Vector.Dimension); err != nil {
		app.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	if app.Blobs, err = blob.Open(ctx, cfg.Blob.URL); err != nil {
		app.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	app.Model = opts.Model
	if app.Model == nil {
		if app.Model, err = embedding.New(ctx, cfg.ClientConfig()); err != nil {
			app.Close()
			return nil, fmt.Errorf("embedding client: %w", err)
		}
	}
	if app.Model.Dimension() != cfg.Vector.Dimension {
		app.Close()
		return nil, fmt.Errorf("%w: model produces %d, index expects %d",
			core.ErrDimensionMismatch, app.Model.Dimension(), cfg.Vector.Dimension)
	}

	var collectors monitor.Multi
	collectors = append(collectors, app.Stats)
	app.Registry = opts.Registry
	if app.Registry == nil {
		app.Registry = prometheus.NewRegistry()
	}
	if cfg.Metrics.Enabled {
		prom, err := monitor.NewPrometheusCollector(app.Registry, cfg.Metrics.Namespace)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		collectors = append(collectors, prom)
	}

	var geocoder location.Geocoder
	if key := cfg.Location.GeocoderAPIKey; key != "" {
		g, err := location.NewGoogleGeocoder(key, cfg.Location.GeocoderBaseURL)
		if err != nil {
			app.Close()
			return nil, err
		}
		geocoder = g
	}

	limiter := cfg.Limiter()
	app.Writer = writer.New(app.Meta, app.Index, app.Blobs, limiter, writer.Config{
		ProcessedBucket: cfg.Blob.ProcessedBucket,
		CacheEmbeddings: cfg.Ingest.CacheEmbeddings,
		Policy:          cfg.RetryPolicy(),
	}, logger)

	app.Ingest = ingest.New(ingest.Deps{
		IDs:     identity.New(identity.DefaultNamespace),
		Meta:    app.Meta,
		Blobs:   app.Blobs,
		Model:   app.Model,
		Writer:  app.Writer,
		Limiter: limiter,
		Metrics: collectors,
		Logger:  logger,

		Geocoder: geocoder,
	}, cfg.IngestConfig())

	app.Search = search.New(search.Deps{
		Index:   app.Index,
		Meta:    app.Meta,
		Model:   app.Model,
		Limiter: limiter,
		Metrics: collectors,
		Logger:  logger,
	}, cfg.SearchConfig())

	app.Reconciler = reconcile.New(reconcile.Deps{
		Index:   app.Index,
		Meta:    app.Meta,
		Blobs:   app.Blobs,
		Writer:  app.Writer,
		Resumer: app.Ingest,
		Metrics: collectors,
		Logger:  logger,
	}, cfg.ReconcileConfig())

	return app, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	cfg := server.Config{
		Search:       a.Search,
		Ingest:       a.Ingest,
		Records:      a.Meta,
		Deleter:      a.Writer,
		Reconciler:   a.Reconciler,
		MaxBodyBytes: a.Config.Server.MaxBodyBytes,
		Logger:       a.Logger,
	}
	if a.Config.Metrics.Enabled {
		cfg.Metrics = monitor.Handler(a.Registry)
	}
	return server.New(cfg).Handler()
}

// Upload stores data in the raw bucket and returns the event that
// announces it. The generation is derived from the content, so uploading
// identical bytes twice yields the same event.
func (a *App) Upload(ctx context.Context, objectName string, r io.Reader, contentType string) (core.UploadEvent, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return core.UploadEvent{}, fmt.Errorf("read %s: %w", objectName, err)
	}
	sum := sha256.Sum256(data)
	ev := core.UploadEvent{
		Bucket:      a.Config.Blob.RawBucket,
		ObjectName:  objectName,
		Generation:  hex.EncodeToString(sum[:8]),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	if err := ev.Validate(); err != nil {
		return core.UploadEvent{}, err
	}
	if err := a.Blobs.Put(ctx, ev.RawKey(), data, contentType); err != nil {
		return core.UploadEvent{}, fmt.Errorf("upload %s: %w", ev.RawKey(), err)
	}
	return ev, nil
}

// Close releases the stores and the model client. It is safe on a
// partially opened App.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.Model.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	if a.Meta != nil {
		errs = append(errs, a.Meta.Close())
	}
	return errors.Join(errs...)
}
