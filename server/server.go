// Package server exposes search, ingestion and record management over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/reconcile"
)

type Searcher interface {
	Search(ctx context.Context, q core.SearchQuery) (core.SearchResponse, error)
}

type Ingester interface {
	Handle(ctx context.Context, ev core.UploadEvent) (core.ImageRecord, error)
	Reingest(ctx context.Context, id string) (core.ImageRecord, error)
}

type Records interface {
	Get(ctx context.Context, id string) (core.ImageRecord, error)
}

type Deleter interface {
	Delete(ctx context.Context, id string) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.Report, error)
}

// Config configures a new Server instance.
type Config struct {
	Search     Searcher
	Ingest     Ingester
	Records    Records
	Deleter    Deleter
	Reconciler Sweeper
	// Metrics serves /metrics when set.
	Metrics      http.Handler
	MaxBodyBytes int64
	// RequestTimeout bounds each handler. Zero means no deadline beyond
	// the client's.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	search       Searcher
	ingest       Ingester
	records      Records
	deleter      Deleter
	reconciler   Sweeper
	metrics      http.Handler
	maxBodyBytes int64
	timeout      time.Duration
	logger       *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	return &Server{
		search:       cfg.Search,
		ingest:       cfg.Ingest,
		records:      cfg.Records,
		deleter:      cfg.Deleter,
		reconciler:   cfg.Reconciler,
		metrics:      cfg.Metrics,
		maxBodyBytes: maxBody,
		timeout:      cfg.RequestTimeout,
		logger:       logger.With("component", "server"),
	}
}

// Handler returns an http.Handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /ingest", s.handleIngest)

	mux.HandleFunc("GET /records/{id}", s.handleRecordGet)
	mux.HandleFunc("DELETE /records/{id}", s.handleRecordDelete)
	mux.HandleFunc("POST /records/{id}/reingest", s.handleReingest)

	mux.HandleFunc("POST /reconcile", s.handleReconcile)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return corsMiddleware(s.logRequests(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed_ms", time.Since(start).Milliseconds())
	})
}
