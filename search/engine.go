// Package search answers similarity queries: it embeds the query, retrieves
// nearest neighbors, joins them against the metadata store and ranks the
// survivors on a normalized [0,1] score.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/embedding"
	"github.com/hubenschmidt/go-imgsearch/metadata"
	"github.com/hubenschmidt/go-imgsearch/monitor"
	"github.com/hubenschmidt/go-imgsearch/retry"
	"github.com/hubenschmidt/go-imgsearch/vector"
)

const tracerName = "github.com/hubenschmidt/go-imgsearch/search"

type Config struct {
	DefaultTopK int
	MaxTopK     int
	// Overfetch multiplies top_k for the index round trip so enough
	// candidates survive the metadata join and filters.
	Overfetch       int
	JoinConcurrency int
}

func DefaultConfig() Config {
	return Config{
		DefaultTopK:     10,
		MaxTopK:         100,
		Overfetch:       3,
		JoinConcurrency: 8,
	}
}

type Deps struct {
	Index   vector.Index
	Meta    metadata.Store
	Model   embedding.Client
	Limiter *retry.Limiter
	Metrics monitor.Collector
	Logger  *slog.Logger
}

type Engine struct {
	index   vector.Index
	meta    metadata.Store
	model   embedding.Client
	limiter *retry.Limiter
	metrics monitor.Collector
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(d Deps, cfg Config) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = def.MaxTopK
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = def.Overfetch
	}
	if cfg.JoinConcurrency <= 0 {
		cfg.JoinConcurrency = def.JoinConcurrency
	}
	return &Engine{
		index:   d.Index,
		meta:    d.Meta,
		model:   d.Model,
		limiter: d.Limiter,
		metrics: monitor.OrNoOp(d.Metrics),
		cfg:     cfg,
		logger:  logger.With("component", "search"),
		tracer:  otel.Tracer(tracerName),
	}
}

// Validate checks q and fills in the default top_k. Exactly one of image
// bytes or text must be set, unless a raw vector is supplied on its own.
func (e *Engine) Validate(q core.SearchQuery) (core.SearchQuery, error) {
	hasImage := len(q.ImageBytes) > 0
	hasText := strings.TrimSpace(q.Text) != ""
	hasVector := len(q.Vector) > 0

	switch {
	case hasImage && hasText:
		return q, core.NewQueryError("set exactly one of image_bytes or text, not both")
	case hasVector && (hasImage || hasText):
		return q, core.NewQueryError("vector cannot be combined with image_bytes or text")
	case !hasImage && !hasText && !hasVector:
		return q, core.NewQueryError("one of image_bytes or text is required")
	}

	if q.TopK == 0 {
		q.TopK = e.cfg.DefaultTopK
	}
	if q.TopK < 1 || q.TopK > e.cfg.MaxTopK {
		return q, core.NewQueryError(fmt.Sprintf("top_k must be in 1..%d, got %d", e.cfg.MaxTopK, q.TopK))
	}
	if q.MinScore != nil && (*q.MinScore < 0 || *q.MinScore > 1) {
		return q, core.NewQueryError(fmt.Sprintf("min_score must be in [0,1], got %g", *q.MinScore))
	}
	for k := range q.Filters {
		if strings.TrimSpace(k) == "" {
			return q, core.NewQueryError("filter keys must be non-empty")
		}
	}
	if hasVector && len(q.Vector) != e.index.Dimension() {
		return q, core.NewQueryError(fmt.Sprintf("vector has dimension %d, index expects %d", len(q.Vector), e.index.Dimension()))
	}
	return q, nil
}

// Search runs one query. A result never scores below min_score and the
// list never exceeds top_k. Candidates are fetched in a single index round
// trip; if filters remove too many the response is shorter than top_k.
func (e *Engine) Search(ctx context.Context, q core.SearchQuery) (core.SearchResponse, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "search.query")
	defer span.End()

	resp, err := e.search(ctx, q)
	elapsed := time.Since(start)
	resp.QueryTimeMs = elapsed.Milliseconds()

	outcome := "ok"
	if err != nil {
		outcome = string(core.ClassOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("search failed", "class", outcome, "error", err)
	}
	span.SetAttributes(attribute.Int("results", len(resp.Results)))
	e.metrics.SearchLatency(outcome, elapsed)
	return resp, err
}

func (e *Engine) search(ctx context.Context, q core.SearchQuery) (core.SearchResponse, error) {
	q, err := e.Validate(q)
	if err != nil {
		return core.SearchResponse{Results: []core.SearchResult{}}, err
	}

	vec, err := e.queryVector(ctx, q)
	if err != nil {
		return core.SearchResponse{Results: []core.SearchResult{}}, err
	}

	fetch := q.TopK * e.cfg.Overfetch
	var matches []vector.Match
	err = e.limiter.Do(ctx, retry.DepStore, func(ctx context.Context) error {
		var err error
		matches, err = e.index.Query(ctx, vec, fetch, q.Filters)
		return err
	})
	if err != nil {
		return core.SearchResponse{Results: []core.SearchResult{}}, indexError(err)
	}

	results, stale, err := e.join(ctx, matches, q)
	if err != nil {
		return core.SearchResponse{Results: []core.SearchResult{}}, err
	}
	if len(matches) > 0 && stale == len(matches) {
		return core.SearchResponse{Results: []core.SearchResult{}},
			core.NewPipelineError("search.join", "", core.ClassConsistency,
				fmt.Errorf("%w: %d candidates", core.ErrStaleIndex, stale))
	}

	Rank(results)
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	if len(matches) == fetch && len(results) < q.TopK {
		e.logger.Debug("short result after overfetch", "top_k", q.TopK, "fetched", fetch, "returned", len(results))
	}
	return core.SearchResponse{Results: results}, nil
}

func (e *Engine) queryVector(ctx context.Context, q core.SearchQuery) ([]float32, error) {
	if len(q.Vector) > 0 {
		return vector.Normalize(q.Vector), nil
	}

	ctx, span := e.tracer.Start(ctx, "search.embed")
	defer span.End()

	var vec []float32
	err := e.limiter.Do(ctx, retry.DepEmbedding, func(ctx context.Context) error {
		if q.Text != "" {
			var err error
			vec, err = e.model.EmbedText(ctx, strings.TrimSpace(q.Text))
			return err
		}
		analysis, err := e.model.Analyze(ctx, q.ImageBytes, q.ContentType)
		if err != nil {
			return err
		}
		vec, err = e.model.Embed(ctx, q.ImageBytes, q.ContentType, analysis.CombinedText())
		return err
	})
	if err != nil {
		return nil, queryEmbeddingError(err)
	}
	return vec, nil
}

// join loads the metadata of every match concurrently. It returns the
// usable results and the number of candidates whose metadata is gone.
func (e *Engine) join(ctx context.Context, matches []vector.Match, q core.SearchQuery) ([]core.SearchResult, int, error) {
	ctx, span := e.tracer.Start(ctx, "search.join", trace.WithAttributes(attribute.Int("candidates", len(matches))))
	defer span.End()

	recs := make([]*core.ImageRecord, len(matches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.JoinConcurrency)
	for i, m := range matches {
		g.Go(func() error {
			return e.limiter.Do(gctx, retry.DepStore, func(ctx context.Context) error {
				rec, err := e.meta.Get(ctx, m.ID)
				if errors.Is(err, metadata.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				recs[i] = &rec
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, core.NewPipelineError("search.join", "", core.ClassTransient,
			fmt.Errorf("%w: %w", core.ErrMetadataUnavailable, err))
	}

	metric := e.index.Metric()
	results := make([]core.SearchResult, 0, len(matches))
	stale := 0
	for i, m := range matches {
		rec := recs[i]
		switch {
		case rec == nil:
			stale++
			e.warn(ctx, "missing_metadata", m.ID)
			continue
		case rec.Deleted:
			stale++
			e.warn(ctx, "tombstoned", m.ID)
			continue
		case rec.Status != core.StatusCompleted:
			e.logger.Debug("skipping unfinished record", "record_id", m.ID, "status", rec.Status)
			continue
		case !core.MatchFilters(rec.Attributes, q.Filters):
			continue
		}

		score := metric.Normalize(m.RawScore)
		if q.MinScore != nil && score < *q.MinScore {
			continue
		}
		results = append(results, core.SearchResult{
			ID:                rec.ID,
			Score:             score,
			Description:       rec.Description,
			Attributes:        rec.Attributes,
			ProcessedLocation: rec.ProcessedLocation,
		})
	}
	return results, stale, nil
}

func (e *Engine) warn(ctx context.Context, kind, id string) {
	e.metrics.ConsistencyWarning(kind)
	e.logger.WarnContext(ctx, "stale vector entry", "kind", kind, "record_id", id)
}

// Rank orders results by score descending, ties by id ascending.
func Rank(results []core.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

func queryEmbeddingError(err error) error {
	class := core.ClassOf(err)
	if class == core.ClassUnknown || class == core.ClassExhaustion {
		class = core.ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		class = core.ClassTransient
	}
	return core.NewPipelineError("search.embed", "", class, fmt.Errorf("%w: %w", core.ErrQueryEmbeddingFailed, err))
}

func indexError(err error) error {
	if errors.Is(err, core.ErrDimensionMismatch) {
		return core.NewPipelineError("search.index", "", core.ClassValidation, err)
	}
	return core.NewPipelineError("search.index", "", core.ClassTransient, fmt.Errorf("%w: %w", core.ErrIndexUnavailable, err))
}
