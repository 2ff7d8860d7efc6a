// Package config holds the application configuration: the store
// locations, the model provider, and the tuning of the ingestion, search
// and reconciliation paths.
package config

import (
	"time"

	"github.com/hubenschmidt/go-imgsearch/embedding"
	"github.com/hubenschmidt/go-imgsearch/ingest"
	"github.com/hubenschmidt/go-imgsearch/reconcile"
	"github.com/hubenschmidt/go-imgsearch/retry"
	"github.com/hubenschmidt/go-imgsearch/search"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Metadata  MetadataConfig  `mapstructure:"metadata" yaml:"metadata"`
	Vector    VectorConfig    `mapstructure:"vector" yaml:"vector"`
	Blob      BlobConfig      `mapstructure:"blob" yaml:"blob"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Location  LocationConfig  `mapstructure:"location" yaml:"location"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=0"`
	// MaxBodyBytes bounds request bodies, which carry base64 images.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"min=1024"`
}

// MetadataConfig selects the metadata backend by DSN. See metadata.Open.
type MetadataConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type VectorConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Metric    string `mapstructure:"metric" yaml:"metric" validate:"oneof=cosine dot euclidean l2"`
	Dimension int    `mapstructure:"dimension" yaml:"dimension" validate:"min=1,max=16000"`
}

type BlobConfig struct {
	URL             string `mapstructure:"url" yaml:"url"`
	RawBucket       string `mapstructure:"raw_bucket" yaml:"raw_bucket" validate:"required"`
	ProcessedBucket string `mapstructure:"processed_bucket" yaml:"processed_bucket" validate:"required,nefield=RawBucket"`
}

type EmbeddingConfig struct {
	Provider       string        `mapstructure:"provider" yaml:"provider" validate:"oneof=mock openai ollama genai gemini vertex"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	AnalysisModel  string        `mapstructure:"analysis_model" yaml:"analysis_model"`
	EmbeddingModel string        `mapstructure:"embedding_model" yaml:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
	// Project and Location address Vertex AI.
	Project  string `mapstructure:"project" yaml:"project"`
	Location string `mapstructure:"location" yaml:"location"`
	// CaptionEmbeddings opts into providers that embed the generated
	// description rather than the image.
	CaptionEmbeddings bool `mapstructure:"caption_embeddings" yaml:"caption_embeddings"`
}

// LocationConfig enables reverse geocoding of EXIF coordinates. Without an
// API key records keep bare coordinates.
type LocationConfig struct {
	GeocoderAPIKey  string `mapstructure:"geocoder_api_key" yaml:"geocoder_api_key"`
	GeocoderBaseURL string `mapstructure:"geocoder_base_url" yaml:"geocoder_base_url" validate:"omitempty,url"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1,max=20"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval" validate:"min=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval" validate:"min=0"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout" validate:"min=0"`
}

// LimitsConfig caps concurrent calls per external dependency.
type LimitsConfig struct {
	Analysis  int64 `mapstructure:"analysis" yaml:"analysis" validate:"min=0"`
	Embedding int64 `mapstructure:"embedding" yaml:"embedding" validate:"min=0"`
	Store     int64 `mapstructure:"store" yaml:"store" validate:"min=0"`
}

type IngestConfig struct {
	StaleAfter      time.Duration `mapstructure:"stale_after" yaml:"stale_after" validate:"min=1s"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1,max=256"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" yaml:"rate_per_second" validate:"min=0"`
	Burst           int           `mapstructure:"burst" yaml:"burst" validate:"min=1"`
	CacheEmbeddings bool          `mapstructure:"cache_embeddings" yaml:"cache_embeddings"`
	Retry           RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Limits          LimitsConfig  `mapstructure:"limits" yaml:"limits"`
}

type SearchConfig struct {
	DefaultTopK     int `mapstructure:"default_top_k" yaml:"default_top_k" validate:"min=1"`
	MaxTopK         int `mapstructure:"max_top_k" yaml:"max_top_k" validate:"min=1,max=1000"`
	Overfetch       int `mapstructure:"overfetch" yaml:"overfetch" validate:"min=1,max=20"`
	JoinConcurrency int `mapstructure:"join_concurrency" yaml:"join_concurrency" validate:"min=1"`
}

type ReconcileConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"min=1s"`
	StaleAfter  time.Duration `mapstructure:"stale_after" yaml:"stale_after" validate:"min=1s"`
	GraceWindow time.Duration `mapstructure:"grace_window" yaml:"grace_window" validate:"min=1s"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Default returns a configuration that runs entirely in-process: SQLite
// metadata, an in-memory index, local blobs and the mock model.
func Default() *Config {
	policy := retry.DefaultPolicy()
	ing := ingest.DefaultConfig()
	srch := search.DefaultConfig()
	rec := reconcile.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Addr:         ":8000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			MaxBodyBytes: 32 << 20,
		},
		Metadata: MetadataConfig{DSN: ""},
		Vector: VectorConfig{
			URL:       "memory://",
			Metric:    "cosine",
			Dimension: embedding.DefaultClientConfig().Dimension,
		},
		Blob: BlobConfig{
			URL:             "file://data/blobs",
			RawBucket:       "raw",
			ProcessedBucket: "processed",
		},
		Embedding: EmbeddingConfig{
			Provider: "mock",
			Timeout:  time.Duration(embedding.DefaultClientConfig().Timeout) * time.Second,
		},
		Ingest: IngestConfig{
			StaleAfter:    ing.StaleAfter,
			Concurrency:   ing.Concurrency,
			RatePerSecond: ing.RatePerSecond,
			Burst:         ing.Burst,
			Retry: RetryConfig{
				MaxAttempts:     policy.MaxAttempts,
				InitialInterval: policy.InitialInterval,
				MaxInterval:     policy.MaxInterval,
				AttemptTimeout:  policy.AttemptTimeout,
			},
			Limits: LimitsConfig{Analysis: 4, Embedding: 8, Store: 16},
		},
		Search: SearchConfig{
			DefaultTopK:     srch.DefaultTopK,
			MaxTopK:         srch.MaxTopK,
			Overfetch:       srch.Overfetch,
			JoinConcurrency: srch.JoinConcurrency,
		},
		Reconcile: ReconcileConfig{
			Enabled:     true,
			Interval:    rec.Interval,
			StaleAfter:  rec.StaleAfter,
			GraceWindow: rec.GraceWindow,
			Concurrency: rec.Concurrency,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "imgsearch"},
	}
}

// RetryPolicy builds the stage retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.Ingest.Retry.MaxAttempts
	p.InitialInterval = c.Ingest.Retry.InitialInterval
	p.MaxInterval = c.Ingest.Retry.MaxInterval
	p.AttemptTimeout = c.Ingest.Retry.AttemptTimeout
	return p
}

func (c *Config) Limiter() *retry.Limiter {
	return retry.NewLimiter(map[string]int64{
		retry.DepAnalysis:  c.Ingest.Limits.Analysis,
		retry.DepEmbedding: c.Ingest.Limits.Embedding,
		retry.DepStore:     c.Ingest.Limits.Store,
	})
}

func (c *Config) ClientConfig() embedding.ClientConfig {
	return embedding.ClientConfig{
		Provider:       c.Embedding.Provider,
		APIKey:         c.Embedding.APIKey,
		BaseURL:        c.Embedding.BaseURL,
		AnalysisModel:  c.Embedding.AnalysisModel,
		EmbeddingModel: c.Embedding.EmbeddingModel,
		Dimension:      c.Vector.Dimension,
		Timeout:        int(c.Embedding.Timeout / time.Second),

		Project:           c.Embedding.Project,
		Location:          c.Embedding.Location,
		CaptionEmbeddings: c.Embedding.CaptionEmbeddings,
	}
}

func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		StaleAfter:    c.Ingest.StaleAfter,
		Policy:        c.RetryPolicy(),
		Concurrency:   c.Ingest.Concurrency,
		RatePerSecond: c.Ingest.RatePerSecond,
		Burst:         c.Ingest.Burst,
	}
}

func (c *Config) SearchConfig() search.Config {
	return search.Config{
		DefaultTopK:     c.Search.DefaultTopK,
		MaxTopK:         c.Search.MaxTopK,
		Overfetch:       c.Search.Overfetch,
		JoinConcurrency: c.Search.JoinConcurrency,
	}
}

func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		Interval:    c.Reconcile.Interval,
		StaleAfter:  c.Reconcile.StaleAfter,
		GraceWindow: c.Reconcile.GraceWindow,
		Concurrency: c.Reconcile.Concurrency,
		Policy:      c.RetryPolicy(),
	}
}
