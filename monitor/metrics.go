package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ObserveConfig toggles the observability layers.
type ObserveConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics" json:"enable_metrics"`
	EnableTracing bool   `mapstructure:"enable_tracing" json:"enable_tracing"`
	Namespace     string `mapstructure:"namespace" json:"namespace"`
}

func DefaultObserveConfig() ObserveConfig {
	return ObserveConfig{
		EnableMetrics: true,
		EnableTracing: false,
		Namespace:     "imgsearch",
	}
}

// PrometheusCollector exports observations as Prometheus series.
type PrometheusCollector struct {
	ingest   *prometheus.CounterVec
	stages   *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	search   *prometheus.HistogramVec
	warnings *prometheus.CounterVec
	repairs  *prometheus.CounterVec
}

// NewPrometheusCollector builds the collectors and registers them on reg.
// Registration fails if the same namespace was already registered on reg.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Upload events processed, by terminal status and failure reason",
		}, []string{"status", "reason"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of pipeline stages",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried dependency calls",
		}, []string{"op"}),
		search: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search latency by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_warnings_total",
			Help:      "Cross-store inconsistencies observed at read time",
		}, []string{"kind"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Repairs applied by the reconciler",
		}, []string{"action"}),
	}

	for _, col := range []prometheus.Collector{c.ingest, c.stages, c.retries, c.search, c.warnings, c.repairs} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) IngestOutcome(status, reason string) {
	c.ingest.WithLabelValues(status, reason).Inc()
}

func (c *PrometheusCollector) StageLatency(stage string, d time.Duration) {
	c.stages.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *PrometheusCollector) Retry(op string) {
	c.retries.WithLabelValues(op).Inc()
}

func (c *PrometheusCollector) SearchLatency(outcome string, d time.Duration) {
	c.search.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *PrometheusCollector) ConsistencyWarning(kind string) {
	c.warnings.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) Repair(action string) {
	c.repairs.WithLabelValues(action).Inc()
}

// Handler serves the series gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
