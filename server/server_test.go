package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-imgsearch/blob"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/embedding"
	"github.com/hubenschmidt/go-imgsearch/ingest"
	"github.com/hubenschmidt/go-imgsearch/metadata"
	"github.com/hubenschmidt/go-imgsearch/monitor"
	"github.com/hubenschmidt/go-imgsearch/reconcile"
	"github.com/hubenschmidt/go-imgsearch/retry"
	"github.com/hubenschmidt/go-imgsearch/search"
	"github.com/hubenschmidt/go-imgsearch/vector"
	"github.com/hubenschmidt/go-imgsearch/writer"
)

type harness struct {
	blobs *blob.MemoryStore
	srv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	meta := metadata.NewMemoryStore()
	index := vector.NewMemoryIndex(vector.MetricCosine, 8)
	blobs := blob.NewMemoryStore()
	model := embedding.NewMockClient(8)
	policy := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}

	reg := prometheus.NewRegistry()
	metrics, err := monitor.NewPrometheusCollector(reg, "imgsearch")
	require.NoError(t, err)

	w := writer.New(meta, index, blobs, nil, writer.Config{ProcessedBucket: "processed", Policy: policy}, nil)
	icfg := ingest.DefaultConfig()
	icfg.Policy = policy
	orch := ingest.New(ingest.Deps{Meta: meta, Blobs: blobs, Model: model, Writer: w, Metrics: metrics}, icfg)
	engine := search.New(search.Deps{Index: index, Meta: meta, Model: model, Metrics: metrics}, search.DefaultConfig())
	rcfg := reconcile.DefaultConfig()
	rcfg.Policy = policy
	rec := reconcile.New(reconcile.Deps{Index: index, Meta: meta, Blobs: blobs, Writer: w, Resumer: orch, Metrics: metrics}, rcfg)

	s := New(Config{
		Search:     engine,
		Ingest:     orch,
		Records:    meta,
		Deleter:    w,
		Reconciler: rec,
		Metrics:    monitor.Handler(reg),
	})
	h := &harness{blobs: blobs, srv: httptest.NewServer(s.Handler())}
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestIngestSearchDelete(t *testing.T) {
	h := newHarness(t)
	image := []byte("a photo of a beach")
	require.NoError(t, h.blobs.Put(context.Background(), "raw/beach.jpg", image, "image/jpeg"))

	ev := core.UploadEvent{Bucket: "raw", ObjectName: "beach.jpg", Generation: "1", ContentType: "image/jpeg"}
	resp, body := h.do(t, http.MethodPost, "/ingest", ev)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rec RecordResponse
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, core.StatusCompleted, rec.Status)

	resp, body = h.do(t, http.MethodPost, "/search", SearchRequest{Query: QueryInput{ImageBytes: image}, TopK: 3})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var results SearchResponse
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results.Results, 1)
	assert.Equal(t, rec.ID, results.Results[0].ID)
	assert.InDelta(t, 1.0, results.Results[0].Score, 1e-6)

	resp, body = h.do(t, http.MethodGet, "/records/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "embedding")

	resp, _ = h.do(t, http.MethodPost, "/records/"+rec.ID+"/reingest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/records/"+rec.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/records/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.False(t, e.Retryable)
}

func TestIngestRecordsFailure(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/ingest", core.UploadEvent{Bucket: "raw", ObjectName: "missing.jpg", Generation: "1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec RecordResponse
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, core.StatusFailed, rec.Status)
	assert.Equal(t, core.ReasonBlobMissing, rec.FailureReason)
	assert.NotEmpty(t, rec.Error)
}

func TestSearchValidation(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/search", SearchRequest{Query: QueryInput{Text: "a", ImageBytes: []byte{1}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, core.ClassValidation, e.Class)
	assert.False(t, e.Retryable)

	resp, _ = h.do(t, http.MethodPost, "/ingest", core.UploadEvent{Bucket: "raw"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidJSON(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.srv.URL+"/search", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLegacySearchFields(t *testing.T) {
	threshold := 0.5
	q := SearchRequest{Query: QueryInput{Text: "x"}, NumResults: 4, Threshold: &threshold}.toQuery()
	assert.Equal(t, 4, q.TopK)
	require.NotNil(t, q.MinScore)
	assert.Equal(t, 0.5, *q.MinScore)
}

func TestReconcileAndMetrics(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Zero(t, report.Repaired)

	h.do(t, http.MethodPost, "/search", SearchRequest{Query: QueryInput{Text: "x"}})
	resp, body = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "imgsearch_search_duration_seconds")
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodOptions, "/search", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"validation", core.NewQueryError("bad"), http.StatusBadRequest, false},
		{"not found", core.ErrNotFound, http.StatusNotFound, false},
		{"embedding transient", core.NewPipelineError("search.embed", "", core.ClassTransient, core.ErrQueryEmbeddingFailed), http.StatusServiceUnavailable, true},
		{"embedding permanent", core.NewPipelineError("search.embed", "", core.ClassPermanent, core.ErrQueryEmbeddingFailed), http.StatusBadGateway, false},
		{"metadata", core.NewPipelineError("search.join", "", core.ClassTransient, core.ErrMetadataUnavailable), http.StatusServiceUnavailable, true},
		{"stale index", core.NewPipelineError("search.join", "", core.ClassConsistency, core.ErrStaleIndex), http.StatusServiceUnavailable, true},
		{"permanent", core.Permanent("x", errors.New("boom")), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.retryable, body.Retryable)
			assert.NotEmpty(t, body.Error)
		})
	}
}
