package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-imgsearch/blob"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/embedding"
	"github.com/hubenschmidt/go-imgsearch/ingest"
	"github.com/hubenschmidt/go-imgsearch/metadata"
	"github.com/hubenschmidt/go-imgsearch/monitor"
	"github.com/hubenschmidt/go-imgsearch/retry"
	"github.com/hubenschmidt/go-imgsearch/vector"
	"github.com/hubenschmidt/go-imgsearch/writer"
)

type fixture struct {
	meta    *metadata.MemoryStore
	index   *vector.MemoryIndex
	blobs   *blob.MemoryStore
	model   *embedding.MockClient
	writer  *writer.Writer
	metrics *monitor.InMemoryCollector
	rec     *Reconciler
}

func newFixture(t *testing.T, cache bool) *fixture {
	t.Helper()
	policy := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}
	f := &fixture{
		meta:    metadata.NewMemoryStore(),
		index:   vector.NewMemoryIndex(vector.MetricCosine, 8),
		blobs:   blob.NewMemoryStore(),
		model:   embedding.NewMockClient(8),
		metrics: monitor.NewInMemoryCollector(),
	}
	f.writer = writer.New(f.meta, f.index, f.blobs, nil, writer.Config{ProcessedBucket: "processed", CacheEmbeddings: cache, Policy: policy}, nil)

	icfg := ingest.DefaultConfig()
	icfg.Policy = policy
	orch := ingest.New(ingest.Deps{Meta: f.meta, Blobs: f.blobs, Model: f.model, Writer: f.writer, Metrics: f.metrics}, icfg)

	cfg := DefaultConfig()
	cfg.Policy = policy
	f.rec = New(Deps{
		Index:   f.index,
		Meta:    f.meta,
		Blobs:   f.blobs,
		Writer:  f.writer,
		Resumer: orch,
		Metrics: f.metrics,
	}, cfg)
	// Everything written during the test is past every age threshold.
	f.rec.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	return f
}

// seed stores a record whose pipeline stopped after the metadata step.
func (f *fixture) seed(t *testing.T, id string, status core.Status, withRaw bool) core.ImageRecord {
	t.Helper()
	ctx := context.Background()
	rec := core.ImageRecord{
		ID:                id,
		Bucket:            "raw",
		ObjectName:        id + ".jpg",
		Generation:        "1",
		RawLocation:       "raw/" + id + ".jpg",
		ProcessedLocation: "processed/" + id + "/" + id + ".jpg",
		Description:       "a beach",
		Attributes:        map[string]string{"objects": "sand"},
		Status:            status,
		Version:           1,
		UpdatedAt:         time.Now().UTC(),
	}
	if withRaw {
		require.NoError(t, f.blobs.Put(ctx, rec.RawLocation, []byte("bytes of "+id), "image/jpeg"))
	}
	require.NoError(t, f.meta.Upsert(ctx, rec))
	return rec
}

func (f *fixture) assertConsistent(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	rec, err := f.meta.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, rec.Status)
	entry, err := f.index.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, entry.Version)
	ok, err := f.blobs.Exists(ctx, rec.ProcessedLocation)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInterruptedAfterMetadataIsRequeued(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "r1", core.StatusIndexing, true)

	report, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Empty(t, report.Errors)
	f.assertConsistent(t, "r1")
	assert.Equal(t, 1, f.model.Calls("embed"))
	assert.Equal(t, 1, f.metrics.Flush().Repairs[ActionRequeue])
}

func TestCachedEmbeddingIsReused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	rec := f.seed(t, "r1", core.StatusIndexing, true)
	vec, err := f.model.EmbedText(ctx, "cached")
	require.NoError(t, err)
	rec.Embedding = vec
	require.NoError(t, f.meta.Upsert(ctx, rec))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	f.assertConsistent(t, "r1")
	assert.Equal(t, 0, f.model.Calls("embed"))
	assert.Equal(t, 1, f.metrics.Flush().Repairs[ActionReindexCached])
}

func TestVectorWrittenBlobPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seed(t, "r1", core.StatusIndexing, true)
	vec, err := f.model.EmbedText(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, vector.Entry{ID: "r1", Vector: vec, Version: 1}))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	f.assertConsistent(t, "r1")
	ok, err := f.blobs.Exists(ctx, "raw/r1.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.model.Calls("embed"))
}

func TestCompletedWithoutVectorIsReindexed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	rec := f.seed(t, "r1", core.StatusCompleted, false)
	require.NoError(t, f.blobs.Put(ctx, rec.ProcessedLocation, []byte("processed"), "image/jpeg"))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	f.assertConsistent(t, "r1")
}

func TestCompletedWithMissingBlobFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seed(t, "r1", core.StatusCompleted, false)

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedFailed)

	rec, err := f.meta.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, rec.Status)
	assert.Equal(t, core.ReasonBlobMissing, rec.FailureReason)
}

func TestIndexingNeverStaysIndexing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seed(t, "r1", core.StatusIndexing, false)

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedFailed)

	rec, err := f.meta.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, rec.Status)
	assert.Equal(t, core.ReasonBlobMissing, rec.FailureReason)
}

func TestCachedRepairFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	rec := f.seed(t, "r1", core.StatusIndexing, false)
	rec.Embedding = []float32{1, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, f.meta.Upsert(ctx, rec))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MarkedFailed)

	got, err := f.meta.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
}

func TestFailedRecordVectorIsRolledBack(t *testing.T) {
	for _, reason := range []core.FailureReason{core.ReasonWriteExhausted, core.ReasonBlobMissing} {
		t.Run(string(reason), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, false)
			rec := f.seed(t, "a", core.StatusFailed, false)
			rec.FailureReason = reason
			require.NoError(t, f.meta.Upsert(ctx, rec))
			require.NoError(t, f.index.Upsert(ctx, vector.Entry{ID: "a", Vector: []float32{1, 0, 0, 0, 0, 0, 0, 0}, Version: 1}))

			report, err := f.rec.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.RolledBack)
			assert.Empty(t, report.Errors)

			_, err = f.index.Get(ctx, "a")
			assert.ErrorIs(t, err, vector.ErrNotFound)
			got, err := f.meta.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, core.StatusFailed, got.Status)
			assert.Equal(t, reason, got.FailureReason)

			report, err = f.rec.Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, report.RolledBack)
			assert.Equal(t, 1, f.metrics.Flush().Repairs[ActionRollback])
		})
	}
}

func TestFailedRecordKeepsNewerVector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seed(t, "a", core.StatusFailed, false)
	require.NoError(t, f.index.Upsert(ctx, vector.Entry{ID: "a", Vector: []float32{1, 0, 0, 0, 0, 0, 0, 0}, Version: 2}))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RolledBack)
	_, err = f.index.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestOrphanVectors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	vec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, f.index.Upsert(ctx, vector.Entry{ID: "old", Vector: vec, Version: 1, UpdatedAt: time.Now().UTC()}))
	require.NoError(t, f.index.Upsert(ctx, vector.Entry{ID: "young", Vector: vec, Version: 1, UpdatedAt: time.Now().UTC().Add(time.Hour)}))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansDeleted)

	_, err = f.index.Get(ctx, "old")
	assert.ErrorIs(t, err, vector.ErrNotFound)
	_, err = f.index.Get(ctx, "young")
	assert.NoError(t, err)
}

func TestTombstoneIsFinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	rec := f.seed(t, "r1", core.StatusCompleted, true)
	require.NoError(t, f.index.Upsert(ctx, vector.Entry{ID: "r1", Vector: []float32{1, 0, 0, 0, 0, 0, 0, 0}, Version: 1}))
	rec.Deleted = true
	rec.Version = 2
	require.NoError(t, f.meta.Upsert(ctx, rec))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	_, err = f.meta.Get(ctx, "r1")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	_, err = f.index.Get(ctx, "r1")
	assert.ErrorIs(t, err, vector.ErrNotFound)
	ok, err := f.blobs.Exists(ctx, rec.RawLocation)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleInFlightIsResumed(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "r1", core.StatusAnalyzing, true)

	report, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	f.assertConsistent(t, "r1")
}

func TestFreshRecordsAreLeftAlone(t *testing.T) {
	f := newFixture(t, false)
	f.rec.now = func() time.Time { return time.Now().UTC() }
	f.seed(t, "r1", core.StatusIndexing, true)

	report, err := f.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Repaired)

	rec, err := f.meta.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusIndexing, rec.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seed(t, "r1", core.StatusIndexing, true)
	f.seed(t, "r2", core.StatusCompleted, false)

	_, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Repaired)
	assert.Zero(t, report.MarkedFailed)
	assert.Zero(t, report.OrphansDeleted)
	assert.Equal(t, 3, report.Scanned)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
