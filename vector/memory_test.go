package vector

import (
	"context"
	"testing"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIndex(t *testing.T, metric Metric) *MemoryIndex {
	t.Helper()
	ctx := context.Background()
	idx := NewMemoryIndex(metric, 3)
	for _, e := range []Entry{
		{ID: "beach", Vector: Normalize([]float32{1, 0.1, 0}), Version: 1, Attributes: map[string]string{"scene": "outdoor", "year": "2021"}},
		{ID: "forest", Vector: Normalize([]float32{0, 1, 0.2}), Version: 1, Attributes: map[string]string{"scene": "outdoor", "year": "2019"}},
		{ID: "kitchen", Vector: Normalize([]float32{0, 0, 1}), Version: 1, Attributes: map[string]string{"scene": "indoor", "year": "2023"}},
	} {
		require.NoError(t, idx.Upsert(ctx, e))
	}
	return idx
}

func TestMemoryIndexQueryOrder(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricDot, MetricEuclidean} {
		t.Run(m.String(), func(t *testing.T) {
			idx := seedIndex(t, m)
			matches, err := idx.Query(context.Background(), Normalize([]float32{1, 0, 0}), 10, nil)
			require.NoError(t, err)
			require.Len(t, matches, 3)
			assert.Equal(t, "beach", matches[0].ID)
			for i := 1; i < len(matches); i++ {
				assert.False(t, m.Better(matches[i].RawScore, matches[i-1].RawScore))
			}
		})
	}
}

func TestMemoryIndexTopKAndFilters(t *testing.T) {
	idx := seedIndex(t, MetricCosine)
	ctx := context.Background()
	q := Normalize([]float32{1, 1, 1})

	matches, err := idx.Query(ctx, q, 2, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = idx.Query(ctx, q, 10, map[string]string{"scene": "outdoor"})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = idx.Query(ctx, q, 10, map[string]string{"year": ">=2021"})
	require.NoError(t, err)
	ids := []string{matches[0].ID, matches[1].ID}
	assert.ElementsMatch(t, []string{"beach", "kitchen"}, ids)
}

func TestMemoryIndexTieBreakByID(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine, 2)
	v := []float32{1, 0}
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "b", Vector: v}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Vector: v}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "c", Vector: v}))

	matches, err := idx.Query(ctx, v, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, []string{matches[0].ID, matches[1].ID, matches[2].ID})
}

func TestMemoryIndexDimensionMismatch(t *testing.T) {
	idx := NewMemoryIndex(MetricCosine, 3)
	err := idx.Upsert(context.Background(), Entry{ID: "x", Vector: []float32{1, 0}})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	_, err = idx.Query(context.Background(), []float32{1}, 1, nil)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestMemoryIndexUpsertReplacesAndCopies(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine, 2)
	v := []float32{1, 0}
	now := time.Now().UTC()
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Vector: v, Version: 1, UpdatedAt: now}))
	v[0] = 0
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{0, 1}, Version: 2, UpdatedAt: now}))
	assert.Equal(t, 1, idx.Count())

	got, err := idx.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []float32{0, 1}, got.Vector)

	list, err := idx.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].Version)

	require.NoError(t, idx.Delete(ctx, "a"))
	require.NoError(t, idx.Delete(ctx, "a"))
	_, err = idx.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIndexRejectsOlderVersion(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine, 2)
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{0, 1}, Version: 3}))

	err := idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{1, 0}, Version: 2})
	assert.ErrorIs(t, err, ErrStaleVersion)

	got, err := idx.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, []float32{0, 1}, got.Vector)

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{1, 0}, Version: 3}), "equal versions replay")
}

func TestOpenMemory(t *testing.T) {
	idx, err := Open(context.Background(), "memory://", MetricDot, 4)
	require.NoError(t, err)
	assert.Equal(t, MetricDot, idx.Metric())
	assert.Equal(t, 4, idx.Dimension())

	_, err = Open(context.Background(), "redis://x", MetricDot, 4)
	assert.Error(t, err)
}

func TestFilterClauseSceneYear(t *testing.T) {
	where, args := filterClause(map[string]string{"scene": "outdoor", "year": ">2020"}, []any{"vec"})
	assert.Contains(t, where, "attributes->>($2::text) = $3::text")
	assert.Contains(t, where, "> $5::float8")
	assert.Equal(t, []any{"vec", "scene", "outdoor", "year", 2020.0}, args)
}
