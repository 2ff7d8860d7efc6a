package vector

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEfSearch(t *testing.T) {
	tests := []struct {
		topK  int
		ef    int
		exact bool
	}{
		{topK: 1, ef: 40},
		{topK: 40, ef: 40},
		{topK: 60, ef: 60},
		{topK: 1000, ef: 1000},
		{topK: 1001, exact: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.topK), func(t *testing.T) {
			ef, exact := efSearch(tt.topK)
			assert.Equal(t, tt.ef, ef)
			assert.Equal(t, tt.exact, exact)
		})
	}
}

func TestFilterClause(t *testing.T) {
	where, args := filterClause(map[string]string{"label": "beach", "latitude": ">=40"}, []any{"vec"})
	assert.Contains(t, where, "attributes->>($2::text) = $3::text")
	assert.Contains(t, where, ">= $5::float8")
	assert.Equal(t, []any{"vec", "label", "beach", "latitude", 40.0}, args)

	where, args = filterClause(nil, []any{"vec"})
	assert.Empty(t, where)
	assert.Len(t, args, 1)
}

func TestIntegration_PgVectorIndex(t *testing.T) {
	dsn := os.Getenv("IMGSEARCH_TEST_PGVECTOR_DSN")
	if dsn == "" {
		t.Skip("Skipping pgvector integration test: IMGSEARCH_TEST_PGVECTOR_DSN not set")
	}

	ctx := context.Background()
	const dim = 8
	idx, err := NewPgVectorIndex(ctx, PgVectorConfig{
		DSN:       dsn,
		Table:     fmt.Sprintf("image_vectors_test_%d", time.Now().UnixNano()),
		Metric:    MetricCosine,
		Dimension: dim,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = idx.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+idx.table)
		idx.Close()
	})

	rng := rand.New(rand.NewSource(7))
	randomVector := func() []float32 {
		v := make([]float32, dim)
		for i := range v {
			v[i] = rng.Float32()*2 - 1
		}
		return v
	}

	for i := 0; i < 100; i++ {
		parity := "even"
		if i%2 == 1 {
			parity = "odd"
		}
		require.NoError(t, idx.Upsert(ctx, Entry{
			ID:         fmt.Sprintf("img-%03d", i),
			Vector:     randomVector(),
			Version:    1,
			Attributes: map[string]string{"parity": parity, "rank": fmt.Sprint(i)},
		}))
	}

	t.Run("TopKBeyondDefaultEfSearch", func(t *testing.T) {
		matches, err := idx.Query(ctx, randomVector(), 60, nil)
		require.NoError(t, err)
		assert.Len(t, matches, 60)
	})

	t.Run("FilteredTopK", func(t *testing.T) {
		matches, err := idx.Query(ctx, randomVector(), 60, map[string]string{"parity": "even"})
		require.NoError(t, err)
		assert.Len(t, matches, 50)
	})

	t.Run("NumericFilter", func(t *testing.T) {
		matches, err := idx.Query(ctx, randomVector(), 10, map[string]string{"rank": ">=95"})
		require.NoError(t, err)
		assert.Len(t, matches, 5)
	})

	t.Run("OrderedBestFirst", func(t *testing.T) {
		matches, err := idx.Query(ctx, randomVector(), 20, nil)
		require.NoError(t, err)
		for i := 1; i < len(matches); i++ {
			assert.GreaterOrEqual(t, matches[i-1].RawScore, matches[i].RawScore)
		}
	})

	t.Run("RejectsOlderVersion", func(t *testing.T) {
		require.NoError(t, idx.Upsert(ctx, Entry{ID: "img-000", Vector: randomVector(), Version: 3}))
		err := idx.Upsert(ctx, Entry{ID: "img-000", Vector: randomVector(), Version: 2})
		assert.ErrorIs(t, err, ErrStaleVersion)

		got, err := idx.Get(ctx, "img-000")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
	})
}
