package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-imgsearch/core"
)

func testRecord(id string, version int64, status core.Status) core.ImageRecord {
	return core.ImageRecord{
		ID:          id,
		Bucket:      "raw",
		ObjectName:  id + ".jpg",
		Generation:  "1",
		RawLocation: "raw/" + id + ".jpg",
		Description: "a photo of " + id,
		Attributes:  map[string]string{"objects": id, "year": "2021"},
		Location:    &core.Location{Latitude: 1.5, Longitude: -2.25},
		Status:      status,
		Version:     version,
		CreatedAt:   time.Unix(100, 0).UTC(),
		UpdatedAt:   time.Unix(200, 0).UTC(),
	}
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	t.Cleanup(func() { s.Close() })

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpsertAndGet", func(t *testing.T) {
		rec := testRecord("beach", 1, core.StatusIndexing)
		rec.Embedding = []float32{0.6, 0.8}
		require.NoError(t, s.Upsert(ctx, rec))

		got, err := s.Get(ctx, "beach")
		require.NoError(t, err)
		assert.Equal(t, rec.Description, got.Description)
		assert.Equal(t, rec.Attributes, got.Attributes)
		assert.Equal(t, rec.Location, got.Location)
		assert.Equal(t, rec.Embedding, got.Embedding)
		assert.Equal(t, core.StatusIndexing, got.Status)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("VersionCheck", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, testRecord("v", 2, core.StatusIndexing)))
		// Equal version overwrites.
		same := testRecord("v", 2, core.StatusCompleted)
		require.NoError(t, s.Upsert(ctx, same))
		older := testRecord("v", 1, core.StatusUploaded)
		assert.ErrorIs(t, s.Upsert(ctx, older), ErrStaleVersion)

		got, err := s.Get(ctx, "v")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, core.StatusCompleted, got.Status)
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, testRecord("u", 3, core.StatusIndexing)))
		require.NoError(t, s.UpdateStatus(ctx, "u", core.StatusFailed, core.ReasonWriteExhausted, 3))

		got, err := s.Get(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, core.StatusFailed, got.Status)
		assert.Equal(t, core.ReasonWriteExhausted, got.FailureReason)

		assert.ErrorIs(t, s.UpdateStatus(ctx, "u", core.StatusCompleted, core.ReasonNone, 2), ErrStaleVersion)
		assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", core.StatusCompleted, core.ReasonNone, 1), ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		a := testRecord("list-a", 1, core.StatusCompleted)
		a.Attributes["year"] = "2019"
		require.NoError(t, s.Upsert(ctx, a))
		require.NoError(t, s.Upsert(ctx, testRecord("list-b", 1, core.StatusCompleted)))

		recs, err := s.List(ctx, ListOptions{Status: core.StatusCompleted})
		require.NoError(t, err)
		var ids []string
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"list-a", "list-b", "v"}, ids)

		recs, err = s.List(ctx, ListOptions{Status: core.StatusCompleted, Filters: map[string]string{"year": ">2020"}})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "list-b", recs[0].ID)

		recs, err = s.List(ctx, ListOptions{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "beach"))
		require.NoError(t, s.Delete(ctx, "beach"))
		_, err := s.Get(ctx, "beach")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "meta", "imgsearch.db"))
	require.NoError(t, err)
	runStoreContract(t, s)
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore("memory")
	require.NoError(t, err)
	runStoreContract(t, s)
}

func TestDynamoStore(t *testing.T) {
	runStoreContract(t, NewDynamoStore(newFakeDDB(), "records"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, "badger://memory")
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	s.Close()

	s, err = Open(ctx, filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.IsType(t, &sqlStore{}, s)
	s.Close()

	_, err = Open(ctx, "dynamodb://")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	s := &sqlStore{dollar: true}
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", (&sqlStore{}).rebind("a = ?"))
}
