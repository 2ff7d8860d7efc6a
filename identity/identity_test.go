package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-imgsearch/core"
)

func TestAssignIsReproducible(t *testing.T) {
	a := New(uuid.Nil)
	ev := core.UploadEvent{Bucket: "raw", ObjectName: "beach.jpg", Generation: "1"}

	first, err := a.Assign(ev)
	require.NoError(t, err)
	second, err := a.Assign(ev)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = uuid.Parse(first)
	assert.NoError(t, err)
}

func TestAssignNewGenerationKeepsID(t *testing.T) {
	a := New(uuid.Nil)
	v1, err := a.Assign(core.UploadEvent{Bucket: "raw", ObjectName: "beach.jpg", Generation: "1"})
	require.NoError(t, err)
	v2, err := a.Assign(core.UploadEvent{Bucket: "raw", ObjectName: "beach.jpg", Generation: "2"})
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestAssignSameFileNameDifferentPaths(t *testing.T) {
	a := New(uuid.Nil)
	ids := map[string]bool{}
	for _, ev := range []core.UploadEvent{
		{Bucket: "raw", ObjectName: "beach.jpg", Generation: "1"},
		{Bucket: "raw", ObjectName: "2024/beach.jpg", Generation: "1"},
		{Bucket: "other", ObjectName: "beach.jpg", Generation: "1"},
	} {
		id, err := a.Assign(ev)
		require.NoError(t, err)
		ids[id] = true
	}
	assert.Len(t, ids, 3)
}

func TestNamespacesSeparateIDs(t *testing.T) {
	ev := core.UploadEvent{Bucket: "raw", ObjectName: "beach.jpg", Generation: "1"}
	a, _ := New(uuid.Nil).Assign(ev)
	b, _ := New(uuid.New()).Assign(ev)
	assert.NotEqual(t, a, b)
}

func TestAssignRejectsInvalidEvent(t *testing.T) {
	_, err := New(uuid.Nil).Assign(core.UploadEvent{Bucket: "raw"})
	assert.ErrorIs(t, err, core.ErrInvalidEvent)
}

func TestVerify(t *testing.T) {
	a := New(uuid.Nil)
	ev := core.UploadEvent{Bucket: "raw", ObjectName: "beach.jpg", Generation: "1"}
	id, err := a.Assign(ev)
	require.NoError(t, err)

	assert.NoError(t, a.Verify(id, ev))
	err = a.Verify(uuid.NewString(), ev)
	assert.ErrorIs(t, err, core.ErrIdentityConflict)
}
