package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, "b")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	_, err = store.Open(ctx, "b")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrAborted)

	data, err := ReadAll(ctx, store, "b")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Put(ctx, "a", []byte("x")))
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	aborted, err := store.Create(ctx, "c")
	require.NoError(t, err)
	_, _ = aborted.Write([]byte("gone"))
	require.NoError(t, aborted.Abort())

	ok, err := Exists(ctx, store, "c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_PutCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, store.Put(ctx, "k", buf))
	buf[0] = 'z'

	data, err := ReadAll(ctx, store, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestMemoryStore_FailOn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	store.FailOn(OpCommit, "snap/", boom)
	store.FailOn(OpList, "", boom)

	w, err := store.Create(ctx, "snap/1")
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Close(), boom)

	require.NoError(t, store.Put(ctx, "other", []byte("x")), "prefix does not match")
	_, err = store.List(ctx, "")
	assert.ErrorIs(t, err, boom)

	store.Heal()
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, names)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_Canceled(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, "k", nil), context.Canceled)
	_, err := store.Create(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.Open(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
