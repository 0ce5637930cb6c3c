package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/vecshard/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	name := "c/1/snap-001.tar"
	data := []byte("hello world, this is a test blob for vecshard")

	w, err := store.Create(ctx, name)
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Not visible before commit.
	ok, err := Exists(ctx, store, name)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(tmpDir, "c", "1", "snap-001.tar"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer blob.Close()

	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	rc, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "this", string(content))

	require.NoError(t, store.Put(ctx, "c/1/snap-001.tar.json", []byte(`{}`)))
	require.NoError(t, store.Put(ctx, "d/2/other.tar", []byte("x")))

	names, err := store.List(ctx, "c/")
	require.NoError(t, err)
	assert.Equal(t, []string{"c/1/snap-001.tar", "c/1/snap-001.tar.json"}, names)

	require.NoError(t, store.Delete(ctx, name))
	require.NoError(t, store.Delete(ctx, name)) // missing is fine

	_, err = store.Open(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_ReadRangeBoundaries(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "boundary.bin", []byte("0123456789")))

	blob, err := store.Open(ctx, "boundary.bin")
	require.NoError(t, err)
	defer blob.Close()

	read := func(off, length int64) string {
		rc, err := blob.ReadRange(ctx, off, length)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(b)
	}

	assert.Equal(t, "0123456789", read(0, 10))
	assert.Equal(t, "89", read(8, 5))
	assert.Equal(t, "", read(20, 5))
}

func TestLocalStore_Abort(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()

	w, err := store.Create(ctx, "half.tar")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, err = w.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrAborted)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStore_FailedCommitLeavesNothing(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("broken.tar", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	store := NewLocalStoreFS(t.TempDir(), ffs)
	ctx := context.Background()

	w, err := store.Create(ctx, "broken.tar")
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.ErrorIs(t, w.Close(), fs.ErrInjected)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "nope"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
