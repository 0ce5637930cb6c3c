package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "subdir")
	assert.NoError(t, lfs.MkdirAll(dir, 0755))

	fpath := filepath.Join(dir, "test.txt")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	_, err = f.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.NoError(t, f.Sync())

	info, err := f.Stat()
	assert.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
	assert.NoError(t, f.Close())

	entries, err := lfs.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)

	newPath := filepath.Join(dir, "renamed.txt")
	assert.NoError(t, lfs.Rename(fpath, newPath))

	assert.NoError(t, lfs.Truncate(newPath, 3))
	info, err = lfs.Stat(newPath)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	assert.NoError(t, lfs.Remove(newPath))
	_, err = lfs.Stat(newPath)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, lfs.RemoveAll(dir))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "meta")

	require.NoError(t, WriteFileAtomic(Default, name, []byte("v1"), 0644))
	require.NoError(t, WriteFileAtomic(Default, name, []byte("v2"), 0644))

	data, err := ReadFile(Default, name)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = os.Stat(name + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileAtomic_RenameFailureKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "meta")
	require.NoError(t, WriteFileAtomic(Default, name, []byte("old"), 0644))

	ffs := NewFaultyFS(nil)
	ffs.AddRule("meta", Fault{FailAfterBytes: -1, FailOnRename: true})

	err := WriteFileAtomic(ffs, name, []byte("new"), 0644)
	require.ErrorIs(t, err, ErrInjected)

	data, err := ReadFile(Default, name)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestFaultyFS(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	ffs.SetLimit(5)

	fpath := filepath.Join(tmp, "faulty.txt")
	f, err := ffs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	n, err := f.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.Write([]byte("!"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(5), ffs.Written())
	require.NoError(t, f.Close())

	assert.NoError(t, ffs.Rename(fpath, fpath+".renamed"))
	_, err = ffs.Stat(fpath + ".renamed")
	assert.NoError(t, err)
}

func TestFaultyFS_SyncRule(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("segment", Fault{FailAfterBytes: -1, FailOnSync: true})

	f, err := ffs.OpenFile(filepath.Join(tmp, "segment-1"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("data"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Sync(), ErrInjected)

	other, err := ffs.OpenFile(filepath.Join(tmp, "other"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer other.Close()
	assert.NoError(t, other.Sync())

	ffs.ClearRules()
	again, err := ffs.OpenFile(filepath.Join(tmp, "segment-1"), os.O_RDWR, 0644)
	require.NoError(t, err)
	defer again.Close()
	assert.NoError(t, again.Sync())
}
