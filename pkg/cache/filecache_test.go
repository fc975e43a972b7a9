package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCacheStoreFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fc, err := NewFileCache("local", filepath.Join(dir, "store"), nil)
	require.NoError(t, err)
	defer fc.Close()

	src := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))

	require.NoError(t, fc.Store(ctx, "field-abc123", src))

	dest := filepath.Join(dir, "fetched.txt")
	ok, err := fc.Fetch(ctx, "field-abc123", dest)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestFileCacheFetchMissIsNotError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fc, err := NewFileCache("local", dir, nil)
	require.NoError(t, err)
	defer fc.Close()

	ok, err := fc.Fetch(ctx, "does-not-exist", filepath.Join(dir, "dest"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileCacheStoreDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fc, err := NewFileCache("local", filepath.Join(dir, "store"), nil)
	require.NoError(t, err)
	defer fc.Close()

	srcDir := filepath.Join(dir, "outdir")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "nested", "b.txt"), []byte("b"), 0o644))

	require.NoError(t, fc.Store(ctx, "dir-key", srcDir))

	destDir := filepath.Join(dir, "fetched-dir")
	ok, err := fc.Fetch(ctx, "dir-key", destDir)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(filepath.Join(destDir, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestFileCacheStoreFailsOnClosedDB(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fc, err := NewFileCache("local", filepath.Join(dir, "store"), nil)
	require.NoError(t, err)

	src := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	fc.Close()
	err = fc.Store(ctx, "key", src)
	assert.Error(t, err)
}

func TestFileCacheAcceptsPolicy(t *testing.T) {
	dir := t.TempDir()
	fc, err := NewFileCache("selective", dir, func(key string) bool {
		return key == "wanted"
	})
	require.NoError(t, err)
	defer fc.Close()

	assert.True(t, fc.Accepts("wanted"))
	assert.False(t, fc.Accepts("unwanted"))
}

func TestFileCacheDropItemAndHash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fc, err := NewFileCache("local", filepath.Join(dir, "store"), nil)
	require.NoError(t, err)
	defer fc.Close()

	src := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	require.NoError(t, fc.Store(ctx, "key", src))

	contentHash, ok, err := fc.FetchHash(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, fc.DropHash(ctx, "key"))
	_, ok, err = fc.FetchHash(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fc.DropItem(ctx, contentHash))
	err = fc.FetchItem(ctx, contentHash, filepath.Join(dir, "gone"))
	assert.Error(t, err)
}
