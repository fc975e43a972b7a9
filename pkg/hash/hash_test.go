package hash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContentFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	h1, err := HashContent(p)
	require.NoError(t, err)
	assert.NotEmpty(t, h1)

	h2, err := HashContent(p)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hashing is deterministic for unchanged content")

	require.NoError(t, os.WriteFile(p, []byte("world"), 0o644))
	h3, err := HashContent(p)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashContentDirectoryOrderIndependent(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	for _, dir := range []string{dirA, dirB} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	}

	hA, err := HashContent(dirA)
	require.NoError(t, err)
	hB, err := HashContent(dirB)
	require.NoError(t, err)
	assert.Equal(t, hA, hB, "directory hash must not depend on host listing order")
}

func TestHashContentDanglingSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), link))

	digest, err := HashContent(link)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)
}

func TestHashContentMissingPathIsFatal(t *testing.T) {
	_, err := HashContent("/does/not/exist/anywhere")
	assert.Error(t, err)
}

func TestHashImportedPackageMemoizes(t *testing.T) {
	ResetModuleHashCache()
	files := map[string]time.Time{
		"transforms/concat.go": time.Unix(1000, 0),
	}
	h1, err := HashImportedPackage("example.com/kiln/transforms", files)
	require.NoError(t, err)

	// A changed mtime is ignored for an already-memoized module: the hash
	// is cached per module identity on first computation.
	files["transforms/concat.go"] = time.Unix(2000, 0)
	h2, err := HashImportedPackage("example.com/kiln/transforms", files)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashImportedPackageDiffersByMtime(t *testing.T) {
	ResetModuleHashCache()
	h1, _ := HashImportedPackage("mod/a", map[string]time.Time{"a.go": time.Unix(1, 0)})
	ResetModuleHashCache()
	h2, _ := HashImportedPackage("mod/a", map[string]time.Time{"a.go": time.Unix(2, 0)})
	assert.NotEqual(t, h1, h2)
}
