package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kiln/pkg/hash"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
)

var (
	bucketKeys    = []byte("key")
	bucketContent = []byte("content")
)

// contentMeta is the value stored in the content bucket: enough to locate and
// validate the on-disk blob without re-hashing it.
type contentMeta struct {
	IsDir bool `json:"is_dir"`
}

// FileCache is the reference file-backed cache: a BoltDB-backed two-bucket
// key/content-metadata store (grounded on pkg/storage/boltdb.go's
// bucket-per-entity pattern) with blobs held on a content-addressed directory
// tree, following the reference layout from §6: `<store>/key/<hex>` is a
// bbolt bucket entry rather than a loose file, `<store>/content/<hex>` is the
// blob itself (a regular file or a directory tree).
type FileCache struct {
	name   string
	dir    string
	db     *bolt.DB
	policy func(key string) bool
	logger zerolog.Logger
}

// NewFileCache opens (creating if absent) a BoltDB-backed cache rooted at
// dir. policy selects which keys this cache accepts on Store; nil accepts
// everything.
func NewFileCache(name, dir string, policy func(key string) bool) (*FileCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "content"), 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating content dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "kiln-cache.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", name, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKeys, bucketContent} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("cache: creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if policy == nil {
		policy = func(string) bool { return true }
	}
	return &FileCache{
		name:   name,
		dir:    dir,
		db:     db,
		policy: policy,
		logger: log.WithComponent("cache").With().Str("cache", name).Logger(),
	}, nil
}

// Close closes the underlying BoltDB handle.
func (c *FileCache) Close() error { return c.db.Close() }

func (c *FileCache) Name() string { return c.name }

func (c *FileCache) Accepts(key string) bool { return c.policy(key) }

func (c *FileCache) StoreHash(ctx context.Context, keyHash, contentHash string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(keyHash), []byte(contentHash))
	})
}

func (c *FileCache) DropHash(ctx context.Context, keyHash string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(keyHash))
	})
}

func (c *FileCache) FetchHash(ctx context.Context, keyHash string) (string, bool, error) {
	var contentHash string
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(keyHash))
		if v == nil {
			return nil
		}
		found = true
		contentHash = string(v)
		return nil
	})
	return contentHash, found, err
}

func (c *FileCache) contentPath(contentHash string) string {
	return filepath.Join(c.dir, "content", contentHash)
}

func (c *FileCache) StoreItem(ctx context.Context, contentHash, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cache: stat %s: %w", path, err)
	}
	dest := c.contentPath(contentHash)
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("cache: clearing stale content %s: %w", contentHash, err)
	}
	if err := copyPath(path, dest); err != nil {
		return fmt.Errorf("cache: storing content %s: %w", contentHash, err)
	}
	meta := contentMeta{IsDir: info.IsDir()}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContent).Put([]byte(contentHash), encoded)
	})
}

func (c *FileCache) DropItem(ctx context.Context, contentHash string) error {
	if err := os.RemoveAll(c.contentPath(contentHash)); err != nil {
		return fmt.Errorf("cache: removing content %s: %w", contentHash, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContent).Delete([]byte(contentHash))
	})
}

func (c *FileCache) FetchItem(ctx context.Context, contentHash, destPath string) error {
	var meta contentMeta
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketContent).Get([]byte(contentHash))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrContentNotFound
	}
	src := c.contentPath(contentHash)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: blob missing on disk for %s", ErrContentNotFound, contentHash)
	}
	if err := os.RemoveAll(destPath); err != nil {
		return fmt.Errorf("cache: clearing fetch destination %s: %w", destPath, err)
	}
	if err := copyPath(src, destPath); err != nil {
		return fmt.Errorf("cache: fetching content %s: %w", contentHash, err)
	}
	return nil
}

// Store hashes path's content, writes the content blob and table, then the
// key table; a key-write failure rolls back the content write.
func (c *FileCache) Store(ctx context.Context, key, path string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CacheStoreDuration, c.name)

	contentHash, err := hash.HashContent(path)
	if err != nil {
		return fmt.Errorf("cache: hashing %s: %w", path, err)
	}
	if err := c.StoreItem(ctx, contentHash, path); err != nil {
		return err
	}
	if err := c.StoreHash(ctx, key, contentHash); err != nil {
		if dropErr := c.DropItem(ctx, contentHash); dropErr != nil {
			c.logger.Error().Err(dropErr).Str("content_hash", contentHash).Msg("rollback of partial store failed")
		}
		return fmt.Errorf("cache: storing key %s: %w", key, err)
	}
	return nil
}

// Fetch resolves key to a content hash and copies the blob to destPath,
// reporting ok=false (no error) on any miss.
func (c *FileCache) Fetch(ctx context.Context, key, destPath string) (bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CacheFetchDuration, c.name)

	contentHash, ok, err := c.FetchHash(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache: looking up key %s: %w", key, err)
	}
	if !ok {
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return false, nil
	}
	if err := c.FetchItem(ctx, contentHash, destPath); err != nil {
		if strings.Contains(err.Error(), ErrContentNotFound.Error()) {
			metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
			return false, nil
		}
		return false, err
	}
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return true, nil
}

// copyPath copies src to dst, recursively if src is a directory, preserving
// regular file contents and mode bits.
func copyPath(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyPath(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	return copyFile(src, dst, info.Mode().Perm())
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
