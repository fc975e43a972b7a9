// Package cache implements the two-level, content-addressed store protocol:
// a key table mapping a key hash to a content hash, and a content table
// mapping a content hash to a blob (file or directory). Caches are opaque to
// the core beyond the six primitives below; pkg/scheduler drives
// FetchTransform/StoreTransform against a MultiCache without knowing which
// backend is in play.
package cache

import (
	"context"
	"fmt"
)

// Cache is the backend contract every cache implementation satisfies,
// mirroring §4.E/§6: two content-addressed tables plus Store/Fetch
// convenience wrappers with rollback-on-partial-failure semantics.
type Cache interface {
	// Name identifies this cache in logs and metrics.
	Name() string

	StoreHash(ctx context.Context, keyHash, contentHash string) error
	DropHash(ctx context.Context, keyHash string) error
	FetchHash(ctx context.Context, keyHash string) (contentHash string, ok bool, err error)

	StoreItem(ctx context.Context, contentHash, path string) error
	DropItem(ctx context.Context, contentHash string) error
	FetchItem(ctx context.Context, contentHash, destPath string) error

	// Store hashes path's content, writes the content table, then the key
	// table; a key-write failure rolls back the content write so a cache
	// never holds an orphaned blob.
	Store(ctx context.Context, key, path string) error
	// Fetch resolves key to a content hash and copies the blob to destPath.
	// A missing key or missing content is reported via ok=false, not an
	// error — per §7, a fetch miss is never fatal.
	Fetch(ctx context.Context, key, destPath string) (ok bool, err error)

	// Accepts reports whether this cache's store policy wants to receive
	// key. MultiCache.Store consults this per configured cache; the
	// predicate itself is opaque to the core.
	Accepts(key string) bool
}

// ErrKeyNotFound names a missing key-table entry. FileCache does not return
// it: FetchHash and Fetch both report a missing key through their ok result.
var ErrKeyNotFound = fmt.Errorf("cache: key not found")

// ErrContentNotFound is the content-table analogue of ErrKeyNotFound.
var ErrContentNotFound = fmt.Errorf("cache: content not found")
