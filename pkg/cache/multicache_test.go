package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache is a minimal in-memory Cache used to exercise MultiCache's
// fan-out/first-hit policy without touching disk.
type fakeCache struct {
	mu       sync.Mutex
	name     string
	keys     map[string]string
	failing  bool
	accept   func(string) bool
	fetchErr error
}

func newFakeCache(name string) *fakeCache {
	return &fakeCache{name: name, keys: make(map[string]string), accept: func(string) bool { return true }}
}

func (f *fakeCache) Name() string { return f.name }

func (f *fakeCache) StoreHash(ctx context.Context, keyHash, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[keyHash] = contentHash
	return nil
}
func (f *fakeCache) DropHash(ctx context.Context, keyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, keyHash)
	return nil
}
func (f *fakeCache) FetchHash(ctx context.Context, keyHash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[keyHash]
	return v, ok, nil
}
func (f *fakeCache) StoreItem(ctx context.Context, contentHash, path string) error { return nil }
func (f *fakeCache) DropItem(ctx context.Context, contentHash string) error        { return nil }
func (f *fakeCache) FetchItem(ctx context.Context, contentHash, destPath string) error {
	return nil
}

func (f *fakeCache) Store(ctx context.Context, key, path string) error {
	if f.failing {
		return fmt.Errorf("fake store failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = "content-for-" + key
	return nil
}

func (f *fakeCache) Fetch(ctx context.Context, key, destPath string) (bool, error) {
	if f.fetchErr != nil {
		return false, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok, nil
}

func (f *fakeCache) Accepts(key string) bool { return f.accept(key) }

func TestMultiCacheFetchReturnsFirstHit(t *testing.T) {
	ctx := context.Background()
	a := newFakeCache("a")
	b := newFakeCache("b")
	b.keys["k"] = "content"

	mc := NewMultiCache(a, b)
	ok, err := mc.FetchFromAny(ctx, "k", "/tmp/dest")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMultiCacheFetchSkipsFailingCache(t *testing.T) {
	ctx := context.Background()
	a := newFakeCache("a")
	a.fetchErr = fmt.Errorf("boom")
	b := newFakeCache("b")
	b.keys["k"] = "content"

	mc := NewMultiCache(a, b)
	ok, err := mc.FetchFromAny(ctx, "k", "/tmp/dest")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMultiCacheStoreFansOutToAcceptingCaches(t *testing.T) {
	ctx := context.Background()
	a := newFakeCache("a")
	b := newFakeCache("b")
	b.accept = func(string) bool { return false }

	mc := NewMultiCache(a, b)
	require.NoError(t, mc.StoreToAccepting(ctx, "k", "/tmp/src"))

	_, ok, _ := a.FetchHash(ctx, "k")
	assert.True(t, ok)
	_, ok, _ = b.FetchHash(ctx, "k")
	assert.False(t, ok)
}

func TestMultiCacheStoreSurvivesOneFailingCache(t *testing.T) {
	ctx := context.Background()
	a := newFakeCache("a")
	a.failing = true
	b := newFakeCache("b")

	mc := NewMultiCache(a, b)
	require.NoError(t, mc.StoreToAccepting(ctx, "k", "/tmp/src"))

	_, ok, _ := b.FetchHash(ctx, "k")
	assert.True(t, ok)
}

func TestMultiCacheStoreErrorsWhenEveryAcceptingCacheFails(t *testing.T) {
	ctx := context.Background()
	a := newFakeCache("a")
	a.failing = true

	mc := NewMultiCache(a)
	err := mc.StoreToAccepting(ctx, "k", "/tmp/src")
	assert.Error(t, err)
}
