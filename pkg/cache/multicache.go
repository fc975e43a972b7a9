package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/kiln/pkg/log"
)

// MultiCache fans a single logical cache out across an ordered list of
// backends. Fetch returns the first hit; Store writes to every backend whose
// Accepts predicate is true for the key. Per §4.E/§7, a fetch miss or a
// single backend's store failure is never fatal: it is logged and demoted to
// "skip this cache", the workflow continues without caching against it.
type MultiCache struct {
	caches []Cache
	logger zerolog.Logger
}

// NewMultiCache builds a MultiCache over caches, preserving fetch-priority
// order.
func NewMultiCache(caches ...Cache) *MultiCache {
	return &MultiCache{caches: caches, logger: log.WithComponent("cache")}
}

// Caches returns the configured backends in fetch-priority order.
func (m *MultiCache) Caches() []Cache { return m.caches }

// FetchFromAny tries each configured cache in order, returning the first hit.
func (m *MultiCache) FetchFromAny(ctx context.Context, key, destPath string) (bool, error) {
	for _, c := range m.caches {
		ok, err := c.Fetch(ctx, key, destPath)
		if err != nil {
			m.logger.Warn().Err(err).Str("cache", c.Name()).Str("key", key).Msg("cache fetch failed, trying next")
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// StoreToAccepting writes path to every configured cache whose Accepts
// predicate is true for key. A single backend's failure is logged and does
// not prevent the others from being written; StoreToAccepting only returns an
// error if every accepting cache failed.
func (m *MultiCache) StoreToAccepting(ctx context.Context, key, path string) error {
	attempted := 0
	succeeded := 0
	for _, c := range m.caches {
		if !c.Accepts(key) {
			continue
		}
		attempted++
		if err := c.Store(ctx, key, path); err != nil {
			m.logger.Error().Err(err).Str("cache", c.Name()).Str("key", key).Msg("cache store failed")
			continue
		}
		succeeded++
	}
	if attempted > 0 && succeeded == 0 {
		return fmt.Errorf("cache: every accepting cache failed to store key %s", key)
	}
	return nil
}
