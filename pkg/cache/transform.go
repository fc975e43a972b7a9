package cache

import (
	"context"
	"fmt"

	"github.com/cuemby/kiln/pkg/hash"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/medial"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/transform"
)

// ErrDeterminismViolation is returned by StoreTransform in determinism mode
// when a transform's freshly produced output hashes differently than the
// content hash already recorded for its key, indicating the transform is not
// reproducible.
var ErrDeterminismViolation = fmt.Errorf("cache: determinism violation")

// outputMedialer is satisfied by *transform.Transform; narrowed so this
// package's tests can exercise FetchTransform/StoreTransform against a
// minimal stand-in without constructing a full Transform.
type outputMedialer interface {
	OutputMedials(reg *medial.Registry) []transform.OutputMedial
}

func medialKey(field string, inputHash string) string {
	return field + "-" + inputHash
}

// FetchTransform attempts to populate every output medial of t from mc,
// trying each configured cache in priority order per medial. It returns true
// only if every output medial was fetched; a partial result still leaves
// whatever was fetched on disk; the caller will overwrite it by running t.
// A transform with no output medials has nothing the cache can supply, so
// it is reported as not fetched and runs.
func FetchTransform(ctx context.Context, t outputMedialer, reg *medial.Registry, mc *MultiCache) (bool, error) {
	outputs := t.OutputMedials(reg)
	if len(outputs) == 0 {
		return false, nil
	}
	for _, om := range outputs {
		inputHash, err := om.Medial.InputHash(ctx)
		if err != nil {
			return false, fmt.Errorf("cache: computing input hash for field %q: %w", om.Field, err)
		}
		key := medialKey(om.Field, inputHash)
		ok, err := mc.FetchFromAny(ctx, key, om.Medial.Val)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// StoreTransform writes every output medial of t to every accepting cache in
// mc. When determinism is true, it instead asserts that the content
// currently recorded for each medial's key matches the content just
// produced, returning ErrDeterminismViolation on any mismatch and writing
// nothing.
func StoreTransform(ctx context.Context, t outputMedialer, reg *medial.Registry, mc *MultiCache, determinism bool) (bool, error) {
	outputs := t.OutputMedials(reg)
	if len(outputs) == 0 {
		return true, nil
	}
	logger := log.WithComponent("cache")
	stored := false
	for _, om := range outputs {
		inputHash, err := om.Medial.InputHash(ctx)
		if err != nil {
			return stored, fmt.Errorf("cache: computing input hash for field %q: %w", om.Field, err)
		}
		key := medialKey(om.Field, inputHash)

		if determinism {
			if err := checkDeterminism(ctx, mc, key, om.Medial.Val); err != nil {
				return stored, err
			}
			continue
		}

		if err := mc.StoreToAccepting(ctx, key, om.Medial.Val); err != nil {
			logger.Error().Err(err).Str("field", om.Field).Str("key", key).Msg("storing output medial failed")
			continue
		}
		stored = true
	}
	return stored, nil
}

func checkDeterminism(ctx context.Context, mc *MultiCache, key, path string) error {
	produced, err := hash.HashContent(path)
	if err != nil {
		return fmt.Errorf("cache: hashing %s for determinism check: %w", path, err)
	}
	for _, c := range mc.Caches() {
		recorded, ok, err := c.FetchHash(ctx, key)
		if err != nil {
			return fmt.Errorf("cache: determinism check against %s: %w", c.Name(), err)
		}
		if !ok {
			continue
		}
		if recorded != produced {
			metrics.DeterminismViolationsTotal.Inc()
			return fmt.Errorf("%w: key %s: cache %s has %s, produced %s", ErrDeterminismViolation, key, c.Name(), recorded, produced)
		}
	}
	return nil
}
