/*
Package log provides structured logging for Kiln using zerolog.

The log package wraps zerolog to give every component (hasher, medial
tracker, transform, cache, scheduler, sandbox) a JSON-structured,
component-scoped logger with configurable severity filtering.

# Usage

Initializing the logger:

	import "github.com/cuemby/kiln/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	cacheLog := log.WithComponent("cache")
	cacheLog.Info().Str("key_hash", keyHash).Msg("stored")

	tfLog := log.WithTransform("pkgs.transforms.Concat", inputHash)
	tfLog.Info().Dur("run_time", elapsed).Msg("transform complete")

# Design

A single package-level Logger instance is initialized once via Init and
read concurrently from every component; zerolog's Logger value is safe for
concurrent use once constructed. Context loggers (WithComponent,
WithTransform, WithSandbox, WithCacheKey) attach fields once so callers don't
repeat them at every call site.
*/
package log
