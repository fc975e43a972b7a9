package main

import (
	"fmt"

	"github.com/cuemby/kiln/pkg/cache"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/tool"
	"github.com/cuemby/kiln/pkg/transform"
)

// cliState holds the flag-derived values shared by every subcommand, wired
// up once in the root command's PersistentPreRunE.
type cliState struct {
	kinds *transform.Registry
	tools *tool.Registry

	logLevel  string
	logJSON   bool
	cacheDirs []string
}

// init turns the parsed global flags into shared state: the global logger.
func (c *cliState) init() error {
	log.Init(log.Config{
		Level:      log.Level(c.logLevel),
		JSONOutput: c.logJSON,
	})
	return nil
}

// openCaches opens one FileCache per configured --cache-dir, in priority
// order, and fans them into a MultiCache. Every cache accepts every key;
// differential accept policies are a future extension, not required by the
// current CLI surface.
func (c *cliState) openCaches() (*cache.MultiCache, []*cache.FileCache, error) {
	if len(c.cacheDirs) == 0 {
		return nil, nil, fmt.Errorf("no --cache-dir configured")
	}
	acceptAll := func(string) bool { return true }

	backends := make([]*cache.FileCache, 0, len(c.cacheDirs))
	ifaces := make([]cache.Cache, 0, len(c.cacheDirs))
	for i, dir := range c.cacheDirs {
		fc, err := cache.NewFileCache(fmt.Sprintf("cache-%d", i), dir, acceptAll)
		if err != nil {
			return nil, backends, fmt.Errorf("opening cache %s: %w", dir, err)
		}
		backends = append(backends, fc)
		ifaces = append(ifaces, fc)
	}
	return cache.NewMultiCache(ifaces...), backends, nil
}

func closeCaches(backends []*cache.FileCache) {
	for _, fc := range backends {
		_ = fc.Close()
	}
}
