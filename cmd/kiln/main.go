// Command kiln is the CLI surface for the engine: cache-inspection
// subcommands grounded on blockwork/activities/cache.py, and a run
// subcommand that loads a workflow file and drives the scheduler. Its
// cobra tree is built the way cmd/warren/main.go builds Warren's: a root
// command with persistent global flags, subcommands built by constructor
// functions and attached in NewRootCommand, and a PersistentPreRunE that
// turns those flags into shared state before any subcommand body runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/kiln/pkg/tool"
	"github.com/cuemby/kiln/pkg/transform"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := NewRootCommand(transform.NewRegistry(), tool.NewRegistry()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCommand builds the full kiln cobra tree. kinds and tools are the
// transform and tool registries an embedding program has already populated
// with its own Kind constructors and tool versions before calling Execute;
// the cache-inspection subcommands don't touch either, only `run` does.
func NewRootCommand(kinds *transform.Registry, tools *tool.Registry) *cobra.Command {
	cli := &cliState{kinds: kinds, tools: tools}

	root := &cobra.Command{
		Use:     "kiln",
		Short:   "Kiln - a hermetic build engine",
		Version: Version,
		Long: `Kiln turns declared transforms into cached, content-addressed
outputs by scheduling a dependency graph of sandboxed build steps.`,
	}

	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cli.logJSON, "log-json", false, "output logs in JSON format")
	root.PersistentFlags().StringSliceVar(&cli.cacheDirs, "cache-dir", nil, "file-backed cache directory (repeatable, priority order)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return cli.init()
	}

	root.AddCommand(newCacheCmd(cli))
	root.AddCommand(newRunCmd(cli))
	return root
}
