package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/kiln/pkg/medial"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/sandbox"
	"github.com/cuemby/kiln/pkg/scheduler"
	"github.com/cuemby/kiln/pkg/tool"
	"github.com/cuemby/kiln/pkg/workflow"
)

func newRunCmd(cli *cliState) *cobra.Command {
	var (
		scratchRoot    string
		containerdSock string
		containerdNS   string
		determinism    bool
		timeoutSeconds int
		targetIDs      []string
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run CONFIG...",
		Short: "Build one or more workflow configs",
		Long: `Run loads one or more kiln.yaml-shaped config files, builds the
declared transform graph, and drives it through the two-pass scheduler:
a cache-aware reverse pass followed by a forward pass executing whatever
wasn't satisfied from cache.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, err := workflow.NewYAMLBridge(args)
			if err != nil {
				return err
			}

			medials := medial.NewRegistry()
			g, err := workflow.BuildGraph(bridge, cli.kinds, medials, scratchRoot)
			if err != nil {
				return fmt.Errorf("building graph: %w", err)
			}

			mc, backends, err := cli.openCaches()
			if err != nil {
				metrics.RegisterComponent("cache", false, err.Error())
				return err
			}
			defer closeCaches(backends)
			metrics.RegisterComponent("cache", true, "")

			runtime, closeRuntime, err := newRuntime(containerdSock, containerdNS)
			if err != nil {
				metrics.RegisterComponent("containerd", false, err.Error())
				return err
			}
			defer closeRuntime()
			metrics.RegisterComponent("containerd", true, "")

			roots := tool.Roots{HostRoot: scratchRoot, ContainerRoot: "/kiln"}
			wf := scheduler.NewWorkflow(g, mc, medials, cli.tools, roots, runtime)
			wf.Determinism = determinism

			if metricsAddr != "" {
				metrics.SetVersion(Version)
				srv, stopCollector := startObservabilityServer(metricsAddr, wf)
				defer srv.Close()
				defer stopCollector()
			}

			ctx := context.Background()
			if timeoutSeconds > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
				defer cancel()
			}

			targets := targetIDs
			if len(targets) == 0 {
				for id := range g.Nodes {
					targets = append(targets, id)
				}
			}

			res, err := wf.Run(ctx, targets)
			if err != nil {
				fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
				printOutcomes(res)
				os.Exit(1)
			}

			printOutcomes(res)
			fmt.Printf("ran %d, total %d\n", res.RunCount, len(res.Outcomes))
			return nil
		},
	}

	cmd.Flags().StringVar(&scratchRoot, "scratch-root", "./kiln-scratch", "host directory for transform scratch space and unspecified output fields")
	cmd.Flags().StringVar(&containerdSock, "containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	cmd.Flags().StringVar(&containerdNS, "containerd-namespace", "kiln", "containerd namespace for sandboxed tasks")
	cmd.Flags().BoolVar(&determinism, "determinism", false, "skip the cache-fetch pass and verify every transform reproduces its previously stored output")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "per-run timeout in seconds (0 disables)")
	cmd.Flags().StringSliceVar(&targetIDs, "target", nil, "restrict the run to these transform IDs and their dependencies (default: every declared transform)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve /metrics and /health on this address for the duration of the run")
	return cmd
}

// startObservabilityServer starts an HTTP server exposing Prometheus metrics
// and health endpoints, backed by a Collector polling wf's live scheduler
// state, and returns it alongside a func that stops the collector. The
// server is best-effort: a failure to bind is logged, not fatal, since a
// missing dashboard shouldn't fail a build.
func startObservabilityServer(addr string, wf *scheduler.Workflow) (*http.Server, func()) {
	metrics.SetStatsProvider(wf.Stats)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()

	collector := metrics.NewCollector(func() metrics.WorkflowStats { return wf.Stats() }, time.Second)
	collector.Start()
	return srv, func() {
		collector.Stop()
		metrics.SetStatsProvider(nil)
	}
}

func printOutcomes(res scheduler.Result) {
	for id, outcome := range res.Outcomes {
		fmt.Printf("%-12s %s\n", outcome, id)
	}
}

// newRuntime dials the production containerd runtime, falling back to a
// descriptive error rather than silently degrading to an in-process runtime:
// kiln's sandboxing guarantees only hold under a real container runtime.
func newRuntime(socketPath, namespace string) (sandbox.Runtime, func(), error) {
	rt, err := sandbox.NewContainerdRuntime(socketPath, namespace)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connecting to containerd: %w", err)
	}
	return rt, func() { _ = rt.Close() }, nil
}
