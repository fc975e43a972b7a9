/*
Package metrics defines and exposes Prometheus metrics for Kiln.

Metrics are grouped by the stage of a workflow run they observe: transform
outcomes (run/fetched/skipped/stored/failed), cache performance (hits,
misses, store/fetch duration), scheduler state (scheduling latency, nodes
scheduled), and sandbox invocations (exit status, duration, bind conflicts).

# Usage

	timer := metrics.NewTimer()
	exitCode, err := sandbox.Invoke(ctx, inv)
	timer.ObserveDuration(metrics.InvocationDuration)
	if err != nil {
		metrics.InvocationsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.InvocationsTotal.WithLabelValues(strconv.Itoa(exitCode)).Inc()
	}

Exposing the registry over HTTP:

	http.Handle("/metrics", metrics.Handler())

# Scheduler gauges

Collector polls a StatsFunc supplied by the running workflow on a fixed
interval and sets the kiln_nodes_unscheduled/scheduled/complete gauges. This
package never imports pkg/scheduler; StatsFunc is how the scheduler pushes a
snapshot without creating a dependency cycle.

# Health

RegisterComponent/GetHealth back the single /health HTTP handler exposed for
the duration of `kiln run --metrics-addr`: component wiring status (cache,
containerd) plus, when SetStatsProvider is wired, the live scheduler's
progress. A one-shot build has no separate traffic-readiness state to probe,
so there is no /ready or /live split here.
*/
package metrics
