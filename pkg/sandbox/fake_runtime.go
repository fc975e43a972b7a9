package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// FakeRuntime is an in-memory Runtime used by tests: it runs the requested
// command directly on the host, in spec.Workdir when that directory exists
// on the host and otherwise in the current directory, without any actual
// container isolation. Bind entries are ignored since the test
// filesystem already has the real paths; this exercises the sandbox's
// bind/env composition logic without requiring a container runtime in CI.
type FakeRuntime struct {
	mu    sync.Mutex
	Specs []RunSpec
}

// Run executes spec.Command directly, recording the spec for assertions.
func (f *FakeRuntime) Run(ctx context.Context, spec RunSpec) (int, error) {
	f.mu.Lock()
	f.Specs = append(f.Specs, spec)
	f.mu.Unlock()

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if spec.Workdir != "" {
		if info, err := os.Stat(spec.Workdir); err == nil && info.IsDir() {
			cmd.Dir = spec.Workdir
		}
	}
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("sandbox: fake runtime: %w", err)
}
