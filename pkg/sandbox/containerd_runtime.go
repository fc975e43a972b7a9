package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/kiln/pkg/log"
)

// ContainerdRuntime runs invocations as containerd tasks in a dedicated
// namespace, the production Runtime implementation: look up the image and
// pull it if absent (a failed pull is an error), create container with OCI spec options for binds/env/workdir, create+start
// the task with cio.NullIO, wait for exit, then SIGTERM-then-SIGKILL on
// timeout/cancel.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
	stopGrace time.Duration
}

// NewContainerdRuntime dials the containerd socket and scopes all
// operations to namespace.
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: connecting to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("containerd-runtime"),
		stopGrace: 10 * time.Second,
	}, nil
}

// Close releases the underlying containerd client connection.
func (r *ContainerdRuntime) Close() error {
	return r.client.Close()
}

// Run implements Runtime by creating a fresh container and task for spec,
// waiting for it to exit, and returning its exit code.
func (r *ContainerdRuntime) Run(ctx context.Context, spec RunSpec) (exitCode int, err error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	mounts := make([]specs.Mount, 0, len(spec.Binds))
	for _, b := range spec.Binds {
		opts := []string{"rbind"}
		if b.Readonly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Type:        "bind",
			Source:      b.Host,
			Destination: b.Container,
			Options:     opts,
		})
	}

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return -1, fmt.Errorf("sandbox: pulling image %s: %w", spec.Image, err)
		}
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(append([]string{spec.Command}, spec.Args...)...),
		oci.WithEnv(spec.Env),
		oci.WithMounts(mounts),
	}
	if spec.Workdir != "" {
		specOpts = append(specOpts, oci.WithProcessCwd(spec.Workdir))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return -1, fmt.Errorf("sandbox: creating container %s: %w", spec.Name, err)
	}
	defer container.Delete(context.Background(), containerd.WithSnapshotCleanup)

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return -1, fmt.Errorf("sandbox: creating task for %s: %w", spec.Name, err)
	}
	defer task.Delete(context.Background())

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("sandbox: waiting on task %s: %w", spec.Name, err)
	}

	if err := task.Start(ctx); err != nil {
		return -1, fmt.Errorf("sandbox: starting task %s: %w", spec.Name, err)
	}

	select {
	case status := <-exitCh:
		return int(status.ExitCode()), status.Error()
	case <-ctx.Done():
		r.stop(task)
		return -1, ctx.Err()
	}
}

// stop sends SIGTERM, waits stopGrace, then SIGKILL if the task is still
// running.
func (r *ContainerdRuntime) stop(task containerd.Task) {
	bg := context.Background()
	if err := task.Kill(bg, syscall.SIGTERM); err != nil {
		r.logger.Warn().Err(err).Msg("SIGTERM failed, falling back to SIGKILL")
		_ = task.Kill(bg, syscall.SIGKILL)
		return
	}
	<-time.After(r.stopGrace)
	_ = task.Kill(bg, syscall.SIGKILL)
}
