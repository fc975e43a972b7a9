// Package sandbox implements the isolated environment a transform's
// invocations run inside: an ordered bind list, a composed environment, and
// a tool dependency registry, launching invocations through an injected
// Runtime (ContainerdRuntime in production, FakeRuntime in tests).
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/tool"
)

// Standard $PATH entries every sandbox starts with, mirroring Foundation's
// constructor.
var defaultPathEntries = []string{
	"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin",
}

// Sandbox is a single, disposable execution environment for a transform.
type Sandbox struct {
	mu sync.Mutex

	id      string
	image   string
	roots   tool.Roots
	runtime Runtime
	logger  zerolog.Logger

	binds []Bind
	env   map[string]string
	tools map[tool.ID]*tool.Version
	reg   *tool.Registry

	launched bool
}

// Option configures a new Sandbox.
type Option func(*Sandbox)

// WithImage sets the base image passed to the runtime on launch.
func WithImage(image string) Option {
	return func(s *Sandbox) { s.image = image }
}

// New constructs a fresh Sandbox bound to roots and backed by runtime.
func New(roots tool.Roots, runtime Runtime, opts ...Option) *Sandbox {
	s := &Sandbox{
		id:      uuid.NewString(),
		image:   "kiln-foundation",
		roots:   roots,
		runtime: runtime,
		logger:  log.WithComponent("sandbox"),
		env:     make(map[string]string),
		tools:   make(map[tool.ID]*tool.Version),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, p := range defaultPathEntries {
		s.appendEnvPathLocked("PATH", p)
	}
	s.env["KILN_ROOT"] = roots.ContainerRoot
	return s
}

// ID returns the sandbox's unique instance identifier.
func (s *Sandbox) ID() string { return s.id }

// ErrBindAfterLaunch is returned when a bind is attempted after the
// sandbox's environment has been frozen by a launch.
var ErrBindAfterLaunch = fmt.Errorf("sandbox: binds and environment are frozen after first launch")

// Bind admits a new host-to-container path mapping, applying the admission
// rules in bind.go. mkdir ensures the host side exists (created as a
// directory) before admission runs, for binding not-yet-existing output
// locations.
func (s *Sandbox) Bind(host, container string, readonly bool, mkdir bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launched {
		return ErrBindAfterLaunch
	}
	if mkdir {
		if _, err := os.Stat(host); os.IsNotExist(err) {
			if err := os.MkdirAll(host, 0o755); err != nil {
				return fmt.Errorf("sandbox: creating host bind path %s: %w", host, err)
			}
		}
	}
	next, err := admitBind(s.binds, Bind{Host: clean(host), Container: clean(container), Readonly: readonly})
	if err != nil {
		return err
	}
	s.binds = next
	return nil
}

// BindReadonly is shorthand for Bind(host, container, true, false).
func (s *Sandbox) BindReadonly(host, container string) error {
	return s.Bind(host, container, true, false)
}

// Binds returns a copy of the current bind list.
func (s *Sandbox) Binds() []Bind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bind, len(s.binds))
	copy(out, s.binds)
	return out
}

// SetEnv replaces the value of an environment variable unconditionally.
func (s *Sandbox) SetEnv(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launched {
		return ErrBindAfterLaunch
	}
	s.env[key] = value
	return nil
}

// GetEnv returns the current value of an environment variable, if set.
func (s *Sandbox) GetEnv(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.env[key]
	return v, ok
}

// AppendEnvPath appends value onto key's existing value with a ':'
// separator.
func (s *Sandbox) AppendEnvPath(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launched {
		return ErrBindAfterLaunch
	}
	s.appendEnvPathLocked(key, value)
	return nil
}

func (s *Sandbox) appendEnvPathLocked(key, value string) {
	if existing, ok := s.env[key]; ok && existing != "" {
		s.env[key] = existing + ":" + value
	} else {
		s.env[key] = value
	}
}

// PrependEnvPath prepends value onto key's existing value with a ':'
// separator.
func (s *Sandbox) PrependEnvPath(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launched {
		return ErrBindAfterLaunch
	}
	if existing, ok := s.env[key]; ok && existing != "" {
		s.env[key] = value + ":" + existing
	} else {
		s.env[key] = value
	}
	return nil
}

// ErrEnvConflict is returned by OverlayEnv(strict=true) when an existing
// value differs from the overlaid one.
var ErrEnvConflict = fmt.Errorf("sandbox: environment variable conflict")

// OverlayEnv sets every key/value pair in env. In strict mode, a key that is
// already set to a different value is an error, matching container.py's
// overlay_env(strict=True) used for tool environment binding.
func (s *Sandbox) OverlayEnv(env map[string]string, strict bool) error {
	for k, v := range env {
		if strict {
			if existing, ok := s.GetEnv(k); ok && existing != v {
				return fmt.Errorf("%w: %s already set to %q, overlay wants %q", ErrEnvConflict, k, existing, v)
			}
		}
		if err := s.SetEnv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Env returns a copy of the composed environment as KEY=VALUE pairs.
func (s *Sandbox) Env() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, k+"="+v)
	}
	return out
}

// ErrOutsideRoot is returned by MapToContainer when a host path falls
// outside the sandbox's configured host root.
var ErrOutsideRoot = fmt.Errorf("sandbox: path is not within the configured host root")

// MapToContainer projects a host path not yet bound into its equivalent
// location under the container root, by substituting the sandbox's
// host-root prefix for its container-root prefix. Used to derive a
// container path for an interface value that only specifies a host side.
func (s *Sandbox) MapToContainer(host string) (string, error) {
	rel, err := filepath.Rel(s.roots.HostRoot, host)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s (root %s)", ErrOutsideRoot, host, s.roots.HostRoot)
	}
	return filepath.Join(s.roots.ContainerRoot, rel), nil
}

// mapContainerToHost finds a bind whose container side is an ancestor of
// (or equal to) the given container path and returns the corresponding host
// path.
func (s *Sandbox) mapContainerToHost(containerPath string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Bind
	var bestRel string
	found := false
	for _, b := range s.binds {
		if rel, ok := isAncestor(b.Container, containerPath); ok {
			if !found || len(rel) < len(bestRel) {
				best, bestRel, found = b, rel, true
			}
		}
	}
	if !found {
		return "", false
	}
	if bestRel == "." {
		return best.Host, true
	}
	return filepath.Join(best.Host, bestRel), true
}

// AddTool recursively binds tool into the sandbox: its requirements first,
// then its own install location (read-only by default), its declared
// environment (overlaid strictly), and its declared $PATH extensions
// (prepended). Re-adding the same version is a no-op; adding a different
// version of an already-registered tool is a version clash error.
func (s *Sandbox) AddTool(v *tool.Version, readonly bool) error {
	s.mu.Lock()
	if existing, ok := s.tools[v.Tool.ID]; ok {
		s.mu.Unlock()
		if existing == v {
			return nil
		}
		return fmt.Errorf("sandbox: tool already registered for %s", v.Tool.ID)
	}
	s.mu.Unlock()

	for _, req := range v.Requires {
		reqVer, err := req.Resolve(s.registryOrDefault())
		if err != nil {
			return err
		}
		if existing, ok := s.tools[req.Tool]; ok && existing.VersionString != reqVer.VersionString {
			return fmt.Errorf("sandbox: version clash for tool %s: %s != %s",
				req.Tool, reqVer.VersionString, existing.VersionString)
		} else if !ok {
			if err := s.AddTool(reqVer, readonly); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	s.tools[v.Tool.ID] = v
	s.mu.Unlock()

	hostLoc := v.GetHostPath(s.roots)
	contLoc := v.GetContainerPath(s.roots)
	s.logger.Debug().Str("host", hostLoc).Str("container", contLoc).Bool("readonly", readonly).Msg("binding tool")
	if err := s.Bind(hostLoc, contLoc, readonly, false); err != nil {
		return fmt.Errorf("sandbox: binding tool %s: %w", v.Tool.ID, err)
	}

	if len(v.Env) > 0 {
		resolved := make(map[string]string, len(v.Env))
		for k, val := range v.Env {
			if v.EnvPaths[k] {
				resolved[k] = v.GetContainerPath(s.roots, val)
			} else {
				resolved[k] = val
			}
		}
		if err := s.OverlayEnv(resolved, true); err != nil {
			return err
		}
	}

	for key, rels := range v.Paths {
		for _, rel := range rels {
			if err := s.PrependEnvPath(key, v.GetContainerPath(s.roots, rel)); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetRegistry associates a tool registry with this sandbox instance, used to
// resolve transitive tool requirements during AddTool.
func (s *Sandbox) SetRegistry(reg *tool.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg = reg
}

func (s *Sandbox) registryOrDefault() *tool.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg != nil {
		return s.reg
	}
	return tool.NewRegistry()
}

// InvocationArg is a single argument to an Invocation. When IsPath is set,
// HostPath names a host-side path that must be bound into the sandbox and
// rewritten to its container-side equivalent before the argument list is
// passed to Launch.
type InvocationArg struct {
	Literal  string
	IsPath   bool
	HostPath string
	Readonly bool
}

// Invocation is a single command a transform asks the sandbox to run.
type Invocation struct {
	Version     *tool.Version
	Execute     string // a literal command, or a tool-relative path when ExecuteIsPath is set
	ExecuteIsPath bool
	Args        []InvocationArg
	Workdir     string // container-side; empty defaults to the sandbox root
	Interactive bool
	Display     bool
	ExtraBinds  []Bind
	Env         map[string]string
	PathExt     map[string][]string
}

// Invoke runs a single invocation inside the sandbox: it binds the
// invocation's tool, maps path arguments into the container, applies extra
// binds, resolves the executable, ensures the working directory exists on
// the host, and launches.
func (s *Sandbox) Invoke(ctx context.Context, inv Invocation) (int, error) {
	if inv.Version != nil {
		if err := s.AddTool(inv.Version, true); err != nil {
			return -1, err
		}
	}

	args := make([]string, 0, len(inv.Args))
	for _, a := range inv.Args {
		if !a.IsPath {
			args = append(args, a.Literal)
			continue
		}
		contPath := s.roots.ContainerRoot
		if mapped, ok := s.hostPathToContainer(a.HostPath); ok {
			contPath = mapped
		} else {
			contPath = filepath.Join(s.roots.ContainerRoot, "input", filepath.Base(a.HostPath))
		}
		if err := s.Bind(filepath.Dir(a.HostPath), filepath.Dir(contPath), a.Readonly, true); err != nil {
			return -1, err
		}
		args = append(args, contPath)
	}

	for _, b := range inv.ExtraBinds {
		if err := s.Bind(b.Host, b.Container, b.Readonly, true); err != nil {
			return -1, err
		}
	}

	for k, v := range inv.Env {
		if err := s.SetEnv(k, v); err != nil {
			return -1, err
		}
	}
	for key, rels := range inv.PathExt {
		for _, rel := range rels {
			if err := s.PrependEnvPath(key, rel); err != nil {
				return -1, err
			}
		}
	}

	execute := inv.Execute
	if inv.ExecuteIsPath && inv.Version != nil {
		execute = inv.Version.GetContainerPath(s.roots, inv.Execute)
	}

	workdir := inv.Workdir
	if workdir == "" {
		workdir = s.roots.ContainerRoot
	}
	if hostWorkdir, ok := s.mapContainerToHost(workdir); ok {
		if _, err := os.Stat(hostWorkdir); os.IsNotExist(err) {
			if err := os.MkdirAll(hostWorkdir, 0o755); err != nil {
				return -1, fmt.Errorf("sandbox: creating working directory %s: %w", hostWorkdir, err)
			}
		}
	}

	s.logger.Debug().Str("execute", execute).Strs("args", args).Msg("launching invocation")
	timer := metrics.NewTimer()
	exitCode, err := s.Launch(ctx, execute, args, workdir, inv.Interactive, inv.Display)
	timer.ObserveDuration(metrics.InvocationDuration)
	if err != nil {
		metrics.InvocationsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.InvocationsTotal.WithLabelValues(strconv.Itoa(exitCode)).Inc()
	}
	return exitCode, err
}

func (s *Sandbox) hostPathToContainer(host string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Bind
	var bestRel string
	found := false
	for _, b := range s.binds {
		if rel, ok := isAncestor(b.Host, host); ok {
			if !found || len(rel) < len(bestRel) {
				best, bestRel, found = b, rel, true
			}
		}
	}
	if !found {
		return "", false
	}
	if bestRel == "." {
		return best.Container, true
	}
	return filepath.Join(best.Container, bestRel), true
}

// Launch runs a command to completion inside the isolation boundary via the
// injected Runtime, freezing the bind list and environment on first call.
func (s *Sandbox) Launch(ctx context.Context, command string, args []string, workdir string, interactive, display bool) (int, error) {
	s.mu.Lock()
	s.launched = true
	binds := make([]Bind, len(s.binds))
	copy(binds, s.binds)
	env := make([]string, 0, len(s.env))
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	image := s.image
	id := s.id
	s.mu.Unlock()

	spec := RunSpec{
		Name:        fmt.Sprintf("%s-%s", strings.ReplaceAll(image, "/", "_"), id[:8]),
		Image:       image,
		Command:     command,
		Args:        args,
		Env:         env,
		Binds:       binds,
		Workdir:     workdir,
		Interactive: interactive,
		Display:     display,
	}
	return s.runtime.Run(ctx, spec)
}
