// Package transform implements the unit of work a workflow schedules: a
// named, registered Kind describing its declared fields and tool
// requirements, and a constructed *Transform instance holding resolved
// field values for one node in the graph. A Kind is registered once at
// startup (mirroring a module-level dataclass definition); a Transform is
// constructed once per graph node from caller-supplied field values.
package transform

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/kiln/pkg/hash"
	"github.com/cuemby/kiln/pkg/iface"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/medial"
	"github.com/cuemby/kiln/pkg/sandbox"
	"github.com/cuemby/kiln/pkg/tool"
)

// FieldDescriptor declares one field of a Kind: its direction, optional
// defaulting strategy, and optional environment-variable binding.
type FieldDescriptor struct {
	Name string
	Dir  iface.Direction

	// Default and DefaultFactory are mutually exclusive. Neither being set
	// on an input field means the caller must supply a value.
	Default        iface.Value
	DefaultFactory func() iface.Value

	// IsDir controls default-output-path generation for an
	// unspecified Out field with no Default/DefaultFactory: a path under
	// the workflow's scratch root is derived from (kind name, transform
	// instance id, field name).
	IsDir bool

	// Env exposes the field's resolved value as an environment variable;
	// empty means the field is not env-bound.
	Env       string
	EnvPolicy iface.EnvPolicy
}

// ExecuteFunc runs the transform's invocations given its resolved tool
// versions and field values, streaming each Invocation and stopping at the
// first error. The invocation channel is closed once every invocation has
// been sent, or immediately once the error channel receives a value.
type ExecuteFunc func(ctx context.Context, tools map[tool.ID]*tool.Version, values map[string]any) (<-chan sandbox.Invocation, <-chan error)

// Kind describes one transform type: its declared fields, required tools,
// and execution logic. Kinds are registered once via Register.
type Kind struct {
	Mod  string
	Name string

	Fields  []FieldDescriptor
	Tools   []tool.Require
	Execute ExecuteFunc

	// SourceFiles records the (path, mtime) pairs backing this kind's
	// registration, substituting for the runtime import-tree Go has no
	// equivalent of.
	SourceFiles map[string]time.Time
}

func (k *Kind) key() string { return k.Mod + "." + k.Name }

// Registry maps a (mod, name) pair to its registered Kind, populated by
// explicit registration at program startup rather than import side effects.
type Registry struct {
	mu    sync.Mutex
	kinds map[string]*Kind
}

// NewRegistry constructs an empty Kind registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Kind)}
}

// Register adds kind to the registry. Registering the same (mod, name)
// twice is an error.
func (r *Registry) Register(kind *Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := kind.key()
	if _, exists := r.kinds[key]; exists {
		return fmt.Errorf("transform: kind %q already registered", key)
	}
	r.kinds[key] = kind
	return nil
}

// Lookup finds a registered Kind by module and name.
func (r *Registry) Lookup(mod, name string) (*Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.kinds[mod+"."+name]
	return k, ok
}

type serialEntry struct {
	dir  iface.Direction
	spec iface.Spec
}

// Transform is one constructed instance of a Kind: a transform instance
// bound to resolved field values and the medials those values reference.
type Transform struct {
	kind *Kind
	id   string
	reg  *medial.Registry

	mu     sync.Mutex
	serial map[string]serialEntry
	cached *string
}

// SerialTransform is the JSON-serializable form of a Transform: enough to
// reconstruct its interfaces without re-running field resolution.
type SerialTransform struct {
	Mod    string                 `json:"mod"`
	Name   string                 `json:"name"`
	Ifaces map[string]iface.Spec  `json:"ifaces"`
	Dirs   map[string]iface.Direction `json:"dirs"`
}

// RunResult summarizes a completed Run.
type RunResult struct {
	RunTime time.Duration
}

// New constructs a Transform from kind, resolving each declared field from
// values (caller-supplied), falling back to Default, DefaultFactory, or (for
// an unspecified Out field) a scratch-path derived from (kind name,
// transform id, field name). An unspecified In field with no default is an
// error. Every resolved field is registered against reg so its medials bind
// to this transform as producer (Out) or consumer (In).
func New(kind *Kind, reg *medial.Registry, scratchRoot string, values map[string]iface.Value) (*Transform, error) {
	id := uuid.NewString()
	t := &Transform{kind: kind, id: id, reg: reg, serial: make(map[string]serialEntry, len(kind.Fields))}

	for _, fd := range kind.Fields {
		v, err := resolveFieldValue(kind, fd, id, scratchRoot, values)
		if err != nil {
			return nil, err
		}
		if fd.Env != "" {
			v = iface.EnvValue{Key: fd.Env, Val: v, Policy: fd.EnvPolicy, Wrap: false}
		}
		spec, err := v.Serialize()
		if err != nil {
			return nil, fmt.Errorf("transform: serializing field %q: %w", fd.Name, err)
		}
		t.serial[fd.Name] = serialEntry{dir: fd.Dir, spec: spec}

		for _, m := range iface.WalkMedials(spec, reg) {
			if fd.Dir.IsOutput() {
				if err := m.BindProducer(t); err != nil {
					return nil, fmt.Errorf("transform: field %q: %w", fd.Name, err)
				}
			} else {
				if err := m.BindConsumer(t); err != nil {
					return nil, fmt.Errorf("transform: field %q: %w", fd.Name, err)
				}
			}
		}
	}
	return t, nil
}

func resolveFieldValue(kind *Kind, fd FieldDescriptor, id, scratchRoot string, values map[string]iface.Value) (iface.Value, error) {
	if v, ok := values[fd.Name]; ok {
		return v, nil
	}
	if fd.Default != nil {
		return fd.Default, nil
	}
	if fd.DefaultFactory != nil {
		return fd.DefaultFactory(), nil
	}
	if fd.Dir.IsOutput() {
		path := filepath.Join(scratchRoot, kind.Name, id, fd.Name)
		return iface.NewHostPath(path, fd.IsDir), nil
	}
	return nil, fmt.Errorf("transform: field %q of %s has no value and no default", fd.Name, kind.key())
}

// ID returns this transform instance's unique identifier.
func (t *Transform) ID() string { return t.id }

// Serialize returns the JSON-serializable form of t's interfaces.
func (t *Transform) Serialize() (SerialTransform, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := SerialTransform{
		Mod:    t.kind.Mod,
		Name:   t.kind.Name,
		Ifaces: make(map[string]iface.Spec, len(t.serial)),
		Dirs:   make(map[string]iface.Direction, len(t.serial)),
	}
	for name, entry := range t.serial {
		st.Ifaces[name] = entry.spec
		st.Dirs[name] = entry.dir
	}
	return st, nil
}

// Deserialize reconstructs a Transform from a SerialTransform, looking up
// its Kind in kindReg and populating serial interfaces directly. Field
// resolution (defaults, medial binding) is bypassed, since a deserialized
// transform is used for inspection, not execution; medialReg supplies the
// medial identities its interfaces' WalkMedials calls resolve against (a
// fresh *medial.Registry is fine when the deserialized transform is not
// being reattached to a live graph, since such medials carry no producer
// binding and InputHash falls back to content-hashing each one).
func Deserialize(st SerialTransform, kindReg *Registry, medialReg *medial.Registry) (*Transform, error) {
	kind, ok := kindReg.Lookup(st.Mod, st.Name)
	if !ok {
		return nil, fmt.Errorf("transform: no registered kind for %s.%s", st.Mod, st.Name)
	}
	t := &Transform{kind: kind, id: uuid.NewString(), reg: medialReg, serial: make(map[string]serialEntry, len(st.Ifaces))}
	for name, spec := range st.Ifaces {
		t.serial[name] = serialEntry{dir: st.Dirs[name], spec: spec}
	}
	return t, nil
}

// OutputMedials returns the (field name, medial) pairs for every medial
// this transform's output fields reference, via reg's canonical instances.
// Used by pkg/cache to fetch/store a transform's outputs.
func (t *Transform) OutputMedials(reg *medial.Registry) []OutputMedial {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []OutputMedial
	for name, entry := range t.serial {
		if entry.dir.IsInput() {
			continue
		}
		for _, m := range iface.WalkMedials(entry.spec, reg) {
			out = append(out, OutputMedial{Field: name, Medial: m})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Medial.Val < out[j].Medial.Val
	})
	return out
}

// OutputMedial pairs an output field name with the medial it produces.
type OutputMedial struct {
	Field  string
	Medial *medial.Medial
}

// InputHash returns a hash over this transform's import identity and every
// input field's value and medial dependencies, in declaration order.
// Memoized after first computation.
func (t *Transform) InputHash(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.cached != nil {
		digest := *t.cached
		t.mu.Unlock()
		return digest, nil
	}
	t.mu.Unlock()

	importHash, err := hash.HashImportedPackage(t.kind.key(), t.kind.SourceFiles)
	if err != nil {
		return "", fmt.Errorf("transform: hashing import of %s: %w", t.kind.key(), err)
	}

	md5h := md5.New()
	md5h.Write([]byte(importHash))

	for _, fd := range t.kind.Fields {
		if fd.Dir.IsOutput() {
			continue
		}
		entry, ok := t.serial[fd.Name]
		if !ok {
			continue
		}
		md5h.Write([]byte(fd.Name))
		fieldHash, err := inputHashOfSpec(ctx, entry.spec, t.reg)
		if err != nil {
			return "", fmt.Errorf("transform: hashing field %q: %w", fd.Name, err)
		}
		md5h.Write([]byte(fieldHash))
	}

	digest := hex.EncodeToString(md5h.Sum(nil))
	t.mu.Lock()
	t.cached = &digest
	t.mu.Unlock()
	return digest, nil
}

func inputHashOfSpec(ctx context.Context, spec iface.Spec, reg *medial.Registry) (string, error) {
	md5h := md5.New()
	for _, token := range iface.WalkHashable(spec) {
		encoded, err := json.Marshal(token)
		if err != nil {
			return "", err
		}
		md5h.Write(encoded)
	}
	for _, m := range iface.WalkMedials(spec, reg) {
		digest, err := m.InputHash(ctx)
		if err != nil {
			return "", err
		}
		md5h.Write([]byte(digest))
	}
	return hex.EncodeToString(md5h.Sum(nil)), nil
}

// Run builds a sandbox, binds tools and fields, and dispatches every
// invocation the Kind's Execute function yields, aborting on the first
// non-zero exit code or error.
func (t *Transform) Run(ctx context.Context, roots tool.Roots, runtime sandbox.Runtime, reg *tool.Registry, opts ...sandbox.Option) (RunResult, error) {
	start := time.Now()
	logger := log.WithTransform(t.kind.key(), "")

	sbx := sandbox.New(roots, runtime, opts...)
	sbx.SetRegistry(reg)

	toolVersions := make(map[tool.ID]*tool.Version, len(t.kind.Tools))
	for _, req := range t.kind.Tools {
		v, err := req.Resolve(reg)
		if err != nil {
			return RunResult{}, fmt.Errorf("transform: resolving tool %s: %w", req.Tool, err)
		}
		if err := sbx.AddTool(v, true); err != nil {
			return RunResult{}, fmt.Errorf("transform: adding tool %s: %w", req.Tool, err)
		}
		toolVersions[v.Tool.ID] = v
	}

	t.mu.Lock()
	entries := make(map[string]serialEntry, len(t.serial))
	for k, v := range t.serial {
		entries[k] = v
	}
	t.mu.Unlock()

	values := make(map[string]any, len(entries))
	for name, entry := range entries {
		v, err := iface.Resolve(entry.spec, sbx, entry.dir)
		if err != nil {
			return RunResult{}, fmt.Errorf("transform: resolving field %q: %w", name, err)
		}
		values[name] = v
	}

	invocations, errs := t.kind.Execute(ctx, toolVersions, values)
	for {
		select {
		case inv, ok := <-invocations:
			if !ok {
				invocations = nil
				continue
			}
			exitCode, err := sbx.Invoke(ctx, inv)
			if err != nil {
				return RunResult{}, fmt.Errorf("transform: invocation failed: %w", err)
			}
			if exitCode != 0 {
				return RunResult{}, fmt.Errorf("transform: invocation exited %d", exitCode)
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return RunResult{}, fmt.Errorf("transform: execute: %w", err)
			}
			errs = nil
		}
		if invocations == nil && errs == nil {
			break
		}
	}

	elapsed := time.Since(start)
	logger.Info().Dur("run_time", elapsed).Msg("transform complete")
	return RunResult{RunTime: elapsed}, nil
}
