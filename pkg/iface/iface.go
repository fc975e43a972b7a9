// Package iface implements the value model passed across a transform's
// input/output fields: constants, lists, dicts, sandbox paths, and
// environment variable bindings. Every Value serializes to a single tagged
// Spec struct so a transform's interfaces round-trip through JSON, and every
// Spec can be resolved against a live sandbox, walked for the medials it
// references, or walked for the subset of itself that participates in a
// transform's input hash.
package iface

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/kiln/pkg/medial"
	"github.com/cuemby/kiln/pkg/sandbox"
)

// Direction identifies whether an interface value is bound into a sandbox
// as an input (read-only) or produced as an output (read-write).
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) IsInput() bool  { return d == In }
func (d Direction) IsOutput() bool { return d == Out }

// EnvPolicy controls what happens when an EnvValue's key is already set in
// the sandbox environment.
type EnvPolicy string

const (
	EnvAppend   EnvPolicy = "APPEND"
	EnvPrepend  EnvPolicy = "PREPEND"
	EnvReplace  EnvPolicy = "REPLACE"
	EnvConflict EnvPolicy = "CONFLICT"
)

// Spec is the JSON-serializable form of a Value, discriminated by Typ.
// Only the fields relevant to Typ are populated.
type Spec struct {
	Typ string `json:"typ"`

	// const
	Const any `json:"val,omitempty"`

	// list / dict
	List []Spec          `json:"list,omitempty"`
	Dict map[string]Spec `json:"dict,omitempty"`

	// path
	Host  *string `json:"host,omitempty"`
	Cont  *string `json:"cont,omitempty"`
	IsDir bool    `json:"is_dir,omitempty"`

	// env
	Key    string    `json:"key,omitempty"`
	EnvVal *Spec     `json:"env_val,omitempty"`
	Policy EnvPolicy `json:"policy,omitempty"`
	Wrap   bool      `json:"wrap,omitempty"`
}

// Value is anything that can appear as a transform field value.
type Value interface {
	Serialize() (Spec, error)
}

// ConstValue wraps a JSON-marshalable literal: string, number, bool, nil,
// or a nested []any/map[string]any built from the same.
type ConstValue struct {
	Val any
}

func (c ConstValue) Serialize() (Spec, error) {
	return Spec{Typ: "const", Const: c.Val}, nil
}

// ListValue is an ordered sequence of values. Serialize downgrades to a
// ConstValue-shaped Spec when every element is itself constant.
type ListValue struct {
	Items []Value
}

func (l ListValue) Serialize() (Spec, error) {
	serialized := make([]Spec, len(l.Items))
	allConst := true
	constVals := make([]any, len(l.Items))
	for i, item := range l.Items {
		s, err := item.Serialize()
		if err != nil {
			return Spec{}, err
		}
		serialized[i] = s
		if s.Typ != "const" {
			allConst = false
		} else {
			constVals[i] = s.Const
		}
	}
	if allConst {
		return Spec{Typ: "const", Const: constVals}, nil
	}
	return Spec{Typ: "list", List: serialized}, nil
}

// DictValue is a string-keyed map of values. Serialize downgrades to a
// ConstValue-shaped Spec when every value is itself constant.
type DictValue struct {
	Items map[string]Value
}

func (d DictValue) Serialize() (Spec, error) {
	serialized := make(map[string]Spec, len(d.Items))
	allConst := true
	constVals := make(map[string]any, len(d.Items))
	for k, v := range d.Items {
		s, err := v.Serialize()
		if err != nil {
			return Spec{}, err
		}
		serialized[k] = s
		if s.Typ != "const" {
			allConst = false
		} else {
			constVals[k] = s.Const
		}
	}
	if allConst {
		return Spec{Typ: "const", Const: constVals}, nil
	}
	return Spec{Typ: "dict", Dict: serialized}, nil
}

// PathValue binds a host filesystem path, a container path, or both. At
// least one of Host/Cont must be set. When only Host is set the container
// path is derived at resolve time via Sandbox.MapToContainer. When only
// Cont is set no bind is performed and the value is exposed as-is (for a
// parent directory already bound by another field).
type PathValue struct {
	Host  *string
	Cont  *string
	IsDir bool
}

// NewHostPath builds a PathValue bound from a host-side path.
func NewHostPath(host string, isDir bool) PathValue {
	return PathValue{Host: &host, IsDir: isDir}
}

// NewContainerPath builds a PathValue that exposes a container path without
// binding it.
func NewContainerPath(cont string) PathValue {
	return PathValue{Cont: &cont}
}

func (p PathValue) Serialize() (Spec, error) {
	if p.Host == nil && p.Cont == nil {
		return Spec{}, fmt.Errorf("iface: path value must set host, container, or both")
	}

	spec := Spec{Typ: "path", IsDir: p.IsDir}
	if p.Host != nil {
		if !filepath.IsAbs(*p.Host) {
			return Spec{}, fmt.Errorf("iface: interface paths must be absolute, got %q", *p.Host)
		}
		resolved, err := filepath.EvalSymlinks(*p.Host)
		if err != nil {
			// The path may not exist yet (a not-yet-produced output); fall
			// back to lexical cleaning.
			resolved = filepath.Clean(*p.Host)
		}
		spec.Host = &resolved
	}
	if p.Cont != nil {
		if !filepath.IsAbs(*p.Cont) {
			return Spec{}, fmt.Errorf("iface: interface paths must be absolute, got %q", *p.Cont)
		}
		cont := filepath.Clean(*p.Cont)
		spec.Cont = &cont
	}
	return spec, nil
}

// EnvValue exposes val as the sandbox environment variable key, applying
// policy if the variable is already set. When wrap is true, Resolve returns
// the EnvValue itself rather than the bare resolved value, so a field typed
// as EnvValue gets one back.
type EnvValue struct {
	Key    string
	Val    Value
	Policy EnvPolicy
	Wrap   bool
}

func (e EnvValue) Serialize() (Spec, error) {
	inner, err := e.Val.Serialize()
	if err != nil {
		return Spec{}, err
	}
	policy := e.Policy
	if policy == "" {
		policy = EnvConflict
	}
	return Spec{Typ: "env", Key: e.Key, EnvVal: &inner, Policy: policy, Wrap: e.Wrap}, nil
}

// FromJSON parses spec to its structured form, since a Spec already carries
// its discriminator and nested Specs decode recursively via encoding/json.
func FromJSON(data []byte) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("iface: decoding spec: %w", err)
	}
	return s, nil
}

// Resolve binds spec's value into sbx (for path/env types) and returns the
// plain Go value a transform field sees at run time.
func Resolve(spec Spec, sbx *sandbox.Sandbox, dir Direction) (any, error) {
	switch spec.Typ {
	case "const":
		return spec.Const, nil
	case "list":
		out := make([]any, len(spec.List))
		for i, item := range spec.List {
			v, err := Resolve(item, sbx, dir)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "dict":
		out := make(map[string]any, len(spec.Dict))
		for k, item := range spec.Dict {
			v, err := Resolve(item, sbx, dir)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case "path":
		return resolvePath(spec, sbx, dir)
	case "env":
		return resolveEnv(spec, sbx, dir)
	default:
		return nil, fmt.Errorf("iface: invalid interface type %q", spec.Typ)
	}
}

func resolvePath(spec Spec, sbx *sandbox.Sandbox, dir Direction) (string, error) {
	if spec.Host != nil {
		var contPath string
		if spec.Cont != nil {
			contPath = *spec.Cont
		} else {
			mapped, err := sbx.MapToContainer(*spec.Host)
			if err != nil {
				return "", fmt.Errorf("iface: mapping host path %q to container: %w", *spec.Host, err)
			}
			contPath = mapped
		}
		readonly := dir.IsInput()
		if spec.IsDir {
			if err := sbx.Bind(*spec.Host, contPath, readonly, true); err != nil {
				return "", err
			}
		} else {
			if err := sbx.Bind(filepath.Dir(*spec.Host), filepath.Dir(contPath), readonly, true); err != nil {
				return "", err
			}
		}
		return contPath, nil
	}
	if spec.Cont == nil {
		return "", fmt.Errorf("iface: path value has neither host nor container path")
	}
	return *spec.Cont, nil
}

func resolveEnv(spec Spec, sbx *sandbox.Sandbox, dir Direction) (any, error) {
	if spec.EnvVal == nil {
		return nil, fmt.Errorf("iface: env value missing inner value")
	}
	resolved, err := Resolve(*spec.EnvVal, sbx, dir)
	if err != nil {
		return nil, err
	}

	policy := spec.Policy
	if policy == "" {
		policy = EnvConflict
	}

	items, isList := resolved.([]any)
	if !isList {
		items = []any{resolved}
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		value := fmt.Sprintf("%v", item)
		switch policy {
		case EnvAppend:
			if err := sbx.AppendEnvPath(spec.Key, value); err != nil {
				return nil, err
			}
		case EnvPrepend:
			if err := sbx.PrependEnvPath(spec.Key, value); err != nil {
				return nil, err
			}
		case EnvReplace:
			if err := sbx.SetEnv(spec.Key, value); err != nil {
				return nil, err
			}
		case EnvConflict:
			if existing, ok := sbx.GetEnv(spec.Key); ok && existing != value {
				return nil, fmt.Errorf("%w: %s already set to %q, wanted %q", sandbox.ErrEnvConflict, spec.Key, existing, value)
			}
			if err := sbx.SetEnv(spec.Key, value); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("iface: invalid env policy %q", policy)
		}
	}

	if spec.Wrap {
		return EnvValue{Key: spec.Key, Val: ConstValue{Val: resolved}, Policy: policy, Wrap: true}, nil
	}
	return resolved, nil
}

// WalkMedials returns every medial referenced by spec's path values,
// resolved to the registry's canonical instances so producer/consumer
// binding is consistent across transforms that share a value.
func WalkMedials(spec Spec, reg *medial.Registry) []*medial.Medial {
	switch spec.Typ {
	case "list":
		var out []*medial.Medial
		for _, item := range spec.List {
			out = append(out, WalkMedials(item, reg)...)
		}
		return out
	case "dict":
		keys := make([]string, 0, len(spec.Dict))
		for k := range spec.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []*medial.Medial
		for _, k := range keys {
			out = append(out, WalkMedials(spec.Dict[k], reg)...)
		}
		return out
	case "env":
		if spec.EnvVal == nil {
			return nil
		}
		return WalkMedials(*spec.EnvVal, reg)
	case "path":
		if spec.Host != nil {
			return []*medial.Medial{reg.Get(*spec.Host)}
		}
		return nil
	default:
		return nil
	}
}

// WalkHashable returns the subset of spec that participates in a hash:
// everything except the literal host/container path strings, which are
// scratch-derived and would otherwise make every run's hash unique even
// when nothing meaningful changed.
func WalkHashable(spec Spec) []any {
	switch spec.Typ {
	case "const":
		return []any{spec.Const}
	case "list":
		var out []any
		for _, item := range spec.List {
			out = append(out, WalkHashable(item)...)
		}
		return append(out, map[string]any{"typ": "list"})
	case "dict":
		keys := make([]string, 0, len(spec.Dict))
		for k := range spec.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []any
		for _, k := range keys {
			out = append(out, k)
			out = append(out, WalkHashable(spec.Dict[k])...)
		}
		return append(out, map[string]any{"typ": "dict"})
	case "path":
		return []any{map[string]any{
			"typ":    "path",
			"host":   spec.Host != nil,
			"cont":   spec.Cont != nil,
			"is_dir": spec.IsDir,
		}}
	case "env":
		var out []any
		if spec.EnvVal != nil {
			out = append(out, WalkHashable(*spec.EnvVal)...)
		}
		return append(out, map[string]any{
			"typ":    "env",
			"key":    spec.Key,
			"policy": spec.Policy,
			"wrap":   spec.Wrap,
		})
	default:
		return nil
	}
}
