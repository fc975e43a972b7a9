// Package workflow implements the config/workflow bridge external
// collaborator (§6): a pluggable surface the core iterates to discover
// configs and the transforms each one declares, then binds into a
// *scheduler.Graph. The default implementation reads a YAML file per config,
// grounded on the shape original_source/blockwork/config/config.py's Config
// object exposes to the core, adapted to Go's static Kind registry instead of
// Python's import-time transform registration.
package workflow

import (
	"fmt"

	"github.com/cuemby/kiln/pkg/iface"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/medial"
	"github.com/cuemby/kiln/pkg/scheduler"
	"github.com/cuemby/kiln/pkg/transform"
)

// Config is one unit of configuration a Bridge yields: a named scope
// (typically one YAML file, mirroring one "unit" in the original) holding
// the transform declarations belonging to it.
type Config struct {
	Name       string
	Transforms []*TransformSpec
}

// TransformSpec is one declared transform within a Config: enough to look up
// its registered Kind, resolve its field values, and wire its dependency
// edges to sibling transforms by their declared IDs.
type TransformSpec struct {
	ID        string
	Mod       string
	Name      string
	Fields    map[string]iface.Value
	DependsOn []string
}

// Bridge is the injected config/workflow surface from §6: `iter_config`,
// `iter_transforms`, `config_filter`, `transform_filter`, named in Go's
// exported-method-casing convention.
type Bridge interface {
	IterConfig() ([]*Config, error)
	IterTransforms(cfg *Config) ([]*TransformSpec, error)
	ConfigFilter(cfg *Config) bool
	TransformFilter(t *TransformSpec, cfg *Config) bool
}

// BuildGraph iterates b's full surface (configs, then transforms per
// config, each filtered) and constructs a scheduler.Graph: one
// *transform.Transform per surviving TransformSpec, looked up in kinds and
// constructed via transform.New against reg, with dependency edges resolved
// from each spec's DependsOn list within the same config.
func BuildGraph(b Bridge, kinds *transform.Registry, reg *medial.Registry, scratchRoot string) (*scheduler.Graph, error) {
	logger := log.WithComponent("workflow")
	g := scheduler.NewGraph()

	configs, err := b.IterConfig()
	if err != nil {
		return nil, fmt.Errorf("workflow: iterating configs: %w", err)
	}

	for _, cfg := range configs {
		if !b.ConfigFilter(cfg) {
			logger.Debug().Str("config", cfg.Name).Msg("config filtered out")
			continue
		}

		specs, err := b.IterTransforms(cfg)
		if err != nil {
			return nil, fmt.Errorf("workflow: iterating transforms of %q: %w", cfg.Name, err)
		}

		idToInstance := make(map[string]string, len(specs))
		var kept []*TransformSpec
		for _, spec := range specs {
			if !b.TransformFilter(spec, cfg) {
				logger.Debug().Str("config", cfg.Name).Str("transform", spec.ID).Msg("transform filtered out")
				continue
			}
			kind, ok := kinds.Lookup(spec.Mod, spec.Name)
			if !ok {
				return nil, fmt.Errorf("workflow: config %q: no registered kind for %s.%s", cfg.Name, spec.Mod, spec.Name)
			}
			tr, err := transform.New(kind, reg, scratchRoot, spec.Fields)
			if err != nil {
				return nil, fmt.Errorf("workflow: config %q: constructing %s: %w", cfg.Name, spec.ID, err)
			}
			idToInstance[spec.ID] = tr.ID()
			kept = append(kept, spec)
			g.Nodes[tr.ID()] = tr
		}

		for _, spec := range kept {
			instanceID := idToInstance[spec.ID]
			deps := make([]string, 0, len(spec.DependsOn))
			for _, depID := range spec.DependsOn {
				depInstance, ok := idToInstance[depID]
				if !ok {
					return nil, fmt.Errorf("workflow: config %q: transform %q depends on unknown transform %q", cfg.Name, spec.ID, depID)
				}
				deps = append(deps, depInstance)
			}
			g.Deps[instanceID] = append(g.Deps[instanceID], deps...)
		}
	}

	return g, nil
}
