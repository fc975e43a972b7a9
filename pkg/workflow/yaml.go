package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/kiln/pkg/iface"
)

// YAMLBridge is the default Bridge: one kiln.yaml-shaped document per config
// file, read eagerly at construction time. ConfigFilter/TransformFilter
// default to accepting everything; set AcceptConfig/AcceptTransform to
// narrow either pass, mirroring the CLI's `--target`-style scoping.
type YAMLBridge struct {
	configs []*Config

	AcceptConfig    func(cfg *Config) bool
	AcceptTransform func(t *TransformSpec, cfg *Config) bool
}

// configDoc is the on-disk shape of one kiln.yaml file.
type configDoc struct {
	Name       string         `yaml:"name"`
	Transforms []transformDoc `yaml:"transforms"`
}

type transformDoc struct {
	ID        string                   `yaml:"id"`
	Mod       string                   `yaml:"mod"`
	Name      string                   `yaml:"name"`
	DependsOn []string                 `yaml:"depends_on"`
	Fields    map[string]fieldValueDoc `yaml:"fields"`
}

// fieldValueDoc decodes one field's declared value. Exactly one of Path,
// Const, List, Dict, or Env should be set; List/Dict/Env may nest further
// fieldValueDoc values for list/dict elements and env values.
type fieldValueDoc struct {
	Path  *string                  `yaml:"path"`
	IsDir bool                     `yaml:"is_dir"`
	Const yaml.Node                `yaml:"const"`
	List  []fieldValueDoc          `yaml:"list"`
	Dict  map[string]fieldValueDoc `yaml:"dict"`
	Env   *envValueDoc             `yaml:"env"`
}

type envValueDoc struct {
	Key    string        `yaml:"key"`
	Val    fieldValueDoc `yaml:"val"`
	Policy string        `yaml:"policy"`
}

// NewYAMLBridge reads and parses every path in paths into a Config, in
// order. A parse or decode failure aborts construction.
func NewYAMLBridge(paths []string) (*YAMLBridge, error) {
	b := &YAMLBridge{}
	for _, p := range paths {
		cfg, err := loadConfigFile(p)
		if err != nil {
			return nil, fmt.Errorf("workflow: loading %s: %w", p, err)
		}
		b.configs = append(b.configs, cfg)
	}
	return b, nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc configDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("config is missing required \"name\" field")
	}

	cfg := &Config{Name: doc.Name}
	for _, td := range doc.Transforms {
		if td.ID == "" || td.Mod == "" || td.Name == "" {
			return nil, fmt.Errorf("transform in config %q missing id/mod/name", doc.Name)
		}
		fields := make(map[string]iface.Value, len(td.Fields))
		for name, fv := range td.Fields {
			v, err := decodeFieldValue(fv)
			if err != nil {
				return nil, fmt.Errorf("config %q: transform %q: field %q: %w", doc.Name, td.ID, name, err)
			}
			fields[name] = v
		}
		cfg.Transforms = append(cfg.Transforms, &TransformSpec{
			ID:        td.ID,
			Mod:       td.Mod,
			Name:      td.Name,
			Fields:    fields,
			DependsOn: td.DependsOn,
		})
	}
	return cfg, nil
}

func decodeFieldValue(fv fieldValueDoc) (iface.Value, error) {
	switch {
	case fv.Path != nil:
		return iface.NewHostPath(*fv.Path, fv.IsDir), nil
	case fv.Env != nil:
		inner, err := decodeFieldValue(fv.Env.Val)
		if err != nil {
			return nil, err
		}
		return iface.EnvValue{Key: fv.Env.Key, Val: inner, Policy: iface.EnvPolicy(fv.Env.Policy)}, nil
	case len(fv.List) > 0:
		items := make([]iface.Value, len(fv.List))
		for i, item := range fv.List {
			v, err := decodeFieldValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return iface.ListValue{Items: items}, nil
	case len(fv.Dict) > 0:
		items := make(map[string]iface.Value, len(fv.Dict))
		for k, item := range fv.Dict {
			v, err := decodeFieldValue(item)
			if err != nil {
				return nil, err
			}
			items[k] = v
		}
		return iface.DictValue{Items: items}, nil
	case fv.Const.Kind != 0:
		var val any
		if err := fv.Const.Decode(&val); err != nil {
			return nil, fmt.Errorf("decoding const value: %w", err)
		}
		return iface.ConstValue{Val: val}, nil
	default:
		return nil, fmt.Errorf("field declares no path/const/list/dict/env value")
	}
}

func (b *YAMLBridge) IterConfig() ([]*Config, error) { return b.configs, nil }

func (b *YAMLBridge) IterTransforms(cfg *Config) ([]*TransformSpec, error) {
	return cfg.Transforms, nil
}

func (b *YAMLBridge) ConfigFilter(cfg *Config) bool {
	if b.AcceptConfig == nil {
		return true
	}
	return b.AcceptConfig(cfg)
}

func (b *YAMLBridge) TransformFilter(t *TransformSpec, cfg *Config) bool {
	if b.AcceptTransform == nil {
		return true
	}
	return b.AcceptTransform(t, cfg)
}
