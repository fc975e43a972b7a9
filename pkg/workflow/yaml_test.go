package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kiln/pkg/iface"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestYAMLBridgeParsesTransformsAndDependencies(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "kiln.yaml", `
name: example
transforms:
  - id: compile
    mod: kiln.example
    name: Compile
    fields:
      src:
        path: /abs/src.c
      flags:
        list:
          - const: -O2
          - const: -Wall
      mode:
        const: release
  - id: link
    mod: kiln.example
    name: Link
    depends_on: [compile]
    fields:
      out:
        path: /abs/out.bin
        is_dir: false
`)

	b, err := NewYAMLBridge([]string{p})
	require.NoError(t, err)

	configs, err := b.IterConfig()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "example", configs[0].Name)

	specs, err := b.IterTransforms(configs[0])
	require.NoError(t, err)
	require.Len(t, specs, 2)

	var compile, link *TransformSpec
	for _, s := range specs {
		switch s.ID {
		case "compile":
			compile = s
		case "link":
			link = s
		}
	}
	require.NotNil(t, compile)
	require.NotNil(t, link)

	assert.Equal(t, []string{"compile"}, link.DependsOn)

	srcVal, ok := compile.Fields["src"].(iface.PathValue)
	require.True(t, ok)
	require.NotNil(t, srcVal.Host)
	assert.Equal(t, "/abs/src.c", *srcVal.Host)

	flagsVal, ok := compile.Fields["flags"].(iface.ListValue)
	require.True(t, ok)
	require.Len(t, flagsVal.Items, 2)
}

func TestYAMLBridgeRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "bad.yaml", "transforms: []\n")
	_, err := NewYAMLBridge([]string{p})
	assert.Error(t, err)
}

func TestYAMLBridgeRejectsTransformMissingFields(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "bad2.yaml", `
name: example
transforms:
  - id: broken
    mod: kiln.example
`)
	_, err := NewYAMLBridge([]string{p})
	assert.Error(t, err)
}

func TestConfigFilterAndTransformFilterDefaultToAcceptAll(t *testing.T) {
	b := &YAMLBridge{configs: []*Config{{Name: "a"}}}
	assert.True(t, b.ConfigFilter(b.configs[0]))
	assert.True(t, b.TransformFilter(&TransformSpec{ID: "x"}, b.configs[0]))
}

func TestConfigFilterCanExcludeConfigs(t *testing.T) {
	b := &YAMLBridge{
		configs:      []*Config{{Name: "keep"}, {Name: "drop"}},
		AcceptConfig: func(cfg *Config) bool { return cfg.Name == "keep" },
	}
	assert.True(t, b.ConfigFilter(b.configs[0]))
	assert.False(t, b.ConfigFilter(b.configs[1]))
}
