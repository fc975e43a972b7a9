package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kiln/pkg/medial"
	"github.com/cuemby/kiln/pkg/sandbox"
	"github.com/cuemby/kiln/pkg/tool"
	"github.com/cuemby/kiln/pkg/transform"
)

type fakeBridge struct {
	configs         []*Config
	rejectConfig    string
	rejectTransform string
}

func (f *fakeBridge) IterConfig() ([]*Config, error) { return f.configs, nil }
func (f *fakeBridge) IterTransforms(cfg *Config) ([]*TransformSpec, error) {
	return cfg.Transforms, nil
}
func (f *fakeBridge) ConfigFilter(cfg *Config) bool { return cfg.Name != f.rejectConfig }
func (f *fakeBridge) TransformFilter(t *TransformSpec, cfg *Config) bool {
	return t.ID != f.rejectTransform
}

func noopKind(mod, name string) *transform.Kind {
	return &transform.Kind{
		Mod:         mod,
		Name:        name,
		SourceFiles: map[string]time.Time{"k.go": time.Unix(1, 0)},
		Execute: func(ctx context.Context, tools map[tool.ID]*tool.Version, values map[string]any) (<-chan sandbox.Invocation, <-chan error) {
			invCh := make(chan sandbox.Invocation)
			errCh := make(chan error)
			close(invCh)
			close(errCh)
			return invCh, errCh
		},
	}
}

func TestBuildGraphWiresDependenciesByDeclaredID(t *testing.T) {
	kinds := transform.NewRegistry()
	require.NoError(t, kinds.Register(noopKind("kiln.test", "A")))
	require.NoError(t, kinds.Register(noopKind("kiln.test", "B")))

	b := &fakeBridge{configs: []*Config{
		{
			Name: "unit",
			Transforms: []*TransformSpec{
				{ID: "a", Mod: "kiln.test", Name: "A"},
				{ID: "b", Mod: "kiln.test", Name: "B", DependsOn: []string{"a"}},
			},
		},
	}}

	reg := medial.NewRegistry()
	g, err := BuildGraph(b, kinds, reg, t.TempDir())
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)

	var aID, bID string
	for id, tr := range g.Nodes {
		st, err := tr.Serialize()
		require.NoError(t, err)
		if st.Name == "A" {
			aID = id
		} else if st.Name == "B" {
			bID = id
		}
	}
	require.NotEmpty(t, aID)
	require.NotEmpty(t, bID)
	assert.Equal(t, []string{aID}, g.Deps[bID])
}

func TestBuildGraphSkipsFilteredConfigsAndTransforms(t *testing.T) {
	kinds := transform.NewRegistry()
	require.NoError(t, kinds.Register(noopKind("kiln.test", "A")))

	b := &fakeBridge{
		rejectConfig:    "excluded",
		rejectTransform: "b",
		configs: []*Config{
			{Name: "excluded", Transforms: []*TransformSpec{{ID: "a", Mod: "kiln.test", Name: "A"}}},
			{Name: "included", Transforms: []*TransformSpec{
				{ID: "a", Mod: "kiln.test", Name: "A"},
				{ID: "b", Mod: "kiln.test", Name: "A"},
			}},
		},
	}

	reg := medial.NewRegistry()
	g, err := BuildGraph(b, kinds, reg, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)
}

func TestBuildGraphErrorsOnUnregisteredKind(t *testing.T) {
	kinds := transform.NewRegistry()
	b := &fakeBridge{configs: []*Config{
		{Name: "unit", Transforms: []*TransformSpec{{ID: "a", Mod: "kiln.test", Name: "Missing"}}},
	}}

	reg := medial.NewRegistry()
	_, err := BuildGraph(b, kinds, reg, t.TempDir())
	assert.Error(t, err)
}

func TestBuildGraphErrorsOnUnknownDependency(t *testing.T) {
	kinds := transform.NewRegistry()
	require.NoError(t, kinds.Register(noopKind("kiln.test", "A")))
	b := &fakeBridge{configs: []*Config{
		{Name: "unit", Transforms: []*TransformSpec{
			{ID: "a", Mod: "kiln.test", Name: "A", DependsOn: []string{"ghost"}},
		}},
	}}

	reg := medial.NewRegistry()
	_, err := BuildGraph(b, kinds, reg, t.TempDir())
	assert.Error(t, err)
}
