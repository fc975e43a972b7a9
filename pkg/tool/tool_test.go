package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToolSingleVersionAutoDefault(t *testing.T) {
	tl, err := NewTool(ID{Vendor: "acme", Name: "bash"}, []*Version{
		{VersionString: "1.0"},
	})
	require.NoError(t, err)
	def, err := tl.Default()
	require.NoError(t, err)
	assert.Equal(t, "1.0", def.VersionString)
}

func TestNewToolRequiresExactlyOneDefault(t *testing.T) {
	_, err := NewTool(ID{Vendor: "acme", Name: "bash"}, []*Version{
		{VersionString: "1.0"},
		{VersionString: "2.0"},
	})
	assert.Error(t, err)

	_, err = NewTool(ID{Vendor: "acme", Name: "bash"}, []*Version{
		{VersionString: "1.0", Default_: true},
		{VersionString: "2.0", Default_: true},
	})
	assert.Error(t, err)

	tl, err := NewTool(ID{Vendor: "acme", Name: "bash"}, []*Version{
		{VersionString: "1.0", Default_: true},
		{VersionString: "2.0"},
	})
	require.NoError(t, err)
	def, err := tl.Default()
	require.NoError(t, err)
	assert.Equal(t, "1.0", def.VersionString)
}

func TestNewToolRejectsDuplicateVersions(t *testing.T) {
	_, err := NewTool(ID{Vendor: "acme", Name: "bash"}, []*Version{
		{VersionString: "1.0", Default_: true},
		{VersionString: "1.0"},
	})
	assert.Error(t, err)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	tl, err := NewTool(ID{Vendor: "acme", Name: "bash"}, []*Version{{VersionString: "1.0"}})
	require.NoError(t, err)
	require.NoError(t, reg.Register(tl))

	found, ok := reg.Lookup(ID{Vendor: "acme", Name: "bash"})
	require.True(t, ok)
	assert.Same(t, tl, found)

	assert.Error(t, reg.Register(tl), "re-registering the same ID is an error")
}

func TestResolveRequirementsDetectsVersionClash(t *testing.T) {
	reg := NewRegistry()
	base, err := NewTool(ID{Vendor: "acme", Name: "base"}, []*Version{
		{VersionString: "1.0", Default_: true},
		{VersionString: "2.0"},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(base))

	top := &Version{
		VersionString: "1.0",
		Requires: []Require{
			{Tool: ID{Vendor: "acme", Name: "base"}, Version: "1.0"},
		},
	}
	_, err = NewTool(ID{Vendor: "acme", Name: "top"}, []*Version{top})
	require.NoError(t, err)

	resolved, err := top.ResolveRequirements(reg)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "1.0", resolved[0].VersionString)

	// Requiring the same tool at two different versions is a clash.
	clashing := &Version{
		VersionString: "1.0",
		Requires: []Require{
			{Tool: ID{Vendor: "acme", Name: "base"}, Version: "1.0"},
			{Tool: ID{Vendor: "acme", Name: "base"}, Version: "2.0"},
		},
	}
	_, err = clashing.ResolveRequirements(reg)
	assert.Error(t, err)
}

func TestSelectVersionOverridesDefault(t *testing.T) {
	reg := NewRegistry()
	tl, _ := NewTool(ID{Vendor: "acme", Name: "bash"}, []*Version{
		{VersionString: "1.0"},
		{VersionString: "2.0", Default_: true},
	})
	require.NoError(t, reg.Register(tl))

	require.NoError(t, reg.SelectVersion(ID{Vendor: "acme", Name: "bash"}, "1.0"))
	def, err := tl.Default()
	require.NoError(t, err)
	assert.Equal(t, "1.0", def.VersionString)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("acme/bash")
	require.NoError(t, err)
	assert.Equal(t, ID{Vendor: "acme", Name: "bash"}, id)

	_, err = ParseID("invalid")
	assert.Error(t, err)
}
