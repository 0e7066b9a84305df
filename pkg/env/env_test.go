package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malyn/groundcontrol/pkg/lifecycle"
)

func TestResolveInheritsEverythingWhenOnlyEnvAbsent(t *testing.T) {
	ambient := Map{"PATH": "/bin", "USER": "ada", "SECRET": "s3kr3t"}
	got := Resolve(ambient, nil, false)
	assert.Equal(t, ambient, got)
}

func TestResolveEmptyOnlyEnvKeepsOnlyPath(t *testing.T) {
	ambient := Map{"PATH": "/bin", "USER": "ada"}
	got := Resolve(ambient, nil, true)
	assert.Equal(t, Map{"PATH": "/bin"}, got)
}

func TestResolveFiltersToAllowList(t *testing.T) {
	ambient := Map{"PATH": "/bin", "USER": "ada", "HOME": "/home/ada"}
	got := Resolve(ambient, []string{"HOME"}, true)
	assert.Equal(t, Map{"PATH": "/bin", "HOME": "/home/ada"}, got)
}

func TestResolveOmitsPathWhenAmbientHasNone(t *testing.T) {
	ambient := Map{"USER": "ada"}
	got := Resolve(ambient, nil, true)
	assert.Equal(t, Map{}, got)
}

func TestExpandArgvReplacesKnownVar(t *testing.T) {
	ambient := Map{"USER": "ada"}
	out, err := ExpandArgv([]string{"echo", "hello {{USER}}"}, ambient)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello ada"}, out)
}

func TestExpandArgvToleratesInnerWhitespace(t *testing.T) {
	ambient := Map{"USER": "ada"}
	out, err := ExpandArgv([]string{"{{  USER  }}"}, ambient)
	require.NoError(t, err)
	assert.Equal(t, []string{"ada"}, out)
}

func TestExpandArgvBypassesFilter(t *testing.T) {
	// Expansion reads the ambient (unfiltered) env even though a
	// caller would resolve the effective env with SECRET filtered out.
	ambient := Map{"PATH": "/bin", "SECRET": "s3kr3t"}
	filtered := Resolve(ambient, []string{}, true)
	_, stillThere := filtered["SECRET"]
	assert.False(t, stillThere)

	out, err := ExpandArgv([]string{"--token={{SECRET}}"}, ambient)
	require.NoError(t, err)
	assert.Equal(t, []string{"--token=s3kr3t"}, out)
}

func TestExpandArgvFailsOnUnknownVar(t *testing.T) {
	_, err := ExpandArgv([]string{"{{MISSING}}"}, Map{})
	require.Error(t, err)
	var unknown *lifecycle.UnknownEnvVarError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, "MISSING", unknown.Name)
}

func TestToMapAndBackRoundTrips(t *testing.T) {
	m := ToMap([]string{"A=1", "B=two=three"})
	assert.Equal(t, "1", m["A"])
	assert.Equal(t, "two=three", m["B"])
	assert.Equal(t, m, ToMap(m.ToEnviron()))
}
