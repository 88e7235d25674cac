package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportKind_LabelsRoundTrip(t *testing.T) {
	for _, kind := range ImportKinds() {
		t.Run(kind.String(), func(t *testing.T) {
			parsed, err := ParseImportKind(kind.String())
			require.NoError(t, err)
			assert.Equal(t, kind, parsed)
		})
	}
}

func TestParseImportKind_Unknown(t *testing.T) {
	_, err := ParseImportKind("side-effect")
	assert.ErrorContains(t, err, `unknown import kind "side-effect"`)
}

func TestImportKind_StringOutOfRange(t *testing.T) {
	assert.Equal(t, "import-kind(42)", ImportKind(42).String())
}

func TestHookResolveIDOutput_Resolve(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name            string
		external        *bool
		defaultExternal bool
		want            bool
	}{
		{"UnsetInheritsFalse", nil, false, false},
		{"UnsetInheritsTrue", nil, true, true},
		{"ExplicitTrueWins", &yes, false, true},
		{"ExplicitFalseWins", &no, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HookResolveIDOutput{ID: "/src/a.js", External: tt.external}.Resolve(tt.defaultExternal)
			assert.Equal(t, ResolvedID{ID: "/src/a.js", External: tt.want}, got)
		})
	}
}

func TestModuleSource_Apply(t *testing.T) {
	rec := &ModuleSource{ID: "m", Code: "original"}

	rec.Apply(HookLoadOutput{Code: "loaded"})
	assert.Equal(t, "loaded", rec.Code)
	assert.Empty(t, rec.Maps)

	sm := &SourceMap{Mappings: "AAAA", Sources: []string{"m.ts"}}
	rec.Apply(HookLoadOutput{Code: "transformed", Map: sm})
	assert.Equal(t, "transformed", rec.Code)
	require.Len(t, rec.Maps, 1)
	assert.Same(t, sm, rec.Maps[0])
}

func TestSourceMap_OriginalPosition(t *testing.T) {
	sm := &SourceMap{
		File:     "out.js",
		Mappings: "AAAA",
		Sources:  []string{"in.ts"},
		Names:    []string{},
	}

	pos, ok, err := sm.OriginalPosition(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, pos.Source, "in.ts")
	assert.Equal(t, 0, pos.Column)
}

func TestSourceMap_OriginalPositionUnmapped(t *testing.T) {
	sm := &SourceMap{Mappings: "AAAA", Sources: []string{"in.ts"}}

	_, ok, err := sm.OriginalPosition(10, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSourceMap_MarshalDefaults(t *testing.T) {
	data, err := (&SourceMap{Mappings: "AAAA"}).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":3,"sources":[],"names":[],"mappings":"AAAA"}`, string(data))
}

func TestValidateMappings(t *testing.T) {
	assert.NoError(t, ValidateMappings(""))
	assert.NoError(t, ValidateMappings("AAAA;AACA,CAAC"))
	assert.ErrorContains(t, ValidateMappings("AAAg"), "invalid mappings")
}
