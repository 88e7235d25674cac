// Package engine holds the bundler's internal records that plugin hooks read from
// and write back into. The hook boundary converts to and from these types; nothing
// in here knows about plugins.
package engine

import "fmt"

// ImportKind is how a specifier was referenced by its importer.
type ImportKind uint8

const (
	ImportKindEntryPoint ImportKind = iota
	ImportKindImport
	ImportKindDynamicImport
	ImportKindRequire
	ImportKindAtImport
	ImportKindURLImport
)

var importKindLabels = [...]string{
	ImportKindEntryPoint:    "entry-point",
	ImportKindImport:        "import-statement",
	ImportKindDynamicImport: "dynamic-import",
	ImportKindRequire:       "require-call",
	ImportKindAtImport:      "at-import",
	ImportKindURLImport:     "url-import",
}

// String returns the external label of the kind.
func (k ImportKind) String() string {
	if int(k) < len(importKindLabels) {
		return importKindLabels[k]
	}
	return fmt.Sprintf("import-kind(%d)", uint8(k))
}

// ParseImportKind maps an external label back to its kind.
func ParseImportKind(label string) (ImportKind, error) {
	for i, l := range importKindLabels {
		if l == label {
			return ImportKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown import kind %q", label)
}

// ImportKinds lists every kind in declaration order.
func ImportKinds() []ImportKind {
	kinds := make([]ImportKind, len(importKindLabels))
	for i := range kinds {
		kinds[i] = ImportKind(i)
	}
	return kinds
}

// HookResolveIDArgsOptions describes one resolution request.
type HookResolveIDArgsOptions struct {
	IsEntry bool
	Kind    ImportKind
}

// HookResolveIDOutput is a plugin's answer to a resolution request.
// A nil External means the plugin left the decision to the engine.
type HookResolveIDOutput struct {
	ID       string
	External *bool
}

// ResolvedID is the engine's resolution record.
type ResolvedID struct {
	ID       string
	External bool
}

// Resolve settles External against the engine default.
func (o HookResolveIDOutput) Resolve(defaultExternal bool) ResolvedID {
	external := defaultExternal
	if o.External != nil {
		external = *o.External
	}
	return ResolvedID{ID: o.ID, External: external}
}

// HookLoadOutput carries module source supplied by a load or transform hook.
type HookLoadOutput struct {
	Code string
	Map  *SourceMap
}

// HookTransformOutput shares the load output shape.
type HookTransformOutput = HookLoadOutput

// HookRenderChunkOutput replaces a chunk's rendered code.
type HookRenderChunkOutput struct {
	Code string
}

// ModuleSource is the engine's per-module source record. Load and transform
// outputs are merged into it; Maps keeps every map in the order it was produced.
type ModuleSource struct {
	ID   string
	Code string
	Maps []*SourceMap
}

// Apply merges a hook output into the record.
func (m *ModuleSource) Apply(out HookLoadOutput) {
	m.Code = out.Code
	if out.Map != nil {
		m.Maps = append(m.Maps, out.Map)
	}
}

// PreRenderedChunk describes a chunk before its file name is known.
type PreRenderedChunk struct {
	IsEntry        bool
	IsDynamicEntry bool
	FacadeModuleID *string
	ModuleIDs      []string
	Exports        []string
}

// RenderedModule describes one module's contribution to a rendered chunk.
type RenderedModule struct {
	Code           *string
	RenderedLength int
}

// RenderedChunk is a chunk after naming, before its code is finalized.
type RenderedChunk struct {
	PreRenderedChunk
	FileName string
	Modules  map[string]RenderedModule
}

// OutputChunk is a finished chunk in the output set.
type OutputChunk struct {
	RenderedChunk
	Code string
	Map  *SourceMap
}

// OutputAsset is a non-code file in the output set.
type OutputAsset struct {
	FileName string
	Source   []byte
}

// Outputs is the full output set handed to generate/write-bundle hooks.
type Outputs struct {
	Chunks []OutputChunk
	Assets []OutputAsset
}
