package hook

// ResolveIDArgsOptions accompanies every resolveId call.
type ResolveIDArgsOptions struct {
	IsEntry bool   `json:"isEntry"`
	Kind    string `json:"kind"`
}

// ResolveIDResult is returned by resolveId. External left nil lets the
// engine apply its default.
type ResolveIDResult struct {
	ID       string `json:"id"`
	External *bool  `json:"external,omitempty"`
}

// SourceMap is the plugin-facing source map shape.
type SourceMap struct {
	File           *string   `json:"file,omitempty"`
	SourceRoot     *string   `json:"sourceRoot,omitempty"`
	Mappings       string    `json:"mappings"`
	Names          []string  `json:"names"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent,omitempty"`
	Version        *int      `json:"version,omitempty"`
}

// SourceResult is returned by load and transform.
type SourceResult struct {
	Code string     `json:"code"`
	Map  *SourceMap `json:"map,omitempty"`
}

// RenderChunkOutput is returned by renderChunk.
type RenderChunkOutput struct {
	Code string `json:"code"`
}

// PreRenderedChunk describes a chunk to plugins before it has a file name.
type PreRenderedChunk struct {
	IsEntry        bool     `json:"isEntry"`
	IsDynamicEntry bool     `json:"isDynamicEntry"`
	FacadeModuleID *string  `json:"facadeModuleId,omitempty"`
	ModuleIDs      []string `json:"moduleIds"`
	Exports        []string `json:"exports"`
}

// RenderedModule is one module's share of a rendered chunk.
type RenderedModule struct {
	Code           *string `json:"code,omitempty"`
	RenderedLength int     `json:"renderedLength"`
}

// RenderedChunk describes a named chunk. Modules is only populated for
// in-process plugins and never crosses a serialized boundary.
type RenderedChunk struct {
	PreRenderedChunk
	FileName string                    `json:"fileName"`
	Modules  map[string]RenderedModule `json:"-"`
}

// OutputChunk is a finished chunk in the bundle.
type OutputChunk struct {
	PreRenderedChunk
	FileName string     `json:"fileName"`
	Code     string     `json:"code"`
	Map      *SourceMap `json:"map,omitempty"`
}

// OutputAsset is a finished non-code file in the bundle.
type OutputAsset struct {
	FileName string `json:"fileName"`
	Source   string `json:"source"`
}

// Outputs is the bundle seen by generateBundle and writeBundle.
type Outputs struct {
	Chunks []OutputChunk `json:"chunks"`
	Assets []OutputAsset `json:"assets"`
}
