package hook

import "github.com/snowmerak/bundlehook/lib/engine"

// Conversions between boundary records and engine records. All of them are
// total: every input has an output and nothing here can fail or panic. Slices
// and maps are copied so neither side aliases the other's storage.

// ResolveIDArgsOptionsFromEngine builds the options passed to resolveId.
func ResolveIDArgsOptionsFromEngine(o engine.HookResolveIDArgsOptions) ResolveIDArgsOptions {
	return ResolveIDArgsOptions{IsEntry: o.IsEntry, Kind: o.Kind.String()}
}

// ToEngine converts a resolveId result into the engine's output record.
func (r ResolveIDResult) ToEngine() engine.HookResolveIDOutput {
	return engine.HookResolveIDOutput{ID: r.ID, External: cloneBool(r.External)}
}

// ResolveIDResultFromEngine is the inverse of ResolveIDResult.ToEngine.
func ResolveIDResultFromEngine(o engine.HookResolveIDOutput) ResolveIDResult {
	return ResolveIDResult{ID: o.ID, External: cloneBool(o.External)}
}

// ToEngine converts a load or transform result.
func (r SourceResult) ToEngine() engine.HookLoadOutput {
	out := engine.HookLoadOutput{Code: r.Code}
	if r.Map != nil {
		out.Map = r.Map.ToEngine()
	}
	return out
}

// ToEngine converts a source map. A missing version means version 3.
func (m SourceMap) ToEngine() *engine.SourceMap {
	out := &engine.SourceMap{
		Mappings:       m.Mappings,
		Names:          cloneStrings(m.Names),
		Sources:        cloneStrings(m.Sources),
		SourcesContent: cloneOptionalStrings(m.SourcesContent),
		Version:        3,
	}
	if m.File != nil {
		out.File = *m.File
	}
	if m.SourceRoot != nil {
		out.SourceRoot = *m.SourceRoot
	}
	if m.Version != nil {
		out.Version = *m.Version
	}
	return out
}

// SourceMapFromEngine converts an engine source map for plugins.
func SourceMapFromEngine(m *engine.SourceMap) *SourceMap {
	if m == nil {
		return nil
	}
	version := m.Version
	out := &SourceMap{
		Mappings:       m.Mappings,
		Names:          nonNil(cloneStrings(m.Names)),
		Sources:        nonNil(cloneStrings(m.Sources)),
		SourcesContent: cloneOptionalStrings(m.SourcesContent),
		Version:        &version,
	}
	if m.File != "" {
		file := m.File
		out.File = &file
	}
	if m.SourceRoot != "" {
		root := m.SourceRoot
		out.SourceRoot = &root
	}
	return out
}

// ToEngine converts a renderChunk result.
func (r RenderChunkOutput) ToEngine() engine.HookRenderChunkOutput {
	return engine.HookRenderChunkOutput{Code: r.Code}
}

// PreRenderedChunkFromEngine snapshots a chunk descriptor for plugins.
func PreRenderedChunkFromEngine(c engine.PreRenderedChunk) PreRenderedChunk {
	return PreRenderedChunk{
		IsEntry:        c.IsEntry,
		IsDynamicEntry: c.IsDynamicEntry,
		FacadeModuleID: cloneString(c.FacadeModuleID),
		ModuleIDs:      nonNil(cloneStrings(c.ModuleIDs)),
		Exports:        nonNil(cloneStrings(c.Exports)),
	}
}

// ToEngine converts the descriptor back.
func (c PreRenderedChunk) ToEngine() engine.PreRenderedChunk {
	return engine.PreRenderedChunk{
		IsEntry:        c.IsEntry,
		IsDynamicEntry: c.IsDynamicEntry,
		FacadeModuleID: cloneString(c.FacadeModuleID),
		ModuleIDs:      cloneStrings(c.ModuleIDs),
		Exports:        cloneStrings(c.Exports),
	}
}

// RenderedModuleFromEngine snapshots a rendered module.
func RenderedModuleFromEngine(m engine.RenderedModule) RenderedModule {
	return RenderedModule{Code: cloneString(m.Code), RenderedLength: m.RenderedLength}
}

// ToEngine converts the rendered module back.
func (m RenderedModule) ToEngine() engine.RenderedModule {
	return engine.RenderedModule{Code: cloneString(m.Code), RenderedLength: m.RenderedLength}
}

// RenderedChunkFromEngine snapshots a rendered chunk for plugins.
func RenderedChunkFromEngine(c engine.RenderedChunk) RenderedChunk {
	out := RenderedChunk{
		PreRenderedChunk: PreRenderedChunkFromEngine(c.PreRenderedChunk),
		FileName:         c.FileName,
	}
	if c.Modules != nil {
		out.Modules = make(map[string]RenderedModule, len(c.Modules))
		for id, m := range c.Modules {
			out.Modules[id] = RenderedModuleFromEngine(m)
		}
	}
	return out
}

// ToEngine converts the rendered chunk back.
func (c RenderedChunk) ToEngine() engine.RenderedChunk {
	out := engine.RenderedChunk{
		PreRenderedChunk: c.PreRenderedChunk.ToEngine(),
		FileName:         c.FileName,
	}
	if c.Modules != nil {
		out.Modules = make(map[string]engine.RenderedModule, len(c.Modules))
		for id, m := range c.Modules {
			out.Modules[id] = m.ToEngine()
		}
	}
	return out
}

// OutputsFromEngine snapshots the output set for generate/write-bundle.
func OutputsFromEngine(o engine.Outputs) Outputs {
	out := Outputs{
		Chunks: make([]OutputChunk, len(o.Chunks)),
		Assets: make([]OutputAsset, len(o.Assets)),
	}
	for i, c := range o.Chunks {
		out.Chunks[i] = OutputChunk{
			PreRenderedChunk: PreRenderedChunkFromEngine(c.PreRenderedChunk),
			FileName:         c.FileName,
			Code:             c.Code,
			Map:              SourceMapFromEngine(c.Map),
		}
	}
	for i, a := range o.Assets {
		out.Assets[i] = OutputAsset{FileName: a.FileName, Source: string(a.Source)}
	}
	return out
}

// ToEngine converts the output set back. Per-module render details are not
// part of the boundary shape and come back empty.
func (o Outputs) ToEngine() engine.Outputs {
	out := engine.Outputs{
		Chunks: make([]engine.OutputChunk, len(o.Chunks)),
		Assets: make([]engine.OutputAsset, len(o.Assets)),
	}
	for i, c := range o.Chunks {
		chunk := engine.OutputChunk{
			RenderedChunk: engine.RenderedChunk{
				PreRenderedChunk: c.PreRenderedChunk.ToEngine(),
				FileName:         c.FileName,
			},
			Code: c.Code,
		}
		if c.Map != nil {
			chunk.Map = c.Map.ToEngine()
		}
		out.Chunks[i] = chunk
	}
	for i, a := range o.Assets {
		out.Assets[i] = engine.OutputAsset{FileName: a.FileName, Source: []byte(a.Source)}
	}
	return out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneOptionalStrings(s []*string) []*string {
	if s == nil {
		return nil
	}
	out := make([]*string, len(s))
	for i, v := range s {
		out[i] = cloneString(v)
	}
	return out
}

// nonNil keeps sequences as JSON arrays rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
