// Package hook is the boundary between the bundling engine and plugins.
//
// A plugin registers a name and any subset of eight lifecycle hooks. The Driver
// runs the hooks for a stage in registration order, converts what crosses the
// boundary to and from engine records, and reports failures with the plugin,
// hook and stage that produced them.
//
// Boundary records (ResolveIDResult, SourceResult, RenderedChunk, ...) use the
// camelCase JSON names plugins see. They are built fresh for every call and
// copied on conversion, so a plugin holding on to one cannot reach engine state.
package hook

import (
	"context"
	"strings"
)

// HookName identifies a lifecycle hook by its external name.
type HookName string

const (
	HookBuildStart     HookName = "buildStart"
	HookResolveID      HookName = "resolveId"
	HookLoad           HookName = "load"
	HookTransform      HookName = "transform"
	HookBuildEnd       HookName = "buildEnd"
	HookRenderChunk    HookName = "renderChunk"
	HookGenerateBundle HookName = "generateBundle"
	HookWriteBundle    HookName = "writeBundle"
)

// Hooks lists every hook in pipeline order.
func Hooks() []HookName {
	return []HookName{
		HookBuildStart,
		HookResolveID,
		HookLoad,
		HookTransform,
		HookBuildEnd,
		HookRenderChunk,
		HookGenerateBundle,
		HookWriteBundle,
	}
}

// Stage is the pipeline phase a hook belongs to.
type Stage string

const (
	StageBuild     Stage = "build"
	StageResolve   Stage = "resolve"
	StageLoad      Stage = "load"
	StageTransform Stage = "transform"
	StageRender    Stage = "render"
	StageEmit      Stage = "emit"
)

// Stage reports the phase the hook runs in.
func (h HookName) Stage() Stage {
	switch h {
	case HookResolveID:
		return StageResolve
	case HookLoad:
		return StageLoad
	case HookTransform:
		return StageTransform
	case HookRenderChunk:
		return StageRender
	case HookGenerateBundle, HookWriteBundle:
		return StageEmit
	default:
		return StageBuild
	}
}

func (h HookName) bit() HookSet {
	for i, name := range Hooks() {
		if name == h {
			return 1 << i
		}
	}
	return 0
}

// HookSet is the set of hooks a plugin implements.
type HookSet uint8

// NewHookSet builds a set from hook names. Unknown names are ignored.
func NewHookSet(hooks ...HookName) HookSet {
	var s HookSet
	for _, h := range hooks {
		s |= h.bit()
	}
	return s
}

// Has reports whether h is in the set.
func (s HookSet) Has(h HookName) bool {
	bit := h.bit()
	return bit != 0 && s&bit != 0
}

// Names lists the hooks in the set in pipeline order.
func (s HookSet) Names() []HookName {
	var names []HookName
	for _, h := range Hooks() {
		if s.Has(h) {
			names = append(names, h)
		}
	}
	return names
}

// String joins the hook names with commas.
func (s HookSet) String() string {
	names := s.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ",")
}

// Hook signatures. A nil result means the plugin declined and the engine
// carries on as if the hook were absent.
type (
	BuildStartFunc     func(ctx context.Context) error
	ResolveIDFunc      func(ctx context.Context, specifier string, importer *string, opts ResolveIDArgsOptions) (*ResolveIDResult, error)
	LoadFunc           func(ctx context.Context, id string) (*SourceResult, error)
	TransformFunc      func(ctx context.Context, id, code string) (*SourceResult, error)
	BuildEndFunc       func(ctx context.Context, errText string) error
	RenderChunkFunc    func(ctx context.Context, code string, chunk RenderedChunk) (*RenderChunkOutput, error)
	GenerateBundleFunc func(ctx context.Context, bundle Outputs, isWrite bool) error
	WriteBundleFunc    func(ctx context.Context, bundle Outputs) error
)

// PluginOptions is a plugin registration: a name plus the hooks it implements.
// Any hook may be nil.
type PluginOptions struct {
	Name string

	BuildStart     BuildStartFunc
	ResolveID      ResolveIDFunc
	Load           LoadFunc
	Transform      TransformFunc
	BuildEnd       BuildEndFunc
	RenderChunk    RenderChunkFunc
	GenerateBundle GenerateBundleFunc
	WriteBundle    WriteBundleFunc
}

// Capabilities returns the set of non-nil hooks.
func (p PluginOptions) Capabilities() HookSet {
	var s HookSet
	add := func(present bool, h HookName) {
		if present {
			s |= h.bit()
		}
	}
	add(p.BuildStart != nil, HookBuildStart)
	add(p.ResolveID != nil, HookResolveID)
	add(p.Load != nil, HookLoad)
	add(p.Transform != nil, HookTransform)
	add(p.BuildEnd != nil, HookBuildEnd)
	add(p.RenderChunk != nil, HookRenderChunk)
	add(p.GenerateBundle != nil, HookGenerateBundle)
	add(p.WriteBundle != nil, HookWriteBundle)
	return s
}
