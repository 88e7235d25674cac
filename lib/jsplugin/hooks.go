package jsplugin

import (
	"context"

	"github.com/snowmerak/bundlehook/lib/hook"
)

// Plugin returns the registration for the script. Only the hook methods the
// script defines are set.
func (p *Plugin) Plugin() hook.PluginOptions {
	opts := hook.PluginOptions{Name: p.name}

	if p.has(hook.HookBuildStart) {
		opts.BuildStart = func(ctx context.Context) error {
			_, err := p.call(ctx, hook.HookBuildStart)
			return err
		}
	}
	if p.has(hook.HookResolveID) {
		opts.ResolveID = func(ctx context.Context, specifier string, importer *string, args hook.ResolveIDArgsOptions) (*hook.ResolveIDResult, error) {
			doc, err := p.call(ctx, hook.HookResolveID, specifier, importer, args)
			if err != nil {
				return nil, err
			}
			return hook.ParseResolveIDResult(doc)
		}
	}
	if p.has(hook.HookLoad) {
		opts.Load = func(ctx context.Context, id string) (*hook.SourceResult, error) {
			doc, err := p.call(ctx, hook.HookLoad, id)
			if err != nil {
				return nil, err
			}
			return hook.ParseSourceResult(doc)
		}
	}
	if p.has(hook.HookTransform) {
		opts.Transform = func(ctx context.Context, id, code string) (*hook.SourceResult, error) {
			doc, err := p.call(ctx, hook.HookTransform, code, id)
			if err != nil {
				return nil, err
			}
			return hook.ParseSourceResult(doc)
		}
	}
	if p.has(hook.HookBuildEnd) {
		opts.BuildEnd = func(ctx context.Context, errText string) error {
			_, err := p.call(ctx, hook.HookBuildEnd, errText)
			return err
		}
	}
	if p.has(hook.HookRenderChunk) {
		opts.RenderChunk = func(ctx context.Context, code string, chunk hook.RenderedChunk) (*hook.RenderChunkOutput, error) {
			doc, err := p.call(ctx, hook.HookRenderChunk, code, chunk)
			if err != nil {
				return nil, err
			}
			return hook.ParseRenderChunkOutput(doc)
		}
	}
	if p.has(hook.HookGenerateBundle) {
		opts.GenerateBundle = func(ctx context.Context, bundle hook.Outputs, isWrite bool) error {
			_, err := p.call(ctx, hook.HookGenerateBundle, bundle, isWrite)
			return err
		}
	}
	if p.has(hook.HookWriteBundle) {
		opts.WriteBundle = func(ctx context.Context, bundle hook.Outputs) error {
			_, err := p.call(ctx, hook.HookWriteBundle, bundle)
			return err
		}
	}
	return opts
}
