package plugin

import (
	"context"
	"fmt"

	"github.com/snowmerak/bundlehook/lib/codec"
	"github.com/snowmerak/bundlehook/lib/hook"
)

// LoaderAdapter calls one hook on a remote plugin with typed arguments and a
// typed result (host side).
type LoaderAdapter[Req, Resp any] struct {
	loader *Loader
	hook   hook.HookName
	parse  func(doc []byte) (Resp, error)
}

// NewLoaderAdapter creates an adapter for h. parse receives the result as a
// JSON document whatever codec is on the wire.
func NewLoaderAdapter[Req, Resp any](loader *Loader, h hook.HookName, parse func(doc []byte) (Resp, error)) *LoaderAdapter[Req, Resp] {
	return &LoaderAdapter[Req, Resp]{loader: loader, hook: h, parse: parse}
}

// Call invokes the hook. A result that cannot be decoded is reported as a
// *hook.FieldError so the driver classifies it as a schema violation.
func (a *LoaderAdapter[Req, Resp]) Call(ctx context.Context, request Req) (Resp, error) {
	var zero Resp

	if timeout := a.loader.opts.CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := a.loader.opts.Codec
	payload, err := c.Marshal(request)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s arguments: %w", a.hook, err)
	}

	response, err := a.loader.Call(ctx, string(a.hook), payload)
	if err != nil {
		return zero, err
	}

	doc, err := c.ToJSON(response)
	if err != nil {
		return zero, &hook.FieldError{Reason: fmt.Sprintf("undecodable %s result: %v", c.Name(), err)}
	}
	return a.parse(doc)
}

func ignoreResult(doc []byte) (struct{}, error) {
	return struct{}{}, nil
}

// Plugin exposes the loaded plugin as a registration for hook.Driver. Only
// the hooks the plugin announced are set.
func (l *Loader) Plugin() hook.PluginOptions {
	p := hook.PluginOptions{Name: l.info.Name}

	if l.hooks.Has(hook.HookBuildStart) {
		call := NewLoaderAdapter[BuildStartArgs](l, hook.HookBuildStart, ignoreResult)
		p.BuildStart = func(ctx context.Context) error {
			_, err := call.Call(ctx, BuildStartArgs{})
			return err
		}
	}
	if l.hooks.Has(hook.HookResolveID) {
		call := NewLoaderAdapter[ResolveIDArgs](l, hook.HookResolveID, hook.ParseResolveIDResult)
		p.ResolveID = func(ctx context.Context, specifier string, importer *string, opts hook.ResolveIDArgsOptions) (*hook.ResolveIDResult, error) {
			return call.Call(ctx, ResolveIDArgs{Specifier: specifier, Importer: importer, Options: opts})
		}
	}
	if l.hooks.Has(hook.HookLoad) {
		call := NewLoaderAdapter[LoadArgs](l, hook.HookLoad, hook.ParseSourceResult)
		p.Load = func(ctx context.Context, id string) (*hook.SourceResult, error) {
			return call.Call(ctx, LoadArgs{ID: id})
		}
	}
	if l.hooks.Has(hook.HookTransform) {
		call := NewLoaderAdapter[TransformArgs](l, hook.HookTransform, hook.ParseSourceResult)
		p.Transform = func(ctx context.Context, id, code string) (*hook.SourceResult, error) {
			return call.Call(ctx, TransformArgs{ID: id, Code: code})
		}
	}
	if l.hooks.Has(hook.HookBuildEnd) {
		call := NewLoaderAdapter[BuildEndArgs](l, hook.HookBuildEnd, ignoreResult)
		p.BuildEnd = func(ctx context.Context, errText string) error {
			_, err := call.Call(ctx, BuildEndArgs{Error: errText})
			return err
		}
	}
	if l.hooks.Has(hook.HookRenderChunk) {
		call := NewLoaderAdapter[RenderChunkArgs](l, hook.HookRenderChunk, hook.ParseRenderChunkOutput)
		p.RenderChunk = func(ctx context.Context, code string, chunk hook.RenderedChunk) (*hook.RenderChunkOutput, error) {
			return call.Call(ctx, RenderChunkArgs{Code: code, Chunk: chunk})
		}
	}
	if l.hooks.Has(hook.HookGenerateBundle) {
		call := NewLoaderAdapter[GenerateBundleArgs](l, hook.HookGenerateBundle, ignoreResult)
		p.GenerateBundle = func(ctx context.Context, bundle hook.Outputs, isWrite bool) error {
			_, err := call.Call(ctx, GenerateBundleArgs{Bundle: bundle, IsWrite: isWrite})
			return err
		}
	}
	if l.hooks.Has(hook.HookWriteBundle) {
		call := NewLoaderAdapter[WriteBundleArgs](l, hook.HookWriteBundle, ignoreResult)
		p.WriteBundle = func(ctx context.Context, bundle hook.Outputs) error {
			_, err := call.Call(ctx, WriteBundleArgs{Bundle: bundle})
			return err
		}
	}
	return p
}

// HandlerAdapter decodes one request's arguments and encodes its result
// (plugin side).
type HandlerAdapter[Req any] struct {
	codec   codec.Codec
	handler func(ctx context.Context, request Req) (any, error)
}

// NewHandlerAdapter wraps handler for requests encoded with c.
func NewHandlerAdapter[Req any](c codec.Codec, handler func(ctx context.Context, request Req) (any, error)) *HandlerAdapter[Req] {
	return &HandlerAdapter[Req]{codec: c, handler: handler}
}

// Handle runs the handler on a raw request payload. A nil result is encoded
// as null.
func (a *HandlerAdapter[Req]) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var request Req
	if len(payload) > 0 {
		if err := a.codec.Unmarshal(payload, &request); err != nil {
			return nil, fmt.Errorf("failed to decode arguments: %w", err)
		}
	}

	result, err := a.handler(ctx, request)
	if err != nil {
		return nil, err
	}
	data, err := a.codec.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return data, nil
}
