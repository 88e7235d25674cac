package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snowmerak/bundlehook/lib/engine"
)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for hook invocations.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// WithBuildID overrides the generated build id.
func WithBuildID(id string) Option {
	return func(d *Driver) { d.buildID = id }
}

type registration struct {
	opts  PluginOptions
	hooks HookSet
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Name  string
	Hooks HookSet
}

// Driver dispatches lifecycle stages to registered plugins.
//
// For one subject (a module, a specifier, a chunk) hooks run one at a time in
// registration order, and each call completes before the next starts. Calls
// for different subjects may run concurrently; the Driver only reads its
// plugin list during dispatch.
type Driver struct {
	mu      sync.RWMutex
	plugins []registration

	log     zerolog.Logger
	buildID string
}

// NewDriver creates a Driver with no plugins.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{log: zerolog.Nop()}
	if id, err := uuid.NewV7(); err == nil {
		d.buildID = id.String()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BuildID identifies this driver's build in logs.
func (d *Driver) BuildID() string {
	return d.buildID
}

// Register appends a plugin. Plugins run in the order they were registered.
func (d *Driver) Register(p PluginOptions) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}

	reg := registration{opts: p, hooks: p.Capabilities()}

	d.mu.Lock()
	d.plugins = append(d.plugins, reg)
	d.mu.Unlock()

	d.log.Debug().
		Str("build_id", d.buildID).
		Str("plugin", p.Name).
		Str("hooks", reg.hooks.String()).
		Msg("plugin registered")
	return nil
}

// Plugins lists registrations in order.
func (d *Driver) Plugins() []PluginInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]PluginInfo, len(d.plugins))
	for i, p := range d.plugins {
		infos[i] = PluginInfo{Name: p.opts.Name, Hooks: p.hooks}
	}
	return infos
}

// implementing returns the plugins that implement h, in order.
func (d *Driver) implementing(h HookName) []PluginOptions {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []PluginOptions
	for _, p := range d.plugins {
		if p.hooks.Has(h) {
			out = append(out, p.opts)
		}
	}
	return out
}

// invoke runs one hook call, recovering panics and wrapping failures.
func (d *Driver) invoke(ctx context.Context, plugin string, h HookName, subject string, call func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return call(ctx)
	}()

	if err == nil {
		d.log.Debug().
			Str("build_id", d.buildID).
			Str("plugin", plugin).
			Str("hook", string(h)).
			Str("stage", string(h.Stage())).
			Str("subject", subject).
			Dur("elapsed", time.Since(start)).
			Msg("hook completed")
		return nil
	}

	hookErr := &HookError{
		Plugin:  plugin,
		Hook:    h,
		Stage:   h.Stage(),
		Subject: subject,
		Kind:    ErrHookInvocation,
		Err:     err,
	}
	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		hookErr.Kind = ErrSchemaViolation
		hookErr.Field = fieldErr.Field
	}

	d.log.Warn().
		Str("build_id", d.buildID).
		Str("plugin", plugin).
		Str("hook", string(h)).
		Str("stage", string(h.Stage())).
		Str("subject", subject).
		Err(err).
		Msg("hook failed")
	return hookErr
}

// BuildStart runs every buildStart hook.
func (d *Driver) BuildStart(ctx context.Context) error {
	for _, p := range d.implementing(HookBuildStart) {
		if err := d.invoke(ctx, p.Name, HookBuildStart, "", func(ctx context.Context) error {
			return p.BuildStart(ctx)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ResolveID asks plugins to resolve specifier. The first plugin returning a
// result wins. A nil result with a nil error means no plugin resolved it and
// the engine's default resolution applies.
func (d *Driver) ResolveID(ctx context.Context, specifier string, importer *string, opts engine.HookResolveIDArgsOptions) (*engine.HookResolveIDOutput, error) {
	for _, p := range d.implementing(HookResolveID) {
		var res *ResolveIDResult
		if err := d.invoke(ctx, p.Name, HookResolveID, specifier, func(ctx context.Context) error {
			var err error
			res, err = p.ResolveID(ctx, specifier, cloneString(importer), ResolveIDArgsOptionsFromEngine(opts))
			return err
		}); err != nil {
			return nil, err
		}
		if res != nil {
			out := res.ToEngine()
			return &out, nil
		}
	}
	return nil, nil
}

// ResolveIDRecord is ResolveID with External settled against defaultExternal.
func (d *Driver) ResolveIDRecord(ctx context.Context, specifier string, importer *string, opts engine.HookResolveIDArgsOptions, defaultExternal bool) (*engine.ResolvedID, error) {
	out, err := d.ResolveID(ctx, specifier, importer, opts)
	if err != nil || out == nil {
		return nil, err
	}
	rec := out.Resolve(defaultExternal)
	return &rec, nil
}

// Load asks plugins for the source of id. The first result wins; nil means
// the engine should read the module itself.
func (d *Driver) Load(ctx context.Context, id string) (*engine.HookLoadOutput, error) {
	for _, p := range d.implementing(HookLoad) {
		var res *SourceResult
		if err := d.invoke(ctx, p.Name, HookLoad, id, func(ctx context.Context) error {
			var err error
			res, err = p.Load(ctx, id)
			return err
		}); err != nil {
			return nil, err
		}
		if res != nil {
			out := res.ToEngine()
			return &out, nil
		}
	}
	return nil, nil
}

// Transform chains transform hooks over code. Each plugin sees the code the
// previous one produced; a nil result passes the code through unchanged.
// The returned maps are in the order the plugins produced them.
func (d *Driver) Transform(ctx context.Context, id, code string) (string, []*engine.SourceMap, error) {
	var maps []*engine.SourceMap
	for _, p := range d.implementing(HookTransform) {
		var res *SourceResult
		current := code
		if err := d.invoke(ctx, p.Name, HookTransform, id, func(ctx context.Context) error {
			var err error
			res, err = p.Transform(ctx, id, current)
			return err
		}); err != nil {
			return "", nil, err
		}
		if res == nil {
			continue
		}
		out := res.ToEngine()
		code = out.Code
		if out.Map != nil {
			maps = append(maps, out.Map)
		}
	}
	return code, maps, nil
}

// BuildEnd runs every buildEnd hook with the build's error text, empty on
// success.
func (d *Driver) BuildEnd(ctx context.Context, buildErr error) error {
	errText := ""
	if buildErr != nil {
		errText = buildErr.Error()
	}
	for _, p := range d.implementing(HookBuildEnd) {
		if err := d.invoke(ctx, p.Name, HookBuildEnd, "", func(ctx context.Context) error {
			return p.BuildEnd(ctx, errText)
		}); err != nil {
			return err
		}
	}
	return nil
}

// RenderChunk chains renderChunk hooks over a chunk's code. Every plugin gets
// its own snapshot of the chunk descriptor.
func (d *Driver) RenderChunk(ctx context.Context, code string, chunk engine.RenderedChunk) (string, error) {
	for _, p := range d.implementing(HookRenderChunk) {
		var res *RenderChunkOutput
		current := code
		if err := d.invoke(ctx, p.Name, HookRenderChunk, chunk.FileName, func(ctx context.Context) error {
			var err error
			res, err = p.RenderChunk(ctx, current, RenderedChunkFromEngine(chunk))
			return err
		}); err != nil {
			return "", err
		}
		if res != nil {
			code = res.ToEngine().Code
		}
	}
	return code, nil
}

// GenerateBundle shows plugins the output set before the write decision.
func (d *Driver) GenerateBundle(ctx context.Context, bundle engine.Outputs, isWrite bool) error {
	for _, p := range d.implementing(HookGenerateBundle) {
		if err := d.invoke(ctx, p.Name, HookGenerateBundle, "", func(ctx context.Context) error {
			return p.GenerateBundle(ctx, OutputsFromEngine(bundle), isWrite)
		}); err != nil {
			return err
		}
	}
	return nil
}

// WriteBundle shows plugins the output set after files were written.
func (d *Driver) WriteBundle(ctx context.Context, bundle engine.Outputs) error {
	for _, p := range d.implementing(HookWriteBundle) {
		if err := d.invoke(ctx, p.Name, HookWriteBundle, "", func(ctx context.Context) error {
			return p.WriteBundle(ctx, OutputsFromEngine(bundle))
		}); err != nil {
			return err
		}
	}
	return nil
}
