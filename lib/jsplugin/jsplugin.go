// Package jsplugin hosts plugins written in JavaScript.
//
// A script either evaluates to the plugin object or assigns it to
// globalThis.plugin. The object needs a non-empty name and may define any of
// the hook methods (buildStart, resolveId, load, transform, buildEnd,
// renderChunk, generateBundle, writeBundle). Hooks receive plain JSON values
// in the usual bundler order (resolveId(source, importer, options),
// transform(code, id), renderChunk(code, chunk), buildEnd(error)) and may
// return a value, null, undefined, or a Promise of one.
package jsplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/snowmerak/bundlehook/lib/hook"
)

var (
	// ErrNoPlugin is returned when a script defines no plugin object.
	ErrNoPlugin = errors.New("script does not define a plugin")
	// ErrPendingPromise is returned when a hook's promise did not settle
	// before the call returned.
	ErrPendingPromise = errors.New("hook returned a promise that never settled")
)

// Options configures a script plugin.
type Options struct {
	// Logger receives console output from the script.
	Logger zerolog.Logger
	// CallTimeout bounds each hook call. Zero leaves calls bounded only by
	// their context.
	CallTimeout time.Duration
}

// Plugin is one evaluated script. Calls into it are serialized.
type Plugin struct {
	script  string
	name    string
	log     zerolog.Logger
	timeout time.Duration

	mu        sync.Mutex
	vm        *goja.Runtime
	object    *goja.Object
	parse     goja.Callable
	stringify goja.Callable
}

// Open reads and evaluates the script at path.
func Open(ctx context.Context, path string, opts Options) (*Plugin, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return New(ctx, path, string(src), opts)
}

// New evaluates src. script names the source in stack traces and logs.
func New(ctx context.Context, script, src string, opts Options) (*Plugin, error) {
	vm := goja.New()
	p := &Plugin{
		script:  script,
		log:     opts.Logger.With().Str("script", script).Logger(),
		timeout: opts.CallTimeout,
		vm:      vm,
	}

	jsonObject := vm.Get("JSON").ToObject(vm)
	p.parse, _ = goja.AssertFunction(jsonObject.Get("parse"))
	p.stringify, _ = goja.AssertFunction(jsonObject.Get("stringify"))

	if err := vm.Set("console", p.console()); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	value, err := vm.RunScript(script, src)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to run script %s: %w", script, err)
	}

	object := pluginObject(vm, value)
	if object == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPlugin, script)
	}
	name := object.Get("name")
	if name == nil || goja.IsUndefined(name) || goja.IsNull(name) || name.String() == "" {
		return nil, fmt.Errorf("%w: plugin in %s has no name", hook.ErrInvalidRegistration, script)
	}

	p.object = object
	p.name = name.String()
	p.log = p.log.With().Str("plugin", p.name).Logger()
	return p, nil
}

func pluginObject(vm *goja.Runtime, value goja.Value) *goja.Object {
	candidates := []goja.Value{vm.GlobalObject().Get("plugin"), value}
	for _, v := range candidates {
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Object" {
			return obj
		}
	}
	return nil
}

func (p *Plugin) console() map[string]any {
	logAt := func(level zerolog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			p.log.WithLevel(level).Str("source", "console").Msg(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	return map[string]any{
		"log":   logAt(zerolog.InfoLevel),
		"info":  logAt(zerolog.InfoLevel),
		"debug": logAt(zerolog.DebugLevel),
		"warn":  logAt(zerolog.WarnLevel),
		"error": logAt(zerolog.ErrorLevel),
	}
}

// Name is the plugin's declared name.
func (p *Plugin) Name() string {
	return p.name
}

func (p *Plugin) has(h hook.HookName) bool {
	_, ok := goja.AssertFunction(p.object.Get(string(h)))
	return ok
}

// call runs one hook method and returns its settled result as a JSON
// document, "null" when the hook returned nothing.
func (p *Plugin) call(ctx context.Context, h hook.HookName, args ...any) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() { p.vm.Interrupt(ctx.Err()) })
	defer stop()

	fn, ok := goja.AssertFunction(p.object.Get(string(h)))
	if !ok {
		return nil, fmt.Errorf("hook %s is not a function", h)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		v, err := p.toJS(arg)
		if err != nil {
			return nil, p.scriptError(ctx, err)
		}
		jsArgs[i] = v
	}

	result, err := fn(p.object, jsArgs...)
	if err != nil {
		return nil, p.scriptError(ctx, err)
	}

	if promise, ok := result.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			result = promise.Result()
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("promise rejected: %s", describe(promise.Result()))
		default:
			return nil, ErrPendingPromise
		}
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return []byte("null"), nil
	}
	doc, err := p.stringify(goja.Undefined(), result)
	if err != nil {
		return nil, p.scriptError(ctx, err)
	}
	if goja.IsUndefined(doc) {
		return []byte("null"), nil
	}
	return []byte(doc.String()), nil
}

func (p *Plugin) toJS(arg any) (goja.Value, error) {
	data, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	return p.parse(goja.Undefined(), p.vm.ToValue(string(data)))
}

func (p *Plugin) scriptError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return errors.New(describe(exception.Value()))
	}
	return err
}

func describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}
