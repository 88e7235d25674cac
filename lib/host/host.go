// Package host opens every plugin named in a manifest and registers them on
// one hook.Driver.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/bundlehook/lib/codec"
	"github.com/snowmerak/bundlehook/lib/config"
	"github.com/snowmerak/bundlehook/lib/engine"
	"github.com/snowmerak/bundlehook/lib/hook"
	"github.com/snowmerak/bundlehook/lib/jsplugin"
	"github.com/snowmerak/bundlehook/lib/plugin"
	"github.com/snowmerak/bundlehook/lib/process"
)

// Host owns the plugins opened from a manifest.
type Host struct {
	manifest *config.Manifest
	driver   *hook.Driver
	closers  []io.Closer
	log      zerolog.Logger
}

type opened struct {
	plugin hook.PluginOptions
	closer io.Closer // nil for in-process plugins
}

// Open starts every enabled plugin concurrently and registers them in
// manifest order. If any plugin fails to open, the ones that did are closed.
func Open(ctx context.Context, manifest *config.Manifest, log zerolog.Logger) (*Host, error) {
	specs := manifest.Enabled()
	results := make([]opened, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			o, err := openPlugin(gctx, manifest, spec, log)
			if err != nil {
				return fmt.Errorf("failed to open %s plugin %s: %w", spec.Kind, spec.Target(), err)
			}
			results[i] = o
			return nil
		})
	}

	err := g.Wait()
	h := &Host{
		manifest: manifest,
		closers:  collectClosers(results),
		log:      log,
	}
	if err != nil {
		h.Close()
		return nil, err
	}

	h.driver = hook.NewDriver(hook.WithLogger(log))
	for _, o := range results {
		if err := h.driver.Register(o.plugin); err != nil {
			h.Close()
			return nil, err
		}
	}

	log.Info().
		Str("build_id", h.driver.BuildID()).
		Int("plugins", len(results)).
		Msg("plugins opened")
	return h, nil
}

func collectClosers(results []opened) []io.Closer {
	var closers []io.Closer
	for _, o := range results {
		if o.closer != nil {
			closers = append(closers, o.closer)
		}
	}
	return closers
}

func openPlugin(ctx context.Context, manifest *config.Manifest, spec config.PluginSpec, log zerolog.Logger) (opened, error) {
	switch spec.Kind {
	case config.KindScript:
		p, err := jsplugin.Open(ctx, spec.Path, jsplugin.Options{
			Logger:      log,
			CallTimeout: manifest.CallTimeout,
		})
		if err != nil {
			return opened{}, err
		}
		return opened{plugin: p.Plugin()}, nil

	case config.KindProcess, config.KindSocket:
		c, err := codec.Lookup(spec.Codec)
		if err != nil {
			return opened{}, err
		}
		opts := plugin.LoaderOptions{
			Codec:        c,
			ReadyTimeout: manifest.ReadyTimeout,
			CallTimeout:  manifest.CallTimeout,
			Logger:       log,
		}

		var loader *plugin.Loader
		if spec.Kind == config.KindProcess {
			loader = plugin.NewProcessLoader(spec.Path, process.Options{
				Args: spec.Args,
				Env:  spec.Env,
				Dir:  manifest.Dir,
			}, opts)
		} else {
			loader = plugin.NewLoader(&plugin.SocketProvider{
				Network:     spec.Network,
				Address:     spec.Address,
				DialTimeout: manifest.ReadyTimeout,
			}, opts)
		}

		if err := loader.Load(ctx); err != nil {
			loader.Close()
			return opened{}, err
		}
		return opened{plugin: loader.Plugin(), closer: loader}, nil
	}
	return opened{}, fmt.Errorf("unknown plugin kind %q", spec.Kind)
}

// Driver dispatches stages to the opened plugins.
func (h *Host) Driver() *hook.Driver {
	return h.driver
}

// Manifest is the manifest the host was opened from.
func (h *Host) Manifest() *config.Manifest {
	return h.manifest
}

// ResolveID runs resolveId and settles the external flag against the
// manifest's defaultExternal.
func (h *Host) ResolveID(ctx context.Context, specifier string, importer *string, opts engine.HookResolveIDArgsOptions) (*engine.ResolvedID, error) {
	return h.driver.ResolveIDRecord(ctx, specifier, importer, opts, h.manifest.DefaultExternal)
}

// Close shuts every remote plugin down, last opened first.
func (h *Host) Close() error {
	start := time.Now()
	var errs []error
	for _, c := range slices.Backward(h.closers) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	h.log.Debug().Dur("elapsed", time.Since(start)).Msg("plugins closed")
	return errors.Join(errs...)
}
