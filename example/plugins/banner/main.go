// Command banner is a remote plugin that stamps a license banner on every
// chunk and replaces __BUILD_ENV__ in transformed modules.
//
// Run by a host it speaks over stdio. With -listen it serves any number of
// hosts on a unix socket instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snowmerak/bundlehook/lib/hook"
	"github.com/snowmerak/bundlehook/lib/plugin"
)

func newBanner(env string, notify func(ctx context.Context, kind, msg string)) hook.PluginOptions {
	return hook.PluginOptions{
		Name: "banner",
		BuildStart: func(ctx context.Context) error {
			notify(ctx, plugin.NotifyInfo, fmt.Sprintf("building for %s", env))
			return nil
		},
		Transform: func(_ context.Context, id, code string) (*hook.SourceResult, error) {
			if !strings.Contains(code, "__BUILD_ENV__") {
				return nil, nil
			}
			return &hook.SourceResult{Code: strings.ReplaceAll(code, "__BUILD_ENV__", fmt.Sprintf("%q", env))}, nil
		},
		RenderChunk: func(_ context.Context, code string, chunk hook.RenderedChunk) (*hook.RenderChunkOutput, error) {
			return &hook.RenderChunkOutput{Code: fmt.Sprintf("/*! %s | %s */\n%s", chunk.FileName, env, code)}, nil
		},
		BuildEnd: func(ctx context.Context, errText string) error {
			if errText != "" {
				notify(ctx, plugin.NotifyWarning, "build failed: "+errText)
			}
			return nil
		},
	}
}

func main() {
	listen := flag.String("listen", "", "serve on this unix socket instead of stdio")
	flag.Parse()

	env := os.Getenv("BANNER_ENV")
	if env == "" {
		env = "development"
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Str("plugin", "banner").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listen != "" {
		ln, err := net.Listen("unix", *listen)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to listen")
		}
		p := newBanner(env, func(_ context.Context, kind, msg string) {
			log.Info().Str("kind", kind).Msg(msg)
		})
		if err := plugin.ServeListener(ctx, ln, p, plugin.ModuleOptions{Logger: log}); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
		return
	}

	var module *plugin.Module
	p := newBanner(env, func(ctx context.Context, kind, msg string) {
		if err := module.Notify(ctx, kind, msg); err != nil {
			log.Warn().Err(err).Msg("failed to notify host")
		}
	})

	module, err := plugin.New(p, plugin.ModuleOptions{Logger: log})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create module")
	}
	if err := module.Listen(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("listen failed")
	}
}
