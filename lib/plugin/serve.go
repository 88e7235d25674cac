package plugin

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snowmerak/bundlehook/lib/hook"
)

// Serve runs p over standard input and output until the host shuts it down
// or the process receives SIGINT or SIGTERM. Logs go to stderr, which the
// host forwards into its own log.
func Serve(p hook.PluginOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := New(p, ModuleOptions{Logger: zerolog.New(os.Stderr).With().Timestamp().Logger()})
	if err != nil {
		return err
	}
	if err := m.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServeListener serves p to every host that connects to ln, one Module per
// connection, until ctx is done. It closes ln before returning.
func ServeListener(ctx context.Context, ln net.Listener, p hook.PluginOptions, opts ModuleOptions) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for n := 1; ; n++ {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		connOpts := opts
		connOpts.Reader = conn
		connOpts.Writer = conn
		m, err := New(p, connOpts)
		if err != nil {
			conn.Close()
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := m.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				opts.Logger.Warn().Err(err).Int("conn", n).Msg("connection ended")
			}
		}()
	}
}
