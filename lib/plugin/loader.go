// Package plugin runs bundler plugins outside the host process.
//
// The host side is a Loader: it opens a channel to the plugin (a forked
// executable, a socket, or any reader/writer pair), waits for the plugin to
// announce its name and hooks, and exposes it as a hook.PluginOptions that
// can be registered on a hook.Driver. The plugin side is a Module: it serves a
// hook.PluginOptions over the same channel.
//
// Messages are Header envelopes framed by the multiplexer, so calls for
// different modules may be in flight at the same time.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snowmerak/bundlehook/lib/codec"
	"github.com/snowmerak/bundlehook/lib/hook"
	"github.com/snowmerak/bundlehook/lib/logging"
	"github.com/snowmerak/bundlehook/lib/multiplexer"
	"github.com/snowmerak/bundlehook/lib/process"
)

const (
	defaultReadyTimeout    = 5 * time.Second
	defaultShutdownTimeout = 2 * time.Second
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Codec encodes hook arguments and results. Defaults to JSON.
	Codec codec.Codec
	// ReadyTimeout bounds the wait for the plugin's ready announcement.
	ReadyTimeout time.Duration
	// CallTimeout bounds each hook call. Zero means calls are bounded only by
	// their context.
	CallTimeout time.Duration
	// ShutdownTimeout bounds each step of a graceful Close.
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

func (o LoaderOptions) withDefaults() LoaderOptions {
	if o.Codec == nil {
		o.Codec = codec.JSON
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
	return o
}

// Loader manages one remote plugin.
type Loader struct {
	id       string
	provider CommunicationProvider
	opts     LoaderOptions
	log      zerolog.Logger

	node *multiplexer.Node
	// stderr is the line writer NewProcessLoader installed, flushed on release.
	stderr io.Closer

	pendingRequests map[uint32]chan Header
	requestMutex    sync.Mutex

	loadCtx    context.Context
	cancelLoad context.CancelFunc
	loaded     atomic.Bool
	closed     atomic.Bool
	exited     atomic.Bool
	wg         sync.WaitGroup

	readySignal chan ReadyInfo
	shutdownAck chan struct{}

	info  ReadyInfo
	hooks hook.HookSet
}

// NewLoader creates a Loader that will talk over provider.
func NewLoader(provider CommunicationProvider, opts LoaderOptions) *Loader {
	opts = opts.withDefaults()

	id := ""
	if u, err := uuid.NewV7(); err == nil {
		id = u.String()
	}

	return &Loader{
		id:              id,
		provider:        provider,
		opts:            opts,
		log:             opts.Logger.With().Str("loader_id", id).Logger(),
		pendingRequests: make(map[uint32]chan Header),
		readySignal:     make(chan ReadyInfo, 1),
		shutdownAck:     make(chan struct{}, 1),
	}
}

// NewProcessLoader creates a Loader for a plugin executable. The codec name
// is passed to the child through CodecEnv, and the child's stderr is logged
// line by line unless popts.Stderr is set.
func NewProcessLoader(path string, popts process.Options, opts LoaderOptions) *Loader {
	opts = opts.withDefaults()

	env := maps.Clone(popts.Env)
	if env == nil {
		env = make(map[string]string, 1)
	}
	env[CodecEnv] = opts.Codec.Name()
	popts.Env = env

	var stderr *logging.LineWriter
	if popts.Stderr == nil {
		stderr = logging.NewLineWriter(opts.Logger.With().Str("plugin_path", path).Str("stream", "stderr").Logger(), zerolog.InfoLevel)
		popts.Stderr = stderr
	}

	l := NewLoader(&ProcessProvider{Path: path, Options: popts}, opts)
	if stderr != nil {
		l.stderr = stderr
	}
	return l
}

// ID identifies this loader instance in logs.
func (l *Loader) ID() string {
	return l.id
}

// Info returns what the plugin announced. It is empty before Load succeeds.
func (l *Loader) Info() ReadyInfo {
	return l.info
}

// Load opens the channel and waits for the plugin to announce itself. The
// loader outlives ctx; only the wait for readiness is bounded by it.
func (l *Loader) Load(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	if !l.loaded.CompareAndSwap(false, true) {
		return fmt.Errorf("plugin loader already loaded")
	}

	reader, writer, err := l.provider.CreateChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open plugin channel: %w", err)
	}
	l.node = multiplexer.NewNode(reader, writer)

	l.loadCtx, l.cancelLoad = context.WithCancel(context.WithoutCancel(ctx))

	l.wg.Add(1)
	go l.handleMessages()

	info, err := l.waitForReadySignal(ctx)
	if err != nil {
		l.cancelLoad()
		l.release()
		return err
	}

	hooks, err := info.HookSet()
	if err != nil {
		l.cancelLoad()
		l.release()
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if info.Name == "" {
		l.cancelLoad()
		l.release()
		return fmt.Errorf("%w: plugin announced an empty name", ErrNotReady)
	}

	l.info = info
	l.hooks = hooks
	l.log = l.log.With().Str("plugin", info.Name).Logger()
	l.log.Info().
		Str("hooks", hooks.String()).
		Str("codec", l.opts.Codec.Name()).
		Msg("plugin ready")
	return nil
}

func (l *Loader) waitForReadySignal(ctx context.Context) (ReadyInfo, error) {
	timer := time.NewTimer(l.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case info := <-l.readySignal:
		return info, nil
	case <-ctx.Done():
		return ReadyInfo{}, ctx.Err()
	case <-l.loadCtx.Done():
		return ReadyInfo{}, fmt.Errorf("%w: channel closed before ready", ErrNotReady)
	case <-timer.C:
		return ReadyInfo{}, fmt.Errorf("%w: no ready signal within %s", ErrNotReady, l.opts.ReadyTimeout)
	}
}

// Call sends a request named name and waits for its response payload.
func (l *Loader) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	if l.closed.Load() || l.node == nil {
		return nil, ErrLoaderClosed
	}

	requestHeader := Header{Name: name, MessageType: MessageTypeRequest, Payload: payload}
	headerData, err := requestHeader.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	requestID := l.node.NextSequence()
	responseChan := make(chan Header, 1)

	l.requestMutex.Lock()
	if l.exited.Load() {
		l.requestMutex.Unlock()
		return nil, ErrLoaderClosed
	}
	l.pendingRequests[requestID] = responseChan
	l.requestMutex.Unlock()

	defer func() {
		l.requestMutex.Lock()
		delete(l.pendingRequests, requestID)
		l.requestMutex.Unlock()
	}()

	if err := l.node.WriteMessageWithSequence(ctx, requestID, headerData); err != nil {
		return nil, fmt.Errorf("failed to write request message: %w", err)
	}

	select {
	case responseHeader, ok := <-responseChan:
		if !ok {
			return nil, fmt.Errorf("%w: plugin exited during %s", ErrLoaderClosed, name)
		}
		if responseHeader.IsError {
			return nil, &RemoteError{Plugin: l.info.Name, Name: name, Message: string(responseHeader.Payload)}
		}
		return responseHeader.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.loadCtx.Done():
		return nil, ErrLoaderClosed
	}
}

// Close asks the plugin to shut down, waits for it briefly, then releases the
// channel. In-flight calls fail with ErrLoaderClosed.
func (l *Loader) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.node == nil {
		return l.release()
	}

	if !l.exited.Load() {
		l.shutdownGracefully()
	}

	l.cancelLoad()
	closeErr := l.release()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.opts.ShutdownTimeout):
		l.log.Warn().Msg("message loop did not stop in time")
	}

	l.log.Debug().Msg("plugin closed")
	return closeErr
}

// release closes the channel, then flushes stderr once the process is reaped.
func (l *Loader) release() error {
	err := l.provider.Close()
	if l.node != nil {
		if n := l.node.GetPendingMessageCount(); n > 0 {
			l.log.Debug().Int("partial_messages", n).Msg("dropping partially received messages")
		}
		l.node.Close()
	}
	if l.stderr != nil {
		err = errors.Join(err, l.stderr.Close())
	}
	return err
}

func (l *Loader) shutdownGracefully() {
	shutdownHeader := Header{Name: messageShutdown, MessageType: MessageTypeRequest}
	data, err := shutdownHeader.MarshalBinary()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ShutdownTimeout)
	defer cancel()

	if err := l.node.WriteMessage(ctx, data); err != nil {
		l.log.Debug().Err(err).Msg("failed to send shutdown")
		return
	}

	select {
	case <-l.shutdownAck:
	case <-l.loadCtx.Done():
		return
	case <-ctx.Done():
		l.log.Warn().Msg("plugin did not acknowledge shutdown")
		return
	}

	// A forked plugin exits on its own once in-flight calls finish.
	if exiter, ok := l.provider.(interface{ Done() <-chan struct{} }); ok {
		select {
		case <-exiter.Done():
		case <-ctx.Done():
			l.log.Warn().Msg("plugin did not exit after shutdown")
		}
	}
}

// IsAlive reports whether the plugin can still take calls.
func (l *Loader) IsAlive() bool {
	return l.loaded.Load() && !l.closed.Load() && !l.exited.Load()
}
