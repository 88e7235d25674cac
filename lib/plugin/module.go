package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snowmerak/bundlehook/lib/codec"
	"github.com/snowmerak/bundlehook/lib/hook"
	"github.com/snowmerak/bundlehook/lib/multiplexer"
)

// ModuleOptions configures the plugin side of the channel.
type ModuleOptions struct {
	// Reader and Writer default to os.Stdin and os.Stdout.
	Reader io.Reader
	Writer io.Writer
	// Codec defaults to the one named by CodecEnv, or JSON.
	Codec  codec.Codec
	Logger zerolog.Logger
}

// Module serves one plugin's hooks to a host.
type Module struct {
	plugin    hook.PluginOptions
	codec     codec.Codec
	log       zerolog.Logger
	node      *multiplexer.Node
	notifySeq atomic.Uint32

	handlers map[string]func(ctx context.Context, payload []byte) ([]byte, error)

	activeJobs   sync.WaitGroup
	shuttingDown atomic.Bool
}

// New creates a Module for p.
func New(p hook.PluginOptions, opts ModuleOptions) (*Module, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: plugin name is empty", hook.ErrInvalidRegistration)
	}
	if opts.Reader == nil {
		opts.Reader = os.Stdin
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Codec == nil {
		c, err := codec.Lookup(os.Getenv(CodecEnv))
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}

	m := &Module{
		plugin: p,
		codec:  opts.Codec,
		log:    opts.Logger.With().Str("plugin", p.Name).Logger(),
		node:   multiplexer.NewNode(opts.Reader, opts.Writer),
	}
	m.handlers = m.buildHandlers()
	return m, nil
}

func (m *Module) buildHandlers() map[string]func(context.Context, []byte) ([]byte, error) {
	p := m.plugin
	c := m.codec
	handlers := make(map[string]func(context.Context, []byte) ([]byte, error))

	if p.BuildStart != nil {
		handlers[string(hook.HookBuildStart)] = NewHandlerAdapter(c, func(ctx context.Context, _ BuildStartArgs) (any, error) {
			return nil, p.BuildStart(ctx)
		}).Handle
	}
	if p.ResolveID != nil {
		handlers[string(hook.HookResolveID)] = NewHandlerAdapter(c, func(ctx context.Context, args ResolveIDArgs) (any, error) {
			return p.ResolveID(ctx, args.Specifier, args.Importer, args.Options)
		}).Handle
	}
	if p.Load != nil {
		handlers[string(hook.HookLoad)] = NewHandlerAdapter(c, func(ctx context.Context, args LoadArgs) (any, error) {
			return p.Load(ctx, args.ID)
		}).Handle
	}
	if p.Transform != nil {
		handlers[string(hook.HookTransform)] = NewHandlerAdapter(c, func(ctx context.Context, args TransformArgs) (any, error) {
			return p.Transform(ctx, args.ID, args.Code)
		}).Handle
	}
	if p.BuildEnd != nil {
		handlers[string(hook.HookBuildEnd)] = NewHandlerAdapter(c, func(ctx context.Context, args BuildEndArgs) (any, error) {
			return nil, p.BuildEnd(ctx, args.Error)
		}).Handle
	}
	if p.RenderChunk != nil {
		handlers[string(hook.HookRenderChunk)] = NewHandlerAdapter(c, func(ctx context.Context, args RenderChunkArgs) (any, error) {
			return p.RenderChunk(ctx, args.Code, args.Chunk)
		}).Handle
	}
	if p.GenerateBundle != nil {
		handlers[string(hook.HookGenerateBundle)] = NewHandlerAdapter(c, func(ctx context.Context, args GenerateBundleArgs) (any, error) {
			return nil, p.GenerateBundle(ctx, args.Bundle, args.IsWrite)
		}).Handle
	}
	if p.WriteBundle != nil {
		handlers[string(hook.HookWriteBundle)] = NewHandlerAdapter(c, func(ctx context.Context, args WriteBundleArgs) (any, error) {
			return nil, p.WriteBundle(ctx, args.Bundle)
		}).Handle
	}
	return handlers
}

// Listen announces the plugin and serves requests until the host sends
// shutdown, the stream ends, or ctx is done. Requests are handled
// concurrently; Listen returns only after they finish.
func (m *Module) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recv, err := m.node.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("failed to read from host: %w", err)
	}

	if err := m.sendReady(ctx); err != nil {
		return err
	}
	m.log.Debug().Str("codec", m.codec.Name()).Msg("plugin listening")

	for {
		select {
		case <-ctx.Done():
			m.activeJobs.Wait()
			return ctx.Err()
		case mesg, ok := <-recv:
			if !ok {
				m.activeJobs.Wait()
				return ctx.Err()
			}
			if done := m.processMessage(ctx, mesg); done {
				return nil
			}
		}
	}
}

func (m *Module) sendReady(ctx context.Context) error {
	payload, err := m.codec.Marshal(readyInfoOf(m.plugin))
	if err != nil {
		return fmt.Errorf("failed to encode ready announcement: %w", err)
	}
	if err := m.send(ctx, m.nextNotifySequence(), Header{Name: messageReady, MessageType: MessageTypeNotify, Payload: payload}); err != nil {
		return fmt.Errorf("failed to send ready announcement: %w", err)
	}
	return nil
}

// processMessage reports true once a shutdown has been acknowledged.
func (m *Module) processMessage(ctx context.Context, mesg *multiplexer.Message) bool {
	if mesg.Type != multiplexer.MessageHeaderTypeComplete {
		m.log.Debug().Uint8("type", mesg.Type).Uint32("seq", mesg.ID).Msg("dropped incomplete message")
		return false
	}

	var header Header
	if err := header.UnmarshalBinary(mesg.Data); err != nil {
		m.log.Warn().Err(err).Uint32("seq", mesg.ID).Msg("invalid message header")
		return false
	}
	if header.MessageType != MessageTypeRequest {
		return false
	}

	if header.Name == messageShutdown {
		m.shuttingDown.Store(true)
		m.activeJobs.Wait()
		if err := m.send(ctx, mesg.ID, Header{Name: messageShutdownAck, MessageType: MessageTypeAck}); err != nil {
			m.log.Debug().Err(err).Msg("failed to acknowledge shutdown")
		}
		return true
	}

	if m.shuttingDown.Load() {
		m.respondError(ctx, mesg.ID, header.Name, errors.New("plugin is shutting down"))
		return false
	}

	m.activeJobs.Add(1)
	go func() {
		defer m.activeJobs.Done()
		m.dispatch(ctx, mesg.ID, header)
	}()
	return false
}

func (m *Module) dispatch(ctx context.Context, seq uint32, header Header) {
	handler, ok := m.handlers[header.Name]
	if !ok {
		m.respondError(ctx, seq, header.Name, fmt.Errorf("hook %q is not implemented", header.Name))
		return
	}

	result, err := m.runHandler(ctx, handler, header.Payload)
	if err != nil {
		m.respondError(ctx, seq, header.Name, err)
		return
	}

	if err := m.send(ctx, seq, Header{Name: header.Name, MessageType: MessageTypeResponse, Payload: result}); err != nil {
		m.log.Warn().Err(err).Str("hook", header.Name).Msg("failed to send response")
	}
}

func (m *Module) runHandler(ctx context.Context, handler func(context.Context, []byte) ([]byte, error), payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}

func (m *Module) respondError(ctx context.Context, seq uint32, name string, cause error) {
	m.log.Debug().Err(cause).Str("hook", name).Msg("request failed")
	header := Header{Name: name, IsError: true, MessageType: MessageTypeError, Payload: []byte(cause.Error())}
	if err := m.send(ctx, seq, header); err != nil {
		m.log.Warn().Err(err).Str("hook", name).Msg("failed to send error response")
	}
}

// Notify sends a log line to the host. kind is NotifyInfo, NotifyWarning or
// NotifyError.
func (m *Module) Notify(ctx context.Context, kind, message string) error {
	return m.send(ctx, m.nextNotifySequence(), Header{Name: kind, MessageType: MessageTypeNotify, Payload: []byte(message)})
}

func (m *Module) nextNotifySequence() uint32 {
	return m.notifySeq.Add(1) | pluginOrigin
}

func (m *Module) send(ctx context.Context, seq uint32, header Header) error {
	data, err := header.MarshalBinary()
	if err != nil {
		return err
	}
	return m.node.WriteMessageWithSequence(ctx, seq, data)
}
