package plugin

import (
	"github.com/rs/zerolog"

	"github.com/snowmerak/bundlehook/lib/multiplexer"
)

// handleMessages routes everything the plugin sends until the stream ends.
func (l *Loader) handleMessages() {
	defer l.wg.Done()
	defer l.cancelLoad()
	defer l.failPending()

	recv, err := l.node.ReadMessage(l.loadCtx)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to read from plugin")
		return
	}

	for mesg := range recv {
		switch mesg.Type {
		case multiplexer.MessageHeaderTypeError:
			l.log.Warn().Str("detail", string(mesg.Data)).Msg("plugin stream error")
			continue
		case multiplexer.MessageHeaderTypeAbort:
			l.deliver(mesg.ID, Header{IsError: true, MessageType: MessageTypeError, Payload: []byte("response aborted by plugin")})
			continue
		}

		var header Header
		if err := header.UnmarshalBinary(mesg.Data); err != nil {
			l.log.Warn().Err(err).Uint32("seq", mesg.ID).Msg("invalid message header")
			continue
		}

		switch {
		case header.Name == messageReady:
			var info ReadyInfo
			if err := l.opts.Codec.Unmarshal(header.Payload, &info); err != nil {
				l.log.Error().Err(err).Msg("invalid ready announcement")
				continue
			}
			select {
			case l.readySignal <- info:
			default:
			}

		case header.Name == messageShutdownAck:
			select {
			case l.shutdownAck <- struct{}{}:
			default:
			}

		case header.MessageType == MessageTypeResponse || header.MessageType == MessageTypeError:
			if !l.deliver(mesg.ID, header) {
				l.log.Debug().Uint32("seq", mesg.ID).Str("name", header.Name).Msg("response for unknown request")
			}

		case header.MessageType == MessageTypeNotify:
			l.notify(header)

		default:
			l.log.Debug().Str("name", header.Name).Stringer("type", header.MessageType).Msg("ignored message")
		}
	}
}

func (l *Loader) deliver(requestID uint32, header Header) bool {
	l.requestMutex.Lock()
	defer l.requestMutex.Unlock()

	ch, ok := l.pendingRequests[requestID]
	if !ok {
		return false
	}
	delete(l.pendingRequests, requestID)
	ch <- header
	return true
}

// failPending wakes every waiting call once the stream is gone.
func (l *Loader) failPending() {
	l.requestMutex.Lock()
	defer l.requestMutex.Unlock()

	l.exited.Store(true)
	for id, ch := range l.pendingRequests {
		close(ch)
		delete(l.pendingRequests, id)
	}
}

func (l *Loader) notify(header Header) {
	level := zerolog.DebugLevel
	switch header.Name {
	case NotifyInfo:
		level = zerolog.InfoLevel
	case NotifyWarning:
		level = zerolog.WarnLevel
	case NotifyError:
		level = zerolog.ErrorLevel
	}
	l.log.WithLevel(level).Str("source", "plugin").Str("kind", header.Name).Msg(string(header.Payload))
}
