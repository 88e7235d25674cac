// Package multiplexer frames independent messages over one byte stream.
//
// Each message is sent as a start frame, any number of data frames and an end
// frame, all tagged with the message's sequence number. Frames of different
// messages may interleave, so several calls can share one pipe to a plugin.
//
// A frame is a 9-byte header followed by its data:
//
//	byte 0     frame type
//	bytes 1-4  sequence, big endian
//	bytes 5-8  data length, big endian
package multiplexer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	MessageHeaderSize = 9

	MessageHeaderTypeStart    = uint8(0x01)
	MessageHeaderTypeEnd      = uint8(0x02)
	MessageHeaderTypeData     = uint8(0x03)
	MessageHeaderTypeError    = uint8(0x04) // stream-level problem, reported locally
	MessageHeaderTypeComplete = uint8(0x05) // all frames of a message arrived
	MessageHeaderTypeAbort    = uint8(0x06) // sender gave up on the message
)

const (
	// MessageChunkSize is the largest data frame a Node writes.
	MessageChunkSize = 32 * 1024
	// MaxMessageSize bounds a reassembled message.
	MaxMessageSize = 10 * 1024 * 1024
)

// ErrMessageTooLarge is returned for messages over MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Message is a reassembled message or a locally generated error.
type Message struct {
	ID   uint32
	Data []byte
	Type uint8
}

// Node reads and writes framed messages. Writes are safe for concurrent use;
// ReadMessage should be called once.
type Node struct {
	reader io.Reader
	writer io.Writer

	writerLock sync.Mutex
	readerLock sync.Mutex

	readBuffer map[uint32]*Message

	sequence atomic.Uint32
}

func NewNode(reader io.Reader, writer io.Writer) *Node {
	return &Node{
		reader:     reader,
		writer:     writer,
		readBuffer: make(map[uint32]*Message),
	}
}

// ReadMessage starts reading frames and returns a channel of complete,
// aborted and error messages. The channel closes when the stream ends, a
// frame header cannot be read, or ctx is done.
func (n *Node) ReadMessage(ctx context.Context) (<-chan *Message, error) {
	if n.reader == nil {
		return nil, errors.New("reader is nil")
	}

	ch := make(chan *Message, 64)

	go func() {
		defer close(ch)

		emit := func(m *Message) bool {
			select {
			case ch <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(format string, args ...any) bool {
			return emit(&Message{Type: MessageHeaderTypeError, Data: []byte(fmt.Sprintf(format, args...))})
		}

		header := make([]byte, MessageHeaderSize)
		for {
			if ctx.Err() != nil {
				return
			}

			if _, err := io.ReadFull(n.reader, header); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					fail("failed to read frame header: %v", err)
				}
				return
			}

			msgType := header[0]
			frameID := binary.BigEndian.Uint32(header[1:5])
			dataLength := binary.BigEndian.Uint32(header[5:9])

			if dataLength > MaxMessageSize {
				fail("frame %d: data length %d exceeds maximum %d", frameID, dataLength, MaxMessageSize)
				return
			}

			var data []byte
			if dataLength > 0 {
				data = make([]byte, dataLength)
				if _, err := io.ReadFull(n.reader, data); err != nil {
					fail("frame %d: failed to read data: %v", frameID, err)
					return
				}
			}

			switch msgType {
			case MessageHeaderTypeStart:
				n.readerLock.Lock()
				_, exists := n.readBuffer[frameID]
				if !exists {
					n.readBuffer[frameID] = &Message{ID: frameID, Type: MessageHeaderTypeStart}
				}
				n.readerLock.Unlock()

				if exists && !fail("frame %d already started", frameID) {
					return
				}

			case MessageHeaderTypeData:
				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				tooLarge := ok && len(m.Data)+len(data) > MaxMessageSize
				if tooLarge {
					delete(n.readBuffer, frameID)
				} else if ok {
					m.Data = append(m.Data, data...)
				}
				n.readerLock.Unlock()

				switch {
				case !ok:
					if !fail("data for unknown frame %d", frameID) {
						return
					}
				case tooLarge:
					if !fail("frame %d: %v", frameID, ErrMessageTooLarge) {
						return
					}
				}

			case MessageHeaderTypeEnd, MessageHeaderTypeAbort:
				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				delete(n.readBuffer, frameID)
				n.readerLock.Unlock()

				if !ok {
					if !fail("end of unknown frame %d", frameID) {
						return
					}
					continue
				}

				m.Type = MessageHeaderTypeComplete
				if msgType == MessageHeaderTypeAbort {
					m.Type = MessageHeaderTypeAbort
				}
				if m.Data == nil {
					m.Data = []byte{}
				}
				if !emit(m) {
					return
				}

			default:
				if !fail("unknown frame type %d", msgType) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (n *Node) write(msgType uint8, frameID uint32, data []byte) error {
	n.writerLock.Lock()
	defer n.writerLock.Unlock()
	if n.writer == nil {
		return errors.New("writer is nil")
	}

	frame := make([]byte, MessageHeaderSize+len(data))
	frame[0] = msgType
	binary.BigEndian.PutUint32(frame[1:5], frameID)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(data)))
	copy(frame[MessageHeaderSize:], data)

	if _, err := n.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessageWithSequence sends data under seq. If ctx ends part way, an
// abort frame is sent and ctx.Err() returned.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	abort := func() error {
		if err := n.write(MessageHeaderTypeAbort, seq, nil); err != nil {
			return fmt.Errorf("failed to write abort frame: %w", err)
		}
		return ctx.Err()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.write(MessageHeaderTypeStart, seq, nil); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	for len(data) > 0 {
		if ctx.Err() != nil {
			return abort()
		}

		chunkSize := min(len(data), MessageChunkSize)
		if err := n.write(MessageHeaderTypeData, seq, data[:chunkSize]); err != nil {
			return fmt.Errorf("failed to write data chunk: %w", err)
		}
		data = data[chunkSize:]
	}

	if ctx.Err() != nil {
		return abort()
	}
	if err := n.write(MessageHeaderTypeEnd, seq, nil); err != nil {
		return fmt.Errorf("failed to write end frame: %w", err)
	}
	return nil
}

// WriteMessage sends data under the next sequence number.
func (n *Node) WriteMessage(ctx context.Context, data []byte) error {
	return n.WriteMessageWithSequence(ctx, n.NextSequence(), data)
}

// NextSequence returns a fresh non-zero sequence number.
func (n *Node) NextSequence() uint32 {
	for {
		if seq := n.sequence.Add(1); seq != 0 {
			return seq
		}
	}
}

// Close drops partially received messages.
func (n *Node) Close() error {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()
	clear(n.readBuffer)
	return nil
}

// GetPendingMessageCount returns the number of partially received messages.
func (n *Node) GetPendingMessageCount() int {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()
	return len(n.readBuffer)
}
