package multiplexer_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/snowmerak/bundlehook/lib/multiplexer"
)

func receive(t *testing.T, ch <-chan *multiplexer.Message) *multiplexer.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func frame(msgType uint8, seq uint32, data []byte) []byte {
	b := make([]byte, multiplexer.MessageHeaderSize+len(data))
	b[0] = msgType
	binary.BigEndian.PutUint32(b[1:5], seq)
	binary.BigEndian.PutUint32(b[5:9], uint32(len(data)))
	copy(b[multiplexer.MessageHeaderSize:], data)
	return b
}

func TestNode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		seq  uint32
		data []byte
	}{
		{name: "empty data", seq: 1, data: []byte{}},
		{name: "small data", seq: 2, data: []byte("hello world")},
		{name: "several chunks", seq: 3, data: bytes.Repeat([]byte("x"), 3*multiplexer.MessageChunkSize+17)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, writer := io.Pipe()
			defer reader.Close()
			defer writer.Close()

			node := multiplexer.NewNode(reader, writer)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			messageCh, err := node.ReadMessage(ctx)
			require.NoError(t, err)

			errCh := make(chan error, 1)
			go func() { errCh <- node.WriteMessageWithSequence(ctx, tt.seq, tt.data) }()

			msg := receive(t, messageCh)
			assert.Equal(t, multiplexer.MessageHeaderTypeComplete, msg.Type)
			assert.Equal(t, tt.seq, msg.ID)
			assert.Equal(t, tt.data, msg.Data)
			require.NoError(t, <-errCh)
			assert.Zero(t, node.GetPendingMessageCount())
		})
	}
}

func TestNode_InterleavedMessages(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(multiplexer.MessageHeaderTypeStart, 7, nil))
	stream.Write(frame(multiplexer.MessageHeaderTypeStart, 8, nil))
	stream.Write(frame(multiplexer.MessageHeaderTypeData, 8, []byte("eig")))
	stream.Write(frame(multiplexer.MessageHeaderTypeData, 7, []byte("sev")))
	stream.Write(frame(multiplexer.MessageHeaderTypeData, 8, []byte("ht")))
	stream.Write(frame(multiplexer.MessageHeaderTypeEnd, 8, nil))
	stream.Write(frame(multiplexer.MessageHeaderTypeData, 7, []byte("en")))
	stream.Write(frame(multiplexer.MessageHeaderTypeEnd, 7, nil))

	node := multiplexer.NewNode(&stream, nil)
	ch, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	first := receive(t, ch)
	assert.Equal(t, uint32(8), first.ID)
	assert.Equal(t, "eight", string(first.Data))

	second := receive(t, ch)
	assert.Equal(t, uint32(7), second.ID)
	assert.Equal(t, "seven", string(second.Data))

	_, ok := <-ch
	assert.False(t, ok, "channel should close at end of stream")
}

func TestNode_ConcurrentWriters(t *testing.T) {
	reader, writer := io.Pipe()
	defer reader.Close()
	defer writer.Close()

	node := multiplexer.NewNode(reader, writer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := node.ReadMessage(ctx)
	require.NoError(t, err)

	const writers = 8
	payloads := make(map[uint32]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		seq := uint32(i + 1)
		payload := fmt.Sprintf("%d:%s", seq, bytes.Repeat([]byte{'a' + byte(i)}, multiplexer.MessageChunkSize+i))
		payloads[seq] = payload
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, node.WriteMessageWithSequence(ctx, seq, []byte(payload)))
		}()
	}

	for i := 0; i < writers; i++ {
		msg := receive(t, ch)
		require.Equal(t, multiplexer.MessageHeaderTypeComplete, msg.Type)
		assert.Equal(t, payloads[msg.ID], string(msg.Data))
	}
	wg.Wait()
}

func TestNode_StreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
		want   string
	}{
		{
			name:   "data before start",
			frames: [][]byte{frame(multiplexer.MessageHeaderTypeData, 3, []byte("x"))},
			want:   "data for unknown frame 3",
		},
		{
			name:   "end before start",
			frames: [][]byte{frame(multiplexer.MessageHeaderTypeEnd, 4, nil)},
			want:   "end of unknown frame 4",
		},
		{
			name: "duplicate start",
			frames: [][]byte{
				frame(multiplexer.MessageHeaderTypeStart, 5, nil),
				frame(multiplexer.MessageHeaderTypeStart, 5, nil),
			},
			want: "frame 5 already started",
		},
		{
			name:   "unknown type",
			frames: [][]byte{frame(0x7f, 1, nil)},
			want:   "unknown frame type 127",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := multiplexer.NewNode(bytes.NewReader(bytes.Join(tt.frames, nil)), nil)
			ch, err := node.ReadMessage(context.Background())
			require.NoError(t, err)

			msg := receive(t, ch)
			assert.Equal(t, multiplexer.MessageHeaderTypeError, msg.Type)
			assert.Equal(t, tt.want, string(msg.Data))
		})
	}
}

func TestNode_OversizedFrameEndsStream(t *testing.T) {
	header := make([]byte, multiplexer.MessageHeaderSize)
	header[0] = multiplexer.MessageHeaderTypeData
	binary.BigEndian.PutUint32(header[1:5], 1)
	binary.BigEndian.PutUint32(header[5:9], multiplexer.MaxMessageSize+1)

	node := multiplexer.NewNode(bytes.NewReader(header), nil)
	ch, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	msg := receive(t, ch)
	assert.Equal(t, multiplexer.MessageHeaderTypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "exceeds maximum")

	_, ok := <-ch
	assert.False(t, ok)
}

func TestNode_WriteRejectsOversizedMessage(t *testing.T) {
	node := multiplexer.NewNode(nil, io.Discard)
	err := node.WriteMessage(context.Background(), make([]byte, multiplexer.MaxMessageSize+1))
	assert.ErrorIs(t, err, multiplexer.ErrMessageTooLarge)
}

func TestNode_AbortOnCanceledWrite(t *testing.T) {
	var stream bytes.Buffer
	writerNode := multiplexer.NewNode(nil, &stream)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := writerNode.WriteMessageWithSequence(ctx, 9, []byte("never"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stream.Len(), "nothing is written for an already canceled context")

	stream.Write(frame(multiplexer.MessageHeaderTypeStart, 9, nil))
	stream.Write(frame(multiplexer.MessageHeaderTypeData, 9, []byte("par")))
	stream.Write(frame(multiplexer.MessageHeaderTypeAbort, 9, nil))

	readerNode := multiplexer.NewNode(&stream, nil)
	ch, err := readerNode.ReadMessage(context.Background())
	require.NoError(t, err)

	msg := receive(t, ch)
	assert.Equal(t, multiplexer.MessageHeaderTypeAbort, msg.Type)
	assert.Equal(t, uint32(9), msg.ID)
	assert.Zero(t, readerNode.GetPendingMessageCount())
}

func TestNode_ReadMessage_EOF(t *testing.T) {
	reader, writer := io.Pipe()
	node := multiplexer.NewNode(reader, writer)

	ch, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	writer.Close()

	select {
	case msg, ok := <-ch:
		assert.False(t, ok, "expected channel to close, got %+v", msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestNode_NextSequenceSkipsZero(t *testing.T) {
	node := multiplexer.NewNode(nil, nil)
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		seq := node.NextSequence()
		assert.NotZero(t, seq)
		assert.False(t, seen[seq])
		seen[seq] = true
	}
}

func TestNode_PropertyBased_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, multiplexer.MessageChunkSize+64), 1, 4).Draw(t, "payloads")

		var stream bytes.Buffer
		writer := multiplexer.NewNode(nil, &stream)
		for i, p := range payloads {
			if err := writer.WriteMessageWithSequence(context.Background(), uint32(i+1), p); err != nil {
				t.Fatal(err)
			}
		}

		reader := multiplexer.NewNode(&stream, nil)
		ch, err := reader.ReadMessage(context.Background())
		if err != nil {
			t.Fatal(err)
		}

		i := 0
		for msg := range ch {
			if msg.Type != multiplexer.MessageHeaderTypeComplete {
				t.Fatalf("unexpected message type %d: %s", msg.Type, msg.Data)
			}
			if msg.ID != uint32(i+1) || !bytes.Equal(msg.Data, payloads[i]) {
				t.Fatalf("message %d mismatch", i)
			}
			i++
		}
		if i != len(payloads) {
			t.Fatalf("got %d messages, want %d", i, len(payloads))
		}
	})
}

func TestNode_CloseDropsPartialMessages(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(multiplexer.MessageHeaderTypeStart, 3, nil))
	stream.Write(frame(multiplexer.MessageHeaderTypeData, 3, []byte("half")))

	node := multiplexer.NewNode(&stream, nil)
	ch, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	_, ok := <-ch
	require.False(t, ok, "stream ends without a complete message")
	assert.Equal(t, 1, node.GetPendingMessageCount())

	require.NoError(t, node.Close())
	assert.Zero(t, node.GetPendingMessageCount())
}
