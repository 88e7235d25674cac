package plugin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType tells the receiver what to do with a Header.
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0x01 // expects a response under the same sequence
	MessageTypeResponse MessageType = 0x02
	MessageTypeNotify   MessageType = 0x03 // no response expected
	MessageTypeAck      MessageType = 0x04
	MessageTypeError    MessageType = 0x05 // failed response; payload is the message text
)

func (mt MessageType) String() string {
	switch mt {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeNotify:
		return "notify"
	case MessageTypeAck:
		return "ack"
	case MessageTypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(mt))
	}
}

// Header is the envelope carried by every multiplexed message.
//
// Layout: name length (u32), name, error flag (u8), message type (u8),
// payload length (u32), payload. Integers are big endian.
type Header struct {
	Name        string
	IsError     bool
	MessageType MessageType
	Payload     []byte
}

const headerFixedSize = 4 + 1 + 1 + 4

var errShortHeader = errors.New("header is truncated")

func (h *Header) MarshalBinary() ([]byte, error) {
	if uint64(len(h.Name)) > 0xFFFFFFFF || uint64(len(h.Payload)) > 0xFFFFFFFF {
		return nil, errors.New("header field exceeds 4 GiB")
	}

	buf := make([]byte, 0, headerFixedSize+len(h.Name)+len(h.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Name)))
	buf = append(buf, h.Name...)
	if h.IsError {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(h.MessageType))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Payload)))
	buf = append(buf, h.Payload...)
	return buf, nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("failed to read name length: %w", errShortHeader)
	}
	nameLen := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint64(len(data)) < uint64(nameLen)+2+4 {
		return fmt.Errorf("failed to read name: %w", errShortHeader)
	}
	name := string(data[:nameLen])
	data = data[nameLen:]

	isError := data[0] == 1
	msgType := MessageType(data[1])
	payloadLen := binary.BigEndian.Uint32(data[2:6])
	data = data[6:]
	if uint64(len(data)) != uint64(payloadLen) {
		return fmt.Errorf("failed to read payload: expected %d bytes, got %d", payloadLen, len(data))
	}

	h.Name = name
	h.IsError = isError
	h.MessageType = msgType
	h.Payload = bytes.Clone(data)
	return nil
}
