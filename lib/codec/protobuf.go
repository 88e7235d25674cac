package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf carries documents as serialized google.protobuf.Value messages.
// Numbers travel as doubles, so integers beyond 2^53 lose precision.
var Protobuf Codec = protobufCodec{}

type protobufCodec struct{}

func (protobufCodec) Name() string { return "protobuf" }

func (protobufCodec) Marshal(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protobuf codec: failed to marshal document: %w", err)
	}

	value := new(structpb.Value)
	if err := protojson.Unmarshal(doc, value); err != nil {
		return nil, fmt.Errorf("protobuf codec: failed to build value: %w", err)
	}

	data, err := proto.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("protobuf codec: failed to marshal value: %w", err)
	}
	return data, nil
}

func (c protobufCodec) Unmarshal(data []byte, v any) error {
	doc, err := c.ToJSON(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("protobuf codec: failed to decode document: %w", err)
	}
	return nil
}

// ToJSON decodes the Value. An empty payload is the JSON null.
func (protobufCodec) ToJSON(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte("null"), nil
	}

	value := new(structpb.Value)
	if err := proto.Unmarshal(data, value); err != nil {
		return nil, fmt.Errorf("protobuf codec: failed to unmarshal value: %w", err)
	}
	if value.GetKind() == nil {
		return []byte("null"), nil
	}

	doc, err := protojson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("protobuf codec: failed to render document: %w", err)
	}
	return doc, nil
}
