// Package codec encodes the payloads exchanged with remote plugins.
//
// Every payload is a JSON-shaped document. The JSON codec ships it as text;
// the protobuf codec ships it as a google.protobuf.Value so plugins written
// against protobuf tooling can read it without a JSON parser. Either way the
// receiving side can always recover the JSON document with ToJSON.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Codec turns values into wire payloads and back.
type Codec interface {
	// Name is the manifest name of the codec.
	Name() string
	// Marshal encodes any value that encoding/json can encode.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes a payload into v as encoding/json would.
	Unmarshal(data []byte, v any) error
	// ToJSON recovers the JSON document carried by a payload.
	ToJSON(data []byte) ([]byte, error)
}

// ErrUnknownCodec is returned by Lookup for names no codec answers to.
var ErrUnknownCodec = errors.New("unknown codec")

var registry = map[string]Codec{
	JSON.Name():     JSON,
	Protobuf.Name(): Protobuf,
}

// Lookup finds a codec by name. An empty name selects JSON.
func Lookup(name string) (Codec, error) {
	if name == "" {
		return JSON, nil
	}
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JSON is the text codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: failed to marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: failed to unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) ToJSON(data []byte) ([]byte, error) {
	if len(data) > 0 && !json.Valid(data) {
		return nil, errors.New("json codec: payload is not valid JSON")
	}
	return data, nil
}
