package engine

import (
	"encoding/json"
	"fmt"

	"github.com/go-sourcemap/sourcemap"
)

// SourceMap is a version 3 source map as the engine keeps it.
type SourceMap struct {
	File           string
	SourceRoot     string
	Mappings       string
	Names          []string
	Sources        []string
	SourcesContent []*string
	Version        int
}

type rawSourceMap struct {
	Version        int       `json:"version"`
	File           string    `json:"file,omitempty"`
	SourceRoot     string    `json:"sourceRoot,omitempty"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent,omitempty"`
	Names          []string  `json:"names"`
	Mappings       string    `json:"mappings"`
}

// MarshalJSON renders the map in the standard v3 layout.
func (m *SourceMap) MarshalJSON() ([]byte, error) {
	raw := rawSourceMap{
		Version:        m.Version,
		File:           m.File,
		SourceRoot:     m.SourceRoot,
		Sources:        m.Sources,
		SourcesContent: m.SourcesContent,
		Names:          m.Names,
		Mappings:       m.Mappings,
	}
	if raw.Version == 0 {
		raw.Version = 3
	}
	if raw.Sources == nil {
		raw.Sources = []string{}
	}
	if raw.Names == nil {
		raw.Names = []string{}
	}
	return json.Marshal(raw)
}

// ValidateMappings checks that mappings decodes as base64 VLQ segments. An
// empty string is a map without segments.
func ValidateMappings(mappings string) error {
	if mappings == "" {
		return nil
	}
	data, err := json.Marshal(rawSourceMap{Version: 3, Sources: []string{}, Names: []string{}, Mappings: mappings})
	if err != nil {
		return err
	}
	if _, err := sourcemap.Parse("", data); err != nil {
		return fmt.Errorf("invalid mappings: %w", err)
	}
	return nil
}

// Position is a location in an original source file. Line is 1-based,
// Column is 0-based, matching the source map specification.
type Position struct {
	Source string
	Name   string
	Line   int
	Column int
}

// OriginalPosition maps a generated location back through the map.
// The boolean is false when the location has no mapping.
func (m *SourceMap) OriginalPosition(line, column int) (Position, bool, error) {
	data, err := m.MarshalJSON()
	if err != nil {
		return Position{}, false, fmt.Errorf("failed to encode source map: %w", err)
	}

	consumer, err := sourcemap.Parse(m.File, data)
	if err != nil {
		return Position{}, false, fmt.Errorf("failed to parse source map: %w", err)
	}

	source, name, origLine, origColumn, ok := consumer.Source(line, column)
	if !ok {
		return Position{}, false, nil
	}
	return Position{Source: source, Name: name, Line: origLine, Column: origColumn}, true, nil
}
