package hook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/snowmerak/bundlehook/lib/engine"
)

// Plugins outside the process hand results back as JSON documents. The
// parsers below check each document against the record's schema before
// decoding it, so a missing or mistyped required field is reported instead of
// silently becoming a zero value. Keys must match the schema exactly and
// appear once. A null or empty document means the hook declined and yields a
// nil result.

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindInt
	kindStringArray
	kindNullableStringArray
	kindObject
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindBool:
		return "boolean"
	case kindInt:
		return "integer"
	case kindStringArray:
		return "array of strings"
	case kindNullableStringArray:
		return "array of strings or nulls"
	default:
		return "object"
	}
}

type field struct {
	name     string
	kind     fieldKind
	required bool
	fields   []field // for kindObject
}

var sourceMapFields = []field{
	{name: "mappings", kind: kindString, required: true},
	{name: "names", kind: kindStringArray},
	{name: "sources", kind: kindStringArray},
	{name: "sourcesContent", kind: kindNullableStringArray},
	{name: "file", kind: kindString},
	{name: "sourceRoot", kind: kindString},
	{name: "version", kind: kindInt},
}

var (
	resolveIDResultFields = []field{
		{name: "id", kind: kindString, required: true},
		{name: "external", kind: kindBool},
	}
	sourceResultFields = []field{
		{name: "code", kind: kindString, required: true},
		{name: "map", kind: kindObject, fields: sourceMapFields},
	}
	renderChunkOutputFields = []field{
		{name: "code", kind: kindString, required: true},
	}
)

// ParseResolveIDResult decodes a resolveId response.
func ParseResolveIDResult(data []byte) (*ResolveIDResult, error) {
	var out ResolveIDResult
	ok, err := parseDocument(data, resolveIDResultFields, &out)
	if !ok || err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseSourceResult decodes a load or transform response.
func ParseSourceResult(data []byte) (*SourceResult, error) {
	var out SourceResult
	ok, err := parseDocument(data, sourceResultFields, &out)
	if !ok || err != nil {
		return nil, err
	}
	if out.Map != nil {
		if err := engine.ValidateMappings(out.Map.Mappings); err != nil {
			return nil, &FieldError{Field: "map.mappings", Reason: err.Error()}
		}
	}
	return &out, nil
}

// ParseRenderChunkOutput decodes a renderChunk response.
func ParseRenderChunkOutput(data []byte) (*RenderChunkOutput, error) {
	var out RenderChunkOutput
	ok, err := parseDocument(data, renderChunkOutputFields, &out)
	if !ok || err != nil {
		return nil, err
	}
	return &out, nil
}

// parseDocument reports false with no error when the document is absent.
func parseDocument(data []byte, fields []field, out any) (bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return false, nil
	}
	if !gjson.ValidBytes(data) {
		return false, &FieldError{Reason: "response is not valid JSON"}
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return false, &FieldError{Reason: fmt.Sprintf("expected an object, got %s", describe(doc))}
	}
	if err := checkFields(doc, "", fields); err != nil {
		return false, err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, &FieldError{Reason: err.Error()}
	}
	return true, nil
}

func fieldPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// checkKeys rejects duplicate keys and keys that differ from a schema field
// only by case. Keys unrelated to the schema are ignored.
func checkKeys(obj gjson.Result, prefix string, fields []field) error {
	var err error
	seen := make(map[string]bool)
	obj.ForEach(func(key, _ gjson.Result) bool {
		name := key.String()
		if seen[name] {
			err = &FieldError{Field: fieldPath(prefix, name), Reason: "duplicate key"}
			return false
		}
		seen[name] = true

		for _, f := range fields {
			if name != f.name && strings.EqualFold(name, f.name) {
				err = &FieldError{Field: fieldPath(prefix, name), Reason: fmt.Sprintf("unknown key, field names are case-sensitive (want %q)", f.name)}
				return false
			}
		}
		return true
	})
	return err
}

func checkFields(obj gjson.Result, prefix string, fields []field) error {
	if err := checkKeys(obj, prefix, fields); err != nil {
		return err
	}
	for _, f := range fields {
		path := fieldPath(prefix, f.name)

		v := obj.Get(f.name)
		if !v.Exists() || v.Type == gjson.Null {
			if f.required {
				return &FieldError{Field: path, Reason: "required field is missing"}
			}
			continue
		}

		if !matches(v, f.kind) {
			return &FieldError{Field: path, Reason: fmt.Sprintf("expected %s, got %s", f.kind, describe(v))}
		}

		if f.kind == kindObject {
			if err := checkFields(v, path, f.fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func matches(v gjson.Result, kind fieldKind) bool {
	switch kind {
	case kindString:
		return v.Type == gjson.String
	case kindBool:
		return v.Type == gjson.True || v.Type == gjson.False
	case kindInt:
		return v.Type == gjson.Number && v.Num == float64(int64(v.Num))
	case kindStringArray, kindNullableStringArray:
		if !v.IsArray() {
			return false
		}
		ok := true
		v.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String || (kind == kindNullableStringArray && item.Type == gjson.Null) {
				return true
			}
			ok = false
			return false
		})
		return ok
	default:
		return v.IsObject()
	}
}

func describe(v gjson.Result) string {
	switch {
	case v.IsObject():
		return "object"
	case v.IsArray():
		return "array"
	case v.Type == gjson.String:
		return "string"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.True, v.Type == gjson.False:
		return "boolean"
	default:
		return "null"
	}
}
