// Package config loads the plugin manifest: which plugins to open, in what
// order, and how to reach them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snowmerak/bundlehook/lib/codec"
)

const (
	DefaultReadyTimeout = 5 * time.Second
	DefaultCallTimeout  = 30 * time.Second
)

// Kind selects how a plugin is reached.
type Kind string

const (
	KindProcess Kind = "process" // executable speaking the framed protocol on stdio
	KindScript  Kind = "script"  // JavaScript file run in-process
	KindSocket  Kind = "socket"  // already-running plugin server
)

// PluginSpec is one manifest entry.
type PluginSpec struct {
	Kind     Kind              `yaml:"kind"`
	Path     string            `yaml:"path,omitempty"`
	Network  string            `yaml:"network,omitempty"`
	Address  string            `yaml:"address,omitempty"`
	Codec    string            `yaml:"codec,omitempty"`
	Args     []string          `yaml:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Disabled bool              `yaml:"disabled,omitempty"`
}

// Target is the path or address the entry points at.
func (s PluginSpec) Target() string {
	if s.Kind == KindSocket {
		return s.Network + "://" + s.Address
	}
	return s.Path
}

// Manifest is a parsed and validated plugin manifest.
type Manifest struct {
	DefaultExternal bool
	ReadyTimeout    time.Duration
	CallTimeout     time.Duration
	Plugins         []PluginSpec

	// Dir is the directory relative paths were resolved against.
	Dir string
}

type manifestFile struct {
	DefaultExternal bool           `yaml:"defaultExternal"`
	ReadyTimeout    *time.Duration `yaml:"readyTimeout"`
	CallTimeout     *time.Duration `yaml:"callTimeout"`
	Plugins         []PluginSpec   `yaml:"plugins"`
}

// Load reads the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest, applies defaults, resolves relative paths
// against dir, and validates the result. Unknown keys are rejected.
func Parse(data []byte, dir string) (*Manifest, error) {
	var file manifestFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	m := &Manifest{
		DefaultExternal: file.DefaultExternal,
		ReadyTimeout:    DefaultReadyTimeout,
		CallTimeout:     DefaultCallTimeout,
		Plugins:         file.Plugins,
		Dir:             dir,
	}
	var errs []error
	if file.ReadyTimeout != nil {
		m.ReadyTimeout = *file.ReadyTimeout
		if m.ReadyTimeout <= 0 {
			errs = append(errs, fmt.Errorf("readyTimeout must be positive, got %s", m.ReadyTimeout))
		}
	}
	if file.CallTimeout != nil {
		m.CallTimeout = *file.CallTimeout
		if m.CallTimeout <= 0 {
			errs = append(errs, fmt.Errorf("callTimeout must be positive, got %s", m.CallTimeout))
		}
	}

	for i := range m.Plugins {
		spec := &m.Plugins[i]
		spec.normalize(dir)
		if err := spec.validate(); err != nil {
			errs = append(errs, fmt.Errorf("plugins[%d]: %w", i, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Enabled lists the plugins that are not disabled, in manifest order.
func (m *Manifest) Enabled() []PluginSpec {
	enabled := make([]PluginSpec, 0, len(m.Plugins))
	for _, p := range m.Plugins {
		if !p.Disabled {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

func (s *PluginSpec) normalize(dir string) {
	switch s.Kind {
	case KindProcess:
		if s.Codec == "" {
			s.Codec = codec.JSON.Name()
		}
		// Bare names are looked up on PATH.
		if strings.ContainsRune(s.Path, filepath.Separator) || strings.HasPrefix(s.Path, ".") {
			s.Path = resolve(dir, s.Path)
		}
	case KindScript:
		if s.Path != "" {
			s.Path = resolve(dir, s.Path)
		}
	case KindSocket:
		if s.Codec == "" {
			s.Codec = codec.JSON.Name()
		}
		if s.Network == "" {
			s.Network = "unix"
		}
		if s.Network == "unix" && s.Address != "" {
			s.Address = resolve(dir, s.Address)
		}
	}
}

func (s *PluginSpec) validate() error {
	var errs []error
	switch s.Kind {
	case KindProcess, KindScript:
		if s.Path == "" {
			errs = append(errs, errors.New("path is required"))
		}
		if s.Address != "" || s.Network != "" {
			errs = append(errs, fmt.Errorf("address and network only apply to %s plugins", KindSocket))
		}
	case KindSocket:
		if s.Address == "" {
			errs = append(errs, errors.New("address is required"))
		}
		if s.Network != "unix" && s.Network != "tcp" {
			errs = append(errs, fmt.Errorf("unknown network %q", s.Network))
		}
		if s.Path != "" || len(s.Args) > 0 || len(s.Env) > 0 {
			errs = append(errs, fmt.Errorf("path, args and env do not apply to %s plugins", KindSocket))
		}
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}

	if s.Kind == KindScript {
		if s.Codec != "" {
			errs = append(errs, fmt.Errorf("codec does not apply to %s plugins", KindScript))
		}
		if len(s.Args) > 0 || len(s.Env) > 0 {
			errs = append(errs, fmt.Errorf("args and env do not apply to %s plugins", KindScript))
		}
	} else if _, err := codec.Lookup(s.Codec); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}
