// Package manifest turns a declarative plugin manifest into concrete module
// bytes plus sandbox policy. Manifests decode from JSON or YAML; resolved
// bytes are cached process-wide and deduplicated per content hash.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plugbox/wasm-host/errors"
)

// WasmSource names one module to load: exactly one of Bytes, Path, or URL.
// Hash, when set, is the hex sha256 the resolved bytes must match.
type WasmSource struct {
	Bytes []byte `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Hash  string `json:"hash,omitempty" yaml:"hash,omitempty"`
}

// describe returns a human-readable identifier for error messages.
func (s *WasmSource) describe(index int) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Path != "":
		return s.Path
	case s.URL != "":
		return s.URL
	default:
		return fmt.Sprintf("wasm[%d]", index)
	}
}

// MemoryLimit caps the instance's linear memory.
type MemoryLimit struct {
	// MaxPages is the maximum linear memory in 64KiB pages. 0 means the
	// engine default.
	MaxPages uint32 `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
}

// Manifest describes a plugin's code sources and sandbox policy. It is
// constructed by the embedding application and read-only thereafter.
//
// Defaults: no allowed hosts (all guest HTTP denied), no allowed paths
// (all guest filesystem access denied), no memory cap, no call timeout.
type Manifest struct {
	Wasm         []WasmSource      `json:"wasm" yaml:"wasm"`
	Config       map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
	AllowedHosts []string          `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
	AllowedPaths map[string]string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	Memory       MemoryLimit       `json:"memory,omitempty" yaml:"memory,omitempty"`
	TimeoutMS    uint64            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// ParseJSON decodes a JSON manifest document. Unknown fields are ignored.
func ParseJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Manifest(errors.KindParse, "decode json manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseYAML decodes a YAML manifest document. Unknown fields are ignored.
func ParseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Manifest(errors.KindParse, "decode yaml manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural constraints: at least one source, and exactly
// one of bytes/path/url per source.
func (m *Manifest) Validate() error {
	if len(m.Wasm) == 0 {
		return errors.Manifest(errors.KindParse, "manifest has no wasm sources", nil)
	}
	for i := range m.Wasm {
		s := &m.Wasm[i]
		n := 0
		if len(s.Bytes) > 0 {
			n++
		}
		if s.Path != "" {
			n++
		}
		if s.URL != "" {
			n++
		}
		if n != 1 {
			return errors.Manifest(errors.KindParse,
				fmt.Sprintf("source %s must set exactly one of bytes, path, url", s.describe(i)), nil)
		}
	}
	return nil
}

// Timeout returns the per-call execution budget, or 0 when unlimited.
func (m *Manifest) Timeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}
