package manifest

import (
	stderrors "errors"
	"reflect"
	"testing"
	"time"

	hosterrors "github.com/plugbox/wasm-host/errors"
)

func TestParseJSON(t *testing.T) {
	doc := []byte(`{
		"wasm": [{"path": "plugin.wasm", "name": "main", "hash": "abc123"}],
		"config": {"greeting": "hello"},
		"allowed_hosts": ["*.example.com"],
		"allowed_paths": {"/data": "/tmp/plugin-data"},
		"memory": {"max_pages": 64},
		"timeout_ms": 250,
		"unknown_field": {"ignored": true}
	}`)

	m, err := ParseJSON(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(m.Wasm) != 1 || m.Wasm[0].Path != "plugin.wasm" || m.Wasm[0].Hash != "abc123" {
		t.Errorf("wasm sources = %+v", m.Wasm)
	}
	if m.Config["greeting"] != "hello" {
		t.Errorf("config = %v", m.Config)
	}
	if m.Memory.MaxPages != 64 {
		t.Errorf("max pages = %d", m.Memory.MaxPages)
	}
	if m.Timeout() != 250*time.Millisecond {
		t.Errorf("timeout = %v", m.Timeout())
	}
}

func TestParseYAMLMatchesJSON(t *testing.T) {
	jsonDoc := []byte(`{
		"wasm": [{"url": "https://plugins.example.com/a.wasm"}],
		"config": {"k": "v"},
		"allowed_hosts": ["api.example.com"],
		"timeout_ms": 100
	}`)
	yamlDoc := []byte(`
wasm:
  - url: https://plugins.example.com/a.wasm
config:
  k: v
allowed_hosts:
  - api.example.com
timeout_ms: 100
`)

	fromJSON, err := ParseJSON(jsonDoc)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	fromYAML, err := ParseYAML(yamlDoc)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}

	if !reflect.DeepEqual(fromJSON, fromYAML) {
		t.Errorf("decodings differ:\njson: %+v\nyaml: %+v", fromJSON, fromYAML)
	}
}

func TestValidateSourceOneOf(t *testing.T) {
	tests := []struct {
		name    string
		src     WasmSource
		wantErr bool
	}{
		{"bytes only", WasmSource{Bytes: []byte{0}}, false},
		{"path only", WasmSource{Path: "a.wasm"}, false},
		{"url only", WasmSource{URL: "https://x/a.wasm"}, false},
		{"none", WasmSource{Name: "empty"}, true},
		{"path and url", WasmSource{Path: "a", URL: "https://x/a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Wasm: []WasmSource{tt.src}}
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := (&Manifest{}).Validate(); err == nil {
		t.Error("empty manifest validated")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := ParseJSON([]byte(`{"wasm": [`)); !stderrors.Is(err, &hosterrors.Error{
		Phase: hosterrors.PhaseManifest, Kind: hosterrors.KindParse,
	}) {
		t.Errorf("malformed json: got %v, want manifest parse error", err)
	}
}
