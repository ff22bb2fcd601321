// Package wasmhost is an embeddable host runtime for sandboxed WebAssembly
// plugins. A declarative manifest names the plugin's code sources and its
// sandbox policy; the runtime resolves the manifest, links capability-gated
// host functions, and dispatches calls through an offset/length memory-block
// protocol so that neither side ever holds a native pointer into the other's
// address space.
//
// The execution engine itself (wazero) is an external collaborator: this
// package and its subpackages implement only the host-side protocol, policy,
// and lifecycle around it.
package wasmhost

import "context"

// HTTPFetcher retrieves the body of a URL on behalf of the runtime. It is
// used for manifest source resolution and as the implementation behind the
// guest-visible http_request host function. Status is the HTTP status code
// of the response, 0 when the request never produced one.
type HTTPFetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, status int, err error)
}

// FileReader retrieves the contents of a local file. Used for manifest
// source resolution and behind the guest-visible fs_read host function.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// FileWriter stores bytes at a local path, behind the guest-visible
// fs_write host function.
type FileWriter interface {
	WriteFile(path string, data []byte) error
}
