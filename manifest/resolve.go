package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	wasmhost "github.com/plugbox/wasm-host"
	"github.com/plugbox/wasm-host/errors"
)

// Resolved is one manifest source turned into concrete module bytes.
type Resolved struct {
	Name string
	Hash string // hex sha256 of Data
	Data []byte
}

// Resolver resolves manifest sources to bytes through its collaborators.
// A nil Fetcher disables URL sources and a nil Files disables path sources;
// these switches gate manifest loading only — allowed_hosts/allowed_paths
// govern calls initiated from guest code, not resolution.
type Resolver struct {
	Fetcher wasmhost.HTTPFetcher
	Files   wasmhost.FileReader

	// Cache overrides the process-wide byte cache, mainly for tests.
	Cache *Cache

	// Log receives resolution diagnostics. Nil means no logging.
	Log *zap.Logger
}

// NewResolver returns a resolver with both capabilities enabled, using the
// default HTTP client and the OS filesystem.
func NewResolver() *Resolver {
	return &Resolver{
		Fetcher: NewHTTPFetcher(30 * time.Second),
		Files:   OSFiles{},
	}
}

func (r *Resolver) cache() *Cache {
	if r.Cache != nil {
		return r.Cache
	}
	return processCache
}

func (r *Resolver) log() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// Resolve turns every source in the manifest into bytes, in manifest order.
// A declared hash that does not match the resolved bytes fails the whole
// resolution with an integrity error; no partial result is returned.
func (r *Resolver) Resolve(ctx context.Context, m *Manifest) ([]Resolved, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	out := make([]Resolved, 0, len(m.Wasm))
	for i := range m.Wasm {
		src := &m.Wasm[i]
		res, err := r.resolveOne(ctx, src, i)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, src *WasmSource, index int) (Resolved, error) {
	desc := src.describe(index)

	data, err := r.fetchSource(ctx, src, desc)
	if err != nil {
		return Resolved{}, err
	}

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if src.Hash != "" && src.Hash != got {
		return Resolved{}, errors.Integrity(desc, src.Hash, got)
	}

	r.log().Debug("resolved wasm source",
		zap.String("source", desc),
		zap.Int("bytes", len(data)),
		zap.String("hash", got))

	return Resolved{Name: src.Name, Hash: got, Data: data}, nil
}

func (r *Resolver) fetchSource(ctx context.Context, src *WasmSource, desc string) ([]byte, error) {
	switch {
	case len(src.Bytes) > 0:
		// Inline bytes are already in memory; nothing to cache or fetch.
		return src.Bytes, nil

	case src.Path != "":
		if r.Files == nil {
			return nil, errors.Manifest(errors.KindSource,
				fmt.Sprintf("source %s: filesystem resolution disabled", desc), nil)
		}
		return r.cached(src, "path:"+src.Path, func() ([]byte, error) {
			data, err := r.Files.ReadFile(src.Path)
			if err != nil {
				return nil, errors.Manifest(errors.KindSource,
					fmt.Sprintf("source %s: read file", desc), err)
			}
			return data, nil
		})

	default:
		if r.Fetcher == nil {
			return nil, errors.Manifest(errors.KindSource,
				fmt.Sprintf("source %s: http resolution disabled", desc), nil)
		}
		return r.cached(src, "url:"+src.URL, func() ([]byte, error) {
			data, _, err := r.Fetcher.Fetch(ctx, src.URL)
			if err != nil {
				return nil, errors.Manifest(errors.KindSource,
					fmt.Sprintf("source %s: fetch url", desc), err)
			}
			return data, nil
		})
	}
}

// cached keys the fetch by declared content hash when present, so
// equivalent sources share one cache entry regardless of origin.
func (r *Resolver) cached(src *WasmSource, fallbackKey string, fetch func() ([]byte, error)) ([]byte, error) {
	key := fallbackKey
	if src.Hash != "" {
		key = "sha256:" + src.Hash
	}
	return r.cache().GetOrFetch(key, fetch)
}

// httpFetcher is the default HTTPFetcher backed by net/http.
type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns an HTTPFetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration) wasmhost.HTTPFetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return body, resp.StatusCode, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// OSFiles reads and writes the real filesystem.
type OSFiles struct{}

func (OSFiles) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFiles) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
