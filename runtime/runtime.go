package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmhost "github.com/plugbox/wasm-host"
	"github.com/plugbox/wasm-host/errors"
	"github.com/plugbox/wasm-host/hostfn"
	"github.com/plugbox/wasm-host/manifest"
	"github.com/plugbox/wasm-host/memory"
)

// defaultMaxVarBytes caps a plugin's variable store when the embedding
// application does not choose its own limit.
const defaultMaxVarBytes = 1 << 20

// Options configures a Runtime. The zero value works: no registered host
// functions, default resolver, guest HTTP and filesystem built-ins enabled
// but still subject to each manifest's sandbox policy.
type Options struct {
	// Registry holds the embedding application's host functions. Nil means
	// only the built-ins are linked.
	Registry *hostfn.Registry

	// Resolver turns manifest sources into module bytes. Nil uses the
	// default resolver (net/http + OS filesystem).
	Resolver *manifest.Resolver

	// HTTP backs the http_request built-in. Nil uses the default client.
	HTTP wasmhost.HTTPFetcher

	// Files and Writer back the fs_read and fs_write built-ins. Nil uses
	// the OS filesystem.
	Files  wasmhost.FileReader
	Writer wasmhost.FileWriter

	// MaxVarBytes caps each instance's variable store. 0 means 1 MiB.
	MaxVarBytes int

	// Log receives runtime diagnostics. Nil uses the package logger.
	Log *zap.Logger
}

// Runtime builds plugin instances. Compiled module machine code is shared
// across instances through one compilation cache, so instantiating the
// same plugin repeatedly pays the compile cost once.
type Runtime struct {
	opts  Options
	cache wazero.CompilationCache
}

// New creates a Runtime.
func New(opts Options) *Runtime {
	if opts.Resolver == nil {
		opts.Resolver = manifest.NewResolver()
	}
	if opts.HTTP == nil {
		opts.HTTP = manifest.NewHTTPFetcher(30 * time.Second)
	}
	if opts.Files == nil {
		opts.Files = manifest.OSFiles{}
	}
	if opts.Writer == nil {
		opts.Writer = manifest.OSFiles{}
	}
	if opts.MaxVarBytes == 0 {
		opts.MaxVarBytes = defaultMaxVarBytes
	}
	if opts.Log == nil {
		opts.Log = Logger()
	}
	return &Runtime{opts: opts, cache: wazero.NewCompilationCache()}
}

// Close releases the shared compilation cache. Instances must be closed
// first.
func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

// NewInstance resolves the manifest, links host functions, and
// instantiates the manifest's modules in order; the last module is the
// main one whose exports Call dispatches to. Any failure tears down
// everything already built and returns an error; there is no partially
// usable instance.
func (r *Runtime) NewInstance(ctx context.Context, m *manifest.Manifest) (*Instance, error) {
	resolved, err := r.opts.Resolver.Resolve(ctx, m)
	if err != nil {
		return nil, err
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(r.cache)
	if m.Memory.MaxPages > 0 {
		cfg = cfg.WithMemoryLimitPages(m.Memory.MaxPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	inst, err := r.buildInstance(ctx, rt, m, resolved)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return inst, nil
}

func (r *Runtime) buildInstance(ctx context.Context, rt wazero.Runtime, m *manifest.Manifest, resolved []manifest.Resolved) (*Instance, error) {
	main := resolved[len(resolved)-1]
	name := main.Name
	if name == "" {
		name = "plugin"
	}

	mem := memory.NewManager()
	vars := newVarStore(r.opts.MaxVarBytes)
	for k, v := range m.Config {
		if err := vars.Set(k, []byte(v)); err != nil {
			return nil, err
		}
	}
	call := &hostfn.CallContext{
		Memory: mem,
		Vars:   vars,
		Policy: &hostfn.Policy{
			AllowedHosts: m.AllowedHosts,
			AllowedPaths: m.AllowedPaths,
		},
		Config: m.Config,
		HTTP:   r.opts.HTTP,
		Files:  r.opts.Files,
		Writer: r.opts.Writer,
		Log:    r.opts.Log,
	}

	inst := &Instance{
		name:    name,
		rt:      rt,
		mem:     mem,
		vars:    vars,
		call:    call,
		timeout: m.Timeout(),
		log:     r.opts.Log,
	}

	if err := hostfn.LinkBuiltins(ctx, rt, call); err != nil {
		return nil, err
	}
	if r.opts.Registry != nil {
		if err := r.opts.Registry.Link(ctx, rt, call); err != nil {
			return nil, err
		}
	}
	inst.state.Store(int32(StateLinked))

	var mainModule api.Module
	for i, src := range resolved {
		compiled, err := rt.CompileModule(ctx, src.Data)
		if err != nil {
			return nil, errors.Instantiate(
				fmt.Sprintf("compile module %s", moduleName(src, i)), err)
		}
		mod, err := rt.InstantiateModule(ctx, compiled,
			wazero.NewModuleConfig().WithName(moduleName(src, i)))
		if err != nil {
			return nil, errors.Instantiate(
				fmt.Sprintf("instantiate module %s", moduleName(src, i)), err)
		}
		if i == len(resolved)-1 {
			mainModule = mod
		}
	}
	inst.module = mainModule
	inst.state.Store(int32(StateInstantiated))

	lin := mainModule.Memory()
	if lin == nil {
		return nil, errors.Instantiate(
			fmt.Sprintf("module %s defines no linear memory", name), nil)
	}
	mem.Attach(lin)

	r.opts.Log.Debug("instance ready",
		zap.String("plugin", name),
		zap.String("hash", main.Hash),
		zap.Int("modules", len(resolved)))

	inst.state.Store(int32(StateReady))
	return inst, nil
}

func moduleName(src manifest.Resolved, index int) string {
	if src.Name != "" {
		return src.Name
	}
	return fmt.Sprintf("module-%d", index)
}
