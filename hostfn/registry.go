package hostfn

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/plugbox/wasm-host/errors"
	"github.com/plugbox/wasm-host/memory"
)

// Func is a native capability exposed to guest code. It receives the
// instance's call context, the opaque user data attached at registration,
// and the decoded arguments; it returns exactly one result per signature
// element, or an error.
type Func func(ctx context.Context, call *CallContext, userData any, args []Value) ([]Value, error)

// Spec describes one host function: its signature, its closure, and the
// opaque user data handed back on every invocation.
type Spec struct {
	Fn       Func
	UserData any
	Params   []ValueType
	Results  []ValueType
}

// Registry holds host functions keyed by (namespace, name). It is
// process-wide and read-mostly: Register before the first Link, then the
// registry freezes and may be linked into any number of instances
// concurrently.
type Registry struct {
	spaces map[string]map[string]Spec
	sealed bool
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{spaces: make(map[string]map[string]Spec)}
}

// Register adds a host function. A duplicate (namespace, name) is a
// registration-time error, as is registering after the first Link. The
// namespace EnvModule is reserved for the built-in capability functions.
func (r *Registry) Register(namespace, name string, spec Spec) error {
	if namespace == "" || name == "" {
		return errors.Link(errors.KindSignature, "namespace and name must be non-empty", nil)
	}
	if namespace == EnvModule {
		return errors.Link(errors.KindDuplicate,
			fmt.Sprintf("namespace %q is reserved for built-in functions", EnvModule), nil)
	}
	if spec.Fn == nil {
		return errors.Link(errors.KindSignature,
			fmt.Sprintf("host function %s.%s has no closure", namespace, name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errors.Link(errors.KindSignature, "registry is sealed after first link", nil)
	}
	if _, ok := r.spaces[namespace][name]; ok {
		return errors.Duplicate(namespace, name)
	}
	if r.spaces[namespace] == nil {
		r.spaces[namespace] = make(map[string]Spec)
	}
	r.spaces[namespace][name] = spec
	return nil
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, funcs := range r.spaces {
		n += len(funcs)
	}
	return n
}

// Link binds every registered function into the instantiation environment
// as a host module per namespace, each function bridged through the
// trampoline against the instance's call context. The registry seals on
// first Link.
func (r *Registry) Link(ctx context.Context, rt wazero.Runtime, call *CallContext) error {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for namespace, funcs := range r.spaces {
		builder := rt.NewHostModuleBuilder(namespace)
		for name, spec := range funcs {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(trampoline(spec, call), wasmTypes(spec.Params), wasmTypes(spec.Results)).
				Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Link(errors.KindSignature,
				fmt.Sprintf("instantiate host module %q", namespace), err)
		}
	}
	return nil
}

// trampoline builds the uniform bridge for one host function: decode the
// numeric stack into typed values (loading block parameters through the
// memory manager), invoke the closure with its user data, and encode the
// results back (storing block results into fresh blocks).
func trampoline(spec Spec, call *CallContext) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		args := make([]Value, len(spec.Params))
		for i, pt := range spec.Params {
			if pt == Block {
				b, err := call.Memory.LoadRegion(memory.Handle(stack[i]))
				if err != nil {
					hostFail(spec, call, stack, err)
					return
				}
				args[i] = BlockValue(b)
				continue
			}
			args[i] = Value{Type: pt, Raw: stack[i]}
		}

		results, err := spec.Fn(ctx, call, spec.UserData, args)
		if err != nil {
			hostFail(spec, call, stack, err)
			return
		}
		if len(results) != len(spec.Results) {
			hostFail(spec, call, stack, errors.Link(errors.KindSignature,
				fmt.Sprintf("closure returned %d results, signature declares %d",
					len(results), len(spec.Results)), nil))
			return
		}

		for i, rt := range spec.Results {
			if rt == Block {
				h, err := call.Memory.Store(results[i].Bytes)
				if err != nil {
					hostFail(spec, call, stack, err)
					return
				}
				stack[i] = uint64(h)
				continue
			}
			stack[i] = results[i].Raw
		}
	}
}

// hostFail converts a closure failure into a guest-visible error value
// when the signature has a result channel (zeroed results, error parked
// for last_error), or an unconditional trap when it does not.
func hostFail(spec Spec, call *CallContext, stack []uint64, err error) {
	call.setHostError(err)
	call.logger().Debug("host function failed", zap.Error(err))

	if len(spec.Results) == 0 {
		panic(err)
	}
	for i := range spec.Results {
		stack[i] = 0
	}
}
