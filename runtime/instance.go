package runtime

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/plugbox/wasm-host/errors"
	"github.com/plugbox/wasm-host/hostfn"
	"github.com/plugbox/wasm-host/memory"
)

// State is an instance lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateLinked
	StateInstantiated
	StateReady
	StateCalling
	// StateFaulted is terminal: a trap, timeout, or memory exhaustion
	// leaves guest state unknown, so the instance only rejects further
	// calls.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLinked:
		return "linked"
	case StateInstantiated:
		return "instantiated"
	case StateReady:
		return "ready"
	case StateCalling:
		return "calling"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Instance is one live plugin: an instantiated module tree with its own
// linear memory, block arena, variable store, and sandbox policy. Calls
// are serialized; concurrent Call blocks until the instance is free while
// TryCall rejects immediately.
type Instance struct {
	name    string
	rt      wazero.Runtime
	module  api.Module
	mem     *memory.Manager
	vars    *varStore
	call    *hostfn.CallContext
	timeout time.Duration
	log     *zap.Logger

	mu    sync.Mutex
	state atomic.Int32
	fault error
}

// Name returns the plugin name from the manifest's main source.
func (i *Instance) Name() string { return i.name }

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// FunctionExists reports whether the main module exports name as a
// function.
func (i *Instance) FunctionExists(name string) bool {
	return i.module.ExportedFunction(name) != nil
}

// ExportInfo describes one exported guest function.
type ExportInfo struct {
	Name    string
	Params  []string
	Results []string
}

// Exports lists the main module's exported functions sorted by name.
func (i *Instance) Exports() []ExportInfo {
	defs := i.module.ExportedFunctionDefinitions()
	out := make([]ExportInfo, 0, len(defs))
	for name, def := range defs {
		out = append(out, ExportInfo{
			Name:    name,
			Params:  typeNames(def.ParamTypes()),
			Results: typeNames(def.ResultTypes()),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func typeNames(types []api.ValueType) []string {
	out := make([]string, len(types))
	for n, t := range types {
		out[n] = api.ValueTypeName(t)
	}
	return out
}

// Var reads a variable from the instance's store.
func (i *Instance) Var(key string) ([]byte, bool) { return i.vars.Get(key) }

// SetVar writes a variable into the instance's store, subject to the
// configured size cap.
func (i *Instance) SetVar(key string, value []byte) error { return i.vars.Set(key, value) }

// Call invokes an exported guest function with input and returns its
// output bytes. A call already in flight makes Call wait; use TryCall to
// reject instead. Traps, timeouts, and memory exhaustion fault the
// instance permanently.
func (i *Instance) Call(ctx context.Context, name string, input []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.doCall(ctx, name, input)
}

// TryCall is Call, except a call already in flight fails immediately with
// a busy error instead of waiting.
func (i *Instance) TryCall(ctx context.Context, name string, input []byte) ([]byte, error) {
	if !i.mu.TryLock() {
		return nil, errors.Busy()
	}
	defer i.mu.Unlock()
	return i.doCall(ctx, name, input)
}

func (i *Instance) doCall(ctx context.Context, name string, input []byte) ([]byte, error) {
	if i.State() == StateFaulted {
		return nil, errors.Faulted(i.fault)
	}

	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.FunctionNotFound(name)
	}
	def := fn.Definition()
	conv, err := classifyConvention(def.ParamTypes(), def.ResultTypes())
	if err != nil {
		// An unusable signature leaves the instance Ready, like a
		// missing export.
		return nil, err
	}

	argv, inputHandle, err := i.prepareArgs(conv, def.ParamTypes(), input)
	if err != nil {
		if stderrors.Is(err, errors.ErrOutOfMemory) {
			return nil, i.faultWith(err)
		}
		return nil, err
	}
	i.call.BeginCall(inputHandle)

	callCtx := ctx
	cancel := func() {}
	if i.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
	}
	defer cancel()

	i.state.Store(int32(StateCalling))
	start := time.Now()
	results, callErr := fn.Call(callCtx, argv...)
	elapsed := time.Since(start)

	if callErr != nil {
		err := i.classifyCallError(callCtx, callErr)
		if err == nil {
			// Guest exited cleanly before returning a value.
			i.finishCall()
			return nil, nil
		}
		i.log.Debug("guest call failed",
			zap.String("plugin", i.name),
			zap.String("function", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, i.faultWith(err)
	}

	output, err := i.decodeOutput(conv, def.ResultTypes(), results)
	if err != nil {
		return nil, i.faultWith(err)
	}

	i.log.Debug("guest call complete",
		zap.String("plugin", i.name),
		zap.String("function", name),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_bytes", len(output)))

	i.finishCall()
	return output, nil
}

// finishCall frees the call's transient blocks and returns to Ready.
func (i *Instance) finishCall() {
	i.mem.Reset()
	i.state.Store(int32(StateReady))
}

func (i *Instance) faultWith(err error) error {
	i.fault = err
	i.state.Store(int32(StateFaulted))
	return err
}

func (i *Instance) classifyCallError(callCtx context.Context, err error) error {
	if callCtx.Err() == context.DeadlineExceeded || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout(
			fmt.Sprintf("call exceeded %s budget", i.timeout), err)
	}

	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		if exit.ExitCode() == 0 {
			return nil
		}
		return errors.Trap(err)
	}

	// A host function that denied a guarded operation and then trapped
	// surfaces as the denial, not as an anonymous trap.
	if last := i.call.LastHostError(); last != nil && stderrors.Is(last, errors.ErrPermissionDenied) {
		return last
	}
	return errors.Trap(err)
}

// convention is how an export exchanges data with the host.
type convention int

const (
	// convBlock passes the input block's (offset, length) and returns a
	// packed output handle.
	convBlock convention = iota
	// convZeroArg takes nothing (guests read input through env.input) and
	// returns a packed output handle.
	convZeroArg
	// convRaw maps input bytes onto numeric parameters little-endian and
	// re-encodes numeric results to bytes.
	convRaw
)

func classifyConvention(params, results []api.ValueType) (convention, error) {
	if len(params) == 2 &&
		params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32 &&
		len(results) == 1 && results[0] == api.ValueTypeI64 {
		return convBlock, nil
	}
	if len(params) == 0 && len(results) == 1 && results[0] == api.ValueTypeI64 {
		return convZeroArg, nil
	}
	for _, t := range append(append([]api.ValueType(nil), params...), results...) {
		switch t {
		case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		default:
			return 0, errors.FunctionNotFound("export with non-numeric signature")
		}
	}
	return convRaw, nil
}

func (i *Instance) prepareArgs(conv convention, params []api.ValueType, input []byte) ([]uint64, memory.Handle, error) {
	switch conv {
	case convBlock:
		h, err := i.mem.Store(input)
		if err != nil {
			return nil, 0, err
		}
		return []uint64{uint64(h.Offset()), uint64(h.Length())}, h, nil

	case convZeroArg:
		h, err := i.mem.Store(input)
		if err != nil {
			return nil, 0, err
		}
		return nil, h, nil

	default:
		argv, err := unpackRawArgs(params, input)
		return argv, 0, err
	}
}

func (i *Instance) decodeOutput(conv convention, results []api.ValueType, stack []uint64) ([]byte, error) {
	if conv == convRaw {
		return packRawResults(results, stack), nil
	}
	if len(stack) == 0 {
		return nil, nil
	}
	out, err := i.mem.LoadRegion(memory.Handle(stack[0]))
	if err != nil {
		return nil, errors.Call(errors.KindTrap,
			"guest returned a handle outside any live block", err)
	}
	return out, nil
}

// unpackRawArgs splits input into little-endian words per parameter type:
// 4 bytes for i32/f32, 8 for i64/f64. Trailing bytes are ignored.
func unpackRawArgs(params []api.ValueType, input []byte) ([]uint64, error) {
	argv := make([]uint64, len(params))
	off := 0
	for n, p := range params {
		width := 4
		if p == api.ValueTypeI64 || p == api.ValueTypeF64 {
			width = 8
		}
		if off+width > len(input) {
			return nil, errors.Call(errors.KindInvalidInput,
				fmt.Sprintf("input is %d bytes, parameters need %d", len(input), rawWidth(params)), nil)
		}
		if width == 4 {
			argv[n] = uint64(binary.LittleEndian.Uint32(input[off:]))
		} else {
			argv[n] = binary.LittleEndian.Uint64(input[off:])
		}
		off += width
	}
	return argv, nil
}

func packRawResults(results []api.ValueType, stack []uint64) []byte {
	out := make([]byte, 0, rawWidth(results))
	for n, r := range results {
		if n >= len(stack) {
			break
		}
		if r == api.ValueTypeI64 || r == api.ValueTypeF64 {
			out = binary.LittleEndian.AppendUint64(out, stack[n])
		} else {
			out = binary.LittleEndian.AppendUint32(out, uint32(stack[n]))
		}
	}
	return out
}

func rawWidth(types []api.ValueType) int {
	n := 0
	for _, t := range types {
		if t == api.ValueTypeI64 || t == api.ValueTypeF64 {
			n += 8
		} else {
			n += 4
		}
	}
	return n
}

// Close tears down the instance and releases its engine resources. A
// closed instance rejects calls like a faulted one.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if State(i.state.Load()) != StateFaulted {
		i.fault = stderrors.New("instance closed")
		i.state.Store(int32(StateFaulted))
	}
	return i.rt.Close(ctx)
}
