package hostfn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/plugbox/wasm-host/errors"
	"github.com/plugbox/wasm-host/memory"
)

// EnvModule is the import module name under which the built-in capability
// functions are exposed to guest code.
const EnvModule = "env"

// LinkBuiltins instantiates the env host module for one instance. The
// built-ins are ordinary registry entries bridged through the same
// trampoline as user functions; the capability-gated ones check the
// sandbox policy before doing any work.
func LinkBuiltins(ctx context.Context, rt wazero.Runtime, call *CallContext) error {
	builder := rt.NewHostModuleBuilder(EnvModule)
	for name, spec := range builtinSpecs() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(trampoline(spec, call), wasmTypes(spec.Params), wasmTypes(spec.Results)).
			Export(name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Link(errors.KindSignature, "instantiate built-in env module", err)
	}
	return nil
}

func builtinSpecs() map[string]Spec {
	return map[string]Spec{
		"input":            {Results: []ValueType{I64}, Fn: biInput},
		"alloc":            {Params: []ValueType{I64}, Results: []ValueType{I64}, Fn: biAlloc},
		"free":             {Params: []ValueType{I64}, Results: []ValueType{I32}, Fn: biFree},
		"length":           {Params: []ValueType{I64}, Results: []ValueType{I64}, Fn: biLength},
		"var_get":          {Params: []ValueType{Block}, Results: []ValueType{Block}, Fn: biVarGet},
		"var_set":          {Params: []ValueType{Block, Block}, Results: []ValueType{I32}, Fn: biVarSet},
		"config_get":       {Params: []ValueType{Block}, Results: []ValueType{Block}, Fn: biConfigGet},
		"http_request":     {Params: []ValueType{Block}, Results: []ValueType{Block}, Fn: biHTTPRequest},
		"http_status_code": {Results: []ValueType{I32}, Fn: biHTTPStatus},
		"fs_read":          {Params: []ValueType{Block}, Results: []ValueType{Block}, Fn: biFSRead},
		"fs_write":         {Params: []ValueType{Block, Block}, Results: []ValueType{I32}, Fn: biFSWrite},
		"last_error":       {Results: []ValueType{Block}, Fn: biLastError},
		"log_debug":        {Params: []ValueType{Block}, Results: []ValueType{I32}, Fn: logAt(zap.DebugLevel)},
		"log_info":         {Params: []ValueType{Block}, Results: []ValueType{I32}, Fn: logAt(zap.InfoLevel)},
		"log_warn":         {Params: []ValueType{Block}, Results: []ValueType{I32}, Fn: logAt(zap.WarnLevel)},
		"log_error":        {Params: []ValueType{Block}, Results: []ValueType{I32}, Fn: logAt(zap.ErrorLevel)},
	}
}

// biInput returns the current call's input block handle.
func biInput(_ context.Context, call *CallContext, _ any, _ []Value) ([]Value, error) {
	return []Value{I64Value(uint64(call.Input()))}, nil
}

// biAlloc lets the guest allocate an output block it can write directly.
func biAlloc(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	length := args[0].I64()
	if length > uint64(^uint32(0)) {
		return nil, errors.OutOfMemory("allocation exceeds 32-bit length")
	}
	h, err := call.Memory.Allocate(uint32(length))
	if err != nil {
		return nil, err
	}
	return []Value{I64Value(uint64(h))}, nil
}

// biFree releases a block early; like the host-side Free it never faults.
func biFree(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	call.Memory.Free(memory.Handle(args[0].Raw))
	return []Value{I32Value(0)}, nil
}

func biLength(_ context.Context, _ *CallContext, _ any, args []Value) ([]Value, error) {
	return []Value{I64Value(uint64(memory.Handle(args[0].Raw).Length()))}, nil
}

func biVarGet(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	if call.Vars == nil {
		return []Value{BlockValue(nil)}, nil
	}
	v, _ := call.Vars.Get(string(args[0].Bytes))
	return []Value{BlockValue(v)}, nil
}

// biVarSet reports failure through its status result rather than the error
// path: a limit breach must reach the guest without zeroing the status to
// "success".
func biVarSet(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	if call.Vars == nil {
		call.setHostError(errors.Limit(errors.PhaseHost, "no variable store"))
		return []Value{I32Value(1)}, nil
	}
	key := string(args[0].Bytes)
	if len(args[1].Bytes) == 0 {
		call.Vars.Delete(key)
		return []Value{I32Value(0)}, nil
	}
	if err := call.Vars.Set(key, args[1].Bytes); err != nil {
		call.setHostError(err)
		return []Value{I32Value(1)}, nil
	}
	return []Value{I32Value(0)}, nil
}

func biConfigGet(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	v := call.Config[string(args[0].Bytes)]
	return []Value{BlockValue([]byte(v))}, nil
}

// httpRequestDoc is the JSON document guests pass to http_request.
type httpRequestDoc struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

// biHTTPRequest performs a GET gated by allowed_hosts. The permission
// check completes before any network I/O begins.
func biHTTPRequest(ctx context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	var req httpRequestDoc
	if err := json.Unmarshal(args[0].Bytes, &req); err != nil {
		return nil, errors.Call(errors.KindInvalidInput, "decode http request document", err)
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, errors.Call(errors.KindInvalidInput,
			fmt.Sprintf("unsupported http method %q", req.Method), nil)
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return nil, errors.Call(errors.KindInvalidInput,
			fmt.Sprintf("invalid url %q", req.URL), err)
	}
	if err := call.Policy.CheckHost(u.Hostname()); err != nil {
		return nil, err
	}
	if call.HTTP == nil {
		return nil, errors.PermissionDenied("http capability not configured")
	}

	body, status, err := call.HTTP.Fetch(ctx, req.URL)
	call.setHTTPStatus(status)
	if err != nil {
		return nil, errors.Call(errors.KindInvalidInput,
			fmt.Sprintf("http request to %s failed", u.Hostname()), err)
	}
	return []Value{BlockValue(body)}, nil
}

func biHTTPStatus(_ context.Context, call *CallContext, _ any, _ []Value) ([]Value, error) {
	return []Value{I32Value(uint32(call.HTTPStatus()))}, nil
}

// biFSRead reads a virtual path gated by allowed_paths. Denial performs
// zero filesystem access.
func biFSRead(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	real, err := call.Policy.MapPath(string(args[0].Bytes))
	if err != nil {
		return nil, err
	}
	if call.Files == nil {
		return nil, errors.PermissionDenied("filesystem read capability not configured")
	}
	data, err := call.Files.ReadFile(real)
	if err != nil {
		return nil, errors.Call(errors.KindInvalidInput,
			fmt.Sprintf("read %q", string(args[0].Bytes)), err)
	}
	return []Value{BlockValue(data)}, nil
}

// biFSWrite writes a virtual path gated by allowed_paths, reporting
// failure through its status result like var_set.
func biFSWrite(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
	real, err := call.Policy.MapPath(string(args[0].Bytes))
	if err != nil {
		call.setHostError(err)
		return []Value{I32Value(1)}, nil
	}
	if call.Writer == nil {
		call.setHostError(errors.PermissionDenied("filesystem write capability not configured"))
		return []Value{I32Value(1)}, nil
	}
	if err := call.Writer.WriteFile(real, args[1].Bytes); err != nil {
		call.setHostError(errors.Call(errors.KindInvalidInput,
			fmt.Sprintf("write %q", string(args[0].Bytes)), err))
		return []Value{I32Value(1)}, nil
	}
	return []Value{I32Value(0)}, nil
}

func biLastError(_ context.Context, call *CallContext, _ any, _ []Value) ([]Value, error) {
	if err := call.LastHostError(); err != nil {
		return []Value{BlockValue([]byte(err.Error()))}, nil
	}
	return []Value{BlockValue(nil)}, nil
}

// logAt builds the closure behind one log_* built-in: the guest message
// forwarded to the host logger at a fixed level.
func logAt(level zapcore.Level) Func {
	return func(_ context.Context, call *CallContext, _ any, args []Value) ([]Value, error) {
		msg := string(args[0].Bytes)
		if ce := call.logger().Check(level, msg); ce != nil {
			ce.Write(zap.String("origin", "guest"))
		}
		return []Value{I32Value(0)}, nil
	}
}
