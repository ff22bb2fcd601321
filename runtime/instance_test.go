package runtime

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/plugbox/wasm-host/errors"
	"github.com/plugbox/wasm-host/hostfn"
	"github.com/plugbox/wasm-host/manifest"
	"github.com/plugbox/wasm-host/wasmbin"
)

func bytesManifest(bin []byte) *manifest.Manifest {
	return &manifest.Manifest{
		Wasm: []manifest.WasmSource{{Bytes: bin, Name: "test"}},
	}
}

// addModule exports add(i32, i32) -> i32, the raw numeric convention.
func addModule() []byte {
	m := wasmbin.NewModule()
	m.Memory(1, 0)
	m.Func("add",
		wasmbin.FuncType{Params: []wasmbin.ValType{wasmbin.I32, wasmbin.I32}, Results: []wasmbin.ValType{wasmbin.I32}},
		nil,
		wasmbin.NewCode().LocalGet(0).LocalGet(1).I32Add().Bytes())
	return m.Encode()
}

// echoModule exports echo(i32, i32) -> i64 packing its input region back
// into a handle, the block convention.
func echoModule() []byte {
	m := wasmbin.NewModule()
	m.Memory(1, 0)
	m.Func("echo",
		wasmbin.FuncType{Params: []wasmbin.ValType{wasmbin.I32, wasmbin.I32}, Results: []wasmbin.ValType{wasmbin.I64}},
		nil,
		wasmbin.NewCode().
			LocalGet(0).I64ExtendI32U().I64Const(32).I64Shl().
			LocalGet(1).I64ExtendI32U().I64Or().
			Bytes())
	return m.Encode()
}

// pingModule exports ping() -> i64, reading its input through the
// env.input built-in, the zero-arg convention.
func pingModule() []byte {
	m := wasmbin.NewModule()
	input := m.Import("env", "input", wasmbin.FuncType{Results: []wasmbin.ValType{wasmbin.I64}})
	m.Memory(1, 0)
	m.Func("ping",
		wasmbin.FuncType{Results: []wasmbin.ValType{wasmbin.I64}},
		nil,
		wasmbin.NewCode().Call(input).Bytes())
	return m.Encode()
}

// crashModule exports crash() -> i64 that hits unreachable.
func crashModule() []byte {
	m := wasmbin.NewModule()
	m.Memory(1, 0)
	m.Func("crash",
		wasmbin.FuncType{Results: []wasmbin.ValType{wasmbin.I64}},
		nil,
		wasmbin.NewCode().Unreachable().Bytes())
	return m.Encode()
}

// spinModule exports spin() -> i64 that never returns.
func spinModule() []byte {
	m := wasmbin.NewModule()
	m.Memory(1, 0)
	m.Func("spin",
		wasmbin.FuncType{Results: []wasmbin.ValType{wasmbin.I64}},
		nil,
		wasmbin.NewCode().LoopForever().I64Const(0).Bytes())
	return m.Encode()
}

// hostCallModule exports an i64-returning function that packs its input
// handle and feeds it to one imported ext function, returning the result.
func hostCallModule(exportName, importName string) []byte {
	m := wasmbin.NewModule()
	fn := m.Import("ext", importName,
		wasmbin.FuncType{Params: []wasmbin.ValType{wasmbin.I64}, Results: []wasmbin.ValType{wasmbin.I64}})
	m.Memory(1, 0)
	m.Func(exportName,
		wasmbin.FuncType{Params: []wasmbin.ValType{wasmbin.I32, wasmbin.I32}, Results: []wasmbin.ValType{wasmbin.I64}},
		nil,
		wasmbin.NewCode().
			LocalGet(0).I64ExtendI32U().I64Const(32).I64Shl().
			LocalGet(1).I64ExtendI32U().I64Or().
			Call(fn).
			Bytes())
	return m.Encode()
}

// voidHostModule exports fn() -> i64 that first calls an imported ext
// function with no results, then returns an empty handle.
func voidHostModule(exportName, importName string) []byte {
	m := wasmbin.NewModule()
	fn := m.Import("ext", importName, wasmbin.FuncType{})
	m.Memory(1, 0)
	m.Func(exportName,
		wasmbin.FuncType{Results: []wasmbin.ValType{wasmbin.I64}},
		nil,
		wasmbin.NewCode().Call(fn).I64Const(0).Bytes())
	return m.Encode()
}

func newTestRuntime(t *testing.T, reg *hostfn.Registry) *Runtime {
	t.Helper()
	rt := New(Options{Registry: reg})
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func newInstance(t *testing.T, rt *Runtime, m *manifest.Manifest) *Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := rt.NewInstance(ctx, m)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	t.Cleanup(func() { inst.Close(ctx) })
	return inst
}

func TestCallRawNumeric(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(addModule()))

	input := make([]byte, 8)
	binary.LittleEndian.PutUint32(input[0:], 2)
	binary.LittleEndian.PutUint32(input[4:], 3)

	out, err := inst.Call(context.Background(), "add", input)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(out) != 4 || binary.LittleEndian.Uint32(out) != 5 {
		t.Fatalf("add(2, 3) = % x, want 5", out)
	}
	if inst.State() != StateReady {
		t.Fatalf("state = %s, want ready", inst.State())
	}
}

func TestCallBlockConvention(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(echoModule()))

	payload := []byte("hello plugin world")
	out, err := inst.Call(context.Background(), "echo", payload)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("echo = %q, want %q", out, payload)
	}
}

func TestCallZeroArgConvention(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(pingModule()))

	out, err := inst.Call(context.Background(), "ping", []byte("pong"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != "pong" {
		t.Fatalf("ping = %q, want %q", out, "pong")
	}
}

func TestRepeatedCallsStayReady(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(echoModule()))

	for n := 0; n < 50; n++ {
		payload := []byte(strings.Repeat("x", 1000+n))
		out, err := inst.Call(context.Background(), "echo", payload)
		if err != nil {
			t.Fatalf("call %d: %v", n, err)
		}
		if len(out) != len(payload) {
			t.Fatalf("call %d returned %d bytes, want %d", n, len(out), len(payload))
		}
	}
	if got := inst.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestFunctionNotFoundLeavesReady(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(addModule()))

	_, err := inst.Call(context.Background(), "missing", nil)
	if !stderrors.Is(err, errors.ErrFunctionNotFound) {
		t.Fatalf("err = %v, want function not found", err)
	}
	if inst.State() != StateReady {
		t.Fatalf("state = %s after missing export, want ready", inst.State())
	}

	// The instance still works.
	if _, err := inst.Call(context.Background(), "add", make([]byte, 8)); err != nil {
		t.Fatalf("call after miss: %v", err)
	}
}

func TestTrapFaultsInstance(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(crashModule()))

	_, err := inst.Call(context.Background(), "crash", nil)
	if !stderrors.Is(err, errors.ErrTrap) {
		t.Fatalf("err = %v, want trap", err)
	}
	if inst.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", inst.State())
	}

	_, err = inst.Call(context.Background(), "crash", nil)
	if !stderrors.Is(err, errors.ErrFaulted) {
		t.Fatalf("second call err = %v, want faulted", err)
	}
}

func TestTimeoutFaultsInstance(t *testing.T) {
	rt := newTestRuntime(t, nil)
	m := bytesManifest(spinModule())
	m.TimeoutMS = 100
	inst := newInstance(t, rt, m)

	start := time.Now()
	_, err := inst.Call(context.Background(), "spin", nil)
	if !stderrors.Is(err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("interruption took %s", elapsed)
	}
	if inst.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", inst.State())
	}
}

func TestMemoryLimitFaultsInstance(t *testing.T) {
	rt := newTestRuntime(t, nil)
	m := bytesManifest(echoModule())
	m.Memory.MaxPages = 2
	inst := newInstance(t, rt, m)

	// Two pages cannot hold a 200 KiB input block.
	_, err := inst.Call(context.Background(), "echo", make([]byte, 200*1024))
	if !stderrors.Is(err, errors.ErrOutOfMemory) {
		t.Fatalf("err = %v, want out of memory", err)
	}
	if inst.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", inst.State())
	}
}

func TestRegisteredHostFunction(t *testing.T) {
	reg := hostfn.NewRegistry()
	err := reg.Register("ext", "transform", hostfn.Spec{
		Params:  []hostfn.ValueType{hostfn.Block},
		Results: []hostfn.ValueType{hostfn.Block},
		Fn: func(_ context.Context, _ *hostfn.CallContext, _ any, args []hostfn.Value) ([]hostfn.Value, error) {
			return []hostfn.Value{hostfn.BlockValue([]byte(strings.ToUpper(string(args[0].Bytes))))}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rt := newTestRuntime(t, reg)
	inst := newInstance(t, rt, bytesManifest(hostCallModule("shout", "transform")))

	out, err := inst.Call(context.Background(), "shout", []byte("quiet words"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != "QUIET WORDS" {
		t.Fatalf("shout = %q", out)
	}
}

func TestPermissionDeniedHostTrap(t *testing.T) {
	reg := hostfn.NewRegistry()
	err := reg.Register("ext", "audit", hostfn.Spec{
		Fn: func(context.Context, *hostfn.CallContext, any, []hostfn.Value) ([]hostfn.Value, error) {
			return nil, errors.PermissionDenied("audit log is sealed")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rt := newTestRuntime(t, reg)
	inst := newInstance(t, rt, bytesManifest(voidHostModule("snitch", "audit")))

	_, err = inst.Call(context.Background(), "snitch", nil)
	if !stderrors.Is(err, errors.ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if inst.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", inst.State())
	}
}

func TestTryCallBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	reg := hostfn.NewRegistry()
	err := reg.Register("ext", "wait", hostfn.Spec{
		Fn: func(context.Context, *hostfn.CallContext, any, []hostfn.Value) ([]hostfn.Value, error) {
			close(entered)
			<-release
			return nil, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rt := newTestRuntime(t, reg)
	inst := newInstance(t, rt, bytesManifest(voidHostModule("block", "wait")))

	done := make(chan error, 1)
	go func() {
		_, err := inst.Call(context.Background(), "block", nil)
		done <- err
	}()

	<-entered
	if _, err := inst.TryCall(context.Background(), "block", nil); !stderrors.Is(err, errors.ErrBusy) {
		t.Fatalf("TryCall err = %v, want busy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("blocked call failed: %v", err)
	}
}

func TestVarsSeededFromConfigAndPersist(t *testing.T) {
	rt := newTestRuntime(t, nil)
	m := bytesManifest(addModule())
	m.Config = map[string]string{"tier": "gold"}
	inst := newInstance(t, rt, m)

	if v, ok := inst.Var("tier"); !ok || string(v) != "gold" {
		t.Fatalf("Var(tier) = %q, %v", v, ok)
	}

	if err := inst.SetVar("count", []byte("7")); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(context.Background(), "add", make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	if v, ok := inst.Var("count"); !ok || string(v) != "7" {
		t.Fatalf("Var(count) after call = %q, %v", v, ok)
	}
}

func TestFunctionExists(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(addModule()))

	if !inst.FunctionExists("add") {
		t.Fatal("add not found")
	}
	if inst.FunctionExists("multiply") {
		t.Fatal("phantom export found")
	}
}

func TestClosedInstanceRejectsCalls(t *testing.T) {
	rt := newTestRuntime(t, nil)
	inst := newInstance(t, rt, bytesManifest(addModule()))

	if err := inst.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(context.Background(), "add", make([]byte, 8)); !stderrors.Is(err, errors.ErrFaulted) {
		t.Fatalf("call after close = %v, want faulted", err)
	}
}
