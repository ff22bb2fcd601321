// Package hostfn implements the host function registry and linker: native
// capabilities registered under (namespace, name) keys, bound into a
// module's import environment through one uniform bridging trampoline, and
// gated per call by the instance's sandbox policy.
package hostfn

import (
	"math"

	"github.com/tetratelabs/wazero/api"
)

// ValueType describes one element of a host function signature.
type ValueType byte

const (
	I32 ValueType = iota
	I64
	F32
	F64
	// Block marks a memory-block parameter or result. On the wire it is an
	// i64 packed (offset, length) handle; the trampoline loads parameter
	// blocks into bytes before the closure runs and stores result bytes
	// into fresh blocks after it returns.
	Block
)

func (t ValueType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// wasm returns the engine-level value type this element lowers to.
func (t ValueType) wasm() api.ValueType {
	switch t {
	case I32:
		return api.ValueTypeI32
	case F32:
		return api.ValueTypeF32
	case F64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI64
	}
}

func wasmTypes(ts []ValueType) []api.ValueType {
	if len(ts) == 0 {
		return nil
	}
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		out[i] = t.wasm()
	}
	return out
}

// Value is one argument or result crossing the trampoline.
type Value struct {
	Bytes []byte // payload for Block values
	Raw   uint64 // bit pattern for scalar values
	Type  ValueType
}

func I32Value(v uint32) Value  { return Value{Type: I32, Raw: uint64(v)} }
func I64Value(v uint64) Value  { return Value{Type: I64, Raw: v} }
func F32Value(v float32) Value { return Value{Type: F32, Raw: uint64(math.Float32bits(v))} }
func F64Value(v float64) Value { return Value{Type: F64, Raw: math.Float64bits(v)} }
func BlockValue(b []byte) Value { return Value{Type: Block, Bytes: b} }

func (v Value) I32() uint32   { return uint32(v.Raw) }
func (v Value) I64() uint64   { return v.Raw }
func (v Value) F32() float32  { return math.Float32frombits(uint32(v.Raw)) }
func (v Value) F64() float64  { return math.Float64frombits(v.Raw) }
