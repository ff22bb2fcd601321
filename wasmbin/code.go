package wasmbin

import "bytes"

// Opcodes used by the Code builder.
const (
	opUnreachable  byte = 0x00
	opBlock        byte = 0x02
	opLoop         byte = 0x03
	opEnd          byte = 0x0B
	opBr           byte = 0x0C
	opCall         byte = 0x10
	opDrop         byte = 0x1A
	opLocalGet     byte = 0x20
	opI32Const     byte = 0x41
	opI64Const     byte = 0x42
	opI32Add       byte = 0x6A
	opI64Add       byte = 0x7C
	opI64Or        byte = 0x84
	opI64Shl       byte = 0x86
	opI64ExtendI32 byte = 0xAD // i64.extend_i32_u
)

// blockVoid is the empty block type.
const blockVoid byte = 0x40

// Code builds one function body instruction by instruction. Bytes appends
// the terminating End opcode.
type Code struct {
	buf bytes.Buffer
}

// NewCode creates an empty body.
func NewCode() *Code {
	return &Code{}
}

func (c *Code) LocalGet(idx uint32) *Code {
	c.buf.WriteByte(opLocalGet)
	writeU32(&c.buf, idx)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf.WriteByte(opI32Const)
	writeS64(&c.buf, int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf.WriteByte(opI64Const)
	writeS64(&c.buf, v)
	return c
}

func (c *Code) I32Add() *Code {
	c.buf.WriteByte(opI32Add)
	return c
}

func (c *Code) I64Add() *Code {
	c.buf.WriteByte(opI64Add)
	return c
}

func (c *Code) I64Or() *Code {
	c.buf.WriteByte(opI64Or)
	return c
}

func (c *Code) I64Shl() *Code {
	c.buf.WriteByte(opI64Shl)
	return c
}

// I64ExtendI32U widens the i32 on the stack to i64, zero-extended.
func (c *Code) I64ExtendI32U() *Code {
	c.buf.WriteByte(opI64ExtendI32)
	return c
}

func (c *Code) Call(funcIdx uint32) *Code {
	c.buf.WriteByte(opCall)
	writeU32(&c.buf, funcIdx)
	return c
}

func (c *Code) Drop() *Code {
	c.buf.WriteByte(opDrop)
	return c
}

func (c *Code) Unreachable() *Code {
	c.buf.WriteByte(opUnreachable)
	return c
}

// LoopForever emits an empty loop that branches to itself, never
// terminating.
func (c *Code) LoopForever() *Code {
	c.buf.WriteByte(opLoop)
	c.buf.WriteByte(blockVoid)
	c.buf.WriteByte(opBr)
	writeU32(&c.buf, 0)
	c.buf.WriteByte(opEnd)
	return c
}

// Bytes terminates the body and returns it.
func (c *Code) Bytes() []byte {
	out := make([]byte, 0, c.buf.Len()+1)
	out = append(out, c.buf.Bytes()...)
	return append(out, opEnd)
}
