// Package wasmbin builds small WebAssembly core modules in binary format.
// It covers the sections plugin fixtures and tooling need: function types,
// function imports, defined functions, one memory, and exports. Section
// layout follows the core binary format; integers are LEB128.
package wasmbin

import "bytes"

// Magic and Version open every core module binary.
const (
	Magic   uint32 = 0x6d736100 // "\0asm"
	Version uint32 = 1
)

// Section ids, in required order of appearance.
const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionExport   byte = 7
	sectionCode     byte = 10
)

const (
	kindFunc     byte = 0
	kindMemory   byte = 2
	funcTypeByte byte = 0x60
)

// ValType is a core value type byte.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (t FuncType) equal(o FuncType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

type funcImport struct {
	module  string
	name    string
	typeIdx uint32
}

type funcDef struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

// Module accumulates sections and encodes them on demand. Imports must be
// added before defined functions so function indices stay stable.
type Module struct {
	types   []FuncType
	imports []funcImport
	funcs   []funcDef
	exports []export
	memMin  uint32
	memMax  uint32
	hasMem  bool
}

// NewModule creates an empty module.
func NewModule() *Module {
	return &Module{}
}

func (m *Module) typeIdx(t FuncType) uint32 {
	for i, existing := range m.types {
		if existing.equal(t) {
			return uint32(i)
		}
	}
	m.types = append(m.types, t)
	return uint32(len(m.types) - 1)
}

// Import declares a function import and returns its function index.
// Imported functions occupy the index space before defined ones.
func (m *Module) Import(module, name string, t FuncType) uint32 {
	m.imports = append(m.imports, funcImport{module: module, name: name, typeIdx: m.typeIdx(t)})
	return uint32(len(m.imports) - 1)
}

// Func defines and exports a function, returning its function index. The
// body must end with the End opcode; the Code builder appends it.
func (m *Module) Func(name string, t FuncType, locals []ValType, body []byte) uint32 {
	m.funcs = append(m.funcs, funcDef{typeIdx: m.typeIdx(t), locals: locals, body: body})
	idx := uint32(len(m.imports) + len(m.funcs) - 1)
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: idx})
	}
	return idx
}

// Memory declares the module's memory, exported as "memory". maxPages 0
// means no declared maximum.
func (m *Module) Memory(minPages, maxPages uint32) {
	m.memMin, m.memMax, m.hasMem = minPages, maxPages, true
	m.exports = append(m.exports, export{name: "memory", kind: kindMemory, idx: 0})
}

// Encode emits the module binary.
func (m *Module) Encode() []byte {
	var w bytes.Buffer
	writeU32LE(&w, Magic)
	writeU32LE(&w, Version)

	if len(m.types) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.types)))
		for _, t := range m.types {
			sec.WriteByte(funcTypeByte)
			writeValTypes(&sec, t.Params)
			writeValTypes(&sec, t.Results)
		}
		writeSection(&w, sectionType, sec.Bytes())
	}

	if len(m.imports) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.imports)))
		for _, imp := range m.imports {
			writeName(&sec, imp.module)
			writeName(&sec, imp.name)
			sec.WriteByte(kindFunc)
			writeU32(&sec, imp.typeIdx)
		}
		writeSection(&w, sectionImport, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			writeU32(&sec, f.typeIdx)
		}
		writeSection(&w, sectionFunction, sec.Bytes())
	}

	if m.hasMem {
		var sec bytes.Buffer
		writeU32(&sec, 1)
		if m.memMax > 0 {
			sec.WriteByte(0x01)
			writeU32(&sec, m.memMin)
			writeU32(&sec, m.memMax)
		} else {
			sec.WriteByte(0x00)
			writeU32(&sec, m.memMin)
		}
		writeSection(&w, sectionMemory, sec.Bytes())
	}

	if len(m.exports) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.exports)))
		for _, e := range m.exports {
			writeName(&sec, e.name)
			sec.WriteByte(e.kind)
			writeU32(&sec, e.idx)
		}
		writeSection(&w, sectionExport, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body bytes.Buffer
			writeU32(&body, uint32(len(f.locals)))
			for _, l := range f.locals {
				writeU32(&body, 1)
				body.WriteByte(byte(l))
			}
			body.Write(f.body)
			writeU32(&sec, uint32(body.Len()))
			sec.Write(body.Bytes())
		}
		writeSection(&w, sectionCode, sec.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *bytes.Buffer, id byte, data []byte) {
	w.WriteByte(id)
	writeU32(w, uint32(len(data)))
	w.Write(data)
}

func writeValTypes(w *bytes.Buffer, types []ValType) {
	writeU32(w, uint32(len(types)))
	for _, t := range types {
		w.WriteByte(byte(t))
	}
}

func writeName(w *bytes.Buffer, name string) {
	writeU32(w, uint32(len(name)))
	w.WriteString(name)
}

func writeU32LE(w *bytes.Buffer, v uint32) {
	w.WriteByte(byte(v))
	w.WriteByte(byte(v >> 8))
	w.WriteByte(byte(v >> 16))
	w.WriteByte(byte(v >> 24))
}
