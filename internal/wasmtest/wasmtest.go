// Package wasmtest assembles small core wasm modules for tests.
package wasmtest

import (
	"bytes"
	"encoding/binary"
)

// Value types
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
	F32 byte = 0x7d
	F64 byte = 0x7c
)

// Opcodes without immediates.
var (
	Unreachable = []byte{0x00}
	Nop         = []byte{0x01}
	Else        = []byte{0x05}
	End         = []byte{0x0b}
	Return      = []byte{0x0f}
	Drop        = []byte{0x1a}
	I32Eqz      = []byte{0x45}
	I32Eq       = []byte{0x46}
	I32LtU      = []byte{0x49}
	I32Add      = []byte{0x6a}
	I32Sub      = []byte{0x6b}
	I64Or       = []byte{0x84}
	I64Shl      = []byte{0x86}
	I64ExtendU  = []byte{0xad}
	MemorySize  = []byte{0x3f, 0x00}
	MemoryGrow  = []byte{0x40, 0x00}
	Loop        = []byte{0x03, 0x40}
	Block       = []byte{0x02, 0x40}
	If          = []byte{0x04, 0x40}
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func op(code byte, imm ...[]byte) []byte {
	out := []byte{code}
	for _, b := range imm {
		out = append(out, b...)
	}
	return out
}

func I32Const(v int32) []byte    { return op(0x41, sleb(int64(v))) }
func I64Const(v int64) []byte    { return op(0x42, sleb(v)) }
func Call(idx uint32) []byte     { return op(0x10, uleb(uint64(idx))) }
func ReturnCall(idx uint32) []byte {
	return op(0x12, uleb(uint64(idx)))
}
func RefFunc(idx uint32) []byte   { return op(0xd2, uleb(uint64(idx))) }
func LocalGet(idx uint32) []byte  { return op(0x20, uleb(uint64(idx))) }
func LocalSet(idx uint32) []byte  { return op(0x21, uleb(uint64(idx))) }
func LocalTee(idx uint32) []byte  { return op(0x22, uleb(uint64(idx))) }
func GlobalGet(idx uint32) []byte { return op(0x23, uleb(uint64(idx))) }
func GlobalSet(idx uint32) []byte { return op(0x24, uleb(uint64(idx))) }
func Br(depth uint32) []byte      { return op(0x0c, uleb(uint64(depth))) }
func BrIf(depth uint32) []byte    { return op(0x0d, uleb(uint64(depth))) }

// I32Load8U and I32Store8 use alignment 0 and the given offset.
func I32Load8U(offset uint32) []byte { return op(0x2d, []byte{0x00}, uleb(uint64(offset))) }
func I32Store8(offset uint32) []byte { return op(0x3a, []byte{0x00}, uleb(uint64(offset))) }
func I32Load(offset uint32) []byte   { return op(0x28, []byte{0x02}, uleb(uint64(offset))) }
func I32Store(offset uint32) []byte  { return op(0x36, []byte{0x02}, uleb(uint64(offset))) }

// Code concatenates instruction fragments.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type funcType struct {
	params, results []byte
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []byte
	code    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type data struct {
	offset uint32
	bytes  []byte
}

type global struct {
	typ     byte
	mutable bool
	init    int64
}

type custom struct {
	name    string
	payload []byte
}

// Module accumulates the parts of a module. Function imports must be
// declared before any function so that indices stay stable.
type Module struct {
	types   []funcType
	imports []importEntry
	funcs   []function
	exports []export
	data    []data
	globals []global
	customs []custom
	elems   []uint32
	start   *uint32

	memory    bool
	memMin    uint32
	memMax    uint32
	memHasMax bool
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

// Type interns a function type and returns its index.
func (m *Module) Type(params, results []byte) uint32 {
	for i, t := range m.types {
		if bytes.Equal(t.params, params) && bytes.Equal(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, typeIdx: m.Type(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function. The final end opcode is appended automatically.
// locals lists one value type per local.
func (m *Module) Func(params, results, locals []byte, code ...[]byte) uint32 {
	m.funcs = append(m.funcs, function{
		typeIdx: m.Type(params, results),
		locals:  locals,
		code:    append(Code(code...), End...),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports a function.
func (m *Module) Export(name string, funcIdx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: 0, idx: funcIdx})
	return m
}

// Memory defines memory 0 and exports it as "memory".
func (m *Module) Memory(min uint32) *Module {
	m.memory = true
	m.memMin = min
	m.exports = append(m.exports, export{name: "memory", kind: 2, idx: 0})
	return m
}

// MemoryMax bounds memory 0.
func (m *Module) MemoryMax(max uint32) *Module {
	m.memHasMax = true
	m.memMax = max
	return m
}

// Data places bytes at an offset of memory 0.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, data{offset: offset, bytes: b})
	return m
}

// Global defines a global initialized with a constant and returns its index.
func (m *Module) Global(typ byte, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, global{typ: typ, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// Table places the given functions in an active funcref table at offset 0.
func (m *Module) Table(funcs ...uint32) *Module {
	m.elems = append(m.elems, funcs...)
	return m
}

// Start sets the start function.
func (m *Module) Start(funcIdx uint32) *Module {
	m.start = &funcIdx
	return m
}

// Custom appends a custom section.
func (m *Module) Custom(name string, payload []byte) *Module {
	m.customs = append(m.customs, custom{name: name, payload: payload})
	return m
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(n int, items ...[]byte) []byte {
	return append(uleb(uint64(n)), Code(items...)...)
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(payload)))...), payload...)
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var items [][]byte
		for _, t := range m.types {
			items = append(items, op(0x60, vec(len(t.params), t.params), vec(len(t.results), t.results)))
		}
		out = append(out, section(1, vec(len(items), items...))...)
	}
	if len(m.imports) > 0 {
		var items [][]byte
		for _, imp := range m.imports {
			items = append(items, Code(name(imp.module), name(imp.name), []byte{0x00}, uleb(uint64(imp.typeIdx))))
		}
		out = append(out, section(2, vec(len(items), items...))...)
	}
	if len(m.funcs) > 0 {
		var items [][]byte
		for _, f := range m.funcs {
			items = append(items, uleb(uint64(f.typeIdx)))
		}
		out = append(out, section(3, vec(len(items), items...))...)
	}
	if len(m.elems) > 0 {
		n := uint64(len(m.elems))
		out = append(out, section(4, vec(1, []byte{0x70, 0x01}, uleb(n), uleb(n)))...)
	}
	if m.memory {
		limits := Code([]byte{0x00}, uleb(uint64(m.memMin)))
		if m.memHasMax {
			limits = Code([]byte{0x01}, uleb(uint64(m.memMin)), uleb(uint64(m.memMax)))
		}
		out = append(out, section(5, vec(1, limits))...)
	}
	if len(m.globals) > 0 {
		var items [][]byte
		for _, g := range m.globals {
			mut := byte(0)
			if g.mutable {
				mut = 1
			}
			var init []byte
			switch g.typ {
			case I64:
				init = I64Const(g.init)
			default:
				init = I32Const(int32(g.init))
			}
			items = append(items, Code([]byte{g.typ, mut}, init, End))
		}
		out = append(out, section(6, vec(len(items), items...))...)
	}
	if len(m.exports) > 0 {
		var items [][]byte
		for _, e := range m.exports {
			items = append(items, Code(name(e.name), []byte{e.kind}, uleb(uint64(e.idx))))
		}
		out = append(out, section(7, vec(len(items), items...))...)
	}
	if m.start != nil {
		out = append(out, section(8, uleb(uint64(*m.start)))...)
	}
	if len(m.elems) > 0 {
		var idx [][]byte
		for _, f := range m.elems {
			idx = append(idx, uleb(uint64(f)))
		}
		seg := Code([]byte{0x00}, I32Const(0), End, vec(len(idx), idx...))
		out = append(out, section(9, vec(1, seg))...)
	}
	if len(m.funcs) > 0 {
		var items [][]byte
		for _, f := range m.funcs {
			var groups [][]byte
			for _, l := range f.locals {
				groups = append(groups, []byte{0x01, l})
			}
			body := Code(vec(len(groups), groups...), f.code)
			items = append(items, Code(uleb(uint64(len(body))), body))
		}
		out = append(out, section(10, vec(len(items), items...))...)
	}
	if len(m.data) > 0 {
		var items [][]byte
		for _, d := range m.data {
			items = append(items, Code([]byte{0x00}, I32Const(int32(d.offset)), End, vec(len(d.bytes), d.bytes)))
		}
		out = append(out, section(11, vec(len(items), items...))...)
	}
	for _, c := range m.customs {
		out = append(out, section(0, Code(name(c.name), c.payload))...)
	}
	return out
}

// Pack encodes a (ptr, len) pair the way capsules return byte slices.
func Pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// Endpoint encodes an IPv4 endpoint in the capsule ABI layout.
func Endpoint(ip [4]byte, port uint16) []byte {
	out := append([]byte(nil), ip[:]...)
	return binary.LittleEndian.AppendUint16(out, port)
}
