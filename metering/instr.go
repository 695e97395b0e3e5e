package metering

import (
	"fmt"

	"github.com/wippyai/wasm-capsule/errors"
)

// Opcodes the walker treats specially. Everything else is only skipped.
const (
	opUnreachable  byte = 0x00
	opBlock        byte = 0x02
	opLoop         byte = 0x03
	opIf           byte = 0x04
	opElse         byte = 0x05
	opEnd          byte = 0x0b
	opBr           byte = 0x0c
	opBrIf         byte = 0x0d
	opBrTable      byte = 0x0e
	opReturn       byte = 0x0f
	opCall         byte = 0x10
	opCallIndirect byte = 0x11
	opReturnCall   byte = 0x12
	opReturnCallIn byte = 0x13
	opDrop         byte = 0x1a
	opSelect       byte = 0x1b
	opSelectT      byte = 0x1c
	opLocalGet     byte = 0x20
	opGlobalSet    byte = 0x24
	opTableGet     byte = 0x25
	opTableSet     byte = 0x26
	opI32Load      byte = 0x28
	opI64Store32   byte = 0x3e
	opMemorySize   byte = 0x3f
	opMemoryGrow   byte = 0x40
	opI32Const     byte = 0x41
	opI64Const     byte = 0x42
	opF32Const     byte = 0x43
	opF64Const     byte = 0x44
	opNumericFirst byte = 0x45
	opNumericLast  byte = 0xc4
	opRefNull      byte = 0xd0
	opRefIsNull    byte = 0xd1
	opRefFunc      byte = 0xd2
	opGCPrefix     byte = 0xfb
	opMiscPrefix   byte = 0xfc
	opSIMDPrefix   byte = 0xfd
	opAtomicPrefix byte = 0xfe
)

// instr is one decoded instruction of a function body.
type instr struct {
	start   int    // offset of the opcode within the body
	end     int    // offset just past the last immediate
	funcImm int    // offset of a function index immediate, or -1
	funcIdx uint32 // value of that immediate
	op      byte
}

// patch replaces body[start:end] with data.
type patch struct {
	start, end int
	data       []byte
}

// patcher records function index immediates outside of code bodies. A nil
// patcher only validates.
type patcher struct {
	shift   func(uint32) uint32
	patches []patch
}

func (p *patcher) funcIndex(r *reader) error {
	start := r.pos
	idx, err := r.readU32()
	if err != nil {
		return err
	}
	if p != nil && p.shift != nil {
		if shifted := p.shift(idx); shifted != idx {
			p.patches = append(p.patches, patch{start: start, end: r.pos, data: appendU32(nil, shifted)})
		}
	}
	return nil
}

func applyPatches(payload []byte, patches []patch) []byte {
	if len(patches) == 0 {
		return payload
	}
	out := make([]byte, 0, len(payload)+len(patches))
	last := 0
	for _, p := range patches {
		out = append(out, payload[last:p.start]...)
		out = append(out, p.data...)
		last = p.end
	}
	return append(out, payload[last:]...)
}

func readBlockType(r *reader) error {
	b, err := r.peekByte()
	if err != nil {
		return err
	}
	switch ValType(b) {
	case 0x40, ValI32, ValI64, ValF32, ValF64, ValFuncref, ValExternref:
		r.pos++
		return nil
	case ValV128:
		return unsupported("blocktype", "v128 requires SIMD")
	}
	idx, err := r.readS64()
	if err != nil {
		return err
	}
	if idx < 0 {
		return unsupported("blocktype", "block type 0x%02x", b)
	}
	return nil
}

func readMemArg(r *reader) error {
	align, err := r.readU32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		return unsupported("memarg", "multiple memories")
	}
	_, err = r.readU64()
	return err
}

func readMisc(r *reader) error {
	sub, err := r.readU32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 7: // saturating truncation
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14: // memory.init, memory.copy, table.init, table.copy
		if _, err := r.readU32(); err != nil {
			return err
		}
		_, err = r.readU32()
		return err
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		_, err = r.readU32()
		return err
	}
	return unsupported("opcode", "0xfc %d", sub)
}

// readInstr decodes the instruction at r.pos.
func readInstr(r *reader) (instr, error) {
	in := instr{start: r.pos, funcImm: -1}
	op, err := r.readByte()
	if err != nil {
		return in, err
	}
	in.op = op

	switch {
	case op == opUnreachable, op == 0x01, op == opElse, op == opEnd, op == opReturn,
		op == opDrop, op == opSelect, op == opRefIsNull:
	case op >= opNumericFirst && op <= opNumericLast:
	case op == opBlock, op == opLoop, op == opIf:
		err = readBlockType(r)
	case op == opBr, op == opBrIf:
		_, err = r.readU32()
	case op == opBrTable:
		var n int
		if n, err = r.readVecLen(); err == nil {
			for i := 0; i <= n && err == nil; i++ {
				_, err = r.readU32()
			}
		}
	case op == opCall, op == opReturnCall, op == opRefFunc:
		in.funcImm = r.pos
		in.funcIdx, err = r.readU32()
	case op == opCallIndirect, op == opReturnCallIn:
		if _, err = r.readU32(); err == nil {
			_, err = r.readU32()
		}
	case op == opSelectT:
		_, err = readValTypes(r)
	case op >= opLocalGet && op <= opGlobalSet, op == opTableGet, op == opTableSet:
		_, err = r.readU32()
	case op >= opI32Load && op <= opI64Store32:
		err = readMemArg(r)
	case op == opMemorySize, op == opMemoryGrow:
		var mem byte
		if mem, err = r.readByte(); err == nil && mem != 0 {
			err = unsupported("opcode", "multiple memories")
		}
	case op == opI32Const:
		_, err = r.readS32()
	case op == opI64Const:
		_, err = r.readS64()
	case op == opF32Const:
		err = r.skip(4)
	case op == opF64Const:
		err = r.skip(8)
	case op == opRefNull:
		var ht byte
		if ht, err = r.readByte(); err == nil && ValType(ht) != ValFuncref && ValType(ht) != ValExternref {
			err = unsupported("opcode", "ref.null heap type 0x%02x", ht)
		}
	case op == opMiscPrefix:
		err = readMisc(r)
	case op == opSIMDPrefix:
		err = unsupported("opcode", "0x%02x (SIMD)", op)
	case op == opAtomicPrefix:
		err = unsupported("opcode", "0x%02x (threads)", op)
	case op == opGCPrefix, op >= 0xd3 && op <= 0xd6, op == 0x14, op == 0x15:
		err = unsupported("opcode", "0x%02x (typed references)", op)
	case op >= 0x06 && op <= 0x0a, op == 0x18, op == 0x19, op == 0x1f:
		err = unsupported("opcode", "0x%02x (exception handling)", op)
	default:
		err = loadErr("opcode", "unknown opcode 0x%02x", op)
	}
	in.end = r.pos
	return in, err
}

// decodeBody splits a function body into its locals prefix and its
// instructions, checking that blocks are balanced.
func decodeBody(body []byte) (int, []instr, error) {
	r := newReader(body)
	groups, err := r.readVecLen()
	if err != nil {
		return 0, nil, err
	}
	for i := 0; i < groups; i++ {
		if _, err := r.readU32(); err != nil {
			return 0, nil, err
		}
		if _, err := readValType(r); err != nil {
			return 0, nil, err
		}
	}
	localsEnd := r.pos

	instrs := make([]instr, 0, r.len()/2)
	depth := 1
	for depth > 0 {
		in, err := readInstr(r)
		if err != nil {
			return 0, nil, err
		}
		switch in.op {
		case opBlock, opLoop, opIf:
			depth++
		case opEnd:
			depth--
		}
		in.start -= localsEnd
		in.end -= localsEnd
		if in.funcImm >= 0 {
			in.funcImm -= localsEnd
		}
		instrs = append(instrs, in)
	}
	if r.len() != 0 {
		return 0, nil, loadErr("body", "%d trailing bytes after final end", r.len())
	}
	return localsEnd, instrs, nil
}

// walkCode decodes every body of a code section and passes it to visit.
// Instruction offsets are relative to the first byte after the locals.
func walkCode(r *reader, visit func(i int, body []byte, localsEnd int, instrs []instr) error) (int, error) {
	n, err := r.readVecLen()
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		size, err := r.readU32()
		if err != nil {
			return 0, err
		}
		body, err := r.readBytes(int(size))
		if err != nil {
			return 0, err
		}
		localsEnd, instrs, err := decodeBody(body)
		if err != nil {
			return 0, withSubject(err, fmt.Sprintf("code[%d]", i))
		}
		if visit != nil {
			if err := visit(i, body, localsEnd, instrs); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func withSubject(err error, subject string) error {
	if e, ok := err.(*errors.Error); ok {
		c := *e
		if c.Subject != "" {
			c.Detail = c.Subject + ": " + c.Detail
		}
		c.Subject = subject
		return &c
	}
	return wrapLoad(subject, err)
}

// readConstExpr walks an initializer expression up to its end opcode.
func readConstExpr(r *reader, p *patcher) error {
	for {
		op, err := r.readByte()
		if err != nil {
			return err
		}
		switch op {
		case opEnd:
			return nil
		case opI32Const:
			_, err = r.readS32()
		case opI64Const:
			_, err = r.readS64()
		case opF32Const:
			err = r.skip(4)
		case opF64Const:
			err = r.skip(8)
		case 0x23: // global.get
			_, err = r.readU32()
		case opRefNull:
			_, err = r.readByte()
		case opRefFunc:
			err = p.funcIndex(r)
		case 0x6a, 0x6b, 0x6c, 0x7c, 0x7d, 0x7e: // extended constant arithmetic
		case opSIMDPrefix:
			return unsupported("const expr", "v128 constants require SIMD")
		default:
			return loadErr("const expr", "opcode 0x%02x not allowed", op)
		}
		if err != nil {
			return err
		}
	}
}

func walkGlobals(r *reader, p *patcher) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := readValType(r); err != nil {
			return err
		}
		if _, err := r.readByte(); err != nil {
			return err
		}
		if err := readConstExpr(r, p); err != nil {
			return withSubject(err, fmt.Sprintf("global[%d]", i))
		}
	}
	return nil
}

func readFuncIndices(r *reader, p *patcher) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := p.funcIndex(r); err != nil {
			return err
		}
	}
	return nil
}

func readExprs(r *reader, p *patcher) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := readConstExpr(r, p); err != nil {
			return err
		}
	}
	return nil
}

// walkElements walks all eight element segment encodings.
func walkElements(r *reader, p *patcher) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		flags, err := r.readU32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return loadErr(fmt.Sprintf("elem[%d]", i), "invalid segment flags %d", flags)
		}
		// Explicit table index.
		if flags&0x02 != 0 && flags&0x01 == 0 {
			if _, err := r.readU32(); err != nil {
				return err
			}
		}
		// Active segments carry an offset expression.
		if flags&0x01 == 0 {
			if err := readConstExpr(r, p); err != nil {
				return err
			}
		}
		// Element kind or reference type, absent only in the legacy encodings.
		if flags != 0 && flags != 4 {
			if _, err := r.readByte(); err != nil {
				return err
			}
		}
		if flags&0x04 == 0 {
			err = readFuncIndices(r, p)
		} else {
			err = readExprs(r, p)
		}
		if err != nil {
			return withSubject(err, fmt.Sprintf("elem[%d]", i))
		}
	}
	return nil
}

func walkExports(r *reader, p *patcher) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := r.readName(); err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		if ExternKind(kind) == ExternFunc {
			err = p.funcIndex(r)
		} else {
			_, err = r.readU32()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
