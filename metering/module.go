package metering

import (
	"bytes"
	"fmt"

	"github.com/wippyai/wasm-capsule/errors"
)

var magic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Section IDs
const (
	sectionCustom    byte = 0
	sectionType      byte = 1
	sectionImport    byte = 2
	sectionFunction  byte = 3
	sectionTable     byte = 4
	sectionMemory    byte = 5
	sectionGlobal    byte = 6
	sectionExport    byte = 7
	sectionStart     byte = 8
	sectionElement   byte = 9
	sectionCode      byte = 10
	sectionData      byte = 11
	sectionDataCount byte = 12
	sectionTag       byte = 13
)

// ExternKind is the kind byte of an import or export.
type ExternKind byte

const (
	ExternFunc   ExternKind = 0
	ExternTable  ExternKind = 1
	ExternMemory ExternKind = 2
	ExternGlobal ExternKind = 3
)

func (k ExternKind) String() string {
	switch k {
	case ExternFunc:
		return "func"
	case ExternTable:
		return "table"
	case ExternMemory:
		return "memory"
	case ExternGlobal:
		return "global"
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

// ValType is a value type byte.
type ValType byte

const (
	ValI32       ValType = 0x7f
	ValI64       ValType = 0x7e
	ValF32       ValType = 0x7d
	ValF64       ValType = 0x7c
	ValV128      ValType = 0x7b
	ValFuncref   ValType = 0x70
	ValExternref ValType = 0x6f
)

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncref:
		return "funcref"
	case ValExternref:
		return "externref"
	}
	return fmt.Sprintf("valtype(0x%02x)", byte(v))
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	return bytes.Equal(valBytes(f.Params), valBytes(o.Params)) &&
		bytes.Equal(valBytes(f.Results), valBytes(o.Results))
}

func (f FuncType) String() string {
	return fmt.Sprintf("%v -> %v", f.Params, f.Results)
}

func valBytes(vs []ValType) []byte {
	b := make([]byte, len(vs))
	for i, v := range vs {
		b[i] = byte(v)
	}
	return b
}

// Import is one entry of the import section.
type Import struct {
	Module    string
	Name      string
	Kind      ExternKind
	TypeIndex uint32 // functions only
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  ExternKind
	Index uint32
}

// Limits describes a memory. Page sizes other than 64 KiB come from the
// custom-page-sizes proposal.
type Limits struct {
	Min          uint64
	Max          uint64
	HasMax       bool
	Imported     bool
	PageSizeLog2 uint32
}

// CustomPageSize reports whether the memory uses a non-default page size.
func (l Limits) CustomPageSize() bool {
	return l.PageSizeLog2 != 16
}

// ModuleInfo is the framing-level summary of a capsule binary.
type ModuleInfo struct {
	Types          []FuncType
	Imports        []Import
	Exports        []Export
	Memories       []Limits
	FuncTypes      []uint32 // type index per function, imports first
	NumFuncImports uint32
	HasStart       bool
}

// ExportedFunc returns the signature of a function export.
func (m *ModuleInfo) ExportedFunc(name string) (FuncType, bool) {
	for _, e := range m.Exports {
		if e.Name != name || e.Kind != ExternFunc {
			continue
		}
		if int(e.Index) >= len(m.FuncTypes) {
			return FuncType{}, false
		}
		ti := m.FuncTypes[e.Index]
		if int(ti) >= len(m.Types) {
			return FuncType{}, false
		}
		return m.Types[ti], true
	}
	return FuncType{}, false
}

// HasExport reports whether an export of the given name and kind exists.
func (m *ModuleInfo) HasExport(name string, kind ExternKind) bool {
	for _, e := range m.Exports {
		if e.Name == name && e.Kind == kind {
			return true
		}
	}
	return false
}

// FuncImports returns the function imports in index order.
func (m *ModuleInfo) FuncImports() []Import {
	var out []Import
	for _, imp := range m.Imports {
		if imp.Kind == ExternFunc {
			out = append(out, imp)
		}
	}
	return out
}

// ImportType returns the signature of a function import.
func (m *ModuleInfo) ImportType(imp Import) (FuncType, bool) {
	if imp.Kind != ExternFunc || int(imp.TypeIndex) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[imp.TypeIndex], true
}

type section struct {
	id      byte
	name    string // custom sections only
	payload []byte
}

// sectionOrder returns the canonical position of a non-custom section.
func sectionOrder(id byte) int {
	switch id {
	case sectionType:
		return 1
	case sectionImport:
		return 2
	case sectionFunction:
		return 3
	case sectionTable:
		return 4
	case sectionMemory:
		return 5
	case sectionTag:
		return 6
	case sectionGlobal:
		return 7
	case sectionExport:
		return 8
	case sectionStart:
		return 9
	case sectionElement:
		return 10
	case sectionDataCount:
		return 11
	case sectionCode:
		return 12
	case sectionData:
		return 13
	}
	return -1
}

func loadErr(subject string, format string, args ...any) *errors.Error {
	return errors.New(errors.PhaseLoad, errors.KindInvalidData).
		Subject(subject).
		Detail(format, args...).
		Build()
}

func unsupported(subject string, format string, args ...any) *errors.Error {
	return errors.New(errors.PhaseLoad, errors.KindUnsupported).
		Subject(subject).
		Detail(format, args...).
		Build()
}

func wrapLoad(subject string, err error) error {
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.New(errors.PhaseLoad, errors.KindInvalidData).
		Subject(subject).
		Cause(err).
		Detail("malformed").
		Build()
}

// splitSections checks the header and splits the binary into its sections.
func splitSections(bin []byte) ([]section, error) {
	if len(bin) < len(magic) || !bytes.Equal(bin[:4], magic[:4]) {
		return nil, loadErr("header", "not a wasm binary")
	}
	if !bytes.Equal(bin[4:8], magic[4:]) {
		if bin[4] == 0x0d || bin[6] == 0x01 {
			return nil, errors.Unsupported(errors.PhaseLoad, "component binaries are not capsules")
		}
		return nil, loadErr("header", "unsupported version % x", bin[4:8])
	}

	r := newReader(bin[len(magic):])
	var sections []section
	last := 0
	for r.len() > 0 {
		id, err := r.readByte()
		if err != nil {
			return nil, wrapLoad("section header", err)
		}
		size, err := r.readU32()
		if err != nil {
			return nil, wrapLoad("section header", err)
		}
		payload, err := r.readBytes(int(size))
		if err != nil {
			return nil, wrapLoad(fmt.Sprintf("section %d", id), err)
		}

		s := section{id: id, payload: payload}
		if id == sectionCustom {
			name, err := newReader(payload).readName()
			if err != nil {
				return nil, wrapLoad("custom section", err)
			}
			s.name = name
		} else {
			order := sectionOrder(id)
			if order < 0 {
				return nil, loadErr("section header", "unknown section id 0x%02x", id)
			}
			if order <= last {
				return nil, loadErr("section header", "section %d appears out of order", id)
			}
			last = order
		}
		sections = append(sections, s)
	}
	return sections, nil
}

// Inspect validates the framing of a capsule binary and summarizes its
// interface. It does not type-check function bodies; the engine compiler does.
func Inspect(bin []byte) (*ModuleInfo, error) {
	sections, err := splitSections(bin)
	if err != nil {
		return nil, err
	}
	m := &ModuleInfo{}
	var numDefined, numBodies int
	for _, s := range sections {
		r := newReader(s.payload)
		switch s.id {
		case sectionType:
			err = parseTypes(r, m)
		case sectionImport:
			err = parseImports(r, m)
		case sectionFunction:
			numDefined, err = parseFunctions(r, m)
		case sectionTable:
			err = parseTables(r)
		case sectionMemory:
			err = parseMemories(r, m)
		case sectionGlobal:
			err = walkGlobals(r, nil)
		case sectionExport:
			err = parseExports(r, m)
		case sectionStart:
			m.HasStart = true
		case sectionElement:
			err = walkElements(r, nil)
		case sectionCode:
			numBodies, err = walkCode(r, nil)
		case sectionTag:
			err = unsupported("tag section", "exception handling")
		}
		if err != nil {
			return nil, wrapLoad(sectionName(s.id), err)
		}
	}
	if numDefined != numBodies {
		return nil, loadErr("code section", "%d functions declared, %d bodies present", numDefined, numBodies)
	}
	for _, ti := range m.FuncTypes {
		if int(ti) >= len(m.Types) {
			return nil, loadErr("function section", "type index %d out of range", ti)
		}
	}
	return m, nil
}

func sectionName(id byte) string {
	switch id {
	case sectionType:
		return "type section"
	case sectionImport:
		return "import section"
	case sectionFunction:
		return "function section"
	case sectionTable:
		return "table section"
	case sectionMemory:
		return "memory section"
	case sectionGlobal:
		return "global section"
	case sectionExport:
		return "export section"
	case sectionStart:
		return "start section"
	case sectionElement:
		return "element section"
	case sectionCode:
		return "code section"
	case sectionData:
		return "data section"
	case sectionDataCount:
		return "data count section"
	case sectionTag:
		return "tag section"
	}
	return "custom section"
}

func readValType(r *reader) (ValType, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch v := ValType(b); v {
	case ValI32, ValI64, ValF32, ValF64, ValFuncref, ValExternref:
		return v, nil
	case ValV128:
		return 0, unsupported("valtype", "v128 requires SIMD")
	default:
		return 0, unsupported("valtype", "value type 0x%02x", b)
	}
}

func readValTypes(r *reader) ([]ValType, error) {
	n, err := r.readVecLen()
	if err != nil {
		return nil, err
	}
	out := make([]ValType, n)
	for i := range out {
		if out[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseTypes(r *reader, m *ModuleInfo) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		form, err := r.readByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return unsupported(fmt.Sprintf("type[%d]", i), "type form 0x%02x (GC types)", form)
		}
		var ft FuncType
		if ft.Params, err = readValTypes(r); err != nil {
			return err
		}
		if ft.Results, err = readValTypes(r); err != nil {
			return err
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

// readLimits reads memory or table limits. Shared and 64-bit limits are
// rejected; a custom page size is recorded for the engine to check.
func readLimits(r *reader, memory bool) (Limits, error) {
	flags, err := r.readByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&0x02 != 0 {
		return Limits{}, unsupported("limits", "shared memory requires threads")
	}
	if flags&0x04 != 0 {
		return Limits{}, unsupported("limits", "64-bit address space")
	}
	if flags&^0x0f != 0 || (!memory && flags&0x08 != 0) {
		return Limits{}, loadErr("limits", "invalid limits flags 0x%02x", flags)
	}
	l := Limits{PageSizeLog2: 16}
	if l.Min, err = r.readU64(); err != nil {
		return Limits{}, err
	}
	if flags&0x01 != 0 {
		l.HasMax = true
		if l.Max, err = r.readU64(); err != nil {
			return Limits{}, err
		}
	}
	if flags&0x08 != 0 {
		if l.PageSizeLog2, err = r.readU32(); err != nil {
			return Limits{}, err
		}
	}
	return l, nil
}

func readTableType(r *reader) error {
	b, err := r.readByte()
	if err != nil {
		return err
	}
	if ValType(b) != ValFuncref && ValType(b) != ValExternref {
		return unsupported("table", "table element type 0x%02x", b)
	}
	_, err = readLimits(r, false)
	return err
}

func parseImports(r *reader, m *ModuleInfo) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var imp Import
		if imp.Module, err = r.readName(); err != nil {
			return err
		}
		if imp.Name, err = r.readName(); err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		imp.Kind = ExternKind(kind)
		switch imp.Kind {
		case ExternFunc:
			if imp.TypeIndex, err = r.readU32(); err != nil {
				return err
			}
			if int(imp.TypeIndex) >= len(m.Types) {
				return loadErr(imp.Module+"#"+imp.Name, "type index %d out of range", imp.TypeIndex)
			}
			m.FuncTypes = append(m.FuncTypes, imp.TypeIndex)
			m.NumFuncImports++
		case ExternTable:
			err = readTableType(r)
		case ExternMemory:
			var l Limits
			l, err = readLimits(r, true)
			l.Imported = true
			m.Memories = append(m.Memories, l)
		case ExternGlobal:
			if _, err = readValType(r); err == nil {
				_, err = r.readByte()
			}
		case 4:
			return unsupported(imp.Module+"#"+imp.Name, "tag imports (exception handling)")
		default:
			return loadErr(imp.Module+"#"+imp.Name, "unknown import kind 0x%02x", kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctions(r *reader, m *ModuleInfo) (int, error) {
	n, err := r.readVecLen()
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		ti, err := r.readU32()
		if err != nil {
			return 0, err
		}
		m.FuncTypes = append(m.FuncTypes, ti)
	}
	return n, nil
}

func parseTables(r *reader) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if b, _ := r.peekByte(); b == 0x40 {
			return unsupported(fmt.Sprintf("table[%d]", i), "table initializer expressions")
		}
		if err := readTableType(r); err != nil {
			return err
		}
	}
	return nil
}

func parseMemories(r *reader, m *ModuleInfo) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		l, err := readLimits(r, true)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, l)
	}
	return nil
}

func parseExports(r *reader, m *ModuleInfo) error {
	n, err := r.readVecLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var e Export
		if e.Name, err = r.readName(); err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		if kind > byte(ExternGlobal) {
			return loadErr(e.Name, "unsupported export kind 0x%02x", kind)
		}
		e.Kind = ExternKind(kind)
		if e.Index, err = r.readU32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, e)
	}
	return nil
}
