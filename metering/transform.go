package metering

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-capsule/errors"
)

// Import under which instrumented code reports consumed fuel. The module
// name is reserved: capsules importing from it are rejected.
const (
	FuelModule = "capsule"
	FuelFunc   = "fuel"
)

// Options selects the rewrites applied by Transform.
type Options struct {
	// Fuel charges every function entry and loop header with the number of
	// instructions up to the next charge point.
	Fuel bool
	// MemoryMayGrow keeps memory.grow. When false every grow yields -1.
	MemoryMayGrow bool
}

// Transform validates bin and returns an instrumented copy together with
// the summary of the original module. When no rewrite is requested the
// input is returned as is.
//
// Fuel instrumentation appends the func import capsule.fuel (i32) -> () after
// the existing function imports, so every defined function index moves up by
// one. Calls, ref.func, exports, the start function, globals and element
// segments are renumbered accordingly. The "name" section is dropped because
// its function indices would no longer be valid.
func Transform(bin []byte, opts Options) ([]byte, *ModuleInfo, error) {
	info, err := Inspect(bin)
	if err != nil {
		return nil, nil, err
	}
	if !opts.Fuel && opts.MemoryMayGrow {
		return bin, info, nil
	}
	if opts.Fuel {
		for _, imp := range info.Imports {
			if imp.Module == FuelModule {
				return nil, nil, loadErr(imp.Module+"#"+imp.Name, "import module %q is reserved", FuelModule)
			}
		}
	}

	sections, err := splitSections(bin)
	if err != nil {
		return nil, nil, err
	}

	boundary := info.NumFuncImports
	fuelType := uint32(len(info.Types))
	shift := func(idx uint32) uint32 {
		if opts.Fuel && idx >= boundary {
			return idx + 1
		}
		return idx
	}

	out := make([]byte, 0, len(bin)+len(bin)/8+64)
	out = append(out, magic...)

	haveType, haveImport := !opts.Fuel, !opts.Fuel
	synthesize := func(order int) {
		if !haveType && order > sectionOrder(sectionType) {
			out = appendSection(out, sectionType, appendFuncType(appendU32(nil, 1)))
			haveType = true
		}
		if !haveImport && order > sectionOrder(sectionImport) {
			out = appendSection(out, sectionImport, appendFuelImport(appendU32(nil, 1), fuelType))
			haveImport = true
		}
	}

	for _, s := range sections {
		if s.id == sectionCustom {
			if opts.Fuel && s.name == "name" {
				continue
			}
			out = appendSection(out, s.id, s.payload)
			continue
		}
		synthesize(sectionOrder(s.id))

		payload := s.payload
		switch s.id {
		case sectionType:
			if opts.Fuel {
				payload, err = extendVec(payload, appendFuncType)
				haveType = true
			}
		case sectionImport:
			if opts.Fuel {
				payload, err = extendVec(payload, func(dst []byte) []byte {
					return appendFuelImport(dst, fuelType)
				})
				haveImport = true
			}
		case sectionGlobal, sectionElement, sectionExport, sectionStart:
			if opts.Fuel {
				payload, err = renumber(s, shift)
			}
		case sectionCode:
			payload, err = rewriteCode(payload, opts, boundary, shift)
		}
		if err != nil {
			return nil, nil, wrapLoad(sectionName(s.id), err)
		}
		out = appendSection(out, s.id, payload)
	}
	synthesize(math.MaxInt)

	return out, info, nil
}

func appendFuncType(dst []byte) []byte {
	return append(dst, 0x60, 0x01, byte(ValI32), 0x00)
}

func appendFuelImport(dst []byte, typeIdx uint32) []byte {
	dst = appendName(dst, FuelModule)
	dst = appendName(dst, FuelFunc)
	dst = append(dst, byte(ExternFunc))
	return appendU32(dst, typeIdx)
}

// extendVec bumps the count of a vector section and appends one entry.
func extendVec(payload []byte, entry func([]byte) []byte) ([]byte, error) {
	r := newReader(payload)
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	out := appendU32(make([]byte, 0, len(payload)+32), n+1)
	out = append(out, payload[r.pos:]...)
	return entry(out), nil
}

func renumber(s section, shift func(uint32) uint32) ([]byte, error) {
	p := &patcher{shift: shift}
	r := newReader(s.payload)
	var err error
	switch s.id {
	case sectionGlobal:
		err = walkGlobals(r, p)
	case sectionElement:
		err = walkElements(r, p)
	case sectionExport:
		err = walkExports(r, p)
	case sectionStart:
		err = p.funcIndex(r)
	}
	if err != nil {
		return nil, err
	}
	return applyPatches(s.payload, p.patches), nil
}

func rewriteCode(payload []byte, opts Options, fuelIdx uint32, shift func(uint32) uint32) ([]byte, error) {
	out := appendU32(make([]byte, 0, len(payload)+len(payload)/4), uint32(countBodies(payload)))
	body := make([]byte, 0, 256)
	_, err := walkCode(newReader(payload), func(_ int, raw []byte, localsEnd int, instrs []instr) error {
		body = rewriteBody(body[:0], raw, localsEnd, instrs, opts, fuelIdx, shift)
		out = appendU32(out, uint32(len(body)))
		out = append(out, body...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func countBodies(payload []byte) int {
	n, _ := newReader(payload).readU32()
	return int(n)
}

// rewriteBody emits raw with fuel charges injected and function indices
// renumbered.
func rewriteBody(dst, raw []byte, localsEnd int, instrs []instr, opts Options, fuelIdx uint32, shift func(uint32) uint32) []byte {
	code := raw[localsEnd:]
	dst = append(dst, raw[:localsEnd]...)

	var costs []int32
	if opts.Fuel {
		costs = segmentCosts(instrs)
		dst = appendCharge(dst, costs[0], fuelIdx)
		costs = costs[1:]
	}

	for _, in := range instrs {
		switch {
		case in.funcImm >= 0:
			dst = append(dst, code[in.start:in.funcImm]...)
			dst = appendU32(dst, shift(in.funcIdx))
		case in.op == opMemoryGrow && !opts.MemoryMayGrow:
			dst = append(dst, opDrop, opI32Const, 0x7f)
		default:
			dst = append(dst, code[in.start:in.end]...)
		}
		if opts.Fuel && in.op == opLoop {
			dst = appendCharge(dst, costs[0], fuelIdx)
			costs = costs[1:]
		}
	}
	return dst
}

// segmentCosts returns the charge of every straight-line segment: one for
// the function entry and one per loop header. A segment costs the number
// of instructions up to and including the next loop opcode.
func segmentCosts(instrs []instr) []int32 {
	costs := []int32{0}
	for _, in := range instrs {
		costs[len(costs)-1]++
		if in.op == opLoop {
			costs = append(costs, 0)
		}
	}
	for i, c := range costs {
		if c < 1 {
			costs[i] = 1
		}
	}
	return costs
}

func appendCharge(dst []byte, cost int32, fuelIdx uint32) []byte {
	dst = append(dst, opI32Const)
	dst = appendS32(dst, cost)
	dst = append(dst, opCall)
	return appendU32(dst, fuelIdx)
}

// EntryCost returns the charge injected at the entry of the given defined
// function.
func EntryCost(bin []byte, defined int) (int32, error) {
	sections, err := splitSections(bin)
	if err != nil {
		return 0, err
	}
	for _, s := range sections {
		if s.id != sectionCode {
			continue
		}
		var cost int32 = -1
		_, err := walkCode(newReader(s.payload), func(i int, _ []byte, _ int, instrs []instr) error {
			if i == defined {
				cost = segmentCosts(instrs)[0]
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		if cost >= 0 {
			return cost, nil
		}
	}
	return 0, errors.NotFound(errors.PhaseLoad, "function body", fmt.Sprintf("code[%d]", defined))
}
