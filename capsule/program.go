package capsule

import (
	"github.com/wippyai/wasm-capsule/errors"
)

// Program is the fixed-capacity buffer dynamic capsules are received into.
// Every mutation advances its generation.
type Program struct {
	buf        []byte
	n          int
	generation uint64
}

// NewProgram allocates a buffer of the given capacity.
func NewProgram(capacity int) *Program {
	return &Program{buf: make([]byte, capacity)}
}

func (p *Program) Len() int           { return p.n }
func (p *Program) Cap() int           { return len(p.buf) }
func (p *Program) Generation() uint64 { return p.generation }

// Bytes returns the filled part of the buffer. The slice aliases the
// buffer and is only valid until the next mutation.
func (p *Program) Bytes() []byte { return p.buf[:p.n] }

// Truncate shrinks the filled length to n.
func (p *Program) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < p.n {
		p.n = n
	}
	p.generation++
}

// Append adds b after the filled part.
func (p *Program) Append(b []byte) error {
	return p.WriteAt(b, p.n)
}

// WriteAt copies b to off and extends the filled length to cover it.
// Writes that leave a gap after the filled part are rejected.
func (p *Program) WriteAt(b []byte, off int) error {
	if off < 0 || off > p.n {
		return errors.New(errors.PhaseLifecycle, errors.KindInvalidInput).
			Value(off).
			Detail("write at %d leaves a gap after %d filled bytes", off, p.n).
			Build()
	}
	end := off + len(b)
	if end > len(p.buf) {
		return errors.Capacity(errors.PhaseLifecycle, end, len(p.buf))
	}
	copy(p.buf[off:], b)
	p.n = max(p.n, end)
	p.generation++
	return nil
}

func (p *Program) snapshot() []byte {
	return append([]byte(nil), p.buf[:p.n]...)
}
