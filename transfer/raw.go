package transfer

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/errors"
)

// Outcome classifies one datagram of the raw protocol.
type Outcome uint8

const (
	// Useless datagrams are ignored without changing state.
	Useless Outcome = iota
	// DeclareSize starts a transfer of the announced length.
	DeclareSize
	// PartialFill appended bytes and more are expected.
	PartialFill
	// BufferFilled completed the transfer.
	BufferFilled

	// ProgressStopped: an empty datagram aborted a transfer in progress.
	ProgressStopped
	// SizeTooBig: the declared size or a chunk exceeds what is left.
	SizeTooBig
	// HadntStartedYet: payload arrived before any size declaration.
	HadntStartedYet
	// ReceiveError: the socket failed. Not recoverable.
	ReceiveError
)

var outcomeNames = [...]string{
	Useless:         "useless",
	DeclareSize:     "declare_size",
	PartialFill:     "partial_fill",
	BufferFilled:    "buffer_filled",
	ProgressStopped: "progress_stopped",
	SizeTooBig:      "size_too_big",
	HadntStartedYet: "hadnt_started_yet",
	ReceiveError:    "receive_error",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", o)
}

// Aborted reports whether the outcome resets the reassembler.
func (o Outcome) Aborted() bool {
	return o == ProgressStopped || o == SizeTooBig || o == HadntStartedYet
}

// Err describes an aborting or fatal outcome; nil otherwise.
func (o Outcome) Err() error {
	switch o {
	case ProgressStopped, SizeTooBig, HadntStartedYet:
		return errors.New(errors.PhaseTransfer, errors.KindProtocol).
			Subject(o.String()).
			Detail("raw transfer aborted").
			Build()
	case ReceiveError:
		return errors.Transport("receive failed", nil)
	}
	return nil
}

// State is the raw transfer progress. Offset+Remaining equals the declared
// size while Started.
type State struct {
	Started   bool
	Offset    int
	Remaining int
}

func (s State) String() string {
	if !s.Started {
		return "not_started"
	}
	return fmt.Sprintf("in_progress(%d, %d)", s.Offset, s.Remaining)
}

// Step classifies datagram against st. It is pure: the caller copies
// datagram to st.Offset when the outcome is PartialFill or BufferFilled.
// wordSize is the length of a size declaration; capacity bounds it.
func Step(st State, datagram []byte, wordSize, capacity int) (Outcome, State) {
	n := len(datagram)
	if !st.Started {
		switch {
		case n == 0:
			return Useless, st
		case n != wordSize:
			return HadntStartedYet, State{}
		}
		size, ok := declared(datagram)
		if !ok || size > uint64(capacity) {
			return SizeTooBig, State{}
		}
		return DeclareSize, State{Started: true, Remaining: int(size)}
	}

	switch {
	case n == 0:
		return ProgressStopped, State{}
	case n > st.Remaining:
		return SizeTooBig, State{}
	}
	next := State{Started: true, Offset: st.Offset + n, Remaining: st.Remaining - n}
	if next.Remaining == 0 {
		return BufferFilled, State{}
	}
	return PartialFill, next
}

func declared(b []byte) (uint64, bool) {
	switch len(b) {
	case 4:
		return uint64(binary.BigEndian.Uint32(b)), true
	case 8:
		return binary.BigEndian.Uint64(b), true
	}
	return 0, false
}

// Declaration encodes size as the first datagram of a transfer.
func Declaration(size, wordSize int) []byte {
	b := make([]byte, wordSize)
	if wordSize == 8 {
		binary.BigEndian.PutUint64(b, uint64(size))
	} else {
		binary.BigEndian.PutUint32(b, uint32(size))
	}
	return b
}

// Buffer is where a transfer lands.
type Buffer interface {
	Cap() int
	Truncate(n int)
	WriteAt(b []byte, off int) error
}

// Reassembler drives Step over a sequence of datagrams and copies
// accepted bytes into a Buffer.
type Reassembler struct {
	wordSize int
	state    State
	logger   *zap.Logger
}

// NewReassembler creates a reassembler expecting wordSize-byte size
// declarations.
func NewReassembler(wordSize int, logger *zap.Logger) *Reassembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reassembler{wordSize: wordSize, logger: logger}
}

func (r *Reassembler) State() State { return r.state }

// Reset abandons any transfer in progress.
func (r *Reassembler) Reset() { r.state = State{} }

// Feed processes one datagram. A DeclareSize truncates buf; fills copy into
// it at the current offset.
func (r *Reassembler) Feed(buf Buffer, datagram []byte) Outcome {
	prev := r.state
	out, next := Step(prev, datagram, r.wordSize, buf.Cap())

	switch out {
	case DeclareSize:
		buf.Truncate(0)
		r.logger.Info("transfer started", zap.Int("remaining", next.Remaining))
	case PartialFill, BufferFilled:
		if err := buf.WriteAt(datagram, prev.Offset); err != nil {
			r.logger.Warn("transfer write failed", zap.Error(err))
			r.state = State{}
			return SizeTooBig
		}
		if out == BufferFilled {
			r.logger.Info("transfer complete", zap.Int("bytes", prev.Offset+len(datagram)))
		} else {
			r.logger.Debug("transfer progress",
				zap.Int("offset", next.Offset),
				zap.Int("remaining", next.Remaining),
			)
		}
	default:
		if out.Aborted() {
			r.logger.Info("transfer aborted", zap.Stringer("kind", out), zap.Stringer("state", prev))
		}
	}
	r.state = next
	return out
}
