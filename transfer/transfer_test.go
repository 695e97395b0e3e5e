package transfer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/wippyai/wasm-capsule/capsule"
	cerrors "github.com/wippyai/wasm-capsule/errors"
)

func TestStep(t *testing.T) {
	const word, capacity = 4, 300
	inProgress := State{Started: true, Offset: 10, Remaining: 5}

	tests := []struct {
		name     string
		state    State
		datagram []byte
		want     Outcome
		next     State
	}{
		{"empty while idle", State{}, nil, Useless, State{}},
		{"declare", State{}, Declaration(300, word), DeclareSize, State{Started: true, Remaining: 300}},
		{"declare over capacity", State{}, Declaration(301, word), SizeTooBig, State{}},
		{"payload before declare", State{}, []byte("abc"), HadntStartedYet, State{}},
		{"eight byte declare on four byte target", State{}, Declaration(8, 8), HadntStartedYet, State{}},
		{"empty mid transfer", inProgress, nil, ProgressStopped, State{}},
		{"chunk too long", inProgress, make([]byte, 6), SizeTooBig, State{}},
		{"partial", inProgress, make([]byte, 2), PartialFill, State{Started: true, Offset: 12, Remaining: 3}},
		{"word sized chunk is payload", State{Started: true, Remaining: 8}, make([]byte, 4), PartialFill, State{Started: true, Offset: 4, Remaining: 4}},
		{"filled", inProgress, make([]byte, 5), BufferFilled, State{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, next := Step(tt.state, tt.datagram, word, capacity)
			if got != tt.want || next != tt.next {
				t.Errorf("Step = %v %v, want %v %v", got, next, tt.want, tt.next)
			}
		})
	}
}

func TestStep_EightByteWord(t *testing.T) {
	out, next := Step(State{}, Declaration(1<<20, 8), 8, 1<<20)
	if out != DeclareSize || next.Remaining != 1<<20 {
		t.Errorf("got %v %v", out, next)
	}
	huge := []byte{0xff, 0, 0, 0, 0, 0, 0, 0}
	if out, _ := Step(State{}, huge, 8, 1<<20); out != SizeTooBig {
		t.Errorf("huge declaration: %v", out)
	}
}

func TestReassembler_ThreeChunks(t *testing.T) {
	buf := capsule.NewProgram(512)
	r := NewReassembler(4, nil)

	chunks := [][]byte{
		bytes.Repeat([]byte{'a'}, 100),
		bytes.Repeat([]byte{'b'}, 100),
		bytes.Repeat([]byte{'c'}, 100),
	}
	if out := r.Feed(buf, Declaration(300, 4)); out != DeclareSize {
		t.Fatalf("declare: %v", out)
	}
	want := []Outcome{PartialFill, PartialFill, BufferFilled}
	for i, c := range chunks {
		if out := r.Feed(buf, c); out != want[i] {
			t.Fatalf("chunk %d: %v, want %v", i, out, want[i])
		}
	}
	if !bytes.Equal(buf.Bytes(), bytes.Join(chunks, nil)) {
		t.Error("reassembled program differs from the chunks")
	}
	if r.State().Started {
		t.Error("state should reset after the buffer fills")
	}
}

func TestReassembler_SizeTooBig(t *testing.T) {
	buf := capsule.NewProgram(128)
	_ = buf.Append([]byte("previous"))
	r := NewReassembler(4, nil)

	if out := r.Feed(buf, Declaration(129, 4)); out != SizeTooBig {
		t.Fatalf("got %v", out)
	}
	if r.State().Started {
		t.Error("oversized declaration left a transfer in progress")
	}
	if buf.Len() != len("previous") {
		t.Error("oversized declaration touched the buffer")
	}
	if err := SizeTooBig.Err(); !errors.As(err, new(*cerrors.Error)) {
		t.Errorf("Err() = %v", err)
	}
}

func TestReassembler_RestartAfterAbort(t *testing.T) {
	buf := capsule.NewProgram(64)
	r := NewReassembler(4, nil)

	r.Feed(buf, Declaration(10, 4))
	r.Feed(buf, []byte("12345"))
	if out := r.Feed(buf, nil); out != ProgressStopped {
		t.Fatalf("got %v", out)
	}
	r.Feed(buf, Declaration(3, 4))
	if out := r.Feed(buf, []byte("xyz")); out != BufferFilled {
		t.Fatalf("got %v", out)
	}
	if string(buf.Bytes()) != "xyz" {
		t.Errorf("buffer %q", buf.Bytes())
	}
}

// FuzzReassembler checks that accepted bytes always sum to the declared
// size and never land past it.
func FuzzReassembler(f *testing.F) {
	f.Add(uint16(300), []byte{100, 100, 100})
	f.Add(uint16(5), []byte{0, 1, 4})
	f.Add(uint16(64), []byte{4, 60, 1})
	f.Add(uint16(1), []byte{1})

	f.Fuzz(func(t *testing.T, size uint16, sizes []byte) {
		const capacity = 1024
		buf := capsule.NewProgram(capacity)
		r := NewReassembler(4, nil)

		declare := r.Feed(buf, Declaration(int(size), 4))
		if int(size) > capacity {
			if declare != SizeTooBig {
				t.Fatalf("declare %d: %v", size, declare)
			}
			return
		}

		accepted := 0
		for i, n := range sizes {
			before := r.State()
			chunk := bytes.Repeat([]byte{byte(i)}, int(n))
			out := r.Feed(buf, chunk)
			switch out {
			case PartialFill, BufferFilled:
				accepted += int(n)
				if accepted > int(size) {
					t.Fatalf("accepted %d bytes of %d", accepted, size)
				}
				if out == BufferFilled {
					if accepted != int(size) || buf.Len() != int(size) {
						t.Fatalf("filled with %d bytes, buffer %d, declared %d", accepted, buf.Len(), size)
					}
					return
				}
				if st := r.State(); st.Offset+st.Remaining != int(size) {
					t.Fatalf("offset %d + remaining %d != %d", st.Offset, st.Remaining, size)
				}
			case ProgressStopped, SizeTooBig, HadntStartedYet:
				return
			case DeclareSize:
				t.Fatalf("declaration accepted mid transfer from %v", before)
			}
		}
	})
}

func TestDatagrams(t *testing.T) {
	bin := []byte("0123456789")
	dgs := Datagrams(bin, 4, 4)
	if len(dgs) != 4 || !bytes.Equal(dgs[0], []byte{0, 0, 0, 10}) || string(dgs[3]) != "89" {
		t.Fatalf("datagrams %q", dgs)
	}

	buf := capsule.NewProgram(16)
	r := NewReassembler(4, nil)
	var last Outcome
	for _, d := range dgs {
		last = r.Feed(buf, d)
	}
	if last != BufferFilled || !bytes.Equal(buf.Bytes(), bin) {
		t.Errorf("round trip: %v %q", last, buf.Bytes())
	}
}

func TestChanSource(t *testing.T) {
	ch := make(chan []byte, 1)
	src := ChanSource(ch)
	ch <- []byte("x")
	if b, err := src.Receive(context.Background()); err != nil || string(b) != "x" {
		t.Fatalf("got %q, %v", b, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled receive: %v", err)
	}

	close(ch)
	var ce *cerrors.Error
	if _, err := src.Receive(context.Background()); !errors.As(err, &ce) || ce.Phase != cerrors.PhaseTransport {
		t.Errorf("closed source: %v", err)
	}
}

func TestUDPSource(t *testing.T) {
	src, err := ListenUDP("127.0.0.1:0", 1500)
	if err != nil {
		t.Skipf("no loopback udp: %v", err)
	}
	defer src.Close()

	conn, err := net.DialUDP("udp", nil, src.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("chunk")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := src.Receive(ctx)
	if err != nil || string(b) != "chunk" {
		t.Fatalf("got %q, %v", b, err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("idle receive: %v", err)
	}
}

func TestUDPSource_Oversized(t *testing.T) {
	src, err := ListenUDP("127.0.0.1:0", 8)
	if err != nil {
		t.Skipf("no loopback udp: %v", err)
	}
	defer src.Close()

	conn, err := net.DialUDP("udp", nil, src.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{"fits", bytes.Repeat([]byte{1}, 8), false},
		{"too long", bytes.Repeat([]byte{2}, 20), true},
		{"one over", bytes.Repeat([]byte{3}, 9), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := conn.Write(tt.payload); err != nil {
				t.Fatal(err)
			}
			b, err := src.Receive(ctx)
			if !tt.wantErr {
				if err != nil || !bytes.Equal(b, tt.payload) {
					t.Fatalf("got %x, %v", b, err)
				}
				return
			}
			var ce *cerrors.Error
			if !errors.As(err, &ce) || ce.Phase != cerrors.PhaseTransport || ce.Kind != cerrors.KindCapacity {
				t.Fatalf("got %x, %v; want a transport capacity error", b, err)
			}
		})
	}
}
