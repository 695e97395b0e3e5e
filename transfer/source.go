package transfer

import (
	"context"
	"net"
	"time"

	"github.com/wippyai/wasm-capsule/errors"
)

// Source yields datagrams in arrival order.
type Source interface {
	// Receive blocks for the next datagram. The returned slice is only
	// valid until the next call.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// UDPSource reads datagrams from a UDP socket.
type UDPSource struct {
	conn *net.UDPConn
	size int
	buf  []byte
}

// ListenUDP binds addr. A datagram longer than datagramSize is a receive
// error, never a truncated chunk.
func ListenUDP(addr string, datagramSize int) (*UDPSource, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Transport("resolve "+addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, errors.Transport("listen "+addr, err)
	}
	return &UDPSource{conn: conn, size: datagramSize, buf: make([]byte, datagramSize+1)}, nil
}

// Addr returns the bound address.
func (s *UDPSource) Addr() net.Addr { return s.conn.LocalAddr() }

func (s *UDPSource) Receive(ctx context.Context) ([]byte, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
			_ = s.conn.SetReadDeadline(time.Time{})
		}
	}()

	n, _, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Transport("receive", err)
	}
	if n > s.size {
		return nil, errors.New(errors.PhaseTransport, errors.KindCapacity).
			Subject("receive").
			Detail("datagram exceeds %d bytes", s.size).
			Build()
	}
	return s.buf[:n], nil
}

func (s *UDPSource) Close() error { return s.conn.Close() }

// ChanSource delivers datagrams sent on a channel. A closed channel reads
// as a receive error.
type ChanSource <-chan []byte

func (c ChanSource) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c:
		if !ok {
			return nil, errors.Transport("receive", net.ErrClosed)
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ChanSource) Close() error { return nil }

// Datagrams splits bin into the raw protocol sequence: a size declaration
// followed by chunks of at most chunkSize bytes.
func Datagrams(bin []byte, wordSize, chunkSize int) [][]byte {
	out := [][]byte{Declaration(len(bin), wordSize)}
	if chunkSize <= 0 {
		chunkSize = max(len(bin), 1)
	}
	for len(bin) > 0 {
		n := min(chunkSize, len(bin))
		out = append(out, bin[:n])
		bin = bin[n:]
	}
	return out
}
