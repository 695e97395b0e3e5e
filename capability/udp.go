package capability

import (
	"context"
	"encoding/binary"
	goerrors "errors"
	"net"
	"net/netip"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wippyai/wasm-capsule/engine"
)

// EndpointSize is the guest layout of an endpoint: IPv4 octets followed by
// a little-endian port.
const EndpointSize = 6

const (
	defaultSendRate  = 50
	defaultSendBurst = 10
	defaultQueue     = 128
	maxDatagram      = 1500
)

// Datagram is a received UDP payload and its sender.
type Datagram struct {
	Data []byte
	From netip.AddrPort
}

// UDP implements the udp capability on one host socket shared by every
// instance. Received datagrams are queued so try_recv never blocks.
type UDP struct {
	logger  *zap.Logger
	limiter *rate.Limiter
	queue   int
	listen  func(port uint16) (*net.UDPConn, error)

	mu    sync.Mutex
	conn  *net.UDPConn
	inbox chan Datagram
	done  chan struct{}
}

func newUDP() *UDP {
	return &UDP{
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(defaultSendRate, defaultSendBurst),
		queue:   defaultQueue,
		listen: func(port uint16) (*net.UDPConn, error) {
			return net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
		},
	}
}

func (u *UDP) setLimits(perSecond float64, burst, queue int) {
	if perSecond > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	} else {
		u.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if queue > 0 {
		u.queue = queue
	}
}

func (*UDP) Namespace() string { return "udp" }

func (u *UDP) Bind(b Binding) engine.HostModule {
	m := engine.HostModule{Name: u.Namespace()}
	m.Func("bind", func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = status(u.Listen(uint16(api.DecodeU32(stack[0]))) == nil)
	}, []api.ValueType{engine.I32}, []api.ValueType{engine.I32})

	m.Func("send", func(ctx context.Context, mod api.Module, stack []uint64) {
		data := read(mod, "udp.send", api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), b.StageLimit)
		to := DecodeEndpoint(read(mod, "udp.send", api.DecodeU32(stack[2]), EndpointSize, 0))
		err := u.Send(ctx, data, to)
		engine.CheckCancelled(ctx, "udp.send")
		stack[0] = status(err == nil)
	}, []api.ValueType{engine.I32, engine.I32, engine.I32}, []api.ValueType{engine.I32})

	m.Func("try_recv", func(_ context.Context, mod api.Module, stack []uint64) {
		dg, ok, err := u.TryRecv()
		switch {
		case err != nil:
			stack[0] = api.EncodeI32(-1)
		case !ok:
			stack[0] = 0
		default:
			n := min(len(dg.Data), int(api.DecodeU32(stack[1])))
			write(mod, "udp.try_recv", api.DecodeU32(stack[0]), dg.Data[:n])
			write(mod, "udp.try_recv", api.DecodeU32(stack[2]), EncodeEndpoint(dg.From))
			stack[0] = api.EncodeI32(int32(n))
		}
	}, []api.ValueType{engine.I32, engine.I32, engine.I32}, []api.ValueType{engine.I32})
	return m
}

var (
	errUnbound = goerrors.New("udp socket not bound")
	errBound   = goerrors.New("udp socket already bound")
)

// Listen binds the socket. A socket can be bound once per host.
func (u *UDP) Listen(port uint16) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return errBound
	}
	conn, err := u.listen(port)
	if err != nil {
		u.logger.Warn("udp bind failed", zap.Uint16("port", port), zap.Error(err))
		return err
	}
	u.conn = conn
	u.inbox = make(chan Datagram, u.queue)
	u.done = make(chan struct{})
	go u.receive(conn, u.inbox, u.done)
	u.logger.Info("udp socket bound", zap.Stringer("addr", conn.LocalAddr()))
	return nil
}

func (u *UDP) receive(conn *net.UDPConn, inbox chan<- Datagram, done chan<- struct{}) {
	defer close(done)
	defer close(inbox)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		dg := Datagram{Data: append([]byte(nil), buf[:n]...), From: from}
		select {
		case inbox <- dg:
		default:
			u.logger.Debug("udp queue full, dropping datagram", zap.Stringer("from", from))
		}
	}
}

// LocalAddr returns the bound address, or the zero value when unbound.
func (u *UDP) LocalAddr() netip.AddrPort {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return netip.AddrPort{}
	}
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send transmits data, waiting for the rate limiter first.
func (u *UDP) Send(ctx context.Context, data []byte, to netip.AddrPort) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return errUnbound
	}
	if err := u.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := conn.WriteToUDPAddrPort(data, to)
	return err
}

// TryRecv returns the oldest queued datagram without blocking.
func (u *UDP) TryRecv() (Datagram, bool, error) {
	u.mu.Lock()
	inbox := u.inbox
	u.mu.Unlock()
	if inbox == nil {
		return Datagram{}, false, errUnbound
	}
	select {
	case dg, ok := <-inbox:
		if !ok {
			return Datagram{}, false, net.ErrClosed
		}
		return dg, true, nil
	default:
		return Datagram{}, false, nil
	}
}

func (u *UDP) close() error {
	u.mu.Lock()
	conn, done := u.conn, u.done
	u.conn = nil
	u.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// DecodeEndpoint reads the guest endpoint layout.
func DecodeEndpoint(b []byte) netip.AddrPort {
	addr := netip.AddrFrom4([4]byte(b[:4]))
	return netip.AddrPortFrom(addr, binary.LittleEndian.Uint16(b[4:6]))
}

// EncodeEndpoint produces the guest endpoint layout. Non-IPv4 addresses
// encode as 0.0.0.0.
func EncodeEndpoint(ap netip.AddrPort) []byte {
	b := make([]byte, EndpointSize)
	if a := ap.Addr().Unmap(); a.Is4() {
		ip := a.As4()
		copy(b, ip[:])
	}
	binary.LittleEndian.PutUint16(b[4:], ap.Port())
	return b
}
