package coap

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpserver "github.com/plgd-dev/go-coap/v3/udp/server"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/errors"
)

// Handler answers decoded requests. Dispatcher and Control implement it.
type Handler interface {
	Serve(ctx context.Context, req Request) Response
}

// Server carries CoAP over UDP to a Handler. Block-wise transfers are
// passed through untouched so Block1 reaches the control resource. Each
// request is handled on its own goroutine, so /vm-control stays responsive
// while a forwarded request waits for the capsule.
type Server struct {
	conn    *coapnet.UDPConn
	srv     *udpserver.Server
	handler Handler
	logger  *zap.Logger
}

// Listen binds addr. logger may be nil.
func Listen(addr string, h Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := coapnet.NewListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Transport("coap listen "+addr, err)
	}
	return &Server{conn: conn, handler: h, logger: logger}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve handles requests until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	router := mux.NewRouter()
	router.DefaultHandle(mux.HandlerFunc(s.handle))

	s.srv = udp.NewServer(
		options.WithContext(ctx),
		options.WithMux(router),
		options.WithBlockwise(false, blockwise.SZX1024, time.Minute),
		options.WithGoPool(func(f func()) error {
			go f()
			return nil
		}),
		options.WithErrors(func(err error) {
			s.logger.Debug("coap", zap.Error(err))
		}),
	)
	stop := context.AfterFunc(ctx, s.srv.Stop)
	defer stop()

	s.logger.Info("coap server listening", zap.Stringer("addr", s.Addr()))
	err := s.srv.Serve(s.conn)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return errors.Transport("coap serve", err)
	}
	return nil
}

// Close releases the socket of a server that never served.
func (s *Server) Close() error { return s.conn.Close() }

func (s *Server) handle(w mux.ResponseWriter, r *mux.Message) {
	req, err := decode(r)
	if err != nil {
		s.logger.Debug("undecodable request", zap.Error(err))
		_ = w.SetResponse(codes.BadRequest, message.TextPlain, nil)
		return
	}

	resp := s.handler.Serve(r.Context(), req)

	var opts []message.Option
	if resp.HasBlock1 {
		buf := make([]byte, 4)
		n, _ := message.EncodeUint32(buf, resp.Block1)
		opts = append(opts, message.Option{ID: message.Block1, Value: buf[:n]})
	}
	var body io.ReadSeeker
	if len(resp.Payload) > 0 {
		body = bytes.NewReader(resp.Payload)
	}
	if err := w.SetResponse(resp.Code, resp.ContentFormat, body, opts...); err != nil {
		s.logger.Warn("set response", zap.Error(err))
	}
}

func decode(r *mux.Message) (Request, error) {
	path, _ := r.Options().Path()
	req := Request{
		Code:    r.Code(),
		Path:    path,
		Options: r.Options(),
	}
	if body := r.Body(); body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return Request{}, err
		}
		req.Payload = b
	}
	return req, nil
}
