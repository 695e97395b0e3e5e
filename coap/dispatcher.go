package coap

import (
	"context"
	goerrors "errors"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/errors"
)

// Fixed resource paths, without the leading slash.
const (
	PathControl   = "vm-control"
	PathStatus    = "vm-status"
	PathHello     = "hello"
	PathWellKnown = ".well-known/core"
	PathCapsule   = "vm"
)

const helloText = "Hello from the capsule host"

// DefaultForwardTimeout bounds a request forwarded to the capsule.
const DefaultForwardTimeout = time.Second

// Dispatcher routes requests to the host resources and the running capsule.
type Dispatcher struct {
	lifecycle      Lifecycle
	control        *Control
	status         cbor.EncMode
	forwardTimeout time.Duration
	logger         *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithForwardTimeout bounds how long a request below /vm waits for the
// capsule, including a guest call already holding the instance. Requests
// that run out answer 5.03. Non-positive values keep the default.
func WithForwardTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.forwardTimeout = d
		}
	}
}

// NewDispatcher serves l. logger may be nil.
func NewDispatcher(l Lifecycle, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(errors.Invariant("cbor encoder: %v", err))
	}
	d := &Dispatcher{
		lifecycle:      l,
		control:        NewControl(l, logger.Named("control")),
		status:         em,
		forwardTimeout: DefaultForwardTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Serve(ctx context.Context, req Request) Response {
	path := strings.Trim(req.Path, "/")
	switch path {
	case PathControl:
		return d.control.Serve(ctx, req)
	case PathHello:
		if req.Code != codes.GET {
			return Response{Code: codes.MethodNotAllowed}
		}
		return Response{Code: codes.Content, ContentFormat: message.TextPlain, Payload: []byte(helloText)}
	case PathWellKnown:
		if req.Code != codes.GET {
			return Response{Code: codes.MethodNotAllowed}
		}
		return Response{Code: codes.Content, ContentFormat: message.AppLinkFormat, Payload: []byte(d.links())}
	case PathStatus:
		if req.Code != codes.GET {
			return Response{Code: codes.MethodNotAllowed}
		}
		return d.statusResponse()
	}

	if rest, ok := strings.CutPrefix(path, PathCapsule+"/"); ok {
		return d.forward(ctx, req, rest)
	}
	if path == PathCapsule {
		return d.forward(ctx, req, "")
	}
	return Response{Code: codes.NotFound}
}

// links renders the link-format listing of the host resources followed by
// the ones the running capsule reported.
func (d *Dispatcher) links() string {
	var b strings.Builder
	for i, p := range []string{PathHello, PathControl, PathStatus} {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("</" + p + ">")
	}
	for _, p := range d.lifecycle.ResourcePaths() {
		b.WriteString(",</" + p + ">")
	}
	return b.String()
}

func (d *Dispatcher) statusResponse() Response {
	b, err := d.status.Marshal(d.lifecycle.Status())
	if err != nil {
		d.logger.Error("encode status", zap.Error(err))
		return Response{Code: codes.InternalServerError}
	}
	return Response{Code: codes.Content, ContentFormat: message.AppCBOR, Payload: b}
}

func (d *Dispatcher) forward(ctx context.Context, req Request, path string) Response {
	ctx, cancel := context.WithTimeout(ctx, d.forwardTimeout)
	defer cancel()

	code, payload, err := d.lifecycle.HandleRequest(ctx, uint8(req.Code), path, req.Payload)
	if err == nil {
		return Response{Code: codes.Code(code), ContentFormat: message.TextPlain, Payload: payload}
	}

	var ce *errors.Error
	switch {
	case goerrors.As(err, &ce) && (ce.Kind == errors.KindNotInitialized || ce.Kind == errors.KindNotFound):
		return Response{Code: codes.NotFound}
	case goerrors.Is(err, errors.ErrCancelled):
		d.logger.Debug("capsule request abandoned", zap.String("path", path), zap.Error(err))
		return Response{Code: codes.ServiceUnavailable}
	}
	d.logger.Warn("capsule request failed", zap.String("path", path), zap.Error(err))
	return Response{Code: codes.InternalServerError}
}
