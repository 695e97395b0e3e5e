package coap

import (
	"context"
	goerrors "errors"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/capsule"
	"github.com/wippyai/wasm-capsule/errors"
)

// Lifecycle is the part of capsule.Manager the CoAP resources drive.
type Lifecycle interface {
	Stop(ctx context.Context)
	Upload(ctx context.Context, fn func(*capsule.Program) (bool, error)) error
	ResourcePaths() []string
	HandleRequest(ctx context.Context, code uint8, path string, payload []byte) (uint8, []byte, error)
	Status() capsule.Status
}

var _ Lifecycle = (*capsule.Manager)(nil)

// Request is a decoded CoAP request.
type Request struct {
	Code    codes.Code
	Path    string
	Options message.Options
	Payload []byte
}

// Response is what a resource answers. Block1 is echoed when HasBlock1.
type Response struct {
	Code          codes.Code
	ContentFormat message.MediaType
	Payload       []byte
	Block1        uint32
	HasBlock1     bool
}

// Block1 is a decoded Block1 option value.
type Block1 struct {
	Num  uint32
	More bool
	SZX  uint32
}

// ParseBlock1 splits a Block1 option value.
func ParseBlock1(v uint32) Block1 {
	return Block1{Num: v >> 4, More: v&0x8 != 0, SZX: v & 0x7}
}

// Size is the block size in bytes.
func (b Block1) Size() int { return 1 << (4 + b.SZX) }

// Offset is the byte offset of the block in the transfer.
func (b Block1) Offset() int { return int(b.Num) * b.Size() }

// Value encodes the option value.
func (b Block1) Value() uint32 {
	v := b.Num<<4 | b.SZX&0x7
	if b.More {
		v |= 0x8
	}
	return v
}

var handledOptions = map[message.OptionID]bool{
	message.URIHost:  true,
	message.URIPort:  true,
	message.URIPath:  true,
	message.URIQuery: true,
	message.Block1:   true,
}

// unhandledCritical returns the first critical option the control resource
// does not process. Critical options have odd numbers.
func unhandledCritical(opts message.Options) (message.OptionID, bool) {
	for _, o := range opts {
		if o.ID&1 == 1 && !handledOptions[o.ID] {
			return o.ID, true
		}
	}
	return 0, false
}

// block1 returns the Block1 option value. A PUT without one is a single
// block at offset zero.
func block1(opts message.Options) (uint32, bool) {
	v, err := opts.GetUint32(message.Block1)
	if err != nil {
		return 0, false
	}
	return v, true
}

var errIncomplete = goerrors.New("block offset does not continue the program")

// Control is the vm-control resource: PUT uploads a capsule block by
// block, DELETE stops the running capsule.
type Control struct {
	lifecycle Lifecycle
	logger    *zap.Logger
}

func NewControl(l Lifecycle, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{lifecycle: l, logger: logger}
}

func (c *Control) Serve(ctx context.Context, req Request) Response {
	if id, bad := unhandledCritical(req.Options); bad {
		c.logger.Debug("rejecting critical option", zap.Stringer("option", id))
		return Response{Code: codes.BadOption}
	}

	switch req.Code {
	case codes.DELETE:
		c.lifecycle.Stop(ctx)
		return Response{Code: codes.Deleted}
	case codes.PUT:
		return c.put(ctx, req)
	}
	return Response{Code: codes.MethodNotAllowed}
}

func (c *Control) put(ctx context.Context, req Request) Response {
	raw, hasBlock := block1(req.Options)
	blk := ParseBlock1(raw)
	offset := blk.Offset()

	if offset == 0 {
		c.lifecycle.Stop(ctx)
	}

	appended := false
	err := c.lifecycle.Upload(ctx, func(p *capsule.Program) (bool, error) {
		if offset == 0 {
			p.Truncate(0)
		}
		if p.Len() != offset {
			return false, errIncomplete
		}
		if err := p.Append(req.Payload); err != nil {
			return false, err
		}
		appended = true
		return !blk.More, nil
	})
	switch {
	case err == nil:
	case !appended && goerrors.Is(err, errors.ErrCapacity):
		return Response{Code: codes.RequestEntityTooLarge}
	case !appended:
		c.logger.Debug("block rejected",
			zap.Int("offset", offset),
			zap.Error(err),
		)
		return Response{Code: codes.RequestEntityIncomplete}
	default:
		c.logger.Warn("uploaded capsule failed to start", zap.Error(err))
		return Response{Code: codes.BadRequest, ContentFormat: message.TextPlain, Payload: []byte(err.Error())}
	}

	if blk.More {
		return Response{Code: codes.Continue, Block1: raw, HasBlock1: hasBlock}
	}
	c.logger.Info("capsule uploaded", zap.Int("bytes", offset+len(req.Payload)))
	return Response{Code: codes.Changed, Block1: raw, HasBlock1: hasBlock}
}
