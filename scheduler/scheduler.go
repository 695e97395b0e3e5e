// Package scheduler races the running capsule against incoming raw
// transfers. Whichever finishes first wins: a returning capsule is
// stopped, a new size declaration abandons the capsule and the rest of
// that transfer is reassembled before the swap.
package scheduler

import (
	"context"
	goerrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/capsule"
	"github.com/wippyai/wasm-capsule/errors"
	"github.com/wippyai/wasm-capsule/transfer"
)

// Capsule is the part of capsule.Manager the scheduler drives.
type Capsule interface {
	Running() bool
	Changed() <-chan struct{}
	Run(ctx context.Context) error
	Stop(ctx context.Context)
	StopInstance(ctx context.Context, id string) bool
	Upload(ctx context.Context, fn func(*capsule.Program) (bool, error)) error
	Status() capsule.Status
}

var (
	_ Capsule   = (*capsule.Manager)(nil)
	_ Deliverer = (*capsule.Manager)(nil)
)

// Scheduler is the single task that owns the raw transfer channel.
type Scheduler struct {
	capsule    Capsule
	source     transfer.Source
	reasm      *transfer.Reassembler
	wordSize   int
	runTimeout time.Duration
	logger     *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunTimeout bounds each capsule run by wall clock. Expiry counts as
// completion.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler reading wordSize-byte size declarations from src.
func New(c Capsule, src transfer.Source, wordSize int, opts ...Option) *Scheduler {
	s := &Scheduler{
		capsule:  c,
		source:   src,
		wordSize: wordSize,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reasm = transfer.NewReassembler(wordSize, s.logger.Named("transfer"))
	return s
}

type received struct {
	data []byte
	err  error
}

// receive copies datagrams off the source until ctx ends or the source
// fails.
func (s *Scheduler) receive(ctx context.Context, out chan<- received) {
	for {
		b, err := s.source.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		r := received{err: err}
		if err == nil {
			r.data = append([]byte(nil), b...)
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// run is one capsule run in flight.
type run struct {
	instance string
	done     chan error
	cancel   context.CancelFunc
}

func (s *Scheduler) startRun(ctx context.Context, instance string) *run {
	var runCtx context.Context
	var cancel context.CancelFunc
	if s.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r := &run{instance: instance, done: make(chan error, 1), cancel: cancel}
	go func() { r.done <- s.capsule.Run(runCtx) }()
	return r
}

// Run drives the loop until ctx ends or the transfer channel fails. The
// running capsule is left in place on return.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	datagrams := make(chan received)
	go s.receive(ctx, datagrams)

	var current *run
	defer func() {
		if current != nil {
			current.cancel()
			<-current.done
		}
	}()

	// parked is set when the running capsule has no entry point; it serves
	// requests until the next transition.
	parked := false
	for {
		changed := s.capsule.Changed()
		if current == nil && !parked {
			if st := s.capsule.Status(); st.State == capsule.StateRunning {
				current = s.startRun(ctx, st.Instance)
			}
		}

		var done <-chan error
		if current != nil {
			done = current.done
		}

		select {
		case <-ctx.Done():
			return nil

		case <-changed:
			parked = false

		case err := <-done:
			current.cancel()
			parked = s.completed(ctx, current.instance, err)
			current = nil

		case r := <-datagrams:
			if r.err != nil {
				s.logger.Error("raw transfer channel failed", zap.Stringer("outcome", transfer.ReceiveError), zap.Error(r.err))
				return r.err
			}
			if s.capsule.Running() {
				if !s.declares(r.data) {
					continue
				}
				s.logger.Info("new transfer while running, abandoning capsule")
				s.capsule.Stop(ctx)
				if current != nil {
					<-current.done
					current.cancel()
					current = nil
				}
			}
			s.feed(ctx, r.data)
		}
	}
}

// declares reports whether a datagram would start a transfer.
func (s *Scheduler) declares(datagram []byte) bool {
	out, _ := transfer.Step(transfer.State{}, datagram, s.wordSize, s.capsule.Status().ProgramCap)
	return out == transfer.DeclareSize
}

// completed handles the end of a run and reports whether the capsule should
// stay parked rather than be stopped.
func (s *Scheduler) completed(ctx context.Context, instance string, err error) bool {
	var ce *errors.Error
	switch {
	case err == nil:
		s.logger.Info("capsule run completed")
	case goerrors.As(err, &ce) && ce.Kind == errors.KindNotFound:
		s.logger.Debug("capsule has no entry point, serving requests only")
		return true
	case goerrors.As(err, &ce) && ce.Kind == errors.KindNotInitialized:
		// Stopped from elsewhere.
		return false
	case errors.IsResourceExhaustion(err), goerrors.Is(err, errors.ErrCancelled):
		s.logger.Info("capsule run ended", zap.Error(err))
	default:
		s.logger.Warn("capsule run failed", zap.Error(err))
	}
	s.capsule.StopInstance(ctx, instance)
	return false
}

// feed passes one datagram to the reassembler; a completed transfer starts
// the capsule.
func (s *Scheduler) feed(ctx context.Context, datagram []byte) {
	var out transfer.Outcome
	fed := false
	err := s.capsule.Upload(ctx, func(p *capsule.Program) (bool, error) {
		out = s.reasm.Feed(p, datagram)
		fed = true
		return out == transfer.BufferFilled, nil
	})
	switch {
	case err == nil:
	case !fed:
		// Another transport started a capsule; this transfer is void.
		s.logger.Info("dropping raw transfer", zap.Error(err))
		s.reasm.Reset()
	default:
		s.logger.Warn("transferred capsule failed to start", zap.Error(err))
	}
}
