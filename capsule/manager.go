package capsule

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/capability"
	"github.com/wippyai/wasm-capsule/engine"
	"github.com/wippyai/wasm-capsule/errors"
)

// Manager owns the capsule lifecycle: the current state, the capability
// host that survives restarts and the dynamic program buffer.
//
// Transitions (start, stop, program mutation) are serialized by trans.
// mu guards the state for observers and is never held across a guest call.
type Manager struct {
	engine     *engine.Engine
	program    *Program
	logger     *zap.Logger
	newHost    func() *capability.Host
	stageLimit int

	trans   sync.Mutex
	mu      sync.Mutex
	state   state
	changed chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the lifecycle logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHostFactory gives every started capsule a fresh capability host from
// newHost instead of the one recovered from the previous instance.
func WithHostFactory(newHost func() *capability.Host) Option {
	return func(m *Manager) { m.newHost = newHost }
}

// NewManager creates a Manager in the not-running state. caps is the
// capability host handed to the first capsule; bufferSize fixes the
// program buffer capacity. A nil caps gets a default host.
func NewManager(e *engine.Engine, caps *capability.Host, bufferSize int, opts ...Option) *Manager {
	if caps == nil {
		caps = capability.New()
	}
	m := &Manager{
		engine:     e,
		program:    NewProgram(bufferSize),
		logger:     zap.NewNop(),
		stageLimit: int(e.Config().AsyncStackSize),
		state:      &notRunning{caps: caps},
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartFromStatic instantiates a capsule bundled with the program. It
// panics if a capsule is running; callers stop first.
func (m *Manager) StartFromStatic(ctx context.Context, bin []byte) error {
	m.trans.Lock()
	defer m.trans.Unlock()
	return m.start(ctx, bin, engine.Static, 0)
}

// StartFromDynamic instantiates the capsule in the program buffer. The
// buffer is copied, so later mutations never reach the running image.
func (m *Manager) StartFromDynamic(ctx context.Context) error {
	m.trans.Lock()
	defer m.trans.Unlock()
	return m.start(ctx, m.program.snapshot(), engine.Dynamic, m.program.Generation())
}

func (m *Manager) start(ctx context.Context, bin []byte, prov engine.Provenance, generation uint64) error {
	m.mu.Lock()
	idle, ok := m.current().(*notRunning)
	m.mu.Unlock()
	if !ok {
		panic(errors.Invariant("start %s capsule while one is running", prov))
	}

	caps := idle.caps
	if m.newHost != nil {
		caps = m.newHost()
	}

	r, err := m.instantiate(ctx, caps, bin, prov, generation)
	if err != nil {
		if caps != idle.caps {
			_ = caps.Close()
		}
		m.logger.Warn("capsule failed to start",
			zap.Stringer("provenance", prov),
			zap.Uint64("generation", generation),
			zap.Error(err),
		)
		return err
	}
	if caps != idle.caps && idle.caps != nil {
		_ = idle.caps.Close()
	}

	m.mu.Lock()
	m.transition(func(state) state { return r })
	m.mu.Unlock()

	m.logger.Info("capsule started",
		zap.Stringer("instance", r.inst.ID()),
		zap.Stringer("provenance", prov),
		zap.Uint64("generation", generation),
		zap.Int("bytes", len(bin)),
		zap.Strings("paths", r.paths),
	)
	return nil
}

func (m *Manager) instantiate(ctx context.Context, caps *capability.Host, bin []byte, prov engine.Provenance, generation uint64) (*running, error) {
	img, err := m.engine.Prepare(ctx, bin, prov, generation)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	inst, err := m.engine.Instantiate(ctx, img, caps.Modules(capability.Binding{
		Instance:   id,
		StageLimit: m.stageLimit,
	}), engine.WithInstanceID(id))
	if err != nil {
		_ = img.Close(ctx)
		return nil, err
	}

	fail := func(err error) (*running, error) {
		_ = inst.Close(ctx)
		_ = img.Close(ctx)
		return nil, err
	}
	if err := initialize(ctx, inst); err != nil {
		return fail(err)
	}
	paths, err := reportPaths(ctx, inst)
	if err != nil {
		return fail(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &running{
		caps:   caps,
		inst:   inst,
		img:    img,
		paths:  paths,
		ctx:    runCtx,
		cancel: cancel,
	}, nil
}

// Stop tears down the running capsule and keeps its capability host for
// the next start. In-flight guest calls are abandoned and waited for. It
// is a no-op when nothing runs.
func (m *Manager) Stop(ctx context.Context) {
	m.trans.Lock()
	defer m.trans.Unlock()
	m.stop(ctx, "")
}

// StopInstance stops the capsule only while id, as reported by Status, is
// the running instance. It reports whether it stopped anything.
func (m *Manager) StopInstance(ctx context.Context, id string) bool {
	m.trans.Lock()
	defer m.trans.Unlock()
	return m.stop(ctx, id)
}

func (m *Manager) stop(ctx context.Context, id string) bool {
	m.mu.Lock()
	r, ok := m.current().(*running)
	if !ok || (id != "" && r.inst.ID().String() != id) {
		m.mu.Unlock()
		return false
	}
	r.stopping = true
	m.mu.Unlock()

	r.cancel()
	r.calls.Wait()

	m.mu.Lock()
	m.transition(func(state) state { return &notRunning{caps: r.caps} })
	m.mu.Unlock()

	if err := r.inst.Close(ctx); err != nil {
		m.logger.Warn("closing capsule instance", zap.Error(err))
	}
	if err := r.img.Close(ctx); err != nil {
		m.logger.Warn("closing capsule image", zap.Error(err))
	}
	m.logger.Info("capsule stopped", zap.Stringer("instance", r.inst.ID()))
	return true
}

// MutateProgram gives fn exclusive access to the program buffer. It fails
// with ErrProgramInUse while a capsule runs.
func (m *Manager) MutateProgram(fn func(*Program) error) error {
	m.trans.Lock()
	defer m.trans.Unlock()
	if err := m.programFree(); err != nil {
		return err
	}
	return fn(m.program)
}

// Upload is MutateProgram for transfers: when fn reports the program
// complete, the capsule is started from it before any other transition
// can intervene.
func (m *Manager) Upload(ctx context.Context, fn func(*Program) (complete bool, err error)) error {
	m.trans.Lock()
	defer m.trans.Unlock()
	if err := m.programFree(); err != nil {
		return err
	}
	complete, err := fn(m.program)
	if err != nil || !complete {
		return err
	}
	return m.start(ctx, m.program.snapshot(), engine.Dynamic, m.program.Generation())
}

// programFree fails while the program buffer backs a running capsule. The
// caller holds trans.
func (m *Manager) programFree() error {
	m.mu.Lock()
	_, busy := m.current().(*running)
	m.mu.Unlock()
	if busy {
		return errors.New(errors.PhaseLifecycle, errors.KindInUse).
			Subject("program").
			Detail("program buffer is backing a running capsule").
			Build()
	}
	return nil
}

// Running reports whether a capsule is instantiated.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.current().(*running)
	return ok
}

// ResourcePaths returns the paths the running capsule reported, or nil.
func (m *Manager) ResourcePaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.current().(*running); ok {
		return append([]string(nil), r.paths...)
	}
	return nil
}

// Changed returns a channel closed at the next state transition.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Host returns the capability host currently owned by the manager.
func (m *Manager) Host() *capability.Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch s := m.current().(type) {
	case *running:
		return s.caps
	case *notRunning:
		return s.caps
	}
	return nil
}

// Close stops the capsule and releases the capability host.
func (m *Manager) Close(ctx context.Context) error {
	m.Stop(ctx)
	if h := m.Host(); h != nil {
		return h.Close()
	}
	return nil
}
