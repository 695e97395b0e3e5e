package capsule

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-capsule/capability"
	"github.com/wippyai/wasm-capsule/engine"
	"github.com/wippyai/wasm-capsule/errors"
)

// State names the lifecycle variant.
type State string

const (
	StateNotRunning State = "not_running"
	StateRunning    State = "running"
)

// state is the lifecycle union. Exactly one variant is current; taken only
// exists inside a transition.
type state interface {
	name() State
}

type notRunning struct {
	caps *capability.Host
}

type running struct {
	caps  *capability.Host
	inst  *engine.Instance
	img   *engine.Image
	paths []string

	// ctx ends when the instance is being stopped. calls counts guest calls
	// in flight; stopping refuses new ones.
	ctx      context.Context
	cancel   context.CancelFunc
	calls    sync.WaitGroup
	stopping bool
}

type taken struct{}

func (*notRunning) name() State { return StateNotRunning }
func (*running) name() State    { return StateRunning }

func (taken) name() State {
	panic(errors.Invariant("capsule state observed mid-transition"))
}

// transition replaces the current state with f applied to it. The old
// value is consumed; the taken marker covers the gap. The caller holds mu.
func (m *Manager) transition(f func(state) state) {
	old := m.state
	if _, ok := old.(taken); ok {
		panic(errors.Invariant("transition from a taken capsule state"))
	}
	m.state = taken{}
	m.state = f(old)
	close(m.changed)
	m.changed = make(chan struct{})
}

// current returns the state for inspection. The caller holds mu.
func (m *Manager) current() state {
	if _, ok := m.state.(taken); ok {
		panic(errors.Invariant("capsule state observed mid-transition"))
	}
	return m.state
}
