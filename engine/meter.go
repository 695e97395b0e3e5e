package engine

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/wasm-capsule/errors"
	"github.com/wippyai/wasm-capsule/metering"
)

// meter is the fuel account of one instance. Calls into an instance are
// serialized, so only the counters read by observers are atomic.
type meter struct {
	remaining  atomic.Uint64
	consumed   atomic.Uint64
	interval   uint64
	untilYield uint64
	exhausted  atomic.Bool
	yields     atomic.Uint64
}

func newMeter(fuel, interval uint64) *meter {
	m := &meter{interval: interval, untilYield: interval}
	m.remaining.Store(fuel)
	return m
}

// charge consumes cost units. It panics with a fuel error when the budget
// runs out and with a cancellation error when ctx is done at a yield
// boundary; wazero turns both panics into the call's error.
func (m *meter) charge(ctx context.Context, cost uint64) {
	remaining := m.remaining.Load()
	if cost > remaining {
		m.consumed.Add(remaining)
		m.remaining.Store(0)
		m.exhausted.Store(true)
		panic(errors.New(errors.PhaseRuntime, errors.KindFuelExhausted).
			Value(m.consumed.Load()).
			Detail("fuel budget exhausted after %d units", m.consumed.Load()).
			Build())
	}
	m.remaining.Store(remaining - cost)
	m.consumed.Add(cost)

	if m.interval == 0 {
		return
	}
	if cost < m.untilYield {
		m.untilYield -= cost
		return
	}
	m.untilYield = m.interval - (cost-m.untilYield)%m.interval
	m.yields.Add(1)
	yield(ctx)
}

// hostModule exposes the meter as the import injected by instrumentation.
func (m *meter) hostModule() HostModule {
	hm := HostModule{Name: metering.FuelModule}
	hm.Func(metering.FuelFunc, func(ctx context.Context, _ api.Module, stack []uint64) {
		m.charge(ctx, uint64(api.DecodeU32(stack[0])))
	}, []api.ValueType{I32}, nil)
	return hm
}

// yield returns control to the Go scheduler and abandons the call when its
// context is done.
func yield(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		panic(Cancelled(err, "fuel yield"))
	}
	runtime.Gosched()
}

// Cancelled builds the error used to unwind a guest call whose context is
// done. Suspending host functions panic with it.
func Cancelled(cause error, subject string) *errors.Error {
	return errors.New(errors.PhaseRuntime, errors.KindCancelled).
		Subject(subject).
		Cause(cause).
		Detail("capsule call abandoned").
		Build()
}

// CheckCancelled panics with a cancellation error if ctx is done.
func CheckCancelled(ctx context.Context, subject string) {
	if err := ctx.Err(); err != nil {
		panic(Cancelled(err, subject))
	}
}

type depthKey struct{}

// callDepth counts guest frames of one top-level call.
type callDepth struct {
	current int
	max     int
	tripped bool
}

// stackGuard bounds the guest call depth. Host functions get no listener.
type stackGuard struct{}

func (stackGuard) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if def.GoFunction() != nil {
		return nil
	}
	return depthListener{}
}

type depthListener struct{}

func (depthListener) Before(ctx context.Context, _ api.Module, def api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	d, ok := ctx.Value(depthKey{}).(*callDepth)
	if !ok {
		return
	}
	d.current++
	if d.current > d.max {
		d.tripped = true
		panic(errors.New(errors.PhaseRuntime, errors.KindStackExhausted).
			Subject(def.DebugName()).
			Value(d.current).
			Detail("call depth exceeds %d frames", d.max).
			Build())
	}
}

func (depthListener) After(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64) {
	if d, ok := ctx.Value(depthKey{}).(*callDepth); ok {
		d.current--
	}
}

func (depthListener) Abort(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ error) {
	if d, ok := ctx.Value(depthKey{}).(*callDepth); ok {
		d.current--
	}
}
