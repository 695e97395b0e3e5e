package capability

import (
	"context"
	"math"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-capsule/engine"
)

// Time implements time.sleep and time.now_as_millis. Milliseconds count
// from host start, like a device uptime clock.
type Time struct {
	boot time.Time
	now  func() time.Time
}

func newTime() *Time {
	return &Time{boot: time.Now(), now: time.Now}
}

func (*Time) Namespace() string { return "time" }

func (t *Time) Bind(Binding) engine.HostModule {
	m := engine.HostModule{Name: t.Namespace()}
	m.Func("sleep", func(ctx context.Context, _ api.Module, stack []uint64) {
		t.Sleep(ctx, millis(stack[0]))
	}, []api.ValueType{engine.I64}, nil)
	m.Func("now_as_millis", func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = t.Millis()
	}, nil, []api.ValueType{engine.I64})
	return m
}

// millis converts a guest millisecond count, saturating at the longest
// Duration.
func millis(v uint64) time.Duration {
	if v > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return math.MaxInt64
	}
	return time.Duration(v) * time.Millisecond
}

// Sleep suspends the calling capsule. If ctx ends first the guest call is
// unwound.
func (t *Time) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		engine.CheckCancelled(ctx, "time.sleep")
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		panic(engine.Cancelled(ctx.Err(), "time.sleep"))
	}
}

// Millis returns milliseconds since host start.
func (t *Time) Millis() uint64 {
	return uint64(t.now().Sub(t.boot).Milliseconds())
}
