package capability

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-capsule/engine"
)

// LED is an output pin.
type LED interface {
	Toggle() error
}

// Button is an input pin that can be waited on.
type Button interface {
	// WaitForLow returns once the pin reads low. It returns ctx.Err() if
	// ctx ends first.
	WaitForLow(ctx context.Context) error
}

// GPIO implements gpio.toggle_led and gpio.wait_for_button_low. Missing
// peripherals make the calls return -1.
type GPIO struct {
	led    LED
	button Button
}

func (*GPIO) Namespace() string { return "gpio" }

func (g *GPIO) Bind(Binding) engine.HostModule {
	m := engine.HostModule{Name: g.Namespace()}
	m.Func("toggle_led", func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = status(g.led != nil && g.led.Toggle() == nil)
	}, nil, []api.ValueType{engine.I32})
	m.Func("wait_for_button_low", func(ctx context.Context, _ api.Module, stack []uint64) {
		if g.button == nil {
			stack[0] = status(false)
			return
		}
		err := g.button.WaitForLow(ctx)
		engine.CheckCancelled(ctx, "gpio.wait_for_button_low")
		stack[0] = status(err == nil)
	}, nil, []api.ValueType{engine.I32})
	return m
}

// SimLED is an in-memory LED.
type SimLED struct {
	mu      sync.Mutex
	on      bool
	toggles int
}

func (l *SimLED) Toggle() error {
	l.mu.Lock()
	l.on = !l.on
	l.toggles++
	l.mu.Unlock()
	return nil
}

// On reports the current LED level and how often it was toggled.
func (l *SimLED) On() (on bool, toggles int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on, l.toggles
}

// SimButton is an in-memory active-low button.
type SimButton struct {
	mu      sync.Mutex
	low     bool
	pressed chan struct{}
}

func NewSimButton() *SimButton {
	return &SimButton{pressed: make(chan struct{})}
}

// Press drives the pin low and wakes every waiter.
func (b *SimButton) Press() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.low {
		return
	}
	b.low = true
	close(b.pressed)
	b.pressed = make(chan struct{})
}

// Release lets the pin float high again.
func (b *SimButton) Release() {
	b.mu.Lock()
	b.low = false
	b.mu.Unlock()
}

func (b *SimButton) WaitForLow(ctx context.Context) error {
	b.mu.Lock()
	if b.low {
		b.mu.Unlock()
		return nil
	}
	pressed := b.pressed
	b.mu.Unlock()

	select {
	case <-pressed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
