package capability

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/engine"
	"github.com/wippyai/wasm-capsule/errors"
)

// Binding carries what a provider needs to know about the instance it is
// being bound to.
type Binding struct {
	Instance uuid.UUID
	// StageLimit caps the bytes one capability call may copy out of or into
	// guest memory. Zero means unlimited.
	StageLimit int
}

// Provider implements one feature of the capsule import surface.
type Provider interface {
	// Namespace is the import module name capsules use.
	Namespace() string
	// Bind returns the host module for one instance.
	Bind(b Binding) engine.HostModule
}

// Host is the capability facade. Its state outlives instances so hardware
// handles and sockets survive capsule restarts.
type Host struct {
	Log  *Log
	Time *Time
	RNG  *RNG
	GPIO *GPIO
	UDP  *UDP
	BLE  *BLE

	logger *zap.Logger
	once   sync.Once
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger capsule output and capability events go to.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithLED attaches the LED driven by gpio.toggle_led.
func WithLED(led LED) Option {
	return func(h *Host) { h.GPIO.led = led }
}

// WithButton attaches the button read by gpio.wait_for_button_low.
func WithButton(b Button) Option {
	return func(h *Host) { h.GPIO.button = b }
}

// WithSeed makes the rng capability deterministic.
func WithSeed(seed [32]byte) Option {
	return func(h *Host) { h.RNG = newRNG(seed) }
}

// WithUDPLimits sets the guest send rate and the receive queue length.
func WithUDPLimits(perSecond float64, burst, queue int) Option {
	return func(h *Host) { h.UDP.setLimits(perSecond, burst, queue) }
}

// New creates a Host with every provider present. LED and button are absent
// until attached, so their functions report failure to the capsule.
func New(opts ...Option) *Host {
	h := &Host{
		Time: newTime(),
		RNG:  newRNG(randomSeed()),
		GPIO: &GPIO{},
		UDP:  newUDP(),
		BLE:  newBLE(defaultReportQueue),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.Log = newLog(h.logger)
	h.UDP.logger = h.logger
	return h
}

// Providers lists the features exposed as imports.
func (h *Host) Providers() []Provider {
	return []Provider{h.Log, h.Time, h.RNG, h.GPIO, h.UDP}
}

// Modules binds every provider to one instance.
func (h *Host) Modules(b Binding) []engine.HostModule {
	providers := h.Providers()
	mods := make([]engine.HostModule, 0, len(providers))
	for _, p := range providers {
		mods = append(mods, p.Bind(b))
	}
	return mods
}

// Close releases sockets held by the host. It is idempotent.
func (h *Host) Close() error {
	var err error
	h.once.Do(func() {
		err = h.UDP.close()
	})
	return err
}

// read copies n bytes at ptr out of guest memory. Out-of-range access
// traps the call.
func read(mod api.Module, fn string, ptr, n uint32, limit int) []byte {
	if limit > 0 && int(n) > limit {
		panic(errors.Capacity(errors.PhaseHost, int(n), limit))
	}
	mem := mod.Memory()
	if mem == nil {
		panic(errors.NotFound(errors.PhaseHost, "memory export", fn))
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		panic(outOfRange(fn, ptr, n))
	}
	return append([]byte(nil), b...)
}

func write(mod api.Module, fn string, ptr uint32, b []byte) {
	mem := mod.Memory()
	if mem == nil {
		panic(errors.NotFound(errors.PhaseHost, "memory export", fn))
	}
	if !mem.Write(ptr, b) {
		panic(outOfRange(fn, ptr, uint32(len(b))))
	}
}

func outOfRange(fn string, ptr, n uint32) *errors.Error {
	return errors.New(errors.PhaseHost, errors.KindInvalidData).
		Subject(fn).
		Detail("guest range [%d, %d) outside linear memory", ptr, uint64(ptr)+uint64(n)).
		Build()
}

// status encodes the ok/error results of fallible capabilities.
func status(ok bool) uint64 {
	if ok {
		return 0
	}
	return api.EncodeI32(-1)
}
