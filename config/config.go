// Package config describes the sandbox limits of the capsule engine and the
// device configuration file of the daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/wasm-capsule/errors"
)

// Target is the interpreter target a capsule was prepared for. Pointer width
// and endianness must match between preparation and execution.
type Target string

const (
	TargetPulley32 Target = "pulley32"
	TargetPulley64 Target = "pulley64"
)

// WordSize returns the platform word size in bytes.
func (t Target) WordSize() int {
	if t == TargetPulley64 {
		return 8
	}
	return 4
}

// PageSizeMode selects the linear memory page size.
type PageSizeMode string

const (
	PageSizeDefault PageSizeMode = "default" // 64 KiB pages
	PageSizeCustom  PageSizeMode = "custom"  // custom-page-sizes proposal
)

// WasmPageSize is the size of a default linear memory page.
const WasmPageSize = 64 * 1024

// RuntimeConfig is fixed at engine construction and never mutated.
type RuntimeConfig struct {
	Target   Target       `toml:"target"`
	PageSize PageSizeMode `toml:"page_size"`

	// MemoryReservation caps linear memory in bytes. 0 leaves growth to the
	// capsule's own declared maximum.
	MemoryReservation uint64 `toml:"memory_reservation"`
	MemoryMayGrow     bool   `toml:"memory_may_grow"`

	// MaxWasmStack bounds the interpreter call stack in bytes.
	MaxWasmStack uint32 `toml:"max_wasm_stack"`

	// Fuel is the step budget of one instance. 0 disables metering.
	Fuel uint64 `toml:"fuel"`
	// FuelYieldInterval is the number of fuel units after which control
	// returns to the host scheduler. 0 never yields.
	FuelYieldInterval uint64 `toml:"fuel_yield_interval"`

	// AsyncStackSize bounds the bytes a single suspending capability call
	// may stage on the host side.
	AsyncStackSize uint32 `toml:"async_stack_size"`
}

// Default mirrors the configuration capsules are prepared against.
func Default() RuntimeConfig {
	return RuntimeConfig{
		Target:            TargetPulley32,
		PageSize:          PageSizeDefault,
		MemoryReservation: 0,
		MemoryMayGrow:     false,
		MaxWasmStack:      2048,
		Fuel:              1_000_000_000,
		FuelYieldInterval: 10_000,
		AsyncStackSize:    4096,
	}
}

// FrameSize is the stack cost charged per guest call frame.
const FrameSize = 32

// MaxCallDepth converts MaxWasmStack into a frame budget.
func (c RuntimeConfig) MaxCallDepth() int {
	depth := int(c.MaxWasmStack / FrameSize)
	if depth < 1 {
		return 1
	}
	return depth
}

// MemoryLimitPages returns the page ceiling, or 0 when unlimited.
func (c RuntimeConfig) MemoryLimitPages() uint32 {
	if c.MemoryReservation == 0 {
		return 0
	}
	pages := c.MemoryReservation / WasmPageSize
	if pages == 0 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}

// Metered reports whether fuel instrumentation is enabled.
func (c RuntimeConfig) Metered() bool {
	return c.Fuel > 0
}

// Validate checks field consistency. All failures are configuration errors.
func (c RuntimeConfig) Validate() error {
	switch c.Target {
	case TargetPulley32, TargetPulley64:
	default:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject("target").
			Detail("unknown target %q", c.Target).
			Build()
	}
	switch c.PageSize {
	case PageSizeDefault, PageSizeCustom:
	default:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject("page_size").
			Detail("unknown page size mode %q", c.PageSize).
			Build()
	}
	if c.MaxWasmStack == 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject("max_wasm_stack").
			Detail("must be positive").
			Build()
	}
	if c.AsyncStackSize == 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject("async_stack_size").
			Detail("must be positive").
			Build()
	}
	if c.Fuel > 0 && c.FuelYieldInterval > c.Fuel {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject("fuel_yield_interval").
			Detail("yield interval %d exceeds fuel budget %d", c.FuelYieldInterval, c.Fuel).
			Build()
	}
	return nil
}

// String renders the fields that must match a prepared image.
func (c RuntimeConfig) String() string {
	return fmt.Sprintf("%s/%s pages, fuel=%t", c.Target, c.PageSize, c.Metered())
}

// Duration is a time.Duration that decodes from TOML strings like "9s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Transfer configures the two reassembly transports.
type Transfer struct {
	// RawListen is the UDP address of the raw chunked protocol. Empty disables it.
	RawListen string `toml:"raw_listen"`
	// BufferSize is the fixed capacity of the dynamic program buffer.
	BufferSize int `toml:"buffer_size"`
	// DatagramSize is the largest raw datagram accepted. A longer one is a
	// receive error.
	DatagramSize int `toml:"datagram_size"`
	// CoAPListen is the UDP address of the CoAP server. Empty disables it.
	CoAPListen string `toml:"coap_listen"`
	// CoAPForwardTimeout bounds a request forwarded to the capsule,
	// including the wait for a guest call already in progress. 0 keeps the
	// dispatcher default.
	CoAPForwardTimeout Duration `toml:"coap_forward_timeout"`
}

// Scheduler configures the run/transfer race.
type Scheduler struct {
	// RunTimeout bounds one capsule run by wall clock. 0 disables it.
	RunTimeout Duration `toml:"run_timeout"`
	// FreshCapabilities gives every new instance a new capability host
	// instead of recovering the previous one.
	FreshCapabilities bool `toml:"fresh_capabilities"`
}

// Log configures the daemon logger.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Capabilities configures the capability host.
type Capabilities struct {
	// UDPSendRate limits guest datagrams per second. 0 is unlimited.
	UDPSendRate  float64 `toml:"udp_send_rate"`
	UDPSendBurst int     `toml:"udp_send_burst"`
	// UDPQueue is how many received datagrams wait for try_recv.
	UDPQueue int `toml:"udp_queue"`
	// SimulateGPIO attaches a simulated LED and button.
	SimulateGPIO bool `toml:"simulate_gpio"`
}

// Device is the daemon configuration file.
type Device struct {
	Runtime      RuntimeConfig `toml:"runtime"`
	Transfer     Transfer      `toml:"transfer"`
	Scheduler    Scheduler     `toml:"scheduler"`
	Log          Log           `toml:"log"`
	Capabilities Capabilities  `toml:"capabilities"`
}

// DefaultDevice returns the configuration used when no file is given.
func DefaultDevice() Device {
	return Device{
		Runtime: Default(),
		Transfer: Transfer{
			RawListen:    ":1234",
			BufferSize:   32 * 1024,
			DatagramSize: 1500,
			CoAPListen:   "",

			CoAPForwardTimeout: Duration{time.Second},
		},
		Log: Log{Level: "info"},
		Capabilities: Capabilities{
			UDPSendRate:  50,
			UDPSendBurst: 10,
			UDPQueue:     128,
			SimulateGPIO: true,
		},
	}
}

// Load reads a TOML device configuration on top of DefaultDevice.
func Load(path string) (Device, error) {
	d := DefaultDevice()
	md, err := toml.DecodeFile(path, &d)
	if err != nil {
		return Device{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Device{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject(path).
			Detail("unknown keys: %s", strings.Join(keys, ", ")).
			Build()
	}
	return d, d.Validate()
}

// Parse decodes TOML text on top of DefaultDevice.
func Parse(text string) (Device, error) {
	d := DefaultDevice()
	if _, err := toml.Decode(text, &d); err != nil {
		return Device{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode config")
	}
	return d, d.Validate()
}

// Validate checks the whole device configuration.
func (d Device) Validate() error {
	if err := d.Runtime.Validate(); err != nil {
		return err
	}
	if d.Transfer.BufferSize <= 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject("transfer.buffer_size").
			Detail("must be positive").
			Build()
	}
	if d.Transfer.DatagramSize < d.Runtime.Target.WordSize() {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Subject("transfer.datagram_size").
			Detail("must hold at least one size declaration (%d bytes)", d.Runtime.Target.WordSize()).
			Build()
	}
	if d.Transfer.RawListen == "" && d.Transfer.CoAPListen == "" {
		return errors.InvalidInput(errors.PhaseConfig, "no transfer transport enabled")
	}
	return nil
}
