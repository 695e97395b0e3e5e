package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	cerrors "github.com/wippyai/wasm-capsule/errors"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := DefaultDevice().Validate(); err != nil {
		t.Fatalf("default device invalid: %v", err)
	}
}

func TestRuntimeConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RuntimeConfig)
		subject string
	}{
		{"unknown target", func(c *RuntimeConfig) { c.Target = "x86" }, "target"},
		{"unknown page size", func(c *RuntimeConfig) { c.PageSize = "huge" }, "page_size"},
		{"zero stack", func(c *RuntimeConfig) { c.MaxWasmStack = 0 }, "max_wasm_stack"},
		{"zero async stack", func(c *RuntimeConfig) { c.AsyncStackSize = 0 }, "async_stack_size"},
		{"yield over budget", func(c *RuntimeConfig) { c.Fuel = 10; c.FuelYieldInterval = 11 }, "fuel_yield_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			var e *cerrors.Error
			if !errors.As(err, &e) {
				t.Fatalf("want *errors.Error, got %T", err)
			}
			if e.Phase != cerrors.PhaseConfig {
				t.Errorf("Phase = %v, want config", e.Phase)
			}
			if e.Subject != tt.subject {
				t.Errorf("Subject = %q, want %q", e.Subject, tt.subject)
			}
		})
	}
}

func TestRuntimeConfig_Derived(t *testing.T) {
	c := Default()
	if got := c.Target.WordSize(); got != 4 {
		t.Errorf("pulley32 word size = %d", got)
	}
	if got := TargetPulley64.WordSize(); got != 8 {
		t.Errorf("pulley64 word size = %d", got)
	}
	if got := c.MaxCallDepth(); got != 2048/FrameSize {
		t.Errorf("MaxCallDepth = %d", got)
	}
	if got := c.MemoryLimitPages(); got != 0 {
		t.Errorf("unlimited reservation gave %d pages", got)
	}

	c.MemoryReservation = 3 * WasmPageSize
	if got := c.MemoryLimitPages(); got != 3 {
		t.Errorf("MemoryLimitPages = %d, want 3", got)
	}
	c.MemoryReservation = 100
	if got := c.MemoryLimitPages(); got != 1 {
		t.Errorf("sub-page reservation = %d pages, want 1", got)
	}

	c.Fuel = 0
	if c.Metered() {
		t.Error("zero fuel should disable metering")
	}
}

func TestParse(t *testing.T) {
	d, err := Parse(`
[runtime]
target = "pulley64"
fuel = 5000
fuel_yield_interval = 100

[transfer]
buffer_size = 1024
coap_listen = ":5683"
coap_forward_timeout = "250ms"

[scheduler]
run_timeout = "9s"
fresh_capabilities = true

[log]
level = "debug"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Runtime.Target != TargetPulley64 {
		t.Errorf("Target = %v", d.Runtime.Target)
	}
	if d.Runtime.MaxWasmStack != 2048 {
		t.Errorf("defaults should survive partial config, MaxWasmStack = %d", d.Runtime.MaxWasmStack)
	}
	if d.Transfer.BufferSize != 1024 || d.Transfer.RawListen != ":1234" {
		t.Errorf("Transfer = %+v", d.Transfer)
	}
	if d.Transfer.CoAPForwardTimeout.Duration != 250*time.Millisecond {
		t.Errorf("CoAPForwardTimeout = %v", d.Transfer.CoAPForwardTimeout)
	}
	if d.Scheduler.RunTimeout.Duration != 9*time.Second {
		t.Errorf("RunTimeout = %v", d.Scheduler.RunTimeout)
	}
	if !d.Scheduler.FreshCapabilities {
		t.Error("FreshCapabilities not decoded")
	}
	if d.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", d.Log.Level)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "device.toml")
	if err := os.WriteFile(good, []byte("[transfer]\nbuffer_size = 2048\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := Load(good)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Transfer.BufferSize != 2048 {
		t.Errorf("BufferSize = %d", d.Transfer.BufferSize)
	}

	unknown := filepath.Join(dir, "unknown.toml")
	if err := os.WriteFile(unknown, []byte("[transfer]\nbufer_size = 2048\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(unknown); err == nil {
		t.Error("unknown keys should be rejected")
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestDevice_Validate(t *testing.T) {
	d := DefaultDevice()
	d.Transfer.RawListen = ""
	d.Transfer.CoAPListen = ""
	if err := d.Validate(); err == nil {
		t.Error("no transport should be invalid")
	}

	d = DefaultDevice()
	d.Runtime.Target = TargetPulley64
	d.Transfer.DatagramSize = 4
	if err := d.Validate(); err == nil {
		t.Error("datagram smaller than a pulley64 size declaration should be invalid")
	}
}
