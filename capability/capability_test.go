package capability

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-capsule/config"
	"github.com/wippyai/wasm-capsule/engine"
	cerrors "github.com/wippyai/wasm-capsule/errors"
	"github.com/wippyai/wasm-capsule/internal/wasmtest"
)

var (
	i32   = []byte{wasmtest.I32}
	i32x2 = []byte{wasmtest.I32, wasmtest.I32}
	i32x3 = []byte{wasmtest.I32, wasmtest.I32, wasmtest.I32}
)

func instantiate(t *testing.T, h *Host, bin []byte, limit int) *engine.Instance {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })

	img, err := e.Prepare(ctx, bin, engine.Static, 0)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	inst, err := e.Instantiate(ctx, img, h.Modules(Binding{Instance: uuid.New(), StageLimit: limit}))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(ctx) })
	return inst
}

func callI32(t *testing.T, inst *engine.Instance, name string) int32 {
	t.Helper()
	res, err := inst.Call(context.Background(), name)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return api.DecodeI32(res[0])
}

func TestHost_Modules(t *testing.T) {
	h := New()
	want := []string{"log", "time", "rng", "gpio", "udp"}
	mods := h.Modules(Binding{})
	if len(mods) != len(want) {
		t.Fatalf("got %d modules", len(mods))
	}
	for i, m := range mods {
		if m.Name != want[i] {
			t.Errorf("module %d = %q, want %q", i, m.Name, want[i])
		}
	}
}

func TestLog_Info(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := New(WithLogger(zap.New(core)))

	m := wasmtest.New()
	info := m.ImportFunc("log", "info", i32x2, nil)
	f := m.Func(nil, nil, nil, wasmtest.I32Const(0), wasmtest.I32Const(5), wasmtest.Call(info))
	inst := instantiate(t, h, m.Memory(1).Data(0, []byte("hello")).Export("run", f).Bytes(), 0)

	if _, err := inst.Call(context.Background(), "run"); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("[capsule] hello").All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries", logs.Len())
	}
	if _, ok := entries[0].ContextMap()["instance"]; !ok {
		t.Error("log line has no instance field")
	}
	if got := h.Log.Recent(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("recent = %q", got)
	}
}

func TestLog_OutOfRangeTraps(t *testing.T) {
	m := wasmtest.New()
	info := m.ImportFunc("log", "info", i32x2, nil)
	f := m.Func(nil, nil, nil, wasmtest.I32Const(65530), wasmtest.I32Const(100), wasmtest.Call(info))
	inst := instantiate(t, New(), m.Memory(1).Export("run", f).Bytes(), 0)

	_, err := inst.Call(context.Background(), "run")
	var ce *cerrors.Error
	if !errors.As(err, &ce) || ce.Kind != cerrors.KindTrap {
		t.Fatalf("got %v, want trap", err)
	}
}

func TestRNG(t *testing.T) {
	seed := [32]byte{1, 2, 3}
	a, b := New(WithSeed(seed)), New(WithSeed(seed))
	if a.RNG.Uint64() != b.RNG.Uint64() || a.RNG.Uint32() != b.RNG.Uint32() {
		t.Error("same seed should give the same stream")
	}

	m := wasmtest.New()
	fill := m.ImportFunc("rng", "random_bytes", i32x2, nil)
	small := m.Func(nil, nil, nil, wasmtest.I32Const(8), wasmtest.I32Const(16), wasmtest.Call(fill))
	large := m.Func(nil, nil, nil, wasmtest.I32Const(0), wasmtest.I32Const(4096), wasmtest.Call(fill))
	bin := m.Memory(1).Export("small", small).Export("large", large).Bytes()

	inst := instantiate(t, New(WithSeed(seed)), bin, 1024)
	if _, err := inst.Call(context.Background(), "small"); err != nil {
		t.Fatal(err)
	}
	got, _ := inst.Memory().Read(8, 16)
	if bytes.Equal(got, make([]byte, 16)) {
		t.Error("random_bytes left memory zeroed")
	}

	_, err := inst.Call(context.Background(), "large")
	var ce *cerrors.Error
	if !errors.As(err, &ce) {
		t.Fatalf("got %v", err)
	}
	var capErr *cerrors.Error
	if !errors.As(ce.Cause, &capErr) || capErr.Kind != cerrors.KindCapacity {
		t.Errorf("staging over the limit: %v", err)
	}
}

func TestTime(t *testing.T) {
	h := New()
	h.Time.now = func() time.Time { return h.Time.boot.Add(1500 * time.Millisecond) }

	m := wasmtest.New()
	now := m.ImportFunc("time", "now_as_millis", nil, []byte{wasmtest.I64})
	sleep := m.ImportFunc("time", "sleep", []byte{wasmtest.I64}, nil)
	nowFn := m.Func(nil, []byte{wasmtest.I64}, nil, wasmtest.Call(now))
	sleepFn := m.Func(nil, nil, nil, wasmtest.I64Const(60_000), wasmtest.Call(sleep))
	shortFn := m.Func(nil, nil, nil, wasmtest.I64Const(1), wasmtest.Call(sleep))
	foreverFn := m.Func(nil, nil, nil, wasmtest.I64Const(-1), wasmtest.Call(sleep))
	inst := instantiate(t, h, m.Export("now", nowFn).
		Export("sleep", sleepFn).
		Export("short", shortFn).
		Export("forever", foreverFn).
		Bytes(), 0)

	res, err := inst.Call(context.Background(), "now")
	if err != nil || res[0] != 1500 {
		t.Fatalf("now = %v, %v", res, err)
	}
	if _, err := inst.Call(context.Background(), "short"); err != nil {
		t.Fatalf("short sleep: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = inst.Call(ctx, "sleep")
	if !errors.Is(err, cerrors.ErrCancelled) {
		t.Fatalf("got %v, want cancellation", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("sleep was not abandoned")
	}

	// The largest millisecond count still suspends until cancelled.
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := inst.Call(ctx, "forever"); !errors.Is(err, cerrors.ErrCancelled) {
		t.Errorf("max sleep: got %v, want cancellation", err)
	}
}

func TestMillis(t *testing.T) {
	tests := []struct {
		in   uint64
		want time.Duration
	}{
		{0, 0},
		{1500, 1500 * time.Millisecond},
		{uint64(math.MaxInt64 / int64(time.Millisecond)), time.Duration(math.MaxInt64/int64(time.Millisecond)) * time.Millisecond},
		{uint64(math.MaxInt64/int64(time.Millisecond)) + 1, math.MaxInt64},
		{math.MaxUint64, math.MaxInt64},
	}
	for _, tt := range tests {
		if got := millis(tt.in); got != tt.want {
			t.Errorf("millis(%d) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func gpioCapsule() []byte {
	m := wasmtest.New()
	toggle := m.ImportFunc("gpio", "toggle_led", nil, i32)
	wait := m.ImportFunc("gpio", "wait_for_button_low", nil, i32)
	toggleFn := m.Func(nil, i32, nil, wasmtest.Call(toggle))
	waitFn := m.Func(nil, i32, nil, wasmtest.Call(wait))
	return m.Export("toggle", toggleFn).Export("wait", waitFn).Bytes()
}

func TestGPIO(t *testing.T) {
	t.Run("no peripherals", func(t *testing.T) {
		inst := instantiate(t, New(), gpioCapsule(), 0)
		if got := callI32(t, inst, "toggle"); got != -1 {
			t.Errorf("toggle = %d", got)
		}
		if got := callI32(t, inst, "wait"); got != -1 {
			t.Errorf("wait = %d", got)
		}
	})

	t.Run("led", func(t *testing.T) {
		led := &SimLED{}
		inst := instantiate(t, New(WithLED(led)), gpioCapsule(), 0)
		for i := 0; i < 3; i++ {
			if got := callI32(t, inst, "toggle"); got != 0 {
				t.Fatalf("toggle = %d", got)
			}
		}
		if on, n := led.On(); !on || n != 3 {
			t.Errorf("led on=%v toggles=%d", on, n)
		}
	})

	t.Run("button", func(t *testing.T) {
		btn := NewSimButton()
		inst := instantiate(t, New(WithButton(btn)), gpioCapsule(), 0)

		go func() {
			time.Sleep(10 * time.Millisecond)
			btn.Press()
		}()
		if got := callI32(t, inst, "wait"); got != 0 {
			t.Fatalf("wait = %d", got)
		}
		// Still held low.
		if got := callI32(t, inst, "wait"); got != 0 {
			t.Fatalf("wait while low = %d", got)
		}

		btn.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := inst.Call(ctx, "wait"); !errors.Is(err, cerrors.ErrCancelled) {
			t.Errorf("got %v, want cancellation", err)
		}
	})
}

func TestUDP(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("no loopback udp: %v", err)
	}
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr).AddrPort()

	m := wasmtest.New()
	send := m.ImportFunc("udp", "send", i32x3, i32)
	recv := m.ImportFunc("udp", "try_recv", i32x3, i32)
	sendFn := m.Func(nil, i32, nil, wasmtest.I32Const(0), wasmtest.I32Const(4), wasmtest.I32Const(8), wasmtest.Call(send))
	recvFn := m.Func(nil, i32, nil, wasmtest.I32Const(64), wasmtest.I32Const(32), wasmtest.I32Const(16), wasmtest.Call(recv))
	bin := m.Memory(1).
		Data(0, []byte("pong")).
		Data(8, wasmtest.Endpoint([4]byte{127, 0, 0, 1}, peerAddr.Port())).
		Export("send", sendFn).
		Export("recv", recvFn).
		Bytes()

	t.Run("unbound", func(t *testing.T) {
		inst := instantiate(t, New(), bin, 0)
		if got := callI32(t, inst, "recv"); got != -1 {
			t.Errorf("recv = %d", got)
		}
		if got := callI32(t, inst, "send"); got != -1 {
			t.Errorf("send = %d", got)
		}
	})

	t.Run("loopback", func(t *testing.T) {
		h := New(WithUDPLimits(0, 0, 8))
		defer h.Close()
		if err := h.UDP.Listen(0); err != nil {
			t.Fatal(err)
		}
		if err := h.UDP.Listen(0); err == nil {
			t.Error("second bind should fail")
		}
		inst := instantiate(t, h, bin, 0)

		if got := callI32(t, inst, "recv"); got != 0 {
			t.Fatalf("empty recv = %d", got)
		}

		local := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), h.UDP.LocalAddr().Port())
		if _, err := peer.WriteToUDPAddrPort([]byte("ping"), local); err != nil {
			t.Fatal(err)
		}
		var n int32
		for deadline := time.Now().Add(2 * time.Second); n == 0 && time.Now().Before(deadline); {
			n = callI32(t, inst, "recv")
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		if n != 4 {
			t.Fatalf("recv = %d", n)
		}
		data, _ := inst.Memory().Read(64, 4)
		ep, _ := inst.Memory().Read(16, EndpointSize)
		if string(data) != "ping" || DecodeEndpoint(ep).Port() != peerAddr.Port() {
			t.Errorf("received %q from %v", data, DecodeEndpoint(ep))
		}

		if got := callI32(t, inst, "send"); got != 0 {
			t.Fatalf("send = %d", got)
		}
		buf := make([]byte, 16)
		_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		k, _, err := peer.ReadFromUDPAddrPort(buf)
		if err != nil || string(buf[:k]) != "pong" {
			t.Errorf("peer got %q, %v", buf[:k], err)
		}
	})
}

func TestEndpoint(t *testing.T) {
	ap := netip.MustParseAddrPort("192.168.1.7:5683")
	enc := EncodeEndpoint(ap)
	if !bytes.Equal(enc, wasmtest.Endpoint([4]byte{192, 168, 1, 7}, 5683)) {
		t.Errorf("encoded %x", enc)
	}
	if got := DecodeEndpoint(enc); got != ap {
		t.Errorf("decoded %v", got)
	}
	if got := EncodeEndpoint(netip.MustParseAddrPort("[::1]:80")); !bytes.Equal(got[:4], []byte{0, 0, 0, 0}) {
		t.Errorf("ipv6 encoded %x", got)
	}
}

func TestBLE(t *testing.T) {
	b := newBLE(2)
	adv := Advertisement{Addr: [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}}
	if !b.Report(adv) || !b.Report(adv) {
		t.Fatal("queue rejected reports")
	}
	if b.Report(adv) || b.Dropped() != 1 {
		t.Errorf("full queue: dropped %d", b.Dropped())
	}
	if got := <-b.Reports(); got != adv {
		t.Errorf("got %v", got)
	}
	if adv.Packed() != 0x060504030201 {
		t.Errorf("packed %#x", adv.Packed())
	}
	if adv.String() != "06:05:04:03:02:01" {
		t.Errorf("string %s", adv)
	}
}
