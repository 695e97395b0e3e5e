package capsule

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-capsule/capability"
	"github.com/wippyai/wasm-capsule/config"
	"github.com/wippyai/wasm-capsule/engine"
	cerrors "github.com/wippyai/wasm-capsule/errors"
	"github.com/wippyai/wasm-capsule/internal/wasmtest"
)

var (
	i32 = []byte{wasmtest.I32}
	i64 = []byte{wasmtest.I64}
)

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(e, capability.New(), 4096, opts...)
	t.Cleanup(func() {
		_ = m.Close(ctx)
		_ = e.Close(ctx)
	})
	return m
}

// reporter serves two paths and echoes CoAP requests back with 2.05.
func reporter() []byte {
	const report = "vm/a\n/vm/b/\n\n"
	m := wasmtest.New()
	last := m.Global(wasmtest.I64, true, 0)

	run := m.Func(nil, nil, nil)
	rep := m.Func(nil, i64, nil, wasmtest.I64Const(int64(wasmtest.Pack(100, uint32(len(report))))))
	alloc := m.Func(i32, i32, nil, wasmtest.I32Const(1024))
	coapRun := m.Func([]byte{wasmtest.I32, wasmtest.I32, wasmtest.I32, wasmtest.I32, wasmtest.I32}, i64, nil,
		wasmtest.I32Const(1023), wasmtest.I32Const(0x45), wasmtest.I32Store8(0),
		wasmtest.I64Const(1023<<32),
		wasmtest.LocalGet(2), wasmtest.LocalGet(4), wasmtest.I32Add, wasmtest.I32Const(1), wasmtest.I32Add,
		wasmtest.I64ExtendU, wasmtest.I64Or,
	)
	onReport := m.Func(i64, nil, nil, wasmtest.LocalGet(0), wasmtest.GlobalSet(last))
	lastFn := m.Func(nil, i64, nil, wasmtest.GlobalGet(last))

	return m.Memory(1).
		Data(100, []byte(report)).
		Export(ExportRun, run).
		Export(ExportReport, rep).
		Export(ExportAlloc, alloc).
		Export(ExportCoAPRun, coapRun).
		Export(ExportBLEReport, onReport).
		Export("last_report", lastFn).
		Bytes()
}

func spinner() []byte {
	m := wasmtest.New()
	f := m.Func(nil, nil, nil, wasmtest.Loop, wasmtest.Br(0), wasmtest.End)
	return m.Export(ExportRun, f).Bytes()
}

func initializer(code int32) []byte {
	m := wasmtest.New()
	f := m.Func(nil, i32, nil, wasmtest.I32Const(code))
	run := m.Func(nil, nil, nil)
	return m.Export(ExportInitialize, f).Export(ExportRun, run).Bytes()
}

func TestProgram(t *testing.T) {
	p := NewProgram(8)
	if err := p.Append([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := p.WriteAt([]byte("de"), 3); err != nil {
		t.Fatal(err)
	}
	if string(p.Bytes()) != "abcde" || p.Generation() != 2 {
		t.Fatalf("program %q gen %d", p.Bytes(), p.Generation())
	}
	if err := p.WriteAt([]byte("x"), 7); err == nil {
		t.Error("write leaving a gap should fail")
	}
	if err := p.Append([]byte("0123")); !errors.Is(err, cerrors.ErrCapacity) {
		t.Errorf("overflow: %v", err)
	}
	if p.Len() != 5 {
		t.Errorf("failed write changed length to %d", p.Len())
	}
	p.Truncate(0)
	if p.Len() != 0 || p.Cap() != 8 || p.Generation() != 3 {
		t.Errorf("after truncate len %d cap %d gen %d", p.Len(), p.Cap(), p.Generation())
	}
}

func TestParsePaths(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"\n\n", nil},
		{"a/b", []string{"a/b"}},
		{"/vm/temp/\n  vm/led \n", []string{"vm/temp", "vm/led"}},
	}
	for _, tt := range tests {
		if got := ParsePaths(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParsePaths(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestManager_StartStop(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	caps := m.Host()

	if m.Running() || m.ResourcePaths() != nil {
		t.Fatal("new manager should be idle with no paths")
	}
	changed := m.Changed()
	if err := m.StartFromStatic(ctx, reporter()); err != nil {
		t.Fatal(err)
	}
	if !m.Running() {
		t.Fatal("not running after start")
	}
	select {
	case <-changed:
	default:
		t.Error("start did not signal a state change")
	}
	if got := m.ResourcePaths(); !reflect.DeepEqual(got, []string{"vm/a", "vm/b"}) {
		t.Errorf("paths = %q", got)
	}
	if st := m.Status(); st.State != StateRunning || st.Provenance != "static" || st.Instance == "" {
		t.Errorf("status = %+v", st)
	}
	if m.StopInstance(ctx, "00000000-0000-0000-0000-000000000000") || !m.Running() {
		t.Error("stopping another instance stopped the running one")
	}

	m.Stop(ctx)
	if m.Running() || m.ResourcePaths() != nil {
		t.Error("stop should leave the manager idle with no paths")
	}
	if m.Host() != caps {
		t.Error("capability host not recovered")
	}
	m.Stop(ctx)

	if err := m.StartFromStatic(ctx, reporter()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if m.Host() != caps {
		t.Error("restart should reuse the capability host")
	}
}

func TestManager_StartWhileRunningPanics(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	if err := m.StartFromStatic(ctx, reporter()); err != nil {
		t.Fatal(err)
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		var ce *cerrors.Error
		if !ok || !errors.As(err, &ce) || ce.Kind != cerrors.KindInvariant {
			t.Fatalf("recovered %v, want invariant violation", r)
		}
		if !m.Running() {
			t.Error("failed start must not disturb the running capsule")
		}
	}()
	_ = m.StartFromDynamic(ctx)
}

func TestManager_FailedStart(t *testing.T) {
	missing := wasmtest.New()
	missing.ImportFunc("gpio", "blink", nil, nil)
	missing.Func(nil, nil, nil)

	tests := []struct {
		name  string
		bin   []byte
		phase cerrors.Phase
	}{
		{"malformed", []byte("\x00asm garbage"), cerrors.PhaseLoad},
		{"missing import", missing.Bytes(), cerrors.PhaseInstantiate},
		{"initialize fails", initializer(3), cerrors.PhaseInstantiate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t)
			err := m.StartFromStatic(context.Background(), tt.bin)
			var ce *cerrors.Error
			if !errors.As(err, &ce) || ce.Phase != tt.phase {
				t.Fatalf("got %v, want %s error", err, tt.phase)
			}
			if m.Running() || m.Status().State != StateNotRunning {
				t.Error("failed start must leave the manager not running")
			}
			if err := m.StartFromStatic(context.Background(), initializer(0)); err != nil {
				t.Errorf("start after failure: %v", err)
			}
		})
	}
}

func TestManager_Dynamic(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	bin := reporter()

	if err := m.MutateProgram(func(p *Program) error { return p.Append(bin) }); err != nil {
		t.Fatal(err)
	}
	if err := m.StartFromDynamic(ctx); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if st.Provenance != "dynamic" || st.Generation != 1 || st.ProgramLen != len(bin) {
		t.Errorf("status = %+v", st)
	}

	err := m.MutateProgram(func(p *Program) error {
		t.Error("mutation ran while the program backs a running capsule")
		return nil
	})
	if !errors.Is(err, cerrors.ErrProgramInUse) {
		t.Errorf("got %v, want ErrProgramInUse", err)
	}

	m.Stop(ctx)
	if err := m.MutateProgram(func(p *Program) error { p.Truncate(0); return nil }); err != nil {
		t.Errorf("mutate after stop: %v", err)
	}
	if err := m.StartFromDynamic(ctx); err == nil {
		t.Error("empty program should not start")
	}
	if m.Running() {
		t.Error("manager running after failed dynamic start")
	}
}

func TestManager_Upload(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	bin := reporter()

	half := len(bin) / 2
	if err := m.Upload(ctx, func(p *Program) (bool, error) {
		p.Truncate(0)
		return false, p.Append(bin[:half])
	}); err != nil || m.Running() {
		t.Fatalf("partial upload: %v running=%v", err, m.Running())
	}
	if err := m.Upload(ctx, func(p *Program) (bool, error) {
		return true, p.Append(bin[half:])
	}); err != nil || !m.Running() {
		t.Fatalf("final upload: %v running=%v", err, m.Running())
	}

	err := m.Upload(ctx, func(*Program) (bool, error) {
		t.Error("upload ran while the program backs a running capsule")
		return true, nil
	})
	if !errors.Is(err, cerrors.ErrProgramInUse) {
		t.Errorf("got %v, want ErrProgramInUse", err)
	}

	m.Stop(ctx)
	err = m.Upload(ctx, func(p *Program) (bool, error) {
		p.Truncate(0)
		return true, p.Append([]byte("\x00asm broken"))
	})
	var ce *cerrors.Error
	if !errors.As(err, &ce) || ce.Phase != cerrors.PhaseLoad {
		t.Errorf("broken upload: %v", err)
	}
}

func TestManager_StopAbandonsRun(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	if err := m.StartFromStatic(ctx, spinner()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	for deadline := time.Now().Add(5 * time.Second); m.Status().Yields == 0; {
		if time.Now().After(deadline) {
			t.Fatal("capsule never reached a yield boundary")
		}
		time.Sleep(time.Millisecond)
	}

	m.Stop(ctx)
	select {
	case err := <-done:
		if !errors.Is(err, cerrors.ErrCancelled) {
			t.Errorf("run returned %v, want cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run was not abandoned")
	}

	var ce *cerrors.Error
	if err := m.Run(ctx); !errors.As(err, &ce) || ce.Kind != cerrors.KindNotInitialized {
		t.Errorf("run while stopped: %v", err)
	}
}

func TestManager_Guest(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	if err := m.StartFromStatic(ctx, reporter()); err != nil {
		t.Fatal(err)
	}

	code, payload, err := m.HandleRequest(ctx, 1, "a", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if code != 0x45 || string(payload) != "ahi" {
		t.Errorf("response %#x %q", code, payload)
	}

	adv := capability.Advertisement{Addr: [6]byte{1, 2, 3, 4, 5, 6}}
	if err := m.DeliverAdvertisement(ctx, adv); err != nil {
		t.Fatal(err)
	}
	res, err := m.call(ctx, "last_report")
	if err != nil || res[0] != adv.Packed() {
		t.Errorf("last report %v, %v", res, err)
	}

	m.Stop(ctx)
	if err := m.StartFromStatic(ctx, initializer(0)); err != nil {
		t.Fatal(err)
	}
	_, _, err = m.HandleRequest(ctx, 1, "a", nil)
	var ce *cerrors.Error
	if !errors.As(err, &ce) || ce.Kind != cerrors.KindNotFound {
		t.Errorf("capsule without coap_run: %v", err)
	}
}

func TestManager_FreshHost(t *testing.T) {
	var made []*capability.Host
	m := newManager(t, WithHostFactory(func() *capability.Host {
		h := capability.New()
		made = append(made, h)
		return h
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.StartFromStatic(ctx, initializer(0)); err != nil {
			t.Fatal(err)
		}
		if m.Host() != made[i] {
			t.Errorf("start %d did not use a fresh host", i)
		}
		m.Stop(ctx)
	}
}

func TestManager_TakenIsInvariant(t *testing.T) {
	m := newManager(t)
	m.state = taken{}
	defer func() {
		m.state = &notRunning{caps: capability.New()}
		if recover() == nil {
			t.Error("observing taken state should panic")
		}
	}()
	m.Running()
}

func TestUnpack(t *testing.T) {
	ptr, n := unpack(wasmtest.Pack(0xdead, 12))
	if ptr != 0xdead || n != 12 {
		t.Errorf("unpack = %#x %d", ptr, n)
	}
}

func TestManager_CapsuleLogsInstance(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.InfoLevel)
	e, err := engine.New(ctx, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(e, capability.New(capability.WithLogger(zap.New(core))), 4096)
	t.Cleanup(func() {
		_ = m.Close(ctx)
		_ = e.Close(ctx)
	})

	mod := wasmtest.New()
	info := mod.ImportFunc("log", "info", []byte{wasmtest.I32, wasmtest.I32}, nil)
	run := mod.Func(nil, nil, nil, wasmtest.I32Const(0), wasmtest.I32Const(2), wasmtest.Call(info))
	bin := mod.Memory(1).Data(0, []byte("hi")).Export(ExportRun, run).Bytes()

	if err := m.StartFromStatic(ctx, bin); err != nil {
		t.Fatal(err)
	}
	if err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}

	entries := logs.FilterMessage("[capsule] hi").All()
	if len(entries) != 1 {
		t.Fatalf("got %d capsule log lines", len(entries))
	}
	want := m.Status().Instance
	if got := entries[0].ContextMap()["instance"]; want == "" || got != want {
		t.Errorf("log instance %v, status instance %q", got, want)
	}
}
