package capsule

import (
	"context"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-capsule/capability"
	"github.com/wippyai/wasm-capsule/engine"
	"github.com/wippyai/wasm-capsule/errors"
)

// Guest exports the lifecycle manager calls.
const (
	ExportRun        = "run"
	ExportReport     = "report"
	ExportInitialize = "initialize_handler"
	ExportAlloc      = "capsule_alloc"
	ExportCoAPRun    = "coap_run"
	ExportBLEReport  = "on_single_report"
)

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

func readGuest(inst *engine.Instance, export string, packed uint64) ([]byte, error) {
	ptr, n := unpack(packed)
	if n == 0 {
		return nil, nil
	}
	mem := inst.Memory()
	if mem == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "memory export", export)
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidData).
			Subject(export).
			Detail("result range [%d, %d) outside linear memory", ptr, uint64(ptr)+uint64(n)).
			Build()
	}
	return append([]byte(nil), b...), nil
}

func initialize(ctx context.Context, inst *engine.Instance) error {
	if !inst.HasExport(ExportInitialize) {
		return nil
	}
	res, err := inst.Call(ctx, ExportInitialize)
	if err != nil {
		return errors.Instantiation(err)
	}
	if code := api.DecodeI32(res[0]); code != 0 {
		return errors.New(errors.PhaseInstantiate, errors.KindInstantiation).
			Subject(ExportInitialize).
			Value(code).
			Detail("capsule handler failed to initialize").
			Build()
	}
	return nil
}

// reportPaths asks the capsule which resource paths it serves. Capsules
// without a report export serve none.
func reportPaths(ctx context.Context, inst *engine.Instance) ([]string, error) {
	if !inst.HasExport(ExportReport) {
		return nil, nil
	}
	res, err := inst.Call(ctx, ExportReport)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	raw, err := readGuest(inst, ExportReport, res[0])
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	return ParsePaths(string(raw)), nil
}

// ParsePaths splits a newline separated report into slash-joined paths
// without leading or trailing slashes.
func ParsePaths(report string) []string {
	var paths []string
	for _, line := range strings.Split(report, "\n") {
		if p := strings.Trim(strings.TrimSpace(line), "/"); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// acquire pins the running instance for a sequence of guest calls. The
// returned context ends when either ctx ends or the instance is stopped;
// release must be called once the sequence is done.
func (m *Manager) acquire(ctx context.Context) (*engine.Instance, context.Context, func(), error) {
	m.mu.Lock()
	r, ok := m.current().(*running)
	if !ok || r.stopping {
		m.mu.Unlock()
		return nil, nil, nil, errors.NotInitialized(errors.PhaseLifecycle, "capsule")
	}
	r.calls.Add(1)
	m.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(r.ctx, func() { cancel(context.Canceled) })
	release := func() {
		stop()
		cancel(nil)
		r.calls.Done()
	}
	return r.inst, ctx, release, nil
}

func (m *Manager) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	inst, ctx, release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return inst.Call(ctx, name, params...)
}

// Run invokes the capsule's entry point and returns when it finishes,
// traps or is abandoned.
func (m *Manager) Run(ctx context.Context) error {
	_, err := m.call(ctx, ExportRun)
	return err
}

// HandleRequest passes a CoAP request below the capsule's resource tree to
// its coap_run export. path is relative to that tree.
func (m *Manager) HandleRequest(ctx context.Context, code uint8, path string, payload []byte) (uint8, []byte, error) {
	inst, ctx, release, err := m.acquire(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	n := len(path) + len(payload)
	res, err := inst.Call(ctx, ExportAlloc, uint64(n))
	if err != nil {
		return 0, nil, err
	}
	ptr := api.DecodeU32(res[0])
	if mem := inst.Memory(); n > 0 && (mem == nil || !mem.Write(ptr, append([]byte(path), payload...))) {
		return 0, nil, errors.New(errors.PhaseRuntime, errors.KindInvalidData).
			Subject(ExportAlloc).
			Detail("allocation at %d cannot hold %d bytes", ptr, n).
			Build()
	}

	res, err = inst.Call(ctx, ExportCoAPRun,
		uint64(code),
		uint64(ptr), uint64(len(path)),
		uint64(ptr)+uint64(len(path)), uint64(len(payload)),
	)
	if err != nil {
		return 0, nil, err
	}
	out, err := readGuest(inst, ExportCoAPRun, res[0])
	if err != nil {
		return 0, nil, err
	}
	if len(out) == 0 {
		return 0, nil, errors.New(errors.PhaseRuntime, errors.KindInvalidData).
			Subject(ExportCoAPRun).
			Detail("empty response").
			Build()
	}
	return out[0], out[1:], nil
}

// DeliverAdvertisement hands one BLE scan report to the capsule.
func (m *Manager) DeliverAdvertisement(ctx context.Context, adv capability.Advertisement) error {
	_, err := m.call(ctx, ExportBLEReport, adv.Packed())
	return err
}

// Status is a snapshot of the lifecycle for diagnostics.
type Status struct {
	State        State    `cbor:"state" json:"state"`
	Instance     string   `cbor:"instance,omitempty" json:"instance,omitempty"`
	Provenance   string   `cbor:"provenance,omitempty" json:"provenance,omitempty"`
	Generation   uint64   `cbor:"generation" json:"generation"`
	ProgramLen   int      `cbor:"program_len" json:"program_len"`
	ProgramCap   int      `cbor:"program_cap" json:"program_cap"`
	Paths        []string `cbor:"paths,omitempty" json:"paths,omitempty"`
	FuelConsumed uint64   `cbor:"fuel_consumed,omitempty" json:"fuel_consumed,omitempty"`
	Yields       uint64   `cbor:"yields,omitempty" json:"yields,omitempty"`
}

// Status reports the current state. The program fields are read without
// waiting for an in-progress transition.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.current().name()}
	if r, ok := m.state.(*running); ok {
		st.Instance = r.inst.ID().String()
		st.Provenance = r.img.Provenance().String()
		st.Generation = r.img.Generation()
		st.Paths = append([]string(nil), r.paths...)
		st.FuelConsumed = r.inst.FuelConsumed()
		st.Yields = r.inst.Yields()
	}
	m.mu.Unlock()

	if m.trans.TryLock() {
		st.ProgramLen = m.program.Len()
		st.ProgramCap = m.program.Cap()
		if st.State != StateRunning {
			st.Generation = m.program.Generation()
		}
		m.trans.Unlock()
	} else {
		st.ProgramCap = m.program.Cap()
	}
	return st
}
