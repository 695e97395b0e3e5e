package engine

import (
	"context"
	goerrors "errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/errors"
)

// Instance is an instantiated capsule bound to its host modules and its
// private linear memory. Calls are serialized; a call waiting for another
// to finish gives up when its context is done.
type Instance struct {
	id       uuid.UUID
	image    *Image
	mod      api.Module
	hosts    []api.Module
	meter    *meter
	maxDepth int
	sem      chan struct{}
	closed   atomic.Bool
}

// InstanceOption configures Instantiate.
type InstanceOption func(*Instance)

// WithInstanceID sets the id the instance reports instead of a fresh one.
func WithInstanceID(id uuid.UUID) InstanceOption {
	return func(i *Instance) { i.id = id }
}

// Instantiate binds img to the given host modules. Host modules are
// instantiated alongside the capsule and closed with it, so only one
// instance may be alive per engine at a time.
func (e *Engine) Instantiate(ctx context.Context, img *Image, hosts []HostModule, opts ...InstanceOption) (*Instance, error) {
	inst := &Instance{
		id:       uuid.New(),
		image:    img,
		maxDepth: e.cfg.MaxCallDepth(),
		sem:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(inst)
	}

	all := append([]HostModule(nil), hosts...)
	if e.cfg.Metered() {
		inst.meter = newMeter(e.cfg.Fuel, e.cfg.FuelYieldInterval)
		all = append(all, inst.meter.hostModule())
	}
	if err := resolveImports(img.info, all); err != nil {
		return nil, err
	}

	for i := range all {
		mod, err := all[i].build(ctx, e.runtime)
		if err != nil {
			inst.closeHosts(ctx)
			return nil, errors.New(errors.PhaseInstantiate, errors.KindInstantiation).
				Subject(all[i].Name).
				Cause(err).
				Detail("host module").
				Build()
		}
		inst.hosts = append(inst.hosts, mod)
	}

	modCfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(inst.callContext(ctx), img.compiled, modCfg)
	if err != nil {
		inst.closeHosts(ctx)
		return nil, errors.Instantiation(inst.classify("start", err))
	}
	inst.mod = mod

	Logger().Debug("capsule instantiated",
		zap.Stringer("instance", inst.id),
		zap.Uint64("image", img.id),
		zap.Stringer("provenance", img.provenance),
	)
	return inst, nil
}

// ID identifies the instantiation in logs and status reports.
func (i *Instance) ID() uuid.UUID { return i.id }

// Image returns the image the instance was created from.
func (i *Instance) Image() *Image { return i.image }

// HasExport reports whether the capsule exports a function named name.
func (i *Instance) HasExport(name string) bool {
	return i.mod.ExportedFunction(name) != nil
}

// Memory returns the capsule's linear memory, or nil if it has none.
func (i *Instance) Memory() api.Memory {
	return i.mod.Memory()
}

// FuelConsumed returns the fuel used so far, or 0 when metering is off.
func (i *Instance) FuelConsumed() uint64 {
	if i.meter == nil {
		return 0
	}
	return i.meter.consumed.Load()
}

// FuelRemaining returns the fuel left, or 0 when metering is off.
func (i *Instance) FuelRemaining() uint64 {
	if i.meter == nil {
		return 0
	}
	return i.meter.remaining.Load()
}

// Yields returns how many yield-interval boundaries calls have crossed.
func (i *Instance) Yields() uint64 {
	if i.meter == nil {
		return 0
	}
	return i.meter.yields.Load()
}

func (i *Instance) callContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, depthKey{}, &callDepth{max: i.maxDepth})
}

// Call invokes an exported function. Traps come back as runtime errors:
// fuel and stack exhaustion match errors.ErrFuelExhausted and
// errors.ErrStackExhausted, abandonment through ctx matches
// errors.ErrCancelled.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if i.closed.Load() {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "capsule instance")
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}

	select {
	case i.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, Cancelled(ctx.Err(), name)
	}
	defer func() { <-i.sem }()

	results, err := fn.Call(i.callContext(ctx), params...)
	if err != nil {
		return nil, i.classify(name, err)
	}
	return results, nil
}

// classify maps a wazero call error onto the error taxonomy.
func (i *Instance) classify(name string, err error) error {
	var e *errors.Error
	if goerrors.As(err, &e) {
		switch e.Kind {
		case errors.KindFuelExhausted, errors.KindStackExhausted, errors.KindCancelled:
			c := *e
			if c.Subject == "" {
				c.Subject = name
			}
			return &c
		}
	}
	if i.meter != nil && i.meter.exhausted.Load() {
		return errors.New(errors.PhaseRuntime, errors.KindFuelExhausted).
			Subject(name).
			Cause(err).
			Build()
	}
	var exit *sys.ExitError
	if goerrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return Cancelled(err, name)
		}
	}
	return errors.Trap(name, err)
}

func (i *Instance) closeHosts(ctx context.Context) {
	for j := len(i.hosts) - 1; j >= 0; j-- {
		_ = i.hosts[j].Close(ctx)
	}
	i.hosts = nil
}

// Close tears down the instance and its host modules. It is idempotent.
// The caller must ensure no call is in flight.
func (i *Instance) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := i.mod.Close(ctx)
	i.closeHosts(ctx)
	Logger().Debug("capsule instance closed", zap.Stringer("instance", i.id))
	return err
}
