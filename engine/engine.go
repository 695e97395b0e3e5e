package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/config"
	"github.com/wippyai/wasm-capsule/errors"
	"github.com/wippyai/wasm-capsule/metering"
)

// Engine compiles and instantiates capsules under one RuntimeConfig.
type Engine struct {
	runtime wazero.Runtime
	cfg     config.RuntimeConfig
	images  atomic.Uint64
}

// New creates an interpreter engine for cfg. Configurations the interpreter
// cannot honor are rejected here, before any capsule is loaded.
func New(ctx context.Context, cfg config.RuntimeConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize == config.PageSizeCustom {
		return nil, errors.New(errors.PhaseConfig, errors.KindUnsupported).
			Subject("page_size").
			Detail("custom page sizes are not supported by the interpreter").
			Build()
	}

	runtimeCfg := wazero.NewRuntimeConfigInterpreter()
	if pages := cfg.MemoryLimitPages(); pages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	if !cfg.Metered() {
		// Without fuel yields there is no point where a call observes its
		// context, so let wazero poll it.
		runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	}

	Logger().Debug("engine created",
		zap.String("target", string(cfg.Target)),
		zap.Uint64("fuel", cfg.Fuel),
		zap.Uint64("yield_interval", cfg.FuelYieldInterval),
		zap.Uint32("memory_limit_pages", cfg.MemoryLimitPages()),
	)

	return &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cfg:     cfg,
	}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.RuntimeConfig {
	return e.cfg
}

// Close releases every image and instance created by the engine.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Provenance records where an image's bytes came from.
type Provenance int

const (
	// Static images are bundled with the program and live as long as it does.
	Static Provenance = iota
	// Dynamic images were received at runtime and live until the next
	// transfer overwrites the program buffer.
	Dynamic
)

func (p Provenance) String() string {
	if p == Dynamic {
		return "dynamic"
	}
	return "static"
}

// Image is a validated, instrumented and compiled capsule.
type Image struct {
	compiled   wazero.CompiledModule
	info       *metering.ModuleInfo
	provenance Provenance
	generation uint64
	id         uint64
	size       int
}

// Info summarizes the capsule's imports and exports.
func (i *Image) Info() *metering.ModuleInfo { return i.info }

// Provenance reports whether the image is static or dynamic.
func (i *Image) Provenance() Provenance { return i.provenance }

// Generation is the program buffer generation a dynamic image was built
// from. Static images report 0.
func (i *Image) Generation() uint64 { return i.generation }

// Size is the length of the capsule binary before instrumentation.
func (i *Image) Size() int { return i.size }

// Close releases the compiled code. Instances created from the image must
// be closed first.
func (i *Image) Close(ctx context.Context) error {
	return i.compiled.Close(ctx)
}

// Prepare validates bin against the engine configuration, instruments it
// and compiles it. bin is not retained.
func (e *Engine) Prepare(ctx context.Context, bin []byte, prov Provenance, generation uint64) (*Image, error) {
	out, info, err := metering.Transform(bin, metering.Options{
		Fuel:          e.cfg.Metered(),
		MemoryMayGrow: e.cfg.MemoryMayGrow,
	})
	if err != nil {
		return nil, err
	}
	if err := e.checkCompatible(info); err != nil {
		return nil, err
	}

	compiled, err := e.runtime.CompileModule(experimental.WithFunctionListenerFactory(ctx, stackGuard{}), out)
	if err != nil {
		return nil, errors.Load("compile capsule", err)
	}

	img := &Image{
		compiled:   compiled,
		info:       info,
		provenance: prov,
		generation: generation,
		id:         e.images.Add(1),
		size:       len(bin),
	}
	Logger().Debug("capsule prepared",
		zap.Stringer("provenance", prov),
		zap.Uint64("generation", generation),
		zap.Int("bytes", len(bin)),
		zap.Int("instrumented_bytes", len(out)),
	)
	return img, nil
}

// checkCompatible rejects images prepared for a different memory model.
func (e *Engine) checkCompatible(info *metering.ModuleInfo) error {
	if len(info.Memories) > 1 {
		return errors.Unsupported(errors.PhaseLoad, "multiple memories")
	}
	for _, mem := range info.Memories {
		if mem.Imported {
			return errors.New(errors.PhaseLoad, errors.KindUnsupported).
				Subject("memory").
				Detail("capsules must define their own memory").
				Build()
		}
		if mem.CustomPageSize() {
			return errors.Mismatch("page size", e.cfg.PageSize, fmt.Sprintf("custom (2^%d bytes)", mem.PageSizeLog2))
		}
		if limit := e.cfg.MemoryLimitPages(); limit > 0 && mem.Min > uint64(limit) {
			return errors.Mismatch("memory reservation",
				fmt.Sprintf("%d bytes", e.cfg.MemoryReservation),
				fmt.Sprintf("%d initial pages", mem.Min))
		}
	}
	return nil
}
