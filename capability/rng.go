package capability

import (
	"context"
	crand "crypto/rand"
	"math/rand/v2"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-capsule/engine"
	"github.com/wippyai/wasm-capsule/errors"
)

// RNG implements the rng capability on a ChaCha8 stream.
type RNG struct {
	mu  sync.Mutex
	src *rand.ChaCha8
}

func newRNG(seed [32]byte) *RNG {
	return &RNG{src: rand.NewChaCha8(seed)}
}

func randomSeed() [32]byte {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	return seed
}

func (*RNG) Namespace() string { return "rng" }

func (r *RNG) Bind(b Binding) engine.HostModule {
	m := engine.HostModule{Name: r.Namespace()}
	m.Func("next_u32", func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = uint64(r.Uint32())
	}, nil, []api.ValueType{engine.I32})
	m.Func("next_u64", func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = r.Uint64()
	}, nil, []api.ValueType{engine.I64})
	m.Func("random_bytes", func(_ context.Context, mod api.Module, stack []uint64) {
		n := api.DecodeU32(stack[1])
		if b.StageLimit > 0 && int(n) > b.StageLimit {
			panic(errors.Capacity(errors.PhaseHost, int(n), b.StageLimit))
		}
		buf := make([]byte, n)
		r.Fill(buf)
		write(mod, "rng.random_bytes", api.DecodeU32(stack[0]), buf)
	}, []api.ValueType{engine.I32, engine.I32}, nil)
	return m
}

func (r *RNG) Uint32() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(r.src.Uint64())
}

func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Uint64()
}

// Fill overwrites b with random bytes.
func (r *RNG) Fill(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.src.Read(b)
}
