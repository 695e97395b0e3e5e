package engine

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-capsule/errors"
	"github.com/wippyai/wasm-capsule/metering"
)

// Shorthand value type lists for host function signatures.
var (
	I32 = api.ValueTypeI32
	I64 = api.ValueTypeI64
)

// HostFunc is one function a capability exports to capsules.
type HostFunc struct {
	Name    string
	Handler api.GoModuleFunc
	Params  []api.ValueType
	Results []api.ValueType
}

// HostModule is a named group of host functions, instantiated under Name
// for every capsule instance.
type HostModule struct {
	Name  string
	Funcs []HostFunc
}

// Func appends a function to the module.
func (m *HostModule) Func(name string, fn api.GoModuleFunc, params, results []api.ValueType) *HostModule {
	m.Funcs = append(m.Funcs, HostFunc{Name: name, Handler: fn, Params: params, Results: results})
	return m
}

func (m *HostModule) lookup(name string) (HostFunc, bool) {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f, true
		}
	}
	return HostFunc{}, false
}

func (m *HostModule) build(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(m.Name)
	for _, f := range m.Funcs {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Handler, f.Params, f.Results).
			Export(f.Name)
	}
	return builder.Instantiate(ctx)
}

func valueTypes(vs []metering.ValType) []api.ValueType {
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveImports checks every import of the capsule against the offered
// host modules. Unresolved imports are reported together.
func resolveImports(info *metering.ModuleInfo, hosts []HostModule) error {
	byName := make(map[string]*HostModule, len(hosts))
	for i := range hosts {
		byName[hosts[i].Name] = &hosts[i]
	}

	var missing []string
	for _, imp := range info.Imports {
		key := imp.Module + "#" + imp.Name
		if imp.Kind != metering.ExternFunc {
			missing = append(missing, key)
			continue
		}
		host, ok := byName[imp.Module]
		if !ok {
			missing = append(missing, key)
			continue
		}
		fn, ok := host.lookup(imp.Name)
		if !ok {
			missing = append(missing, key)
			continue
		}
		sig, _ := info.ImportType(imp)
		if !sameTypes(fn.Params, valueTypes(sig.Params)) || !sameTypes(fn.Results, valueTypes(sig.Results)) {
			return errors.New(errors.PhaseInstantiate, errors.KindMismatch).
				Subject(key).
				Detail("capsule imports %v, host provides %v -> %v", sig, fn.Params, fn.Results).
				Build()
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.New(errors.PhaseInstantiate, errors.KindMissingImport).
			Cause(errors.NewMissingImportsError(missing)).
			Detail("%d unresolved imports", len(missing)).
			Build()
	}
	return nil
}
