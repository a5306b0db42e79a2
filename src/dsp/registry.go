package dsp

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	envMinPages = 64
	envMaxPages = 32768 // 2 GiB
)

// registration is one cached "backend code is registered" entry: the
// compiled module, the single instantiated copy every RuntimeInstance of
// this fingerprint shares, and its declared sizes.
type registration struct {
	compiled   wazero.CompiledModule
	mod        api.Module
	memSize    uint32
	staticSize uint32
	statics    uint32 // offset of the shared static table block, 0 if none
}

// Registry owns the hosting execution context: one process-wide runtime,
// the shared env memory every module instance imports, and the
// fingerprint-keyed cache of registered backend code. Entries persist for
// the life of the runtime; re-registering a fingerprint is a no-op.
type Registry struct {
	rt   wazero.Runtime
	env  api.Module
	mem  api.Memory
	heap *arena

	mu            sync.Mutex
	entries       map[string]*registration
	registrations int
	nameSeq       uint64

	// swapped out by tests
	install func(ctx context.Context, cm *CompiledModule) (*registration, error)
}

// NewRegistry builds the runtime, the env module providing the shared
// memory, and the math host module compiled modules import.
func NewRegistry(ctx context.Context) (*Registry, error) {
	rt := wazero.NewRuntime(ctx)
	if err := buildMathModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: math module: %v", ErrRegistration, err)
	}
	env, err := rt.InstantiateWithConfig(ctx, envModuleBytes(envMinPages, envMaxPages), wazero.NewModuleConfig().WithName("env"))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: env module: %v", ErrRegistration, err)
	}
	mem := env.ExportedMemory("memory")
	if mem == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: env module has no memory", ErrRegistration)
	}
	r := &Registry{
		rt:      rt,
		env:     env,
		mem:     mem,
		heap:    newArena(mem),
		entries: map[string]*registration{},
	}
	r.install = r.compileAndInstantiate
	return r, nil
}

func buildMathModule(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder("math")
	unary := map[string]func(float64) float64{
		"_sin":   math.Sin,
		"_cos":   math.Cos,
		"_tan":   math.Tan,
		"_asin":  math.Asin,
		"_acos":  math.Acos,
		"_atan":  math.Atan,
		"_exp":   math.Exp,
		"_log":   math.Log,
		"_log10": math.Log10,
		"_sqrt":  math.Sqrt,
		"_floor": math.Floor,
		"_ceil":  math.Ceil,
		"_round": math.Round,
	}
	binary := map[string]func(float64, float64) float64{
		"_atan2":     math.Atan2,
		"_pow":       math.Pow,
		"_fmod":      math.Mod,
		"_remainder": math.Remainder,
	}
	for name, fn := range unary {
		fn := fn
		b = b.NewFunctionBuilder().WithFunc(fn).Export(name)
		b = b.NewFunctionBuilder().WithFunc(func(x float32) float32 {
			return float32(fn(float64(x)))
		}).Export(name + "f")
	}
	for name, fn := range binary {
		fn := fn
		b = b.NewFunctionBuilder().WithFunc(fn).Export(name)
		b = b.NewFunctionBuilder().WithFunc(func(x, y float32) float32 {
			return float32(fn(float64(x), float64(y)))
		}).Export(name + "f")
	}
	_, err := b.Instantiate(ctx)
	return err
}

// Register ensures backend code for the module's fingerprint is installed
// in the runtime. The second return reports whether this call actually
// registered anything (false on a cache hit).
func (r *Registry) Register(ctx context.Context, cm *CompiledModule) (*registration, bool, error) {
	fp := cm.Fingerprint()
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.entries[fp]; ok {
		return reg, false, nil
	}
	reg, err := r.install(ctx, cm)
	if err != nil {
		return nil, false, err
	}
	r.entries[fp] = reg
	r.registrations++
	return reg, true, nil
}

func (r *Registry) compileAndInstantiate(ctx context.Context, cm *CompiledModule) (*registration, error) {
	compiled, err := r.rt.CompileModule(ctx, cm.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRegistration, cm.Name, err)
	}
	r.nameSeq++
	name := fmt.Sprintf("%s#%d", cm.Name, r.nameSeq)
	mod, err := r.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %s: %v", ErrInstantiation, cm.Name, err)
	}
	for _, export := range []string{"getMemSize", "getStaticMemSize", "instantiate", "init", "compute", "getParamValue", "setParamValue"} {
		if mod.ExportedFunction(export) == nil {
			mod.Close(ctx)
			compiled.Close(ctx)
			return nil, fmt.Errorf("%w: %s: missing export %q", ErrInstantiation, cm.Name, export)
		}
	}
	memSize, err := callU32(ctx, mod, "getMemSize")
	if err != nil {
		mod.Close(ctx)
		compiled.Close(ctx)
		return nil, err
	}
	staticSize, err := callU32(ctx, mod, "getStaticMemSize")
	if err != nil {
		mod.Close(ctx)
		compiled.Close(ctx)
		return nil, err
	}
	reg := &registration{
		compiled:   compiled,
		mod:        mod,
		memSize:    memSize,
		staticSize: staticSize,
	}
	if staticSize > 0 {
		statics, err := r.heap.alloc(staticSize)
		if err != nil {
			mod.Close(ctx)
			compiled.Close(ctx)
			return nil, err
		}
		reg.statics = statics
	}
	return reg, nil
}

func callU32(ctx context.Context, mod api.Module, name string) (uint32, error) {
	res, err := mod.ExportedFunction(name).Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrRuntimeFault, name, err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("%w: %s returns no value", ErrInstantiation, name)
	}
	return uint32(res[0]), nil
}

// Registrations reports how many distinct fingerprints have been installed.
func (r *Registry) Registrations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registrations
}

// Close tears down the runtime and everything registered in it.
func (r *Registry) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}
