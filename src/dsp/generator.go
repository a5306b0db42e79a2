package dsp

import (
	"context"
	"log"
)

// ----- Build configuration ----- //

// Backend selects the execution regime of a built node.
type Backend int

const (
	// BackendSync computes blocks in the caller's context on demand.
	BackendSync Backend = iota
	// BackendWorklet computes on a dedicated real-time pull loop reachable
	// only through asynchronous messages.
	BackendWorklet
)

// BuildConfig carries the build-time knobs of the generator. Zero values
// pick the defaults.
type BuildConfig struct {
	Backend          Backend
	BlockLength      int
	SampleRate       int
	Voices           int
	SilentBlocks     int
	SilenceThreshold float64
}

func (c BuildConfig) withDefaults() BuildConfig {
	if c.BlockLength <= 0 {
		c.BlockLength = 1024
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Voices <= 0 {
		c.Voices = DefaultPoolConfig().Voices
	}
	if c.SilentBlocks <= 0 {
		c.SilentBlocks = DefaultPoolConfig().SilentBlocks
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultPoolConfig().SilenceThreshold
	}
	return c
}

// ----- Factory ----- //

// instanceFactory is how the generator obtains instances; tests swap in a
// pure-Go implementation.
type instanceFactory interface {
	Mono(ctx context.Context, cm *CompiledModule) (ModuleInstance, error)
	Poly(ctx context.Context, voice, mixer, effect *CompiledModule, voices int) ([]ModuleInstance, Mixer, ModuleInstance, error)
}

type wasmFactory struct {
	it *Instantiator
}

func (f *wasmFactory) Mono(ctx context.Context, cm *CompiledModule) (ModuleInstance, error) {
	return f.it.Mono(ctx, cm)
}

func (f *wasmFactory) Poly(ctx context.Context, voice, mixer, effect *CompiledModule, voices int) ([]ModuleInstance, Mixer, ModuleInstance, error) {
	set, err := f.it.Poly(ctx, voice, mixer, effect, voices)
	if err != nil {
		return nil, nil, nil, err
	}
	insts := make([]ModuleInstance, len(set.Voices))
	for i, v := range set.Voices {
		insts[i] = v
	}
	var eff ModuleInstance
	if set.Effect != nil {
		eff = set.Effect
	}
	return insts, set.Mixer, eff, nil
}

// ----- Generator ----- //

// Generator orchestrates compile-or-load, instantiation, backend selection
// and registration into ready-to-connect nodes.
type Generator struct {
	reg     *Registry
	factory func(blockLen int) instanceFactory
}

// NewGenerator builds a generator over a registry (the hosting execution
// context).
func NewGenerator(reg *Registry) *Generator {
	g := &Generator{reg: reg}
	g.factory = func(blockLen int) instanceFactory {
		return &wasmFactory{it: &Instantiator{Reg: reg, BlockLen: blockLen}}
	}
	return g
}

// register installs backend code for the worklet backend, once per
// fingerprint. A cache hit skips straight to instance construction.
func (g *Generator) register(ctx context.Context, cms ...*CompiledModule) error {
	for _, cm := range cms {
		if cm == nil {
			continue
		}
		_, fresh, err := g.reg.Register(ctx, cm)
		if err != nil {
			return err
		}
		if !fresh {
			log.Printf("registration cache hit: %s\n", cm.Name)
		}
	}
	return nil
}

// Build produces a mono node from one compiled module.
func (g *Generator) Build(ctx context.Context, cm *CompiledModule, cfg BuildConfig) (Node, error) {
	cfg = cfg.withDefaults()
	if cfg.Backend == BackendWorklet {
		if err := g.register(ctx, cm); err != nil {
			return nil, err
		}
	}
	inst, err := g.factory(cfg.BlockLength).Mono(ctx, cm)
	if err != nil {
		return nil, err
	}
	if err := inst.Init(cfg.SampleRate); err != nil {
		inst.Close()
		return nil, err
	}
	if cfg.Backend == BackendWorklet {
		return newWorkletNode(inst, nil, cfg.BlockLength, cfg.SampleRate), nil
	}
	return newSyncNode(inst, nil), nil
}

// BuildPoly produces a polyphonic node from a voice module, a mixer module
// and an optional effect module.
func (g *Generator) BuildPoly(ctx context.Context, voice, mixer *CompiledModule, effect *CompiledModule, cfg BuildConfig) (PolyNode, error) {
	cfg = cfg.withDefaults()
	if cfg.Backend == BackendWorklet {
		if err := g.register(ctx, voice, mixer, effect); err != nil {
			return nil, err
		}
	}
	voices, mix, eff, err := g.factory(cfg.BlockLength).Poly(ctx, voice, mixer, effect, cfg.Voices)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(voices, mix, eff, cfg.BlockLength, PoolConfig{
		Voices:           cfg.Voices,
		SilentBlocks:     cfg.SilentBlocks,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		for _, v := range voices {
			v.Close()
		}
		mix.Close()
		if eff != nil {
			eff.Close()
		}
		return nil, err
	}
	if err := pool.Init(cfg.SampleRate); err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Backend == BackendWorklet {
		return newWorkletNode(pool, pool, cfg.BlockLength, cfg.SampleRate), nil
	}
	return newSyncNode(pool, pool), nil
}
