package dsp

import (
	"context"
	"fmt"
	"testing"
)

func expectNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("expected no error, but got: %v", err)
	}
}

// ----- Test metadata ----- //

func monoMetaJSON() []byte {
	return []byte(`{
		"name": "testgain",
		"numInputs": 1,
		"numOutputs": 1,
		"compileOptions": "-single -ftz 2",
		"ui": [{"type": "vgroup", "label": "main", "items": [
			{"type": "hslider", "label": "gain", "address": 16, "init": 1, "min": 0, "max": 1, "step": 0.001},
			{"type": "hbargraph", "label": "level", "address": 24, "min": 0, "max": 1}
		]}]
	}`)
}

func voiceMetaJSON() []byte {
	return []byte(`{
		"name": "testvoice",
		"numInputs": 0,
		"numOutputs": 1,
		"compileOptions": "-single",
		"ui": [{"type": "vgroup", "label": "voice", "items": [
			{"type": "hslider", "label": "freq", "address": 16, "init": 440, "min": 20, "max": 20000, "step": 1},
			{"type": "hslider", "label": "gain", "address": 24, "init": 0.5, "min": 0, "max": 1, "step": 0.001},
			{"type": "button", "label": "gate", "address": 32, "init": 0, "min": 0, "max": 1, "step": 1}
		]}]
	}`)
}

func effectMetaJSON() []byte {
	return []byte(`{
		"name": "testfx",
		"numInputs": 1,
		"numOutputs": 1,
		"compileOptions": "-single",
		"ui": [{"type": "hgroup", "label": "fx", "items": [
			{"type": "hslider", "label": "wet", "address": 16, "init": 0.3, "min": 0, "max": 1, "step": 0.001}
		]}]
	}`)
}

func testModule(t *testing.T, name string, metaBytes []byte) *CompiledModule {
	t.Helper()
	cm, err := NewCompiledModule(name, []byte("\x00asm"+name), metaBytes)
	if err != nil {
		t.Fatalf("test module: %v", err)
	}
	return cm
}

// ----- Fake instances ----- //

// fakeDSP is a pure-Go stand-in for a wasm-backed instance, so pool,
// generator, backend and offline logic can be exercised without binaries.
type fakeDSP struct {
	meta   *Meta
	kind   string // "gain", "ramp", "voice", "fault"
	params map[uint32]float64
	phase  float64
	level  float64
	rate   int
	closed bool
}

func newFakeDSP(meta *Meta, kind string) *fakeDSP {
	f := &fakeDSP{meta: meta, kind: kind, params: map[uint32]float64{}}
	for _, c := range meta.Controls {
		f.params[c.Addr] = c.Init
	}
	return f
}

func (f *fakeDSP) Init(sampleRate int) error {
	f.rate = sampleRate
	f.phase = 0
	f.level = 0
	for _, c := range f.meta.Controls {
		f.params[c.Addr] = c.Init
	}
	return nil
}

func (f *fakeDSP) ctl(suffix string) float64 {
	c := f.meta.ControlByPath(suffix)
	if c == nil {
		return 0
	}
	return f.params[c.Addr]
}

func (f *fakeDSP) Compute(frames int, in [][]float64, out [][]float64) error {
	switch f.kind {
	case "fault":
		return fmt.Errorf("%w: induced", ErrRuntimeFault)
	case "gain":
		g := f.ctl("gain")
		for i := 0; i < frames; i++ {
			v := 0.0
			if len(in) > 0 && i < len(in[0]) {
				v = in[0][i]
			}
			for ch := 0; ch < len(out); ch++ {
				out[ch][i] = v * g
			}
		}
	case "ramp":
		for i := 0; i < frames; i++ {
			for ch := 0; ch < len(out); ch++ {
				out[ch][i] = f.phase
			}
			f.phase++
		}
	case "voice":
		gate := f.ctl("gate")
		gain := f.ctl("gain")
		for i := 0; i < frames; i++ {
			if gate > 0 {
				f.level = gain
			} else {
				f.level *= 0.5
			}
			for ch := 0; ch < len(out); ch++ {
				out[ch][i] = f.level
			}
		}
	}
	return nil
}

func (f *fakeDSP) GetParam(path string) (float64, error) {
	c := f.meta.ControlByPath(path)
	if c == nil {
		return 0, fmt.Errorf("unknown param %q", path)
	}
	return f.params[c.Addr], nil
}

func (f *fakeDSP) SetParam(path string, value float64) error {
	c := f.meta.ControlByPath(path)
	if c == nil {
		return fmt.Errorf("unknown param %q", path)
	}
	f.params[c.Addr] = value
	return nil
}

func (f *fakeDSP) GetParamAddr(addr uint32) (float64, error) {
	return f.params[addr], nil
}

func (f *fakeDSP) SetParamAddr(addr uint32, value float64) error {
	f.params[addr] = value
	return nil
}

func (f *fakeDSP) NumInputs() int  { return f.meta.NumInputs }
func (f *fakeDSP) NumOutputs() int { return f.meta.NumOutputs }
func (f *fakeDSP) Meta() *Meta     { return f.meta }

func (f *fakeDSP) Close() error {
	f.closed = true
	return nil
}

// fakeMixer sums voice buffers sample by sample, no fades.
type fakeMixer struct {
	lastDates []float64
	closed    bool
}

func (m *fakeMixer) Mix(frames int, voiceOuts [][][]float64, dates []float64, out [][]float64) error {
	m.lastDates = append(m.lastDates[:0], dates...)
	for ch := 0; ch < len(out); ch++ {
		for i := 0; i < frames; i++ {
			out[ch][i] = 0
		}
	}
	for _, vo := range voiceOuts {
		for ch := 0; ch < len(out) && ch < len(vo); ch++ {
			for i := 0; i < frames; i++ {
				out[ch][i] += vo[ch][i]
			}
		}
	}
	return nil
}

func (m *fakeMixer) Close() error {
	m.closed = true
	return nil
}

// fakeFactory hands generator tests fake instances.
type fakeFactory struct {
	kind      string
	monoCalls int
	lastMixer *fakeMixer
}

func (f *fakeFactory) Mono(ctx context.Context, cm *CompiledModule) (ModuleInstance, error) {
	f.monoCalls++
	return newFakeDSP(cm.Meta, f.kind), nil
}

func (f *fakeFactory) Poly(ctx context.Context, voice, mixer *CompiledModule, effect *CompiledModule, voices int) ([]ModuleInstance, Mixer, ModuleInstance, error) {
	var insts []ModuleInstance
	for i := 0; i < voices; i++ {
		insts = append(insts, newFakeDSP(voice.Meta, "voice"))
	}
	f.lastMixer = &fakeMixer{}
	var eff ModuleInstance
	if effect != nil {
		eff = newFakeDSP(effect.Meta, "gain")
	}
	return insts, f.lastMixer, eff, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	ctx := context.Background()
	reg, err := NewRegistry(ctx)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { reg.Close(ctx) })
	reg.install = func(ctx context.Context, cm *CompiledModule) (*registration, error) {
		return &registration{}, nil
	}
	return reg
}
