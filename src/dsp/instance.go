package dsp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// ----- ModuleInstance ----- //

// ModuleInstance is one stateful, computable copy of a compiled module.
// Compute advances the DSP by exactly frames frames; consecutive calls are
// continuous, with no frame loss or duplication between them. Param
// addresses are derived from the metadata once and stay valid for the
// instance's lifetime.
type ModuleInstance interface {
	Init(sampleRate int) error
	Compute(frames int, in [][]float64, out [][]float64) error
	GetParam(path string) (float64, error)
	SetParam(path string, value float64) error
	GetParamAddr(addr uint32) (float64, error)
	SetParamAddr(addr uint32, value float64) error
	NumInputs() int
	NumOutputs() int
	Meta() *Meta
	Close() error
}

// ----- wazero-backed Instance ----- //

// Instance binds a registered module to its own region of the shared env
// memory. The wasm module instance itself is shared across all Instances
// of the same fingerprint; per-instance state is addressed by the dsp
// offset handed to the module's exports.
type Instance struct {
	ctx      context.Context
	heap     *arena
	mem      api.Memory
	meta     *Meta
	width    int
	blockLen int

	base uint32 // single allocation holding everything below
	size uint32
	dsp  uint32
	ins  uint32 // input pointer table
	outs uint32 // output pointer table

	inBufs  []uint32
	outBufs []uint32
	scratch []byte

	mod       api.Module
	fnInit    api.Function
	fnCompute api.Function
	fnGet     api.Function
	fnSet     api.Function

	closed bool
}

var _ ModuleInstance = (*Instance)(nil)

func newInstance(ctx context.Context, r *Registry, reg *registration, meta *Meta, blockLen int) (*Instance, error) {
	if blockLen <= 0 {
		return nil, fmt.Errorf("%w: block length %d", ErrInstantiation, blockLen)
	}
	width := meta.SampleWidth()
	numIn := meta.NumInputs
	numOut := meta.NumOutputs

	dspSize := align8(reg.memSize)
	tableSize := align8(uint32(numIn)*4) + align8(uint32(numOut)*4)
	bufSize := uint32(numIn+numOut) * align8(uint32(blockLen*width))
	total := dspSize + tableSize + bufSize

	base, err := r.heap.alloc(total)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		ctx:       ctx,
		heap:      r.heap,
		mem:       r.mem,
		meta:      meta,
		width:     width,
		blockLen:  blockLen,
		base:      base,
		size:      total,
		dsp:       base,
		scratch:   make([]byte, blockLen*8),
		mod:       reg.mod,
		fnInit:    reg.mod.ExportedFunction("init"),
		fnCompute: reg.mod.ExportedFunction("compute"),
		fnGet:     reg.mod.ExportedFunction("getParamValue"),
		fnSet:     reg.mod.ExportedFunction("setParamValue"),
	}
	off := base + dspSize
	inst.ins = off
	off += align8(uint32(numIn) * 4)
	inst.outs = off
	off += align8(uint32(numOut) * 4)
	for ch := 0; ch < numIn; ch++ {
		inst.inBufs = append(inst.inBufs, off)
		if !r.mem.WriteUint32Le(inst.ins+uint32(ch)*4, off) {
			inst.Close()
			return nil, fmt.Errorf("%w: pointer table out of bounds", ErrInstantiation)
		}
		off += align8(uint32(blockLen * width))
	}
	for ch := 0; ch < numOut; ch++ {
		inst.outBufs = append(inst.outBufs, off)
		if !r.mem.WriteUint32Le(inst.outs+uint32(ch)*4, off) {
			inst.Close()
			return nil, fmt.Errorf("%w: pointer table out of bounds", ErrInstantiation)
		}
		off += align8(uint32(blockLen * width))
	}
	if _, err := reg.mod.ExportedFunction("instantiate").Call(ctx, uint64(inst.dsp), uint64(reg.statics)); err != nil {
		inst.Close()
		return nil, fmt.Errorf("%w: instantiate: %v", ErrInstantiation, err)
	}
	return inst, nil
}

// Init resets the internal DSP state for the given sample rate.
func (inst *Instance) Init(sampleRate int) error {
	if _, err := inst.fnInit.Call(inst.ctx, uint64(inst.dsp), uint64(uint32(sampleRate))); err != nil {
		return fmt.Errorf("%w: init: %v", ErrRuntimeFault, err)
	}
	return nil
}

// Compute advances the DSP by frames frames. A nil input channel slice is
// fed as silence. frames must not exceed the block length the instance was
// built with; smaller counts are fine (truncated final block).
func (inst *Instance) Compute(frames int, in [][]float64, out [][]float64) error {
	if frames < 0 || frames > inst.blockLen {
		return fmt.Errorf("%w: compute of %d frames exceeds block length %d", ErrRuntimeFault, frames, inst.blockLen)
	}
	if frames == 0 {
		return nil
	}
	for ch := 0; ch < inst.meta.NumInputs; ch++ {
		var buf []float64
		if ch < len(in) {
			buf = in[ch]
		}
		if err := inst.writeSamples(inst.inBufs[ch], buf, frames); err != nil {
			return err
		}
	}
	if _, err := inst.fnCompute.Call(inst.ctx, uint64(inst.dsp), uint64(uint32(frames)), uint64(inst.ins), uint64(inst.outs)); err != nil {
		return fmt.Errorf("%w: compute: %v", ErrRuntimeFault, err)
	}
	for ch := 0; ch < inst.meta.NumOutputs; ch++ {
		if ch >= len(out) {
			break
		}
		if err := inst.readSamples(inst.outBufs[ch], out[ch], frames); err != nil {
			return err
		}
	}
	return nil
}

func (inst *Instance) writeSamples(off uint32, src []float64, frames int) error {
	b := inst.scratch[:frames*inst.width]
	for i := 0; i < frames; i++ {
		v := 0.0
		if i < len(src) {
			v = src[i]
		}
		if inst.width == 4 {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
		}
	}
	if !inst.mem.Write(off, b) {
		return fmt.Errorf("%w: input buffer out of bounds", ErrRuntimeFault)
	}
	return nil
}

func (inst *Instance) readSamples(off uint32, dst []float64, frames int) error {
	b, ok := inst.mem.Read(off, uint32(frames*inst.width))
	if !ok {
		return fmt.Errorf("%w: output buffer out of bounds", ErrRuntimeFault)
	}
	n := frames
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		if inst.width == 4 {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
		} else {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	}
	return nil
}

// GetParam reads a control value by its path.
func (inst *Instance) GetParam(path string) (float64, error) {
	c := inst.meta.ControlByPath(path)
	if c == nil {
		return 0, fmt.Errorf("unknown param %q", path)
	}
	return inst.GetParamAddr(c.Addr)
}

// SetParam writes a control value by its path.
func (inst *Instance) SetParam(path string, value float64) error {
	c := inst.meta.ControlByPath(path)
	if c == nil {
		return fmt.Errorf("unknown param %q", path)
	}
	return inst.SetParamAddr(c.Addr, value)
}

func (inst *Instance) GetParamAddr(addr uint32) (float64, error) {
	res, err := inst.fnGet.Call(inst.ctx, uint64(inst.dsp), uint64(addr))
	if err != nil {
		return 0, fmt.Errorf("%w: getParamValue: %v", ErrRuntimeFault, err)
	}
	return api.DecodeF64(res[0]), nil
}

func (inst *Instance) SetParamAddr(addr uint32, value float64) error {
	if _, err := inst.fnSet.Call(inst.ctx, uint64(inst.dsp), uint64(addr), api.EncodeF64(value)); err != nil {
		return fmt.Errorf("%w: setParamValue: %v", ErrRuntimeFault, err)
	}
	return nil
}

func (inst *Instance) NumInputs() int  { return inst.meta.NumInputs }
func (inst *Instance) NumOutputs() int { return inst.meta.NumOutputs }
func (inst *Instance) Meta() *Meta     { return inst.meta }

// Close releases the instance's memory region. The shared wasm module
// instance stays registered.
func (inst *Instance) Close() error {
	if inst.closed {
		return nil
	}
	inst.closed = true
	inst.heap.release(inst.base, inst.size)
	return nil
}

// ----- Instantiator ----- //

// Instantiator turns compiled modules into bound instances.
type Instantiator struct {
	Reg      *Registry
	BlockLen int
}

// Mono produces one instance of a compiled module.
func (it *Instantiator) Mono(ctx context.Context, cm *CompiledModule) (*Instance, error) {
	reg, _, err := it.Reg.Register(ctx, cm)
	if err != nil {
		return nil, err
	}
	return newInstance(ctx, it.Reg, reg, cm.Meta, it.BlockLen)
}

// PolySet is the product of a polyphonic instantiation: the voice
// instances, the mixing stage, and an optional effect applied after it.
type PolySet struct {
	Voices []*Instance
	Mixer  *WasmMixer
	Effect *Instance
}

// Poly instantiates voices copies of the voice module, the mixer module,
// and the optional effect module. On any failure everything already
// allocated is released; a PolySet is never partially usable.
func (it *Instantiator) Poly(ctx context.Context, voice, mixer *CompiledModule, effect *CompiledModule, voices int) (*PolySet, error) {
	if voices <= 0 {
		return nil, fmt.Errorf("%w: voice count %d", ErrInstantiation, voices)
	}
	set := &PolySet{}
	fail := func(err error) (*PolySet, error) {
		set.Close()
		return nil, err
	}
	for i := 0; i < voices; i++ {
		inst, err := it.Mono(ctx, voice)
		if err != nil {
			return fail(err)
		}
		set.Voices = append(set.Voices, inst)
	}
	mixInst, err := it.Mono(ctx, mixer)
	if err != nil {
		return fail(err)
	}
	mix, err := newWasmMixer(ctx, it.Reg, mixInst, voices, voice.Meta.NumOutputs, it.BlockLen)
	if err != nil {
		mixInst.Close()
		return fail(err)
	}
	set.Mixer = mix
	if effect != nil {
		eff, err := it.Mono(ctx, effect)
		if err != nil {
			return fail(err)
		}
		set.Effect = eff
	}
	return set, nil
}

// Close releases every instance in the set.
func (s *PolySet) Close() error {
	for _, v := range s.Voices {
		v.Close()
	}
	if s.Mixer != nil {
		s.Mixer.Close()
	}
	if s.Effect != nil {
		s.Effect.Close()
	}
	return nil
}
