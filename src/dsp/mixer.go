package dsp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Mixer sums per-voice output buffers into a node output. dates carries
// each voice's acquisition time in logical blocks so the mixing stage can
// apply its de-click fades deterministically.
type Mixer interface {
	Mix(frames int, voiceOuts [][][]float64, dates []float64, out [][]float64) error
	Close() error
}

// WasmMixer drives a compiled mixer module. On top of the standard
// instance ABI the module exports
//
//	mixVoices(dsp, count, numVoices, voices, dates, output)
//
// where voices is a table of numVoices*channels buffer pointers, dates an
// array of numVoices f64 acquisition dates, and output the instance's own
// output pointer table.
type WasmMixer struct {
	inst      *Instance
	maxVoices int
	channels  int

	base      uint32 // voice pointer table + dates + voice buffers
	size      uint32
	voices    uint32
	dates     uint32
	voiceBufs [][]uint32 // [voice][channel]

	closed bool
}

var _ Mixer = (*WasmMixer)(nil)

func newWasmMixer(ctx context.Context, r *Registry, inst *Instance, maxVoices, channels, blockLen int) (*WasmMixer, error) {
	if inst.mod.ExportedFunction("mixVoices") == nil {
		return nil, fmt.Errorf("%w: mixer module missing export %q", ErrInstantiation, "mixVoices")
	}
	if inst.meta.NumOutputs != channels {
		return nil, fmt.Errorf("%w: mixer has %d outputs, voices have %d", ErrInstantiation, inst.meta.NumOutputs, channels)
	}
	tableSize := align8(uint32(maxVoices*channels) * 4)
	datesSize := uint32(maxVoices) * 8
	bufSize := uint32(maxVoices*channels) * align8(uint32(blockLen*inst.width))
	base, err := r.heap.alloc(tableSize + datesSize + bufSize)
	if err != nil {
		return nil, err
	}
	m := &WasmMixer{
		inst:      inst,
		maxVoices: maxVoices,
		channels:  channels,
		base:      base,
		size:      tableSize + datesSize + bufSize,
		voices:    base,
		dates:     base + tableSize,
	}
	off := base + tableSize + datesSize
	for v := 0; v < maxVoices; v++ {
		var chs []uint32
		for ch := 0; ch < channels; ch++ {
			if !r.mem.WriteUint32Le(m.voices+uint32(v*channels+ch)*4, off) {
				m.Close()
				return nil, fmt.Errorf("%w: voice table out of bounds", ErrInstantiation)
			}
			chs = append(chs, off)
			off += align8(uint32(blockLen * inst.width))
		}
		m.voiceBufs = append(m.voiceBufs, chs)
	}
	return m, nil
}

// Mix copies the voice buffers and dates into the module's memory, runs
// mixVoices and reads the mixed result back into out.
func (m *WasmMixer) Mix(frames int, voiceOuts [][][]float64, dates []float64, out [][]float64) error {
	n := len(voiceOuts)
	if n > m.maxVoices {
		return fmt.Errorf("%w: %d voices exceed mixer capacity %d", ErrRuntimeFault, n, m.maxVoices)
	}
	if len(dates) < n {
		return fmt.Errorf("%w: %d dates for %d voices", ErrRuntimeFault, len(dates), n)
	}
	for v := 0; v < n; v++ {
		for ch := 0; ch < m.channels; ch++ {
			var buf []float64
			if ch < len(voiceOuts[v]) {
				buf = voiceOuts[v][ch]
			}
			if err := m.inst.writeSamples(m.voiceBufs[v][ch], buf, frames); err != nil {
				return err
			}
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(dates[v]))
		if !m.inst.mem.Write(m.dates+uint32(v)*8, b[:]) {
			return fmt.Errorf("%w: dates write out of bounds", ErrRuntimeFault)
		}
	}
	fn := m.inst.mod.ExportedFunction("mixVoices")
	_, err := fn.Call(m.inst.ctx,
		uint64(m.inst.dsp), uint64(uint32(frames)), uint64(uint32(n)),
		uint64(m.voices), uint64(m.dates), uint64(m.inst.outs))
	if err != nil {
		return fmt.Errorf("%w: mixVoices: %v", ErrRuntimeFault, err)
	}
	for ch := 0; ch < m.channels && ch < len(out); ch++ {
		if err := m.inst.readSamples(m.inst.outBufs[ch], out[ch], frames); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the mixer's buffers and its module instance.
func (m *WasmMixer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.inst.heap.release(m.base, m.size)
	return m.inst.Close()
}
