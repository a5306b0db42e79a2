package dsp

import (
	"fmt"
	"log"
	"math"
)

// ----- Voice ----- //

type voiceState int

const (
	voiceIdle voiceState = iota
	voicePlaying
	voiceReleasing
)

// Voice pairs one instance with its playback lifecycle. date is the
// logical block counter at acquisition; the pool never consults the wall
// clock, so a fixed event sequence renders bit-identically across runs.
type Voice struct {
	inst   ModuleInstance
	note   int
	gain   float64
	date   uint64
	seq    uint64
	state  voiceState
	silent int
	out    [][]float64
}

func (v *Voice) Note() int { return v.note }

// ----- Pool ----- //

// PoolConfig tunes the polyphonic pool. SilentBlocks is the number of
// consecutive blocks a releasing voice must stay below SilenceThreshold
// before it returns to the idle pool.
type PoolConfig struct {
	Voices           int
	SilentBlocks     int
	SilenceThreshold float64
}

// DefaultPoolConfig returns the pool defaults (16 voices, 8 silent blocks).
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Voices:           16,
		SilentBlocks:     8,
		SilenceThreshold: 1e-6,
	}
}

// Pool owns the voice instances and the mixing stage of a polyphonic node.
type Pool struct {
	cfg      PoolConfig
	voices   []*Voice
	mixer    Mixer
	effect   ModuleInstance
	blockLen int
	channels int

	freq *Control
	gain *Control
	gate *Control

	block uint64
	seq   uint64
	bend  float64 // pitch wheel, frequency ratio

	mixBuf    [][]float64
	voiceOuts [][][]float64
	dates     []float64
}

// NewPool wires voice instances to a mixing stage. The voice module is
// driven through its conventional freq/gain/gate controls, resolved once
// from the metadata.
func NewPool(voices []ModuleInstance, mixer Mixer, effect ModuleInstance, blockLen int, cfg PoolConfig) (*Pool, error) {
	if len(voices) == 0 {
		return nil, fmt.Errorf("%w: empty voice set", ErrInstantiation)
	}
	if cfg.SilentBlocks <= 0 {
		cfg.SilentBlocks = DefaultPoolConfig().SilentBlocks
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultPoolConfig().SilenceThreshold
	}
	meta := voices[0].Meta()
	p := &Pool{
		cfg:      cfg,
		mixer:    mixer,
		effect:   effect,
		blockLen: blockLen,
		channels: meta.NumOutputs,
		freq:     meta.ControlByPath("freq"),
		gain:     meta.ControlByPath("gain"),
		gate:     meta.ControlByPath("gate"),
		bend:     1.0,
	}
	if p.gate == nil {
		return nil, fmt.Errorf("%w: voice module declares no gate control", ErrInstantiation)
	}
	for _, inst := range voices {
		v := &Voice{inst: inst}
		for ch := 0; ch < p.channels; ch++ {
			v.out = append(v.out, make([]float64, blockLen))
		}
		p.voices = append(p.voices, v)
	}
	for ch := 0; ch < p.channels; ch++ {
		p.mixBuf = append(p.mixBuf, make([]float64, blockLen))
	}
	p.voiceOuts = make([][][]float64, 0, len(voices))
	p.dates = make([]float64, 0, len(voices))
	return p, nil
}

// Init resets every instance in the pool.
func (p *Pool) Init(sampleRate int) error {
	for _, v := range p.voices {
		if err := v.inst.Init(sampleRate); err != nil {
			return err
		}
	}
	if p.effect != nil {
		if err := p.effect.Init(sampleRate); err != nil {
			return err
		}
	}
	return nil
}

func noteToFreq(note int) float64 {
	return 440.0 * math.Pow(2, float64(note-69)/12)
}

// pick implements voice stealing: an idle voice if one exists, else the
// oldest releasing voice, else the oldest playing voice. Ties break by
// insertion order because the scan is in insertion order.
func (p *Pool) pick() *Voice {
	var oldestReleasing, oldestPlaying *Voice
	for _, v := range p.voices {
		switch v.state {
		case voiceIdle:
			return v
		case voiceReleasing:
			if oldestReleasing == nil || v.seq < oldestReleasing.seq {
				oldestReleasing = v
			}
		case voicePlaying:
			if oldestPlaying == nil || v.seq < oldestPlaying.seq {
				oldestPlaying = v
			}
		}
	}
	if oldestReleasing != nil {
		return oldestReleasing
	}
	return oldestPlaying
}

// NoteOn acquires a voice for note, stealing one if the pool is full.
func (p *Pool) NoteOn(note int, gain float64) *Voice {
	v := p.pick()
	if v.state != voiceIdle {
		// implicit cut of the stolen voice's prior note
		v.inst.SetParamAddr(p.gate.Addr, 0)
	}
	if p.freq != nil {
		v.inst.SetParamAddr(p.freq.Addr, noteToFreq(note)*p.bend)
	}
	if p.gain != nil {
		v.inst.SetParamAddr(p.gain.Addr, gain)
	}
	v.inst.SetParamAddr(p.gate.Addr, 1)
	v.note = note
	v.gain = gain
	v.date = p.block
	p.seq++
	v.seq = p.seq
	v.state = voicePlaying
	v.silent = 0
	return v
}

// NoteOff releases the most recently acquired voice holding note.
func (p *Pool) NoteOff(note int) {
	var target *Voice
	for _, v := range p.voices {
		if v.state == voicePlaying && v.note == note {
			if target == nil || v.seq > target.seq {
				target = v
			}
		}
	}
	if target == nil {
		return
	}
	target.inst.SetParamAddr(p.gate.Addr, 0)
	target.state = voiceReleasing
	target.silent = 0
}

// AllNotesOff forces every sounding voice into release.
func (p *Pool) AllNotesOff() {
	for _, v := range p.voices {
		if v.state == voicePlaying {
			v.inst.SetParamAddr(p.gate.Addr, 0)
			v.state = voiceReleasing
			v.silent = 0
		}
	}
}

// PitchWheel applies a bend in semitones to all playing voices and to
// subsequent note-ons.
func (p *Pool) PitchWheel(semitones float64) {
	p.bend = math.Pow(2, semitones/12)
	if p.freq == nil {
		return
	}
	for _, v := range p.voices {
		if v.state == voicePlaying {
			v.inst.SetParamAddr(p.freq.Addr, noteToFreq(v.note)*p.bend)
		}
	}
}

// CtrlChange handles channel-mode messages; everything else is ignored
// here and left to explicit SetParam calls.
func (p *Pool) CtrlChange(ctrl int, value int) {
	switch ctrl {
	case 120, 123: // all sound off, all notes off
		p.AllNotesOff()
	default:
		log.Printf("ignoring ctrl change %d=%d\n", ctrl, value)
	}
}

// Active counts voices that are not idle.
func (p *Pool) Active() int {
	n := 0
	for _, v := range p.voices {
		if v.state != voiceIdle {
			n++
		}
	}
	return n
}

// Compute advances every sounding voice into its private buffers, mixes
// them into out and applies the optional effect. Releasing voices that
// stay silent long enough return to the idle pool.
func (p *Pool) Compute(frames int, in [][]float64, out [][]float64) error {
	p.voiceOuts = p.voiceOuts[:0]
	p.dates = p.dates[:0]
	for _, v := range p.voices {
		if v.state == voiceIdle {
			continue
		}
		if err := v.inst.Compute(frames, in, v.out); err != nil {
			return err
		}
		p.voiceOuts = append(p.voiceOuts, v.out)
		p.dates = append(p.dates, float64(v.date))
	}
	target := out
	if p.effect != nil {
		target = p.mixBuf
	}
	if err := p.mixer.Mix(frames, p.voiceOuts, p.dates, target); err != nil {
		return err
	}
	if p.effect != nil {
		if err := p.effect.Compute(frames, p.mixBuf, out); err != nil {
			return err
		}
	}
	for _, v := range p.voices {
		if v.state != voiceReleasing {
			continue
		}
		if blockSilent(v.out, frames, p.cfg.SilenceThreshold) {
			v.silent++
			if v.silent >= p.cfg.SilentBlocks {
				v.state = voiceIdle
				v.silent = 0
			}
		} else {
			v.silent = 0
		}
	}
	p.block++
	return nil
}

// The pool satisfies ModuleInstance so both backends can drive mono
// modules and polyphonic pools the same way. Parameter writes fan out to
// every voice (or to the effect when the path belongs to it); reads come
// from the first voice.

var _ ModuleInstance = (*Pool)(nil)

func (p *Pool) GetParam(path string) (float64, error) {
	if p.effect != nil {
		if p.effect.Meta().ControlByPath(path) != nil {
			return p.effect.GetParam(path)
		}
	}
	return p.voices[0].inst.GetParam(path)
}

func (p *Pool) SetParam(path string, value float64) error {
	if p.effect != nil {
		if p.effect.Meta().ControlByPath(path) != nil {
			return p.effect.SetParam(path, value)
		}
	}
	c := p.voices[0].inst.Meta().ControlByPath(path)
	if c == nil {
		return fmt.Errorf("unknown param %q", path)
	}
	return p.SetParamAddr(c.Addr, value)
}

func (p *Pool) GetParamAddr(addr uint32) (float64, error) {
	return p.voices[0].inst.GetParamAddr(addr)
}

func (p *Pool) SetParamAddr(addr uint32, value float64) error {
	for _, v := range p.voices {
		if err := v.inst.SetParamAddr(addr, value); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) NumInputs() int  { return p.voices[0].inst.NumInputs() }
func (p *Pool) NumOutputs() int { return p.channels }
func (p *Pool) Meta() *Meta     { return p.voices[0].inst.Meta() }

// ControlByPath resolves a path the way SetParam routes it: the effect
// module's controls first, then the voice module's.
func (p *Pool) ControlByPath(path string) *Control {
	if p.effect != nil {
		if c := p.effect.Meta().ControlByPath(path); c != nil {
			return c
		}
	}
	return p.voices[0].inst.Meta().ControlByPath(path)
}

func blockSilent(out [][]float64, frames int, threshold float64) bool {
	for _, ch := range out {
		n := frames
		if len(ch) < n {
			n = len(ch)
		}
		for i := 0; i < n; i++ {
			if math.Abs(ch[i]) > threshold {
				return false
			}
		}
	}
	return true
}

// Close releases every instance owned by the pool.
func (p *Pool) Close() error {
	for _, v := range p.voices {
		v.inst.Close()
	}
	if p.mixer != nil {
		p.mixer.Close()
	}
	if p.effect != nil {
		p.effect.Close()
	}
	return nil
}
