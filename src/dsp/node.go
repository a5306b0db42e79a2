package dsp

import (
	"encoding/json"
)

// Node is a ready-to-connect audio-processing node. The control surface is
// the same regardless of which backend executes the DSP.
type Node interface {
	GetParam(path string) (float64, error)
	SetParam(path string, value float64) error
	GetMeta() json.RawMessage
	NumInputs() int
	NumOutputs() int
	Destroy()
}

// PolyNode adds the note event surface of a polyphonic node.
type PolyNode interface {
	Node
	KeyOn(note int, gain float64)
	KeyOff(note int)
	AllNotesOff()
	CtrlChange(ctrl int, value int)
	PitchWheel(semitones float64)
}
