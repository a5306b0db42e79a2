package dsp

import (
	"encoding/json"
)

// SyncNode is the block-synchronous backend: the caller drives compute in
// its own context with a per-block callback. Parameter access mutates the
// instance directly; it is safe between Process calls, never during one.
type SyncNode struct {
	proc ModuleInstance
	pool *Pool // nil for mono nodes
}

var _ Node = (*SyncNode)(nil)
var _ PolyNode = (*SyncNode)(nil)

func newSyncNode(proc ModuleInstance, pool *Pool) *SyncNode {
	return &SyncNode{proc: proc, pool: pool}
}

// Process computes one block of frames frames.
func (n *SyncNode) Process(frames int, in [][]float64, out [][]float64) error {
	return n.proc.Compute(frames, in, out)
}

func (n *SyncNode) GetParam(path string) (float64, error) {
	return n.proc.GetParam(path)
}

func (n *SyncNode) SetParam(path string, value float64) error {
	return n.proc.SetParam(path, value)
}

func (n *SyncNode) GetMeta() json.RawMessage {
	return n.proc.Meta().Raw()
}

func (n *SyncNode) NumInputs() int  { return n.proc.NumInputs() }
func (n *SyncNode) NumOutputs() int { return n.proc.NumOutputs() }

// Destroy releases the underlying instance(s).
func (n *SyncNode) Destroy() {
	n.proc.Close()
}

// Note surface; no-ops on a mono node.

func (n *SyncNode) KeyOn(note int, gain float64) {
	if n.pool != nil {
		n.pool.NoteOn(note, gain)
	}
}

func (n *SyncNode) KeyOff(note int) {
	if n.pool != nil {
		n.pool.NoteOff(note)
	}
}

func (n *SyncNode) AllNotesOff() {
	if n.pool != nil {
		n.pool.AllNotesOff()
	}
}

func (n *SyncNode) CtrlChange(ctrl int, value int) {
	if n.pool != nil {
		n.pool.CtrlChange(ctrl, value)
	}
}

func (n *SyncNode) PitchWheel(semitones float64) {
	if n.pool != nil {
		n.pool.PitchWheel(semitones)
	}
}
