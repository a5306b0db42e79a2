package dsp

import (
	"context"
	"errors"
	"testing"
)

func TestMixRejectsShortDates(t *testing.T) {
	m := &WasmMixer{inst: &Instance{}, maxVoices: 4, channels: 1}
	voiceOuts := [][][]float64{{make([]float64, 8)}, {make([]float64, 8)}}
	out := [][]float64{make([]float64, 8)}
	err := m.Mix(8, voiceOuts, []float64{1}, out)
	if !errors.Is(err, ErrRuntimeFault) {
		t.Fatalf("expected a runtime fault on mismatched dates, got %v", err)
	}
}

func TestMixRejectsExcessVoices(t *testing.T) {
	m := &WasmMixer{inst: &Instance{}, maxVoices: 1, channels: 1}
	voiceOuts := [][][]float64{{make([]float64, 8)}, {make([]float64, 8)}}
	out := [][]float64{make([]float64, 8)}
	err := m.Mix(8, voiceOuts, []float64{1, 2}, out)
	if !errors.Is(err, ErrRuntimeFault) {
		t.Fatalf("expected a runtime fault on excess voices, got %v", err)
	}
}

func TestWriteSamplesOutOfBoundsFails(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(ctx)
	expectNoError(t, err)
	defer reg.Close(ctx)
	inst := &Instance{mem: reg.mem, width: 8, scratch: make([]byte, 64)}
	err = inst.writeSamples(reg.mem.Size(), []float64{1, 2}, 2)
	if !errors.Is(err, ErrRuntimeFault) {
		t.Fatalf("expected a runtime fault on an out-of-bounds write, got %v", err)
	}
}
