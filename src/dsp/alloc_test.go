package dsp

import (
	"testing"
)

type fakeMemory struct {
	pages uint32
	max   uint32
}

func (m *fakeMemory) Size() uint32 {
	return m.pages * wasmPageSize
}

func (m *fakeMemory) Grow(delta uint32) (uint32, bool) {
	if m.pages+delta > m.max {
		return 0, false
	}
	prev := m.pages
	m.pages += delta
	return prev, true
}

func TestArenaAllocAligns(t *testing.T) {
	a := newArena(&fakeMemory{pages: 1, max: 4})
	off, err := a.alloc(3)
	expectNoError(t, err)
	if off%8 != 0 {
		t.Errorf("offset %d not 8-byte aligned", off)
	}
	if off == 0 {
		t.Error("offset 0 must stay unused")
	}
	next, err := a.alloc(5)
	expectNoError(t, err)
	if next != off+8 {
		t.Errorf("expected back-to-back blocks, got %d after %d", next, off)
	}
}

func TestArenaReleaseCoalesces(t *testing.T) {
	a := newArena(&fakeMemory{pages: 1, max: 1})
	x, err := a.alloc(1024)
	expectNoError(t, err)
	y, err := a.alloc(1024)
	expectNoError(t, err)
	a.release(x, 1024)
	a.release(y, 1024)
	// the combined block must satisfy a request neither half could
	z, err := a.alloc(2048)
	expectNoError(t, err)
	if z != x {
		t.Errorf("expected the coalesced block at %d, got %d", x, z)
	}
}

func TestArenaGrowsOnDemand(t *testing.T) {
	mem := &fakeMemory{pages: 1, max: 8}
	a := newArena(mem)
	_, err := a.alloc(3 * wasmPageSize)
	expectNoError(t, err)
	if mem.pages <= 1 {
		t.Errorf("expected the memory to grow, still %d pages", mem.pages)
	}
}

func TestArenaFailsWhenGrowRefused(t *testing.T) {
	a := newArena(&fakeMemory{pages: 1, max: 1})
	if _, err := a.alloc(2 * wasmPageSize); err == nil {
		t.Error("expected an allocation failure when the memory cannot grow")
	}
}
