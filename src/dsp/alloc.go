package dsp

import (
	"fmt"
	"sync"
)

const wasmPageSize = 65536

// growMemory is the slice of api.Memory the allocator needs.
type growMemory interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
}

// arena hands out blocks of the shared env memory. Instances, pointer
// tables and audio buffers all live here so that every module instance in
// the runtime can reach them. First-fit free list with coalescing; grows
// the underlying memory when the list runs dry.
type arena struct {
	mu   sync.Mutex
	mem  growMemory
	free []arenaBlock // sorted by offset
}

type arenaBlock struct {
	off  uint32
	size uint32
}

func newArena(mem growMemory) *arena {
	// offset 0 stays unused so a zero pointer is never a valid block
	return &arena{
		mem:  mem,
		free: []arenaBlock{{off: 8, size: mem.Size() - 8}},
	}
}

func align8(n uint32) uint32 {
	return (n + 7) &^ 7
}

func (a *arena) alloc(size uint32) (uint32, error) {
	if size == 0 {
		size = 8
	}
	size = align8(size)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range a.free {
		if b.size >= size {
			a.free[i].off += size
			a.free[i].size -= size
			if a.free[i].size == 0 {
				a.free = append(a.free[:i], a.free[i+1:]...)
			}
			return b.off, nil
		}
	}
	// grow by at least one page beyond the request
	delta := (size+wasmPageSize-1)/wasmPageSize + 1
	prev, ok := a.mem.Grow(delta)
	if !ok {
		return 0, fmt.Errorf("%w: cannot grow memory by %d pages", ErrInstantiation, delta)
	}
	off := prev * wasmPageSize
	a.insertFree(arenaBlock{off: off, size: delta * wasmPageSize})
	for i, b := range a.free {
		if b.size >= size {
			a.free[i].off += size
			a.free[i].size -= size
			if a.free[i].size == 0 {
				a.free = append(a.free[:i], a.free[i+1:]...)
			}
			return b.off, nil
		}
	}
	return 0, fmt.Errorf("%w: allocation of %d bytes failed after grow", ErrInstantiation, size)
}

func (a *arena) release(off uint32, size uint32) {
	if off == 0 {
		return
	}
	a.mu.Lock()
	a.insertFree(arenaBlock{off: off, size: align8(size)})
	a.mu.Unlock()
}

// insertFree keeps the list sorted and merges adjacent blocks.
// Caller holds mu.
func (a *arena) insertFree(nb arenaBlock) {
	i := 0
	for i < len(a.free) && a.free[i].off < nb.off {
		i++
	}
	a.free = append(a.free, arenaBlock{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = nb
	// merge with next
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// merge with previous
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}
