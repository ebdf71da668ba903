package memory

import (
	"fmt"
	"sort"
)

// PoisonByte fills freed heap blocks so stale pointers read garbage instead
// of plausible data.
const PoisonByte = 0xfe

const heapAlign = 16

type span struct {
	addr, size uint64
}

// Heap is a first-fit allocator over [base, base+size) of an address space.
// Blocks are 16-byte aligned and zero-filled on allocation.
type Heap struct {
	mem  ReadWriter
	base uint64
	size uint64
	top  uint64 // bump pointer; everything at or above it is free

	free []span            // sorted by addr, coalesced
	live map[uint64]uint64 // addr -> rounded size
	used uint64
}

// NewHeap manages [base, base+size) of mem, which must already be mapped.
func NewHeap(mem ReadWriter, base, size uint64) *Heap {
	return &Heap{
		mem:  mem,
		base: base,
		size: size,
		top:  base,
		live: make(map[uint64]uint64),
	}
}

// Base returns the first heap address.
func (h *Heap) Base() uint64 { return h.base }

// Alloc returns a zeroed block of at least size bytes.
func (h *Heap) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	size = AlignUp(size, heapAlign)

	addr, ok := h.takeFree(size)
	if !ok {
		if h.top+size > h.base+h.size || h.top+size < h.top {
			return 0, fmt.Errorf("alloc %d bytes: %w", size, ErrNoMemory)
		}
		addr = h.top
		h.top += size
	}
	if err := h.mem.Write(addr, make([]byte, size)); err != nil {
		return 0, fmt.Errorf("alloc zero-fill: %w", err)
	}
	h.live[addr] = size
	h.used += size
	return addr, nil
}

func (h *Heap) takeFree(size uint64) (uint64, bool) {
	for i, s := range h.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{s.addr + size, s.size - size}
		}
		return s.addr, true
	}
	return 0, false
}

// Free releases a block returned by Alloc. The block is poisoned.
func (h *Heap) Free(addr uint64) error {
	size, ok := h.live[addr]
	if !ok {
		return fmt.Errorf("free 0x%x: %w", addr, ErrBadFree)
	}
	delete(h.live, addr)
	h.used -= size
	_ = h.mem.Write(addr, poison(size))

	if addr+size == h.top {
		h.top = addr
		// fold a trailing free span into the bump area
		if n := len(h.free); n > 0 && h.free[n-1].addr+h.free[n-1].size == h.top {
			h.top = h.free[n-1].addr
			h.free = h.free[:n-1]
		}
		return nil
	}
	h.insertFree(span{addr, size})
	return nil
}

func (h *Heap) insertFree(s span) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].addr > s.addr })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s
	// merge with successor, then predecessor
	if i+1 < len(h.free) && h.free[i].addr+h.free[i].size == h.free[i+1].addr {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].addr+h.free[i-1].size == h.free[i].addr {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// Realloc resizes a block, moving it when it has to grow.
func (h *Heap) Realloc(addr, size uint64) (uint64, error) {
	if addr == 0 {
		return h.Alloc(size)
	}
	old, ok := h.live[addr]
	if !ok {
		return 0, fmt.Errorf("realloc 0x%x: %w", addr, ErrBadFree)
	}
	if AlignUp(max(size, 1), heapAlign) <= old {
		return addr, nil
	}
	data, err := h.mem.Read(addr, old)
	if err != nil {
		return 0, err
	}
	n, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}
	if err := h.mem.Write(n, data); err != nil {
		return 0, err
	}
	return n, h.Free(addr)
}

// SizeOf returns the usable size of a live block.
func (h *Heap) SizeOf(addr uint64) (uint64, bool) {
	size, ok := h.live[addr]
	return size, ok
}

// Live reports whether addr is the start of an allocated block.
func (h *Heap) Live(addr uint64) bool {
	_, ok := h.live[addr]
	return ok
}

// Owns reports whether addr falls inside the heap range.
func (h *Heap) Owns(addr uint64) bool {
	return addr >= h.base && addr < h.base+h.size
}

// InUse returns the number of allocated bytes.
func (h *Heap) InUse() uint64 { return h.used }

// Count returns the number of live blocks.
func (h *Heap) Count() int { return len(h.live) }

func poison(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = PoisonByte
	}
	return b
}
