// Package memory implements the emulated process address space: a set of
// non-overlapping mapped regions with page permissions, and a heap allocator
// that carves guest buffers out of one of them.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PageSize is the mapping granularity. It matches unicorn's ARM64 page size.
const PageSize = 0x1000

// Prot is a set of page permissions.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
	ProtRW         = ProtRead | ProtWrite
	ProtRX         = ProtRead | ProtExec
	ProtAll        = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParseProt parses "rwx"-style strings; '-' and missing letters clear a bit.
func ParseProt(s string) (Prot, error) {
	var p Prot
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= ProtRead
		case 'w':
			p |= ProtWrite
		case 'x':
			p |= ProtExec
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission %q", s)
		}
	}
	return p, nil
}

var (
	ErrUnmapped   = errors.New("unmapped memory")
	ErrProtection = errors.New("protection violation")
	ErrOverlap    = errors.New("region overlaps existing mapping")
	ErrAlignment  = errors.New("address or size not page aligned")
	ErrNoMemory   = errors.New("out of memory")
	ErrBadFree    = errors.New("free of unallocated pointer")
)

// AccessError describes a failed memory access.
type AccessError struct {
	Op   string // "read", "write" or "fetch"
	Addr uint64
	Size uint64
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s of %d bytes at 0x%x: %v", e.Op, e.Size, e.Addr, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Region is one mapped range of the address space.
type Region struct {
	Base uint64
	Size uint64
	Prot Prot
	Name string

	data []byte
}

// End returns the first address past the region.
func (r *Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// Overlaps reports whether [base, base+size) intersects the region.
func (r *Region) Overlaps(base, size uint64) bool {
	return base < r.End() && r.Base < base+size
}

// Image is a flat emulated address space. It is not safe for concurrent use.
type Image struct {
	regions []*Region // sorted by Base
	last    *Region
}

// New returns an empty address space.
func New() *Image {
	return &Image{}
}

// Map creates a zero-filled region. Base and size must be page aligned and
// the range must not intersect any existing region.
func (m *Image) Map(base, size uint64, prot Prot, name string) error {
	if size == 0 || base%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("map %s 0x%x+0x%x: %w", name, base, size, ErrAlignment)
	}
	if base+size < base {
		return fmt.Errorf("map %s 0x%x+0x%x: address wraps", name, base, size)
	}
	for _, r := range m.regions {
		if r.Overlaps(base, size) {
			return fmt.Errorf("map %s 0x%x+0x%x over %s: %w", name, base, size, r.Name, ErrOverlap)
		}
	}
	r := &Region{Base: base, Size: size, Prot: prot, Name: name, data: make([]byte, size)}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return nil
}

// Unmap removes [base, base+size), splitting regions that straddle it.
func (m *Image) Unmap(base, size uint64) error {
	if base%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("unmap 0x%x+0x%x: %w", base, size, ErrAlignment)
	}
	if !m.IsMapped(base, size) {
		return &AccessError{Op: "unmap", Addr: base, Size: size, Err: ErrUnmapped}
	}
	m.split(base, size, func(*Region) bool { return false })
	return nil
}

// Protect changes permissions of [base, base+size).
func (m *Image) Protect(base, size uint64, prot Prot) error {
	if base%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("protect 0x%x+0x%x: %w", base, size, ErrAlignment)
	}
	if !m.IsMapped(base, size) {
		return &AccessError{Op: "protect", Addr: base, Size: size, Err: ErrUnmapped}
	}
	m.split(base, size, func(r *Region) bool {
		r.Prot = prot
		return true
	})
	return nil
}

// split cuts every region intersecting [base, base+size) so that the
// intersecting part becomes its own region, then hands that part to keep.
// Parts for which keep returns false are dropped.
func (m *Image) split(base, size uint64, keep func(*Region) bool) {
	end := base + size
	var out []*Region
	for _, r := range m.regions {
		if !r.Overlaps(base, size) {
			out = append(out, r)
			continue
		}
		lo, hi := max(r.Base, base), min(r.End(), end)
		if r.Base < lo {
			out = append(out, &Region{Base: r.Base, Size: lo - r.Base, Prot: r.Prot, Name: r.Name, data: r.data[:lo-r.Base]})
		}
		mid := &Region{Base: lo, Size: hi - lo, Prot: r.Prot, Name: r.Name, data: r.data[lo-r.Base : hi-r.Base]}
		if keep(mid) {
			out = append(out, mid)
		}
		if hi < r.End() {
			out = append(out, &Region{Base: hi, Size: r.End() - hi, Prot: r.Prot, Name: r.Name, data: r.data[hi-r.Base:]})
		}
	}
	m.regions = out
	m.last = nil
}

// Regions returns a snapshot of the mapped regions in address order.
func (m *Image) Regions() []Region {
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = Region{Base: r.Base, Size: r.Size, Prot: r.Prot, Name: r.Name}
	}
	return out
}

// Find returns the region containing addr.
func (m *Image) Find(addr uint64) (*Region, bool) {
	if r := m.last; r != nil && r.Contains(addr) {
		return r, true
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		m.last = m.regions[i]
		return m.regions[i], true
	}
	return nil, false
}

// IsMapped reports whether every byte of [addr, addr+size) is mapped.
func (m *Image) IsMapped(addr, size uint64) bool {
	for size > 0 {
		r, ok := m.Find(addr)
		if !ok {
			return false
		}
		n := min(size, r.End()-addr)
		addr += n
		size -= n
	}
	return true
}

// FindFree returns the lowest page-aligned address >= from where size bytes
// fit without touching an existing region.
func (m *Image) FindFree(from, size, align uint64) (uint64, bool) {
	if align < PageSize {
		align = PageSize
	}
	size = AlignUp(size, PageSize)
	addr := AlignUp(from, align)
	for _, r := range m.regions {
		if r.End() <= addr {
			continue
		}
		if addr+size <= r.Base {
			return addr, true
		}
		addr = AlignUp(r.End(), align)
	}
	if addr+size < addr {
		return 0, false
	}
	return addr, true
}

// access walks [addr, addr+len(buf)) region by region, checking need, and
// calls fn with the overlapping slice of region memory.
func (m *Image) access(op string, addr uint64, n int, need Prot, fn func(mem []byte, off int)) error {
	size := uint64(n)
	done := 0
	for done < n {
		cur := addr + uint64(done)
		r, ok := m.Find(cur)
		if !ok {
			return &AccessError{Op: op, Addr: addr, Size: size, Err: ErrUnmapped}
		}
		if r.Prot&need != need {
			return &AccessError{Op: op, Addr: addr, Size: size, Err: ErrProtection}
		}
		start := cur - r.Base
		chunk := min(uint64(n-done), r.Size-start)
		fn(r.data[start:start+chunk], done)
		done += int(chunk)
	}
	return nil
}

// Read copies size bytes at addr. Permissions are not checked.
func (m *Image) Read(addr, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if err := m.ReadInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadInto fills buf from addr. Permissions are not checked.
func (m *Image) ReadInto(addr uint64, buf []byte) error {
	return m.access("read", addr, len(buf), ProtNone, func(mem []byte, off int) {
		copy(buf[off:], mem)
	})
}

// Write copies data to addr. Permissions are not checked.
func (m *Image) Write(addr uint64, data []byte) error {
	return m.access("write", addr, len(data), ProtNone, func(mem []byte, off int) {
		copy(mem, data[off:])
	})
}

// Load is the permission-checked read used by the CPU.
func (m *Image) Load(addr uint64, buf []byte) error {
	if r, ok := m.Find(addr); ok && addr+uint64(len(buf)) <= r.End() && r.Prot&ProtRead != 0 {
		copy(buf, r.data[addr-r.Base:])
		return nil
	}
	return m.access("read", addr, len(buf), ProtRead, func(mem []byte, off int) {
		copy(buf[off:], mem)
	})
}

// Store is the permission-checked write used by the CPU.
func (m *Image) Store(addr uint64, data []byte) error {
	if r, ok := m.Find(addr); ok && addr+uint64(len(data)) <= r.End() && r.Prot&ProtWrite != 0 {
		copy(r.data[addr-r.Base:], data)
		return nil
	}
	return m.access("write", addr, len(data), ProtWrite, func(mem []byte, off int) {
		copy(mem, data[off:])
	})
}

// Fetch reads one instruction word from executable memory.
func (m *Image) Fetch(addr uint64) (uint32, error) {
	if r, ok := m.Find(addr); ok && addr+4 <= r.End() && r.Prot&ProtExec != 0 {
		return binary.LittleEndian.Uint32(r.data[addr-r.Base:]), nil
	}
	var buf [4]byte
	err := m.access("fetch", addr, 4, ProtExec, func(mem []byte, off int) {
		copy(buf[off:], mem)
	})
	return binary.LittleEndian.Uint32(buf[:]), err
}

// Fill writes size copies of b starting at addr. Permissions are not checked.
func (m *Image) Fill(addr, size uint64, b byte) error {
	return m.access("write", addr, int(size), ProtNone, func(mem []byte, _ int) {
		for i := range mem {
			mem[i] = b
		}
	})
}

// AlignUp rounds v up to a multiple of align (a power of two).
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align (a power of two).
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
