// Package emulator drives a cpu.Backend as a single-threaded guest process:
// address-space layout, stack, heap, stub slots and AAPCS64 calls.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zboralski/tarsier/internal/cpu"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/memory"
	"github.com/zboralski/tarsier/internal/vfs"
	"go.uber.org/zap"
)

// Memory layout constants
const (
	StackBase = 0x80000000
	HeapBase  = 0x90000000
	HeapLimit = 0xD0000000 // heap must end below this
	TLSBase   = 0xDEAC0000 // thread pointer block (TPIDRRO_EL0)
	TLSSize   = 0x00010000
	StubBase  = 0xF0000000 // host stub trampolines
	StubSize  = 0x00100000
	ImageBase = 0x100000000 // first candidate address for loaded images

	// ReturnAddr is loaded into LR for host-initiated calls. Reaching it ends
	// the call; the slot holds BRK so running past it faults.
	ReturnAddr = StubBase

	stubSlot   = 8
	redZone    = 128
	defaultMax = 200_000_000
)

const (
	insnRET = 0xd65f03c0
	insnBRK = 0xd4200000
)

// ErrHalted is returned when a call stops before returning to its caller.
var ErrHalted = errors.New("guest halted before returning")

// Options configure a new Emulator.
type Options struct {
	Backend         string
	StackSize       uint64
	HeapSize        uint64
	MaxInstructions uint64 // per call; 0 disables the watchdog
	RootFS          string // host directory backing guest file access
}

// DefaultOptions returns the layout used when fields are zero.
func DefaultOptions() Options {
	return Options{
		Backend:         "interp",
		StackSize:       0x100000,
		HeapSize:        0x4000000,
		MaxInstructions: defaultMax,
	}
}

// Emulator is one guest process. It is not safe for concurrent use.
type Emulator struct {
	cpu   cpu.Backend
	heap  *memory.Heap
	files *vfs.FS
	opts  Options

	stackTop uint64
	stubNext uint64
	depth    int
}

// New creates an emulator with a fresh backend and maps the fixed regions.
func New(opts Options) (*Emulator, error) {
	def := DefaultOptions()
	if opts.Backend == "" {
		opts.Backend = def.Backend
	}
	if opts.StackSize == 0 {
		opts.StackSize = def.StackSize
	}
	if opts.HeapSize == 0 {
		opts.HeapSize = def.HeapSize
	}
	opts.StackSize = memory.AlignUp(opts.StackSize, memory.PageSize)
	opts.HeapSize = memory.AlignUp(opts.HeapSize, memory.PageSize)
	if HeapBase+opts.HeapSize > HeapLimit {
		return nil, fmt.Errorf("heap size 0x%x exceeds layout", opts.HeapSize)
	}
	if opts.StackSize > HeapBase-StackBase {
		return nil, fmt.Errorf("stack size 0x%x exceeds layout", opts.StackSize)
	}

	backend, err := cpu.Open(opts.Backend)
	if err != nil {
		return nil, err
	}
	e := &Emulator{
		cpu:      backend,
		opts:     opts,
		stackTop: StackBase + opts.StackSize,
		stubNext: StubBase + stubSlot,
		files:    vfs.New(opts.RootFS),
	}
	if err := e.mapMemory(); err != nil {
		backend.Close()
		return nil, err
	}
	e.heap = memory.NewHeap(backend, HeapBase, opts.HeapSize)

	e.cpu.RegWrite(cpu.SP, e.stackTop)
	e.cpu.RegWrite(cpu.TPIDRRO, TLSBase)
	e.cpu.RegWrite(cpu.LR, ReturnAddr)
	return e, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base, size uint64
		prot       memory.Prot
		name       string
	}{
		{StackBase, e.opts.StackSize, memory.ProtRW, "stack"},
		{HeapBase, e.opts.HeapSize, memory.ProtRW, "heap"},
		{TLSBase, TLSSize, memory.ProtRW, "tls"},
		{StubBase, StubSize, memory.ProtRX, "stubs"},
	}
	for _, r := range regions {
		if err := e.cpu.MemMap(r.base, r.size, r.prot, r.name); err != nil {
			return fmt.Errorf("map %s: %w", r.name, err)
		}
	}
	// TLS slot 0 points at itself, as dyld leaves it
	if err := memory.WriteU64(e.cpu, TLSBase, TLSBase); err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], insnBRK)
	return e.cpu.Write(ReturnAddr, b[:])
}

// Close releases the backend.
func (e *Emulator) Close() error {
	e.files.CloseAll()
	return e.cpu.Close()
}

// Backend exposes the underlying CPU.
func (e *Emulator) Backend() cpu.Backend { return e.cpu }

// Files is the guest's file table.
func (e *Emulator) Files() *vfs.FS { return e.files }

// Heap exposes the guest heap allocator.
func (e *Emulator) Heap() *memory.Heap { return e.heap }

// SetHooks installs the interceptor table consulted before each instruction.
func (e *Emulator) SetHooks(h cpu.Hooks) { e.cpu.SetHooks(h) }

// SetTracer installs a per-instruction observer; nil disables tracing.
func (e *Emulator) SetTracer(t cpu.Tracer) { e.cpu.SetTracer(t) }

// SetSyscallHandler installs the SVC handler.
func (e *Emulator) SetSyscallHandler(h cpu.SyscallHandler) { e.cpu.SetSyscallHandler(h) }

// SetMaxInstructions changes the per-call watchdog limit.
func (e *Emulator) SetMaxInstructions(n uint64) { e.opts.MaxInstructions = n }

// Depth reports how many guest calls are currently active.
func (e *Emulator) Depth() int { return e.depth }

// Executed returns the number of instructions retired so far.
func (e *Emulator) Executed() uint64 { return e.cpu.Executed() }

// Map maps a new region.
func (e *Emulator) Map(addr, size uint64, prot memory.Prot, name string) error {
	return e.cpu.MemMap(addr, size, prot, name)
}

// Unmap removes [addr, addr+size).
func (e *Emulator) Unmap(addr, size uint64) error {
	return e.cpu.MemUnmap(addr, size)
}

// Regions lists mapped regions in address order.
func (e *Emulator) Regions() []memory.Region { return e.cpu.MemRegions() }

// FindFree returns a free, page-aligned range of size bytes at or above from.
func (e *Emulator) FindFree(from, size uint64) (uint64, bool) {
	regions := e.cpu.MemRegions()
	addr := memory.AlignUp(from, memory.PageSize)
	size = memory.AlignUp(size, memory.PageSize)
	for _, r := range regions {
		if addr+size <= r.Base {
			break
		}
		if r.End() > addr {
			addr = memory.AlignUp(r.End(), memory.PageSize)
		}
	}
	if addr+size < addr {
		return 0, false
	}
	return addr, true
}

// AllocStub reserves a host trampoline slot. The slot holds RET so a hook
// that lets the instruction run simply returns to the caller.
func (e *Emulator) AllocStub() (uint64, error) {
	if e.stubNext+stubSlot > StubBase+StubSize {
		return 0, fmt.Errorf("stub region exhausted: %w", memory.ErrNoMemory)
	}
	addr := e.stubNext
	e.stubNext += stubSlot
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], insnRET)
	if err := e.cpu.Write(addr, b[:]); err != nil {
		return 0, err
	}
	return addr, nil
}

// IsStub reports whether addr lies in the stub region.
func (e *Emulator) IsStub(addr uint64) bool {
	return addr >= StubBase && addr < StubBase+StubSize
}

// Malloc allocates zeroed guest memory.
func (e *Emulator) Malloc(size uint64) (uint64, error) {
	return e.heap.Alloc(size)
}

// Free releases a Malloc block.
func (e *Emulator) Free(addr uint64) error {
	return e.heap.Free(addr)
}

// AllocString copies s plus a NUL terminator to the heap.
func (e *Emulator) AllocString(s string) (uint64, error) {
	addr, err := e.heap.Alloc(uint64(len(s) + 1))
	if err != nil {
		return 0, err
	}
	return addr, e.MemWriteString(addr, s)
}

// AllocBytes copies data to the heap.
func (e *Emulator) AllocBytes(data []byte) (uint64, error) {
	addr, err := e.heap.Alloc(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	return addr, e.cpu.Write(addr, data)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.cpu.Read(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.cpu.Write(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	return memory.ReadU64(e.cpu, addr)
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	return memory.WriteU64(e.cpu, addr, val)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	return memory.ReadU32(e.cpu, addr)
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	return memory.WriteU32(e.cpu, addr, val)
}

// MemReadU8 reads a single byte from memory
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	b, err := e.cpu.Read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// MemReadString reads a NUL-terminated string of at most maxLen bytes.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	b, err := memory.ReadCString(e.cpu, addr, maxLen)
	return string(b), err
}

// MemWriteString writes a NUL-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	return memory.WriteCString(e.cpu, addr, s)
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	return e.cpu.RegRead(cpu.X0 + cpu.Reg(n))
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) {
	if n < 0 || n > 30 {
		return
	}
	e.cpu.RegWrite(cpu.X0+cpu.Reg(n), val)
}

// D reads the low 64 bits of V<n> as a double.
func (e *Emulator) D(n int) float64 {
	return math.Float64frombits(e.cpu.VecRead(n).Lo)
}

// SetD writes a double to V<n>, clearing the upper bits.
func (e *Emulator) SetD(n int, f float64) {
	e.cpu.VecWrite(n, cpu.Vec{Lo: math.Float64bits(f)})
}

// PC returns the program counter
func (e *Emulator) PC() uint64 { return e.cpu.RegRead(cpu.PC) }

// SetPC sets the program counter
func (e *Emulator) SetPC(v uint64) { e.cpu.RegWrite(cpu.PC, v) }

// SP returns the stack pointer
func (e *Emulator) SP() uint64 { return e.cpu.RegRead(cpu.SP) }

// SetSP sets the stack pointer
func (e *Emulator) SetSP(v uint64) { e.cpu.RegWrite(cpu.SP, v) }

// LR returns the link register
func (e *Emulator) LR() uint64 { return e.cpu.RegRead(cpu.LR) }

// SetLR sets the link register
func (e *Emulator) SetLR(v uint64) { e.cpu.RegWrite(cpu.LR, v) }

// Stop halts the innermost running call.
func (e *Emulator) Stop() { e.cpu.Stop() }

// Arg is one call argument. Floats travel in D registers.
type Arg struct {
	Bits  uint64
	Float bool
}

// Int returns an integer or pointer argument.
func Int(v uint64) Arg { return Arg{Bits: v} }

// Double returns a double-precision argument.
func Double(f float64) Arg { return Arg{Bits: math.Float64bits(f), Float: true} }

// Result holds the return registers of a call.
type Result struct {
	X0, X1 uint64
	D0     float64
}

// Call invokes the function at addr with integer arguments and returns X0.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	in := make([]Arg, len(args))
	for i, a := range args {
		in[i] = Int(a)
	}
	res, err := e.Invoke(addr, in)
	return res.X0, err
}

// Invoke calls addr following AAPCS64: the first eight integer arguments in
// X0-X7, the first eight floats in D0-D7, the rest on the stack. Invoke may
// be called from inside a hook; the interrupted guest state is saved and
// restored around the nested call.
func (e *Emulator) Invoke(addr uint64, args []Arg) (Result, error) {
	saved := e.cpu.Save()
	e.depth++
	defer func() {
		e.depth--
		e.cpu.Restore(saved)
	}()

	sp := e.stackTop
	if e.depth > 1 {
		sp = memory.AlignDown(saved.SP-redZone, 16)
	}

	var ints, floats int
	var spill []uint64
	for _, a := range args {
		switch {
		case a.Float && floats < 8:
			e.cpu.VecWrite(floats, cpu.Vec{Lo: a.Bits})
			floats++
		case !a.Float && ints < 8:
			e.cpu.RegWrite(cpu.X0+cpu.Reg(ints), a.Bits)
			ints++
		default:
			spill = append(spill, a.Bits)
		}
	}
	if len(spill) > 0 {
		sp = memory.AlignDown(sp-uint64(8*len(spill)), 16)
		buf := make([]byte, 8*len(spill))
		for i, v := range spill {
			binary.LittleEndian.PutUint64(buf[i*8:], v)
		}
		if err := e.cpu.Write(sp, buf); err != nil {
			return Result{}, fmt.Errorf("spill arguments: %w", err)
		}
	}
	if sp <= StackBase {
		return Result{}, fmt.Errorf("call 0x%x: stack exhausted", addr)
	}

	e.cpu.RegWrite(cpu.SP, sp)
	e.cpu.RegWrite(cpu.LR, ReturnAddr)
	e.cpu.RegWrite(cpu.PC, addr)

	if glog.L != nil {
		glog.L.Debug("call", glog.Addr(addr), zap.Int("args", len(args)), zap.Int("depth", e.depth))
	}

	err := e.cpu.Run(ReturnAddr, e.opts.MaxInstructions)
	res := Result{
		X0: e.cpu.RegRead(cpu.X0),
		X1: e.cpu.RegRead(cpu.X1),
		D0: math.Float64frombits(e.cpu.VecRead(0).Lo),
	}
	if err != nil {
		return res, err
	}
	if pc := e.cpu.RegRead(cpu.PC); pc != ReturnAddr {
		return res, fmt.Errorf("call 0x%x stopped at 0x%x: %w", addr, pc, ErrHalted)
	}
	return res, nil
}
