//go:build unicorn

// Package unicorn implements cpu.Backend on unicorn-engine. Importing it
// registers the "unicorn" backend:
//
//	import _ "github.com/zboralski/tarsier/internal/cpu/unicorn"
package unicorn

import (
	"encoding/binary"
	"fmt"
	"sort"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/memory"
)

func init() {
	cpu.Register("unicorn", func() (cpu.Backend, error) { return New() })
}

// unicorn exception numbers delivered to HOOK_INTR
const (
	excpSWI  = 2
	excpBKPT = 7
)

var xregs = [31]int{
	uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3,
	uc.ARM64_REG_X4, uc.ARM64_REG_X5, uc.ARM64_REG_X6, uc.ARM64_REG_X7,
	uc.ARM64_REG_X8, uc.ARM64_REG_X9, uc.ARM64_REG_X10, uc.ARM64_REG_X11,
	uc.ARM64_REG_X12, uc.ARM64_REG_X13, uc.ARM64_REG_X14, uc.ARM64_REG_X15,
	uc.ARM64_REG_X16, uc.ARM64_REG_X17, uc.ARM64_REG_X18, uc.ARM64_REG_X19,
	uc.ARM64_REG_X20, uc.ARM64_REG_X21, uc.ARM64_REG_X22, uc.ARM64_REG_X23,
	uc.ARM64_REG_X24, uc.ARM64_REG_X25, uc.ARM64_REG_X26, uc.ARM64_REG_X27,
	uc.ARM64_REG_X28, uc.ARM64_REG_X29, uc.ARM64_REG_X30,
}

func ucReg(r cpu.Reg) (int, bool) {
	switch {
	case r >= cpu.X0 && r <= cpu.X30:
		return xregs[r], true
	case r == cpu.SP:
		return uc.ARM64_REG_SP, true
	case r == cpu.PC:
		return uc.ARM64_REG_PC, true
	case r == cpu.NZCV:
		return uc.ARM64_REG_NZCV, true
	case r == cpu.TPIDR:
		return uc.ARM64_REG_TPIDR_EL0, true
	case r == cpu.TPIDRRO:
		return uc.ARM64_REG_TPIDRRO_EL0, true
	case r == cpu.FPCR:
		return uc.ARM64_REG_FPCR, true
	case r == cpu.FPSR:
		return uc.ARM64_REG_FPSR, true
	}
	return 0, false
}

// Backend runs guest code on unicorn. Only the low 64 bits of each vector
// register are exchanged with the host.
type Backend struct {
	mu    uc.Unicorn
	names map[uint64]string

	hooks    cpu.Hooks
	tracer   cpu.Tracer
	syscall  cpu.SyscallHandler
	executed uint64

	// per-run state
	until, limit uint64
	count        uint64
	stopped      bool
	fault        error
	consulted    uint64
	hasConsulted bool
}

// New creates a unicorn ARM64 instance with its hooks installed.
func New() (*Backend, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	b := &Backend{mu: mu, names: make(map[uint64]string)}
	if err := b.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) setupHooks() error {
	if _, err := b.mu.HookAdd(uc.HOOK_CODE, b.onCode, 1, 0); err != nil {
		return fmt.Errorf("code hook: %w", err)
	}
	if _, err := b.mu.HookAdd(uc.HOOK_INTR, b.onInterrupt, 1, 0); err != nil {
		return fmt.Errorf("interrupt hook: %w", err)
	}
	if _, err := b.mu.HookAdd(uc.HOOK_MEM_INVALID, b.onInvalid, 1, 0); err != nil {
		return fmt.Errorf("memory hook: %w", err)
	}
	return nil
}

func (b *Backend) halt(err error) {
	if b.fault == nil {
		b.fault = err
	}
	b.stopped = true
	b.mu.Stop()
}

func (b *Backend) onCode(mu uc.Unicorn, addr uint64, size uint32) {
	if b.stopped {
		mu.Stop()
		return
	}
	if b.until != 0 && addr == b.until {
		b.stopped = true
		mu.Stop()
		return
	}

	if b.hooks != nil && !(b.hasConsulted && b.consulted == addr) {
		if h, ok := b.hooks.Lookup(addr); ok {
			act, err := h()
			if err != nil {
				b.halt(&cpu.ExecutionFault{Kind: cpu.FaultHook, PC: addr, Err: err})
				return
			}
			switch act {
			case cpu.Return:
				lr, _ := mu.RegRead(uc.ARM64_REG_X30)
				mu.RegWrite(uc.ARM64_REG_PC, lr)
				b.hasConsulted = false
				return
			case cpu.Resume:
				if pc, _ := mu.RegRead(uc.ARM64_REG_PC); pc != addr {
					b.hasConsulted = false
					return
				}
			case cpu.Stop:
				b.stopped = true
				mu.Stop()
				return
			}
		}
	}
	b.hasConsulted = false

	if b.limit > 0 && b.count >= b.limit {
		b.halt(&cpu.ExecutionFault{Kind: cpu.FaultWatchdog, PC: addr})
		return
	}
	if b.tracer != nil {
		b.tracer(addr, b.fetch(addr))
	}
	b.count++
	b.executed++
}

func (b *Backend) fetch(addr uint64) uint32 {
	data, err := b.mu.MemRead(addr, 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(data)
}

func (b *Backend) onInterrupt(mu uc.Unicorn, intno uint32) {
	pc, _ := mu.RegRead(uc.ARM64_REG_PC)
	switch intno {
	case excpSWI:
		// PC already points past the SVC
		insn := b.fetch(pc - 4)
		if b.syscall == nil {
			b.halt(&cpu.ExecutionFault{Kind: cpu.FaultSyscall, PC: pc - 4, Insn: insn})
			return
		}
		if err := b.syscall(uint16(insn >> 5)); err != nil {
			b.halt(&cpu.ExecutionFault{Kind: cpu.FaultSyscall, PC: pc - 4, Insn: insn, Err: err})
		}
	case excpBKPT:
		b.halt(&cpu.ExecutionFault{Kind: cpu.FaultBreakpoint, PC: pc, Insn: b.fetch(pc)})
	default:
		insn := b.fetch(pc)
		if insn&0xffe0001f == 0xd4400000 { // HLT
			mu.RegWrite(uc.ARM64_REG_PC, pc+4)
			b.stopped = true
			mu.Stop()
			return
		}
		b.halt(&cpu.ExecutionFault{Kind: cpu.FaultUndefined, PC: pc, Insn: insn,
			Err: fmt.Errorf("exception %d", intno)})
	}
}

func (b *Backend) onInvalid(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
	pc, _ := mu.RegRead(uc.ARM64_REG_PC)
	err := memory.ErrUnmapped
	switch access {
	case uc.MEM_READ_PROT, uc.MEM_WRITE_PROT, uc.MEM_FETCH_PROT:
		err = memory.ErrProtection
	}
	b.halt(&cpu.ExecutionFault{Kind: cpu.FaultInvalidAccess, PC: pc, Addr: addr, Insn: b.fetch(pc),
		Err: &memory.AccessError{Op: accessOp(access), Addr: addr, Size: uint64(size), Err: err}})
	return false
}

func accessOp(access int) string {
	switch access {
	case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
		return "write"
	case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
		return "fetch"
	}
	return "read"
}

func (b *Backend) Run(until, limit uint64) error {
	return b.run(until, limit)
}

func (b *Backend) Step(n uint64) error {
	if n == 0 {
		return nil
	}
	err := b.run(0, n)
	if f, ok := err.(*cpu.ExecutionFault); ok && f.Kind == cpu.FaultWatchdog {
		return nil
	}
	return err
}

// run is reentrant: hooks may call back into it through the emulator, so
// the per-run state is saved and restored around each Start.
func (b *Backend) run(until, limit uint64) error {
	saved := struct {
		until, limit, count uint64
		stopped             bool
		fault               error
		consulted           uint64
		hasConsulted        bool
	}{b.until, b.limit, b.count, b.stopped, b.fault, b.consulted, b.hasConsulted}
	defer func() {
		b.until, b.limit, b.count = saved.until, saved.limit, saved.count
		b.stopped, b.fault = saved.stopped, saved.fault
		b.consulted, b.hasConsulted = saved.consulted, saved.hasConsulted
	}()

	b.until, b.limit, b.count = until, limit, 0
	b.stopped, b.fault, b.hasConsulted = false, nil, false

	pc, _ := b.mu.RegRead(uc.ARM64_REG_PC)
	if pc&3 != 0 {
		return &cpu.ExecutionFault{Kind: cpu.FaultAlignment, PC: pc, Addr: pc}
	}
	err := b.mu.Start(pc, until)
	if b.fault != nil {
		return b.fault
	}
	if err != nil {
		pc, _ := b.mu.RegRead(uc.ARM64_REG_PC)
		return translate(err, pc, b.fetch(pc))
	}
	return nil
}

func translate(err error, pc uint64, insn uint32) error {
	kind := cpu.FaultUndefined
	if ue, ok := err.(uc.UcError); ok {
		switch int(ue) {
		case uc.ERR_READ_UNMAPPED, uc.ERR_WRITE_UNMAPPED, uc.ERR_FETCH_UNMAPPED,
			uc.ERR_READ_PROT, uc.ERR_WRITE_PROT, uc.ERR_FETCH_PROT:
			kind = cpu.FaultInvalidAccess
		case uc.ERR_READ_UNALIGNED, uc.ERR_WRITE_UNALIGNED, uc.ERR_FETCH_UNALIGNED:
			kind = cpu.FaultAlignment
		}
	}
	return &cpu.ExecutionFault{Kind: kind, PC: pc, Insn: insn, Err: err}
}

func (b *Backend) Stop() {
	b.stopped = true
	b.mu.Stop()
}

func (b *Backend) Executed() uint64 { return b.executed }

func (b *Backend) SetHooks(h cpu.Hooks) { b.hooks = h }

func (b *Backend) SetTracer(t cpu.Tracer) { b.tracer = t }

func (b *Backend) SetSyscallHandler(h cpu.SyscallHandler) { b.syscall = h }

func (b *Backend) Close() error { return b.mu.Close() }

func (b *Backend) MemMap(addr, size uint64, prot memory.Prot, name string) error {
	if addr%memory.PageSize != 0 || size%memory.PageSize != 0 || size == 0 {
		return memory.ErrAlignment
	}
	for _, r := range b.MemRegions() {
		if r.Overlaps(addr, size) {
			return fmt.Errorf("0x%x-0x%x: %w", addr, addr+size, memory.ErrOverlap)
		}
	}
	if err := b.mu.MemMapProt(addr, size, int(prot)); err != nil {
		return fmt.Errorf("map 0x%x: %w", addr, err)
	}
	b.names[addr] = name
	return nil
}

func (b *Backend) MemUnmap(addr, size uint64) error {
	if err := b.mu.MemUnmap(addr, size); err != nil {
		return fmt.Errorf("unmap 0x%x: %w", addr, err)
	}
	delete(b.names, addr)
	return nil
}

func (b *Backend) MemProtect(addr, size uint64, prot memory.Prot) error {
	return b.mu.MemProtect(addr, size, int(prot))
}

func (b *Backend) MemRegions() []memory.Region {
	regions, err := b.mu.MemRegions()
	if err != nil {
		return nil
	}
	out := make([]memory.Region, 0, len(regions))
	for _, r := range regions {
		out = append(out, memory.Region{
			Base: r.Begin,
			Size: r.End - r.Begin + 1,
			Prot: memory.Prot(r.Prot) & memory.ProtAll,
			Name: b.nameOf(r.Begin),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// nameOf finds the name of the mapping a region was split from.
func (b *Backend) nameOf(addr uint64) string {
	var best uint64
	name := ""
	for base, n := range b.names {
		if base <= addr && base >= best {
			best, name = base, n
		}
	}
	return name
}

func (b *Backend) Read(addr, size uint64) ([]byte, error) {
	data, err := b.mu.MemRead(addr, size)
	if err != nil {
		return nil, &memory.AccessError{Op: "read", Addr: addr, Size: size, Err: memory.ErrUnmapped}
	}
	return data, nil
}

func (b *Backend) Write(addr uint64, data []byte) error {
	if err := b.mu.MemWrite(addr, data); err != nil {
		return &memory.AccessError{Op: "write", Addr: addr, Size: uint64(len(data)), Err: memory.ErrUnmapped}
	}
	return nil
}

func (b *Backend) RegRead(r cpu.Reg) uint64 {
	id, ok := ucReg(r)
	if !ok {
		return 0
	}
	v, _ := b.mu.RegRead(id)
	return v
}

func (b *Backend) RegWrite(r cpu.Reg, v uint64) {
	if id, ok := ucReg(r); ok {
		b.mu.RegWrite(id, v)
	}
}

func (b *Backend) VecRead(n int) cpu.Vec {
	v, _ := b.mu.RegRead(uc.ARM64_REG_D0 + n&31)
	return cpu.Vec{Lo: v}
}

func (b *Backend) VecWrite(n int, v cpu.Vec) {
	b.mu.RegWrite(uc.ARM64_REG_D0+n&31, v.Lo)
}

func (b *Backend) Save() cpu.Context {
	var ctx cpu.Context
	for i := range ctx.X {
		ctx.X[i] = b.RegRead(cpu.X0 + cpu.Reg(i))
	}
	ctx.SP = b.RegRead(cpu.SP)
	ctx.PC = b.RegRead(cpu.PC)
	ctx.NZCV = b.RegRead(cpu.NZCV)
	ctx.TPIDR = b.RegRead(cpu.TPIDR)
	ctx.TPIDRRO = b.RegRead(cpu.TPIDRRO)
	ctx.FPCR = b.RegRead(cpu.FPCR)
	ctx.FPSR = b.RegRead(cpu.FPSR)
	for i := range ctx.V {
		ctx.V[i] = b.VecRead(i)
	}
	return ctx
}

func (b *Backend) Restore(ctx cpu.Context) {
	for i, v := range ctx.X {
		b.RegWrite(cpu.X0+cpu.Reg(i), v)
	}
	b.RegWrite(cpu.SP, ctx.SP)
	b.RegWrite(cpu.PC, ctx.PC)
	b.RegWrite(cpu.NZCV, ctx.NZCV)
	b.RegWrite(cpu.TPIDR, ctx.TPIDR)
	b.RegWrite(cpu.TPIDRRO, ctx.TPIDRRO)
	b.RegWrite(cpu.FPCR, ctx.FPCR)
	b.RegWrite(cpu.FPSR, ctx.FPSR)
	for i, v := range ctx.V {
		b.VecWrite(i, v)
	}
}

var _ cpu.Backend = (*Backend)(nil)
