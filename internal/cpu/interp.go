package cpu

import (
	"errors"

	"github.com/zboralski/tarsier/internal/memory"
)

// Interp is a pure-Go ARM64 interpreter. It executes one instruction at a
// time against a memory.Image and is the default backend.
type Interp struct {
	mem *memory.Image

	x       [31]uint64
	sp      uint64
	pc      uint64
	n, z    bool
	c, v    bool
	v128    [32]Vec
	tpidr   uint64
	tpidrro uint64
	fpcr    uint64
	fpsr    uint64

	// exclusive monitor for LDXR/STXR
	excl     bool
	exclAddr uint64

	next    uint64 // PC of the next instruction, set before exec
	insn    uint32
	retired uint64
	stopped bool

	hooks   Hooks
	tracer  Tracer
	syscall SyscallHandler
}

// NewInterp returns an interpreter operating on mem.
func NewInterp(mem *memory.Image) *Interp {
	return &Interp{mem: mem}
}

// Image returns the underlying address space.
func (c *Interp) Image() *memory.Image { return c.mem }

func (c *Interp) MemMap(addr, size uint64, prot memory.Prot, name string) error {
	return c.mem.Map(addr, size, prot, name)
}

func (c *Interp) MemUnmap(addr, size uint64) error { return c.mem.Unmap(addr, size) }

func (c *Interp) MemProtect(addr, size uint64, prot memory.Prot) error {
	return c.mem.Protect(addr, size, prot)
}

func (c *Interp) MemRegions() []memory.Region { return c.mem.Regions() }

func (c *Interp) Read(addr, size uint64) ([]byte, error) { return c.mem.Read(addr, size) }

func (c *Interp) Write(addr uint64, data []byte) error { return c.mem.Write(addr, data) }

func (c *Interp) RegRead(r Reg) uint64 {
	switch {
	case r >= X0 && r <= X30:
		return c.x[r]
	case r == SP:
		return c.sp
	case r == PC:
		return c.pc
	case r == NZCV:
		return c.nzcv()
	case r == TPIDR:
		return c.tpidr
	case r == TPIDRRO:
		return c.tpidrro
	case r == FPCR:
		return c.fpcr
	case r == FPSR:
		return c.fpsr
	}
	return 0
}

func (c *Interp) RegWrite(r Reg, v uint64) {
	switch {
	case r >= X0 && r <= X30:
		c.x[r] = v
	case r == SP:
		c.sp = v
	case r == PC:
		c.pc = v
	case r == NZCV:
		c.setNZCV(v)
	case r == TPIDR:
		c.tpidr = v
	case r == TPIDRRO:
		c.tpidrro = v
	case r == FPCR:
		c.fpcr = v
	case r == FPSR:
		c.fpsr = v
	}
}

func (c *Interp) VecRead(n int) Vec { return c.v128[n&31] }

func (c *Interp) VecWrite(n int, v Vec) { c.v128[n&31] = v }

func (c *Interp) Save() Context {
	return Context{
		X:       c.x,
		SP:      c.sp,
		PC:      c.pc,
		NZCV:    c.nzcv(),
		TPIDR:   c.tpidr,
		TPIDRRO: c.tpidrro,
		FPCR:    c.fpcr,
		FPSR:    c.fpsr,
		V:       c.v128,
	}
}

func (c *Interp) Restore(ctx Context) {
	c.x = ctx.X
	c.sp = ctx.SP
	c.pc = ctx.PC
	c.setNZCV(ctx.NZCV)
	c.tpidr = ctx.TPIDR
	c.tpidrro = ctx.TPIDRRO
	c.fpcr = ctx.FPCR
	c.fpsr = ctx.FPSR
	c.v128 = ctx.V
}

func (c *Interp) SetHooks(h Hooks) { c.hooks = h }

func (c *Interp) SetTracer(t Tracer) { c.tracer = t }

func (c *Interp) SetSyscallHandler(h SyscallHandler) { c.syscall = h }

func (c *Interp) Stop() { c.stopped = true }

func (c *Interp) Executed() uint64 { return c.retired }

func (c *Interp) Close() error { return nil }

func (c *Interp) Run(until, limit uint64) error {
	return c.run(until, limit, false)
}

func (c *Interp) Step(n uint64) error {
	if n == 0 {
		return nil
	}
	return c.run(0, n, true)
}

// errHalt unwinds exec when HLT is executed.
var errHalt = errors.New("halt")

func (c *Interp) run(until, limit uint64, step bool) error {
	c.stopped = false
	defer func() { c.stopped = false }()

	var count uint64
	consulted := false
	for {
		if c.stopped {
			return nil
		}
		pc := c.pc
		if until != 0 && pc == until {
			return nil
		}

		if !consulted && c.hooks != nil {
			if h, ok := c.hooks.Lookup(pc); ok {
				act, err := h()
				if err != nil {
					return &ExecutionFault{Kind: FaultHook, PC: pc, Err: err}
				}
				switch act {
				case Continue:
					consulted = true
				case Return:
					c.pc = c.x[30]
				case Resume:
					consulted = c.pc == pc
				case Stop:
					return nil
				}
				continue
			}
		}
		consulted = false

		if limit > 0 && count >= limit {
			if step {
				return nil
			}
			return &ExecutionFault{Kind: FaultWatchdog, PC: pc}
		}
		if pc&3 != 0 {
			return &ExecutionFault{Kind: FaultAlignment, PC: pc, Addr: pc}
		}
		insn, err := c.mem.Fetch(pc)
		if err != nil {
			return &ExecutionFault{Kind: FaultInvalidAccess, PC: pc, Addr: pc, Err: err}
		}
		if c.tracer != nil {
			c.tracer(pc, insn)
		}

		c.insn = insn
		c.next = pc + 4
		if err := c.exec(insn); err != nil {
			if err == errHalt {
				c.pc = c.next
				c.retired++
				return nil
			}
			return err
		}
		c.pc = c.next
		c.retired++
		count++
	}
}

func (c *Interp) fault(kind FaultKind, addr uint64, err error) error {
	return &ExecutionFault{Kind: kind, PC: c.pc, Addr: addr, Insn: c.insn, Err: err}
}

func (c *Interp) undefined() error {
	return c.fault(FaultUndefined, 0, nil)
}

func (c *Interp) nzcv() uint64 {
	var v uint64
	if c.n {
		v |= 1 << 31
	}
	if c.z {
		v |= 1 << 30
	}
	if c.c {
		v |= 1 << 29
	}
	if c.v {
		v |= 1 << 28
	}
	return v
}

func (c *Interp) setNZCV(v uint64) {
	c.n = v&(1<<31) != 0
	c.z = v&(1<<30) != 0
	c.c = v&(1<<29) != 0
	c.v = v&(1<<28) != 0
}

// xr reads Xn with 31 as the zero register.
func (c *Interp) xr(n uint32) uint64 {
	if n == 31 {
		return 0
	}
	return c.x[n]
}

// xsp reads Xn with 31 as SP.
func (c *Interp) xsp(n uint32) uint64 {
	if n == 31 {
		return c.sp
	}
	return c.x[n]
}

func (c *Interp) setX(n uint32, v uint64) {
	if n != 31 {
		c.x[n] = v
	}
}

func (c *Interp) setXSP(n uint32, v uint64) {
	if n == 31 {
		c.sp = v
		return
	}
	c.x[n] = v
}

// setR writes a result of the given width, zero-extending 32-bit values.
func (c *Interp) setR(n uint32, v uint64, sf bool) {
	if !sf {
		v = uint64(uint32(v))
	}
	c.setX(n, v)
}

func (c *Interp) setRSP(n uint32, v uint64, sf bool) {
	if !sf {
		v = uint64(uint32(v))
	}
	c.setXSP(n, v)
}

func (c *Interp) cond(cond uint32) bool {
	var r bool
	switch cond >> 1 {
	case 0:
		r = c.z
	case 1:
		r = c.c
	case 2:
		r = c.n
	case 3:
		r = c.v
	case 4:
		r = c.c && !c.z
	case 5:
		r = c.n == c.v
	case 6:
		r = c.n == c.v && !c.z
	case 7:
		return true
	}
	if cond&1 == 1 {
		r = !r
	}
	return r
}

func (c *Interp) exec(insn uint32) error {
	op0 := (insn >> 25) & 0xf
	switch {
	case op0&0xe == 0x8:
		return c.execDataImm(insn)
	case op0&0xe == 0xa:
		return c.execBranchSys(insn)
	case op0&0x5 == 0x4:
		return c.execLoadStore(insn)
	case op0&0x7 == 0x5:
		return c.execDataReg(insn)
	case op0&0x7 == 0x7:
		return c.execSIMD(insn)
	}
	return c.undefined()
}
