// Package cpu defines the ARM64 execution backend contract and implements it
// with a pure-Go interpreter. A unicorn-based backend lives in cpu/unicorn
// behind the "unicorn" build tag.
package cpu

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/memory"
)

// Reg names an architectural register.
type Reg int

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	SP
	PC
	NZCV
	TPIDR
	TPIDRRO
	FPCR
	FPSR

	numRegs
)

const (
	FP = X29
	LR = X30
)

func (r Reg) String() string {
	switch {
	case r >= X0 && r <= X28:
		return fmt.Sprintf("x%d", int(r))
	case r == FP:
		return "fp"
	case r == LR:
		return "lr"
	}
	return [...]string{"sp", "pc", "nzcv", "tpidr_el0", "tpidrro_el0", "fpcr", "fpsr"}[r-SP]
}

// Vec is a 128-bit SIMD&FP register.
type Vec struct {
	Lo, Hi uint64
}

// Context is a full snapshot of the CPU state.
type Context struct {
	X       [31]uint64
	SP, PC  uint64
	NZCV    uint64
	TPIDR   uint64
	TPIDRRO uint64
	FPCR    uint64
	FPSR    uint64
	V       [32]Vec
}

// Action tells the engine what to do after an interceptor ran.
type Action int

const (
	// Continue executes the real instruction at the hooked address.
	Continue Action = iota
	// Return skips the hooked code and returns to X30. The hook has already
	// placed any return value in X0.
	Return
	// Resume continues from the current PC, which the hook may have changed.
	Resume
	// Stop halts the current run without error.
	Stop
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Return:
		return "return"
	case Resume:
		return "resume"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Hook is host logic bound to one guest address.
type Hook func() (Action, error)

// Hooks is consulted before every instruction.
type Hooks interface {
	Lookup(pc uint64) (Hook, bool)
}

// Tracer observes every executed instruction.
type Tracer func(pc uint64, insn uint32)

// SyscallHandler services SVC instructions. imm is the SVC immediate.
type SyscallHandler func(imm uint16) error

// Memory is the address-space half of a backend.
type Memory interface {
	MemMap(addr, size uint64, prot memory.Prot, name string) error
	MemUnmap(addr, size uint64) error
	MemProtect(addr, size uint64, prot memory.Prot) error
	MemRegions() []memory.Region
	Read(addr, size uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// Backend executes ARM64 code against an address space.
type Backend interface {
	Memory

	RegRead(r Reg) uint64
	RegWrite(r Reg, v uint64)
	VecRead(n int) Vec
	VecWrite(n int, v Vec)

	Save() Context
	Restore(ctx Context)

	SetHooks(h Hooks)
	SetTracer(t Tracer)
	SetSyscallHandler(h SyscallHandler)

	// Run executes from the current PC until PC equals until (0 disables the
	// address stop), a hook or HLT halts, or limit instructions have run
	// (0 means no limit), which is reported as a watchdog fault.
	Run(until, limit uint64) error
	// Step executes at most n instructions.
	Step(n uint64) error
	// Stop halts the innermost Run after the current instruction.
	Stop()
	// Executed returns the number of instructions retired so far.
	Executed() uint64

	Close() error
}

// Factory creates a backend.
type Factory func() (Backend, error)

var backends = map[string]Factory{
	"interp": func() (Backend, error) { return NewInterp(memory.New()), nil },
}

// Register makes a backend available by name.
func Register(name string, f Factory) {
	backends[name] = f
}

// Open creates the backend registered under name.
func Open(name string) (Backend, error) {
	if name == "" {
		name = "interp"
	}
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown cpu backend %q", name)
	}
	return f()
}

// Available reports whether a backend is registered under name.
func Available(name string) bool {
	_, ok := backends[name]
	return ok
}
