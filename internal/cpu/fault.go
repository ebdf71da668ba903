package cpu

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// FaultKind classifies an ExecutionFault.
type FaultKind int

const (
	FaultInvalidAccess FaultKind = iota
	FaultUndefined
	FaultAlignment
	FaultWatchdog
	FaultBreakpoint
	FaultSyscall
	FaultHook
)

func (k FaultKind) String() string {
	switch k {
	case FaultInvalidAccess:
		return "invalid memory access"
	case FaultUndefined:
		return "undefined instruction"
	case FaultAlignment:
		return "alignment fault"
	case FaultWatchdog:
		return "instruction limit exceeded"
	case FaultBreakpoint:
		return "breakpoint"
	case FaultSyscall:
		return "unhandled supervisor call"
	case FaultHook:
		return "interceptor failed"
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// ExecutionFault aborts a run. The CPU state after a fault is whatever it
// was when the faulting instruction started.
type ExecutionFault struct {
	Kind FaultKind
	PC   uint64
	Addr uint64 // faulting data address, if any
	Insn uint32
	Err  error
}

func (f *ExecutionFault) Error() string {
	msg := fmt.Sprintf("%s at pc=0x%x", f.Kind, f.PC)
	if f.Kind != FaultHook && f.Kind != FaultWatchdog {
		msg += " (" + Disasm(f.Insn) + ")"
	}
	if f.Kind == FaultInvalidAccess || f.Kind == FaultAlignment {
		msg += fmt.Sprintf(" addr=0x%x", f.Addr)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *ExecutionFault) Unwrap() error { return f.Err }

// Disasm renders one instruction word.
func Disasm(insn uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], insn)
	inst, err := arm64asm.Decode(b[:])
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", insn)
	}
	return inst.String()
}
