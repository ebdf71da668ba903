// Package cxxabi provides the Itanium C++ ABI runtime entry points that
// libc++ based iOS code imports: static-init guards, exceptions and exit
// handlers.
package cxxabi

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// ThrowError is returned when guest code throws; unwinding is not emulated.
type ThrowError struct {
	Exception uint64 // thrown object
	Type      uint64 // std::type_info pointer
}

func (e *ThrowError) Error() string {
	return fmt.Sprintf("c++ exception 0x%x (type_info 0x%x) thrown", e.Exception, e.Type)
}

// FatalError reports a call the ABI defines as terminating.
type FatalError struct {
	Func string
}

func (e *FatalError) Error() string { return e.Func + " called" }

// exceptionHeader is reserved in front of every allocated exception, the
// size of libc++abi's __cxa_exception.
const exceptionHeader = 128

func init() {
	// Exception handling
	stubs.RegisterFunc("cxxabi", "__cxa_allocate_exception", stubCxaAllocateException)
	stubs.RegisterFunc("cxxabi", "__cxa_free_exception", stubCxaFreeException)
	stubs.RegisterFunc("cxxabi", "__cxa_throw", stubCxaThrow)
	stubs.RegisterFunc("cxxabi", "__cxa_begin_catch", stubCxaBeginCatch, "__cxa_get_exception_ptr")
	stubs.RegisterFunc("cxxabi", "__cxa_end_catch", stubNop, "_Unwind_DeleteException")

	// Static initialization guards
	stubs.RegisterFunc("cxxabi", "__cxa_guard_acquire", stubCxaGuardAcquire)
	stubs.RegisterFunc("cxxabi", "__cxa_guard_release", stubCxaGuardRelease)
	stubs.RegisterFunc("cxxabi", "__cxa_guard_abort", stubNop)

	// Exit handlers
	stubs.RegisterFunc("cxxabi", "__cxa_atexit", stubCxaAtexit, "__cxa_thread_atexit", "_tlv_atexit")
	stubs.RegisterFunc("cxxabi", "__cxa_finalize", stubNop)

	// Terminating calls
	for _, name := range []string{"__cxa_pure_virtual", "__cxa_deleted_virtual", "__cxa_rethrow",
		"__cxa_bad_cast", "__cxa_bad_typeid", "_Unwind_Resume", "_ZSt9terminatev"} {
		stubs.RegisterFunc("cxxabi", name, fatal(name))
	}

	stubs.RegisterFunc("cxxabi", "__dynamic_cast", stubDynamicCast)
}

func stubNop(emu *emulator.Emulator) (cpu.Action, error) {
	return cpu.Return, nil
}

func fatal(name string) stubs.HookFunc {
	return func(emu *emulator.Emulator) (cpu.Action, error) {
		stubs.Log(emu, "cxxabi", name, stubs.FormatPtr("lr", emu.LR()))
		return cpu.Stop, &FatalError{Func: name}
	}
}

func stubCxaAllocateException(emu *emulator.Emulator) (cpu.Action, error) {
	size := emu.X(0)
	ptr, err := emu.Malloc(size + exceptionHeader)
	if err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, ptr+exceptionHeader)
}

func stubCxaFreeException(emu *emulator.Emulator) (cpu.Action, error) {
	if obj := emu.X(0); obj > exceptionHeader {
		emu.Free(obj - exceptionHeader)
	}
	return cpu.Return, nil
}

// void __cxa_throw(void *thrown, std::type_info *tinfo, void (*dest)(void *))
func stubCxaThrow(emu *emulator.Emulator) (cpu.Action, error) {
	exc, tinfo := emu.X(0), emu.X(1)
	stubs.Log(emu, "cxxabi", "__cxa_throw", stubs.FormatPtrPair("exception", exc, "type", tinfo))
	return cpu.Stop, &ThrowError{Exception: exc, Type: tinfo}
}

func stubCxaBeginCatch(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, emu.X(0))
}

// The first byte of a guard variable is non-zero once initialization is
// complete, as the ABI specifies; inline fast paths test it directly.
func stubCxaGuardAcquire(emu *emulator.Emulator) (cpu.Action, error) {
	done, err := emu.MemReadU8(emu.X(0))
	if err != nil {
		return cpu.Continue, err
	}
	if done != 0 {
		return stubs.Return(emu, 0)
	}
	return stubs.Return(emu, 1)
}

func stubCxaGuardRelease(emu *emulator.Emulator) (cpu.Action, error) {
	if err := emu.MemWrite(emu.X(0), []byte{1}); err != nil {
		return cpu.Continue, err
	}
	return cpu.Return, nil
}

func stubCxaAtexit(emu *emulator.Emulator) (cpu.Action, error) {
	// destructors never run: the process does not exit
	return stubs.Return(emu, 0)
}

// __dynamic_cast trusts the static type: it returns the source pointer.
func stubDynamicCast(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, emu.X(0))
}
