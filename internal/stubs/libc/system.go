package libc

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// ExitError reports a guest call to exit or abort.
type ExitError struct {
	Func string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("guest called %s(%d)", e.Func, e.Code)
}

func init() {
	stubs.RegisterFunc("libc", "abort", stubAbort)
	stubs.RegisterFunc("libc", "exit", stubExit, "_exit", "_Exit")
	stubs.RegisterFunc("libc", "atexit", stubAtexit)
	stubs.RegisterFunc("libc", "getpid", stubGetpid)
	stubs.RegisterFunc("libc", "getenv", stubGetenv)
	stubs.RegisterFunc("libc", "__error", stubErrno)
}

func stubAbort(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "libc", "abort", "program aborted")
	return cpu.Stop, &ExitError{Func: "abort", Code: 134}
}

func stubExit(emu *emulator.Emulator) (cpu.Action, error) {
	code := int(int32(emu.X(0)))
	stubs.Log(emu, "libc", "exit", stubs.FormatHex(uint64(code)))
	return cpu.Stop, &ExitError{Func: "exit", Code: code}
}

func stubAtexit(emu *emulator.Emulator) (cpu.Action, error) {
	// handlers never run: the process does not exit
	return stubs.Return(emu, 0)
}

func stubGetpid(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 1337)
}

func stubGetenv(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "libc", "getenv", readString(emu, emu.X(0), 256))
	return stubs.Return(emu, 0)
}

// errnoSlot is a per-process errno location in TLS past the self pointer.
const errnoSlot = emulator.TLSBase + 0x100

func stubErrno(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, errnoSlot)
}
