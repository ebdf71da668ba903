package darwin

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// Every dlopen succeeds with the same handle; dlsym answers from loaded
// images and then the stub table, whatever the handle. The pending dlerror message lives in the TLS
// block with a flag word after it.
const (
	dlHandle     = 0x7f000000
	dlErrorSlot  = emulator.TLSBase + 0x300
	dlErrorFlag  = emulator.TLSBase + 0x340
	dlErrorLimit = dlErrorFlag - dlErrorSlot - 1
)

func init() {
	stubs.RegisterFunc("darwin", "dlopen", stubDlopen)
	stubs.RegisterFunc("darwin", "dlsym", stubDlsym)
	stubs.RegisterFunc("darwin", "dlclose", stubNop)
	stubs.RegisterFunc("darwin", "dlerror", stubDlerror)
}

func stubDlopen(emu *emulator.Emulator) (cpu.Action, error) {
	path := "(main)"
	if p := emu.X(0); p != 0 {
		path, _ = emu.MemReadString(p, 1024)
	}
	stubs.Log(emu, "darwin", "dlopen", path)
	return stubs.Return(emu, dlHandle)
}

func stubDlsym(emu *emulator.Emulator) (cpu.Action, error) {
	name, _ := emu.MemReadString(emu.X(1), 256)
	addr, ok := lookupSymbol(emu, name)
	if !ok {
		stubs.Log(emu, "darwin", "dlsym", name+" not found")
		if err := setDlerror(emu, "dlsym("+name+"): symbol not found"); err != nil {
			return cpu.Continue, err
		}
		return stubs.Return(emu, 0)
	}
	stubs.Log(emu, "darwin", "dlsym", name+" -> "+stubs.FormatHex(addr))
	return stubs.Return(emu, addr)
}

// lookupSymbol takes a dlsym name, which has no leading underscore.
func lookupSymbol(emu *emulator.Emulator, name string) (uint64, bool) {
	t, ok := stubs.TableOf(emu)
	if !ok || name == "" {
		return 0, false
	}
	if t.Exports != nil {
		if addr, ok := t.Exports("_" + name); ok {
			return addr, true
		}
	}
	if !t.Known(name) {
		return 0, false
	}
	return t.Resolve(name)
}

func setDlerror(emu *emulator.Emulator, msg string) error {
	if len(msg) > dlErrorLimit {
		msg = msg[:dlErrorLimit]
	}
	if err := emu.MemWriteString(dlErrorSlot, msg); err != nil {
		return err
	}
	return emu.MemWriteU32(dlErrorFlag, 1)
}

// stubDlerror returns the pending message once, then NULL.
func stubDlerror(emu *emulator.Emulator) (cpu.Action, error) {
	if flag, _ := emu.MemReadU32(dlErrorFlag); flag == 0 {
		return stubs.Return(emu, 0)
	}
	if err := emu.MemWriteU32(dlErrorFlag, 0); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, dlErrorSlot)
}
