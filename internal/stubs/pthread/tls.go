package pthread

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// Thread-specific data lives in the TLS block at TPIDRRO_EL0, one 8-byte
// slot per key, the way libpthread lays out tsd[]. Slot 1 holds the next
// free key.
const (
	nextKeySlot = emulator.TLSBase + 8
	firstKey    = 0x80
	maxKey      = emulator.TLSSize / 8
)

const (
	eAgain = 35
	eInval = 22
)

// onceDone marks a pthread_once_t past its signature word.
const onceDone = 0x4f4e4345 // "ONCE"

func init() {
	stubs.RegisterFunc("pthread", "pthread_key_create", stubKeyCreate)
	stubs.RegisterFunc("pthread", "pthread_key_delete", stubKeyDelete)
	stubs.RegisterFunc("pthread", "pthread_setspecific", stubSetspecific)
	stubs.RegisterFunc("pthread", "pthread_getspecific", stubGetspecific)
	stubs.RegisterFunc("pthread", "pthread_once", stubOnce)
}

func slot(key uint64) (uint64, bool) {
	if key < firstKey || key >= maxKey {
		return 0, false
	}
	return emulator.TLSBase + key*8, true
}

func stubKeyCreate(emu *emulator.Emulator) (cpu.Action, error) {
	keyPtr := emu.X(0)
	key, err := emu.MemReadU64(nextKeySlot)
	if err != nil {
		return cpu.Continue, err
	}
	if key == 0 {
		key = firstKey
	}
	if key >= maxKey {
		return stubs.Return(emu, eAgain)
	}
	if err := emu.MemWriteU64(nextKeySlot, key+1); err != nil {
		return cpu.Continue, err
	}
	if keyPtr != 0 {
		emu.MemWriteU64(keyPtr, key)
	}
	stubs.Log(emu, "pthread", "pthread_key_create", stubs.FormatPtr("key", key))
	return stubs.Return(emu, 0)
}

func stubKeyDelete(emu *emulator.Emulator) (cpu.Action, error) {
	addr, ok := slot(emu.X(0))
	if !ok {
		return stubs.Return(emu, eInval)
	}
	emu.MemWriteU64(addr, 0)
	return stubs.Return(emu, 0)
}

func stubSetspecific(emu *emulator.Emulator) (cpu.Action, error) {
	addr, ok := slot(emu.X(0))
	if !ok {
		return stubs.Return(emu, eInval)
	}
	if err := emu.MemWriteU64(addr, emu.X(1)); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, 0)
}

func stubGetspecific(emu *emulator.Emulator) (cpu.Action, error) {
	addr, ok := slot(emu.X(0))
	if !ok {
		return stubs.Return(emu, 0)
	}
	v, err := emu.MemReadU64(addr)
	if err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, v)
}

// int pthread_once(pthread_once_t *once, void (*init_routine)(void))
func stubOnce(emu *emulator.Emulator) (cpu.Action, error) {
	once, routine := emu.X(0), emu.X(1)
	state, err := emu.MemReadU32(once + 8)
	if err != nil {
		return cpu.Continue, err
	}
	if state != onceDone {
		// mark first so a recursive pthread_once returns immediately
		if err := emu.MemWriteU32(once+8, onceDone); err != nil {
			return cpu.Continue, err
		}
		if _, err := emu.Call(routine); err != nil {
			return cpu.Continue, err
		}
	}
	return stubs.Return(emu, 0)
}
