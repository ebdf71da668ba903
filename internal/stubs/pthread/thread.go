package pthread

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// mainThread is the pthread_t of the only guest thread.
const mainThread = emulator.TLSBase

func init() {
	stubs.RegisterFunc("pthread", "pthread_create", stubPthreadCreate)
	stubs.RegisterFunc("pthread", "pthread_join", stubPthreadJoin)
	stubs.RegisterFunc("pthread", "pthread_detach", stubSuccess, "pthread_setname_np", "sched_yield")
	stubs.RegisterFunc("pthread", "pthread_self", stubPthreadSelf)
	stubs.RegisterFunc("pthread", "pthread_equal", stubPthreadEqual)
	stubs.RegisterFunc("pthread", "pthread_main_np", stubPthreadMainNp)
	stubs.RegisterFunc("pthread", "pthread_threadid_np", stubPthreadThreadidNp)
	stubs.RegisterFunc("pthread", "pthread_mach_thread_np", stubPthreadMachThreadNp)
}

// pthread_create hands out a fake thread that never runs.
func stubPthreadCreate(emu *emulator.Emulator) (cpu.Action, error) {
	threadPtr, start := emu.X(0), emu.X(2)
	tid, err := emu.Malloc(0x100)
	if err != nil {
		return stubs.Return(emu, eAgain)
	}
	if threadPtr != 0 {
		emu.MemWriteU64(threadPtr, tid)
	}
	stubs.Log(emu, "pthread", "pthread_create", stubs.FormatPtrPair("start", start, "tid", tid))
	return stubs.Return(emu, 0)
}

func stubPthreadJoin(emu *emulator.Emulator) (cpu.Action, error) {
	if retvalPtr := emu.X(1); retvalPtr != 0 {
		emu.MemWriteU64(retvalPtr, 0)
	}
	return stubs.Return(emu, 0)
}

func stubPthreadSelf(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, mainThread)
}

func stubPthreadEqual(emu *emulator.Emulator) (cpu.Action, error) {
	if emu.X(0) == emu.X(1) {
		return stubs.Return(emu, 1)
	}
	return stubs.Return(emu, 0)
}

func stubPthreadMainNp(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 1)
}

// int pthread_threadid_np(pthread_t thread, uint64_t *thread_id)
func stubPthreadThreadidNp(emu *emulator.Emulator) (cpu.Action, error) {
	if out := emu.X(1); out != 0 {
		emu.MemWriteU64(out, 1)
	}
	return stubs.Return(emu, 0)
}

func stubPthreadMachThreadNp(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 0x103)
}
