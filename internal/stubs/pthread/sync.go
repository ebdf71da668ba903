// Package pthread provides host implementations of the pthread API for a
// single guest thread. Locks always succeed; once-routines and thread-specific
// data keep their state in guest memory so sessions stay independent.
package pthread

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

func init() {
	for _, name := range []string{
		"pthread_mutex_init", "pthread_mutex_destroy", "pthread_mutex_lock",
		"pthread_mutex_trylock", "pthread_mutex_unlock",
		"pthread_mutexattr_init", "pthread_mutexattr_settype", "pthread_mutexattr_destroy",
		"pthread_rwlock_init", "pthread_rwlock_destroy", "pthread_rwlock_rdlock",
		"pthread_rwlock_wrlock", "pthread_rwlock_unlock",
		"pthread_cond_init", "pthread_cond_destroy", "pthread_cond_signal",
		"pthread_cond_broadcast",
		"pthread_attr_init", "pthread_attr_destroy", "pthread_attr_setdetachstate",
		"pthread_attr_setstacksize",
	} {
		stubs.RegisterFunc("pthread", name, stubSuccess)
	}
	// waiting would deadlock the only thread
	stubs.RegisterFunc("pthread", "pthread_cond_wait", stubCondWait, "pthread_cond_timedwait")
}

func stubSuccess(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 0)
}

func stubCondWait(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "pthread", "pthread_cond_wait", "single thread, not waiting")
	return stubs.Return(emu, 0)
}
