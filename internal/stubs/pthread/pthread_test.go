package pthread

import (
	"testing"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/intercept"
	"github.com/zboralski/tarsier/internal/stubs/stubtest"
)

func TestSpecificData(t *testing.T) {
	h := stubtest.New(t)
	keyPtr := h.Buffer(t, 8)

	if r := h.Call(t, "_pthread_key_create", keyPtr, 0); r != 0 {
		t.Fatalf("pthread_key_create = %d", r)
	}
	key, _ := h.Emu.MemReadU64(keyPtr)
	h.Call(t, "_pthread_key_create", keyPtr, 0)
	key2, _ := h.Emu.MemReadU64(keyPtr)
	if key2 == key {
		t.Fatalf("keys not unique: %d", key)
	}

	h.Call(t, "_pthread_setspecific", key, 0xabc)
	if v := h.Call(t, "_pthread_getspecific", key); v != 0xabc {
		t.Errorf("getspecific = 0x%x", v)
	}
	if v := h.Call(t, "_pthread_getspecific", key2); v != 0 {
		t.Errorf("unset key = 0x%x", v)
	}
	if r := h.Call(t, "_pthread_setspecific", 1<<20, 1); r != eInval {
		t.Errorf("bad key accepted: %d", r)
	}
}

func TestSpecificDataPerSession(t *testing.T) {
	a := stubtest.New(t)
	b := stubtest.New(t)
	keyPtr := a.Buffer(t, 8)
	a.Call(t, "_pthread_key_create", keyPtr, 0)
	key, _ := a.Emu.MemReadU64(keyPtr)
	a.Call(t, "_pthread_setspecific", key, 7)
	if v := b.Call(t, "_pthread_getspecific", key); v != 0 {
		t.Errorf("second emulator sees %d", v)
	}
}

func TestOnceRunsOnce(t *testing.T) {
	h := stubtest.New(t)
	routine, _ := h.Emu.AllocStub()
	calls := 0
	h.Hooks.Register(intercept.Address(routine), func(e *emulator.Emulator, _ uint64, _ uint32) (cpu.Action, error) {
		calls++
		return cpu.Return, nil
	})
	once := h.Buffer(t, 16)
	for range 3 {
		if r := h.Call(t, "_pthread_once", once, routine); r != 0 {
			t.Fatalf("pthread_once = %d", r)
		}
	}
	if calls != 1 {
		t.Errorf("init routine ran %d times", calls)
	}
}

func TestLocksSucceed(t *testing.T) {
	h := stubtest.New(t)
	m := h.Buffer(t, 64)
	for _, name := range []string{"_pthread_mutex_init", "_pthread_mutex_lock", "_pthread_mutex_trylock", "_pthread_mutex_unlock", "_pthread_cond_wait"} {
		if r := h.Call(t, name, m, 0); r != 0 {
			t.Errorf("%s = %d", name, r)
		}
	}
	if self := h.Call(t, "_pthread_self"); self != mainThread {
		t.Errorf("pthread_self = 0x%x", self)
	}
	if h.Call(t, "_pthread_equal", mainThread, mainThread) != 1 {
		t.Error("pthread_equal(self, self) != 1")
	}
}
