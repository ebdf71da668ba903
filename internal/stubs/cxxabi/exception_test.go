package cxxabi

import (
	"errors"
	"testing"

	"github.com/zboralski/tarsier/internal/stubs/stubtest"
)

func TestGuardLifecycle(t *testing.T) {
	h := stubtest.New(t)
	guard := h.Buffer(t, 8)

	if r := h.Call(t, "___cxa_guard_acquire", guard); r != 1 {
		t.Fatalf("first acquire = %d, want 1", r)
	}
	h.Call(t, "___cxa_guard_release", guard)
	if b, _ := h.Emu.MemReadU8(guard); b != 1 {
		t.Errorf("guard byte = %d", b)
	}
	if r := h.Call(t, "___cxa_guard_acquire", guard); r != 0 {
		t.Errorf("acquire after release = %d, want 0", r)
	}
}

func TestThrowStopsCall(t *testing.T) {
	h := stubtest.New(t)
	exc := h.Call(t, "___cxa_allocate_exception", 16)
	if exc == 0 {
		t.Fatal("allocate_exception returned NULL")
	}
	_, err := h.Emu.Call(h.Addr(t, "___cxa_throw"), exc, 0x1234, 0)
	var thrown *ThrowError
	if !errors.As(err, &thrown) {
		t.Fatalf("expected ThrowError, got %v", err)
	}
	if thrown.Exception != exc || thrown.Type != 0x1234 {
		t.Errorf("ThrowError = %+v", thrown)
	}
	h.Call(t, "___cxa_free_exception", exc)
	if h.Emu.Heap().Live(exc - exceptionHeader) {
		t.Error("exception storage not freed")
	}
}

func TestPureVirtualIsFatal(t *testing.T) {
	h := stubtest.New(t)
	_, err := h.Emu.Call(h.Addr(t, "___cxa_pure_virtual"))
	var fatal *FatalError
	if !errors.As(err, &fatal) || fatal.Func != "__cxa_pure_virtual" {
		t.Fatalf("expected FatalError, got %v", err)
	}
}
