package darwin

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/intercept"
	"github.com/zboralski/tarsier/internal/stubs/stubtest"
)

func TestStackGuardData(t *testing.T) {
	h := stubtest.New(t)
	addr := h.Addr(t, "___stack_chk_guard")
	if h.Emu.IsStub(addr) {
		t.Fatal("guard bound to a code stub")
	}
	if v, _ := h.Emu.MemReadU64(addr); v != StackGuard {
		t.Errorf("guard = 0x%x", v)
	}
	_, err := h.Emu.Call(h.Addr(t, "___stack_chk_fail"))
	if !errors.Is(err, errStackSmash) {
		t.Errorf("__stack_chk_fail: %v", err)
	}
}

func TestArc4randomDeterministic(t *testing.T) {
	a := stubtest.New(t)
	b := stubtest.New(t)
	for range 4 {
		x, y := a.Call(t, "_arc4random"), b.Call(t, "_arc4random")
		if x != y || x > 0xffffffff {
			t.Fatalf("sessions diverge or value too wide: 0x%x 0x%x", x, y)
		}
	}
	if v := a.Call(t, "_arc4random_uniform", 10); v >= 10 {
		t.Errorf("arc4random_uniform(10) = %d", v)
	}
	buf := a.Buffer(t, 16)
	a.Call(t, "_arc4random_buf", buf, 13)
	data, _ := a.Emu.MemRead(buf, 16)
	if data[13] != 0 || data[14] != 0 {
		t.Errorf("arc4random_buf wrote past n: %x", data)
	}
}

func TestDispatchOnce(t *testing.T) {
	h := stubtest.New(t)
	invoke, _ := h.Emu.AllocStub()
	block := h.Buffer(t, 32)
	h.Emu.MemWriteU64(block+blockInvoke, invoke)

	var gotBlock []uint64
	h.Hooks.Register(intercept.Address(invoke), func(e *emulator.Emulator, _ uint64, _ uint32) (cpu.Action, error) {
		gotBlock = append(gotBlock, e.X(0))
		return cpu.Return, nil
	})

	pred := h.Buffer(t, 8)
	h.Call(t, "_dispatch_once", pred, block)
	h.Call(t, "_dispatch_once", pred, block)
	if len(gotBlock) != 1 || gotBlock[0] != block {
		t.Errorf("block calls = %x, want one call with 0x%x", gotBlock, block)
	}
	if v, _ := h.Emu.MemReadU64(pred); v != ^uint64(0) {
		t.Errorf("predicate = 0x%x", v)
	}

	// dispatch_async runs the block synchronously
	h.Call(t, "_dispatch_async", h.Call(t, "_dispatch_get_global_queue", 0, 0), block)
	if len(gotBlock) != 2 {
		t.Errorf("dispatch_async did not run the block")
	}
}

func TestCommonCryptoDigests(t *testing.T) {
	h := stubtest.New(t)
	in := h.CString(t, "tarsier")
	md := h.Buffer(t, 64)

	if r := h.Call(t, "_CC_MD5", in, 7, md); r != md {
		t.Errorf("CC_MD5 returned 0x%x", r)
	}
	got, _ := h.Emu.MemRead(md, md5.Size)
	want := md5.Sum([]byte("tarsier"))
	if hex.EncodeToString(got) != hex.EncodeToString(want[:]) {
		t.Errorf("CC_MD5 = %x, want %x", got, want)
	}

	h.Call(t, "_CC_SHA256", in, 7, md)
	got, _ = h.Emu.MemRead(md, sha256.Size)
	want256 := sha256.Sum256([]byte("tarsier"))
	if hex.EncodeToString(got) != hex.EncodeToString(want256[:]) {
		t.Errorf("CC_SHA256 = %x", got)
	}

	key := h.CString(t, "k")
	h.Call(t, "_CCHmac", 2, key, 1, in, 7, md)
	got, _ = h.Emu.MemRead(md, sha256.Size)
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("tarsier"))
	if !hmac.Equal(got, mac.Sum(nil)) {
		t.Errorf("CCHmac = %x", got)
	}
}

func TestSysctlbyname(t *testing.T) {
	h := stubtest.New(t)
	name := h.CString(t, "hw.machine")
	size := h.Buffer(t, 8)

	if r := h.Call(t, "_sysctlbyname", name, 0, size, 0, 0); r != 0 {
		t.Fatalf("size query = %d", r)
	}
	n, _ := h.Emu.MemReadU64(size)
	if n != uint64(len(Sysctl["hw.machine"])+1) {
		t.Errorf("size = %d", n)
	}
	buf := h.Buffer(t, n)
	h.Call(t, "_sysctlbyname", name, buf, size, 0, 0)
	if s := h.ReadString(t, buf); s != Sysctl["hw.machine"] {
		t.Errorf("hw.machine = %q", s)
	}
	if r := h.Call(t, "_sysctlbyname", h.CString(t, "no.such"), buf, size, 0, 0); r != ^uint64(0) {
		t.Errorf("unknown name = %d", r)
	}
}

func TestDlsym(t *testing.T) {
	h := stubtest.New(t)
	handle := h.Call(t, "_dlopen", h.CString(t, "/usr/lib/libSystem.B.dylib"), 2)
	if handle == 0 {
		t.Fatal("dlopen returned NULL")
	}
	if addr := h.Call(t, "_dlsym", handle, h.CString(t, "arc4random")); addr != h.Addr(t, "arc4random") {
		t.Errorf("dlsym(arc4random) = 0x%x", addr)
	}
	h.Table.Exports = func(name string) (uint64, bool) {
		return 0x1000a4c, name == "_guest_export"
	}
	if addr := h.Call(t, "_dlsym", handle, h.CString(t, "guest_export")); addr != 0x1000a4c {
		t.Errorf("dlsym of an image export = 0x%x", addr)
	}
	if addr := h.Call(t, "_dlsym", handle, h.CString(t, "no_such_symbol")); addr != 0 {
		t.Errorf("dlsym of unknown symbol = 0x%x", addr)
	}
	msg := h.Call(t, "_dlerror")
	if msg == 0 || h.ReadString(t, msg) != "dlsym(no_such_symbol): symbol not found" {
		t.Errorf("dlerror = %q", h.ReadString(t, msg))
	}
	if msg := h.Call(t, "_dlerror"); msg != 0 {
		t.Error("dlerror reported the same error twice")
	}
}
