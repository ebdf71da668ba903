package emulator

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/memory"
)

const codeBase = ImageBase

type hookMap map[uint64]cpu.Hook

func (m hookMap) Lookup(pc uint64) (cpu.Hook, bool) {
	h, ok := m[pc]
	return h, ok
}

func newTestEmulator(t *testing.T, code ...uint32) *Emulator {
	t.Helper()
	emu, err := New(Options{})
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	if len(code) > 0 {
		if err := emu.Map(codeBase, memory.PageSize, memory.ProtRX, "code"); err != nil {
			t.Fatalf("map code: %v", err)
		}
		buf := make([]byte, 4*len(code))
		for i, w := range code {
			binary.LittleEndian.PutUint32(buf[i*4:], w)
		}
		if err := emu.MemWrite(codeBase, buf); err != nil {
			t.Fatalf("write code: %v", err)
		}
	}
	return emu
}

func TestCallReturnsX0(t *testing.T) {
	// ADD X0, X0, X1; RET
	emu := newTestEmulator(t, 0x8b010000, 0xd65f03c0)
	got, err := emu.Call(codeBase, 40, 2)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
	if emu.SP() != StackBase+DefaultOptions().StackSize {
		t.Errorf("SP not restored: 0x%x", emu.SP())
	}
}

func TestCallStackArguments(t *testing.T) {
	// LDR X0, [SP, #8]; RET  (tenth integer argument)
	emu := newTestEmulator(t, 0xf94007e0, 0xd65f03c0)
	got, err := emu.Call(codeBase, 0, 1, 2, 3, 4, 5, 6, 7, 8, 99)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != 99 {
		t.Errorf("Expected stack argument 99, got %d", got)
	}
}

func TestInvokeFloatArguments(t *testing.T) {
	// FADD D0, D0, D1; RET
	emu := newTestEmulator(t, 0x1e612800, 0xd65f03c0)
	res, err := emu.Invoke(codeBase, []Arg{Double(1.5), Int(7), Double(2.25)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.D0 != 3.75 {
		t.Errorf("Expected D0=3.75, got %v", res.D0)
	}
	if res.X0 != 7 {
		t.Errorf("integer argument should stay in X0, got %d", res.X0)
	}
}

func TestNestedCallFromHook(t *testing.T) {
	emu := newTestEmulator(t,
		0xa9bf7bfd, // STP X29, X30, [SP, #-16]!
		0xd28000a0, // MOV X0, #5
		0x94000003, // BL 0x14
		0xa8c17bfd, // LDP X29, X30, [SP], #16
		0xd65f03c0, // RET
		0xd28000e0, // 0x14: MOV X0, #7
		0xd65f03c0, // RET
	)
	var inner uint64
	emu.SetHooks(hookMap{codeBase + 0x14: func() (cpu.Action, error) {
		if emu.Depth() != 1 {
			return cpu.Continue, nil
		}
		x0 := emu.X(0)
		// re-enter: call the same function from the host while the
		// outer call is paused
		v, err := emu.Call(codeBase + 0x14)
		if err != nil {
			return cpu.Continue, err
		}
		inner = v
		if emu.X(0) != x0 {
			return cpu.Continue, errors.New("outer X0 clobbered by nested call")
		}
		emu.SetX(0, 100)
		return cpu.Return, nil
	}})
	got, err := emu.Call(codeBase)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if inner != 7 {
		t.Errorf("nested call returned %d, want 7", inner)
	}
	if got != 100 {
		t.Errorf("outer call returned %d, want 100", got)
	}
}

func TestWatchdogLimit(t *testing.T) {
	emu := newTestEmulator(t, 0x14000000) // B .
	emu.SetMaxInstructions(1000)
	_, err := emu.Call(codeBase)
	var f *cpu.ExecutionFault
	if !errors.As(err, &f) || f.Kind != cpu.FaultWatchdog {
		t.Fatalf("expected watchdog fault, got %v", err)
	}
}

func TestHaltedCall(t *testing.T) {
	emu := newTestEmulator(t, 0xd4400000) // HLT #0
	if _, err := emu.Call(codeBase); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
}

func TestMemoryOperations(t *testing.T) {
	emu := newTestEmulator(t)

	addr, err := emu.Malloc(64)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	val := uint64(0x123456789ABCDEF0)
	if err := emu.MemWriteU64(addr, val); err != nil {
		t.Fatalf("Failed to write U64: %v", err)
	}
	readVal, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}
	if readVal != val {
		t.Errorf("U64 mismatch: wrote 0x%x, read 0x%x", val, readVal)
	}

	strAddr, err := emu.AllocString("Hello, tarsier!")
	if err != nil {
		t.Fatalf("alloc string: %v", err)
	}
	readStr, err := emu.MemReadString(strAddr, 64)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if readStr != "Hello, tarsier!" {
		t.Errorf("String mismatch: read %q", readStr)
	}
}

func TestMallocAlignment(t *testing.T) {
	emu := newTestEmulator(t)
	var prev uint64
	for _, size := range []uint64{100, 200, 50} {
		addr, err := emu.Malloc(size)
		if err != nil {
			t.Fatalf("malloc(%d): %v", size, err)
		}
		if addr%16 != 0 {
			t.Errorf("0x%x not 16-byte aligned", addr)
		}
		if addr < HeapBase || addr <= prev {
			t.Errorf("unexpected address 0x%x after 0x%x", addr, prev)
		}
		prev = addr
	}
}

func TestStubSlots(t *testing.T) {
	emu := newTestEmulator(t)
	a, err := emu.AllocStub()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := emu.AllocStub()
	if a == ReturnAddr || b <= a || !emu.IsStub(a) || !emu.IsStub(b) {
		t.Errorf("bad stub slots 0x%x 0x%x", a, b)
	}
	// an unhooked stub is a plain RET
	v, err := emu.Call(a, 33)
	if err != nil || v != 33 {
		t.Errorf("stub call = %d, %v", v, err)
	}
}

func TestFindFreeSkipsMappings(t *testing.T) {
	emu := newTestEmulator(t, 0xd65f03c0)
	addr, ok := emu.FindFree(ImageBase, 0x3000)
	if !ok {
		t.Fatal("no free range")
	}
	if addr < codeBase+memory.PageSize {
		t.Errorf("FindFree returned 0x%x overlapping code", addr)
	}
}

func TestIndependentEmulators(t *testing.T) {
	a := newTestEmulator(t)
	b := newTestEmulator(t)
	pa, _ := a.Malloc(16)
	pb, _ := b.Malloc(16)
	a.MemWriteU64(pa, 1)
	b.MemWriteU64(pb, 2)
	if v, _ := a.MemReadU64(pa); v != 1 {
		t.Errorf("emulator a sees %d", v)
	}
}
