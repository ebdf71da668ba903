package cpu

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/zboralski/tarsier/internal/memory"
)

const (
	codeBase  = 0x10000
	dataBase  = 0x40000
	stackBase = 0x80000
	stackSize = 0x10000
	sentinel  = 0xdead0000
)

// hookMap is a minimal Hooks implementation for tests.
type hookMap map[uint64]Hook

func (m hookMap) Lookup(pc uint64) (Hook, bool) {
	h, ok := m[pc]
	return h, ok
}

func newTestCPU(t *testing.T, code ...uint32) *Interp {
	t.Helper()
	mem := memory.New()
	if err := mem.Map(codeBase, 0x1000, memory.ProtRX, "code"); err != nil {
		t.Fatalf("map code: %v", err)
	}
	if err := mem.Map(dataBase, 0x1000, memory.ProtRW, "data"); err != nil {
		t.Fatalf("map data: %v", err)
	}
	if err := mem.Map(stackBase, stackSize, memory.ProtRW, "stack"); err != nil {
		t.Fatalf("map stack: %v", err)
	}
	buf := make([]byte, 4*len(code))
	for i, w := range code {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if err := mem.Write(codeBase, buf); err != nil {
		t.Fatalf("write code: %v", err)
	}
	c := NewInterp(mem)
	c.RegWrite(SP, stackBase+stackSize)
	c.RegWrite(LR, sentinel)
	c.RegWrite(PC, codeBase)
	return c
}

func expectFault(t *testing.T, err error, kind FaultKind) *ExecutionFault {
	t.Helper()
	var f *ExecutionFault
	if !errors.As(err, &f) {
		t.Fatalf("expected ExecutionFault(%s), got %v", kind, err)
	}
	if f.Kind != kind {
		t.Fatalf("expected %s, got %v", kind, f)
	}
	return f
}

// MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addCode = []uint32{0xd28000a0, 0xd2800061, 0x8b010002, 0xd65f03c0}

func TestRunUntilReturn(t *testing.T) {
	c := newTestCPU(t, addCode...)
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X2) != 8 {
		t.Errorf("expected X2=8, got %d", c.RegRead(X2))
	}
	if c.RegRead(PC) != sentinel {
		t.Errorf("expected PC at sentinel, got 0x%x", c.RegRead(PC))
	}
	if c.Executed() != 4 {
		t.Errorf("expected 4 instructions retired, got %d", c.Executed())
	}
}

func TestCountedLoop(t *testing.T) {
	c := newTestCPU(t,
		0xd2800000, // MOV X0, #0
		0x91000400, // ADD X0, X0, #1
		0xf100281f, // CMP X0, #10
		0x54ffffcb, // B.LT -8
		0xd65f03c0, // RET
	)
	if err := c.Run(sentinel, 1000); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X0) != 10 {
		t.Errorf("expected X0=10, got %d", c.RegRead(X0))
	}
	if c.Executed() != 32 {
		t.Errorf("expected 32 instructions, got %d", c.Executed())
	}
}

func TestStackFrame(t *testing.T) {
	c := newTestCPU(t,
		0xa9bf7bfd, // STP X29, X30, [SP, #-16]!
		0x910003fd, // MOV X29, SP
		0xd10043ff, // SUB SP, SP, #16
		0xf90007e0, // STR X0, [SP, #8]
		0xf94007e3, // LDR X3, [SP, #8]
		0x910043ff, // ADD SP, SP, #16
		0xa8c17bfd, // LDP X29, X30, [SP], #16
		0xd65f03c0, // RET
	)
	c.RegWrite(X0, 0x1122334455667788)
	c.RegWrite(FP, 0x1234)
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X3) != 0x1122334455667788 {
		t.Errorf("X3 = 0x%x", c.RegRead(X3))
	}
	if c.RegRead(SP) != stackBase+stackSize {
		t.Errorf("SP not restored: 0x%x", c.RegRead(SP))
	}
	if c.RegRead(FP) != 0x1234 {
		t.Errorf("FP not restored: 0x%x", c.RegRead(FP))
	}
}

func TestSingleInstructions(t *testing.T) {
	tests := []struct {
		name  string
		insn  uint32
		setup map[Reg]uint64
		nzcv  uint64
		want  uint64
	}{
		{"lsl", 0xd37cec20, map[Reg]uint64{X1: 0x1234}, 0, 0x12340},
		{"lsr", 0xd344fc20, map[Reg]uint64{X1: 0x1234}, 0, 0x123},
		{"asr", 0x9344fc20, map[Reg]uint64{X1: 0xfffffffffffff000}, 0, 0xffffffffffffff00},
		{"ubfx", 0xd3483c20, map[Reg]uint64{X1: 0x1234}, 0, 0x12},
		{"sxtb", 0x93401c20, map[Reg]uint64{X1: 0x80}, 0, 0xffffffffffffff80},
		{"and imm", 0x927c0c20, map[Reg]uint64{X1: 0x1234}, 0, 0x30},
		{"orr imm", 0xb2401fe0, nil, 0, 0xff},
		{"movk", 0xf2a24680, map[Reg]uint64{X0: 0xffff}, 0, 0x1234ffff},
		{"movn", 0x92800000, nil, 0, math.MaxUint64},
		{"movn w", 0x12800000, nil, 0, 0xffffffff},
		{"mul", 0x9b017c00, map[Reg]uint64{X0: 6, X1: 7}, 0, 42},
		{"udiv", 0x9ac10800, map[Reg]uint64{X0: 42, X1: 5}, 0, 8},
		{"udiv by zero", 0x9ac10800, map[Reg]uint64{X0: 42, X1: 0}, 0, 0},
		{"sdiv", 0x9ac10c00, map[Reg]uint64{X0: uint64(0xffffffffffffffd6), X1: 5}, 0, uint64(0xfffffffffffffff8)},
		{"clz", 0xdac01020, map[Reg]uint64{X1: 1}, 0, 63},
		{"rev", 0xdac00c20, map[Reg]uint64{X1: 0x0102030405060708}, 0, 0x0807060504030201},
		{"madd", 0x9b020c20, map[Reg]uint64{X1: 2, X2: 3, X3: 4}, 0, 10},
		{"umulh", 0x9bc27c20, map[Reg]uint64{X1: 1 << 63, X2: 4}, 0, 2},
		{"csel eq", 0x9a820020, map[Reg]uint64{X1: 1, X2: 2}, 1 << 30, 1},
		{"csel ne", 0x9a820020, map[Reg]uint64{X1: 1, X2: 2}, 0, 2},
		{"cset", 0x1a9f07e0, map[Reg]uint64{X0: 9}, 1 << 30, 0},
		{"adr", 0x10000040, nil, 0, codeBase + 8},
		{"adrp", 0xb0000000, nil, 0, codeBase + 0x1000},
		{"mov sp", 0x910043e0, nil, 0, stackBase + stackSize + 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCPU(t, tt.insn)
			for r, v := range tt.setup {
				c.RegWrite(r, v)
			}
			c.RegWrite(NZCV, tt.nzcv)
			if err := c.Step(1); err != nil {
				t.Fatalf("step: %v", err)
			}
			if got := c.RegRead(X0); got != tt.want {
				t.Errorf("X0 = 0x%x, want 0x%x", got, tt.want)
			}
		})
	}
}

func TestLoadStoreForms(t *testing.T) {
	c := newTestCPU(t,
		0x39400424, // LDRB W4, [X1, #1]
		0x39800025, // LDRSB X5, [X1]
		0xf8627826, // LDR X6, [X1, X2, LSL #3]
		0xf85f8c01, // LDR X1, [X0, #-8]!
		0xf8008401, // STR X1, [X0], #8
		0xd65f03c0, // RET
	)
	data := []byte{0x81, 0x7f, 0, 0, 0, 0, 0, 0, 0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0}
	c.Write(dataBase, data)
	c.RegWrite(X1, dataBase)
	c.RegWrite(X2, 1)
	c.RegWrite(X0, dataBase+0x108)
	memory.WriteU64(c.Image(), dataBase+0x100, 0xabcdef)

	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X4) != 0x7f {
		t.Errorf("LDRB: X4 = 0x%x", c.RegRead(X4))
	}
	if c.RegRead(X5) != 0xffffffffffffff81 {
		t.Errorf("LDRSB: X5 = 0x%x", c.RegRead(X5))
	}
	if c.RegRead(X6) != 0xdeadbeef {
		t.Errorf("register offset: X6 = 0x%x", c.RegRead(X6))
	}
	if c.RegRead(X1) != 0xabcdef {
		t.Errorf("pre-index: X1 = 0x%x", c.RegRead(X1))
	}
	if c.RegRead(X0) != dataBase+0x108 {
		t.Errorf("post-index writeback: X0 = 0x%x", c.RegRead(X0))
	}
}

func TestExclusiveAndAtomics(t *testing.T) {
	c := newTestCPU(t,
		0xc85f7c01, // LDXR X1, [X0]
		0x91000421, // ADD X1, X1, #1
		0xc8027c01, // STXR W2, X1, [X0]
		0xaa0203e3, // MOV X3, X2
		0xf8210002, // LDADD X1, X2, [X0]
		0xc8a17c02, // CAS X1, X2, [X0] (fails)
		0xc8a17c02, // CAS X1, X2, [X0] (succeeds)
		0xf8218002, // SWP X1, X2, [X0]
		0xd65f03c0, // RET
	)
	c.RegWrite(X0, dataBase)
	memory.WriteU64(c.Image(), dataBase, 5)

	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X3) != 0 {
		t.Errorf("STXR status = %d, want 0", c.RegRead(X3))
	}
	v, _ := memory.ReadU64(c.Image(), dataBase)
	if v != 12 {
		t.Errorf("memory = %d, want 12", v)
	}
	if c.RegRead(X1) != 12 || c.RegRead(X2) != 6 {
		t.Errorf("X1=%d X2=%d, want 12 and 6", c.RegRead(X1), c.RegRead(X2))
	}
}

func TestStoreExclusiveWithoutMonitor(t *testing.T) {
	c := newTestCPU(t, 0xc8027c01) // STXR W2, X1, [X0]
	c.RegWrite(X0, dataBase)
	c.RegWrite(X1, 99)
	if err := c.Step(1); err != nil {
		t.Fatalf("step: %v", err)
	}
	if c.RegRead(X2) != 1 {
		t.Errorf("status = %d, want 1", c.RegRead(X2))
	}
	if v, _ := memory.ReadU64(c.Image(), dataBase); v != 0 {
		t.Errorf("store happened without a reservation: %d", v)
	}
}

func TestFloatingPoint(t *testing.T) {
	c := newTestCPU(t,
		0x1e6e1000, // FMOV D0, #1.0
		0x1e609001, // FMOV D1, #2.5
		0x1e612802, // FADD D2, D0, D1
		0x1e610823, // FMUL D3, D1, D1
		0x9e780040, // FCVTZS X0, D2
		0x9e620004, // SCVTF D4, X0
		0x9e660061, // FMOV X1, D3
		0x1e612000, // FCMP D0, D1
		0xd65f03c0, // RET
	)
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	d := func(n int) float64 { return math.Float64frombits(c.VecRead(n).Lo) }
	if d(2) != 3.5 {
		t.Errorf("D2 = %v, want 3.5", d(2))
	}
	if d(3) != 6.25 {
		t.Errorf("D3 = %v, want 6.25", d(3))
	}
	if c.RegRead(X0) != 3 {
		t.Errorf("FCVTZS: X0 = %d, want 3", c.RegRead(X0))
	}
	if d(4) != 3.0 {
		t.Errorf("SCVTF: D4 = %v", d(4))
	}
	if math.Float64frombits(c.RegRead(X1)) != 6.25 {
		t.Errorf("FMOV X1, D3 = 0x%x", c.RegRead(X1))
	}
	if c.RegRead(NZCV) != 0x8<<28 {
		t.Errorf("FCMP 1.0, 2.5: NZCV = 0x%x, want N set", c.RegRead(NZCV))
	}
}

func TestVectorMoves(t *testing.T) {
	c := newTestCPU(t,
		0x6f00e400, // MOVI V0.2D, #0
		0x4e040c01, // DUP V1.4S, W0
		0x0e0c3c22, // UMOV W2, V1.S[1]
		0x4e181c20, // INS V0.D[1], X1
		0xadbf03e0, // STP Q0, Q0, [SP, #-32]!
		0xd65f03c0, // RET
	)
	c.VecWrite(0, Vec{Lo: 0xffff, Hi: 0xffff})
	c.RegWrite(X0, 0xdeadbeef)
	c.RegWrite(X1, 0x4242)
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v := c.VecRead(1); v.Lo != 0xdeadbeefdeadbeef || v.Hi != 0xdeadbeefdeadbeef {
		t.Errorf("DUP: V1 = %+v", v)
	}
	if c.RegRead(X2) != 0xdeadbeef {
		t.Errorf("UMOV: X2 = 0x%x", c.RegRead(X2))
	}
	if v := c.VecRead(0); v.Lo != 0 || v.Hi != 0x4242 {
		t.Errorf("MOVI+INS: V0 = %+v", v)
	}
	sp := c.RegRead(SP)
	if sp != stackBase+stackSize-32 {
		t.Fatalf("SP = 0x%x", sp)
	}
	hi, _ := memory.ReadU64(c.Image(), sp+24)
	if hi != 0x4242 {
		t.Errorf("stored Q0 high half = 0x%x", hi)
	}
}

func TestThreadRegisters(t *testing.T) {
	c := newTestCPU(t,
		0xd51bd040, // MSR TPIDR_EL0, X0
		0xd53bd041, // MRS X1, TPIDR_EL0
		0xd53bd062, // MRS X2, TPIDRRO_EL0
	)
	c.RegWrite(X0, 0x7000)
	c.RegWrite(TPIDRRO, 0x8000)
	if err := c.Step(3); err != nil {
		t.Fatalf("step: %v", err)
	}
	if c.RegRead(X1) != 0x7000 || c.RegRead(X2) != 0x8000 {
		t.Errorf("X1=0x%x X2=0x%x", c.RegRead(X1), c.RegRead(X2))
	}
}

func TestHookContinueExecutesInstruction(t *testing.T) {
	c := newTestCPU(t, addCode...)
	calls := 0
	c.SetHooks(hookMap{codeBase + 4: func() (Action, error) {
		calls++
		c.RegWrite(X1, 10)
		return Continue, nil
	}})
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Errorf("hook called %d times, want 1", calls)
	}
	// the hook runs before MOV X1, #3, which then overwrites X1
	if c.RegRead(X2) != 8 {
		t.Errorf("X2 = %d, want 8", c.RegRead(X2))
	}
}

func TestHookReturnSkipsFunction(t *testing.T) {
	c := newTestCPU(t, addCode...)
	c.SetHooks(hookMap{codeBase: func() (Action, error) {
		c.RegWrite(X0, 42)
		return Return, nil
	}})
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X0) != 42 {
		t.Errorf("X0 = %d, want 42", c.RegRead(X0))
	}
	if c.Executed() != 0 {
		t.Errorf("expected no instructions, got %d", c.Executed())
	}
}

func TestHookResumeRedirects(t *testing.T) {
	c := newTestCPU(t, addCode...)
	c.SetHooks(hookMap{codeBase + 4: func() (Action, error) {
		c.RegWrite(X1, 10)
		c.RegWrite(PC, codeBase+8)
		return Resume, nil
	}})
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X2) != 15 {
		t.Errorf("X2 = %d, want 15", c.RegRead(X2))
	}
}

func TestHookStopAndError(t *testing.T) {
	c := newTestCPU(t, addCode...)
	c.SetHooks(hookMap{codeBase + 8: func() (Action, error) { return Stop, nil }})
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(PC) != codeBase+8 {
		t.Errorf("PC = 0x%x, want stop at hook", c.RegRead(PC))
	}

	boom := errors.New("boom")
	c = newTestCPU(t, addCode...)
	c.SetHooks(hookMap{codeBase + 8: func() (Action, error) { return Continue, boom }})
	f := expectFault(t, c.Run(sentinel, 0), FaultHook)
	if !errors.Is(f, boom) {
		t.Errorf("hook error not wrapped: %v", f)
	}
	if f.PC != codeBase+8 {
		t.Errorf("fault PC = 0x%x", f.PC)
	}
}

func TestWatchdog(t *testing.T) {
	c := newTestCPU(t, 0x14000000) // B .
	f := expectFault(t, c.Run(sentinel, 100), FaultWatchdog)
	if f.PC != codeBase {
		t.Errorf("fault PC = 0x%x", f.PC)
	}
	if c.Executed() != 100 {
		t.Errorf("executed %d, want 100", c.Executed())
	}
}

func TestStep(t *testing.T) {
	c := newTestCPU(t, addCode...)
	if err := c.Step(2); err != nil {
		t.Fatalf("step: %v", err)
	}
	if c.RegRead(PC) != codeBase+8 {
		t.Errorf("PC = 0x%x after two steps", c.RegRead(PC))
	}
	if c.RegRead(X1) != 3 || c.RegRead(X2) != 0 {
		t.Errorf("unexpected state X1=%d X2=%d", c.RegRead(X1), c.RegRead(X2))
	}
}

func TestFaults(t *testing.T) {
	t.Run("unmapped load", func(t *testing.T) {
		c := newTestCPU(t, 0xf9400020) // LDR X0, [X1]
		c.RegWrite(X1, 0x900000)
		f := expectFault(t, c.Run(sentinel, 0), FaultInvalidAccess)
		if f.Addr != 0x900000 || !errors.Is(f, memory.ErrUnmapped) {
			t.Errorf("unexpected fault %v", f)
		}
	})
	t.Run("write to code", func(t *testing.T) {
		c := newTestCPU(t, 0xf9000020) // STR X0, [X1]
		c.RegWrite(X1, codeBase)
		f := expectFault(t, c.Run(sentinel, 0), FaultInvalidAccess)
		if !errors.Is(f, memory.ErrProtection) {
			t.Errorf("expected protection error, got %v", f)
		}
	})
	t.Run("misaligned sp", func(t *testing.T) {
		c := newTestCPU(t, 0xf90007e0) // STR X0, [SP, #8]
		c.RegWrite(SP, stackBase+stackSize-8)
		expectFault(t, c.Run(sentinel, 0), FaultAlignment)
	})
	t.Run("undefined", func(t *testing.T) {
		c := newTestCPU(t, 0x00000000)
		expectFault(t, c.Run(sentinel, 0), FaultUndefined)
	})
	t.Run("breakpoint", func(t *testing.T) {
		c := newTestCPU(t, 0xd4200020) // BRK #1
		expectFault(t, c.Run(sentinel, 0), FaultBreakpoint)
	})
	t.Run("svc without handler", func(t *testing.T) {
		c := newTestCPU(t, 0xd4001001) // SVC #0x80
		expectFault(t, c.Run(sentinel, 0), FaultSyscall)
	})
	t.Run("fetch unmapped", func(t *testing.T) {
		c := newTestCPU(t, 0xd65f03c0)
		c.RegWrite(LR, 0x700000)
		f := expectFault(t, c.Run(sentinel, 0), FaultInvalidAccess)
		if f.PC != 0x700000 {
			t.Errorf("fault PC = 0x%x", f.PC)
		}
	})
}

func TestSyscallHandler(t *testing.T) {
	c := newTestCPU(t, 0xd4001001, 0xd65f03c0) // SVC #0x80; RET
	var got uint16
	c.SetSyscallHandler(func(imm uint16) error {
		got = imm
		c.RegWrite(X0, 99)
		return nil
	})
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 0x80 || c.RegRead(X0) != 99 {
		t.Errorf("imm=0x%x X0=%d", got, c.RegRead(X0))
	}
}

func TestSyscallHandlerReentersRun(t *testing.T) {
	c := newTestCPU(t,
		0xd4001001, // SVC #0x80
		0x91000400, // ADD X0, X0, #1
		0xd65f03c0, // RET
		0xd2800540, // MOV X0, #42
		0xd65f03c0, // RET
	)
	c.SetSyscallHandler(func(uint16) error {
		ctx := c.Save()
		c.RegWrite(LR, sentinel)
		c.RegWrite(PC, codeBase+12)
		if err := c.Run(sentinel, 0); err != nil {
			return err
		}
		v := c.RegRead(X0)
		c.Restore(ctx)
		c.RegWrite(X0, v)
		return nil
	})
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X0) != 43 {
		t.Errorf("X0 = %d, want the instruction after SVC to run", c.RegRead(X0))
	}
}

func TestHalt(t *testing.T) {
	c := newTestCPU(t, 0xd4400000, 0xd2800540) // HLT #0; MOV X0, #42
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.RegRead(X0) == 42 {
		t.Error("execution continued past HLT")
	}
	if c.RegRead(PC) != codeBase+4 {
		t.Errorf("PC = 0x%x", c.RegRead(PC))
	}
}

func TestSaveRestore(t *testing.T) {
	c := newTestCPU(t, addCode...)
	c.RegWrite(X19, 0x1919)
	ctx := c.Save()
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	c.Restore(ctx)
	if c.RegRead(PC) != codeBase || c.RegRead(X2) != 0 || c.RegRead(X19) != 0x1919 {
		t.Errorf("restore incomplete: pc=0x%x x2=%d", c.RegRead(PC), c.RegRead(X2))
	}
}

func TestTracer(t *testing.T) {
	c := newTestCPU(t, addCode...)
	var pcs []uint64
	c.SetTracer(func(pc uint64, insn uint32) { pcs = append(pcs, pc) })
	if err := c.Run(sentinel, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pcs) != 4 || pcs[3] != codeBase+12 {
		t.Errorf("traced %x", pcs)
	}
}

func TestFaultMessage(t *testing.T) {
	f := &ExecutionFault{Kind: FaultInvalidAccess, PC: 0x1000, Addr: 0x20, Insn: 0xf9400020}
	msg := f.Error()
	t.Logf("fault: %s", msg)
	if msg == "" {
		t.Fatal("empty message")
	}
	if got := Disasm(0xd65f03c0); !strings.Contains(strings.ToUpper(got), "RET") {
		t.Errorf("Disasm(RET) = %q", got)
	}
}
