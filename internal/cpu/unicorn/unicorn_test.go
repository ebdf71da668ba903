//go:build unicorn

package unicorn

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/memory"
)

const (
	codeBase = 0x10000
	retAddr  = 0x20000
)

type hookMap map[uint64]cpu.Hook

func (m hookMap) Lookup(pc uint64) (cpu.Hook, bool) {
	h, ok := m[pc]
	return h, ok
}

func newBackend(t *testing.T, code ...uint32) *Backend {
	t.Helper()
	b, err := New()
	if err != nil {
		t.Fatalf("unicorn: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.MemMap(codeBase, memory.PageSize, memory.ProtRX, "code"); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := b.MemMap(retAddr, memory.PageSize, memory.ProtRX, "ret"); err != nil {
		t.Fatalf("map: %v", err)
	}
	buf := make([]byte, 4*len(code))
	for i, w := range code {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	if err := b.Write(codeBase, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.RegWrite(cpu.LR, retAddr)
	b.RegWrite(cpu.PC, codeBase)
	return b
}

func TestRunToReturn(t *testing.T) {
	// ADD X0, X0, X1; RET
	b := newBackend(t, 0x8b010000, 0xd65f03c0)
	b.RegWrite(cpu.X0, 40)
	b.RegWrite(cpu.X1, 2)
	if err := b.Run(retAddr, 100); err != nil {
		t.Fatalf("run: %v", err)
	}
	if x0 := b.RegRead(cpu.X0); x0 != 42 {
		t.Errorf("X0 = %d", x0)
	}
	if b.Executed() != 2 {
		t.Errorf("executed = %d", b.Executed())
	}
}

func TestHookReturnSkipsBody(t *testing.T) {
	// MOV X0, #1; RET
	b := newBackend(t, 0xd2800020, 0xd65f03c0)
	b.SetHooks(hookMap{codeBase: func() (cpu.Action, error) {
		b.RegWrite(cpu.X0, 7)
		return cpu.Return, nil
	}})
	if err := b.Run(retAddr, 100); err != nil {
		t.Fatalf("run: %v", err)
	}
	if x0 := b.RegRead(cpu.X0); x0 != 7 {
		t.Errorf("X0 = %d, want hook value", x0)
	}
}

func TestUnmappedLoadFaults(t *testing.T) {
	// LDR X0, [X1]
	b := newBackend(t, 0xf9400020)
	b.RegWrite(cpu.X1, 0x7000000)
	err := b.Run(retAddr, 100)
	var fault *cpu.ExecutionFault
	if !errors.As(err, &fault) || fault.Kind != cpu.FaultInvalidAccess {
		t.Fatalf("expected invalid access, got %v", err)
	}
	if fault.Addr != 0x7000000 {
		t.Errorf("fault addr = 0x%x", fault.Addr)
	}
}

func TestWatchdog(t *testing.T) {
	// B .
	b := newBackend(t, 0x14000000)
	err := b.Run(retAddr, 50)
	var fault *cpu.ExecutionFault
	if !errors.As(err, &fault) || fault.Kind != cpu.FaultWatchdog {
		t.Fatalf("expected watchdog, got %v", err)
	}
}
