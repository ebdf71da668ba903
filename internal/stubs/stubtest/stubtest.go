// Package stubtest runs host stubs against a real emulator for tests.
package stubtest

import (
	"encoding/binary"
	"testing"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/intercept"
	"github.com/zboralski/tarsier/internal/memory"
	"github.com/zboralski/tarsier/internal/stubs"
)

// Harness is an emulator with the default stub registry bound.
type Harness struct {
	Emu   *emulator.Emulator
	Hooks *intercept.Registry
	Table *stubs.Table
}

// New creates a harness that is closed when the test ends.
func New(t testing.TB) *Harness {
	t.Helper()
	return NewOptions(t, emulator.Options{})
}

// NewOptions is New with explicit emulator options.
func NewOptions(t testing.TB, opts emulator.Options) *Harness {
	t.Helper()
	emu, err := emulator.New(opts)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	hooks := intercept.New(emu, nil)
	emu.SetHooks(hooks)
	table := stubs.DefaultRegistry.Bind(emu, hooks)
	table.Fallbacks = false
	t.Cleanup(func() {
		table.Close()
		emu.Close()
	})
	return &Harness{Emu: emu, Hooks: hooks, Table: table}
}

// Addr resolves an import through the table.
func (h *Harness) Addr(t testing.TB, name string) uint64 {
	t.Helper()
	addr, ok := h.Table.Resolve(name)
	if !ok {
		t.Fatalf("no stub for %s", name)
	}
	return addr
}

// Call invokes the stub for name the way guest code would.
func (h *Harness) Call(t testing.TB, name string, args ...uint64) uint64 {
	t.Helper()
	v, err := h.Emu.Call(h.Addr(t, name), args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return v
}

// CallVariadic passes fixed arguments in registers and the variadic ones on
// the stack, as Darwin arm64 does.
func (h *Harness) CallVariadic(t testing.TB, name string, fixed []uint64, variadic ...uint64) uint64 {
	t.Helper()
	args := make([]uint64, 8, 8+len(variadic))
	copy(args, fixed)
	return h.Call(t, name, append(args, variadic...)...)
}

// CString copies s into guest memory.
func (h *Harness) CString(t testing.TB, s string) uint64 {
	t.Helper()
	addr, err := h.Emu.AllocString(s)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

// Buffer allocates n zeroed bytes.
func (h *Harness) Buffer(t testing.TB, n uint64) uint64 {
	t.Helper()
	addr, err := h.Emu.Malloc(n)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

// ReadString reads a C string back.
func (h *Harness) ReadString(t testing.TB, addr uint64) string {
	t.Helper()
	s, err := h.Emu.MemReadString(addr, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// Code maps ARM64 instruction words at addr and returns addr.
func (h *Harness) Code(t testing.TB, addr uint64, words ...uint32) uint64 {
	t.Helper()
	if err := h.Emu.Map(memory.AlignDown(addr, memory.PageSize), memory.PageSize, memory.ProtRX, "code"); err != nil {
		t.Fatalf("map code: %v", err)
	}
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if err := h.Emu.MemWrite(addr, buf); err != nil {
		t.Fatal(err)
	}
	return addr
}
