package stubs

import (
	"testing"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/intercept"
)

func newTestTable(t *testing.T, reg *Registry) (*emulator.Emulator, *intercept.Registry, *Table) {
	t.Helper()
	emu, err := emulator.New(emulator.Options{})
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	hooks := intercept.New(emu, nil)
	emu.SetHooks(hooks)
	table := reg.Bind(emu, hooks)
	t.Cleanup(func() {
		table.Close()
		emu.Close()
	})
	return emu, hooks, table
}

func TestRegistryLookupStripsUnderscore(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("test", "answer", func(emu *emulator.Emulator) (cpu.Action, error) {
		return Return(emu, 42)
	}, "answer_alias")

	for _, name := range []string{"answer", "_answer", "answer_alias", "_answer_alias"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Errorf("Lookup(%q) failed", name)
		}
	}
	if _, ok := reg.Lookup("__answer"); ok {
		t.Error("only one leading underscore is stripped")
	}
	if reg.Count() != 1 {
		t.Errorf("Count = %d, aliases should not count", reg.Count())
	}
}

func TestTableResolveInstallsHook(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("test", "answer", func(emu *emulator.Emulator) (cpu.Action, error) {
		return Return(emu, 42)
	})
	emu, _, table := newTestTable(t, reg)

	addr, ok := table.Resolve("_answer")
	if !ok || !emu.IsStub(addr) {
		t.Fatalf("Resolve = 0x%x, %v", addr, ok)
	}
	again, _ := table.Resolve("_answer")
	if again != addr {
		t.Errorf("second Resolve allocated a new slot: 0x%x vs 0x%x", again, addr)
	}
	got, err := emu.Call(addr)
	if err != nil || got != 42 {
		t.Errorf("call = %d, %v", got, err)
	}
	if name, ok := table.NameOf(addr); !ok || name != "_answer" {
		t.Errorf("NameOf = %q, %v", name, ok)
	}
}

func TestTableFallback(t *testing.T) {
	emu, _, table := newTestTable(t, NewRegistry())

	var events []string
	table.OnCall = func(category, name, detail string) {
		events = append(events, category+":"+name)
	}
	addr, ok := table.Resolve("_unknown_import")
	if !ok {
		t.Fatal("fallback not bound")
	}
	got, err := emu.Call(addr, 7)
	if err != nil || got != 0 {
		t.Errorf("fallback returned %d, %v", got, err)
	}
	if len(events) != 1 || events[0] != "fallback:_unknown_import" {
		t.Errorf("events = %v", events)
	}

	table.Fallbacks = false
	if _, ok := table.Resolve("_other"); ok {
		t.Error("unknown import bound with fallbacks disabled")
	}
}

func TestTableDataImport(t *testing.T) {
	reg := NewRegistry()
	reg.Register(StubDef{Name: "guard", Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	emu, _, table := newTestTable(t, reg)

	addr, ok := table.Resolve("_guard")
	if !ok || emu.IsStub(addr) {
		t.Fatalf("data import bound to 0x%x, %v", addr, ok)
	}
	v, _ := emu.MemReadU64(addr)
	if v != 0x0807060504030201 {
		t.Errorf("data = 0x%x", v)
	}
}

func TestLocalDefinitionWins(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("test", "f", func(emu *emulator.Emulator) (cpu.Action, error) { return Return(emu, 1) })
	emu, _, table := newTestTable(t, reg)
	table.DefineFunc("session", "f", func(emu *emulator.Emulator) (cpu.Action, error) { return Return(emu, 2) })

	addr, _ := table.Resolve("f")
	if got, _ := emu.Call(addr); got != 2 {
		t.Errorf("got %d, want session definition", got)
	}
}

func TestInterceptorOverridesStub(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("test", "f", func(emu *emulator.Emulator) (cpu.Action, error) { return Return(emu, 1) })
	emu, hooks, table := newTestTable(t, reg)

	addr, _ := table.Resolve("f")
	hooks.Register(intercept.Address(addr), intercept.Retval(99))
	if got, _ := emu.Call(addr); got != 99 {
		t.Errorf("got %d, want interceptor value", got)
	}
}

func TestInstallAtImportAddresses(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("test", "f", func(emu *emulator.Emulator) (cpu.Action, error) { return Return(emu, 5) })
	emu, _, table := newTestTable(t, reg)

	plt, _ := emu.AllocStub()
	other, _ := emu.AllocStub()
	n := table.Install(map[string]uint64{"f": plt, "g": other, "zero": 0})
	if n != 2 {
		t.Errorf("installed %d, want 2", n)
	}
	if got, _ := emu.Call(plt); got != 5 {
		t.Errorf("f = %d", got)
	}
	if got, _ := emu.Call(other, 3); got != 0 {
		t.Errorf("fallback g = %d", got)
	}
}
