// Package stubs provides host implementations of imported functions.
// Each stub package uses init() to register its definitions with the
// default registry; a session binds them into its interceptor registry
// through a Table.
package stubs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/intercept"
	glog "github.com/zboralski/tarsier/internal/log"
	"go.uber.org/zap"
)

// HookFunc implements one imported function. Arguments are in X0-X7; most
// stubs set X0 and return cpu.Return.
type HookFunc func(emu *emulator.Emulator) (cpu.Action, error)

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name without the Mach-O underscore (e.g. "malloc")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Data     []byte // data import: bind to a heap copy instead of a stub
	Category string // For logging: "libc", "pthread", "objc", ...
}

// Registry holds stub definitions. It is filled from init() and read-only
// afterwards.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]*StubDef)}
}

// Register adds a stub definition to the registry.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Lookup finds the definition for an import name. Mach-O names carry a
// leading underscore that C symbols do not.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.stubs[name]; ok {
		return def, true
	}
	if trimmed := strings.TrimPrefix(name, "_"); trimmed != name {
		def, ok := r.stubs[trimmed]
		return def, ok
	}
	return nil, false
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	return len(r.List())
}

// List returns all registered stub names, aliases excluded, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	for name, def := range r.stubs {
		if def.Name == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Table binds stubs into one session: every bound import gets its own stub
// slot installed as a built-in of the session's interceptor registry, so a
// user interceptor on the same symbol runs first and can fall through to it.
type Table struct {
	reg   *Registry
	emu   *emulator.Emulator
	hooks *intercept.Registry

	local map[string]*StubDef // session-defined stubs, checked first
	addrs map[string]uint64   // bound name -> guest address

	// Fallbacks binds unknown imports to a stub that logs and returns 0.
	Fallbacks bool
	// OnCall observes stub activity; set by the session's tracer.
	OnCall func(category, name, detail string)
	// Exports resolves names defined by loaded images. dlsym consults it
	// before the stubs.
	Exports func(name string) (uint64, bool)
}

var (
	tablesMu sync.RWMutex
	tables   = map[*emulator.Emulator]*Table{}
)

// Bind creates a table for emu. Close releases it.
func (r *Registry) Bind(emu *emulator.Emulator, hooks *intercept.Registry) *Table {
	t := &Table{
		reg:       r,
		emu:       emu,
		hooks:     hooks,
		local:     make(map[string]*StubDef),
		addrs:     make(map[string]uint64),
		Fallbacks: true,
	}
	tablesMu.Lock()
	tables[emu] = t
	tablesMu.Unlock()
	return t
}

// Close detaches the table from its emulator.
func (t *Table) Close() {
	tablesMu.Lock()
	if tables[t.emu] == t {
		delete(tables, t.emu)
	}
	tablesMu.Unlock()
}

// Define adds a session-specific stub that takes precedence over the shared
// registry. Runtime exports whose state lives in the session use this.
func (t *Table) Define(def StubDef) {
	t.local[def.Name] = &def
	for _, alias := range def.Aliases {
		t.local[alias] = &def
	}
}

// DefineFunc is Define for a plain function stub.
func (t *Table) DefineFunc(category, name string, hook HookFunc, aliases ...string) {
	t.Define(StubDef{Name: name, Aliases: aliases, Hook: hook, Category: category})
}

func (t *Table) lookup(name string) (*StubDef, bool) {
	if def, ok := t.local[name]; ok {
		return def, true
	}
	if def, ok := t.local[strings.TrimPrefix(name, "_")]; ok {
		return def, true
	}
	return t.reg.Lookup(name)
}

// Known reports whether a host definition exists for name.
func (t *Table) Known(name string) bool {
	_, ok := t.lookup(name)
	return ok
}

// Resolve returns the guest address bound to an import, allocating a stub
// slot (or a data block) on first use. Unknown names get a fallback stub when
// Fallbacks is set.
func (t *Table) Resolve(name string) (uint64, bool) {
	if addr, ok := t.addrs[name]; ok {
		return addr, true
	}
	def, ok := t.lookup(name)
	if !ok && !t.Fallbacks {
		return 0, false
	}

	var addr uint64
	var err error
	switch {
	case ok && def.Data != nil:
		addr, err = t.emu.AllocBytes(def.Data)
	default:
		addr, err = t.emu.AllocStub()
	}
	if err != nil {
		glog.L.Warn("stub allocation failed", glog.Fn(name), zap.Error(err))
		return 0, false
	}
	if ok && def.Data == nil {
		err = t.install(name, def, addr)
	} else if !ok {
		err = t.installFallback(name, addr)
	}
	if err != nil {
		glog.L.Warn("stub install failed", glog.Fn(name), zap.Error(err))
		return 0, false
	}
	t.addrs[name] = addr
	return addr, true
}

// Install hooks stubs at import addresses the image already provides, such
// as ELF PLT entries. It returns the number of hooks installed.
func (t *Table) Install(imports map[string]uint64) int {
	installed := 0
	seen := make(map[uint64]bool) // Avoid double-hooking same address
	for name, addr := range imports {
		if addr == 0 || seen[addr] {
			continue
		}
		seen[addr] = true
		def, ok := t.lookup(name)
		var err error
		switch {
		case ok && def.Hook != nil:
			err = t.install(name, def, addr)
		case !ok && t.Fallbacks:
			err = t.installFallback(name, addr)
		default:
			continue
		}
		if err != nil {
			glog.L.Warn("stub install failed", glog.Fn(name), zap.Error(err))
			continue
		}
		t.addrs[name] = addr
		installed++
	}
	return installed
}

func (t *Table) install(name string, def *StubDef, addr uint64) error {
	if def.Hook == nil {
		return fmt.Errorf("stub %s has no implementation", name)
	}
	glog.L.StubInstall(def.Category, name, addr)
	hook := def.Hook
	return t.hooks.Builtin(addr, name, func(e *emulator.Emulator, _ uint64, _ uint32) (cpu.Action, error) {
		return hook(e)
	})
}

func (t *Table) installFallback(name string, addr uint64) error {
	return t.hooks.Builtin(addr, name, func(e *emulator.Emulator, _ uint64, _ uint32) (cpu.Action, error) {
		glog.L.StubFallback(name)
		t.log("fallback", name, "-> 0")
		e.SetX(0, 0)
		return cpu.Return, nil
	})
}

// Symbols returns a copy of the bound name -> address map.
func (t *Table) Symbols() map[string]uint64 {
	out := make(map[string]uint64, len(t.addrs))
	for k, v := range t.addrs {
		out[k] = v
	}
	return out
}

// NameOf returns the import bound at addr.
func (t *Table) NameOf(addr uint64) (string, bool) {
	for name, a := range t.addrs {
		if a == addr {
			return name, true
		}
	}
	return "", false
}

func (t *Table) log(category, name, detail string) {
	if t.OnCall != nil {
		t.OnCall(category, name, detail)
	}
	glog.L.Event(t.emu.LR(), category, name, detail)
}

// TableOf returns the table bound to emu.
func TableOf(emu *emulator.Emulator) (*Table, bool) {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	t, ok := tables[emu]
	return t, ok
}

// Log reports stub activity for the session that owns emu.
func Log(emu *emulator.Emulator, category, name, detail string) {
	tablesMu.RLock()
	t := tables[emu]
	tablesMu.RUnlock()
	if t != nil {
		t.log(category, name, detail)
		return
	}
	glog.L.Event(emu.LR(), category, name, detail)
}

// Return sets X0 and returns to the caller.
func Return(emu *emulator.Emulator, v uint64) (cpu.Action, error) {
	emu.SetX(0, v)
	return cpu.Return, nil
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
