// Package intercept maps guest addresses to host callbacks. Triggers are
// resolved to a canonical address when registered; the engine consults the
// registry once per instruction visit.
package intercept

import (
	"errors"
	"fmt"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	glog "github.com/zboralski/tarsier/internal/log"
	"go.uber.org/zap"
)

// ErrUnresolved means a trigger names something not loaded yet.
var ErrUnresolved = errors.New("trigger cannot be resolved")

// Callback is host logic run before the instruction at addr. It may read
// and write registers and memory and re-enter the emulator.
type Callback func(e *emulator.Emulator, addr uint64, size uint32) (cpu.Action, error)

// Resolver turns symbolic triggers into addresses. The session implements it
// over loaded modules, host stubs and the ObjC runtime.
type Resolver interface {
	ResolveSymbol(name string) (uint64, bool)
	ResolveOffset(module string, off uint64) (uint64, bool)
	ResolveMethod(class, selector string, meta bool) (uint64, bool)
}

// Entry is one registered interceptor.
type Entry struct {
	Trigger  Trigger
	Addr     uint64
	Size     uint32
	Callback Callback
}

// builtin is a host implementation installed by the runtime or the stub
// table rather than by the user.
type builtin struct {
	name     string
	callback Callback
}

// Registry holds the interceptors of one session. Built-in host
// implementations live in a separate layer beneath them.
type Registry struct {
	emu      *emulator.Emulator
	resolver Resolver

	entries  map[uint64]*Entry
	pending  map[string]*Entry // by Trigger.String()
	builtins map[uint64]builtin
}

// New creates a registry bound to emu. It does not install itself; call
// emu.SetHooks(r) to activate it.
func New(emu *emulator.Emulator, resolver Resolver) *Registry {
	return &Registry{
		emu:      emu,
		resolver: resolver,
		entries:  make(map[uint64]*Entry),
		pending:  make(map[string]*Entry),
		builtins: make(map[uint64]builtin),
	}
}

// Builtin installs the host implementation of name at addr. An interceptor
// bound to the same address runs first; when it returns cpu.Continue the
// built-in runs in place of the guest instruction. Remove never deletes
// built-ins.
func (r *Registry) Builtin(addr uint64, name string, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("builtin %s: nil callback", name)
	}
	r.builtins[addr] = builtin{name: name, callback: cb}
	return nil
}

// BuiltinAt names the built-in installed at addr.
func (r *Registry) BuiltinAt(addr uint64) (string, bool) {
	b, ok := r.builtins[addr]
	return b.name, ok
}

// Register installs cb at the trigger, replacing any entry at the same
// address. Symbolic triggers that cannot be resolved yet are kept pending.
func (r *Registry) Register(t Trigger, cb Callback) error {
	return r.RegisterSized(t, 4, cb)
}

// RegisterSized is Register with an explicit hooked-range size that is passed
// to the callback.
func (r *Registry) RegisterSized(t Trigger, size uint32, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("register %s: nil callback", t)
	}
	e := &Entry{Trigger: t, Size: size, Callback: cb}
	addr, err := r.resolve(t)
	if err != nil {
		if errors.Is(err, ErrUnresolved) && t.Symbolic() {
			r.pending[t.String()] = e
			glog.L.Debug("interceptor pending", zap.Stringer("trigger", t))
			return nil
		}
		return err
	}
	r.bind(e, addr)
	return nil
}

func (r *Registry) bind(e *Entry, addr uint64) {
	e.Addr = addr
	if old, ok := r.entries[addr]; ok && old.Trigger != e.Trigger {
		glog.L.Debug("interceptor replaced",
			glog.Addr(addr),
			zap.Stringer("old", old.Trigger),
			zap.Stringer("new", e.Trigger),
		)
	}
	r.entries[addr] = e
	delete(r.pending, e.Trigger.String())
}

// resolve maps a trigger to its canonical address.
func (r *Registry) resolve(t Trigger) (uint64, error) {
	if t.Kind == KindAddress {
		return t.Addr, nil
	}
	if r.resolver == nil {
		return 0, fmt.Errorf("%s: %w", t, ErrUnresolved)
	}
	var (
		addr uint64
		ok   bool
	)
	switch t.Kind {
	case KindOffset:
		addr, ok = r.resolver.ResolveOffset(t.Module, t.Addr)
	case KindSymbol:
		addr, ok = r.resolver.ResolveSymbol(t.Name)
	case KindMethod:
		addr, ok = r.ResolveSymbolic(t.Class, t.Selector, t.Meta)
	default:
		return 0, fmt.Errorf("invalid trigger kind %d", t.Kind)
	}
	if !ok {
		return 0, fmt.Errorf("%s: %w", t, ErrUnresolved)
	}
	return addr, nil
}

// ResolveSymbolic resolves a method through the runtime's method tables.
func (r *Registry) ResolveSymbolic(class, selector string, meta bool) (uint64, bool) {
	if r.resolver == nil {
		return 0, false
	}
	return r.resolver.ResolveMethod(class, selector, meta)
}

// ResolvePending retries pending triggers and rebinds symbolic entries whose
// target moved. The session calls it after every module load. It returns the
// number of entries bound or moved.
func (r *Registry) ResolvePending() int {
	n := 0
	for _, e := range r.entries {
		if !e.Trigger.Symbolic() {
			continue
		}
		addr, err := r.resolve(e.Trigger)
		if err != nil || addr == e.Addr {
			continue
		}
		if r.entries[e.Addr] == e {
			delete(r.entries, e.Addr)
		}
		r.bind(e, addr)
		n++
	}
	for _, e := range r.pending {
		if addr, err := r.resolve(e.Trigger); err == nil {
			r.bind(e, addr)
			n++
		}
	}
	return n
}

// Remove deletes the entry for t, bound or pending.
func (r *Registry) Remove(t Trigger) bool {
	if _, ok := r.pending[t.String()]; ok {
		delete(r.pending, t.String())
		return true
	}
	for addr, e := range r.entries {
		if e.Trigger == t {
			delete(r.entries, addr)
			return true
		}
	}
	if addr, err := r.resolve(t); err == nil {
		if _, ok := r.entries[addr]; ok {
			delete(r.entries, addr)
			return true
		}
	}
	return false
}

// Resolve returns the entry bound at addr.
func (r *Registry) Resolve(addr uint64) (*Entry, bool) {
	e, ok := r.entries[addr]
	return e, ok
}

// Lookup adapts the registry to cpu.Hooks.
func (r *Registry) Lookup(pc uint64) (cpu.Hook, bool) {
	e, user := r.entries[pc]
	b, host := r.builtins[pc]
	if !user && !host {
		return nil, false
	}
	return func() (cpu.Action, error) {
		if user {
			act, err := e.Callback(r.emu, pc, e.Size)
			if err != nil {
				return act, fmt.Errorf("%s: %w", e.Trigger, err)
			}
			if act != cpu.Continue || !host {
				return act, nil
			}
		}
		act, err := b.callback(r.emu, pc, 4)
		if err != nil {
			return act, fmt.Errorf("%s: %w", b.name, err)
		}
		return act, nil
	}, true
}

// Len returns the number of bound interceptors, built-ins excluded.
func (r *Registry) Len() int { return len(r.entries) }

// Pending lists triggers that are not bound yet.
func (r *Registry) Pending() []Trigger {
	out := make([]Trigger, 0, len(r.pending))
	for _, e := range r.pending {
		out = append(out, e.Trigger)
	}
	return out
}

// Retval returns a callback that skips the function and returns v in X0.
func Retval(v uint64) Callback {
	return func(e *emulator.Emulator, addr uint64, size uint32) (cpu.Action, error) {
		e.SetX(0, v)
		return cpu.Return, nil
	}
}

// Skip returns to the caller without touching X0.
func Skip(e *emulator.Emulator, addr uint64, size uint32) (cpu.Action, error) {
	return cpu.Return, nil
}

// Continue observes and then runs the original implementation: the
// built-in at the address if there is one, the guest instruction otherwise.
func Continue(e *emulator.Emulator, addr uint64, size uint32) (cpu.Action, error) {
	return cpu.Continue, nil
}
