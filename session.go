// Package tarsier emulates an ARM64 iOS process. A Session loads Mach-O
// images into a private address space, binds their imports to host stubs
// and an Objective-C runtime, and lets the host send messages into guest
// code and intercept execution anywhere.
//
//	s, err := tarsier.New(tarsier.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	if _, err := s.LoadModule("Sample", true); err != nil {
//		return err
//	}
//	err = s.WithAutoreleasePool(func() error {
//		ref, err := s.MsgSend("Sample", "echo:", "hello")
//		if err != nil {
//			return err
//		}
//		out, err := s.ReadString(uint64(ref))
//		...
//	})
package tarsier

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/config"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/foundation"
	"github.com/zboralski/tarsier/internal/intercept"
	"github.com/zboralski/tarsier/internal/loader"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/marshal"
	"github.com/zboralski/tarsier/internal/objc"
	"github.com/zboralski/tarsier/internal/stubs"
	_ "github.com/zboralski/tarsier/internal/stubs/all"
	"github.com/zboralski/tarsier/internal/trace"
)

// ErrClosed is returned by every operation on a closed session.
var ErrClosed = errors.New("session closed")

type (
	Config   = config.Config
	ID       = objc.ID
	Trigger  = intercept.Trigger
	Callback = intercept.Callback
	Encoding = marshal.Encoding
	Value    = marshal.Value
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML file (optional) and TARSIER_* overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Session is one emulated process. It is not safe for concurrent use.
type Session struct {
	cfg Config

	emu     *emulator.Emulator
	hooks   *intercept.Registry
	table   *stubs.Table
	rt      *objc.Runtime
	found   *foundation.Foundation
	marshal *marshal.Marshaler
	tracer  *trace.Tracer

	modules []*loader.Module
	closed  bool
}

// New creates a session. cfg is copied; later changes to it have no effect.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Bundle.Info = maps.Clone(cfg.Bundle.Info)
	if cfg.Debug {
		glog.Init(true)
	}

	emu, err := emulator.New(emulator.Options{
		Backend:         cfg.Backend,
		StackSize:       cfg.StackSize,
		HeapSize:        cfg.HeapSize,
		MaxInstructions: cfg.MaxInstructions,
		RootFS:          cfg.RootFS,
	})
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}
	s := &Session{cfg: cfg, emu: emu}
	s.hooks = intercept.New(emu, resolver{s})
	emu.SetHooks(s.hooks)
	s.table = stubs.DefaultRegistry.Bind(emu, s.hooks)
	s.table.Fallbacks = cfg.FallbackImports
	s.table.Exports = resolver{s}.ResolveImport

	if s.rt, err = objc.New(emu, s.hooks); err != nil {
		s.Close()
		return nil, fmt.Errorf("objc runtime: %w", err)
	}
	s.rt.Install(s.table)
	s.found, err = foundation.Install(s.rt, s.table, foundation.Options{
		Bundle: cfg.Bundle,
		UIKit:  cfg.EnableUIKit,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("foundation: %w", err)
	}
	s.marshal = marshal.New(s.found)
	s.rt.Converter = s.marshal

	if cfg.Trace {
		s.SetTracer(trace.New(os.Stderr,
			trace.WithColor(cfg.TraceColor),
			trace.WithSymbolizer(s.Symbolize)), true)
	}
	glog.L.Debug("session created",
		zap.String("backend", cfg.Backend),
		zap.Bool("uikit", cfg.EnableUIKit),
		zap.Uint64("max_insn", cfg.MaxInstructions))
	return s, nil
}

// Close releases the emulator. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.found != nil {
		s.found.Close()
	}
	s.table.Close()
	return s.emu.Close()
}

// Config returns the session's configuration.
func (s *Session) Config() Config { return s.cfg }

func (s *Session) Emulator() *emulator.Emulator { return s.emu }

func (s *Session) Runtime() *objc.Runtime { return s.rt }

func (s *Session) Foundation() *foundation.Foundation { return s.found }

func (s *Session) Marshaler() *marshal.Marshaler { return s.marshal }

// Modules returns the loaded modules in load order.
func (s *Session) Modules() []*loader.Module {
	return append([]*loader.Module(nil), s.modules...)
}

// Module finds a loaded module by name.
func (s *Session) Module(name string) (*loader.Module, bool) {
	for _, m := range s.modules {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// LoadModule maps the image at path, binds its imports, registers its
// classes and resolves pending interceptors. With execInit the image's
// initializers run, in order, inside an autorelease pool.
func (s *Session) LoadModule(path string, execInit bool) (*loader.Module, error) {
	if s.closed {
		return nil, ErrClosed
	}
	mod, err := loader.Load(s.emu, path, loader.Options{
		Resolver:        resolver{s},
		FallbackImports: s.cfg.FallbackImports,
	})
	if err != nil {
		return nil, err
	}
	if n := s.table.Install(mod.PLT); n > 0 {
		glog.L.Debug("plt stubs installed", glog.Module(mod.Name), zap.Int("count", n))
	}
	if err := s.rt.AddModule(mod); err != nil {
		return nil, fmt.Errorf("register classes of %s: %w", mod.Name, err)
	}
	s.modules = append(s.modules, mod)
	if n := s.hooks.ResolvePending(); n > 0 {
		glog.L.Debug("interceptors bound", glog.Module(mod.Name), zap.Int("count", n))
	}

	if execInit {
		err := s.rt.WithPool(func() error {
			for _, off := range mod.Initializers {
				addr := mod.Addr(off)
				glog.L.Debug("initializer", glog.Module(mod.Name), glog.Addr(addr))
				if _, err := s.emu.Call(addr); err != nil {
					return fmt.Errorf("initializer %s+0x%x: %w", mod.Name, off, err)
				}
			}
			return nil
		})
		if err != nil {
			return mod, err
		}
	}
	glog.L.Info("module loaded",
		glog.Module(mod.Name),
		glog.Ptr("base", mod.Base),
		zap.Int("classes", len(mod.Classes)),
		zap.Bool("init", execInit))
	return mod, nil
}

// AddInterceptor runs cb whenever execution reaches the trigger. Symbolic
// triggers naming code not loaded yet bind when it is.
func (s *Session) AddInterceptor(t Trigger, cb Callback) error {
	if s.closed {
		return ErrClosed
	}
	return s.hooks.Register(t, cb)
}

// RemoveInterceptor drops the interceptor registered for t.
func (s *Session) RemoveInterceptor(t Trigger) bool {
	return s.hooks.Remove(t)
}

// MsgSend sends selector to receiver, a class name or an object. Go
// strings, byte slices, slices and maps are marshaled into objects.
func (s *Session) MsgSend(receiver any, selector string, args ...any) (ID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.rt.MsgSend(receiver, selector, args...)
}

// Send is MsgSend returning every result register.
func (s *Session) Send(receiver any, selector string, args ...any) (emulator.Result, error) {
	if s.closed {
		return emulator.Result{}, ErrClosed
	}
	return s.rt.Send(receiver, selector, args...)
}

// Call runs the guest function at addr with integer arguments.
func (s *Session) Call(addr uint64, args ...uint64) (uint64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.emu.Call(addr, args...)
}

// ReadString reads a string object or a NUL-terminated UTF-8 buffer.
func (s *Session) ReadString(ref uint64) (string, error) {
	return s.ReadStringEncoding(ref, marshal.UTF8)
}

// ReadStringEncoding reads a string object or a NUL-terminated buffer in
// enc.
func (s *Session) ReadStringEncoding(ref uint64, enc Encoding) (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	return s.marshal.FromEmulated(ref, enc)
}

// NSObject converts a Go value into an object: strings to NSString, byte
// slices to NSData, numbers and booleans to NSNumber, slices to NSArray and
// string-keyed maps to NSDictionary. Inside a pool the object is
// autoreleased; otherwise the caller owns it.
func (s *Session) NSObject(v any) (ID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	val, err := marshal.ValueOf(v)
	if err != nil {
		return 0, err
	}
	return s.marshal.Object(val)
}

// ToHost converts an object graph back into a Value.
func (s *Session) ToHost(obj ID) (Value, error) {
	if s.closed {
		return Value{}, ErrClosed
	}
	return s.marshal.ToHost(obj)
}

// WithAutoreleasePool runs fn inside a pool. Objects autoreleased within it
// are released when fn returns, fails or panics.
func (s *Session) WithAutoreleasePool(fn func() error) error {
	if s.closed {
		return ErrClosed
	}
	return s.rt.WithPool(fn)
}

// SetTracer routes stub and runtime events to t and, with instructions,
// every executed instruction. A nil t stops tracing.
func (s *Session) SetTracer(t *trace.Tracer, instructions bool) {
	s.tracer = t
	if t == nil {
		s.table.OnCall = nil
		s.emu.SetTracer(nil)
		return
	}
	s.table.OnCall = func(category, name, detail string) {
		t.Call(s.emu.LR(), category, name, detail)
	}
	if instructions {
		s.emu.SetTracer(t.Instruction)
	} else {
		s.emu.SetTracer(nil)
	}
}

// Symbolize names the code at addr: a module symbol, a host stub or a host
// method.
func (s *Session) Symbolize(addr uint64) (string, uint64, bool) {
	for _, m := range s.modules {
		if name, off, ok := m.SymbolAt(addr); ok {
			return m.Name + "!" + name, off, true
		}
	}
	if name, ok := s.rt.HostMethodAt(addr); ok {
		return name, 0, true
	}
	if name, ok := s.table.NameOf(addr); ok {
		return name, 0, true
	}
	return "", 0, false
}

// resolver binds imports for the loader and symbolic triggers for the
// interceptor registry.
type resolver struct{ s *Session }

// ResolveImport prefers runtime symbols, then other loaded images, then host
// stubs.
func (r resolver) ResolveImport(name string) (uint64, bool) {
	s := r.s
	if addr, ok := s.rt.ResolveImport(name); ok {
		return addr, true
	}
	for _, m := range s.modules {
		if addr, ok := m.Symbol(name); ok {
			return addr, true
		}
	}
	if s.table.Known(name) {
		return s.table.Resolve(name)
	}
	return 0, false
}

func (r resolver) FallbackImport(name string) (uint64, error) {
	addr, ok := r.s.table.Resolve(name)
	if !ok {
		return 0, fmt.Errorf("no fallback for %s", name)
	}
	return addr, nil
}

func (r resolver) ResolveSymbol(name string) (uint64, bool) {
	s := r.s
	for _, m := range s.modules {
		if addr, ok := m.Symbol(name); ok {
			return addr, true
		}
	}
	if s.table.Known(name) {
		return s.table.Resolve(name)
	}
	return 0, false
}

// ResolveOffset resolves against the named module, or the first loaded
// module when name is empty.
func (r resolver) ResolveOffset(name string, off uint64) (uint64, bool) {
	for _, m := range r.s.modules {
		if name == "" || m.Name == name {
			return m.Addr(off), true
		}
	}
	return 0, false
}

func (r resolver) ResolveMethod(class, selector string, meta bool) (uint64, bool) {
	if r.s.rt == nil {
		return 0, false
	}
	return r.s.rt.ResolveMethod(class, selector, meta)
}
