// Package foundation implements the Foundation classes guest code and the
// marshaling layer exchange: strings, data, numbers, collections and the
// process-level singletons (bundle, process info, defaults).
//
// String and data objects keep their bytes in guest memory with the
// CFConstantString layout, so constant strings compiled into an image are
// NSString instances too. Collections keep their elements on the host.
package foundation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zboralski/tarsier/internal/autorelease"
	"github.com/zboralski/tarsier/internal/config"
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/objc"
	"github.com/zboralski/tarsier/internal/stubs"
	"github.com/zboralski/tarsier/internal/stubs/libc"
)

// Options configures the process the guest sees.
type Options struct {
	Bundle config.Bundle
	// UIKit registers UIDevice, UIApplication and UIScreen.
	UIKit bool
}

// Foundation is the object model of one session.
type Foundation struct {
	rt   *objc.Runtime
	emu  *emulator.Emulator
	opts Options

	arrays     map[objc.ID][]objc.ID
	dicts      map[objc.ID]*dict
	pools      map[objc.ID]autorelease.Token
	uuids      map[objc.ID]uuid.UUID
	bundles    map[objc.ID]*bundle
	cstrings   map[objc.ID][]uint64 // inner buffers handed out by -UTF8String
	singletons map[string]objc.ID

	classes map[string]*objc.Class
}

var ErrNotObject = errors.New("not a foundation object")

var (
	sessionsMu sync.RWMutex
	sessions   = map[*emulator.Emulator]*Foundation{}
)

func init() {
	libc.ObjectDescription = func(emu *emulator.Emulator, obj uint64) string {
		sessionsMu.RLock()
		f := sessions[emu]
		sessionsMu.RUnlock()
		if f == nil {
			return fmt.Sprintf("<0x%x>", obj)
		}
		return f.Describe(objc.ID(obj))
	}
}

// Install registers the Foundation classes with rt and defines NSLog and
// the constant-string class reference in t.
func Install(rt *objc.Runtime, t *stubs.Table, opts Options) (*Foundation, error) {
	f := &Foundation{
		rt:         rt,
		emu:        rt.Emulator(),
		opts:       opts,
		arrays:     make(map[objc.ID][]objc.ID),
		dicts:      make(map[objc.ID]*dict),
		pools:      make(map[objc.ID]autorelease.Token),
		uuids:      make(map[objc.ID]uuid.UUID),
		bundles:    make(map[objc.ID]*bundle),
		cstrings:   make(map[objc.ID][]uint64),
		singletons: make(map[string]objc.ID),
		classes:    make(map[string]*objc.Class),
	}
	installers := []func() error{
		f.installString,
		f.installData,
		f.installNumber,
		f.installArray,
		f.installDictionary,
		f.installSystem,
	}
	if opts.UIKit {
		installers = append(installers, f.installUIKit)
	}
	for _, install := range installers {
		if err := install(); err != nil {
			return nil, err
		}
	}
	if c, ok := f.classes[ConstantStringClass]; ok {
		rt.ExportData("___CFConstantStringClassReference", c.Addr)
	}
	if t != nil {
		t.DefineFunc("foundation", "NSLog", f.stubNSLog)
		t.Define(stubs.StubDef{Name: "_NSConcreteStackBlock", Data: make([]byte, 32), Category: "foundation"})
		t.Define(stubs.StubDef{Name: "_NSConcreteGlobalBlock", Data: make([]byte, 32), Category: "foundation"})
	}

	sessionsMu.Lock()
	sessions[f.emu] = f
	sessionsMu.Unlock()
	glog.L.Debug("foundation installed")
	return f, nil
}

// Close detaches the session's %@ formatting.
func (f *Foundation) Close() {
	sessionsMu.Lock()
	if sessions[f.emu] == f {
		delete(sessions, f.emu)
	}
	sessionsMu.Unlock()
}

// Runtime returns the runtime the classes are registered with.
func (f *Foundation) Runtime() *objc.Runtime { return f.rt }

type method struct {
	sel  string
	meta bool
	fn   objc.HostIMP
}

// define registers a class and its host methods.
func (f *Foundation) define(name, super string, size uint64, methods []method) error {
	c, err := f.rt.DefineClass(name, super, size)
	if err != nil {
		return err
	}
	f.classes[name] = c
	for _, m := range methods {
		if err := f.rt.AddMethod(name, m.sel, m.meta, m.fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *Foundation) isA(obj objc.ID, class string) bool {
	return obj != 0 && f.rt.IsKindOf(obj, class)
}

// alloc creates an instance of a Foundation class with a retain count of
// one.
func (f *Foundation) alloc(class string) (objc.ID, error) {
	c, ok := f.classes[class]
	if !ok {
		return 0, fmt.Errorf("%s: %w", class, objc.ErrUnknownClass)
	}
	return f.rt.Alloc(c)
}

// allocFor allocates an instance of the class a +alloc-style receiver
// names, so subclasses keep their own isa.
func (f *Foundation) allocFor(cls objc.ID, fallback string) (objc.ID, error) {
	if c, meta, ok := f.rt.ClassAt(uint64(cls)); ok && !meta {
		return f.rt.Alloc(c)
	}
	return f.alloc(fallback)
}

// autoreleased hands a fresh object to the innermost pool, the convention
// for convenience constructors.
func (f *Foundation) autoreleased(obj objc.ID, err error) (uint64, error) {
	if err != nil {
		return 0, err
	}
	return uint64(f.rt.Autorelease(obj)), nil
}

// singleton returns the shared instance of class, creating it with init.
func (f *Foundation) singleton(class string, init func(objc.ID) error) (objc.ID, error) {
	if obj, ok := f.singletons[class]; ok {
		return obj, nil
	}
	obj, err := f.alloc(class)
	if err != nil {
		return 0, err
	}
	if init != nil {
		if err := init(obj); err != nil {
			return 0, err
		}
	}
	f.singletons[class] = obj
	return obj, nil
}

// dispose frees obj after its host-side state is gone.
func (f *Foundation) dispose(obj objc.ID) error {
	var errs []error
	for _, buf := range f.cstrings[obj] {
		errs = append(errs, f.emu.Free(buf))
	}
	delete(f.cstrings, obj)
	errs = append(errs, f.rt.Dispose(obj))
	return errors.Join(errs...)
}

func ret(v objc.ID, err error) (uint64, error) { return uint64(v), err }

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Describe renders obj the way -description would.
func (f *Foundation) Describe(obj objc.ID) string {
	switch {
	case obj == 0:
		return "(null)"
	case f.IsString(obj):
		if s, err := f.StringValue(obj); err == nil {
			return s
		}
	case f.IsNumber(obj):
		if n, err := f.NumberValue(obj); err == nil {
			return n.String()
		}
	case f.IsData(obj):
		if b, err := f.DataBytes(obj); err == nil {
			return fmt.Sprintf("{length = %d, bytes = 0x%x}", len(b), b)
		}
	case f.IsArray(obj):
		items := f.arrays[obj]
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = f.Describe(it)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case f.IsDictionary(obj):
		d := f.dict(obj)
		parts := make([]string, len(d.keys))
		for i := range d.keys {
			parts[i] = f.Describe(d.keys[i]) + " = " + f.Describe(d.values[i])
		}
		return "{" + strings.Join(parts, "; ") + "}"
	}
	return f.rt.Describe(obj)
}

func (f *Foundation) imDescription(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) {
	return f.autoreleased(f.NewString(f.Describe(self)))
}

// NSLog(NSString *format, ...): variadic arguments are on the stack.
func (f *Foundation) stubNSLog(e *emulator.Emulator) (cpu.Action, error) {
	format, err := f.StringValue(objc.ID(e.X(0)))
	if err != nil {
		return stubs.Return(e, 0)
	}
	stubs.Log(e, "foundation", "NSLog", libc.Format(e, format, e.SP()))
	return stubs.Return(e, 0)
}
