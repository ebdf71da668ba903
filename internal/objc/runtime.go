// Package objc is an Objective-C runtime for guest code. Classes, selectors
// and reference counts are kept on the host; objects and class structures
// live in guest memory so compiled code can read isa pointers and ivars.
//
// Methods are always guest addresses. Host-implemented methods get a stub
// slot hooked in the interceptor registry, so dispatch never needs to know
// which side implements a selector, and a user interceptor on a method
// replaces it whichever side it lives on.
package objc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zboralski/tarsier/internal/autorelease"
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/intercept"
	"github.com/zboralski/tarsier/internal/loader"
	glog "github.com/zboralski/tarsier/internal/log"
	"go.uber.org/zap"
)

// ID is a guest object reference. Zero is nil.
type ID uint64

// SEL is a guest selector: the address of a NUL-terminated name.
type SEL uint64

// Root is the root class every placeholder descends from.
const Root = "NSObject"

const (
	classStructSize = 0x28
	isaMask         = 0x0000000ffffffff8
	defaultCache    = 4096
)

// ErrUnknownClass is returned when a class name is not registered.
var ErrUnknownClass = errors.New("unknown class")

// HostIMP implements a method on the host. Arguments after self and _cmd
// are in X2-X7 and D0-D7. The returned value goes to X0; methods returning
// floating point set D0 themselves.
type HostIMP func(e *emulator.Emulator, self ID, sel SEL) (uint64, error)

// Class is a registered class.
type Class struct {
	Name  string
	Super *Class
	// Addr and Meta are the guest class and metaclass objects.
	Addr uint64
	Meta uint64
	// InstanceSize is the allocation size for alloc; zero means it is read
	// from the class's read-only data or defaulted.
	InstanceSize uint64
	Module       string
	Placeholder  bool

	methods      map[string]uint64
	classMethods map[string]uint64
	nameAddr     uint64
}

func (c *Class) table(meta bool) map[string]uint64 {
	if meta {
		return c.classMethods
	}
	return c.methods
}

// Selectors lists the selectors the class itself implements.
func (c *Class) Selectors(meta bool) []string {
	out := make([]string, 0, len(c.table(meta)))
	for sel := range c.table(meta) {
		out = append(out, sel)
	}
	sort.Strings(out)
	return out
}

// IMP returns the class's own implementation of sel, ignoring superclasses.
func (c *Class) IMP(sel string, meta bool) (uint64, bool) {
	imp, ok := c.table(meta)[sel]
	return imp, ok
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

func (c *Class) String() string { return c.Name }

// classRef is what an isa pointer resolves to.
type classRef struct {
	cls  *Class
	meta bool
}

type cacheKey struct {
	cls  *Class
	sel  string
	meta bool
}

// Runtime is the runtime of one session.
type Runtime struct {
	emu   *emulator.Emulator
	hooks *intercept.Registry
	pool  *autorelease.Stack

	classes map[string]*Class
	byAddr  map[uint64]classRef
	cache   *lru.Cache[cacheKey, uint64]

	sels     map[string]SEL
	selNames map[SEL]string

	refs       map[ID]int
	associated map[ID]map[uint64]uint64
	hostIMPs   map[uint64]string // stub address -> "-[Class sel]"
	data       map[string]uint64 // exported data symbols

	// Converter turns MsgSend arguments into registers.
	Converter ArgConverter
}

// New creates a runtime bound to emu. Host methods are installed in hooks.
// NSObject is registered immediately.
func New(emu *emulator.Emulator, hooks *intercept.Registry) (*Runtime, error) {
	cache, err := lru.New[cacheKey, uint64](defaultCache)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		emu:        emu,
		hooks:      hooks,
		classes:    make(map[string]*Class),
		byAddr:     make(map[uint64]classRef),
		cache:      cache,
		sels:       make(map[string]SEL),
		selNames:   make(map[SEL]string),
		refs:       make(map[ID]int),
		associated: make(map[ID]map[uint64]uint64),
		hostIMPs:   make(map[uint64]string),
		data:       make(map[string]uint64),
		Converter:  DefaultConverter{},
	}
	rt.pool = autorelease.NewStack(rt)
	if err := rt.defineRoot(); err != nil {
		return nil, fmt.Errorf("define %s: %w", Root, err)
	}
	return rt, nil
}

// Emulator returns the engine the runtime drives.
func (rt *Runtime) Emulator() *emulator.Emulator { return rt.emu }

// Pool returns the autorelease pool stack.
func (rt *Runtime) Pool() *autorelease.Stack { return rt.pool }

// Selector interns name and returns its guest selector.
func (rt *Runtime) Selector(name string) (SEL, error) {
	if sel, ok := rt.sels[name]; ok {
		return sel, nil
	}
	addr, err := rt.emu.AllocString(name)
	if err != nil {
		return 0, fmt.Errorf("intern selector %s: %w", name, err)
	}
	sel := SEL(addr)
	rt.sels[name] = sel
	rt.selNames[sel] = name
	return sel, nil
}

// SelectorName returns the name of sel. Any guest C string is a valid
// selector, so unknown values are read from memory.
func (rt *Runtime) SelectorName(sel SEL) (string, error) {
	if name, ok := rt.selNames[sel]; ok {
		return name, nil
	}
	if sel == 0 {
		return "", errors.New("nil selector")
	}
	name, err := rt.emu.MemReadString(uint64(sel), 1024)
	if err != nil {
		return "", fmt.Errorf("selector 0x%x: %w", uint64(sel), err)
	}
	return name, nil
}

// Class returns the class registered as name.
func (rt *Runtime) Class(name string) (*Class, bool) {
	c, ok := rt.classes[name]
	return c, ok
}

// Classes returns every registered class sorted by name.
func (rt *Runtime) Classes() []*Class {
	out := make([]*Class, 0, len(rt.classes))
	for _, c := range rt.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClassAt returns the class whose class or metaclass object is at addr.
func (rt *Runtime) ClassAt(addr uint64) (*Class, bool, bool) {
	ref, ok := rt.byAddr[addr]
	if !ok {
		return nil, false, false
	}
	return ref.cls, ref.meta, true
}

// ClassOf returns the class of obj. For a class object the metaclass flag
// is set.
func (rt *Runtime) ClassOf(obj ID) (*Class, bool, error) {
	if obj == 0 {
		return nil, false, errors.New("nil object")
	}
	isa, err := rt.emu.MemReadU64(uint64(obj))
	if err != nil {
		return nil, false, fmt.Errorf("read isa of 0x%x: %w", uint64(obj), err)
	}
	if ref, ok := rt.byAddr[isa]; ok {
		return ref.cls, ref.meta, nil
	}
	if ref, ok := rt.byAddr[isa&isaMask]; ok {
		return ref.cls, ref.meta, nil
	}
	return nil, false, fmt.Errorf("object 0x%x has unknown isa 0x%x", uint64(obj), isa)
}

// IsClass reports whether obj is a registered class object.
func (rt *Runtime) IsClass(obj ID) bool {
	ref, ok := rt.byAddr[uint64(obj)]
	return ok && !ref.meta
}

// IsKindOf reports whether obj is an instance of the named class or one of
// its subclasses.
func (rt *Runtime) IsKindOf(obj ID, class string) bool {
	want, ok := rt.classes[class]
	if !ok || obj == 0 {
		return false
	}
	c, meta, err := rt.ClassOf(obj)
	if err != nil || meta {
		return false
	}
	return c.IsSubclassOf(want)
}

// DefineClass registers a host class with guest class and metaclass
// objects. Defining an existing name returns the existing class.
func (rt *Runtime) DefineClass(name, super string, size uint64) (*Class, error) {
	if c, ok := rt.classes[name]; ok {
		if c.Placeholder && name != Root {
			if err := rt.reparent(c, super); err != nil {
				return nil, err
			}
			c.Placeholder = false
		}
		if size > 0 {
			c.InstanceSize = size
		}
		return c, nil
	}
	var parent *Class
	if super != "" {
		var err error
		if parent, err = rt.lookupOrPlaceholder(super); err != nil {
			return nil, err
		}
	}
	c := newClass(name, parent)
	c.InstanceSize = size
	if err := rt.materialize(c, 0, 0); err != nil {
		return nil, err
	}
	rt.register(c)
	return c, nil
}

func newClass(name string, super *Class) *Class {
	return &Class{
		Name:         name,
		Super:        super,
		methods:      make(map[string]uint64),
		classMethods: make(map[string]uint64),
	}
}

func (rt *Runtime) register(c *Class) {
	rt.classes[c.Name] = c
	rt.byAddr[c.Addr] = classRef{cls: c}
	rt.byAddr[c.Meta] = classRef{cls: c, meta: true}
	rt.cache.Purge()
	glog.L.Debug("class registered", glog.Class(c.Name), glog.Ptr("addr", c.Addr), glog.Ptr("meta", c.Meta))
}

// lookupOrPlaceholder returns name, creating an empty class rooted at
// NSObject when it is not known yet.
func (rt *Runtime) lookupOrPlaceholder(name string) (*Class, error) {
	if c, ok := rt.classes[name]; ok {
		return c, nil
	}
	c := newClass(name, rt.classes[Root])
	c.Placeholder = true
	if err := rt.materialize(c, 0, 0); err != nil {
		return nil, err
	}
	rt.register(c)
	glog.L.Debug("placeholder class", glog.Class(name))
	return c, nil
}

func (rt *Runtime) reparent(c *Class, super string) error {
	if super == "" {
		return nil
	}
	parent, err := rt.lookupOrPlaceholder(super)
	if err != nil {
		return err
	}
	if parent.IsSubclassOf(c) {
		return fmt.Errorf("class %s: superclass %s would form a cycle", c.Name, super)
	}
	c.Super = parent
	rt.cache.Purge()
	return rt.writeStructs(c)
}

// materialize gives c guest class and metaclass objects, allocating the
// ones an image did not provide.
func (rt *Runtime) materialize(c *Class, addr, meta uint64) error {
	if addr == 0 {
		a, err := rt.emu.Malloc(classStructSize)
		if err != nil {
			return fmt.Errorf("class %s: %w", c.Name, err)
		}
		addr = a
	}
	if meta == 0 {
		if isa, err := rt.emu.MemReadU64(addr); err == nil && isa != 0 {
			if _, taken := rt.byAddr[isa]; !taken {
				meta = isa
			}
		}
	}
	if meta == 0 {
		m, err := rt.emu.Malloc(classStructSize)
		if err != nil {
			return fmt.Errorf("metaclass %s: %w", c.Name, err)
		}
		meta = m
	}
	c.Addr, c.Meta = addr, meta
	return rt.writeStructs(c)
}

// writeStructs fills isa and superclass of the guest objects. Images that
// provide their own structures already have them filled by fixups; the
// values are rewritten so placeholders resolve.
func (rt *Runtime) writeStructs(c *Class) error {
	var superAddr, superMeta uint64
	rootMeta := c.Meta
	if c.Super != nil {
		superAddr, superMeta = c.Super.Addr, c.Super.Meta
		root := c.Super
		for root.Super != nil {
			root = root.Super
		}
		rootMeta = root.Meta
	} else {
		// the root metaclass inherits from the root class
		superMeta = c.Addr
	}
	writes := []struct{ addr, val uint64 }{
		{c.Addr, c.Meta},
		{c.Addr + 8, superAddr},
		{c.Meta, rootMeta},
		{c.Meta + 8, superMeta},
	}
	for _, w := range writes {
		if err := rt.emu.MemWriteU64(w.addr, w.val); err != nil {
			return fmt.Errorf("class %s: %w", c.Name, err)
		}
	}
	return nil
}

// AddModule registers the classes of a loaded module. Class and metaclass
// structures inside the image are used in place.
func (rt *Runtime) AddModule(mod *loader.Module) error {
	for _, info := range mod.Classes {
		addr, meta := info.Addr, info.Meta
		if addr != 0 {
			addr = mod.Addr(addr)
		}
		if meta != 0 {
			meta = mod.Addr(meta)
		}
		super := info.Super
		if super == "" && info.Name != Root {
			super = Root
		}

		c, ok := rt.classes[info.Name]
		switch {
		case ok && !c.Placeholder:
			glog.L.Warn("class redefined, keeping first", glog.Class(info.Name), glog.Module(mod.Name))
			continue
		case ok:
			// A placeholder created for an earlier reference. Images that
			// carry no class structures keep the placeholder's, which
			// earlier imports already point at.
			delete(rt.byAddr, c.Addr)
			delete(rt.byAddr, c.Meta)
			if addr == 0 {
				addr, meta = c.Addr, c.Meta
			}
			c.Placeholder = false
		default:
			c = newClass(info.Name, nil)
		}
		c.Module = mod.Name
		if super != "" && super != info.Name {
			parent, err := rt.lookupOrPlaceholder(super)
			if err != nil {
				return err
			}
			c.Super = parent
		}
		if err := rt.materialize(c, addr, meta); err != nil {
			return err
		}
		for _, m := range info.Methods {
			c.methods[m.Selector] = mod.Addr(m.Imp)
		}
		for _, m := range info.ClassMethods {
			c.classMethods[m.Selector] = mod.Addr(m.Imp)
		}
		rt.register(c)
	}
	// subclasses registered before their placeholder parents were replaced
	for _, c := range rt.classes {
		if c.Super != nil {
			if err := rt.writeStructs(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddMethod installs a host implementation of sel on class, replacing any
// existing one.
func (rt *Runtime) AddMethod(class, sel string, meta bool, fn HostIMP) error {
	c, ok := rt.classes[class]
	if !ok {
		return fmt.Errorf("add %s to %s: %w", sel, class, ErrUnknownClass)
	}
	return rt.addHostMethod(c, sel, meta, fn)
}

func (rt *Runtime) addHostMethod(c *Class, sel string, meta bool, fn HostIMP) error {
	addr, err := rt.emu.AllocStub()
	if err != nil {
		return fmt.Errorf("method %s: %w", MethodName(c.Name, sel, meta), err)
	}
	name := MethodName(c.Name, sel, meta)
	err = rt.hooks.Builtin(addr, name, func(e *emulator.Emulator, _ uint64, _ uint32) (cpu.Action, error) {
		ret, err := fn(e, ID(e.X(0)), SEL(e.X(1)))
		if err != nil {
			return cpu.Stop, err
		}
		e.SetX(0, ret)
		return cpu.Return, nil
	})
	if err != nil {
		return err
	}
	rt.hostIMPs[addr] = name
	c.table(meta)[sel] = addr
	rt.cache.Purge()
	return nil
}

// SetIMP points sel on class at a guest implementation.
func (rt *Runtime) SetIMP(class, sel string, meta bool, imp uint64) error {
	c, ok := rt.classes[class]
	if !ok {
		return fmt.Errorf("set %s on %s: %w", sel, class, ErrUnknownClass)
	}
	c.table(meta)[sel] = imp
	rt.cache.Purge()
	return nil
}

// HostMethodAt names the host method whose stub is at addr.
func (rt *Runtime) HostMethodAt(addr uint64) (string, bool) {
	name, ok := rt.hostIMPs[addr]
	return name, ok
}

// MethodName formats a method the way the runtime prints it.
func MethodName(class, sel string, meta bool) string {
	if meta {
		return "+[" + class + " " + sel + "]"
	}
	return "-[" + class + " " + sel + "]"
}

// ParseMethodName splits "-[Class sel]" or "+[Class sel]".
func ParseMethodName(s string) (class, sel string, meta, ok bool) {
	if len(s) < 6 || (s[0] != '-' && s[0] != '+') || s[1] != '[' || s[len(s)-1] != ']' {
		return "", "", false, false
	}
	class, sel, found := strings.Cut(s[2:len(s)-1], " ")
	if !found || class == "" || sel == "" {
		return "", "", false, false
	}
	return class, sel, s[0] == '+', true
}

// ExportData publishes a data symbol, such as a class reference used by
// constant objects, to images loaded later.
func (rt *Runtime) ExportData(name string, addr uint64) {
	rt.data[name] = addr
}

// ResolveImport binds class symbols and exported data for the loader.
func (rt *Runtime) ResolveImport(name string) (uint64, bool) {
	if addr, ok := rt.data[name]; ok {
		return addr, true
	}
	for prefix, meta := range map[string]bool{"_OBJC_CLASS_$_": false, "_OBJC_METACLASS_$_": true} {
		for _, p := range []string{prefix, "_" + prefix} {
			class, ok := strings.CutPrefix(name, p)
			if !ok || class == "" {
				continue
			}
			c, err := rt.lookupOrPlaceholder(class)
			if err != nil {
				glog.L.Warn("class import failed", glog.Class(class), zap.Error(err))
				return 0, false
			}
			if meta {
				return c.Meta, true
			}
			return c.Addr, true
		}
	}
	return 0, false
}

// ResolveMethod returns the implementation a message would reach.
func (rt *Runtime) ResolveMethod(class, sel string, meta bool) (uint64, bool) {
	c, ok := rt.classes[class]
	if !ok {
		return 0, false
	}
	imp, err := rt.lookup(c, sel, meta)
	return imp, err == nil
}

// className returns a guest C string holding c's name.
func (rt *Runtime) className(c *Class) (uint64, error) {
	if c.nameAddr == 0 {
		addr, err := rt.emu.AllocString(c.Name)
		if err != nil {
			return 0, err
		}
		c.nameAddr = addr
	}
	return c.nameAddr, nil
}
