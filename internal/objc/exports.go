package objc

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/autorelease"
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// Install defines the guest-callable runtime functions in t. They take
// precedence over anything in the shared stub registry.
func (rt *Runtime) Install(t *stubs.Table) {
	def := func(name string, fn stubs.HookFunc, aliases ...string) {
		t.DefineFunc("objc", name, fn, aliases...)
	}
	def("objc_msgSend", rt.guestMsgSend)
	def("objc_msgSendSuper2", rt.guestMsgSendSuper2)
	def("objc_msgSendSuper", rt.guestMsgSendSuper)
	def("objc_msgSend_stret", rt.guestMsgSend)
	def("objc_msgSend_fpret", rt.guestMsgSend)

	def("objc_alloc", rt.guestSend("alloc"))
	def("objc_alloc_init", rt.guestAllocInit)
	def("objc_opt_new", rt.guestSend("new"))
	def("objc_opt_class", rt.guestOptClass)
	def("objc_opt_self", rt.guestIdentity)
	def("objc_opt_respondsToSelector", rt.guestRespondsTo)
	def("objc_opt_isKindOfClass", rt.guestIsKindOf)

	def("objc_retain", rt.guestRetain, "objc_retainBlock")
	def("objc_release", rt.guestRelease)
	def("objc_autorelease", rt.guestAutorelease, "objc_autoreleaseReturnValue")
	def("objc_retainAutorelease", rt.guestRetainAutorelease, "objc_retainAutoreleaseReturnValue")
	def("objc_retainAutoreleasedReturnValue", rt.guestRetain)
	def("objc_claimAutoreleasedReturnValue", rt.guestIdentity, "objc_unsafeClaimAutoreleasedReturnValue")
	def("objc_storeStrong", rt.guestStoreStrong)
	def("objc_autoreleasePoolPush", rt.guestPoolPush)
	def("objc_autoreleasePoolPop", rt.guestPoolPop)

	def("objc_getClass", rt.guestGetClass, "objc_lookUpClass", "objc_getRequiredClass")
	def("objc_getMetaClass", rt.guestGetMetaClass)
	def("object_getClass", rt.guestObjectGetClass)
	def("object_getClassName", rt.guestObjectGetClassName)
	def("class_getName", rt.guestClassGetName)
	def("class_getSuperclass", rt.guestClassGetSuperclass)
	def("class_respondsToSelector", rt.guestClassRespondsTo)
	def("sel_registerName", rt.guestSelRegister, "sel_getUid")
	def("sel_getName", rt.guestSelGetName)
	def("objc_setAssociatedObject", rt.guestSetAssociated)
	def("objc_getAssociatedObject", rt.guestGetAssociated)
}

func (rt *Runtime) trace(e *emulator.Emulator, fn, detail string) {
	stubs.Log(e, "objc", fn, detail)
}

// guestMsgSend dispatches by jumping to the implementation with the
// caller's registers and return address intact.
func (rt *Runtime) guestMsgSend(e *emulator.Emulator) (cpu.Action, error) {
	self := ID(e.X(0))
	if self == 0 {
		e.SetX(1, 0)
		e.SetD(0, 0)
		return stubs.Return(e, 0)
	}
	c, meta, err := rt.ClassOf(self)
	if err != nil {
		return cpu.Stop, fmt.Errorf("objc_msgSend: %w", err)
	}
	return rt.jump(e, "objc_msgSend", c, meta)
}

func (rt *Runtime) jump(e *emulator.Emulator, fn string, c *Class, meta bool) (cpu.Action, error) {
	sel, err := rt.SelectorName(SEL(e.X(1)))
	if err != nil {
		return cpu.Stop, fmt.Errorf("%s: %w", fn, err)
	}
	imp, err := rt.lookup(c, sel, meta)
	if err != nil {
		return cpu.Stop, err
	}
	rt.trace(e, fn, MethodName(c.Name, sel, meta))
	e.SetPC(imp)
	return cpu.Resume, nil
}

// objc_msgSendSuper2 receives {receiver, current class}; lookup starts at
// the current class's superclass.
func (rt *Runtime) guestMsgSendSuper2(e *emulator.Emulator) (cpu.Action, error) {
	return rt.sendSuper(e, "objc_msgSendSuper2", true)
}

// objc_msgSendSuper receives {receiver, superclass}.
func (rt *Runtime) guestMsgSendSuper(e *emulator.Emulator) (cpu.Action, error) {
	return rt.sendSuper(e, "objc_msgSendSuper", false)
}

func (rt *Runtime) sendSuper(e *emulator.Emulator, fn string, skip bool) (cpu.Action, error) {
	sup := e.X(0)
	self, err := e.MemReadU64(sup)
	if err != nil {
		return cpu.Stop, fmt.Errorf("%s: %w", fn, err)
	}
	clsAddr, err := e.MemReadU64(sup + 8)
	if err != nil {
		return cpu.Stop, fmt.Errorf("%s: %w", fn, err)
	}
	c, meta, ok := rt.ClassAt(clsAddr)
	if !ok {
		return cpu.Stop, fmt.Errorf("%s: 0x%x is not a class", fn, clsAddr)
	}
	if skip {
		if c.Super == nil {
			return cpu.Stop, fmt.Errorf("%s: %s has no superclass", fn, c.Name)
		}
		c = c.Super
	}
	e.SetX(0, self)
	if self == 0 {
		return stubs.Return(e, 0)
	}
	return rt.jump(e, fn, c, meta)
}

// guestSend returns an export that sends sel to X0 and returns the result.
func (rt *Runtime) guestSend(sel string) stubs.HookFunc {
	return func(e *emulator.Emulator) (cpu.Action, error) {
		obj, err := rt.MsgSend(ID(e.X(0)), sel)
		if err != nil {
			return cpu.Stop, err
		}
		return stubs.Return(e, uint64(obj))
	}
}

func (rt *Runtime) guestAllocInit(e *emulator.Emulator) (cpu.Action, error) {
	obj, err := rt.MsgSend(ID(e.X(0)), "alloc")
	if err != nil {
		return cpu.Stop, err
	}
	obj, err = rt.MsgSend(obj, "init")
	if err != nil {
		return cpu.Stop, err
	}
	return stubs.Return(e, uint64(obj))
}

func (rt *Runtime) guestOptClass(e *emulator.Emulator) (cpu.Action, error) {
	obj := ID(e.X(0))
	if obj == 0 || rt.IsClass(obj) {
		return stubs.Return(e, uint64(obj))
	}
	c, _, err := rt.ClassOf(obj)
	if err != nil {
		return cpu.Stop, fmt.Errorf("objc_opt_class: %w", err)
	}
	return stubs.Return(e, c.Addr)
}

func (rt *Runtime) guestIdentity(e *emulator.Emulator) (cpu.Action, error) {
	return cpu.Return, nil
}

func (rt *Runtime) guestRespondsTo(e *emulator.Emulator) (cpu.Action, error) {
	name, err := rt.SelectorName(SEL(e.X(1)))
	if err != nil {
		return stubs.Return(e, 0)
	}
	return stubs.Return(e, boolValue(rt.RespondsTo(ID(e.X(0)), name)))
}

func (rt *Runtime) guestIsKindOf(e *emulator.Emulator) (cpu.Action, error) {
	want, meta, ok := rt.ClassAt(e.X(1))
	if !ok || meta {
		return stubs.Return(e, 0)
	}
	return stubs.Return(e, boolValue(rt.IsKindOf(ID(e.X(0)), want.Name)))
}

func (rt *Runtime) guestRetain(e *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(e, uint64(rt.Retain(ID(e.X(0)))))
}

func (rt *Runtime) guestRelease(e *emulator.Emulator) (cpu.Action, error) {
	if err := rt.Release(e.X(0)); err != nil {
		return cpu.Stop, err
	}
	return cpu.Return, nil
}

func (rt *Runtime) guestAutorelease(e *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(e, uint64(rt.Autorelease(ID(e.X(0)))))
}

func (rt *Runtime) guestRetainAutorelease(e *emulator.Emulator) (cpu.Action, error) {
	obj := rt.Retain(ID(e.X(0)))
	return stubs.Return(e, uint64(rt.Autorelease(obj)))
}

// objc_storeStrong(id *location, id obj)
func (rt *Runtime) guestStoreStrong(e *emulator.Emulator) (cpu.Action, error) {
	loc, obj := e.X(0), ID(e.X(1))
	old, err := e.MemReadU64(loc)
	if err != nil {
		return cpu.Stop, fmt.Errorf("objc_storeStrong: %w", err)
	}
	if old == uint64(obj) {
		return cpu.Return, nil
	}
	rt.Retain(obj)
	if err := e.MemWriteU64(loc, uint64(obj)); err != nil {
		return cpu.Stop, fmt.Errorf("objc_storeStrong: %w", err)
	}
	if err := rt.Release(old); err != nil {
		return cpu.Stop, err
	}
	return cpu.Return, nil
}

func (rt *Runtime) guestPoolPush(e *emulator.Emulator) (cpu.Action, error) {
	tok := rt.pool.Push()
	rt.trace(e, "objc_autoreleasePoolPush", stubs.FormatHex(uint64(tok)))
	return stubs.Return(e, uint64(tok))
}

func (rt *Runtime) guestPoolPop(e *emulator.Emulator) (cpu.Action, error) {
	tok := autorelease.Token(e.X(0))
	rt.trace(e, "objc_autoreleasePoolPop", stubs.FormatHex(uint64(tok)))
	// like the system runtime, popping a token also pops the pools above it
	inner, err := rt.pool.PopTo(tok)
	if inner > 0 {
		rt.trace(e, "objc_autoreleasePoolPop", fmt.Sprintf("%d inner pools popped", inner))
	}
	if err != nil {
		return cpu.Stop, err
	}
	return cpu.Return, nil
}

func (rt *Runtime) guestGetClass(e *emulator.Emulator) (cpu.Action, error) {
	name, err := e.MemReadString(e.X(0), 256)
	if err != nil {
		return stubs.Return(e, 0)
	}
	c, ok := rt.classes[name]
	rt.trace(e, "objc_getClass", name)
	if !ok {
		return stubs.Return(e, 0)
	}
	return stubs.Return(e, c.Addr)
}

func (rt *Runtime) guestGetMetaClass(e *emulator.Emulator) (cpu.Action, error) {
	name, err := e.MemReadString(e.X(0), 256)
	if err != nil {
		return stubs.Return(e, 0)
	}
	if c, ok := rt.classes[name]; ok {
		return stubs.Return(e, c.Meta)
	}
	return stubs.Return(e, 0)
}

func (rt *Runtime) guestObjectGetClass(e *emulator.Emulator) (cpu.Action, error) {
	obj := ID(e.X(0))
	if obj == 0 {
		return stubs.Return(e, 0)
	}
	c, meta, err := rt.ClassOf(obj)
	if err != nil {
		return cpu.Stop, fmt.Errorf("object_getClass: %w", err)
	}
	if meta {
		return stubs.Return(e, c.Meta)
	}
	return stubs.Return(e, c.Addr)
}

func (rt *Runtime) guestObjectGetClassName(e *emulator.Emulator) (cpu.Action, error) {
	c, _, err := rt.ClassOf(ID(e.X(0)))
	if err != nil {
		return stubs.Return(e, 0)
	}
	addr, err := rt.className(c)
	if err != nil {
		return cpu.Stop, err
	}
	return stubs.Return(e, addr)
}

func (rt *Runtime) guestClassGetName(e *emulator.Emulator) (cpu.Action, error) {
	c, _, ok := rt.ClassAt(e.X(0))
	if !ok {
		return stubs.Return(e, 0)
	}
	addr, err := rt.className(c)
	if err != nil {
		return cpu.Stop, err
	}
	return stubs.Return(e, addr)
}

func (rt *Runtime) guestClassGetSuperclass(e *emulator.Emulator) (cpu.Action, error) {
	c, meta, ok := rt.ClassAt(e.X(0))
	if !ok || c.Super == nil {
		return stubs.Return(e, 0)
	}
	if meta {
		return stubs.Return(e, c.Super.Meta)
	}
	return stubs.Return(e, c.Super.Addr)
}

func (rt *Runtime) guestClassRespondsTo(e *emulator.Emulator) (cpu.Action, error) {
	c, meta, ok := rt.ClassAt(e.X(0))
	if !ok {
		return stubs.Return(e, 0)
	}
	name, err := rt.SelectorName(SEL(e.X(1)))
	if err != nil {
		return stubs.Return(e, 0)
	}
	_, err = rt.lookup(c, name, meta)
	return stubs.Return(e, boolValue(err == nil))
}

func (rt *Runtime) guestSelRegister(e *emulator.Emulator) (cpu.Action, error) {
	name, err := e.MemReadString(e.X(0), 1024)
	if err != nil {
		return cpu.Stop, fmt.Errorf("sel_registerName: %w", err)
	}
	sel, err := rt.Selector(name)
	if err != nil {
		return cpu.Stop, err
	}
	return stubs.Return(e, uint64(sel))
}

// sel_getName: a selector already is its name.
func (rt *Runtime) guestSelGetName(e *emulator.Emulator) (cpu.Action, error) {
	return cpu.Return, nil
}

// objc_setAssociatedObject(object, key, value, policy)
func (rt *Runtime) guestSetAssociated(e *emulator.Emulator) (cpu.Action, error) {
	obj, key, val := ID(e.X(0)), e.X(1), e.X(2)
	m := rt.associated[obj]
	if m == nil {
		m = make(map[uint64]uint64)
		rt.associated[obj] = m
	}
	if val == 0 {
		delete(m, key)
	} else {
		m[key] = val
	}
	return cpu.Return, nil
}

func (rt *Runtime) guestGetAssociated(e *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(e, rt.associated[ID(e.X(0))][e.X(1)])
}
