package objc

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/emulator"
	glog "github.com/zboralski/tarsier/internal/log"
)

const (
	minInstanceSize = 0x10
	fastDataMask    = 0x00007ffffffffff8
	// class_ro_t: flags u32, instanceStart u32, instanceSize u32
	roInstanceSize = 8
)

// instanceSize returns the allocation size for instances of c, reading the
// class's read-only data when the size was not declared.
func (rt *Runtime) instanceSize(c *Class) uint64 {
	for k := c; k != nil; k = k.Super {
		if k.InstanceSize != 0 {
			return max(k.InstanceSize, minInstanceSize)
		}
		if k.Module == "" {
			continue
		}
		bits, err := rt.emu.MemReadU64(k.Addr + 0x20)
		if err != nil || bits&fastDataMask == 0 {
			continue
		}
		size, err := rt.emu.MemReadU32((bits & fastDataMask) + roInstanceSize)
		if err == nil && size > 0 && size < 1<<20 {
			k.InstanceSize = uint64(size)
			return max(uint64(size), minInstanceSize)
		}
	}
	return minInstanceSize
}

// Alloc creates a zeroed instance of c with a retain count of one.
func (rt *Runtime) Alloc(c *Class) (ID, error) {
	return rt.AllocSize(c, rt.instanceSize(c))
}

// AllocSize is Alloc with an explicit size.
func (rt *Runtime) AllocSize(c *Class, size uint64) (ID, error) {
	addr, err := rt.emu.Malloc(max(size, minInstanceSize))
	if err != nil {
		return 0, fmt.Errorf("alloc %s: %w", c.Name, err)
	}
	if err := rt.emu.MemWriteU64(addr, c.Addr); err != nil {
		return 0, fmt.Errorf("alloc %s: %w", c.Name, err)
	}
	obj := ID(addr)
	rt.refs[obj] = 1
	return obj, nil
}

// Retain increments obj's count. Objects the runtime did not allocate,
// such as constants inside an image, are immortal.
func (rt *Runtime) Retain(obj ID) ID {
	if n, ok := rt.refs[obj]; ok && n > 0 {
		rt.refs[obj] = n + 1
	}
	return obj
}

// Release decrements obj's count and deallocates it when the count reaches
// zero. Releasing nil or an untracked object does nothing.
func (rt *Runtime) Release(obj uint64) error {
	id := ID(obj)
	n, ok := rt.refs[id]
	if !ok || n == 0 {
		return nil
	}
	n--
	rt.refs[id] = n
	if n > 0 {
		return nil
	}
	return rt.Dealloc(id)
}

// Dealloc sends -dealloc. The root implementation frees the object; guest
// overrides reach it through [super dealloc].
func (rt *Runtime) Dealloc(obj ID) error {
	rt.refs[obj] = 0
	if _, err := rt.Send(obj, "dealloc"); err != nil {
		return fmt.Errorf("dealloc 0x%x: %w", uint64(obj), err)
	}
	return nil
}

// Dispose frees obj's memory without sending any message.
func (rt *Runtime) Dispose(obj ID) error {
	if _, ok := rt.refs[obj]; !ok {
		return nil
	}
	delete(rt.refs, obj)
	delete(rt.associated, obj)
	return rt.emu.Free(uint64(obj))
}

// RetainCount returns obj's count and whether the runtime tracks it.
func (rt *Runtime) RetainCount(obj ID) (int, bool) {
	n, ok := rt.refs[obj]
	return n, ok
}

// IsLive reports whether obj is a tracked object that has not been freed.
func (rt *Runtime) IsLive(obj ID) bool {
	n, ok := rt.refs[obj]
	return ok && n > 0
}

// Live returns the number of tracked objects.
func (rt *Runtime) Live() int { return len(rt.refs) }

// Autorelease hands one reference to the innermost pool. With no pool
// open the object is leaked.
func (rt *Runtime) Autorelease(obj ID) ID {
	if obj == 0 {
		return 0
	}
	if _, ok := rt.refs[obj]; !ok {
		return obj
	}
	if !rt.pool.Add(uint64(obj)) {
		glog.L.Warn("autorelease with no pool in place, leaking", glog.Ptr("obj", uint64(obj)))
	}
	return obj
}

// WithPool runs fn inside an autorelease pool.
func (rt *Runtime) WithPool(fn func() error) error {
	return rt.pool.With(fn)
}

// defineRoot creates NSObject with the lifetime and introspection methods
// every class inherits.
func (rt *Runtime) defineRoot() error {
	root := newClass(Root, nil)
	root.InstanceSize = 8
	if err := rt.materialize(root, 0, 0); err != nil {
		return err
	}
	rt.register(root)

	self := func(e *emulator.Emulator, self ID, _ SEL) (uint64, error) { return uint64(self), nil }
	methods := []struct {
		sel  string
		meta bool
		fn   HostIMP
	}{
		{"alloc", true, rt.imAlloc},
		{"allocWithZone:", true, rt.imAlloc},
		{"new", true, rt.imNew},
		{"class", true, self},
		{"init", false, self},
		{"self", false, self},
		{"class", false, rt.imClass},
		{"superclass", true, rt.imSuperclass},
		{"retain", false, func(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
			return uint64(rt.Retain(obj)), nil
		}},
		{"release", false, func(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
			return 0, rt.Release(uint64(obj))
		}},
		{"autorelease", false, func(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
			return uint64(rt.Autorelease(obj)), nil
		}},
		{"retainCount", false, func(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
			if n, ok := rt.refs[obj]; ok {
				return uint64(n), nil
			}
			return ^uint64(0), nil
		}},
		{"dealloc", false, func(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
			return 0, rt.Dispose(obj)
		}},
		{"respondsToSelector:", false, rt.imRespondsTo},
		{"isKindOfClass:", false, rt.imIsKindOf},
		{"isMemberOfClass:", false, rt.imIsMemberOf},
		{"isEqual:", false, func(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
			return boolValue(e.X(2) == uint64(obj)), nil
		}},
		{"hash", false, self},
		{"zone", false, func(*emulator.Emulator, ID, SEL) (uint64, error) { return 0, nil }},
	}
	for _, m := range methods {
		if err := rt.addHostMethod(root, m.sel, m.meta, m.fn); err != nil {
			return err
		}
	}
	return nil
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (rt *Runtime) imAlloc(e *emulator.Emulator, cls ID, _ SEL) (uint64, error) {
	c, meta, ok := rt.ClassAt(uint64(cls))
	if !ok || meta {
		return 0, fmt.Errorf("alloc: 0x%x is not a class", uint64(cls))
	}
	obj, err := rt.Alloc(c)
	return uint64(obj), err
}

func (rt *Runtime) imNew(e *emulator.Emulator, cls ID, _ SEL) (uint64, error) {
	obj, err := rt.MsgSend(cls, "alloc")
	if err != nil {
		return 0, err
	}
	obj, err = rt.MsgSend(obj, "init")
	return uint64(obj), err
}

func (rt *Runtime) imClass(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
	c, _, err := rt.ClassOf(obj)
	if err != nil {
		return 0, err
	}
	return c.Addr, nil
}

func (rt *Runtime) imSuperclass(e *emulator.Emulator, cls ID, _ SEL) (uint64, error) {
	c, _, ok := rt.ClassAt(uint64(cls))
	if !ok || c.Super == nil {
		return 0, nil
	}
	return c.Super.Addr, nil
}

func (rt *Runtime) imRespondsTo(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
	name, err := rt.SelectorName(SEL(e.X(2)))
	if err != nil {
		return 0, nil
	}
	return boolValue(rt.RespondsTo(obj, name)), nil
}

func (rt *Runtime) imIsKindOf(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
	want, meta, ok := rt.ClassAt(e.X(2))
	if !ok || meta {
		return 0, nil
	}
	return boolValue(rt.IsKindOf(obj, want.Name)), nil
}

func (rt *Runtime) imIsMemberOf(e *emulator.Emulator, obj ID, _ SEL) (uint64, error) {
	c, meta, err := rt.ClassOf(obj)
	if err != nil || meta {
		return 0, nil
	}
	return boolValue(c.Addr == e.X(2)), nil
}

// Describe renders obj for logs and %@ formatting.
func (rt *Runtime) Describe(obj ID) string {
	if obj == 0 {
		return "nil"
	}
	c, meta, err := rt.ClassOf(obj)
	if err != nil {
		return fmt.Sprintf("<0x%x>", uint64(obj))
	}
	if meta || rt.IsClass(obj) {
		return c.Name
	}
	return fmt.Sprintf("<%s: 0x%x>", c.Name, uint64(obj))
}
