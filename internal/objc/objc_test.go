package objc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/tarsier/internal/autorelease"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/loader"
	"github.com/zboralski/tarsier/internal/stubs/stubtest"
)

const codeBase = emulator.ImageBase

const (
	insnRet     = 0xd65f03c0
	insnMovX0X2 = 0xaa0203e0 // MOV X0, X2
	insnNop     = 0xd503201f
)

type fixture struct {
	*stubtest.Harness
	rt *Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := stubtest.New(t)
	rt, err := New(h.Emu, h.Hooks)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	rt.Install(h.Table)
	return &fixture{Harness: h, rt: rt}
}

func constant(v uint64) HostIMP {
	return func(*emulator.Emulator, ID, SEL) (uint64, error) { return v, nil }
}

func (f *fixture) class(t *testing.T, name, super string) *Class {
	t.Helper()
	c, err := f.rt.DefineClass(name, super, 0)
	if err != nil {
		t.Fatalf("define %s: %v", name, err)
	}
	return c
}

func (f *fixture) method(t *testing.T, class, sel string, meta bool, fn HostIMP) {
	t.Helper()
	if err := f.rt.AddMethod(class, sel, meta, fn); err != nil {
		t.Fatalf("add %s: %v", sel, err)
	}
}

func (f *fixture) newObject(t *testing.T, class string) ID {
	t.Helper()
	obj, err := f.rt.MsgSend(class, "new")
	if err != nil {
		t.Fatalf("[%s new]: %v", class, err)
	}
	if obj == 0 {
		t.Fatalf("[%s new] returned nil", class)
	}
	return obj
}

// callThrough maps a guest function that calls fn through a register, the
// way compiled code reaches an imported symbol.
func (f *fixture) callThrough(t *testing.T, fn uint64) uint64 {
	t.Helper()
	addr := f.Code(t, codeBase,
		0xa9bf7bfd, // STP X29, X30, [SP, #-16]!
		0x580000b0, // LDR X16, #20
		0xd63f0200, // BLR X16
		0xa8c17bfd, // LDP X29, X30, [SP], #16
		insnRet,
		insnNop,
	)
	if err := f.Emu.MemWriteU64(codeBase+24, fn); err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestMsgSendHostMethod(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Greeter", Root)
	f.method(t, "Greeter", "answer", false, constant(42))

	obj := f.newObject(t, "Greeter")
	got, err := f.rt.MsgSend(obj, "answer")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != 42 {
		t.Errorf("answer = %d", got)
	}
	if !f.rt.IsKindOf(obj, "Greeter") || !f.rt.IsKindOf(obj, Root) {
		t.Error("IsKindOf failed along the hierarchy")
	}
	if f.rt.Describe(obj) == "" || f.rt.Describe(0) != "nil" {
		t.Errorf("Describe = %q", f.rt.Describe(obj))
	}
}

func TestSelectorWalksHierarchy(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Base", Root)
	f.class(t, "Middle", "Base")
	f.class(t, "Leaf", "Middle")
	f.method(t, "Base", "ping", false, constant(1))

	obj := f.newObject(t, "Leaf")
	if v, err := f.rt.MsgSend(obj, "ping"); err != nil || v != 1 {
		t.Fatalf("inherited ping = %d, %v", v, err)
	}

	f.method(t, "Middle", "ping", false, constant(2))
	if v, _ := f.rt.MsgSend(obj, "ping"); v != 2 {
		t.Errorf("override not seen after cache purge: %d", v)
	}

	_, err := f.rt.MsgSend(obj, "missing")
	var snf *SelectorNotFoundError
	if !errors.As(err, &snf) {
		t.Fatalf("expected SelectorNotFoundError, got %v", err)
	}
	if snf.Class != "Leaf" || snf.Selector != "missing" || snf.Meta {
		t.Errorf("error = %+v", snf)
	}
	if !IsSelectorNotFound(err) {
		t.Error("IsSelectorNotFound = false")
	}
	if f.rt.RespondsTo(obj, "missing") || !f.rt.RespondsTo(obj, "ping") {
		t.Error("RespondsTo disagrees with dispatch")
	}
}

func TestClassMessagesReachRootInstanceMethods(t *testing.T) {
	f := newFixture(t)
	c := f.class(t, "Widget", Root)

	v, err := f.rt.MsgSend("Widget", "isEqual:", ID(c.Addr))
	if err != nil {
		t.Fatalf("+[Widget isEqual:]: %v", err)
	}
	if v != 1 {
		t.Errorf("class isEqual: itself = %d", v)
	}
	if _, err := f.rt.MsgSend("Widget", "answer"); !IsSelectorNotFound(err) {
		t.Errorf("unknown class method: %v", err)
	}
}

func TestUnknownReceiver(t *testing.T) {
	f := newFixture(t)
	if _, err := f.rt.MsgSend("Nope", "new"); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("unknown class: %v", err)
	}
	v, err := f.rt.MsgSend(ID(0), "anything")
	if err != nil || v != 0 {
		t.Errorf("nil receiver = %d, %v", v, err)
	}
	if _, err := f.rt.MsgSend(3.5, "new"); err == nil {
		t.Error("float receiver accepted")
	}
}

func TestGuestMsgSend(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Greeter", Root)
	f.method(t, "Greeter", "answer", false, constant(42))
	obj := f.newObject(t, "Greeter")
	sel, err := f.rt.Selector("answer")
	if err != nil {
		t.Fatal(err)
	}

	fn := f.callThrough(t, f.Addr(t, "objc_msgSend"))
	got, err := f.Emu.Call(fn, uint64(obj), uint64(sel))
	if err != nil {
		t.Fatalf("guest send: %v", err)
	}
	if got != 42 {
		t.Errorf("guest send = %d", got)
	}

	// messages to nil return zero
	if got, err := f.Emu.Call(fn, 0, uint64(sel)); err != nil || got != 0 {
		t.Errorf("nil send = %d, %v", got, err)
	}

	// missing selectors fault the call
	bad, _ := f.rt.Selector("missing")
	_, err = f.Emu.Call(fn, uint64(obj), uint64(bad))
	if !IsSelectorNotFound(err) {
		t.Errorf("expected selector error through the fault, got %v", err)
	}
}

func TestGuestImplementation(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Echo", Root)
	imp := f.Code(t, codeBase+0x1000, insnMovX0X2, insnRet)
	if err := f.rt.SetIMP("Echo", "echo:", false, imp); err != nil {
		t.Fatal(err)
	}
	obj := f.newObject(t, "Echo")
	got, err := f.rt.MsgSend(obj, "echo:", uint64(0x1234))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if got != 0x1234 {
		t.Errorf("echo returned 0x%x", uint64(got))
	}
	if addr, ok := f.rt.ResolveMethod("Echo", "echo:", false); !ok || addr != imp {
		t.Errorf("ResolveMethod = 0x%x, %v", addr, ok)
	}
}

func TestGuestMsgSendSuper2(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Base", Root)
	derived := f.class(t, "Derived", "Base")
	f.method(t, "Base", "ping", false, constant(1))
	f.method(t, "Derived", "ping", false, constant(2))
	obj := f.newObject(t, "Derived")

	sup := f.Buffer(t, 16)
	f.Emu.MemWriteU64(sup, uint64(obj))
	f.Emu.MemWriteU64(sup+8, derived.Addr)
	sel, _ := f.rt.Selector("ping")

	fn := f.callThrough(t, f.Addr(t, "objc_msgSendSuper2"))
	got, err := f.Emu.Call(fn, sup, uint64(sel))
	if err != nil {
		t.Fatalf("super send: %v", err)
	}
	if got != 1 {
		t.Errorf("super ping = %d, want the Base implementation", got)
	}
	if v, _ := f.rt.MsgSendSuper(obj, "Derived", "ping"); v != 1 {
		t.Errorf("host super ping = %d", v)
	}
}

func TestRetainRelease(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Thing", Root)
	obj := f.newObject(t, "Thing")

	if n, ok := f.rt.RetainCount(obj); !ok || n != 1 {
		t.Fatalf("initial count = %d, %v", n, ok)
	}
	f.Call(t, "objc_retain", uint64(obj))
	if n, _ := f.rt.RetainCount(obj); n != 2 {
		t.Errorf("after retain = %d", n)
	}
	f.Call(t, "objc_release", uint64(obj))
	if !f.rt.IsLive(obj) {
		t.Fatal("object freed while still retained")
	}
	if _, err := f.rt.MsgSend(obj, "release"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.rt.IsLive(obj) {
		t.Error("object live after last release")
	}
	if _, ok := f.Emu.Heap().SizeOf(uint64(obj)); ok {
		t.Error("object memory not returned to the heap")
	}

	// objects the runtime never allocated are immortal
	if err := f.rt.Release(0xdead0000); err != nil {
		t.Errorf("release untracked: %v", err)
	}
}

func TestDeallocOverrideReachesRoot(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Tracked", Root)
	var dealloced []ID
	f.method(t, "Tracked", "dealloc", false, func(e *emulator.Emulator, self ID, _ SEL) (uint64, error) {
		dealloced = append(dealloced, self)
		_, err := f.rt.MsgSendSuper(self, "Tracked", "dealloc")
		return 0, err
	})
	obj := f.newObject(t, "Tracked")
	if err := f.rt.Release(uint64(obj)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(dealloced) != 1 || dealloced[0] != obj {
		t.Errorf("dealloc calls = %v", dealloced)
	}
	if f.rt.IsLive(obj) {
		t.Error("super dealloc did not free the object")
	}
}

func TestAutoreleasePoolReleasesInReverse(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Tracked", Root)
	var order []ID
	f.method(t, "Tracked", "dealloc", false, func(e *emulator.Emulator, self ID, _ SEL) (uint64, error) {
		order = append(order, self)
		return 0, f.rt.Dispose(self)
	})

	var objs []ID
	err := f.rt.WithPool(func() error {
		for range 3 {
			obj := f.newObject(t, "Tracked")
			f.rt.Autorelease(obj)
			objs = append(objs, obj)
		}
		return f.rt.WithPool(func() error {
			inner := f.newObject(t, "Tracked")
			f.rt.Autorelease(inner)
			objs = append(objs, inner)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	want := []ID{objs[3], objs[2], objs[1], objs[0]}
	if len(order) != len(want) {
		t.Fatalf("released %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("release %d = 0x%x, want 0x%x", i, uint64(order[i]), uint64(want[i]))
		}
	}
	for _, obj := range objs {
		if f.rt.IsLive(obj) {
			t.Errorf("0x%x survived the pool", uint64(obj))
		}
	}
}

func TestGuestPoolExports(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Thing", Root)

	tok := f.Call(t, "objc_autoreleasePoolPush")
	obj := f.newObject(t, "Thing")
	f.Call(t, "objc_autorelease", uint64(obj))
	if f.rt.Pool().Depth() != 1 || f.rt.Pool().Pending() != 1 {
		t.Fatalf("depth %d pending %d", f.rt.Pool().Depth(), f.rt.Pool().Pending())
	}
	f.Call(t, "objc_autoreleasePoolPop", tok)
	if f.rt.IsLive(obj) {
		t.Error("object survived objc_autoreleasePoolPop")
	}

	_, err := f.Emu.Call(f.Addr(t, "objc_autoreleasePoolPop"), tok)
	var imb *autorelease.PoolImbalanceError
	if !errors.As(err, &imb) {
		t.Errorf("expected imbalance, got %v", err)
	}
}

func TestGuestPoolPopUnwindsInnerPools(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Thing", Root)

	outer := f.Call(t, "objc_autoreleasePoolPush")
	f.Call(t, "objc_autoreleasePoolPush")
	obj := f.newObject(t, "Thing")
	f.Call(t, "objc_autorelease", uint64(obj))
	f.Call(t, "objc_autoreleasePoolPop", outer)
	if d := f.rt.Pool().Depth(); d != 0 {
		t.Errorf("depth %d after popping the outer token", d)
	}
	if f.rt.IsLive(obj) {
		t.Error("object in the inner pool survived")
	}
}

func TestStoreStrong(t *testing.T) {
	f := newFixture(t)
	f.class(t, "Thing", Root)
	a := f.newObject(t, "Thing")
	b := f.newObject(t, "Thing")
	slot := f.Buffer(t, 8)
	f.Emu.MemWriteU64(slot, uint64(a))

	f.Call(t, "objc_storeStrong", slot, uint64(b))
	if v, _ := f.Emu.MemReadU64(slot); v != uint64(b) {
		t.Errorf("slot = 0x%x", v)
	}
	if f.rt.IsLive(a) {
		t.Error("old value not released")
	}
	if n, _ := f.rt.RetainCount(b); n != 2 {
		t.Errorf("new value count = %d", n)
	}
}

func TestRuntimeLookupExports(t *testing.T) {
	f := newFixture(t)
	c := f.class(t, "Widget", Root)

	if got := f.Call(t, "objc_getClass", f.CString(t, "Widget")); got != c.Addr {
		t.Errorf("objc_getClass = 0x%x", got)
	}
	if got := f.Call(t, "objc_getClass", f.CString(t, "Missing")); got != 0 {
		t.Errorf("objc_getClass(missing) = 0x%x", got)
	}
	if name := f.ReadString(t, f.Call(t, "class_getName", c.Addr)); name != "Widget" {
		t.Errorf("class_getName = %q", name)
	}
	obj := f.newObject(t, "Widget")
	if got := f.Call(t, "object_getClass", uint64(obj)); got != c.Addr {
		t.Errorf("object_getClass = 0x%x", got)
	}
	if got := f.Call(t, "object_getClass", c.Addr); got != c.Meta {
		t.Errorf("object_getClass(class) = 0x%x, want metaclass", got)
	}

	sel := f.Call(t, "sel_registerName", f.CString(t, "doThing:"))
	if again, _ := f.rt.Selector("doThing:"); uint64(again) != sel {
		t.Error("sel_registerName did not intern")
	}
	// any C string works as a selector
	raw := f.CString(t, "raw:")
	if name, err := f.rt.SelectorName(SEL(raw)); err != nil || name != "raw:" {
		t.Errorf("SelectorName = %q, %v", name, err)
	}
}

func TestMethodNames(t *testing.T) {
	tests := []struct {
		in    string
		class string
		sel   string
		meta  bool
		ok    bool
	}{
		{"-[NSBundle initWithPath:]", "NSBundle", "initWithPath:", false, true},
		{"+[JMBox125 JMBox167:JMBox501:]", "JMBox125", "JMBox167:JMBox501:", true, true},
		{"[NSBundle init]", "", "", false, false},
		{"-[NSBundle]", "", "", false, false},
		{"-[ init]", "", "", false, false},
	}
	for _, tt := range tests {
		class, sel, meta, ok := ParseMethodName(tt.in)
		if ok != tt.ok || class != tt.class || sel != tt.sel || meta != tt.meta {
			t.Errorf("ParseMethodName(%q) = %q %q %v %v", tt.in, class, sel, meta, ok)
		}
		if ok && MethodName(class, sel, meta) != tt.in {
			t.Errorf("MethodName round trip of %q", tt.in)
		}
	}
}

const classManifest = `format: tarsier-image
name: classes
segments:
  - name: __TEXT
    addr: 0x0
    prot: r-x
    words: [0xaa0203e0, 0xd65f03c0, 0xd2800540, 0xd65f03c0]
classes:
  - name: Sample
    super: Parent
    methods:
      "echo:": 0x0
    class_methods:
      "answer": 0x8
`

func TestAddModule(t *testing.T) {
	f := newFixture(t)

	// an import seen before the defining module creates a placeholder
	early, ok := f.rt.ResolveImport("_OBJC_CLASS_$_Sample")
	if !ok {
		t.Fatal("class import not resolved")
	}

	path := filepath.Join(t.TempDir(), "classes.yaml")
	if err := os.WriteFile(path, []byte(classManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	mod, err := loader.Load(f.Emu, path, loader.Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := f.rt.AddModule(mod); err != nil {
		t.Fatalf("add module: %v", err)
	}

	c, ok := f.rt.Class("Sample")
	if !ok || c.Placeholder || c.Module != "classes" {
		t.Fatalf("class = %+v", c)
	}
	if c.Addr != early {
		t.Errorf("class moved from 0x%x to 0x%x", early, c.Addr)
	}
	parent, _ := f.rt.Class("Parent")
	if parent == nil || !parent.Placeholder || c.Super != parent || parent.Super.Name != Root {
		t.Errorf("parent = %+v", parent)
	}

	answer, err := f.rt.MsgSend("Sample", "answer")
	if err != nil || answer != 42 {
		t.Errorf("+[Sample answer] = %d, %v", answer, err)
	}
	obj := f.newObject(t, "Sample")
	if v, err := f.rt.MsgSend(obj, "echo:", uint64(7)); err != nil || v != 7 {
		t.Errorf("-[Sample echo:] = %d, %v", v, err)
	}
	if meta, ok := f.rt.ResolveImport("_OBJC_METACLASS_$_Sample"); !ok || meta != c.Meta {
		t.Errorf("metaclass import = 0x%x", meta)
	}
}
