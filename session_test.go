package tarsier

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/intercept"
	"github.com/zboralski/tarsier/internal/marshal"
	"github.com/zboralski/tarsier/internal/trace"
)

// sampleImage defines Sample with three methods and a C function:
//
//	0x00 -[Sample echo:]     returns its argument
//	0x08 -[Sample blocked:]  stores 5 through its argument and returns 5
//	0x18 _nine               returns 9
//	0x20 initializer         stores 1 at 0x4000
const sampleImage = `format: tarsier-image
name: sample
segments:
  - name: __TEXT
    addr: 0x0
    prot: r-x
    words:
      - 0xaa0203e0 # mov x0, x2
      - 0xd65f03c0 # ret
      - 0x528000a8 # mov w8, #5
      - 0xb9000048 # str w8, [x2]
      - 0xd28000a0 # mov x0, #5
      - 0xd65f03c0 # ret
      - 0xd2800120 # mov x0, #9
      - 0xd65f03c0 # ret
      - 0x1001ff08 # adr x8, 0x4000
      - 0x52800029 # mov w9, #1
      - 0xb9000109 # str w9, [x8]
      - 0xd65f03c0 # ret
  - name: __DATA
    addr: 0x4000
    prot: rw-
    zero: 0x100
symbols:
  _echo: 0x0
  _blocked: 0x8
  _nine: 0x18
  _init: 0x20
classes:
  - name: Sample
    methods:
      "echo:": 0x0
      "blocked:": 0x8
init: [0x20]
`

const (
	offNine = 0x18
	offData = 0x4000
)

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.yaml")
	if err := os.WriteFile(path, []byte(sampleImage), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newSession(t *testing.T) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bundle.Identifier = "com.example.sample"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func load(t *testing.T, s *Session, execInit bool) uint64 {
	t.Helper()
	mod, err := s.LoadModule(writeImage(t), execInit)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	return mod.Base
}

func TestEcho(t *testing.T) {
	s := newSession(t)
	load(t, s, false)
	err := s.WithAutoreleasePool(func() error {
		ref, err := s.MsgSend("Sample", "new")
		if err != nil {
			return err
		}
		out, err := s.MsgSend(ref, "echo:", "hello")
		if err != nil {
			return err
		}
		got, err := s.ReadString(uint64(out))
		if err != nil {
			return err
		}
		if got != "hello" {
			t.Errorf("echo: = %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	a, b := newSession(t), newSession(t)
	baseA, baseB := load(t, a, false), load(t, b, false)
	if err := a.Emulator().MemWriteU32(baseA+offData, 0x1234); err != nil {
		t.Fatal(err)
	}
	v, err := b.Emulator().MemReadU32(baseB + offData)
	if err != nil || v != 0 {
		t.Errorf("second session sees 0x%x, %v", v, err)
	}
}

func TestInitializers(t *testing.T) {
	s := newSession(t)
	base := load(t, s, true)
	if v, _ := s.Emulator().MemReadU32(base + offData); v != 1 {
		t.Errorf("initializer did not run: 0x%x", v)
	}

	plain := newSession(t)
	base = load(t, plain, false)
	if v, _ := plain.Emulator().MemReadU32(base + offData); v != 0 {
		t.Errorf("initializer ran without execInit: 0x%x", v)
	}
}

func TestInterceptorFiresOnlyAtItsAddress(t *testing.T) {
	s := newSession(t)
	base := load(t, s, false)
	var hits []uint64
	observe := func(e *emulator.Emulator, addr uint64, _ uint32) (cpu.Action, error) {
		hits = append(hits, addr)
		return cpu.Continue, nil
	}
	if err := s.AddInterceptor(intercept.Address(base+offNine), observe); err != nil {
		t.Fatal(err)
	}
	echo := base
	if _, err := s.Call(echo, 0, 0, 7); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("hook fired for another function: %x", hits)
	}
	v, err := s.Call(base + offNine)
	if err != nil || v != 9 {
		t.Errorf("nine() = %d, %v", v, err)
	}
	if len(hits) != 1 || hits[0] != base+offNine {
		t.Errorf("hits = %x", hits)
	}
}

func TestOffsetInterceptorBindsOnLoad(t *testing.T) {
	s := newSession(t)
	if err := s.AddInterceptor(intercept.Offset("sample", offNine), intercept.Retval(1)); err != nil {
		t.Fatal(err)
	}
	base := load(t, s, false)
	if v, err := s.Call(base + offNine); err != nil || v != 1 {
		t.Errorf("hooked nine() = %d, %v", v, err)
	}
	if !s.RemoveInterceptor(intercept.Offset("sample", offNine)) {
		t.Fatal("interceptor not found")
	}
	if v, err := s.Call(base + offNine); err != nil || v != 9 {
		t.Errorf("unhooked nine() = %d, %v", v, err)
	}
}

func TestRetvalSkipsSideEffects(t *testing.T) {
	s := newSession(t)
	load(t, s, false)
	obj, err := s.MsgSend("Sample", "new")
	if err != nil {
		t.Fatal(err)
	}
	buf, err := s.Emulator().Malloc(8)
	if err != nil {
		t.Fatal(err)
	}
	s.Emulator().MemWriteU32(buf, 0)

	if v, err := s.MsgSend(obj, "blocked:", buf); err != nil || v != 5 {
		t.Fatalf("unhooked blocked: = %d, %v", v, err)
	}
	if got, _ := s.Emulator().MemReadU32(buf); got != 5 {
		t.Fatalf("unhooked blocked: stored %d", got)
	}

	s.Emulator().MemWriteU32(buf, 0)
	trig, err := intercept.Parse("-[Sample blocked:]")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddInterceptor(trig, intercept.Retval(0)); err != nil {
		t.Fatal(err)
	}
	if v, err := s.MsgSend(obj, "blocked:", buf); err != nil || v != 0 {
		t.Errorf("hooked blocked: = %d, %v", v, err)
	}
	if got, _ := s.Emulator().MemReadU32(buf); got != 0 {
		t.Errorf("hooked blocked: still stored %d", got)
	}
}

func TestHookHostMethod(t *testing.T) {
	s := newSession(t)
	bundle, err := s.MsgSend("NSBundle", "mainBundle")
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.MsgSend(bundle, "bundleIdentifier")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.ReadString(uint64(id)); err != nil || got != "com.example.sample" {
		t.Errorf("bundleIdentifier = %q, %v", got, err)
	}

	if err := s.AddInterceptor(intercept.Method("NSBundle", "bundleIdentifier", false), intercept.Retval(0)); err != nil {
		t.Fatal(err)
	}
	if id, err := s.MsgSend(bundle, "bundleIdentifier"); err != nil || id != 0 {
		t.Errorf("hooked bundleIdentifier = 0x%x, %v", id, err)
	}
}

func TestStringArgumentsFreedWithPool(t *testing.T) {
	s := newSession(t)
	load(t, s, false)
	obj, err := s.MsgSend("Sample", "new")
	if err != nil {
		t.Fatal(err)
	}
	var args []ID
	err = s.WithAutoreleasePool(func() error {
		for _, in := range []string{"a", "bb", "ccc"} {
			out, err := s.MsgSend(obj, "echo:", in)
			if err != nil {
				return err
			}
			args = append(args, out)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 3 {
		t.Fatalf("args = %v", args)
	}
	for _, a := range args {
		if s.Runtime().IsLive(a) {
			t.Errorf("argument 0x%x survived the pool", uint64(a))
		}
	}
}

func TestPoolDrainedAfterFaultWithInnerPoolOpen(t *testing.T) {
	s := newSession(t)
	fault := errors.New("execution fault")
	var obj ID
	err := s.WithAutoreleasePool(func() error {
		var err error
		if obj, err = s.NSObject("arg"); err != nil {
			return err
		}
		s.Runtime().Pool().Push()
		return fault
	})
	if !errors.Is(err, fault) {
		t.Errorf("WithAutoreleasePool = %v", err)
	}
	if d := s.Runtime().Pool().Depth(); d != 0 {
		t.Errorf("pool depth %d after the fault", d)
	}
	if s.Runtime().IsLive(obj) {
		t.Errorf("0x%x survived the pool", uint64(obj))
	}
}

func TestInterceptorOverHostMethod(t *testing.T) {
	s := newSession(t)
	length := func(obj ID) uint64 {
		t.Helper()
		n, err := s.MsgSend(obj, "length")
		if err != nil {
			t.Fatal(err)
		}
		return uint64(n)
	}
	err := s.WithAutoreleasePool(func() error {
		str, err := s.NSObject("hello")
		if err != nil {
			return err
		}
		trig := intercept.Method("NSString", "length", false)
		observed := 0
		err = s.AddInterceptor(trig, func(e *emulator.Emulator, addr uint64, size uint32) (cpu.Action, error) {
			observed++
			return cpu.Continue, nil
		})
		if err != nil {
			return err
		}
		if n := length(str); n != 5 || observed != 1 {
			t.Errorf("length with an observer = %d (observed %d)", n, observed)
		}
		if !s.RemoveInterceptor(trig) {
			t.Error("RemoveInterceptor = false")
		}
		if n := length(str); n != 5 || observed != 1 {
			t.Errorf("length after removal = %d (observed %d)", n, observed)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDlsymFindsImageExports(t *testing.T) {
	s := newSession(t)
	base := load(t, s, false)
	dlsym, ok := resolver{s}.ResolveSymbol("_dlsym")
	if !ok {
		t.Fatal("dlsym not bound")
	}
	name, err := s.Emulator().AllocString("nine")
	if err != nil {
		t.Fatal(err)
	}
	const rtldDefault = ^uint64(1)
	addr, err := s.Call(dlsym, rtldDefault, name)
	if err != nil {
		t.Fatal(err)
	}
	if addr != base+0x18 {
		t.Fatalf("dlsym(nine) = 0x%x, want 0x%x", addr, base+0x18)
	}
	if got, err := s.Call(addr); err != nil || got != 9 {
		t.Errorf("calling the result = %d, %v", got, err)
	}
}

func TestNSObject(t *testing.T) {
	s := newSession(t)
	in := map[string]any{"name": "tarsier", "ids": []int{1, 2}, "on": true}
	err := s.WithAutoreleasePool(func() error {
		obj, err := s.NSObject(in)
		if err != nil {
			return err
		}
		back, err := s.ToHost(obj)
		if err != nil {
			return err
		}
		want, _ := marshal.ValueOf(in)
		if !back.Equal(want) {
			t.Errorf("round trip = %v", back)
		}
		num, err := s.NSObject(3)
		if err != nil {
			return err
		}
		if !s.Foundation().IsNumber(num) {
			t.Error("integer did not become NSNumber")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUnknownSelector(t *testing.T) {
	s := newSession(t)
	load(t, s, false)
	if _, err := s.MsgSend("Sample", "missing"); err == nil {
		t.Error("unknown selector succeeded")
	}
}

func TestTracerSeesStubCalls(t *testing.T) {
	s := newSession(t)
	tr := trace.New(nil)
	s.SetTracer(tr, false)
	malloc, ok := resolver{s}.ResolveSymbol("malloc")
	if !ok {
		t.Fatal("malloc not resolvable")
	}
	if p, err := s.Call(malloc, 24); err != nil || p == 0 {
		t.Fatalf("malloc(24) = 0x%x, %v", p, err)
	}
	if tr.Count(trace.Malloc) != 1 {
		t.Errorf("events = %v", tr.Events())
	}

	s.SetTracer(nil, false)
	s.Call(malloc, 8)
	if len(tr.Events()) != 1 {
		t.Error("detached tracer still recording")
	}
}

func TestTraceConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trace = true
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.tracer == nil {
		t.Fatal("Trace did not install a tracer")
	}
	line := s.tracer.FormatInstruction(0x1000, 0xd65f03c0)
	if strings.Contains(line, "\x1b[") || !strings.HasPrefix(line, "00001000") {
		t.Errorf("TraceColor off but line = %q", line)
	}
}

func TestClose(t *testing.T) {
	s := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.MsgSend("NSObject", "new"); !errors.Is(err, ErrClosed) {
		t.Errorf("MsgSend after Close: %v", err)
	}
	if _, err := s.LoadModule("x", false); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadModule after Close: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Arch = "x86_64"
	if _, err := New(cfg); err == nil {
		t.Error("x86_64 accepted")
	}
}

func TestRootFS(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Info.plist"), []byte("plist"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.RootFS = root
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	open, _ := resolver{s}.ResolveSymbol("open")
	path, err := s.Emulator().AllocString("/Info.plist")
	if err != nil {
		t.Fatal(err)
	}
	fd, err := s.Call(open, path, 0)
	if err != nil || int64(fd) < 3 {
		t.Fatalf("open = %d, %v", int64(fd), err)
	}
	if s.Emulator().Files().OpenCount() != 1 {
		t.Error("descriptor not tracked by the session")
	}
}
