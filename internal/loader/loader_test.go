package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/memory"
)

// echo: MOV X0, X2; RET
const echoManifest = `# sample image
format: tarsier-image
name: sample
segments:
  - name: __TEXT
    addr: 0x0
    prot: r-x
    words: [0xaa0203e0, 0xd65f03c0, 0xd2800540, 0xd65f03c0]
  - name: __DATA
    addr: 0x4000
    prot: rw-
    zero: 0x20
symbols:
  _echo: 0x0
  _answer: 0x8
relocations:
  - addr: 0x4000
    addend: 0x8
  - addr: 0x4008
    symbol: _malloc
  - addr: 0x4010
    symbol: _answer
  - addr: 0x4018
    symbol: _optional
    weak: true
classes:
  - name: Sample
    methods:
      "echo:": 0x0
init: [0x8]
init_pointers: [0x4000]
`

type fakeResolver map[string]uint64

func (r fakeResolver) ResolveImport(name string) (uint64, bool) {
	v, ok := r[name]
	return v, ok
}

func (r fakeResolver) FallbackImport(name string) (uint64, error) {
	return 0xF0000800, nil
}

func writeImage(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.yaml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func newEmulator(t *testing.T) *emulator.Emulator {
	t.Helper()
	emu, err := emulator.New(emulator.Options{})
	if err != nil {
		t.Fatalf("emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func TestLoadManifest(t *testing.T) {
	emu := newEmulator(t)
	path := writeImage(t, echoManifest)

	mod, err := Load(emu, path, Options{Resolver: fakeResolver{"_malloc": 0xF0000100}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if mod.Name != "sample" || mod.Format != "manifest" {
		t.Errorf("module = %s (%s)", mod.Name, mod.Format)
	}
	if mod.Base != emulator.ImageBase {
		t.Errorf("base = 0x%x, want 0x%x", mod.Base, uint64(emulator.ImageBase))
	}
	if mod.Size != 0x5000 {
		t.Errorf("size = 0x%x", mod.Size)
	}

	echo, ok := mod.Symbol("echo")
	if !ok || echo != mod.Base {
		t.Fatalf("Symbol(echo) = 0x%x, %v", echo, ok)
	}
	got, err := emu.Call(echo, 0, 0, 0x1234)
	if err != nil {
		t.Fatalf("call echo: %v", err)
	}
	if got != 0x1234 {
		t.Errorf("echo returned 0x%x", got)
	}

	slots := map[uint64]uint64{
		0x4000: mod.Base + 0x8, // relative
		0x4008: 0xF0000100,     // resolver
		0x4010: mod.Base + 0x8, // own symbol
		0x4018: 0,              // weak, missing
	}
	for off, want := range slots {
		if v, _ := emu.MemReadU64(mod.Addr(off)); v != want {
			t.Errorf("slot +0x%x = 0x%x, want 0x%x", off, v, want)
		}
	}
	if len(mod.Imports) != 3 {
		t.Errorf("imports = %+v", mod.Imports)
	}

	// declared init first, then the pointer slot read after relocation
	if len(mod.Initializers) != 2 || mod.Initializers[0] != 0x8 || mod.Initializers[1] != 0x8 {
		t.Errorf("initializers = %x", mod.Initializers)
	}
	if c, ok := mod.Class("Sample"); !ok || c.Super != "NSObject" || len(c.Methods) != 1 {
		t.Errorf("class = %+v", c)
	}
}

func TestSegmentPermissions(t *testing.T) {
	emu := newEmulator(t)
	mod, err := Load(emu, writeImage(t, echoManifest), Options{Resolver: fakeResolver{"_malloc": 1}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := map[uint64]memory.Prot{mod.Base: memory.ProtRX, mod.Base + 0x4000: memory.ProtRW}
	for _, r := range emu.Regions() {
		if p, ok := want[r.Base]; ok {
			if r.Prot != p {
				t.Errorf("region 0x%x prot = %v, want %v", r.Base, r.Prot, p)
			}
			delete(want, r.Base)
		}
	}
	if len(want) != 0 {
		t.Errorf("regions not mapped: %v", want)
	}
}

func TestUnresolvedImport(t *testing.T) {
	emu := newEmulator(t)
	path := writeImage(t, echoManifest)

	_, err := Load(emu, path, Options{Resolver: fakeResolver{}})
	var le *LoadError
	if !errors.As(err, &le) || le.Op != "bind" {
		t.Fatalf("expected bind LoadError, got %v", err)
	}
	var ue *UnresolvedError
	if !errors.As(err, &ue) || len(ue.Names) != 1 || ue.Names[0] != "_malloc" {
		t.Errorf("unresolved = %+v", ue)
	}
	if !errors.Is(err, ErrUnresolved) {
		t.Error("errors.Is(ErrUnresolved) = false")
	}
}

func TestFailedLoadUnmaps(t *testing.T) {
	emu := newEmulator(t)
	path := writeImage(t, echoManifest)
	before := len(emu.Regions())

	if _, err := Load(emu, path, Options{Resolver: fakeResolver{}}); err == nil {
		t.Fatal("load with an unresolved import succeeded")
	}
	if after := len(emu.Regions()); after != before {
		t.Errorf("regions before=%d after=%d", before, after)
	}
	// the same range is free for a retry
	if _, err := Load(emu, path, Options{Resolver: fakeResolver{"_malloc": 1}}); err != nil {
		t.Errorf("retry: %v", err)
	}
}

func TestFallbackImports(t *testing.T) {
	emu := newEmulator(t)
	mod, err := Load(emu, writeImage(t, echoManifest), Options{Resolver: fakeResolver{}, FallbackImports: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, _ := emu.MemReadU64(mod.Addr(0x4008)); v != 0xF0000800 {
		t.Errorf("fallback slot = 0x%x", v)
	}
	// weak imports stay null even with fallbacks enabled
	if v, _ := emu.MemReadU64(mod.Addr(0x4018)); v != 0 {
		t.Errorf("weak slot = 0x%x", v)
	}
}

func TestLoadTwiceSlides(t *testing.T) {
	emu := newEmulator(t)
	path := writeImage(t, echoManifest)
	opts := Options{Resolver: fakeResolver{"_malloc": 1}}

	a, err := Load(emu, path, opts)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	b, err := Load(emu, path, opts)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if b.Start < a.Start+a.Size {
		t.Errorf("second image at 0x%x overlaps first [0x%x, 0x%x)", b.Start, a.Start, a.Start+a.Size)
	}
	if v, _ := emu.MemReadU64(b.Addr(0x4000)); v != b.Base+0x8 {
		t.Errorf("second image relocated against wrong base: 0x%x", v)
	}
}

func TestLinkAddressKept(t *testing.T) {
	emu := newEmulator(t)
	path := writeImage(t, `format: tarsier-image
segments:
  - name: __TEXT
    addr: 0x200000000
    prot: r-x
    words: [0xd65f03c0]
`)
	mod, err := Load(emu, path, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if mod.Base != 0 || mod.Start != 0x200000000 {
		t.Errorf("base 0x%x start 0x%x", mod.Base, mod.Start)
	}
	if mod.Name != "image.yaml" {
		t.Errorf("name = %q", mod.Name)
	}
}

func TestFixedImageConflict(t *testing.T) {
	emu := newEmulator(t)
	// the heap already occupies this range
	path := writeImage(t, `format: tarsier-image
fixed: true
segments:
  - name: __TEXT
    addr: 0x90000000
    prot: r-x
    words: [0xd65f03c0]
`)
	_, err := Load(emu, path, Options{})
	var le *LoadError
	if !errors.As(err, &le) || le.Op != "map" || !errors.Is(err, memory.ErrOverlap) {
		t.Fatalf("expected map overlap, got %v", err)
	}
}

func TestSharedPageMerged(t *testing.T) {
	emu := newEmulator(t)
	path := writeImage(t, `format: tarsier-image
segments:
  - name: text
    addr: 0x0
    prot: r-x
    words: [0xd65f03c0]
  - name: data
    addr: 0x800
    prot: rw-
    data: "2a000000"
`)
	mod, err := Load(emu, path, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, _ := emu.MemReadU32(mod.Addr(0x800)); v != 42 {
		t.Errorf("data = %d", v)
	}
	for _, r := range emu.Regions() {
		if r.Base == mod.Start && r.Prot != memory.ProtAll {
			t.Errorf("merged page prot = %v", r.Prot)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	emu := newEmulator(t)
	tests := []struct {
		name string
		text string
		op   string
	}{
		{"garbage", "not an image at all", "detect"},
		{"wrong format", "format: something-else\n", "detect"},
		{"bad prot", "format: tarsier-image\nsegments:\n  - {name: t, addr: 0, prot: rwz, words: [1]}\n", "parse"},
		{"wide word", "format: tarsier-image\nsegments:\n  - {name: t, addr: 0, prot: r-x, words: [0x100000000]}\n", "parse"},
		{"bad hex", "format: tarsier-image\nsegments:\n  - {name: t, addr: 0, prot: r--, data: zz}\n", "parse"},
		{"no segments", "format: tarsier-image\n", "map"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(emu, writeImage(t, tt.text), Options{})
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected LoadError, got %v", err)
			}
			if le.Op != tt.op {
				t.Errorf("op = %q, want %q (%v)", le.Op, tt.op, err)
			}
		})
	}

	_, err := Load(emu, filepath.Join(t.TempDir(), "missing"), Options{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}

func TestSymbolAt(t *testing.T) {
	emu := newEmulator(t)
	mod, err := Load(emu, writeImage(t, echoManifest), Options{Resolver: fakeResolver{"_malloc": 1}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	name, delta, ok := mod.SymbolAt(mod.Addr(0xc))
	if !ok || name != "_answer" || delta != 4 {
		t.Errorf("SymbolAt = %s+%d, %v", name, delta, ok)
	}
	if _, _, ok := mod.SymbolAt(0x10); ok {
		t.Error("SymbolAt outside module succeeded")
	}
}
