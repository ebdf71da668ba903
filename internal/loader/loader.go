// Package loader maps executable images into an emulated address space.
//
// Images come in three formats: Mach-O (thin or fat), ELF, and a YAML
// manifest for hand-built guests. Each format parses into a format-neutral
// Image, and Load maps it, applies relocations and collects initializers and
// Objective-C class metadata into a Module.
//
// Addresses inside an Image are link-time virtual addresses. A loaded Module
// keeps them as offsets: the guest address of an offset is Base+off, where
// Base is the guest address of vmaddr 0 (the slide, for a Mach-O image).
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/zboralski/tarsier/internal/emulator"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/memory"
	"go.uber.org/zap"
)

var (
	ErrUnknownFormat = errors.New("unrecognized image format")
	ErrUnresolved    = errors.New("unresolved imports")
	ErrNoSegments    = errors.New("image has no loadable segments")
)

// LoadError reports a failed load. The session stays usable.
type LoadError struct {
	Path string
	Op   string // detect, parse, map, relocate, bind, init
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Segment is one contiguous mapping. In an Image, Addr is the link-time
// address and Data the file-backed prefix; in a Module, Addr is the guest
// address and Data is nil.
type Segment struct {
	Name string
	Addr uint64
	Size uint64
	Prot memory.Prot
	Data []byte
}

// RelocKind selects how a relocation computes its value.
type RelocKind uint8

const (
	// RelocRelative stores Addend (a link-time address) plus the slide.
	RelocRelative RelocKind = iota
	// RelocBind stores the address of Symbol plus Addend.
	RelocBind
)

// Relocation patches the 8-byte slot at link-time address Addr.
type Relocation struct {
	Addr   uint64
	Kind   RelocKind
	Symbol string
	Addend int64
	Weak   bool // an unresolved weak bind stores 0
}

// Initializer is one static constructor. Indirect entries name a pointer
// slot that is read after relocation.
type Initializer struct {
	Addr     uint64
	Indirect bool
}

// Method is one selector implementation.
type Method struct {
	Selector string
	Imp      uint64
}

// ClassInfo describes an Objective-C class defined by an image. Addr and
// Meta are zero when the image carries no class structures.
type ClassInfo struct {
	Name         string
	Super        string
	Addr         uint64
	Meta         uint64
	Methods      []Method
	ClassMethods []Method
}

// Image is a parsed, unmapped executable.
type Image struct {
	Format      string
	Name        string
	Entry       uint64
	Fixed       bool // must load at its link address
	Segments    []Segment
	Symbols     map[string]uint64
	Relocations []Relocation
	Init        []Initializer
	Classes     []ClassInfo
	PLT         map[string]uint64 // ELF import trampolines
}

// Bounds returns the page-aligned link-time range covered by the segments.
func (img *Image) Bounds() (lo, hi uint64) {
	lo = ^uint64(0)
	for _, s := range img.Segments {
		if s.Size == 0 {
			continue
		}
		lo = min(lo, memory.AlignDown(s.Addr, memory.PageSize))
		hi = max(hi, memory.AlignUp(s.Addr+s.Size, memory.PageSize))
	}
	if hi == 0 {
		return 0, 0
	}
	return lo, hi
}

// Import records one bound external reference.
type Import struct {
	Name   string
	Slot   uint64 // guest address patched
	Target uint64 // bound guest address, 0 for a missing weak import
}

// Module is a loaded image. It is immutable once Load returns.
type Module struct {
	Name         string
	Path         string
	Format       string
	Base         uint64 // guest address of vmaddr 0
	Start        uint64 // guest address of the first mapped page
	Size         uint64
	Entry        uint64 // offset, 0 when absent
	Symbols      map[string]uint64
	Initializers []uint64
	Classes      []ClassInfo
	Imports      []Import
	Segments     []Segment
	PLT          map[string]uint64 // guest addresses

	runs []pageRun // mapped, guest addresses
}

// Addr converts an offset to a guest address.
func (m *Module) Addr(off uint64) uint64 { return m.Base + off }

// Offset converts a guest address back to an offset.
func (m *Module) Offset(addr uint64) uint64 { return addr - m.Base }

// Contains reports whether addr lies inside the module's mapping.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.Start+m.Size
}

// Symbol returns the guest address of a defined symbol. Mach-O names carry
// a leading underscore; both spellings are accepted.
func (m *Module) Symbol(name string) (uint64, bool) {
	if off, ok := m.Symbols[name]; ok {
		return m.Base + off, true
	}
	if off, ok := m.Symbols["_"+name]; ok {
		return m.Base + off, true
	}
	return 0, false
}

// Class returns the metadata of a class defined by the module.
func (m *Module) Class(name string) (*ClassInfo, bool) {
	for i := range m.Classes {
		if m.Classes[i].Name == name {
			return &m.Classes[i], true
		}
	}
	return nil, false
}

// SymbolAt names the closest symbol at or below addr.
func (m *Module) SymbolAt(addr uint64) (string, uint64, bool) {
	if !m.Contains(addr) {
		return "", 0, false
	}
	off := addr - m.Base
	var best string
	var bestOff uint64
	for name, o := range m.Symbols {
		if o <= off && (best == "" || o > bestOff || (o == bestOff && name < best)) {
			best, bestOff = name, o
		}
	}
	return best, off - bestOff, best != ""
}

// Format parses one image format.
type Format interface {
	Name() string
	Match(head []byte) bool
	Parse(path string) (*Image, error)
}

var formats []Format

// Register adds an image format. Formats are tried in registration order.
func Register(f Format) {
	formats = append(formats, f)
}

func init() {
	Register(machoFormat{})
	Register(elfFormat{})
	Register(manifestFormat{})
}

// Detect returns the format matching the first bytes of path.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, 4096)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	for _, format := range formats {
		if format.Match(head) {
			return format, nil
		}
	}
	return nil, ErrUnknownFormat
}

// Target is the address space an image is mapped into.
type Target interface {
	Map(addr, size uint64, prot memory.Prot, name string) error
	Unmap(addr, size uint64) error
	MemWrite(addr uint64, data []byte) error
	MemReadU64(addr uint64) (uint64, error)
	MemWriteU64(addr, val uint64) error
	FindFree(from, size uint64) (uint64, bool)
}

// ImportResolver binds names the image does not define itself.
type ImportResolver interface {
	ResolveImport(name string) (uint64, bool)
	// FallbackImport returns a placeholder for a name nothing provides.
	FallbackImport(name string) (uint64, error)
}

// Options configure one load.
type Options struct {
	Name            string // defaults to the file name
	Resolver        ImportResolver
	FallbackImports bool
	MinBase         uint64 // lowest guest address considered; defaults to emulator.ImageBase
}

// Load parses path and maps it into t.
func Load(t Target, path string, opts Options) (*Module, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, &LoadError{Path: path, Op: "detect", Err: err}
	}
	img, err := format.Parse(path)
	if err != nil {
		return nil, &LoadError{Path: path, Op: "parse", Err: err}
	}
	if img.Format == "" {
		img.Format = format.Name()
	}
	return Map(t, path, img, opts)
}

// Map places a parsed image into t, relocates it and collects its
// initializers.
func Map(t Target, path string, img *Image, opts Options) (*Module, error) {
	var mod *Module
	fail := func(op string, err error) (*Module, error) {
		if mod != nil {
			unmapRuns(t, mod)
		}
		return nil, &LoadError{Path: path, Op: op, Err: err}
	}

	lo, hi := img.Bounds()
	if hi == 0 {
		return fail("map", ErrNoSegments)
	}
	span := hi - lo

	start, err := chooseStart(t, img, lo, span, opts.MinBase)
	if err != nil {
		return fail("map", err)
	}
	base := start - lo

	name := opts.Name
	if name == "" {
		name = img.Name
	}
	if name == "" {
		name = filepath.Base(path)
	}
	mod = &Module{
		Name:    name,
		Path:    path,
		Format:  img.Format,
		Base:    base,
		Start:   start,
		Size:    span,
		Entry:   img.Entry,
		Symbols: make(map[string]uint64, len(img.Symbols)),
		PLT:     make(map[string]uint64, len(img.PLT)),
	}
	for k, v := range img.Symbols {
		mod.Symbols[k] = v
	}
	for k, v := range img.PLT {
		mod.PLT[k] = base + v
	}

	if err := mapSegments(t, mod, img); err != nil {
		return fail("map", err)
	}
	if err := relocate(t, mod, img, opts); err != nil {
		var missing *UnresolvedError
		if errors.As(err, &missing) {
			return fail("bind", err)
		}
		return fail("relocate", err)
	}
	if err := collectInit(t, mod, img); err != nil {
		return fail("init", err)
	}
	mod.Classes = slices.Clone(img.Classes)

	glog.L.Debug("module loaded",
		glog.Module(mod.Name),
		zap.String("format", mod.Format),
		glog.Ptr("base", mod.Base),
		glog.Size(mod.Size),
		zap.Int("symbols", len(mod.Symbols)),
		zap.Int("classes", len(mod.Classes)),
		zap.Int("init", len(mod.Initializers)))
	return mod, nil
}

// chooseStart keeps the link address when it is free and otherwise slides
// the image to the first free range at or above minBase.
func chooseStart(t Target, img *Image, lo, span, minBase uint64) (uint64, error) {
	if minBase == 0 {
		minBase = emulator.ImageBase
	}
	if lo != 0 || img.Fixed {
		if addr, ok := t.FindFree(lo, span); ok && addr == lo {
			return lo, nil
		}
		if img.Fixed {
			return 0, fmt.Errorf("fixed image at 0x%x: %w", lo, memory.ErrOverlap)
		}
	}
	addr, ok := t.FindFree(max(minBase, lo), span)
	if !ok {
		return 0, fmt.Errorf("no room for 0x%x bytes: %w", span, memory.ErrNoMemory)
	}
	return addr, nil
}

// pageRun is a run of pages mapped with one permission set.
type pageRun struct {
	lo, hi uint64
	prot   memory.Prot
	name   string
}

// mapSegments maps the image page-granular. Segments sharing a page are
// merged into one region holding the union of their permissions.
func mapSegments(t Target, mod *Module, img *Image) error {
	var runs []pageRun
	for _, s := range img.Segments {
		if s.Size == 0 {
			continue
		}
		if s.Prot&^memory.ProtAll != 0 {
			return fmt.Errorf("segment %s: invalid protection 0x%x", s.Name, uint8(s.Prot))
		}
		runs = append(runs, pageRun{
			lo:   memory.AlignDown(s.Addr, memory.PageSize),
			hi:   memory.AlignUp(s.Addr+s.Size, memory.PageSize),
			prot: s.Prot,
			name: s.Name,
		})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].lo < runs[j].lo })

	var merged []pageRun
	for _, r := range runs {
		if n := len(merged); n > 0 && r.lo < merged[n-1].hi {
			last := &merged[n-1]
			last.hi = max(last.hi, r.hi)
			last.prot |= r.prot
			last.name += "+" + r.name
			continue
		}
		merged = append(merged, r)
	}
	for _, r := range merged {
		label := mod.Name + ":" + r.name
		if err := t.Map(mod.Base+r.lo, r.hi-r.lo, r.prot, label); err != nil {
			return fmt.Errorf("%s at 0x%x: %w", r.name, mod.Base+r.lo, err)
		}
		mod.runs = append(mod.runs, pageRun{lo: mod.Base + r.lo, hi: mod.Base + r.hi, prot: r.prot, name: label})
	}

	for _, s := range img.Segments {
		if s.Size == 0 {
			continue
		}
		data := s.Data
		if uint64(len(data)) > s.Size {
			data = data[:s.Size]
		}
		if len(data) > 0 {
			if err := t.MemWrite(mod.Base+s.Addr, data); err != nil {
				return fmt.Errorf("write %s: %w", s.Name, err)
			}
		}
		mod.Segments = append(mod.Segments, Segment{
			Name: s.Name,
			Addr: mod.Base + s.Addr,
			Size: s.Size,
			Prot: s.Prot,
		})
	}
	return nil
}

// unmapRuns undoes a partial load.
func unmapRuns(t Target, mod *Module) {
	for i := len(mod.runs) - 1; i >= 0; i-- {
		r := mod.runs[i]
		if err := t.Unmap(r.lo, r.hi-r.lo); err != nil {
			glog.L.Warn("unmap failed", glog.Module(mod.Name), glog.Addr(r.lo), zap.Error(err))
		}
	}
	mod.runs = nil
}

// UnresolvedError lists every import nothing could bind.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	const show = 8
	names := e.Names
	more := ""
	if len(names) > show {
		more = fmt.Sprintf(" (+%d more)", len(names)-show)
		names = names[:show]
	}
	return fmt.Sprintf("%d unresolved imports: %s%s", len(e.Names), strings.Join(names, ", "), more)
}

func (e *UnresolvedError) Unwrap() error { return ErrUnresolved }

func relocate(t Target, mod *Module, img *Image, opts Options) error {
	bound := make(map[string]uint64)
	var missing []string

	lookup := func(name string) (uint64, bool) {
		if v, ok := bound[name]; ok {
			return v, true
		}
		if off, ok := img.Symbols[name]; ok {
			return mod.Base + off, true
		}
		if opts.Resolver != nil {
			if v, ok := opts.Resolver.ResolveImport(name); ok {
				bound[name] = v
				return v, true
			}
		}
		return 0, false
	}

	for _, r := range img.Relocations {
		slot := mod.Base + r.Addr
		var val uint64
		switch r.Kind {
		case RelocRelative:
			val = mod.Base + uint64(r.Addend)
		case RelocBind:
			target, ok := lookup(r.Symbol)
			switch {
			case ok:
			case r.Weak:
				target = 0
			case opts.FallbackImports && opts.Resolver != nil:
				v, err := opts.Resolver.FallbackImport(r.Symbol)
				if err != nil {
					return fmt.Errorf("fallback %s: %w", r.Symbol, err)
				}
				bound[r.Symbol], target = v, v
			default:
				if !slices.Contains(missing, r.Symbol) {
					missing = append(missing, r.Symbol)
				}
				continue
			}
			if target != 0 {
				val = target + uint64(r.Addend)
			}
			mod.Imports = append(mod.Imports, Import{Name: r.Symbol, Slot: slot, Target: val})
		default:
			return fmt.Errorf("relocation at 0x%x: unknown kind %d", r.Addr, r.Kind)
		}
		if err := t.MemWriteU64(slot, val); err != nil {
			return fmt.Errorf("relocation at 0x%x: %w", r.Addr, err)
		}
	}
	if len(missing) > 0 {
		return &UnresolvedError{Names: missing}
	}
	return nil
}

func collectInit(t Target, mod *Module, img *Image) error {
	for _, in := range img.Init {
		off := in.Addr
		if in.Indirect {
			ptr, err := t.MemReadU64(mod.Base + in.Addr)
			if err != nil {
				return fmt.Errorf("initializer slot 0x%x: %w", in.Addr, err)
			}
			if ptr == 0 || ptr == ^uint64(0) {
				continue
			}
			off = ptr - mod.Base
		}
		mod.Initializers = append(mod.Initializers, off)
	}
	return nil
}

// stripVersion removes an ELF symbol version suffix (name@@VER, name@VER).
func stripVersion(name string) string {
	if i := strings.IndexByte(name, '@'); i > 0 {
		return name[:i]
	}
	return name
}
