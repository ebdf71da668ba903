package loader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/types"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/memory"
	"go.uber.org/zap"
)

const (
	machoMagic64 = 0xfeedfacf
	fatMagic     = 0xcafebabe
)

type machoFormat struct{}

func (machoFormat) Name() string { return "macho" }

func (machoFormat) Match(head []byte) bool {
	if len(head) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(head) == machoMagic64 ||
		binary.BigEndian.Uint32(head) == fatMagic
}

func (machoFormat) Parse(path string) (*Image, error) {
	fat, err := macho.OpenFat(path)
	if err == nil {
		defer fat.Close()
		for _, arch := range fat.Arches {
			if arch.CPU == types.CPUArm64 {
				return parseMachO(arch.File)
			}
		}
		return nil, fmt.Errorf("fat binary has no arm64 slice")
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return nil, err
	}
	m, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return parseMachO(m)
}

func parseMachO(m *macho.File) (*Image, error) {
	if m.CPU != types.CPUArm64 {
		return nil, fmt.Errorf("expected arm64, got %v", m.CPU)
	}
	img := &Image{
		Format:  "macho",
		Symbols: make(map[string]uint64),
	}

	var linkBase uint64 = ^uint64(0)
	for _, seg := range m.Segments() {
		if seg.Name == "__PAGEZERO" || seg.Memsz == 0 {
			continue
		}
		data, err := seg.Data()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", seg.Name, err)
		}
		img.Segments = append(img.Segments, Segment{
			Name: seg.Name,
			Addr: seg.Addr,
			Size: seg.Memsz,
			Prot: vmProt(uint32(seg.Prot)),
			Data: data,
		})
		linkBase = min(linkBase, seg.Addr)
	}
	if len(img.Segments) == 0 {
		return nil, ErrNoSegments
	}

	if m.Symtab != nil {
		for _, sym := range m.Symtab.Syms {
			if sym.Name != "" && sym.Value != 0 && sym.Sect != 0 {
				img.Symbols[sym.Name] = sym.Value
			}
		}
	}

	if m.HasFixups() {
		if err := chainedFixups(m, linkBase, img); err != nil {
			return nil, fmt.Errorf("chained fixups: %w", err)
		}
	} else {
		// Classic rebase opcodes are not replayed; such images stay at
		// their link address.
		if info := m.DyldInfo(); info != nil && info.RebaseSize > 0 {
			img.Fixed = true
		}
		if binds, err := m.GetBindInfo(); err == nil {
			for _, b := range binds {
				img.Relocations = append(img.Relocations, Relocation{
					Addr:   b.Start + b.SegOffset,
					Kind:   RelocBind,
					Symbol: b.Name,
				})
			}
		}
	}

	collectMachOInit(m, linkBase, img)

	classes, err := m.GetObjCClasses()
	switch {
	case err == nil:
		for _, c := range classes {
			info := ClassInfo{
				Name:  c.Name,
				Super: c.SuperClass,
				Addr:  c.ClassPtr,
				Meta:  c.IsaVMAddr,
			}
			for _, meth := range c.InstanceMethods {
				info.Methods = append(info.Methods, Method{Selector: meth.Name, Imp: meth.ImpVMAddr})
			}
			for _, meth := range c.ClassMethods {
				info.ClassMethods = append(info.ClassMethods, Method{Selector: meth.Name, Imp: meth.ImpVMAddr})
			}
			img.Classes = append(img.Classes, info)
		}
	case errors.Is(err, macho.ErrObjcSectionNotFound):
	default:
		glog.L.Warn("objc metadata unreadable", zap.Error(err))
	}
	return img, nil
}

// vmProt maps VM_PROT_* bits, which share the memory.Prot layout.
func vmProt(p uint32) memory.Prot {
	return memory.Prot(p) & memory.ProtAll
}

func chainedFixups(m *macho.File, linkBase uint64, img *Image) error {
	dcf, err := m.DyldChainedFixups()
	if err != nil {
		return err
	}
	base := m.GetBaseAddress()
	for _, start := range dcf.Starts {
		if start.PageStarts == nil {
			continue
		}
		for _, fixup := range start.Fixups {
			switch f := fixup.(type) {
			case fixupchains.Bind:
				addend := f.Addend()
				if int(f.Ordinal()) < len(dcf.Imports) {
					addend += dcf.Imports[f.Ordinal()].Addend()
				}
				img.Relocations = append(img.Relocations, Relocation{
					Addr:   base + uint64(f.Offset()),
					Kind:   RelocBind,
					Symbol: f.Name(),
					Addend: int64(addend),
				})
			case fixupchains.Rebase:
				// pointer formats store either a vmaddr or an image offset
				target := f.Target()
				if target < linkBase {
					target += linkBase
				}
				img.Relocations = append(img.Relocations, Relocation{
					Addr:   base + uint64(f.Offset()),
					Kind:   RelocRelative,
					Addend: int64(target),
				})
			}
		}
	}
	return nil
}

// collectMachOInit reads __mod_init_func pointer slots and __init_offsets,
// whose u32 entries are offsets from the Mach-O header.
func collectMachOInit(m *macho.File, linkBase uint64, img *Image) {
	for _, sec := range m.Sections {
		switch sec.Name {
		case "__mod_init_func":
			for off := uint64(0); off+8 <= sec.Size; off += 8 {
				img.Init = append(img.Init, Initializer{Addr: sec.Addr + off, Indirect: true})
			}
		case "__init_offsets":
			data, err := sec.Data()
			if err != nil {
				continue
			}
			for i := 0; i+4 <= len(data); i += 4 {
				img.Init = append(img.Init, Initializer{Addr: linkBase + uint64(binary.LittleEndian.Uint32(data[i:]))})
			}
		}
	}
}
