package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zboralski/tarsier/internal/memory"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

// ARM64 PLT layout: a 32-byte header followed by 16-byte entries.
const (
	pltHeaderSize = 32
	pltEntrySize  = 16
	relaEntrySize = 24
)

type elfFormat struct{}

func (elfFormat) Name() string { return "elf" }

func (elfFormat) Match(head []byte) bool {
	return bytes.HasPrefix(head, []byte(elf.ELFMAG))
}

func (elfFormat) Parse(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseELF(f)
}

func parseELF(f *elf.File) (*Image, error) {
	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("expected ARM64 (EM_AARCH64), got %v", f.Machine)
	}
	img := &Image{
		Format:  "elf",
		Entry:   f.Entry,
		Fixed:   f.Type == elf.ET_EXEC,
		Symbols: make(map[string]uint64),
		PLT:     make(map[string]uint64),
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, fmt.Errorf("read segment at 0x%x: %w", prog.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			Name: fmt.Sprintf("load%d", len(img.Segments)),
			Addr: prog.Vaddr,
			Size: prog.Memsz,
			Prot: elfProt(prog.Flags),
			Data: data,
		})
	}
	if len(img.Segments) == 0 {
		return nil, ErrNoSegments
	}

	// Defined symbols from .dynsym then .symtab. Version suffixes are
	// stripped so lookups use plain names.
	dynSyms, _ := f.DynamicSymbols()
	for _, sym := range dynSyms {
		if sym.Value != 0 && sym.Name != "" && sym.Section != elf.SHN_UNDEF {
			img.Symbols[stripVersion(sym.Name)] = sym.Value
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" && sym.Section != elf.SHN_UNDEF {
				img.Symbols[stripVersion(sym.Name)] = sym.Value
			}
		}
	}

	if err := addPLTSymbols(f, dynSyms, img.PLT); err != nil {
		return nil, err
	}
	if err := collectRelocations(f, dynSyms, img); err != nil {
		return nil, err
	}
	collectELFInit(f, img)
	return img, nil
}

func elfProt(flags elf.ProgFlag) memory.Prot {
	var p memory.Prot
	if flags&elf.PF_R != 0 {
		p |= memory.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= memory.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= memory.ProtExec
	}
	return p
}

// addPLTSymbols records the PLT entry of every imported function. Entries
// appear in .rela.plt order.
func addPLTSymbols(f *elf.File, dynSyms []elf.Symbol, plt map[string]uint64) error {
	pltSec := f.Section(".plt")
	relaPlt := f.Section(".rela.plt")
	if pltSec == nil || relaPlt == nil {
		return nil
	}
	data, err := relaPlt.Data()
	if err != nil {
		return fmt.Errorf("read .rela.plt: %w", err)
	}
	for i, entry := 0, 0; i+relaEntrySize <= len(data); i, entry = i+relaEntrySize, entry+1 {
		// DynamicSymbols omits the null symbol, so ELF index n is dynSyms[n-1]
		idx := int(binary.LittleEndian.Uint64(data[i+8:])>>32) - 1
		if idx < 0 || idx >= len(dynSyms) {
			continue
		}
		sym := dynSyms[idx]
		if sym.Name == "" || sym.Section != elf.SHN_UNDEF {
			continue
		}
		plt[stripVersion(sym.Name)] = pltSec.Addr + pltHeaderSize + uint64(entry)*pltEntrySize
	}
	return nil
}

// collectRelocations turns RELA entries into format-neutral relocations.
// References to symbols the image defines become relative; undefined ones
// become binds resolved at load time.
func collectRelocations(f *elf.File, dynSyms []elf.Symbol, img *Image) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("read %s: %w", sec.Name, err)
		}
		for i := 0; i+relaEntrySize <= len(data); i += relaEntrySize {
			off := binary.LittleEndian.Uint64(data[i:])
			info := binary.LittleEndian.Uint64(data[i+8:])
			addend := int64(binary.LittleEndian.Uint64(data[i+16:]))
			typ := uint32(info)
			idx := int(info>>32) - 1

			var sym *elf.Symbol
			if idx >= 0 && idx < len(dynSyms) {
				sym = &dynSyms[idx]
			}

			switch typ {
			case R_AARCH64_RELATIVE:
				img.Relocations = append(img.Relocations, Relocation{Addr: off, Kind: RelocRelative, Addend: addend})

			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT, R_AARCH64_ABS64:
				if typ != R_AARCH64_ABS64 {
					addend = 0
				}
				switch {
				case sym == nil:
					if typ == R_AARCH64_ABS64 {
						img.Relocations = append(img.Relocations, Relocation{Addr: off, Kind: RelocRelative, Addend: addend})
					}
				case sym.Section != elf.SHN_UNDEF && sym.Value != 0:
					img.Relocations = append(img.Relocations, Relocation{
						Addr:   off,
						Kind:   RelocRelative,
						Addend: int64(sym.Value) + addend,
					})
				case sym.Name != "":
					img.Relocations = append(img.Relocations, Relocation{
						Addr:   off,
						Kind:   RelocBind,
						Symbol: stripVersion(sym.Name),
						Addend: addend,
						Weak:   elf.ST_BIND(sym.Info) == elf.STB_WEAK,
					})
				}
			}
		}
	}
	return nil
}

// collectELFInit gathers DT_INIT then the .init_array slots, which hold
// relocated pointers and are read after fixups.
func collectELFInit(f *elf.File, img *Image) {
	if vals, err := f.DynValue(elf.DT_INIT); err == nil {
		for _, v := range vals {
			if v != 0 {
				img.Init = append(img.Init, Initializer{Addr: v})
			}
		}
	}
	if sec := f.Section(".init_array"); sec != nil {
		for off := uint64(0); off+8 <= sec.Size; off += 8 {
			img.Init = append(img.Init, Initializer{Addr: sec.Addr + off, Indirect: true})
		}
	}
}
