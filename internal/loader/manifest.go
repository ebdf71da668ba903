package loader

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zboralski/tarsier/internal/memory"
	"gopkg.in/yaml.v3"
)

// ManifestFormat is the format tag a YAML image manifest must carry.
const ManifestFormat = "tarsier-image"

// Hex is an address that YAML may spell as 0x... text or a plain integer.
type Hex uint64

func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(n.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: %q is not an address", n.Line, n.Value)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%x", uint64(h)), nil
}

// Manifest describes a hand-built guest image:
//
//	format: tarsier-image
//	name: sample
//	segments:
//	  - name: __TEXT
//	    addr: 0x0
//	    prot: r-x
//	    words: [0xaa0203e0, 0xd65f03c0]
//	  - name: __DATA
//	    addr: 0x4000
//	    prot: rw-
//	    zero: 0x100
//	symbols:
//	  _echo: 0x0
//	relocations:
//	  - addr: 0x4000
//	    symbol: _malloc
//	classes:
//	  - name: Sample
//	    methods:
//	      "echo:": 0x0
//	init: [0x8]
type Manifest struct {
	Format      string            `yaml:"format"`
	Name        string            `yaml:"name,omitempty"`
	Entry       Hex               `yaml:"entry,omitempty"`
	Fixed       bool              `yaml:"fixed,omitempty"`
	Segments    []ManifestSegment `yaml:"segments"`
	Symbols     map[string]Hex    `yaml:"symbols,omitempty"`
	Relocations []ManifestReloc   `yaml:"relocations,omitempty"`
	Classes     []ManifestClass   `yaml:"classes,omitempty"`
	Init        []Hex             `yaml:"init,omitempty"`
	InitPtrs    []Hex             `yaml:"init_pointers,omitempty"`
}

// ManifestSegment is one segment. Content is Data (hex) or Words
// (little-endian 32-bit instructions), followed by Zero bytes. Size, when
// set, overrides the computed size.
type ManifestSegment struct {
	Name  string `yaml:"name"`
	Addr  Hex    `yaml:"addr"`
	Size  Hex    `yaml:"size,omitempty"`
	Prot  string `yaml:"prot"`
	Data  string `yaml:"data,omitempty"`
	Words []Hex  `yaml:"words,omitempty"`
	Zero  Hex    `yaml:"zero,omitempty"`
}

// ManifestReloc is a relocation. Without a symbol it is relative: the slot
// receives addend plus the slide.
type ManifestReloc struct {
	Addr   Hex    `yaml:"addr"`
	Symbol string `yaml:"symbol,omitempty"`
	Addend int64  `yaml:"addend,omitempty"`
	Weak   bool   `yaml:"weak,omitempty"`
}

// ManifestClass declares a class implemented by the image's code.
type ManifestClass struct {
	Name         string         `yaml:"name"`
	Super        string         `yaml:"super,omitempty"`
	Methods      map[string]Hex `yaml:"methods,omitempty"`
	ClassMethods map[string]Hex `yaml:"class_methods,omitempty"`
}

// ParseManifest decodes a manifest into an Image.
func ParseManifest(data []byte) (*Image, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Format != ManifestFormat {
		return nil, fmt.Errorf("format %q, want %q", m.Format, ManifestFormat)
	}
	img := &Image{
		Format:  "manifest",
		Name:    m.Name,
		Entry:   uint64(m.Entry),
		Fixed:   m.Fixed,
		Symbols: make(map[string]uint64, len(m.Symbols)),
	}

	for i, s := range m.Segments {
		seg, err := s.build()
		if err != nil {
			return nil, fmt.Errorf("segment %d (%s): %w", i, s.Name, err)
		}
		img.Segments = append(img.Segments, seg)
	}
	for name, off := range m.Symbols {
		img.Symbols[name] = uint64(off)
	}
	for _, r := range m.Relocations {
		rel := Relocation{Addr: uint64(r.Addr), Addend: r.Addend, Weak: r.Weak}
		if r.Symbol != "" {
			rel.Kind, rel.Symbol = RelocBind, r.Symbol
		}
		img.Relocations = append(img.Relocations, rel)
	}
	for _, c := range m.Classes {
		if c.Name == "" {
			return nil, fmt.Errorf("class without a name")
		}
		super := c.Super
		if super == "" {
			super = "NSObject"
		}
		img.Classes = append(img.Classes, ClassInfo{
			Name:         c.Name,
			Super:        super,
			Methods:      methodList(c.Methods),
			ClassMethods: methodList(c.ClassMethods),
		})
	}
	for _, off := range m.Init {
		img.Init = append(img.Init, Initializer{Addr: uint64(off)})
	}
	for _, off := range m.InitPtrs {
		img.Init = append(img.Init, Initializer{Addr: uint64(off), Indirect: true})
	}
	return img, nil
}

func (s ManifestSegment) build() (Segment, error) {
	prot, err := memory.ParseProt(s.Prot)
	if err != nil {
		return Segment{}, err
	}
	var data []byte
	switch {
	case s.Data != "" && len(s.Words) > 0:
		return Segment{}, fmt.Errorf("both data and words given")
	case s.Data != "":
		data, err = hex.DecodeString(strings.Join(strings.Fields(s.Data), ""))
		if err != nil {
			return Segment{}, fmt.Errorf("data: %w", err)
		}
	case len(s.Words) > 0:
		data = make([]byte, 4*len(s.Words))
		for i, w := range s.Words {
			if uint64(w) > 0xffffffff {
				return Segment{}, fmt.Errorf("word %d (0x%x) exceeds 32 bits", i, uint64(w))
			}
			binary.LittleEndian.PutUint32(data[4*i:], uint32(w))
		}
	}
	size := uint64(len(data)) + uint64(s.Zero)
	if s.Size != 0 {
		if uint64(s.Size) < uint64(len(data)) {
			return Segment{}, fmt.Errorf("size 0x%x smaller than content", uint64(s.Size))
		}
		size = uint64(s.Size)
	}
	if size == 0 {
		return Segment{}, fmt.Errorf("empty segment")
	}
	return Segment{Name: s.Name, Addr: uint64(s.Addr), Size: size, Prot: prot, Data: data}, nil
}

func methodList(m map[string]Hex) []Method {
	if len(m) == 0 {
		return nil
	}
	out := make([]Method, 0, len(m))
	for sel, imp := range m {
		out = append(out, Method{Selector: sel, Imp: uint64(imp)})
	}
	return out
}

type manifestFormat struct{}

func (manifestFormat) Name() string { return "manifest" }

func (manifestFormat) Match(head []byte) bool {
	for _, line := range bytes.Split(head, []byte("\n")) {
		// top-level keys only
		if v, ok := bytes.CutPrefix(bytes.TrimRight(line, "\r "), []byte("format:")); ok {
			v = bytes.Trim(bytes.TrimSpace(v), `"'`)
			return string(v) == ManifestFormat
		}
	}
	return false
}

func (manifestFormat) Parse(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}
