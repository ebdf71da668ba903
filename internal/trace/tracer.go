package trace

import (
	"fmt"
	"io"
	"strings"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

// Symbolizer names the function containing addr.
type Symbolizer func(addr uint64) (name string, off uint64, ok bool)

// Tracer writes one line per event and, when instructions are enabled, one
// line per executed instruction. It keeps the most recent events.
type Tracer struct {
	w         io.Writer
	color     bool
	enrich    Enricher
	symbolize Symbolizer
	keep      int

	events []*Event
	// OnEvent sees every event after enrichment.
	OnEvent func(*Event)
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithColor enables ANSI colors unless the environment disables them.
func WithColor(on bool) Option {
	return func(t *Tracer) { t.color = on && !colorize.IsDisabled() }
}

func WithSymbolizer(s Symbolizer) Option {
	return func(t *Tracer) { t.symbolize = s }
}

func WithEnricher(e Enricher) Option {
	return func(t *Tracer) { t.enrich = e }
}

// Keep sets how many events are retained for Events. Zero keeps none.
func Keep(n int) Option {
	return func(t *Tracer) { t.keep = n }
}

// New creates a tracer writing to w. A nil w only records.
func New(w io.Writer, opts ...Option) *Tracer {
	t := &Tracer{w: w, enrich: DefaultEnricher, keep: 1024}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Instruction renders one executed instruction. It matches cpu.Tracer.
func (t *Tracer) Instruction(pc uint64, insn uint32) {
	if t.w == nil {
		return
	}
	fmt.Fprintln(t.w, t.FormatInstruction(pc, insn))
}

// insnColumn is where tags and labels start on an instruction line.
const insnColumn = 50

// FormatInstruction renders "ADDR  WORD  disassembly  ; #tags  symbol".
func (t *Tracer) FormatInstruction(pc uint64, insn uint32) string {
	dis := cpu.Disasm(insn)
	var b strings.Builder
	if t.color {
		b.WriteString(colorize.Address(pc) + "  " + colorize.Detail(fmt.Sprintf("%08X", insn)) + "  " + colorize.Instruction(dis))
	} else {
		fmt.Fprintf(&b, "%08X  %08X  %s", pc, insn, dis)
	}
	for width := 8 + 2 + 8 + 2 + len(dis); width < insnColumn; width++ {
		b.WriteByte(' ')
	}
	if tags := InstructionTags(dis); len(tags) > 0 {
		comment := "; " + strings.Join(tags.Strings(), " ")
		if t.color {
			comment = colorize.Tag(comment)
		}
		b.WriteString(comment + "  ")
	}
	if t.symbolize != nil {
		if name, off, ok := t.symbolize(pc); ok && off == 0 {
			if t.color {
				name = colorize.FuncName(name)
			}
			b.WriteString(name)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// InstructionTags classifies a disassembled instruction.
func InstructionTags(dis string) Tags {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return nil
	}
	var tags Tags
	switch fields[0] {
	case "BL":
		tags.Add("call")
	case "BLR":
		tags.Add("call")
		tags.Add("br")
	case "BR":
		tags.Add("br")
	case "RET":
		tags.Add("ret")
	case "SVC":
		tags.Add("syscall")
	case "EOR":
		tags.Add("xor")
	case "AESE", "AESD", "AESMC", "AESIMC",
		"SHA1C", "SHA1P", "SHA1M", "SHA1H", "SHA1SU0", "SHA1SU1",
		"SHA256H", "SHA256H2", "SHA256SU0", "SHA256SU1":
		tags.Add(Crypto)
	}
	if strings.Contains(dis, ".16B") || strings.Contains(dis, ".8B") ||
		strings.Contains(dis, ".4S") || strings.Contains(dis, ".2D") {
		tags.Add("neon")
	}
	return tags
}

// Call records a stub or runtime event made from the call site at pc.
func (t *Tracer) Call(pc uint64, category, name, detail string) {
	ev := NewEvent(pc, category, name, detail)
	if t.enrich != nil {
		t.enrich(ev)
	}
	if t.keep > 0 {
		if len(t.events) == t.keep {
			copy(t.events, t.events[1:])
			t.events = t.events[:t.keep-1]
		}
		t.events = append(t.events, ev)
	}
	if t.OnEvent != nil {
		t.OnEvent(ev)
	}
	if t.w != nil {
		fmt.Fprintln(t.w, t.Format(ev))
	}
}

// Format renders ev as "ADDR #tags name detail [site]".
func (t *Tracer) Format(ev *Event) string {
	addr := fmt.Sprintf("%08X", ev.PC)
	tags := strings.Join(ev.Tags.Strings(), " ")
	name, detail := ev.Name, ev.Detail
	if t.color {
		addr = colorize.Address(ev.PC)
		tags = colorize.Tag(tags)
		name = colorize.FuncName(name)
		detail = colorize.Detail(detail)
	}
	line := addr + " " + tags + " " + name
	if detail != "" {
		line += " " + detail
	}
	if t.symbolize != nil {
		if sym, off, ok := t.symbolize(ev.PC); ok {
			line += fmt.Sprintf(" [%s+0x%x]", sym, off)
		}
	}
	return line
}

// Events returns the retained events, oldest first.
func (t *Tracer) Events() []*Event {
	return append([]*Event(nil), t.events...)
}

// Count returns how many retained events carry tag.
func (t *Tracer) Count(tag Tag) int {
	n := 0
	for _, ev := range t.events {
		if ev.Tags.Has(tag) {
			n++
		}
	}
	return n
}
