package trace

import (
	"bytes"
	"slices"
	"strings"
	"testing"
)

func TestDefaultEnricher(t *testing.T) {
	tests := []struct {
		category, name string
		want           Tags
	}{
		{"libc", "malloc", Tags{Libc, Malloc}},
		{"libc", "memcpy", Tags{Libc, String}},
		{"libc", "snprintf", Tags{Libc, Printf}},
		{"libc", "getpid", Tags{Libc}},
		{"objc", "objc_autoreleasePoolPop", Tags{Objc, Pool}},
		{"objc", "objc_msgSend", Tags{Objc, Message}},
		{"commoncrypto", "CC_MD5", Tags{"commoncrypto", Crypto}},
	}
	for _, tt := range tests {
		ev := NewEvent(0, tt.category, tt.name, "")
		DefaultEnricher(ev)
		if !slices.Equal(ev.Tags, tt.want) {
			t.Errorf("%s/%s tags = %v, want %v", tt.category, tt.name, ev.Tags, tt.want)
		}
	}
}

func TestTracerKeepsRecentEvents(t *testing.T) {
	var out bytes.Buffer
	tr := New(&out, Keep(2))
	tr.Call(0x1000, "libc", "malloc", "size=0x18")
	tr.Call(0x1004, "libc", "free", "")
	tr.Call(0x1008, "pthread", "pthread_once", "")

	evs := tr.Events()
	if len(evs) != 2 || evs[0].Name != "free" || evs[1].Name != "pthread_once" {
		t.Fatalf("events = %v", evs)
	}
	if tr.Count(Malloc) != 1 {
		t.Errorf("Count(malloc) = %d", tr.Count(Malloc))
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || lines[0] != "00001000 #libc #malloc malloc size=0x18" {
		t.Errorf("output = %q", out.String())
	}
}

func TestSymbolizedOutput(t *testing.T) {
	sym := func(addr uint64) (string, uint64, bool) {
		if addr >= 0x2000 && addr < 0x2100 {
			return "sample!_echo", addr - 0x2000, true
		}
		return "", 0, false
	}
	var out bytes.Buffer
	tr := New(&out, WithSymbolizer(sym))

	tr.Instruction(0x2000, 0xd65f03c0) // ret
	line := strings.TrimSpace(out.String())
	if !strings.HasPrefix(strings.ToUpper(line), "00002000  D65F03C0  RET") {
		t.Errorf("instruction line = %q", line)
	}
	if !strings.Contains(line, "; #ret") || !strings.HasSuffix(line, "sample!_echo") {
		t.Errorf("instruction annotations = %q", line)
	}

	if got := tr.Format(NewEvent(0x2008, "libc", "free", "")); got != "00002008 #libc free [sample!_echo+0x8]" {
		t.Errorf("Format = %q", got)
	}
}

func TestInstructionTags(t *testing.T) {
	tests := []struct {
		dis  string
		want []string
	}{
		{"BL #0x40", []string{"#call"}},
		{"BLR X16", []string{"#call", "#br"}},
		{"EOR V0.16B, V1.16B, V2.16B", []string{"#xor", "#neon"}},
		{"AESE V0.16B, V1.16B", []string{"#crypto", "#neon"}},
		{"MOV X0, X2", []string{}},
	}
	for _, tt := range tests {
		if got := InstructionTags(tt.dis).Strings(); !slices.Equal(got, tt.want) {
			t.Errorf("InstructionTags(%q) = %v, want %v", tt.dis, got, tt.want)
		}
	}
}

func TestNilWriterOnlyRecords(t *testing.T) {
	tr := New(nil)
	var seen []*Event
	tr.OnEvent = func(ev *Event) { seen = append(seen, ev) }
	tr.Instruction(0, 0xd503201f)
	tr.Call(0, "darwin", "dispatch_once", "")
	if len(seen) != 1 || len(tr.Events()) != 1 {
		t.Errorf("seen %d, kept %d", len(seen), len(tr.Events()))
	}
}

func TestNetworkHostAnnotation(t *testing.T) {
	ev := NewEvent(0, "network", "getaddrinfo", "host=api.example.com service=443")
	DefaultEnricher(ev)
	if got := ev.Annotations["host"]; got != "api.example.com" {
		t.Errorf("host annotation = %q", got)
	}
}

func TestCustomEnricher(t *testing.T) {
	tr := New(nil, WithEnricher(func(e *Event) {
		if e.Name == "CCHmac" {
			e.Tags.Add(Crypto)
			e.Annotate("alg", "sha256")
		}
	}))
	tr.Call(0x2000, "darwin", "CCHmac", "")
	evs := tr.Events()
	if len(evs) != 1 || !evs[0].Tags.Has(Crypto) || evs[0].Annotations["alg"] != "sha256" {
		t.Errorf("events = %+v", evs)
	}
}
