package textenc

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		enc Encoding
		s   string
	}{
		{ASCII, "hello"},
		{UTF8, "héllo 世界"},
		{ISOLatin1, "café"},
		{ISOLatin2, "Łódź"},
		{WindowsCP1251, "привет"},
		{WindowsCP1252, "naïve"},
		{MacOSRoman, "résumé"},
		{ShiftJIS, "日本語"},
		{JapaneseEUC, "日本語"},
		{ISO2022JP, "日本語"},
		{Unicode, "hi 世界"},
		{UTF16BE, "hi 世界"},
		{UTF16LE, "hi 世界"},
		{UTF32, "😀x"},
		{UTF32BE, "😀x"},
		{UTF32LE, "😀x"},
	}
	for _, tt := range tests {
		t.Run(tt.enc.String(), func(t *testing.T) {
			b, err := tt.enc.Encode(tt.s)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := tt.enc.Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.s {
				t.Errorf("round trip = %q, want %q", got, tt.s)
			}
		})
	}
}

func TestEncodedForms(t *testing.T) {
	b, _ := UTF16LE.Encode("A")
	if !bytes.Equal(b, []byte{'A', 0}) {
		t.Errorf("utf-16le = %x", b)
	}
	b, _ = UTF16BE.Encode("A")
	if !bytes.Equal(b, []byte{0, 'A'}) {
		t.Errorf("utf-16be = %x", b)
	}
	b, _ = Unicode.Encode("A")
	if !bytes.Equal(b, []byte{'A', 0}) {
		t.Errorf("unicode carries a BOM: %x", b)
	}
	b, _ = UTF16LE.EncodeC("A")
	if !bytes.Equal(b, []byte{'A', 0, 0, 0}) {
		t.Errorf("EncodeC = %x", b)
	}
	if UTF32.Unit() != 4 || UTF8.Unit() != 1 {
		t.Error("wrong unit widths")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		enc    Encoding
		in     []byte
		offset int
	}{
		{"ascii high byte", ASCII, []byte("ab\xffc"), 2},
		{"utf8 truncated", UTF8, []byte("ok\xe4\xb8"), 2},
		{"utf8 stray continuation", UTF8, []byte("a\x80"), 1},
		{"utf16 odd length", UTF16LE, []byte{'a', 0, 'b'}, 2},
		{"utf16 lone surrogate", UTF16LE, []byte{'a', 0, 0x00, 0xd8, 'b', 0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Decode(tt.in)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if de.Encoding != tt.enc || de.Offset != tt.offset {
				t.Errorf("error = %v, want offset %d", de, tt.offset)
			}
		})
	}
}

func TestEncodeUnrepresentable(t *testing.T) {
	var ee *EncodeError
	if _, err := ASCII.Encode("é"); !errors.As(err, &ee) {
		t.Errorf("ascii: %v", err)
	}
	if _, err := ISOLatin1.Encode("世"); !errors.As(err, &ee) {
		t.Errorf("latin1: %v", err)
	}
	if _, err := Encoding(0x1234).Encode("x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unknown encoding: %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := map[string]Encoding{
		"utf-8":      UTF8,
		"UTF8":       UTF8,
		"shift_jis":  ShiftJIS,
		"utf-16le":   UTF16LE,
		"4":          UTF8,
		"0x94000100": UTF16LE,
	}
	for in, want := range tests {
		got, err := Parse(in)
		if err != nil || got != want {
			t.Errorf("Parse(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := Parse("klingon"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Parse(klingon): %v", err)
	}
}
