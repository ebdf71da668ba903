// Package textenc converts between Go strings and the byte forms of
// NSStringEncoding values.
package textenc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/transform"
)

// Encoding is an NSStringEncoding value.
type Encoding uint64

const (
	ASCII         Encoding = 1
	NEXTSTEP      Encoding = 2
	JapaneseEUC   Encoding = 3
	UTF8          Encoding = 4
	ISOLatin1     Encoding = 5
	NonLossyASCII Encoding = 7
	ShiftJIS      Encoding = 8
	ISOLatin2     Encoding = 9
	Unicode       Encoding = 10
	WindowsCP1251 Encoding = 11
	WindowsCP1252 Encoding = 12
	WindowsCP1253 Encoding = 13
	WindowsCP1254 Encoding = 14
	WindowsCP1250 Encoding = 15
	ISO2022JP     Encoding = 21
	MacOSRoman    Encoding = 30
	UTF16         Encoding = Unicode
	UTF16BE       Encoding = 0x90000100
	UTF16LE       Encoding = 0x94000100
	UTF32         Encoding = 0x8c000100
	UTF32BE       Encoding = 0x98000100
	UTF32LE       Encoding = 0x9c000100
)

// ErrUnsupported is returned for encodings with no codec.
var ErrUnsupported = errors.New("unsupported string encoding")

// DecodeError reports bytes that are invalid in an encoding.
type DecodeError struct {
	Encoding Encoding
	Offset   int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at byte %d: %v", e.Encoding, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a string that cannot be represented in an encoding.
type EncodeError struct {
	Encoding Encoding
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Encoding, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

var (
	errNonASCII = errors.New("byte outside ASCII")
	errInvalid  = errors.New("invalid byte sequence")
)

type info struct {
	name  string
	codec encoding.Encoding // nil for the hand-checked ones
	unit  int
}

// Unicode and the little-endian forms match an arm64 host; Unicode and
// UTF32 honor a BOM on input and write none.
var table = map[Encoding]info{
	ASCII:         {name: "ascii", unit: 1},
	NonLossyASCII: {name: "nonlossy-ascii", unit: 1},
	UTF8:          {name: "utf-8", unit: 1},
	NEXTSTEP:      {name: "nextstep", codec: charmap.ISO8859_1, unit: 1},
	JapaneseEUC:   {name: "euc-jp", codec: japanese.EUCJP, unit: 1},
	ISOLatin1:     {name: "iso-8859-1", codec: charmap.ISO8859_1, unit: 1},
	ShiftJIS:      {name: "shift-jis", codec: japanese.ShiftJIS, unit: 1},
	ISOLatin2:     {name: "iso-8859-2", codec: charmap.ISO8859_2, unit: 1},
	Unicode:       {name: "utf-16", codec: unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), unit: 2},
	WindowsCP1251: {name: "windows-1251", codec: charmap.Windows1251, unit: 1},
	WindowsCP1252: {name: "windows-1252", codec: charmap.Windows1252, unit: 1},
	WindowsCP1253: {name: "windows-1253", codec: charmap.Windows1253, unit: 1},
	WindowsCP1254: {name: "windows-1254", codec: charmap.Windows1254, unit: 1},
	WindowsCP1250: {name: "windows-1250", codec: charmap.Windows1250, unit: 1},
	ISO2022JP:     {name: "iso-2022-jp", codec: japanese.ISO2022JP, unit: 1},
	MacOSRoman:    {name: "macintosh", codec: charmap.Macintosh, unit: 1},
	UTF16BE:       {name: "utf-16be", codec: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), unit: 2},
	UTF16LE:       {name: "utf-16le", codec: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), unit: 2},
	UTF32:         {name: "utf-32", codec: utf32.UTF32(utf32.LittleEndian, utf32.UseBOM), unit: 4},
	UTF32BE:       {name: "utf-32be", codec: utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), unit: 4},
	UTF32LE:       {name: "utf-32le", codec: utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), unit: 4},
}

func (e Encoding) String() string {
	if i, ok := table[e]; ok {
		return i.name
	}
	return fmt.Sprintf("encoding(0x%x)", uint64(e))
}

// Supported reports whether e has a codec.
func (e Encoding) Supported() bool {
	_, ok := table[e]
	return ok
}

// Unit is the width of one code unit, and so of the terminating NUL.
func (e Encoding) Unit() int {
	if i, ok := table[e]; ok {
		return i.unit
	}
	return 1
}

// Encode converts s to bytes without a terminator.
func (e Encoding) Encode(s string) ([]byte, error) {
	i, ok := table[e]
	if !ok {
		return nil, &EncodeError{Encoding: e, Err: ErrUnsupported}
	}
	if i.codec == nil {
		if e != UTF8 {
			for _, r := range s {
				if r >= utf8.RuneSelf {
					return nil, &EncodeError{Encoding: e, Err: errNonASCII}
				}
			}
		}
		return []byte(s), nil
	}
	out, err := i.codec.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, &EncodeError{Encoding: e, Err: err}
	}
	// UseBOM codecs write a BOM; Foundation's cString forms carry none
	if e == Unicode || e == UTF32 {
		out = trimBOM(out, e)
	}
	return out, nil
}

func trimBOM(b []byte, e Encoding) []byte {
	switch {
	case e == Unicode && bytes.HasPrefix(b, []byte{0xff, 0xfe}):
		return b[2:]
	case e == UTF32 && bytes.HasPrefix(b, []byte{0xff, 0xfe, 0, 0}):
		return b[4:]
	}
	return b
}

// EncodeC is Encode followed by a NUL of the encoding's unit width.
func (e Encoding) EncodeC(s string) ([]byte, error) {
	b, err := e.Encode(s)
	if err != nil {
		return nil, err
	}
	return append(b, make([]byte, e.Unit())...), nil
}

// Decode converts b, which holds no terminator, to a string. Bytes that
// are not valid in e are a DecodeError.
func (e Encoding) Decode(b []byte) (string, error) {
	i, ok := table[e]
	if !ok {
		return "", &DecodeError{Encoding: e, Err: ErrUnsupported}
	}
	if i.codec == nil {
		if e == UTF8 {
			if off := invalidUTF8(b); off >= 0 {
				return "", &DecodeError{Encoding: e, Offset: off, Err: errInvalid}
			}
			return string(b), nil
		}
		for off, c := range b {
			if c >= utf8.RuneSelf {
				return "", &DecodeError{Encoding: e, Offset: off, Err: errNonASCII}
			}
		}
		return string(b), nil
	}
	if len(b)%i.unit != 0 {
		return "", &DecodeError{Encoding: e, Offset: len(b) - len(b)%i.unit, Err: errInvalid}
	}
	out, err := i.codec.NewDecoder().Bytes(b)
	if err != nil {
		return "", &DecodeError{Encoding: e, Offset: locate(i.codec, b), Err: err}
	}
	// decoders substitute U+FFFD for invalid input
	if bytes.ContainsRune(out, utf8.RuneError) && !sourceHasReplacement(e, b) {
		return "", &DecodeError{Encoding: e, Offset: locate(i.codec, b), Err: errInvalid}
	}
	return string(out), nil
}

func invalidUTF8(b []byte) int {
	for off := 0; off < len(b); {
		r, n := utf8.DecodeRune(b[off:])
		if r == utf8.RuneError && n <= 1 {
			return off
		}
		off += n
	}
	return -1
}

// sourceHasReplacement reports whether U+FFFD is genuinely in the input.
func sourceHasReplacement(e Encoding, b []byte) bool {
	enc, err := e.Encode(string(utf8.RuneError))
	return err == nil && len(enc) > 0 && bytes.Contains(b, enc)
}

// locate finds where invalid input starts: the first prefix that cannot
// decode cleanly even with more input to come, backed off to the longest
// prefix that decodes cleanly on its own.
func locate(codec encoding.Encoding, b []byte) int {
	dst := make([]byte, 4*len(b)+16)
	clean := func(n int, atEOF bool) bool {
		nDst, _, err := codec.NewDecoder().Transform(dst, b[:n], atEOF)
		if err != nil && !(!atEOF && errors.Is(err, transform.ErrShortSrc)) {
			return false
		}
		return !bytes.ContainsRune(dst[:nDst], utf8.RuneError)
	}
	bad := len(b)
	for n := 1; n <= len(b); n++ {
		if !clean(n, n == len(b)) {
			bad = n
			break
		}
	}
	for m := bad - 1; m > 0; m-- {
		if clean(m, true) {
			return m
		}
	}
	return 0
}

// Parse accepts an encoding name or a numeric NSStringEncoding.
func Parse(s string) (Encoding, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "_", "-")
	for e, i := range table {
		if i.name == name || strings.ReplaceAll(i.name, "-", "") == name {
			return e, nil
		}
	}
	if n, err := strconv.ParseUint(name, 0, 64); err == nil {
		if e := Encoding(n); e.Supported() {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnsupported)
}
