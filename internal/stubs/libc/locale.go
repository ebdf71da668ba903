package libc

import (
	"unicode/utf8"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// The process only ever runs in the "C" locale. Its strings and struct
// lconv live in the reserved part of the TLS block.
const (
	localeName  = emulator.TLSBase + 0x110 // "C"
	localeDot   = emulator.TLSBase + 0x112 // "."
	localeEmpty = emulator.TLSBase + 0x114 // ""
	lconvSlot   = emulator.TLSBase + 0x380
	lconvSize   = 96
	charMax     = 127
)

// Darwin sysconf names.
const (
	scClkTck      = 3
	scOpenMax     = 5
	scPageSize    = 29
	scNProcConf   = 57
	scNProcOnline = 58
)

// wchar_t is 32-bit on Darwin.
const wcharSize = 4

func init() {
	stubs.RegisterFunc("libc", "setlocale", stubSetlocale)
	stubs.RegisterFunc("libc", "newlocale", stubNewlocale, "duplocale")
	stubs.RegisterFunc("libc", "uselocale", stubNewlocale)
	stubs.RegisterFunc("libc", "freelocale", stubZero)
	stubs.RegisterFunc("libc", "localeconv", stubLocaleconv)
	stubs.RegisterFunc("libc", "sysconf", stubSysconf)
	stubs.RegisterFunc("libc", "setenv", stubSetenv, "putenv", "unsetenv")

	for name, pred := range ctype {
		stubs.RegisterFunc("libc", name, classify(pred))
	}
	stubs.RegisterFunc("libc", "toupper", stubToupper, "__toupper")
	stubs.RegisterFunc("libc", "tolower", stubTolower, "__tolower")

	stubs.RegisterFunc("libc", "wcslen", stubWcslen)
	stubs.RegisterFunc("libc", "wcscmp", stubWcscmp)
	stubs.RegisterFunc("libc", "wcscpy", stubWcscpy)
	stubs.RegisterFunc("libc", "wcschr", stubWcschr)
	stubs.RegisterFunc("libc", "mbstowcs", stubMbstowcs)
	stubs.RegisterFunc("libc", "wcstombs", stubWcstombs)
}

var ctype = map[string]func(c byte) bool{
	"isalpha":  func(c byte) bool { return isUpper(c) || isLower(c) },
	"isdigit":  isDigit,
	"isalnum":  func(c byte) bool { return isUpper(c) || isLower(c) || isDigit(c) },
	"isspace":  func(c byte) bool { return c == ' ' || (c >= '\t' && c <= '\r') },
	"isupper":  isUpper,
	"islower":  isLower,
	"isxdigit": func(c byte) bool { return isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'f') },
	"isprint":  func(c byte) bool { return c >= 0x20 && c < 0x7f },
	"isgraph":  func(c byte) bool { return c > 0x20 && c < 0x7f },
	"iscntrl":  func(c byte) bool { return c < 0x20 || c == 0x7f },
	"ispunct":  func(c byte) bool { return c > 0x20 && c < 0x7f && !isUpper(c) && !isLower(c) && !isDigit(c) },
	"isblank":  func(c byte) bool { return c == ' ' || c == '\t' },
	"isascii":  func(c byte) bool { return c < 0x80 },
}

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// classify wraps a ctype predicate. Values outside 0..255, EOF included,
// are never in a class.
func classify(pred func(c byte) bool) stubs.HookFunc {
	return func(emu *emulator.Emulator) (cpu.Action, error) {
		c := int32(emu.X(0))
		if c < 0 || c > 0xff || !pred(byte(c)) {
			return stubs.Return(emu, 0)
		}
		return stubs.Return(emu, 1)
	}
}

func stubToupper(emu *emulator.Emulator) (cpu.Action, error) {
	c := emu.X(0)
	if c <= 0xff && isLower(byte(c)) {
		c -= 0x20
	}
	return stubs.Return(emu, c)
}

func stubTolower(emu *emulator.Emulator) (cpu.Action, error) {
	c := emu.X(0)
	if c <= 0xff && isUpper(byte(c)) {
		c += 0x20
	}
	return stubs.Return(emu, c)
}

func writeLocaleStrings(emu *emulator.Emulator) error {
	return emu.MemWrite(localeName, []byte("C\x00.\x00\x00"))
}

func stubSetlocale(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "libc", "setlocale", readString(emu, emu.X(1), 64))
	if err := writeLocaleStrings(emu); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, localeName)
}

// stubNewlocale hands out the global locale as every locale_t.
func stubNewlocale(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, localeName)
}

func stubZero(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 0)
}

func stubLocaleconv(emu *emulator.Emulator) (cpu.Action, error) {
	if err := writeLocaleStrings(emu); err != nil {
		return cpu.Continue, err
	}
	// ten string fields, then fourteen chars left at CHAR_MAX
	buf := make([]byte, lconvSize)
	for i := 0; i < 10; i++ {
		str := uint64(localeEmpty)
		if i == 0 {
			str = localeDot
		}
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(str >> (8 * b))
		}
	}
	for i := 80; i < 94; i++ {
		buf[i] = charMax
	}
	if err := emu.MemWrite(lconvSlot, buf); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, lconvSlot)
}

func stubSysconf(emu *emulator.Emulator) (cpu.Action, error) {
	name := emu.X(0)
	var v uint64
	switch name {
	case scClkTck:
		v = 100
	case scOpenMax:
		v = 256
	case scPageSize:
		v = 0x4000
	case scNProcConf, scNProcOnline:
		v = 2
	default:
		stubs.Log(emu, "libc", "sysconf", stubs.FormatHex(name)+" unsupported")
		SetErrno(emu, eInval)
		return stubs.Return(emu, ^uint64(0))
	}
	return stubs.Return(emu, v)
}

// stubSetenv accepts and forgets: getenv reports an empty environment.
func stubSetenv(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "libc", "setenv", readString(emu, emu.X(0), 256))
	return stubs.Return(emu, 0)
}

func readWide(emu *emulator.Emulator, addr uint64, max int) []rune {
	var out []rune
	for i := 0; i < max; i++ {
		c, err := emu.MemReadU32(addr + uint64(i)*wcharSize)
		if err != nil || c == 0 {
			break
		}
		out = append(out, rune(c))
	}
	return out
}

func writeWide(emu *emulator.Emulator, addr uint64, s []rune) error {
	buf := make([]byte, (len(s)+1)*wcharSize)
	for i, r := range s {
		for b := 0; b < wcharSize; b++ {
			buf[i*wcharSize+b] = byte(uint32(r) >> (8 * b))
		}
	}
	return emu.MemWrite(addr, buf)
}

func stubWcslen(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, uint64(len(readWide(emu, emu.X(0), maxString))))
}

func stubWcscmp(emu *emulator.Emulator) (cpu.Action, error) {
	a := readWide(emu, emu.X(0), maxString)
	b := readWide(emu, emu.X(1), maxString)
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return stubs.Return(emu, sign(int(a[i])-int(b[i])))
		}
	}
	return stubs.Return(emu, sign(len(a)-len(b)))
}

func stubWcscpy(emu *emulator.Emulator) (cpu.Action, error) {
	dst := emu.X(0)
	if err := writeWide(emu, dst, readWide(emu, emu.X(1), maxString)); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, dst)
}

func stubWcschr(emu *emulator.Emulator) (cpu.Action, error) {
	s, c := emu.X(0), rune(uint32(emu.X(1)))
	str := readWide(emu, s, maxString)
	for i, r := range str {
		if r == c {
			return stubs.Return(emu, s+uint64(i)*wcharSize)
		}
	}
	if c == 0 {
		return stubs.Return(emu, s+uint64(len(str))*wcharSize)
	}
	return stubs.Return(emu, 0)
}

// stubMbstowcs decodes UTF-8. A NULL destination returns the length the
// conversion would need.
func stubMbstowcs(emu *emulator.Emulator) (cpu.Action, error) {
	dst, n := emu.X(0), emu.X(2)
	src := readString(emu, emu.X(1), maxString)
	if !utf8.ValidString(src) {
		SetErrno(emu, eIlseq)
		return stubs.Return(emu, ^uint64(0))
	}
	runes := []rune(src)
	if dst == 0 {
		return stubs.Return(emu, uint64(len(runes)))
	}
	if uint64(len(runes)) >= n {
		runes = runes[:n]
		buf := make([]byte, len(runes)*wcharSize)
		for i, r := range runes {
			for b := 0; b < wcharSize; b++ {
				buf[i*wcharSize+b] = byte(uint32(r) >> (8 * b))
			}
		}
		if err := emu.MemWrite(dst, buf); err != nil {
			return cpu.Continue, err
		}
		return stubs.Return(emu, n)
	}
	if err := writeWide(emu, dst, runes); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, uint64(len(runes)))
}

func stubWcstombs(emu *emulator.Emulator) (cpu.Action, error) {
	dst, n := emu.X(0), emu.X(2)
	runes := readWide(emu, emu.X(1), maxString)
	for _, r := range runes {
		if !utf8.ValidRune(r) {
			SetErrno(emu, eIlseq)
			return stubs.Return(emu, ^uint64(0))
		}
	}
	out := []byte(string(runes))
	if dst == 0 {
		return stubs.Return(emu, uint64(len(out)))
	}
	if uint64(len(out)) >= n {
		// never split a sequence
		cut := int(n)
		for cut > 0 && cut < len(out) && !utf8.RuneStart(out[cut]) {
			cut--
		}
		if err := emu.MemWrite(dst, out[:cut]); err != nil {
			return cpu.Continue, err
		}
		return stubs.Return(emu, uint64(cut))
	}
	if err := emu.MemWrite(dst, append(out, 0)); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, uint64(len(out)))
}
