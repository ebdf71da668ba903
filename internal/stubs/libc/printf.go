package libc

import (
	"fmt"
	"math"
	"strings"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "printf", stubPrintf)
	stubs.RegisterFunc("libc", "vprintf", stubVprintf)
	stubs.RegisterFunc("libc", "fprintf", stubFprintf)
	stubs.RegisterFunc("libc", "vfprintf", stubVfprintf)
	stubs.RegisterFunc("libc", "sprintf", stubSprintf)
	stubs.RegisterFunc("libc", "vsprintf", stubVsprintf)
	stubs.RegisterFunc("libc", "snprintf", stubSnprintf)
	stubs.RegisterFunc("libc", "vsnprintf", stubVsnprintf)
	stubs.RegisterFunc("libc", "asprintf", stubAsprintf)
	stubs.RegisterFunc("libc", "vasprintf", stubVasprintf)

	// Fortified variants (__*_chk)
	stubs.RegisterFunc("libc", "__sprintf_chk", stubSprintfChk)
	stubs.RegisterFunc("libc", "__snprintf_chk", stubSnprintfChk)
	stubs.RegisterFunc("libc", "__vsnprintf_chk", stubVsnprintfChk)

	stubs.RegisterFunc("libc", "puts", stubPuts)
	stubs.RegisterFunc("libc", "fputs", stubFputs)
	stubs.RegisterFunc("libc", "putchar", stubPutchar, "fputc", "putc")
	stubs.RegisterFunc("libc", "fwrite", stubFwrite)
	stubs.RegisterFunc("libc", "fflush", stubFflush)
}

// ObjectDescription renders %@ arguments. The session points it at the
// Foundation layer; by default objects print as their address.
var ObjectDescription = func(emu *emulator.Emulator, obj uint64) string {
	return fmt.Sprintf("<0x%x>", obj)
}

// varargs reads consecutive 8-byte slots. On Darwin arm64 every variadic
// argument is passed on the stack this way and va_list is a plain pointer to
// the next slot.
type varargs struct {
	emu  *emulator.Emulator
	next uint64
}

func (v *varargs) u64() uint64 {
	x, _ := v.emu.MemReadU64(v.next)
	v.next += 8
	return x
}

// Format expands a printf format string with arguments read from the slot
// array at args.
func Format(emu *emulator.Emulator, format string, args uint64) string {
	va := &varargs{emu: emu, next: args}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			break
		}
		if format[i] == '%' {
			b.WriteByte('%')
			continue
		}

		spec := []byte{'%'}
		for ; i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0; i++ {
			spec = append(spec, format[i])
		}
		// width
		if i < len(format) && format[i] == '*' {
			spec = fmt.Appendf(spec, "%d", int32(va.u64()))
			i++
		}
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			spec = append(spec, format[i])
		}
		// precision
		if i < len(format) && format[i] == '.' {
			spec = append(spec, '.')
			i++
			if i < len(format) && format[i] == '*' {
				spec = fmt.Appendf(spec, "%d", max(int32(va.u64()), 0))
				i++
			}
			for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
				spec = append(spec, format[i])
			}
		}
		// length
		bits := 32
		for ; i < len(format) && strings.IndexByte("hlqzjtL", format[i]) >= 0; i++ {
			switch format[i] {
			case 'h':
				if bits == 16 {
					bits = 8
				} else {
					bits = 16
				}
			default:
				bits = 64
			}
		}
		if i >= len(format) {
			break
		}

		switch verb := format[i]; verb {
		case 'd', 'i':
			v := va.u64()
			var n int64
			switch bits {
			case 8:
				n = int64(int8(v))
			case 16:
				n = int64(int16(v))
			case 32:
				n = int64(int32(v))
			default:
				n = int64(v)
			}
			b.WriteString(fmt.Sprintf(string(append(spec, 'd')), n))
		case 'u', 'x', 'X', 'o':
			v := va.u64()
			if bits < 64 {
				v &= 1<<bits - 1
			}
			if verb == 'u' {
				verb = 'd'
			}
			b.WriteString(fmt.Sprintf(string(append(spec, verb)), v))
		case 'f', 'F', 'e', 'E', 'g', 'G':
			if verb == 'F' {
				verb = 'f'
			}
			b.WriteString(fmt.Sprintf(string(append(spec, verb)), math.Float64frombits(va.u64())))
		case 'c':
			b.WriteByte(byte(va.u64()))
		case 's':
			p := va.u64()
			s := "(null)"
			if p != 0 {
				s = readString(emu, p, maxString)
			}
			b.WriteString(fmt.Sprintf(string(append(spec, 's')), s))
		case 'p':
			b.WriteString(fmt.Sprintf("0x%x", va.u64()))
		case '@':
			b.WriteString(ObjectDescription(emu, va.u64()))
		default:
			b.WriteByte('%')
			b.WriteByte(verb)
		}
	}
	return b.String()
}

func formatAt(emu *emulator.Emulator, fmtReg int, args uint64) string {
	return Format(emu, readString(emu, emu.X(fmtReg), maxString), args)
}

// writeBounded stores s into dest honoring a snprintf-style size and
// returns the untruncated length.
func writeBounded(emu *emulator.Emulator, dest, n uint64, s string) (cpu.Action, error) {
	if n > 0 {
		out := s
		if uint64(len(out)) >= n {
			out = out[:n-1]
		}
		if err := emu.MemWriteString(dest, out); err != nil {
			return cpu.Continue, err
		}
	}
	return stubs.Return(emu, uint64(len(s)))
}

func output(emu *emulator.Emulator, name, s string) (cpu.Action, error) {
	stubs.Log(emu, "stdout", name, strings.TrimRight(s, "\n"))
	return stubs.Return(emu, uint64(len(s)))
}

func stubPrintf(emu *emulator.Emulator) (cpu.Action, error) {
	return output(emu, "printf", formatAt(emu, 0, emu.SP()))
}

func stubVprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return output(emu, "vprintf", formatAt(emu, 0, emu.X(1)))
}

func stubFprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return output(emu, "fprintf", formatAt(emu, 1, emu.SP()))
}

func stubVfprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return output(emu, "vfprintf", formatAt(emu, 1, emu.X(2)))
}

func stubSprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return writeBounded(emu, emu.X(0), math.MaxUint64, formatAt(emu, 1, emu.SP()))
}

func stubVsprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return writeBounded(emu, emu.X(0), math.MaxUint64, formatAt(emu, 1, emu.X(2)))
}

func stubSnprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return writeBounded(emu, emu.X(0), emu.X(1), formatAt(emu, 2, emu.SP()))
}

func stubVsnprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return writeBounded(emu, emu.X(0), emu.X(1), formatAt(emu, 2, emu.X(3)))
}

// int __sprintf_chk(char *s, int flag, size_t slen, const char *format, ...)
func stubSprintfChk(emu *emulator.Emulator) (cpu.Action, error) {
	return writeBounded(emu, emu.X(0), emu.X(2), formatAt(emu, 3, emu.SP()))
}

// int __snprintf_chk(char *s, size_t maxlen, int flag, size_t slen, const char *format, ...)
func stubSnprintfChk(emu *emulator.Emulator) (cpu.Action, error) {
	return writeBounded(emu, emu.X(0), emu.X(1), formatAt(emu, 4, emu.SP()))
}

func stubVsnprintfChk(emu *emulator.Emulator) (cpu.Action, error) {
	return writeBounded(emu, emu.X(0), emu.X(1), formatAt(emu, 4, emu.X(5)))
}

func asprintf(emu *emulator.Emulator, s string) (cpu.Action, error) {
	buf, err := emu.AllocString(s)
	if err != nil {
		return stubs.Return(emu, ^uint64(0))
	}
	if err := emu.MemWriteU64(emu.X(0), buf); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, uint64(len(s)))
}

func stubAsprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return asprintf(emu, formatAt(emu, 1, emu.SP()))
}

func stubVasprintf(emu *emulator.Emulator) (cpu.Action, error) {
	return asprintf(emu, formatAt(emu, 1, emu.X(2)))
}

func stubPuts(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "stdout", "puts", readString(emu, emu.X(0), maxString))
	return stubs.Return(emu, 0)
}

func stubFputs(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "stdout", "fputs", readString(emu, emu.X(0), maxString))
	return stubs.Return(emu, 0)
}

func stubPutchar(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, emu.X(0)&0xff)
}

func stubFwrite(emu *emulator.Emulator) (cpu.Action, error) {
	ptr, size, nmemb := emu.X(0), emu.X(1), emu.X(2)
	if n := size * nmemb; n > 0 && n < maxCopy {
		if data, err := emu.MemRead(ptr, n); err == nil {
			stubs.Log(emu, "stdout", "fwrite", strings.TrimRight(string(data), "\n"))
		}
	}
	return stubs.Return(emu, nmemb)
}

func stubFflush(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 0)
}
