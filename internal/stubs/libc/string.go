package libc

import (
	"bytes"
	"strings"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// maxCopy bounds a single mem* operation.
const maxCopy = 0x1000000

const maxString = 1 << 16

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "strnlen", stubStrnlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy, "__memcpy_chk")
	stubs.RegisterFunc("libc", "memmove", stubMemcpy, "__memmove_chk")
	stubs.RegisterFunc("libc", "memset", stubMemset, "__memset_chk")
	stubs.RegisterFunc("libc", "bzero", stubBzero, "__bzero")
	stubs.RegisterFunc("libc", "memcmp", stubMemcmp, "bcmp", "timingsafe_bcmp")
	stubs.RegisterFunc("libc", "memchr", stubMemchr)
	stubs.RegisterFunc("libc", "strcmp", stubStrcmp)
	stubs.RegisterFunc("libc", "strncmp", stubStrncmp)
	stubs.RegisterFunc("libc", "strcasecmp", stubStrcasecmp)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy, "__strcpy_chk")
	stubs.RegisterFunc("libc", "strncpy", stubStrncpy, "__strncpy_chk")
	stubs.RegisterFunc("libc", "strlcpy", stubStrlcpy, "__strlcpy_chk")
	stubs.RegisterFunc("libc", "strcat", stubStrcat, "__strcat_chk")
	stubs.RegisterFunc("libc", "strchr", stubStrchr)
	stubs.RegisterFunc("libc", "strrchr", stubStrrchr)
	stubs.RegisterFunc("libc", "strstr", stubStrstr)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
	stubs.RegisterFunc("libc", "strndup", stubStrndup)
}

func readString(emu *emulator.Emulator, addr uint64, n int) string {
	if addr == 0 || n <= 0 {
		return ""
	}
	s, _ := emu.MemReadString(addr, n)
	return s
}

func sign(c int) uint64 {
	switch {
	case c < 0:
		return ^uint64(0) // -1
	case c > 0:
		return 1
	}
	return 0
}

func stubStrlen(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, uint64(len(readString(emu, emu.X(0), maxString))))
}

func stubStrnlen(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, uint64(len(readString(emu, emu.X(0), int(min(emu.X(1), maxString))))))
}

func stubMemcpy(emu *emulator.Emulator) (cpu.Action, error) {
	dest, src, n := emu.X(0), emu.X(1), emu.X(2)
	if n > 0 && n < maxCopy {
		data, err := emu.MemRead(src, n)
		if err != nil {
			return cpu.Continue, err
		}
		if err := emu.MemWrite(dest, data); err != nil {
			return cpu.Continue, err
		}
	}
	stubs.Log(emu, "libc", "memcpy", formatMemop(dest, src, n))
	return stubs.Return(emu, dest)
}

func stubMemset(emu *emulator.Emulator) (cpu.Action, error) {
	dest, c, n := emu.X(0), byte(emu.X(1)), emu.X(2)
	if n > 0 && n < maxCopy {
		if err := emu.MemWrite(dest, bytes.Repeat([]byte{c}, int(n))); err != nil {
			return cpu.Continue, err
		}
	}
	return stubs.Return(emu, dest)
}

func stubBzero(emu *emulator.Emulator) (cpu.Action, error) {
	dest, n := emu.X(0), emu.X(1)
	if n > 0 && n < maxCopy {
		if err := emu.MemWrite(dest, make([]byte, n)); err != nil {
			return cpu.Continue, err
		}
	}
	return cpu.Return, nil
}

func stubMemcmp(emu *emulator.Emulator) (cpu.Action, error) {
	n := emu.X(2)
	if n == 0 || n >= maxCopy {
		return stubs.Return(emu, 0)
	}
	s1, err := emu.MemRead(emu.X(0), n)
	if err != nil {
		return cpu.Continue, err
	}
	s2, err := emu.MemRead(emu.X(1), n)
	if err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, sign(bytes.Compare(s1, s2)))
}

func stubMemchr(emu *emulator.Emulator) (cpu.Action, error) {
	addr, c, n := emu.X(0), byte(emu.X(1)), emu.X(2)
	if n == 0 || n >= maxCopy {
		return stubs.Return(emu, 0)
	}
	data, err := emu.MemRead(addr, n)
	if err != nil {
		return cpu.Continue, err
	}
	if i := bytes.IndexByte(data, c); i >= 0 {
		return stubs.Return(emu, addr+uint64(i))
	}
	return stubs.Return(emu, 0)
}

func stubStrcmp(emu *emulator.Emulator) (cpu.Action, error) {
	s1 := readString(emu, emu.X(0), maxString)
	s2 := readString(emu, emu.X(1), maxString)
	return stubs.Return(emu, sign(strings.Compare(s1, s2)))
}

func stubStrncmp(emu *emulator.Emulator) (cpu.Action, error) {
	n := int(min(emu.X(2), maxString))
	s1 := readString(emu, emu.X(0), n)
	s2 := readString(emu, emu.X(1), n)
	return stubs.Return(emu, sign(strings.Compare(s1, s2)))
}

func stubStrcasecmp(emu *emulator.Emulator) (cpu.Action, error) {
	s1 := strings.ToLower(readString(emu, emu.X(0), maxString))
	s2 := strings.ToLower(readString(emu, emu.X(1), maxString))
	return stubs.Return(emu, sign(strings.Compare(s1, s2)))
}

func stubStrcpy(emu *emulator.Emulator) (cpu.Action, error) {
	dest := emu.X(0)
	if err := emu.MemWriteString(dest, readString(emu, emu.X(1), maxString)); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, dest)
}

func stubStrncpy(emu *emulator.Emulator) (cpu.Action, error) {
	dest, n := emu.X(0), emu.X(2)
	if n == 0 || n >= maxCopy {
		return stubs.Return(emu, dest)
	}
	data := make([]byte, n) // strncpy pads with NUL
	copy(data, readString(emu, emu.X(1), int(n)))
	if err := emu.MemWrite(dest, data); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, dest)
}

func stubStrlcpy(emu *emulator.Emulator) (cpu.Action, error) {
	dest, n := emu.X(0), emu.X(2)
	src := readString(emu, emu.X(1), maxString)
	if n > 0 {
		s := src
		if uint64(len(s)) >= n {
			s = s[:n-1]
		}
		if err := emu.MemWriteString(dest, s); err != nil {
			return cpu.Continue, err
		}
	}
	return stubs.Return(emu, uint64(len(src)))
}

func stubStrcat(emu *emulator.Emulator) (cpu.Action, error) {
	dest := emu.X(0)
	head := readString(emu, dest, maxString)
	if err := emu.MemWriteString(dest+uint64(len(head)), readString(emu, emu.X(1), maxString)); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, dest)
}

func stubStrchr(emu *emulator.Emulator) (cpu.Action, error) {
	addr, c := emu.X(0), byte(emu.X(1))
	str := readString(emu, addr, maxString)
	if c == 0 {
		return stubs.Return(emu, addr+uint64(len(str)))
	}
	if i := strings.IndexByte(str, c); i >= 0 {
		return stubs.Return(emu, addr+uint64(i))
	}
	return stubs.Return(emu, 0)
}

func stubStrrchr(emu *emulator.Emulator) (cpu.Action, error) {
	addr, c := emu.X(0), byte(emu.X(1))
	str := readString(emu, addr, maxString)
	if c == 0 {
		return stubs.Return(emu, addr+uint64(len(str)))
	}
	if i := strings.LastIndexByte(str, c); i >= 0 {
		return stubs.Return(emu, addr+uint64(i))
	}
	return stubs.Return(emu, 0)
}

func stubStrstr(emu *emulator.Emulator) (cpu.Action, error) {
	addr := emu.X(0)
	haystack := readString(emu, addr, maxString)
	needle := readString(emu, emu.X(1), maxString)
	if i := strings.Index(haystack, needle); i >= 0 {
		return stubs.Return(emu, addr+uint64(i))
	}
	return stubs.Return(emu, 0)
}

func stubStrdup(emu *emulator.Emulator) (cpu.Action, error) {
	ptr, err := emu.AllocString(readString(emu, emu.X(0), maxString))
	if err != nil {
		return stubs.Return(emu, 0)
	}
	return stubs.Return(emu, ptr)
}

func stubStrndup(emu *emulator.Emulator) (cpu.Action, error) {
	ptr, err := emu.AllocString(readString(emu, emu.X(0), int(min(emu.X(1), maxString))))
	if err != nil {
		return stubs.Return(emu, 0)
	}
	return stubs.Return(emu, ptr)
}

func formatMemop(dest, src, n uint64) string {
	return "dst=" + stubs.FormatHex(dest) + " src=" + stubs.FormatHex(src) + " n=" + stubs.FormatHex(n)
}
