// Package network provides the socket and resolver surface of libSystem.
// The emulated process has no network: address conversion works, while
// resolution and sockets fail the way an offline device does. Every lookup
// is logged so the hosts a binary wants are visible in a trace.
package network

import (
	"encoding/binary"
	"math/bits"
	"net/netip"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
	"github.com/zboralski/tarsier/internal/stubs/libc"
)

// Darwin constants.
const (
	afInet  = 2
	afInet6 = 30

	eaiNoName    = 8
	eNoSpc       = 28
	eAFNoSupport = 47
	eNetDown     = 50

	inaddrNone = 0xffffffff
)

func init() {
	stubs.RegisterFunc("network", "getaddrinfo", stubGetaddrinfo)
	stubs.RegisterFunc("network", "freeaddrinfo", stubNop)
	stubs.RegisterFunc("network", "gethostbyname", stubGethostbyname, "gethostbyname2")
	stubs.RegisterFunc("network", "socket", stubSocket)
	stubs.RegisterFunc("network", "inet_pton", stubInetPton)
	stubs.RegisterFunc("network", "inet_ntop", stubInetNtop)
	stubs.RegisterFunc("network", "inet_addr", stubInetAddr)
	stubs.RegisterFunc("network", "htons", stubSwap16, "ntohs", "_OSSwapInt16")
	stubs.RegisterFunc("network", "htonl", stubSwap32, "ntohl", "_OSSwapInt32")
}

func readString(emu *emulator.Emulator, addr uint64) string {
	if addr == 0 {
		return ""
	}
	s, _ := emu.MemReadString(addr, 256)
	return s
}

func stubNop(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 0)
}

func stubGetaddrinfo(emu *emulator.Emulator) (cpu.Action, error) {
	host, service := readString(emu, emu.X(0)), readString(emu, emu.X(1))
	stubs.Log(emu, "network", "getaddrinfo", "host="+host+" service="+service)
	if res := emu.X(3); res != 0 {
		emu.MemWriteU64(res, 0)
	}
	return stubs.Return(emu, eaiNoName)
}

func stubGethostbyname(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "network", "gethostbyname", readString(emu, emu.X(0)))
	return stubs.Return(emu, 0)
}

func stubSocket(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "network", "socket", stubs.FormatHex(emu.X(0)))
	libc.SetErrno(emu, eNetDown)
	return stubs.Return(emu, ^uint64(0))
}

func addrLen(af uint64) int {
	switch af {
	case afInet:
		return 4
	case afInet6:
		return 16
	}
	return 0
}

// stubInetPton writes the address in network byte order and returns 1, or 0
// for text that is not an address of family af.
func stubInetPton(emu *emulator.Emulator) (cpu.Action, error) {
	af, src, dst := emu.X(0), readString(emu, emu.X(1)), emu.X(2)
	n := addrLen(af)
	if n == 0 {
		libc.SetErrno(emu, eAFNoSupport)
		return stubs.Return(emu, ^uint64(0))
	}
	addr, err := netip.ParseAddr(src)
	if err != nil || (n == 4) != addr.Is4() {
		return stubs.Return(emu, 0)
	}
	if err := emu.MemWrite(dst, addr.AsSlice()); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, 1)
}

func stubInetNtop(emu *emulator.Emulator) (cpu.Action, error) {
	af, src, dst, size := emu.X(0), emu.X(1), emu.X(2), emu.X(3)
	n := addrLen(af)
	if n == 0 {
		libc.SetErrno(emu, eAFNoSupport)
		return stubs.Return(emu, 0)
	}
	raw, err := emu.MemRead(src, uint64(n))
	if err != nil {
		return cpu.Continue, err
	}
	addr, _ := netip.AddrFromSlice(raw)
	text := addr.String()
	if uint64(len(text)) >= size {
		libc.SetErrno(emu, eNoSpc)
		return stubs.Return(emu, 0)
	}
	if err := emu.MemWriteString(dst, text); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, dst)
}

// stubInetAddr returns the IPv4 address in network byte order, or
// INADDR_NONE.
func stubInetAddr(emu *emulator.Emulator) (cpu.Action, error) {
	addr, err := netip.ParseAddr(readString(emu, emu.X(0)))
	if err != nil || !addr.Is4() {
		return stubs.Return(emu, inaddrNone)
	}
	b := addr.As4()
	return stubs.Return(emu, uint64(binary.LittleEndian.Uint32(b[:])))
}

func stubSwap16(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, uint64(bits.ReverseBytes16(uint16(emu.X(0)))))
}

func stubSwap32(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, uint64(bits.ReverseBytes32(uint32(emu.X(0)))))
}
