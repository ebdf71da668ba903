// Package darwin provides host implementations of libSystem pieces that iOS
// binaries import besides libc and pthread: libdispatch, stack protector,
// arc4random, os_unfair_lock, CommonCrypto digests, sysctl and dlfcn.
package darwin

import (
	"errors"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// StackGuard is the value guest code sees in ___stack_chk_guard.
const StackGuard = 0x00000000deadbeef

var errStackSmash = errors.New("stack protector tripped")

// rngSlot keeps the arc4random state in the TLS block.
const rngSlot = emulator.TLSBase + 16

func init() {
	stubs.Register(stubs.StubDef{
		Name:     "__stack_chk_guard",
		Data:     le64(StackGuard),
		Category: "darwin",
	})
	stubs.RegisterFunc("darwin", "__stack_chk_fail", stubStackChkFail)

	stubs.RegisterFunc("darwin", "arc4random", stubArc4random)
	stubs.RegisterFunc("darwin", "arc4random_uniform", stubArc4randomUniform)
	stubs.RegisterFunc("darwin", "arc4random_buf", stubArc4randomBuf)

	stubs.RegisterFunc("darwin", "os_unfair_lock_lock", stubNop,
		"os_unfair_lock_unlock", "os_unfair_lock_assert_owner", "OSMemoryBarrier")

	stubs.RegisterFunc("darwin", "sysctlbyname", stubSysctlbyname)
	stubs.RegisterFunc("darwin", "_dyld_image_count", stubDyldImageCount)
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func stubNop(emu *emulator.Emulator) (cpu.Action, error) {
	return cpu.Return, nil
}

func stubStackChkFail(emu *emulator.Emulator) (cpu.Action, error) {
	stubs.Log(emu, "darwin", "__stack_chk_fail", stubs.FormatPtr("lr", emu.LR()))
	return cpu.Stop, errStackSmash
}

// next advances a splitmix64 generator seeded with a fixed value, so runs are
// reproducible.
func next(emu *emulator.Emulator) (uint64, error) {
	s, err := emu.MemReadU64(rngSlot)
	if err != nil {
		return 0, err
	}
	s += 0x9e3779b97f4a7c15
	if err := emu.MemWriteU64(rngSlot, s); err != nil {
		return 0, err
	}
	z := s
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31), nil
}

func stubArc4random(emu *emulator.Emulator) (cpu.Action, error) {
	v, err := next(emu)
	if err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, v&0xffffffff)
}

func stubArc4randomUniform(emu *emulator.Emulator) (cpu.Action, error) {
	bound := emu.X(0) & 0xffffffff
	if bound < 2 {
		return stubs.Return(emu, 0)
	}
	v, err := next(emu)
	if err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, (v&0xffffffff)%bound)
}

func stubArc4randomBuf(emu *emulator.Emulator) (cpu.Action, error) {
	buf, n := emu.X(0), emu.X(1)
	data := make([]byte, 0, n+8)
	for uint64(len(data)) < n {
		v, err := next(emu)
		if err != nil {
			return cpu.Continue, err
		}
		data = append(data, le64(v)...)
	}
	if err := emu.MemWrite(buf, data[:n]); err != nil {
		return cpu.Continue, err
	}
	return cpu.Return, nil
}

func stubDyldImageCount(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 1)
}
