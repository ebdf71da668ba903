// Package libc provides host implementations of the C library functions an
// iOS binary imports. Import it for its init() side effects.
package libc

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "malloc_size", Aliases: []string{"malloc_usable_size"}, Hook: stubMallocSize, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "posix_memalign", Hook: stubPosixMemalign, Category: "libc"})

	// Memory info
	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Hook:     stubMalloc,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubFree,
		Category: "libc",
	})
}

func stubMalloc(emu *emulator.Emulator) (cpu.Action, error) {
	size := emu.X(0)
	ptr, err := emu.Malloc(size)
	if err != nil {
		stubs.Log(emu, "libc", "malloc", err.Error())
		return stubs.Return(emu, 0)
	}
	stubs.Log(emu, "libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	return stubs.Return(emu, ptr)
}

func stubCalloc(emu *emulator.Emulator) (cpu.Action, error) {
	count := emu.X(0)
	size := emu.X(1)
	total := count * size
	if size != 0 && total/size != count {
		return stubs.Return(emu, 0)
	}
	// heap blocks are zero-filled
	ptr, err := emu.Malloc(total)
	if err != nil {
		return stubs.Return(emu, 0)
	}
	stubs.Log(emu, "libc", "calloc", stubs.FormatPtrPair("total", total, "->", ptr))
	return stubs.Return(emu, ptr)
}

func stubRealloc(emu *emulator.Emulator) (cpu.Action, error) {
	old := emu.X(0)
	size := emu.X(1)
	ptr, err := emu.Heap().Realloc(old, size)
	if err != nil {
		stubs.Log(emu, "libc", "realloc", err.Error())
		return stubs.Return(emu, 0)
	}
	stubs.Log(emu, "libc", "realloc", stubs.FormatPtrPair("size", size, "->", ptr))
	return stubs.Return(emu, ptr)
}

func stubFree(emu *emulator.Emulator) (cpu.Action, error) {
	ptr := emu.X(0)
	if ptr != 0 && emu.Heap().Owns(ptr) {
		if err := emu.Free(ptr); err != nil {
			stubs.Log(emu, "libc", "free", err.Error())
		}
	}
	return cpu.Return, nil
}

func stubMallocSize(emu *emulator.Emulator) (cpu.Action, error) {
	size, _ := emu.Heap().SizeOf(emu.X(0))
	return stubs.Return(emu, size)
}

func stubPosixMemalign(emu *emulator.Emulator) (cpu.Action, error) {
	// int posix_memalign(void **memptr, size_t alignment, size_t size)
	out, align, size := emu.X(0), emu.X(1), emu.X(2)
	if align > 16 {
		size += align
	}
	ptr, err := emu.Malloc(size)
	if err != nil {
		return stubs.Return(emu, 12) // ENOMEM
	}
	if align > 16 {
		ptr = (ptr + align - 1) &^ (align - 1)
	}
	emu.MemWriteU64(out, ptr)
	return stubs.Return(emu, 0)
}

func stubGetPageSize(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 0x4000)
}
