package libc

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// Mocked time for deterministic execution.
var (
	MockTimeSec  = int64(1704067200) // 2024-01-01 00:00:00 UTC
	MockTimeUSec = int64(0)
	MockTimeNSec = int64(0)
)

// machTick scales the retired instruction count so elapsed-time
// checks in the guest see a monotonic clock. clockSlot in the TLS block
// counts reads so back-to-back calls still differ.
const (
	machTick  = 1000
	clockSlot = emulator.TLSBase + 24
)

func init() {
	stubs.RegisterFunc("libc", "gettimeofday", stubGettimeofday)
	stubs.RegisterFunc("libc", "clock_gettime", stubClockGettime)
	stubs.RegisterFunc("libc", "time", stubTime)
	stubs.RegisterFunc("libc", "clock", stubClock)
	stubs.RegisterFunc("libc", "mach_absolute_time", stubMachAbsoluteTime, "mach_continuous_time")
	stubs.RegisterFunc("libc", "mach_timebase_info", stubMachTimebaseInfo)
	stubs.RegisterFunc("libc", "nanosleep", stubSleep, "usleep", "sleep")
}

func stubGettimeofday(emu *emulator.Emulator) (cpu.Action, error) {
	if tv := emu.X(0); tv != 0 {
		// struct timeval { time_t tv_sec; suseconds_t tv_usec; }
		emu.MemWriteU64(tv, uint64(MockTimeSec))
		emu.MemWriteU32(tv+8, uint32(MockTimeUSec))
	}
	return stubs.Return(emu, 0)
}

func stubClockGettime(emu *emulator.Emulator) (cpu.Action, error) {
	if tp := emu.X(1); tp != 0 {
		// struct timespec { time_t tv_sec; long tv_nsec; }
		emu.MemWriteU64(tp, uint64(MockTimeSec))
		emu.MemWriteU64(tp+8, uint64(MockTimeNSec))
	}
	return stubs.Return(emu, 0)
}

func stubTime(emu *emulator.Emulator) (cpu.Action, error) {
	if tloc := emu.X(0); tloc != 0 {
		emu.MemWriteU64(tloc, uint64(MockTimeSec))
	}
	return stubs.Return(emu, uint64(MockTimeSec))
}

func stubClock(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 1000000)
}

func stubMachAbsoluteTime(emu *emulator.Emulator) (cpu.Action, error) {
	reads, err := emu.MemReadU64(clockSlot)
	if err != nil {
		return cpu.Continue, err
	}
	reads++
	emu.MemWriteU64(clockSlot, reads)
	return stubs.Return(emu, (emu.Executed()+reads)*machTick)
}

func stubMachTimebaseInfo(emu *emulator.Emulator) (cpu.Action, error) {
	// struct mach_timebase_info { uint32_t numer; uint32_t denom; }
	if info := emu.X(0); info != 0 {
		emu.MemWriteU32(info, 1)
		emu.MemWriteU32(info+4, 1)
	}
	return stubs.Return(emu, 0)
}

func stubSleep(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, 0)
}
