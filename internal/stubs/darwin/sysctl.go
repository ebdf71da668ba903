package darwin

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// Sysctl answers sysctlbyname string queries. Values are NUL-terminated in
// guest memory.
var Sysctl = map[string]string{
	"hw.machine":     "iPhone14,2",
	"hw.model":       "D63AP",
	"kern.osversion": "21A329",
	"kern.osrelease": "23.0.0",
	"kern.ostype":    "Darwin",
	"kern.hostname":  "iPhone",
}

const eNoent = 2

// int sysctlbyname(const char *name, void *oldp, size_t *oldlenp, void *newp, size_t newlen)
func stubSysctlbyname(emu *emulator.Emulator) (cpu.Action, error) {
	name, _ := emu.MemReadString(emu.X(0), 128)
	oldp, oldlenp := emu.X(1), emu.X(2)

	val, ok := Sysctl[name]
	if !ok {
		stubs.Log(emu, "darwin", "sysctlbyname", name+" unknown")
		return stubs.Return(emu, ^uint64(0))
	}
	data := append([]byte(val), 0)
	stubs.Log(emu, "darwin", "sysctlbyname", name+"="+val)
	if oldp != 0 {
		limit := uint64(len(data))
		if oldlenp != 0 {
			if have, err := emu.MemReadU64(oldlenp); err == nil && have < limit {
				limit = have
			}
		}
		if err := emu.MemWrite(oldp, data[:limit]); err != nil {
			return cpu.Continue, err
		}
	}
	if oldlenp != 0 {
		emu.MemWriteU64(oldlenp, uint64(len(data)))
	}
	return stubs.Return(emu, 0)
}
