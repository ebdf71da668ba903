package darwin

import (
	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// blockInvoke is the offset of the invoke pointer in a Block_literal.
const blockInvoke = 16

// mainQueue stands in for every dispatch queue; work runs synchronously.
const mainQueue = emulator.TLSBase + 0x200

func init() {
	stubs.RegisterFunc("dispatch", "dispatch_once", stubDispatchOnce)
	stubs.RegisterFunc("dispatch", "dispatch_once_f", stubDispatchOnceF)
	stubs.RegisterFunc("dispatch", "dispatch_async", stubDispatchBlock, "dispatch_sync", "dispatch_barrier_async")
	stubs.RegisterFunc("dispatch", "dispatch_async_f", stubDispatchF, "dispatch_sync_f")
	stubs.RegisterFunc("dispatch", "dispatch_get_global_queue", stubQueue,
		"dispatch_queue_create", "dispatch_get_main_queue")
}

// callBlock runs a block literal's invoke function with the block as X0.
func callBlock(emu *emulator.Emulator, block uint64) error {
	invoke, err := emu.MemReadU64(block + blockInvoke)
	if err != nil {
		return err
	}
	_, err = emu.Call(invoke, block)
	return err
}

// onceFlag reads and sets a dispatch_once_t predicate. It reports whether the
// caller must run the initializer.
func onceFlag(emu *emulator.Emulator, pred uint64) (bool, error) {
	v, err := emu.MemReadU64(pred)
	if err != nil || v == ^uint64(0) {
		return false, err
	}
	return true, emu.MemWriteU64(pred, ^uint64(0))
}

func stubDispatchOnce(emu *emulator.Emulator) (cpu.Action, error) {
	pred, block := emu.X(0), emu.X(1)
	run, err := onceFlag(emu, pred)
	if err != nil {
		return cpu.Continue, err
	}
	if run {
		if err := callBlock(emu, block); err != nil {
			return cpu.Continue, err
		}
	}
	return cpu.Return, nil
}

func stubDispatchOnceF(emu *emulator.Emulator) (cpu.Action, error) {
	pred, ctx, fn := emu.X(0), emu.X(1), emu.X(2)
	run, err := onceFlag(emu, pred)
	if err != nil {
		return cpu.Continue, err
	}
	if run {
		if _, err := emu.Call(fn, ctx); err != nil {
			return cpu.Continue, err
		}
	}
	return cpu.Return, nil
}

func stubDispatchBlock(emu *emulator.Emulator) (cpu.Action, error) {
	if err := callBlock(emu, emu.X(1)); err != nil {
		return cpu.Continue, err
	}
	return cpu.Return, nil
}

func stubDispatchF(emu *emulator.Emulator) (cpu.Action, error) {
	if _, err := emu.Call(emu.X(2), emu.X(1)); err != nil {
		return cpu.Continue, err
	}
	return cpu.Return, nil
}

func stubQueue(emu *emulator.Emulator) (cpu.Action, error) {
	return stubs.Return(emu, mainQueue)
}
