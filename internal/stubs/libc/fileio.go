package libc

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"strings"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
	"github.com/zboralski/tarsier/internal/vfs"
)

const (
	eInval = vfs.EINVAL
	eIlseq = 92
)

// Darwin open(2) flags and openat's current-directory descriptor.
const (
	oAccMode = 0x3
	oCreat   = 0x200
	oTrunc   = 0x400
	atFDCWD  = -2
)

// struct stat (64-bit inodes) field offsets and mode bits.
const (
	statSize    = 144
	statMode    = 4
	statMtime   = 48
	statSizeOff = 96
	statBlksize = 112
	sIFDIR      = 0o040000
	sIFREG      = 0o100000
)

func init() {
	stubs.RegisterFunc("libc", "open", stubOpen, "open$NOCANCEL", "__open")
	stubs.RegisterFunc("libc", "openat", stubOpenat, "openat$NOCANCEL")
	stubs.RegisterFunc("libc", "read", stubRead, "read$NOCANCEL")
	stubs.RegisterFunc("libc", "pread", stubPread, "pread$NOCANCEL")
	stubs.RegisterFunc("libc", "write", stubWrite, "write$NOCANCEL")
	stubs.RegisterFunc("libc", "lseek", stubLseek)
	stubs.RegisterFunc("libc", "close", stubClose, "close$NOCANCEL")
	stubs.RegisterFunc("libc", "access", stubAccess)
	stubs.RegisterFunc("libc", "stat", stubStat, "lstat", "stat64", "lstat64")
	stubs.RegisterFunc("libc", "fstat", stubFstat, "fstat64")
	stubs.RegisterFunc("libc", "getcwd", stubGetcwd)
	stubs.RegisterFunc("libc", "mkdir", stubReadOnly,
		"rmdir", "unlink", "rename", "creat", "truncate", "ftruncate", "chmod", "symlink")
}

// SetErrno stores code in the calling thread's errno.
func SetErrno(emu *emulator.Emulator, code int) {
	emu.MemWriteU32(errnoSlot, uint32(code))
}

// fail sets errno from err and returns -1.
func fail(emu *emulator.Emulator, name string, err error) (cpu.Action, error) {
	code := eInval
	var e vfs.Errno
	if errors.As(err, &e) {
		code = int(e)
	}
	stubs.Log(emu, "libc", name, err.Error())
	SetErrno(emu, code)
	return stubs.Return(emu, ^uint64(0))
}

func openPath(emu *emulator.Emulator, name, path string, flags uint64) (cpu.Action, error) {
	if flags&oAccMode != 0 || flags&(oCreat|oTrunc) != 0 {
		return fail(emu, name, vfs.Errno(vfs.EROFS))
	}
	fd, err := emu.Files().Open(path)
	if err != nil {
		return fail(emu, name, err)
	}
	stubs.Log(emu, "libc", name, path+" -> "+stubs.FormatHex(uint64(fd)))
	return stubs.Return(emu, uint64(fd))
}

func stubOpen(emu *emulator.Emulator) (cpu.Action, error) {
	return openPath(emu, "open", readString(emu, emu.X(0), 1024), emu.X(1))
}

// stubOpenat treats every directory descriptor as the root.
func stubOpenat(emu *emulator.Emulator) (cpu.Action, error) {
	if dirfd := int32(emu.X(0)); dirfd != atFDCWD {
		stubs.Log(emu, "libc", "openat", "dirfd "+stubs.FormatHex(uint64(dirfd))+" treated as /")
	}
	return openPath(emu, "openat", readString(emu, emu.X(1), 1024), emu.X(2))
}

func copyOut(emu *emulator.Emulator, buf uint64, data []byte) (cpu.Action, error) {
	if len(data) > 0 {
		if err := emu.MemWrite(buf, data); err != nil {
			return cpu.Continue, err
		}
	}
	return stubs.Return(emu, uint64(len(data)))
}

func stubRead(emu *emulator.Emulator) (cpu.Action, error) {
	fd, buf, n := int(int32(emu.X(0))), emu.X(1), emu.X(2)
	if n > maxCopy {
		n = maxCopy
	}
	data, err := emu.Files().Read(fd, int(n))
	if err != nil {
		return fail(emu, "read", err)
	}
	return copyOut(emu, buf, data)
}

func stubPread(emu *emulator.Emulator) (cpu.Action, error) {
	fd, buf, n, off := int(int32(emu.X(0))), emu.X(1), emu.X(2), int64(emu.X(3))
	if n > maxCopy {
		n = maxCopy
	}
	data, err := emu.Files().ReadAt(fd, int(n), off)
	if err != nil {
		return fail(emu, "pread", err)
	}
	return copyOut(emu, buf, data)
}

// stubWrite sends stdout and stderr to the call log. Guest files are
// read-only.
func stubWrite(emu *emulator.Emulator) (cpu.Action, error) {
	fd, buf, n := int32(emu.X(0)), emu.X(1), emu.X(2)
	if fd != 1 && fd != 2 {
		return fail(emu, "write", vfs.Errno(vfs.EBADF))
	}
	if n > 0 && n < maxCopy {
		if data, err := emu.MemRead(buf, n); err == nil {
			stubs.Log(emu, "stdout", "write", strings.TrimRight(string(data), "\n"))
		}
	}
	return stubs.Return(emu, n)
}

func stubLseek(emu *emulator.Emulator) (cpu.Action, error) {
	pos, err := emu.Files().Seek(int(int32(emu.X(0))), int64(emu.X(1)), int(emu.X(2)))
	if err != nil {
		return fail(emu, "lseek", err)
	}
	return stubs.Return(emu, uint64(pos))
}

func stubClose(emu *emulator.Emulator) (cpu.Action, error) {
	fd := int(int32(emu.X(0)))
	if fd >= 0 && fd <= 2 {
		return stubs.Return(emu, 0)
	}
	if err := emu.Files().Close(fd); err != nil {
		return fail(emu, "close", err)
	}
	return stubs.Return(emu, 0)
}

// stubAccess grants read and execute on anything that exists.
func stubAccess(emu *emulator.Emulator) (cpu.Action, error) {
	path, mode := readString(emu, emu.X(0), 1024), emu.X(1)
	if _, err := emu.Files().Stat(path); err != nil {
		return fail(emu, "access", err)
	}
	if mode&2 != 0 {
		return fail(emu, "access", vfs.Errno(vfs.EROFS))
	}
	return stubs.Return(emu, 0)
}

func writeStat(emu *emulator.Emulator, dst uint64, info fs.FileInfo) (cpu.Action, error) {
	buf := make([]byte, statSize)
	mode := uint16(info.Mode().Perm())
	if info.IsDir() {
		mode |= sIFDIR
	} else {
		mode |= sIFREG
	}
	le := binary.LittleEndian
	le.PutUint16(buf[statMode:], mode)
	le.PutUint64(buf[statMtime:], uint64(info.ModTime().Unix()))
	le.PutUint64(buf[statSizeOff:], uint64(info.Size()))
	le.PutUint64(buf[statSizeOff+8:], uint64(info.Size()+511)/512)
	le.PutUint32(buf[statBlksize:], 4096)
	if err := emu.MemWrite(dst, buf); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, 0)
}

func stubStat(emu *emulator.Emulator) (cpu.Action, error) {
	info, err := emu.Files().Stat(readString(emu, emu.X(0), 1024))
	if err != nil {
		return fail(emu, "stat", err)
	}
	return writeStat(emu, emu.X(1), info)
}

func stubFstat(emu *emulator.Emulator) (cpu.Action, error) {
	info, err := emu.Files().Fstat(int(int32(emu.X(0))))
	if err != nil {
		return fail(emu, "fstat", err)
	}
	return writeStat(emu, emu.X(1), info)
}

// stubGetcwd reports "/". A NULL buffer is malloc'd for the caller.
func stubGetcwd(emu *emulator.Emulator) (cpu.Action, error) {
	buf, size := emu.X(0), emu.X(1)
	if buf == 0 {
		p, err := emu.AllocString("/")
		if err != nil {
			return cpu.Continue, err
		}
		return stubs.Return(emu, p)
	}
	if size < 2 {
		return fail(emu, "getcwd", vfs.Errno(vfs.EINVAL))
	}
	if err := emu.MemWriteString(buf, "/"); err != nil {
		return cpu.Continue, err
	}
	return stubs.Return(emu, buf)
}

func stubReadOnly(emu *emulator.Emulator) (cpu.Action, error) {
	return fail(emu, "fs", vfs.Errno(vfs.EROFS))
}
