package foundation

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"hash/fnv"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/objc"
)

// Data objects share the string layout: isa, reserved, bytes, length.
const (
	dataBytes  = 0x10
	dataLength = 0x18
	dataSize   = 0x20

	maxDataBytes = 1 << 28
)

func (f *Foundation) installData() error {
	imp := func(fn func(e *emulator.Emulator, self objc.ID) (uint64, error)) objc.HostIMP {
		return func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) { return fn(e, self) }
	}
	construct := func(cls objc.ID, b []byte, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		return f.autoreleased(f.newDataOf(cls, b))
	}
	initWith := func(self objc.ID, b []byte, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		return uint64(self), f.storeData(self, b)
	}

	methods := []method{
		{"data", true, imp(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, nil, nil)
		})},
		{"dataWithBytes:length:", true, imp(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			b, err := f.readBytes(e.X(2), e.X(3))
			return construct(cls, b, err)
		})},
		{"dataWithBytesNoCopy:length:", true, imp(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			b, err := f.readBytes(e.X(2), e.X(3))
			return construct(cls, b, err)
		})},
		{"dataWithData:", true, imp(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			b, err := f.DataBytes(objc.ID(e.X(2)))
			return construct(cls, b, err)
		})},
		{"initWithBytes:length:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.readBytes(e.X(2), e.X(3))
			return initWith(self, b, err)
		})},
		{"initWithData:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.DataBytes(objc.ID(e.X(2)))
			return initWith(self, b, err)
		})},
		{"initWithBase64EncodedString:options:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				f.releaseFailedInit(self)
				return 0, nil
			}
			return initWith(self, b, nil)
		})},
		{"init", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return initWith(self, nil, nil)
		})},
		{"bytes", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			ptr, _, err := f.dataStorage(self)
			return ptr, err
		})},
		{"length", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			_, n, err := f.dataStorage(self)
			return n, err
		})},
		{"getBytes:length:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.DataBytes(self)
			if err != nil {
				return 0, err
			}
			return 0, e.MemWrite(e.X(2), b[:min(uint64(len(b)), e.X(3))])
		})},
		{"isEqualToData:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return boolValue(f.dataEqual(self, objc.ID(e.X(2)))), nil
		})},
		{"isEqual:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return boolValue(f.dataEqual(self, objc.ID(e.X(2)))), nil
		})},
		{"hash", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.DataBytes(self)
			h := fnv.New64a()
			h.Write(b)
			return h.Sum64(), err
		})},
		{"subdataWithRange:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.DataBytes(self)
			if err != nil {
				return 0, err
			}
			loc, n := e.X(2), e.X(3)
			if loc+n > uint64(len(b)) {
				return 0, fmt.Errorf("subdataWithRange: {%d, %d} out of bounds (%d)", loc, n, len(b))
			}
			return f.autoreleased(f.NewData(b[loc : loc+n]))
		})},
		{"base64EncodedStringWithOptions:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.DataBytes(self)
			if err != nil {
				return 0, err
			}
			return f.autoreleased(f.NewString(base64.StdEncoding.EncodeToString(b)))
		})},
		{"copy", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			if f.isA(self, "NSMutableData") {
				b, err := f.DataBytes(self)
				if err != nil {
					return 0, err
				}
				return ret(f.NewData(b))
			}
			return uint64(f.rt.Retain(self)), nil
		})},
		{"mutableCopy", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.DataBytes(self)
			if err != nil {
				return 0, err
			}
			return ret(f.newDataOf(objc.ID(f.classes["NSMutableData"].Addr), b))
		})},
		{"dealloc", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			if ptr, _, err := f.dataStorage(self); err == nil && ptr != 0 {
				if err := f.emu.Free(ptr); err != nil {
					return 0, err
				}
			}
			return 0, f.dispose(self)
		})},
	}
	if err := f.define("NSData", objc.Root, dataSize, methods); err != nil {
		return err
	}

	mutable := []method{
		{"dataWithLength:", true, imp(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, make([]byte, e.X(2)), nil)
		})},
		{"dataWithCapacity:", true, imp(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, nil, nil)
		})},
		{"initWithCapacity:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return initWith(self, nil, nil)
		})},
		{"initWithLength:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return initWith(self, make([]byte, e.X(2)), nil)
		})},
		{"mutableBytes", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			ptr, _, err := f.dataStorage(self)
			return ptr, err
		})},
		{"appendBytes:length:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			tail, err := f.readBytes(e.X(2), e.X(3))
			if err != nil {
				return 0, err
			}
			return 0, f.appendData(self, tail)
		})},
		{"appendData:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			tail, err := f.DataBytes(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			return 0, f.appendData(self, tail)
		})},
		{"setLength:", false, imp(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := f.DataBytes(self)
			if err != nil {
				return 0, err
			}
			n := e.X(2)
			if n > maxDataBytes {
				return 0, fmt.Errorf("setLength: %d too large", n)
			}
			if n <= uint64(len(b)) {
				return 0, f.storeData(self, b[:n])
			}
			return 0, f.storeData(self, append(b, make([]byte, n-uint64(len(b)))...))
		})},
	}
	return f.define("NSMutableData", "NSData", dataSize, mutable)
}

// IsData reports whether obj is an NSData.
func (f *Foundation) IsData(obj objc.ID) bool { return f.isA(obj, "NSData") }

// NewData creates an NSData holding a copy of b.
func (f *Foundation) NewData(b []byte) (objc.ID, error) {
	return f.newDataOf(0, b)
}

func (f *Foundation) newDataOf(cls objc.ID, b []byte) (objc.ID, error) {
	obj, err := f.allocFor(cls, "NSData")
	if err != nil {
		return 0, err
	}
	if err := f.storeData(obj, b); err != nil {
		f.rt.Dispose(obj)
		return 0, err
	}
	return obj, nil
}

// storeData replaces obj's buffer with a copy of b. Empty data keeps a
// null pointer.
func (f *Foundation) storeData(obj objc.ID, b []byte) error {
	old, _ := f.emu.MemReadU64(uint64(obj) + dataBytes)
	var buf uint64
	if len(b) > 0 {
		var err error
		if buf, err = f.emu.AllocBytes(b); err != nil {
			return err
		}
	}
	if err := f.emu.MemWriteU64(uint64(obj)+dataBytes, buf); err != nil {
		return err
	}
	if err := f.emu.MemWriteU64(uint64(obj)+dataLength, uint64(len(b))); err != nil {
		return err
	}
	if old != 0 {
		return f.emu.Free(old)
	}
	return nil
}

func (f *Foundation) appendData(obj objc.ID, tail []byte) error {
	b, err := f.DataBytes(obj)
	if err != nil {
		return err
	}
	return f.storeData(obj, append(b, tail...))
}

func (f *Foundation) dataStorage(obj objc.ID) (ptr, n uint64, err error) {
	if !f.IsData(obj) {
		return 0, 0, fmt.Errorf("0x%x: %w", uint64(obj), ErrNotObject)
	}
	if ptr, err = f.emu.MemReadU64(uint64(obj) + dataBytes); err != nil {
		return 0, 0, err
	}
	if n, err = f.emu.MemReadU64(uint64(obj) + dataLength); err != nil {
		return 0, 0, err
	}
	if n > maxDataBytes {
		return 0, 0, fmt.Errorf("data 0x%x: implausible length %d", uint64(obj), n)
	}
	return ptr, n, nil
}

// DataBytes returns a copy of obj's contents.
func (f *Foundation) DataBytes(obj objc.ID) ([]byte, error) {
	ptr, n, err := f.dataStorage(obj)
	if err != nil || n == 0 {
		return nil, err
	}
	return f.emu.MemRead(ptr, n)
}

func (f *Foundation) readBytes(ptr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > maxDataBytes {
		return nil, fmt.Errorf("%d bytes: too large", n)
	}
	return f.emu.MemRead(ptr, n)
}

func (f *Foundation) dataEqual(a, b objc.ID) bool {
	if a == b {
		return true
	}
	if !f.IsData(b) {
		return false
	}
	x, err1 := f.DataBytes(a)
	y, err2 := f.DataBytes(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}
