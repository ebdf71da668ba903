package foundation

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/objc"
	"github.com/zboralski/tarsier/internal/stubs/libc"
	"github.com/zboralski/tarsier/internal/textenc"
)

// ConstantStringClass is the class of string literals compiled into images.
const ConstantStringClass = "__NSCFConstantString"

// String objects: isa, info, bytes, length. For literals info holds the CF
// flags; strings built here set hostString and keep the encoding in the
// low 32 bits. Length counts bytes, except for UTF-16 literals where it
// counts code units.
const (
	strInfo    = 0x08
	strBytes   = 0x10
	strLength  = 0x18
	stringSize = 0x20

	hostString    = 1 << 63
	cfUnicodeFlag = 0x10

	maxStringBytes = 1 << 24
)

// NotFound is NSNotFound.
const NotFound = math.MaxInt64

func (f *Foundation) installString() error {
	str := func(fn func(e *emulator.Emulator, self objc.ID) (uint64, error)) objc.HostIMP {
		return func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) { return fn(e, self) }
	}
	methods := []method{
		{"string", true, str(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.autoreleased(f.newStringOf(cls, nil, textenc.UTF8))
		})},
		{"stringWithUTF8String:", true, str(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.constructString(cls, textOf(f.cString(e.X(2), textenc.UTF8)))
		})},
		{"stringWithCString:encoding:", true, str(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.constructString(cls, textOf(f.cString(e.X(2), textenc.Encoding(e.X(3)))))
		})},
		{"stringWithCString:", true, str(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.constructString(cls, textOf(f.cString(e.X(2), textenc.UTF8)))
		})},
		{"stringWithString:", true, str(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.constructString(cls, textOf(f.StringValue(objc.ID(e.X(2)))))
		})},
		{"stringWithFormat:", true, str(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.constructString(cls, textOf(f.format(e, objc.ID(e.X(2)), e.SP())))
		})},
		{"stringWithCharacters:length:", true, str(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.constructString(cls, textOf(f.characters(e.X(2), e.X(3))))
		})},

		{"initWithUTF8String:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.initString(self, textOf(f.cString(e.X(2), textenc.UTF8)))
		})},
		{"initWithCString:encoding:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.initString(self, textOf(f.cString(e.X(2), textenc.Encoding(e.X(3)))))
		})},
		{"initWithString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.initString(self, textOf(f.StringValue(objc.ID(e.X(2)))))
		})},
		{"initWithFormat:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.initString(self, textOf(f.format(e, objc.ID(e.X(2)), e.SP())))
		})},
		{"initWithCharacters:length:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.initString(self, textOf(f.characters(e.X(2), e.X(3))))
		})},
		{"initWithBytes:length:encoding:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.initBytes(self, e.X(2), e.X(3), textenc.Encoding(e.X(4)))
		})},
		{"initWithData:encoding:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			data := objc.ID(e.X(2))
			ptr, n, err := f.dataStorage(data)
			if err != nil {
				f.releaseFailedInit(self)
				return 0, nil
			}
			return f.initBytes(self, ptr, n, textenc.Encoding(e.X(3)))
		})},
		{"init", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.initString(self, text{})
		})},

		{"UTF8String", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.CString(self, textenc.UTF8)
		})},
		{"cStringUsingEncoding:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.CString(self, textenc.Encoding(e.X(2)))
		})},
		{"getCString:maxLength:encoding:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			if err != nil {
				return 0, err
			}
			b, err := textenc.Encoding(e.X(4)).EncodeC(s)
			if err != nil || uint64(len(b)) > e.X(3) {
				return 0, nil
			}
			return 1, e.MemWrite(e.X(2), b)
		})},
		{"length", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			return uint64(len(utf16.Encode([]rune(s)))), err
		})},
		{"lengthOfBytesUsingEncoding:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			if err != nil {
				return 0, err
			}
			b, err := textenc.Encoding(e.X(2)).Encode(s)
			if err != nil {
				return 0, nil
			}
			return uint64(len(b)), nil
		})},
		{"dataUsingEncoding:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			if err != nil {
				return 0, err
			}
			b, err := textenc.Encoding(e.X(2)).Encode(s)
			if err != nil {
				return 0, nil
			}
			return f.autoreleased(f.NewData(b))
		})},
		{"characterAtIndex:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			u, err := f.units(self)
			if err != nil {
				return 0, err
			}
			if e.X(2) >= uint64(len(u)) {
				return 0, fmt.Errorf("characterAtIndex: %d out of bounds (%d)", e.X(2), len(u))
			}
			return uint64(u[e.X(2)]), nil
		})},
		{"isEqualToString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return boolValue(f.stringsEqual(self, objc.ID(e.X(2)))), nil
		})},
		{"isEqual:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return boolValue(f.stringsEqual(self, objc.ID(e.X(2)))), nil
		})},
		{"hash", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			h := fnv.New64a()
			h.Write([]byte(s))
			return h.Sum64(), err
		})},
		{"description", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return uint64(self), nil
		})},
		{"copy", false, str(f.imCopyString)},
		{"copyWithZone:", false, str(f.imCopyString)},
		{"mutableCopy", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			if err != nil {
				return 0, err
			}
			return ret(f.NewMutableString(s))
		})},
		{"stringByAppendingString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.derive(self, func(s string) (string, error) {
				tail, err := f.StringValue(objc.ID(e.X(2)))
				return s + tail, err
			})
		})},
		{"stringByAppendingFormat:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.derive(self, func(s string) (string, error) {
				tail, err := f.format(e, objc.ID(e.X(2)), e.SP())
				return s + tail, err
			})
		})},
		{"stringByReplacingOccurrencesOfString:withString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.derive(self, func(s string) (string, error) {
				old, err := f.StringValue(objc.ID(e.X(2)))
				if err != nil {
					return "", err
				}
				repl, err := f.StringValue(objc.ID(e.X(3)))
				return strings.ReplaceAll(s, old, repl), err
			})
		})},
		{"lowercaseString", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.derive(self, func(s string) (string, error) { return strings.ToLower(s), nil })
		})},
		{"uppercaseString", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.derive(self, func(s string) (string, error) { return strings.ToUpper(s), nil })
		})},
		{"substringFromIndex:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.substring(self, e.X(2), NotFound)
		})},
		{"substringToIndex:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.substring(self, 0, e.X(2))
		})},
		// NSRange arrives in X2 (location) and X3 (length)
		{"substringWithRange:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.substring(self, e.X(2), e.X(2)+e.X(3))
		})},
		{"rangeOfString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			loc, n, err := f.rangeOf(self, objc.ID(e.X(2)))
			e.SetX(1, n)
			return loc, err
		})},
		{"hasPrefix:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.compareWith(self, objc.ID(e.X(2)), strings.HasPrefix)
		})},
		{"hasSuffix:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.compareWith(self, objc.ID(e.X(2)), strings.HasSuffix)
		})},
		{"containsString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.compareWith(self, objc.ID(e.X(2)), strings.Contains)
		})},
		{"componentsSeparatedByString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			if err != nil {
				return 0, err
			}
			sep, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			var items []objc.ID
			for _, part := range strings.Split(s, sep) {
				item, err := f.NewString(part)
				if err != nil {
					return 0, err
				}
				items = append(items, item)
			}
			arr, err := f.NewArray(items)
			for _, item := range items {
				f.rt.Release(uint64(item))
			}
			return f.autoreleased(arr, err)
		})},
		{"intValue", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			n := f.parseInt(self)
			return uint64(uint32(int32(n))), nil
		})},
		{"integerValue", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return uint64(f.parseInt(self)), nil
		})},
		{"longLongValue", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return uint64(f.parseInt(self)), nil
		})},
		{"boolValue", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, _ := f.StringValue(self)
			s = strings.TrimLeft(strings.TrimSpace(s), "+-0")
			return boolValue(s != "" && strings.ContainsAny(s[:1], "123456789YyTt")), nil
		})},
		{"doubleValue", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			e.SetD(0, f.parseFloat(self))
			return 0, nil
		})},
		{"floatValue", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			setFloat32(e, float32(f.parseFloat(self)))
			return 0, nil
		})},
		{"dealloc", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, f.freeString(self)
		})},
	}
	if err := f.define("NSString", objc.Root, stringSize, methods); err != nil {
		return err
	}

	mutable := []method{
		{"appendString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			tail, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			return 0, f.mutate(self, func(s string) string { return s + tail })
		})},
		{"appendFormat:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			tail, err := f.format(e, objc.ID(e.X(2)), e.SP())
			if err != nil {
				return 0, err
			}
			return 0, f.mutate(self, func(s string) string { return s + tail })
		})},
		{"setString:", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			return 0, f.mutate(self, func(string) string { return s })
		})},
		{"copy", false, str(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(self)
			if err != nil {
				return 0, err
			}
			return ret(f.NewString(s))
		})},
	}
	if err := f.define("NSMutableString", "NSString", stringSize, mutable); err != nil {
		return err
	}
	if err := f.define("__NSCFString", "NSMutableString", stringSize, nil); err != nil {
		return err
	}
	return f.define(ConstantStringClass, "__NSCFString", stringSize, []method{
		{"copy", false, str(f.imCopyString)},
	})
}

func setFloat32(e *emulator.Emulator, v float32) {
	e.Backend().VecWrite(0, cpu.Vec{Lo: uint64(math.Float32bits(v))})
}

// IsString reports whether obj is an NSString.
func (f *Foundation) IsString(obj objc.ID) bool { return f.isA(obj, "NSString") }

// NewString creates a UTF-8 NSString with a retain count of one.
func (f *Foundation) NewString(s string) (objc.ID, error) {
	return f.NewStringEncoding(s, textenc.UTF8)
}

// NewStringEncoding stores s in enc.
func (f *Foundation) NewStringEncoding(s string, enc textenc.Encoding) (objc.ID, error) {
	return f.newStringOf(0, &s, enc)
}

// NewMutableString creates an NSMutableString.
func (f *Foundation) NewMutableString(s string) (objc.ID, error) {
	c := f.classes["NSMutableString"]
	return f.newStringOf(objc.ID(c.Addr), &s, textenc.UTF8)
}

func (f *Foundation) newStringOf(cls objc.ID, s *string, enc textenc.Encoding) (objc.ID, error) {
	obj, err := f.allocFor(cls, "NSString")
	if err != nil {
		return 0, err
	}
	var text string
	if s != nil {
		text = *s
	}
	if err := f.storeString(obj, text, enc); err != nil {
		f.rt.Dispose(obj)
		return 0, err
	}
	return obj, nil
}

// storeString replaces obj's bytes with s encoded in enc.
func (f *Foundation) storeString(obj objc.ID, s string, enc textenc.Encoding) error {
	b, err := enc.EncodeC(s)
	if err != nil {
		return err
	}
	buf, err := f.emu.AllocBytes(b)
	if err != nil {
		return err
	}
	return f.setStorage(obj, hostString|uint64(uint32(enc)), buf, uint64(len(b)-enc.Unit()))
}

func (f *Foundation) setStorage(obj objc.ID, info, buf, n uint64) error {
	old, _ := f.emu.MemReadU64(uint64(obj) + strBytes)
	oldInfo, _ := f.emu.MemReadU64(uint64(obj) + strInfo)
	for _, w := range [][2]uint64{{strInfo, info}, {strBytes, buf}, {strLength, n}} {
		if err := f.emu.MemWriteU64(uint64(obj)+w[0], w[1]); err != nil {
			return err
		}
	}
	if old != 0 && oldInfo&hostString != 0 {
		return f.emu.Free(old)
	}
	return nil
}

// stringStorage returns where obj's bytes are and how they are encoded.
func (f *Foundation) stringStorage(obj objc.ID) (ptr, n uint64, enc textenc.Encoding, err error) {
	if !f.IsString(obj) {
		return 0, 0, 0, fmt.Errorf("0x%x: %w", uint64(obj), ErrNotObject)
	}
	info, err := f.emu.MemReadU64(uint64(obj) + strInfo)
	if err != nil {
		return 0, 0, 0, err
	}
	if ptr, err = f.emu.MemReadU64(uint64(obj) + strBytes); err != nil {
		return 0, 0, 0, err
	}
	if n, err = f.emu.MemReadU64(uint64(obj) + strLength); err != nil {
		return 0, 0, 0, err
	}
	switch {
	case info&hostString != 0:
		enc = textenc.Encoding(uint32(info))
	case info&cfUnicodeFlag != 0:
		enc, n = textenc.UTF16LE, n*2
	default:
		enc = textenc.UTF8
	}
	if n > maxStringBytes {
		return 0, 0, 0, fmt.Errorf("string 0x%x: implausible length %d", uint64(obj), n)
	}
	return ptr, n, enc, nil
}

// StringBytes returns obj's stored bytes and their encoding.
func (f *Foundation) StringBytes(obj objc.ID) ([]byte, textenc.Encoding, error) {
	ptr, n, enc, err := f.stringStorage(obj)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, enc, nil
	}
	b, err := f.emu.MemRead(ptr, n)
	return b, enc, err
}

// StringValue decodes obj.
func (f *Foundation) StringValue(obj objc.ID) (string, error) {
	b, enc, err := f.StringBytes(obj)
	if err != nil {
		return "", err
	}
	return enc.Decode(b)
}

// CString returns a NUL-terminated buffer of obj in enc. The buffer lives
// as long as obj. Strings that cannot be represented yield 0.
func (f *Foundation) CString(obj objc.ID, enc textenc.Encoding) (uint64, error) {
	ptr, _, stored, err := f.stringStorage(obj)
	if err != nil {
		return 0, err
	}
	if stored == enc && ptr != 0 {
		return ptr, nil
	}
	s, err := f.StringValue(obj)
	if err != nil {
		return 0, err
	}
	b, err := enc.EncodeC(s)
	if err != nil {
		return 0, nil
	}
	buf, err := f.emu.AllocBytes(b)
	if err != nil {
		return 0, err
	}
	if _, tracked := f.rt.RetainCount(obj); tracked {
		f.cstrings[obj] = append(f.cstrings[obj], buf)
	}
	return buf, nil
}

func (f *Foundation) freeString(obj objc.ID) error {
	info, _ := f.emu.MemReadU64(uint64(obj) + strInfo)
	if ptr, _ := f.emu.MemReadU64(uint64(obj) + strBytes); ptr != 0 && info&hostString != 0 {
		if err := f.emu.Free(ptr); err != nil {
			return err
		}
	}
	return f.dispose(obj)
}

func (f *Foundation) cString(addr uint64, enc textenc.Encoding) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("NULL C string")
	}
	unit := enc.Unit()
	var b []byte
	for off := uint64(0); off < maxStringBytes; off += uint64(unit) {
		chunk, err := f.emu.MemRead(addr+off, uint64(unit))
		if err != nil {
			return "", err
		}
		zero := true
		for _, c := range chunk {
			zero = zero && c == 0
		}
		if zero {
			break
		}
		b = append(b, chunk...)
	}
	return enc.Decode(b)
}

func (f *Foundation) characters(addr, n uint64) (string, error) {
	b, err := f.emu.MemRead(addr, 2*n)
	if err != nil {
		return "", err
	}
	return textenc.UTF16LE.Decode(b)
}

func (f *Foundation) format(e *emulator.Emulator, fmtObj objc.ID, args uint64) (string, error) {
	format, err := f.StringValue(fmtObj)
	if err != nil {
		return "", err
	}
	return libc.Format(e, format, args), nil
}

// text is a decoded argument or the reason it could not be decoded.
type text struct {
	s   string
	err error
}

func textOf(s string, err error) text { return text{s, err} }

// constructString backs the +stringWith... constructors; invalid input
// yields nil.
func (f *Foundation) constructString(cls objc.ID, t text) (uint64, error) {
	if t.err != nil {
		return 0, nil
	}
	return f.autoreleased(f.newStringOf(cls, &t.s, textenc.UTF8))
}

// initString backs the -initWith... family. Failure releases the receiver
// and returns nil, as Foundation does.
func (f *Foundation) initString(self objc.ID, t text) (uint64, error) {
	if t.err != nil {
		f.releaseFailedInit(self)
		return 0, nil
	}
	if err := f.storeString(self, t.s, textenc.UTF8); err != nil {
		return 0, err
	}
	return uint64(self), nil
}

func (f *Foundation) initBytes(self objc.ID, ptr, n uint64, enc textenc.Encoding) (uint64, error) {
	var b []byte
	if n > 0 {
		var err error
		if b, err = f.emu.MemRead(ptr, n); err != nil {
			return 0, err
		}
	}
	s, err := enc.Decode(b)
	if err != nil {
		f.releaseFailedInit(self)
		return 0, nil
	}
	if err := f.storeString(self, s, enc); err != nil {
		return 0, err
	}
	return uint64(self), nil
}

func (f *Foundation) releaseFailedInit(self objc.ID) {
	if err := f.rt.Release(uint64(self)); err != nil {
		f.rt.Dispose(self)
	}
}

func (f *Foundation) imCopyString(e *emulator.Emulator, self objc.ID) (uint64, error) {
	return uint64(f.rt.Retain(self)), nil
}

func (f *Foundation) derive(self objc.ID, fn func(string) (string, error)) (uint64, error) {
	s, err := f.StringValue(self)
	if err != nil {
		return 0, err
	}
	out, err := fn(s)
	if err != nil {
		return 0, err
	}
	return f.autoreleased(f.NewString(out))
}

func (f *Foundation) mutate(self objc.ID, fn func(string) string) error {
	s, err := f.StringValue(self)
	if err != nil {
		return err
	}
	return f.storeString(self, fn(s), textenc.UTF8)
}

func (f *Foundation) units(obj objc.ID) ([]uint16, error) {
	s, err := f.StringValue(obj)
	if err != nil {
		return nil, err
	}
	return utf16.Encode([]rune(s)), nil
}

// substring takes UTF-16 code units [from, to).
func (f *Foundation) substring(self objc.ID, from, to uint64) (uint64, error) {
	u, err := f.units(self)
	if err != nil {
		return 0, err
	}
	n := uint64(len(u))
	to = min(to, n)
	if from > to {
		return 0, fmt.Errorf("substring [%d, %d) out of bounds (%d)", from, to, n)
	}
	return f.autoreleased(f.NewString(string(utf16.Decode(u[from:to]))))
}

func (f *Foundation) rangeOf(self, needle objc.ID) (loc, n uint64, err error) {
	s, err := f.StringValue(self)
	if err != nil {
		return NotFound, 0, err
	}
	sub, err := f.StringValue(needle)
	if err != nil {
		return NotFound, 0, err
	}
	i := strings.Index(s, sub)
	if i < 0 || sub == "" {
		return NotFound, 0, nil
	}
	loc = uint64(len(utf16.Encode([]rune(s[:i]))))
	return loc, uint64(len(utf16.Encode([]rune(sub)))), nil
}

func (f *Foundation) compareWith(self, other objc.ID, fn func(s, sub string) bool) (uint64, error) {
	s, err := f.StringValue(self)
	if err != nil {
		return 0, err
	}
	sub, err := f.StringValue(other)
	if err != nil {
		return 0, nil
	}
	return boolValue(fn(s, sub)), nil
}

func (f *Foundation) stringsEqual(a, b objc.ID) bool {
	if a == b {
		return true
	}
	if !f.IsString(b) {
		return false
	}
	sa, err1 := f.StringValue(a)
	sb, err2 := f.StringValue(b)
	return err1 == nil && err2 == nil && sa == sb
}

// parseInt reads a leading integer the way -integerValue does.
func (f *Foundation) parseInt(obj objc.ID) int64 {
	s, _ := f.StringValue(obj)
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
		end++
	}
	n, _ := strconv.ParseInt(s[:end], 10, 64)
	return n
}

func (f *Foundation) parseFloat(obj objc.ID) float64 {
	s, _ := f.StringValue(obj)
	s = strings.TrimSpace(s)
	for end := len(s); end > 0; end-- {
		if v, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return v
		}
	}
	return 0
}
