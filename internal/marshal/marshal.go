// Package marshal converts host values to guest objects and back. Strings
// become NSString, byte slices NSData, maps NSDictionary and slices NSArray;
// scalars travel in registers.
package marshal

import (
	"errors"
	"fmt"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/foundation"
	"github.com/zboralski/tarsier/internal/objc"
	"github.com/zboralski/tarsier/internal/textenc"
)

// Encoding is an NSStringEncoding value.
type Encoding = textenc.Encoding

// DecodeError reports bytes that are invalid in the requested encoding.
type DecodeError = textenc.DecodeError

const (
	ASCII         = textenc.ASCII
	NEXTSTEP      = textenc.NEXTSTEP
	JapaneseEUC   = textenc.JapaneseEUC
	UTF8          = textenc.UTF8
	ISOLatin1     = textenc.ISOLatin1
	NonLossyASCII = textenc.NonLossyASCII
	ShiftJIS      = textenc.ShiftJIS
	ISOLatin2     = textenc.ISOLatin2
	Unicode       = textenc.Unicode
	WindowsCP1251 = textenc.WindowsCP1251
	WindowsCP1252 = textenc.WindowsCP1252
	WindowsCP1253 = textenc.WindowsCP1253
	WindowsCP1254 = textenc.WindowsCP1254
	WindowsCP1250 = textenc.WindowsCP1250
	ISO2022JP     = textenc.ISO2022JP
	MacOSRoman    = textenc.MacOSRoman
	UTF16         = textenc.UTF16
	UTF16BE       = textenc.UTF16BE
	UTF16LE       = textenc.UTF16LE
	UTF32         = textenc.UTF32
	UTF32BE       = textenc.UTF32BE
	UTF32LE       = textenc.UTF32LE
)

// ParseEncoding accepts an encoding name or number.
func ParseEncoding(s string) (Encoding, error) { return textenc.Parse(s) }

// maxDepth bounds object graphs walked by ToHost.
const maxDepth = 64

// maxCString bounds NUL-terminated reads.
const maxCString = 1 << 20

var ErrTooDeep = errors.New("object graph too deep")

// Marshaler converts values for one session.
type Marshaler struct {
	f  *foundation.Foundation
	rt *objc.Runtime

	// Encoding is used for the bytes of strings created by ToEmulated.
	Encoding Encoding
}

// New creates a marshaler writing UTF-8 strings.
func New(f *foundation.Foundation) *Marshaler {
	return &Marshaler{f: f, rt: f.Runtime(), Encoding: UTF8}
}

// ToEmulated converts v to what the guest receives in an integer register:
// the value itself for Int and Bool, the IEEE bits for Float, and an object
// reference for everything else. Objects are autoreleased when a pool is
// open; otherwise the caller owns the single reference.
func (m *Marshaler) ToEmulated(v Value) (uint64, error) {
	switch v.kind {
	case KindNil:
		return 0, nil
	case KindInt, KindBool, KindFloat, KindObject:
		return v.num, nil
	}
	obj, err := m.Object(v)
	return uint64(obj), err
}

// Object is ToEmulated for a value that must arrive as an object: numbers
// and booleans become NSNumber and nil becomes NSNull.
func (m *Marshaler) Object(v Value) (objc.ID, error) {
	obj, err := m.object(v, 0)
	if err != nil {
		return 0, err
	}
	if m.rt.Pool().Depth() > 0 {
		m.rt.Autorelease(obj)
	}
	return obj, nil
}

// object builds a guest object for v and returns it with one reference the
// caller owns. Existing objects are retained.
func (m *Marshaler) object(v Value, depth int) (objc.ID, error) {
	if depth > maxDepth {
		return 0, ErrTooDeep
	}
	switch v.kind {
	case KindNil:
		null, err := m.rt.MsgSend("NSNull", "null")
		return m.rt.Retain(null), err
	case KindObject:
		return m.rt.Retain(v.Object()), nil
	case KindInt:
		return m.f.NewNumber(foundation.IntNumber(v.Int()))
	case KindFloat:
		return m.f.NewNumber(foundation.FloatNumber(v.Float()))
	case KindBool:
		return m.f.NewNumber(foundation.BoolNumber(v.Bool()))
	case KindString:
		return m.f.NewStringEncoding(v.str, m.Encoding)
	case KindBytes:
		return m.f.NewData(v.raw)
	case KindArray:
		items, err := m.objects(v.arr, depth)
		if err != nil {
			return 0, err
		}
		defer m.release(items)
		return m.f.NewArray(items)
	case KindMap:
		keys := v.Keys()
		values := make([]Value, len(keys))
		names := make([]Value, len(keys))
		for i, k := range keys {
			names[i], values[i] = String(k), v.m[k]
		}
		keyObjs, err := m.objects(names, depth)
		if err != nil {
			return 0, err
		}
		defer m.release(keyObjs)
		valueObjs, err := m.objects(values, depth)
		if err != nil {
			return 0, err
		}
		defer m.release(valueObjs)
		return m.f.NewDictionary(keyObjs, valueObjs)
	}
	return 0, fmt.Errorf("cannot marshal %s", v.kind)
}

func (m *Marshaler) objects(vs []Value, depth int) ([]objc.ID, error) {
	out := make([]objc.ID, 0, len(vs))
	for i, e := range vs {
		obj, err := m.object(e, depth+1)
		if err != nil {
			m.release(out)
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, obj)
	}
	return out, nil
}

func (m *Marshaler) release(objs []objc.ID) {
	for _, obj := range objs {
		m.rt.Release(uint64(obj))
	}
}

// FromEmulated reads a string. NSString and NSData objects are decoded from
// their stored bytes; any other reference is read as a NUL-terminated
// sequence whose terminator is one code unit of enc wide.
func (m *Marshaler) FromEmulated(ref uint64, enc Encoding) (string, error) {
	if ref == 0 {
		return "", fmt.Errorf("read string: nil reference")
	}
	obj := objc.ID(ref)
	switch {
	case m.f.IsString(obj):
		b, stored, err := m.f.StringBytes(obj)
		if err != nil {
			return "", err
		}
		s, err := stored.Decode(b)
		if err != nil && enc != stored {
			if alt, altErr := enc.Decode(b); altErr == nil {
				return alt, nil
			}
		}
		return s, err
	case m.f.IsData(obj):
		b, err := m.f.DataBytes(obj)
		if err != nil {
			return "", err
		}
		return enc.Decode(b)
	}
	b, err := readTerminated(m.rt.Emulator(), ref, enc.Unit())
	if err != nil {
		return "", err
	}
	return enc.Decode(b)
}

func readTerminated(emu *emulator.Emulator, addr uint64, unit int) ([]byte, error) {
	var out []byte
	const chunk = 256
	for len(out) < maxCString {
		buf, err := emu.MemRead(addr+uint64(len(out)), chunk)
		if err != nil {
			// the string may end right before an unmapped page
			if buf, err = emu.MemRead(addr+uint64(len(out)), uint64(unit)); err != nil {
				return nil, fmt.Errorf("read string at 0x%x: %w", addr, err)
			}
		}
		for i := 0; i+unit <= len(buf); i += unit {
			zero := true
			for _, c := range buf[i : i+unit] {
				zero = zero && c == 0
			}
			if zero {
				return append(out, buf[:i]...), nil
			}
		}
		out = append(out, buf[:len(buf)-len(buf)%unit]...)
	}
	return nil, fmt.Errorf("read string at 0x%x: no terminator within %d bytes", addr, maxCString)
}

// ToHost converts an object graph back into a Value. Objects of other
// classes come back as Object values.
func (m *Marshaler) ToHost(ref objc.ID) (Value, error) {
	return m.toHost(ref, 0)
}

func (m *Marshaler) toHost(obj objc.ID, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, ErrTooDeep
	}
	f := m.f
	switch {
	case obj == 0:
		return Value{}, nil
	case f.IsString(obj):
		s, err := f.StringValue(obj)
		return String(s), err
	case f.IsData(obj):
		b, err := f.DataBytes(obj)
		return Value{kind: KindBytes, raw: b}, err
	case f.IsNumber(obj):
		n, err := f.NumberValue(obj)
		if err != nil {
			return Value{}, err
		}
		switch n.Kind {
		case foundation.NumberFloat:
			return Float(n.Float()), nil
		case foundation.NumberBool:
			return Bool(n.Bool()), nil
		}
		return Int(n.Int()), nil
	case f.IsArray(obj):
		items, err := f.ArrayItems(obj)
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, len(items))
		for i, it := range items {
			if arr[i], err = m.toHost(it, depth+1); err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
		}
		return Array(arr...), nil
	case f.IsDictionary(obj):
		keys, values, err := f.DictionaryEntries(obj)
		if err != nil {
			return Value{}, err
		}
		out := make(map[string]Value, len(keys))
		for i := range keys {
			k, err := m.toHost(keys[i], depth+1)
			if err != nil {
				return Value{}, err
			}
			if out[k.String()], err = m.toHost(values[i], depth+1); err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k.String(), err)
			}
		}
		return Map(out), nil
	case m.rt.IsKindOf(obj, "NSNull"):
		return Value{}, nil
	}
	return Object(obj), nil
}

// Convert implements objc.ArgConverter: Go strings, byte slices, maps,
// slices and Values become objects, everything else is passed as a scalar.
func (m *Marshaler) Convert(rt *objc.Runtime, v any) (emulator.Arg, error) {
	if arg, err := objc.ScalarArg(v); err == nil {
		return arg, nil
	}
	val, err := ValueOf(v)
	if err != nil {
		return emulator.Arg{}, err
	}
	if val.kind == KindFloat {
		return emulator.Double(val.Float()), nil
	}
	bits, err := m.ToEmulated(val)
	if err != nil {
		return emulator.Arg{}, err
	}
	return emulator.Int(bits), nil
}
