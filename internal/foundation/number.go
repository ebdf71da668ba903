package foundation

import (
	"fmt"
	"math"
	"strconv"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/objc"
)

// NumberKind is the scalar type an NSNumber was created from.
type NumberKind uint64

const (
	NumberInt NumberKind = iota + 1
	NumberUnsigned
	NumberFloat
	NumberBool
)

// Number objects: isa, kind, bits.
const (
	numKind    = 0x08
	numBits    = 0x10
	numberSize = 0x18
)

// Number is the value an NSNumber holds.
type Number struct {
	Kind NumberKind
	Bits uint64
}

func IntNumber(v int64) Number     { return Number{NumberInt, uint64(v)} }
func UintNumber(v uint64) Number   { return Number{NumberUnsigned, v} }
func FloatNumber(v float64) Number { return Number{NumberFloat, math.Float64bits(v)} }
func BoolNumber(v bool) Number     { return Number{NumberBool, boolValue(v)} }

// Int converts n the way -longLongValue does.
func (n Number) Int() int64 {
	if n.Kind == NumberFloat {
		return int64(n.Float())
	}
	return int64(n.Bits)
}

// Float converts n the way -doubleValue does.
func (n Number) Float() float64 {
	switch n.Kind {
	case NumberFloat:
		return math.Float64frombits(n.Bits)
	case NumberUnsigned:
		return float64(n.Bits)
	}
	return float64(int64(n.Bits))
}

func (n Number) Bool() bool {
	if n.Kind == NumberFloat {
		return n.Float() != 0
	}
	return n.Bits != 0
}

func (n Number) String() string {
	switch n.Kind {
	case NumberFloat:
		return strconv.FormatFloat(n.Float(), 'g', -1, 64)
	case NumberUnsigned:
		return strconv.FormatUint(n.Bits, 10)
	}
	return strconv.FormatInt(int64(n.Bits), 10)
}

// Equal compares numerically, as -isEqualToNumber: does.
func (n Number) Equal(o Number) bool {
	if n.Kind == NumberFloat || o.Kind == NumberFloat {
		return n.Float() == o.Float()
	}
	return n.Bits == o.Bits
}

func (n Number) compare(o Number) int {
	a, b := n.Float(), o.Float()
	if n.Kind != NumberFloat && o.Kind != NumberFloat {
		switch x, y := n.Int(), o.Int(); {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (f *Foundation) installNumber() error {
	construct := func(fn func(e *emulator.Emulator) Number) objc.HostIMP {
		return func(e *emulator.Emulator, cls objc.ID, _ objc.SEL) (uint64, error) {
			return f.autoreleased(f.newNumberOf(cls, fn(e)))
		}
	}
	initWith := func(fn func(e *emulator.Emulator) Number) objc.HostIMP {
		return func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) {
			return uint64(self), f.storeNumber(self, fn(e))
		}
	}
	value := func(fn func(e *emulator.Emulator, n Number) uint64) objc.HostIMP {
		return func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) {
			n, err := f.NumberValue(self)
			if err != nil {
				return 0, err
			}
			return fn(e, n), nil
		}
	}
	signed := func(bits int) func(e *emulator.Emulator) Number {
		return func(e *emulator.Emulator) Number {
			shift := 64 - bits
			return IntNumber(int64(e.X(2)<<shift) >> shift)
		}
	}
	unsigned := func(bits int) func(e *emulator.Emulator) Number {
		return func(e *emulator.Emulator) Number {
			shift := 64 - bits
			return UintNumber(e.X(2) << shift >> shift)
		}
	}
	double := func(e *emulator.Emulator) Number { return FloatNumber(e.D(0)) }
	float := func(e *emulator.Emulator) Number {
		return FloatNumber(float64(math.Float32frombits(uint32(e.Backend().VecRead(0).Lo))))
	}
	boolean := func(e *emulator.Emulator) Number { return BoolNumber(e.X(2)&0xff != 0) }

	var methods []method
	for _, ctor := range []struct {
		name string
		fn   func(e *emulator.Emulator) Number
	}{
		{"Char", signed(8)},
		{"Short", signed(16)},
		{"Int", signed(32)},
		{"Integer", signed(64)},
		{"Long", signed(64)},
		{"LongLong", signed(64)},
		{"UnsignedChar", unsigned(8)},
		{"UnsignedShort", unsigned(16)},
		{"UnsignedInt", unsigned(32)},
		{"UnsignedInteger", unsigned(64)},
		{"UnsignedLong", unsigned(64)},
		{"UnsignedLongLong", unsigned(64)},
		{"Double", double},
		{"Float", float},
		{"Bool", boolean},
	} {
		methods = append(methods,
			method{"numberWith" + ctor.name + ":", true, construct(ctor.fn)},
			method{"initWith" + ctor.name + ":", false, initWith(ctor.fn)},
		)
	}
	methods = append(methods,
		method{"charValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(uint8(n.Int())) })},
		method{"intValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(uint32(n.Int())) })},
		method{"unsignedIntValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(uint32(n.Int())) })},
		method{"integerValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(n.Int()) })},
		method{"longValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(n.Int()) })},
		method{"longLongValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(n.Int()) })},
		method{"unsignedIntegerValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(n.Int()) })},
		method{"unsignedLongLongValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return uint64(n.Int()) })},
		method{"boolValue", false, value(func(_ *emulator.Emulator, n Number) uint64 { return boolValue(n.Bool()) })},
		method{"doubleValue", false, value(func(e *emulator.Emulator, n Number) uint64 {
			e.SetD(0, n.Float())
			return 0
		})},
		method{"floatValue", false, value(func(e *emulator.Emulator, n Number) uint64 {
			setFloat32(e, float32(n.Float()))
			return 0
		})},
		method{"stringValue", false, func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) {
			n, err := f.NumberValue(self)
			if err != nil {
				return 0, err
			}
			return f.autoreleased(f.NewString(n.String()))
		}},
		method{"description", false, f.imDescription},
		method{"isEqualToNumber:", false, f.imNumberEqual},
		method{"isEqual:", false, f.imNumberEqual},
		method{"compare:", false, func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) {
			a, err := f.NumberValue(self)
			if err != nil {
				return 0, err
			}
			b, err := f.NumberValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			return uint64(int64(a.compare(b))), nil
		}},
		method{"hash", false, value(func(_ *emulator.Emulator, n Number) uint64 {
			if n.Kind == NumberFloat && n.Float() != math.Trunc(n.Float()) {
				return n.Bits
			}
			return uint64(n.Int())
		})},
		method{"copy", false, func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) {
			return uint64(f.rt.Retain(self)), nil
		}},
	)
	return f.define("NSNumber", objc.Root, numberSize, methods)
}

func (f *Foundation) imNumberEqual(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) {
	other := objc.ID(e.X(2))
	if !f.IsNumber(other) {
		return 0, nil
	}
	a, err := f.NumberValue(self)
	if err != nil {
		return 0, err
	}
	b, err := f.NumberValue(other)
	if err != nil {
		return 0, err
	}
	return boolValue(a.Equal(b)), nil
}

// IsNumber reports whether obj is an NSNumber.
func (f *Foundation) IsNumber(obj objc.ID) bool { return f.isA(obj, "NSNumber") }

// NewNumber creates an NSNumber with a retain count of one.
func (f *Foundation) NewNumber(n Number) (objc.ID, error) {
	return f.newNumberOf(0, n)
}

func (f *Foundation) newNumberOf(cls objc.ID, n Number) (objc.ID, error) {
	obj, err := f.allocFor(cls, "NSNumber")
	if err != nil {
		return 0, err
	}
	if err := f.storeNumber(obj, n); err != nil {
		f.rt.Dispose(obj)
		return 0, err
	}
	return obj, nil
}

func (f *Foundation) storeNumber(obj objc.ID, n Number) error {
	if err := f.emu.MemWriteU64(uint64(obj)+numKind, uint64(n.Kind)); err != nil {
		return err
	}
	return f.emu.MemWriteU64(uint64(obj)+numBits, n.Bits)
}

// NumberValue reads obj's value.
func (f *Foundation) NumberValue(obj objc.ID) (Number, error) {
	if !f.IsNumber(obj) {
		return Number{}, fmt.Errorf("0x%x: %w", uint64(obj), ErrNotObject)
	}
	kind, err := f.emu.MemReadU64(uint64(obj) + numKind)
	if err != nil {
		return Number{}, err
	}
	bits, err := f.emu.MemReadU64(uint64(obj) + numBits)
	if err != nil {
		return Number{}, err
	}
	if kind < uint64(NumberInt) || kind > uint64(NumberBool) {
		kind = uint64(NumberInt)
	}
	return Number{NumberKind(kind), bits}, nil
}
