package marshal

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"

	"github.com/zboralski/tarsier/internal/objc"
)

// Kind is the variant a Value holds.
type Kind int

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindString
	KindBytes
	KindMap
	KindArray
	KindBool
	KindObject
)

var kindNames = [...]string{"nil", "int", "float", "string", "bytes", "map", "array", "bool", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a host value on its way into or out of the guest. The zero Value
// is nil.
type Value struct {
	kind Kind
	num  uint64 // int, bool, float bits or object reference
	str  string
	raw  []byte
	m    map[string]Value
	arr  []Value
}

func Int(v int64) Value       { return Value{kind: KindInt, num: uint64(v)} }
func Float(v float64) Value   { return Value{kind: KindFloat, num: math.Float64bits(v)} }
func String(s string) Value   { return Value{kind: KindString, str: s} }
func Bytes(b []byte) Value    { return Value{kind: KindBytes, raw: slices.Clone(b)} }
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }
func Object(id objc.ID) Value { return Value{kind: KindObject, num: uint64(id)} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool { return v.kind == KindNil }

// Int returns the integer held by an Int or Bool value.
func (v Value) Int() int64 { return int64(v.num) }

func (v Value) Float() float64 {
	if v.kind == KindFloat {
		return math.Float64frombits(v.num)
	}
	return float64(int64(v.num))
}

func (v Value) Bool() bool { return v.num != 0 }

func (v Value) Bytes() []byte { return v.raw }

// Object returns the reference held by an Object value.
func (v Value) Object() objc.ID { return objc.ID(v.num) }

// Map returns the entries of a Map value.
func (v Value) Map() map[string]Value { return v.m }

// Array returns the elements of an Array value.
func (v Value) Array() []Value { return v.arr }

// Keys returns a Map's keys in sorted order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// String returns the text of a String value. For other kinds it returns a
// description of the value.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNil:
		return "<nil>"
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindBytes:
		return fmt.Sprintf("<%x>", v.raw)
	case KindObject:
		return fmt.Sprintf("<object 0x%x>", v.num)
	case KindArray:
		return fmt.Sprint(v.arr)
	}
	parts := make([]string, 0, len(v.m))
	for _, k := range v.Keys() {
		parts = append(parts, k+":"+v.m[k].String())
	}
	return fmt.Sprint(parts)
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindArray:
		return slices.EqualFunc(v.arr, o.arr, Value.Equal)
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, x := range v.m {
			y, ok := o.m[k]
			if !ok || !x.Equal(y) {
				return false
			}
		}
		return true
	}
	return v.num == o.num
}

// ValueOf converts a Go value. Maps need string keys.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case bool:
		return Bool(t), nil
	case objc.ID:
		return Object(t), nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = ev
		}
		return Map(m), nil
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = ev
		}
		return Array(arr...), nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Int(int64(rv.Uint())), nil
	case reflect.Slice, reflect.Array:
		arr := make([]Value, rv.Len())
		for i := range arr {
			ev, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = ev
		}
		return Array(arr...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := ValueOf(iter.Value().Interface())
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			m[iter.Key().String()] = ev
		}
		return Map(m), nil
	}
	return Value{}, fmt.Errorf("cannot marshal %T", x)
}
