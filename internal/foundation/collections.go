package foundation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/objc"
)

// Collections hold their elements on the host; the guest object carries
// only the isa.
const collectionSize = 0x10

// ErrRange is NSRangeException.
var ErrRange = errors.New("index out of bounds")

type dict struct {
	keys, values []objc.ID
}

func (d *dict) index(f *Foundation, key objc.ID) int {
	for i, k := range d.keys {
		if f.objectsEqual(k, key) {
			return i
		}
	}
	return -1
}

// objectsEqual is -isEqual: for the value classes and identity otherwise.
func (f *Foundation) objectsEqual(a, b objc.ID) bool {
	switch {
	case a == b:
		return true
	case a == 0 || b == 0:
		return false
	case f.IsString(a):
		return f.stringsEqual(a, b)
	case f.IsNumber(a) && f.IsNumber(b):
		x, err1 := f.NumberValue(a)
		y, err2 := f.NumberValue(b)
		return err1 == nil && err2 == nil && x.Equal(y)
	case f.IsData(a):
		return f.dataEqual(a, b)
	}
	return false
}

// simpleIMP is a method that ignores its selector.
type simpleIMP func(e *emulator.Emulator, self objc.ID) (uint64, error)

func (fn simpleIMP) host() objc.HostIMP {
	return func(e *emulator.Emulator, self objc.ID, _ objc.SEL) (uint64, error) { return fn(e, self) }
}

func (f *Foundation) installArray() error {
	construct := func(cls objc.ID, items []objc.ID, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		return f.autoreleased(f.newArrayOf(cls, items))
	}
	initWith := func(self objc.ID, items []objc.ID, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		f.setArray(self, items)
		return uint64(self), nil
	}
	methods := []method{
		{"array", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, nil, nil)
		}).host()},
		{"arrayWithObject:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, []objc.ID{objc.ID(e.X(2))}, nil)
		}).host()},
		{"arrayWithObjects:count:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			items, err := f.readIDs(e.X(2), e.X(3))
			return construct(cls, items, err)
		}).host()},
		{"arrayWithObjects:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			items, err := f.nilTerminated(e, e.X(2))
			return construct(cls, items, err)
		}).host()},
		{"arrayWithArray:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			items, err := f.ArrayItems(objc.ID(e.X(2)))
			return construct(cls, items, err)
		}).host()},
		{"init", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return initWith(self, nil, nil)
		}).host()},
		{"initWithArray:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			items, err := f.ArrayItems(objc.ID(e.X(2)))
			return initWith(self, items, err)
		}).host()},
		{"initWithObjects:count:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			items, err := f.readIDs(e.X(2), e.X(3))
			return initWith(self, items, err)
		}).host()},
		{"count", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return uint64(len(f.arrays[self])), nil
		}).host()},
		{"objectAtIndex:", false, simpleIMP(f.imObjectAtIndex).host()},
		{"objectAtIndexedSubscript:", false, simpleIMP(f.imObjectAtIndex).host()},
		{"firstObject", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			if items := f.arrays[self]; len(items) > 0 {
				return uint64(items[0]), nil
			}
			return 0, nil
		}).host()},
		{"lastObject", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			if items := f.arrays[self]; len(items) > 0 {
				return uint64(items[len(items)-1]), nil
			}
			return 0, nil
		}).host()},
		{"indexOfObject:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			if i := f.indexOf(self, objc.ID(e.X(2))); i >= 0 {
				return uint64(i), nil
			}
			return NotFound, nil
		}).host()},
		{"containsObject:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return boolValue(f.indexOf(self, objc.ID(e.X(2))) >= 0), nil
		}).host()},
		{"componentsJoinedByString:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			sep, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			items := f.arrays[self]
			parts := make([]string, len(items))
			for i, it := range items {
				parts[i] = f.Describe(it)
			}
			return f.autoreleased(f.NewString(strings.Join(parts, sep)))
		}).host()},
		{"isEqualToArray:", false, simpleIMP(f.imArrayEqual).host()},
		{"isEqual:", false, simpleIMP(f.imArrayEqual).host()},
		{"copy", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return ret(f.NewArray(f.arrays[self]))
		}).host()},
		{"mutableCopy", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return ret(f.newArrayOf(objc.ID(f.classes["NSMutableArray"].Addr), f.arrays[self]))
		}).host()},
		{"description", false, f.imDescription},
		{"countByEnumeratingWithState:objects:count:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.enumerate(e, f.arrays[self])
		}).host()},
		{"dealloc", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			items := f.arrays[self]
			delete(f.arrays, self)
			return 0, f.releaseAll(self, items)
		}).host()},
	}
	if err := f.define("NSArray", objc.Root, collectionSize, methods); err != nil {
		return err
	}

	mutable := []method{
		{"arrayWithCapacity:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, nil, nil)
		}).host()},
		{"initWithCapacity:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return initWith(self, nil, nil)
		}).host()},
		{"addObject:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, f.insert(self, len(f.arrays[self]), objc.ID(e.X(2)))
		}).host()},
		{"insertObject:atIndex:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, f.insert(self, int(e.X(3)), objc.ID(e.X(2)))
		}).host()},
		{"addObjectsFromArray:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			items, err := f.ArrayItems(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			for _, it := range items {
				if err := f.insert(self, len(f.arrays[self]), it); err != nil {
					return 0, err
				}
			}
			return 0, nil
		}).host()},
		{"removeObjectAtIndex:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, f.removeAt(self, int(e.X(2)))
		}).host()},
		{"removeLastObject", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			if n := len(f.arrays[self]); n > 0 {
				return 0, f.removeAt(self, n-1)
			}
			return 0, nil
		}).host()},
		{"removeObject:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			for i := f.indexOf(self, objc.ID(e.X(2))); i >= 0; i = f.indexOf(self, objc.ID(e.X(2))) {
				if err := f.removeAt(self, i); err != nil {
					return 0, err
				}
			}
			return 0, nil
		}).host()},
		{"removeAllObjects", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			items := f.arrays[self]
			f.arrays[self] = nil
			return 0, f.releaseItems(items)
		}).host()},
		{"replaceObjectAtIndex:withObject:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, f.replaceAt(self, int(e.X(2)), objc.ID(e.X(3)))
		}).host()},
		{"setObject:atIndexedSubscript:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			if i := int(e.X(3)); i == len(f.arrays[self]) {
				return 0, f.insert(self, i, objc.ID(e.X(2)))
			}
			return 0, f.replaceAt(self, int(e.X(3)), objc.ID(e.X(2)))
		}).host()},
	}
	return f.define("NSMutableArray", "NSArray", collectionSize, mutable)
}

func (f *Foundation) imObjectAtIndex(e *emulator.Emulator, self objc.ID) (uint64, error) {
	items := f.arrays[self]
	if e.X(2) >= uint64(len(items)) {
		return 0, fmt.Errorf("objectAtIndex: %d beyond count %d: %w", e.X(2), len(items), ErrRange)
	}
	return uint64(items[e.X(2)]), nil
}

func (f *Foundation) imArrayEqual(e *emulator.Emulator, self objc.ID) (uint64, error) {
	other := objc.ID(e.X(2))
	if !f.IsArray(other) {
		return 0, nil
	}
	return boolValue(slices.EqualFunc(f.arrays[self], f.arrays[other], f.objectsEqual)), nil
}

// IsArray reports whether obj is an NSArray.
func (f *Foundation) IsArray(obj objc.ID) bool { return f.isA(obj, "NSArray") }

// NewArray creates an NSArray that retains items.
func (f *Foundation) NewArray(items []objc.ID) (objc.ID, error) {
	return f.newArrayOf(0, items)
}

func (f *Foundation) newArrayOf(cls objc.ID, items []objc.ID) (objc.ID, error) {
	obj, err := f.allocFor(cls, "NSArray")
	if err != nil {
		return 0, err
	}
	f.setArray(obj, items)
	return obj, nil
}

func (f *Foundation) setArray(obj objc.ID, items []objc.ID) {
	old := f.arrays[obj]
	f.arrays[obj] = f.retainAll(items)
	f.releaseItems(old)
}

// ArrayItems returns obj's elements.
func (f *Foundation) ArrayItems(obj objc.ID) ([]objc.ID, error) {
	if !f.IsArray(obj) {
		return nil, fmt.Errorf("0x%x: %w", uint64(obj), ErrNotObject)
	}
	return slices.Clone(f.arrays[obj]), nil
}

func (f *Foundation) indexOf(arr, obj objc.ID) int {
	return slices.IndexFunc(f.arrays[arr], func(it objc.ID) bool { return f.objectsEqual(it, obj) })
}

func (f *Foundation) insert(arr objc.ID, i int, obj objc.ID) error {
	items := f.arrays[arr]
	if obj == 0 {
		return fmt.Errorf("insert nil object")
	}
	if i < 0 || i > len(items) {
		return fmt.Errorf("insertObject:atIndex: %d beyond count %d: %w", i, len(items), ErrRange)
	}
	f.arrays[arr] = slices.Insert(items, i, f.rt.Retain(obj))
	return nil
}

func (f *Foundation) removeAt(arr objc.ID, i int) error {
	items := f.arrays[arr]
	if i < 0 || i >= len(items) {
		return fmt.Errorf("removeObjectAtIndex: %d beyond count %d: %w", i, len(items), ErrRange)
	}
	obj := items[i]
	f.arrays[arr] = slices.Delete(items, i, i+1)
	return f.rt.Release(uint64(obj))
}

func (f *Foundation) replaceAt(arr objc.ID, i int, obj objc.ID) error {
	items := f.arrays[arr]
	if i < 0 || i >= len(items) {
		return fmt.Errorf("replaceObjectAtIndex: %d beyond count %d: %w", i, len(items), ErrRange)
	}
	old := items[i]
	items[i] = f.rt.Retain(obj)
	return f.rt.Release(uint64(old))
}

func (f *Foundation) retainAll(items []objc.ID) []objc.ID {
	out := make([]objc.ID, 0, len(items))
	for _, it := range items {
		out = append(out, f.rt.Retain(it))
	}
	return out
}

func (f *Foundation) releaseItems(items []objc.ID) error {
	var errs []error
	for _, it := range items {
		errs = append(errs, f.rt.Release(uint64(it)))
	}
	return errors.Join(errs...)
}

// releaseAll releases a collection's elements, then frees it.
func (f *Foundation) releaseAll(self objc.ID, items []objc.ID) error {
	return errors.Join(f.releaseItems(items), f.dispose(self))
}

func (f *Foundation) readIDs(ptr, n uint64) ([]objc.ID, error) {
	if n > maxDataBytes/8 {
		return nil, fmt.Errorf("%d objects: too many", n)
	}
	items := make([]objc.ID, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := f.emu.MemReadU64(ptr + 8*i)
		if err != nil {
			return nil, err
		}
		items = append(items, objc.ID(v))
	}
	return items, nil
}

// nilTerminated collects a variadic object list: the first object is in a
// register, the rest on the stack.
func (f *Foundation) nilTerminated(e *emulator.Emulator, first uint64) ([]objc.ID, error) {
	var items []objc.ID
	for v, sp := first, e.SP(); v != 0; sp += 8 {
		items = append(items, objc.ID(v))
		var err error
		if v, err = e.MemReadU64(sp); err != nil {
			return nil, err
		}
		if len(items) > 1<<16 {
			return nil, fmt.Errorf("variadic object list not terminated")
		}
	}
	return items, nil
}

// NSFastEnumerationState.
const (
	fastState     = 0x00
	fastItems     = 0x08
	fastMutations = 0x10
	fastExtra     = 0x18
)

// enumerate implements countByEnumeratingWithState:objects:count: by
// copying a batch of items into the caller's buffer.
func (f *Foundation) enumerate(e *emulator.Emulator, items []objc.ID) (uint64, error) {
	state, buf, room := e.X(2), e.X(3), e.X(4)
	pos, err := e.MemReadU64(state + fastState)
	if err != nil {
		return 0, err
	}
	if pos >= uint64(len(items)) {
		return 0, nil
	}
	n := min(room, uint64(len(items))-pos)
	for i := uint64(0); i < n; i++ {
		if err := e.MemWriteU64(buf+8*i, uint64(items[pos+i])); err != nil {
			return 0, err
		}
	}
	for _, w := range [][2]uint64{
		{fastState, pos + n},
		{fastItems, buf},
		{fastMutations, state + fastExtra},
	} {
		if err := e.MemWriteU64(state+w[0], w[1]); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (f *Foundation) installDictionary() error {
	construct := func(cls objc.ID, keys, values []objc.ID, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		return f.autoreleased(f.newDictionaryOf(cls, keys, values))
	}
	initWith := func(self objc.ID, keys, values []objc.ID, err error) (uint64, error) {
		if err != nil {
			return 0, err
		}
		return uint64(self), f.setDictionary(self, keys, values)
	}
	pairs := func(e *emulator.Emulator) ([]objc.ID, []objc.ID, error) {
		values, err := f.readIDs(e.X(2), e.X(4))
		if err != nil {
			return nil, nil, err
		}
		keys, err := f.readIDs(e.X(3), e.X(4))
		return keys, values, err
	}

	methods := []method{
		{"dictionary", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, nil, nil, nil)
		}).host()},
		{"dictionaryWithObject:forKey:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, []objc.ID{objc.ID(e.X(3))}, []objc.ID{objc.ID(e.X(2))}, nil)
		}).host()},
		{"dictionaryWithObjects:forKeys:count:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			keys, values, err := pairs(e)
			return construct(cls, keys, values, err)
		}).host()},
		{"dictionaryWithDictionary:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			keys, values, err := f.DictionaryEntries(objc.ID(e.X(2)))
			return construct(cls, keys, values, err)
		}).host()},
		{"init", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return initWith(self, nil, nil, nil)
		}).host()},
		{"initWithObjects:forKeys:count:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			keys, values, err := pairs(e)
			return initWith(self, keys, values, err)
		}).host()},
		{"initWithDictionary:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			keys, values, err := f.DictionaryEntries(objc.ID(e.X(2)))
			return initWith(self, keys, values, err)
		}).host()},
		{"count", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return uint64(len(f.dict(self).keys)), nil
		}).host()},
		{"objectForKey:", false, simpleIMP(f.imObjectForKey).host()},
		{"objectForKeyedSubscript:", false, simpleIMP(f.imObjectForKey).host()},
		{"valueForKey:", false, simpleIMP(f.imObjectForKey).host()},
		{"allKeys", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.autoreleased(f.NewArray(f.dict(self).keys))
		}).host()},
		{"allValues", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.autoreleased(f.NewArray(f.dict(self).values))
		}).host()},
		{"copy", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			d := f.dict(self)
			return ret(f.NewDictionary(d.keys, d.values))
		}).host()},
		{"mutableCopy", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			d := f.dict(self)
			return ret(f.newDictionaryOf(objc.ID(f.classes["NSMutableDictionary"].Addr), d.keys, d.values))
		}).host()},
		{"description", false, f.imDescription},
		{"countByEnumeratingWithState:objects:count:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return f.enumerate(e, f.dict(self).keys)
		}).host()},
		{"dealloc", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			d := f.dict(self)
			delete(f.dicts, self)
			return 0, f.releaseAll(self, append(d.keys, d.values...))
		}).host()},
	}
	if err := f.define("NSDictionary", objc.Root, collectionSize, methods); err != nil {
		return err
	}

	set := simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
		if e.X(2) == 0 {
			return 0, f.removeKey(self, objc.ID(e.X(3)))
		}
		return 0, f.setEntry(self, objc.ID(e.X(3)), objc.ID(e.X(2)))
	}).host()
	mutable := []method{
		{"dictionaryWithCapacity:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return construct(cls, nil, nil, nil)
		}).host()},
		{"initWithCapacity:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return initWith(self, nil, nil, nil)
		}).host()},
		{"setObject:forKey:", false, set},
		{"setObject:forKeyedSubscript:", false, set},
		{"setValue:forKey:", false, set},
		{"removeObjectForKey:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, f.removeKey(self, objc.ID(e.X(2)))
		}).host()},
		{"removeAllObjects", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			d := f.dict(self)
			f.dicts[self] = &dict{}
			return 0, f.releaseItems(append(d.keys, d.values...))
		}).host()},
		{"addEntriesFromDictionary:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			keys, values, err := f.DictionaryEntries(objc.ID(e.X(2)))
			if err != nil {
				return 0, err
			}
			for i := range keys {
				if err := f.setEntry(self, keys[i], values[i]); err != nil {
					return 0, err
				}
			}
			return 0, nil
		}).host()},
	}
	return f.define("NSMutableDictionary", "NSDictionary", collectionSize, mutable)
}

func (f *Foundation) imObjectForKey(e *emulator.Emulator, self objc.ID) (uint64, error) {
	d := f.dict(self)
	if i := d.index(f, objc.ID(e.X(2))); i >= 0 {
		return uint64(d.values[i]), nil
	}
	return 0, nil
}

// dict returns obj's entries, creating an empty table for objects that
// skipped -init.
func (f *Foundation) dict(obj objc.ID) *dict {
	d, ok := f.dicts[obj]
	if !ok {
		d = &dict{}
		f.dicts[obj] = d
	}
	return d
}

// IsDictionary reports whether obj is an NSDictionary.
func (f *Foundation) IsDictionary(obj objc.ID) bool { return f.isA(obj, "NSDictionary") }

// NewDictionary creates an NSDictionary that retains its keys and values.
// Later duplicates of a key win.
func (f *Foundation) NewDictionary(keys, values []objc.ID) (objc.ID, error) {
	return f.newDictionaryOf(0, keys, values)
}

func (f *Foundation) newDictionaryOf(cls objc.ID, keys, values []objc.ID) (objc.ID, error) {
	obj, err := f.allocFor(cls, "NSDictionary")
	if err != nil {
		return 0, err
	}
	if err := f.setDictionary(obj, keys, values); err != nil {
		d := f.dict(obj)
		delete(f.dicts, obj)
		f.releaseAll(obj, append(d.keys, d.values...))
		return 0, err
	}
	return obj, nil
}

func (f *Foundation) setDictionary(obj objc.ID, keys, values []objc.ID) error {
	if len(keys) != len(values) {
		return fmt.Errorf("%d keys for %d values", len(keys), len(values))
	}
	for i := range keys {
		if err := f.setEntry(obj, keys[i], values[i]); err != nil {
			return err
		}
	}
	f.dict(obj)
	return nil
}

func (f *Foundation) setEntry(obj, key, value objc.ID) error {
	if key == 0 || value == 0 {
		return fmt.Errorf("setObject:forKey: nil key or value")
	}
	d := f.dict(obj)
	f.rt.Retain(value)
	if i := d.index(f, key); i >= 0 {
		old := d.values[i]
		d.values[i] = value
		return f.rt.Release(uint64(old))
	}
	d.keys = append(d.keys, f.rt.Retain(key))
	d.values = append(d.values, value)
	return nil
}

func (f *Foundation) removeKey(obj, key objc.ID) error {
	d := f.dict(obj)
	i := d.index(f, key)
	if i < 0 {
		return nil
	}
	k, v := d.keys[i], d.values[i]
	d.keys = slices.Delete(d.keys, i, i+1)
	d.values = slices.Delete(d.values, i, i+1)
	return errors.Join(f.rt.Release(uint64(k)), f.rt.Release(uint64(v)))
}

// DictionaryEntries returns obj's keys and values in insertion order.
func (f *Foundation) DictionaryEntries(obj objc.ID) (keys, values []objc.ID, err error) {
	if !f.IsDictionary(obj) {
		return nil, nil, fmt.Errorf("0x%x: %w", uint64(obj), ErrNotObject)
	}
	d := f.dict(obj)
	return slices.Clone(d.keys), slices.Clone(d.values), nil
}
