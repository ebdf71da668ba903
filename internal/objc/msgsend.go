package objc

import (
	"errors"
	"fmt"
	"math"

	"github.com/zboralski/tarsier/internal/emulator"
	glog "github.com/zboralski/tarsier/internal/log"
)

// SelectorNotFoundError is returned when no class in the receiver's
// hierarchy implements a selector.
type SelectorNotFoundError struct {
	Class    string
	Selector string
	Meta     bool
}

func (e *SelectorNotFoundError) Error() string {
	return MethodName(e.Class, e.Selector, e.Meta) + ": unrecognized selector"
}

// ArgConverter turns a host value into a call argument. The marshaling
// layer supplies one that builds strings, data and collections.
type ArgConverter interface {
	Convert(rt *Runtime, v any) (emulator.Arg, error)
}

// DefaultConverter handles references, integers, floats and booleans.
type DefaultConverter struct{}

func (DefaultConverter) Convert(rt *Runtime, v any) (emulator.Arg, error) {
	return ScalarArg(v)
}

// ScalarArg converts values that need no allocation.
func ScalarArg(v any) (emulator.Arg, error) {
	switch x := v.(type) {
	case nil:
		return emulator.Int(0), nil
	case emulator.Arg:
		return x, nil
	case ID:
		return emulator.Int(uint64(x)), nil
	case SEL:
		return emulator.Int(uint64(x)), nil
	case uint64:
		return emulator.Int(x), nil
	case uint32:
		return emulator.Int(uint64(x)), nil
	case uint:
		return emulator.Int(uint64(x)), nil
	case int:
		return emulator.Int(uint64(int64(x))), nil
	case int64:
		return emulator.Int(uint64(x)), nil
	case int32:
		return emulator.Int(uint64(int64(x))), nil
	case bool:
		if x {
			return emulator.Int(1), nil
		}
		return emulator.Int(0), nil
	case float64:
		return emulator.Double(x), nil
	case float32:
		return emulator.Arg{Bits: uint64(math.Float32bits(x)), Float: true}, nil
	}
	return emulator.Arg{}, fmt.Errorf("cannot pass %T as an argument", v)
}

// lookup finds the implementation of sel for instances (or, with meta, the
// class object) of c. Class methods fall back to the root class's instance
// methods, as the root metaclass inherits from the root class.
func (rt *Runtime) lookup(c *Class, sel string, meta bool) (uint64, error) {
	key := cacheKey{cls: c, sel: sel, meta: meta}
	if imp, ok := rt.cache.Get(key); ok {
		return imp, nil
	}
	var root *Class
	for k := c; k != nil; k = k.Super {
		if imp, ok := k.table(meta)[sel]; ok {
			rt.cache.Add(key, imp)
			return imp, nil
		}
		root = k
	}
	if meta && root != nil {
		if imp, ok := root.methods[sel]; ok {
			rt.cache.Add(key, imp)
			return imp, nil
		}
	}
	return 0, &SelectorNotFoundError{Class: c.Name, Selector: sel, Meta: meta}
}

// Receiver resolves a class name or a reference to an object.
func (rt *Runtime) Receiver(receiver any) (ID, error) {
	switch r := receiver.(type) {
	case string:
		c, ok := rt.classes[r]
		if !ok {
			return 0, fmt.Errorf("%s: %w", r, ErrUnknownClass)
		}
		return ID(c.Addr), nil
	case *Class:
		return ID(r.Addr), nil
	case ID:
		return r, nil
	case uint64:
		return ID(r), nil
	}
	return 0, fmt.Errorf("invalid receiver type %T", receiver)
}

// Send delivers a message and returns the raw result registers. Sending to
// nil returns zero without running anything.
func (rt *Runtime) Send(receiver any, selector string, args ...any) (emulator.Result, error) {
	self, err := rt.Receiver(receiver)
	if err != nil {
		return emulator.Result{}, err
	}
	if self == 0 {
		return emulator.Result{}, nil
	}
	c, meta, err := rt.ClassOf(self)
	if err != nil {
		return emulator.Result{}, fmt.Errorf("send %s: %w", selector, err)
	}
	return rt.dispatch(self, c, meta, selector, args)
}

// SendSuper delivers a message starting the lookup at the superclass of
// the named class.
func (rt *Runtime) SendSuper(self ID, class, selector string, args ...any) (emulator.Result, error) {
	c, ok := rt.classes[class]
	if !ok {
		return emulator.Result{}, fmt.Errorf("%s: %w", class, ErrUnknownClass)
	}
	if c.Super == nil {
		return emulator.Result{}, fmt.Errorf("%s has no superclass", class)
	}
	return rt.dispatch(self, c.Super, rt.IsClass(self), selector, args)
}

func (rt *Runtime) dispatch(self ID, c *Class, meta bool, selector string, args []any) (emulator.Result, error) {
	imp, err := rt.lookup(c, selector, meta)
	if err != nil {
		return emulator.Result{}, err
	}
	sel, err := rt.Selector(selector)
	if err != nil {
		return emulator.Result{}, err
	}
	in := make([]emulator.Arg, 0, 2+len(args))
	in = append(in, emulator.Int(uint64(self)), emulator.Int(uint64(sel)))
	for i, a := range args {
		arg, err := rt.Converter.Convert(rt, a)
		if err != nil {
			return emulator.Result{}, fmt.Errorf("%s argument %d: %w", MethodName(c.Name, selector, meta), i, err)
		}
		in = append(in, arg)
	}
	glog.L.Debug("msgSend", glog.Class(c.Name), glog.Sel(selector), glog.Ptr("self", uint64(self)), glog.Ptr("imp", imp))
	res, err := rt.emu.Invoke(imp, in)
	if err != nil {
		return res, fmt.Errorf("%s: %w", MethodName(c.Name, selector, meta), err)
	}
	return res, nil
}

// MsgSend sends selector to receiver, a class name or an object, and
// returns X0.
func (rt *Runtime) MsgSend(receiver any, selector string, args ...any) (ID, error) {
	res, err := rt.Send(receiver, selector, args...)
	return ID(res.X0), err
}

// MsgSendFloat is MsgSend for methods returning a double.
func (rt *Runtime) MsgSendFloat(receiver any, selector string, args ...any) (float64, error) {
	res, err := rt.Send(receiver, selector, args...)
	return res.D0, err
}

// MsgSendSuper is objc_msgSendSuper from the host.
func (rt *Runtime) MsgSendSuper(self ID, class, selector string, args ...any) (ID, error) {
	res, err := rt.SendSuper(self, class, selector, args...)
	return ID(res.X0), err
}

// RespondsTo reports whether obj's class hierarchy implements sel.
func (rt *Runtime) RespondsTo(obj ID, sel string) bool {
	if obj == 0 {
		return false
	}
	c, meta, err := rt.ClassOf(obj)
	if err != nil {
		return false
	}
	_, err = rt.lookup(c, sel, meta)
	return err == nil
}

// IsSelectorNotFound reports whether err is a missing-selector error.
func IsSelectorNotFound(err error) bool {
	var snf *SelectorNotFoundError
	return errors.As(err, &snf)
}
