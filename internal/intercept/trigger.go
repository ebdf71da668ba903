package intercept

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates Trigger variants.
type Kind int

const (
	KindAddress Kind = iota
	KindOffset
	KindSymbol
	KindMethod
)

// Trigger names a guest location. It resolves to one canonical address.
type Trigger struct {
	Kind Kind

	Addr   uint64 // absolute address, or offset for KindOffset
	Module string // KindOffset

	Name string // KindSymbol

	Class    string // KindMethod
	Selector string
	Meta     bool // class method
}

// Address triggers at an absolute guest address.
func Address(addr uint64) Trigger {
	return Trigger{Kind: KindAddress, Addr: addr}
}

// Offset triggers at module base + off. It follows the module if it is
// loaded again at a different base.
func Offset(module string, off uint64) Trigger {
	return Trigger{Kind: KindOffset, Module: module, Addr: off}
}

// Symbol triggers at an exported symbol or host stub.
func Symbol(name string) Trigger {
	return Trigger{Kind: KindSymbol, Name: name}
}

// Method triggers at the implementation of -[class sel] or +[class sel].
func Method(class, selector string, meta bool) Trigger {
	return Trigger{Kind: KindMethod, Class: class, Selector: selector, Meta: meta}
}

// Parse accepts every textual trigger form:
//
//	0x1000a4c         absolute address
//	MyApp+0x4c        module offset
//	-[NSBundle bundleIdentifier]
//	+[NSString stringWithUTF8String:]
//	_CC_MD5           symbol
func Parse(s string) (Trigger, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Trigger{}, fmt.Errorf("empty trigger")
	case strings.HasPrefix(s, "-[") || strings.HasPrefix(s, "+["):
		if !strings.HasSuffix(s, "]") {
			return Trigger{}, fmt.Errorf("malformed method %q", s)
		}
		class, sel, ok := strings.Cut(s[2:len(s)-1], " ")
		sel = strings.TrimSpace(sel)
		if !ok || class == "" || sel == "" {
			return Trigger{}, fmt.Errorf("malformed method %q", s)
		}
		return Method(class, sel, s[0] == '+'), nil
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return Trigger{}, fmt.Errorf("bad address %q: %w", s, err)
		}
		return Address(v), nil
	}
	if mod, off, ok := strings.Cut(s, "+0x"); ok && mod != "" {
		v, err := strconv.ParseUint(off, 16, 64)
		if err != nil {
			return Trigger{}, fmt.Errorf("bad offset %q: %w", s, err)
		}
		return Offset(mod, v), nil
	}
	return Symbol(s), nil
}

// Symbolic reports whether resolution depends on loaded modules or classes.
func (t Trigger) Symbolic() bool { return t.Kind != KindAddress }

func (t Trigger) String() string {
	switch t.Kind {
	case KindAddress:
		return fmt.Sprintf("0x%x", t.Addr)
	case KindOffset:
		return fmt.Sprintf("%s+0x%x", t.Module, t.Addr)
	case KindSymbol:
		return t.Name
	case KindMethod:
		sign := "-"
		if t.Meta {
			sign = "+"
		}
		return fmt.Sprintf("%s[%s %s]", sign, t.Class, t.Selector)
	}
	return "invalid"
}
