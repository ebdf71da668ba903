// Package trace collects and renders execution events: host stub calls,
// runtime messages and, when enabled, every executed instruction.
package trace

import (
	"strings"
	"time"
)

// Tag is an event category. Tags are stored without the # prefix; the
// prefix is added on rendering.
type Tag string

const (
	Objc       Tag = "objc"
	Foundation Tag = "foundation"
	Message    Tag = "msgsend"
	Pool       Tag = "pool"
	Libc       Tag = "libc"
	Malloc     Tag = "malloc"
	String     Tag = "string"
	Stdout     Tag = "stdout"
	Printf     Tag = "printf"
	Pthread    Tag = "pthread"
	Dispatch   Tag = "dispatch"
	Darwin     Tag = "darwin"
	CxxAbi     Tag = "cxxabi"
	Crypto     Tag = "crypto"
	Network    Tag = "network"
	Fallback   Tag = "fallback"
	Hook       Tag = "hook"
)

// Tags is an ordered tag set. The first tag is the primary one.
type Tags []Tag

func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add appends tag unless it is already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns the tags with the # prefix.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag, or "" for an empty set.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Event is one observed call.
type Event struct {
	PC          uint64 // return address of the call
	Tags        Tags
	Name        string // e.g. "malloc", "objc_msgSend"
	Detail      string // e.g. "size=24", "-[NSString length]"
	Annotations map[string]string
	Timestamp   time.Time
}

// NewEvent creates an event whose primary tag is category.
func NewEvent(pc uint64, category, name, detail string) *Event {
	return &Event{
		PC:        pc,
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(map[string]string)
	}
	e.Annotations[k] = v
}

// Enricher adds derived tags and annotations to an event.
type Enricher func(e *Event)

// DefaultEnricher tags allocation, string, output and pool traffic.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case Libc:
		switch e.Name {
		case "malloc", "calloc", "realloc", "free", "posix_memalign", "malloc_size":
			e.Tags.Add(Malloc)
		case "memcpy", "memmove", "memset", "strlen", "strcmp", "strncmp", "strcpy", "strdup":
			e.Tags.Add(String)
		case "printf", "snprintf", "vsnprintf", "sprintf", "fprintf":
			e.Tags.Add(Printf)
		}
	case Objc:
		switch e.Name {
		case "objc_autoreleasePoolPush", "objc_autoreleasePoolPop", "objc_autorelease":
			e.Tags.Add(Pool)
		case "objc_msgSend", "objc_msgSendSuper", "objc_msgSendSuper2":
			e.Tags.Add(Message)
		}
	case Network:
		// getaddrinfo details read "host=<name> service=<port>"
		for _, f := range strings.Fields(e.Detail) {
			if host, ok := strings.CutPrefix(f, "host="); ok && host != "" {
				e.Annotate("host", host)
			}
		}
	case "commoncrypto":
		e.Tags.Add(Crypto)
	case "NSLog":
		e.Tags.Add(Stdout)
	}
}
