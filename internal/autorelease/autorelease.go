// Package autorelease implements nested autorelease pools. A pool collects
// objects and releases each one once when it is popped.
package autorelease

import (
	"errors"
	"fmt"
)

// Releaser drops one reference to an object.
type Releaser interface {
	Release(obj uint64) error
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(obj uint64) error

func (f ReleaserFunc) Release(obj uint64) error { return f(obj) }

// Token identifies a pushed pool. It is also the value guest code receives
// from objc_autoreleasePoolPush.
type Token uint64

// PoolImbalanceError reports a pop that does not match the innermost push.
type PoolImbalanceError struct {
	Token Token
	Depth int
}

func (e *PoolImbalanceError) Error() string {
	if e.Depth == 0 {
		return fmt.Sprintf("autorelease pool 0x%x popped with no pool active", uint64(e.Token))
	}
	return fmt.Sprintf("autorelease pool 0x%x is not the innermost of %d", uint64(e.Token), e.Depth)
}

type pool struct {
	token   Token
	objects []uint64
}

// Stack is the pool stack of one session. It is not safe for concurrent
// use; guest code may push and pop while a pool is being drained.
type Stack struct {
	rel   Releaser
	pools []*pool
	next  Token
}

// tokenBase keeps tokens recognizable and non-zero.
const tokenBase Token = 0xa7000000

// NewStack creates an empty stack releasing through rel.
func NewStack(rel Releaser) *Stack {
	return &Stack{rel: rel, next: tokenBase}
}

// Push opens a new innermost pool.
func (s *Stack) Push() Token {
	s.next += 0x10
	s.pools = append(s.pools, &pool{token: s.next})
	return s.next
}

// Add registers obj with the innermost pool. It reports false when no pool
// is active, in which case the object is not tracked.
func (s *Stack) Add(obj uint64) bool {
	if len(s.pools) == 0 {
		return false
	}
	p := s.pools[len(s.pools)-1]
	p.objects = append(p.objects, obj)
	return true
}

// Depth returns the number of active pools.
func (s *Stack) Depth() int { return len(s.pools) }

// Pending returns the number of objects held by all active pools.
func (s *Stack) Pending() int {
	n := 0
	for _, p := range s.pools {
		n += len(p.objects)
	}
	return n
}

// Pop drains the innermost pool, which must be the one tok names. The pool
// is detached before any release runs, so releases that push and pop their
// own pools see a consistent stack. Objects are released in reverse order
// of registration; every object is released even when some fail.
func (s *Stack) Pop(tok Token) error {
	n := len(s.pools)
	if n == 0 || s.pools[n-1].token != tok {
		return &PoolImbalanceError{Token: tok, Depth: n}
	}
	p := s.pools[n-1]
	s.pools[n-1] = nil
	s.pools = s.pools[:n-1]

	var errs []error
	for i := len(p.objects) - 1; i >= 0; i-- {
		if err := s.rel.Release(p.objects[i]); err != nil {
			errs = append(errs, fmt.Errorf("release 0x%x: %w", p.objects[i], err))
		}
	}
	return errors.Join(errs...)
}

// PopTo drains tok's pool together with every pool pushed after it,
// innermost first, and reports how many of those inner pools were still
// open. Only a token that is not on the stack is an imbalance.
func (s *Stack) PopTo(tok Token) (int, error) {
	at := -1
	for i, p := range s.pools {
		if p.token == tok {
			at = i
		}
	}
	if at < 0 {
		return 0, &PoolImbalanceError{Token: tok, Depth: len(s.pools)}
	}
	inner := len(s.pools) - 1 - at
	var errs []error
	for len(s.pools) > at {
		if err := s.Pop(s.pools[len(s.pools)-1].token); err != nil {
			errs = append(errs, err)
		}
	}
	return inner, errors.Join(errs...)
}

// Drain pops every active pool, innermost first.
func (s *Stack) Drain() error {
	var errs []error
	for len(s.pools) > 0 {
		if err := s.Pop(s.pools[len(s.pools)-1].token); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// With runs fn inside a fresh pool and pops it on every exit path,
// including a panic, which is re-raised after the pool is drained. Pools
// fn left open are drained first and reported as an imbalance.
func (s *Stack) With(fn func() error) (err error) {
	tok := s.Push()
	defer func() {
		r := recover()
		depth := s.Depth()
		inner, perr := s.PopTo(tok)
		if inner > 0 {
			err = errors.Join(err, &PoolImbalanceError{Token: tok, Depth: depth})
		}
		if perr != nil {
			err = errors.Join(err, perr)
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn()
}
