package autorelease

import (
	"errors"
	"slices"
	"testing"
)

type recorder struct {
	released []uint64
	fail     map[uint64]bool
}

func (r *recorder) Release(obj uint64) error {
	r.released = append(r.released, obj)
	if r.fail[obj] {
		return errors.New("boom")
	}
	return nil
}

func TestPopReleasesInReverse(t *testing.T) {
	r := &recorder{}
	s := NewStack(r)
	tok := s.Push()
	for _, obj := range []uint64{1, 2, 3} {
		if !s.Add(obj) {
			t.Fatalf("Add(%d) with a pool active", obj)
		}
	}
	if s.Pending() != 3 {
		t.Errorf("Pending = %d", s.Pending())
	}
	if err := s.Pop(tok); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if !slices.Equal(r.released, []uint64{3, 2, 1}) {
		t.Errorf("released %v", r.released)
	}
	if s.Depth() != 0 || s.Pending() != 0 {
		t.Errorf("stack not empty: depth %d, pending %d", s.Depth(), s.Pending())
	}
}

func TestAddWithoutPool(t *testing.T) {
	s := NewStack(&recorder{})
	if s.Add(1) {
		t.Error("Add succeeded with no pool")
	}
}

func TestNestedPools(t *testing.T) {
	r := &recorder{}
	s := NewStack(r)
	outer := s.Push()
	s.Add(1)
	inner := s.Push()
	s.Add(2)
	if outer == inner || outer == 0 {
		t.Fatalf("tokens %x %x", outer, inner)
	}

	var imb *PoolImbalanceError
	if err := s.Pop(outer); !errors.As(err, &imb) || imb.Depth != 2 {
		t.Fatalf("popping the outer pool first: %v", err)
	}
	if len(r.released) != 0 {
		t.Error("imbalanced pop released objects")
	}
	if err := s.Pop(inner); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(r.released, []uint64{2}) {
		t.Errorf("inner pop released %v", r.released)
	}
	if err := s.Pop(outer); err != nil {
		t.Fatal(err)
	}
	if err := s.Pop(outer); !errors.As(err, &imb) || imb.Depth != 0 {
		t.Errorf("double pop: %v", err)
	}
}

func TestReleaseMayUsePools(t *testing.T) {
	s := NewStack(nil)
	var order []uint64
	var depths []int
	s.rel = ReleaserFunc(func(obj uint64) error {
		order = append(order, obj)
		depths = append(depths, s.Depth())
		if obj >= 100 {
			return nil
		}
		// a dealloc that autoreleases into its own pool
		return s.With(func() error {
			s.Add(obj + 100)
			return nil
		})
	})
	tok := s.Push()
	s.Add(1)
	s.Add(2)
	if err := s.Pop(tok); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(order, []uint64{2, 102, 1, 101}) {
		t.Errorf("release order = %v", order)
	}
	// the drained pool is already detached when releases run
	if !slices.Equal(depths, []int{0, 0, 0, 0}) {
		t.Errorf("depth seen by releases = %v", depths)
	}
}

func TestPopReleasesEverythingOnError(t *testing.T) {
	r := &recorder{fail: map[uint64]bool{2: true}}
	s := NewStack(r)
	tok := s.Push()
	s.Add(1)
	s.Add(2)
	s.Add(3)
	if err := s.Pop(tok); err == nil {
		t.Error("expected the failing release to surface")
	}
	if len(r.released) != 3 {
		t.Errorf("released %v", r.released)
	}
}

func TestWithPopsOnPanic(t *testing.T) {
	r := &recorder{}
	s := NewStack(r)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		s.With(func() error {
			s.Add(7)
			panic("guest fault")
		})
	}()
	if s.Depth() != 0 || !slices.Equal(r.released, []uint64{7}) {
		t.Errorf("depth %d, released %v", s.Depth(), r.released)
	}

	want := errors.New("fn failed")
	if err := s.With(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("With = %v", err)
	}
}

func TestDrain(t *testing.T) {
	r := &recorder{}
	s := NewStack(r)
	s.Push()
	s.Add(1)
	s.Push()
	s.Add(2)
	if err := s.Drain(); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(r.released, []uint64{2, 1}) || s.Depth() != 0 {
		t.Errorf("released %v, depth %d", r.released, s.Depth())
	}
}

func TestWithDrainsPoolsLeftOpen(t *testing.T) {
	r := &recorder{}
	s := NewStack(r)
	fault := errors.New("execution fault")
	err := s.With(func() error {
		s.Add(1)
		s.Push()
		s.Add(2)
		return fault
	})
	if !errors.Is(err, fault) {
		t.Errorf("fn error lost: %v", err)
	}
	var imb *PoolImbalanceError
	if !errors.As(err, &imb) || imb.Depth != 2 {
		t.Errorf("open inner pool not reported: %v", err)
	}
	if s.Depth() != 0 || !slices.Equal(r.released, []uint64{2, 1}) {
		t.Errorf("depth %d, released %v", s.Depth(), r.released)
	}
}

func TestPopTo(t *testing.T) {
	r := &recorder{}
	s := NewStack(r)
	keep := s.Push()
	s.Add(1)
	outer := s.Push()
	s.Add(2)
	s.Push()
	s.Add(3)
	inner, err := s.PopTo(outer)
	if err != nil || inner != 1 {
		t.Fatalf("PopTo = %d, %v", inner, err)
	}
	if !slices.Equal(r.released, []uint64{3, 2}) || s.Depth() != 1 {
		t.Errorf("released %v, depth %d", r.released, s.Depth())
	}
	var imb *PoolImbalanceError
	if _, err := s.PopTo(outer); !errors.As(err, &imb) {
		t.Errorf("popping a drained token: %v", err)
	}
	if n, err := s.PopTo(keep); n != 0 || err != nil || s.Depth() != 0 {
		t.Errorf("PopTo(keep) = %d, %v", n, err)
	}
}
