package memory

import (
	"bytes"
	"errors"
	"testing"
)

func TestMapRejectsOverlap(t *testing.T) {
	m := New()
	if err := m.Map(0x10000, 0x2000, ProtRW, "a"); err != nil {
		t.Fatalf("map a: %v", err)
	}
	err := m.Map(0x11000, 0x2000, ProtRW, "b")
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if err := m.Map(0x12000, 0x1000, ProtRW, "c"); err != nil {
		t.Fatalf("adjacent map: %v", err)
	}
	if err := m.Map(0x13001, 0x1000, ProtRW, "d"); !errors.Is(err, ErrAlignment) {
		t.Fatalf("expected ErrAlignment, got %v", err)
	}
}

func TestReadWriteAcrossRegions(t *testing.T) {
	m := New()
	m.Map(0x1000, 0x1000, ProtRW, "lo")
	m.Map(0x2000, 0x1000, ProtRead, "hi")

	data := []byte("spanning two regions")
	if err := m.Write(0x2000-4, data); err != nil {
		t.Fatalf("host write: %v", err)
	}
	got, err := m.Read(0x2000-4, uint64(len(data)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}

	// CPU stores honor permissions
	err = m.Store(0x2000-4, data)
	if !errors.Is(err, ErrProtection) {
		t.Errorf("expected ErrProtection, got %v", err)
	}
}

func TestUnmappedAccess(t *testing.T) {
	m := New()
	m.Map(0x1000, 0x1000, ProtAll, "only")

	_, err := m.Read(0x3000, 4)
	var ae *AccessError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AccessError, got %v", err)
	}
	if ae.Addr != 0x3000 || !errors.Is(err, ErrUnmapped) {
		t.Errorf("unexpected error %v", ae)
	}
	if _, err := m.Fetch(0x1ffe); !errors.Is(err, ErrUnmapped) {
		t.Errorf("fetch across end: got %v", err)
	}
}

func TestFetchNeedsExec(t *testing.T) {
	m := New()
	m.Map(0x1000, 0x1000, ProtRW, "data")
	m.Write(0x1000, []byte{0xc0, 0x03, 0x5f, 0xd6})
	if _, err := m.Fetch(0x1000); !errors.Is(err, ErrProtection) {
		t.Fatalf("expected ErrProtection, got %v", err)
	}
	m.Protect(0x1000, 0x1000, ProtRX)
	insn, err := m.Fetch(0x1000)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if insn != 0xd65f03c0 {
		t.Errorf("insn = 0x%08x", insn)
	}
}

func TestProtectAndUnmapSplit(t *testing.T) {
	m := New()
	m.Map(0x10000, 0x4000, ProtRW, "blob")
	m.Write(0x12000, []byte{1, 2, 3, 4})

	if err := m.Protect(0x11000, 0x1000, ProtRead); err != nil {
		t.Fatalf("protect: %v", err)
	}
	regions := m.Regions()
	if len(regions) != 3 {
		t.Fatalf("expected 3 regions after protect, got %d", len(regions))
	}
	if regions[1].Prot != ProtRead || regions[1].Base != 0x11000 {
		t.Errorf("middle region = %+v", regions[1])
	}

	if err := m.Unmap(0x10000, 0x2000); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if m.IsMapped(0x10000, 1) || m.IsMapped(0x11fff, 1) {
		t.Error("unmapped range still mapped")
	}
	got, err := m.Read(0x12000, 4)
	if err != nil || !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("surviving data = %v, %v", got, err)
	}
}

func TestFindFree(t *testing.T) {
	m := New()
	m.Map(0x100000, 0x1000, ProtRW, "a")
	m.Map(0x102000, 0x1000, ProtRW, "b")

	addr, ok := m.FindFree(0x100000, 0x1000, PageSize)
	if !ok || addr != 0x101000 {
		t.Errorf("FindFree = 0x%x, %v", addr, ok)
	}
	addr, _ = m.FindFree(0x100000, 0x2000, PageSize)
	if addr != 0x103000 {
		t.Errorf("FindFree large = 0x%x", addr)
	}
}

func TestIndependentImages(t *testing.T) {
	a, b := New(), New()
	a.Map(0x1000, 0x1000, ProtRW, "x")
	b.Map(0x1000, 0x1000, ProtRW, "x")
	a.Write(0x1000, []byte("aaaa"))
	got, _ := b.Read(0x1000, 4)
	if !bytes.Equal(got, make([]byte, 4)) {
		t.Errorf("image b sees writes to image a: %q", got)
	}
}

func TestCString(t *testing.T) {
	m := New()
	m.Map(0x1000, 0x1000, ProtRW, "s")
	// string ends right before the end of the region
	addr := uint64(0x2000 - 6)
	if err := WriteCString(m, addr, "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadCString(m, addr, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q", got)
	}

	WriteU64(m, 0x1100, 0x1122334455667788)
	v, _ := ReadU64(m, 0x1100)
	if v != 0x1122334455667788 {
		t.Errorf("u64 = 0x%x", v)
	}
}
