package network

import (
	"testing"

	"github.com/zboralski/tarsier/internal/stubs/stubtest"
)

func TestByteOrder(t *testing.T) {
	h := stubtest.New(t)
	if v := h.Call(t, "_htons", 0x1234); v != 0x3412 {
		t.Errorf("htons = 0x%x", v)
	}
	if v := h.Call(t, "_ntohl", 0x11223344); v != 0x44332211 {
		t.Errorf("ntohl = 0x%x", v)
	}
}

func TestAddressConversion(t *testing.T) {
	h := stubtest.New(t)
	buf := h.Buffer(t, 16)

	if r := h.Call(t, "_inet_pton", afInet, h.CString(t, "10.0.0.1"), buf); r != 1 {
		t.Fatalf("inet_pton = %d", r)
	}
	if raw, _ := h.Emu.MemRead(buf, 4); raw[0] != 10 || raw[3] != 1 {
		t.Errorf("in_addr = % x", raw)
	}
	out := h.Buffer(t, 64)
	if p := h.Call(t, "_inet_ntop", afInet, buf, out, 64); p != out || h.ReadString(t, out) != "10.0.0.1" {
		t.Errorf("inet_ntop = 0x%x %q", p, h.ReadString(t, out))
	}
	if p := h.Call(t, "_inet_ntop", afInet, buf, out, 4); p != 0 {
		t.Errorf("inet_ntop into a short buffer = 0x%x", p)
	}

	if r := h.Call(t, "_inet_pton", afInet, h.CString(t, "::1"), buf); r != 0 {
		t.Errorf("inet_pton of IPv6 text as AF_INET = %d", r)
	}
	if r := h.Call(t, "_inet_pton", afInet6, h.CString(t, "::1"), buf); r != 1 {
		t.Errorf("inet_pton AF_INET6 = %d", r)
	}
	if v := h.Call(t, "_inet_addr", h.CString(t, "127.0.0.1")); v != 0x0100007f {
		t.Errorf("inet_addr = 0x%x", v)
	}
	if v := h.Call(t, "_inet_addr", h.CString(t, "bogus")); v != inaddrNone {
		t.Errorf("inet_addr(bogus) = 0x%x", v)
	}
}

func TestOffline(t *testing.T) {
	h := stubtest.New(t)
	var seen []string
	h.Table.OnCall = func(category, name, detail string) {
		if category == "network" {
			seen = append(seen, name+" "+detail)
		}
	}
	res := h.Buffer(t, 8)
	h.Emu.MemWriteU64(res, 0xdead)
	if r := h.Call(t, "_getaddrinfo", h.CString(t, "api.example.com"), h.CString(t, "443"), 0, res); r != eaiNoName {
		t.Errorf("getaddrinfo = %d", r)
	}
	if v, _ := h.Emu.MemReadU64(res); v != 0 {
		t.Errorf("*res = 0x%x", v)
	}
	if r := h.Call(t, "_socket", afInet, 1, 0); r != ^uint64(0) {
		t.Errorf("socket = %d", int64(r))
	}
	if len(seen) != 2 || seen[0] != "getaddrinfo host=api.example.com service=443" {
		t.Errorf("logged %q", seen)
	}
}
