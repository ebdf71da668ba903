package memory

import (
	"bytes"
	"encoding/binary"
)

// ReadWriter is the host-side view of an address space. Both Image and the
// CPU backends satisfy it.
type ReadWriter interface {
	Read(addr, size uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// ReadU64 reads a little-endian uint64.
func ReadU64(m ReadWriter, addr uint64) (uint64, error) {
	b, err := m.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteU64 writes a little-endian uint64.
func WriteU64(m ReadWriter, addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(addr, b[:])
}

// ReadU32 reads a little-endian uint32.
func ReadU32(m ReadWriter, addr uint64) (uint32, error) {
	b, err := m.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteU32 writes a little-endian uint32.
func WriteU32(m ReadWriter, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(addr, b[:])
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes.
// It reads in 64-byte chunks so a string ending near the end of a region
// does not fault on the bytes after it.
func ReadCString(m ReadWriter, addr uint64, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	var out []byte
	for len(out) < maxLen {
		n := uint64(64 - addr%64)
		b, err := m.Read(addr, n)
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			return out, nil
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			out = append(out, b[:i]...)
			break
		}
		out = append(out, b...)
		addr += n
	}
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out, nil
}

// WriteCString writes s followed by a NUL byte.
func WriteCString(m ReadWriter, addr uint64, s string) error {
	return m.Write(addr, append([]byte(s), 0))
}
