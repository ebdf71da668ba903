package darwin

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/zboralski/tarsier/internal/cpu"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// maxDigestInput bounds one CC_* input buffer.
const maxDigestInput = 1 << 24

func init() {
	digest := func(name string, h func() hash.Hash) {
		stubs.RegisterFunc("commoncrypto", name, func(emu *emulator.Emulator) (cpu.Action, error) {
			return oneShot(emu, name, h())
		})
	}
	digest("CC_MD5", md5.New)
	digest("CC_SHA1", sha1.New)
	digest("CC_SHA256", sha256.New)
	digest("CC_SHA512", sha512.New)
	stubs.RegisterFunc("commoncrypto", "CCHmac", stubCCHmac)
}

// unsigned char *CC_MD5(const void *data, CC_LONG len, unsigned char *md)
func oneShot(emu *emulator.Emulator, name string, h hash.Hash) (cpu.Action, error) {
	data, n, md := emu.X(0), emu.X(1)&0xffffffff, emu.X(2)
	if n > maxDigestInput {
		return stubs.Return(emu, 0)
	}
	if n > 0 {
		in, err := emu.MemRead(data, n)
		if err != nil {
			return cpu.Continue, err
		}
		h.Write(in)
	}
	if err := emu.MemWrite(md, h.Sum(nil)); err != nil {
		return cpu.Continue, err
	}
	stubs.Log(emu, "commoncrypto", name, stubs.FormatPtrPair("len", n, "md", md))
	return stubs.Return(emu, md)
}

// CCHmacAlgorithm values.
var hmacAlgs = map[uint64]func() hash.Hash{
	0: sha1.New,
	1: md5.New,
	2: sha256.New,
	4: sha512.New,
}

// void CCHmac(CCHmacAlgorithm alg, const void *key, size_t keyLength,
// const void *data, size_t dataLength, void *macOut)
func stubCCHmac(emu *emulator.Emulator) (cpu.Action, error) {
	alg, key, keyLen := emu.X(0), emu.X(1), emu.X(2)
	data, dataLen, out := emu.X(3), emu.X(4), emu.X(5)
	newHash, ok := hmacAlgs[alg]
	if !ok || keyLen > maxDigestInput || dataLen > maxDigestInput {
		stubs.Log(emu, "commoncrypto", "CCHmac", stubs.FormatPtr("unsupported alg", alg))
		return cpu.Return, nil
	}
	var k, d []byte
	var err error
	if keyLen > 0 {
		if k, err = emu.MemRead(key, keyLen); err != nil {
			return cpu.Continue, err
		}
	}
	if dataLen > 0 {
		if d, err = emu.MemRead(data, dataLen); err != nil {
			return cpu.Continue, err
		}
	}
	mac := hmac.New(newHash, k)
	mac.Write(d)
	if err := emu.MemWrite(out, mac.Sum(nil)); err != nil {
		return cpu.Continue, err
	}
	return cpu.Return, nil
}
