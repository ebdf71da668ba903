package cpu

import "math/bits"

func signExtend(v uint64, width uint) uint64 {
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}

func ones(n uint32) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

func rorN(v uint64, r uint32, size uint32) uint64 {
	mask := ones(size)
	v &= mask
	r %= size
	if r == 0 {
		return v
	}
	return (v>>r | v<<(size-r)) & mask
}

func replicate(v uint64, esize, m uint32) uint64 {
	var out uint64
	for i := uint32(0); i < m; i += esize {
		out |= v << i
	}
	return out & ones(m)
}

// decodeBitMasks implements the ARM DecodeBitMasks pseudocode used by the
// logical-immediate and bitfield encodings.
func decodeBitMasks(immN, imms, immr uint32, immediate bool, m uint32) (wmask, tmask uint64, ok bool) {
	combined := immN<<6 | (^imms & 0x3f)
	length := bits.Len32(combined) - 1
	if length < 1 {
		return 0, 0, false
	}
	levels := uint32(1)<<uint(length) - 1
	if immediate && imms&levels == levels {
		return 0, 0, false
	}
	s := imms & levels
	r := immr & levels
	d := (s - r) & levels
	esize := uint32(1) << uint(length)
	if esize > m {
		return 0, 0, false
	}
	welem := ones(s + 1)
	telem := ones(d + 1)
	wmask = replicate(rorN(welem, r, esize), esize, m)
	tmask = replicate(telem, esize, m)
	return wmask, tmask, true
}

// addWithCarry returns x+y+carry in the requested width with NZCV.
func addWithCarry(x, y, carry uint64, sf bool) (res uint64, n, z, c, v bool) {
	if sf {
		sum, co := bits.Add64(x, y, carry)
		return sum, int64(sum) < 0, sum == 0, co != 0, ((x^sum)&(y^sum))>>63 != 0
	}
	x32, y32 := uint32(x), uint32(y)
	wide := uint64(x32) + uint64(y32) + carry
	r := uint32(wide)
	return uint64(r), int32(r) < 0, r == 0, wide>>32 != 0, ((x32^r)&(y32^r))>>31 != 0
}

func shiftReg(v uint64, typ, amount uint32, sf bool) uint64 {
	if !sf {
		w := uint32(v)
		amount &= 31
		switch typ {
		case 0:
			return uint64(w << amount)
		case 1:
			return uint64(w >> amount)
		case 2:
			return uint64(uint32(int32(w) >> amount))
		default:
			return uint64(bits.RotateLeft32(w, -int(amount)))
		}
	}
	amount &= 63
	switch typ {
	case 0:
		return v << amount
	case 1:
		return v >> amount
	case 2:
		return uint64(int64(v) >> amount)
	default:
		return bits.RotateLeft64(v, -int(amount))
	}
}

func extendReg(v uint64, option, shift uint32) uint64 {
	switch option {
	case 0:
		v = uint64(uint8(v))
	case 1:
		v = uint64(uint16(v))
	case 2:
		v = uint64(uint32(v))
	case 4:
		v = uint64(int64(int8(v)))
	case 5:
		v = uint64(int64(int16(v)))
	case 6:
		v = uint64(int64(int32(v)))
	}
	return v << shift
}

func mask(sf bool) uint64 {
	if sf {
		return ^uint64(0)
	}
	return 0xffffffff
}

func width(sf bool) uint32 {
	if sf {
		return 64
	}
	return 32
}
