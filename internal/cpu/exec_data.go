package cpu

import (
	"hash/crc32"
	"math/bits"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (c *Interp) execDataImm(insn uint32) error {
	sf := insn>>31 == 1
	rd := insn & 31
	rn := (insn >> 5) & 31

	switch (insn >> 23) & 7 {
	case 0, 1: // ADR, ADRP
		imm := signExtend(uint64((insn>>5)&0x7ffff)<<2|uint64((insn>>29)&3), 21)
		if insn>>31 == 0 {
			c.setX(rd, c.pc+imm)
		} else {
			c.setX(rd, c.pc&^0xfff+imm<<12)
		}
		return nil

	case 2: // ADD/SUB (immediate)
		imm := uint64((insn >> 10) & 0xfff)
		if (insn>>22)&1 == 1 {
			imm <<= 12
		}
		return c.addSub(insn, c.xsp(rn), imm, true)

	case 4: // logical (immediate)
		immN := (insn >> 22) & 1
		if !sf && immN == 1 {
			return c.undefined()
		}
		imm, _, ok := decodeBitMasks(immN, (insn>>10)&0x3f, (insn>>16)&0x3f, true, width(sf))
		if !ok {
			return c.undefined()
		}
		x := c.xr(rn)
		switch (insn >> 29) & 3 {
		case 0:
			c.setRSP(rd, x&imm, sf)
		case 1:
			c.setRSP(rd, x|imm, sf)
		case 2:
			c.setRSP(rd, x^imm, sf)
		case 3:
			c.logicFlags(x&imm, sf)
			c.setR(rd, x&imm, sf)
		}
		return nil

	case 5: // move wide
		opc := (insn >> 29) & 3
		hw := (insn >> 21) & 3
		if opc == 1 || (!sf && hw > 1) {
			return c.undefined()
		}
		shift := hw * 16
		imm := uint64((insn>>5)&0xffff) << shift
		switch opc {
		case 0:
			c.setR(rd, ^imm, sf)
		case 2:
			c.setR(rd, imm, sf)
		case 3:
			c.setR(rd, c.xr(rd)&^(0xffff<<shift)|imm, sf)
		}
		return nil

	case 6: // bitfield
		return c.bitfield(insn)

	case 7: // EXTR
		if (insn>>29)&3 != 0 || (insn>>21)&1 != 0 || (insn>>22)&1 != insn>>31 {
			return c.undefined()
		}
		lsb := (insn >> 10) & 0x3f
		if !sf && lsb > 31 {
			return c.undefined()
		}
		hi, lo := c.xr(rn), c.xr((insn>>16)&31)
		var r uint64
		if sf {
			if lsb == 0 {
				r = lo
			} else {
				r = lo>>lsb | hi<<(64-lsb)
			}
		} else {
			r = (uint64(uint32(hi))<<32 | uint64(uint32(lo))) >> lsb
		}
		c.setR(rd, r, sf)
		return nil
	}
	return c.undefined()
}

// addSub executes the ADD/ADDS/SUB/SUBS family once operand 2 is known.
// spForms selects whether Rd may be SP when flags are not set.
func (c *Interp) addSub(insn uint32, x, y uint64, spForms bool) error {
	sf := insn>>31 == 1
	sub := (insn>>30)&1 == 1
	setFlags := (insn>>29)&1 == 1
	rd := insn & 31

	carry := uint64(0)
	if sub {
		y = ^y
		carry = 1
	}
	res, n, z, cf, v := addWithCarry(x, y, carry, sf)
	if setFlags {
		c.n, c.z, c.c, c.v = n, z, cf, v
		c.setR(rd, res, sf)
		return nil
	}
	if spForms {
		c.setRSP(rd, res, sf)
	} else {
		c.setR(rd, res, sf)
	}
	return nil
}

func (c *Interp) logicFlags(r uint64, sf bool) {
	if sf {
		c.n = int64(r) < 0
		c.z = r == 0
	} else {
		c.n = int32(r) < 0
		c.z = uint32(r) == 0
	}
	c.c, c.v = false, false
}

func (c *Interp) bitfield(insn uint32) error {
	sf := insn>>31 == 1
	opc := (insn >> 29) & 3
	immN := (insn >> 22) & 1
	immr := (insn >> 16) & 0x3f
	imms := (insn >> 10) & 0x3f
	rn := (insn >> 5) & 31
	rd := insn & 31

	if opc == 3 || immN != insn>>31 || (!sf && (immr > 31 || imms > 31)) {
		return c.undefined()
	}
	size := width(sf)
	wmask, tmask, ok := decodeBitMasks(immN, imms, immr, false, size)
	if !ok {
		return c.undefined()
	}
	src := c.xr(rn) & ones(size)
	bot := rorN(src, immr, size) & wmask

	var res uint64
	switch opc {
	case 0: // SBFM
		var top uint64
		if src>>imms&1 == 1 {
			top = ones(size)
		}
		res = top&^tmask | bot&tmask
	case 1: // BFM
		dst := c.xr(rd)
		bot = dst&^wmask | rorN(src, immr, size)&wmask
		res = dst&^tmask | bot&tmask
	case 2: // UBFM
		res = bot & tmask
	}
	c.setR(rd, res, sf)
	return nil
}

func (c *Interp) execDataReg(insn uint32) error {
	sf := insn>>31 == 1
	rd := insn & 31
	rn := (insn >> 5) & 31
	rm := (insn >> 16) & 31

	switch {
	case insn&0x1f000000 == 0x0a000000: // logical (shifted register)
		amount := (insn >> 10) & 0x3f
		if !sf && amount > 31 {
			return c.undefined()
		}
		y := shiftReg(c.xr(rm), (insn>>22)&3, amount, sf)
		if (insn>>21)&1 == 1 {
			y = ^y
		}
		x := c.xr(rn)
		var r uint64
		switch (insn >> 29) & 3 {
		case 0:
			r = x & y
		case 1:
			r = x | y
		case 2:
			r = x ^ y
		case 3:
			r = x & y
			c.logicFlags(r, sf)
		}
		c.setR(rd, r, sf)
		return nil

	case insn&0x1f200000 == 0x0b000000: // add/sub (shifted register)
		typ := (insn >> 22) & 3
		amount := (insn >> 10) & 0x3f
		if typ == 3 || (!sf && amount > 31) {
			return c.undefined()
		}
		return c.addSub(insn, c.xr(rn), shiftReg(c.xr(rm), typ, amount, sf), false)

	case insn&0x1f200000 == 0x0b200000: // add/sub (extended register)
		shift := (insn >> 10) & 7
		if shift > 4 || (insn>>22)&3 != 0 {
			return c.undefined()
		}
		y := extendReg(c.xr(rm), (insn>>13)&7, shift)
		return c.addSub(insn, c.xsp(rn), y, true)

	case insn&0x1fe0fc00 == 0x1a000000: // ADC/SBC
		y := c.xr(rm)
		if (insn>>30)&1 == 1 {
			y = ^y
		}
		var carry uint64
		if c.c {
			carry = 1
		}
		res, n, z, cf, v := addWithCarry(c.xr(rn), y, carry, sf)
		if (insn>>29)&1 == 1 {
			c.n, c.z, c.c, c.v = n, z, cf, v
		}
		c.setR(rd, res, sf)
		return nil

	case insn&0x1fe00010 == 0x1a400000: // CCMN/CCMP (register or immediate)
		if (insn>>29)&1 != 1 || (insn>>10)&1 != 0 {
			return c.undefined()
		}
		if !c.cond((insn >> 12) & 0xf) {
			c.setNZCV(uint64(insn&0xf) << 28)
			return nil
		}
		var y uint64
		if (insn>>11)&1 == 1 {
			y = uint64(rm)
		} else {
			y = c.xr(rm)
		}
		carry := uint64(0)
		if (insn>>30)&1 == 1 {
			y = ^y
			carry = 1
		}
		_, n, z, cf, v := addWithCarry(c.xr(rn), y, carry, sf)
		c.n, c.z, c.c, c.v = n, z, cf, v
		return nil

	case insn&0x1fe00000 == 0x1a800000: // conditional select
		if (insn>>29)&1 != 0 || (insn>>11)&1 != 0 {
			return c.undefined()
		}
		var r uint64
		if c.cond((insn >> 12) & 0xf) {
			r = c.xr(rn)
		} else {
			r = c.xr(rm)
			switch (insn>>30)&1<<1 | (insn>>10)&1 {
			case 1:
				r++
			case 2:
				r = ^r
			case 3:
				r = -r
			}
		}
		c.setR(rd, r, sf)
		return nil

	case insn&0x5fe00000 == 0x1ac00000: // data-processing (2 source)
		return c.dataProc2(insn)

	case insn&0x5fe00000 == 0x5ac00000: // data-processing (1 source)
		return c.dataProc1(insn)

	case insn&0x1f000000 == 0x1b000000: // data-processing (3 source)
		return c.dataProc3(insn)
	}
	return c.undefined()
}

func (c *Interp) dataProc2(insn uint32) error {
	sf := insn>>31 == 1
	rd := insn & 31
	x := c.xr((insn >> 5) & 31)
	y := c.xr((insn >> 16) & 31)
	op := (insn >> 10) & 0x3f

	if (insn>>29)&1 != 0 {
		return c.undefined()
	}
	switch op {
	case 2: // UDIV
		var r uint64
		if sf {
			if y != 0 {
				r = x / y
			}
		} else if uint32(y) != 0 {
			r = uint64(uint32(x) / uint32(y))
		}
		c.setR(rd, r, sf)
	case 3: // SDIV
		var r uint64
		if sf {
			if y != 0 {
				r = uint64(int64(x) / int64(y))
			}
		} else if int32(y) != 0 {
			r = uint64(uint32(int32(x) / int32(y)))
		}
		c.setR(rd, r, sf)
	case 8, 9, 10, 11: // LSLV, LSRV, ASRV, RORV
		c.setR(rd, shiftReg(x, op-8, uint32(y), sf), sf)
	case 12: // PACGA
		c.setR(rd, 0, sf)
	case 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17: // CRC32{B,H,W,X}, CRC32C{B,H,W,X}
		sz := op & 3
		if (sz == 3) != sf {
			return c.undefined()
		}
		tab := crc32.IEEETable
		if op&4 != 0 {
			tab = castagnoli
		}
		n := 1 << sz
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte(y >> (8 * i))
		}
		acc := uint32(x)
		c.setR(rd, uint64(^crc32.Update(^acc, tab, buf)), false)
	default:
		return c.undefined()
	}
	return nil
}

func (c *Interp) dataProc1(insn uint32) error {
	sf := insn>>31 == 1
	rd := insn & 31
	rn := (insn >> 5) & 31
	op2 := (insn >> 16) & 31
	op := (insn >> 10) & 0x3f

	if (insn>>29)&1 != 0 {
		return c.undefined()
	}
	if op2 == 1 {
		// PAC*, AUT*, XPAC*: pointers are never signed here
		if !sf {
			return c.undefined()
		}
		return nil
	}
	if op2 != 0 {
		return c.undefined()
	}
	x := c.xr(rn)
	switch op {
	case 0: // RBIT
		if sf {
			c.setR(rd, bits.Reverse64(x), sf)
		} else {
			c.setR(rd, uint64(bits.Reverse32(uint32(x))), sf)
		}
	case 1: // REV16
		var r uint64
		for i := 0; i < 64; i += 16 {
			h := uint16(x >> i)
			r |= uint64(bits.ReverseBytes16(h)) << i
		}
		c.setR(rd, r, sf)
	case 2: // REV (32-bit) / REV32
		if sf {
			lo := bits.ReverseBytes32(uint32(x))
			hi := bits.ReverseBytes32(uint32(x >> 32))
			c.setR(rd, uint64(hi)<<32|uint64(lo), sf)
		} else {
			c.setR(rd, uint64(bits.ReverseBytes32(uint32(x))), sf)
		}
	case 3: // REV
		if !sf {
			return c.undefined()
		}
		c.setR(rd, bits.ReverseBytes64(x), sf)
	case 4: // CLZ
		if sf {
			c.setR(rd, uint64(bits.LeadingZeros64(x)), sf)
		} else {
			c.setR(rd, uint64(bits.LeadingZeros32(uint32(x))), sf)
		}
	case 5: // CLS
		if sf {
			c.setR(rd, uint64(bits.LeadingZeros64(x^uint64(int64(x)>>1))-1), sf)
		} else {
			w := uint32(x)
			c.setR(rd, uint64(bits.LeadingZeros32(w^uint32(int32(w)>>1))-1), sf)
		}
	default:
		return c.undefined()
	}
	return nil
}

func (c *Interp) dataProc3(insn uint32) error {
	sf := insn>>31 == 1
	rd := insn & 31
	x := c.xr((insn >> 5) & 31)
	y := c.xr((insn >> 16) & 31)
	a := c.xr((insn >> 10) & 31)
	o0 := (insn >> 15) & 1

	if (insn>>29)&3 != 0 {
		return c.undefined()
	}
	switch (insn >> 21) & 7 {
	case 0: // MADD, MSUB
		if o0 == 0 {
			c.setR(rd, a+x*y, sf)
		} else {
			c.setR(rd, a-x*y, sf)
		}
	case 1: // SMADDL, SMSUBL
		if !sf {
			return c.undefined()
		}
		p := uint64(int64(int32(x)) * int64(int32(y)))
		if o0 == 0 {
			c.setX(rd, a+p)
		} else {
			c.setX(rd, a-p)
		}
	case 2: // SMULH
		if !sf || o0 != 0 {
			return c.undefined()
		}
		hi, _ := bits.Mul64(x, y)
		if int64(x) < 0 {
			hi -= y
		}
		if int64(y) < 0 {
			hi -= x
		}
		c.setX(rd, hi)
	case 5: // UMADDL, UMSUBL
		if !sf {
			return c.undefined()
		}
		p := uint64(uint32(x)) * uint64(uint32(y))
		if o0 == 0 {
			c.setX(rd, a+p)
		} else {
			c.setX(rd, a-p)
		}
	case 6: // UMULH
		if !sf || o0 != 0 {
			return c.undefined()
		}
		hi, _ := bits.Mul64(x, y)
		c.setX(rd, hi)
	default:
		return c.undefined()
	}
	return nil
}
