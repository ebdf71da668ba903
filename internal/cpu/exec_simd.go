package cpu

import "math"

// Rounding modes as encoded in the FP conversion rmode field, plus ties-away.
const (
	roundNearest = iota
	roundPlusInf
	roundMinusInf
	roundZero
	roundAway
)

func (c *Interp) execSIMD(insn uint32) error {
	switch {
	case insn&0x5f200000 == 0x1e200000:
		return c.fpScalar(insn)
	case insn&0x5f000000 == 0x1f000000:
		return c.fpFused(insn)
	case insn&0x9ff80400 == 0x0f000400:
		return c.vecImmediate(insn)
	case insn&0x9fe08400 == 0x0e000400:
		return c.vecCopy(insn)
	case insn&0x9f200400 == 0x0e200400:
		return c.vecThreeSame(insn)
	}
	return c.undefined()
}

func (c *Interp) fpRead(n uint32, double bool) float64 {
	if double {
		return math.Float64frombits(c.v128[n].Lo)
	}
	return float64(math.Float32frombits(uint32(c.v128[n].Lo)))
}

func (c *Interp) fpWrite(n uint32, f float64, double bool) {
	if double {
		c.v128[n] = Vec{Lo: math.Float64bits(f)}
		return
	}
	c.v128[n] = Vec{Lo: uint64(math.Float32bits(float32(f)))}
}

func roundFP(f float64, mode uint32) float64 {
	switch mode {
	case roundPlusInf:
		return math.Ceil(f)
	case roundMinusInf:
		return math.Floor(f)
	case roundZero:
		return math.Trunc(f)
	case roundAway:
		return math.Round(f)
	}
	return math.RoundToEven(f)
}

// fpToInt converts with ARM saturation: NaN is 0, out of range clamps.
func fpToInt(f float64, signed, sf bool, mode uint32) uint64 {
	if math.IsNaN(f) {
		return 0
	}
	r := roundFP(f, mode)
	w := 32
	if sf {
		w = 64
	}
	if signed {
		hi := math.Ldexp(1, w-1)
		switch {
		case r >= hi:
			return uint64(1)<<(w-1) - 1
		case r < -hi:
			return uint64(int64(-1) << (w - 1))
		}
		return uint64(int64(r))
	}
	if r <= 0 {
		return 0
	}
	if r >= math.Ldexp(1, w) {
		return ones(uint32(w))
	}
	return uint64(r)
}

func (c *Interp) fpScalar(insn uint32) error {
	ftype := (insn >> 22) & 3
	rm := (insn >> 16) & 31
	rn := (insn >> 5) & 31
	rd := insn & 31

	if (insn>>10)&0x3f == 0 {
		return c.fpConvert(insn)
	}
	if insn>>31 == 1 || ftype > 1 {
		return c.undefined()
	}
	double := ftype == 1

	switch {
	case (insn>>10)&0x1f == 0x10: // 1-source
		return c.fpOneSource(insn, double)

	case (insn>>10)&0xf == 0x8: // FCMP, FCMPE
		a := c.fpRead(rn, double)
		b := 0.0
		if insn&0x8 == 0 {
			b = c.fpRead(rm, double)
		}
		c.setNZCV(fpCompare(a, b))
		return nil

	case (insn>>10)&0x7 == 0x4: // FMOV (immediate)
		c.v128[rd] = Vec{Lo: vfpExpandImm((insn>>13)&0xff, double)}
		return nil

	case (insn>>10)&3 == 1: // FCCMP, FCCMPE
		if c.cond((insn >> 12) & 0xf) {
			c.setNZCV(fpCompare(c.fpRead(rn, double), c.fpRead(rm, double)))
		} else {
			c.setNZCV(uint64(insn&0xf) << 28)
		}
		return nil

	case (insn>>10)&3 == 2: // 2-source
		a, b := c.fpRead(rn, double), c.fpRead(rm, double)
		var r float64
		switch (insn >> 12) & 0xf {
		case 0:
			r = a * b
		case 1:
			r = a / b
		case 2:
			r = a + b
		case 3:
			r = a - b
		case 4:
			r = math.Max(a, b)
		case 5:
			r = math.Min(a, b)
		case 6:
			r = maxNum(a, b)
		case 7:
			r = minNum(a, b)
		case 8:
			r = -(a * b)
		default:
			return c.undefined()
		}
		c.fpWrite(rd, r, double)
		return nil

	default: // FCSEL
		src := rm
		if c.cond((insn >> 12) & 0xf) {
			src = rn
		}
		lo := c.v128[src].Lo
		if !double {
			lo = uint64(uint32(lo))
		}
		c.v128[rd] = Vec{Lo: lo}
		return nil
	}
}

func maxNum(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Max(a, b)
}

func minNum(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Min(a, b)
}

func fpCompare(a, b float64) uint64 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		return 0x3 << 28
	case a == b:
		return 0x6 << 28
	case a < b:
		return 0x8 << 28
	}
	return 0x2 << 28
}

// vfpExpandImm expands the 8-bit FMOV immediate to a single or double.
func vfpExpandImm(imm8 uint32, double bool) uint64 {
	sign := uint64(imm8 >> 7)
	b6 := uint64(imm8>>6) & 1
	hi2 := uint64(imm8>>4) & 3
	frac := uint64(imm8 & 0xf)
	if double {
		exp := (b6^1)<<10 | b6*0xff<<2 | hi2
		return sign<<63 | exp<<52 | frac<<48
	}
	exp := (b6^1)<<7 | b6*0x1f<<2 | hi2
	return sign<<31 | exp<<23 | frac<<19
}

func (c *Interp) fpOneSource(insn uint32, double bool) error {
	rn := (insn >> 5) & 31
	rd := insn & 31
	opc := (insn >> 15) & 0x3f
	lo := c.v128[rn].Lo
	signBit := uint64(1) << 31
	if double {
		signBit = 1 << 63
	} else {
		lo = uint64(uint32(lo))
	}

	switch {
	case opc == 0: // FMOV
		c.v128[rd] = Vec{Lo: lo}
	case opc == 1: // FABS
		c.v128[rd] = Vec{Lo: lo &^ signBit}
	case opc == 2: // FNEG
		c.v128[rd] = Vec{Lo: lo ^ signBit}
	case opc == 3:
		c.fpWrite(rd, math.Sqrt(c.fpRead(rn, double)), double)
	case opc == 4 && double: // FCVT Sd, Dn
		c.fpWrite(rd, c.fpRead(rn, true), false)
	case opc == 5 && !double: // FCVT Dd, Sn
		c.fpWrite(rd, c.fpRead(rn, false), true)
	case opc >= 8 && opc <= 15 && opc != 13: // FRINT*
		mode := uint32(roundNearest)
		if opc <= 12 {
			mode = []uint32{roundNearest, roundPlusInf, roundMinusInf, roundZero, roundAway}[opc-8]
		}
		c.fpWrite(rd, roundFP(c.fpRead(rn, double), mode), double)
	default:
		return c.undefined()
	}
	return nil
}

func (c *Interp) fpConvert(insn uint32) error {
	sf := insn>>31 == 1
	ftype := (insn >> 22) & 3
	rmode := (insn >> 19) & 3
	opc := (insn >> 16) & 7
	rn := (insn >> 5) & 31
	rd := insn & 31

	switch {
	case rmode == 0 && opc == 6 && ftype < 2: // FMOV Rd, Vn
		v := c.v128[rn].Lo
		if ftype == 0 {
			v = uint64(uint32(v))
		}
		c.setX(rd, v)
		return nil
	case rmode == 0 && opc == 7 && ftype < 2: // FMOV Vd, Rn
		v := c.xr(rn)
		if !sf {
			v = uint64(uint32(v))
		}
		c.v128[rd] = Vec{Lo: v}
		return nil
	case ftype == 2 && rmode == 1 && opc == 6: // FMOV Xd, Vn.D[1]
		c.setX(rd, c.v128[rn].Hi)
		return nil
	case ftype == 2 && rmode == 1 && opc == 7: // FMOV Vd.D[1], Xn
		c.v128[rd].Hi = c.xr(rn)
		return nil
	case ftype > 1:
		return c.undefined()
	}
	double := ftype == 1

	switch opc {
	case 2, 3: // SCVTF, UCVTF
		if rmode != 0 {
			return c.undefined()
		}
		v := c.xr(rn)
		signed := opc == 2
		if double {
			var f float64
			switch {
			case !sf && signed:
				f = float64(int32(v))
			case !sf:
				f = float64(uint32(v))
			case signed:
				f = float64(int64(v))
			default:
				f = float64(v)
			}
			c.fpWrite(rd, f, true)
			return nil
		}
		var f float32
		switch {
		case !sf && signed:
			f = float32(int32(v))
		case !sf:
			f = float32(uint32(v))
		case signed:
			f = float32(int64(v))
		default:
			f = float32(v)
		}
		c.v128[rd] = Vec{Lo: uint64(math.Float32bits(f))}
		return nil

	case 0, 1: // FCVTNS/PS/MS/ZS and unsigned variants
		c.setR(rd, fpToInt(c.fpRead(rn, double), opc == 0, sf, rmode), sf)
		return nil

	case 4, 5: // FCVTAS, FCVTAU
		if rmode != 0 {
			return c.undefined()
		}
		c.setR(rd, fpToInt(c.fpRead(rn, double), opc == 4, sf, roundAway), sf)
		return nil
	}
	return c.undefined()
}

// fpFused handles FMADD, FMSUB, FNMADD and FNMSUB.
func (c *Interp) fpFused(insn uint32) error {
	ftype := (insn >> 22) & 3
	if insn>>31 == 1 || ftype > 1 {
		return c.undefined()
	}
	double := ftype == 1
	n := c.fpRead((insn>>5)&31, double)
	m := c.fpRead((insn>>16)&31, double)
	a := c.fpRead((insn>>10)&31, double)
	o1 := (insn >> 21) & 1
	o0 := (insn >> 15) & 1

	var r float64
	switch o1<<1 | o0 {
	case 0:
		r = math.FMA(n, m, a)
	case 1:
		r = math.FMA(-n, m, a)
	case 2:
		r = math.FMA(-n, m, -a)
	default:
		r = math.FMA(n, m, -a)
	}
	c.fpWrite(insn&31, r, double)
	return nil
}

func advSIMDExpandImm(op, cmode, imm8 uint32) uint64 {
	v := uint64(imm8)
	switch cmode >> 1 {
	case 0:
		return replicate(v, 32, 64)
	case 1:
		return replicate(v<<8, 32, 64)
	case 2:
		return replicate(v<<16, 32, 64)
	case 3:
		return replicate(v<<24, 32, 64)
	case 4:
		return replicate(v, 16, 64)
	case 5:
		return replicate(v<<8, 16, 64)
	case 6:
		if cmode&1 == 0 {
			return replicate(v<<8|0xff, 32, 64)
		}
		return replicate(v<<16|0xffff, 32, 64)
	}
	switch {
	case cmode&1 == 0 && op == 0:
		return replicate(v, 8, 64)
	case cmode&1 == 0:
		var out uint64
		for i := uint(0); i < 8; i++ {
			if imm8>>i&1 == 1 {
				out |= 0xff << (i * 8)
			}
		}
		return out
	case op == 0:
		return replicate(vfpExpandImm(imm8, false), 32, 64)
	}
	return vfpExpandImm(imm8, true)
}

// vecImmediate handles MOVI, MVNI, ORR, BIC and FMOV (vector, immediate).
func (c *Interp) vecImmediate(insn uint32) error {
	q := (insn>>30)&1 == 1
	op := (insn >> 29) & 1
	cmode := (insn >> 12) & 0xf
	imm8 := (insn>>16)&7<<5 | (insn>>5)&0x1f
	rd := insn & 31

	imm := advSIMDExpandImm(op, cmode, imm8)
	cur := c.v128[rd]
	var res Vec
	switch {
	case cmode&0x9 == 0x1 || cmode&0xd == 0x9:
		if op == 0 {
			res = Vec{cur.Lo | imm, cur.Hi | imm}
		} else {
			res = Vec{cur.Lo &^ imm, cur.Hi &^ imm}
		}
	case cmode >= 0xe:
		res = Vec{imm, imm}
	default:
		if op == 1 {
			imm = ^imm
		}
		res = Vec{imm, imm}
	}
	if !q {
		res.Hi = 0
	}
	c.v128[rd] = res
	return nil
}

func elem(v Vec, idx, esize uint32) uint64 {
	bit := idx * esize
	w := v.Lo
	if bit >= 64 {
		w = v.Hi
		bit -= 64
	}
	return (w >> bit) & ones(esize)
}

func setElem(v Vec, idx, esize uint32, x uint64) Vec {
	bit := idx * esize
	m := ones(esize)
	x &= m
	if bit >= 64 {
		bit -= 64
		v.Hi = v.Hi&^(m<<bit) | x<<bit
	} else {
		v.Lo = v.Lo&^(m<<bit) | x<<bit
	}
	return v
}

// vecCopy handles DUP, INS, SMOV and UMOV.
func (c *Interp) vecCopy(insn uint32) error {
	q := (insn>>30)&1 == 1
	op := (insn >> 29) & 1
	imm5 := (insn >> 16) & 0x1f
	imm4 := (insn >> 11) & 0xf
	rn := (insn >> 5) & 31
	rd := insn & 31

	var size uint32
	for size = 0; size < 4 && imm5>>size&1 == 0; size++ {
	}
	if size == 4 {
		return c.undefined()
	}
	esize := uint32(8) << size
	idx := imm5 >> (size + 1)
	lanes := uint32(64) / esize
	if q {
		lanes *= 2
	}

	if op == 1 { // INS (element)
		src := elem(c.v128[rn], imm4>>size, esize)
		c.v128[rd] = setElem(c.v128[rd], idx, esize, src)
		return nil
	}

	dup := func(x uint64) {
		var res Vec
		for i := uint32(0); i < lanes; i++ {
			res = setElem(res, i, esize, x)
		}
		c.v128[rd] = res
	}

	switch imm4 {
	case 0: // DUP (element)
		dup(elem(c.v128[rn], idx, esize))
	case 1: // DUP (general)
		dup(c.xr(rn))
	case 3: // INS (general)
		c.v128[rd] = setElem(c.v128[rd], idx, esize, c.xr(rn))
	case 5: // SMOV
		v := signExtend(elem(c.v128[rn], idx, esize), uint(esize))
		c.setR(rd, v, q)
	case 7: // UMOV
		c.setX(rd, elem(c.v128[rn], idx, esize))
	default:
		return c.undefined()
	}
	return nil
}

// vecThreeSame handles the bitwise group, ADD, SUB and CMEQ.
func (c *Interp) vecThreeSame(insn uint32) error {
	q := (insn>>30)&1 == 1
	u := (insn >> 29) & 1
	size := (insn >> 22) & 3
	opcode := (insn >> 11) & 0x1f
	n, m, d := c.v128[(insn>>5)&31], c.v128[(insn>>16)&31], c.v128[insn&31]

	var res Vec
	switch opcode {
	case 0x03:
		bitwise := func(n, m, d uint64) uint64 {
			switch u<<2 | size {
			case 0:
				return n & m
			case 1:
				return n &^ m
			case 2:
				return n | m
			case 3:
				return n | ^m
			case 4:
				return n ^ m
			case 5: // BSL
				return d&n | ^d&m
			case 6: // BIT
				return d&^m | n&m
			}
			return d&m | n&^m // BIF
		}
		res = Vec{bitwise(n.Lo, m.Lo, d.Lo), bitwise(n.Hi, m.Hi, d.Hi)}

	case 0x10, 0x11:
		if opcode == 0x11 && u == 0 { // CMTST
			return c.undefined()
		}
		esize := uint32(8) << size
		lanes := uint32(128) / esize
		for i := uint32(0); i < lanes; i++ {
			a, b := elem(n, i, esize), elem(m, i, esize)
			var r uint64
			switch {
			case opcode == 0x11:
				if a == b {
					r = ^uint64(0)
				}
			case u == 0:
				r = a + b
			default:
				r = a - b
			}
			res = setElem(res, i, esize, r)
		}

	default:
		return c.undefined()
	}
	if !q {
		res.Hi = 0
	}
	c.v128[insn&31] = res
	return nil
}
