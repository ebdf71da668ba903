package cpu

import "encoding/binary"

func (c *Interp) load(addr uint64, buf []byte) error {
	if err := c.mem.Load(addr, buf); err != nil {
		return c.fault(FaultInvalidAccess, addr, err)
	}
	return nil
}

func (c *Interp) store(addr uint64, data []byte) error {
	if err := c.mem.Store(addr, data); err != nil {
		return c.fault(FaultInvalidAccess, addr, err)
	}
	return nil
}

func (c *Interp) loadN(addr uint64, n int) (uint64, error) {
	var buf [8]byte
	if err := c.load(addr, buf[:n]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *Interp) storeN(addr, v uint64, n int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return c.store(addr, buf[:n])
}

// checkSP enforces 16-byte stack alignment for SP-based accesses.
func (c *Interp) checkSP(rn uint32) error {
	if rn == 31 && c.sp&15 != 0 {
		return c.fault(FaultAlignment, c.sp, nil)
	}
	return nil
}

func (c *Interp) vecBytes(n uint32, size int) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:], c.v128[n].Lo)
	binary.LittleEndian.PutUint64(b[8:], c.v128[n].Hi)
	return b[:size]
}

// setVecBytes writes the low bytes of Vn and clears the rest.
func (c *Interp) setVecBytes(n uint32, data []byte) {
	var b [16]byte
	copy(b[:], data)
	c.v128[n] = Vec{binary.LittleEndian.Uint64(b[0:]), binary.LittleEndian.Uint64(b[8:])}
}

type memOp struct {
	size     int
	load     bool
	signed   bool
	to64     bool
	vec      bool
	prefetch bool
}

func decodeMemOp(size, v, opc uint32) (memOp, bool) {
	op := memOp{size: 1 << size}
	if v == 1 {
		op.vec = true
		op.load = opc&1 == 1
		if opc&2 != 0 {
			if size != 0 {
				return op, false
			}
			op.size = 16
		}
		return op, true
	}
	switch opc {
	case 0:
	case 1:
		op.load = true
	case 2:
		if size == 3 {
			op.prefetch = true
			break
		}
		op.load, op.signed, op.to64 = true, true, true
	case 3:
		if size >= 2 {
			return op, false
		}
		op.load, op.signed = true, true
	}
	return op, true
}

func (c *Interp) transfer(op memOp, rt uint32, addr uint64) error {
	switch {
	case op.prefetch:
		return nil
	case op.vec && op.load:
		buf := make([]byte, op.size)
		if err := c.load(addr, buf); err != nil {
			return err
		}
		c.setVecBytes(rt, buf)
		return nil
	case op.vec:
		return c.store(addr, c.vecBytes(rt, op.size))
	case op.load:
		v, err := c.loadN(addr, op.size)
		if err != nil {
			return err
		}
		if op.signed {
			v = signExtend(v, uint(op.size*8))
			if !op.to64 {
				v = uint64(uint32(v))
			}
		}
		c.setX(rt, v)
		return nil
	}
	return c.storeN(addr, c.xr(rt), op.size)
}

func (c *Interp) execLoadStore(insn uint32) error {
	switch {
	case insn&0x3b000000 == 0x18000000:
		return c.loadLiteral(insn)
	case insn&0x3f000000 == 0x08000000:
		return c.exclusive(insn)
	case insn&0x3a000000 == 0x28000000:
		return c.pair(insn)
	case insn&0x3b000000 == 0x39000000:
		return c.unsignedOffset(insn)
	case insn&0x3b000000 == 0x38000000:
		return c.registerForms(insn)
	}
	return c.undefined()
}

func (c *Interp) loadLiteral(insn uint32) error {
	opc := insn >> 30
	rt := insn & 31
	addr := c.pc + signExtend(uint64((insn>>5)&0x7ffff)<<2, 21)
	if (insn>>26)&1 == 1 {
		if opc == 3 {
			return c.undefined()
		}
		return c.transfer(memOp{size: 4 << opc, load: true, vec: true}, rt, addr)
	}
	switch opc {
	case 0:
		return c.transfer(memOp{size: 4, load: true}, rt, addr)
	case 1:
		return c.transfer(memOp{size: 8, load: true}, rt, addr)
	case 2:
		return c.transfer(memOp{size: 4, load: true, signed: true, to64: true}, rt, addr)
	}
	return nil // PRFM
}

func (c *Interp) unsignedOffset(insn uint32) error {
	op, ok := decodeMemOp(insn>>30, (insn>>26)&1, (insn>>22)&3)
	if !ok {
		return c.undefined()
	}
	rn := (insn >> 5) & 31
	if err := c.checkSP(rn); err != nil {
		return err
	}
	addr := c.xsp(rn) + uint64((insn>>10)&0xfff)*uint64(op.size)
	return c.transfer(op, insn&31, addr)
}

func (c *Interp) registerForms(insn uint32) error {
	size := insn >> 30
	v := (insn >> 26) & 1
	rn := (insn >> 5) & 31
	rt := insn & 31

	if (insn>>21)&1 == 0 {
		op, ok := decodeMemOp(size, v, (insn>>22)&3)
		if !ok {
			return c.undefined()
		}
		if err := c.checkSP(rn); err != nil {
			return err
		}
		base := c.xsp(rn)
		imm := signExtend(uint64((insn>>12)&0x1ff), 9)
		addr, wb, writeback := base+imm, base+imm, false
		switch (insn >> 10) & 3 {
		case 1: // post-index
			addr, writeback = base, true
		case 3: // pre-index
			writeback = true
		}
		if err := c.transfer(op, rt, addr); err != nil {
			return err
		}
		if writeback {
			c.setXSP(rn, wb)
		}
		return nil
	}

	switch (insn >> 10) & 3 {
	case 2: // register offset
		op, ok := decodeMemOp(size, v, (insn>>22)&3)
		option := (insn >> 13) & 7
		if !ok || option&2 == 0 {
			return c.undefined()
		}
		var shift uint32
		if (insn>>12)&1 == 1 {
			for s := op.size; s > 1; s >>= 1 {
				shift++
			}
		}
		addr := c.xsp(rn) + extendReg(c.xr((insn>>16)&31), option, shift)
		return c.transfer(op, rt, addr)
	case 0:
		if v == 1 {
			return c.undefined()
		}
		return c.atomic(insn)
	default:
		if size == 3 && v == 0 { // LDRAA, LDRAB
			off := signExtend(uint64((insn>>22)&1)<<12|uint64((insn>>12)&0x1ff)<<3, 13)
			addr := c.xsp(rn) + off
			if err := c.transfer(memOp{size: 8, load: true}, rt, addr); err != nil {
				return err
			}
			if (insn>>11)&1 == 1 {
				c.setXSP(rn, addr)
			}
			return nil
		}
	}
	return c.undefined()
}

// atomic executes the LSE read-modify-write instructions.
func (c *Interp) atomic(insn uint32) error {
	n := 1 << (insn >> 30)
	rs := (insn >> 16) & 31
	o3 := (insn >> 15) & 1
	opc := (insn >> 12) & 7
	rt := insn & 31
	addr := c.xsp((insn >> 5) & 31)

	old, err := c.loadN(addr, n)
	if err != nil {
		return err
	}
	m := ones(uint32(n * 8))
	s := c.xr(rs) & m
	bitsN := uint(n * 8)

	var nv uint64
	switch {
	case o3 == 1 && opc == 0: // SWP
		nv = s
	case o3 == 1 && opc == 4: // LDAPR
		c.setX(rt, old)
		return nil
	case o3 == 1:
		return c.undefined()
	case opc == 0:
		nv = old + s
	case opc == 1:
		nv = old &^ s
	case opc == 2:
		nv = old ^ s
	case opc == 3:
		nv = old | s
	case opc == 4, opc == 5:
		a, b := int64(signExtend(old, bitsN)), int64(signExtend(s, bitsN))
		nv = old
		if (opc == 4 && b > a) || (opc == 5 && b < a) {
			nv = s
		}
	case opc == 6, opc == 7:
		nv = old
		if (opc == 6 && s > old) || (opc == 7 && s < old) {
			nv = s
		}
	}
	if err := c.storeN(addr, nv&m, n); err != nil {
		return err
	}
	c.setX(rt, old)
	return nil
}

func (c *Interp) pair(insn uint32) error {
	opc := insn >> 30
	vec := (insn>>26)&1 == 1
	typ := (insn >> 23) & 3
	load := (insn>>22)&1 == 1
	rt2 := (insn >> 10) & 31
	rn := (insn >> 5) & 31
	rt := insn & 31

	var op memOp
	switch {
	case vec && opc < 3:
		op = memOp{size: 4 << opc, vec: true}
	case !vec && opc == 0:
		op = memOp{size: 4}
	case !vec && opc == 1 && load: // LDPSW
		op = memOp{size: 4, signed: true, to64: true}
	case !vec && opc == 2:
		op = memOp{size: 8}
	default:
		return c.undefined()
	}
	op.load = load

	if err := c.checkSP(rn); err != nil {
		return err
	}
	base := c.xsp(rn)
	off := signExtend(uint64((insn>>15)&0x7f), 7) * uint64(op.size)
	addr, writeback := base+off, false
	switch typ {
	case 1: // post-index
		addr, writeback = base, true
	case 3: // pre-index
		writeback = true
	}

	if err := c.transfer(op, rt, addr); err != nil {
		return err
	}
	if err := c.transfer(op, rt2, addr+uint64(op.size)); err != nil {
		return err
	}
	if writeback {
		c.setXSP(rn, base+off)
	}
	return nil
}

func (c *Interp) exclusive(insn uint32) error {
	size := insn >> 30
	o2 := (insn >> 23) & 1
	load := (insn>>22)&1 == 1
	o1 := (insn >> 21) & 1
	rs := (insn >> 16) & 31
	rt2 := (insn >> 10) & 31
	rn := (insn >> 5) & 31
	rt := insn & 31
	n := 1 << size

	if err := c.checkSP(rn); err != nil {
		return err
	}
	addr := c.xsp(rn)

	switch {
	case o2 == 0 && o1 == 0: // LDXR, LDAXR, STXR, STLXR
		if load {
			v, err := c.loadN(addr, n)
			if err != nil {
				return err
			}
			c.excl, c.exclAddr = true, addr
			c.setX(rt, v)
			return nil
		}
		status := uint64(1)
		if c.excl && c.exclAddr == addr {
			if err := c.storeN(addr, c.xr(rt), n); err != nil {
				return err
			}
			status = 0
		}
		c.excl = false
		c.setR(rs, status, false)
		return nil

	case o2 == 0 && o1 == 1: // LDXP, STXP
		if size < 2 {
			return c.undefined()
		}
		op := memOp{size: n, load: load}
		if load {
			if err := c.transfer(op, rt, addr); err != nil {
				return err
			}
			c.excl, c.exclAddr = true, addr
			return c.transfer(op, rt2, addr+uint64(n))
		}
		status := uint64(1)
		if c.excl && c.exclAddr == addr {
			if err := c.transfer(op, rt, addr); err != nil {
				return err
			}
			if err := c.transfer(op, rt2, addr+uint64(n)); err != nil {
				return err
			}
			status = 0
		}
		c.excl = false
		c.setR(rs, status, false)
		return nil

	case o2 == 1 && o1 == 0: // LDAR, STLR
		return c.transfer(memOp{size: n, load: load}, rt, addr)

	default: // CAS, CASA, CASL, CASAL
		old, err := c.loadN(addr, n)
		if err != nil {
			return err
		}
		if old == c.xr(rs)&ones(uint32(n*8)) {
			if err := c.storeN(addr, c.xr(rt), n); err != nil {
				return err
			}
		}
		c.setX(rs, old)
		return nil
	}
}
