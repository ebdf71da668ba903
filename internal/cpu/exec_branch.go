package cpu

import (
	"fmt"
	"time"
)

// System register keys: op0:op1:CRn:CRm:op2 as encoded in bits 20..5.
const (
	sysNZCV      = 0xda10
	sysFPCR      = 0xda20
	sysFPSR      = 0xda21
	sysTPIDR     = 0xde82
	sysTPIDRRO   = 0xde83
	sysCNTFRQ    = 0xdf00
	sysCNTVCT    = 0xdf02
	sysDCZID     = 0xd807
	sysMIDR      = 0xc000
	sysCTR       = 0xd801
	dczBlockSize = 64
)

// Counter frequency reported to the guest, matching Apple silicon.
const counterFreq = 24000000

var bootTime = time.Now()

func (c *Interp) execBranchSys(insn uint32) error {
	switch {
	case insn&0x7c000000 == 0x14000000: // B, BL
		off := signExtend(uint64(insn&0x3ffffff)<<2, 28)
		if insn>>31 == 1 {
			c.x[30] = c.pc + 4
		}
		c.next = c.pc + off
		return nil

	case insn&0xff000010 == 0x54000000: // B.cond
		if c.cond(insn & 0xf) {
			c.next = c.pc + signExtend(uint64((insn>>5)&0x7ffff)<<2, 21)
		}
		return nil

	case insn&0x7e000000 == 0x34000000: // CBZ, CBNZ
		v := c.xr(insn & 31)
		if insn>>31 == 0 {
			v = uint64(uint32(v))
		}
		if (v == 0) == ((insn>>24)&1 == 0) {
			c.next = c.pc + signExtend(uint64((insn>>5)&0x7ffff)<<2, 21)
		}
		return nil

	case insn&0x7e000000 == 0x36000000: // TBZ, TBNZ
		bit := (insn>>31)<<5 | (insn>>19)&31
		set := c.xr(insn&31)>>bit&1 == 1
		if set == ((insn>>24)&1 == 1) {
			c.next = c.pc + signExtend(uint64((insn>>5)&0x3fff)<<2, 16)
		}
		return nil

	case insn&0xfe000000 == 0xd6000000: // unconditional branch (register)
		return c.branchReg(insn)

	case insn&0xff000000 == 0xd4000000: // exception generation
		return c.exception(insn)

	case insn&0xffc00000 == 0xd5000000: // system
		return c.system(insn)
	}
	return c.undefined()
}

func (c *Interp) branchReg(insn uint32) error {
	opc := (insn >> 21) & 0xf
	op3 := (insn >> 10) & 0x3f
	rn := (insn >> 5) & 31
	if (insn>>16)&31 != 31 {
		return c.undefined()
	}
	target := c.xr(rn)
	switch opc {
	case 0, 8: // BR, BRAAZ, BRAA
		c.next = target
	case 1, 9: // BLR, BLRAAZ, BLRAA
		c.x[30] = c.pc + 4
		c.next = target
	case 2: // RET, RETAA, RETAB
		if op3 != 0 {
			target = c.x[30]
		}
		c.next = target
	default:
		return c.undefined()
	}
	return nil
}

func (c *Interp) exception(insn uint32) error {
	imm := uint16((insn >> 5) & 0xffff)
	opc := (insn >> 21) & 7
	ll := insn & 3
	switch {
	case opc == 0 && ll == 1: // SVC
		if c.syscall == nil {
			return c.fault(FaultSyscall, 0, fmt.Errorf("svc #0x%x", imm))
		}
		// the handler may re-enter run
		next, cur := c.next, c.insn
		err := c.syscall(imm)
		c.next, c.insn = next, cur
		if err != nil {
			return c.fault(FaultSyscall, 0, err)
		}
		return nil
	case opc == 1 && ll == 0: // BRK
		return c.fault(FaultBreakpoint, 0, fmt.Errorf("brk #0x%x", imm))
	case opc == 2 && ll == 0: // HLT
		return errHalt
	}
	return c.undefined()
}

func (c *Interp) system(insn uint32) error {
	l := (insn >> 21) & 1
	op0 := (insn >> 19) & 3
	rt := insn & 31

	switch op0 {
	case 0:
		// hints, barriers and PSTATE writes
		if l == 0 && (insn>>12)&0xf == 3 && (insn>>5)&7 == 2 {
			c.excl = false // CLREX
		}
		return nil
	case 1:
		// DC ZVA zeroes a block; other cache maintenance is a no-op
		if l == 0 && (insn>>16)&7 == 3 && (insn>>12)&0xf == 7 && (insn>>8)&0xf == 4 && (insn>>5)&7 == 1 {
			addr := c.xr(rt) &^ (dczBlockSize - 1)
			if err := c.store(addr, make([]byte, dczBlockSize)); err != nil {
				return err
			}
		}
		return nil
	}

	key := (insn >> 5) & 0xffff
	if l == 1 {
		var v uint64
		switch key {
		case sysNZCV:
			v = c.nzcv()
		case sysFPCR:
			v = c.fpcr
		case sysFPSR:
			v = c.fpsr
		case sysTPIDR:
			v = c.tpidr
		case sysTPIDRRO:
			v = c.tpidrro
		case sysCNTFRQ:
			v = counterFreq
		case sysCNTVCT:
			v = uint64(time.Since(bootTime).Seconds() * counterFreq)
		case sysDCZID:
			v = 4 // 2^4 words = 64 bytes
		case sysMIDR:
			v = 0x610f0000
		case sysCTR:
			v = 0x8444c004
		default:
			return c.undefined()
		}
		c.setX(rt, v)
		return nil
	}

	v := c.xr(rt)
	switch key {
	case sysNZCV:
		c.setNZCV(v)
	case sysFPCR:
		c.fpcr = v
	case sysFPSR:
		c.fpsr = v
	case sysTPIDR:
		c.tpidr = v
	default:
		return c.undefined()
	}
	return nil
}
