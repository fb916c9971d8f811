// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import (
	"fmt"

	"github.com/vanadium-project/vanadium/internal/memmgr"
	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// execute runs one decoded instruction, mutating the register file and
// memory as needed and updating *nextPC for anything that isn't a plain
// fall-through. It reports whether control flow branched (informational
// only; the caller always trusts *nextPC).
func (c *CPU) execute(d Decoded, nextPC *uint32) (branched bool, err error) {
	switch d.Mnemonic {
	case "LUI":
		c.setReg(d.Rd, uint32(d.Imm))
	case "AUIPC":
		c.setReg(d.Rd, c.pc+uint32(d.Imm))

	case "JAL":
		c.setReg(d.Rd, *nextPC)
		*nextPC = uint32(int32(c.pc) + d.Imm)
		return true, nil
	case "JALR":
		link := *nextPC
		target := (c.reg(d.Rs1) + uint32(d.Imm)) &^ 1
		c.setReg(d.Rd, link)
		*nextPC = target
		return true, nil

	case "BEQ":
		if c.reg(d.Rs1) == c.reg(d.Rs2) {
			*nextPC = uint32(int32(c.pc) + d.Imm)
			return true, nil
		}
	case "BNE":
		if c.reg(d.Rs1) != c.reg(d.Rs2) {
			*nextPC = uint32(int32(c.pc) + d.Imm)
			return true, nil
		}
	case "BLT":
		if int32(c.reg(d.Rs1)) < int32(c.reg(d.Rs2)) {
			*nextPC = uint32(int32(c.pc) + d.Imm)
			return true, nil
		}
	case "BGE":
		if int32(c.reg(d.Rs1)) >= int32(c.reg(d.Rs2)) {
			*nextPC = uint32(int32(c.pc) + d.Imm)
			return true, nil
		}
	case "BLTU":
		if c.reg(d.Rs1) < c.reg(d.Rs2) {
			*nextPC = uint32(int32(c.pc) + d.Imm)
			return true, nil
		}
	case "BGEU":
		if c.reg(d.Rs1) >= c.reg(d.Rs2) {
			*nextPC = uint32(int32(c.pc) + d.Imm)
			return true, nil
		}

	case "LB", "LH", "LW", "LBU", "LHU":
		return false, c.execLoad(d)
	case "SB", "SH", "SW":
		return false, c.execStore(d)

	case "ADDI":
		c.setReg(d.Rd, c.reg(d.Rs1)+uint32(d.Imm))
	case "SLTI":
		c.setReg(d.Rd, boolU32(int32(c.reg(d.Rs1)) < d.Imm))
	case "SLTIU":
		c.setReg(d.Rd, boolU32(c.reg(d.Rs1) < uint32(d.Imm)))
	case "XORI":
		c.setReg(d.Rd, c.reg(d.Rs1)^uint32(d.Imm))
	case "ORI":
		c.setReg(d.Rd, c.reg(d.Rs1)|uint32(d.Imm))
	case "ANDI":
		c.setReg(d.Rd, c.reg(d.Rs1)&uint32(d.Imm))
	case "SLLI":
		c.setReg(d.Rd, c.reg(d.Rs1)<<uint(d.Imm&0x1f))
	case "SRLI":
		c.setReg(d.Rd, c.reg(d.Rs1)>>uint(d.Imm&0x1f))
	case "SRAI":
		c.setReg(d.Rd, uint32(int32(c.reg(d.Rs1))>>uint(d.Imm&0x1f)))

	case "ADD":
		c.setReg(d.Rd, c.reg(d.Rs1)+c.reg(d.Rs2))
	case "SUB":
		c.setReg(d.Rd, c.reg(d.Rs1)-c.reg(d.Rs2))
	case "SLL":
		c.setReg(d.Rd, c.reg(d.Rs1)<<(c.reg(d.Rs2)&0x1f))
	case "SLT":
		c.setReg(d.Rd, boolU32(int32(c.reg(d.Rs1)) < int32(c.reg(d.Rs2))))
	case "SLTU":
		c.setReg(d.Rd, boolU32(c.reg(d.Rs1) < c.reg(d.Rs2)))
	case "XOR":
		c.setReg(d.Rd, c.reg(d.Rs1)^c.reg(d.Rs2))
	case "SRL":
		c.setReg(d.Rd, c.reg(d.Rs1)>>(c.reg(d.Rs2)&0x1f))
	case "SRA":
		c.setReg(d.Rd, uint32(int32(c.reg(d.Rs1))>>(c.reg(d.Rs2)&0x1f)))
	case "OR":
		c.setReg(d.Rd, c.reg(d.Rs1)|c.reg(d.Rs2))
	case "AND":
		c.setReg(d.Rd, c.reg(d.Rs1)&c.reg(d.Rs2))

	case "MUL":
		c.setReg(d.Rd, c.reg(d.Rs1)*c.reg(d.Rs2))
	case "MULH":
		p := int64(int32(c.reg(d.Rs1))) * int64(int32(c.reg(d.Rs2)))
		c.setReg(d.Rd, uint32(p>>32))
	case "MULHSU":
		p := int64(int32(c.reg(d.Rs1))) * int64(c.reg(d.Rs2))
		c.setReg(d.Rd, uint32(p>>32))
	case "MULHU":
		p := uint64(c.reg(d.Rs1)) * uint64(c.reg(d.Rs2))
		c.setReg(d.Rd, uint32(p>>32))
	case "DIV":
		c.setReg(d.Rd, divSigned(int32(c.reg(d.Rs1)), int32(c.reg(d.Rs2))))
	case "DIVU":
		c.setReg(d.Rd, divUnsigned(c.reg(d.Rs1), c.reg(d.Rs2)))
	case "REM":
		c.setReg(d.Rd, remSigned(int32(c.reg(d.Rs1)), int32(c.reg(d.Rs2))))
	case "REMU":
		c.setReg(d.Rd, remUnsigned(c.reg(d.Rs1), c.reg(d.Rs2)))

	case "FENCE":
		// No-op: the interpreter executes instructions strictly in order
		// against a single coherent address space.
	case "ECALL":
		// Handled by the caller (cpu.step), which owns the trap bridge.
	case "EBREAK":
		return false, vmerr.New(vmerr.VmFault, fmt.Sprintf("cpu: EBREAK at pc=0x%08x", c.pc))

	default:
		return false, vmerr.New(vmerr.VmFault, fmt.Sprintf("cpu: unimplemented instruction %s at pc=0x%08x", d.Mnemonic, c.pc))
	}

	return false, nil
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// divSigned implements RV32M's DIV semantics: division by zero yields -1,
// and INT_MIN/-1 yields INT_MIN (the one case that would otherwise
// overflow a 32-bit signed division).
func divSigned(a, b int32) uint32 {
	if b == 0 {
		return 0xFFFFFFFF
	}
	if a == -0x80000000 && b == -1 {
		return uint32(a)
	}
	return uint32(a / b)
}

func divUnsigned(a, b uint32) uint32 {
	if b == 0 {
		return 0xFFFFFFFF
	}
	return a / b
}

// remSigned implements RV32M's REM semantics: division by zero yields the
// dividend unchanged, and INT_MIN%-1 yields 0.
func remSigned(a, b int32) uint32 {
	if b == 0 {
		return uint32(a)
	}
	if a == -0x80000000 && b == -1 {
		return 0
	}
	return uint32(a % b)
}

func remUnsigned(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return a % b
}

func (c *CPU) execLoad(d Decoded) error {
	addr := c.reg(d.Rs1) + uint32(d.Imm)
	switch d.Mnemonic {
	case "LB":
		v, err := c.mem.Load(addr, memmgr.Byte)
		if err != nil {
			return err
		}
		c.setReg(d.Rd, uint32(int32(int8(v))))
	case "LH":
		v, err := c.mem.Load(addr, memmgr.Half)
		if err != nil {
			return err
		}
		c.setReg(d.Rd, uint32(int32(int16(v))))
	case "LW":
		v, err := c.mem.Load(addr, memmgr.Word)
		if err != nil {
			return err
		}
		c.setReg(d.Rd, v)
	case "LBU":
		v, err := c.mem.Load(addr, memmgr.Byte)
		if err != nil {
			return err
		}
		c.setReg(d.Rd, v&0xff)
	case "LHU":
		v, err := c.mem.Load(addr, memmgr.Half)
		if err != nil {
			return err
		}
		c.setReg(d.Rd, v&0xffff)
	}
	return nil
}

func (c *CPU) execStore(d Decoded) error {
	addr := c.reg(d.Rs1) + uint32(d.Imm)
	v := c.reg(d.Rs2)
	switch d.Mnemonic {
	case "SB":
		return c.mem.Store(addr, memmgr.Byte, v)
	case "SH":
		return c.mem.Store(addr, memmgr.Half, v)
	case "SW":
		return c.mem.Store(addr, memmgr.Word, v)
	}
	return nil
}
