// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "fmt"

// Decoded is a fully-decoded instruction, whichever of the 16-bit (C) or
// 32-bit encodings it came from: execute operates on this uniformly so the
// compressed decoder only has to expand fields once, in compressed.go.
type Decoded struct {
	Mnemonic string
	Rd       int
	Rs1      int
	Rs2      int
	Imm      int32
}

func decode(insn uint32, width int) (Decoded, error) {
	if width == 2 {
		return decode16(uint16(insn))
	}
	return decode32(insn)
}

func bits(v uint32, hi, lo int) uint32 {
	return (v >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func signExtend(v uint32, bit int) int32 {
	shift := 31 - bit
	return int32(v<<shift) >> shift
}

func decode32(insn uint32) (Decoded, error) {
	opcode := bits(insn, 6, 0)
	rd := int(bits(insn, 11, 7))
	funct3 := bits(insn, 14, 12)
	rs1 := int(bits(insn, 19, 15))
	rs2 := int(bits(insn, 24, 20))
	funct7 := bits(insn, 31, 25)

	iImm := signExtend(bits(insn, 31, 20), 11)
	sImm := signExtend(bits(insn, 31, 25)<<5|bits(insn, 11, 7), 11)
	bImm := signExtend(bits(insn, 31, 31)<<12|bits(insn, 7, 7)<<11|bits(insn, 30, 25)<<5|bits(insn, 11, 8)<<1, 12)
	uImm := int32(bits(insn, 31, 12) << 12)
	jImm := signExtend(bits(insn, 31, 31)<<20|bits(insn, 19, 12)<<12|bits(insn, 20, 20)<<11|bits(insn, 30, 21)<<1, 20)

	switch opcode {
	case 0x37:
		return Decoded{Mnemonic: "LUI", Rd: rd, Imm: uImm}, nil
	case 0x17:
		return Decoded{Mnemonic: "AUIPC", Rd: rd, Imm: uImm}, nil
	case 0x6F:
		return Decoded{Mnemonic: "JAL", Rd: rd, Imm: jImm}, nil
	case 0x67:
		if funct3 != 0 {
			return Decoded{}, fmt.Errorf("cpu: bad JALR funct3=%d", funct3)
		}
		return Decoded{Mnemonic: "JALR", Rd: rd, Rs1: rs1, Imm: iImm}, nil
	case 0x63:
		names := map[uint32]string{0: "BEQ", 1: "BNE", 4: "BLT", 5: "BGE", 6: "BLTU", 7: "BGEU"}
		m, ok := names[funct3]
		if !ok {
			return Decoded{}, fmt.Errorf("cpu: bad branch funct3=%d", funct3)
		}
		return Decoded{Mnemonic: m, Rs1: rs1, Rs2: rs2, Imm: bImm}, nil
	case 0x03:
		names := map[uint32]string{0: "LB", 1: "LH", 2: "LW", 4: "LBU", 5: "LHU"}
		m, ok := names[funct3]
		if !ok {
			return Decoded{}, fmt.Errorf("cpu: bad load funct3=%d", funct3)
		}
		return Decoded{Mnemonic: m, Rd: rd, Rs1: rs1, Imm: iImm}, nil
	case 0x23:
		names := map[uint32]string{0: "SB", 1: "SH", 2: "SW"}
		m, ok := names[funct3]
		if !ok {
			return Decoded{}, fmt.Errorf("cpu: bad store funct3=%d", funct3)
		}
		return Decoded{Mnemonic: m, Rs1: rs1, Rs2: rs2, Imm: sImm}, nil
	case 0x13:
		switch funct3 {
		case 0:
			return Decoded{Mnemonic: "ADDI", Rd: rd, Rs1: rs1, Imm: iImm}, nil
		case 2:
			return Decoded{Mnemonic: "SLTI", Rd: rd, Rs1: rs1, Imm: iImm}, nil
		case 3:
			return Decoded{Mnemonic: "SLTIU", Rd: rd, Rs1: rs1, Imm: iImm}, nil
		case 4:
			return Decoded{Mnemonic: "XORI", Rd: rd, Rs1: rs1, Imm: iImm}, nil
		case 6:
			return Decoded{Mnemonic: "ORI", Rd: rd, Rs1: rs1, Imm: iImm}, nil
		case 7:
			return Decoded{Mnemonic: "ANDI", Rd: rd, Rs1: rs1, Imm: iImm}, nil
		case 1:
			return Decoded{Mnemonic: "SLLI", Rd: rd, Rs1: rs1, Imm: int32(bits(insn, 24, 20))}, nil
		case 5:
			if funct7 == 0x20 {
				return Decoded{Mnemonic: "SRAI", Rd: rd, Rs1: rs1, Imm: int32(bits(insn, 24, 20))}, nil
			}
			return Decoded{Mnemonic: "SRLI", Rd: rd, Rs1: rs1, Imm: int32(bits(insn, 24, 20))}, nil
		}
		return Decoded{}, fmt.Errorf("cpu: bad OP-IMM funct3=%d", funct3)
	case 0x33:
		if funct7 == 1 {
			names := map[uint32]string{0: "MUL", 1: "MULH", 2: "MULHSU", 3: "MULHU", 4: "DIV", 5: "DIVU", 6: "REM", 7: "REMU"}
			m, ok := names[funct3]
			if !ok {
				return Decoded{}, fmt.Errorf("cpu: bad M-extension funct3=%d", funct3)
			}
			return Decoded{Mnemonic: m, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		}
		switch {
		case funct3 == 0 && funct7 == 0:
			return Decoded{Mnemonic: "ADD", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 0 && funct7 == 0x20:
			return Decoded{Mnemonic: "SUB", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 1:
			return Decoded{Mnemonic: "SLL", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 2:
			return Decoded{Mnemonic: "SLT", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 3:
			return Decoded{Mnemonic: "SLTU", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 4:
			return Decoded{Mnemonic: "XOR", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 5 && funct7 == 0:
			return Decoded{Mnemonic: "SRL", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 5 && funct7 == 0x20:
			return Decoded{Mnemonic: "SRA", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 6:
			return Decoded{Mnemonic: "OR", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		case funct3 == 7:
			return Decoded{Mnemonic: "AND", Rd: rd, Rs1: rs1, Rs2: rs2}, nil
		}
		return Decoded{}, fmt.Errorf("cpu: bad OP funct3=%d funct7=%d", funct3, funct7)
	case 0x0F:
		return Decoded{Mnemonic: "FENCE"}, nil
	case 0x73:
		if iImm == 0 {
			return Decoded{Mnemonic: "ECALL"}, nil
		}
		return Decoded{Mnemonic: "EBREAK"}, nil
	}

	return Decoded{}, fmt.Errorf("cpu: unimplemented opcode 0x%02x", opcode)
}
