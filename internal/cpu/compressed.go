// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "fmt"

// decode16 expands a 16-bit RVC instruction into the same Decoded shape a
// 32-bit instruction produces, by translating each compressed form into
// its base-ISA equivalent (C.ADDI4SPN -> ADDI, C.LWSP -> LW, and so on).
// execute() never needs to know an instruction started out compressed.
func decode16(insn uint16) (Decoded, error) {
	v := uint32(insn)
	op := bits(v, 1, 0)
	funct3 := bits(v, 15, 13)

	// 3-bit compressed register fields address x8-x15.
	rdP := int(bits(v, 4, 2)) + 8
	rs1P := int(bits(v, 9, 7)) + 8
	rs2P := int(bits(v, 4, 2)) + 8

	fullRd := int(bits(v, 11, 7))
	fullRs2 := int(bits(v, 6, 2))

	switch op {
	case 0: // Quadrant 0
		switch funct3 {
		case 0: // C.ADDI4SPN
			imm := bits(v, 10, 7)<<6 | bits(v, 12, 11)<<4 | bits(v, 5, 5)<<3 | bits(v, 6, 6)<<2
			if imm == 0 {
				return Decoded{}, fmt.Errorf("cpu: reserved C.ADDI4SPN encoding")
			}
			return Decoded{Mnemonic: "ADDI", Rd: rdP, Rs1: 2, Imm: int32(imm)}, nil
		case 2: // C.LW
			imm := bits(v, 12, 10)<<3 | bits(v, 6, 6)<<2 | bits(v, 5, 5)<<6
			return Decoded{Mnemonic: "LW", Rd: rdP, Rs1: rs1P, Imm: int32(imm)}, nil
		case 6: // C.SW
			imm := bits(v, 12, 10)<<3 | bits(v, 6, 6)<<2 | bits(v, 5, 5)<<6
			return Decoded{Mnemonic: "SW", Rs1: rs1P, Rs2: rs2P, Imm: int32(imm)}, nil
		}

	case 1: // Quadrant 1
		switch funct3 {
		case 0: // C.ADDI (rd==0 is C.NOP)
			imm := signExtend(bits(v, 12, 12)<<5|bits(v, 6, 2), 5)
			return Decoded{Mnemonic: "ADDI", Rd: fullRd, Rs1: fullRd, Imm: imm}, nil
		case 1: // C.JAL (RV32-only form)
			return Decoded{Mnemonic: "JAL", Rd: 1, Imm: cjImm(v)}, nil
		case 2: // C.LI
			imm := signExtend(bits(v, 12, 12)<<5|bits(v, 6, 2), 5)
			return Decoded{Mnemonic: "ADDI", Rd: fullRd, Rs1: 0, Imm: imm}, nil
		case 3:
			if fullRd == 2 { // C.ADDI16SP
				imm := signExtend(bits(v, 12, 12)<<9|bits(v, 6, 6)<<4|bits(v, 5, 5)<<6|bits(v, 4, 3)<<7|bits(v, 2, 2)<<5, 9)
				return Decoded{Mnemonic: "ADDI", Rd: 2, Rs1: 2, Imm: imm}, nil
			} // C.LUI
			raw := bits(v, 12, 12)<<17 | bits(v, 6, 2)<<12
			return Decoded{Mnemonic: "LUI", Rd: fullRd, Imm: signExtend(raw, 17)}, nil
		case 4:
			b1110 := bits(v, 11, 10)
			switch b1110 {
			case 0: // C.SRLI
				return Decoded{Mnemonic: "SRLI", Rd: rs1P, Rs1: rs1P, Imm: int32(bits(v, 6, 2))}, nil
			case 1: // C.SRAI
				return Decoded{Mnemonic: "SRAI", Rd: rs1P, Rs1: rs1P, Imm: int32(bits(v, 6, 2))}, nil
			case 2: // C.ANDI
				imm := signExtend(bits(v, 12, 12)<<5|bits(v, 6, 2), 5)
				return Decoded{Mnemonic: "ANDI", Rd: rs1P, Rs1: rs1P, Imm: imm}, nil
			case 3:
				names := map[uint32]string{0: "SUB", 1: "XOR", 2: "OR", 3: "AND"}
				m := names[bits(v, 6, 5)]
				return Decoded{Mnemonic: m, Rd: rs1P, Rs1: rs1P, Rs2: rs2P}, nil
			}
		case 5: // C.J
			return Decoded{Mnemonic: "JAL", Rd: 0, Imm: cjImm(v)}, nil
		case 6: // C.BEQZ
			return Decoded{Mnemonic: "BEQ", Rs1: rs1P, Rs2: 0, Imm: cbImm(v)}, nil
		case 7: // C.BNEZ
			return Decoded{Mnemonic: "BNE", Rs1: rs1P, Rs2: 0, Imm: cbImm(v)}, nil
		}

	case 2: // Quadrant 2
		switch funct3 {
		case 0: // C.SLLI
			return Decoded{Mnemonic: "SLLI", Rd: fullRd, Rs1: fullRd, Imm: int32(bits(v, 6, 2))}, nil
		case 2: // C.LWSP
			imm := bits(v, 12, 12)<<5 | bits(v, 6, 4)<<2 | bits(v, 3, 2)<<6
			return Decoded{Mnemonic: "LW", Rd: fullRd, Rs1: 2, Imm: int32(imm)}, nil
		case 4:
			bit12 := bits(v, 12, 12)
			switch {
			case bit12 == 0 && fullRs2 == 0: // C.JR
				return Decoded{Mnemonic: "JALR", Rd: 0, Rs1: fullRd, Imm: 0}, nil
			case bit12 == 0: // C.MV
				return Decoded{Mnemonic: "ADD", Rd: fullRd, Rs1: 0, Rs2: fullRs2}, nil
			case bit12 == 1 && fullRd == 0 && fullRs2 == 0: // C.EBREAK
				return Decoded{Mnemonic: "EBREAK"}, nil
			case fullRs2 == 0: // C.JALR
				return Decoded{Mnemonic: "JALR", Rd: 1, Rs1: fullRd, Imm: 0}, nil
			default: // C.ADD
				return Decoded{Mnemonic: "ADD", Rd: fullRd, Rs1: fullRd, Rs2: fullRs2}, nil
			}
		case 6: // C.SWSP
			imm := bits(v, 12, 9)<<2 | bits(v, 8, 7)<<6
			return Decoded{Mnemonic: "SW", Rs1: 2, Rs2: fullRs2, Imm: int32(imm)}, nil
		}
	}

	return Decoded{}, fmt.Errorf("cpu: unimplemented compressed instruction 0x%04x", insn)
}

// cjImm assembles the CJ-type immediate shared by C.JAL and C.J.
func cjImm(v uint32) int32 {
	raw := bits(v, 12, 12)<<11 | bits(v, 11, 11)<<4 | bits(v, 10, 9)<<8 | bits(v, 8, 8)<<10 |
		bits(v, 7, 7)<<6 | bits(v, 6, 6)<<7 | bits(v, 5, 3)<<1 | bits(v, 2, 2)<<5
	return signExtend(raw, 11)
}

// cbImm assembles the CB-type branch immediate shared by C.BEQZ/C.BNEZ.
func cbImm(v uint32) int32 {
	raw := bits(v, 12, 12)<<8 | bits(v, 11, 10)<<3 | bits(v, 6, 5)<<6 | bits(v, 4, 3)<<1 | bits(v, 2, 2)<<5
	return signExtend(raw, 8)
}
