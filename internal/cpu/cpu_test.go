// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import (
	"encoding/binary"
	"testing"

	"github.com/vanadium-project/vanadium/internal/cache"
	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/memmgr"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

const codeBase = 0x10000000

// --- tiny RV32 encoders, just enough to build test programs ---

func rType(opcode, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func iType(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func sType(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func bType(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	b12 := (u >> 12) & 1
	b11 := (u >> 11) & 1
	b105 := (u >> 5) & 0x3f
	b41 := (u >> 1) & 0xf
	return b12<<31 | b105<<25 | rs2<<20 | rs1<<15 | funct3<<12 | b41<<8 | b11<<7 | 0x63
}

func uType(opcode, rd uint32, imm int32) uint32 {
	return uint32(imm)&0xfffff000 | rd<<7 | opcode
}

func addi(rd, rs1 uint32, imm int32) uint32 { return iType(0x13, 0, rd, rs1, imm) }
func add(rd, rs1, rs2 uint32) uint32        { return rType(0x33, 0, 0, rd, rs1, rs2) }
func sub(rd, rs1, rs2 uint32) uint32        { return rType(0x33, 0, 0x20, rd, rs1, rs2) }
func div(rd, rs1, rs2 uint32) uint32        { return rType(0x33, 4, 1, rd, rs1, rs2) }
func beq(rs1, rs2 uint32, imm int32) uint32 { return bType(0, rs1, rs2, imm) }
func lui(rd uint32, imm int32) uint32       { return uType(0x37, rd, imm) }
func sw(rs1, rs2 uint32, imm int32) uint32  { return sType(0x23, 2, rs1, rs2, imm) }
func lw(rd, rs1 uint32, imm int32) uint32   { return iType(0x03, 2, rd, rs1, imm) }
func ecall() uint32                         { return iType(0x73, 0, 0, 0, 0) }

// assemble packs 32-bit words little-endian into a byte slice.
func assemble(words ...uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// newTestCPU builds a CPU whose CODE section is programmed with the given
// bytes (padded with EBREAK-free NOPs would be nicer, but tests keep
// programs short enough to fit a page and stop with ECALL/EBREAK instead).
func newTestCPU(t *testing.T, program []byte, ecall ECALLHandler) *CPU {
	t.Helper()
	if len(program) > codec.PageSize {
		t.Fatalf("test program exceeds one page")
	}

	var keys codec.Keys
	for i := range keys.AES {
		keys.AES[i] = byte(i)
	}
	for i := range keys.HMAC {
		keys.HMAC[i] = byte(0x50 + i)
	}

	var plaintext [codec.PageSize]byte
	copy(plaintext[:], program)

	m := oracle.NewMock(1, 0, 0)
	ct, mac, err := codec.Encrypt(keys, codeBase, 0, &plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	leaf := codec.PageHash(codeBase, 0, ct)
	m.SeedPage(pagemodel.Code, 0, ct, 0, leaf)
	m.SeedHMAC(0, mac)

	keysByKind := map[pagemodel.Kind]codec.Keys{pagemodel.Code: keys}
	base := map[pagemodel.Kind]uint32{pagemodel.Code: codeBase}
	c := cache.New(4, m, keysByKind, map[pagemodel.Kind]*merkle.Tree{}, base)

	sections := map[pagemodel.Kind]*pagemodel.Section{
		pagemodel.Code: {Kind: pagemodel.Code, BaseAddr: codeBase, NumPages: 1},
	}
	mgr := memmgr.New(sections, c)

	return New(mgr, codeBase, ecall)
}

func TestAddImmediateAndBranch(t *testing.T) {
	// x1 = 5; x2 = 5; beq x1, x2, +8 (skip the trap); ecall (exit 1 if
	// reached, exit 0 if skipped correctly)
	prog := assemble(
		addi(1, 0, 5),
		addi(2, 0, 5),
		beq(1, 2, 8),
		ecall(), // would set exit code 1 if branch failed to skip it
		ecall(), // exit code 0
	)

	var exitCode int32
	handler := func(c *CPU) (bool, int32, error) {
		if c.PC() == codeBase+12 {
			return true, 1, nil
		}
		return true, 0, nil
	}
	c := newTestCPU(t, prog, handler)
	if err := c.Run(100); err != nil {
		t.Fatalf("Run: %v", err)
	}
	exitCode = c.ExitCode
	if exitCode != 0 {
		t.Fatalf("branch did not skip the trap ecall, exit code %d", exitCode)
	}
	if c.State() != Exited {
		t.Fatalf("expected Exited state, got %s", c.State())
	}
}

func TestLuiAddiLoadsFullConstant(t *testing.T) {
	prog := assemble(
		lui(1, 0x12345000),
		addi(1, 1, 0x678),
		ecall(),
	)
	var got uint32
	handler := func(c *CPU) (bool, int32, error) {
		got = c.reg(1)
		return true, 0, nil
	}
	c := newTestCPU(t, prog, handler)
	if err := c.Run(100); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 0x12345678 {
		t.Fatalf("got x1=0x%08x, want 0x12345678", got)
	}
}

func TestDivisionByZeroYieldsAllOnes(t *testing.T) {
	prog := assemble(
		addi(1, 0, 7),
		addi(2, 0, 0),
		div(3, 1, 2),
		ecall(),
	)
	var got uint32
	handler := func(c *CPU) (bool, int32, error) {
		got = c.reg(3)
		return true, 0, nil
	}
	c := newTestCPU(t, prog, handler)
	if err := c.Run(100); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 0xFFFFFFFF {
		t.Fatalf("got x3=0x%08x, want 0xFFFFFFFF", got)
	}
}

func TestDivisionOverflowReturnsDividend(t *testing.T) {
	prog := assemble(
		lui(1, int32(-0x80000000)),
		addi(2, 0, -1),
		div(3, 1, 2),
		ecall(),
	)
	var got uint32
	handler := func(c *CPU) (bool, int32, error) {
		got = c.reg(3)
		return true, 0, nil
	}
	c := newTestCPU(t, prog, handler)
	if err := c.Run(100); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 0x80000000 {
		t.Fatalf("got x3=0x%08x, want 0x80000000 (INT_MIN/-1 must not overflow)", got)
	}
}

func TestStoreToCodeSectionFaults(t *testing.T) {
	// CODE is read-only, so a store against it must fault rather than
	// silently corrupting the running program.
	prog := assemble(
		lui(2, codeBase),
		addi(1, 0, 42),
		sw(2, 1, 0), // attempt to write to CODE base
		ecall(),
	)
	c := newTestCPU(t, prog, nil)
	err := c.Run(100)
	if err == nil {
		t.Fatalf("expected a fault from writing to CODE")
	}
	if c.State() != Faulted {
		t.Fatalf("expected Faulted state after illegal store, got %s", c.State())
	}
}

func TestCompressedProgramRuns(t *testing.T) {
	// c.li x1, 5 ; c.li x2, 5 ; c.beqz will not fit our tiny expression
	// builder, so this test only exercises straight-line compressed ADDI
	// forms (C.LI expands to ADDI rd, x0, imm) verified via the decoder.
	// C.LI x1, 5: funct3=010, rd=1, imm=5 -> insn[12]=0, insn[6:2]=00101
	cli := uint16(0b010_0_00001_00101_01)
	prog := make([]byte, 2)
	binary.LittleEndian.PutUint16(prog, cli)
	prog = append(prog, assemble(ecall())...)

	var got uint32
	handler := func(c *CPU) (bool, int32, error) {
		got = c.reg(1)
		return true, 0, nil
	}
	c := newTestCPU(t, prog, handler)
	if err := c.Run(100); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 5 {
		t.Fatalf("got x1=%d, want 5", got)
	}
}

func TestLoadOnUnmappedAddressFaults(t *testing.T) {
	prog := assemble(
		lw(1, 0, 0x7f0), // below the single mapped CODE page, in no section
		ecall(),
	)
	c := newTestCPU(t, prog, nil)
	if err := c.Run(100); err == nil {
		t.Fatalf("expected a fault reading unmapped memory")
	}
}
