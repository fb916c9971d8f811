// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package memmgr implements the memory manager (component C6): virtual
// address translation across the CODE/DATA/STACK sections, permission
// enforcement (read-only CODE, non-executable DATA/STACK, alignment) and
// splitting accesses that straddle a page boundary.
package memmgr

import (
	"encoding/binary"
	"fmt"

	"github.com/vanadium-project/vanadium/internal/cache"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// Manager translates virtual addresses against the three fixed sections and
// drives the page cache to satisfy the resulting page accesses.
type Manager struct {
	sections map[pagemodel.Kind]*pagemodel.Section
	cache    *cache.Cache
}

// New builds a Manager over the given sections, backed by c.
func New(sections map[pagemodel.Kind]*pagemodel.Section, c *cache.Cache) *Manager {
	return &Manager{sections: sections, cache: c}
}

// locate finds which section contains addr.
func (m *Manager) locate(addr uint32) (*pagemodel.Section, error) {
	for _, s := range m.sections {
		if s.Contains(addr) {
			return s, nil
		}
	}
	return nil, vmerr.New(vmerr.VmFault, fmt.Sprintf("memmgr: address 0x%08x is not mapped", addr))
}

// FetchInstruction returns the raw halfword or word at addr for
// instruction decode. addr must be 2-byte aligned (RVC allows halfword-
// aligned instructions) and must fall within CODE. An instruction whose low
// halfword sits at the last two bytes of a page is fetched a halfword at a
// time by the caller; this method only ever reads within a single page.
func (m *Manager) FetchInstruction(addr uint32) (uint16, error) {
	s, err := m.locate(addr)
	if err != nil {
		return 0, err
	}
	if !s.Kind.Executable() {
		return 0, vmerr.New(vmerr.VmFault, fmt.Sprintf("memmgr: fetch from non-executable section %s at 0x%08x", s.Kind, addr))
	}
	if addr%2 != 0 {
		return 0, vmerr.New(vmerr.VmFault, fmt.Sprintf("memmgr: misaligned instruction fetch at 0x%08x", addr))
	}

	pageIdx := s.PageIndex(addr)
	off := addr - s.PageBaseAddr(pageIdx)
	page, err := m.cache.Access(s.Kind, pageIdx, cache.Read)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(page.Data[off : off+2]), nil
}

// AccessKind distinguishes byte/half/word memory operations.
type AccessKind int

const (
	Byte AccessKind = 1
	Half AccessKind = 2
	Word AccessKind = 4
)

// Load reads a byte, halfword or word from any mapped section, CODE
// included. Word and half accesses must be naturally aligned; RV32IMC has
// no unaligned load/store.
func (m *Manager) Load(addr uint32, size AccessKind) (uint32, error) {
	if uint32(size) > 1 && addr%uint32(size) != 0 {
		return 0, vmerr.New(vmerr.VmFault, fmt.Sprintf("memmgr: misaligned load of %d bytes at 0x%08x", size, addr))
	}
	s, err := m.locate(addr)
	if err != nil {
		return 0, err
	}

	buf, err := m.readBytes(s, addr, int(size))
	if err != nil {
		return 0, err
	}
	switch size {
	case Byte:
		return uint32(buf[0]), nil
	case Half:
		return uint32(binary.LittleEndian.Uint16(buf)), nil
	default:
		return binary.LittleEndian.Uint32(buf), nil
	}
}

// Store writes to DATA or STACK. Writes to CODE are always rejected.
func (m *Manager) Store(addr uint32, size AccessKind, value uint32) error {
	if uint32(size) > 1 && addr%uint32(size) != 0 {
		return vmerr.New(vmerr.VmFault, fmt.Sprintf("memmgr: misaligned store of %d bytes at 0x%08x", size, addr))
	}
	s, err := m.locate(addr)
	if err != nil {
		return err
	}
	if !s.Kind.Writable() {
		return vmerr.New(vmerr.VmFault, fmt.Sprintf("memmgr: write to read-only section %s at 0x%08x", s.Kind, addr))
	}

	var buf [4]byte
	switch size {
	case Byte:
		buf[0] = byte(value)
	case Half:
		binary.LittleEndian.PutUint16(buf[:2], uint16(value))
	default:
		binary.LittleEndian.PutUint32(buf[:4], value)
	}
	return m.writeBytes(s, addr, buf[:size])
}

// readBytes reads n bytes starting at addr, splitting the read across a
// page boundary if necessary. Since the page size is a multiple of every
// RV32IMC access width, an aligned access never actually straddles; this
// path exists so misalignment is the only thing that can trigger it, and
// stays correct if that ever changes.
func (m *Manager) readBytes(s *pagemodel.Section, addr uint32, n int) ([]byte, error) {
	pageIdx := s.PageIndex(addr)
	off := addr - s.PageBaseAddr(pageIdx)

	if int(off)+n <= pagemodel.Size {
		page, err := m.cache.Access(s.Kind, pageIdx, cache.Read)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), page.Data[off:int(off)+n]...), nil
	}

	// Straddles the boundary between pageIdx and pageIdx+1.
	first := pagemodel.Size - int(off)
	buf := make([]byte, n)
	p0, err := m.cache.Access(s.Kind, pageIdx, cache.Read)
	if err != nil {
		return nil, err
	}
	copy(buf, p0.Data[off:])
	p1, err := m.cache.Access(s.Kind, pageIdx+1, cache.Read)
	if err != nil {
		return nil, err
	}
	copy(buf[first:], p1.Data[:n-first])
	return buf, nil
}

func (m *Manager) writeBytes(s *pagemodel.Section, addr uint32, data []byte) error {
	pageIdx := s.PageIndex(addr)
	off := addr - s.PageBaseAddr(pageIdx)
	n := len(data)

	if int(off)+n <= pagemodel.Size {
		page, err := m.cache.Access(s.Kind, pageIdx, cache.Write)
		if err != nil {
			return err
		}
		copy(page.Data[off:], data)
		return nil
	}

	first := pagemodel.Size - int(off)
	p0, err := m.cache.Access(s.Kind, pageIdx, cache.Write)
	if err != nil {
		return err
	}
	copy(p0.Data[off:], data[:first])
	p1, err := m.cache.Access(s.Kind, pageIdx+1, cache.Write)
	if err != nil {
		return err
	}
	copy(p1.Data[:n-first], data[first:])
	return nil
}
