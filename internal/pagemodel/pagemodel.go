// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pagemodel defines the V-App memory data model shared by the
// memory manager, page cache and host oracle: pages, sections and the
// fixed-size 256-byte page contract (spec §3).
package pagemodel

import "github.com/vanadium-project/vanadium/internal/merkle"

// Size is the fixed page size in bytes.
const Size = 256

// Kind identifies which of the three sections a page belongs to.
type Kind int

const (
	// Code is the read-only, executable section.
	Code Kind = iota
	// Data is the read-write section initialised from the manifest.
	Data
	// Stack is the read-write, zero-initialised section.
	Stack
)

func (k Kind) String() string {
	switch k {
	case Code:
		return "CODE"
	case Data:
		return "DATA"
	case Stack:
		return "STACK"
	default:
		return "UNKNOWN"
	}
}

// Writable reports whether pages of this kind may be written.
func (k Kind) Writable() bool {
	return k != Code
}

// Executable reports whether instructions may be fetched from this kind.
func (k Kind) Executable() bool {
	return k == Code
}

// Section describes one of CODE/DATA/STACK: a contiguous virtual range plus
// the Merkle root (or, for CODE, the HMAC protocol state) that authenticates
// its pages.
type Section struct {
	Kind       Kind
	BaseAddr   uint32
	NumPages   uint32
	MerkleRoot merkle.Digest
}

// Contains reports whether virtual address addr falls within the section.
func (s *Section) Contains(addr uint32) bool {
	end := s.BaseAddr + s.NumPages*Size
	return addr >= s.BaseAddr && addr < end
}

// PageIndex returns the page index of addr within the section. Callers
// must have already checked Contains.
func (s *Section) PageIndex(addr uint32) uint32 {
	return (addr - s.BaseAddr) / Size
}

// PageBaseAddr returns the virtual base address of page index within the
// section: this is the `addr` bound into the codec's IV/MAC/page_hash.
func (s *Section) PageBaseAddr(index uint32) uint32 {
	return s.BaseAddr + index*Size
}

// Page is 256 bytes of plaintext belonging to exactly one section, at a
// stable page_index within that section.
type Page struct {
	Kind  Kind
	Index uint32
	Data  [Size]byte
}

// Zero clears the page's plaintext in place. The cache calls it when a page
// leaves its slot (eviction, after any write-back, and stack-tail
// invalidation); pages still resident when a session ends are not zeroed.
func (p *Page) Zero() {
	for i := range p.Data {
		p.Data[i] = 0
	}
}
