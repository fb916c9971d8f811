// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package memmgr

import (
	"testing"

	"github.com/vanadium-project/vanadium/internal/cache"
	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

func testKeys(fill byte) codec.Keys {
	var k codec.Keys
	for i := range k.AES {
		k.AES[i] = fill
	}
	for i := range k.HMAC {
		k.HMAC[i] = fill + 1
	}
	return k
}

// newManager builds a two-section (DATA, STACK) manager over a freshly
// zeroed Mock, plus dataPages+stackPages worth of seeded pages.
func newManager(t *testing.T, dataPages, stackPages uint32) *Manager {
	t.Helper()
	m := oracle.NewMock(0, dataPages, stackPages)
	keys := map[pagemodel.Kind]codec.Keys{
		pagemodel.Data:  testKeys(0x11),
		pagemodel.Stack: testKeys(0x22),
	}
	base := map[pagemodel.Kind]uint32{
		pagemodel.Data:  0x30000000,
		pagemodel.Stack: 0x40000000,
	}

	var zero [codec.PageSize]byte
	for kind, n := range map[pagemodel.Kind]uint32{pagemodel.Data: dataPages, pagemodel.Stack: stackPages} {
		for i := uint32(0); i < n; i++ {
			addr := base[kind] + i*pagemodel.Size
			ct, _, err := codec.Encrypt(keys[kind], addr, 0, &zero)
			if err != nil {
				t.Fatalf("seed Encrypt: %v", err)
			}
			leaf := codec.PageHash(addr, 0, ct)
			m.SeedPage(kind, i, ct, 0, leaf)
		}
	}

	trees := map[pagemodel.Kind]*merkle.Tree{
		pagemodel.Data:  merkle.New(m.Root(pagemodel.Data), uint64(dataPages)),
		pagemodel.Stack: merkle.New(m.Root(pagemodel.Stack), uint64(stackPages)),
	}
	c := cache.New(8, m, keys, trees, base)

	sections := map[pagemodel.Kind]*pagemodel.Section{
		pagemodel.Data:  {Kind: pagemodel.Data, BaseAddr: base[pagemodel.Data], NumPages: dataPages},
		pagemodel.Stack: {Kind: pagemodel.Stack, BaseAddr: base[pagemodel.Stack], NumPages: stackPages},
	}
	return New(sections, c)
}

func TestLoadStoreWordRoundTrip(t *testing.T) {
	mgr := newManager(t, 2, 2)

	if err := mgr.Store(0x30000010, Word, 0xdeadbeef); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := mgr.Load(0x30000010, Word)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("Load returned 0x%x, want 0xdeadbeef", got)
	}
}

func TestStoreRejectsMisalignedWord(t *testing.T) {
	mgr := newManager(t, 2, 2)
	if err := mgr.Store(0x30000001, Word, 1); err == nil {
		t.Fatalf("expected misaligned store to be rejected")
	}
}

func TestStoreRejectsUnmappedAddress(t *testing.T) {
	mgr := newManager(t, 1, 1)
	if err := mgr.Store(0xffff0000, Word, 1); err == nil {
		t.Fatalf("expected store to unmapped address to be rejected")
	}
}

func TestAccessAtPageTail(t *testing.T) {
	mgr := newManager(t, 2, 0)

	// A naturally aligned access can never actually straddle a page
	// boundary (256 is a multiple of every RV32IMC access width), but the
	// last aligned slot in a page is the sharpest edge case for the
	// section/page arithmetic.
	addr := uint32(0x30000000 + pagemodel.Size - 2)
	if err := mgr.Store(addr, Half, 0xbeef); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := mgr.Load(addr, Half)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != 0xbeef {
		t.Fatalf("Load returned 0x%x, want 0xbeef", got)
	}

	// The very next halfword belongs to page index 1.
	if err := mgr.Store(addr+2, Half, 0xcafe); err != nil {
		t.Fatalf("Store into next page: %v", err)
	}
}
