// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package registry

import (
	"testing"

	"github.com/vanadium-project/vanadium/internal/vmerr"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	e := &Entry{Name: "demo", VAppHash: [32]byte{1}}
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got := r.Lookup("demo")
	if got == nil || got.VAppHash != e.VAppHash {
		t.Fatalf("Lookup returned %+v, want %+v", got, e)
	}
}

func TestRegisterOverwritesSameName(t *testing.T) {
	r := New()
	if err := r.Register(&Entry{Name: "demo", VAppHash: [32]byte{1}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&Entry{Name: "demo", VAppHash: [32]byte{2}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(r.Names()) != 1 {
		t.Fatalf("expected exactly one entry after overwrite, got %d", len(r.Names()))
	}
	got := r.Lookup("demo")
	if got.VAppHash != [32]byte{2} {
		t.Fatalf("expected overwritten hash, got %v", got.VAppHash)
	}
}

func TestRegisterFillsFreeSlotBeforeFailingFull(t *testing.T) {
	r := New()
	for i := 0; i < MaxEntries; i++ {
		name := string(rune('a' + i%26))
		if i >= 26 {
			name = name + string(rune('a'+i/26))
		}
		if err := r.Register(&Entry{Name: name}); err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
	}
	err := r.Register(&Entry{Name: "one-too-many"})
	if err == nil {
		t.Fatalf("expected Resource error once the registry is full")
	}
	if vErr, ok := err.(*vmerr.Error); !ok || vErr.Kind != vmerr.Resource {
		t.Fatalf("expected Resource, got %v", err)
	}
}

func TestUninstallRemovesEntry(t *testing.T) {
	r := New()
	if err := r.Register(&Entry{Name: "demo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Uninstall("demo") {
		t.Fatalf("expected Uninstall to report removal")
	}
	if r.Lookup("demo") != nil {
		t.Fatalf("expected entry to be gone after uninstall")
	}
	if r.Uninstall("demo") {
		t.Fatalf("expected second Uninstall to report nothing removed")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	r := New()
	for _, n := range []string{"a", "b", "c"} {
		if err := r.Register(&Entry{Name: n}); err != nil {
			t.Fatalf("Register(%s): %v", n, err)
		}
	}
	r.Clear()
	if len(r.Names()) != 0 {
		t.Fatalf("expected empty registry after Clear, got %v", r.Names())
	}
}

func TestRegisterRejectsOversizedName(t *testing.T) {
	name := make([]byte, MaxNameLen+1)
	for i := range name {
		name[i] = 'x'
	}
	r := New()
	if err := r.Register(&Entry{Name: string(name)}); err == nil {
		t.Fatalf("expected rejection of an oversized name")
	}
}
