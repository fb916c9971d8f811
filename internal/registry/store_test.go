// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package registry

import (
	"path/filepath"
	"testing"

	"github.com/vanadium-project/vanadium/internal/vmerr"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	r := New()
	if err := r.Register(&Entry{Name: "demo", VAppHash: [32]byte{1}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	key, err := randomKey()
	if err != nil {
		t.Fatalf("randomKey: %v", err)
	}
	s := NewStore(filepath.Join(t.TempDir(), "registry.store"), key)
	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.Lookup("demo"); got == nil || got.VAppHash != [32]byte{1} {
		t.Fatalf("Load returned %+v, want the saved entry", got)
	}
}

func TestStoreLoadRejectsWrongKey(t *testing.T) {
	r := New()
	if err := r.Register(&Entry{Name: "demo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	keyA, err := randomKey()
	if err != nil {
		t.Fatalf("randomKey: %v", err)
	}
	keyB, err := randomKey()
	if err != nil {
		t.Fatalf("randomKey: %v", err)
	}

	path := filepath.Join(t.TempDir(), "registry.store")
	if err := NewStore(path, keyA).Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = NewStore(path, keyB).Load()
	if err == nil {
		t.Fatalf("expected Load under the wrong key to fail")
	}
	if vErr, ok := err.(*vmerr.Error); !ok || vErr.Kind != vmerr.AuthFail {
		t.Fatalf("expected AuthFail, got %v", err)
	}
}

func TestStoreSaveIncrementsCounter(t *testing.T) {
	r := New()
	if err := r.Register(&Entry{Name: "demo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	key, err := randomKey()
	if err != nil {
		t.Fatalf("randomKey: %v", err)
	}
	s := NewStore(filepath.Join(t.TempDir(), "registry.store"), key)

	if err := s.Save(r); err != nil {
		t.Fatalf("Save #1: %v", err)
	}
	first, err := s.load()
	if err != nil {
		t.Fatalf("load #1: %v", err)
	}
	if err := s.Save(r); err != nil {
		t.Fatalf("Save #2: %v", err)
	}
	second, err := s.load()
	if err != nil {
		t.Fatalf("load #2: %v", err)
	}
	if second.Counter != first.Counter+1 {
		t.Fatalf("expected counter to advance by one, got %d -> %d", first.Counter, second.Counter)
	}
}
