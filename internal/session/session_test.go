// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/manifest"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
	"github.com/vanadium-project/vanadium/internal/registry"
)

// testFixture builds a manifest, a registry entry and a seeded Mock oracle
// whose CODE/DATA leaves are consistent with the manifest's roots.
type testFixture struct {
	name      string
	authKey   [32]byte
	staticKey registry.StaticKeys
	manifest  *manifest.Manifest
	registry  *registry.Registry
	mock      *oracle.Mock
	harness   *HostAttestor
}

func buildFixture(t *testing.T) *testFixture {
	t.Helper()

	const codePages, dataPages, stackPages = 2, 1, 1

	staticKey := registry.StaticKeys{AES: [32]byte{1, 2, 3}, HMAC: [32]byte{4, 5, 6}}
	keys := codec.Keys{AES: staticKey.AES, HMAC: staticKey.HMAC}

	mock := oracle.NewMock(codePages, dataPages, stackPages)

	codeLeaves := make([]merkle.Digest, codePages)
	for i := uint32(0); i < codePages; i++ {
		var plain [codec.PageSize]byte
		plain[0] = byte(0x10 + i)
		addr := uint32(0x10000000) + i*pagemodel.Size
		ct, _, err := codec.Encrypt(keys, addr, 0, &plain)
		if err != nil {
			t.Fatalf("Encrypt code page %d: %v", i, err)
		}
		leaf := codec.PageHash(addr, 0, ct)
		mock.SeedPage(pagemodel.Code, i, ct, 0, leaf)
		codeLeaves[i] = leaf
	}
	codeRoot := merkle.RootFromLeaves(codeLeaves)

	dataLeaves := make([]merkle.Digest, dataPages)
	for i := uint32(0); i < dataPages; i++ {
		var ct codec.Ciphertext
		ct[0] = byte(0x20 + i)
		addr := uint32(0x20000000) + i*pagemodel.Size
		leaf := codec.PageHash(addr, 0, ct)
		mock.SeedPage(pagemodel.Data, i, ct, 0, leaf)
		dataLeaves[i] = leaf
	}
	dataRoot := merkle.RootFromLeaves(dataLeaves)

	m := &manifest.Manifest{
		Version:    1,
		Name:       "demo-app",
		Entrypoint: 0x10000000,
		Code:       manifest.SectionLayout{Start: 0x10000000, Pages: codePages},
		Data:       manifest.SectionLayout{Start: 0x20000000, Pages: dataPages},
		Stack:      manifest.SectionLayout{Start: 0x30000000, Pages: stackPages},
	}
	m.CodeRoot = [32]byte(codeRoot)
	m.DataRoot = [32]byte(dataRoot)

	reg := registry.New()
	entry := &registry.Entry{Name: "demo-app", VAppHash: m.Hash(), Keys: staticKey}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	harness := NewHostAttestor(mock, codePages)

	return &testFixture{
		name:      "demo-app",
		authKey:   [32]byte{9, 9, 9},
		staticKey: staticKey,
		manifest:  m,
		registry:  reg,
		mock:      mock,
		harness:   harness,
	}
}

func TestBootstrapSucceeds(t *testing.T) {
	f := buildFixture(t)

	result, err := Bootstrap(f.name, f.manifest, f.registry, f.authKey, f.mock)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if result.Sections[pagemodel.Code].MerkleRoot != merkle.Digest(f.manifest.CodeRoot) {
		t.Fatalf("code root mismatch in result")
	}
	if result.Sections[pagemodel.Data].MerkleRoot != merkle.Digest(f.manifest.DataRoot) {
		t.Fatalf("data root mismatch in result")
	}
	if result.Keys[pagemodel.Code].AES != f.staticKey.AES || result.Keys[pagemodel.Code].HMAC != f.staticKey.HMAC {
		t.Fatalf("code section did not get the registry's static keys")
	}
	if result.Keys[pagemodel.Data] != result.Keys[pagemodel.Stack] {
		t.Fatalf("data and stack should share the freshly generated dynamic keys")
	}

	// Independently recompute what hmac_0 should be and confirm the host
	// harness unmasked it to exactly that value once ephemeral_sk was
	// revealed: the whole point of the masking exchange is that the two
	// sides converge on the same tag without the host ever learning
	// app_auth_key directly.
	vappHash := f.manifest.Hash()
	appAuthKey := TaggedHash(tagAppAuthKey, f.authKey, vappHash[:])
	leaf := f.mock.Leaf(pagemodel.Code, 0)
	mac := hmac.New(sha256.New, appAuthKey[:])
	mac.Write([]byte(tagPageTag))
	mac.Write(vappHash[:])
	mac.Write(be32(0))
	mac.Write(leaf[:])
	var wantTag [32]byte
	copy(wantTag[:], mac.Sum(nil))

	resp, err := f.mock.GetPage(pagemodel.Code, 0)
	if err != nil {
		t.Fatalf("GetPage(code, 0): %v", err)
	}
	if resp.HMAC != wantTag {
		t.Fatalf("host-unmasked hmac_0 = %x, want %x", resp.HMAC, wantTag)
	}
}

func TestBootstrapRejectsTamperedCodeRoot(t *testing.T) {
	f := buildFixture(t)
	f.manifest.CodeRoot[0] ^= 0xff

	// Re-register under the tampered manifest's own vapp_hash so the
	// mismatch under test is specifically the recomputed CODE root against
	// manifest.CodeRoot, not the unrelated vapp_hash check.
	entry := f.registry.Lookup(f.name)
	entry.VAppHash = f.manifest.Hash()
	if err := f.registry.Register(entry); err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	if _, err := Bootstrap(f.name, f.manifest, f.registry, f.authKey, f.mock); err == nil {
		t.Fatalf("expected Bootstrap to reject a tampered code root")
	}
}

func TestBootstrapRejectsUnregisteredApp(t *testing.T) {
	f := buildFixture(t)
	empty := registry.New()

	if _, err := Bootstrap(f.name, f.manifest, empty, f.authKey, f.mock); err == nil {
		t.Fatalf("expected Bootstrap to reject an unregistered app")
	}
}

func TestBootstrapRejectsVAppHashMismatch(t *testing.T) {
	f := buildFixture(t)
	f.manifest.Entrypoint++ // changes Hash() without touching the registered entry

	if _, err := Bootstrap(f.name, f.manifest, f.registry, f.authKey, f.mock); err == nil {
		t.Fatalf("expected Bootstrap to reject a manifest whose vapp_hash no longer matches the registry entry")
	}
}
