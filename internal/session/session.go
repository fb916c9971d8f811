// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package session implements session bootstrap (component C9, spec §4.7):
// looking up a V-App's registry entry, deriving app_auth_key, running the
// code-attestation handshake that independently re-derives and checks the
// CODE Merkle root against the signed manifest, establishing the DATA
// section's initial root the same way, computing the STACK section's
// initial root locally, and generating the session's dynamic keys.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/manifest"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
	"github.com/vanadium-project/vanadium/internal/registry"
	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// Domain-separation tags for the SHA-256 derivations of spec §4.7.
const (
	tagAppAuthKey = "VND_APP_AUTH_KEY"
	tagHMACMask   = "VND_HMAC_MASK"
	tagPageTag    = "VND_PAGE_TAG"
)

// exchange sub-protocol message kinds: the attestation handshake rides on
// Oracle.Exchange's opaque-bytes capability, so it needs its own tiny
// framing layered inside that payload.
const (
	exchReqPageHash byte = 0x01 // request: section(1) + index(4); reply: page_hash(32)
	exchPushHMAC    byte = 0x02 // push: index(4) + encrypted_hmac(32); reply ignored
	exchReveal      byte = 0x03 // push: ephemeral_sk(32); reply ignored
)

// TaggedHash generalises the original auth_key helper (VMAuthKey::tagged_hash):
// SHA256(SHA256(tag) || key || concat(parts...)). Bootstrap derives
// app_auth_key through it; the per-page HMAC mask is a plain SHA-256 over
// its raw tag, ephemeral_sk and the page index, computed inline by
// Bootstrap and HostAttestor.
func TaggedHash(tag string, key [32]byte, parts ...[]byte) [32]byte {
	tagDigest := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagDigest[:])
	h.Write(key[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Result is what a successful Bootstrap produces: everything the memory
// manager and cache need to start serving the V-App.
type Result struct {
	Sections map[pagemodel.Kind]*pagemodel.Section
	Keys     map[pagemodel.Kind]codec.Keys
	Trees    map[pagemodel.Kind]*merkle.Tree
	VAppHash [32]byte
}

func be32(i uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], i)
	return b[:]
}

// requestPageHash asks the host for page_hash_i of the given section/index.
func requestPageHash(o oracle.Oracle, kind pagemodel.Kind, index uint32) (merkle.Digest, error) {
	req := append([]byte{exchReqPageHash, byte(kind)}, be32(index)...)
	resp, err := o.Exchange(req)
	if err != nil {
		return merkle.Digest{}, vmerr.Wrap(vmerr.Transport, "session: page_hash request failed", err)
	}
	if len(resp) != 32 {
		return merkle.Digest{}, vmerr.New(vmerr.Protocol, "session: malformed page_hash response")
	}
	var d merkle.Digest
	copy(d[:], resp)
	return d, nil
}

// pushEncryptedHMAC delivers encrypted_hmac_i to the host for code page i.
func pushEncryptedHMAC(o oracle.Oracle, index uint32, encHMAC [32]byte) error {
	req := append([]byte{exchPushHMAC}, be32(index)...)
	req = append(req, encHMAC[:]...)
	if _, err := o.Exchange(req); err != nil {
		return vmerr.Wrap(vmerr.Transport, "session: encrypted_hmac push failed", err)
	}
	return nil
}

// revealEphemeralSK sends ephemeral_sk to the host once the code root has
// verified, letting it unmask every stored encrypted_hmac_i (spec §4.7
// step 5).
func revealEphemeralSK(o oracle.Oracle, sk [32]byte) error {
	req := append([]byte{exchReveal}, sk[:]...)
	if _, err := o.Exchange(req); err != nil {
		return vmerr.Wrap(vmerr.Transport, "session: ephemeral_sk reveal failed", err)
	}
	return nil
}

// attestSection streams page_hash_i for every page of a section from the
// host and returns the section's Merkle root recomputed from scratch over
// that leaf stream (spec §4.7 steps 4-6 for CODE, "computed symmetrically"
// for DATA). onLeaf is called with each streamed page_hash, for CODE to
// additionally run the HMAC-masking exchange.
func attestSection(o oracle.Oracle, kind pagemodel.Kind, numPages uint32, onLeaf func(index uint32, leaf merkle.Digest) error) (merkle.Digest, error) {
	leaves := make([]merkle.Digest, numPages)
	for i := uint32(0); i < numPages; i++ {
		leaf, err := requestPageHash(o, kind, i)
		if err != nil {
			return merkle.Digest{}, err
		}
		if onLeaf != nil {
			if err := onLeaf(i, leaf); err != nil {
				return merkle.Digest{}, err
			}
		}
		leaves[i] = leaf
	}
	return merkle.RootFromLeaves(leaves), nil
}

// stackRoot computes the STACK section's initial root locally: numPages
// zero-plaintext pages encrypted under the session's fresh KeyAES2, with no
// host round trip needed since the SE already knows the content (all
// zeroes) and the key (spec §4.7 step 6).
func stackRoot(keys codec.Keys, base uint32, numPages uint32) (merkle.Digest, error) {
	leaves := make([]merkle.Digest, numPages)
	var zero [codec.PageSize]byte
	for i := uint32(0); i < numPages; i++ {
		addr := base + i*pagemodel.Size
		ct, _, err := codec.Encrypt(keys, addr, 0, &zero)
		if err != nil {
			return merkle.Digest{}, vmerr.Wrap(vmerr.VmFault, "session: encrypt zero stack page", err)
		}
		leaves[i] = codec.PageHash(addr, 0, ct)
	}
	return merkle.RootFromLeaves(leaves), nil
}

// Bootstrap runs the full session start for the named V-App: registry
// lookup, app_auth_key derivation, the code-attestation handshake, DATA
// root establishment, STACK root computation, and dynamic key generation.
//
// dynKeysOverride, if given, replaces the freshly-generated KeyAES2/KeyHMAC2
// with a caller-supplied pair. A real device always omits it: the dynamic
// keys are session-unique by design. It exists for host tooling that must
// produce a DATA section whose Merkle root matches a manifest signed ahead
// of time against a fixed key, rather than one chosen at session start — see
// DESIGN.md.
func Bootstrap(name string, m *manifest.Manifest, reg *registry.Registry, authKey [32]byte, o oracle.Oracle, dynKeysOverride ...codec.Keys) (*Result, error) {
	entry := reg.Lookup(name)
	if entry == nil {
		return nil, vmerr.New(vmerr.AuthFail, fmt.Sprintf("session: %q is not registered", name))
	}
	vappHash := m.Hash()
	if entry.VAppHash != vappHash {
		return nil, vmerr.New(vmerr.AuthFail, "session: manifest does not match the registered vapp_hash")
	}

	appAuthKey := TaggedHash(tagAppAuthKey, authKey, vappHash[:])

	var ephemeralSK [32]byte
	if _, err := rand.Read(ephemeralSK[:]); err != nil {
		return nil, vmerr.Wrap(vmerr.Resource, "session: failed to generate ephemeral_sk", err)
	}

	onCodeLeaf := func(index uint32, pageHash merkle.Digest) error {
		pageSK := sha256.Sum256(append(append([]byte(tagHMACMask), ephemeralSK[:]...), be32(index)...))

		mac := hmac.New(sha256.New, appAuthKey[:])
		mac.Write([]byte(tagPageTag))
		mac.Write(vappHash[:])
		mac.Write(be32(index))
		mac.Write(pageHash[:])
		var hmacI [32]byte
		copy(hmacI[:], mac.Sum(nil))

		var encHMAC [32]byte
		for i := range encHMAC {
			encHMAC[i] = hmacI[i] ^ pageSK[i]
		}
		return pushEncryptedHMAC(o, index, encHMAC)
	}

	codeRoot, err := attestSection(o, pagemodel.Code, m.Code.Pages, onCodeLeaf)
	if err != nil {
		return nil, err
	}
	if codeRoot != merkle.Digest(m.CodeRoot) {
		return nil, vmerr.New(vmerr.AuthFail, "session: recomputed CODE root does not match the manifest")
	}
	if err := revealEphemeralSK(o, ephemeralSK); err != nil {
		return nil, err
	}
	klog.V(2).Infof("session: code attestation for %q succeeded over %d pages", name, m.Code.Pages)

	var dynKeys codec.Keys
	if len(dynKeysOverride) > 0 {
		dynKeys = dynKeysOverride[0]
	} else {
		if _, err := rand.Read(dynKeys.AES[:]); err != nil {
			return nil, vmerr.Wrap(vmerr.Resource, "session: failed to generate KeyAES2", err)
		}
		if _, err := rand.Read(dynKeys.HMAC[:]); err != nil {
			return nil, vmerr.Wrap(vmerr.Resource, "session: failed to generate KeyHMAC2", err)
		}
	}

	dataRoot, err := attestSection(o, pagemodel.Data, m.Data.Pages, nil)
	if err != nil {
		return nil, err
	}
	if dataRoot != merkle.Digest(m.DataRoot) {
		return nil, vmerr.New(vmerr.AuthFail, "session: recomputed DATA root does not match the manifest")
	}

	stkRoot, err := stackRoot(dynKeys, m.Stack.Start, m.Stack.Pages)
	if err != nil {
		return nil, err
	}

	sections := map[pagemodel.Kind]*pagemodel.Section{
		pagemodel.Code: {Kind: pagemodel.Code, BaseAddr: m.Code.Start, NumPages: m.Code.Pages, MerkleRoot: codeRoot},
		pagemodel.Data: {Kind: pagemodel.Data, BaseAddr: m.Data.Start, NumPages: m.Data.Pages, MerkleRoot: dataRoot},
		pagemodel.Stack: {Kind: pagemodel.Stack, BaseAddr: m.Stack.Start, NumPages: m.Stack.Pages, MerkleRoot: stkRoot},
	}
	keys := map[pagemodel.Kind]codec.Keys{
		pagemodel.Code:  {AES: entry.Keys.AES, HMAC: entry.Keys.HMAC},
		pagemodel.Data:  dynKeys,
		pagemodel.Stack: dynKeys,
	}
	trees := map[pagemodel.Kind]*merkle.Tree{
		pagemodel.Data:  merkle.New(dataRoot, uint64(m.Data.Pages)),
		pagemodel.Stack: merkle.New(stkRoot, uint64(m.Stack.Pages)),
	}

	return &Result{Sections: sections, Keys: keys, Trees: trees, VAppHash: vappHash}, nil
}
