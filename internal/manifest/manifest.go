// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package manifest implements the V-App manifest binary codec and Ledger
// signature verification (component C8, spec §3 and §6): parsing the
// fixed-field layout, computing vapp_hash, and checking the manifest was
// signed by the pinned Ledger key before a V-App is ever registered.
package manifest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// Magic identifies a Vanadium manifest.
const Magic = "VNDM"

// SignatureLen is the fixed size of the appended Ledger signature.
const SignatureLen = 64

// MaxNameLen bounds the app name field (spec: app name <= 32 B).
const MaxNameLen = 32

// MaxStorageSlots bounds the persistent storage slot count (spec: <=4).
const MaxStorageSlots = 4

// DerivationPath is one BIP32 path, as a sequence of index components; the
// original app SDK represents a path the same way (Vec<u32>) rather than as
// a formatted string, so the wire form here mirrors that.
type DerivationPath []uint32

// SectionLayout describes one of the CODE/DATA/STACK layout triples carried
// in the manifest: a virtual base address and a page count. CODE additionally
// carries its Merkle root; DATA's root is supplied here too (the initial
// image's root); STACK carries none (it always starts as num_pages zero
// pages, computed at session bootstrap instead of read off the wire).
type SectionLayout struct {
	Start uint32
	Pages uint32
}

// Manifest is the parsed, immutable signed record for one V-App.
type Manifest struct {
	Version     uint8
	Name        string
	VAppVersion [3]byte // major, minor, patch

	Entrypoint uint32

	Code SectionLayout
	CodeRoot [32]byte

	Data SectionLayout
	DataRoot [32]byte

	Stack SectionLayout

	NumStorageSlots uint8
	Paths           []DerivationPath

	Signature [SignatureLen]byte
}

// LedgerVerifier checks a manifest signature against the pinned device key.
// The manifest's own on-wire signature scheme is Schnorr-over-secp256k1
// (spec §6); this package defines the verification seam as an interface so
// the concrete curve/scheme is swappable without touching the parser -
// see DESIGN.md for why the shipped default implementation is ECDSA/P-256
// rather than the spec's literal secp256k1 Schnorr.
type LedgerVerifier interface {
	Verify(digest [32]byte, sig [SignatureLen]byte) bool
}

// ECDSAVerifier verifies a manifest's signature as an ECDSA/P-256 signature
// over vapp_hash, encoded as the fixed 64-byte r||s form (32 bytes each,
// big-endian, no ASN.1 wrapping) so it fits the spec's fixed SignatureLen.
type ECDSAVerifier struct {
	PublicKey *ecdsa.PublicKey
}

// Verify implements LedgerVerifier.
func (v *ECDSAVerifier) Verify(digest [32]byte, sig [SignatureLen]byte) bool {
	if v.PublicKey == nil {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(v.PublicKey, digest[:], r, s)
}

// Parse decodes a manifest from its binary wire form (spec §6, network
// byte order). It does not verify the signature; call Verify separately
// once the caller has decided which LedgerVerifier to trust.
func Parse(raw []byte) (*Manifest, error) {
	r := bytes.NewReader(raw)

	var magic [4]byte
	if _, err := readFull(r, magic[:]); err != nil {
		return nil, vmerr.Wrap(vmerr.Protocol, "manifest: short read on magic", err)
	}
	if string(magic[:]) != Magic {
		return nil, vmerr.New(vmerr.Protocol, fmt.Sprintf("manifest: bad magic %q", magic))
	}

	m := &Manifest{}
	var err error
	if m.Version, err = readU8(r); err != nil {
		return nil, err
	}

	nameLen, err := readU8(r)
	if err != nil {
		return nil, err
	}
	if nameLen > MaxNameLen {
		return nil, vmerr.New(vmerr.Protocol, "manifest: name_len exceeds 32")
	}
	name := make([]byte, nameLen)
	if _, err := readFull(r, name); err != nil {
		return nil, vmerr.Wrap(vmerr.Protocol, "manifest: short read on name", err)
	}
	m.Name = string(name)

	if _, err := readFull(r, m.VAppVersion[:]); err != nil {
		return nil, vmerr.Wrap(vmerr.Protocol, "manifest: short read on vapp_version", err)
	}

	if m.Entrypoint, err = readU32(r); err != nil {
		return nil, err
	}
	if m.Code.Start, err = readU32(r); err != nil {
		return nil, err
	}
	if m.Code.Pages, err = readU32(r); err != nil {
		return nil, err
	}
	if _, err := readFull(r, m.CodeRoot[:]); err != nil {
		return nil, vmerr.Wrap(vmerr.Protocol, "manifest: short read on code_root", err)
	}

	if m.Data.Start, err = readU32(r); err != nil {
		return nil, err
	}
	if m.Data.Pages, err = readU32(r); err != nil {
		return nil, err
	}
	if _, err := readFull(r, m.DataRoot[:]); err != nil {
		return nil, vmerr.Wrap(vmerr.Protocol, "manifest: short read on data_root", err)
	}

	if m.Stack.Start, err = readU32(r); err != nil {
		return nil, err
	}
	if m.Stack.Pages, err = readU32(r); err != nil {
		return nil, err
	}

	if m.NumStorageSlots, err = readU8(r); err != nil {
		return nil, err
	}
	if m.NumStorageSlots > MaxStorageSlots {
		return nil, vmerr.New(vmerr.Protocol, "manifest: n_storage_slots exceeds 4")
	}

	nPaths, err := readU8(r)
	if err != nil {
		return nil, err
	}
	m.Paths = make([]DerivationPath, nPaths)
	for i := range m.Paths {
		depth, err := readU8(r)
		if err != nil {
			return nil, err
		}
		path := make(DerivationPath, depth)
		for j := range path {
			c, err := readU32(r)
			if err != nil {
				return nil, err
			}
			path[j] = c
		}
		m.Paths[i] = path
	}

	if _, err := readFull(r, m.Signature[:]); err != nil {
		return nil, vmerr.Wrap(vmerr.Protocol, "manifest: short read on signature", err)
	}
	if r.Len() != 0 {
		return nil, vmerr.New(vmerr.Protocol, "manifest: trailing bytes after signature")
	}

	return m, nil
}

// marshalUnsigned encodes every field up to (but not including) the
// signature: this is exactly the byte range vapp_hash is computed over.
func (m *Manifest) marshalUnsigned() []byte {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte(m.Version)
	buf.WriteByte(uint8(len(m.Name)))
	buf.WriteString(m.Name)
	buf.Write(m.VAppVersion[:])
	writeU32(&buf, m.Entrypoint)
	writeU32(&buf, m.Code.Start)
	writeU32(&buf, m.Code.Pages)
	buf.Write(m.CodeRoot[:])
	writeU32(&buf, m.Data.Start)
	writeU32(&buf, m.Data.Pages)
	buf.Write(m.DataRoot[:])
	writeU32(&buf, m.Stack.Start)
	writeU32(&buf, m.Stack.Pages)
	buf.WriteByte(m.NumStorageSlots)
	buf.WriteByte(uint8(len(m.Paths)))
	for _, p := range m.Paths {
		buf.WriteByte(uint8(len(p)))
		for _, c := range p {
			writeU32(&buf, c)
		}
	}
	return buf.Bytes()
}

// Marshal encodes the full manifest, signature included.
func (m *Manifest) Marshal() []byte {
	buf := m.marshalUnsigned()
	return append(buf, m.Signature[:]...)
}

// Hash computes vapp_hash := SHA256(manifest_without_signature).
func (m *Manifest) Hash() [32]byte {
	return sha256.Sum256(m.marshalUnsigned())
}

// Verify checks the manifest's signature against v, over vapp_hash. It
// rejects the manifest as AuthFail on any mismatch, per spec's stated
// invariant that an unverifiable manifest is never registered.
func (m *Manifest) Verify(v LedgerVerifier) error {
	if !v.Verify(m.Hash(), m.Signature) {
		return vmerr.New(vmerr.AuthFail, "manifest: signature does not verify against pinned Ledger key")
	}
	return nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short read: got %d want %d", n, len(buf))
	}
	return n, err
}

func readU8(r *bytes.Reader) (uint8, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, vmerr.Wrap(vmerr.Protocol, "manifest: short read", err)
	}
	return b, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, vmerr.Wrap(vmerr.Protocol, "manifest: short read on u32 field", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
