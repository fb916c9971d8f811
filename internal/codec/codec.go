// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package codec implements the page codec (component C3): the
// encrypt-and-MAC construction used for every page that crosses the
// SE/host boundary, and the page_hash binding used as a Merkle leaf.
//
// This plays the role the teacher's trusted_os/caam.go plays for the real
// CAAM crypto accelerator, except here the "accelerator" is the stdlib
// crypto package: SHA-256, HMAC-SHA-256 and AES-256-CBC are treated as
// black-box primitives per the specification's scope, exactly as CAAM's
// registers are a black box to the code that drives them.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// PageSize is the fixed plaintext page size in bytes.
const PageSize = 256

// Keys bundles the AES and HMAC keys used for one authentication domain:
// (KeyAES1, KeyHMAC1) for immutable pages, (KeyAES2, KeyHMAC2) for mutable
// ones.
type Keys struct {
	AES  [32]byte
	HMAC [32]byte
}

// iv builds the AES-CBC IV for a page: addr in the high 32 bits, zero-padded
// to the block size, per spec §4.2 (`IV=addr‖0‖0‖0`).
func iv(addr uint32) [aes.BlockSize]byte {
	var v [aes.BlockSize]byte
	binary.BigEndian.PutUint32(v[0:4], addr)
	return v
}

// Ciphertext is a page's on-the-wire encrypted form, always exactly
// PageSize bytes (AES-CBC over an already page-aligned plaintext, no
// padding required since PageSize is a multiple of the AES block size).
type Ciphertext [PageSize]byte

// Encrypt produces the ciphertext and MAC for a plaintext page at virtual
// address addr with the given counter (always 0 for immutable pages).
func Encrypt(keys Keys, addr uint32, counter uint32, plaintext *[PageSize]byte) (ct Ciphertext, mac [32]byte, err error) {
	block, err := aes.NewCipher(keys.AES[:])
	if err != nil {
		return ct, mac, fmt.Errorf("codec: aes.NewCipher: %w", err)
	}

	v := iv(addr)
	cbc := cipher.NewCBCEncrypter(block, v[:])
	cbc.CryptBlocks(ct[:], plaintext[:])

	mac = macOf(keys.HMAC, addr, counter, ct)
	return ct, mac, nil
}

// Decrypt verifies the MAC (constant time) before decrypting, per spec
// §4.2 ("MAC is verified first, then decryption").
func Decrypt(keys Keys, addr uint32, counter uint32, ct Ciphertext, mac [32]byte) (plaintext [PageSize]byte, err error) {
	want := macOf(keys.HMAC, addr, counter, ct)
	if subtle.ConstantTimeCompare(want[:], mac[:]) != 1 {
		return plaintext, vmerr.New(vmerr.AuthFail, "page MAC mismatch")
	}

	block, err := aes.NewCipher(keys.AES[:])
	if err != nil {
		return plaintext, fmt.Errorf("codec: aes.NewCipher: %w", err)
	}

	v := iv(addr)
	cbc := cipher.NewCBCDecrypter(block, v[:])
	cbc.CryptBlocks(plaintext[:], ct[:])
	return plaintext, nil
}

// DecryptUnauthenticated decrypts a page whose authenticity has already
// been established by other means (a verified Merkle proof over its
// page_hash), skipping the HMAC check Decrypt performs. Used for DATA/STACK
// pages, where the Merkle tree over page_hash is the authentication
// mechanism and the HMAC key plays no role.
func DecryptUnauthenticated(keys Keys, addr uint32, ct Ciphertext) (plaintext [PageSize]byte, err error) {
	block, err := aes.NewCipher(keys.AES[:])
	if err != nil {
		return plaintext, fmt.Errorf("codec: aes.NewCipher: %w", err)
	}
	v := iv(addr)
	cbc := cipher.NewCBCDecrypter(block, v[:])
	cbc.CryptBlocks(plaintext[:], ct[:])
	return plaintext, nil
}

// macOf computes HMAC-SHA-256(KeyHMAC, ciphertext || addr || counter), the
// binding described in spec §4.2.
func macOf(key [32]byte, addr uint32, counter uint32, ct Ciphertext) [32]byte {
	h := hmac.New(sha256.New, key[:])
	h.Write(ct[:])
	var be [8]byte
	binary.BigEndian.PutUint32(be[0:4], addr)
	binary.BigEndian.PutUint32(be[4:8], counter)
	h.Write(be[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PageHash computes the Merkle leaf value for a page:
// SHA256(ciphertext || addr || counter). Binding (ciphertext, addr,
// counter) together is what prevents the host from swapping a page between
// addresses or replaying an earlier version.
func PageHash(addr uint32, counter uint32, ct Ciphertext) merkle.Digest {
	h := sha256.New()
	h.Write(ct[:])
	var be [8]byte
	binary.BigEndian.PutUint32(be[0:4], addr)
	binary.BigEndian.PutUint32(be[4:8], counter)
	h.Write(be[:])
	var d merkle.Digest
	copy(d[:], h.Sum(nil))
	return d
}
