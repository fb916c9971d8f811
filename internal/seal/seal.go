// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package seal wraps a V-App's static keys for storage on the host between
// sessions (spec §4.7: "returns to the host an encrypted blob containing
// the static keys sealed to this device"). This is generic device-local
// blob sealing, unlike internal/codec's page format: it carries no fixed
// wire layout mandated by the spec, so it uses AES-256-GCM directly rather
// than the split CBC+HMAC construction the page codec is pinned to.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// Blob seals plaintext under deviceKey, returning nonce‖ciphertext‖tag.
func Blob(deviceKey [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deviceKey[:])
	if err != nil {
		return nil, fmt.Errorf("seal: aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: cipher.NewGCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unblob reverses Blob, failing with AuthFail if the tag does not verify
// or the device key does not match the one the blob was sealed under.
func Unblob(deviceKey [32]byte, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(deviceKey[:])
	if err != nil {
		return nil, fmt.Errorf("seal: aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: cipher.NewGCM: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return nil, vmerr.New(vmerr.Protocol, "seal: blob shorter than nonce")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, vmerr.New(vmerr.AuthFail, "seal: blob does not authenticate under the device key")
	}
	return plaintext, nil
}
