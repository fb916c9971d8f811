// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"testing"
)

func testKeys() Keys {
	var k Keys
	for i := range k.AES {
		k.AES[i] = byte(i)
	}
	for i := range k.HMAC {
		k.HMAC[i] = byte(0xa0 + i)
	}
	return k
}

func testPlaintext(fill byte) *[PageSize]byte {
	var p [PageSize]byte
	for i := range p {
		p[i] = fill
	}
	return &p
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys := testKeys()
	pt := testPlaintext(0x42)

	ct, mac, err := Encrypt(keys, 0x10000000, 3, pt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(keys, 0x10000000, 3, ct, mac)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got[:], pt[:]) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	keys := testKeys()
	ct, mac, err := Encrypt(keys, 0x10000000, 0, testPlaintext(1))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[0] ^= 0xff

	if _, err := Decrypt(keys, 0x10000000, 0, ct, mac); err == nil {
		t.Fatalf("Decrypt accepted tampered ciphertext")
	}
}

func TestDecryptRejectsWrongCounter(t *testing.T) {
	keys := testKeys()
	ct, mac, err := Encrypt(keys, 0x10000000, 5, testPlaintext(1))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(keys, 0x10000000, 6, ct, mac); err == nil {
		t.Fatalf("Decrypt accepted a MAC computed for a different counter")
	}
}

func TestDecryptRejectsWrongAddr(t *testing.T) {
	keys := testKeys()
	ct, mac, err := Encrypt(keys, 0x10000000, 0, testPlaintext(1))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(keys, 0x10000100, 0, ct, mac); err == nil {
		t.Fatalf("Decrypt accepted a page relocated to a different address")
	}
}

func TestPageHashBindsAddrAndCounter(t *testing.T) {
	keys := testKeys()
	ct, _, err := Encrypt(keys, 0x20000000, 1, testPlaintext(7))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	h1 := PageHash(0x20000000, 1, ct)
	h2 := PageHash(0x20000000, 2, ct)
	h3 := PageHash(0x20000100, 1, ct)

	if h1 == h2 {
		t.Fatalf("page_hash did not change with counter")
	}
	if h1 == h3 {
		t.Fatalf("page_hash did not change with address")
	}
}
