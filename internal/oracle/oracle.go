// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package oracle defines the host page oracle contract (component C4): the
// request/response capability set the SE uses to fetch and commit pages,
// and to exchange opaque bytes with whatever is running on the host.
//
// Per the design notes, the oracle is modelled as a capability set rather
// than a polymorphic object hierarchy, so it can be backed by an in-process
// mock (tests), a TCP transport (emulator) or a HID transport (device) —
// see mock.go, tcp.go and hid.go.
package oracle

import (
	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

// GetPageResponse is what the host returns for a GetPage request. Exactly
// one of MerkleProof or HMAC is populated, depending on the section: CODE
// pages carry an HMAC tag (post-bootstrap, per spec §4.7 step 5), DATA/STACK
// pages carry a Merkle proof.
type GetPageResponse struct {
	Ciphertext  codec.Ciphertext
	Counter     uint32
	MerkleProof []merkle.ProofStep
	HMAC        [32]byte
}

// CommitPageRequest is what the SE sends when evicting a dirty page. Addr
// is the page's virtual base address, the same value bound into the
// page's MAC and into page_hash (spec §4.2).
type CommitPageRequest struct {
	Kind        pagemodel.Kind
	PageIndex   uint32
	Addr        uint32
	Ciphertext  codec.Ciphertext
	NewCounter  uint32
	UpdateProof []merkle.ProofStep
}

// CommitPageResponse carries the root the host computed after applying the
// commit; the SE independently recomputes and compares (spec §4.3).
type CommitPageResponse struct {
	NewMerkleRoot merkle.Digest
}

// Oracle is the capability set the VM uses to talk to the host. Every
// method is a single, non-cancellable round trip (spec §5): no method may
// be called again until the previous one has returned.
type Oracle interface {
	// GetPage fetches a page's ciphertext and its authentication evidence.
	GetPage(kind pagemodel.Kind, pageIndex uint32) (GetPageResponse, error)

	// CommitPage writes back a page and returns the host's view of the new
	// root, which the caller must independently verify.
	CommitPage(req CommitPageRequest) (CommitPageResponse, error)

	// Exchange carries opaque bytes to/from the host: the transport the
	// session bootstrap's code/data attestation handshake (component C9)
	// rides on, since that handshake needs a generic round trip that
	// GetPage/CommitPage don't shape themselves to.
	Exchange(payload []byte) ([]byte, error)
}
