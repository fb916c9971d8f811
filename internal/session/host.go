// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package session

import (
	"crypto/sha256"

	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

// HostAttestor plays the host side of the code-attestation sub-protocol
// against an oracle.Mock (spec §4.7 steps 4-5): it answers exchReqPageHash
// with whatever page_hash is currently seeded into the Mock, records every
// pushed encrypted_hmac_i, and once exchReveal delivers ephemeral_sk,
// unmasks each recorded tag and seeds it back into the Mock so subsequent
// GetPage calls for CODE pages return it. A real host's attestation handler
// does the same thing against its own page store; this one is Mock-backed
// since that's the only page store this repo's non-hardware hosts have.
type HostAttestor struct {
	mock      *oracle.Mock
	masked    map[uint32][32]byte
	codePages uint32
}

// NewHostAttestor builds a HostAttestor for a V-App with the given number of
// CODE pages and wires it as mock's Exchange handler.
func NewHostAttestor(mock *oracle.Mock, codePages uint32) *HostAttestor {
	h := &HostAttestor{mock: mock, masked: map[uint32][32]byte{}, codePages: codePages}
	mock.SetExchangeHandler(h.Handle)
	return h
}

// Handle answers one Exchange payload from the SE side of the handshake.
func (h *HostAttestor) Handle(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	switch payload[0] {
	case exchReqPageHash:
		kind := pagemodel.Kind(payload[1])
		index := be32ToUint(payload[2:6])
		leaf := h.mock.Leaf(kind, index)
		return leaf[:], nil

	case exchPushHMAC:
		index := be32ToUint(payload[1:5])
		var enc [32]byte
		copy(enc[:], payload[5:37])
		h.masked[index] = enc
		return nil, nil

	case exchReveal:
		var sk [32]byte
		copy(sk[:], payload[1:33])
		for i := uint32(0); i < h.codePages; i++ {
			enc, ok := h.masked[i]
			if !ok {
				continue
			}
			pageSK := sha256.Sum256(append(append([]byte(tagHMACMask), sk[:]...), be32(i)...))
			var tag [32]byte
			for j := range tag {
				tag[j] = enc[j] ^ pageSK[j]
			}
			h.mock.SeedHMAC(i, tag)
		}
		return nil, nil
	}
	return nil, nil
}

func be32ToUint(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
