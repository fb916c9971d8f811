// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package oracle

import (
	"fmt"
	"sync"

	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

// sectionStore holds one section's pages exactly the way the design notes
// describe the host-side Merkle tree: a flat per-level array of digests
// (an "arena"), addressed by (level, index) rather than parent/child
// pointers, alongside the raw ciphertext/counter/HMAC actually being
// stored for each page.
type sectionStore struct {
	kind Kind

	ciphertexts []codec.Ciphertext
	counters    []uint32
	hmacs       [][32]byte // populated only once code attestation has completed

	leaves [][]merkle.Digest // leaves[0] = per-page leaf digests; leaves[n] = level n
}

// Kind re-exports pagemodel.Kind so callers of this file don't need two
// imports for the same concept; kept distinct to avoid a stutter in the
// exported API below.
type Kind = pagemodel.Kind

func newSectionStore(kind Kind, numPages uint32) *sectionStore {
	return &sectionStore{
		kind:        kind,
		ciphertexts: make([]codec.Ciphertext, numPages),
		counters:    make([]uint32, numPages),
		hmacs:       make([][32]byte, numPages),
		leaves:      [][]merkle.Digest{make([]merkle.Digest, numPages)},
	}
}

// rebuildLevels recomputes leaves[1:] from leaves[0] using the RFC 6962
// "right-spine hole carries the last real node up unchanged" convention
// (spec §4.1). This is a full recompute rather than an incremental update;
// V-App page counts are small enough in practice that this is not a
// meaningful cost for a cooperating host simulator.
func (s *sectionStore) rebuildLevels() {
	s.leaves = s.leaves[:1]
	cur := s.leaves[0]
	for len(cur) > 1 {
		next := make([]merkle.Digest, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, merkle.HashNode(cur[i], cur[i+1]))
			} else {
				next = append(next, cur[i])
			}
		}
		s.leaves = append(s.leaves, next)
		cur = next
	}
}

func (s *sectionStore) root() merkle.Digest {
	if len(s.leaves[0]) == 0 {
		return merkle.Digest{}
	}
	last := s.leaves[len(s.leaves)-1]
	return last[0]
}

// proof returns the sibling path authenticating page index against the
// store's current root, in the same "combine steps only, holes omitted"
// form the SE-side merkle.Tree expects.
func (s *sectionStore) proof(index uint32) []merkle.ProofStep {
	idx := int(index)
	var steps []merkle.ProofStep
	level := s.leaves[0]

	for levelIdx := 0; len(level) > 1; levelIdx++ {
		switch {
		case idx%2 == 1:
			steps = append(steps, merkle.ProofStep{Op: byte(merkle.Left), Digest: level[idx-1]})
		case idx+1 < len(level):
			steps = append(steps, merkle.ProofStep{Op: byte(merkle.Right), Digest: level[idx+1]})
		}
		idx /= 2
		level = s.leaves[levelIdx+1]
	}
	return steps
}

func (s *sectionStore) setPage(index uint32, ct codec.Ciphertext, counter uint32, leaf merkle.Digest) {
	s.ciphertexts[index] = ct
	s.counters[index] = counter
	s.leaves[0][index] = leaf
	s.rebuildLevels()
}

// Mock is an in-process Oracle implementation used by tests and as the page
// store cmd/vanadium-host serves over TCP: a cooperating cache that stores
// every page and serves it with proofs, exactly as spec §4.3 describes.
//
// Mock is deliberately "honest": it never forges, replays or drops pages.
// Fault injection wraps a Mock in an Oracle that corrupts specific responses
// instead of modifying Mock itself (see Faulty in fault.go).
type Mock struct {
	mu       sync.Mutex
	sections map[Kind]*sectionStore
	exchange func([]byte) ([]byte, error)
}

// NewMock builds a Mock with the given section page counts.
func NewMock(codePages, dataPages, stackPages uint32) *Mock {
	return &Mock{
		sections: map[Kind]*sectionStore{
			pagemodel.Code:  newSectionStore(pagemodel.Code, codePages),
			pagemodel.Data:  newSectionStore(pagemodel.Data, dataPages),
			pagemodel.Stack: newSectionStore(pagemodel.Stack, stackPages),
		},
	}
}

// SetExchangeHandler installs the function used to answer Exchange calls;
// if unset, Exchange echoes its input.
func (m *Mock) SetExchangeHandler(f func([]byte) ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchange = f
}

// SeedPage installs a page's ciphertext/counter directly, bypassing
// CommitPage, used to seed a section from the manifest's initial image at
// session bootstrap.
func (m *Mock) SeedPage(kind Kind, index uint32, ct codec.Ciphertext, counter uint32, leaf merkle.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sections[kind].setPage(index, ct, counter, leaf)
}

// SeedHMAC installs the HMAC tag for a code page, used once the code
// attestation loop (spec §4.7 step 5) has revealed ephemeral_sk.
func (m *Mock) SeedHMAC(index uint32, tag [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sections[pagemodel.Code].hmacs[index] = tag
}

// Root returns the store's current Merkle root for kind (DATA/STACK only;
// CODE authenticates via HMAC once bootstrap completes).
func (m *Mock) Root(kind Kind) merkle.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sections[kind].root()
}

// Leaf returns the page_hash currently stored for (kind, index), the value
// a real host's attestation handler would answer the SE's page_hash
// request with during bootstrap (spec §4.7 step 4).
func (m *Mock) Leaf(kind Kind, index uint32) merkle.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sections[kind].leaves[0][index]
}

func (m *Mock) GetPage(kind Kind, pageIndex uint32) (GetPageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sections[kind]
	if !ok || pageIndex >= uint32(len(s.ciphertexts)) {
		return GetPageResponse{}, fmt.Errorf("oracle: GetPage: out-of-range page %s[%d]", kind, pageIndex)
	}

	resp := GetPageResponse{
		Ciphertext: s.ciphertexts[pageIndex],
		Counter:    s.counters[pageIndex],
	}
	if kind == pagemodel.Code && s.hmacs[pageIndex] != [32]byte{} {
		resp.HMAC = s.hmacs[pageIndex]
	} else {
		resp.MerkleProof = s.proof(pageIndex)
	}
	return resp, nil
}

func (m *Mock) CommitPage(req CommitPageRequest) (CommitPageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sections[req.Kind]
	if !ok || req.PageIndex >= uint32(len(s.ciphertexts)) {
		return CommitPageResponse{}, fmt.Errorf("oracle: CommitPage: out-of-range page %s[%d]", req.Kind, req.PageIndex)
	}

	leaf := codec.PageHash(req.Addr, req.NewCounter, req.Ciphertext)
	s.setPage(req.PageIndex, req.Ciphertext, req.NewCounter, leaf)
	return CommitPageResponse{NewMerkleRoot: s.root()}, nil
}

func (m *Mock) Exchange(payload []byte) ([]byte, error) {
	m.mu.Lock()
	h := m.exchange
	m.mu.Unlock()

	if h == nil {
		return payload, nil
	}
	return h(payload)
}
