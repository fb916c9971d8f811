// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package merkle implements the append-only, update-in-place Merkle tree
// engine used to authenticate mutable V-App pages (component C2).
//
// The tree is not necessarily full: the RFC 6962 shape is used, where
// right-spine holes hash as the last real leaf. Hashing reuses the
// rfc6962 domain separation (leaf = SHA256(0x00‖x), node = SHA256(0x01‖l‖r))
// via the rfc6962 package, so roots computed here are bit-for-bit what any
// RFC 6962-speaking verifier would compute for the same leaf set.
package merkle

import (
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// Digest is a 32-byte SHA-256 output: a leaf hash, a node hash, or a root.
type Digest [32]byte

// maxProofLen bounds proof length to preclude index overflow; a proof longer
// than this authenticates a leaf beneath any tree this engine can represent.
const maxProofLen = 64

// Side indicates whether a proof step's sibling digest is the left or right
// child of the node being recomputed.
type Side byte

const (
	// Left means the sibling digest is the left child ('L' on the wire).
	Left Side = 'L'
	// Right means the sibling digest is the right child ('R' on the wire).
	Right Side = 'R'
)

// ProofStep mirrors the wire encoding `{op:byte, digest:[32]byte}`; any op
// byte other than 'L'/'R' is a protocol error.
type ProofStep struct {
	Op     byte
	Digest Digest
}

var hasher = rfc6962.DefaultHasher

// HashLeaf computes leaf(x) = SHA256(0x00 || x).
func HashLeaf(x []byte) Digest {
	var d Digest
	copy(d[:], hasher.HashLeaf(x))
	return d
}

// HashNode computes node(l,r) = SHA256(0x01 || l || r).
func HashNode(l, r Digest) Digest {
	var d Digest
	copy(d[:], hasher.HashChildren(l[:], r[:]))
	return d
}

// Tree is the SE-side Merkle state: just the current root and size: the SE
// never stores the tree itself (the host does, per spec's ownership split).
type Tree struct {
	Root Digest
	Size uint64
}

// New builds a Tree from an externally computed root and size, e.g. one
// computed at session bootstrap from a manifest's initial page image.
func New(root Digest, size uint64) *Tree {
	return &Tree{Root: root, Size: size}
}

func validateProof(proof []ProofStep) error {
	if len(proof) > maxProofLen {
		return vmerr.New(vmerr.Resource, "merkle proof exceeds maximum length")
	}
	for _, s := range proof {
		if s.Op != byte(Left) && s.Op != byte(Right) {
			return vmerr.New(vmerr.Protocol, "invalid merkle proof op byte")
		}
	}
	return nil
}

// recompute walks proof starting from leaf (or, if leaf is nil, from an
// already-computed digest) and returns the resulting root.
func recompute(leaf *Digest, digest Digest, proof []ProofStep) Digest {
	cur := digest
	if leaf != nil {
		cur = *leaf
	}
	for _, s := range proof {
		if Side(s.Op) == Left {
			cur = HashNode(s.Digest, cur)
		} else {
			cur = HashNode(cur, s.Digest)
		}
	}
	return cur
}

// VerifyProof reports whether leaf authenticates against root via path.
func VerifyProof(leaf Digest, path []ProofStep, root Digest) bool {
	if err := validateProof(path); err != nil {
		return false
	}
	got := recompute(&leaf, Digest{}, path)
	return got == root
}

// Update first verifies oldLeaf against the tree's current root using path,
// then recomputes the root with newLeaf along the same path. Fails (without
// mutating the tree) if oldLeaf does not authenticate.
func (t *Tree) Update(oldLeaf, newLeaf Digest, path []ProofStep) error {
	if err := validateProof(path); err != nil {
		return err
	}
	if !VerifyProof(oldLeaf, path, t.Root) {
		return vmerr.New(vmerr.AuthFail, "merkle update: old leaf does not authenticate against current root")
	}
	t.Root = recompute(&newLeaf, Digest{}, path)
	return nil
}

// RootFromLeaves computes the RFC 6962 Merkle Tree Hash of a full ordered
// leaf list directly, standard divide-at-the-largest-power-of-two
// recursion. Used at session bootstrap to establish a section's initial
// root from its complete page image (spec §4.7 steps 5-6) instead of
// growing the tree one Append at a time.
func RootFromLeaves(leaves []Digest) Digest {
	if len(leaves) == 0 {
		return Digest{}
	}
	return mth(leaves)
}

func mth(leaves []Digest) Digest {
	if len(leaves) == 1 {
		return leaves[0]
	}
	k := largestPowerOfTwoLessThan(len(leaves))
	return HashNode(mth(leaves[:k]), mth(leaves[k:]))
}

func largestPowerOfTwoLessThan(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}

// bitCount returns the number of set bits in x (popcount).
func bitCount(x uint64) int {
	n := 0
	for x != 0 {
		n += int(x & 1)
		x >>= 1
	}
	return n
}

// Append adds newLeaf as the Size-th leaf. pathToLast must prove lastLeaf at
// position Size-1 against the current root. On an empty tree newLeaf simply
// becomes the root and lastLeaf/pathToLast are ignored, matching
// merkle_insert's n==0 special case upstream. Fails if Size is already at
// its maximum.
func (t *Tree) Append(newLeaf, lastLeaf Digest, pathToLast []ProofStep) error {
	if t.Size == 0 {
		t.Root = newLeaf
		t.Size = 1
		return nil
	}
	if t.Size == ^uint64(0) {
		return vmerr.New(vmerr.Resource, "merkle tree size overflow")
	}
	if err := validateProof(pathToLast); err != nil {
		return err
	}

	count := len(pathToLast)
	treeLevel := count - (bitCount(t.Size) - 1)
	if treeLevel > count || treeLevel < 0 {
		return vmerr.New(vmerr.Resource, "merkle append: tree level computation overflow")
	}

	if !VerifyProof(lastLeaf, pathToLast, t.Root) {
		return vmerr.New(vmerr.AuthFail, "merkle append: last leaf does not authenticate against current root")
	}

	// The first treeLevel steps of the old path carry lastLeaf up to the
	// subtree digest that newLeaf must attach beneath; the remaining
	// (upper) steps then carry that combined pair up to the new root.
	attachPoint := recompute(&lastLeaf, Digest{}, pathToLast[:treeLevel])
	combined := HashNode(attachPoint, newLeaf)
	t.Root = recompute(nil, combined, pathToLast[treeLevel:])
	t.Size++
	return nil
}
