// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package merkle

import (
	"testing"
)

func leafOf(b byte) Digest {
	return HashLeaf([]byte{b})
}

// proofForIndex computes, by brute-force recomputation over the full leaf
// set, the sibling path authenticating leaves[idx] against the RFC 6962
// root of leaves. This mimics what a host-side flat-per-level Merkle store
// (see the Arena + index design note) would hand back for a GetPage or
// CommitPage proof.
func proofForIndex(leaves []Digest, idx int) []ProofStep {
	level := append([]Digest(nil), leaves...)
	var steps []ProofStep

	for len(level) > 1 {
		var next []Digest
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashNode(level[i], level[i+1]))
			} else {
				// Right-spine hole: carries the last real node up unchanged.
				next = append(next, level[i])
			}
		}
		switch {
		case idx%2 == 1:
			steps = append(steps, ProofStep{Op: byte(Left), Digest: level[idx-1]})
		case idx+1 < len(level):
			steps = append(steps, ProofStep{Op: byte(Right), Digest: level[idx+1]})
		}
		idx /= 2
		level = next
	}

	return steps
}

func proofForLast(leaves []Digest) []ProofStep {
	return proofForIndex(leaves, len(leaves)-1)
}

// buildTree constructs a Tree by Append-ing n leaves one at a time, using
// proofForLast against each growing prefix to supply the required
// pathToLast argument, mirroring how a real host would serve GetPage/
// CommitPage during bootstrap.
func buildTree(t *testing.T, n int) (*Tree, []Digest) {
	t.Helper()

	leaves := make([]Digest, n)
	for i := range leaves {
		leaves[i] = leafOf(byte(i))
	}

	tree := &Tree{}
	for i, l := range leaves {
		if i == 0 {
			if err := tree.Append(l, Digest{}, nil); err != nil {
				t.Fatalf("Append(0): %v", err)
			}
			continue
		}
		path := proofForLast(leaves[:i])
		if err := tree.Append(l, leaves[i-1], path); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	return tree, leaves
}

func TestAppendAndVerify(t *testing.T) {
	tree, leaves := buildTree(t, 5)

	for i, l := range leaves {
		path := proofForIndex(leaves, i)
		if !VerifyProof(l, path, tree.Root) {
			t.Errorf("leaf %d does not verify against final root", i)
		}
	}
}

func TestUpdateRoundTripIsIdempotent(t *testing.T) {
	tree, leaves := buildTree(t, 4)
	oldRoot := tree.Root

	path := proofForLast(leaves)
	last := leaves[len(leaves)-1]
	newLeaf := HashLeaf([]byte("replacement"))

	if err := tree.Update(last, newLeaf, path); err != nil {
		t.Fatalf("Update(old->new): %v", err)
	}
	if tree.Root == oldRoot {
		t.Fatalf("root did not change after update")
	}

	if err := tree.Update(newLeaf, last, path); err != nil {
		t.Fatalf("Update(new->old): %v", err)
	}
	if tree.Root != oldRoot {
		t.Fatalf("root after round-trip update = %x, want %x", tree.Root, oldRoot)
	}
}

func TestUpdateRejectsWrongOldLeaf(t *testing.T) {
	tree, leaves := buildTree(t, 3)
	path := proofForLast(leaves)

	wrongOld := HashLeaf([]byte("not the real leaf"))
	if err := tree.Update(wrongOld, HashLeaf([]byte("x")), path); err == nil {
		t.Fatalf("Update with wrong old leaf succeeded, want AuthFail")
	}
}

func TestVerifyProofRejectsTamperedSibling(t *testing.T) {
	tree, leaves := buildTree(t, 4)
	path := proofForLast(leaves)
	path[0].Digest[0] ^= 0xff

	if VerifyProof(leaves[len(leaves)-1], path, tree.Root) {
		t.Fatalf("VerifyProof accepted a tampered sibling digest")
	}
}

func TestVerifyProofRejectsOverlongProof(t *testing.T) {
	tree, leaves := buildTree(t, 2)
	path := make([]ProofStep, maxProofLen+1)
	if VerifyProof(leaves[0], path, tree.Root) {
		t.Fatalf("VerifyProof accepted an over-long proof")
	}
}

func TestVerifyProofRejectsBadOpByte(t *testing.T) {
	tree, leaves := buildTree(t, 2)
	path := proofForLast(leaves)
	path[0].Op = 'X'

	if VerifyProof(leaves[len(leaves)-1], path, tree.Root) {
		t.Fatalf("VerifyProof accepted an invalid op byte")
	}
}

func TestRootFromLeavesMatchesIncrementalAppend(t *testing.T) {
	tree, leaves := buildTree(t, 7)
	got := RootFromLeaves(leaves)
	if got != tree.Root {
		t.Fatalf("RootFromLeaves = %x, want %x (incremental Append root)", got, tree.Root)
	}
}

func TestRootFromLeavesSingleton(t *testing.T) {
	l := leafOf(9)
	if got := RootFromLeaves([]Digest{l}); got != l {
		t.Fatalf("RootFromLeaves of a single leaf = %x, want %x", got, l)
	}
}

func TestAppendRejectsSizeOverflow(t *testing.T) {
	tree := &Tree{Root: leafOf(0), Size: ^uint64(0)}
	if err := tree.Append(leafOf(1), leafOf(0), nil); err == nil {
		t.Fatalf("Append at max size succeeded, want Resource error")
	}
}
