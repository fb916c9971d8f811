// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cache implements the page cache (component C5): a fixed-capacity,
// LRU-evicted store of decrypted pages sitting between the memory manager
// and the host oracle. A cache miss fetches and authenticates a page from
// the oracle; evicting a dirty page re-encrypts it, commits it back to the
// oracle, recomputes the section's Merkle root locally and checks it
// against the root the oracle reports.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// Mode distinguishes why a page is being accessed, since CODE pages may
// only be fetched and DATA/STACK pages may be fetched or written.
type Mode int

const (
	Read Mode = iota
	Write
)

type key struct {
	kind  pagemodel.Kind
	index uint32
}

type entry struct {
	key   key
	page  pagemodel.Page
	dirty bool
	elem  *list.Element

	// leaf and proof authenticate this page's current on-host ciphertext
	// against the section's Merkle root (DATA/STACK only); writeback
	// refreshes proof from the oracle, since another page's commit changes
	// the siblings, and uses it to recompute the new root locally instead
	// of trusting the oracle's reported one outright.
	leaf  merkle.Digest
	proof []merkle.ProofStep

	// counter is the page's replay-protection counter as last observed
	// from the oracle; writeback bumps it by one.
	counter uint32
}

// Cache is a set of fixed-capacity page slots shared across all three
// sections, evicted least-recently-used. Capacity is expressed in pages,
// matching the SE's fixed SRAM budget for outsourced memory (spec §1).
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[key]*entry
	lru      *list.List // front = most recently used

	oracle oracle.Oracle
	keys   map[pagemodel.Kind]codec.Keys
	trees  map[pagemodel.Kind]*merkle.Tree // DATA, STACK only; CODE authenticates via HMAC
	base   map[pagemodel.Kind]uint32       // section base address, for codec binding
}

// New builds a Cache of the given page capacity, backed by o for misses and
// writebacks. keys supplies the codec key pair for each section; trees
// supplies the initial Merkle root/size for DATA and STACK (CODE has none).
func New(capacity int, o oracle.Oracle, keys map[pagemodel.Kind]codec.Keys, trees map[pagemodel.Kind]*merkle.Tree, base map[pagemodel.Kind]uint32) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[key]*entry, capacity),
		lru:      list.New(),
		oracle:   o,
		keys:     keys,
		trees:    trees,
		base:     base,
	}
}

// Access returns the plaintext page for (kind, index), fetching and
// authenticating it from the oracle on a miss. mode == Write marks the page
// dirty; CODE pages may never be accessed with mode == Write.
func (c *Cache) Access(kind pagemodel.Kind, index uint32, mode Mode) (*pagemodel.Page, error) {
	if mode == Write && !kind.Writable() {
		return nil, vmerr.New(vmerr.Protocol, fmt.Sprintf("cache: write access to read-only section %s", kind))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{kind, index}
	if e, ok := c.entries[k]; ok {
		c.lru.MoveToFront(e.elem)
		if mode == Write {
			e.dirty = true
		}
		return &e.page, nil
	}

	e, err := c.fetch(kind, index)
	if err != nil {
		return nil, err
	}
	e.dirty = mode == Write
	if err := c.insert(e); err != nil {
		return nil, err
	}
	return &e.page, nil
}

func (c *Cache) fetch(kind pagemodel.Kind, index uint32) (*entry, error) {
	resp, err := c.oracle.GetPage(kind, index)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.Transport, "cache: GetPage", err)
	}

	addr := c.base[kind] + index*pagemodel.Size

	if kind == pagemodel.Code {
		// CODE pages authenticate against the frozen ephemeral_sk HMAC
		// established during code attestation (spec §4.7), not a live
		// Merkle proof: the code section never changes after bootstrap.
		plaintext, err := codec.Decrypt(c.keys[kind], addr, resp.Counter, resp.Ciphertext, resp.HMAC)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.AuthFail, "cache: CODE page authentication failed", err)
		}
		return &entry{
			key:  key{kind, index},
			page: pagemodel.Page{Kind: kind, Index: index, Data: plaintext},
		}, nil
	}

	leaf := codec.PageHash(addr, resp.Counter, resp.Ciphertext)
	tree := c.trees[kind]
	if !merkle.VerifyProof(leaf, resp.MerkleProof, tree.Root) {
		return nil, vmerr.New(vmerr.AuthFail, fmt.Sprintf("cache: %s[%d] failed Merkle proof verification", kind, index))
	}

	plaintext, err := codec.DecryptUnauthenticated(c.keys[kind], addr, resp.Ciphertext)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.VmFault, "cache: page decryption failed", err)
	}
	return &entry{
		key:     key{kind, index},
		page:    pagemodel.Page{Kind: kind, Index: index, Data: plaintext},
		leaf:    leaf,
		proof:   resp.MerkleProof,
		counter: resp.Counter,
	}, nil
}

func (c *Cache) insert(e *entry) error {
	if len(c.entries) >= c.capacity {
		if err := c.evictOne(); err != nil {
			return err
		}
	}
	e.elem = c.lru.PushFront(e.key)
	c.entries[e.key] = e
	return nil
}

func (c *Cache) evictOne() error {
	back := c.lru.Back()
	if back == nil {
		return vmerr.New(vmerr.Resource, "cache: eviction requested on empty cache")
	}
	k := back.Value.(key)
	e := c.entries[k]
	if err := c.writeBackLocked(e); err != nil {
		return err
	}
	e.page.Zero()
	c.lru.Remove(back)
	delete(c.entries, k)
	return nil
}

func (c *Cache) writeBackLocked(e *entry) error {
	if !e.dirty {
		return nil
	}
	addr := c.base[e.key.kind] + e.key.index*pagemodel.Size
	tree := c.trees[e.key.kind]

	cur, err := c.oracle.GetPage(e.key.kind, e.key.index)
	if err != nil {
		return vmerr.Wrap(vmerr.Transport, "cache: GetPage for update proof", err)
	}
	e.proof = cur.MerkleProof

	newCounter := e.counter + 1
	ct, _, err := codec.Encrypt(c.keys[e.key.kind], addr, newCounter, &e.page.Data)
	if err != nil {
		return vmerr.Wrap(vmerr.VmFault, "cache: encrypt page for writeback", err)
	}

	resp, err := c.oracle.CommitPage(oracle.CommitPageRequest{
		Kind:        e.key.kind,
		PageIndex:   e.key.index,
		Addr:        addr,
		Ciphertext:  ct,
		NewCounter:  newCounter,
		UpdateProof: e.proof,
	})
	if err != nil {
		return vmerr.Wrap(vmerr.Transport, "cache: CommitPage", err)
	}

	newLeaf := codec.PageHash(addr, newCounter, ct)
	if err := tree.Update(e.leaf, newLeaf, e.proof); err != nil {
		return vmerr.Wrap(vmerr.AuthFail, fmt.Sprintf("cache: %s[%d] local root recompute failed", e.key.kind, e.key.index), err)
	}
	if tree.Root != resp.NewMerkleRoot {
		return vmerr.New(vmerr.AuthFail, fmt.Sprintf("cache: %s[%d] host-reported root disagrees with local recompute", e.key.kind, e.key.index))
	}
	e.leaf = newLeaf
	e.counter = newCounter
	e.dirty = false
	klog.V(3).Infof("cache: wrote back %s[%d], counter=%d", e.key.kind, e.key.index, newCounter)
	return nil
}

// FlushAll writes back every dirty page. cmd/vanadium-se calls it when a
// run ends, so every write the V-App made is committed to the host.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if err := c.writeBackLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateStackTail drops cached stack pages at or above newTopIndex
// without writing them back, used when the stack pointer moves up
// (function return, deallocation): those bytes are logically gone and must
// not be resurrected by a later eviction.
func (c *Cache) InvalidateStackTail(newTopIndex uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if k.kind != pagemodel.Stack || k.index < newTopIndex {
			continue
		}
		e.page.Zero()
		c.lru.Remove(e.elem)
		delete(c.entries, k)
	}
}

// Len reports how many pages are currently resident, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
