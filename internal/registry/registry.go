// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package registry implements the SE's persistent V-App registry
// (component C8, spec §3): up to 32 entries keyed by name, overwrite on
// reinstall, plus the static per-app AES/HMAC key pair issued at
// registration and the up-to-4 32-byte persistent storage slots each app
// is entitled to.
package registry

import (
	"sync"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// MaxEntries bounds the registry (spec: capacity 32 entries).
const MaxEntries = 32

// MaxNameLen bounds the app name (spec: app name <= 32 B).
const MaxNameLen = 32

// MaxStorageSlots bounds a V-App's persistent storage slots (spec: <=4).
const MaxStorageSlots = 4

// StorageSlotSize is the fixed size of one persistent storage slot.
const StorageSlotSize = 32

// StaticKeys are the KeyAES1/KeyHMAC1 pair generated at registration and
// sealed to the device, per spec §4.7.
type StaticKeys struct {
	AES  [32]byte
	HMAC [32]byte
}

// Entry is one registered V-App: name, vapp_hash, its static keys and its
// persistent storage slots. Version is stored with the entry but nothing
// compares it: Register replaces a same-named entry whatever its version
// (VAppEntry in the original also stores a version, though spec.md's
// distilled Registry entry table omits it).
type Entry struct {
	Name     string
	VAppHash [32]byte
	Version  semver.Version
	Keys     StaticKeys
	NumSlots uint8
	Storage  [MaxStorageSlots][StorageSlotSize]byte
}

// Registry is the SE's persistent V-App store: fixed capacity, keyed by
// name, guarded for concurrent access the way slots.Partition guards its
// slot array.
type Registry struct {
	mu      sync.RWMutex
	entries [MaxEntries]*Entry
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{}
}

// findByName returns the index of the entry named name, or -1. Caller must
// hold r.mu.
func (r *Registry) findByName(name string) int {
	for i, e := range r.entries {
		if e != nil && e.Name == name {
			return i
		}
	}
	return -1
}

// Register inserts or overwrites the entry for name (spec: "reinsert
// replaces"), mirroring VAppStore::register's find-by-name-then-insert
// algorithm: an existing entry with the same name is overwritten in place;
// otherwise the first free slot is used; if none exists, Resource is
// raised (spec's StoreFull).
func (r *Registry) Register(e *Entry) error {
	if len(e.Name) == 0 || len(e.Name) > MaxNameLen {
		return vmerr.New(vmerr.Protocol, "registry: app name must be 1..32 bytes")
	}
	if e.NumSlots > MaxStorageSlots {
		return vmerr.New(vmerr.Protocol, "registry: n_storage_slots exceeds 4")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.findByName(e.Name); i >= 0 {
		klog.V(2).Infof("registry: overwriting existing entry for %q", e.Name)
		r.entries[i] = e
		return nil
	}
	for i, existing := range r.entries {
		if existing == nil {
			r.entries[i] = e
			return nil
		}
	}
	return vmerr.New(vmerr.Resource, "registry: no free slot for new V-App")
}

// Lookup returns the entry named name, or nil if none is registered.
func (r *Registry) Lookup(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.findByName(name); i >= 0 {
		return r.entries[i]
	}
	return nil
}

// Uninstall removes the entry named name, reporting whether one existed.
func (r *Registry) Uninstall(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.findByName(name)
	if i < 0 {
		return false
	}
	r.entries[i] = nil
	return true
}

// Names returns the names of every registered V-App, in slot order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, e := range r.entries {
		if e != nil {
			names = append(names, e.Name)
		}
	}
	return names
}

// Clear removes every entry, matching VAppStore::uninstall_all: the spec's
// "cleared on app reinstall" refers to reinstalling the VM firmware itself,
// which wipes the whole registry rather than a single app's entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		r.entries[i] = nil
	}
	klog.Info("registry: cleared all entries")
}
