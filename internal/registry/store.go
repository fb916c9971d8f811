// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// snapshot is the gob-encoded frame written to persistent storage: the
// registry's entries plus a monotonic write counter and an HMAC over both,
// the same authenticated-write shape as an RPMB data frame (rpmb.DataFrame's
// Data/WriteCounter/MAC fields) with the eMMC RPMB partition and its
// dedicated hardware key replaced by a plain file and a key held in memory.
// The counter advances by one on every Save; Load does not compare it with
// anything, so a stale frame replayed over a newer one still loads.
// Free registry slots are stored as zero-valued entries (empty Name), since
// gob cannot encode the nil pointers that mark them in a Registry.
type snapshot struct {
	Counter uint32
	Entries [MaxEntries]Entry
}

// Store persists a Registry's entries to a single file, authenticated with
// an HMAC key the caller supplies (normally the SE's device key). It plays
// the role the real hardware's RPMB partition plays for the teacher's
// trusted_os: durable, tamper-evident storage for state that must survive a
// power cycle (spec: "Persisted SE state: registry").
type Store struct {
	path string
	key  [32]byte
}

// NewStore opens a Store backed by path, authenticated under key.
func NewStore(path string, key [32]byte) *Store {
	return &Store{path: path, key: key}
}

func (s *Store) mac(counter uint32, entries [MaxEntries]Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return nil, fmt.Errorf("registry: encode snapshot: %w", err)
	}
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], counter)

	mac := hmac.New(sha256.New, s.key[:])
	mac.Write(ctr[:])
	mac.Write(buf.Bytes())
	return mac.Sum(nil), nil
}

// Save writes r's entries to the store, incrementing the write counter past
// whatever was last persisted.
func (s *Store) Save(r *Registry) error {
	var entries [MaxEntries]Entry
	r.mu.RLock()
	for i, e := range r.entries {
		if e != nil {
			entries[i] = *e
		}
	}
	r.mu.RUnlock()

	counter := uint32(0)
	if prev, err := s.load(); err == nil {
		counter = prev.Counter + 1
	}

	mac, err := s.mac(counter, entries)
	if err != nil {
		return err
	}

	snap := snapshot{Counter: counter, Entries: entries}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("registry: encode snapshot: %w", err)
	}
	buf.Write(mac)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("registry: write snapshot: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) load() (*snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(data) < sha256.Size {
		return nil, vmerr.New(vmerr.Protocol, "registry: snapshot shorter than its own MAC")
	}
	body, gotMAC := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]

	snap := &snapshot{}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(snap); err != nil {
		return nil, fmt.Errorf("registry: decode snapshot: %w", err)
	}
	wantMAC, err := s.mac(snap.Counter, snap.Entries)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, vmerr.New(vmerr.AuthFail, "registry: snapshot does not authenticate under the device key")
	}
	return snap, nil
}

// Load reads a previously Saved snapshot into a fresh Registry.
func (s *Store) Load() (*Registry, error) {
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	reg := New()
	for i := range snap.Entries {
		if snap.Entries[i].Name != "" {
			e := snap.Entries[i]
			reg.entries[i] = &e
		}
	}
	return reg, nil
}

// randomKey is a convenience for tests that need a Store but have no device
// key of their own to authenticate with.
func randomKey() ([32]byte, error) {
	var k [32]byte
	_, err := rand.Read(k[:])
	return k, err
}
