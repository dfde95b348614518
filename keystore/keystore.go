// Package keystore manages ed25519 signing identities keyed by feed id
// (public key).
package keystore

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/tschudin/tinyssb/packet"
)

// ErrUnknownFID is returned by operations on a feed id the store has no
// secret key for.
var ErrUnknownFID = errors.New("keystore: unknown fid")

type entry struct {
	secret ed25519.PrivateKey
	name   string
}

// Keystore is an in-memory, insertion-ordered collection of signing
// identities. Entries may be persisted to a modernc.org/sqlite-backed
// SQLiteStore with PersistTo and restored with SQLiteStore.LoadAll.
type Keystore struct {
	mu    sync.RWMutex
	order []packet.FID
	kv    map[packet.FID]entry
}

// New returns an empty keystore.
func New() *Keystore {
	return &Keystore{kv: make(map[packet.FID]entry)}
}

// NewIdentity generates a fresh ed25519 key pair, stores it under the given
// name, and returns its feed id.
func (ks *Keystore) NewIdentity(name string) (packet.FID, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return packet.FID{}, fmt.Errorf("keystore: generate key: %w", err)
	}
	var fid packet.FID
	copy(fid[:], pub)
	ks.Add(fid, priv, name)
	return fid, nil
}

// Add inserts an already-generated secret key under fid.
func (ks *Keystore) Add(fid packet.FID, secret ed25519.PrivateKey, name string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.kv[fid]; !exists {
		ks.order = append(ks.order, fid)
	}
	ks.kv[fid] = entry{secret: secret, name: name}
}

// Remove deletes the identity for fid.
func (ks *Keystore) Remove(fid packet.FID) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.kv[fid]; !ok {
		return
	}
	delete(ks.kv, fid)
	for i, f := range ks.order {
		if f == fid {
			ks.order = append(ks.order[:i], ks.order[i+1:]...)
			break
		}
	}
}

// Sign signs msg with fid's secret key.
func (ks *Keystore) Sign(fid packet.FID, msg []byte) ([]byte, error) {
	ks.mu.RLock()
	e, ok := ks.kv[fid]
	ks.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownFID
	}
	return ed25519.Sign(e.secret, msg), nil
}

// SignFunc returns a packet.SignFunc bound to fid's secret key. It panics
// at call time if fid is unknown; callers only request sign functions for
// identities they created.
func (ks *Keystore) SignFunc(fid packet.FID) packet.SignFunc {
	return func(_ packet.FID, msg []byte) []byte {
		sig, err := ks.Sign(fid, msg)
		if err != nil {
			panic(err)
		}
		return sig
	}
}

// Verify checks sig over msg against fid, treated as an ed25519 public key.
func Verify(fid packet.FID, sig, msg []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(fid[:]), msg, sig)
}

// Name returns the human-readable name attached to fid, if any.
func (ks *Keystore) Name(fid packet.FID) (string, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	e, ok := ks.kv[fid]
	return e.name, ok
}

// List returns every feed id currently held, in insertion order.
func (ks *Keystore) List() []packet.FID {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]packet.FID, len(ks.order))
	copy(out, ks.order)
	return out
}

// PersistTo writes fid's identity to store, so a later OpenSQLiteStore +
// LoadAll recovers it across restarts.
func (ks *Keystore) PersistTo(fid packet.FID, store *SQLiteStore) error {
	ks.mu.RLock()
	e, ok := ks.kv[fid]
	ks.mu.RUnlock()
	if !ok {
		return ErrUnknownFID
	}
	return store.Put(fid, e.secret, e.name)
}

// Has reports whether fid's secret key is present.
func (ks *Keystore) Has(fid packet.FID) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.kv[fid]
	return ok
}
