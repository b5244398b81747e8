// nodedb.go - Node database: router contacts by identity.
// Copyright (C) 2025  The nyxnet authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package nodedb stores the router contacts this node knows about,
// content addressed by router identity, optionally persisted to disk.
package nodedb

import (
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
)

const dbFile = "nodedb.db"

var contactsBucket = []byte("contacts")

// DB is the node database.  Reads dominate; writes happen on contact
// gossip acceptance.
type DB struct {
	sync.RWMutex

	log  *logging.Logger
	rcs  map[contact.RouterID]*contact.RouterContact
	bolt *bbolt.DB
}

// Open creates a node database.  An empty dataDir keeps everything in
// memory; otherwise contacts persist to dataDir/nodedb.db and stored
// contacts are reloaded (and revalidated) at startup.
func Open(dataDir string, logBackend *nyxlog.Backend) (*DB, error) {
	d := &DB{
		log: logBackend.GetLogger("nodedb"),
		rcs: make(map[contact.RouterID]*contact.RouterContact),
	}
	if dataDir == "" {
		return d, nil
	}

	var err error
	d.bolt, err = bbolt.Open(filepath.Join(dataDir, dbFile), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("nodedb: open: %w", err)
	}
	err = d.bolt.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(contactsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			rc, err := contact.Parse(v)
			if err != nil {
				// Stale and malformed contacts age out of the store
				// here rather than poisoning the in-memory view.
				d.log.Debugf("Dropping stored contact %x: %v", k, err)
				return nil
			}
			d.rcs[rc.RouterID()] = rc
			return nil
		})
	})
	if err != nil {
		_ = d.bolt.Close()
		return nil, fmt.Errorf("nodedb: load: %w", err)
	}
	d.log.Noticef("Loaded %d contacts", len(d.rcs))
	return d, nil
}

// Close flushes and closes the backing store.
func (d *DB) Close() {
	if d.bolt != nil {
		_ = d.bolt.Close()
	}
}

// GetContact returns the stored contact for id, or nil.
func (d *DB) GetContact(id contact.RouterID) *contact.RouterContact {
	d.RLock()
	defer d.RUnlock()
	return d.rcs[id]
}

// PutContact stores a contact.  A stored contact is replaced only by a
// strictly newer valid one; the return reports whether rc was stored.
func (d *DB) PutContact(rc *contact.RouterContact) (bool, error) {
	id := rc.RouterID()

	d.Lock()
	if old, ok := d.rcs[id]; ok && !rc.IsNewerThan(old) {
		d.Unlock()
		return false, nil
	}
	d.rcs[id] = rc
	d.Unlock()

	if d.bolt == nil {
		return true, nil
	}
	blob, err := rc.Serialize()
	if err != nil {
		return true, err
	}
	err = d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(contactsBucket).Put(id.Bytes(), blob)
	})
	return true, err
}

// Len returns the number of stored contacts.
func (d *DB) Len() int {
	d.RLock()
	defer d.RUnlock()
	return len(d.rcs)
}

// KnownIDs returns every stored router identity.
func (d *DB) KnownIDs() []contact.RouterID {
	d.RLock()
	defer d.RUnlock()
	ids := make([]contact.RouterID, 0, len(d.rcs))
	for id := range d.rcs {
		ids = append(ids, id)
	}
	return ids
}

// ForEachContact invokes f for every stored contact.
func (d *DB) ForEachContact(f func(*contact.RouterContact)) {
	d.RLock()
	rcs := make([]*contact.RouterContact, 0, len(d.rcs))
	for _, rc := range d.rcs {
		rcs = append(rcs, rc)
	}
	d.RUnlock()

	for _, rc := range rcs {
		f(rc)
	}
}

// RandomContacts returns up to n distinct unexpired contacts, skipping
// those matched by exclude.
func (d *DB) RandomContacts(n int, exclude func(*contact.RouterContact) bool) []*contact.RouterContact {
	now := time.Now()

	d.RLock()
	candidates := make([]*contact.RouterContact, 0, len(d.rcs))
	for _, rc := range d.rcs {
		if rc.IsExpired(now) {
			continue
		}
		if exclude != nil && exclude(rc) {
			continue
		}
		candidates = append(candidates, rc)
	}
	d.RUnlock()

	rng := newRNG()
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Prune drops expired contacts from the store.
func (d *DB) Prune() {
	now := time.Now()

	d.Lock()
	var dropped []contact.RouterID
	for id, rc := range d.rcs {
		if rc.IsExpired(now) {
			delete(d.rcs, id)
			dropped = append(dropped, id)
		}
	}
	d.Unlock()

	if d.bolt == nil || len(dropped) == 0 {
		return
	}
	err := d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(contactsBucket)
		for _, id := range dropped {
			if err := b.Delete(id.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.log.Warningf("Failed to prune stored contacts: %v", err)
	}
}

// LoadBootstrap reads a bootstrap contact file, tolerating expired
// entries, and stores the contact.
func (d *DB) LoadBootstrap(path string) (*contact.RouterContact, error) {
	rc, err := contact.FromFile(path, contact.ParseOptions{AllowExpired: true})
	if err != nil {
		return nil, err
	}
	if _, err := d.PutContact(rc); err != nil {
		return nil, err
	}
	return rc, nil
}

func newRNG() *mrand.Rand {
	seed := binary.BigEndian.Uint64(crypto.RandomBytes(8))
	return mrand.New(mrand.NewSource(int64(seed)))
}
