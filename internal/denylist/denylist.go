// Copyright 2024 The zlb Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package denylist backs the reactor's "caller-supplied denylist accepts
// uid" decision (spec.md §4.4 step 7) with a small bbolt store of UIDs
// that are in scope for module-mount scrubbing. The store is read-only
// from the reactor's perspective; it is populated out of band by the
// bridge's own management surface (e.g. a companion CLI), not by zlbd.
package denylist

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("denylist")

// Store is a read-mostly set of UIDs, backed by a single bbolt file so it
// survives daemon restarts without the daemon itself owning any
// in-process, cross-reboot state (spec.md's Non-goal of persisted
// injection state is unaffected — this only gates the umount scrubber).
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("denylist: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("denylist: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error { return s.db.Close() }

// Check reports whether uid is present in the denylist. A closed or
// unopened store (nil Store) allows every uid, matching the original
// implementation's fail-open stub for an unconfigured denylist.
func (s *Store) Check(uid uint32) bool {
	if s == nil {
		return true
	}
	var present bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		present = b.Get(keyFor(uid)) != nil
		return nil
	})
	return present
}

// Add inserts uid into the denylist.
func (s *Store) Add(uid uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(keyFor(uid), []byte{1})
	})
}

// Remove deletes uid from the denylist, if present.
func (s *Store) Remove(uid uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(keyFor(uid))
	})
}

func keyFor(uid uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uid)
	return buf
}
