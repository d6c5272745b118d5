// storage.go - BoltDB backed message store.
// Copyright (C) 2021  The Oxen Project.
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

// Package storage implements the durable message store, keyed by recipient
// pubkey and message hash, with TTL based expiry.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/core/worker"
)

const (
	messagesBucket = "messages"
	hashesBucket   = "hashes"

	gcInterval = 10 * time.Second
)

// Message is one stored client message.  Messages are immutable once
// stored; duplicates (by hash) are idempotent.
type Message struct {
	PubKey    string `cbor:"pubkey"`
	Hash      string `cbor:"hash"`
	Data      string `cbor:"data"`
	TTL       uint64 `cbor:"ttl"`
	Timestamp uint64 `cbor:"timestamp"`
}

// Expired reports whether the message's TTL has elapsed at the given time
// (both in milliseconds since epoch).
func (m *Message) Expired(nowMs uint64) bool {
	return nowMs > m.Timestamp+m.TTL
}

// Store is a bolt backed message store.  All methods are safe for
// concurrent use.
type Store struct {
	worker.Worker

	db  *bolt.DB
	log *logging.Logger
}

// New opens (creating as needed) the message store at path f and starts the
// background expiry sweeper.
func New(f string, logBackend *log.Backend) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(messagesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(hashesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		log: logBackend.GetLogger("storage"),
	}
	s.Go(s.gcWorker)
	return s, nil
}

// messageKey orders messages within a recipient bucket by timestamp, with
// the hash as a tiebreaker.
func messageKey(m *Message) []byte {
	k := make([]byte, 8+len(m.Hash))
	binary.BigEndian.PutUint64(k, m.Timestamp)
	copy(k[8:], m.Hash)
	return k
}

// Store persists a message.  It returns false with a nil error when the
// message hash is already present.
func (s *Store) Store(m *Message) (bool, error) {
	raw, err := cbor.Marshal(m)
	if err != nil {
		return false, err
	}

	isNew := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		hashes := tx.Bucket([]byte(hashesBucket))
		if hashes.Get([]byte(m.Hash)) != nil {
			return nil
		}

		bkt, err := tx.Bucket([]byte(messagesBucket)).CreateBucketIfNotExists([]byte(m.PubKey))
		if err != nil {
			return err
		}
		key := messageKey(m)
		if err = bkt.Put(key, raw); err != nil {
			return err
		}

		// The hash index records the owning recipient so both dedup and
		// hash lookups avoid a full scan.
		idx := make([]byte, 8, 8+len(m.PubKey))
		binary.BigEndian.PutUint64(idx, m.Timestamp)
		idx = append(idx, m.PubKey...)
		if err = hashes.Put([]byte(m.Hash), idx); err != nil {
			return err
		}
		isNew = true
		return nil
	})
	return isNew, err
}

// timestampOfHash returns the stored timestamp for a message hash, or false
// when the hash is unknown.
func timestampOfHash(tx *bolt.Tx, hash string) (uint64, bool) {
	idx := tx.Bucket([]byte(hashesBucket)).Get([]byte(hash))
	if idx == nil || len(idx) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(idx), true
}

// Retrieve returns the recipient's messages with a timestamp strictly newer
// than the message identified by lastHash, oldest first.  An empty (or
// unknown) lastHash returns every current message for the recipient.
// Expired messages are skipped.
func (s *Store) Retrieve(pubkey, lastHash string) ([]Message, error) {
	var items []Message
	nowMs := uint64(time.Now().UnixMilli())

	err := s.db.View(func(tx *bolt.Tx) error {
		var since uint64
		if lastHash != "" {
			if ts, ok := timestampOfHash(tx, lastHash); ok {
				since = ts
			}
		}

		bkt := tx.Bucket([]byte(messagesBucket)).Bucket([]byte(pubkey))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var start [8]byte
		binary.BigEndian.PutUint64(start[:], since)
		for k, v := c.Seek(start[:]); k != nil; k, v = c.Next() {
			var m Message
			if err := cbor.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("storage: corrupt message record: %v", err)
			}
			if m.Timestamp <= since || m.Expired(nowMs) {
				continue
			}
			items = append(items, m)
		}
		return nil
	})
	return items, err
}

// RetrieveByHash returns the message with the given hash if present and not
// expired.
func (s *Store) RetrieveByHash(hash string) (*Message, error) {
	var found *Message
	nowMs := uint64(time.Now().UnixMilli())

	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(hashesBucket)).Get([]byte(hash))
		if idx == nil || len(idx) < 8 {
			return nil
		}
		pubkey := string(idx[8:])
		bkt := tx.Bucket([]byte(messagesBucket)).Bucket([]byte(pubkey))
		if bkt == nil {
			return nil
		}
		key := make([]byte, 8+len(hash))
		copy(key, idx[:8])
		copy(key[8:], hash)
		v := bkt.Get(key)
		if v == nil {
			return nil
		}
		var m Message
		if err := cbor.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("storage: corrupt message record: %v", err)
		}
		if !m.Expired(nowMs) {
			found = &m
		}
		return nil
	})
	return found, err
}

// RetrieveAll returns every current message in the store.
func (s *Store) RetrieveAll() ([]Message, error) {
	var items []Message
	nowMs := uint64(time.Now().UnixMilli())

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(messagesBucket)).ForEachBucket(func(name []byte) error {
			bkt := tx.Bucket([]byte(messagesBucket)).Bucket(name)
			return bkt.ForEach(func(_, v []byte) error {
				var m Message
				if err := cbor.Unmarshal(v, &m); err != nil {
					return fmt.Errorf("storage: corrupt message record: %v", err)
				}
				if !m.Expired(nowMs) {
					items = append(items, m)
				}
				return nil
			})
		})
	})
	return items, err
}

// Count returns the number of stored (possibly expired, not yet swept)
// messages.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(hashesBucket)).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (s *Store) sweepExpired() {
	nowMs := uint64(time.Now().UnixMilli())
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket([]byte(messagesBucket))
		hashes := tx.Bucket([]byte(hashesBucket))
		return messages.ForEachBucket(func(name []byte) error {
			c := messages.Bucket(name).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var m Message
				if err := cbor.Unmarshal(v, &m); err != nil {
					// Drop records we cannot even parse.
					s.log.Warningf("Dropping corrupt message record: %v", err)
				} else if !m.Expired(nowMs) {
					continue
				}
				if err := c.Delete(); err != nil {
					return err
				}
				if err := hashes.Delete([]byte(m.Hash)); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
	})
	if err != nil {
		s.log.Errorf("Expiry sweep failed: %v", err)
	} else if removed > 0 {
		s.log.Debugf("Swept %d expired messages", removed)
	}
}

func (s *Store) gcWorker() {
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-t.C:
			s.sweepExpired()
		}
	}
}

// Close halts the sweeper and closes the database.
func (s *Store) Close() {
	s.Halt()
	s.db.Close()
}
