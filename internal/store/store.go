/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store implements a persistent, ordered, namespaced KV store
// on top of go.etcd.io/bbolt: a single-file, crash-safe B+tree store
// with native ordered-cursor range scans, which gives List(partial_key)
// for free. Every bucket corresponds to one (tenant, kind) pair; keys
// inside a bucket are "[namespace/]name".
//
// Values are wrapped in a self-describing envelope and encoded with CBOR
// (github.com/fxamacker/cbor/v2): CBOR's tag/map self-description lets a
// newer binary add fields to a Served version and still decode payloads
// written by an older one, keeping forward compatibility across
// version upgrades.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// Op identifies the kind of mutation that produced a ChangeEvent.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// ChangeEvent describes a single committed mutation, delivered to Watch
// subscribers in commit order.
type ChangeEvent struct {
	Tenant    string
	Kind      string
	Namespace string
	Name      string
	Op        Op
}

// Envelope is the self-describing on-disk wrapper around a resource
// version's payload.
type Envelope struct {
	Kind      string
	Version   string
	Namespace string
	Name      string
	Payload   []byte
}

// Store is an embedded, ordered, namespaced KV store with a watch
// stream. It is process-local: there is no multi-writer coordination.
type Store struct {
	db *bolt.DB

	watchMu  sync.RWMutex
	watchers map[int]chan ChangeEvent
	nextID   int
}

// watchBuffer bounds how many pending events a slow watcher can
// accumulate before new events are dropped for it; watchers that cannot
// keep up are expected to re-List rather than block a writer.
const watchBuffer = 64

// Open opens (creating if necessary) a bbolt database rooted at
// <dataDir>/store/ignition.db.
func Open(dataDir string, timeout time.Duration) (*Store, error) {
	dir := filepath.Join(dataDir, "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "ignition.db"), 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt db: %w", err)
	}

	return &Store{db: db, watchers: make(map[int]chan ChangeEvent)}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(tenant, kind string) []byte {
	return []byte(tenant + "/" + kind)
}

func itemKey(namespace, name string) []byte {
	if namespace == "" {
		return []byte(name)
	}
	return []byte(namespace + "/" + name)
}

// Put atomically writes the envelope for (tenant, kind, namespace, name)
// and, once the transaction commits, emits a ChangeEvent to all watchers.
func (s *Store) Put(tenant, kind, namespace, name string, env Envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("store: encode envelope: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(tenant, kind))
		if err != nil {
			return err
		}
		return b.Put(itemKey(namespace, name), data)
	})
	if err != nil {
		return fmt.Errorf("store: put: %w", err)
	}

	s.publish(ChangeEvent{Tenant: tenant, Kind: kind, Namespace: namespace, Name: name, Op: OpPut})
	return nil
}

// Get reads the envelope stored for (tenant, kind, namespace, name). It
// returns ok=false if no row exists.
func (s *Store) Get(tenant, kind, namespace, name string) (Envelope, bool, error) {
	var env Envelope
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(tenant, kind))
		if b == nil {
			return nil
		}
		data := b.Get(itemKey(namespace, name))
		if data == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(data, &env)
	})
	if err != nil {
		return Envelope{}, false, fmt.Errorf("store: get: %w", err)
	}
	return env, found, nil
}

// List performs an ordered range scan over every row whose key is
// prefixed by namespace (or every row in the bucket, if namespace is
// empty), implementing partial-key semantics.
func (s *Store) List(tenant, kind, namespace string) ([]Envelope, error) {
	var out []Envelope

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(tenant, kind))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		var prefix []byte
		if namespace != "" {
			prefix = []byte(namespace + "/")
		}

		for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
			if prefix != nil && !hasPrefix(k, prefix) {
				break
			}
			var env Envelope
			if err := cbor.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("store: decode envelope at key %q: %w", k, err)
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Delete atomically removes the row for (tenant, kind, namespace, name)
// and emits a ChangeEvent.
func (s *Store) Delete(tenant, kind, namespace, name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(tenant, kind))
		if b == nil {
			return nil
		}
		return b.Delete(itemKey(namespace, name))
	})
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}

	s.publish(ChangeEvent{Tenant: tenant, Kind: kind, Namespace: namespace, Name: name, Op: OpDelete})
	return nil
}

// Watch subscribes to the store's change stream. The returned channel
// receives ChangeEvents committed after this call, in commit order; an
// event is dropped for this watcher when its buffer is full.
// The returned cancel func must be called to release the subscription;
// it closes the channel.
func (s *Store) Watch() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, watchBuffer)

	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish fans a committed ChangeEvent out to every live watcher. A
// watcher whose buffer is full has the event dropped rather than
// blocking the writer that produced it.
func (s *Store) publish(ev ChangeEvent) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
