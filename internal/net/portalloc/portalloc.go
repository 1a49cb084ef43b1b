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

// Package portalloc implements a TCP port allocator: random sampling
// within a configured [lo, hi] range, up to
// 100 attempts, persisting {port, tenant, name, namespace} and a
// tracked-resource-owner entry so a restart can rehydrate in-use ports
// without re-deriving them from any other process state.
package portalloc

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/ignitiond/ignitiond/internal/store"
)

const (
	storeKind      = "portalloc.reservation"
	maxReserveTries = 100
)

// Owner identifies the resource a port is reserved for.
type Owner struct {
	Tenant    string
	Namespace string
	Name      string
}

// reservation is the persisted record: the allocated port plus its
// owner, keyed by the port number itself.
type reservation struct {
	Port int
	Owner
}

// Allocator samples ports from [Lo, Hi].
type Allocator struct {
	tenant string
	lo, hi int

	store *store.Store

	mu       sync.Mutex
	byPort   map[int]Owner
	byOwner  map[string]int
}

// New constructs an Allocator over [lo, hi] and rehydrates any
// reservations already persisted under tenant in s.
func New(s *store.Store, tenant string, lo, hi int) (*Allocator, error) {
	if lo > hi {
		return nil, fmt.Errorf("portalloc: invalid range [%d, %d]", lo, hi)
	}

	a := &Allocator{
		tenant:  tenant,
		lo:      lo,
		hi:      hi,
		store:   s,
		byPort:  make(map[int]Owner),
		byOwner: make(map[string]int),
	}

	envs, err := s.List(tenant, storeKind, "")
	if err != nil {
		return nil, fmt.Errorf("portalloc: rehydrate: %w", err)
	}
	for _, env := range envs {
		var r reservation
		if err := cbor.Unmarshal(env.Payload, &r); err != nil {
			return nil, fmt.Errorf("portalloc: decode reservation: %w", err)
		}
		a.byPort[r.Port] = r.Owner
		a.byOwner[ownerKey(r.Owner)] = r.Port
	}

	return a, nil
}

func ownerKey(o Owner) string { return o.Tenant + "/" + o.Namespace + "/" + o.Name }

// Allocate samples a random free port in [Lo, Hi] up to 100 times,
// persists the reservation, and returns it. Once every port in range
// is taken, Allocate returns an error whose message is exactly
// "No available TCP ports".
func (a *Allocator) Allocate(owner Owner) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := int64(a.hi - a.lo + 1)
	for attempt := 0; attempt < maxReserveTries; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(span))
		if err != nil {
			return 0, fmt.Errorf("portalloc: sample port: %w", err)
		}
		port := a.lo + int(n.Int64())
		if _, taken := a.byPort[port]; taken {
			continue
		}

		if err := a.persist(port, owner); err != nil {
			return 0, err
		}
		a.byPort[port] = owner
		a.byOwner[ownerKey(owner)] = port
		return port, nil
	}
	return 0, fmt.Errorf("No available TCP ports")
}

// Release frees the reservation for port, if any.
func (a *Allocator) Release(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	owner, ok := a.byPort[port]
	if !ok {
		return nil
	}
	if err := a.store.Delete(a.tenant, storeKind, "", portKey(port)); err != nil {
		return fmt.Errorf("portalloc: release: %w", err)
	}
	delete(a.byPort, port)
	delete(a.byOwner, ownerKey(owner))
	return nil
}

// ReleaseByOwner frees whatever port is reserved for owner, if any.
func (a *Allocator) ReleaseByOwner(owner Owner) error {
	a.mu.Lock()
	port, ok := a.byOwner[ownerKey(owner)]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Release(port)
}

func (a *Allocator) persist(port int, owner Owner) error {
	payload, err := cbor.Marshal(reservation{Port: port, Owner: owner})
	if err != nil {
		return fmt.Errorf("portalloc: encode reservation: %w", err)
	}
	env := store.Envelope{Kind: storeKind, Name: portKey(port), Payload: payload}
	if err := a.store.Put(a.tenant, storeKind, "", portKey(port), env); err != nil {
		return fmt.Errorf("portalloc: persist reservation: %w", err)
	}
	return nil
}

func portKey(port int) string { return fmt.Sprintf("%d", port) }
