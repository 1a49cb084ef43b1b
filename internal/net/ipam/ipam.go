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

// Package ipam implements a CIDR IP pool: a random-sample reservation
// scheme over a configured subnet, persisted through the embedded store
// so a crash never leaks a reservation -- on restart the pool reads
// every persisted record and excludes those host-parts from sampling.
package ipam

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/ignitiond/ignitiond/internal/store"
)

const (
	storeKind = "ipam.reservation"
	// maxReserveAttempts bounds the random re-sample loop on collision:
	// collisions are rejected by re-sampling, up to this many times.
	maxReserveAttempts = 256
)

// Reservation is the persisted record for one allocated address.
type Reservation struct {
	Addr string
	Tag  string
}

// Pool allocates addresses from a single CIDR block.
type Pool struct {
	tenant string
	cidr   *net.IPNet
	base   uint32
	size   uint32 // number of host addresses in the block

	store *store.Store

	mu        sync.Mutex
	reserved  map[uint32]string // host-part offset -> tag
	byTag     map[string]uint32
}

// New parses cidr ("a.b.c.d/n") and rehydrates any reservations already
// persisted under tenant in s, per the "never leak on crash" guarantee.
func New(s *store.Store, tenant, cidr string) (*Pool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ipam: parse cidr %q: %w", cidr, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("ipam: only IPv4 CIDRs are supported, got %q", cidr)
	}

	p := &Pool{
		tenant:   tenant,
		cidr:     ipnet,
		base:     ipToUint32(ipnet.IP),
		size:     uint32(1) << uint(bits-ones),
		store:    s,
		reserved: make(map[uint32]string),
		byTag:    make(map[string]uint32),
	}

	envs, err := s.List(tenant, storeKind, "")
	if err != nil {
		return nil, fmt.Errorf("ipam: rehydrate: %w", err)
	}
	for _, env := range envs {
		var r Reservation
		if err := cbor.Unmarshal(env.Payload, &r); err != nil {
			return nil, fmt.Errorf("ipam: decode reservation: %w", err)
		}
		ip := net.ParseIP(r.Addr)
		if ip == nil {
			continue
		}
		offset := ipToUint32(ip) - p.base
		p.reserved[offset] = r.Tag
		if r.Tag != "" {
			p.byTag[r.Tag] = offset
		}
	}

	return p, nil
}

// Gateway returns net+1, the conventional gateway address for the pool.
func (p *Pool) Gateway() net.IP { return uint32ToIP(p.base + 1) }

// Netmask returns the pool's subnet mask.
func (p *Pool) Netmask() net.IPMask { return p.cidr.Mask }

// Reserve picks a random unused host-part in the pool, persists it, and
// returns the resulting address. tag, if non-empty, lets a later
// ReleaseByTag find this reservation without knowing the address.
func (p *Pool) Reserve(tag string) (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		offset, err := randomOffset(p.size)
		if err != nil {
			return nil, fmt.Errorf("ipam: sample offset: %w", err)
		}
		// Reserve neither the network address (0) nor the gateway (1)
		// nor the broadcast address (size-1).
		if offset == 0 || offset == 1 || offset == p.size-1 {
			continue
		}
		if _, taken := p.reserved[offset]; taken {
			continue
		}

		addr := uint32ToIP(p.base + offset)
		if err := p.persist(addr.String(), tag); err != nil {
			return nil, err
		}
		p.reserved[offset] = tag
		if tag != "" {
			p.byTag[tag] = offset
		}
		return addr, nil
	}
	return nil, fmt.Errorf("ipam: no available address in %s after %d attempts", p.cidr.String(), maxReserveAttempts)
}

// Release frees a previously reserved address.
func (p *Pool) Release(addr net.IP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := ipToUint32(addr) - p.base
	tag, ok := p.reserved[offset]
	if !ok {
		return nil
	}
	if err := p.store.Delete(p.tenant, storeKind, "", addr.String()); err != nil {
		return fmt.Errorf("ipam: release: %w", err)
	}
	delete(p.reserved, offset)
	if tag != "" {
		delete(p.byTag, tag)
	}
	return nil
}

// ReleaseByTag frees the address reserved under tag, if any.
func (p *Pool) ReleaseByTag(tag string) error {
	p.mu.Lock()
	offset, ok := p.byTag[tag]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Release(uint32ToIP(p.base + offset))
}

func (p *Pool) persist(addr, tag string) error {
	payload, err := cbor.Marshal(Reservation{Addr: addr, Tag: tag})
	if err != nil {
		return fmt.Errorf("ipam: encode reservation: %w", err)
	}
	env := store.Envelope{Kind: storeKind, Name: addr, Payload: payload}
	if err := p.store.Put(p.tenant, storeKind, "", addr, env); err != nil {
		return fmt.Errorf("ipam: persist reservation: %w", err)
	}
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

func randomOffset(size uint32) (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(size)))
	if err != nil {
		return 0, err
	}
	return uint32(n.Uint64()), nil
}
