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

// Package memory implements guest physical memory allocation and the
// MMIO bump allocator: guest RAM is a single anonymous mmap starting at
// GPA 0, and the MMIO window is a fixed-size region starting at
// (1<<32)-768MiB handed out in page-sized slices by a bump allocator.
// The VM exclusively owns the returned GuestMemory; device handlers
// borrow slices of it for the duration of a queue notification and
// must not retain references across suspensions.
package memory

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"
)

// MMIOBase is the fixed start of the MMIO window: (1<<32) - 768 MiB.
const MMIOBase = (uint64(1) << 32) - (768 << 20)

// MMIOSize is the fixed size of the MMIO window: 768 MiB.
const MMIOSize = uint64(768) << 20

const mmioPageSize = 0x1000

// GuestMemory is guest-physical-address-0-based RAM backed by a single
// host mmap.
type GuestMemory struct {
	bytes []byte
	size  uint64
}

// New allocates sizeBytes of guest RAM at GPA 0 via an anonymous mmap.
func New(sizeBytes uint64) (*GuestMemory, error) {
	b, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", sizeBytes, err)
	}
	return &GuestMemory{bytes: b, size: sizeBytes}, nil
}

// Close unmaps the guest RAM.
func (m *GuestMemory) Close() error {
	return unix.Munmap(m.bytes)
}

// Size returns the guest RAM size in bytes.
func (m *GuestMemory) Size() uint64 { return m.size }

// HostAddr returns the host virtual address backing GPA 0, for
// KVM_SET_USER_MEMORY_REGION.
func (m *GuestMemory) HostAddr() uint64 {
	if len(m.bytes) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&m.bytes[0])))
}

// Slice returns the host-addressable slice covering [gpa, gpa+length).
// It validates the range lies within guest memory.
func (m *GuestMemory) Slice(gpa, length uint64) ([]byte, error) {
	if gpa+length > m.size || gpa+length < gpa {
		return nil, fmt.Errorf("memory: range [0x%x, 0x%x) outside guest memory of size 0x%x", gpa, gpa+length, m.size)
	}
	return m.bytes[gpa : gpa+length], nil
}

// WriteAt copies data into guest memory starting at gpa, validating the
// range first.
func (m *GuestMemory) WriteAt(gpa uint64, data []byte) error {
	dst, err := m.Slice(gpa, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadAt copies length bytes from guest memory starting at gpa.
func (m *GuestMemory) ReadAt(gpa, length uint64) ([]byte, error) {
	src, err := m.Slice(gpa, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}

// MMIOAllocator hands out fixed-size page slots within [MMIOBase,
// MMIOBase+MMIOSize) to virtio-mmio devices and the guest-manager
// device, tracking free pages with a github.com/bits-and-blooms/bitset
// bitset.
type MMIOAllocator struct {
	mu    sync.Mutex
	used  *bitset.BitSet
	pages uint64
}

// NewMMIOAllocator creates an allocator over the fixed MMIO window.
func NewMMIOAllocator() *MMIOAllocator {
	pages := MMIOSize / mmioPageSize
	return &MMIOAllocator{used: bitset.New(uint(pages)), pages: pages}
}

// Allocate hands out the next free 4 KiB page-aligned slot and returns
// its guest physical address.
func (a *MMIOAllocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint64(0); i < a.pages; i++ {
		if !a.used.Test(uint(i)) {
			a.used.Set(uint(i))
			return MMIOBase + i*mmioPageSize, nil
		}
	}
	return 0, fmt.Errorf("memory: mmio window exhausted after %d pages", a.pages)
}

// Release frees the page slot at addr.
func (a *MMIOAllocator) Release(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr < MMIOBase {
		return
	}
	idx := (addr - MMIOBase) / mmioPageSize
	a.used.Clear(uint(idx))
}
