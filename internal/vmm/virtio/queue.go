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

package virtio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/ignitiond/ignitiond/internal/vmm/memory"
)

// MaxQueueSize is the largest virtqueue size this daemon advertises.
const MaxQueueSize = 256

const (
	descSize  = 16
	availHdr  = 4
	availElem = 2
	usedHdr   = 4
	usedElem  = 8
)

// Descriptor mirrors struct vring_desc.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	descFNext  = 0x1
	descFWrite = 0x2
)

// Queue holds one virtqueue's negotiated geometry and ring addresses.
// Fields here are written by VirtioConfig's MMIO register dispatch and
// read by the device's queue-handler goroutine; callers serialize access
// through the owning device's lock, since virtio device state is owned
// exclusively by its device lock.
type Queue struct {
	MaxSize uint16
	Size    uint16
	Ready   bool

	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64

	NextAvail       uint16
	NextUsed        uint16
	EventIdxEnabled bool
}

// Chain is one descriptor chain pulled off the avail ring: its
// descriptor indexes and concatenated readable/writable buffers.
type Chain struct {
	HeadIndex uint16
	Readable  [][]byte
	Writable  [][]byte
}

// PopAvail pulls the next available descriptor chain, if any, advancing
// NextAvail. It returns ok=false if the driver has not published a new
// entry since the last pop.
func (q *Queue) PopAvail(mem *memory.GuestMemory) (*Chain, bool, error) {
	availLen, err := mem.ReadAt(q.AvailRingAddr+2, 2)
	if err != nil {
		return nil, false, fmt.Errorf("virtio: read avail idx: %w", err)
	}
	idx := binary.LittleEndian.Uint16(availLen)
	if idx == q.NextAvail {
		return nil, false, nil
	}

	ringOffset := q.AvailRingAddr + availHdr + uint64(q.NextAvail%q.Size)*availElem
	elemBytes, err := mem.ReadAt(ringOffset, availElem)
	if err != nil {
		return nil, false, fmt.Errorf("virtio: read avail ring entry: %w", err)
	}
	head := binary.LittleEndian.Uint16(elemBytes)
	q.NextAvail++

	chain, err := q.readChain(mem, head)
	if err != nil {
		return nil, false, err
	}
	return chain, true, nil
}

func (q *Queue) readChain(mem *memory.GuestMemory, head uint16) (*Chain, error) {
	chain := &Chain{HeadIndex: head}
	idx := head
	for i := 0; i < int(q.Size)+1; i++ {
		raw, err := mem.ReadAt(q.DescTableAddr+uint64(idx)*descSize, descSize)
		if err != nil {
			return nil, fmt.Errorf("virtio: read descriptor %d: %w", idx, err)
		}
		d := Descriptor{
			Addr:  binary.LittleEndian.Uint64(raw[0:8]),
			Len:   binary.LittleEndian.Uint32(raw[8:12]),
			Flags: binary.LittleEndian.Uint16(raw[12:14]),
			Next:  binary.LittleEndian.Uint16(raw[14:16]),
		}

		buf, err := mem.Slice(d.Addr, uint64(d.Len))
		if err != nil {
			return nil, fmt.Errorf("virtio: descriptor %d out of guest memory: %w", idx, err)
		}
		if d.Flags&descFWrite != 0 {
			chain.Writable = append(chain.Writable, buf)
		} else {
			chain.Readable = append(chain.Readable, buf)
		}

		if d.Flags&descFNext == 0 {
			return chain, nil
		}
		idx = d.Next
	}
	return nil, fmt.Errorf("virtio: descriptor chain exceeds queue size %d, possible loop", q.Size)
}

// PushUsed appends (head, length) to the used ring and advances NextUsed,
// per the virtio spec's used-ring publication rule.
func (q *Queue) PushUsed(mem *memory.GuestMemory, head uint16, length uint32) error {
	ringOffset := q.UsedRingAddr + usedHdr + uint64(q.NextUsed%q.Size)*usedElem
	buf := make([]byte, usedElem)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], length)
	if err := mem.WriteAt(ringOffset, buf); err != nil {
		return fmt.Errorf("virtio: write used entry: %w", err)
	}
	q.NextUsed++

	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, q.NextUsed)
	if err := mem.WriteAt(q.UsedRingAddr+2, idxBuf); err != nil {
		return fmt.Errorf("virtio: write used idx: %w", err)
	}
	return nil
}

// SignalQueue lets a device tell its consumer (IRQfd, or a test double)
// that the used ring has new entries.
type SignalQueue interface {
	Signal() error
}

// EventfdWriter abstracts the eventfd write internal/vmm/kvm's IRQfd
// registration expects, so tests can substitute an in-memory counter.
type EventfdWriter interface {
	WriteOne() error
}

// SingleFdSignalQueue implements interrupt
// delivery: OR VIRTIO_MMIO_INT_VRING into the device's InterruptStatus,
// then write 1 to the irqfd eventfd so KVM's in-kernel irqchip raises
// the configured GSI without a round trip through userspace.
type SingleFdSignalQueue struct {
	InterruptStatus *uint32
	IRQfd           EventfdWriter
}

// Signal implements SignalQueue.
func (s *SingleFdSignalQueue) Signal() error {
	for {
		old := atomic.LoadUint32(s.InterruptStatus)
		if atomic.CompareAndSwapUint32(s.InterruptStatus, old, old|IntVRing) {
			break
		}
	}
	if s.IRQfd == nil {
		return nil
	}
	return s.IRQfd.WriteOne()
}
