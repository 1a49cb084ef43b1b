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

// Package virtio implements a virtio-over-MMIO device framework: a
// generic VirtioConfig/register-dispatch core shared by the block, net,
// and guest-manager devices, each exposing a 4 KiB MMIO page plus an
// IRQ line. QUEUE_NOTIFY (offset 0x50) is routed to a per-device
// NotifyHandler, handled by an event-manager-registered queue handler,
// instead of the generic register logic.
package virtio

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Virtio MMIO register offsets, matching the virtio-mmio v2 transport
// layout (virtio spec section 4.2.2).
const (
	RegMagicValue       = 0x000
	RegVersion          = 0x004
	RegDeviceID         = 0x008
	RegVendorID         = 0x00c
	RegDeviceFeatures   = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures   = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel         = 0x030
	RegQueueNumMax      = 0x034
	RegQueueNum         = 0x038
	RegQueueReady       = 0x044
	RegQueueNotify      = 0x050
	RegInterruptStatus  = 0x060
	RegInterruptACK     = 0x064
	RegStatus           = 0x070
	RegQueueDescLow     = 0x080
	RegQueueDescHigh    = 0x084
	RegQueueAvailLow    = 0x090
	RegQueueAvailHigh   = 0x094
	RegQueueUsedLow     = 0x0a0
	RegQueueUsedHigh    = 0x0a4
	RegConfigGeneration = 0x0fc
	RegConfigSpaceStart = 0x100
)

const (
	magicValue = 0x74726976 // "virt"
	mmioVersion = 2
)

// VIRTIO_MMIO_INT_VRING is the interrupt-status bit SingleFdSignalQueue
// sets to tell the guest a used-ring entry is ready.
const IntVRing uint32 = 0x01

// IntConfig is set when device configuration has changed.
const IntConfig uint32 = 0x02

// VirtioConfig is the generic register state every virtio-mmio device
// shares.
type VirtioConfig struct {
	DeviceID uint32

	mu sync.Mutex

	DeviceFeatures uint64
	DriverFeatures uint64
	featuresSel    uint32

	Queues      []*Queue
	queueSel    uint32

	Status          uint32
	InterruptStatus uint32 // accessed via atomics from signal paths
	ConfigSpace     []byte
	configGen       uint32

	// NotifyHandler is invoked for QUEUE_NOTIFY writes, naming the queue
	// index the driver just kicked. Devices register their queue
	// processing loop here instead of it living in the generic register
	// dispatch.
	NotifyHandler func(queueIndex int)
}

// NewVirtioConfig constructs the shared register state for a device
// advertising deviceID and numQueues virtqueues of at most 256
// descriptors each.
func NewVirtioConfig(deviceID uint32, numQueues int, configSpaceSize int) *VirtioConfig {
	vc := &VirtioConfig{
		DeviceID:    deviceID,
		Queues:      make([]*Queue, numQueues),
		ConfigSpace: make([]byte, configSpaceSize),
	}
	for i := range vc.Queues {
		vc.Queues[i] = &Queue{MaxSize: MaxQueueSize}
	}
	return vc
}

// BumpConfigGeneration marks the config space as changed, incrementing
// the generation counter the driver polls to detect a torn read.
func (vc *VirtioConfig) BumpConfigGeneration() {
	atomic.AddUint32(&vc.configGen, 1)
}

// MMIORead implements the generic read half of the virtio-mmio register
// file. Reads at or past RegConfigSpaceStart are served from
// vc.ConfigSpace.
func (vc *VirtioConfig) MMIORead(offset uint64, data []byte) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	switch {
	case offset == RegMagicValue:
		putU32(data, magicValue)
	case offset == RegVersion:
		putU32(data, mmioVersion)
	case offset == RegDeviceID:
		putU32(data, vc.DeviceID)
	case offset == RegVendorID:
		putU32(data, 0x554d4551) // "QEMU" vendor id, reused for compatibility
	case offset == RegDeviceFeatures:
		if vc.featuresSel == 0 {
			putU32(data, uint32(vc.DeviceFeatures))
		} else {
			putU32(data, uint32(vc.DeviceFeatures>>32))
		}
	case offset == RegQueueNumMax:
		putU32(data, uint32(vc.currentQueue().MaxSize))
	case offset == RegQueueReady:
		if vc.currentQueue().Ready {
			putU32(data, 1)
		} else {
			putU32(data, 0)
		}
	case offset == RegInterruptStatus:
		putU32(data, atomic.LoadUint32(&vc.InterruptStatus))
	case offset == RegStatus:
		putU32(data, vc.Status)
	case offset == RegConfigGeneration:
		putU32(data, atomic.LoadUint32(&vc.configGen))
	case offset >= RegConfigSpaceStart:
		readConfigSpace(vc.ConfigSpace, offset-RegConfigSpaceStart, data)
	default:
		for i := range data {
			data[i] = 0
		}
	}
}

// MMIOWrite implements the generic write half, except RegQueueNotify
// which is delegated to NotifyHandler.
func (vc *VirtioConfig) MMIOWrite(offset uint64, data []byte) {
	v := getU32(data)

	switch offset {
	case RegDeviceFeaturesSel:
		vc.mu.Lock()
		vc.featuresSel = v
		vc.mu.Unlock()
	case RegDriverFeatures:
		vc.mu.Lock()
		if vc.featuresSel == 0 {
			vc.DriverFeatures = (vc.DriverFeatures &^ 0xffffffff) | uint64(v)
		} else {
			vc.DriverFeatures = (vc.DriverFeatures & 0xffffffff) | (uint64(v) << 32)
		}
		vc.mu.Unlock()
	case RegDriverFeaturesSel:
		vc.mu.Lock()
		vc.featuresSel = v
		vc.mu.Unlock()
	case RegQueueSel:
		vc.mu.Lock()
		if int(v) < len(vc.Queues) {
			vc.queueSel = v
		}
		vc.mu.Unlock()
	case RegQueueNum:
		vc.mu.Lock()
		q := vc.currentQueue()
		if v <= uint32(q.MaxSize) {
			q.Size = uint16(v)
		}
		vc.mu.Unlock()
	case RegQueueReady:
		vc.mu.Lock()
		vc.currentQueue().Ready = v != 0
		vc.mu.Unlock()
	case RegQueueDescLow:
		vc.setQueueAddr(func(q *Queue) *uint64 { return &q.DescTableAddr }, v, false)
	case RegQueueDescHigh:
		vc.setQueueAddr(func(q *Queue) *uint64 { return &q.DescTableAddr }, v, true)
	case RegQueueAvailLow:
		vc.setQueueAddr(func(q *Queue) *uint64 { return &q.AvailRingAddr }, v, false)
	case RegQueueAvailHigh:
		vc.setQueueAddr(func(q *Queue) *uint64 { return &q.AvailRingAddr }, v, true)
	case RegQueueUsedLow:
		vc.setQueueAddr(func(q *Queue) *uint64 { return &q.UsedRingAddr }, v, false)
	case RegQueueUsedHigh:
		vc.setQueueAddr(func(q *Queue) *uint64 { return &q.UsedRingAddr }, v, true)
	case RegInterruptACK:
		atomic.AddUint32(&vc.InterruptStatus, 0) // ack just clears the bits below
		for {
			old := atomic.LoadUint32(&vc.InterruptStatus)
			if atomic.CompareAndSwapUint32(&vc.InterruptStatus, old, old&^v) {
				break
			}
		}
	case RegStatus:
		vc.mu.Lock()
		vc.Status = v
		vc.mu.Unlock()
	case RegQueueNotify:
		if vc.NotifyHandler != nil {
			vc.NotifyHandler(int(v))
		}
	default:
		if offset >= RegConfigSpaceStart {
			vc.mu.Lock()
			writeConfigSpace(vc.ConfigSpace, offset-RegConfigSpaceStart, data)
			vc.mu.Unlock()
		}
	}
}

func (vc *VirtioConfig) currentQueue() *Queue {
	if int(vc.queueSel) >= len(vc.Queues) {
		return vc.Queues[0]
	}
	return vc.Queues[vc.queueSel]
}

func (vc *VirtioConfig) setQueueAddr(field func(*Queue) *uint64, v uint32, high bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	p := field(vc.currentQueue())
	if high {
		*p = (*p & 0xffffffff) | (uint64(v) << 32)
	} else {
		*p = (*p &^ 0xffffffff) | uint64(v)
	}
}

func putU32(data []byte, v uint32) {
	if len(data) >= 4 {
		binary.LittleEndian.PutUint32(data, v)
	}
}

func getU32(data []byte) uint32 {
	if len(data) >= 4 {
		return binary.LittleEndian.Uint32(data)
	}
	return 0
}

func readConfigSpace(cfg []byte, offset uint64, data []byte) {
	for i := range data {
		idx := offset + uint64(i)
		if idx < uint64(len(cfg)) {
			data[i] = cfg[idx]
		} else {
			data[i] = 0
		}
	}
}

func writeConfigSpace(cfg []byte, offset uint64, data []byte) {
	for i, b := range data {
		idx := offset + uint64(i)
		if idx < uint64(len(cfg)) {
			cfg[idx] = b
		}
	}
}
