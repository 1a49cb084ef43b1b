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
	"os"
	"sync"

	"github.com/ignitiond/ignitiond/internal/vmm/memory"
)

// Block feature bits this device advertises: VIRTIO_F_VERSION_1 |
// IN_ORDER | RING_EVENT_IDX | FLUSH, plus BLK_F_RO if read-only.
const (
	featVersion1 = uint64(1) << 32
	featInOrder  = uint64(1) << 35
	featEventIdx = uint64(1) << 29

	blkFRO    = uint64(1) << 5
	blkFFlush = uint64(1) << 9
)

const (
	blkDeviceID = 2

	blkTypeIn      = 0
	blkTypeOut     = 1
	blkTypeFlush   = 4
	blkTypeGetID   = 8
	blkStatusOK    = 0
	blkStatusIOErr = 1
	blkStatusUnsup = 2

	blkSectorSize = 512
)

// BlockDevice implements a virtio-blk device: it advertises capacity
// in the config space as a sector count, opens
// its backing file on Activate, and executes request descriptor chains
// directly against that file.
type BlockDevice struct {
	*VirtioConfig

	mu       sync.Mutex
	path     string
	readOnly bool
	file     *os.File
	signal   SignalQueue
	mem      *memory.GuestMemory

	activated bool
}

// NewBlockDevice builds a BlockDevice with a single request queue,
// advertising capacitySectors in its config space.
func NewBlockDevice(path string, readOnly bool, capacitySectors uint64) *BlockDevice {
	vc := NewVirtioConfig(blkDeviceID, 1, 8)
	binary.LittleEndian.PutUint64(vc.ConfigSpace, capacitySectors)

	features := featVersion1 | featInOrder | featEventIdx | blkFFlush
	if readOnly {
		features |= blkFRO
	}
	vc.DeviceFeatures = features

	d := &BlockDevice{VirtioConfig: vc, path: path, readOnly: readOnly}
	vc.NotifyHandler = d.handleNotify
	return d
}

// Activate opens the backing file RW or RO, and
// wires up the queue's signal path and the guest memory the queue
// handler will read/write descriptor buffers through.
func (d *BlockDevice) Activate(mem *memory.GuestMemory, signal SignalQueue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	flags := os.O_RDWR
	if d.readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(d.path, flags, 0)
	if err != nil {
		return fmt.Errorf("virtio-blk: open %s: %w", d.path, err)
	}
	d.file = f
	d.mem = mem
	d.signal = signal
	d.activated = true
	return nil
}

// Close releases the backing file.
func (d *BlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

func (d *BlockDevice) handleNotify(queueIndex int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.activated {
		return
	}

	q := d.Queues[queueIndex]
	for {
		chain, ok, err := q.PopAvail(d.mem)
		if err != nil || !ok {
			return
		}
		used := d.execute(chain)
		if err := q.PushUsed(d.mem, chain.HeadIndex, used); err != nil {
			return
		}
	}
}

// execute parses a virtio-blk request out of chain and runs it against
// the backing file, writing a one-byte status into the chain's final
// writable descriptor, and returns the used length.
func (d *BlockDevice) execute(chain *Chain) uint32 {
	if len(chain.Readable) == 0 || len(chain.Readable[0]) < 16 {
		return 0
	}
	hdr := chain.Readable[0]
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	if len(chain.Writable) == 0 {
		return 0
	}
	statusBuf := chain.Writable[len(chain.Writable)-1]
	dataBufs := chain.Writable[:len(chain.Writable)-1]

	var status byte = blkStatusOK
	var n uint32

	switch reqType {
	case blkTypeIn:
		off := int64(sector) * blkSectorSize
		for _, buf := range dataBufs {
			read, err := d.file.ReadAt(buf, off)
			if err != nil && read == 0 {
				status = blkStatusIOErr
				break
			}
			off += int64(read)
			n += uint32(read)
		}
	case blkTypeOut:
		off := int64(sector) * blkSectorSize
		for _, buf := range chain.Readable[1:] {
			written, err := d.file.WriteAt(buf, off)
			if err != nil {
				status = blkStatusIOErr
				break
			}
			off += int64(written)
		}
	case blkTypeFlush:
		if err := d.file.Sync(); err != nil {
			status = blkStatusIOErr
		}
	case blkTypeGetID:
		if len(dataBufs) > 0 {
			copy(dataBufs[0], []byte(d.path))
		}
	default:
		status = blkStatusUnsup
	}

	if len(statusBuf) > 0 {
		statusBuf[0] = status
	}

	if d.signal != nil {
		_ = d.signal.Signal()
	}
	return n + 1
}

// BlockSavedState round-trips the resumable state of a BlockDevice:
// feature bits and queue geometry. The backing file itself needs no
// save/restore since it is reopened by path on resume.
type BlockSavedState struct {
	DeviceFeatures uint64
	DriverFeatures uint64
	Queues         []QueueSavedState
}

// SaveState captures the device's resumable state.
func (d *BlockDevice) SaveState() BlockSavedState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := BlockSavedState{DeviceFeatures: d.DeviceFeatures, DriverFeatures: d.DriverFeatures}
	for _, q := range d.Queues {
		s.Queues = append(s.Queues, saveQueue(q))
	}
	return s
}

// RestoreState re-hydrates queue geometry from a prior SaveState.
func (d *BlockDevice) RestoreState(s BlockSavedState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DeviceFeatures = s.DeviceFeatures
	d.DriverFeatures = s.DriverFeatures
	for i, qs := range s.Queues {
		if i < len(d.Queues) {
			restoreQueue(d.Queues[i], qs)
		}
	}
	d.activated = false
}
