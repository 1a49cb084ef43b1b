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

package machine

import (
	"fmt"

	"github.com/ignitiond/ignitiond/internal/vmm/kvm"
	"github.com/ignitiond/ignitiond/internal/vmm/virtio"
)

// gsiBase is the first guest IRQ line this daemon assigns to virtio
// devices; each attached net or block device claims the next one in
// order, which is sufficient for the small, fixed device set this daemon
// supports (one net device, one block device per VolumeMount). The
// guest-manager page claims no IRQ line.
const gsiBase = 5

// attachDevices attaches, for each VolumeBinding, a virtio-block MMIO
// device, and for the primary network interface a virtio-net MMIO
// device wired to the allocated TAP. It also attaches the
// guest-manager device, which has no config in CreateParams since it
// needs none.
func attachDevices(rt *runtimeState, p CreateParams) error {
	gsi := uint32(gsiBase)

	for _, vol := range p.Volumes {
		dev := virtio.NewBlockDevice(vol.Path, vol.ReadOnly, vol.CapacitySectors)
		irqfd, err := registerSignalQueue(rt, dev.VirtioConfig, gsi)
		if err != nil {
			return fmt.Errorf("attach block device %s: %w", vol.Path, err)
		}
		gsi++
		if err := dev.Activate(rt.mem, irqfd); err != nil {
			return fmt.Errorf("activate block device %s: %w", vol.Path, err)
		}
		rt.blockDevices = append(rt.blockDevices, dev)
	}

	if p.Net.TAP != nil {
		dev := virtio.NewNetDevice(p.Net.MAC)
		irqfd, err := registerSignalQueue(rt, dev.VirtioConfig, gsi)
		if err != nil {
			return fmt.Errorf("attach net device: %w", err)
		}
		gsi++
		if err := dev.Activate(p.Net.TAP, rt.mem, irqfd); err != nil {
			return fmt.Errorf("activate net device: %w", err)
		}
		rt.netDevice = dev
		rt.tapDev = p.Net.TAP
	}

	rt.guestManager = virtio.NewGuestManagerDevice(nil) // handler wired in by Start
	return nil
}

// registerSignalQueue allocates an MMIO page for the device's register
// file, an irqfd for interrupt delivery, and an ioeventfd per queue for
// QUEUE_NOTIFY, registering each with the VM.
func registerSignalQueue(rt *runtimeState, vc *virtio.VirtioConfig, gsi uint32) (*virtio.SingleFdSignalQueue, error) {
	mmioAddr, err := rt.mmio.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate mmio page: %w", err)
	}

	irqfd, err := kvm.NewEventfd()
	if err != nil {
		return nil, fmt.Errorf("create irqfd: %w", err)
	}
	if err := rt.vm.IRQfd(irqfd.Fd(), gsi); err != nil {
		return nil, fmt.Errorf("register irqfd: %w", err)
	}

	for i := range vc.Queues {
		notifyfd, err := kvm.NewEventfd()
		if err != nil {
			return nil, fmt.Errorf("create ioeventfd for queue %d: %w", i, err)
		}
		notifyAddr := mmioAddr + virtio.RegQueueNotify
		if err := rt.vm.IOEventfd(notifyfd.Fd(), notifyAddr, 4, uint64(i), true); err != nil {
			return nil, fmt.Errorf("register ioeventfd for queue %d: %w", i, err)
		}
	}

	return &virtio.SingleFdSignalQueue{InterruptStatus: &vc.InterruptStatus, IRQfd: irqfd}, nil
}
