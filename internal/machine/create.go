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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ignitiond/ignitiond/internal/net/tap"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/vmm/kvm"
	"github.com/ignitiond/ignitiond/internal/vmm/memory"
	"github.com/ignitiond/ignitiond/internal/vmm/virtio"
)

// memorySlot is the only KVM_SET_USER_MEMORY_REGION slot this daemon
// uses: one contiguous guest-RAM region per machine.
const memorySlot = 0

// BlockDeviceSpec names a backing file a VolumeMount resolves to, plus
// whether it was requested read-only.
type BlockDeviceSpec struct {
	Path            string
	ReadOnly        bool
	CapacitySectors uint64
}

// NetDeviceSpec carries the already-allocated TAP device and MAC the
// controller assigns before calling Create, so Create can attach a
// virtio-net MMIO device wired to the allocated TAP.
type NetDeviceSpec struct {
	TAP *tap.Device
	MAC [6]byte
}

// CreateParams bundles everything Create needs beyond the MachineConfig
// itself: the hypervisor to build vCPUs against, the kernel/initrd
// bytes already read off disk, and the pre-resolved volume/network
// attachments a controller computed from the Machine's VolumeMounts and
// NetworkConfig.
type CreateParams struct {
	Hypervisor     Hypervisor
	Config         resources.MachineV1Beta1
	KernelImage    []byte
	KernelLoadAddr uint64
	InitrdImage    []byte
	InitrdLoadAddr uint64
	MountPoints    map[string]string // guest mount path -> VolumeName, for takeoff args
	Volumes        []BlockDeviceSpec
	Net            NetDeviceSpec
	BaseCPUID      []kvm.CPUIDEntry
}

// takeoffArgs is the JSON payload hex-encoded into the kernel command
// line's --takeoff-args=<hex> parameter: the in-guest init parses this
// and applies envs and mount points.
type takeoffArgs struct {
	Envs        map[string]string `json:"envs"`
	MountPoints map[string]string `json:"mount_points"`
}

// runtimeState holds the live KVM/virtio objects behind a Machine once
// Create has run; it is nil until then and cleared on Stop.
type runtimeState struct {
	hv   Hypervisor
	vm   VM
	mem  *memory.GuestMemory
	mmio *memory.MMIOAllocator

	vcpus []VCPU

	blockDevices []*virtio.BlockDevice
	netDevice    *virtio.NetDevice
	guestManager *virtio.GuestManagerDevice
	tapDev       *tap.Device

	startBarrier chan struct{}
	barrierOnce  sync.Once
	vcpuStop     []chan struct{}
	vcpuDone     sync.WaitGroup
}

// Create performs the Creation sequence: capability check, memory +
// MMIO allocation, image loading, vCPU bring-up
// (CPUID/MSRs/sregs/page tables/LAPIC/FPU), virtio device attachment,
// and leaves the returned Machine in PhaseIdle. It builds no kernel
// command line: buildKernelCmdline is not called, so no --takeoff-args
// are produced. It does not start any vCPU thread; call Start for that.
func Create(p CreateParams) (*Machine, error) {
	if err := kvm.CheckCapabilities(p.Hypervisor); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	mem, err := memory.New(uint64(p.Config.Resources.MemoryMiB) << 20)
	if err != nil {
		return nil, fmt.Errorf("machine: allocate guest memory: %w", err)
	}
	mmio := memory.NewMMIOAllocator()

	vm, err := p.Hypervisor.CreateVM()
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: create vm: %w", err)
	}
	if err := vm.SetUserMemoryRegion(memorySlot, 0, mem.Size(), mem.HostAddr()); err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: set user memory region: %w", err)
	}
	if err := vm.CreateIRQChip(); err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: create irqchip: %w", err)
	}

	if err := setupIdentityPageTables(mem); err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: setup page tables: %w", err)
	}

	if err := loadImage(mem, p.KernelImage, p.KernelLoadAddr); err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: load kernel: %w", err)
	}
	if len(p.InitrdImage) > 0 {
		if err := loadImage(mem, p.InitrdImage, p.InitrdLoadAddr); err != nil {
			mem.Close()
			return nil, fmt.Errorf("machine: load initrd: %w", err)
		}
	}

	rt := &runtimeState{hv: p.Hypervisor, vm: vm, mem: mem, mmio: mmio}

	cpuCount := p.Config.Resources.CPU
	if cpuCount < 1 {
		cpuCount = 1
	}
	rt.startBarrier = make(chan struct{})
	for i := 0; i < cpuCount; i++ {
		vcpu, err := vm.CreateVCPU(i)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("machine: create vcpu %d: %w", i, err)
		}
		if err := bringUpVCPU(vcpu, mem, p.KernelLoadAddr, i, p.BaseCPUID); err != nil {
			mem.Close()
			return nil, fmt.Errorf("machine: bring up vcpu %d: %w", i, err)
		}
		rt.vcpus = append(rt.vcpus, vcpu)
		rt.vcpuStop = append(rt.vcpuStop, make(chan struct{}))
	}

	if err := attachDevices(rt, p); err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: attach devices: %w", err)
	}

	m := New(p.Config)
	m.runtime = rt
	return m, nil
}

// bringUpVCPU brings up one vCPU: CPUID
// (filtered by index), MSRs, segment registers via the boot GDT, page
// table root, LAPIC (LVT0=ExtINT, LVT1=NMI), and a zeroed FPU. It leaves
// RIP pointing at kernelEntry with protected mode and paging already enabled via
// Sregs so the guest starts directly in 64-bit long mode.
func bringUpVCPU(v VCPU, mem *memory.GuestMemory, kernelEntry uint64, index int, baseCPUID []kvm.CPUIDEntry) error {
	filtered := filterCPUIDByIndex(baseCPUID, index)
	if len(filtered) > 0 {
		if err := v.SetCPUID2(filtered); err != nil {
			return fmt.Errorf("set cpuid2: %w", err)
		}
	}

	if err := v.SetMSRs(defaultBootMSRs()); err != nil {
		return fmt.Errorf("set msrs: %w", err)
	}

	sregs, err := setupBootGDT(mem)
	if err != nil {
		return fmt.Errorf("setup boot gdt: %w", err)
	}
	if err := v.SetSregs(sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	if err := v.SetRegs(&kvm.Regs{RIP: kernelEntry, RFLAGS: 0x2}); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	if err := v.SetFPU(&kvm.FPU{}); err != nil {
		return fmt.Errorf("set fpu: %w", err)
	}

	lapic, err := v.GetLAPIC()
	if err != nil {
		return fmt.Errorf("get lapic: %w", err)
	}
	lapic.SetLVT0ExtINT()
	lapic.SetLVT1NMI()
	if err := v.SetLAPIC(lapic); err != nil {
		return fmt.Errorf("set lapic: %w", err)
	}

	return nil
}

// filterCPUIDByIndex drops or rewrites topology-sensitive leaves (APIC
// ID at leaf 0x1/0xb) so every vCPU advertises its own index instead of
// vCPU 0's.
func filterCPUIDByIndex(base []kvm.CPUIDEntry, index int) []kvm.CPUIDEntry {
	out := make([]kvm.CPUIDEntry, len(base))
	copy(out, base)
	for i := range out {
		switch out[i].Function {
		case 0x1:
			out[i].EBX = (out[i].EBX &^ 0xff000000) | (uint32(index) << 24)
		case 0xb:
			out[i].EDX = uint32(index)
		}
	}
	return out
}

func defaultBootMSRs() []kvm.MSREntry {
	const (
		msrIA32SysenterCS = 0x174
		msrEFER           = 0xc0000080
	)
	return []kvm.MSREntry{
		{Index: msrIA32SysenterCS, Data: 0},
		{Index: msrEFER, Data: eferLME | eferLMA},
	}
}

// loadImage copies img into guest memory at loadAddr, validating the
// range lies within guest memory.
func loadImage(mem *memory.GuestMemory, img []byte, loadAddr uint64) error {
	if len(img) == 0 {
		return nil
	}
	return mem.WriteAt(loadAddr, img)
}

// buildKernelCmdline assembles the kernel command
// line: platform defaults, a hex-encoded takeoff-args blob carrying envs
// and mount points, and a serialized network config.
func buildKernelCmdline(cfg resources.MachineV1Beta1, mountPoints map[string]string, net NetDeviceSpec) (string, error) {
	args := takeoffArgs{Envs: cfg.Envs, MountPoints: mountPoints}
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal takeoff args: %w", err)
	}
	encoded := hex.EncodeToString(payload)

	return fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off --takeoff-args=%s --net-mac=%02x:%02x:%02x:%02x:%02x:%02x",
		encoded, net.MAC[0], net.MAC[1], net.MAC[2], net.MAC[3], net.MAC[4], net.MAC[5],
	), nil
}
