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

package kvm

import (
	"fmt"
	"os"
	"unsafe"
)

// Device is the open /dev/kvm character device: the entry point for
// capability checks and VM creation.
type Device struct {
	f *os.File
}

// OpenDevice opens /dev/kvm.
func OpenDevice() (*Device, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	return &Device{f: f}, nil
}

// Close releases the /dev/kvm fd.
func (d *Device) Close() error { return d.f.Close() }

// CheckExtension implements Prober against the real device.
func (d *Device) CheckExtension(cap int) (int, error) {
	v, err := ioctlInt(d.f.Fd(), kvmCheckExtension, cap)
	return int(v), err
}

// APIVersion returns KVM_GET_API_VERSION, expected to be 12.
func (d *Device) APIVersion() (int, error) {
	v, err := ioctlNoArg(d.f.Fd(), kvmGetAPIVersion)
	return int(v), err
}

// VCPUMmapSize returns the size of the shared kvm_run structure mmap'd
// for each vCPU fd.
func (d *Device) VCPUMmapSize() (int, error) {
	v, err := ioctlNoArg(d.f.Fd(), kvmGetVCPUMmapSize)
	return int(v), err
}

// CreateVM issues KVM_CREATE_VM and returns the resulting VM.
func (d *Device) CreateVM() (*VM, error) {
	fd, err := ioctlNoArg(d.f.Fd(), kvmCreateVM)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vm: %w", err)
	}
	return &VM{fd: uintptr(fd)}, nil
}

// VM wraps a KVM_CREATE_VM file descriptor.
type VM struct {
	fd uintptr
}

// Fd returns the raw VM file descriptor, for irqfd/ioeventfd
// registration call sites in internal/vmm/virtio.
func (vm *VM) Fd() uintptr { return vm.fd }

// userMemoryRegion mirrors struct kvm_userspace_memory_region.
type userMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion registers a guest-physical-address range backed by
// a host userspace buffer.
func (vm *VM) SetUserMemoryRegion(slot uint32, gpa, size, hostAddr uint64) error {
	region := userMemoryRegion{Slot: slot, GuestPhysAddr: gpa, MemorySize: size, UserspaceAddr: hostAddr}
	return ioctlPtr(vm.fd, kvmSetUserMemRegion, unsafe.Pointer(&region))
}

// CreateIRQChip instantiates the in-kernel PIC/IOAPIC model.
func (vm *VM) CreateIRQChip() error {
	return ioctlPtr(vm.fd, kvmCreateIRQChip, nil)
}

// CreateVCPU issues KVM_CREATE_VCPU for the given index.
func (vm *VM) CreateVCPU(index int) (*VCPU, error) {
	fd, err := ioctlInt(vm.fd, kvmCreateVCPU, index)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", index, err)
	}
	return &VCPU{fd: uintptr(fd), Index: index}, nil
}

// IRQfd registers an eventfd that, when signaled, raises gsi on the
// in-kernel IRQ chip -- the mechanism internal/vmm/virtio's
// SingleFdSignalQueue uses to interrupt the guest.
func (vm *VM) IRQfd(fd uintptr, gsi uint32) error {
	type kvmIRQfdStruct struct {
		Fd    uint32
		GSI   uint32
		Flags uint32
		_     uint32
	}
	s := kvmIRQfdStruct{Fd: uint32(fd), GSI: gsi}
	return ioctlPtr(vm.fd, kvmIRQfd, unsafe.Pointer(&s))
}

// IOEventfd registers an eventfd that is signaled whenever the guest
// writes to [addr, addr+length) -- the mechanism QUEUE_NOTIFY delivery
// uses instead of a trapped MMIO write.
func (vm *VM) IOEventfd(fd uintptr, addr uint64, length uint32, datamatch uint64, withDatamatch bool) error {
	type kvmIOEventfdStruct struct {
		Datamatch uint64
		Addr      uint64
		Len       uint32
		Fd        int32
		Flags     uint32
		_         [36]byte
	}
	var flags uint32
	if withDatamatch {
		flags = 1
	}
	s := kvmIOEventfdStruct{Datamatch: datamatch, Addr: addr, Len: length, Fd: int32(fd), Flags: flags}
	return ioctlPtr(vm.fd, kvmIOEventfd, unsafe.Pointer(&s))
}

// VCPU wraps a single vCPU file descriptor.
type VCPU struct {
	fd    uintptr
	Index int
}

// Fd returns the raw vCPU file descriptor.
func (v *VCPU) Fd() uintptr { return v.fd }

// Run issues KVM_RUN, blocking until the vCPU exits back to userspace
// (I/O, MMIO, a signal, or a requested halt).
func (v *VCPU) Run() error {
	return ioctlPtr(v.fd, kvmRun, nil)
}
