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

import "github.com/ignitiond/ignitiond/internal/vmm/kvm"

// VM is the subset of *kvm.VM's behavior Create and the lifecycle
// operations depend on. Defining it here, rather than consuming
// *kvm.VM directly, is what lets the state-machine tests substitute a
// fake backend instead of requiring nested KVM.
type VM interface {
	SetUserMemoryRegion(slot uint32, gpa, size, hostAddr uint64) error
	CreateIRQChip() error
	CreateVCPU(index int) (VCPU, error)
	IRQfd(fd uintptr, gsi uint32) error
	IOEventfd(fd uintptr, addr uint64, length uint32, datamatch uint64, withDatamatch bool) error
	Fd() uintptr
}

// VCPU is the subset of *kvm.VCPU's behavior the vCPU bring-up in
// create.go and the run loop in lifecycle.go depend on.
type VCPU interface {
	Index() int
	Fd() uintptr
	Run() error
	SetRegs(r *kvm.Regs) error
	GetRegs() (*kvm.Regs, error)
	SetSregs(s *kvm.Sregs) error
	GetSregs() (*kvm.Sregs, error)
	SetFPU(f *kvm.FPU) error
	SetMSRs(entries []kvm.MSREntry) error
	SetCPUID2(entries []kvm.CPUIDEntry) error
	SetLAPIC(s *kvm.LAPICState) error
	GetLAPIC() (*kvm.LAPICState, error)
}

// Hypervisor is the entry point Create starts from: a capability prober
// plus a VM factory. *kvm.Device satisfies this via hypervisorAdapter;
// tests implement it directly with a fake.
type Hypervisor interface {
	kvm.Prober
	CreateVM() (VM, error)
}

// hypervisorAdapter wraps a real *kvm.Device so its concretely-typed
// CreateVM result satisfies the VM interface above.
type hypervisorAdapter struct {
	dev *kvm.Device
}

// NewHypervisor adapts an opened /dev/kvm device into a Hypervisor.
func NewHypervisor(dev *kvm.Device) Hypervisor {
	return &hypervisorAdapter{dev: dev}
}

func (h *hypervisorAdapter) CheckExtension(cap int) (int, error) {
	return h.dev.CheckExtension(cap)
}

func (h *hypervisorAdapter) CreateVM() (VM, error) {
	vm, err := h.dev.CreateVM()
	if err != nil {
		return nil, err
	}
	return &vmAdapter{vm: vm}, nil
}

type vmAdapter struct {
	vm *kvm.VM
}

func (a *vmAdapter) SetUserMemoryRegion(slot uint32, gpa, size, hostAddr uint64) error {
	return a.vm.SetUserMemoryRegion(slot, gpa, size, hostAddr)
}

func (a *vmAdapter) CreateIRQChip() error { return a.vm.CreateIRQChip() }

func (a *vmAdapter) CreateVCPU(index int) (VCPU, error) {
	v, err := a.vm.CreateVCPU(index)
	if err != nil {
		return nil, err
	}
	return &vcpuAdapter{v: v}, nil
}

func (a *vmAdapter) IRQfd(fd uintptr, gsi uint32) error { return a.vm.IRQfd(fd, gsi) }

func (a *vmAdapter) IOEventfd(fd uintptr, addr uint64, length uint32, datamatch uint64, withDatamatch bool) error {
	return a.vm.IOEventfd(fd, addr, length, datamatch, withDatamatch)
}

func (a *vmAdapter) Fd() uintptr { return a.vm.Fd() }

type vcpuAdapter struct {
	v *kvm.VCPU
}

func (a *vcpuAdapter) Index() int                              { return a.v.Index }
func (a *vcpuAdapter) Fd() uintptr                              { return a.v.Fd() }
func (a *vcpuAdapter) Run() error                               { return a.v.Run() }
func (a *vcpuAdapter) SetRegs(r *kvm.Regs) error                { return a.v.SetRegs(r) }
func (a *vcpuAdapter) GetRegs() (*kvm.Regs, error)              { return a.v.GetRegs() }
func (a *vcpuAdapter) SetSregs(s *kvm.Sregs) error              { return a.v.SetSregs(s) }
func (a *vcpuAdapter) GetSregs() (*kvm.Sregs, error)            { return a.v.GetSregs() }
func (a *vcpuAdapter) SetFPU(f *kvm.FPU) error                  { return a.v.SetFPU(f) }
func (a *vcpuAdapter) SetMSRs(entries []kvm.MSREntry) error     { return a.v.SetMSRs(entries) }
func (a *vcpuAdapter) SetCPUID2(entries []kvm.CPUIDEntry) error { return a.v.SetCPUID2(entries) }
func (a *vcpuAdapter) SetLAPIC(s *kvm.LAPICState) error         { return a.v.SetLAPIC(s) }
func (a *vcpuAdapter) GetLAPIC() (*kvm.LAPICState, error)       { return a.v.GetLAPIC() }
