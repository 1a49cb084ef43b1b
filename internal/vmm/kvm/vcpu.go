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

import "unsafe"

// vCPU bring-up ioctl numbers, matching <linux/kvm.h>. Grouped here
// alongside vcpu.go's register structs so internal/machine never needs
// its own unsafe.Pointer arithmetic for the CPUID/MSR/sregs/LAPIC/FPU
// setup vCPU bring-up calls for.
const (
	kvmSetRegs   = 0x4090AE82
	kvmGetRegs   = 0x8090AE81
	kvmSetSregs  = 0x4138AE84
	kvmGetSregs  = 0x8138AE83
	kvmSetFPU    = 0x41A0AE8D
	kvmSetMSRs   = 0x4008AE89
	kvmSetCPUID2 = 0x4008AE90
	kvmSetLAPIC  = 0x4400AE8F
	kvmGetLAPIC  = 0x8400AE8E
)

// Regs mirrors struct kvm_regs: the general-purpose register file a
// freshly created vCPU needs before its first KVM_RUN.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// SetRegs issues KVM_SET_REGS.
func (v *VCPU) SetRegs(r *Regs) error {
	return ioctlPtr(v.fd, kvmSetRegs, unsafe.Pointer(r))
}

// GetRegs issues KVM_GET_REGS.
func (v *VCPU) GetRegs() (*Regs, error) {
	var r Regs
	if err := ioctlPtr(v.fd, kvmGetRegs, unsafe.Pointer(&r)); err != nil {
		return nil, err
	}
	return &r, nil
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base                          uint64
	Limit                         uint32
	Selector                      uint16
	Type, Present, DPL, DB, S, L, G, AVL uint8
	Unusable                      uint8
	_                             uint8
}

// Sregs mirrors the subset of struct kvm_sregs vCPU bring-up
// needs: segment registers (boot GDT with code/data/TSS), page
// table root (identity-mapped 1-GiB-equivalent first 512 PTEs via
// 2-MiB pages), and control registers enabling protected mode + paging.
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDTBase, GDTLimit               uint64
	IDTBase, IDTLimit               uint64
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
	ApicBase                        uint64
	InterruptBitmap                 [4]uint64
}

// SetSregs issues KVM_SET_SREGS.
func (v *VCPU) SetSregs(s *Sregs) error {
	return ioctlPtr(v.fd, kvmSetSregs, unsafe.Pointer(s))
}

// GetSregs issues KVM_GET_SREGS.
func (v *VCPU) GetSregs() (*Sregs, error) {
	var s Sregs
	if err := ioctlPtr(v.fd, kvmGetSregs, unsafe.Pointer(&s)); err != nil {
		return nil, err
	}
	return &s, nil
}

// FPU mirrors struct kvm_fpu, zeroed on a fresh vCPU during bring-up.
type FPU struct {
	FPR       [8][16]uint8
	FCW, FSW  uint16
	FTWX, Pad1 uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	Pad2       uint32
}

// SetFPU issues KVM_SET_FPU.
func (v *VCPU) SetFPU(f *FPU) error {
	return ioctlPtr(v.fd, kvmSetFPU, unsafe.Pointer(f))
}

// MSREntry is one model-specific register value.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// SetMSRs issues KVM_SET_MSRS for the given entries, marshaling the
// kvm_msrs header (nmsrs + padding) the ioctl expects ahead of the
// variable-length entry array.
func (v *VCPU) SetMSRs(entries []MSREntry) error {
	type header struct {
		NMSRs uint32
		_     uint32
	}
	buf := make([]byte, 8+len(entries)*16)
	h := (*header)(unsafe.Pointer(&buf[0]))
	h.NMSRs = uint32(len(entries))
	for i, e := range entries {
		off := 8 + i*16
		entry := (*MSREntry)(unsafe.Pointer(&buf[off]))
		*entry = e
	}
	return ioctlPtr(v.fd, kvmSetMSRs, unsafe.Pointer(&buf[0]))
}

// CPUIDEntry is one CPUID leaf/subleaf result.
type CPUIDEntry struct {
	Function, Index       uint32
	Flags                 uint32
	EAX, EBX, ECX, EDX    uint32
	_                     [3]uint32
}

// SetCPUID2 issues KVM_SET_CPUID2 with entries as given; it does no
// filtering of its own -- callers filter by vCPU index and pre-filter
// topology-sensitive leaves (e.g. x2APIC ID) before calling this.
func (v *VCPU) SetCPUID2(entries []CPUIDEntry) error {
	type header struct {
		NEnt uint32
		_    uint32
	}
	const entSize = 40
	buf := make([]byte, 8+len(entries)*entSize)
	h := (*header)(unsafe.Pointer(&buf[0]))
	h.NEnt = uint32(len(entries))
	for i, e := range entries {
		off := 8 + i*entSize
		entry := (*CPUIDEntry)(unsafe.Pointer(&buf[off]))
		*entry = e
	}
	return ioctlPtr(v.fd, kvmSetCPUID2, unsafe.Pointer(&buf[0]))
}

// LAPIC LVT offsets within the 1 KiB register page KVM_GET/SET_LAPIC
// exchanges, used to program LVT0=ExtINT and LVT1=NMI.
const (
	lapicRegSize   = 0x400
	lvt0Offset     = 0x350
	lvt1Offset     = 0x360
	lvtExtINT      = 0x700
	lvtNMI         = 0x400
)

// LAPICState wraps the raw 1 KiB register page KVM_GET/SET_LAPIC uses.
type LAPICState struct {
	Regs [lapicRegSize]byte
}

// SetLVT0ExtINT and SetLVT1NMI program the local APIC's LVT0/LVT1
// entries in place, matching how Linux's own kvmvapic/vcpu reset path
// configures the virtual-wire 8259 compatibility mode this daemon
// boots guests under.
func (s *LAPICState) SetLVT0ExtINT() { putLE32(s.Regs[lvt0Offset:], lvtExtINT) }
func (s *LAPICState) SetLVT1NMI()    { putLE32(s.Regs[lvt1Offset:], lvtNMI) }

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// GetLAPIC issues KVM_GET_LAPIC.
func (v *VCPU) GetLAPIC() (*LAPICState, error) {
	var s LAPICState
	if err := ioctlPtr(v.fd, kvmGetLAPIC, unsafe.Pointer(&s)); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetLAPIC issues KVM_SET_LAPIC.
func (v *VCPU) SetLAPIC(s *LAPICState) error {
	return ioctlPtr(v.fd, kvmSetLAPIC, unsafe.Pointer(s))
}
