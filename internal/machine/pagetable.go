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
	"encoding/binary"

	"github.com/ignitiond/ignitiond/internal/vmm/kvm"
	"github.com/ignitiond/ignitiond/internal/vmm/memory"
)

// Boot-time layout constants for the page tables and GDT this daemon
// writes into low guest memory before the first KVM_RUN: identity-mapped
// 1-GiB of 2-MiB pages for the first 512 entries, and a boot GDT with
// code/data/TSS segments.
const (
	pml4Addr = 0x1000
	pdptAddr = 0x2000
	pdAddr   = 0x3000
	gdtAddr  = 0x4000

	pageEntryPresentWritable = 0x3
	pageEntryHugePage        = 0x80 // PS bit, selects a 2 MiB leaf at the PD level

	cr0ProtectedMode = 1 << 0
	cr0Paging        = 1 << 31
	cr4PAE           = 1 << 5
	eferLME          = 1 << 8
	eferLMA          = 1 << 10
)

// setupIdentityPageTables writes a minimal x86-64 long-mode page table
// tree identity-mapping the first 512 * 2 MiB = 1 GiB of guest memory:
// one PML4 entry, one PDPT entry, and 512 PD entries each a 2 MiB huge
// page.
func setupIdentityPageTables(mem *memory.GuestMemory) error {
	pml4 := make([]byte, 8)
	binary.LittleEndian.PutUint64(pml4, pdptAddr|pageEntryPresentWritable)
	if err := mem.WriteAt(pml4Addr, pml4); err != nil {
		return err
	}

	pdpt := make([]byte, 8)
	binary.LittleEndian.PutUint64(pdpt, pdAddr|pageEntryPresentWritable)
	if err := mem.WriteAt(pdptAddr, pdpt); err != nil {
		return err
	}

	pd := make([]byte, 512*8)
	for i := 0; i < 512; i++ {
		entry := uint64(i)*(2<<20) | pageEntryPresentWritable | pageEntryHugePage
		binary.LittleEndian.PutUint64(pd[i*8:], entry)
	}
	return mem.WriteAt(pdAddr, pd)
}

// setupBootGDT writes a flat code/data/TSS GDT at gdtAddr, and returns
// the Sregs segment values a vCPU's
// KVM_SET_SREGS call needs to reference it. Selectors follow the
// conventional null/code/data/TSS layout at offsets 0x00/0x08/0x10/0x18.
func setupBootGDT(mem *memory.GuestMemory) (*kvm.Sregs, error) {
	// Each entry is a raw 8-byte descriptor; KVM only consults the Sregs
	// segment struct below for vCPU behavior, but a well-formed table is
	// still written so an in-guest LGDT after boot sees consistent state.
	entries := make([]byte, 4*8)
	writeDescriptor(entries, 1, 0, 0xfffff, 0x9a, 0xa) // 64-bit code: present, DPL0, executable
	writeDescriptor(entries, 2, 0, 0xfffff, 0x92, 0xc) // data: present, DPL0, read/write
	writeDescriptor(entries, 3, 0, 0x67, 0x89, 0x0)    // TSS: present, type 0x9 (32-bit TSS available)
	if err := mem.WriteAt(gdtAddr, entries); err != nil {
		return nil, err
	}

	codeSeg := kvm.Segment{Base: 0, Limit: 0xfffff, Selector: 0x08, Type: 0xa, Present: 1, DPL: 0, S: 1, L: 1, G: 1}
	dataSeg := kvm.Segment{Base: 0, Limit: 0xfffff, Selector: 0x10, Type: 0x2, Present: 1, DPL: 0, S: 1, DB: 1, G: 1}
	tssSeg := kvm.Segment{Base: 0, Limit: 0x67, Selector: 0x18, Type: 0xb, Present: 1, S: 0}

	return &kvm.Sregs{
		CS:       codeSeg,
		DS:       dataSeg,
		ES:       dataSeg,
		FS:       dataSeg,
		GS:       dataSeg,
		SS:       dataSeg,
		TR:       tssSeg,
		GDTBase:  gdtAddr,
		GDTLimit: uint64(len(entries) - 1),
		CR0:      cr0ProtectedMode | cr0Paging,
		CR3:      pml4Addr,
		CR4:      cr4PAE,
		EFER:     eferLME | eferLMA,
	}, nil
}

// writeDescriptor packs one flat GDT descriptor into entries at slot
// index, using access byte accessByte and flags nibble flags (the
// G/DB/L/AVL bits) in the standard x86 segment-descriptor layout.
func writeDescriptor(entries []byte, index int, base uint32, limit uint32, accessByte byte, flags byte) {
	off := index * 8
	entries[off+0] = byte(limit)
	entries[off+1] = byte(limit >> 8)
	entries[off+2] = byte(base)
	entries[off+3] = byte(base >> 8)
	entries[off+4] = byte(base >> 16)
	entries[off+5] = accessByte
	entries[off+6] = byte(limit>>16)&0x0f | flags<<4
	entries[off+7] = byte(base >> 24)
}
