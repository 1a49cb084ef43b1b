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
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request numbers, matching <linux/kvm.h>. Kept as a small,
// isolated set of raw syscall wrappers -- only this file and
// internal/net/tap touch raw ioctls in the whole tree.
const (
	kvmGetAPIVersion     = 0xAE00
	kvmCreateVM          = 0xAE01
	kvmCheckExtension    = 0xAE03
	kvmGetVCPUMmapSize   = 0xAE04
	kvmCreateVCPU        = 0xAE41
	kvmSetUserMemRegion  = 0x4020AE46
	kvmRun               = 0xAE80
	kvmIRQfd             = 0x4020AE76
	kvmIOEventfd         = 0x4040AE79
	kvmCreateIRQChip     = 0xAE60
	kvmSetVCPUEvents     = 0x4040AEA0
)

// Extension capability IDs this daemon gates on, matching
// <linux/kvm.h>'s KVM_CAP_* enum values.
const (
	CapIrqChip    = 0
	CapIoeventfd  = 36
	CapIrqfd      = 32
	CapUserMemory = 3
)

func ioctlNoArg(fd, req uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func ioctlPtr(fd, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlInt(fd, req uintptr, arg int) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}
