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
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Eventfd wraps a Linux eventfd, the signaling primitive VM.IRQfd and
// VM.IOEventfd register against: the kernel both raises a guest IRQ and
// wakes the event manager's epoll loop by watching these fds, instead of
// a userspace round trip.
type Eventfd struct {
	fd int
}

// NewEventfd creates a non-semaphore eventfd starting at count 0.
func NewEventfd() (*Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("kvm: eventfd: %w", err)
	}
	return &Eventfd{fd: fd}, nil
}

// Fd returns the raw file descriptor, for IRQfd/IOEventfd registration.
func (e *Eventfd) Fd() uintptr { return uintptr(e.fd) }

// WriteOne increments the eventfd's counter by 1, implementing
// internal/vmm/virtio.EventfdWriter so SingleFdSignalQueue can kick the
// guest through it.
func (e *Eventfd) WriteOne() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// ReadOne blocks until the eventfd's counter is non-zero and resets it
// to 0, the pattern QUEUE_NOTIFY's ioeventfd side uses in the event
// manager's epoll loop.
func (e *Eventfd) ReadOne() (uint64, error) {
	var buf [8]byte
	if _, err := unix.Read(e.fd, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the eventfd.
func (e *Eventfd) Close() error { return unix.Close(e.fd) }
