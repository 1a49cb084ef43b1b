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

// Package tap implements a TAP device pool: it enumerates existing
// links with a fixed name prefix, generates a random 6-char suffix
// until the resulting name is free, opens /dev/net/tun, sets the
// interface persistent and up, and attaches it to a configured bridge
// using github.com/vishvananda/netlink.
package tap

import (
	"crypto/rand"
	"fmt"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	devNetTun = "/dev/net/tun"

	// ioctl request numbers for TUN/TAP device configuration, matching
	// <linux/if_tun.h>; kept isolated here so the rest of the tree never
	// imports unix directly, the same isolation internal/vmm/kvm/ioctl.go
	// applies to KVM ioctls.
	tunSetIff     = 0x400454ca
	tunSetPersist = 0x400454cb
	iffTap        = 0x0002
	iffNoPI       = 0x1000
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Device is one allocated TAP interface.
type Device struct {
	Name string
	File *os.File
}

// Pool creates TAP devices named "<prefix><6 random chars>" and attaches
// them to bridge.
type Pool struct {
	prefix string
	bridge string
}

// New constructs a Pool; prefix and bridge come from config.NetConfig.
func New(prefix, bridge string) *Pool {
	return &Pool{prefix: prefix, bridge: bridge}
}

// Create allocates a new TAP device: it samples random suffixes until
// one does not collide with an existing link, opens /dev/net/tun,
// configures it persistent, brings it up, and attaches it to the
// configured bridge.
func (p *Pool) Create() (*Device, error) {
	name, err := p.uniqueName()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(devNetTun, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open %s: %w", devNetTun, err)
	}

	req := newIfreq(name, uint16(iffTap|iffNoPI))
	if err := ioctlPtr(f.Fd(), tunSetIff, unsafe.Pointer(req)); err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), tunSetPersist, 1); err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: TUNSETPERSIST %s: %w", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: link by name %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: set %s up: %w", name, err)
	}

	if p.bridge != "" {
		br, err := netlink.LinkByName(p.bridge)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("tap: bridge %s not found: %w", p.bridge, err)
		}
		if err := netlink.LinkSetMaster(link, br.(*netlink.Bridge)); err != nil {
			f.Close()
			return nil, fmt.Errorf("tap: attach %s to bridge %s: %w", name, p.bridge, err)
		}
	}

	return &Device{Name: name, File: f}, nil
}

// Release tears down a TAP device: close the fd (the kernel keeps the
// interface alive because of TUNSETPERSIST) and explicitly delete the
// link so the namespace does not accumulate stale devices.
func (p *Pool) Release(d *Device) error {
	if d.File != nil {
		_ = d.File.Close()
	}
	link, err := netlink.LinkByName(d.Name)
	if err != nil {
		return nil // already gone
	}
	return netlink.LinkDel(link)
}

func (p *Pool) uniqueName() (string, error) {
	for attempt := 0; attempt < 64; attempt++ {
		suffix, err := randomSuffix(6)
		if err != nil {
			return "", fmt.Errorf("tap: generate suffix: %w", err)
		}
		name := p.prefix + suffix
		if _, err := netlink.LinkByName(name); err != nil {
			return name, nil // not found => free
		}
	}
	return "", fmt.Errorf("tap: could not find a free name with prefix %q after 64 attempts", p.prefix)
}

func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(out), nil
}

// ifreq mirrors struct ifreq's layout for the TUNSETIFF ioctl: a 16-byte
// name field followed by a union whose first member we use as flags.
type ifreq struct {
	name  [16]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

func newIfreq(name string, flags uint16) *ifreq {
	r := &ifreq{flags: flags}
	copy(r.name[:], name)
	return r
}

// ioctlPtr issues an ioctl that takes a pointer argument (TUNSETIFF's
// struct ifreq*), which unix.IoctlSetInt cannot express since it only
// carries a scalar. Isolated here, the only unsafe.Pointer use in the
// package, for the same reason internal/vmm/kvm/ioctl.go isolates its
// raw KVM syscalls.
func ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
