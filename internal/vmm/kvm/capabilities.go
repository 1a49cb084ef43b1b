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

// Package kvm wraps the host /dev/kvm character device: the capability
// gate, VM/vCPU file descriptor creation, and guest memory region
// registration. Capability probing goes through the Prober interface,
// and internal/machine reaches VMs and vCPUs through its own VM/VCPU
// interfaces (internal/machine/kvmadapter.go), so tests can substitute a
// fake backend instead of requiring nested KVM in CI.
package kvm

import (
	"fmt"

	jobplugerrs "github.com/ignitiond/ignitiond/sdk/jobplugin/errors"
)

// RequiredCapabilities is the capability set this daemon
// gates on before creating a VM: Irqchip, Ioeventfd, Irqfd, UserMemory.
var RequiredCapabilities = []int{CapIrqChip, CapIoeventfd, CapIrqfd, CapUserMemory}

var capabilityNames = map[int]string{
	CapIrqChip:    "Irqchip",
	CapIoeventfd:  "Ioeventfd",
	CapIrqfd:      "Irqfd",
	CapUserMemory: "UserMemory",
}

// CapabilityName returns the human-readable name for a KVM_CAP_* id.
func CapabilityName(cap int) string {
	if name, ok := capabilityNames[cap]; ok {
		return name
	}
	return fmt.Sprintf("cap#%d", cap)
}

// Prober checks whether the host KVM module supports a given extension.
// *Device implements this against the real /dev/kvm fd; tests implement
// it with a canned map of supported capabilities.
type Prober interface {
	CheckExtension(cap int) (int, error)
}

// CheckCapabilities verifies every capability in RequiredCapabilities is
// present (value > 0) and fails fast naming the first one missing. A
// missing KVM capability is treated as non-retryable.
func CheckCapabilities(p Prober) error {
	for _, cap := range RequiredCapabilities {
		v, err := p.CheckExtension(cap)
		if err != nil {
			return fmt.Errorf("kvm: check extension %s: %w", CapabilityName(cap), err)
		}
		if v <= 0 {
			return jobplugerrs.NewInternal(fmt.Sprintf("kvm: missing required capability %s", CapabilityName(cap)), nil)
		}
	}
	return nil
}
