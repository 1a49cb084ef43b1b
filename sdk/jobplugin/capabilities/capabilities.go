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

// Package capabilities manages and advertises the set of job kinds a
// job-backend plugin can execute, answered on its GetCapabilities RPC.
package capabilities

import "github.com/ignitiond/ignitiond/internal/agentrpc"

// Capability identifies one job kind a backend can execute.
type Capability string

// Standard job kinds a backend may advertise.
const (
	CapabilityImagePull     Capability = "image-pull"
	CapabilityACMEIssue     Capability = "acme-issue"
	CapabilityVolumeFormat  Capability = "volume-format"
	CapabilityDNSChallenge  Capability = "dns-challenge"
	CapabilityGetCapabilities Capability = "get_capabilities"
)

// Profile groups capabilities that form a coherent backend deployment.
type Profile string

const (
	ProfileImages       Profile = "images"
	ProfileCertificates Profile = "certificates"
	ProfileStorage      Profile = "storage"
)

// GetProfileCapabilities returns the capabilities required for a profile.
func GetProfileCapabilities(profile Profile) []Capability {
	switch profile {
	case ProfileImages:
		return []Capability{CapabilityImagePull}
	case ProfileCertificates:
		return []Capability{CapabilityACMEIssue, CapabilityDNSChallenge}
	case ProfileStorage:
		return []Capability{CapabilityVolumeFormat}
	default:
		return nil
	}
}

// Manager tracks which job kinds a backend supports.
type Manager struct {
	capabilities map[Capability]bool
	version      string
}

// NewManager creates an empty capability manager.
func NewManager() *Manager {
	return &Manager{capabilities: make(map[Capability]bool)}
}

// Add marks a capability as supported.
func (m *Manager) Add(cap Capability) *Manager {
	m.capabilities[cap] = true
	return m
}

// SetVersion records the backend's own version string.
func (m *Manager) SetVersion(version string) *Manager {
	m.version = version
	return m
}

// Has reports whether a capability is supported.
func (m *Manager) Has(cap Capability) bool {
	return m.capabilities[cap]
}

// SupportsProfile reports whether every capability in profile is supported.
func (m *Manager) SupportsProfile(profile Profile) bool {
	for _, cap := range GetProfileCapabilities(profile) {
		if !m.Has(cap) {
			return false
		}
	}
	return true
}

// Response builds the agentrpc.CapabilitiesResponse a backend returns from
// its GetCapabilities RPC handler.
func (m *Manager) Response() *agentrpc.CapabilitiesResponse {
	kinds := make([]string, 0, len(m.capabilities))
	for cap := range m.capabilities {
		kinds = append(kinds, string(cap))
	}
	return &agentrpc.CapabilitiesResponse{Kinds: kinds, Version: m.version}
}

// Builder provides a fluent interface for assembling a Manager.
type Builder struct {
	manager *Manager
}

// NewBuilder starts a new capability builder.
func NewBuilder() *Builder {
	return &Builder{manager: NewManager()}
}

func (b *Builder) Profile(profile Profile) *Builder {
	for _, cap := range GetProfileCapabilities(profile) {
		b.manager.Add(cap)
	}
	return b
}

func (b *Builder) Version(version string) *Builder {
	b.manager.SetVersion(version)
	return b
}

// Build returns the assembled capability manager.
func (b *Builder) Build() *Manager {
	return b.manager
}
