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

package api

import (
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
)

// Repos collects the per-kind repositories the daemon serves.
type Repos struct {
	Machines     *repository.Repository
	Volumes      *repository.Repository
	Services     *repository.Repository
	Certificates *repository.Repository
	Apps         *repository.Repository
}

// DefaultBindings wires every registered kind to its URL path and
// status schema.
func DefaultBindings(r Repos) []Binding {
	return []Binding{
		{Kind: resources.MachineKind, Repo: r.Machines, PathName: "machines",
			NewStatus: func() any { return &resources.MachineStatus{} }},
		{Kind: resources.VolumeKind, Repo: r.Volumes, PathName: "volumes",
			NewStatus: func() any { return &resources.VolumeStatus{} }},
		{Kind: resources.ServiceKind, Repo: r.Services, PathName: "services",
			NewStatus: func() any { return &resources.ServiceStatus{} }},
		{Kind: resources.CertificateKind, Repo: r.Certificates, PathName: "certificates",
			NewStatus: func() any { return &resources.CertificateStatus{} }},
		{Kind: resources.AppKind, Repo: r.Apps, PathName: "apps",
			NewStatus: func() any { return &resources.AppStatus{} }},
	}
}
