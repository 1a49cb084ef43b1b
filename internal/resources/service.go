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

package resources

import "github.com/ignitiond/ignitiond/internal/resource"

// ServiceV1 is the single (Stored, Served, Latest) version of the
// Service resource: a service-mesh route from an external/internal
// TCP port to a target Machine port, backed by internal/net/portalloc.
type ServiceV1 struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace,omitempty"`
	TargetName string `json:"targetName"` // Machine name this service routes to
	TargetPort int    `json:"targetPort"`
	Public     bool   `json:"public,omitempty"`
}

func (s *ServiceV1) GetName() string      { return s.Name }
func (s *ServiceV1) GetNamespace() string { return s.Namespace }

func (s *ServiceV1) SetMeta(namespace, name string) {
	s.Namespace, s.Name = namespace, name
}

// ServiceStatus records the allocated external port once the controller
// has reconciled the Service at least once.
type ServiceStatus struct {
	AllocatedPort     int    `json:"allocatedPort,omitempty"`
	LastFailureReason string `json:"lastFailureReason,omitempty"`
}

// ServiceKind is the registered resource.Kind for Service. It has only
// one version: not every kind needs a conversion chain, only that the
// chain machinery be available when a kind needs it.
var ServiceKind = &resource.Kind{
	Name:       "Service",
	Namespaced: true,
	Versions: []resource.VersionInfo{
		{
			Name:   "v1",
			Served: true,
			Stored: true,
			Latest: true,
			New:    func() resource.Value { return &ServiceV1{} },
		},
	},
}

func init() {
	resource.Global.Register(ServiceKind)
}
