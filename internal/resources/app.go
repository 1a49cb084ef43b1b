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

// AppV1 is a higher-level convenience resource: it bundles an OCI image
// reference, a Volume template, and a Machine template, fanning out into
// the per-replica Machine and Volume resources the Machine/Volume
// controllers actually reconcile.
type AppV1 struct {
	Name         string            `json:"name"`
	Namespace    string            `json:"namespace,omitempty"`
	Image        string            `json:"image"`
	Replicas     int               `json:"replicas"`
	CPU          int               `json:"cpu"`
	MemoryMiB    int64             `json:"memoryMib"`
	VolumeSizeMi string            `json:"volumeSize,omitempty"`
	Envs         map[string]string `json:"envs,omitempty"`
	Public       bool              `json:"public,omitempty"`
	Port         int               `json:"port,omitempty"`
}

func (a *AppV1) GetName() string      { return a.Name }
func (a *AppV1) GetNamespace() string { return a.Namespace }

func (a *AppV1) SetMeta(namespace, name string) {
	a.Namespace, a.Name = namespace, name
}

// AppStatus records the derived Machine/Volume/Service names and their
// aggregate readiness.
type AppStatus struct {
	ReadyReplicas     int      `json:"readyReplicas"`
	MachineNames      []string `json:"machineNames,omitempty"`
	VolumeNames       []string `json:"volumeNames,omitempty"`
	ServiceName       string   `json:"serviceName,omitempty"`
	LastFailureReason string   `json:"lastFailureReason,omitempty"`
}

// AppKind is the registered resource.Kind for App.
var AppKind = &resource.Kind{
	Name:       "App",
	Namespaced: true,
	Versions: []resource.VersionInfo{
		{
			Name:   "v1",
			Served: true,
			Stored: true,
			Latest: true,
			New:    func() resource.Value { return &AppV1{} },
		},
	},
}

func init() {
	resource.Global.Register(AppKind)
}
