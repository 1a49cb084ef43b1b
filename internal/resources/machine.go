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

// MachineMode selects the lifecycle policy a Machine runs under:
// Standard machines run until explicitly stopped; Flash machines
// suspend themselves per a SnapshotPolicy.
type MachineMode string

const (
	MachineModeStandard MachineMode = "standard"
	MachineModeFlash    MachineMode = "flash"
)

// SnapshotPolicyKind enumerates the Flash-mode snapshot policies.
type SnapshotPolicyKind string

const (
	SnapshotWaitForNthListen     SnapshotPolicyKind = "wait-for-nth-listen"
	SnapshotWaitForFirstListen   SnapshotPolicyKind = "wait-for-first-listen"
	SnapshotWaitForListenOnPort  SnapshotPolicyKind = "wait-for-listen-on-port"
	SnapshotManual               SnapshotPolicyKind = "manual"
)

// SnapshotPolicy parameterizes the chosen SnapshotPolicyKind.
type SnapshotPolicy struct {
	Kind SnapshotPolicyKind `json:"kind"`
	N    int                `json:"n,omitempty"`    // for WaitForNthListen
	Port int                `json:"port,omitempty"` // for WaitForListenOnPort
}

// StateRetentionMode chooses how a Suspended machine's state is kept.
type StateRetentionMode string

const (
	StateRetentionInMemory StateRetentionMode = "in-memory"
	StateRetentionOnDisk   StateRetentionMode = "on-disk"
)

// MachineResources is the resources sub-struct of a Machine's config:
// CPU count and memory in MiB.
type MachineResources struct {
	CPU       int   `json:"cpu"`
	MemoryMiB int64 `json:"memoryMib"`
}

// VolumeMount binds a Volume resource into the machine as a virtio-blk
// device.
type VolumeMount struct {
	VolumeName string `json:"volumeName"`
	ReadOnly   bool   `json:"readOnly,omitempty"`
}

// NetworkConfig configures the machine's primary virtio-net interface.
type NetworkConfig struct {
	AttachmentName string `json:"attachmentName,omitempty"`
	MACAddress     string `json:"macAddress,omitempty"`
}

// MachineV1Alpha1 is the Stored version of Machine: resources, network,
// and volumes each get their own sub-struct instead of a flat field list.
type MachineV1Alpha1 struct {
	Name               string             `json:"name"`
	Namespace          string             `json:"namespace,omitempty"`
	Mode               MachineMode        `json:"mode"`
	SnapshotPolicy     SnapshotPolicy     `json:"snapshotPolicy,omitempty"`
	StateRetentionMode StateRetentionMode `json:"stateRetentionMode,omitempty"`
	StateRetentionPath string             `json:"stateRetentionPath,omitempty"`
	Resources          MachineResources   `json:"resources"`
	Image              string             `json:"image"`
	Envs               map[string]string  `json:"envs,omitempty"`
	VolumeMounts       []VolumeMount      `json:"volumeMounts,omitempty"`
	Network            NetworkConfig      `json:"network,omitempty"`
}

func (m *MachineV1Alpha1) GetName() string      { return m.Name }
func (m *MachineV1Alpha1) GetNamespace() string { return m.Namespace }

// SetMeta stamps identity from the request path; promoted to
// MachineV1Beta1 through the embedded struct.
func (m *MachineV1Alpha1) SetMeta(namespace, name string) {
	m.Namespace, m.Name = namespace, name
}

// MachineV1Beta1 is the Latest version: it additionally carries an
// explicit boot timeout, a field the original distillation left implicit
// in global config.
type MachineV1Beta1 struct {
	MachineV1Alpha1
	BootTimeoutSeconds int `json:"bootTimeoutSeconds,omitempty"`
}

func (m *MachineV1Beta1) GetName() string      { return m.Name }
func (m *MachineV1Beta1) GetNamespace() string { return m.Namespace }

const DefaultBootTimeoutSeconds = 60

func machineV1ToV2(v resource.Value) (resource.Value, error) {
	in := v.(*MachineV1Alpha1)
	return &MachineV1Beta1{MachineV1Alpha1: *in, BootTimeoutSeconds: DefaultBootTimeoutSeconds}, nil
}

func machineV2ToV1(v resource.Value) (resource.Value, error) {
	in := v.(*MachineV1Beta1)
	out := in.MachineV1Alpha1
	return &out, nil
}

// MachinePhase enumerates a Machine's lifecycle states.
type MachinePhase string

const (
	PhaseIdle       MachinePhase = "Idle"
	PhaseBooting    MachinePhase = "Booting"
	PhaseReady      MachinePhase = "Ready"
	PhaseSuspending MachinePhase = "Suspending"
	PhaseSuspended  MachinePhase = "Suspended"
	PhaseStopping   MachinePhase = "Stopping"
	PhaseStopped    MachinePhase = "Stopped"
	PhaseError      MachinePhase = "Error"
)

// MachineStatus is the controller-owned status record for a Machine.
type MachineStatus struct {
	Phase              MachinePhase `json:"phase,omitempty"`
	ErrorMessage       string       `json:"errorMessage,omitempty"`
	BootDurationMillis int64        `json:"bootDurationMillis,omitempty"`
	IPAddress          string       `json:"ipAddress,omitempty"`
	TapDevice          string       `json:"tapDevice,omitempty"`
	LastFailureReason  string       `json:"lastFailureReason,omitempty"`
	Attempt            int          `json:"attempt,omitempty"`
}

// MachineKind is the registered resource.Kind for Machine.
var MachineKind = &resource.Kind{
	Name:       "Machine",
	Namespaced: true,
	Versions: []resource.VersionInfo{
		{
			Name:   "v1alpha1",
			Served: true,
			Stored: true,
			New:    func() resource.Value { return &MachineV1Alpha1{} },
			Up:     machineV1ToV2,
		},
		{
			Name:   "v1beta1",
			Served: true,
			Latest: true,
			New:    func() resource.Value { return &MachineV1Beta1{} },
			Down:   machineV2ToV1,
		},
	},
}

func init() {
	resource.Global.Register(MachineKind)
}
