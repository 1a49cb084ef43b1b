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

// Package resources registers the concrete resource Kinds this daemon
// serves (Machine, Volume, Service, Certificate, App) with
// internal/resource.Global: each kind declares a single VersionInfo
// chain instead of a hand-written ConvertTo/ConvertFrom pair.
package resources

import (
	"fmt"

	"github.com/ignitiond/ignitiond/internal/resource"
)

// VolumeMode is a standalone Volume resource's disk mode.
type VolumeMode string

const (
	VolumeModeWriteable VolumeMode = "writeable"
	VolumeModeReadOnly  VolumeMode = "readonly"
)

// VolumeV1Alpha1 is the first, now-Stored, version of the Volume
// resource: sizes were given as a human string ("64Mi").
type VolumeV1Alpha1 struct {
	Name      string     `json:"name"`
	Namespace string     `json:"namespace,omitempty"`
	Mode      VolumeMode `json:"mode"`
	Size      string     `json:"size"`
}

func (v *VolumeV1Alpha1) GetName() string      { return v.Name }
func (v *VolumeV1Alpha1) GetNamespace() string { return v.Namespace }

// SetMeta stamps identity from the request path; the URL, not the
// body, is authoritative for namespace and name.
func (v *VolumeV1Alpha1) SetMeta(namespace, name string) {
	v.Namespace, v.Name = namespace, name
}

// VolumeV1Beta1 is the Latest, Served version: size is a resolved byte
// count, matching VolumeStatus.SizeBytes so the hash-lock comparison in
// admission needs no unit conversion.
type VolumeV1Beta1 struct {
	Name      string     `json:"name"`
	Namespace string     `json:"namespace,omitempty"`
	Mode      VolumeMode `json:"mode"`
	SizeBytes int64      `json:"sizeBytes"`
}

func (v *VolumeV1Beta1) GetName() string      { return v.Name }
func (v *VolumeV1Beta1) GetNamespace() string { return v.Namespace }

func (v *VolumeV1Beta1) SetMeta(namespace, name string) {
	v.Namespace, v.Name = namespace, name
}

// VolumeStatus is the controller-owned status record for a Volume:
// its content hash, backing volume ID, and resolved size in bytes.
type VolumeStatus struct {
	Hash              string `json:"hash,omitempty"`
	VolumeID          string `json:"volumeId,omitempty"`
	SizeBytes         int64  `json:"sizeBytes,omitempty"`
	LastFailureReason string `json:"lastFailureReason,omitempty"`
}

func volumeV1ToV2(v resource.Value) (resource.Value, error) {
	in := v.(*VolumeV1Alpha1)
	size, err := ParseSize(in.Size)
	if err != nil {
		return nil, fmt.Errorf("volume %s/%s: %w", in.Namespace, in.Name, err)
	}
	return &VolumeV1Beta1{Name: in.Name, Namespace: in.Namespace, Mode: in.Mode, SizeBytes: size}, nil
}

func volumeV2ToV1(v resource.Value) (resource.Value, error) {
	in := v.(*VolumeV1Beta1)
	return &VolumeV1Alpha1{Name: in.Name, Namespace: in.Namespace, Mode: in.Mode, Size: FormatSize(in.SizeBytes)}, nil
}

// VolumeKind is the registered resource.Kind for Volume.
var VolumeKind = &resource.Kind{
	Name:       "Volume",
	Namespaced: true,
	Versions: []resource.VersionInfo{
		{
			Name:   "v1alpha1",
			Served: true,
			Stored: true,
			New:    func() resource.Value { return &VolumeV1Alpha1{} },
			Up:     volumeV1ToV2,
		},
		{
			Name:   "v1beta1",
			Served: true,
			Latest: true,
			New:    func() resource.Value { return &VolumeV1Beta1{} },
			Down:   volumeV2ToV1,
		},
	},
}

func init() {
	resource.Global.Register(VolumeKind)
}
