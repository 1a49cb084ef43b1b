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

import (
	"fmt"

	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resource"
)

// VolumeAdmission builds the hash-lock admission hook for Volume: once
// status.Hash has been populated by the first successful reconcile, a
// PUT that changes SizeBytes is rejected with a Conflict. volumeRepo
// must be the same *repository.Repository this AdmissionFunc is
// eventually installed on via SetAdmission -- wiring it this way
// (rather than threading status through the AdmissionFunc signature)
// keeps the interface in internal/repository generic across every
// resource kind. tenant is the fixed tenant this single-host daemon
// serves: no mutable globals, so it is bound once at construction
// instead of read from process state.
func VolumeAdmission(volumeRepo *repository.Repository, tenant string) repository.AdmissionFunc {
	return func(existing, candidate resource.Value) error {
		if existing == nil {
			return nil
		}
		cur := candidate.(*VolumeV1Beta1)
		prev := existing.(*VolumeV1Beta1)

		var status VolumeStatus
		_, ok, err := volumeRepo.GetStatus(tenant, cur.Namespace, cur.Name, &status)
		if err != nil {
			return fmt.Errorf("volume admission: read status: %w", err)
		}
		if ok && status.Hash != "" && cur.SizeBytes != prev.SizeBytes {
			return fmt.Errorf("volume %s/%s: size is hash-locked after first reconcile, cannot change %d -> %d", cur.Namespace, cur.Name, prev.SizeBytes, cur.SizeBytes)
		}
		return nil
	}
}
