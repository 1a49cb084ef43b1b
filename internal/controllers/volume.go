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

package controllers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/diskutil"
	"github.com/ignitiond/ignitiond/internal/reconerr"
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

// VolumeController provisions the raw backing file behind a Volume
// resource and enforces the hash-lock once it exists: size is fixed
// after first reconcile, so provisioning is idempotent and never
// revisited once status.Hash is set (resources.VolumeAdmission rejects
// the resize at the repository layer before Reconcile ever sees it).
type VolumeController struct {
	tenant string
	log    logr.Logger

	volumes *repository.Repository
	cfg     *config.Config
	qimg    *diskutil.QemuImg
}

// NewVolumeController wires a VolumeController over the Volume
// repository, using cfg.Store.DataDir as the backing-file root.
func NewVolumeController(log logr.Logger, tenant string, cfg *config.Config, volumes *repository.Repository) *VolumeController {
	return &VolumeController{
		tenant:  tenant,
		log:     log.WithName("volume-controller"),
		volumes: volumes,
		cfg:     cfg,
		qimg:    diskutil.NewQemuImg(),
	}
}

func (c *VolumeController) Name() string { return "volume" }

func (c *VolumeController) Schedule(_ context.Context, ev scheduler.Event) (string, bool) {
	return scheduleIfKind("Volume", ev)
}

func (c *VolumeController) ShouldReconcile(_ context.Context, key string) bool {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return false
	}
	_, exists, err := c.volumes.Get(tenant, namespace, name)
	return err == nil && exists
}

func (c *VolumeController) Reconcile(ctx context.Context, key string) (scheduler.ReconcileNext, error) {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return scheduler.Done(), nil
	}

	v, exists, err := c.volumes.Get(tenant, namespace, name)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("volume controller: get %s: %w", key, err)
	}
	if !exists {
		return scheduler.Done(), nil
	}
	vol := v.(*resources.VolumeV1Beta1)

	var status resources.VolumeStatus
	_, hasStatus, err := c.volumes.GetStatus(tenant, namespace, name, &status)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("volume controller: get status %s: %w", key, err)
	}
	if hasStatus && status.VolumeID != "" {
		return scheduler.Done(), nil
	}

	path := volumeBackingPath(c.cfg.Store.DataDir, tenant, namespace, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("volume controller: mkdir %s: %w", key, err)
	}
	if err := c.qimg.Create(ctx, path, vol.SizeBytes); err != nil {
		status.LastFailureReason = err.Error()
		_ = c.volumes.SetStatus(tenant, namespace, name, &status)
		return scheduler.ReconcileNext{}, fmt.Errorf("volume controller: create image %s: %w", key, err)
	}

	status.Hash = volumeHash(vol)
	status.VolumeID = uuid.NewString()
	status.SizeBytes = vol.SizeBytes
	status.LastFailureReason = ""
	if err := c.volumes.SetStatus(tenant, namespace, name, &status); err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("volume controller: set status %s: %w", key, err)
	}
	return scheduler.Done(), nil
}

func (c *VolumeController) HandleError(_ context.Context, _ string, err error) scheduler.ReconcileNext {
	outcome := reconerr.Classify(err, 0, c.cfg.Retry)
	if outcome.Done {
		return scheduler.Done()
	}
	return scheduler.After(outcome.After)
}

// BeforeDelete removes the backing file once a Volume resource is
// deleted: deleting a resource frees everything it reserved.
func (c *VolumeController) BeforeDelete(tenant, namespace, name string) error {
	path := volumeBackingPath(c.cfg.Store.DataDir, tenant, namespace, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("volume controller: remove backing file: %w", err)
	}
	return nil
}

func volumeHash(v *resources.VolumeV1Beta1) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s:%s:%d", v.Namespace, v.Name, v.Mode, v.SizeBytes)))
	return hex.EncodeToString(sum[:])
}
