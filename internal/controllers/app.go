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
	"fmt"

	"github.com/go-logr/logr"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/reconerr"
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

// AppController fans an App resource's replica count out into per-replica
// Machine and Volume resources, plus a single Service if the app is
// Public. Unlike MachineController it owns no runtime state of its own:
// every replica it creates is reconciled to completion by MachineController
// and VolumeController independently, and AppController only aggregates
// their status back onto the App.
type AppController struct {
	tenant string
	log    logr.Logger

	apps     *repository.Repository
	machines *repository.Repository
	volumes  *repository.Repository
	services *repository.Repository

	cfg *config.Config
}

func NewAppController(log logr.Logger, tenant string, cfg *config.Config, apps, machines, volumes, services *repository.Repository) *AppController {
	return &AppController{
		tenant:   tenant,
		log:      log.WithName("app-controller"),
		apps:     apps,
		machines: machines,
		volumes:  volumes,
		services: services,
		cfg:      cfg,
	}
}

func (c *AppController) Name() string { return "app" }

func (c *AppController) Schedule(_ context.Context, ev scheduler.Event) (string, bool) {
	return scheduleIfKind("App", ev)
}

func (c *AppController) ShouldReconcile(_ context.Context, key string) bool {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return false
	}
	_, exists, err := c.apps.Get(tenant, namespace, name)
	return err == nil && exists
}

func (c *AppController) Reconcile(ctx context.Context, key string) (scheduler.ReconcileNext, error) {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return scheduler.Done(), nil
	}

	v, exists, err := c.apps.Get(tenant, namespace, name)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("app controller: get %s: %w", key, err)
	}
	if !exists {
		return scheduler.Done(), nil
	}
	app := v.(*resources.AppV1)

	var status resources.AppStatus
	status.MachineNames = make([]string, 0, app.Replicas)
	status.VolumeNames = make([]string, 0, app.Replicas)

	for i := 0; i < app.Replicas; i++ {
		repName := fmt.Sprintf("%s-%d", app.Name, i)

		var mounts []resources.VolumeMount
		if app.VolumeSizeMi != "" {
			if err := c.ensureVolume(tenant, namespace, repName, app); err != nil {
				status.LastFailureReason = err.Error()
				_ = c.apps.SetStatus(tenant, namespace, name, &status)
				return scheduler.ReconcileNext{}, fmt.Errorf("app controller: %s replica %d: %w", key, i, err)
			}
			status.VolumeNames = append(status.VolumeNames, repName)
			mounts = []resources.VolumeMount{{VolumeName: repName}}
		}

		if err := c.ensureMachine(tenant, namespace, repName, app, mounts); err != nil {
			status.LastFailureReason = err.Error()
			_ = c.apps.SetStatus(tenant, namespace, name, &status)
			return scheduler.ReconcileNext{}, fmt.Errorf("app controller: %s replica %d: %w", key, i, err)
		}
		status.MachineNames = append(status.MachineNames, repName)

		var mstatus resources.MachineStatus
		if _, found, _ := c.machines.GetStatus(tenant, namespace, repName, &mstatus); found && mstatus.Phase == resources.PhaseReady {
			status.ReadyReplicas++
		}
	}

	if app.Public && app.Replicas > 0 {
		svcName := app.Name
		if err := c.ensureService(tenant, namespace, svcName, app); err != nil {
			status.LastFailureReason = err.Error()
			_ = c.apps.SetStatus(tenant, namespace, name, &status)
			return scheduler.ReconcileNext{}, fmt.Errorf("app controller: %s service: %w", key, err)
		}
		status.ServiceName = svcName
	}

	status.LastFailureReason = ""
	if err := c.apps.SetStatus(tenant, namespace, name, &status); err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("app controller: set status %s: %w", key, err)
	}

	if status.ReadyReplicas < app.Replicas {
		return scheduler.After(readinessPoll), nil
	}
	return scheduler.Done(), nil
}

func (c *AppController) ensureVolume(tenant, namespace, name string, app *resources.AppV1) error {
	if _, exists, err := c.volumes.Get(tenant, namespace, name); err != nil {
		return err
	} else if exists {
		return nil
	}
	size, err := resources.ParseSize(app.VolumeSizeMi)
	if err != nil {
		return fmt.Errorf("parse volume_size_mi %q: %w", app.VolumeSizeMi, err)
	}
	return c.volumes.Set(tenant, &resources.VolumeV1Beta1{
		Name:      name,
		Namespace: namespace,
		Mode:      resources.VolumeModeWriteable,
		SizeBytes: size,
	})
}

func (c *AppController) ensureMachine(tenant, namespace, name string, app *resources.AppV1, mounts []resources.VolumeMount) error {
	if _, exists, err := c.machines.Get(tenant, namespace, name); err != nil {
		return err
	} else if exists {
		return nil
	}
	return c.machines.Set(tenant, &resources.MachineV1Beta1{
		MachineV1Alpha1: resources.MachineV1Alpha1{
			Name:         name,
			Namespace:    namespace,
			Mode:         resources.MachineModeStandard,
			Resources:    resources.MachineResources{CPU: app.CPU, MemoryMiB: app.MemoryMiB},
			Image:        app.Image,
			Envs:         app.Envs,
			VolumeMounts: mounts,
		},
		BootTimeoutSeconds: resources.DefaultBootTimeoutSeconds,
	})
}

func (c *AppController) ensureService(tenant, namespace, name string, app *resources.AppV1) error {
	if _, exists, err := c.services.Get(tenant, namespace, name); err != nil {
		return err
	} else if exists {
		return nil
	}
	return c.services.Set(tenant, &resources.ServiceV1{
		Name:       name,
		Namespace:  namespace,
		TargetName: fmt.Sprintf("%s-0", app.Name),
		TargetPort: app.Port,
		Public:     app.Public,
	})
}

func (c *AppController) HandleError(_ context.Context, _ string, err error) scheduler.ReconcileNext {
	outcome := reconerr.Classify(err, 0, c.cfg.Retry)
	if outcome.Done {
		return scheduler.Done()
	}
	return scheduler.After(outcome.After)
}

// BeforeDelete removes the Machine, Volume, and Service resources this
// App fanned out: deleting a resource frees everything it reserved.
// The child names (MachineNames, VolumeNames, ServiceName) are read from
// the App's current status rather than derived from the resource body,
// since the caller may have already changed Replicas down to zero.
func (c *AppController) BeforeDelete(tenant, namespace, name string) error {
	var status resources.AppStatus
	if _, found, err := c.apps.GetStatus(tenant, namespace, name, &status); err != nil {
		return fmt.Errorf("app controller: before_delete status %s/%s: %w", namespace, name, err)
	} else if !found {
		return nil
	}

	if status.ServiceName != "" {
		if err := c.services.Delete(tenant, namespace, status.ServiceName); err != nil {
			return fmt.Errorf("app controller: delete service %s: %w", status.ServiceName, err)
		}
	}
	for _, m := range status.MachineNames {
		if err := c.machines.Delete(tenant, namespace, m); err != nil {
			return fmt.Errorf("app controller: delete machine %s: %w", m, err)
		}
	}
	for _, vol := range status.VolumeNames {
		if err := c.volumes.Delete(tenant, namespace, vol); err != nil {
			return fmt.Errorf("app controller: delete volume %s: %w", vol, err)
		}
	}
	return nil
}
