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
	"time"

	"github.com/go-logr/logr"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/net/portalloc"
	"github.com/ignitiond/ignitiond/internal/reconerr"
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

// readinessPoll is how often ServiceController re-checks a target
// Machine's readiness once a port is allocated but the target has not
// yet reached PhaseReady.
const readinessPoll = 2 * time.Second

// ServiceController allocates the external TCP port a Service resource
// routes to its target Machine, and tracks
// target readiness so the Service's own status reflects whether traffic
// can actually reach the Machine yet.
type ServiceController struct {
	log logr.Logger

	services *repository.Repository
	machines *repository.Repository
	ports    *portalloc.Allocator
	cfg      *config.Config
}

func NewServiceController(log logr.Logger, cfg *config.Config, services, machines *repository.Repository, ports *portalloc.Allocator) *ServiceController {
	return &ServiceController{
		log:      log.WithName("service-controller"),
		services: services,
		machines: machines,
		ports:    ports,
		cfg:      cfg,
	}
}

func (c *ServiceController) Name() string { return "service" }

func (c *ServiceController) Schedule(_ context.Context, ev scheduler.Event) (string, bool) {
	return scheduleIfKind("Service", ev)
}

func (c *ServiceController) ShouldReconcile(_ context.Context, key string) bool {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return false
	}
	_, exists, err := c.services.Get(tenant, namespace, name)
	return err == nil && exists
}

func (c *ServiceController) Reconcile(ctx context.Context, key string) (scheduler.ReconcileNext, error) {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return scheduler.Done(), nil
	}

	v, exists, err := c.services.Get(tenant, namespace, name)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("service controller: get %s: %w", key, err)
	}
	if !exists {
		return scheduler.Done(), nil
	}
	svc := v.(*resources.ServiceV1)

	var status resources.ServiceStatus
	_, hasStatus, err := c.services.GetStatus(tenant, namespace, name, &status)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("service controller: get status %s: %w", key, err)
	}

	if !hasStatus || status.AllocatedPort == 0 {
		port, err := c.ports.Allocate(portalloc.Owner{Tenant: tenant, Namespace: namespace, Name: name})
		if err != nil {
			status.LastFailureReason = err.Error()
			_ = c.services.SetStatus(tenant, namespace, name, &status)
			return scheduler.ReconcileNext{}, fmt.Errorf("service controller: allocate port %s: %w", key, err)
		}
		status.AllocatedPort = port
		status.LastFailureReason = ""
		if err := c.services.SetStatus(tenant, namespace, name, &status); err != nil {
			return scheduler.ReconcileNext{}, fmt.Errorf("service controller: set status %s: %w", key, err)
		}
	}

	var targetStatus resources.MachineStatus
	_, found, err := c.machines.GetStatus(tenant, namespace, svc.TargetName, &targetStatus)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("service controller: target status %s: %w", key, err)
	}
	if !found || targetStatus.Phase != resources.PhaseReady {
		return scheduler.After(readinessPoll), nil
	}
	return scheduler.Done(), nil
}

func (c *ServiceController) HandleError(_ context.Context, _ string, err error) scheduler.ReconcileNext {
	outcome := reconerr.Classify(err, 0, c.cfg.Retry)
	if outcome.Done {
		return scheduler.Done()
	}
	return scheduler.After(outcome.After)
}

// BeforeDelete releases the Service's allocated port.
func (c *ServiceController) BeforeDelete(tenant, namespace, name string) error {
	return c.ports.ReleaseByOwner(portalloc.Owner{Tenant: tenant, Namespace: namespace, Name: name})
}
