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
	"testing"

	"github.com/ignitiond/ignitiond/internal/net/portalloc"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

func TestServiceControllerAllocatesPortThenWaitsForTarget(t *testing.T) {
	s := newTestStore(t)
	services := newServiceRepo(s)
	machines := newMachineRepo(s)
	cfg := newTestConfig(t)

	ports, err := portalloc.New(s, testTenant, 31000, 31002)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}

	c := NewServiceController(testLogger(), cfg, services, machines, ports)

	svc := &resources.ServiceV1{Name: "web", Namespace: "default", TargetName: "vm-0", TargetPort: 8080, Public: true}
	if err := services.Set(testTenant, svc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	key := resourceKey(testTenant, "Service", "default", "web")
	next, err := c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if next == scheduler.Done() {
		t.Fatal("expected a requeue while target Machine is not Ready")
	}

	var status resources.ServiceStatus
	if _, ok, err := services.GetStatus(testTenant, "default", "web", &status); err != nil || !ok {
		t.Fatalf("GetStatus: ok=%v err=%v", ok, err)
	}
	if status.AllocatedPort < 31000 || status.AllocatedPort > 31002 {
		t.Fatalf("AllocatedPort = %d, want in [31000,31002]", status.AllocatedPort)
	}

	// Target becomes Ready.
	if err := machines.SetStatus(testTenant, "default", "vm-0", &resources.MachineStatus{Phase: resources.PhaseReady}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	next, err = c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("Reconcile after ready: %v", err)
	}
	if next != scheduler.Done() {
		t.Fatalf("expected Done once target is Ready, got %+v", next)
	}

	// Port is stable across reconciles.
	var status2 resources.ServiceStatus
	if _, _, err := services.GetStatus(testTenant, "default", "web", &status2); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status2.AllocatedPort != status.AllocatedPort {
		t.Fatalf("AllocatedPort changed across reconciles: %d -> %d", status.AllocatedPort, status2.AllocatedPort)
	}
}

func TestServiceControllerBeforeDeleteReleasesPort(t *testing.T) {
	s := newTestStore(t)
	services := newServiceRepo(s)
	machines := newMachineRepo(s)
	cfg := newTestConfig(t)

	ports, err := portalloc.New(s, testTenant, 31100, 31100)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	c := NewServiceController(testLogger(), cfg, services, machines, ports)

	owner := portalloc.Owner{Tenant: testTenant, Namespace: "default", Name: "web"}
	if _, err := ports.Allocate(owner); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := c.BeforeDelete(testTenant, "default", "web"); err != nil {
		t.Fatalf("BeforeDelete: %v", err)
	}

	if _, err := ports.Allocate(owner); err != nil {
		t.Fatalf("expected port to be reusable after release, Allocate failed: %v", err)
	}
}
