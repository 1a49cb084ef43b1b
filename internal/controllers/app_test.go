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

	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

func TestAppControllerFansOutReplicas(t *testing.T) {
	s := newTestStore(t)
	apps := newAppRepo(s)
	machines := newMachineRepo(s)
	volumes := newVolumeRepo(s)
	services := newServiceRepo(s)
	cfg := newTestConfig(t)

	c := NewAppController(testLogger(), testTenant, cfg, apps, machines, volumes, services)

	app := &resources.AppV1{
		Name:         "web",
		Namespace:    "default",
		Image:        "oci://example/web:latest",
		Replicas:     2,
		CPU:          1,
		MemoryMiB:    256,
		VolumeSizeMi: "64Mi",
		Public:       true,
		Port:         8080,
	}
	if err := apps.Set(testTenant, app); err != nil {
		t.Fatalf("Set: %v", err)
	}

	key := resourceKey(testTenant, "App", "default", "web")
	next, err := c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if next == scheduler.Done() {
		t.Fatal("expected a requeue while replicas are not yet Ready")
	}

	var status resources.AppStatus
	if _, ok, err := apps.GetStatus(testTenant, "default", "web", &status); err != nil || !ok {
		t.Fatalf("GetStatus: ok=%v err=%v", ok, err)
	}
	if len(status.MachineNames) != 2 {
		t.Fatalf("MachineNames = %v, want 2 entries", status.MachineNames)
	}
	if len(status.VolumeNames) != 2 {
		t.Fatalf("VolumeNames = %v, want 2 entries", status.VolumeNames)
	}
	if status.ServiceName != "web" {
		t.Fatalf("ServiceName = %q, want %q", status.ServiceName, "web")
	}

	for _, name := range status.MachineNames {
		if _, ok, err := machines.Get(testTenant, "default", name); err != nil || !ok {
			t.Fatalf("expected Machine %s to exist: ok=%v err=%v", name, ok, err)
		}
	}
	for _, name := range status.VolumeNames {
		if _, ok, err := volumes.Get(testTenant, "default", name); err != nil || !ok {
			t.Fatalf("expected Volume %s to exist: ok=%v err=%v", name, ok, err)
		}
	}
	if _, ok, err := services.Get(testTenant, "default", "web"); err != nil || !ok {
		t.Fatalf("expected Service web to exist: ok=%v err=%v", ok, err)
	}

	// Mark every replica Ready; a further reconcile should report Done.
	for _, name := range status.MachineNames {
		if err := machines.SetStatus(testTenant, "default", name, &resources.MachineStatus{Phase: resources.PhaseReady}); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
	}
	next, err = c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("Reconcile after ready: %v", err)
	}
	if next != scheduler.Done() {
		t.Fatalf("expected Done once every replica is Ready, got %+v", next)
	}
}

func TestAppControllerBeforeDeleteRemovesFannedOutResources(t *testing.T) {
	s := newTestStore(t)
	apps := newAppRepo(s)
	machines := newMachineRepo(s)
	volumes := newVolumeRepo(s)
	services := newServiceRepo(s)
	cfg := newTestConfig(t)

	c := NewAppController(testLogger(), testTenant, cfg, apps, machines, volumes, services)

	app := &resources.AppV1{Name: "web", Namespace: "default", Replicas: 1, VolumeSizeMi: "32Mi", Public: true, Port: 80}
	if err := apps.Set(testTenant, app); err != nil {
		t.Fatalf("Set: %v", err)
	}

	key := resourceKey(testTenant, "App", "default", "web")
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if err := c.BeforeDelete(testTenant, "default", "web"); err != nil {
		t.Fatalf("BeforeDelete: %v", err)
	}

	if _, ok, err := machines.Get(testTenant, "default", "web-0"); err != nil || ok {
		t.Fatalf("expected Machine web-0 to be gone: ok=%v err=%v", ok, err)
	}
	if _, ok, err := volumes.Get(testTenant, "default", "web-0"); err != nil || ok {
		t.Fatalf("expected Volume web-0 to be gone: ok=%v err=%v", ok, err)
	}
	if _, ok, err := services.Get(testTenant, "default", "web"); err != nil || ok {
		t.Fatalf("expected Service web to be gone: ok=%v err=%v", ok, err)
	}
}
