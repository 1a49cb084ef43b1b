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
	"errors"
	"testing"
	"time"

	"github.com/ignitiond/ignitiond/internal/net/ipam"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

func TestMachineControllerSchedule(t *testing.T) {
	s := newTestStore(t)
	machines := newMachineRepo(s)
	volumes := newVolumeRepo(s)
	cfg := newTestConfig(t)

	pool, err := ipam.New(s, testTenant, "172.30.0.0/24")
	if err != nil {
		t.Fatalf("ipam.New: %v", err)
	}
	c := NewMachineController(testLogger(), testTenant, cfg, nil, machines, volumes, pool, nil)

	if _, ok := c.Schedule(context.Background(), eventFor("Volume", "default", "x")); ok {
		t.Fatal("expected Schedule to ignore non-Machine events")
	}
	key, ok := c.Schedule(context.Background(), eventFor("Machine", "default", "vm-0"))
	if !ok || key == "" {
		t.Fatal("expected Schedule to claim a Machine event")
	}
}

func TestMachineControllerShouldReconcileDeletedAndUntracked(t *testing.T) {
	s := newTestStore(t)
	machines := newMachineRepo(s)
	volumes := newVolumeRepo(s)
	cfg := newTestConfig(t)

	pool, err := ipam.New(s, testTenant, "172.30.0.0/24")
	if err != nil {
		t.Fatalf("ipam.New: %v", err)
	}
	c := NewMachineController(testLogger(), testTenant, cfg, nil, machines, volumes, pool, nil)

	key := resourceKey(testTenant, "Machine", "default", "vm-0")
	if c.ShouldReconcile(context.Background(), key) {
		t.Fatal("expected ShouldReconcile to skip a resource that neither exists nor is tracked")
	}

	// A deleted-but-still-tracked instance must still be reconciled once
	// so the controller can tear it down.
	c.mu.Lock()
	c.instances[key] = nil
	c.mu.Unlock()
	if !c.ShouldReconcile(context.Background(), key) {
		t.Fatal("expected ShouldReconcile to still reconcile a tracked instance")
	}
}

func TestMachineControllerReconcileAbsentAndUntrackedIsNoop(t *testing.T) {
	s := newTestStore(t)
	machines := newMachineRepo(s)
	volumes := newVolumeRepo(s)
	cfg := newTestConfig(t)

	pool, err := ipam.New(s, testTenant, "172.30.0.0/24")
	if err != nil {
		t.Fatalf("ipam.New: %v", err)
	}
	c := NewMachineController(testLogger(), testTenant, cfg, nil, machines, volumes, pool, nil)

	key := resourceKey(testTenant, "Machine", "default", "vm-0")
	next, err := c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if next != scheduler.Done() {
		t.Fatalf("expected Done for an absent, untracked key, got %+v", next)
	}
}

func TestMachineControllerHandleErrorUsesStatusAttempt(t *testing.T) {
	s := newTestStore(t)
	machines := newMachineRepo(s)
	volumes := newVolumeRepo(s)
	cfg := newTestConfig(t)
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Hour
	cfg.Retry.Multiplier = 2

	pool, err := ipam.New(s, testTenant, "172.30.0.0/24")
	if err != nil {
		t.Fatalf("ipam.New: %v", err)
	}
	c := NewMachineController(testLogger(), testTenant, cfg, nil, machines, volumes, pool, nil)

	if err := machines.SetStatus(testTenant, "default", "vm-0", &resources.MachineStatus{Attempt: 3}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	key := resourceKey(testTenant, "Machine", "default", "vm-0")
	next := c.HandleError(context.Background(), key, errors.New("boom"))
	if next == scheduler.Done() {
		t.Fatal("expected a plain error to be classified as retryable")
	}
	if want := scheduler.After(cfg.Retry.Backoff(3)); next != want {
		t.Fatalf("expected the backoff for status attempt 3 (%+v), got %+v", want, next)
	}
}

func TestMacForIsStableForSameIP(t *testing.T) {
	a := macFor("172.30.0.5")
	b := macFor("172.30.0.5")
	if a != b {
		t.Fatalf("macFor is not stable: %v != %v", a, b)
	}
	if a[0] != 0x52 {
		t.Fatalf("expected locally-administered bit set, got %02x", a[0])
	}

	c := macFor("172.30.0.6")
	if a == c {
		t.Fatal("expected different IPs to hash to different MACs")
	}
}

func TestVolumeBackingPathIsConsistent(t *testing.T) {
	p1 := volumeBackingPath("/data", "acme", "default", "disk")
	p2 := volumeBackingPath("/data", "acme", "default", "disk")
	if p1 != p2 {
		t.Fatal("volumeBackingPath is not deterministic")
	}
}
