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
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-logr/logr"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/machine"
	"github.com/ignitiond/ignitiond/internal/net/ipam"
	"github.com/ignitiond/ignitiond/internal/net/tap"
	"github.com/ignitiond/ignitiond/internal/obs/metrics"
	"github.com/ignitiond/ignitiond/internal/reconerr"
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

// MachineController owns the mapping between a Machine resource and the
// live internal/machine.Machine runtime object it drives. Unlike the
// other controllers in this package it keeps
// in-process state (instances) that outlives any single Reconcile call:
// the machine.Machine is the thing actually running vCPU goroutines.
type MachineController struct {
	tenant string
	log    logr.Logger

	machines *repository.Repository
	volumes  *repository.Repository

	hv  machine.Hypervisor
	cfg *config.Config

	ips  *ipam.Pool
	taps *tap.Pool

	mu        sync.Mutex
	instances map[string]*machine.Machine
}

// NewMachineController wires a MachineController over the given
// repositories and host resources. hv is nil-able in tests that never
// call Reconcile far enough to reach Create.
func NewMachineController(log logr.Logger, tenant string, cfg *config.Config, hv machine.Hypervisor, machines, volumes *repository.Repository, ips *ipam.Pool, taps *tap.Pool) *MachineController {
	return &MachineController{
		tenant:    tenant,
		log:       log.WithName("machine-controller"),
		machines:  machines,
		volumes:   volumes,
		hv:        hv,
		cfg:       cfg,
		ips:       ips,
		taps:      taps,
		instances: make(map[string]*machine.Machine),
	}
}

func (c *MachineController) Name() string { return "machine" }

func (c *MachineController) Schedule(_ context.Context, ev scheduler.Event) (string, bool) {
	return scheduleIfKind("Machine", ev)
}

func (c *MachineController) ShouldReconcile(_ context.Context, key string) bool {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return false
	}
	if _, exists, err := c.machines.Get(tenant, namespace, name); err == nil && exists {
		return true
	}
	c.mu.Lock()
	_, tracked := c.instances[key]
	c.mu.Unlock()
	return tracked
}

// Reconcile implements the Creation/Start/Stop
// lifecycle: on first sight of a Machine resource it allocates a TAP
// and IP, resolves its VolumeMounts, calls machine.Create, starts it,
// and subscribes to its transition stream; on every subsequent pass it
// folds the runtime machine.Machine's Status back into the resource's
// status row. Deletion tears the runtime object down and releases its
// network resources.
func (c *MachineController) Reconcile(ctx context.Context, key string) (scheduler.ReconcileNext, error) {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return scheduler.Done(), nil
	}

	v, exists, err := c.machines.Get(tenant, namespace, name)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("machine controller: get %s: %w", key, err)
	}

	c.mu.Lock()
	inst, tracked := c.instances[key]
	c.mu.Unlock()

	if !exists {
		if tracked {
			c.teardown(key, tenant, namespace, name, inst)
		}
		return scheduler.Done(), nil
	}

	cfg := v.(*resources.MachineV1Beta1)

	if !tracked {
		inst, err = c.provision(ctx, key, tenant, namespace, name, cfg)
		if err != nil {
			_ = c.machines.PatchStatus(tenant, namespace, name, func() any { return &resources.MachineStatus{} }, func(s any) error {
				st := s.(*resources.MachineStatus)
				st.Phase = resources.PhaseError
				st.LastFailureReason = err.Error()
				st.Attempt++
				return nil
			})
			return scheduler.ReconcileNext{}, err
		}

		c.mu.Lock()
		c.instances[key] = inst
		c.mu.Unlock()

		go c.watchInstance(key, tenant, namespace, name, inst)

		if err := inst.Start(); err != nil {
			return scheduler.ReconcileNext{}, fmt.Errorf("machine controller: start %s: %w", key, err)
		}
	}

	return c.syncStatus(tenant, namespace, name, inst)
}

func (c *MachineController) syncStatus(tenant, namespace, name string, inst *machine.Machine) (scheduler.ReconcileNext, error) {
	status := inst.Status()
	if err := c.machines.SetStatus(tenant, namespace, name, &status); err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("machine controller: set status: %w", err)
	}
	metrics.RecordMachineState(string(status.Phase))
	return scheduler.Done(), nil
}

// watchInstance bridges inst.Watch()'s transition stream into the
// resource's status row and a scheduler re-wake, so a transition the
// guest drives asynchronously (e.g. the guest-manager's BootReadyMarker)
// is reflected without the controller having to poll.
func (c *MachineController) watchInstance(key, tenant, namespace, name string, inst *machine.Machine) {
	ch, cancel := inst.Watch()
	defer cancel()
	for range ch {
		_, _ = c.syncStatus(tenant, namespace, name, inst)
	}
}

func (c *MachineController) provision(ctx context.Context, key, tenant, namespace, name string, cfg *resources.MachineV1Beta1) (*machine.Machine, error) {
	tapDev, err := c.taps.Create()
	if err != nil {
		return nil, fmt.Errorf("provision %s: allocate tap: %w", key, err)
	}

	addr, err := c.ips.Reserve(key)
	if err != nil {
		_ = c.taps.Release(tapDev)
		return nil, fmt.Errorf("provision %s: allocate ip: %w", key, err)
	}

	var volumes []machine.BlockDeviceSpec
	mountPoints := make(map[string]string, len(cfg.VolumeMounts))
	for _, vm := range cfg.VolumeMounts {
		_, exists, err := c.volumes.Get(tenant, namespace, vm.VolumeName)
		if err != nil || !exists {
			_ = c.ips.ReleaseByTag(key)
			_ = c.taps.Release(tapDev)
			return nil, fmt.Errorf("provision %s: volume %s not found", key, vm.VolumeName)
		}
		var status resources.VolumeStatus
		if _, _, err := c.volumes.GetStatus(tenant, namespace, vm.VolumeName, &status); err != nil {
			_ = c.ips.ReleaseByTag(key)
			_ = c.taps.Release(tapDev)
			return nil, fmt.Errorf("provision %s: volume %s status: %w", key, vm.VolumeName, err)
		}
		if status.VolumeID == "" {
			_ = c.ips.ReleaseByTag(key)
			_ = c.taps.Release(tapDev)
			return nil, fmt.Errorf("provision %s: volume %s not yet provisioned", key, vm.VolumeName)
		}
		volumes = append(volumes, machine.BlockDeviceSpec{
			Path:            volumeBackingPath(c.cfg.Store.DataDir, tenant, namespace, vm.VolumeName),
			ReadOnly:        vm.ReadOnly,
			CapacitySectors: uint64(status.SizeBytes) / 512,
		})
		mountPoints["/mnt/"+vm.VolumeName] = vm.VolumeName
	}

	kernel, err := os.ReadFile(c.cfg.VMM.KernelPath)
	if err != nil {
		_ = c.ips.ReleaseByTag(key)
		_ = c.taps.Release(tapDev)
		return nil, fmt.Errorf("provision %s: read kernel: %w", key, err)
	}
	var initrd []byte
	if c.cfg.VMM.InitrdPath != "" {
		initrd, _ = os.ReadFile(c.cfg.VMM.InitrdPath)
	}

	if cfg.StateRetentionMode == resources.StateRetentionOnDisk && cfg.StateRetentionPath == "" {
		cfg.StateRetentionPath = c.cfg.Store.DataDir + "/machines/" + name + "/state"
	}

	net := machine.NetDeviceSpec{TAP: tapDev, MAC: macFor(addr.String())}

	params := machine.CreateParams{
		Hypervisor:     c.hv,
		Config:         *cfg,
		KernelImage:    kernel,
		KernelLoadAddr: 0x100000,
		InitrdImage:    initrd,
		InitrdLoadAddr: 0x6000000,
		MountPoints:    mountPoints,
		Volumes:        volumes,
		Net:            net,
		// TODO: source BaseCPUID from KVM_GET_SUPPORTED_CPUID once the
		// Hypervisor interface exposes it; an empty set skips filtering
		// and the guest observes the host's native CPUID leaves.
	}

	m, err := machine.Create(params)
	if err != nil {
		_ = c.ips.ReleaseByTag(key)
		_ = c.taps.Release(tapDev)
		return nil, fmt.Errorf("provision %s: create: %w", key, err)
	}
	return m, nil
}

func (c *MachineController) teardown(key, tenant, namespace, name string, inst *machine.Machine) {
	if inst != nil {
		_ = inst.Stop()
	}
	_ = c.ips.ReleaseByTag(key)
	c.mu.Lock()
	delete(c.instances, key)
	c.mu.Unlock()
}

func (c *MachineController) HandleError(ctx context.Context, key string, err error) scheduler.ReconcileNext {
	tenant, _, namespace, name, ok := splitKey(key)
	attempt := 0
	if ok {
		var status resources.MachineStatus
		if _, found, gerr := c.machines.GetStatus(tenant, namespace, name, &status); gerr == nil && found {
			attempt = status.Attempt
		}
	}
	outcome := reconerr.Classify(err, attempt, c.cfg.Retry)
	if outcome.Done {
		return scheduler.Done()
	}
	return scheduler.After(outcome.After)
}

// volumeBackingPath mirrors VolumeController's path derivation so both
// controllers agree on where a volume's raw image lives without the
// Machine controller needing the Volume controller's internals.
func volumeBackingPath(dataDir, tenant, namespace, name string) string {
	return dataDir + "/agent/volumes/" + tenant + "/" + namespace + "/" + name + ".img"
}

// macFor derives a locally-administered MAC address from the machine's
// allocated IP so the address is stable across restarts without a
// separate persisted reservation (the allocator only reserves IPs and
// ports, not MACs).
func macFor(ip string) [6]byte {
	var mac [6]byte
	mac[0] = 0x52 // locally administered, unicast
	h := ipHash(ip)
	binary.BigEndian.PutUint32(mac[2:], h)
	return mac
}

func ipHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
