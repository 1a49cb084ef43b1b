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

package machine

import (
	"fmt"
	"sync"
	"time"

	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/vmm/virtio"
)

// Start transitions Idle|Suspended -> Booting, releases the vCPU start
// barrier, and spawns one goroutine per vCPU running KVM_RUN in a loop.
// Readiness is signaled asynchronously by the guest manager device's
// BootReadyMarker trigger, observed through HandleExit.
func (m *Machine) Start() error {
	if err := m.transition(PhaseBooting); err != nil {
		return err
	}

	m.mu.Lock()
	rt := m.runtime
	m.bootStartedAt = time.Now()
	m.mu.Unlock()

	if rt == nil {
		m.Fail("start: no runtime state, Create was never called")
		return fmt.Errorf("machine: start: no runtime state")
	}
	rt.guestManager.SetHandler(m)

	rt.barrierOnce.Do(func() { close(rt.startBarrier) })
	for i, vcpu := range rt.vcpus {
		rt.vcpuDone.Add(1)
		go runVCPU(vcpu, rt.vcpuStop[i], &rt.vcpuDone)
	}
	return nil
}

// runVCPU issues KVM_RUN in a loop until stop is closed: a cooperative
// channel check between KVM_RUN calls substitutes for signal-based
// cancellation, since each KVM_RUN returns control to userspace on
// every guest exit (I/O, MMIO, halt) rather than running indefinitely.
func runVCPU(v VCPU, stop <-chan struct{}, done *sync.WaitGroup) {
	defer done.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := v.Run(); err != nil {
			return
		}
	}
}

// HandleExit implements virtio.ExitHandler: BootReadyMarker drives
// Booting -> Ready and records boot duration; the snapshot triggers
// drive Ready -> Suspending per the machine's configured snapshot policy.
func (m *Machine) HandleExit(reason virtio.ExitReason, trigger virtio.TriggerCode, payload uint64) {
	switch trigger {
	case virtio.TriggerBootReadyMarker:
		m.mu.Lock()
		if m.phase == PhaseBooting {
			m.bootDurationMillis = time.Since(m.bootStartedAt).Milliseconds()
		}
		m.mu.Unlock()
		_ = m.transition(PhaseReady)
	default:
		if reason == virtio.ExitReasonSnapshot && m.policyFired(trigger, payload) {
			if err := m.transition(PhaseSuspending); err == nil {
				m.completeSuspend()
			}
		}
	}
}

// policyFired evaluates the machine's snapshot policy against a
// guest-manager snapshot trigger: only Flash machines suspend, a manual
// trigger always fires, listen triggers are counted against the
// first/Nth policies, and the port policy matches the trigger payload.
func (m *Machine) policyFired(trigger virtio.TriggerCode, payload uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Mode != resources.MachineModeFlash {
		return false
	}
	if trigger == virtio.TriggerManualSnapshot {
		return true
	}

	policy := m.config.SnapshotPolicy
	switch policy.Kind {
	case resources.SnapshotWaitForFirstListen:
		m.listens++
		return m.listens == 1
	case resources.SnapshotWaitForNthListen:
		m.listens++
		return m.listens == policy.N
	case resources.SnapshotWaitForListenOnPort:
		return payload == uint64(policy.Port)
	default:
		return false
	}
}

// completeSuspend persists vCPU/device/memory state and transitions
// Suspending -> Suspended: in Suspended the VM's vCPU state, device
// queues, and memory are persisted.
func (m *Machine) completeSuspend() {
	m.mu.Lock()
	rt := m.runtime
	m.mu.Unlock()
	if rt == nil {
		return
	}

	for _, stop := range rt.vcpuStop {
		closeOnce(stop)
	}
	rt.vcpuDone.Wait()

	snap, err := m.captureSnapshot()
	if err != nil {
		m.Fail(fmt.Sprintf("suspend: capture snapshot: %v", err))
		return
	}
	if err := m.retainSnapshot(snap); err != nil {
		m.Fail(fmt.Sprintf("suspend: retain snapshot: %v", err))
		return
	}

	_ = m.transition(PhaseSuspended)
}

// Resume re-hydrates VmmState and reactivates virtio devices: it
// transitions Suspended -> Booting, skips kernel loading, clears each device's
// activated flag so the driver re-arms it, and releases the vCPU
// barrier again.
func (m *Machine) Resume() error {
	if err := m.transition(PhaseBooting); err != nil {
		return err
	}

	m.mu.Lock()
	rt := m.runtime
	m.bootStartedAt = time.Now()
	m.mu.Unlock()

	if rt == nil {
		m.Fail("resume: no runtime state")
		return fmt.Errorf("machine: resume: no runtime state")
	}

	snap, err := m.retainedSnapshot()
	if err != nil {
		m.Fail(fmt.Sprintf("resume: %v", err))
		return fmt.Errorf("machine: resume: %w", err)
	}

	if err := m.restoreSnapshot(snap); err != nil {
		m.Fail(fmt.Sprintf("resume: restore snapshot: %v", err))
		return err
	}

	rt.vcpuStop = make([]chan struct{}, len(rt.vcpus))
	for i := range rt.vcpuStop {
		rt.vcpuStop[i] = make(chan struct{})
	}
	rt.startBarrier = make(chan struct{})
	rt.barrierOnce = sync.Once{}

	for i, vcpu := range rt.vcpus {
		rt.vcpuDone.Add(1)
		go runVCPU(vcpu, rt.vcpuStop[i], &rt.vcpuDone)
	}
	rt.barrierOnce.Do(func() { close(rt.startBarrier) })
	return nil
}

// Stop signals every vCPU thread to exit, waits for them to join, drops
// the guest memory mapping, and transitions to Stopped. TAP and IP
// release are the calling controller's responsibility: allocators
// serialize through the store, not this package.
func (m *Machine) Stop() error {
	if err := m.transition(PhaseStopping); err != nil {
		return err
	}

	m.mu.Lock()
	rt := m.runtime
	m.mu.Unlock()

	if rt != nil {
		for _, stop := range rt.vcpuStop {
			closeOnce(stop)
		}
		rt.vcpuDone.Wait()
		for _, bd := range rt.blockDevices {
			_ = bd.Close()
		}
		_ = rt.mem.Close()
	}

	return m.transition(PhaseStopped)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
