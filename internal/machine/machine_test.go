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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/vmm/kvm"
	"github.com/ignitiond/ignitiond/internal/vmm/virtio"
)

// fakeHypervisor satisfies Hypervisor without touching /dev/kvm, so the
// lifecycle tests run against a fake KVM/virtio backend rather than
// real hardware.
type fakeHypervisor struct {
	caps map[int]int
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{caps: map[int]int{
		kvm.CapIrqChip:    1,
		kvm.CapIoeventfd:  1,
		kvm.CapIrqfd:      1,
		kvm.CapUserMemory: 1,
	}}
}

func (f *fakeHypervisor) CheckExtension(cap int) (int, error) { return f.caps[cap], nil }

func (f *fakeHypervisor) CreateVM() (VM, error) { return &fakeVM{}, nil }

type fakeVM struct{}

func (f *fakeVM) SetUserMemoryRegion(slot uint32, gpa, size, hostAddr uint64) error { return nil }
func (f *fakeVM) CreateIRQChip() error                                              { return nil }
func (f *fakeVM) CreateVCPU(index int) (VCPU, error)                                { return &fakeVCPU{index: index}, nil }
func (f *fakeVM) IRQfd(fd uintptr, gsi uint32) error                                 { return nil }
func (f *fakeVM) IOEventfd(fd uintptr, addr uint64, length uint32, datamatch uint64, withDatamatch bool) error {
	return nil
}
func (f *fakeVM) Fd() uintptr { return 0 }

// fakeVCPU satisfies VCPU; Run blocks on a channel so tests control
// exactly when KVM_RUN "returns," instead of spinning.
type fakeVCPU struct {
	index  int
	regs   kvm.Regs
	sregs  kvm.Sregs
	runRet chan error
}

func (f *fakeVCPU) Index() int   { return f.index }
func (f *fakeVCPU) Fd() uintptr  { return 0 }
func (f *fakeVCPU) Run() error {
	if f.runRet == nil {
		f.runRet = make(chan error)
	}
	return <-f.runRet
}
func (f *fakeVCPU) SetRegs(r *kvm.Regs) error     { f.regs = *r; return nil }
func (f *fakeVCPU) GetRegs() (*kvm.Regs, error)   { return &f.regs, nil }
func (f *fakeVCPU) SetSregs(s *kvm.Sregs) error   { f.sregs = *s; return nil }
func (f *fakeVCPU) GetSregs() (*kvm.Sregs, error) { return &f.sregs, nil }
func (f *fakeVCPU) SetFPU(fpu *kvm.FPU) error     { return nil }
func (f *fakeVCPU) SetMSRs(entries []kvm.MSREntry) error     { return nil }
func (f *fakeVCPU) SetCPUID2(entries []kvm.CPUIDEntry) error { return nil }
func (f *fakeVCPU) SetLAPIC(s *kvm.LAPICState) error         { return nil }
func (f *fakeVCPU) GetLAPIC() (*kvm.LAPICState, error)       { return &kvm.LAPICState{}, nil }

func testConfig() resources.MachineV1Beta1 {
	return resources.MachineV1Beta1{
		MachineV1Alpha1: resources.MachineV1Alpha1{
			Name:      "test-vm",
			Namespace: "default",
			Mode:      resources.MachineModeStandard,
			Resources: resources.MachineResources{CPU: 1, MemoryMiB: 64},
		},
	}
}

func flashConfig() resources.MachineV1Beta1 {
	cfg := testConfig()
	cfg.Mode = resources.MachineModeFlash
	cfg.SnapshotPolicy = resources.SnapshotPolicy{Kind: resources.SnapshotWaitForFirstListen}
	return cfg
}

func TestCreateLeavesIdle(t *testing.T) {
	m, err := Create(CreateParams{
		Hypervisor:     newFakeHypervisor(),
		Config:         testConfig(),
		KernelImage:    []byte{0xe9, 0x00},
		KernelLoadAddr: 0x100000,
	})
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, m.Phase())
	require.Equal(t, "test-vm", m.Name())
}

func TestCreateRejectsMissingCapability(t *testing.T) {
	hv := newFakeHypervisor()
	delete(hv.caps, kvm.CapIrqfd)

	_, err := Create(CreateParams{
		Hypervisor:     hv,
		Config:         testConfig(),
		KernelImage:    []byte{0xe9, 0x00},
		KernelLoadAddr: 0x100000,
	})
	require.Error(t, err)
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := New(testConfig())
	require.Equal(t, PhaseIdle, m.Phase())

	err := m.transition(PhaseStopped)
	require.Error(t, err)
	var target *ErrIllegalTransition
	require.ErrorAs(t, err, &target)
	require.Equal(t, PhaseIdle, m.Phase(), "illegal transition must not mutate state")
}

func TestLegalTransitionSequence(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.transition(PhaseBooting))
	require.NoError(t, m.transition(PhaseReady))
	require.NoError(t, m.transition(PhaseSuspending))
	require.NoError(t, m.transition(PhaseSuspended))
	require.NoError(t, m.transition(PhaseBooting))
	require.NoError(t, m.transition(PhaseReady))
	require.NoError(t, m.transition(PhaseStopping))
	require.NoError(t, m.transition(PhaseStopped))

	require.Error(t, m.transition(PhaseReady), "Stopped has no onward legal transitions")
}

func TestFailIsLegalFromAnyPhase(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.transition(PhaseBooting))
	m.Fail("boom")
	require.Equal(t, PhaseError, m.Phase())
	require.Equal(t, "boom", m.Status().ErrorMessage)
}

func TestBootReadyAndSnapshotTriggerDriveLifecycle(t *testing.T) {
	m, err := Create(CreateParams{
		Hypervisor:     newFakeHypervisor(),
		Config:         flashConfig(),
		KernelImage:    []byte{0xe9, 0x00},
		KernelLoadAddr: 0x100000,
	})
	require.NoError(t, err)
	m.runtime.guestManager.SetHandler(m)

	require.NoError(t, m.transition(PhaseBooting))

	m.HandleExit(virtio.ExitReasonNone, virtio.TriggerBootReadyMarker, 0)
	require.Equal(t, PhaseReady, m.Phase())

	m.HandleExit(virtio.ExitReasonSnapshot, virtio.TriggerAfterListen, 0)
	require.Equal(t, PhaseSuspended, m.Phase())
	require.NotNil(t, m.lastSnapshot)
}

func TestStandardModeIgnoresSnapshotTriggers(t *testing.T) {
	m, err := Create(CreateParams{
		Hypervisor:     newFakeHypervisor(),
		Config:         testConfig(),
		KernelImage:    []byte{0xe9, 0x00},
		KernelLoadAddr: 0x100000,
	})
	require.NoError(t, err)
	m.runtime.guestManager.SetHandler(m)

	require.NoError(t, m.transition(PhaseBooting))
	require.NoError(t, m.transition(PhaseReady))

	m.HandleExit(virtio.ExitReasonSnapshot, virtio.TriggerAfterListen, 0)
	require.Equal(t, PhaseReady, m.Phase())
}

func TestSnapshotPolicyVariants(t *testing.T) {
	cases := []struct {
		name     string
		policy   resources.SnapshotPolicy
		triggers []struct {
			code    virtio.TriggerCode
			payload uint64
		}
		want Phase
	}{
		{
			name:   "nth listen waits for n",
			policy: resources.SnapshotPolicy{Kind: resources.SnapshotWaitForNthListen, N: 3},
			triggers: []struct {
				code    virtio.TriggerCode
				payload uint64
			}{
				{virtio.TriggerAfterListen, 0},
				{virtio.TriggerAfterListen, 0},
			},
			want: PhaseReady,
		},
		{
			name:   "listen on port matches payload",
			policy: resources.SnapshotPolicy{Kind: resources.SnapshotWaitForListenOnPort, Port: 8080},
			triggers: []struct {
				code    virtio.TriggerCode
				payload uint64
			}{
				{virtio.TriggerWaitForListenOnPort, 9090},
				{virtio.TriggerWaitForListenOnPort, 8080},
			},
			want: PhaseSuspended,
		},
		{
			name:   "manual policy ignores listens",
			policy: resources.SnapshotPolicy{Kind: resources.SnapshotManual},
			triggers: []struct {
				code    virtio.TriggerCode
				payload uint64
			}{
				{virtio.TriggerAfterListen, 0},
			},
			want: PhaseReady,
		},
		{
			name:   "manual trigger always fires",
			policy: resources.SnapshotPolicy{Kind: resources.SnapshotManual},
			triggers: []struct {
				code    virtio.TriggerCode
				payload uint64
			}{
				{virtio.TriggerManualSnapshot, 0},
			},
			want: PhaseSuspended,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := flashConfig()
			cfg.SnapshotPolicy = tc.policy

			m, err := Create(CreateParams{
				Hypervisor:     newFakeHypervisor(),
				Config:         cfg,
				KernelImage:    []byte{0xe9, 0x00},
				KernelLoadAddr: 0x100000,
			})
			require.NoError(t, err)
			m.runtime.guestManager.SetHandler(m)

			require.NoError(t, m.transition(PhaseBooting))
			require.NoError(t, m.transition(PhaseReady))

			for _, trig := range tc.triggers {
				m.HandleExit(virtio.ExitReasonSnapshot, trig.code, trig.payload)
			}
			require.Equal(t, tc.want, m.Phase())
		})
	}
}

func TestWatchReceivesTransitions(t *testing.T) {
	m := New(testConfig())
	ch, cancel := m.Watch()
	defer cancel()

	require.NoError(t, m.transition(PhaseBooting))
	ev := <-ch
	require.Equal(t, PhaseIdle, ev.From)
	require.Equal(t, PhaseBooting, ev.To)
}

func TestOnDiskRetentionRoundTrip(t *testing.T) {
	cfg := flashConfig()
	cfg.StateRetentionMode = resources.StateRetentionOnDisk
	cfg.StateRetentionPath = filepath.Join(t.TempDir(), "machines", "test-vm", "state")

	m, err := Create(CreateParams{
		Hypervisor:     newFakeHypervisor(),
		Config:         cfg,
		KernelImage:    []byte{0xe9, 0x00},
		KernelLoadAddr: 0x100000,
	})
	require.NoError(t, err)
	m.runtime.guestManager.SetHandler(m)

	require.NoError(t, m.transition(PhaseBooting))
	m.HandleExit(virtio.ExitReasonNone, virtio.TriggerBootReadyMarker, 0)
	m.HandleExit(virtio.ExitReasonSnapshot, virtio.TriggerAfterListen, 0)
	require.Equal(t, PhaseSuspended, m.Phase())

	// On-disk retention keeps nothing in process.
	require.Nil(t, m.lastSnapshot)
	info, err := os.Stat(cfg.StateRetentionPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	require.NoError(t, m.Resume())
	require.Equal(t, PhaseBooting, m.Phase())
}
