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

// Package machine implements the microVM lifecycle state machine:
// Create/Start/Suspend/Resume/Stop over a KVM guest, wired to the
// virtio block/net/guest-manager devices in internal/vmm/virtio. Tests
// substitute a fake KVM/virtio backend via this package's VM/VCPU
// interfaces (kvmadapter.go) and internal/vmm/kvm's Prober, exercising the same
// state machine without nested KVM.
package machine

import (
	"fmt"
	"sync"
	"time"

	"github.com/ignitiond/ignitiond/internal/resources"
)

// Phase mirrors resources.MachinePhase; re-exported here so callers that
// only import internal/machine do not also need internal/resources for
// the phase constants.
type Phase = resources.MachinePhase

const (
	PhaseIdle       = resources.PhaseIdle
	PhaseBooting    = resources.PhaseBooting
	PhaseReady      = resources.PhaseReady
	PhaseSuspending = resources.PhaseSuspending
	PhaseSuspended  = resources.PhaseSuspended
	PhaseStopping   = resources.PhaseStopping
	PhaseStopped    = resources.PhaseStopped
	PhaseError      = resources.PhaseError
)

// legalTransitions enumerates the machine's state diagram.
// Error is reachable from every phase via Fail and is intentionally
// absent as a source here; it has no onward transitions.
var legalTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseBooting},
	PhaseBooting:    {PhaseReady, PhaseError},
	PhaseReady:      {PhaseSuspending, PhaseStopping},
	PhaseSuspending: {PhaseSuspended, PhaseError},
	PhaseSuspended:  {PhaseBooting, PhaseStopping},
	PhaseStopping:   {PhaseStopped},
	PhaseStopped:    {},
	PhaseError:      {},
}

// ErrIllegalTransition is returned when a requested phase change is not
// in legalTransitions: illegal transitions return an error and do not
// mutate state.
type ErrIllegalTransition struct {
	From, To Phase
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("machine: illegal transition %s -> %s", e.From, e.To)
}

// StateEvent is broadcast on every phase transition via the machine's
// state-watcher channel.
type StateEvent struct {
	MachineName string
	From        Phase
	To          Phase
	ErrorMsg    string
}

const watchBuffer = 32

// Machine is the in-process runtime object for one Machine resource: it
// owns the phase, the KVM VM handle, guest memory, vCPUs, and attached
// virtio devices once created, and fans out every transition to
// watchers. The zero value is not usable; construct with New.
type Machine struct {
	mu    sync.Mutex
	name  string
	phase Phase

	config  resources.MachineV1Beta1
	err     string
	attempt int
	listens int

	bootDurationMillis int64
	bootStartedAt      time.Time
	ipAddress          string
	tapDevice          string

	lastSnapshot *Snapshot

	watchMu  sync.RWMutex
	watchers map[int]chan StateEvent
	nextID   int

	runtime *runtimeState // nil until Create populates it
}

// New constructs a Machine in PhaseIdle for the given Latest-version
// config. Creation is performed separately by Create, which this
// constructor does not call.
func New(config resources.MachineV1Beta1) *Machine {
	return &Machine{
		name:     config.Name,
		phase:    PhaseIdle,
		config:   config,
		watchers: make(map[int]chan StateEvent),
	}
}

// Name returns the machine's resource name.
func (m *Machine) Name() string { return m.name }

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Status materializes the MachineStatus record a controller writes back
// to the store.
func (m *Machine) Status() resources.MachineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return resources.MachineStatus{
		Phase:              m.phase,
		ErrorMessage:       m.err,
		BootDurationMillis: m.bootDurationMillis,
		IPAddress:          m.ipAddress,
		TapDevice:          m.tapDevice,
		LastFailureReason:  m.err,
		Attempt:            m.attempt,
	}
}

// Watch subscribes to this machine's transition stream. The returned
// cancel func must be called to stop receiving events and release the
// channel, matching internal/store.Store.Watch's shape.
func (m *Machine) Watch() (<-chan StateEvent, func()) {
	ch := make(chan StateEvent, watchBuffer)
	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.watchMu.Unlock()

	cancel := func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		if c, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Machine) publish(ev StateEvent) {
	m.watchMu.RLock()
	defer m.watchMu.RUnlock()
	for _, ch := range m.watchers {
		select {
		case ch <- ev:
		default: // slow watcher, drop rather than block the transition
		}
	}
}

// transition moves the machine to "to", validating against
// legalTransitions under the machine's lock, and publishes a StateEvent
// on success. It never mutates phase on an illegal request.
func (m *Machine) transition(to Phase) error {
	m.mu.Lock()
	from := m.phase
	allowed := false
	for _, t := range legalTransitions[from] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return &ErrIllegalTransition{From: from, To: to}
	}
	m.phase = to
	m.mu.Unlock()

	m.publish(StateEvent{MachineName: m.name, From: from, To: to})
	return nil
}

// Fail unconditionally moves the machine to PhaseError recording msg.
// This "any phase -> Error(msg)" transition is legal from every phase.
func (m *Machine) Fail(msg string) {
	m.mu.Lock()
	from := m.phase
	m.phase = PhaseError
	m.err = msg
	m.mu.Unlock()
	m.publish(StateEvent{MachineName: m.name, From: from, To: PhaseError, ErrorMsg: msg})
}
