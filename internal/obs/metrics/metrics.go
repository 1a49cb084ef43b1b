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

package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ignitiond_build_info",
			Help: "Build information for the ignitiond daemon",
		},
		[]string{"version", "git_sha", "go_version"},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignitiond_reconcile_total",
			Help: "Total number of reconcile operations by controller and outcome",
		},
		[]string{"controller", "outcome"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ignitiond_reconcile_duration_seconds",
			Help:    "Duration of reconcile operations by controller",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"controller"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ignitiond_queue_depth",
			Help: "Current depth of the work queue",
		},
		[]string{"queue"},
	)

	machineStateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignitiond_machine_state_transitions_total",
			Help: "Total number of microVM state transitions by target state",
		},
		[]string{"state"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ignitiond_job_duration_seconds",
			Help:    "Duration of background jobs by job kind and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"kind", "outcome"},
	)

	ipPoolReserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ignitiond_ip_pool_reserved",
			Help: "Number of reserved addresses in the IP pool",
		},
		[]string{"cidr"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignitiond_errors_total",
			Help: "Total number of errors by reason and component",
		},
		[]string{"reason", "component"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ignitiond_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open) by breaker name",
		},
		[]string{"name"},
	)

	circuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignitiond_circuit_breaker_failures_total",
			Help: "Total number of calls a circuit breaker recorded as failures",
		},
		[]string{"name"},
	)
)

// Circuit breaker state gauge values, matching internal/resilience.State.
const (
	CircuitBreakerClosed  = 0
	CircuitBreakerProbing = 1
	CircuitBreakerOpen    = 2
)

// CircuitBreakerMetrics publishes one breaker's state and failure count.
type CircuitBreakerMetrics struct {
	name string
}

// NewCircuitBreakerMetrics constructs the metrics handle for a named
// breaker, e.g. the one internal/resilience.NewBreaker wraps around
// the certificate controller's ACME calls.
func NewCircuitBreakerMetrics(name string) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{name: name}
}

// SetState publishes the breaker's current state.
func (m *CircuitBreakerMetrics) SetState(state int) {
	circuitBreakerState.WithLabelValues(m.name).Set(float64(state))
}

// RecordFailure increments the breaker's failure counter.
func (m *CircuitBreakerMetrics) RecordFailure() {
	circuitBreakerFailures.WithLabelValues(m.name).Inc()
}

// Reconcile outcomes.
const (
	OutcomeDone    = "done"
	OutcomeRequeue = "requeue"
	OutcomeError   = "error"
)

// SetupBuildInfo publishes the build_info gauge.
func SetupBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA, runtime.Version()).Set(1)
}

// RecordError increments the error counter for reason/component.
func RecordError(reason, component string) {
	errorsTotal.WithLabelValues(reason, component).Inc()
}

// SetIPPoolReserved sets the current reserved-address count for a CIDR pool.
func SetIPPoolReserved(cidr string, n float64) {
	ipPoolReserved.WithLabelValues(cidr).Set(n)
}

// RecordMachineState increments the transition counter for a target state.
func RecordMachineState(state string) {
	machineStateTotal.WithLabelValues(state).Inc()
}

// RecordJob records a completed background job.
func RecordJob(kind, outcome string, d time.Duration) {
	jobDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// ReconcileTimer measures and records a single reconcile invocation.
type ReconcileTimer struct {
	controller string
	start      time.Time
}

// NewReconcileTimer starts timing a reconcile call for controller.
func NewReconcileTimer(controller string) *ReconcileTimer {
	return &ReconcileTimer{controller: controller, start: time.Now()}
}

// Finish records the outcome and elapsed duration.
func (t *ReconcileTimer) Finish(outcome string) {
	reconcileTotal.WithLabelValues(t.controller, outcome).Inc()
	reconcileDuration.WithLabelValues(t.controller).Observe(time.Since(t.start).Seconds())
}

// SetQueueDepth publishes the current depth of a named queue.
func SetQueueDepth(queue string, depth float64) {
	queueDepth.WithLabelValues(queue).Set(depth)
}

// Registry returns the Prometheus gatherer backing these metrics.
func Registry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
