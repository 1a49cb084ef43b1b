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

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/obs/health"
	"github.com/ignitiond/ignitiond/internal/obs/logging"
	"github.com/ignitiond/ignitiond/internal/obs/metrics"
	"github.com/ignitiond/ignitiond/internal/resilience"
	jobplugerrs "github.com/ignitiond/ignitiond/sdk/jobplugin/errors"
)

func TestObservabilityIntegration(t *testing.T) {
	logConfig := config.LogConfig{Level: "debug", Format: "json"}
	require.NoError(t, logging.Setup(logConfig))

	ctx := context.Background()
	ctx = logging.WithTenant(ctx, "acme")
	ctx = logging.WithResourceKey(ctx, "default/web-server-1")
	ctx = logging.WithMachineID(ctx, "mach-abc123")
	ctx = logging.WithJobKey(ctx, "job-pull-image")

	logger := logging.FromContext(ctx)
	logger.Info("test log entry with correlation")

	sensitiveData := "password=secret123 and api_key=abcdef"
	redacted := logging.RedactString(sensitiveData)
	assert.Contains(t, redacted, "[REDACTED]")
	assert.NotContains(t, redacted, "secret123")
}

func TestMetricsIntegration(t *testing.T) {
	metrics.SetupBuildInfo("v0.1.0", "abc123")

	timer := metrics.NewReconcileTimer("Machine")
	time.Sleep(10 * time.Millisecond)
	timer.Finish(metrics.OutcomeDone)

	metrics.SetQueueDepth("default", 5)
	metrics.RecordMachineState("running")
	metrics.RecordJob("oci-pull", "done", 2*time.Second)
	metrics.RecordError("validation", "scheduler")
	metrics.SetIPPoolReserved("10.88.0.0/24", 3)

	metricFamilies, err := metrics.Registry().Gather()
	require.NoError(t, err)

	metricNames := make(map[string]bool)
	for _, family := range metricFamilies {
		metricNames[*family.Name] = true
	}

	expectedMetrics := []string{
		"ignitiond_build_info",
		"ignitiond_reconcile_total",
		"ignitiond_queue_depth",
		"ignitiond_machine_state_transitions_total",
		"ignitiond_job_duration_seconds",
		"ignitiond_errors_total",
	}
	for _, metric := range expectedMetrics {
		assert.True(t, metricNames[metric], "missing metric: %s", metric)
	}
}

func TestHealthSystem(t *testing.T) {
	checker := health.NewChecker()

	checker.RegisterCheck("store-open", func(ctx context.Context) error {
		return nil
	})
	checker.RegisterCheck("kvm-capabilities", func(ctx context.Context) error {
		return assert.AnError
	})

	ctx := context.Background()
	result := checker.RunCheck(ctx, "store-open")
	assert.Equal(t, health.StatusHealthy, result.Status)

	result = checker.RunCheck(ctx, "kvm-capabilities")
	assert.Equal(t, health.StatusUnhealthy, result.Status)

	assert.False(t, checker.IsHealthy(ctx))

	overall := checker.Overall(ctx)
	assert.Equal(t, health.StatusUnhealthy, overall.Status)
	assert.Len(t, overall.Checks, 2)
}

func TestCircuitBreakerIntegration(t *testing.T) {
	cb := resilience.NewBreaker("acme-adapter", resilience.BreakerConfig{
		Trip:     3,
		Cooldown: 100 * time.Millisecond,
		Probes:   2,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := cb.Call(ctx, func(ctx context.Context) error { return nil })
		assert.NoError(t, err)
	}
	assert.Equal(t, resilience.StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		err := cb.Call(ctx, func(ctx context.Context) error {
			return jobplugerrs.NewUnavailable("acme", nil)
		})
		assert.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, cb.State())

	err := cb.Call(ctx, func(ctx context.Context) error {
		t.Error("should not execute while circuit is open")
		return nil
	})
	assert.Error(t, err)

	time.Sleep(150 * time.Millisecond)

	err = cb.Call(ctx, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, resilience.StateProbing, cb.State())

	err = cb.Call(ctx, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestRetryIntegration(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}

	calls := 0
	ctx := context.Background()
	err := resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return jobplugerrs.NewUnavailable("acme", nil)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	// A non-retryable error aborts after the first attempt.
	calls = 0
	err = resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		calls++
		return jobplugerrs.NewNotFound("job-42")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	// A persistently unavailable backend drains the whole budget.
	calls = 0
	err = resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		calls++
		return jobplugerrs.NewUnavailable("acme", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestGuardedBackendCall(t *testing.T) {
	cb := resilience.NewBreaker("oci", resilience.BreakerConfig{
		Trip:     2,
		Cooldown: 200 * time.Millisecond,
		Probes:   1,
	})
	guard := resilience.Guard{
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
			Multiplier:  2.0,
		},
		Breaker: cb,
	}

	ctx := context.Background()
	callCount := 0
	err := guard.Do(ctx, func(ctx context.Context) error {
		callCount++
		if callCount == 1 {
			return jobplugerrs.NewUnavailable("oci", nil)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
	assert.Equal(t, resilience.StateClosed, cb.State())

	callCount = 0
	for i := 0; i < 3; i++ {
		err = guard.Do(ctx, func(ctx context.Context) error {
			callCount++
			return jobplugerrs.NewUnavailable("oci", nil)
		})
		assert.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, cb.State())

	// While open, the retries drain against the breaker without ever
	// reaching the backend.
	oldCallCount := callCount
	err = guard.Do(ctx, func(ctx context.Context) error {
		callCount++
		t.Error("should not execute while circuit is open")
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, oldCallCount, callCount)
}

// TestObservabilityEndToEnd exercises logging, metrics, health, and
// resilience together the way a background job dispatch would.
func TestObservabilityEndToEnd(t *testing.T) {
	require.NoError(t, logging.Setup(config.LogConfig{Level: "info", Format: "json"}))
	metrics.SetupBuildInfo("v0.1.0", "test-sha")

	healthChecker := health.NewChecker()
	healthChecker.RegisterCheck("job-backend-reachable", func(ctx context.Context) error {
		return nil
	})

	cb := resilience.NewBreaker("oci", resilience.BreakerConfig{})

	ctx := context.Background()
	ctx = logging.WithResourceKey(ctx, "default/web-server-1")
	ctx = logging.WithJobKey(ctx, "job-pull-image")

	logger := logging.FromContext(ctx)
	logger.Info("starting background job")

	reconcileTimer := metrics.NewReconcileTimer("Volume")

	guard := resilience.Guard{
		Retry:   config.DefaultConfig().Retry,
		Breaker: cb,
	}

	attempt := 0
	err := guard.Do(ctx, func(ctx context.Context) error {
		attempt++
		logger.Info("executing job attempt", "attempt", attempt)
		if attempt == 1 {
			return jobplugerrs.NewUnavailable("oci", nil)
		}
		return nil
	})

	if err != nil {
		reconcileTimer.Finish(metrics.OutcomeError)
		metrics.RecordError("job-backend-error", "jobagent")
		logger.Error(err, "job failed")
	} else {
		reconcileTimer.Finish(metrics.OutcomeDone)
		logger.Info("job completed successfully")
	}

	assert.NoError(t, err)
	assert.Equal(t, 2, attempt)
	assert.True(t, healthChecker.IsHealthy(ctx))
	assert.Equal(t, resilience.StateClosed, cb.State())
}
