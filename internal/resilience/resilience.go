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

// Package resilience guards calls to external job backends -- the ACME
// adapter, OCI image pulls -- behind a per-backend circuit breaker and
// a bounded retry. A dead collaborator costs callers one fast
// Unavailable error instead of a pile of timeouts, and the retry
// schedule is the daemon's single config.RetryConfig policy rather than
// a second one defined here.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/obs/metrics"
	jobplugerrs "github.com/ignitiond/ignitiond/sdk/jobplugin/errors"
)

// State is a Breaker's position: Closed admits everything, Open rejects
// everything until the cooldown lapses, Probing admits traffic again
// but reopens on the first failure.
type State int

const (
	StateClosed State = iota
	StateProbing
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateProbing:
		return "probing"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one backend's breaker. Zero values take the
// defaults below.
type BreakerConfig struct {
	// Trip is the run of consecutive failures that opens the breaker.
	Trip int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// Probes is the run of consecutive successes that closes it again.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip <= 0 {
		c.Trip = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
	return c
}

// Breaker gates calls to one job backend.
type Breaker struct {
	backend string
	cfg     BreakerConfig
	metrics *metrics.CircuitBreakerMetrics

	mu        sync.Mutex
	state     State
	strikes   int // consecutive failures while Closed
	probeWins int // consecutive successes while Probing
	openedAt  time.Time
}

// NewBreaker builds a closed Breaker for the named backend; the name
// labels its state gauge and failure counter.
func NewBreaker(backend string, cfg BreakerConfig) *Breaker {
	b := &Breaker{
		backend: backend,
		cfg:     cfg.withDefaults(),
		metrics: metrics.NewCircuitBreakerMetrics(backend),
	}
	b.metrics.SetState(stateGauge(StateClosed))
	return b
}

// Call runs fn unless the breaker is open, folding fn's outcome back
// into the breaker state. An open breaker returns a retryable
// Unavailable JobError, so callers cannot tell a rejected call from a
// backend that answered with the same.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.admit() {
		return jobplugerrs.NewUnavailable(b.backend, fmt.Errorf("circuit open"))
	}
	err := fn(ctx)
	b.observe(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.probeWins = 0
		b.set(StateProbing)
	}
	return true
}

func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.metrics.RecordFailure()
		b.strikes++
		if b.state == StateProbing || b.strikes >= b.cfg.Trip {
			b.openedAt = time.Now()
			b.set(StateOpen)
		}
		return
	}

	switch b.state {
	case StateProbing:
		b.probeWins++
		if b.probeWins >= b.cfg.Probes {
			b.set(StateClosed)
		}
	case StateClosed:
		b.strikes = 0
	}
}

func (b *Breaker) set(s State) {
	b.state = s
	if s == StateClosed {
		b.strikes = 0
	}
	b.metrics.SetState(stateGauge(s))
}

func stateGauge(s State) int {
	switch s {
	case StateProbing:
		return metrics.CircuitBreakerProbing
	case StateOpen:
		return metrics.CircuitBreakerOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}

// State reports the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed, for operator intervention after a
// backend is known fixed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeWins = 0
	b.set(StateClosed)
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping cfg.Backoff
// between attempts. Errors the job-backend taxonomy marks
// non-retryable abort immediately; context cancellation aborts a
// pending backoff.
func Retry(ctx context.Context, cfg config.RetryConfig, fn func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Backoff(attempt - 1)):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	var je *jobplugerrs.JobError
	if errors.As(err, &je) {
		return je.Retryable
	}
	return jobplugerrs.IsRetryable(err)
}

// Guard composes Retry around a Breaker for one backend call path.
// While the breaker is open every attempt is rejected without reaching
// the backend, so a guarded call drains its retry budget quickly and
// cheaply instead of stacking timeouts.
type Guard struct {
	Retry   config.RetryConfig
	Breaker *Breaker
}

// Do runs fn under the guard's retry policy and breaker.
func (g Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if g.Breaker == nil {
		return Retry(ctx, g.Retry, fn)
	}
	return Retry(ctx, g.Retry, func(ctx context.Context) error {
		return g.Breaker.Call(ctx, fn)
	})
}
