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

// Package scheduler implements a single dispatcher over a closed list of
// Controller values: instead of N reconcilers each owning their own
// watch, one scheduler asks every registered controller's Schedule for
// the key it owns, pushes non-nil keys to a shared queue.Queue, and a
// configurable worker pool drains it, calling the owning controller's
// Reconcile.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ignitiond/ignitiond/internal/obs/metrics"
	"github.com/ignitiond/ignitiond/internal/obs/tracing"
	"github.com/ignitiond/ignitiond/internal/queue"
)

// Event is the union of everything that can trigger reconciliation:
// a resource/status change, a job-agent completion, or a manual
// bring-up trigger issued at startup.
type Event struct {
	Kind      string
	Tenant    string
	Namespace string
	Name      string
	Reason    string
}

// ReconcileNext is the scheduler's verdict after one Reconcile call.
type ReconcileNext struct {
	done  bool
	after time.Duration
}

// Done signals no further work is needed for this key right now.
func Done() ReconcileNext { return ReconcileNext{done: true} }

// Immediate re-pushes the key for another reconciliation pass right away.
func Immediate() ReconcileNext { return ReconcileNext{} }

// After schedules a re-push of the key once d elapses.
func After(d time.Duration) ReconcileNext { return ReconcileNext{after: d} }

// Controller is the shared capability set every controller variant
// implements, replacing per-CRD dynamic dispatch with one closed
// interface iterated by the scheduler.
type Controller interface {
	// Name identifies the controller for logging and metrics.
	Name() string
	// Schedule translates a raw Event into the key this controller owns,
	// or ("", false) if the event is not this controller's concern.
	Schedule(ctx context.Context, ev Event) (key string, ok bool)
	// ShouldReconcile lets a controller skip a coalesced wake-up cheaply
	// (e.g. the resource has since been deleted).
	ShouldReconcile(ctx context.Context, key string) bool
	// Reconcile performs one unit of convergence work for key.
	Reconcile(ctx context.Context, key string) (ReconcileNext, error)
	// HandleError is invoked when Reconcile returns an error; it may
	// still request a retry.
	HandleError(ctx context.Context, key string, err error) ReconcileNext
}

// Scheduler dispatches Events to registered Controllers and runs the
// worker pool that drains the shared queue.
type Scheduler struct {
	log         logr.Logger
	q           *queue.Queue
	controllers []Controller
	// keyOwner records, for an in-flight key, which controller owns it;
	// a key string produced by one controller is never also produced by
	// another, so this is a simple last-writer map guarded by mu.
	mu       sync.RWMutex
	keyOwner map[string]Controller

	workers int
}

// New creates a Scheduler with the given worker pool size. Controllers
// must be registered with Register before Run is called.
func New(log logr.Logger, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		log:      log,
		q:        queue.New("reconcile"),
		keyOwner: make(map[string]Controller),
		workers:  workers,
	}
}

// Register adds a controller to the dispatch list. Must be called
// before Run.
func (s *Scheduler) Register(c Controller) {
	s.controllers = append(s.controllers, c)
}

// Dispatch implements the scheduler half of dispatch: for
// event ev, ask every registered controller for the key it owns and
// push any non-empty result to the shared queue.
func (s *Scheduler) Dispatch(ctx context.Context, ev Event) {
	for _, c := range s.controllers {
		key, ok := c.Schedule(ctx, ev)
		if !ok || key == "" {
			continue
		}
		s.mu.Lock()
		s.keyOwner[key] = c
		s.mu.Unlock()
		s.q.Push(key)
	}
}

// Run starts the worker pool and blocks until ctx is canceled, at which
// point it shuts the queue down and waits for in-flight workers to
// finish.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id)
		}(i)
	}

	<-ctx.Done()
	s.q.ShutDown()
	wg.Wait()
}

// QueueDepth reports the current backlog size, for the queue-depth
// gauge.
func (s *Scheduler) QueueDepth() int {
	return s.q.Len()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	log := s.log.WithValues("worker", id)
	for {
		key, shutdown := s.q.Get()
		if shutdown {
			return
		}
		s.process(ctx, log, key)
		s.q.Done(key)
		metrics.SetQueueDepth("reconcile", float64(s.QueueDepth()))
	}
}

func (s *Scheduler) process(ctx context.Context, log logr.Logger, key string) {
	s.mu.RLock()
	c, ok := s.keyOwner[key]
	s.mu.RUnlock()
	if !ok {
		log.V(1).Info("no owner registered for key, dropping", "key", key)
		return
	}

	if !c.ShouldReconcile(ctx, key) {
		return
	}

	ctx, span := tracing.StartReconcileSpanForKey(ctx, c.Name(), key)
	timer := metrics.NewReconcileTimer(c.Name())

	next, err := c.Reconcile(ctx, key)
	if err != nil {
		next = c.HandleError(ctx, key, err)
		log.Error(err, "reconcile failed", "controller", c.Name(), "key", key)
	}

	outcome := outcomeFor(next)
	timer.Finish(outcome)
	tracing.RecordOutcome(span, outcome, err)
	span.End()

	switch {
	case next.done:
		// nothing to do
	case next.after > 0:
		s.q.PushAfter(key, next.after)
	default:
		s.q.Push(key)
	}
}

func outcomeFor(next ReconcileNext) string {
	switch {
	case next.done:
		return metrics.OutcomeDone
	case next.after > 0:
		return metrics.OutcomeRequeue
	default:
		return metrics.OutcomeRequeue
	}
}
