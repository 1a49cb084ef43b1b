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

// Package jobagent implements background-job fan-out: long-running
// work (image pulls, ACME orders) is keyed by
// a stable job_key string; multiple resources can attach themselves as
// watchers to the same in-flight job and each gets its own
// ControllerEvent when it completes. golang.org/x/sync/singleflight
// dedupes concurrent *launches* of the same key, but it forgets who
// called once the one in-flight call returns, so it cannot express
// "the 2nd watcher attaches after launch, and CancelNotify only aborts
// once every watcher has left" -- this package does not use it and
// instead keeps its own mutex-guarded job map, with an explicit watcher
// set and a context.CancelFunc per job key.
package jobagent

import (
	"context"
	"sync"

	"github.com/ignitiond/ignitiond/internal/scheduler"
)

// Result is what a job future produces: either a payload or an error.
type Result struct {
	Value any
	Err   error
}

// Notifier turns a job's Result plus the watcher key that requested it
// into the scheduler Event that wakes that watcher's controller up.
type Notifier func(result Result, watchKey string) scheduler.Event

// Enqueuer abstracts the scheduler dependency down to the one method the
// job agent needs, so the agent holds no reference to the concrete
// scheduler type.
type Enqueuer interface {
	Dispatch(ctx context.Context, ev scheduler.Event)
}

type job struct {
	cancel   context.CancelFunc
	watchers map[string]struct{}
}

// Agent runs and fans out background jobs.
type Agent struct {
	enqueuer Enqueuer

	mu   sync.Mutex
	jobs map[string]*job

	resultsMu sync.Mutex
	results   map[resultKey]scheduler.Event
}

type resultKey struct {
	watchKey string
	jobKey   string
}

// New constructs an Agent that enqueues completion events through e.
func New(e Enqueuer) *Agent {
	return &Agent{
		enqueuer: e,
		jobs:     make(map[string]*job),
		results:  make(map[resultKey]scheduler.Event),
	}
}

// RunWithNotify runs a job for watchKey, coalescing concurrent
// requests: if a job for jobKey already exists, watchKey is added to
// its watcher set
// (deduplicated) and fn is never invoked a second time. Otherwise fn is
// spawned in its own goroutine; on completion, notifier is called once
// per watcher to produce an Event, the Event is stashed in the
// temp-results map keyed by (watchKey, jobKey), and dispatched through
// the enqueuer.
func (a *Agent) RunWithNotify(ctx context.Context, watchKey, jobKey string, fn func(context.Context) (any, error), notifier Notifier) {
	a.mu.Lock()
	if existing, ok := a.jobs[jobKey]; ok {
		existing.watchers[watchKey] = struct{}{}
		a.mu.Unlock()
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, watchers: map[string]struct{}{watchKey: {}}}
	a.jobs[jobKey] = j
	a.mu.Unlock()

	go a.run(jobCtx, jobKey, j, fn, notifier)
}

func (a *Agent) run(ctx context.Context, jobKey string, j *job, fn func(context.Context) (any, error), notifier Notifier) {
	value, err := fn(ctx)
	result := Result{Value: value, Err: err}

	a.mu.Lock()
	watchers := make([]string, 0, len(j.watchers))
	for w := range j.watchers {
		watchers = append(watchers, w)
	}
	delete(a.jobs, jobKey)
	a.mu.Unlock()

	for _, watchKey := range watchers {
		ev := notifier(result, watchKey)

		a.resultsMu.Lock()
		a.results[resultKey{watchKey: watchKey, jobKey: jobKey}] = ev
		a.resultsMu.Unlock()

		a.enqueuer.Dispatch(ctx, ev)
	}
}

// CancelNotify removes watchKey from jobKey's watcher set. If it was the
// last watcher, the underlying job's context is canceled, aborting fn.
// This is not surfaced to the caller as an error: the caller that
// triggered the cancellation already knows it no longer cares about
// the result.
func (a *Agent) CancelNotify(jobKey, watchKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[jobKey]
	if !ok {
		return
	}
	delete(j.watchers, watchKey)
	if len(j.watchers) == 0 {
		j.cancel()
		delete(a.jobs, jobKey)
	}
}

// ConsumeResult removes and returns the stashed Event for
// (watchKey, jobKey), if the job has completed. ok is false if the job
// is still running or its result was already consumed.
func (a *Agent) ConsumeResult(watchKey, jobKey string) (scheduler.Event, bool) {
	a.resultsMu.Lock()
	defer a.resultsMu.Unlock()

	key := resultKey{watchKey: watchKey, jobKey: jobKey}
	ev, ok := a.results[key]
	if ok {
		delete(a.results, key)
	}
	return ev, ok
}

// IsRunning reports whether a job for jobKey is currently in flight, for
// status/diagnostics surfacing.
func (a *Agent) IsRunning(jobKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.jobs[jobKey]
	return ok
}

// WatcherCount reports how many watchers jobKey currently has attached.
func (a *Agent) WatcherCount(jobKey string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[jobKey]
	if !ok {
		return 0
	}
	return len(j.watchers)
}
