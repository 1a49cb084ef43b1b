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

// Package queue implements a per-key coalescing work queue.
// client-go's workqueue already implements exactly the
// Absent/InFlight/Pending state machine needed: Add on
// an item already queued is a no-op, Add on an item currently being
// processed marks it dirty so it is re-delivered after Done. This
// package is a thin, domain-named wrapper around
// k8s.io/client-go/util/workqueue's generic delaying queue, renaming its
// vocabulary to Push/PushAfter/Done/Key for the controllers that consume
// it in their reconcile loops.
package queue

import (
	"time"

	"k8s.io/client-go/util/workqueue"
)

// Key identifies a unit of reconciliation work: a fully-qualified
// resource key string, as produced by resource.Key.String().
type Key = string

// Queue is a per-key coalescing, delayable work queue.
type Queue struct {
	inner workqueue.TypedDelayingInterface[Key]
}

// New creates an empty Queue.
func New(name string) *Queue {
	return &Queue{
		inner: workqueue.NewTypedDelayingQueue[Key](),
	}
}

// Push implements push(k): Absent -> InFlight
// (delivered to the next Get), InFlight -> Pending (coalesced, no
// duplicate delivery), Pending -> no-op.
func (q *Queue) Push(k Key) {
	q.inner.Add(k)
}

// PushAfter schedules a Push(k) after d elapses.
func (q *Queue) PushAfter(k Key, d time.Duration) {
	q.inner.AddAfter(k, d)
}

// Get blocks until a key is available and marks it InFlight. shutdown is
// true once the queue has been shut down and drained.
func (q *Queue) Get() (k Key, shutdown bool) {
	return q.inner.Get()
}

// Done implements done(k): InFlight -> Absent, or Pending -> Absent then
// immediately re-Push, handled internally by the delegate queue.
func (q *Queue) Done(k Key) {
	q.inner.Done(k)
}

// Len reports the number of keys waiting to be handed out by Get; keys
// that are InFlight, and Pending re-pushes of them, are not counted.
// It is used to drive the queue-depth gauge in internal/obs/metrics.
func (q *Queue) Len() int {
	return q.inner.Len()
}

// ShutDown stops accepting new work and unblocks every pending Get.
func (q *Queue) ShutDown() {
	q.inner.ShutDown()
}

// ShuttingDown reports whether ShutDown has been called.
func (q *Queue) ShuttingDown() bool {
	return q.inner.ShuttingDown()
}
