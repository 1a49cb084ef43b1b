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

package jobagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignitiond/ignitiond/internal/scheduler"
)

type fakeEnqueuer struct {
	mu     sync.Mutex
	events []scheduler.Event
	notify chan struct{}
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{notify: make(chan struct{}, 16)}
}

func (f *fakeEnqueuer) Dispatch(_ context.Context, ev scheduler.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	f.notify <- struct{}{}
}

// TestRunWithNotifyFanOut covers two different
// resources requesting job "pull:caddy:latest"; the future runs once; on
// completion both watcher keys receive a ControllerEvent with the same
// payload.
func TestRunWithNotifyFanOut(t *testing.T) {
	enq := newFakeEnqueuer()
	a := New(enq)

	var runs int32
	var runsMu sync.Mutex
	fn := func(ctx context.Context) (any, error) {
		runsMu.Lock()
		runs++
		runsMu.Unlock()
		return "digest:abc123", nil
	}
	notifier := func(result Result, watchKey string) scheduler.Event {
		return scheduler.Event{Kind: "Machine", Name: watchKey, Reason: result.Value.(string)}
	}

	a.RunWithNotify(context.Background(), "Machine/default/vm1", "pull:caddy:latest", fn, notifier)
	a.RunWithNotify(context.Background(), "Machine/default/vm2", "pull:caddy:latest", fn, notifier)

	for i := 0; i < 2; i++ {
		select {
		case <-enq.notify:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	runsMu.Lock()
	defer runsMu.Unlock()
	if runs != 1 {
		t.Errorf("underlying job ran %d times, want 1", runs)
	}

	enq.mu.Lock()
	defer enq.mu.Unlock()
	if len(enq.events) != 2 {
		t.Fatalf("got %d dispatched events, want 2", len(enq.events))
	}
	for _, ev := range enq.events {
		if ev.Reason != "digest:abc123" {
			t.Errorf("event for %s has payload %q, want digest:abc123", ev.Name, ev.Reason)
		}
	}
}

// TestCancelNotifyOnlyAbortsWhenLastWatcherLeaves exercises S6's other
// half: CancelNotify from one watcher does not abort the job; from both,
// it does.
func TestCancelNotifyOnlyAbortsWhenLastWatcherLeaves(t *testing.T) {
	enq := newFakeEnqueuer()
	a := New(enq)

	started := make(chan struct{})
	canceled := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	}
	notifier := func(result Result, watchKey string) scheduler.Event {
		return scheduler.Event{Kind: "Certificate", Name: watchKey}
	}

	a.RunWithNotify(context.Background(), "w1", "acme:example.com", fn, notifier)
	a.RunWithNotify(context.Background(), "w2", "acme:example.com", fn, notifier)
	<-started

	a.CancelNotify("acme:example.com", "w1")
	select {
	case <-canceled:
		t.Fatal("job was aborted after only one of two watchers left")
	case <-time.After(100 * time.Millisecond):
	}

	if a.WatcherCount("acme:example.com") != 1 {
		t.Fatalf("expected 1 remaining watcher, got %d", a.WatcherCount("acme:example.com"))
	}

	a.CancelNotify("acme:example.com", "w2")
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not aborted after last watcher left")
	}
}
