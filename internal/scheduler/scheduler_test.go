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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

type countingController struct {
	name       string
	mu         sync.Mutex
	reconciles int
	fail       bool
	next       ReconcileNext
	done       chan struct{}
}

func (c *countingController) Name() string { return c.name }

func (c *countingController) Schedule(ctx context.Context, ev Event) (string, bool) {
	if ev.Kind != c.name {
		return "", false
	}
	return ev.Tenant + "/" + ev.Kind + "/" + ev.Namespace + "/" + ev.Name, true
}

func (c *countingController) ShouldReconcile(ctx context.Context, key string) bool { return true }

func (c *countingController) Reconcile(ctx context.Context, key string) (ReconcileNext, error) {
	c.mu.Lock()
	c.reconciles++
	n := c.reconciles
	fail := c.fail
	c.mu.Unlock()

	if c.done != nil && n == 1 {
		defer close(c.done)
	}

	if fail {
		return ReconcileNext{}, errors.New("boom")
	}
	return c.next, nil
}

func (c *countingController) HandleError(ctx context.Context, key string, err error) ReconcileNext {
	return Done()
}

func (c *countingController) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciles
}

func TestDispatchRoutesToOwningController(t *testing.T) {
	done := make(chan struct{})
	ctrl := &countingController{name: "Machine", next: Done(), done: done}

	s := New(logr.Discard(), 1)
	s.Register(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	s.Dispatch(ctx, Event{Kind: "Machine", Tenant: "acme", Namespace: "default", Name: "vm1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconcile")
	}
}

func TestDispatchIgnoresNonMatchingEvent(t *testing.T) {
	ctrl := &countingController{name: "Machine", next: Done()}
	s := New(logr.Discard(), 1)
	s.Register(ctrl)

	ctx := context.Background()
	s.Dispatch(ctx, Event{Kind: "Volume", Tenant: "acme", Namespace: "default", Name: "vol1"})

	time.Sleep(50 * time.Millisecond)
	if ctrl.count() != 0 {
		t.Fatalf("expected no reconciles, got %d", ctrl.count())
	}
}

func TestImmediateRequeuesUntilDone(t *testing.T) {
	ctrl := &countingController{name: "Machine"}
	ctrl.next = Immediate()

	s := New(logr.Discard(), 1)
	s.Register(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	s.Dispatch(ctx, Event{Kind: "Machine", Tenant: "acme", Namespace: "default", Name: "vm1"})

	time.Sleep(100 * time.Millisecond)
	// flip to Done so the requeue loop terminates before we assert
	ctrl.mu.Lock()
	ctrl.next = Done()
	ctrl.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if ctrl.count() < 2 {
		t.Fatalf("expected Immediate() to cause multiple reconciles, got %d", ctrl.count())
	}
}

func TestReconcileErrorRoutesThroughHandleError(t *testing.T) {
	done := make(chan struct{})
	ctrl := &countingController{name: "Machine", fail: true, done: done}

	s := New(logr.Discard(), 1)
	s.Register(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	s.Dispatch(ctx, Event{Kind: "Machine", Tenant: "acme", Namespace: "default", Name: "vm1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failing reconcile")
	}
}
