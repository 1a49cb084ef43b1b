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

// Package controllers implements the ignitiond-domain scheduler.Controller
// values -- Machine, Volume, Service, Certificate, App -- as handlers over
// internal/scheduler's single dispatch loop. Each controller fetches
// desired state, compares it against observed state, converges, and
// writes status, addressed by a resource.Key string.
package controllers

import (
	"context"
	"strings"

	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resource"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

// resourceKey renders the fully-qualified key a controller's Reconcile
// is addressed by, reusing internal/resource.Key's wire format so the
// same string a repository.Change carries also identifies the
// scheduler's queue entry.
func resourceKey(tenant, kind, namespace, name string) string {
	return resource.NewKey(tenant, kind, namespace, name).String()
}

// splitKey reverses resourceKey. Every kind this package handles is
// namespaced (resource.Kind.Namespaced == true), so the key always has
// exactly four "/"-separated segments.
func splitKey(key string) (tenant, kind, namespace, name string, ok bool) {
	parts := strings.SplitN(key, "/", 4)
	if len(parts) != 4 {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[2], parts[3], true
}

// scheduleIfKind is the Controller.Schedule implementation shared by
// every controller in this package: an Event belongs to a controller
// exactly when ev.Kind matches the kind it owns.
func scheduleIfKind(kind string, ev scheduler.Event) (string, bool) {
	if ev.Kind != kind {
		return "", false
	}
	return resourceKey(ev.Tenant, kind, ev.Namespace, ev.Name), true
}

// BridgeRepositoryChanges subscribes to repo's change stream and
// forwards every change as a scheduler.Event, closing the cyclic-wiring
// gap: repositories are constructed before
// the scheduler exists to dispatch into, so the bridge is started
// separately once both are built (mirrored by cmd/ignitiond/main.go's
// wiring order). It runs until ctx is canceled.
func BridgeRepositoryChanges(ctx context.Context, sched *scheduler.Scheduler, repo *repository.Repository, kind string) {
	ch, cancel := repo.Watch()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			sched.Dispatch(ctx, scheduler.Event{
				Kind:      kind,
				Tenant:    change.Tenant,
				Namespace: change.Namespace,
				Name:      change.Name,
				Reason:    string(change.ChangeKind),
			})
		}
	}
}
