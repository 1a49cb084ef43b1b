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

package controllers

import (
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
	"github.com/ignitiond/ignitiond/internal/store"
)

const testTenant = "acme"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.DataDir = t.TempDir()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	cfg.Retry.Multiplier = 2
	return cfg
}

func newVolumeRepo(s *store.Store) *repository.Repository {
	return repository.New(resources.VolumeKind, s, nil, nil)
}

func newMachineRepo(s *store.Store) *repository.Repository {
	return repository.New(resources.MachineKind, s, nil, nil)
}

func newServiceRepo(s *store.Store) *repository.Repository {
	return repository.New(resources.ServiceKind, s, nil, nil)
}

func newCertificateRepo(s *store.Store) *repository.Repository {
	return repository.New(resources.CertificateKind, s, nil, nil)
}

func newAppRepo(s *store.Store) *repository.Repository {
	return repository.New(resources.AppKind, s, nil, nil)
}

func testLogger() logr.Logger {
	return logr.Discard()
}

func eventFor(kind, namespace, name string) scheduler.Event {
	return scheduler.Event{Kind: kind, Tenant: testTenant, Namespace: namespace, Name: name, Reason: "test"}
}
