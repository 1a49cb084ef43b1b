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

package repository

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignitiond/ignitiond/internal/resource"
	"github.com/ignitiond/ignitiond/internal/store"
)

type volumeV1 struct {
	Name      string
	Namespace string
	SizeMi    int
}

func (v *volumeV1) GetName() string      { return v.Name }
func (v *volumeV1) GetNamespace() string { return v.Namespace }

type volumeStatus struct {
	HashLocked bool
	VolumeID   string
	Count      int
}

func volumeKind() *resource.Kind {
	return &resource.Kind{
		Name:       "Volume",
		Namespaced: true,
		Versions: []resource.VersionInfo{
			{
				Name:   "v1",
				Served: true,
				Stored: true,
				Latest: true,
				New:    func() resource.Value { return &volumeV1{} },
			},
		},
	}
}

func newTestRepository(t *testing.T, admission AdmissionFunc, beforeDelete BeforeDeleteFunc) (*Repository, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(volumeKind(), s, admission, beforeDelete), s
}

func TestSetGetRoundTrip(t *testing.T) {
	repo, _ := newTestRepository(t, nil, nil)

	v := &volumeV1{Name: "data", Namespace: "default", SizeMi: 64}
	if err := repo.Set("acme", v); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := repo.Get("acme", "default", "data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected resource to exist")
	}
	if got.(*volumeV1).SizeMi != 64 {
		t.Fatalf("got SizeMi=%d, want 64", got.(*volumeV1).SizeMi)
	}
}

func TestSetAdmissionRejectsHashLockedMutation(t *testing.T) {
	admission := func(existing, candidate resource.Value) error {
		if existing == nil {
			return nil
		}
		old := existing.(*volumeV1)
		next := candidate.(*volumeV1)
		if old.SizeMi != next.SizeMi {
			return errors.New("volume size is hash-locked after first reconcile")
		}
		return nil
	}
	repo, _ := newTestRepository(t, admission, nil)

	if err := repo.Set("acme", &volumeV1{Name: "data", Namespace: "default", SizeMi: 64}); err != nil {
		t.Fatalf("initial Set: %v", err)
	}
	if err := repo.Set("acme", &volumeV1{Name: "data", Namespace: "default", SizeMi: 128}); err == nil {
		t.Fatal("expected admission to reject size mutation")
	}
}

func TestDeleteRunsBeforeDeleteHook(t *testing.T) {
	var ran bool
	beforeDelete := func(tenant, namespace, name string) error {
		ran = true
		return nil
	}
	repo, _ := newTestRepository(t, nil, beforeDelete)

	if err := repo.Set("acme", &volumeV1{Name: "data", Namespace: "default", SizeMi: 64}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := repo.Delete("acme", "default", "data"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !ran {
		t.Fatal("expected before_delete hook to run")
	}

	_, ok, err := repo.Get("acme", "default", "data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected resource to be gone")
	}
}

func TestDeleteAbortedByBeforeDeleteHook(t *testing.T) {
	beforeDelete := func(tenant, namespace, name string) error {
		return errors.New("resource busy")
	}
	repo, _ := newTestRepository(t, nil, beforeDelete)

	if err := repo.Set("acme", &volumeV1{Name: "data", Namespace: "default", SizeMi: 64}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := repo.Delete("acme", "default", "data"); err == nil {
		t.Fatal("expected delete to be aborted")
	}

	_, ok, err := repo.Get("acme", "default", "data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected resource to still exist after aborted delete")
	}
}

func TestPatchStatusConcurrentIncrementsAreNotLost(t *testing.T) {
	repo, _ := newTestRepository(t, nil, nil)

	if err := repo.Set("acme", &volumeV1{Name: "data", Namespace: "default", SizeMi: 64}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = repo.PatchStatus("acme", "default", "data",
				func() any { return &volumeStatus{} },
				func(s any) error {
					st := s.(*volumeStatus)
					st.VolumeID = fmt.Sprintf("vol-%d", i)
					st.Count++
					return nil
				})
		}(i)
	}
	wg.Wait()

	var st volumeStatus
	_, ok, err := repo.GetStatus("acme", "default", "data", &st)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected status row to exist")
	}
	if st.VolumeID == "" {
		t.Fatal("expected some writer to win")
	}
	if st.Count != n {
		t.Fatalf("expected %d increments, got %d", n, st.Count)
	}
}

func TestWatchEmitsResourceAndStatusChanges(t *testing.T) {
	repo, _ := newTestRepository(t, nil, nil)

	ch, cancel := repo.Watch()
	defer cancel()

	if err := repo.Set("acme", &volumeV1{Name: "data", Namespace: "default", SizeMi: 64}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case c := <-ch:
		if c.ChangeKind != ResourceChange || c.Name != "data" {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resource change")
	}

	if err := repo.SetStatus("acme", "default", "data", &volumeStatus{HashLocked: true}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	select {
	case c := <-ch:
		if c.ChangeKind != ResourceStatusChange {
			t.Fatalf("expected status change, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status change")
	}
}
