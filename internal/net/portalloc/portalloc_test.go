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

package portalloc

import (
	"testing"

	"github.com/ignitiond/ignitiond/internal/store"
)

// TestAllocateExhaustionAndRelease configures a
// range [30000,30002], allocates 3 ports successively (each distinct),
// the 4th fails with "No available TCP ports", release one and
// re-allocate succeeds.
func TestAllocateExhaustionAndRelease(t *testing.T) {
	s, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	a, err := New(s, "default", 30000, 30002)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := make(map[int]bool)
	var ports []int
	for i := 0; i < 3; i++ {
		p, err := a.Allocate(Owner{Tenant: "default", Namespace: "default", Name: "svc"})
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if p < 30000 || p > 30002 {
			t.Fatalf("Allocate returned out-of-range port %d", p)
		}
		if seen[p] {
			t.Fatalf("Allocate returned duplicate port %d", p)
		}
		seen[p] = true
		ports = append(ports, p)
	}

	if _, err := a.Allocate(Owner{Tenant: "default", Namespace: "default", Name: "overflow"}); err == nil {
		t.Fatal("expected exhaustion error, got nil")
	} else if err.Error() != "No available TCP ports" {
		t.Errorf("error = %q, want %q", err.Error(), "No available TCP ports")
	}

	if err := a.Release(ports[0]); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := a.Allocate(Owner{Tenant: "default", Namespace: "default", Name: "overflow"})
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if again != ports[0] {
		t.Errorf("expected released port %d to be reusable, got %d", ports[0], again)
	}
}
