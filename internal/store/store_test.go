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

package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	env := Envelope{Kind: "Volume", Version: "v2", Namespace: "default", Name: "data", Payload: []byte("hello")}
	if err := s.Put("acme", "Volume", "default", "data", env); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get("acme", "Volume", "default", "data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected row to exist")
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("got payload %q", got.Payload)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("acme", "Volume", "default", "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected missing row")
	}
}

// TestKeyUniqueness validates Testable Property 2: a Put under the same
// (tenant, kind, namespace, name) key always overwrites in place, never
// producing a second row.
func TestKeyUniqueness(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		env := Envelope{Kind: "Volume", Version: "v2", Namespace: "default", Name: "data", Payload: []byte{byte(i)}}
		if err := s.Put("acme", "Volume", "default", "data", env); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	rows, err := s.List("acme", "Volume", "default")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	if rows[0].Payload[0] != 2 {
		t.Fatalf("expected last write to win, got payload %v", rows[0].Payload)
	}
}

func TestListOrderedByPrefix(t *testing.T) {
	s := openTestStore(t)

	names := []string{"b", "a", "c"}
	for _, n := range names {
		env := Envelope{Kind: "Volume", Namespace: "default", Name: n}
		if err := s.Put("acme", "Volume", "default", n, env); err != nil {
			t.Fatalf("Put %s: %v", n, err)
		}
	}
	// row in a different namespace must not appear in the "default" scan
	if err := s.Put("acme", "Volume", "other", "z", Envelope{Kind: "Volume", Namespace: "other", Name: "z"}); err != nil {
		t.Fatalf("Put other: %v", err)
	}

	rows, err := s.List("acme", "Volume", "default")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	order := []string{rows[0].Name, rows[1].Name, rows[2].Name}
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected ordered scan %v, got %v", want, order)
		}
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("acme", "Volume", "default", "data", Envelope{Name: "data"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete("acme", "Volume", "default", "data"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.Get("acme", "Volume", "default", "data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected row to be gone after delete")
	}
}

func TestWatchReceivesCommittedEvents(t *testing.T) {
	s := openTestStore(t)

	ch, cancel := s.Watch()
	defer cancel()

	if err := s.Put("acme", "Volume", "default", "data", Envelope{Name: "data"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Op != OpPut || ev.Name != "data" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}

	if err := s.Delete("acme", "Volume", "default", "data"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Op != OpDelete {
			t.Fatalf("expected delete event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestWatchCancelClosesChannel(t *testing.T) {
	s := openTestStore(t)

	ch, cancel := s.Watch()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}
