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

package resource

import "testing"

type fakeV1 struct {
	Name      string
	Namespace string
	SizeMi    int
}

func (v *fakeV1) GetName() string      { return v.Name }
func (v *fakeV1) GetNamespace() string { return v.Namespace }

type fakeV2 struct {
	Name      string
	Namespace string
	SizeBytes int64
}

func (v *fakeV2) GetName() string      { return v.Name }
func (v *fakeV2) GetNamespace() string { return v.Namespace }

func testKind() *Kind {
	return &Kind{
		Name:       "Volume",
		Namespaced: true,
		Versions: []VersionInfo{
			{
				Name:   "v1",
				Served: true,
				Stored: true,
				New:    func() Value { return &fakeV1{} },
				Up: func(v Value) (Value, error) {
					in := v.(*fakeV1)
					return &fakeV2{Name: in.Name, Namespace: in.Namespace, SizeBytes: int64(in.SizeMi) << 20}, nil
				},
			},
			{
				Name:   "v2",
				Served: true,
				Latest: true,
				New:    func() Value { return &fakeV2{} },
				Down: func(v Value) (Value, error) {
					in := v.(*fakeV2)
					return &fakeV1{Name: in.Name, Namespace: in.Namespace, SizeMi: int(in.SizeBytes >> 20)}, nil
				},
			},
		},
	}
}

func TestKindValidate(t *testing.T) {
	if err := testKind().Validate(); err != nil {
		t.Fatalf("expected valid kind, got error: %v", err)
	}

	bad := testKind()
	bad.Versions[1].Latest = false
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error for missing Latest version")
	}

	bad2 := testKind()
	bad2.Versions[1].Stored = true // now both v1 and v2 are Stored
	if err := bad2.Validate(); err == nil {
		t.Fatal("expected validation error for two Stored versions")
	}
}

func TestVersionRoundTrip(t *testing.T) {
	k := testKind()

	v1 := &fakeV1{Name: "data", Namespace: "default", SizeMi: 64}

	latest, err := k.Latest(v1, "v1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	v2 := latest.(*fakeV2)
	if v2.SizeBytes != 64<<20 {
		t.Fatalf("expected 64MiB in bytes, got %d", v2.SizeBytes)
	}

	// prop 1: r.stored().latest() == r.latest()
	stored, err := k.Stored(latest, "v2")
	if err != nil {
		t.Fatalf("Stored: %v", err)
	}
	backToLatest, err := k.Latest(stored, "v1")
	if err != nil {
		t.Fatalf("Latest after Stored: %v", err)
	}
	if backToLatest.(*fakeV2).SizeBytes != v2.SizeBytes {
		t.Fatalf("round trip mismatch: got %d want %d", backToLatest.(*fakeV2).SizeBytes, v2.SizeBytes)
	}

	// prop 1: for every served version v, r.latest().convert_down_to(v).latest() == r.latest()
	for _, vi := range k.Versions {
		if !vi.Served {
			continue
		}
		down, err := k.ConvertTo(latest, "v2", vi.Name)
		if err != nil {
			t.Fatalf("convert to %s: %v", vi.Name, err)
		}
		back, err := k.Latest(down, vi.Name)
		if err != nil {
			t.Fatalf("latest from %s: %v", vi.Name, err)
		}
		if back.(*fakeV2).SizeBytes != v2.SizeBytes {
			t.Fatalf("round trip via %s mismatch", vi.Name)
		}
	}
}

func TestNormalizeNamespace(t *testing.T) {
	if got := NormalizeNamespace(""); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}
	if got := NormalizeNamespace("prod"); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
}

func TestKeyString(t *testing.T) {
	k := NewKey("acme", "Volume", "", "data")
	if got, want := k.String(), "acme/Volume/default/data"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	p := Partial("acme", "Volume", "")
	if !p.IsPartial() {
		t.Fatal("expected partial key")
	}
}
