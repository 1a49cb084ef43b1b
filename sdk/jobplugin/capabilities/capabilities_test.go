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

package capabilities

import "testing"

func TestBuilderProfileGrantsItsCapabilities(t *testing.T) {
	m := NewBuilder().Profile(ProfileCertificates).Version("v1.0.0").Build()

	if !m.Has(CapabilityACMEIssue) || !m.Has(CapabilityDNSChallenge) {
		t.Fatalf("expected certificates profile to grant acme-issue and dns-challenge")
	}
	if m.Has(CapabilityImagePull) {
		t.Fatal("expected certificates profile to not grant image-pull")
	}
	if !m.SupportsProfile(ProfileCertificates) {
		t.Fatal("expected SupportsProfile to report true for its own granted profile")
	}
	if m.SupportsProfile(ProfileImages) {
		t.Fatal("expected SupportsProfile to report false for an ungranted profile")
	}
}

func TestManagerResponseListsGrantedKinds(t *testing.T) {
	m := NewManager().Add(CapabilityImagePull).SetVersion("v2")
	resp := m.Response()

	if resp.Version != "v2" {
		t.Fatalf("Version = %q, want v2", resp.Version)
	}
	if len(resp.Kinds) != 1 || resp.Kinds[0] != string(CapabilityImagePull) {
		t.Fatalf("Kinds = %v, want [image-pull]", resp.Kinds)
	}
}
