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

package agentrpc

import "testing"

func TestCborCodecRoundTrip(t *testing.T) {
	var codec cborCodec

	req := &JobRequest{
		JobKey:    "acme/Certificate/default/site",
		Kind:      "acme-issue",
		Tenant:    "acme",
		Namespace: "default",
		Name:      "site",
		Params:    map[string]string{"dns_name": "example.test"},
	}

	data, err := codec.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out JobRequest
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.JobKey != req.JobKey || out.Kind != req.Kind || out.Params["dns_name"] != "example.test" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestCodecNameMatchesRegistration(t *testing.T) {
	var codec cborCodec
	if codec.Name() != CodecName {
		t.Fatalf("Name() = %q, want %q", codec.Name(), CodecName)
	}
}
