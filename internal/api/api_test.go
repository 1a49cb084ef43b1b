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

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/store"
)

const testTenant = "default"

// wireItem mirrors Item on the client side, where the resource body
// has to land in a RawMessage before it can be decoded to a concrete
// version struct.
type wireItem struct {
	Kind     string          `json:"kind"`
	Resource json.RawMessage `json:"resource"`
	Status   json.RawMessage `json:"status"`
}

func newTestServer(t *testing.T) (*Server, Repos) {
	t.Helper()
	s, err := store.Open(t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	repos := Repos{
		Machines:     repository.New(resources.MachineKind, s, nil, nil),
		Volumes:      repository.New(resources.VolumeKind, s, nil, nil),
		Services:     repository.New(resources.ServiceKind, s, nil, nil),
		Certificates: repository.New(resources.CertificateKind, s, nil, nil),
		Apps:         repository.New(resources.AppKind, s, nil, nil),
	}
	repos.Volumes.SetAdmission(resources.VolumeAdmission(repos.Volumes, testTenant))
	return NewServer(logr.Discard(), testTenant, DefaultBindings(repos)), repos
}

func doJSON(t *testing.T, srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPutDecodesOlderServedVersion(t *testing.T) {
	srv, repos := newTestServer(t)

	// The v1alpha1 shape: size as a human string. The handler must
	// accept it and persist the converted form.
	rec := doJSON(t, srv, http.MethodPut, "/volumes/default/data",
		`{"mode":"writeable","size":"64Mi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body.String())
	}

	v, ok, err := repos.Volumes.Get(testTenant, "default", "data")
	if err != nil || !ok {
		t.Fatalf("Get after PUT: ok=%v err=%v", ok, err)
	}
	vol := v.(*resources.VolumeV1Beta1)
	if vol.SizeBytes != 64<<20 {
		t.Fatalf("SizeBytes = %d, want %d", vol.SizeBytes, 64<<20)
	}
}

func TestPutLatestVersionAndGet(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPut, "/volumes/default/scratch",
		`{"mode":"readonly","sizeBytes":1048576}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/volumes/default/scratch", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var item wireItem
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if item.Kind != "Volume" {
		t.Fatalf("Kind = %q, want Volume", item.Kind)
	}
	var vol resources.VolumeV1Beta1
	if err := json.Unmarshal(item.Resource, &vol); err != nil {
		t.Fatalf("decode resource: %v", err)
	}
	if vol.Name != "scratch" || vol.SizeBytes != 1048576 {
		t.Fatalf("resource = %+v", vol)
	}
}

func TestPutRejectsUnknownFields(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPut, "/volumes/default/data",
		`{"mode":"writeable","bogus":true}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT status = %d, want 400", rec.Code)
	}
}

func TestHashLockedSizeChangeIsConflict(t *testing.T) {
	srv, repos := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPut, "/volumes/default/data",
		`{"mode":"writeable","size":"64Mi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first PUT status = %d", rec.Code)
	}

	// Simulate the controller's first successful reconcile.
	err := repos.Volumes.SetStatus(testTenant, "default", "data",
		&resources.VolumeStatus{Hash: "abc123", VolumeID: "vol-1", SizeBytes: 64 << 20})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPut, "/volumes/default/data",
		`{"mode":"writeable","size":"128Mi"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second PUT status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/machines/default/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/machines/default/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("DELETE status = %d, want 404", rec.Code)
	}
}

func TestDeleteRemovesStatusRow(t *testing.T) {
	srv, repos := newTestServer(t)

	doJSON(t, srv, http.MethodPut, "/services/default/web",
		`{"targetName":"web-0","targetPort":8080}`, nil)
	if err := repos.Services.SetStatus(testTenant, "default", "web",
		&resources.ServiceStatus{AllocatedPort: 30001}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	rec := doJSON(t, srv, http.MethodDelete, "/services/default/web", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", rec.Code)
	}

	var st resources.ServiceStatus
	_, ok, err := repos.Services.GetStatus(testTenant, "default", "web", &st)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if ok {
		t.Fatal("status row survived DELETE")
	}
}

func TestNamespaceHeaderOverridesQuery(t *testing.T) {
	srv, repos := newTestServer(t)

	if err := repos.Apps.Set(testTenant, &resources.AppV1{Name: "a", Namespace: "prod", Image: "img", Replicas: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := repos.Apps.Set(testTenant, &resources.AppV1{Name: "b", Namespace: "dev", Image: "img", Replicas: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/apps?namespace=dev", "",
		map[string]string{NamespaceHeader: "prod"})
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var items []wireItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	var app resources.AppV1
	if err := json.Unmarshal(items[0].Resource, &app); err != nil {
		t.Fatalf("decode resource: %v", err)
	}
	if app.Name != "a" || app.Namespace != "prod" {
		t.Fatalf("listed app = %+v, want prod/a", app)
	}
}
