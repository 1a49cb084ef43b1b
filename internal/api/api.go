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

// Package api is the HTTP collaborator over internal/repository: four
// routes per resource kind (list, get, put, delete), schema-validated
// against the kind's served versions and admission-checked by the
// repository itself. It holds no state of its own; every handler is a
// thin translation between HTTP and repository calls.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resource"
)

// NamespaceHeader overrides the ?namespace= query parameter when
// present on a request.
const NamespaceHeader = "x-ignition-namespace"

// Binding wires one resource kind into the router: its registered
// Kind (for decode/convert), its Repository (for persistence), a
// status-struct factory, and the URL path segment it is served under.
type Binding struct {
	Kind      *resource.Kind
	Repo      *repository.Repository
	NewStatus func() any
	PathName  string
}

// metaSetter is implemented by every version struct this API serves;
// the URL path, not the request body, is authoritative for identity.
type metaSetter interface {
	SetMeta(namespace, name string)
}

// Item is the response envelope for a single resource: the body at its
// Latest version plus the controller-owned status record, if one exists.
type Item struct {
	Kind     string         `json:"kind"`
	Resource resource.Value `json:"resource"`
	Status   any            `json:"status,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server serves the typed repository over HTTP.
type Server struct {
	log    logr.Logger
	tenant string
	router *mux.Router
}

// NewServer builds the router for the given bindings. tenant is the
// fixed tenant this single-host daemon serves.
func NewServer(log logr.Logger, tenant string, bindings []Binding) *Server {
	s := &Server{
		log:    log.WithName("api"),
		tenant: tenant,
		router: mux.NewRouter(),
	}
	for _, b := range bindings {
		s.route(b)
	}
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) route(b Binding) {
	s.router.HandleFunc("/"+b.PathName, s.handleList(b)).Methods(http.MethodGet)
	s.router.HandleFunc("/"+b.PathName+"/{namespace}/{name}", s.handleGet(b)).Methods(http.MethodGet)
	s.router.HandleFunc("/"+b.PathName+"/{namespace}/{name}", s.handlePut(b)).Methods(http.MethodPut)
	s.router.HandleFunc("/"+b.PathName+"/{namespace}/{name}", s.handleDelete(b)).Methods(http.MethodDelete)
}

// requestNamespace resolves the namespace for a list request: the
// x-ignition-namespace header wins over the query parameter. An empty
// result lists across all namespaces.
func requestNamespace(r *http.Request) string {
	if h := r.Header.Get(NamespaceHeader); h != "" {
		return h
	}
	return r.URL.Query().Get("namespace")
}

// itemNamespace resolves the namespace for a single-resource request:
// the header, when present, overrides the path segment.
func itemNamespace(r *http.Request) string {
	if h := r.Header.Get(NamespaceHeader); h != "" {
		return h
	}
	return mux.Vars(r)["namespace"]
}

func (s *Server) handleList(b Binding) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace := requestNamespace(r)
		values, err := b.Repo.List(s.tenant, namespace)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}

		items := make([]Item, 0, len(values))
		for _, v := range values {
			items = append(items, s.itemFor(b, v))
		}
		s.writeJSON(w, http.StatusOK, items)
	}
}

func (s *Server) handleGet(b Binding) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, name := itemNamespace(r), mux.Vars(r)["name"]

		v, ok, err := b.Repo.Get(s.tenant, namespace, name)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("%s %s/%s not found", b.Kind.Name, namespace, name))
			return
		}
		s.writeJSON(w, http.StatusOK, s.itemFor(b, v))
	}
}

func (s *Server) handlePut(b Binding) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, name := itemNamespace(r), mux.Vars(r)["name"]

		var body bytes.Buffer
		if _, err := body.ReadFrom(http.MaxBytesReader(w, r.Body, 1<<20)); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}

		v, version, err := decodeServed(b.Kind, body.Bytes())
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		if ms, ok := v.(metaSetter); ok {
			ms.SetMeta(resource.NormalizeNamespace(namespace), name)
		}

		latest, err := b.Kind.Latest(v, version)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}

		if err := b.Repo.Set(s.tenant, latest); err != nil {
			if errors.Is(err, repository.ErrAdmissionRejected) {
				s.writeError(w, http.StatusConflict, err)
				return
			}
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.itemFor(b, latest))
	}
}

func (s *Server) handleDelete(b Binding) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, name := itemNamespace(r), mux.Vars(r)["name"]

		_, ok, err := b.Repo.Get(s.tenant, namespace, name)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("%s %s/%s not found", b.Kind.Name, namespace, name))
			return
		}

		if err := b.Repo.Delete(s.tenant, namespace, name); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) itemFor(b Binding, v resource.Value) Item {
	item := Item{Kind: b.Kind.Name, Resource: v}
	if b.NewStatus != nil {
		status := b.NewStatus()
		if _, ok, err := b.Repo.GetStatus(s.tenant, v.GetNamespace(), v.GetName(), status); err == nil && ok {
			item.Status = status
		}
	}
	return item
}

// decodeServed decodes body against the kind's served versions, newest
// first: a strict decode against Latest, then each older served
// version. This is how a client may PUT any served schema while the
// repository keeps writing the Stored form.
func decodeServed(k *resource.Kind, body []byte) (resource.Value, string, error) {
	var firstErr error
	for i := len(k.Versions) - 1; i >= 0; i-- {
		vi := k.Versions[i]
		if !vi.Served {
			continue
		}
		v := vi.New()
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return v, vi.Name, nil
	}
	return nil, "", fmt.Errorf("body matches no served %s version: %w", k.Name, firstErr)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(err, "encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error(err, "request failed")
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}
