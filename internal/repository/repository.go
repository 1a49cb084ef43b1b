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

// Package repository builds the typed, per-resource accessors on top of
// internal/store and internal/resource. It is the single place where
// admission checks, status lifecycle, and the
// ResourceChange/ResourceStatusChange event taxonomy live.
package repository

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/ignitiond/ignitiond/internal/resource"
	"github.com/ignitiond/ignitiond/internal/store"
)

// ChangeKind distinguishes a resource-body change from a status change,
// since the scheduler's controllers react differently to each.
type ChangeKind string

const (
	ResourceChange       ChangeKind = "resource"
	ResourceStatusChange ChangeKind = "status"
)

// Change is the event this package's Watch stream delivers, layered atop
// store.ChangeEvent with the resource-level Kind attribution.
type Change struct {
	ChangeKind ChangeKind
	Tenant     string
	Kind       string
	Namespace  string
	Name       string
	Op         store.Op
}

// ErrAdmissionRejected wraps every admission-hook failure so callers
// (the HTTP API in particular) can tell a rejected write apart from a
// storage fault without string matching.
var ErrAdmissionRejected = errors.New("admission rejected")

// AdmissionFunc validates a proposed write before it is committed. It
// receives the existing value (nil if this is a create) and the
// candidate new value; a non-nil error aborts the Set.
type AdmissionFunc func(existing, candidate resource.Value) error

// BeforeDeleteFunc runs prior to removing a resource row; returning an
// error aborts the delete. It is used to release allocator reservations
// and other resources tied to the resource; Delete removes the status
// row itself.
type BeforeDeleteFunc func(tenant, namespace, name string) error

// Repository is a typed accessor over one resource.Kind.
type Repository struct {
	kind  *resource.Kind
	store *store.Store

	admission    AdmissionFunc
	beforeDelete BeforeDeleteFunc

	statusMu sync.Map // map[string]*sync.Mutex, keyed by per-resource-key string

	watchMu  sync.RWMutex
	watchers map[int]chan Change
	nextID   int
}

// New constructs a Repository for kind over the given store. admission
// and beforeDelete may be nil.
func New(kind *resource.Kind, s *store.Store, admission AdmissionFunc, beforeDelete BeforeDeleteFunc) *Repository {
	return &Repository{
		kind:         kind,
		store:        s,
		admission:    admission,
		beforeDelete: beforeDelete,
		watchers:     make(map[int]chan Change),
	}
}

// SetAdmission assigns (or replaces) the admission hook after
// construction. This resolves a cyclic-dependency shape: a Volume's admission check needs to read the
// Volume's own status (populated by its controller), but the repository
// is constructed before the controller exists, so the hook is wired in
// lazily once both sides are built.
func (r *Repository) SetAdmission(fn AdmissionFunc) { r.admission = fn }

// SetBeforeDelete assigns (or replaces) the before-delete hook after
// construction, for the same reason as SetAdmission.
func (r *Repository) SetBeforeDelete(fn BeforeDeleteFunc) { r.beforeDelete = fn }

func (r *Repository) storeKind() string { return r.kind.Name }

func statusKind(kind string) string { return kind + ".status" }

func lockKeyFor(tenant, namespace, name string) string {
	return tenant + "/" + namespace + "/" + name
}

func (r *Repository) mutexFor(tenant, namespace, name string) *sync.Mutex {
	key := lockKeyFor(tenant, namespace, name)
	v, _ := r.statusMu.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Get reads the resource at (tenant, namespace, name), converted to the
// Kind's Latest version. It returns ok=false if no row exists.
func (r *Repository) Get(tenant, namespace, name string) (resource.Value, bool, error) {
	namespace = resource.NormalizeNamespace(namespace)

	env, ok, err := r.store.Get(tenant, r.storeKind(), namespace, name)
	if err != nil {
		return nil, false, fmt.Errorf("repository %s: get: %w", r.kind.Name, err)
	}
	if !ok {
		return nil, false, nil
	}

	v, err := r.decode(env)
	if err != nil {
		return nil, false, err
	}

	latest, err := r.kind.Latest(v, env.Version)
	if err != nil {
		return nil, false, fmt.Errorf("repository %s: latest: %w", r.kind.Name, err)
	}
	return latest, true, nil
}

// GetWithStatus reads both the resource body and its status record.
func (r *Repository) GetWithStatus(tenant, namespace, name string, status any) (resource.Value, bool, error) {
	v, ok, err := r.Get(tenant, namespace, name)
	if err != nil || !ok {
		return v, ok, err
	}
	if status != nil {
		if _, _, err := r.GetStatus(tenant, namespace, name, status); err != nil {
			return nil, false, err
		}
	}
	return v, ok, nil
}

// List returns every resource under (tenant, namespace), each converted
// to Latest. An empty namespace lists across every namespace.
func (r *Repository) List(tenant, namespace string) ([]resource.Value, error) {
	envs, err := r.store.List(tenant, r.storeKind(), namespace)
	if err != nil {
		return nil, fmt.Errorf("repository %s: list: %w", r.kind.Name, err)
	}

	out := make([]resource.Value, 0, len(envs))
	for _, env := range envs {
		v, err := r.decode(env)
		if err != nil {
			return nil, err
		}
		latest, err := r.kind.Latest(v, env.Version)
		if err != nil {
			return nil, fmt.Errorf("repository %s: latest: %w", r.kind.Name, err)
		}
		out = append(out, latest)
	}
	return out, nil
}

// Set runs admission checks against the existing row (if any) then
// writes v converted down to the Kind's Stored version, emitting a
// ResourceChange event.
func (r *Repository) Set(tenant string, v resource.Value) error {
	namespace := resource.NormalizeNamespace(v.GetNamespace())
	name := v.GetName()

	if r.admission != nil {
		existing, ok, err := r.Get(tenant, namespace, name)
		if err != nil {
			return err
		}
		if !ok {
			existing = nil
		}
		if err := r.admission(existing, v); err != nil {
			return fmt.Errorf("repository %s: %w: %v", r.kind.Name, ErrAdmissionRejected, err)
		}
	}

	stored, err := r.kind.Stored(v, r.kind.LatestVersion())
	if err != nil {
		return fmt.Errorf("repository %s: stored conversion: %w", r.kind.Name, err)
	}

	payload, err := cbor.Marshal(stored)
	if err != nil {
		return fmt.Errorf("repository %s: encode payload: %w", r.kind.Name, err)
	}

	env := store.Envelope{
		Kind:      r.kind.Name,
		Version:   r.kind.StoredVersion(),
		Namespace: namespace,
		Name:      name,
		Payload:   payload,
	}
	if err := r.store.Put(tenant, r.storeKind(), namespace, name, env); err != nil {
		return fmt.Errorf("repository %s: put: %w", r.kind.Name, err)
	}

	r.publish(Change{ChangeKind: ResourceChange, Tenant: tenant, Kind: r.kind.Name, Namespace: namespace, Name: name, Op: store.OpPut})
	return nil
}

// Delete runs the before-delete hook, then removes the resource row and
// its status row.
func (r *Repository) Delete(tenant, namespace, name string) error {
	namespace = resource.NormalizeNamespace(namespace)

	if r.beforeDelete != nil {
		if err := r.beforeDelete(tenant, namespace, name); err != nil {
			return fmt.Errorf("repository %s: before_delete: %w", r.kind.Name, err)
		}
	}

	if err := r.store.Delete(tenant, statusKind(r.kind.Name), namespace, name); err != nil {
		return fmt.Errorf("repository %s: delete status: %w", r.kind.Name, err)
	}
	if err := r.store.Delete(tenant, r.storeKind(), namespace, name); err != nil {
		return fmt.Errorf("repository %s: delete: %w", r.kind.Name, err)
	}

	r.publish(Change{ChangeKind: ResourceStatusChange, Tenant: tenant, Kind: r.kind.Name, Namespace: namespace, Name: name, Op: store.OpDelete})
	r.publish(Change{ChangeKind: ResourceChange, Tenant: tenant, Kind: r.kind.Name, Namespace: namespace, Name: name, Op: store.OpDelete})
	return nil
}

// GetStatus decodes the status row for (tenant, namespace, name) into
// out, a pointer to a resource-specific status struct. ok is false if no
// status row exists yet (it is created lazily on first reconcile).
func (r *Repository) GetStatus(tenant, namespace, name string, out any) (any, bool, error) {
	namespace = resource.NormalizeNamespace(namespace)

	env, ok, err := r.store.Get(tenant, statusKind(r.kind.Name), namespace, name)
	if err != nil {
		return nil, false, fmt.Errorf("repository %s: get_status: %w", r.kind.Name, err)
	}
	if !ok {
		return nil, false, nil
	}
	if err := cbor.Unmarshal(env.Payload, out); err != nil {
		return nil, false, fmt.Errorf("repository %s: decode status: %w", r.kind.Name, err)
	}
	return out, true, nil
}

// SetStatus overwrites the status row unconditionally and emits a
// ResourceStatusChange event.
func (r *Repository) SetStatus(tenant, namespace, name string, status any) error {
	namespace = resource.NormalizeNamespace(namespace)

	payload, err := cbor.Marshal(status)
	if err != nil {
		return fmt.Errorf("repository %s: encode status: %w", r.kind.Name, err)
	}

	env := store.Envelope{Kind: statusKind(r.kind.Name), Namespace: namespace, Name: name, Payload: payload}
	if err := r.store.Put(tenant, statusKind(r.kind.Name), namespace, name, env); err != nil {
		return fmt.Errorf("repository %s: put_status: %w", r.kind.Name, err)
	}

	r.publish(Change{ChangeKind: ResourceStatusChange, Tenant: tenant, Kind: r.kind.Name, Namespace: namespace, Name: name, Op: store.OpPut})
	return nil
}

// PatchFunc mutates a decoded status value in place. It must be pure
// with respect to everything except its argument.
type PatchFunc func(status any) error

// PatchStatus reads the status row (or starts from the zero value of
// newStatus()), applies fn under a per-key mutex, and writes the result
// back atomically, so concurrent controllers reconciling the same key
// never lose an update racing against another's read-modify-write.
func (r *Repository) PatchStatus(tenant, namespace, name string, newStatus func() any, fn PatchFunc) error {
	namespace = resource.NormalizeNamespace(namespace)

	mu := r.mutexFor(tenant, namespace, name)
	mu.Lock()
	defer mu.Unlock()

	status := newStatus()
	_, _, err := r.GetStatus(tenant, namespace, name, status)
	if err != nil {
		return err
	}

	if err := fn(status); err != nil {
		return fmt.Errorf("repository %s: patch_status: %w", r.kind.Name, err)
	}

	return r.SetStatus(tenant, namespace, name, status)
}

// Watch subscribes to this repository's change stream. The returned
// cancel func must be called to release the subscription.
func (r *Repository) Watch() (<-chan Change, func()) {
	ch := make(chan Change, 64)

	r.watchMu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	r.watchMu.Unlock()

	cancel := func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		if c, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Repository) publish(c Change) {
	r.watchMu.RLock()
	defer r.watchMu.RUnlock()
	for _, ch := range r.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (r *Repository) decode(env store.Envelope) (resource.Value, error) {
	idx := -1
	for i, vi := range r.kind.Versions {
		if vi.Name == env.Version {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("repository %s: unknown stored version %q", r.kind.Name, env.Version)
	}

	v := r.kind.Versions[idx].New()
	if err := cbor.Unmarshal(env.Payload, v); err != nil {
		return nil, fmt.Errorf("repository %s: decode payload: %w", r.kind.Name, err)
	}
	return v, nil
}
