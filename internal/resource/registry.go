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

import (
	"fmt"
	"sync"
)

// Registry holds the closed set of resource Kinds known to the process,
// a process-init configuration record: kinds are registered once at
// startup and never mutated afterward.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry creates an empty resource registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Kind)}
}

// Register validates and adds a Kind to the registry. It panics on an
// invalid Kind (exactly-one-Stored/Latest violation): this is called
// exclusively from package init in internal/resources, so a violation is
// a programming error, not a runtime condition to recover from.
func (r *Registry) Register(k *Kind) {
	if err := k.Validate(); err != nil {
		panic(fmt.Sprintf("resource registry: %v", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[k.Name]; exists {
		panic(fmt.Sprintf("resource registry: kind %q already registered", k.Name))
	}
	r.kinds[k.Name] = k
}

// Kind looks up a registered Kind by name.
func (r *Registry) Kind(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Kinds returns every registered Kind name.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	return names
}

// Global is the process-wide resource registry populated by
// internal/resources' package init functions.
var Global = NewRegistry()
