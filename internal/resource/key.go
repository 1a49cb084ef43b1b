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

import "strings"

// Key is a fully-qualified store key: tenant "/" kind "/" [namespace "/"]
// name. A Key with an empty Name is a Partial key used for range scans.
type Key struct {
	Tenant    string
	Kind      string
	Namespace string
	Name      string
}

// NewKey builds a fully-qualified key, normalizing the namespace.
func NewKey(tenant, kind, namespace, name string) Key {
	return Key{Tenant: tenant, Kind: kind, Namespace: NormalizeNamespace(namespace), Name: name}
}

// Partial builds a partial key with no Name, used for List scans across
// an entire namespace (or tenant+kind, if namespace is also empty).
func Partial(tenant, kind, namespace string) Key {
	return Key{Tenant: tenant, Kind: kind, Namespace: namespace, Name: ""}
}

// String renders the key as "tenant/kind[/namespace]/name".
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Tenant)
	b.WriteByte('/')
	b.WriteString(k.Kind)
	if k.Namespace != "" {
		b.WriteByte('/')
		b.WriteString(k.Namespace)
	}
	if k.Name != "" {
		b.WriteByte('/')
		b.WriteString(k.Name)
	}
	return b.String()
}

// IsPartial reports whether this key has no Name and is therefore usable
// only as a List scan prefix.
func (k Key) IsPartial() bool {
	return k.Name == ""
}

// Prefix returns the storage-layer byte prefix this key (or partial key)
// covers, used by the KV store to bound a range scan.
func (k Key) Prefix() string {
	return k.String()
}
