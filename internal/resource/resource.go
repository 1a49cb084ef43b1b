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

// Package resource provides a single chain-walking conversion engine
// shared by every resource kind: each Kind declares an ordered list of
// versions tagged Served/Stored/Latest, and Value.Latest / Value.Stored
// walk the chain composing each version's Up/Down conversion functions.
package resource

import "fmt"

// Value is implemented by every versioned representation of a resource.
// Metadata.Name and Metadata.Namespace back GetName/GetNamespace; the
// empty namespace always normalizes to "default".
type Value interface {
	GetName() string
	GetNamespace() string
}

// ConvertFunc converts a Value at one version into the adjacent version.
// Conversions must be total: they may use defaults or drop fields, but
// they must never fail except when the two versions are fundamentally
// incompatible for that specific value.
type ConvertFunc func(Value) (Value, error)

// VersionInfo describes a single version in a Kind's chain.
type VersionInfo struct {
	// Name is the version tag, e.g. "v1", "v2".
	Name string
	// Served means clients may read/write this version.
	Served bool
	// Stored means this is the canonical on-disk version. Exactly one
	// version per Kind must set this.
	Stored bool
	// Latest means this is the canonical in-memory version. Exactly one
	// version per Kind must set this.
	Latest bool
	// Up converts this version to the next version in the chain. Nil
	// for the newest version.
	Up ConvertFunc
	// Down converts this version to the previous version in the chain.
	// Nil for the oldest version.
	Down ConvertFunc
	// New constructs a zero-value instance of this version, used by
	// deserializers that need a concrete type to decode into.
	New func() Value
}

// Kind describes a resource type: its ordered version chain (oldest
// first) and whether it is namespaced.
type Kind struct {
	Name       string
	Namespaced bool
	Versions   []VersionInfo
}

func (k *Kind) indexOf(version string) int {
	for i, v := range k.Versions {
		if v.Name == version {
			return i
		}
	}
	return -1
}

func (k *Kind) storedIndex() int {
	for i, v := range k.Versions {
		if v.Stored {
			return i
		}
	}
	return -1
}

func (k *Kind) latestIndex() int {
	for i, v := range k.Versions {
		if v.Latest {
			return i
		}
	}
	return -1
}

// Validate enforces that a Kind declares exactly one Stored version and
// exactly one Latest version. It is the process-init substitute for a
// compile-time guarantee over versioned resource polymorphism.
func (k *Kind) Validate() error {
	stored, latest := 0, 0
	for _, v := range k.Versions {
		if v.Stored {
			stored++
		}
		if v.Latest {
			latest++
		}
		if !v.Served && (v.Stored || v.Latest) {
			return fmt.Errorf("resource %s: version %s is Stored/Latest but not Served", k.Name, v.Name)
		}
	}
	if stored != 1 {
		return fmt.Errorf("resource %s: expected exactly one Stored version, found %d", k.Name, stored)
	}
	if latest != 1 {
		return fmt.Errorf("resource %s: expected exactly one Latest version, found %d", k.Name, latest)
	}
	return nil
}

// ConvertTo walks the chain from the version of v to target, composing
// Up conversions when moving toward Latest and Down conversions when
// moving toward Stored.
func (k *Kind) ConvertTo(v Value, fromVersion, target string) (Value, error) {
	from := k.indexOf(fromVersion)
	to := k.indexOf(target)
	if from < 0 {
		return nil, fmt.Errorf("resource %s: unknown source version %q", k.Name, fromVersion)
	}
	if to < 0 {
		return nil, fmt.Errorf("resource %s: unknown target version %q", k.Name, target)
	}

	cur := v
	for from < to {
		up := k.Versions[from].Up
		if up == nil {
			return nil, fmt.Errorf("resource %s: no upward conversion from %s", k.Name, k.Versions[from].Name)
		}
		next, err := up(cur)
		if err != nil {
			return nil, fmt.Errorf("resource %s: convert_up %s->%s: %w", k.Name, k.Versions[from].Name, k.Versions[from+1].Name, err)
		}
		cur = next
		from++
	}
	for from > to {
		down := k.Versions[from].Down
		if down == nil {
			return nil, fmt.Errorf("resource %s: no downward conversion from %s", k.Name, k.Versions[from].Name)
		}
		prev, err := down(cur)
		if err != nil {
			return nil, fmt.Errorf("resource %s: convert_down %s->%s: %w", k.Name, k.Versions[from].Name, k.Versions[from-1].Name, err)
		}
		cur = prev
		from--
	}
	return cur, nil
}

// Latest converts v (currently at fromVersion) to the Kind's Latest
// version.
func (k *Kind) Latest(v Value, fromVersion string) (Value, error) {
	li := k.latestIndex()
	if li < 0 {
		return nil, fmt.Errorf("resource %s: no Latest version registered", k.Name)
	}
	return k.ConvertTo(v, fromVersion, k.Versions[li].Name)
}

// Stored converts v (currently at fromVersion) to the Kind's Stored
// version, the canonical on-disk form.
func (k *Kind) Stored(v Value, fromVersion string) (Value, error) {
	si := k.storedIndex()
	if si < 0 {
		return nil, fmt.Errorf("resource %s: no Stored version registered", k.Name)
	}
	return k.ConvertTo(v, fromVersion, k.Versions[si].Name)
}

// LatestVersion returns the version tag marked Latest.
func (k *Kind) LatestVersion() string {
	if i := k.latestIndex(); i >= 0 {
		return k.Versions[i].Name
	}
	return ""
}

// StoredVersion returns the version tag marked Stored.
func (k *Kind) StoredVersion() string {
	if i := k.storedIndex(); i >= 0 {
		return k.Versions[i].Name
	}
	return ""
}

// IsServed reports whether version is in the Kind's Served set.
func (k *Kind) IsServed(version string) bool {
	i := k.indexOf(version)
	return i >= 0 && k.Versions[i].Served
}

// NormalizeNamespace applies the "empty namespace normalizes to default"
// rule.
func NormalizeNamespace(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}
