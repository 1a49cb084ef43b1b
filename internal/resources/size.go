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

package resources

import (
	"fmt"
	"strconv"
	"strings"
)

// sizeSuffixes covers the binary-unit suffixes ("Mi", "Gi") this daemon
// needs to resolve a Volume's desired size.
var sizeSuffixes = map[string]int64{
	"":   1,
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"Ti": 1 << 40,
}

// ParseSize resolves a human-readable size string ("64Mi", "128Gi") into
// a byte count (e.g. "64Mi" -> 67_108_864).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, suffix := range []string{"Ki", "Mi", "Gi", "Ti"} {
		if strings.HasSuffix(s, suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return n * sizeSuffixes[suffix], nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// FormatSize is the inverse of ParseSize, used by the Stored-version
// convert_down so the on-disk v1alpha1 representation stays a human
// string rather than a raw byte count.
func FormatSize(bytes int64) string {
	switch {
	case bytes != 0 && bytes%(1<<30) == 0:
		return fmt.Sprintf("%dGi", bytes/(1<<30))
	case bytes != 0 && bytes%(1<<20) == 0:
		return fmt.Sprintf("%dMi", bytes/(1<<20))
	case bytes != 0 && bytes%(1<<10) == 0:
		return fmt.Sprintf("%dKi", bytes/(1<<10))
	default:
		return strconv.FormatInt(bytes, 10)
	}
}
