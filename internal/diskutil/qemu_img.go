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

// Package diskutil provisions the sparse raw images that back Volume
// resources. It shells out to qemu-img rather than truncating files
// directly: qemu-img validates the target path, refuses to clobber a
// block device, and keeps the door open for overlay formats without a
// new code path here.
package diskutil

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// QemuImg wraps the qemu-img binary.
type QemuImg struct {
	// Binary is the qemu-img executable; resolved via PATH by default.
	Binary string
}

// NewQemuImg returns a QemuImg using the qemu-img found on PATH.
func NewQemuImg() *QemuImg {
	return &QemuImg{Binary: "qemu-img"}
}

// IsInstalled reports whether the binary can be executed at all; the
// Volume controller's tests skip when it cannot.
func (q *QemuImg) IsInstalled() bool {
	return exec.Command(q.Binary, "--version").Run() == nil
}

// Create provisions a sparse raw image of exactly sizeBytes at path.
// The size is passed as a plain byte count so the image matches the
// Volume's resolved SizeBytes without unit rounding; the hash-lock on
// that field means the file is never resized afterwards.
func (q *QemuImg) Create(ctx context.Context, path string, sizeBytes int64) error {
	if path == "" {
		return fmt.Errorf("diskutil: image path is required")
	}
	if sizeBytes <= 0 {
		return fmt.Errorf("diskutil: image size must be positive, got %d", sizeBytes)
	}

	cmd := exec.CommandContext(ctx, q.Binary, "create", "-q", "-f", "raw", path, strconv.FormatInt(sizeBytes, 10))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("diskutil: qemu-img create %s: %w: %s", path, err, out)
	}
	return nil
}
