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

// Package reconerr adapts the gRPC-status-coded JobError taxonomy (see
// sdk/jobplugin/errors) into the ReconcileNext/backoff vocabulary the
// scheduler's HandleError hook needs: a retryable error gets an
// exponentially backed-off After(d), a non-retryable one resolves to
// Done so the controller stops hammering a request it cannot satisfy.
package reconerr

import (
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ignitiond/ignitiond/internal/config"
	jobplugerrs "github.com/ignitiond/ignitiond/sdk/jobplugin/errors"
)

// Outcome mirrors scheduler.ReconcileNext without importing it, to keep
// this package below internal/scheduler in the dependency graph; the
// scheduler package converts an Outcome to its own ReconcileNext.
type Outcome struct {
	Done    bool
	After   time.Duration
	Message string
}

// Classify inspects err and decides whether the calling controller
// should stop (Done) or retry After a backoff computed from attempt and
// cfg.
func Classify(err error, attempt int, cfg config.RetryConfig) Outcome {
	if err == nil {
		return Outcome{Done: true}
	}

	retryable := isRetryable(err)
	if !retryable {
		return Outcome{Done: true, Message: err.Error()}
	}

	return Outcome{After: cfg.Backoff(attempt), Message: err.Error()}
}

func isRetryable(err error) bool {
	var pe *jobplugerrs.JobError
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			return true
		default:
			return false
		}
	}

	// An error with no gRPC status attached (a plain Go error from local
	// code, e.g. an allocator exhaustion) is treated as retryable: the
	// common case is transient contention, not a permanent rejection.
	return true
}
