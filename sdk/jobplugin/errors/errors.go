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

// Package errors provides typed error handling for job-backend plugins:
// the background workers behind internal/jobagent that perform image
// pulls, ACME orders, and other long-running external work over the
// internal/agentrpc transport. Errors carry a gRPC status code so a
// failure classification survives the wire round trip intact.
package errors

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel job-backend error classes that map to gRPC status codes.
var (
	ErrInvalidRequest = errors.New("invalid job request")
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyExists  = errors.New("job already exists")
	ErrUnavailable    = errors.New("job backend unavailable")
	ErrInternal       = errors.New("internal job backend error")
	ErrUnimplemented  = errors.New("job kind not implemented")
	ErrTimeout        = errors.New("job timed out")
	ErrCanceled       = errors.New("job canceled")
)

// JobError wraps a native error with job-backend-specific context: a gRPC
// status code, an optional cause, and a retry hint.
type JobError struct {
	Code       codes.Code
	Message    string
	Cause      error
	Retryable  bool
	RetryAfter time.Duration
}

func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *JobError) Unwrap() error { return e.Cause }

// GRPCStatus lets status.FromError recover the original code directly
// from a JobError without a wrapping round trip.
func (e *JobError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

func NewInvalidRequest(format string, args ...any) *JobError {
	return &JobError{Code: codes.InvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func NewNotFound(jobKey string) *JobError {
	return &JobError{Code: codes.NotFound, Message: fmt.Sprintf("job %q not found", jobKey)}
}

func NewAlreadyExists(jobKey string) *JobError {
	return &JobError{Code: codes.AlreadyExists, Message: fmt.Sprintf("job %q already exists", jobKey)}
}

func NewUnavailable(backend string, cause error) *JobError {
	return &JobError{Code: codes.Unavailable, Message: fmt.Sprintf("job backend unavailable: %s", backend), Cause: cause, Retryable: true}
}

func NewInternal(message string, cause error) *JobError {
	return &JobError{Code: codes.Internal, Message: message, Cause: cause}
}

func NewTimeout(jobKey string, d time.Duration) *JobError {
	return &JobError{Code: codes.DeadlineExceeded, Message: fmt.Sprintf("job %q timed out after %v", jobKey, d), Retryable: true}
}

func NewCanceled(jobKey string) *JobError {
	return &JobError{Code: codes.Canceled, Message: fmt.Sprintf("job %q canceled", jobKey)}
}

func NewPermissionDenied(reason string) *JobError {
	return &JobError{Code: codes.PermissionDenied, Message: reason}
}

// Wrap attaches message context to err, preserving a JobError's code and
// retry policy or classifying a plain error by its nearest sentinel.
func Wrap(err error, format string, args ...any) *JobError {
	if err == nil {
		return nil
	}
	if je, ok := err.(*JobError); ok {
		return &JobError{
			Code:       je.Code,
			Message:    fmt.Sprintf(format, args...),
			Cause:      je,
			Retryable:  je.Retryable,
			RetryAfter: je.RetryAfter,
		}
	}

	code := classify(err)
	return &JobError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Cause:     err,
		Retryable: retryableCode(code),
	}
}

// ToGRPCError converts any error to a gRPC status error for the wire.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if je, ok := err.(*JobError); ok {
		return je.GRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPCError reconstructs a JobError from a status received over the
// wire, used by the sdk/jobplugin/client package to classify backend failures.
func FromGRPCError(err error) *JobError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return NewInternal("unknown error", err)
	}
	return &JobError{Code: st.Code(), Message: st.Message(), Retryable: retryableCode(st.Code())}
}

// IsRetryable reports whether err (a JobError, a gRPC status error, or a
// plain error) indicates a transient condition worth retrying.
func IsRetryable(err error) bool {
	if je, ok := err.(*JobError); ok {
		return je.Retryable
	}
	if st, ok := status.FromError(err); ok {
		return retryableCode(st.Code())
	}
	return false
}

func classify(err error) codes.Code {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, ErrUnimplemented):
		return codes.Unimplemented
	case errors.Is(err, ErrTimeout):
		return codes.DeadlineExceeded
	case errors.Is(err, ErrCanceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
		return true
	default:
		return false
	}
}
