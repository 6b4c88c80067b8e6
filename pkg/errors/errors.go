// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a structured error classification.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeUnauthorized indicates authentication or authorization failure.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeTimeout indicates an operation exceeded its time limit.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeInternal indicates an internal system error.
	ErrCodeInternal ErrorCode = "INTERNAL"
	// ErrCodeInvalidRequest indicates malformed or invalid input.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	// ErrCodeRateLimitExceeded indicates the client exceeded an enforced request limit.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrCodeUnavailable indicates a service or resource is temporarily unavailable.
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Pipeline error taxonomy.
const (
	// ErrCodeInvalidConfig indicates a missing or malformed pipeline configuration.
	// Runs never start when configuration validation fails.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	// ErrCodeBuildFailed indicates the image recipe failed to build.
	ErrCodeBuildFailed ErrorCode = "BUILD_FAILED"
	// ErrCodeAuthFailed indicates the registry rejected the supplied credential.
	ErrCodeAuthFailed ErrorCode = "AUTH_FAILED"
	// ErrCodePushFailed indicates a network or registry failure after a successful build.
	ErrCodePushFailed ErrorCode = "PUSH_FAILED"
	// ErrCodeTagConflict indicates the tag already refers to content not produced by this run.
	ErrCodeTagConflict ErrorCode = "TAG_CONFLICT"
	// ErrCodePlaceholderNotFound indicates an image-bearing template carries no placeholder.
	ErrCodePlaceholderNotFound ErrorCode = "PLACEHOLDER_NOT_FOUND"
	// ErrCodeMultiplePlaceholders indicates an ambiguous substitution target.
	ErrCodeMultiplePlaceholders ErrorCode = "MULTIPLE_PLACEHOLDERS"
	// ErrCodeApplyRejected indicates the cluster API refused a manifest.
	ErrCodeApplyRejected ErrorCode = "APPLY_REJECTED"
	// ErrCodeRolloutTimeout indicates the workload did not become ready in time.
	ErrCodeRolloutTimeout ErrorCode = "ROLLOUT_TIMEOUT"
	// ErrCodeCanceled indicates the run was cancelled. It is reported as Aborted, never Failed.
	ErrCodeCanceled ErrorCode = "CANCELED"
)

// StructuredError provides structured error information for better observability.
// It includes an error code for programmatic handling, a human-readable message,
// the underlying cause, and optional context for debugging.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new StructuredError with the given code and message.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
	}
}

// NewWithContext creates a new StructuredError with context information.
func NewWithContext(code ErrorCode, message string, context map[string]any) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Context: context,
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithContext wraps an error with additional context information.
func WrapWithContext(code ErrorCode, message string, cause error, context map[string]any) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: context,
	}
}

// CodeOf returns the code of the outermost StructuredError in err's chain.
// Errors without a StructuredError in their chain are reported as ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient reports whether err is likely to succeed on retry without caller intervention.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeAuthFailed, ErrCodePushFailed, ErrCodeRolloutTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
