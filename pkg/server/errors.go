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

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/serializer"
)

// Error codes specific to the HTTP layer.
const (
	ErrCodeRateLimitExceeded = string(cnserrors.ErrCodeRateLimitExceeded)
	ErrCodeInternalError     = string(cnserrors.ErrCodeInternal)
	ErrCodeInvalidRequest    = string(cnserrors.ErrCodeInvalidRequest)
	ErrCodeNotFound          = string(cnserrors.ErrCodeNotFound)
	ErrCodeConflict          = "CONFLICT"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId"`
	Timestamp time.Time      `json:"timestamp"`
	Retryable bool           `json:"retryable"`
}

// WriteError writes an error response carrying the request id.
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int,
	code, message string, retryable bool, details map[string]any) {

	requestID := RequestID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}

	serializer.RespondJSON(w, statusCode, ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Retryable: retryable,
	})
}

// WriteErrorFromErr maps err to a status and writes it. Structured errors
// keep their code and context; anything else is reported as internal.
func WriteErrorFromErr(w http.ResponseWriter, r *http.Request, err error) {
	var se *cnserrors.StructuredError
	if !errors.As(err, &se) {
		WriteError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error", true, nil)
		return
	}
	WriteError(w, r, HTTPStatusFromCode(se.Code), string(se.Code), se.Message, RetryableFromCode(se.Code), se.Context)
}

// HTTPStatusFromCode maps an error code to an HTTP status.
func HTTPStatusFromCode(code cnserrors.ErrorCode) int {
	switch code {
	case cnserrors.ErrCodeInvalidRequest, cnserrors.ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case cnserrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case cnserrors.ErrCodeNotFound:
		return http.StatusNotFound
	case cnserrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case cnserrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case cnserrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RetryableFromCode reports whether a client may retry the same request.
func RetryableFromCode(code cnserrors.ErrorCode) bool {
	switch code {
	case cnserrors.ErrCodeRateLimitExceeded, cnserrors.ErrCodeUnavailable,
		cnserrors.ErrCodeTimeout, cnserrors.ErrCodeInternal:
		return true
	default:
		return false
	}
}
