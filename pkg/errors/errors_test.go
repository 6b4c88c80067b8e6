package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeNotFound, "resource not found")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, err.Code)
	}
	if err.Message != "resource not found" {
		t.Errorf("expected message 'resource not found', got %s", err.Message)
	}
	if err.Cause != nil {
		t.Errorf("expected nil cause, got %v", err.Cause)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "operation failed", cause)

	if err.Code != ErrCodeInternal {
		t.Errorf("expected code %s, got %s", ErrCodeInternal, err.Code)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be wrapped")
	}
}

func TestWrapWithContext(t *testing.T) {
	cause := errors.New("timeout")
	ctx := map[string]interface{}{
		"command": "docker build",
		"run":     "42",
	}

	err := WrapWithContext(ErrCodeTimeout, "image build failed", cause, ctx)

	if err.Code != ErrCodeTimeout {
		t.Errorf("expected code %s, got %s", ErrCodeTimeout, err.Code)
	}
	if err.Context == nil {
		t.Fatal("expected context to be set")
	}
	if err.Context["command"] != "docker build" {
		t.Errorf("expected command to be docker build")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		err      *StructuredError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(ErrCodeNotFound, "not found"),
			expected: "[NOT_FOUND] not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(ErrCodeInternal, "failed", errors.New("root cause")),
			expected: "[INTERNAL] failed: root cause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(ErrCodeInternal, "wrapped", cause)

	unwrapped := err.Unwrap()
	if !errors.Is(unwrapped, cause) {
		t.Errorf("expected unwrapped error to be original cause")
	}

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should work with Unwrap")
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		ErrCodeNotFound,
		ErrCodeUnauthorized,
		ErrCodeTimeout,
		ErrCodeInternal,
		ErrCodeInvalidRequest,
		ErrCodeUnavailable,
		ErrCodeBuildFailed,
		ErrCodeAuthFailed,
		ErrCodePushFailed,
		ErrCodeApplyRejected,
		ErrCodeRolloutTimeout,
		ErrCodePlaceholderNotFound,
	}

	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("error code should not be empty: %v", code)
		}
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), ErrCodeInternal},
		{"structured", New(ErrCodePushFailed, "push"), ErrCodePushFailed},
		{"wrapped with fmt", fmt.Errorf("stage build: %w", New(ErrCodeBuildFailed, "build")), ErrCodeBuildFailed},
		{"outermost wins", Wrap(ErrCodeApplyRejected, "apply", New(ErrCodeUnavailable, "api")), ErrCodeApplyRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeAuthFailed, true},
		{ErrCodePushFailed, true},
		{ErrCodeRolloutTimeout, true},
		{ErrCodeUnavailable, true},
		{ErrCodeBuildFailed, false},
		{ErrCodePlaceholderNotFound, false},
		{ErrCodeMultiplePlaceholders, false},
		{ErrCodeApplyRejected, false},
		{ErrCodeTagConflict, false},
		{ErrCodeCanceled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := IsTransient(New(tt.code, "x")); got != tt.want {
				t.Errorf("IsTransient(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}

	if IsTransient(errors.New("untyped")) {
		t.Error("untyped errors must not be retried")
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(ErrCodeRolloutTimeout, "timeout"))
	if !Is(err, ErrCodeRolloutTimeout) {
		t.Error("expected Is to match wrapped code")
	}
	if Is(nil, ErrCodeRolloutTimeout) {
		t.Error("nil error must not match")
	}
}
