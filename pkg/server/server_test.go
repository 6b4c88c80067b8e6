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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

func newTestServer(handlers map[string]http.HandlerFunc) *Server {
	return New(WithName("test"), WithVersion("v0.0.1"), WithHandler(handlers))
}

func TestNew(t *testing.T) {
	s := newTestServer(map[string]http.HandlerFunc{
		"GET /test": func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	})
	if s.config == nil || s.httpServer == nil || s.rateLimiter == nil {
		t.Fatal("expected server to be fully initialized")
	}
	if s.config.Name != "test" || s.config.Version != "v0.0.1" {
		t.Errorf("unexpected identity %s %s", s.config.Name, s.config.Version)
	}
}

func TestRoutes(t *testing.T) {
	s := newTestServer(map[string]http.HandlerFunc{
		"GET /v1/runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, r.PathValue("id"))
		},
	})
	s.SetReady(true)
	h := s.Handler()

	tests := []struct {
		method string
		path   string
		want   int
		body   string
	}{
		{http.MethodGet, "/health", http.StatusOK, "healthy"},
		{http.MethodGet, "/ready", http.StatusOK, "ready"},
		{http.MethodGet, "/metrics", http.StatusOK, "go_goroutines"},
		{http.MethodGet, "/", http.StatusOK, "GET /v1/runs/{id}"},
		{http.MethodGet, "/v1/runs/42", http.StatusOK, "42"},
		{http.MethodPost, "/v1/runs/42", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/nope", http.StatusNotFound, ""},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestPipelineIdentity(t *testing.T) {
	s := New(WithName("cnspipe"), WithVersion("v1.2.3"), WithPipeline("checkout"))
	s.SetReady(true)
	h := s.Handler()

	for _, path := range []string{"/", "/health", "/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body struct {
			Pipeline string `json:"pipeline"`
			Version  string `json:"version"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid body: %v", path, err)
		}
		if body.Pipeline != "checkout" || body.Version != "v1.2.3" {
			t.Errorf("%s: pipeline=%q version=%q", path, body.Pipeline, body.Version)
		}
	}
}

func TestRunRequestMetricsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	s := New(WithPipeline("metrics-app"), WithHandler(map[string]http.HandlerFunc{
		"GET /v1/runs/{id}": func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
		"GET /v1/runs":      func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	}))
	h := s.Handler()

	for _, path := range []string{"/v1/runs/42", "/v1/runs/43", "/v1/runs"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	metrics := rec.Body.String()
	for _, want := range []string{
		`cns_pipeline_api_run_requests_total{pipeline="metrics-app",route="GET /v1/runs/{id}",status="200"} 2`,
		`cns_pipeline_api_requests_total{method="GET",pipeline="metrics-app",route="GET /v1/runs",status="200"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %s", want)
		}
	}

	logs := buf.String()
	for _, want := range []string{`"pipeline":"metrics-app"`, `"run":"42"`, `"route":"GET /v1/runs/{id}"`} {
		if !strings.Contains(logs, want) {
			t.Errorf("request log missing %s:\n%s", want, logs)
		}
	}
}

func TestReadyEndpoint(t *testing.T) {
	s := newTestServer(nil)

	tests := []struct {
		ready bool
		want  int
	}{
		{false, http.StatusServiceUnavailable},
		{true, http.StatusOK},
	}
	for _, tt := range tests {
		s.SetReady(tt.ready)
		rec := httptest.NewRecorder()
		s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rec.Code != tt.want {
			t.Errorf("ready=%v: status = %d, want %d", tt.ready, rec.Code, tt.want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(nil)
	provided := uuid.New().String()

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated", "", false},
		{"provided", provided, true},
		{"invalid replaced", "not-a-uuid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := s.requestIDMiddleware(func(w http.ResponseWriter, r *http.Request) {
				captured = RequestID(r.Context())
			})
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-Id", tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			if _, err := uuid.Parse(captured); err != nil {
				t.Fatalf("expected valid UUID, got %q", captured)
			}
			if tt.keep && captured != tt.header {
				t.Errorf("request id = %s, want %s", captured, tt.header)
			}
			if rec.Header().Get("X-Request-Id") != captured {
				t.Errorf("header = %s, want %s", rec.Header().Get("X-Request-Id"), captured)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(nil)
	s.rateLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	handler := s.rateLimitMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if resp.Code != ErrCodeRateLimitExceeded || !resp.Retryable {
		t.Errorf("unexpected error response %+v", resp)
	}
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	s := newTestServer(map[string]http.HandlerFunc{
		"GET /boom": func(http.ResponseWriter, *http.Request) { panic("boom") },
	})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if resp.RequestID == "" || resp.RequestID != rec.Header().Get("X-Request-Id") {
		t.Errorf("request id mismatch: body %q header %q", resp.RequestID, rec.Header().Get("X-Request-Id"))
	}
}

func TestVersionNegotiation(t *testing.T) {
	tests := []struct {
		accept string
		want   string
	}{
		{"", "v1"},
		{"application/json", "v1"},
		{"application/vnd.nvidia.cnspipe.v1+json", "v1"},
		{"text/html, application/vnd.nvidia.cnspipe.v1+json;q=0.9", "v1"},
		{"application/vnd.nvidia.cnspipe.v9+json", "v1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", tt.accept)
		if got := negotiateAPIVersion(req); got != tt.want {
			t.Errorf("negotiateAPIVersion(%q) = %s, want %s", tt.accept, got, tt.want)
		}
	}
}

func TestRequestContextAccessors(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID() outside request = %q, want empty", got)
	}

	var id, version string
	s := New()
	h := s.withMiddleware(func(w http.ResponseWriter, r *http.Request) {
		id = RequestID(r.Context())
		version = APIVersion(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if id == "" || id != rec.Header().Get("X-Request-Id") {
		t.Errorf("RequestID() = %q, header = %q", id, rec.Header().Get("X-Request-Id"))
	}
	if version != DefaultAPIVersion {
		t.Errorf("APIVersion() = %q, want %q", version, DefaultAPIVersion)
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := newStatusRecorder(rec)

	sr.WriteHeader(http.StatusAccepted)
	sr.WriteHeader(http.StatusTeapot)
	if _, err := sr.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if sr.status != http.StatusAccepted || rec.Code != http.StatusAccepted {
		t.Errorf("status = %d / %d, want %d", sr.status, rec.Code, http.StatusAccepted)
	}
	if sr.bytes != 5 {
		t.Errorf("bytes = %d, want 5", sr.bytes)
	}
	if sr.Unwrap() != rec {
		t.Error("Unwrap() did not return the underlying writer")
	}
}

func TestHTTPStatusFromCode(t *testing.T) {
	tests := []struct {
		code cnserrors.ErrorCode
		want int
	}{
		{cnserrors.ErrCodeInvalidRequest, http.StatusBadRequest},
		{cnserrors.ErrCodeInvalidConfig, http.StatusBadRequest},
		{cnserrors.ErrCodeUnauthorized, http.StatusUnauthorized},
		{cnserrors.ErrCodeNotFound, http.StatusNotFound},
		{cnserrors.ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{cnserrors.ErrCodeUnavailable, http.StatusServiceUnavailable},
		{cnserrors.ErrCodeTimeout, http.StatusGatewayTimeout},
		{cnserrors.ErrCodeInternal, http.StatusInternalServerError},
		{cnserrors.ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatusFromCode(tt.code); got != tt.want {
			t.Errorf("HTTPStatusFromCode(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWriteErrorFromErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"structured", cnserrors.New(cnserrors.ErrCodeNotFound, "run 9 not found"), http.StatusNotFound, ErrCodeNotFound, false},
		{"unavailable", cnserrors.New(cnserrors.ErrCodeUnavailable, "store down"), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", true},
		{"plain", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteErrorFromErr(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid body: %v", err)
			}
			if resp.Code != tt.code || resp.Retryable != tt.retryable {
				t.Errorf("got %+v", resp)
			}
		})
	}
}

func TestServe_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, getErr := http.Get(url)
		if getErr == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy: %v", getErr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if s.isReady() {
		t.Error("server still ready after shutdown")
	}
}

func TestParseConfig(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "5")
	cfg := parseConfig()
	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}

	t.Setenv("PORT", "invalid")
	if cfg := parseConfig(); cfg.Port != 8080 {
		t.Errorf("invalid PORT should keep default, got %d", cfg.Port)
	}
}
