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

// Package server is the HTTP server hosting the pipeline API.
//
// API routes registered with WithHandler run behind a middleware chain:
//
//	metrics -> API version -> request id -> panic recovery -> rate limit -> logging
//
// Rate limiting uses a token bucket (golang.org/x/time/rate). Rejected
// requests get 429 with Retry-After. Request ids are taken from X-Request-Id
// when it holds a UUID and generated otherwise.
//
// System endpoints bypass the chain:
//
//	GET /         name, version, readiness and routes
//	GET /health   liveness
//	GET /ready    readiness (503 until serving and again during shutdown)
//	GET /metrics  Prometheus metrics
//
// Errors are JSON ErrorResponse bodies. WriteErrorFromErr maps structured
// error codes to HTTP statuses.
//
// Usage:
//
//	s := server.New(
//	    server.WithName("cnspipe"),
//	    server.WithPipeline("checkout"),
//	    server.WithHandler(map[string]http.HandlerFunc{
//	        "GET /v1/runs/{id}": getRun,
//	    }),
//	)
//	err := s.Run(ctx)
//
// API requests are counted under cns_pipeline_api_* metrics labelled with
// the pipeline name; requests addressing a run by id are also counted in
// cns_pipeline_api_run_requests_total and logged with the run id.
//
// PORT and SHUTDOWN_TIMEOUT_SECONDS override the listen port and graceful
// shutdown timeout.
package server
