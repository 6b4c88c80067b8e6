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

// Package api exposes a pipeline over HTTP.
//
// A repository webhook posts branch-push events to /v1/triggers. Events for
// watched branches start a run in the background; the response carries the
// run id so callers can poll its status.
//
// # Endpoints
//
//	POST /v1/triggers            {"branch":"main","commit":"abc123"}  -> 202, or 204 when ignored
//	GET  /v1/runs                ?pipeline=&limit=                    -> newest runs first
//	GET  /v1/runs/{id}                                                -> run record
//	POST /v1/runs/{id}/cancel                                         -> 202, 409 when finished
//
// Health, readiness and metrics endpoints come from pkg/server.
//
// # Shutdown
//
// When the context passed to Serve is done the listener stops, active runs
// are cancelled gracefully and, after defaults.RunDrainTimeout, interrupted.
package api
