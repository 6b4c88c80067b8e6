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

// Package defaults provides centralized configuration constants for the cns-pipeline system.
//
// This package defines timeout values, retry parameters, and other configuration
// defaults used across the codebase. Centralizing these values ensures consistency
// and makes tuning easier.
//
// # Timeout Categories
//
// Timeouts are organized by component:
//
//   - Pipeline retry policy: attempts and exponential backoff
//   - Image publisher timeouts: For build, push and registry lookups
//   - Kubernetes timeouts: For manifest apply and rollout waits
//   - Server timeouts: For HTTP server configuration
//   - Store timeouts: For run persistence and cancel polling
//
// # Usage
//
// Import and use constants directly:
//
//	import "github.com/NVIDIA/cns-pipeline/pkg/defaults"
//
//	ctx, cancel := context.WithTimeout(ctx, defaults.ImagePushTimeout)
//	defer cancel()
//
// # Timeout Guidelines
//
// When choosing timeout values:
//
//   - Stage retries: 3 attempts, 2s initial backoff doubling up to 1m
//   - Image builds: 30m per attempt, pushes 15m per attempt
//   - K8s operations: 60s for apply, 5m for rollout readiness
//   - Server shutdown: 30s for graceful shutdown
package defaults
