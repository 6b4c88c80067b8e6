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

package defaults

import "time"

// Pipeline retry policy defaults.
const (
	// PipelineMaxAttempts is the default number of attempts for a stage
	// failing with a transient error, including the first attempt.
	PipelineMaxAttempts = 3

	// PipelineInitialBackoff is the delay before the second attempt.
	PipelineInitialBackoff = 2 * time.Second

	// PipelineMaxBackoff caps the exponential backoff between attempts.
	PipelineMaxBackoff = 1 * time.Minute

	// PipelineBackoffFactor is the multiplier applied to the backoff after each attempt.
	PipelineBackoffFactor = 2.0

	// PipelineMaxParallelStages bounds the stages of one run executing at the same time.
	PipelineMaxParallelStages = 4
)

// Image publisher timeouts.
const (
	// ImageBuildTimeout bounds a single image build attempt.
	ImageBuildTimeout = 30 * time.Minute

	// ImagePushTimeout bounds a single image push attempt.
	ImagePushTimeout = 15 * time.Minute

	// RegistryResolveTimeout bounds registry manifest lookups.
	RegistryResolveTimeout = 30 * time.Second
)

// Kubernetes timeouts for K8s API operations.
const (
	// K8sApplyTimeout is the timeout for submitting one manifest batch.
	K8sApplyTimeout = 60 * time.Second

	// K8sRolloutTimeout is the default time to wait for workload readiness.
	K8sRolloutTimeout = 5 * time.Minute

	// K8sRolloutPollInterval is the readiness polling interval.
	K8sRolloutPollInterval = 2 * time.Second

	// ConfigMapWriteTimeout is the timeout for writing to ConfigMaps.
	ConfigMapWriteTimeout = 30 * time.Second
)

// Server timeouts for HTTP server configuration.
const (
	// ServerReadTimeout is the maximum duration for reading request headers.
	ServerReadTimeout = 10 * time.Second

	// ServerReadHeaderTimeout prevents slow header attacks.
	ServerReadHeaderTimeout = 5 * time.Second

	// ServerWriteTimeout is the maximum duration for writing a response.
	ServerWriteTimeout = 30 * time.Second

	// ServerIdleTimeout is the maximum duration to wait for the next request.
	ServerIdleTimeout = 120 * time.Second

	// ServerShutdownTimeout is the maximum duration for graceful shutdown.
	ServerShutdownTimeout = 30 * time.Second
)

// Credential provider timeouts.
const (
	// CredentialResolveTimeout bounds a single credential lookup.
	CredentialResolveTimeout = 20 * time.Second
)

// Run store defaults.
const (
	// StoreOperationTimeout bounds a single run store read or write.
	StoreOperationTimeout = 15 * time.Second

	// CancelPollInterval is how often a running pipeline checks for persisted cancel requests.
	CancelPollInterval = 2 * time.Second

	// RunDrainTimeout is how long a stopping server waits for runs to
	// abort gracefully before interrupting their stages.
	RunDrainTimeout = 2 * time.Minute
)

// HTTP client timeouts for fetching remote trigger payloads.
const (
	// HTTPClientTimeout is the total time allowed for one request.
	HTTPClientTimeout = 30 * time.Second

	// HTTPConnectTimeout bounds establishing a TCP connection.
	HTTPConnectTimeout = 5 * time.Second

	// HTTPTLSHandshakeTimeout bounds the TLS handshake.
	HTTPTLSHandshakeTimeout = 5 * time.Second

	// HTTPResponseHeaderTimeout bounds waiting for response headers.
	HTTPResponseHeaderTimeout = 10 * time.Second
)
