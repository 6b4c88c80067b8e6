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

package pipeline

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// RetryPolicy governs how transient stage failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initialBackoff"`
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `json:"maxBackoff" yaml:"maxBackoff"`
	// Factor multiplies the delay after every attempt.
	Factor float64 `json:"factor" yaml:"factor"`
	// Jitter adds up to Jitter*delay of random spread.
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaults.PipelineMaxAttempts,
		InitialBackoff: defaults.PipelineInitialBackoff,
		MaxBackoff:     defaults.PipelineMaxBackoff,
		Factor:         defaults.PipelineBackoffFactor,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("maxAttempts must be at least 1, got %d", p.MaxAttempts))
	case p.InitialBackoff < 0 || p.MaxBackoff < 0:
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "backoff durations must not be negative")
	case p.Factor != 0 && p.Factor < 1:
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("backoff factor must be at least 1, got %v", p.Factor))
	case p.Jitter < 0:
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "jitter must not be negative")
	}
	return nil
}

// backoff returns the delay sequence between attempts.
func (p RetryPolicy) backoff() *wait.Backoff {
	factor := p.Factor
	if factor == 0 {
		factor = 1
	}
	return &wait.Backoff{
		Duration: p.InitialBackoff,
		Factor:   factor,
		Jitter:   p.Jitter,
		Steps:    p.MaxAttempts,
		Cap:      p.MaxBackoff,
	}
}

// Retryable reports whether err should be retried. Only transient failures
// are; build failures, rejected manifests and configuration errors fail the
// stage at once.
func Retryable(err error) bool {
	return cnserrors.IsTransient(err)
}
