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
	"time"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusAborted   Status = "Aborted"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// StageStatus is the lifecycle state of a Stage.
type StageStatus string

const (
	StagePending   StageStatus = "Pending"
	StageRunning   StageStatus = "Running"
	StageSucceeded StageStatus = "Succeeded"
	StageFailed    StageStatus = "Failed"
	// StageAborted marks a stage interrupted by cancellation.
	StageAborted StageStatus = "Aborted"
)

// Trigger describes the event that started a run.
type Trigger struct {
	Branch     string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Commit     string `json:"commit,omitempty" yaml:"commit,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// ErrorInfo is the serializable form of a stage or run failure.
type ErrorInfo struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// Stage is the record of one stage within a run.
type Stage struct {
	Name       string        `json:"name" yaml:"name"`
	DependsOn  []string      `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Status     StageStatus   `json:"status" yaml:"status"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	StartedAt  time.Time     `json:"startedAt,omitzero" yaml:"startedAt,omitempty"`
	FinishedAt time.Time     `json:"finishedAt,omitzero" yaml:"finishedAt,omitempty"`
	Duration   time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Error      *ErrorInfo    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Run is a snapshot of a pipeline run. The orchestrator owns the live state;
// every Run handed out is a copy.
type Run struct {
	ID        string            `json:"id" yaml:"id"`
	Pipeline  string            `json:"pipeline" yaml:"pipeline"`
	Status    Status            `json:"status" yaml:"status"`
	Trigger   Trigger           `json:"trigger" yaml:"trigger"`
	Stages    []Stage           `json:"stages" yaml:"stages"`
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// FailedStage names the first stage that failed.
	FailedStage string     `json:"failedStage,omitempty" yaml:"failedStage,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty" yaml:"error,omitempty"`

	// PublishedImage is reported whenever an image was pushed, including on failure.
	PublishedImage string `json:"publishedImage,omitempty" yaml:"publishedImage,omitempty"`
	// LastKnownGood is the image of the most recent successful run, reported
	// when this run did not succeed.
	LastKnownGood string `json:"lastKnownGood,omitempty" yaml:"lastKnownGood,omitempty"`

	CancelRequested bool      `json:"cancelRequested,omitempty" yaml:"cancelRequested,omitempty"`
	CreatedAt       time.Time `json:"createdAt" yaml:"createdAt"`
	StartedAt       time.Time `json:"startedAt,omitzero" yaml:"startedAt,omitempty"`
	FinishedAt      time.Time `json:"finishedAt,omitzero" yaml:"finishedAt,omitempty"`
}

// Stage returns the named stage record.
func (r *Run) Stage(name string) (Stage, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Duration is the wall-clock time the run has spent executing.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Copy returns a deep copy of the run.
func (r *Run) Copy() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Stages = make([]Stage, len(r.Stages))
	for i, s := range r.Stages {
		c.Stages[i] = s
		c.Stages[i].DependsOn = append([]string(nil), s.DependsOn...)
		if s.Error != nil {
			e := *s.Error
			c.Stages[i].Error = &e
		}
	}
	if r.Variables != nil {
		c.Variables = make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			c.Variables[k] = v
		}
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}
