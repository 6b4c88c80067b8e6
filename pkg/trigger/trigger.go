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

package trigger

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
)

const branchRefPrefix = "refs/heads/"

// Event is a branch-push notification.
type Event struct {
	// ID identifies the delivery. Generated when empty.
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Branch     string `json:"branch" yaml:"branch"`
	Commit     string `json:"commit,omitempty" yaml:"commit,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Normalize strips the refs/heads/ prefix and assigns a delivery id.
func (e Event) Normalize() Event {
	e.Branch = strings.TrimPrefix(strings.TrimSpace(e.Branch), branchRefPrefix)
	e.Commit = strings.TrimSpace(e.Commit)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return e
}

// Validate checks that the event names a branch.
func (e Event) Validate() error {
	if strings.TrimPrefix(strings.TrimSpace(e.Branch), branchRefPrefix) == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "event branch is required")
	}
	return nil
}

// Trigger converts the event to the run trigger record.
func (e Event) Trigger() pipeline.Trigger {
	n := e.Normalize()
	return pipeline.Trigger{Branch: n.Branch, Commit: n.Commit, Repository: n.Repository}
}

// WatchList decides which branches start a run. Entries are exact branch
// names or path.Match globs such as "release/*".
type WatchList struct {
	patterns []string
}

// NewWatchList validates the patterns. An empty list watches nothing.
func NewWatchList(patterns ...string) (*WatchList, error) {
	w := &WatchList{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.TrimSpace(p), branchRefPrefix)
		if p == "" {
			return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "empty branch pattern in watch list")
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("invalid branch pattern %q", p), err)
		}
		w.patterns = append(w.patterns, p)
	}
	return w, nil
}

// Patterns returns the normalized patterns.
func (w *WatchList) Patterns() []string {
	return append([]string(nil), w.patterns...)
}

// Matches reports whether a push to branch starts a run.
func (w *WatchList) Matches(branch string) bool {
	branch = strings.TrimPrefix(strings.TrimSpace(branch), branchRefPrefix)
	if branch == "" {
		return false
	}
	for _, p := range w.patterns {
		if p == branch {
			return true
		}
		if ok, _ := path.Match(p, branch); ok {
			return true
		}
	}
	return false
}

// Accept normalizes the event and reports whether it starts a run.
func (w *WatchList) Accept(e Event) (Event, bool, error) {
	if err := e.Validate(); err != nil {
		return e, false, err
	}
	n := e.Normalize()
	return n, w.Matches(n.Branch), nil
}
