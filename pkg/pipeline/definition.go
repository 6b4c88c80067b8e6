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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// DefaultImageVariable is the variable holding the published image reference.
const DefaultImageVariable = "imageRef"

// StageContext is handed to a stage on every attempt.
type StageContext struct {
	// RunID is the id of the run, also used as the image tag.
	RunID string
	// Pipeline is the definition name.
	Pipeline string
	// Stage is the stage name.
	Stage string
	// Attempt starts at 1.
	Attempt int
	// Trigger that started the run.
	Trigger Trigger

	vars *Variables
}

// Var returns a variable published by an earlier stage.
func (sc *StageContext) Var(name string) (string, bool) {
	return sc.vars.Get(name)
}

// MustVar returns a variable or an INTERNAL error naming the missing variable.
func (sc *StageContext) MustVar(name string) (string, error) {
	v, ok := sc.vars.Get(name)
	if !ok {
		return "", cnserrors.New(cnserrors.ErrCodeInternal,
			fmt.Sprintf("stage %s requires variable %q", sc.Stage, name))
	}
	return v, nil
}

// Logger returns a logger carrying the run, stage and attempt.
func (sc *StageContext) Logger() *slog.Logger {
	return slog.Default().With("run", sc.RunID, "stage", sc.Stage, "attempt", sc.Attempt)
}

// StageFunc performs one attempt of a stage. The returned outputs become run
// variables when the attempt succeeds and are discarded otherwise.
type StageFunc func(ctx context.Context, sc *StageContext) (map[string]string, error)

// StageSpec declares a stage of a Definition.
type StageSpec struct {
	Name      string
	DependsOn []string
	Run       StageFunc
	// Retry overrides the orchestrator policy for this stage.
	Retry *RetryPolicy
}

// Definition is a named graph of stages.
type Definition struct {
	Name   string
	Stages []StageSpec
	// ImageVariable names the variable reported as the published image.
	// Empty uses DefaultImageVariable.
	ImageVariable string
}

func (d *Definition) imageVariable() string {
	if d.ImageVariable == "" {
		return DefaultImageVariable
	}
	return d.ImageVariable
}

// Validate checks that stage names are unique, every dependency exists and
// the dependency graph is acyclic.
func (d *Definition) Validate() error {
	if d == nil {
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "pipeline definition is required")
	}
	if d.Name == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "pipeline name is required")
	}
	if len(d.Stages) == 0 {
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("pipeline %s has no stages", d.Name))
	}

	index := make(map[string]int, len(d.Stages))
	for i, s := range d.Stages {
		if s.Name == "" {
			return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("stage %d has no name", i))
		}
		if _, dup := index[s.Name]; dup {
			return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("duplicate stage %q", s.Name))
		}
		if s.Run == nil {
			return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("stage %q has no function", s.Name))
		}
		if s.Retry != nil {
			if err := s.Retry.Validate(); err != nil {
				return cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("stage %q retry policy", s.Name), err)
			}
		}
		index[s.Name] = i
	}
	for _, s := range d.Stages {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("stage %q depends on itself", s.Name))
			}
			if _, ok := index[dep]; !ok {
				return cnserrors.New(cnserrors.ErrCodeInvalidConfig,
					fmt.Sprintf("stage %q depends on unknown stage %q", s.Name, dep))
			}
		}
	}

	if _, err := d.Order(); err != nil {
		return err
	}
	return nil
}

// Order returns stage names in a dependency-respecting order. Ties keep
// declaration order.
func (d *Definition) Order() ([]string, error) {
	indegree := make(map[string]int, len(d.Stages))
	dependents := make(map[string][]string, len(d.Stages))
	for _, s := range d.Stages {
		indegree[s.Name] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	order := make([]string, 0, len(d.Stages))
	for len(order) < len(d.Stages) {
		progressed := false
		for _, s := range d.Stages {
			if indegree[s.Name] != 0 {
				continue
			}
			indegree[s.Name] = -1
			order = append(order, s.Name)
			for _, next := range dependents[s.Name] {
				indegree[next]--
			}
			progressed = true
		}
		if !progressed {
			var stuck []string
			for name, n := range indegree {
				if n > 0 {
					stuck = append(stuck, name)
				}
			}
			sort.Strings(stuck)
			return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("dependency cycle between stages %s", strings.Join(stuck, ", ")))
		}
	}
	return order, nil
}

func (d *Definition) spec(name string) *StageSpec {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}
