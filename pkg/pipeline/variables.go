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
	"sort"
	"sync"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// Variables is the write-once variable map of a run. Once a name is set it
// keeps its value for the remainder of the run; concurrent stages may read
// and publish outputs without further coordination.
type Variables struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewVariables returns a map seeded with initial values.
func NewVariables(initial map[string]string) *Variables {
	v := &Variables{m: make(map[string]string, len(initial))}
	for k, val := range initial {
		v.m[k] = val
	}
	return v
}

// Set records value under name. Setting a name twice is an error, even with
// the same value.
func (v *Variables) Set(name, value string) error {
	return v.SetAll(map[string]string{name: value})
}

// SetAll records every value or none of them. The first offending name in
// sorted order is reported.
func (v *Variables) SetAll(values map[string]string) error {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, name := range names {
		if name == "" {
			return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "variable name is required")
		}
		if prev, ok := v.m[name]; ok {
			return cnserrors.NewWithContext(cnserrors.ErrCodeInvalidRequest,
				fmt.Sprintf("variable %q is already set", name),
				map[string]any{"variable": name, "value": prev})
		}
	}
	for _, name := range names {
		v.m[name] = values[name]
	}
	return nil
}

// Get returns the value of name.
func (v *Variables) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[name]
	return val, ok
}

// Snapshot returns a copy of all variables.
func (v *Variables) Snapshot() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}
