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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

func noop(context.Context, *StageContext) (map[string]string, error) { return nil, nil }

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{
			name: "valid diamond",
			def: &Definition{Name: "p", Stages: []StageSpec{
				{Name: "build", Run: noop},
				{Name: "render", DependsOn: []string{"build"}, Run: noop},
				{Name: "bundle", DependsOn: []string{"render"}, Run: noop},
				{Name: "deploy", DependsOn: []string{"render"}, Run: noop},
			}},
		},
		{name: "nil", def: nil, wantErr: "definition is required"},
		{name: "no name", def: &Definition{Stages: []StageSpec{{Name: "a", Run: noop}}}, wantErr: "name is required"},
		{name: "no stages", def: &Definition{Name: "p"}, wantErr: "has no stages"},
		{
			name:    "unnamed stage",
			def:     &Definition{Name: "p", Stages: []StageSpec{{Run: noop}}},
			wantErr: "stage 0 has no name",
		},
		{
			name:    "duplicate",
			def:     &Definition{Name: "p", Stages: []StageSpec{{Name: "a", Run: noop}, {Name: "a", Run: noop}}},
			wantErr: `duplicate stage "a"`,
		},
		{
			name:    "missing function",
			def:     &Definition{Name: "p", Stages: []StageSpec{{Name: "a"}}},
			wantErr: "has no function",
		},
		{
			name:    "unknown dependency",
			def:     &Definition{Name: "p", Stages: []StageSpec{{Name: "a", DependsOn: []string{"z"}, Run: noop}}},
			wantErr: `unknown stage "z"`,
		},
		{
			name:    "self dependency",
			def:     &Definition{Name: "p", Stages: []StageSpec{{Name: "a", DependsOn: []string{"a"}, Run: noop}}},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			def: &Definition{Name: "p", Stages: []StageSpec{
				{Name: "root", Run: noop},
				{Name: "a", DependsOn: []string{"root", "b"}, Run: noop},
				{Name: "b", DependsOn: []string{"a"}, Run: noop},
			}},
			wantErr: "dependency cycle between stages a, b",
		},
		{
			name:    "bad stage retry",
			def:     &Definition{Name: "p", Stages: []StageSpec{{Name: "a", Run: noop, Retry: &RetryPolicy{}}}},
			wantErr: "retry policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, cnserrors.ErrCodeInvalidConfig, cnserrors.CodeOf(err))
		})
	}
}

func TestDefinition_Order(t *testing.T) {
	def := &Definition{Name: "p", Stages: []StageSpec{
		{Name: "deploy", DependsOn: []string{"render"}, Run: noop},
		{Name: "bundle", DependsOn: []string{"render"}, Run: noop},
		{Name: "render", DependsOn: []string{"build"}, Run: noop},
		{Name: "build", Run: noop},
	}}

	order, err := def.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "render", "deploy", "bundle"}, order)
}

func TestDefinition_ImageVariable(t *testing.T) {
	assert.Equal(t, DefaultImageVariable, (&Definition{}).imageVariable())
	assert.Equal(t, "image", (&Definition{ImageVariable: "image"}).imageVariable())
}

func TestVariables(t *testing.T) {
	v := NewVariables(map[string]string{"commit": "abc"})

	require.NoError(t, v.Set("imageTag", "42"))
	err := v.Set("imageTag", "42")
	require.Error(t, err, "same value is still a second write")
	assert.Equal(t, cnserrors.ErrCodeInvalidRequest, cnserrors.CodeOf(err))
	assert.Error(t, v.Set("commit", "def"))
	assert.Error(t, v.Set("", "x"))

	got, ok := v.Get("imageTag")
	assert.True(t, ok)
	assert.Equal(t, "42", got)
	_, ok = v.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, map[string]string{"commit": "abc", "imageTag": "42"}, v.Snapshot())
}

func TestVariables_SetAllIsAtomic(t *testing.T) {
	v := NewVariables(map[string]string{"imageTag": "41"})

	err := v.SetAll(map[string]string{"contextDigest": "sha256:aa", "imageTag": "42", "zone": "b"})
	require.Error(t, err)
	assert.Equal(t, cnserrors.ErrCodeInvalidRequest, cnserrors.CodeOf(err))
	assert.Contains(t, err.Error(), "imageTag")
	assert.Equal(t, map[string]string{"imageTag": "41"}, v.Snapshot(), "no output may be published when one is rejected")

	require.Error(t, v.SetAll(map[string]string{"a": "1", "": "2"}))
	_, ok := v.Get("a")
	assert.False(t, ok)

	require.NoError(t, v.SetAll(map[string]string{"a": "1", "b": "2"}))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "imageTag": "41"}, v.Snapshot())
}

func TestVariables_ConcurrentWritersOneWins(t *testing.T) {
	v := NewVariables(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if v.Set("imageTag", string(rune('a'+i))) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStageContext(t *testing.T) {
	sc := &StageContext{RunID: "7", Stage: "render", vars: NewVariables(map[string]string{"imageRef": "r/a:7"})}

	v, err := sc.MustVar("imageRef")
	require.NoError(t, err)
	assert.Equal(t, "r/a:7", v)

	_, err = sc.MustVar("imageDigest")
	assert.Equal(t, cnserrors.ErrCodeInternal, cnserrors.CodeOf(err))
	assert.NotNil(t, sc.Logger())
}

func TestRetryPolicy(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.Equal(t, 3, DefaultRetryPolicy().MaxAttempts)

	assert.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, InitialBackoff: -time.Second}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Factor: 0.5}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Jitter: -1}.Validate())

	b := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Factor: 2}.backoff()
	assert.Equal(t, time.Second, b.Step())
	assert.Equal(t, 2*time.Second, b.Step())
	assert.Equal(t, 3*time.Second, b.Step())
	assert.Equal(t, 3*time.Second, b.Step())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(cnserrors.New(cnserrors.ErrCodeAuthFailed, "x")))
	assert.True(t, Retryable(cnserrors.New(cnserrors.ErrCodePushFailed, "x")))
	assert.True(t, Retryable(cnserrors.New(cnserrors.ErrCodeRolloutTimeout, "x")))
	assert.False(t, Retryable(cnserrors.New(cnserrors.ErrCodeBuildFailed, "x")))
	assert.False(t, Retryable(cnserrors.New(cnserrors.ErrCodeApplyRejected, "x")))
}

func TestRun_Copy(t *testing.T) {
	r := &Run{
		ID:        "1",
		Stages:    []Stage{{Name: "a", DependsOn: []string{"x"}, Error: &ErrorInfo{Code: "C"}}},
		Variables: map[string]string{"k": "v"},
		Error:     &ErrorInfo{Code: "C"},
	}
	c := r.Copy()
	c.Stages[0].DependsOn[0] = "y"
	c.Stages[0].Error.Code = "D"
	c.Variables["k"] = "w"
	c.Error.Code = "D"

	assert.Equal(t, "x", r.Stages[0].DependsOn[0])
	assert.Equal(t, "C", r.Stages[0].Error.Code)
	assert.Equal(t, "v", r.Variables["k"])
	assert.Equal(t, "C", r.Error.Code)
	assert.Nil(t, (*Run)(nil).Copy())
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusAborted.Terminal())
}
