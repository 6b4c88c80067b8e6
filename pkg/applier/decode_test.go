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

package applier

import (
	"context"
	"errors"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/render"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "multi document stream",
			content: deploymentManifest + "---\n" + serviceManifest,
			want:    2,
		},
		{
			name:    "empty documents skipped",
			content: "---\n# comment only\n---\n" + serviceManifest + "---\n",
			want:    1,
		},
		{
			name:    "json object",
			content: `{"apiVersion":"v1","kind":"ConfigMap","metadata":{"name":"cfg"}}`,
			want:    1,
		},
		{
			name:    "missing kind",
			content: "apiVersion: v1\nmetadata:\n  name: x\n",
			wantErr: true,
		},
		{
			name:    "missing name",
			content: "apiVersion: v1\nkind: ConfigMap\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			content: "apiVersion: v1\nkind: [\n",
			wantErr: true,
		},
		{
			name:    "nothing to apply",
			content: "---\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs, err := Decode([]render.Manifest{{Name: "app.yaml", Content: []byte(tt.content)}})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if code := cnserrors.CodeOf(err); code != cnserrors.ErrCodeApplyRejected {
					t.Errorf("code = %s, want %s", code, cnserrors.ErrCodeApplyRejected)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(objs) != tt.want {
				t.Errorf("got %d objects, want %d", len(objs), tt.want)
			}
		})
	}
}

func TestDecode_KeepsIntegers(t *testing.T) {
	objs, err := Decode([]render.Manifest{{Name: "d", Content: []byte(deploymentManifest)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := objs[0].Object["spec"].(map[string]any)["replicas"].(int64); !ok {
		t.Errorf("replicas decoded as %T, want int64", objs[0].Object["spec"].(map[string]any)["replicas"])
	}
}

func TestClassify(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}
	tests := []struct {
		name string
		err  error
		want cnserrors.ErrorCode
	}{
		{"nil", nil, ""},
		{"canceled", context.Canceled, cnserrors.ErrCodeCanceled},
		{"deadline", context.DeadlineExceeded, cnserrors.ErrCodeUnavailable},
		{"no match", &meta.NoKindMatchError{GroupKind: schema.GroupKind{Kind: "Widget"}}, cnserrors.ErrCodeApplyRejected},
		{"bad request", apierrors.NewBadRequest("nope"), cnserrors.ErrCodeApplyRejected},
		{"forbidden", apierrors.NewForbidden(gr, "app", errors.New("rbac")), cnserrors.ErrCodeApplyRejected},
		{"too many requests", apierrors.NewTooManyRequests("slow down", 1), cnserrors.ErrCodeUnavailable},
		{"internal", apierrors.NewInternalError(errors.New("boom")), cnserrors.ErrCodeUnavailable},
		{"conflict", apierrors.NewConflict(gr, "app", errors.New("stale")), cnserrors.ErrCodeUnavailable},
		{"other status", apierrors.NewNotFound(gr, "app"), cnserrors.ErrCodeApplyRejected},
		{"plain", errors.New("connection refused"), cnserrors.ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cnserrors.CodeOf(classify(tt.err, "apply")); got != tt.want {
				t.Errorf("classify() code = %q, want %q", got, tt.want)
			}
		})
	}
}
