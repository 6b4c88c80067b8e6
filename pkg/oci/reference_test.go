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

package oci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

func TestNewImageReference(t *testing.T) {
	tests := []struct {
		name       string
		registry   string
		repository string
		tag        string
		want       string
		wantErr    bool
	}{
		{name: "simple", registry: "reg.example.com", repository: "myapp", tag: "42", want: "reg.example.com/myapp:42"},
		{name: "port", registry: "localhost:5000", repository: "team/app", tag: "7", want: "localhost:5000/team/app:7"},
		{name: "protocol stripped", registry: "https://reg.example.com/", repository: "/myapp/", tag: "1", want: "reg.example.com/myapp:1"},
		{name: "missing registry", repository: "myapp", tag: "1", wantErr: true},
		{name: "missing repository", registry: "reg.example.com", tag: "1", wantErr: true},
		{name: "missing tag", registry: "reg.example.com", repository: "myapp", wantErr: true},
		{name: "invalid tag", registry: "reg.example.com", repository: "myapp", tag: "bad tag", wantErr: true},
		{name: "uppercase repository", registry: "reg.example.com", repository: "MyApp", tag: "1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := NewImageReference(tt.registry, tt.repository, tt.tag)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cnserrors.Is(err, cnserrors.ErrCodeInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref.String())
		})
	}
}

func TestParseImageReference(t *testing.T) {
	ref, err := ParseImageReference("reg.example.com/myapp:42")
	require.NoError(t, err)
	assert.Equal(t, ImageReference{Registry: "reg.example.com", Repository: "myapp", Tag: "42"}, ref)

	digest := "sha256:" + "a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"
	pinned, err := ParseImageReference("reg.example.com/myapp:42@" + digest)
	require.NoError(t, err)
	assert.Equal(t, digest, pinned.Digest)
	assert.Equal(t, "reg.example.com/myapp:42@"+digest, pinned.Pinned())

	_, err = ParseImageReference("reg.example.com/myapp")
	assert.Error(t, err, "tag is required")

	_, err = ParseImageReference("not a reference")
	assert.Error(t, err)
}

func TestImageReference_Helpers(t *testing.T) {
	ref := ImageReference{Registry: "reg.example.com", Repository: "myapp", Tag: "42"}
	assert.Equal(t, "reg.example.com/myapp", ref.Name())
	assert.Equal(t, ref.String(), ref.Pinned(), "unpinned reference has no digest suffix")

	withDigest := ref.WithDigest("sha256:abc")
	assert.Equal(t, "sha256:abc", withDigest.Digest)
	assert.Empty(t, ref.Digest, "WithDigest must not mutate the receiver")
}

func TestValidateRegistryReference(t *testing.T) {
	tests := []struct {
		name       string
		registry   string
		repository string
		wantErr    bool
	}{
		{name: "valid", registry: "ghcr.io", repository: "nvidia/app"},
		{name: "valid with port", registry: "localhost:5000", repository: "app"},
		{name: "empty registry", registry: "", repository: "app", wantErr: true},
		{name: "registry with slash", registry: "ghcr.io/x", repository: "app", wantErr: true},
		{name: "empty repository", registry: "ghcr.io", repository: "", wantErr: true},
		{name: "leading slash", registry: "ghcr.io", repository: "/app", wantErr: true},
		{name: "uppercase", registry: "ghcr.io", repository: "App", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegistryReference(tt.registry, tt.repository)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStripProtocol(t *testing.T) {
	assert.Equal(t, "ghcr.io", stripProtocol("https://ghcr.io"))
	assert.Equal(t, "localhost:5000", stripProtocol("http://localhost:5000"))
	assert.Equal(t, "ghcr.io", stripProtocol("ghcr.io"))
}
