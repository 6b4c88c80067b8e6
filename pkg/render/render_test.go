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

package render

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/oci"
	"github.com/NVIDIA/cns-pipeline/pkg/template"
)

const deployment = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: myapp
spec:
  template:
    spec:
      containers:
        - name: app
          image: <IMAGE_PLACEHOLDER>
`

const service = `apiVersion: v1
kind: Service
metadata:
  name: myapp
`

var testRef = oci.ImageReference{Registry: "reg.example.com", Repository: "myapp", Tag: "42"}

func TestRender_Substitutes(t *testing.T) {
	templates := []template.Template{
		{Name: "deployment.yaml", Content: []byte(deployment), ImageBearing: true},
		{Name: "service.yaml", Content: []byte(service)},
	}

	out, err := Render(templates, testRef, Options{})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "deployment.yaml", out[0].Name)
	assert.Contains(t, string(out[0].Content), "image: reg.example.com/myapp:42\n")
	assert.NotContains(t, string(out[0].Content), DefaultToken)
	assert.Equal(t, 1, out[0].Substitutions)
	assert.True(t, strings.HasPrefix(out[0].Digest, "sha256:"))

	assert.Equal(t, service, string(out[1].Content), "templates without the token pass through unchanged")
	assert.Equal(t, 0, out[1].Substitutions)
}

func TestRender_ExactStringForAnyReference(t *testing.T) {
	refs := []oci.ImageReference{
		{Registry: "reg.example.com", Repository: "myapp", Tag: "1"},
		{Registry: "localhost:5000", Repository: "team/app", Tag: "9999"},
		{Registry: "ghcr.io", Repository: "org/sub/app", Tag: "v1.2.3-rc.1"},
	}
	for _, ref := range refs {
		t.Run(ref.String(), func(t *testing.T) {
			tmpl := template.Template{Name: "d", Content: []byte(deployment), ImageBearing: true}
			out, err := Render([]template.Template{tmpl}, ref, Options{})
			require.NoError(t, err)

			want := strings.Replace(deployment, DefaultToken, ref.String(), 1)
			assert.Equal(t, want, string(out[0].Content))
			assert.Equal(t, 0, bytes.Count(out[0].Content, []byte(DefaultToken)))
		})
	}
}

func TestRender_Deterministic(t *testing.T) {
	templates := []template.Template{{Name: "d", Content: []byte(deployment), ImageBearing: true}}

	first, err := Render(templates, testRef, Options{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Render(templates, testRef, Options{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, deployment, string(templates[0].Content), "input must not be modified")
}

func TestRender_PlaceholderNotFound(t *testing.T) {
	templates := []template.Template{{Name: "job.yaml", Content: []byte("image: busybox\n"), ImageBearing: true}}

	out, err := Render(templates, testRef, Options{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, cnserrors.ErrCodePlaceholderNotFound, cnserrors.CodeOf(err))
}

func TestRender_MultiplePlaceholders(t *testing.T) {
	content := deployment + "        - name: sidecar\n          image: <IMAGE_PLACEHOLDER>\n"
	templates := []template.Template{{Name: "two.yaml", Content: []byte(content), ImageBearing: true}}

	_, err := Render(templates, testRef, Options{})
	require.Error(t, err)
	assert.Equal(t, cnserrors.ErrCodeMultiplePlaceholders, cnserrors.CodeOf(err))

	out, err := Render(templates, testRef, Options{Multiple: MultipleAll})
	require.NoError(t, err)
	assert.Equal(t, 2, out[0].Substitutions)
	assert.Equal(t, 2, strings.Count(string(out[0].Content), "reg.example.com/myapp:42"))
}

func TestRender_CustomToken(t *testing.T) {
	templates := []template.Template{{Name: "d", Content: []byte("image: __IMAGE__\nlabel: <IMAGE_PLACEHOLDER>\n"), ImageBearing: true}}

	out, err := Render(templates, testRef, Options{Token: "__IMAGE__"})
	require.NoError(t, err)
	assert.Equal(t, "image: reg.example.com/myapp:42\nlabel: <IMAGE_PLACEHOLDER>\n", string(out[0].Content))
}

func TestRender_InvalidInput(t *testing.T) {
	templates := []template.Template{{Name: "d", Content: []byte(deployment), ImageBearing: true}}

	_, err := Render(templates, oci.ImageReference{Repository: "myapp", Tag: "1"}, Options{})
	assert.Error(t, err)

	_, err = Render(templates, testRef, Options{Multiple: "first"})
	assert.Equal(t, cnserrors.ErrCodeInvalidConfig, cnserrors.CodeOf(err))

	_, err = Render(templates, testRef, Options{Token: "myapp"})
	assert.Equal(t, cnserrors.ErrCodeInvalidConfig, cnserrors.CodeOf(err), "token reintroduced by the image must be caught")
}

func TestJoin(t *testing.T) {
	manifests := []Manifest{
		{Name: "a", Content: []byte("a: 1")},
		{Name: "b", Content: []byte("b: 2\n")},
	}
	assert.Equal(t, "a: 1\n---\nb: 2\n", string(Join(manifests)))
	assert.Empty(t, Join(nil))
}

func ExampleRender() {
	tmpl := template.Template{Name: "d", Content: []byte("image: <IMAGE_PLACEHOLDER>\n"), ImageBearing: true}
	ref := oci.ImageReference{Registry: "reg.example.com", Repository: "myapp", Tag: "42"}

	out, err := Render([]template.Template{tmpl}, ref, Options{})
	if err != nil {
		panic(err)
	}
	fmt.Print(string(out[0].Content))
	// Output: image: reg.example.com/myapp:42
}
