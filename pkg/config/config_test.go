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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/render"
)

const deploymentTemplate = `apiVersion: apps/v1
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

const validConfig = `name: myapp
trigger:
  branches: [main, "release/*"]
build:
  context: ./app
  image: myapp
  buildArgs:
    VERSION: ${APP_VERSION}
registry:
  host: reg.example.com
  namespace: team
  credential: env:REGISTRY
templates:
  paths: [manifests]
cluster:
  namespace: web
policy:
  maxAttempts: 5
  initialBackoff: 500ms
  rolloutTimeout: 2m
  acceptRolloutTimeout: true
`

// workspace lays out a build context and template directory under a temp dir.
func workspace(t *testing.T, cfg string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "Dockerfile"), []byte("FROM scratch\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "manifests"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifests", "deployment.yaml"), []byte(deploymentTemplate), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte(cfg), 0o600))
	return dir
}

func TestLoad(t *testing.T) {
	t.Setenv("APP_VERSION", "1.2.3")
	dir := workspace(t, validConfig)

	cfg, err := Load(filepath.Join(dir, "pipeline.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "myapp", cfg.Name)
	assert.Equal(t, dir, cfg.Dir())
	assert.Equal(t, filepath.Join(dir, "app"), cfg.Build.Context)
	assert.Equal(t, []string{filepath.Join(dir, "manifests")}, cfg.Templates.Paths)
	assert.Equal(t, "1.2.3", cfg.Build.BuildArgs["VERSION"])
	assert.Equal(t, "team/myapp", cfg.ImageRepository())
	assert.Equal(t, "team/myapp-manifests", cfg.BundleRepository())

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.InitialBackoff)
	assert.Equal(t, defaults.PipelineMaxBackoff, policy.MaxBackoff)
	assert.Equal(t, defaults.PipelineBackoffFactor, policy.Factor)
	assert.Equal(t, defaults.PipelineMaxParallelStages, cfg.MaxParallel())

	assert.Equal(t, 2*time.Minute, cfg.ApplierOptions().RolloutTimeout)
	assert.True(t, cfg.Policy.AcceptRolloutTimeout)

	h, err := cfg.ClusterHandle()
	require.NoError(t, err)
	assert.Equal(t, "web", h.Namespace)

	wl, err := cfg.WatchList()
	require.NoError(t, err)
	assert.True(t, wl.Matches("release/1.0"))
	assert.False(t, wl.Matches("feature/x"))

	pc := cfg.PublisherConfig()
	assert.Equal(t, "reg.example.com", pc.Registry)
	assert.Equal(t, "env:REGISTRY", pc.CredentialHandle)

	opts, err := cfg.RenderOptions()
	require.NoError(t, err)
	assert.Equal(t, render.DefaultToken, opts.Token)
	assert.Equal(t, render.MultipleError, opts.Multiple)

	store, err := cfg.LoadTemplates()
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestLoadUndefinedVariable(t *testing.T) {
	dir := workspace(t, validConfig)
	_, err := Parse(strings.NewReader(validConfig), dir, func(string) (string, bool) { return "", false })
	require.Error(t, err)
	assert.True(t, cnserrors.Is(err, cnserrors.ErrCodeInvalidConfig))
	assert.Contains(t, err.Error(), "APP_VERSION")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, cnserrors.Is(err, cnserrors.ErrCodeInvalidConfig))
}

func TestExpandEnv(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "HOST" {
			return "reg.example.com", true
		}
		return "", false
	}
	out, err := expandEnv("host: ${HOST}\nprice: $$5\n", lookup)
	require.NoError(t, err)
	assert.Equal(t, "host: reg.example.com\nprice: $5\n", out)

	_, err = expandEnv("a: ${B}\nc: ${A}\n", lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A, B")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(string) string
		wantErr string
	}{
		{"valid", func(s string) string { return s }, ""},
		{"missing name", func(s string) string { return strings.Replace(s, "name: myapp\n", "", 1) }, "name is required"},
		{"bad name", func(s string) string { return strings.Replace(s, "name: myapp", "name: My_App", 1) }, "My_App"},
		{"missing image", func(s string) string { return strings.Replace(s, "  image: myapp\n", "", 1) }, "build.image is required"},
		{"uppercase image", func(s string) string { return strings.Replace(s, "  image: myapp", "  image: MyApp", 1) }, "lowercase"},
		{"missing context", func(s string) string { return strings.Replace(s, "./app", "./nope", 1) }, "build context not found"},
		{"missing registry", func(s string) string { return strings.Replace(s, "  host: reg.example.com\n", "", 1) }, "registry.host is required"},
		{"bad credential", func(s string) string { return strings.Replace(s, "env:REGISTRY", "vault:x", 1) }, "unsupported credential handle"},
		{"no templates", func(s string) string { return strings.Replace(s, "paths: [manifests]", "paths: []", 1) }, "templates.paths"},
		{"bad multiple rule", func(s string) string {
			return strings.Replace(s, "paths: [manifests]", "paths: [manifests]\n  multiple: first", 1)
		}, "unknown placeholder rule"},
		{"bad cluster handle", func(s string) string {
			return strings.Replace(s, "  namespace: web", "  credential: token:abc", 1)
		}, "unsupported cluster handle"},
		{"bad branch pattern", func(s string) string { return strings.Replace(s, `"release/*"`, `"release/["`, 1) }, "invalid branch pattern"},
		{"bad attempts", func(s string) string { return strings.Replace(s, "maxAttempts: 5", "maxAttempts: -1", 1) }, "maxAttempts"},
		{"negative parallel", func(s string) string {
			return strings.Replace(s, "policy:\n", "policy:\n  maxParallel: -2\n", 1)
		}, "maxParallel"},
		{"unknown field", func(s string) string { return s + "extra: true\n" }, "extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := tt.edit(validConfig)
			dir := workspace(t, doc)
			_, err := Parse(strings.NewReader(doc), dir, func(string) (string, bool) { return "1.0", true })
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, cnserrors.Is(err, cnserrors.ErrCodeInvalidConfig), "code = %s", cnserrors.CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTemplatesMissingPlaceholder(t *testing.T) {
	dir := workspace(t, validConfig)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifests", "deployment.yaml"),
		[]byte(strings.Replace(deploymentTemplate, "<IMAGE_PLACEHOLDER>", "nginx:latest", 1)), 0o600))

	cfg, err := Parse(strings.NewReader(validConfig), dir, func(string) (string, bool) { return "1.0", true })
	require.NoError(t, err)

	_, err = cfg.LoadTemplates()
	require.Error(t, err)
	assert.True(t, cnserrors.Is(err, cnserrors.ErrCodePlaceholderNotFound))
}

func TestBundleRepository(t *testing.T) {
	c := &Config{Build: BuildConfig{Image: "myapp"}}
	assert.Equal(t, "myapp-manifests", c.BundleRepository())

	c.Bundle.Repository = "bundles/myapp"
	c.Registry.Namespace = "/team/"
	assert.Equal(t, "team/bundles/myapp", c.BundleRepository())
}

func TestEmptyConfig(t *testing.T) {
	_, err := Parse(strings.NewReader(""), t.TempDir(), os.LookupEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is empty")
}
