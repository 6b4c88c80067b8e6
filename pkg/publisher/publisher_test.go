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

package publisher

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry/remote/auth"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/oci"
)

const pushedDigest = "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"

type fakeDocker struct {
	mu         sync.Mutex
	buildOpts  []build.ImageBuildOptions
	buildTars  [][]string
	pushes     []string
	pushAuth   []string
	buildBody  string
	buildErr   error
	pushBody   string
	pushErr    error
	closeCalls int
}

func (f *fakeDocker) ImageBuild(_ context.Context, r io.Reader, opts build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildOpts = append(f.buildOpts, opts)
	f.buildTars = append(f.buildTars, tarNames(r))
	if f.buildErr != nil {
		return build.ImageBuildResponse{}, f.buildErr
	}
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildBody))}, nil
}

func (f *fakeDocker) ImagePush(_ context.Context, ref string, opts image.PushOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, ref)
	f.pushAuth = append(f.pushAuth, opts.RegistryAuth)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return io.NopCloser(strings.NewReader(f.pushBody)), nil
}

func (f *fakeDocker) Close() error {
	f.closeCalls++
	return nil
}

func tarNames(r io.Reader) []string {
	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return names
		}
		names = append(names, hdr.Name)
	}
}

type staticCreds struct {
	cred    auth.Credential
	handles []string
}

func (s *staticCreds) Resolve(_ context.Context, handle, _ string) (auth.Credential, error) {
	s.handles = append(s.handles, handle)
	return s.cred, nil
}

// fakeRegistry answers Resolve from a tag→digest map that push updates.
type fakeRegistry struct {
	mu    sync.Mutex
	tags  map[string]string
	calls int
	err   error
}

func (r *fakeRegistry) resolve(_ context.Context, ref oci.ImageReference, _ oci.RegistryOptions) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", false, r.err
	}
	d, ok := r.tags[ref.String()]
	return d, ok, nil
}

func (r *fakeRegistry) set(ref, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[ref] = digest
}

const okBuild = `{"stream":"Step 1/2 : FROM scratch\n"}
{"stream":"Successfully built 0123456789ab\n"}
`

const okPush = `{"status":"The push refers to repository [reg.example.com/myapp]"}
{"status":"42: digest: ` + pushedDigest + ` size: 527"}
{"progressDetail":{},"aux":{"Tag":"42","Digest":"` + pushedDigest + `","Size":527}}
`

func newBuildContext(t *testing.T) BuildContext {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\nCOPY app /app\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app"), []byte("binary"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.env"), []byte("TOKEN=x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte("# local files\n*.env\ntmp/\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp", "scratch"), []byte("x"), 0o600))
	return BuildContext{Dir: dir, BuildArgs: map[string]string{"VERSION": "42"}}
}

func newTestPublisher(t *testing.T, docker *fakeDocker, reg *fakeRegistry) (*Publisher, *staticCreds) {
	t.Helper()
	creds := &staticCreds{cred: auth.Credential{Username: "ci", Password: "pw"}}
	p, err := New(Config{Registry: "reg.example.com", CredentialHandle: "env:REG"},
		WithDocker(docker), WithCredentials(creds), WithResolver(reg.resolve))
	require.NoError(t, err)
	return p, creds
}

func TestPublish_Success(t *testing.T) {
	docker := &fakeDocker{buildBody: okBuild, pushBody: okPush}
	reg := &fakeRegistry{tags: map[string]string{}}
	p, creds := newTestPublisher(t, docker, reg)

	job, err := p.NewJob(newBuildContext(t), "myapp", "42", map[string]string{LabelRevision: "abc123"})
	require.NoError(t, err)

	ref, err := p.Publish(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "reg.example.com/myapp:42", ref.String())
	assert.Equal(t, pushedDigest, ref.Digest)
	assert.Equal(t, pushedDigest, job.PushedDigest())
	assert.Equal(t, []string{"env:REG"}, creds.handles)

	require.Len(t, docker.buildOpts, 1)
	opts := docker.buildOpts[0]
	assert.Equal(t, []string{"reg.example.com/myapp:42"}, opts.Tags)
	assert.Equal(t, "Dockerfile", opts.Dockerfile)
	assert.Equal(t, "abc123", opts.Labels[LabelRevision])
	assert.Equal(t, "42", opts.Labels[LabelRunID])
	require.NotNil(t, opts.BuildArgs["VERSION"])
	assert.Equal(t, "42", *opts.BuildArgs["VERSION"])

	names := docker.buildTars[0]
	assert.Contains(t, names, "Dockerfile")
	assert.Contains(t, names, "app")
	assert.Contains(t, names, ".dockerignore")
	assert.NotContains(t, names, "secret.env")
	assert.NotContains(t, names, ".git/")
	assert.NotContains(t, names, "tmp/scratch")

	require.Equal(t, []string{"reg.example.com/myapp:42"}, docker.pushes)
	authCfg, err := registry.DecodeAuthConfig(docker.pushAuth[0])
	require.NoError(t, err)
	assert.Equal(t, "ci", authCfg.Username)
	assert.Equal(t, "reg.example.com", authCfg.ServerAddress)
}

func TestPublish_BuildFailed(t *testing.T) {
	docker := &fakeDocker{
		buildBody: `{"stream":"Step 1/2 : RUN false\n"}
{"errorDetail":{"code":1,"message":"The command '/bin/sh -c false' returned a non-zero code: 1"},"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}
`,
	}
	reg := &fakeRegistry{tags: map[string]string{}}
	p, _ := newTestPublisher(t, docker, reg)

	job, err := p.NewJob(newBuildContext(t), "myapp", "42", nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, cnserrors.ErrCodeBuildFailed, cnserrors.CodeOf(err))
	assert.False(t, cnserrors.IsTransient(err))
	assert.Empty(t, docker.pushes, "nothing is pushed after a failed build")
}

func TestPublish_PushErrors(t *testing.T) {
	tests := []struct {
		name     string
		pushBody string
		pushErr  error
		want     cnserrors.ErrorCode
	}{
		{
			name:     "auth rejected in stream",
			pushBody: `{"errorDetail":{"message":"unauthorized: authentication required"},"error":"unauthorized: authentication required"}` + "\n",
			want:     cnserrors.ErrCodeAuthFailed,
		},
		{
			name:    "denied on request",
			pushErr: errors.New("Error response from daemon: requested access to the resource is denied"),
			want:    cnserrors.ErrCodeAuthFailed,
		},
		{
			name:     "network failure in stream",
			pushBody: `{"errorDetail":{"message":"net/http: TLS handshake timeout"},"error":"net/http: TLS handshake timeout"}` + "\n",
			want:     cnserrors.ErrCodePushFailed,
		},
		{
			name:    "blob upload failure",
			pushErr: errors.New("blob upload unknown"),
			want:    cnserrors.ErrCodePushFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docker := &fakeDocker{buildBody: okBuild, pushBody: tt.pushBody, pushErr: tt.pushErr}
			p, _ := newTestPublisher(t, docker, &fakeRegistry{tags: map[string]string{}})

			job, err := p.NewJob(newBuildContext(t), "myapp", "42", nil)
			require.NoError(t, err)

			_, err = p.Publish(context.Background(), job)
			require.Error(t, err)
			assert.Equal(t, tt.want, cnserrors.CodeOf(err))
			assert.True(t, cnserrors.IsTransient(err))
			assert.Empty(t, job.PushedDigest())
		})
	}
}

func TestPublish_TagConflict(t *testing.T) {
	docker := &fakeDocker{buildBody: okBuild, pushBody: okPush}
	reg := &fakeRegistry{tags: map[string]string{"reg.example.com/myapp:42": "sha256:other"}}
	p, _ := newTestPublisher(t, docker, reg)

	job, err := p.NewJob(newBuildContext(t), "myapp", "42", nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, cnserrors.ErrCodeTagConflict, cnserrors.CodeOf(err))
	assert.False(t, cnserrors.IsTransient(err))
	assert.Empty(t, docker.buildOpts)
}

func TestPublish_RetryAfterPushReusesResult(t *testing.T) {
	docker := &fakeDocker{buildBody: okBuild, pushBody: okPush}
	reg := &fakeRegistry{tags: map[string]string{}}
	p, _ := newTestPublisher(t, docker, reg)

	job, err := p.NewJob(newBuildContext(t), "myapp", "42", nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), job)
	require.NoError(t, err)
	reg.set("reg.example.com/myapp:42", pushedDigest)

	ref, err := p.Publish(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, pushedDigest, ref.Digest)
	assert.Len(t, docker.buildOpts, 1, "a tag already pushed by this job is not rebuilt")
	assert.Len(t, docker.pushes, 1)
}

func TestPublish_RetryAfterStreamErrorPastDigest(t *testing.T) {
	docker := &fakeDocker{buildBody: okBuild, pushBody: `{"status":"The push refers to repository [reg.example.com/myapp]"}
{"progressDetail":{},"aux":{"Tag":"42","Digest":"` + pushedDigest + `","Size":527}}
{"errorDetail":{"message":"read: connection reset by peer"},"error":"read: connection reset by peer"}
`}
	reg := &fakeRegistry{tags: map[string]string{}}
	p, _ := newTestPublisher(t, docker, reg)

	job, err := p.NewJob(newBuildContext(t), "myapp", "42", nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, cnserrors.ErrCodePushFailed, cnserrors.CodeOf(err))
	assert.True(t, cnserrors.IsTransient(err))
	assert.Equal(t, pushedDigest, job.PushedDigest())

	// the registry kept the manifest despite the broken stream
	reg.set("reg.example.com/myapp:42", pushedDigest)

	ref, err := p.Publish(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, pushedDigest, ref.Digest)
	assert.Len(t, docker.pushes, 1)
}

func TestPublish_RetryAfterPushFailureBeforeDigest(t *testing.T) {
	docker := &fakeDocker{buildBody: okBuild, pushBody: `{"status":"The push refers to repository [reg.example.com/myapp]"}
{"errorDetail":{"message":"read: connection reset by peer"},"error":"read: connection reset by peer"}
`}
	reg := &fakeRegistry{tags: map[string]string{}}
	p, _ := newTestPublisher(t, docker, reg)

	job, err := p.NewJob(newBuildContext(t), "myapp", "42", nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), job)
	assert.Equal(t, cnserrors.ErrCodePushFailed, cnserrors.CodeOf(err))
	assert.Empty(t, job.PushedDigest())

	docker.pushBody = okPush
	ref, err := p.Publish(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, pushedDigest, ref.Digest)
	assert.Len(t, docker.buildOpts, 2)
	assert.Len(t, docker.pushes, 2)
}

func TestPublish_ArchiveReusedAcrossAttempts(t *testing.T) {
	docker := &fakeDocker{buildBody: okBuild, pushErr: errors.New("connection reset by peer")}
	p, _ := newTestPublisher(t, docker, &fakeRegistry{tags: map[string]string{}})

	bc := newBuildContext(t)
	job, err := p.NewJob(bc, "myapp", "42", nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), job)
	require.Error(t, err)
	first, err := job.Archive()
	require.NoError(t, err)

	// changes after the first attempt must not leak into retries
	require.NoError(t, os.WriteFile(filepath.Join(bc.Dir, "late"), []byte("x"), 0o600))

	_, err = p.Publish(context.Background(), job)
	require.Error(t, err)
	second, err := job.Archive()
	require.NoError(t, err)

	assert.Same(t, first, second)
	require.Len(t, docker.buildTars, 2)
	assert.Equal(t, docker.buildTars[0], docker.buildTars[1])
	assert.NotContains(t, docker.buildTars[1], "late")
}

func TestPublish_ResolverFailure(t *testing.T) {
	docker := &fakeDocker{buildBody: okBuild, pushBody: okPush}
	reg := &fakeRegistry{err: cnserrors.New(cnserrors.ErrCodeAuthFailed, "401")}
	p, _ := newTestPublisher(t, docker, reg)

	job, err := p.NewJob(newBuildContext(t), "myapp", "42", nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), job)
	assert.Equal(t, cnserrors.ErrCodeAuthFailed, cnserrors.CodeOf(err))
	assert.Empty(t, docker.buildOpts)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, WithDocker(&fakeDocker{}), WithCredentials(&staticCreds{}))
	assert.Equal(t, cnserrors.ErrCodeInvalidConfig, cnserrors.CodeOf(err))

	_, err = New(Config{Registry: "reg.example.com"}, WithDocker(&fakeDocker{}))
	assert.Equal(t, cnserrors.ErrCodeInvalidConfig, cnserrors.CodeOf(err))

	docker := &fakeDocker{}
	p, err := New(Config{Registry: "reg.example.com"}, WithDocker(docker), WithCredentials(&staticCreds{}))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Equal(t, 1, docker.closeCalls)
}

func TestReference(t *testing.T) {
	p, err := New(Config{Registry: "reg.example.com", Namespace: "/team/"},
		WithDocker(&fakeDocker{}), WithCredentials(&staticCreds{}))
	require.NoError(t, err)

	ref, err := p.Reference("myapp", "42")
	require.NoError(t, err)
	assert.Equal(t, "reg.example.com/team/myapp:42", ref.String())

	_, err = p.Reference(" ", "42")
	assert.Error(t, err)
}

func TestNewJob_InvalidContext(t *testing.T) {
	p, err := New(Config{Registry: "reg.example.com"}, WithDocker(&fakeDocker{}), WithCredentials(&staticCreds{}))
	require.NoError(t, err)

	_, err = p.NewJob(BuildContext{Dir: t.TempDir()}, "myapp", "42", nil)
	assert.Equal(t, cnserrors.ErrCodeInvalidConfig, cnserrors.CodeOf(err), "missing Dockerfile")

	_, err = p.NewJob(BuildContext{Dir: filepath.Join(t.TempDir(), "absent")}, "myapp", "42", nil)
	assert.Equal(t, cnserrors.ErrCodeInvalidConfig, cnserrors.CodeOf(err))
}
