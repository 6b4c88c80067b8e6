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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/oci"
)

// Label keys applied to every built image.
const (
	LabelRevision = "org.opencontainers.image.revision"
	LabelSource   = "org.opencontainers.image.source"
	LabelCreated  = "org.opencontainers.image.created"
	LabelRunID    = "com.nvidia.cns-pipeline.run-id"
)

// DockerAPI is the subset of the Docker Engine client the publisher needs.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// CredentialSource exchanges a credential handle for a registry credential.
type CredentialSource interface {
	Resolve(ctx context.Context, handle, registry string) (auth.Credential, error)
}

// ResolveFunc looks up the digest a registry holds for a tag.
type ResolveFunc func(ctx context.Context, ref oci.ImageReference, opts oci.RegistryOptions) (string, bool, error)

// Config describes the registry endpoint images are published to.
type Config struct {
	// Registry is the registry host (e.g., "reg.example.com").
	Registry string
	// Namespace is an optional repository prefix (e.g., "team").
	Namespace string
	// CredentialHandle names the credential to use (see pkg/credentials).
	CredentialHandle string
	// PlainHTTP talks to the registry over HTTP.
	PlainHTTP bool
	// InsecureTLS skips registry certificate verification.
	InsecureTLS bool
	// SkipTagCheck disables the tag reuse guard.
	SkipTagCheck bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithDocker sets the Docker client. The publisher takes ownership and closes it.
func WithDocker(d DockerAPI) Option {
	return func(p *Publisher) { p.docker = d }
}

// WithCredentials sets the credential source.
func WithCredentials(c CredentialSource) Option {
	return func(p *Publisher) { p.creds = c }
}

// WithResolver replaces the registry digest lookup.
func WithResolver(fn ResolveFunc) Option {
	return func(p *Publisher) { p.resolve = fn }
}

// Publisher builds images with the Docker Engine and pushes them to a registry.
type Publisher struct {
	cfg     Config
	docker  DockerAPI
	creds   CredentialSource
	resolve ResolveFunc
}

// New returns a Publisher. Without WithDocker a client is created from the
// environment (DOCKER_HOST etc.) with API version negotiation.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if cfg.Registry == "" {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "registry is required")
	}
	p := &Publisher{cfg: cfg, resolve: oci.Resolve}
	for _, opt := range opts {
		opt(p)
	}
	if p.creds == nil {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "credential source is required")
	}
	if p.docker == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, cnserrors.Wrap(cnserrors.ErrCodeUnavailable, "failed to create docker client", err)
		}
		p.docker = cli
	}
	return p, nil
}

// Close releases the Docker client.
func (p *Publisher) Close() error {
	return p.docker.Close()
}

// Reference returns the image reference name:tag would be published as.
func (p *Publisher) Reference(name, tag string) (oci.ImageReference, error) {
	if strings.TrimSpace(name) == "" {
		return oci.ImageReference{}, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "image name is required")
	}
	repo := name
	if p.cfg.Namespace != "" {
		repo = strings.Trim(p.cfg.Namespace, "/") + "/" + name
	}
	return oci.NewImageReference(p.cfg.Registry, repo, tag)
}

// Job is the publish work of one run. The same Job must be reused across
// retries: it archives the build context once and remembers what it pushed.
type Job struct {
	Context  BuildContext
	Ref      oci.ImageReference
	Labels   map[string]string
	RunID    string
	archOnce sync.Once
	archive  *Archive
	archErr  error

	mu     sync.Mutex
	pushed string
}

// NewJob prepares a publish job for name at tag.
func (p *Publisher) NewJob(bc BuildContext, name, tag string, labels map[string]string) (*Job, error) {
	ref, err := p.Reference(name, tag)
	if err != nil {
		return nil, err
	}
	if err := bc.Validate(); err != nil {
		return nil, err
	}
	l := make(map[string]string, len(labels)+2)
	for k, v := range labels {
		l[k] = v
	}
	l[LabelRunID] = tag
	l[LabelCreated] = time.Now().UTC().Format(time.RFC3339)
	return &Job{Context: bc, Ref: ref, Labels: l, RunID: tag}, nil
}

// Archive returns the job's build context archive, creating it on first use.
func (j *Job) Archive() (*Archive, error) {
	j.archOnce.Do(func() {
		j.archive, j.archErr = ArchiveContext(j.Context)
	})
	return j.archive, j.archErr
}

// PushedDigest returns the digest this job pushed, if any.
func (j *Job) PushedDigest() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pushed
}

func (j *Job) setPushed(d string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pushed = d
}

// Publish builds and pushes the job's image and returns its reference pinned
// to the pushed digest. Failures carry BUILD_FAILED, AUTH_FAILED, PUSH_FAILED
// or TAG_CONFLICT.
func (p *Publisher) Publish(ctx context.Context, job *Job) (oci.ImageReference, error) {
	ref := job.Ref
	log := slog.With("reference", ref.String())

	arch, err := job.Archive()
	if err != nil {
		return oci.ImageReference{}, err
	}

	cred, err := p.creds.Resolve(ctx, p.cfg.CredentialHandle, ref.Registry)
	if err != nil {
		return oci.ImageReference{}, err
	}
	regOpts := oci.RegistryOptions{
		PlainHTTP:   p.cfg.PlainHTTP,
		InsecureTLS: p.cfg.InsecureTLS,
		Credential:  auth.StaticCredential(ref.Registry, cred),
	}

	if !p.cfg.SkipTagCheck {
		existing, done, guardErr := p.checkTag(ctx, job, regOpts)
		if guardErr != nil {
			return oci.ImageReference{}, guardErr
		}
		if done {
			log.Info("image already published by this run", "digest", existing)
			return ref.WithDigest(existing), nil
		}
	}

	log.Info("building image", "context_digest", arch.Digest.String(), "files", arch.Files)
	if err := p.build(ctx, job, arch); err != nil {
		return oci.ImageReference{}, err
	}

	log.Info("pushing image")
	digest, err := p.push(ctx, job, cred)
	if err != nil {
		return oci.ImageReference{}, err
	}

	if resolved, found, resolveErr := p.resolve(ctx, ref, regOpts); resolveErr == nil && found {
		digest = resolved
	} else if resolveErr != nil {
		log.Warn("failed to resolve pushed digest", "error", resolveErr)
	}
	job.setPushed(digest)
	log.Info("image published", "digest", digest)
	return ref.WithDigest(digest), nil
}

// checkTag enforces one digest per tag. It reports done when the tag already
// holds what this job pushed on an earlier attempt.
func (p *Publisher) checkTag(ctx context.Context, job *Job, opts oci.RegistryOptions) (string, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, defaults.RegistryResolveTimeout)
	defer cancel()

	existing, found, err := p.resolve(rctx, job.Ref, opts)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	if pushed := job.PushedDigest(); pushed != "" && pushed == existing {
		return existing, true, nil
	}
	return "", false, cnserrors.NewWithContext(cnserrors.ErrCodeTagConflict,
		fmt.Sprintf("tag %s already exists in the registry", job.Ref), map[string]any{
			"reference": job.Ref.String(),
			"digest":    existing,
		})
}

func (p *Publisher) build(ctx context.Context, job *Job, arch *Archive) error {
	bctx, cancel := context.WithTimeout(ctx, defaults.ImageBuildTimeout)
	defer cancel()

	args := make(map[string]*string, len(job.Context.BuildArgs))
	for k, v := range job.Context.BuildArgs {
		args[k] = &v
	}

	resp, err := p.docker.ImageBuild(bctx, arch.Reader(), build.ImageBuildOptions{
		Tags:        []string{job.Ref.String()},
		Dockerfile:  job.Context.RecipePath(),
		BuildArgs:   args,
		Labels:      job.Labels,
		Target:      job.Context.Target,
		Platform:    job.Context.Platform,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return classifyDaemonError(err, cnserrors.ErrCodeBuildFailed, "image build failed")
	}
	defer resp.Body.Close()

	if err := drain(resp.Body, "build", nil); err != nil {
		return classifyDaemonError(err, cnserrors.ErrCodeBuildFailed, "image build failed")
	}
	return nil
}

// push streams the image to the registry. The digest is recorded on the job
// as soon as the stream reports it, so a stream error after that point does
// not make the job's own tag a conflict on retry.
func (p *Publisher) push(ctx context.Context, job *Job, cred auth.Credential) (string, error) {
	ref := job.Ref
	pctx, cancel := context.WithTimeout(ctx, defaults.ImagePushTimeout)
	defer cancel()

	encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Password,
		IdentityToken: cred.RefreshToken,
		RegistryToken: cred.AccessToken,
		ServerAddress: ref.Registry,
	})
	if err != nil {
		return "", cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to encode registry auth", err)
	}

	body, err := p.docker.ImagePush(pctx, ref.String(), image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", classifyPushError(err)
	}
	defer body.Close()

	var digest string
	err = drain(body, "push", func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var res types.PushResult
		if json.Unmarshal(*msg.Aux, &res) == nil && res.Digest != "" {
			digest = res.Digest
			job.setPushed(digest)
		}
	})
	if err != nil {
		return "", classifyPushError(err)
	}
	return digest, nil
}

// drain consumes a daemon progress stream, logging it at debug level.
// It returns the first error message the stream reports.
func drain(r io.Reader, phase string, aux func(jsonmessage.JSONMessage)) error {
	w := &debugWriter{phase: phase}
	err := jsonmessage.DisplayJSONMessagesStream(r, w, 0, false, aux)
	w.flush()
	return err
}

// debugWriter logs whole lines written to it.
type debugWriter struct {
	phase string
	buf   []byte
}

func (w *debugWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := strings.IndexByte(string(w.buf), '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			slog.Debug("docker "+w.phase, "output", line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}

func (w *debugWriter) flush() {
	if line := strings.TrimSpace(string(w.buf)); line != "" {
		slog.Debug("docker "+w.phase, "output", line)
	}
	w.buf = nil
}

func classifyDaemonError(err error, code cnserrors.ErrorCode, msg string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return cnserrors.Wrap(cnserrors.ErrCodeCanceled, msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return cnserrors.Wrap(cnserrors.ErrCodeTimeout, msg, err)
	case client.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err):
		return cnserrors.Wrap(cnserrors.ErrCodeUnavailable, "docker daemon unavailable", err)
	}
	return cnserrors.Wrap(code, msg, err)
}

func classifyPushError(err error) error {
	if cerrdefs.IsUnauthorized(err) || cerrdefs.IsPermissionDenied(err) || oci.IsAuthMessage(err.Error()) {
		return cnserrors.Wrap(cnserrors.ErrCodeAuthFailed, "registry rejected credentials", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cnserrors.Wrap(cnserrors.ErrCodePushFailed, "image push timed out", err)
	}
	return classifyDaemonError(err, cnserrors.ErrCodePushFailed, "image push failed")
}
