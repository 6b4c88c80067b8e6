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

package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/NVIDIA/cns-pipeline/pkg/applier"
	"github.com/NVIDIA/cns-pipeline/pkg/config"
	"github.com/NVIDIA/cns-pipeline/pkg/credentials"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/oci"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
	"github.com/NVIDIA/cns-pipeline/pkg/publisher"
	"github.com/NVIDIA/cns-pipeline/pkg/render"
	"github.com/NVIDIA/cns-pipeline/pkg/template"
)

// Stage names of the standard pipeline.
const (
	StageBuild  = "build"
	StageRender = "render"
	StageBundle = "bundle"
	StageDeploy = "deploy"
)

// Variables published by the stages.
const (
	VarImageTag       = "imageTag"
	VarImageRef       = pipeline.DefaultImageVariable
	VarImageDigest    = "imageDigest"
	VarContextDigest  = "contextDigest"
	VarManifestCount  = "manifestCount"
	VarBundleRef      = "bundleRef"
	VarRolloutReady   = "rolloutReady"
	VarRolloutSummary = "rolloutSummary"
)

const (
	// bundleSubDir is the directory the manifests occupy inside a bundle.
	bundleSubDir = "manifests"
	// bundleTimestamp is stamped as the bundle creation time so identical
	// manifests always produce the same bundle digest.
	bundleTimestamp = "1970-01-01T00:00:00Z"
)

// ImagePublisher builds and pushes the run image.
type ImagePublisher interface {
	NewJob(bc publisher.BuildContext, name, tag string, labels map[string]string) (*publisher.Job, error)
	Publish(ctx context.Context, job *publisher.Job) (oci.ImageReference, error)
}

// ClusterApplier submits concrete manifests to the target cluster.
type ClusterApplier interface {
	Apply(ctx context.Context, manifests []render.Manifest, h credentials.ClusterHandle) (*applier.RolloutResult, error)
}

// BundlePushFunc pushes a directory as an OCI artifact.
type BundlePushFunc func(ctx context.Context, opts oci.PushOptions) (*oci.PushResult, error)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher replaces the Docker-backed image publisher.
func WithPublisher(p ImagePublisher) Option {
	return func(d *Pipeline) { d.publisher = p }
}

// WithApplier replaces the cluster applier.
func WithApplier(a ClusterApplier) Option {
	return func(d *Pipeline) { d.applier = a }
}

// WithTemplates uses an already loaded template store.
func WithTemplates(s *template.Store) Option {
	return func(d *Pipeline) { d.templates = s }
}

// WithBundlePusher replaces the ORAS bundle push.
func WithBundlePusher(fn BundlePushFunc) Option {
	return func(d *Pipeline) { d.pushBundle = fn }
}

// WithCredentials sets the registry credential provider.
func WithCredentials(p *credentials.Provider) Option {
	return func(d *Pipeline) { d.creds = p }
}

// Pipeline is the build, render, bundle and deploy pipeline of one configuration.
// It is safe to run several times concurrently; per-run state lives in the
// Definition returned for each run.
type Pipeline struct {
	cfg        *config.Config
	templates  *template.Store
	publisher  ImagePublisher
	applier    ClusterApplier
	pushBundle BundlePushFunc
	creds      *credentials.Provider
	cluster    credentials.ClusterHandle
	renderOpts render.Options
}

// New assembles the pipeline for cfg. Templates are loaded and checked for
// placeholders here, so configuration errors surface before any run starts.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "pipeline config is required")
	}
	d := &Pipeline{cfg: cfg, pushBundle: oci.Push}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	if d.renderOpts, err = cfg.RenderOptions(); err != nil {
		return nil, err
	}
	if d.cluster, err = cfg.ClusterHandle(); err != nil {
		return nil, err
	}
	if d.templates == nil {
		if d.templates, err = cfg.LoadTemplates(); err != nil {
			return nil, err
		}
	} else if err = d.templates.Validate(d.renderOpts.Token, d.renderOpts.Multiple == render.MultipleAll); err != nil {
		return nil, err
	}
	if d.creds == nil {
		d.creds = credentials.NewProvider()
	}
	if d.publisher == nil {
		pub, pubErr := publisher.New(cfg.PublisherConfig(), publisher.WithCredentials(d.creds))
		if pubErr != nil {
			return nil, pubErr
		}
		d.publisher = pub
	}
	if d.applier == nil {
		d.applier = applier.New(cfg.ApplierOptions(), nil)
	}
	return d, nil
}

// Close releases the publisher's engine connection when it holds one.
func (d *Pipeline) Close() error {
	if c, ok := d.publisher.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Name returns the pipeline name.
func (d *Pipeline) Name() string {
	return d.cfg.Name
}

// Config returns the configuration the pipeline was built from.
func (d *Pipeline) Config() *config.Config {
	return d.cfg
}

// OrchestratorOptions returns the retry and concurrency settings of the configuration.
func (d *Pipeline) OrchestratorOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithRetryPolicy(d.cfg.RetryPolicy()),
		pipeline.WithMaxParallel(d.cfg.MaxParallel()),
	}
}

// Execute runs the pipeline once on orch.
func (d *Pipeline) Execute(ctx context.Context, orch *pipeline.Orchestrator, req pipeline.Request) (*pipeline.Run, error) {
	return orch.Execute(ctx, d.Definition(), req)
}

// Definition returns a fresh stage graph for one run:
//
//	build -> render -> deploy
//	                -> bundle (when enabled)
func (d *Pipeline) Definition() *pipeline.Definition {
	r := &runState{Pipeline: d}
	stages := []pipeline.StageSpec{
		{Name: StageBuild, Run: r.build},
		{Name: StageRender, DependsOn: []string{StageBuild}, Run: r.render},
	}
	if d.cfg.Bundle.Enabled {
		stages = append(stages, pipeline.StageSpec{Name: StageBundle, DependsOn: []string{StageRender}, Run: r.bundle})
	}
	stages = append(stages, pipeline.StageSpec{Name: StageDeploy, DependsOn: []string{StageRender}, Run: r.deploy})
	return &pipeline.Definition{Name: d.cfg.Name, Stages: stages, ImageVariable: VarImageRef}
}

// Render substitutes the image the pipeline would publish at tag into the
// templates without building or deploying anything.
func (d *Pipeline) Render(tag string) ([]render.Manifest, oci.ImageReference, error) {
	ref, err := oci.NewImageReference(d.cfg.Registry.Host, d.cfg.ImageRepository(), tag)
	if err != nil {
		return nil, oci.ImageReference{}, err
	}
	manifests, err := render.Render(d.templates.Templates(), ref, d.renderOpts)
	return manifests, ref, err
}

// runState carries what one run shares between its stages.
type runState struct {
	*Pipeline

	mu        sync.Mutex
	job       *publisher.Job
	manifests []render.Manifest
}

// jobFor returns the run's publish job, creating it on the first attempt so
// retries push the same archived context.
func (r *runState) jobFor(sc *pipeline.StageContext) (*publisher.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job != nil {
		return r.job, nil
	}
	labels := make(map[string]string, len(r.cfg.Build.Labels)+2)
	for k, v := range r.cfg.Build.Labels {
		labels[k] = v
	}
	if sc.Trigger.Commit != "" {
		labels[publisher.LabelRevision] = sc.Trigger.Commit
	}
	if sc.Trigger.Repository != "" {
		labels[publisher.LabelSource] = sc.Trigger.Repository
	}
	job, err := r.publisher.NewJob(r.cfg.BuildContext(), r.cfg.Build.Image, sc.RunID, labels)
	if err != nil {
		return nil, err
	}
	r.job = job
	return job, nil
}

func (r *runState) build(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
	job, err := r.jobFor(sc)
	if err != nil {
		return nil, err
	}
	ref, err := r.publisher.Publish(ctx, job)
	if err != nil {
		return nil, err
	}
	out := map[string]string{
		VarImageTag:    ref.Tag,
		VarImageRef:    ref.String(),
		VarImageDigest: ref.Digest,
	}
	if arch, archErr := job.Archive(); archErr == nil {
		out[VarContextDigest] = arch.Digest.String()
	}
	sc.Logger().Info("image published", "reference", ref.Pinned())
	return out, nil
}

func (r *runState) render(_ context.Context, sc *pipeline.StageContext) (map[string]string, error) {
	image, err := sc.MustVar(VarImageRef)
	if err != nil {
		return nil, err
	}
	ref, err := oci.ParseImageReference(image)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, fmt.Sprintf("published reference %q is invalid", image), err)
	}
	manifests, err := render.Render(r.templates.Templates(), ref, r.renderOpts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.manifests = manifests
	r.mu.Unlock()

	for _, m := range manifests {
		sc.Logger().Debug("manifest rendered", "name", m.Name, "digest", m.Digest, "substitutions", m.Substitutions)
	}
	return map[string]string{VarManifestCount: strconv.Itoa(len(manifests))}, nil
}

func (r *runState) rendered() []render.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifests
}

func (r *runState) bundle(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
	manifests := r.rendered()
	ref, err := oci.NewImageReference(r.cfg.Registry.Host, r.cfg.BundleRepository(), sc.RunID)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "cnspipe-bundle-*")
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to create bundle directory", err)
	}
	defer os.RemoveAll(dir)

	manifestDir := filepath.Join(dir, bundleSubDir)
	if err := os.Mkdir(manifestDir, 0o700); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to create bundle directory", err)
	}
	for i, m := range manifests {
		name := fmt.Sprintf("%02d-%s", i, m.Name)
		if err := os.WriteFile(filepath.Join(manifestDir, name), m.Content, 0o600); err != nil {
			return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to write bundle manifest", err)
		}
	}

	var cred auth.CredentialFunc
	if r.cfg.Registry.Credential != "" {
		cred = r.creds.CredentialFunc(r.cfg.Registry.Credential)
	}
	res, err := r.pushBundle(ctx, oci.PushOptions{
		SourceDir:             dir,
		SubDir:                bundleSubDir,
		ReproducibleTimestamp: bundleTimestamp,
		Reference:             ref,
		Registry: oci.RegistryOptions{
			PlainHTTP:   r.cfg.Registry.PlainHTTP,
			InsecureTLS: r.cfg.Registry.InsecureTLS,
			Credential:  cred,
		},
		Annotations: map[string]string{
			oci.AnnotationRunID:    sc.RunID,
			oci.AnnotationPipeline: sc.Pipeline,
		},
	})
	if err != nil {
		return nil, err
	}
	sc.Logger().Info("manifest bundle pushed", "reference", res.Reference.Pinned())
	return map[string]string{VarBundleRef: res.Reference.Pinned()}, nil
}

func (r *runState) deploy(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
	manifests := r.rendered()
	result, err := r.applier.Apply(ctx, manifests, r.cluster)
	if err != nil {
		if !(r.cfg.Policy.AcceptRolloutTimeout && result != nil && cnserrors.Is(err, cnserrors.ErrCodeRolloutTimeout)) {
			return nil, err
		}
		sc.Logger().Warn("rollout still in progress at deadline, accepting", "summary", result.Summary())
	}
	return map[string]string{
		VarRolloutReady:   strconv.FormatBool(result.Ready),
		VarRolloutSummary: result.Summary(),
	}, nil
}
