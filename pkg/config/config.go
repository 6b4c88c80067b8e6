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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/NVIDIA/cns-pipeline/pkg/applier"
	"github.com/NVIDIA/cns-pipeline/pkg/credentials"
	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/oci"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
	"github.com/NVIDIA/cns-pipeline/pkg/publisher"
	"github.com/NVIDIA/cns-pipeline/pkg/render"
	"github.com/NVIDIA/cns-pipeline/pkg/template"
	"github.com/NVIDIA/cns-pipeline/pkg/trigger"
)

// MaxFileSize limits the size of a pipeline configuration file.
const MaxFileSize = 1 << 20

// BundleRepositorySuffix is appended to the image name when bundle.repository is empty.
const BundleRepositorySuffix = "-manifests"

// Config is a pipeline configuration file.
type Config struct {
	// Name identifies the pipeline. Runs, metrics and last-known-good lookups are keyed by it.
	Name      string          `json:"name" yaml:"name"`
	Trigger   TriggerConfig   `json:"trigger" yaml:"trigger"`
	Build     BuildConfig     `json:"build" yaml:"build"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Templates TemplatesConfig `json:"templates" yaml:"templates"`
	Cluster   ClusterConfig   `json:"cluster" yaml:"cluster"`
	Bundle    BundleConfig    `json:"bundle" yaml:"bundle"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	// Store overrides the run store location (sqlite:// path or cm://namespace/prefix).
	Store string `json:"store,omitempty" yaml:"store,omitempty"`

	// dir is the directory relative paths resolve against.
	dir string
}

// TriggerConfig lists the branches whose pushes start a run.
type TriggerConfig struct {
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// BuildConfig describes the image to build.
type BuildConfig struct {
	// Context is the build context directory.
	Context string `json:"context" yaml:"context"`
	// Recipe is the Dockerfile path relative to Context.
	Recipe string `json:"recipe,omitempty" yaml:"recipe,omitempty"`
	// Image is the image name without registry or tag (e.g., "myapp").
	Image     string            `json:"image" yaml:"image"`
	BuildArgs map[string]string `json:"buildArgs,omitempty" yaml:"buildArgs,omitempty"`
	Target    string            `json:"target,omitempty" yaml:"target,omitempty"`
	Platform  string            `json:"platform,omitempty" yaml:"platform,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// RegistryConfig is the registry endpoint images are published to.
type RegistryConfig struct {
	Host       string `json:"host" yaml:"host"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty"`
	PlainHTTP  bool   `json:"plainHTTP,omitempty" yaml:"plainHTTP,omitempty"`
	// InsecureTLS skips certificate verification.
	InsecureTLS bool `json:"insecureTLS,omitempty" yaml:"insecureTLS,omitempty"`
}

// TemplatesConfig locates the manifest templates and controls substitution.
type TemplatesConfig struct {
	Paths    []string            `json:"paths" yaml:"paths"`
	Token    string              `json:"token,omitempty" yaml:"token,omitempty"`
	Multiple render.MultipleRule `json:"multiple,omitempty" yaml:"multiple,omitempty"`
	// ImageBearing overrides image detection per template name.
	ImageBearing map[string]bool `json:"imageBearing,omitempty" yaml:"imageBearing,omitempty"`
}

// ClusterConfig is the deployment target.
type ClusterConfig struct {
	// Credential is a cluster handle ("kubeconfig:<path>" or empty).
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty"`
	Context    string `json:"context,omitempty" yaml:"context,omitempty"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// BundleConfig enables archiving the rendered manifests as an OCI artifact.
type BundleConfig struct {
	Enabled    bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// PolicyConfig holds retry, concurrency and rollout settings. Zero values use defaults.
type PolicyConfig struct {
	MaxAttempts    int           `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	InitialBackoff time.Duration `json:"initialBackoff,omitempty" yaml:"initialBackoff,omitempty"`
	MaxBackoff     time.Duration `json:"maxBackoff,omitempty" yaml:"maxBackoff,omitempty"`
	Factor         float64       `json:"factor,omitempty" yaml:"factor,omitempty"`
	Jitter         float64       `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	MaxParallel    int           `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	RolloutTimeout time.Duration `json:"rolloutTimeout,omitempty" yaml:"rolloutTimeout,omitempty"`
	PollInterval   time.Duration `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`
	// AcceptRolloutTimeout treats a rollout that is still progressing at the
	// deadline as a successful deploy.
	AcceptRolloutTimeout bool `json:"acceptRolloutTimeout,omitempty" yaml:"acceptRolloutTimeout,omitempty"`
}

// Load reads, expands and validates the configuration file at path.
// Relative paths in the file resolve against its directory.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("failed to open config %s", path), err)
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "failed to resolve config path", err)
	}

	cfg, err := Parse(f, filepath.Dir(abs), os.LookupEnv)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("invalid config %s", path), err)
	}
	return cfg, nil
}

// Parse decodes a configuration document, expanding ${VAR} references with
// lookup. References to unset variables are an error; "$$" yields a literal "$".
// Relative paths resolve against dir.
func Parse(r io.Reader, dir string, lookup func(string) (string, bool)) (*Config, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "failed to read config", err)
	}
	if len(raw) > MaxFileSize {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("config exceeds %d bytes", MaxFileSize))
	}

	expanded, err := expandEnv(string(raw), lookup)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "config is empty")
		}
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "failed to parse config", err)
	}

	cfg.dir = dir
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(s string, lookup func(string) (string, bool)) (string, error) {
	var missing []string
	out := os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		v, ok := lookup(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", cnserrors.NewWithContext(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("undefined environment variables: %s", strings.Join(missing, ", ")),
			map[string]any{"variables": missing})
	}
	return out, nil
}

func (c *Config) resolvePaths() {
	c.Build.Context = c.resolve(c.Build.Context)
	for i, p := range c.Templates.Paths {
		c.Templates.Paths[i] = c.resolve(p)
	}
	if strings.HasPrefix(c.Cluster.Credential, credentials.PrefixKubeconfig) {
		p := strings.TrimPrefix(c.Cluster.Credential, credentials.PrefixKubeconfig)
		if p != "" {
			c.Cluster.Credential = credentials.PrefixKubeconfig + c.resolve(p)
		}
	}
}

func (c *Config) resolve(p string) string {
	if p == "" || c.dir == "" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.dir, p)
}

// Validate checks the configuration without contacting any external service.
// Every error carries INVALID_CONFIG.
func (c *Config) Validate() error {
	if c.Name == "" {
		return invalid("name is required")
	}
	if errs := validation.IsDNS1123Label(c.Name); len(errs) > 0 {
		return invalid(fmt.Sprintf("name %q: %s", c.Name, strings.Join(errs, "; ")))
	}

	if _, err := c.WatchList(); err != nil {
		return err
	}

	if c.Build.Image == "" {
		return invalid("build.image is required")
	}
	if err := c.BuildContext().Validate(); err != nil {
		return err
	}

	if c.Registry.Host == "" {
		return invalid("registry.host is required")
	}
	if err := oci.ValidateRegistryReference(c.Registry.Host, c.ImageRepository()); err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "registry", err)
	}
	if err := credentials.ValidateHandle(c.Registry.Credential); err != nil {
		return err
	}

	if len(c.Templates.Paths) == 0 {
		return invalid("templates.paths requires at least one entry")
	}
	if _, err := c.RenderOptions(); err != nil {
		return err
	}
	if _, err := c.ClusterHandle(); err != nil {
		return err
	}

	if c.Bundle.Enabled {
		if err := oci.ValidateRegistryReference(c.Registry.Host, c.BundleRepository()); err != nil {
			return cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "bundle", err)
		}
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return err
	}
	p := c.Policy
	if p.MaxParallel < 0 {
		return invalid(fmt.Sprintf("policy.maxParallel must not be negative, got %d", p.MaxParallel))
	}
	if p.RolloutTimeout < 0 || p.PollInterval < 0 {
		return invalid("policy rollout durations must not be negative")
	}
	return nil
}

func invalid(msg string) error {
	return cnserrors.New(cnserrors.ErrCodeInvalidConfig, msg)
}

// Dir returns the directory relative paths were resolved against.
func (c *Config) Dir() string {
	return c.dir
}

// WatchList returns the trigger branch watch-list.
func (c *Config) WatchList() (*trigger.WatchList, error) {
	return trigger.NewWatchList(c.Trigger.Branches...)
}

// BuildContext returns the build context of the image.
func (c *Config) BuildContext() publisher.BuildContext {
	return publisher.BuildContext{
		Dir:       c.Build.Context,
		Recipe:    c.Build.Recipe,
		BuildArgs: c.Build.BuildArgs,
		Target:    c.Build.Target,
		Platform:  c.Build.Platform,
	}
}

// ImageRepository returns the repository path of the image within the registry.
func (c *Config) ImageRepository() string {
	return joinRepo(c.Registry.Namespace, c.Build.Image)
}

// BundleRepository returns the repository path manifest bundles are pushed to.
func (c *Config) BundleRepository() string {
	if c.Bundle.Repository != "" {
		return joinRepo(c.Registry.Namespace, c.Bundle.Repository)
	}
	return joinRepo(c.Registry.Namespace, c.Build.Image+BundleRepositorySuffix)
}

func joinRepo(ns, name string) string {
	ns = strings.Trim(ns, "/")
	if ns == "" {
		return name
	}
	return ns + "/" + name
}

// PublisherConfig returns the registry settings for the image publisher.
func (c *Config) PublisherConfig() publisher.Config {
	return publisher.Config{
		Registry:         c.Registry.Host,
		Namespace:        c.Registry.Namespace,
		CredentialHandle: c.Registry.Credential,
		PlainHTTP:        c.Registry.PlainHTTP,
		InsecureTLS:      c.Registry.InsecureTLS,
	}
}

// RenderOptions returns the normalized substitution options.
func (c *Config) RenderOptions() (render.Options, error) {
	return render.Options{Token: c.Templates.Token, Multiple: c.Templates.Multiple}.Normalize()
}

// LoadTemplates reads the templates and checks them against the
// substitution rules.
func (c *Config) LoadTemplates() (*template.Store, error) {
	opts, err := c.RenderOptions()
	if err != nil {
		return nil, err
	}
	s, err := template.Load(c.Templates.Paths, template.LoadOptions{ImageBearing: c.Templates.ImageBearing})
	if err != nil {
		return nil, err
	}
	if err := s.Validate(opts.Token, opts.Multiple == render.MultipleAll); err != nil {
		return nil, err
	}
	return s, nil
}

// ClusterHandle returns the deployment target.
func (c *Config) ClusterHandle() (credentials.ClusterHandle, error) {
	return credentials.ParseClusterHandle(c.Cluster.Credential, c.Cluster.Context, c.Cluster.Namespace)
}

// RetryPolicy returns the stage retry policy with defaults applied.
func (c *Config) RetryPolicy() pipeline.RetryPolicy {
	p := pipeline.DefaultRetryPolicy()
	if c.Policy.MaxAttempts != 0 {
		p.MaxAttempts = c.Policy.MaxAttempts
	}
	if c.Policy.InitialBackoff != 0 {
		p.InitialBackoff = c.Policy.InitialBackoff
	}
	if c.Policy.MaxBackoff != 0 {
		p.MaxBackoff = c.Policy.MaxBackoff
	}
	if c.Policy.Factor != 0 {
		p.Factor = c.Policy.Factor
	}
	p.Jitter = c.Policy.Jitter
	return p
}

// MaxParallel returns the stage concurrency limit.
func (c *Config) MaxParallel() int {
	if c.Policy.MaxParallel == 0 {
		return defaults.PipelineMaxParallelStages
	}
	return c.Policy.MaxParallel
}

// ApplierOptions returns the cluster applier settings.
func (c *Config) ApplierOptions() applier.Options {
	return applier.Options{
		RolloutTimeout: c.Policy.RolloutTimeout,
		PollInterval:   c.Policy.PollInterval,
	}
}
