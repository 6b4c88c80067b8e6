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
	"fmt"
	"strings"

	"github.com/distribution/reference"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// URIScheme is the URI scheme for OCI registry targets (e.g., "oci://ghcr.io/org/repo").
const URIScheme = "oci://"

// ImageReference identifies an image published to a registry.
// A given Tag refers to exactly one Digest for the lifetime of a pipeline run.
type ImageReference struct {
	// Registry is the registry host (e.g., "reg.example.com", "localhost:5000").
	Registry string `json:"registry" yaml:"registry"`
	// Repository is the repository path within the registry (e.g., "myapp").
	Repository string `json:"repository" yaml:"repository"`
	// Tag is the immutable per-run tag (e.g., "42").
	Tag string `json:"tag" yaml:"tag"`
	// Digest is the content digest resolved after push. Empty until published.
	Digest string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// NewImageReference builds and validates a reference from its parts.
// A leading http:// or https:// on the registry is ignored.
func NewImageReference(registry, repository, tag string) (ImageReference, error) {
	ref := ImageReference{
		Registry:   stripProtocol(strings.TrimSuffix(registry, "/")),
		Repository: strings.Trim(repository, "/"),
		Tag:        tag,
	}
	if err := ref.Validate(); err != nil {
		return ImageReference{}, err
	}
	return ref, nil
}

// ParseImageReference parses "registry/repository:tag[@digest]".
// References without an explicit registry host are rejected because the
// pipeline never publishes to an implicit default registry.
func ParseImageReference(s string) (ImageReference, error) {
	named, err := reference.ParseNamed(strings.TrimPrefix(s, URIScheme))
	if err != nil {
		return ImageReference{}, cnserrors.Wrap(cnserrors.ErrCodeInvalidRequest,
			fmt.Sprintf("invalid image reference %q", s), err)
	}

	ref := ImageReference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		ref.Digest = digested.Digest().String()
	}
	if ref.Tag == "" {
		return ImageReference{}, cnserrors.New(cnserrors.ErrCodeInvalidRequest,
			fmt.Sprintf("image reference %q has no tag", s))
	}
	return ref, nil
}

// Validate checks that the reference is fully qualified and well formed.
func (r ImageReference) Validate() error {
	if r.Registry == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "registry is required")
	}
	if r.Repository == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "repository is required")
	}
	if r.Tag == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "tag is required")
	}
	if err := ValidateRegistryReference(r.Registry, r.Repository); err != nil {
		return err
	}
	if _, err := reference.ParseNamed(r.String()); err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInvalidRequest,
			fmt.Sprintf("invalid image reference %q", r.String()), err)
	}
	return nil
}

// Name returns "registry/repository".
func (r ImageReference) Name() string {
	return fmt.Sprintf("%s/%s", r.Registry, r.Repository)
}

// String returns the fully qualified "registry/repository:tag" form substituted into manifests.
func (r ImageReference) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// Pinned returns "registry/repository:tag@digest" when the digest is known.
func (r ImageReference) Pinned() string {
	if r.Digest == "" {
		return r.String()
	}
	return r.String() + "@" + r.Digest
}

// WithDigest returns a copy of the reference carrying the given digest.
func (r ImageReference) WithDigest(digest string) ImageReference {
	r.Digest = digest
	return r
}

// ValidateRegistryReference checks registry host and repository path syntax.
func ValidateRegistryReference(registry, repository string) error {
	if registry == "" || strings.ContainsAny(registry, " /") {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid registry host %q", registry))
	}
	if repository == "" || strings.HasPrefix(repository, "/") || strings.HasSuffix(repository, "/") {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid repository %q", repository))
	}
	if repository != strings.ToLower(repository) {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest,
			fmt.Sprintf("repository %q must be lowercase", repository))
	}
	return nil
}

// stripProtocol removes http:// or https:// prefix from a registry URL.
func stripProtocol(registry string) string {
	registry = strings.TrimPrefix(registry, "https://")
	registry = strings.TrimPrefix(registry, "http://")
	return registry
}
