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
	"context"
	"fmt"
	"os"
	"path/filepath"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	oras "oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// ArtifactType is the media type for rendered manifest bundles.
const ArtifactType = "application/vnd.nvidia.cns-pipeline.manifests"

// Annotation keys recorded on pushed bundles.
const (
	AnnotationRunID    = "com.nvidia.cns-pipeline.run-id"
	AnnotationPipeline = "com.nvidia.cns-pipeline.pipeline"
)

// PushOptions configures the OCI push operation.
type PushOptions struct {
	// SourceDir is the directory containing artifacts to push.
	SourceDir string
	// Reference is the destination (registry/repository:tag).
	Reference ImageReference
	// SubDir optionally limits the push to a subdirectory within SourceDir.
	SubDir string
	// Registry holds connection and credential settings.
	Registry RegistryOptions
	// Annotations are added to the pushed manifest.
	Annotations map[string]string
	// ReproducibleTimestamp sets a fixed timestamp for reproducible builds.
	ReproducibleTimestamp string
}

// PushResult contains the result of a successful OCI push.
type PushResult struct {
	// Digest is the SHA256 digest of the pushed artifact.
	Digest string
	// Reference is the pushed reference, pinned to Digest.
	Reference ImageReference
}

// Push packs SourceDir as a single-layer OCI artifact and pushes it using ORAS.
func Push(ctx context.Context, opts PushOptions) (*PushResult, error) {
	if err := opts.Reference.Validate(); err != nil {
		return nil, err
	}
	if opts.SourceDir == "" {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidRequest, "source directory is required")
	}

	pushFromDir, cleanup, err := preparePushDir(opts.SourceDir, opts.SubDir)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	// ORAS resolves relative paths against the working directory
	absPushDir, err := filepath.Abs(pushFromDir)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to get absolute path for push dir", err)
	}

	fs, err := file.New(absPushDir)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to create file store", err)
	}
	defer func() { _ = fs.Close() }()

	fs.TarReproducible = true

	layerDesc, err := fs.Add(ctx, ".", ociv1.MediaTypeImageLayerGzip, absPushDir)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to add source directory to store", err)
	}

	annotations := make(map[string]string, len(opts.Annotations)+1)
	for k, v := range opts.Annotations {
		annotations[k] = v
	}
	if opts.ReproducibleTimestamp != "" {
		annotations[ociv1.AnnotationCreated] = opts.ReproducibleTimestamp
	}

	packOpts := oras.PackManifestOptions{
		Layers:              []ociv1.Descriptor{layerDesc},
		ManifestAnnotations: annotations,
	}

	manifestDesc, err := oras.PackManifest(ctx, fs, oras.PackManifestVersion1_1, ArtifactType, packOpts)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to pack manifest", err)
	}

	tag := opts.Reference.Tag
	if tagErr := fs.Tag(ctx, manifestDesc, tag); tagErr != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to tag manifest in local store", tagErr)
	}

	repo, err := NewRepository(opts.Reference, opts.Registry)
	if err != nil {
		return nil, err
	}

	desc, err := oras.Copy(ctx, fs, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, classifyRegistryError(err, fmt.Sprintf("failed to push %s", opts.Reference))
	}

	return &PushResult{
		Digest:    desc.Digest.String(),
		Reference: opts.Reference.WithDigest(desc.Digest.String()),
	}, nil
}

// preparePushDir prepares the directory for pushing.
// If subDir is specified, creates a temp directory with hard links.
// Returns the directory to push from and an optional cleanup function.
func preparePushDir(sourceDir, subDir string) (string, func(), error) {
	if subDir == "" {
		return sourceDir, nil, nil
	}

	// Preserve the subdirectory path inside the artifact
	tempDir, err := os.MkdirTemp("", "cnspipe-push-*")
	if err != nil {
		return "", nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to create temp directory", err)
	}

	srcPath := filepath.Join(sourceDir, subDir)
	dstPath := filepath.Join(tempDir, subDir)
	if err := hardLinkDir(srcPath, dstPath); err != nil {
		os.RemoveAll(tempDir)
		return "", nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to create hard links", err)
	}

	cleanup := func() { os.RemoveAll(tempDir) }
	return tempDir, cleanup, nil
}

// hardLinkDir recursively creates hard links from src to dst.
func hardLinkDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source directory: %w", err)
	}

	if mkdirErr := os.MkdirAll(dst, srcInfo.Mode()); mkdirErr != nil {
		return fmt.Errorf("failed to create destination directory: %w", mkdirErr)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read source directory: %w", err)
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := hardLinkDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := os.Link(srcPath, dstPath); err != nil {
			return fmt.Errorf("failed to create hard link: %w", err)
		}
	}

	return nil
}
