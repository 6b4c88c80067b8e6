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

// Package oci handles image references and registry access for the pipeline.
//
// # Image References
//
// ImageReference identifies a published image as registry/repository:tag,
// optionally pinned to the digest resolved after push:
//
//	ref, err := oci.NewImageReference("reg.example.com", "myapp", "42")
//	fmt.Println(ref.String()) // reg.example.com/myapp:42
//
// References are validated with github.com/distribution/reference and must
// name an explicit registry host and a lowercase repository.
//
// # Registry Access
//
// Resolve asks the registry which digest a tag currently points at. The
// publisher uses it both to detect tag reuse before pushing and to record
// the digest afterwards:
//
//	digest, found, err := oci.Resolve(ctx, ref, oci.RegistryOptions{
//	    Credential: auth.StaticCredential(ref.Registry, cred),
//	})
//
// When RegistryOptions.Credential is nil the local Docker credential store is used.
// Registry failures are mapped onto pipeline error codes: rejected credentials
// become AUTH_FAILED and everything else PUSH_FAILED.
//
// # Manifest Bundles
//
// Push packs a directory of rendered manifests into a single-layer OCI
// artifact (ArtifactType) and pushes it with ORAS. Setting SubDir hard-links
// that subdirectory into a scratch tree first so only it is packed, and a fixed
// ReproducibleTimestamp keeps the bundle digest stable across pushes of the
// same manifests.
package oci
