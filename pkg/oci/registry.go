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
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// RegistryOptions configures how a remote repository is reached.
type RegistryOptions struct {
	// PlainHTTP uses HTTP instead of HTTPS for the registry connection.
	PlainHTTP bool
	// InsecureTLS skips TLS certificate verification.
	InsecureTLS bool
	// Credential supplies registry credentials. When nil, the local
	// Docker credential store is consulted.
	Credential auth.CredentialFunc
}

// NewRepository returns an authenticated ORAS repository handle for ref.
func NewRepository(ref ImageReference, opts RegistryOptions) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Name())
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidRequest, "failed to initialize remote repository", err)
	}
	repo.PlainHTTP = opts.PlainHTTP
	repo.Client = newAuthClient(opts)
	return repo, nil
}

// Resolve returns the digest the registry currently holds for ref's tag.
// found is false when the tag does not exist.
func Resolve(ctx context.Context, ref ImageReference, opts RegistryOptions) (digest string, found bool, err error) {
	if err := ref.Validate(); err != nil {
		return "", false, err
	}
	repo, err := NewRepository(ref, opts)
	if err != nil {
		return "", false, err
	}

	desc, err := repo.Resolve(ctx, ref.Tag)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return "", false, nil
		}
		return "", false, classifyRegistryError(err, fmt.Sprintf("failed to resolve %s", ref))
	}
	return desc.Digest.String(), true, nil
}

// newAuthClient creates an HTTP client with optional TLS configuration
// and credential support.
func newAuthClient(opts RegistryOptions) *auth.Client {
	credFn := opts.Credential
	if credFn == nil {
		credStore, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err == nil {
			credFn = credentials.Credential(credStore)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.PlainHTTP && opts.InsecureTLS {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec
		}
	}

	return &auth.Client{
		Client:     &http.Client{Transport: transport},
		Cache:      auth.NewCache(),
		Credential: credFn,
	}
}

// classifyRegistryError maps a registry failure onto the pipeline error codes.
// Rejected credentials become AUTH_FAILED; everything else is PUSH_FAILED.
func classifyRegistryError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return cnserrors.Wrap(cnserrors.ErrCodeCanceled, msg, err)
	}
	var resp *errcode.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return cnserrors.Wrap(cnserrors.ErrCodeAuthFailed, msg, err)
		}
	}
	if IsAuthMessage(err.Error()) {
		return cnserrors.Wrap(cnserrors.ErrCodeAuthFailed, msg, err)
	}
	return cnserrors.Wrap(cnserrors.ErrCodePushFailed, msg, err)
}

// IsAuthMessage reports whether a registry or daemon message describes
// rejected credentials.
func IsAuthMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"unauthorized", "authentication required", "denied", "forbidden", "no basic auth credentials"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
