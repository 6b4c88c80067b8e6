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

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"oras.land/oras-go/v2/registry/remote/auth"
	orascreds "oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// Handle prefixes and keywords understood by Provider.
const (
	HandleAnonymous = "anonymous"
	HandleDocker    = "docker"
	PrefixEnv       = "env:"
	PrefixAWSSM     = "aws-sm:"
)

// AWS error codes mapped explicitly.
const (
	awsResourceNotFound = "ResourceNotFoundException"
	awsAccessDenied     = "AccessDeniedException"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// DockerStore is the subset of the ORAS credential store used for "docker" handles.
type DockerStore interface {
	Get(ctx context.Context, serverAddress string) (auth.Credential, error)
}

// Option configures a Provider.
type Option func(*Provider)

// WithSecretsManager sets the Secrets Manager client used for aws-sm handles.
func WithSecretsManager(api SecretsManagerAPI) Option {
	return func(p *Provider) { p.secrets = api }
}

// WithDockerStore sets the store used for docker handles.
func WithDockerStore(store DockerStore) Option {
	return func(p *Provider) { p.docker = store }
}

// WithLookupEnv replaces os.LookupEnv for env handles.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(p *Provider) { p.lookupEnv = fn }
}

// Provider resolves registry credential handles into credentials.
// The pipeline core only ever sees handles; the exchange happens here.
// Provider is safe for concurrent use.
type Provider struct {
	mu        sync.Mutex
	secrets   SecretsManagerAPI
	docker    DockerStore
	lookupEnv func(string) (string, bool)
}

// NewProvider returns a Provider. External clients are created lazily on first use.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve exchanges handle for a credential usable against registry.
// Supported handles: "" or "anonymous", "docker", "env:PREFIX", "aws-sm:SECRET_ID".
func (p *Provider) Resolve(ctx context.Context, handle, registry string) (auth.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.CredentialResolveTimeout)
	defer cancel()

	switch {
	case handle == "" || handle == HandleAnonymous:
		return auth.EmptyCredential, nil
	case handle == HandleDocker:
		return p.fromDocker(ctx, registry)
	case strings.HasPrefix(handle, PrefixEnv):
		return p.fromEnv(strings.TrimPrefix(handle, PrefixEnv))
	case strings.HasPrefix(handle, PrefixAWSSM):
		return p.fromSecretsManager(ctx, strings.TrimPrefix(handle, PrefixAWSSM))
	default:
		return auth.EmptyCredential, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unsupported credential handle %q", handle))
	}
}

// CredentialFunc adapts Resolve for ORAS clients.
func (p *Provider) CredentialFunc(handle string) auth.CredentialFunc {
	return func(ctx context.Context, hostport string) (auth.Credential, error) {
		return p.Resolve(ctx, handle, hostport)
	}
}

// ValidateHandle checks handle syntax without contacting any backend.
func ValidateHandle(handle string) error {
	switch {
	case handle == "" || handle == HandleAnonymous || handle == HandleDocker:
		return nil
	case strings.HasPrefix(handle, PrefixEnv):
		if strings.TrimPrefix(handle, PrefixEnv) == "" {
			return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "env credential handle requires a prefix")
		}
		return nil
	case strings.HasPrefix(handle, PrefixAWSSM):
		if strings.TrimPrefix(handle, PrefixAWSSM) == "" {
			return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "aws-sm credential handle requires a secret id")
		}
		return nil
	default:
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("unsupported credential handle %q", handle))
	}
}

func (p *Provider) fromDocker(ctx context.Context, registry string) (auth.Credential, error) {
	p.mu.Lock()
	if p.docker == nil {
		store, err := orascreds.NewStoreFromDocker(orascreds.StoreOptions{})
		if err != nil {
			p.mu.Unlock()
			return auth.EmptyCredential, cnserrors.Wrap(cnserrors.ErrCodeAuthFailed, "failed to open docker credential store", err)
		}
		p.docker = store
	}
	store := p.docker
	p.mu.Unlock()

	cred, err := store.Get(ctx, registry)
	if err != nil {
		return auth.EmptyCredential, cnserrors.Wrap(cnserrors.ErrCodeAuthFailed,
			fmt.Sprintf("failed to read docker credentials for %s", registry), err)
	}
	return cred, nil
}

func (p *Provider) fromEnv(prefix string) (auth.Credential, error) {
	if prefix == "" {
		return auth.EmptyCredential, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "env credential handle requires a prefix")
	}
	user, okUser := p.lookupEnv(prefix + "_USERNAME")
	pass, okPass := p.lookupEnv(prefix + "_PASSWORD")
	if !okUser || !okPass || pass == "" {
		return auth.EmptyCredential, cnserrors.NewWithContext(cnserrors.ErrCodeInvalidConfig,
			"credential environment variables are not set", map[string]any{
				"username": prefix + "_USERNAME",
				"password": prefix + "_PASSWORD",
			})
	}
	// Registries accepting tokens take an empty username
	if user == "" {
		return auth.Credential{RefreshToken: pass}, nil
	}
	return auth.Credential{Username: user, Password: pass}, nil
}

type secretPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

func (p *Provider) fromSecretsManager(ctx context.Context, secretID string) (auth.Credential, error) {
	if secretID == "" {
		return auth.EmptyCredential, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "aws-sm credential handle requires a secret id")
	}
	api, err := p.secretsClient(ctx)
	if err != nil {
		return auth.EmptyCredential, err
	}

	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return auth.EmptyCredential, mapAWSError(secretID, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return auth.EmptyCredential, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("secret %s has no string value", secretID))
	}

	var payload secretPayload
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		// Never include the secret value in the error
		return auth.EmptyCredential, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("secret %s is not a JSON credential document", secretID))
	}

	switch {
	case payload.Token != "":
		return auth.Credential{Username: payload.Username, RefreshToken: payload.Token}, nil
	case payload.Username != "" && payload.Password != "":
		return auth.Credential{Username: payload.Username, Password: payload.Password}, nil
	default:
		return auth.EmptyCredential, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("secret %s must contain username and password", secretID))
	}
}

func (p *Provider) secretsClient(ctx context.Context) (SecretsManagerAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.secrets != nil {
		return p.secrets, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeAuthFailed, "failed to load AWS config", err)
	}
	p.secrets = secretsmanager.NewFromConfig(cfg)
	slog.Debug("secrets manager client initialized", "region", cfg.Region)
	return p.secrets, nil
}

func mapAWSError(secretID string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case awsResourceNotFound:
			return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("secret %s not found", secretID))
		case awsAccessDenied:
			return cnserrors.Wrap(cnserrors.ErrCodeAuthFailed, fmt.Sprintf("access denied to secret %s", secretID), err)
		}
	}
	return cnserrors.Wrap(cnserrors.ErrCodeUnavailable, fmt.Sprintf("failed to read secret %s", secretID), err)
}
