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

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/client-go/kubernetes"

	"github.com/NVIDIA/cns-pipeline/pkg/credentials"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/k8s/client"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
)

// URI schemes accepted by Open.
const (
	SQLiteURIScheme    = "sqlite://"
	ConfigMapURIScheme = "cm://"
)

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 20

// Store persists pipeline runs. It satisfies pipeline.Recorder.
type Store interface {
	pipeline.Recorder

	// NextRunID allocates the next build number. Ids increase monotonically
	// and are never reused.
	NextRunID(ctx context.Context) (string, error)
	// Get returns a run by id, or NOT_FOUND.
	Get(ctx context.Context, id string) (*pipeline.Run, error)
	// List returns the newest runs first.
	List(ctx context.Context, opts ListOptions) ([]*pipeline.Run, error)
	// RequestCancel marks a run for graceful cancellation. Terminal runs
	// cannot be cancelled.
	RequestCancel(ctx context.Context, id string) error
	// Close releases the backend.
	Close() error
}

// ListOptions filters List.
type ListOptions struct {
	// Pipeline restricts results to one pipeline when set.
	Pipeline string
	// Limit caps the number of runs. Zero uses DefaultListLimit.
	Limit int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	kube    kubernetes.Interface
	cluster credentials.ClusterHandle
}

// WithKubeClient sets the client used by ConfigMap stores.
func WithKubeClient(c kubernetes.Interface) Option {
	return func(o *openOptions) { o.kube = c }
}

// WithCluster sets the cluster a ConfigMap store connects to when no client is given.
func WithCluster(h credentials.ClusterHandle) Option {
	return func(o *openOptions) { o.cluster = h }
}

// DefaultLocation returns the SQLite store under the user's home directory.
func DefaultLocation() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return SQLiteURIScheme + filepath.Join(".cnspipe", "state.db")
	}
	return SQLiteURIScheme + filepath.Join(home, ".cnspipe", "state.db")
}

// Open returns the store at uri: sqlite://<path> or cm://<namespace>/<prefix>.
// A bare path is treated as a SQLite file; an empty uri uses DefaultLocation.
func Open(ctx context.Context, uri string, opts ...Option) (Store, error) {
	o := &openOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if uri == "" {
		uri = DefaultLocation()
	}

	switch {
	case strings.HasPrefix(uri, ConfigMapURIScheme):
		namespace, prefix, err := parseConfigMapURI(uri)
		if err != nil {
			return nil, err
		}
		kube := o.kube
		if kube == nil {
			c, cerr := client.ForHandle(o.cluster)
			if cerr != nil {
				return nil, cnserrors.Wrap(cnserrors.ErrCodeUnavailable, "failed to connect to cluster for run store", cerr)
			}
			kube = c.Kube
		}
		return NewConfigMapStore(kube, namespace, prefix), nil
	case strings.HasPrefix(uri, SQLiteURIScheme):
		return OpenSQLite(ctx, strings.TrimPrefix(uri, SQLiteURIScheme))
	case strings.Contains(uri, "://"):
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("unsupported store location %q", uri))
	default:
		return OpenSQLite(ctx, uri)
	}
}

// parseConfigMapURI parses cm://namespace/prefix.
func parseConfigMapURI(uri string) (namespace, prefix string, err error) {
	path := strings.TrimPrefix(uri, ConfigMapURIScheme)
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid ConfigMap store %q: expected %snamespace/prefix", uri, ConfigMapURIScheme))
	}
	if strings.Contains(parts[1], "/") {
		return "", "", cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid ConfigMap store %q: prefix must not contain '/'", uri))
	}
	return parts[0], parts[1], nil
}

// sequence orders run ids. Numeric ids sort numerically; others sort first.
func sequence(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func notFound(id string) error {
	return cnserrors.NewWithContext(cnserrors.ErrCodeNotFound, fmt.Sprintf("run %s not found", id),
		map[string]any{"run": id})
}

func terminal(run *pipeline.Run) error {
	return cnserrors.NewWithContext(cnserrors.ErrCodeInvalidRequest,
		fmt.Sprintf("run %s already finished with status %s", run.ID, run.Status),
		map[string]any{"run": run.ID, "status": run.Status})
}
