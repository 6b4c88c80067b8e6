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

package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/NVIDIA/cns-pipeline/pkg/credentials"
)

// Interface is an alias for kubernetes.Interface to allow easier mocking in tests.
// This enables using fake.NewClientset() which returns kubernetes.Interface.
type Interface = kubernetes.Interface

// Clients bundles the API clients needed to act on one cluster.
type Clients struct {
	// Kube is the typed clientset.
	Kube kubernetes.Interface
	// Dynamic is used for arbitrary manifest kinds.
	Dynamic dynamic.Interface
	// Mapper maps manifest kinds to API resources.
	Mapper meta.RESTMapper
	// Config is the REST configuration the clients were built from.
	Config *rest.Config
	// Namespace is the default namespace for namespaced objects.
	Namespace string
}

var (
	cacheMu sync.Mutex
	cache   = map[credentials.ClusterHandle]*Clients{}
)

// ForHandle returns clients for h, building them on first use.
// Clients are cached per handle so concurrent runs share connections.
func ForHandle(h credentials.ClusterHandle) (*Clients, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if c, ok := cache[h]; ok {
		return c, nil
	}
	c, err := Build(h)
	if err != nil {
		return nil, err
	}
	cache[h] = c
	return c, nil
}

// Build creates a new set of clients for h, bypassing the cache.
func Build(h credentials.ClusterHandle) (*Clients, error) {
	config, err := RESTConfig(h)
	if err != nil {
		return nil, err
	}

	kube, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	ns := h.Namespace
	if ns == "" {
		ns = "default"
	}

	return &Clients{
		Kube:      kube,
		Dynamic:   dyn,
		Mapper:    restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(kube.Discovery())),
		Config:    config,
		Namespace: ns,
	}, nil
}

// RESTConfig resolves the REST configuration for h.
// Without an explicit kubeconfig it checks KUBECONFIG, then ~/.kube/config,
// then falls back to in-cluster configuration.
func RESTConfig(h credentials.ClusterHandle) (*rest.Config, error) {
	kubeconfig := resolveKubeconfigPath(h.Kubeconfig)

	// Use InClusterConfig directly when no kubeconfig is available
	// This avoids the warning: "Neither --kubeconfig nor --master was specified"
	if kubeconfig == "" {
		if h.Context != "" {
			return nil, fmt.Errorf("context %q requested but no kubeconfig found", h.Context)
		}
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
		return config, nil
	}

	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: h.Context}
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config from %s: %w", kubeconfig, err)
	}
	return config, nil
}

func resolveKubeconfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("KUBECONFIG"); env != "" {
		return env
	}
	home := filepath.Join(homedir.HomeDir(), ".kube", "config")
	if _, err := os.Stat(home); err == nil {
		return home
	}
	return ""
}
