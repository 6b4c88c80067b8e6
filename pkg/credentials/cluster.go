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
	"fmt"
	"strings"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// PrefixKubeconfig selects an explicit kubeconfig file for a cluster handle.
const PrefixKubeconfig = "kubeconfig:"

// ClusterHandle points at a target cluster. The credential exchange itself is
// left to the kubeconfig (exec plugins, tokens, in-cluster service account).
type ClusterHandle struct {
	// Kubeconfig is an explicit kubeconfig path. Empty means KUBECONFIG,
	// then ~/.kube/config, then in-cluster configuration.
	Kubeconfig string `json:"kubeconfig,omitempty" yaml:"kubeconfig,omitempty"`
	// Context overrides the kubeconfig current-context.
	Context string `json:"context,omitempty" yaml:"context,omitempty"`
	// Namespace is applied to namespaced manifests that do not set one.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// ParseClusterHandle parses "kubeconfig:<path>" or "" into a ClusterHandle.
func ParseClusterHandle(handle, kubeContext, namespace string) (ClusterHandle, error) {
	h := ClusterHandle{Context: kubeContext, Namespace: namespace}
	switch {
	case handle == "":
	case strings.HasPrefix(handle, PrefixKubeconfig):
		h.Kubeconfig = strings.TrimPrefix(handle, PrefixKubeconfig)
		if h.Kubeconfig == "" {
			return ClusterHandle{}, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "kubeconfig handle requires a path")
		}
	default:
		return ClusterHandle{}, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unsupported cluster handle %q", handle))
	}
	if h.Namespace == "" {
		h.Namespace = "default"
	}
	return h, nil
}

// String returns a log-safe description of the handle.
func (h ClusterHandle) String() string {
	src := h.Kubeconfig
	if src == "" {
		src = "default"
	}
	if h.Context != "" {
		return fmt.Sprintf("%s@%s/%s", h.Context, src, h.Namespace)
	}
	return fmt.Sprintf("%s/%s", src, h.Namespace)
}
