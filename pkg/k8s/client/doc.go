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

// Package client builds Kubernetes API clients from a cluster handle.
//
// A cluster handle names a kubeconfig (or none, for the default discovery
// order) plus an optional context and default namespace. Build returns the
// typed clientset, a dynamic client for arbitrary manifest kinds and a
// discovery-backed REST mapper:
//
//	h, _ := credentials.ParseClusterHandle("kubeconfig:/etc/kube/prod", "prod", "web")
//	c, err := client.ForHandle(h)
//	if err != nil {
//	    return fmt.Errorf("failed to get kubernetes client: %w", err)
//	}
//	mapping, err := c.Mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
//
// ForHandle caches clients per handle. Build creates a fresh set every time.
//
// # Authentication Modes
//
// In-cluster (running as a Pod):
//   - Uses service account credentials from /var/run/secrets/kubernetes.io/serviceaccount/
//   - Used when no kubeconfig is found and no context is requested
//
// Out-of-cluster:
//   - Explicit kubeconfig from the handle
//   - Then the KUBECONFIG environment variable
//   - Then ~/.kube/config
//
// Exec plugins and tokens in the kubeconfig perform the actual credential
// exchange; this package never handles cluster secrets itself.
package client
