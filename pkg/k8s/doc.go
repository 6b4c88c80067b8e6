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

// Package k8s groups Kubernetes integration.
//
// # Sub-packages
//
// client: clients for a cluster credential handle
//
//	h, _ := credentials.ParseClusterHandle("kubeconfig:~/.kube/prod", "prod", "web")
//	c, err := client.ForHandle(h)
//	if err != nil {
//	    return err
//	}
//	// c.Kube for typed access, c.Dynamic and c.Mapper for applying manifests
//
// Clients are cached per handle, so the applier and the ConfigMap run store
// share connections to the same cluster. Handles without a kubeconfig use
// KUBECONFIG, then ~/.kube/config, then in-cluster configuration.
package k8s
