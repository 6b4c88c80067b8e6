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

// Package credentials resolves credential handles for external systems.
//
// Pipeline configuration never carries secrets. It names a handle, and the
// Provider exchanges the handle for a registry credential when the publisher
// needs one:
//
//	anonymous          no credentials
//	docker             docker config.json and credential helpers
//	env:REGISTRY       REGISTRY_USERNAME / REGISTRY_PASSWORD
//	aws-sm:ci/registry AWS Secrets Manager secret {"username":..., "password":...}
//
// Usage:
//
//	p := credentials.NewProvider()
//	cred, err := p.Resolve(ctx, "aws-sm:ci/registry", "reg.example.com")
//
// Secret values are never logged or included in error messages.
//
// Cluster handles ("kubeconfig:<path>" or empty for the default loading rules)
// are parsed with ParseClusterHandle and turned into clients by pkg/k8s/client.
package credentials
