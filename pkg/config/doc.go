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

// Package config loads pipeline configuration files.
//
// A configuration names the image to build, the registry it is published to,
// the manifest templates to render and the cluster to deploy to:
//
//	name: myapp
//	trigger:
//	  branches: [main, "release/*"]
//	build:
//	  context: .
//	  recipe: Dockerfile
//	  image: myapp
//	registry:
//	  host: reg.example.com
//	  credential: aws-sm:ci/registry
//	templates:
//	  paths: [deploy/]
//	cluster:
//	  credential: kubeconfig:~/.kube/prod
//	  namespace: web
//	bundle:
//	  enabled: true
//	policy:
//	  maxAttempts: 3
//	  rolloutTimeout: 5m
//
// ${VAR} references are expanded from the environment before parsing, and an
// unset variable is an error. Relative paths resolve against the directory of
// the file. Load validates everything that can be checked locally; templates
// are read and checked for placeholders by LoadTemplates.
package config
