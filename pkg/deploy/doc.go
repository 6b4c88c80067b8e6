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

// Package deploy assembles the standard pipeline from its components.
//
// Each run executes this stage graph on a pipeline.Orchestrator:
//
//	build   publish the image tagged with the run id
//	render  substitute the published reference into every template
//	bundle  push the concrete manifests as an OCI artifact (optional)
//	deploy  apply the concrete manifests and wait for rollout
//
// bundle and deploy depend only on render and may run concurrently.
//
// Stages publish these variables: imageTag, imageRef, imageDigest,
// contextDigest, manifestCount, bundleRef, rolloutReady and rolloutSummary.
// imageRef is reported as the run's published image, so it survives a
// failed deploy.
//
// Usage:
//
//	cfg, err := config.Load("pipeline.yaml")
//	p, err := deploy.New(cfg)
//	defer p.Close()
//	orch := pipeline.New(append(p.OrchestratorOptions(), pipeline.WithRecorder(store))...)
//	run, err := p.Execute(ctx, orch, pipeline.Request{RunID: id, Trigger: t})
package deploy
