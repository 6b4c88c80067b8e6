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

// Package publisher builds container images and pushes them to a registry.
//
// The Docker Engine API does the building and pushing; the registry itself is
// queried with ORAS to guard against tag reuse and to record the pushed digest.
//
// A Job captures one run's publish work. Its build context is archived on
// first use and the same archive is sent on every retry, so a retried build
// sees exactly the input of the first attempt:
//
//	pub, err := publisher.New(publisher.Config{
//	    Registry:         "reg.example.com",
//	    CredentialHandle: "env:REGISTRY",
//	}, publisher.WithCredentials(credentials.NewProvider()))
//
//	job, err := pub.NewJob(publisher.BuildContext{Dir: "."}, "myapp", "42", nil)
//	ref, err := pub.Publish(ctx, job) // reg.example.com/myapp:42@sha256:...
//
// Errors carry BUILD_FAILED, AUTH_FAILED, PUSH_FAILED or TAG_CONFLICT codes
// from pkg/errors. A tag that already exists in the registry is a conflict
// unless this job pushed it, in which case Publish returns it unchanged.
package publisher
