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

// Package applier submits rendered manifests to a Kubernetes cluster and
// waits for the workloads they describe to roll out.
//
// Objects are decoded from the manifest stream, mapped to resources with the
// cluster's discovery data, and then created or updated in the order they
// appear. Every kind is resolved before the first write, so a batch naming an
// unknown kind submits nothing.
//
// Deployments, StatefulSets and DaemonSets are polled until their updated
// and available replica counts match the desired count:
//
//	a := applier.New(applier.Options{RolloutTimeout: 5 * time.Minute}, nil)
//	result, err := a.Apply(ctx, manifests, handle)
//	if cnserrors.Is(err, cnserrors.ErrCodeRolloutTimeout) {
//	    // result.Workloads holds the last observed state
//	}
//
// Failures are classified as APPLY_REJECTED when the API server refuses the
// content, SERVICE_UNAVAILABLE when the server is unreachable or overloaded,
// ROLLOUT_TIMEOUT when readiness is not reached in time, and CANCELED when
// the caller's context ends first.
package applier
