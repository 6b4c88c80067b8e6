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

// Package pipeline executes named stages in dependency order and records
// every run.
//
// A Definition is a directed acyclic graph of stages. The Orchestrator starts
// a stage once all of its dependencies have Succeeded, runs independent
// stages concurrently up to a limit, and stops launching work after the
// first failure. Outputs returned by a stage become run variables, which are
// write-once: a later stage cannot override what an earlier stage recorded.
//
// Transient failures (AUTH_FAILED, PUSH_FAILED, ROLLOUT_TIMEOUT,
// SERVICE_UNAVAILABLE) are retried with exponential backoff up to the
// configured number of attempts. Any other error fails the stage at once.
//
// Runs end in one of three states:
//
//   - Succeeded: every stage succeeded.
//   - Failed: a stage failed. The run reports the failing stage, its error
//     code, the image published so far and the last-known-good image.
//   - Aborted: the run was cancelled.
//
// Cancel requests a graceful stop: running stages finish and nothing new
// starts. Cancelling the context passed to Execute interrupts running
// stages instead. Either way the run is Aborted, never Failed.
//
// Usage:
//
//	o := pipeline.New(pipeline.WithRecorder(store))
//	run, err := o.Execute(ctx, def, pipeline.Request{RunID: "42"})
//	if err != nil {
//	    return err // definition invalid, nothing ran
//	}
//	fmt.Println(run.Status, run.Variables["imageTag"])
package pipeline
