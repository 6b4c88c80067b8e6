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

// Package store persists pipeline runs and allocates build numbers.
//
// Two backends are provided:
//
//   - sqlite://<path>: a local SQLite database with embedded migrations.
//     This is the default, at ~/.cnspipe/state.db.
//   - cm://<namespace>/<prefix>: one ConfigMap per run in a cluster, with a
//     counter ConfigMap updated under optimistic concurrency.
//
// Both implement pipeline.Recorder, so a store can be handed directly to the
// orchestrator:
//
//	s, err := store.Open(ctx, "sqlite:///var/lib/cnspipe/state.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	id, _ := s.NextRunID(ctx)
//	run, err := pipeline.New(pipeline.WithRecorder(s)).Execute(ctx, def, pipeline.Request{RunID: id})
//
// Cancel requests written with RequestCancel are picked up by a running
// orchestrator at its next stage boundary, including from another process.
package store
