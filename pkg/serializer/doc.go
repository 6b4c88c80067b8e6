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

// Package serializer writes run records as JSON, YAML or tables and reads
// JSON or YAML documents from files and URLs.
//
// Writing:
//
//	w := serializer.NewWriter(serializer.FormatTable, os.Stdout)
//	err := w.Serialize(ctx, run)
//
// Tables are specialized for *pipeline.Run (summary, stages and variables)
// and []*pipeline.Run (one row per run). Other values are flattened into
// sorted FIELD/VALUE rows.
//
// Reading:
//
//	ev, err := serializer.FromFile[trigger.Event](ctx, "push.json")
//
// The format is taken from the file extension. Unknown fields are rejected.
// Remote documents are fetched with HttpReader and capped at MaxRemoteSize.
//
// RespondJSON is shared by the HTTP server handlers.
package serializer
