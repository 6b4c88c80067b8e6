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

// Package cli implements the cnspipe command line.
//
// # Commands
//
// run - Run the pipeline once:
//
//	cnspipe run [--branch main --commit 4f2a9c1 | --event push.json] [pipeline.yaml]
//
// The configuration is the positional argument or --config, defaulting to
// pipeline.yaml.
//
// Builds and pushes the image tagged with the run number, renders the
// manifest templates and applies them. The final run record is printed.
//
// status - Show runs:
//
//	cnspipe status [run-id] [--pipeline web] [--limit 20]
//
// cancel - Request cancellation of a run executing anywhere:
//
//	cnspipe cancel <run-id>
//
// render - Print rendered manifests for a tag without side effects:
//
//	cnspipe render --tag 42
//
// serve - Run the pipeline on push webhooks:
//
//	cnspipe serve --port 8080
//
// # Global Flags
//
//	--settings   Settings file (default: $HOME/.cnspipe.yaml)
//	--log-level  Log level: debug, info, warn, error
//
// # Settings
//
// Defaults for config, store, format, log-level, address and port can be
// set in the settings file or as CNSPIPE_* environment variables
// (CNSPIPE_STORE, CNSPIPE_LOG_LEVEL). Flags on the command line win.
//
// # Exit Codes
//
//	0  Succeeded (or nothing to run)
//	1  Failed
//	2  Aborted
//	3  Configuration error
//
// Version information is embedded at build time using ldflags:
//
//	go build -ldflags="-X 'github.com/NVIDIA/cns-pipeline/pkg/cli.version=1.0.0'"
package cli
