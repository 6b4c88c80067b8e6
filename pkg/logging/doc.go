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

// Package logging configures structured JSON logging on top of log/slog.
//
// Every record carries "module" and "version" attributes. Debug level adds
// source locations. Levels are parsed case-insensitively (debug, info,
// warn or warning, error); anything else is info.
//
// The CLI installs the default logger once settings are loaded:
//
//	logging.SetDefaultStructuredLoggerWithLevel("cnspipe", version, settings.LogLevel)
//
// An empty level falls back to the LOG_LEVEL environment variable:
//
//	LOG_LEVEL=debug cnspipe run --branch main
//
// NewLogLogger bridges packages that only accept a *log.Logger, such as
// http.Server.ErrorLog, into the same JSON stream on stderr.
package logging
