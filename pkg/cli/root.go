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

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/logging"
)

const (
	name           = "cnspipe"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"

	// settings loaded by the root command before any subcommand runs
	settings = defaultSettings()
)

// Process exit codes.
const (
	ExitSucceeded   = 0
	ExitFailed      = 1
	ExitAborted     = 2
	ExitConfigError = 3
)

// Execute runs the CLI with os.Args and exits with the code of the outcome.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupts.watch(ctx, cancel)

	if err := newRootCmd().Run(ctx, os.Args); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		cancel()
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cli.Command {
	root := &cli.Command{
		Name:                  name,
		Usage:                 "Build, publish and deploy container images on branch pushes",
		Version:               fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		EnableShellCompletion: true,
		Description: `cnspipe runs a three-stage delivery pipeline:

  build   - build the image recipe and push it to the registry, tagged with the run number
  render  - substitute the published image into the manifest templates
  deploy  - apply the manifests to the cluster and wait for the rollout

Runs are recorded in a local SQLite database or in cluster ConfigMaps so
status and cancel work from any shell.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "settings",
				Usage: "settings file (default is $HOME/.cnspipe.yaml)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			s, err := LoadSettings(cmd.String("settings"))
			if err != nil {
				return ctx, configError(err)
			}
			if cmd.IsSet("log-level") {
				s.LogLevel = cmd.String("log-level")
			}
			settings = s
			initLogger(s.LogLevel)
			return ctx, nil
		},
		OnUsageError: usageError,
		ExitErrHandler: func(context.Context, *cli.Command, error) {
			// exit codes are applied by Execute
		},
		Commands: []*cli.Command{
			runCmd(),
			statusCmd(),
			cancelCmd(),
			renderCmd(),
			serveCmd(),
		},
	}
	for _, c := range root.Commands {
		c.OnUsageError = usageError
	}
	return root
}

// usageError reports invalid flags and arguments as configuration errors.
func usageError(_ context.Context, _ *cli.Command, err error, _ bool) error {
	return configError(err)
}

// initLogger configures slog once settings and flags are resolved.
func initLogger(level string) {
	logging.SetDefaultStructuredLoggerWithLevel(name, version, level)
	slog.Debug("starting",
		"name", name,
		"version", version,
		"commit", commit,
		"date", date,
		"logLevel", level)
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSucceeded
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if cnserrors.Is(err, cnserrors.ErrCodeInvalidConfig) {
		return ExitConfigError
	}
	return ExitFailed
}

// configError marks err as a configuration problem. The run never started.
func configError(err error) error {
	return cli.Exit(err.Error(), ExitConfigError)
}
