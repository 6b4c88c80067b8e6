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
	"io/fs"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cns-pipeline/pkg/config"
	"github.com/NVIDIA/cns-pipeline/pkg/serializer"
	"github.com/NVIDIA/cns-pipeline/pkg/store"
)

// Shared flags are built per command; urfave flags hold parse state.

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the pipeline configuration file (default: pipeline.yaml)",
	}
}

func storeFlag() cli.Flag {
	return &cli.StringFlag{
		Name: "store",
		Usage: `Run store location.
	Supports: sqlite://<path>, a bare file path, or cm://<namespace>/<prefix>.
	Default: the configuration's store, then ~/.cnspipe/state.db`,
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output file path (default: stdout)",
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"t"},
		Usage:   fmt.Sprintf("Output format (supported: %v, default: table)", serializer.SupportedFormats()),
	}
}

// stringOption returns the flag value when set on the command line, the
// settings value otherwise.
func stringOption(cmd *cli.Command, flag, fromSettings string) string {
	if cmd.IsSet(flag) || fromSettings == "" {
		return cmd.String(flag)
	}
	return fromSettings
}

func parseOutputFormat(cmd *cli.Command) (serializer.Format, error) {
	f := serializer.Format(stringOption(cmd, "format", settings.Format))
	if f.IsUnknown() {
		return "", fmt.Errorf("unknown output format: %q", f)
	}
	return f, nil
}

// loadConfig loads the pipeline configuration named by the positional
// argument, --config or settings, in that order.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if cmd.Args().Present() {
		if cmd.IsSet("config") {
			return nil, fmt.Errorf("configuration given both as argument and --config")
		}
		if cmd.Args().Len() > 1 {
			return nil, fmt.Errorf("expected at most one configuration argument, got %d", cmd.Args().Len())
		}
		return config.Load(cmd.Args().First())
	}
	return config.Load(stringOption(cmd, "config", settings.Config))
}

// optionalConfig loads the configuration when one is available. A default
// path that does not exist yields nil; an explicit one must load.
func optionalConfig(cmd *cli.Command) (*config.Config, error) {
	path := stringOption(cmd, "config", settings.Config)
	if !cmd.IsSet("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	return config.Load(path)
}

// openStore opens --store, falling back to settings, then the pipeline
// configuration, then the default location. ConfigMap stores reach the
// cluster named by the configuration.
func openStore(ctx context.Context, cmd *cli.Command, cfg *config.Config) (store.Store, error) {
	uri := stringOption(cmd, "store", settings.Store)
	var opts []store.Option
	if cfg != nil {
		if uri == "" {
			uri = cfg.Store
		}
		if h, err := cfg.ClusterHandle(); err == nil {
			opts = append(opts, store.WithCluster(h))
		}
	}
	return store.Open(ctx, uri, opts...)
}

// newWriter returns the serializer for --format and --output.
func newWriter(cmd *cli.Command) (*serializer.Writer, error) {
	format, err := parseOutputFormat(cmd)
	if err != nil {
		return nil, err
	}
	output := cmd.String("output")
	if output == "" {
		return serializer.NewWriter(format, cmd.Root().Writer), nil
	}
	return serializer.NewFileWriterOrStdout(format, output)
}
