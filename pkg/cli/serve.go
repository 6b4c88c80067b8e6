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

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cns-pipeline/pkg/api"
	"github.com/NVIDIA/cns-pipeline/pkg/deploy"
	"github.com/NVIDIA/cns-pipeline/pkg/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:                  "serve",
		EnableShellCompletion: true,
		ArgsUsage:             "[config]",
		Usage:                 "Serve the pipeline API and run the pipeline on push webhooks",
		Description: `Start an HTTP server that accepts push events on POST /v1/triggers and
runs the pipeline for watched branches. Runs can be queried and cancelled
over the API or with the status and cancel commands.

On interrupt the server stops accepting events, cancels active runs after
their current stage and exits once they are recorded.

# Examples

  cnspipe serve --config pipeline.yaml --port 8080`,
		Flags: []cli.Flag{
			configFlag(),
			storeFlag(),
			&cli.StringFlag{
				Name:  "address",
				Usage: "Address to listen on (default: all interfaces)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on (default: 8080)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return configError(err)
			}
			p, err := deploy.New(cfg)
			if err != nil {
				return configError(err)
			}
			defer p.Close()

			st, err := openStore(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			port := settings.Port
			if cmd.IsSet("port") {
				port = cmd.Int("port")
			}
			return api.Serve(ctx, p, st,
				server.WithVersion(version),
				server.WithAddress(stringOption(cmd, "address", settings.Address), port),
			)
		},
	}
}
