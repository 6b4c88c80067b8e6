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
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cns-pipeline/pkg/store"
)

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:                  "status",
		EnableShellCompletion: true,
		Usage:                 "Show a run, or the most recent runs",
		ArgsUsage:             "[run-id]",
		Description: `Show the record of one run: per-stage status and attempts, the published
image, the failed stage and error, and the last known good image when the
run did not succeed. Without a run id the most recent runs are listed.

# Examples

  cnspipe status 42
  cnspipe status --pipeline web --limit 5
  cnspipe status 42 --format json --store cm://ci/web`,
		Flags: []cli.Flag{
			configFlag(),
			storeFlag(),
			&cli.StringFlag{
				Name:  "pipeline",
				Usage: "Only list runs of this pipeline",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to list",
				Value: store.DefaultListLimit,
			},
			outputFlag(),
			formatFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() > 1 {
				return configError(fmt.Errorf("expected at most one run id, got %d", cmd.Args().Len()))
			}
			cfg, err := optionalConfig(cmd)
			if err != nil {
				return configError(err)
			}
			w, err := newWriter(cmd)
			if err != nil {
				return configError(err)
			}
			defer w.Close()

			st, err := openStore(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if id := cmd.Args().First(); id != "" {
				run, err := st.Get(ctx, id)
				if err != nil {
					return err
				}
				return w.Serialize(ctx, run)
			}

			runs, err := st.List(ctx, store.ListOptions{
				Pipeline: cmd.String("pipeline"),
				Limit:    cmd.Int("limit"),
			})
			if err != nil {
				return err
			}
			return w.Serialize(ctx, runs)
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:                  "cancel",
		EnableShellCompletion: true,
		Usage:                 "Request cancellation of a run",
		ArgsUsage:             "<run-id>",
		Description: `Flag a run for cancellation. The process executing the run notices the
request, lets the current stage finish and records the run as Aborted.
Finished runs cannot be cancelled.

# Examples

  cnspipe cancel 42
  cnspipe cancel 42 --store cm://ci/web`,
		Flags: []cli.Flag{
			configFlag(),
			storeFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return configError(fmt.Errorf("expected one run id"))
			}
			id := cmd.Args().First()

			cfg, err := optionalConfig(cmd)
			if err != nil {
				return configError(err)
			}
			st, err := openStore(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RequestCancel(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "cancel requested for run %s\n", id)
			return nil
		},
	}
}
