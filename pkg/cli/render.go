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
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cns-pipeline/pkg/deploy"
	"github.com/NVIDIA/cns-pipeline/pkg/render"
)

func renderCmd() *cli.Command {
	return &cli.Command{
		Name:                  "render",
		EnableShellCompletion: true,
		ArgsUsage:             "[config]",
		Usage:                 "Render the manifest templates without building or deploying",
		Description: `Substitute the image the pipeline would publish for --tag into every
template and print the resulting multi-document YAML. Nothing is built,
pushed or applied.

# Examples

  cnspipe render --tag 42
  cnspipe render -c pipeline.yaml --tag 42 -o rendered.yaml`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "tag",
				Usage: "Image tag to render",
				Value: "latest",
			},
			outputFlag(),
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

			manifests, ref, err := p.Render(cmd.String("tag"))
			if err != nil {
				return configError(err)
			}
			slog.Debug("rendered manifests", "image", ref.String(), "count", len(manifests))

			out := render.Join(manifests)
			if path := cmd.String("output"); path != "" {
				if err := os.WriteFile(path, out, 0o600); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				return nil
			}
			_, err = cmd.Root().Writer.Write(out)
			return err
		},
	}
}
