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

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cns-pipeline/pkg/deploy"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
	"github.com/NVIDIA/cns-pipeline/pkg/serializer"
	"github.com/NVIDIA/cns-pipeline/pkg/store"
	"github.com/NVIDIA/cns-pipeline/pkg/trigger"
)

// runCmdOptions holds parsed options for the run command.
type runCmdOptions struct {
	eventPath  string
	branch     string
	commit     string
	repository string
	force      bool
}

func parseRunCmdOptions(cmd *cli.Command) (*runCmdOptions, error) {
	opts := &runCmdOptions{
		eventPath:  cmd.String("event"),
		branch:     cmd.String("branch"),
		commit:     cmd.String("commit"),
		repository: cmd.String("repository"),
		force:      cmd.Bool("force"),
	}
	if opts.force && opts.branch == "" && opts.eventPath == "" {
		return nil, fmt.Errorf("--force requires --branch or --event")
	}
	return opts, nil
}

// buildTrigger resolves the run trigger. Without an event or branch the run
// is manual and skips the watch list. The bool is false when the branch is
// not watched and nothing should run.
func buildTrigger(ctx context.Context, opts *runCmdOptions, watch *trigger.WatchList) (pipeline.Trigger, bool, error) {
	var ev trigger.Event
	if opts.eventPath != "" {
		loaded, err := serializer.FromFile[trigger.Event](ctx, opts.eventPath)
		if err != nil {
			return pipeline.Trigger{}, false, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("failed to load event from %q", opts.eventPath), err)
		}
		ev = *loaded
	}
	if opts.branch != "" {
		ev.Branch = opts.branch
	}
	if opts.commit != "" {
		ev.Commit = opts.commit
	}
	if opts.repository != "" {
		ev.Repository = opts.repository
	}

	if opts.eventPath == "" && opts.branch == "" {
		return ev.Trigger(), true, nil
	}

	accepted, ok, err := watch.Accept(ev)
	if err != nil {
		return pipeline.Trigger{}, false, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "invalid trigger event", err)
	}
	if !ok && opts.force {
		slog.Warn("branch is not watched, running anyway", "branch", accepted.Branch)
		ok = true
	}
	return accepted.Trigger(), ok, nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:                  "run",
		EnableShellCompletion: true,
		ArgsUsage:             "[config]",
		Usage:                 "Run the pipeline once and wait for the outcome",
		Description: `Run build, render and deploy for the pipeline described by [config] or --config.

The run number doubles as the image tag. When a run does not succeed the
last known good image is reported so it can be redeployed.

# Triggers

A push event can be passed as a file or URL (JSON or YAML):
  {"branch": "refs/heads/main", "commit": "4f2a9c1", "repository": "github.com/acme/web"}

Events and --branch are checked against trigger.branches; an unwatched
branch exits 0 without running. Without either the run is manual.

# Cancellation

The first interrupt cancels the run once the current stage finishes. A
second interrupt stops the current stage. Either way the run is Aborted.

# Exit Codes

  0  run succeeded, or the branch is not watched
  1  run failed
  2  run aborted
  3  configuration error, nothing ran

# Examples

  cnspipe run --config pipeline.yaml
  cnspipe run --branch main --commit 4f2a9c1
  cnspipe run --event https://hooks.example.com/deliveries/42.json --format json`,
		Flags: []cli.Flag{
			configFlag(),
			storeFlag(),
			&cli.StringFlag{
				Name:    "event",
				Aliases: []string{"e"},
				Usage:   "Path/URL of a push event (JSON or YAML)",
			},
			&cli.StringFlag{
				Name:    "branch",
				Aliases: []string{"b"},
				Usage:   "Branch that was pushed (overrides the event)",
			},
			&cli.StringFlag{
				Name:  "commit",
				Usage: "Commit that was pushed (overrides the event)",
			},
			&cli.StringFlag{
				Name:  "repository",
				Usage: "Source repository (overrides the event)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Run even when the branch is not watched",
			},
			outputFlag(),
			formatFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts, err := parseRunCmdOptions(cmd)
			if err != nil {
				return configError(err)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return configError(err)
			}
			watch, err := cfg.WatchList()
			if err != nil {
				return configError(err)
			}
			trig, ok, err := buildTrigger(ctx, opts, watch)
			if err != nil {
				return configError(err)
			}
			if !ok {
				slog.Info("branch is not watched, nothing to run", "branch", trig.Branch, "watch", watch.Patterns())
				fmt.Fprintf(cmd.Root().Writer, "branch %q is not watched by %s, nothing to run\n", trig.Branch, cfg.Name)
				return nil
			}

			p, err := deploy.New(cfg)
			if err != nil {
				return configError(err)
			}
			defer p.Close()

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

			run, err := executeRun(ctx, p, st, trig, w)
			if err != nil {
				return err
			}
			return runExit(run)
		},
	}
}

// executeRun runs p once, recording it in st, and writes the final record.
// The first interrupt while running requests a graceful cancel.
func executeRun(ctx context.Context, p *deploy.Pipeline, st store.Store, trig pipeline.Trigger, w serializer.Serializer) (*pipeline.Run, error) {
	orch := pipeline.New(append(p.OrchestratorOptions(), pipeline.WithRecorder(st))...)

	id, err := st.NextRunID(ctx)
	if err != nil {
		return nil, err
	}
	restore := interrupts.OnInterrupt(func() { orch.Cancel(id) })
	defer restore()

	run, err := p.Execute(ctx, orch, pipeline.Request{RunID: id, Trigger: trig})
	if err != nil {
		return nil, err
	}
	if err := w.Serialize(ctx, run); err != nil {
		return run, fmt.Errorf("failed to write run %s: %w", run.ID, err)
	}
	return run, nil
}

// runExit maps the final run status to the process exit code.
func runExit(run *pipeline.Run) error {
	switch run.Status {
	case pipeline.StatusSucceeded:
		return nil
	case pipeline.StatusAborted:
		return cli.Exit(fmt.Sprintf("run %s aborted%s", run.ID, lastGood(run)), ExitAborted)
	default:
		msg := fmt.Sprintf("run %s failed", run.ID)
		if run.FailedStage != "" {
			msg += " at stage " + run.FailedStage
		}
		if run.Error != nil {
			msg += ": " + run.Error.Message
		}
		return cli.Exit(msg+lastGood(run), ExitFailed)
	}
}

func lastGood(run *pipeline.Run) string {
	if run.LastKnownGood == "" {
		return ""
	}
	return "; last known good image: " + run.LastKnownGood
}
