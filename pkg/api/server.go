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

package api

import (
	"context"
	"log/slog"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	"github.com/NVIDIA/cns-pipeline/pkg/deploy"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
	"github.com/NVIDIA/cns-pipeline/pkg/server"
	"github.com/NVIDIA/cns-pipeline/pkg/store"
)

const name = "cnspipe"

// Serve runs the pipeline API until ctx is done. Active runs are drained
// after the listener shuts down. opts are applied after the defaults, so
// callers can override the address, version or rate limit.
func Serve(ctx context.Context, p *deploy.Pipeline, st store.Store, opts ...server.Option) error {
	orch := pipeline.New(append(p.OrchestratorOptions(), pipeline.WithRecorder(st))...)
	h, err := NewHandler(ctx, p, st, orch)
	if err != nil {
		return err
	}

	s := server.New(append([]server.Option{
		server.WithName(name),
		server.WithPipeline(p.Name()),
		server.WithHandler(h.Routes()),
	}, opts...)...)

	slog.Info("serving pipeline", "pipeline", p.Name(), "watch", h.watch.Patterns())
	err = s.Run(ctx)
	h.Drain(defaults.RunDrainTimeout)
	if err != nil {
		slog.Error("server exited with error", "error", err)
		return err
	}
	return nil
}
