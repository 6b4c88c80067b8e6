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

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cns_pipeline_runs_total",
			Help: "Total number of finished pipeline runs",
		},
		[]string{"pipeline", "status"},
	)

	runsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cns_pipeline_runs_in_flight",
			Help: "Current number of executing pipeline runs",
		},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cns_pipeline_run_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"pipeline"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cns_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages including retries",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "status"},
	)

	stageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cns_pipeline_stage_retries_total",
			Help: "Total number of stage attempts retried after a transient error",
		},
		[]string{"stage", "code"},
	)
)
