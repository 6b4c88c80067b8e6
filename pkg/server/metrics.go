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

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cns_pipeline_api_requests_total",
			Help: "Total number of pipeline API requests",
		},
		[]string{"pipeline", "method", "route", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cns_pipeline_api_request_duration_seconds",
			Help:    "Pipeline API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "method", "route"},
	)

	apiRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cns_pipeline_api_requests_in_flight",
			Help: "Current number of pipeline API requests being processed",
		},
		[]string{"pipeline"},
	)

	runRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cns_pipeline_api_run_requests_total",
			Help: "Total number of API requests addressing a single run, by route and status",
		},
		[]string{"pipeline", "route", "status"},
	)

	rateLimitRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cns_pipeline_api_rate_limit_rejects_total",
			Help: "Total number of pipeline API requests rejected due to rate limiting",
		},
		[]string{"pipeline"},
	)

	panicRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cns_pipeline_api_panic_recoveries_total",
			Help: "Total number of panics recovered in pipeline API handlers",
		},
		[]string{"pipeline"},
	)
)

// metricsMiddleware records request counts and latency per route, labelled
// with the pipeline the server runs.
func (s *Server) metricsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inFlight := apiRequestsInFlight.WithLabelValues(s.config.Pipeline)
		inFlight.Inc()
		defer inFlight.Dec()

		wrapped := newStatusRecorder(w)
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		status := strconv.Itoa(wrapped.status)
		apiRequestsTotal.WithLabelValues(s.config.Pipeline, r.Method, route, status).Inc()
		apiRequestDuration.WithLabelValues(s.config.Pipeline, r.Method, route).Observe(time.Since(start).Seconds())
		if runID(r) != "" {
			runRequestsTotal.WithLabelValues(s.config.Pipeline, route, status).Inc()
		}
	}
}
