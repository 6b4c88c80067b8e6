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
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	"github.com/NVIDIA/cns-pipeline/pkg/deploy"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
	"github.com/NVIDIA/cns-pipeline/pkg/serializer"
	"github.com/NVIDIA/cns-pipeline/pkg/server"
	"github.com/NVIDIA/cns-pipeline/pkg/store"
	"github.com/NVIDIA/cns-pipeline/pkg/trigger"
)

// MaxEventSize caps trigger event payloads.
const MaxEventSize = 64 << 10

// TriggerResponse acknowledges an accepted trigger event.
type TriggerResponse struct {
	Event    string          `json:"event"`
	ID       string          `json:"id"`
	Pipeline string          `json:"pipeline"`
	Status   pipeline.Status `json:"status"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	ID              string          `json:"id"`
	Status          pipeline.Status `json:"status"`
	CancelRequested bool            `json:"cancelRequested"`
}

// Handler serves trigger events and run queries for one pipeline.
// Runs started by a trigger outlive the request that started them.
type Handler struct {
	pipeline *deploy.Pipeline
	store    store.Store
	orch     *pipeline.Orchestrator
	watch    *trigger.WatchList

	runCtx   context.Context
	stopRuns context.CancelFunc

	mu      sync.Mutex
	closing bool
	active  map[string]struct{}
	wg      sync.WaitGroup
}

// NewHandler returns a handler that executes p on orch and records runs in st.
// Runs are hard-cancelled when ctx is done or Drain times out.
func NewHandler(ctx context.Context, p *deploy.Pipeline, st store.Store, orch *pipeline.Orchestrator) (*Handler, error) {
	if p == nil || st == nil || orch == nil {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidRequest, "pipeline, store and orchestrator are required")
	}
	watch, err := p.Config().WatchList()
	if err != nil {
		return nil, err
	}
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	return &Handler{
		pipeline: p,
		store:    st,
		orch:     orch,
		watch:    watch,
		runCtx:   runCtx,
		stopRuns: stop,
		active:   make(map[string]struct{}),
	}, nil
}

// Routes returns the API routes for server.WithHandler.
func (h *Handler) Routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /v1/triggers":          h.HandleTrigger,
		"GET /v1/runs":               h.HandleListRuns,
		"GET /v1/runs/{id}":          h.HandleGetRun,
		"POST /v1/runs/{id}/cancel": h.HandleCancelRun,
	}
}

// HandleTrigger accepts a branch-push event. Events for unwatched branches
// are acknowledged with 204 and start nothing.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	reader, err := serializer.NewReader(serializer.FormatJSON, http.MaxBytesReader(w, r.Body, MaxEventSize))
	if err != nil {
		server.WriteErrorFromErr(w, r, err)
		return
	}
	var ev trigger.Event
	if err := reader.Deserialize(&ev); err != nil {
		server.WriteError(w, r, http.StatusBadRequest, server.ErrCodeInvalidRequest,
			"Invalid trigger event", false, map[string]any{"error": err.Error()})
		return
	}

	ev, ok, err := h.watch.Accept(ev)
	if err != nil {
		server.WriteErrorFromErr(w, r, err)
		return
	}
	if !ok {
		slog.Info("trigger ignored", "event", ev.ID, "branch", ev.Branch, "watch", h.watch.Patterns())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	run, err := h.Start(r.Context(), ev.Trigger())
	if err != nil {
		server.WriteErrorFromErr(w, r, err)
		return
	}
	slog.Info("trigger accepted", "event", ev.ID, "branch", ev.Branch, "run", run.ID)

	w.Header().Set("Location", "/v1/runs/"+run.ID)
	serializer.RespondJSON(w, http.StatusAccepted, TriggerResponse{
		Event:    ev.ID,
		ID:       run.ID,
		Pipeline: run.Pipeline,
		Status:   run.Status,
	})
}

// Start allocates a run id, records the run as Pending and executes it in
// the background.
func (h *Handler) Start(ctx context.Context, t pipeline.Trigger) (*pipeline.Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil, cnserrors.New(cnserrors.ErrCodeUnavailable, "server is shutting down")
	}

	id, err := h.store.NextRunID(ctx)
	if err != nil {
		return nil, err
	}
	run := &pipeline.Run{
		ID:        id,
		Pipeline:  h.pipeline.Name(),
		Status:    pipeline.StatusPending,
		Trigger:   t,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Save(ctx, run); err != nil {
		return nil, err
	}

	h.active[id] = struct{}{}
	h.wg.Add(1)
	go h.execute(run.Copy())
	return run, nil
}

func (h *Handler) execute(run *pipeline.Run) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.active, run.ID)
		h.mu.Unlock()
	}()

	final, err := h.pipeline.Execute(h.runCtx, h.orch, pipeline.Request{RunID: run.ID, Trigger: run.Trigger})
	if err != nil {
		// the orchestrator never took the run; close out the Pending record
		slog.Error("run did not start", "run", run.ID, "error", err)
		run.Status = pipeline.StatusFailed
		run.Error = &pipeline.ErrorInfo{Code: string(cnserrors.CodeOf(err)), Message: err.Error()}
		run.FinishedAt = time.Now().UTC()
		sctx, cancel := context.WithTimeout(context.Background(), defaults.StoreOperationTimeout)
		defer cancel()
		if serr := h.store.Save(sctx, run); serr != nil {
			slog.Error("failed to record run", "run", run.ID, "error", serr)
		}
		return
	}
	slog.Info("run finished", "run", final.ID, "status", final.Status, "duration", final.Duration().String())
}

// HandleGetRun returns one run. Live runs are served from the orchestrator.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if run, ok := h.orch.Snapshot(id); ok {
		serializer.RespondJSON(w, http.StatusOK, run)
		return
	}
	run, err := h.store.Get(r.Context(), id)
	if err != nil {
		server.WriteErrorFromErr(w, r, err)
		return
	}
	serializer.RespondJSON(w, http.StatusOK, run)
}

// HandleListRuns returns recent runs, newest first.
// Query parameters: pipeline (filter) and limit.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{Pipeline: q.Get("pipeline")}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			server.WriteError(w, r, http.StatusBadRequest, server.ErrCodeInvalidRequest,
				fmt.Sprintf("invalid limit %q", l), false, nil)
			return
		}
		opts.Limit = n
	}

	runs, err := h.store.List(r.Context(), opts)
	if err != nil {
		server.WriteErrorFromErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []*pipeline.Run{}
	}
	serializer.RespondJSON(w, http.StatusOK, runs)
}

// HandleCancelRun requests a graceful cancel. The run stops at its next
// stage boundary and finishes Aborted.
func (h *Handler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.store.Get(r.Context(), id)
	if err != nil {
		server.WriteErrorFromErr(w, r, err)
		return
	}
	if run.Status.Terminal() {
		writeConflict(w, r, run)
		return
	}

	local := h.orch.Cancel(id)
	if err := h.store.RequestCancel(r.Context(), id); err != nil {
		switch {
		case local && cnserrors.Is(err, cnserrors.ErrCodeInvalidRequest):
			// finished while the request was in flight
		case cnserrors.Is(err, cnserrors.ErrCodeInvalidRequest):
			writeConflict(w, r, run)
			return
		default:
			server.WriteErrorFromErr(w, r, err)
			return
		}
	}
	slog.Info("run cancel requested", "run", id, "local", local)

	serializer.RespondJSON(w, http.StatusAccepted, CancelResponse{
		ID:              id,
		Status:          run.Status,
		CancelRequested: true,
	})
}

func writeConflict(w http.ResponseWriter, r *http.Request, run *pipeline.Run) {
	server.WriteError(w, r, http.StatusConflict, server.ErrCodeConflict,
		fmt.Sprintf("run %s already finished", run.ID), false,
		map[string]any{"run": run.ID, "status": run.Status})
}

// Drain stops accepting triggers and cancels active runs gracefully. Runs
// still going after timeout are interrupted mid-stage. Drain returns once
// every run has finished.
func (h *Handler) Drain(timeout time.Duration) {
	h.mu.Lock()
	h.closing = true
	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.orch.Cancel(id)
		ctx, cancel := context.WithTimeout(context.Background(), defaults.StoreOperationTimeout)
		if err := h.store.RequestCancel(ctx, id); err != nil && !cnserrors.Is(err, cnserrors.ErrCodeInvalidRequest) {
			slog.Warn("failed to persist cancel request", "run", id, "error", err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("runs still active after drain timeout, interrupting", "timeout", timeout.String())
		h.stopRuns()
		<-done
	}
	h.stopRuns()
}
