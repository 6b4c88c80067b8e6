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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// Recorder persists run snapshots and answers cancellation and history
// queries. The run store implements it.
type Recorder interface {
	// Save stores the latest snapshot of a run.
	Save(ctx context.Context, run *Run) error
	// CancelRequested reports whether a cancel was requested out of process.
	CancelRequested(ctx context.Context, runID string) (bool, error)
	// LastSucceeded returns the most recent Succeeded run of a pipeline, or
	// a NOT_FOUND error when there is none.
	LastSucceeded(ctx context.Context, pipeline string) (*Run, error)
}

type nopRecorder struct{}

func (nopRecorder) Save(context.Context, *Run) error { return nil }

func (nopRecorder) CancelRequested(context.Context, string) (bool, error) { return false, nil }

func (nopRecorder) LastSucceeded(context.Context, string) (*Run, error) {
	return nil, cnserrors.New(cnserrors.ErrCodeNotFound, "no run history")
}

// Request starts one run of a definition.
type Request struct {
	// RunID must be unique per pipeline; it doubles as the image tag.
	RunID   string
	Trigger Trigger
	// Variables seed the run before any stage starts.
	Variables map[string]string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists run snapshots to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithRetryPolicy sets the default retry policy for stages.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithMaxParallel bounds the number of stages executing at once.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithCancelPollInterval sets how often the recorder is asked for cancel requests.
func WithCancelPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cancelPoll = d
		}
	}
}

// Orchestrator executes pipeline runs. It is safe for concurrent use; runs
// share nothing but the recorder.
type Orchestrator struct {
	recorder    Recorder
	retry       RetryPolicy
	maxParallel int
	cancelPoll  time.Duration

	mu     sync.Mutex
	active map[string]*execution
}

// New returns an Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		recorder:    nopRecorder{},
		retry:       DefaultRetryPolicy(),
		maxParallel: defaults.PipelineMaxParallelStages,
		cancelPoll:  defaults.CancelPollInterval,
		active:      make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs def to completion and returns the final run record.
//
// An invalid definition or request is returned as an error and no run
// starts. Otherwise the error is nil and the outcome is in the run's status:
// Succeeded, Failed (with the failing stage and error code) or Aborted.
// Cancelling ctx interrupts running stages and aborts the run.
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, req Request) (*Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := o.retry.Validate(); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidRequest, "run id is required")
	}

	e := newExecution(o, def, req)
	if err := o.register(e); err != nil {
		return nil, err
	}
	defer o.unregister(req.RunID)

	return e.execute(ctx), nil
}

// Cancel requests a graceful cancel of an active run. The run stops at the
// next stage boundary; running stages finish. It reports whether the run is
// active in this orchestrator.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	e, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	e.requestCancel(context.Background())
	return true
}

// Snapshot returns the live state of an active run.
func (o *Orchestrator) Snapshot(runID string) (*Run, bool) {
	o.mu.Lock()
	e, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Copy(), true
}

func (o *Orchestrator) register(e *execution) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[e.run.ID]; exists {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, fmt.Sprintf("run %s is already executing", e.run.ID))
	}
	o.active[e.run.ID] = e
	return nil
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}

// outcome is the result of one stage, across all of its attempts.
type outcome struct {
	name     string
	status   StageStatus
	outputs  map[string]string
	err      error
	attempts int
}

type execution struct {
	o    *Orchestrator
	def  *Definition
	vars *Variables

	mu      sync.Mutex
	run     *Run
	index   map[string]int
	aborted bool

	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}
}

func newExecution(o *Orchestrator, def *Definition, req Request) *execution {
	run := &Run{
		ID:        req.RunID,
		Pipeline:  def.Name,
		Status:    StatusPending,
		Trigger:   req.Trigger,
		Stages:    make([]Stage, len(def.Stages)),
		CreatedAt: time.Now().UTC(),
	}
	index := make(map[string]int, len(def.Stages))
	for i, s := range def.Stages {
		run.Stages[i] = Stage{
			Name:      s.Name,
			DependsOn: append([]string(nil), s.DependsOn...),
			Status:    StagePending,
		}
		index[s.Name] = i
	}
	vars := NewVariables(req.Variables)
	run.Variables = vars.Snapshot()

	return &execution{
		o:        o,
		def:      def,
		vars:     vars,
		run:      run,
		index:    index,
		cancelCh: make(chan struct{}),
	}
}

func (e *execution) execute(ctx context.Context) *Run {
	start := time.Now()
	runsInFlight.Inc()
	defer runsInFlight.Dec()

	e.update(ctx, func(r *Run) {
		r.Status = StatusRunning
		r.StartedAt = start.UTC()
	})
	slog.Info("pipeline run started",
		"pipeline", e.def.Name,
		"run", e.run.ID,
		"branch", e.run.Trigger.Branch,
		"commit", e.run.Trigger.Commit)

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go e.pollCancel(pollCtx)

	e.schedule(ctx)
	stopPoll()

	final := e.finish(ctx)
	runsTotal.WithLabelValues(e.def.Name, string(final.Status)).Inc()
	runDuration.WithLabelValues(e.def.Name).Observe(time.Since(start).Seconds())
	return final
}

// schedule launches every stage whose dependencies have succeeded, until
// all stages are done or the run is stopped by a failure or cancellation.
// Stages not yet started when the run stops stay Pending.
func (e *execution) schedule(ctx context.Context) {
	order, _ := e.def.Order()

	var g errgroup.Group
	g.SetLimit(e.o.maxParallel)
	done := make(chan outcome, len(order))
	launched := make(map[string]bool, len(order))
	running := 0
	stopped := false

	for {
		if !stopped && e.stopRequested(ctx) {
			stopped = true
		}
		if !stopped {
			for _, name := range order {
				if launched[name] || !e.ready(name) {
					continue
				}
				spec := e.def.spec(name)
				fn := func() error {
					done <- e.runStage(ctx, spec)
					return nil
				}
				if !g.TryGo(fn) {
					if running > 0 {
						// wait for a running stage to free a slot
						break
					}
					g.Go(fn)
				}
				launched[name] = true
				running++
			}
		}
		if running == 0 {
			break
		}

		out := <-done
		running--
		if !e.complete(ctx, out) {
			stopped = true
		}
	}
	_ = g.Wait()
}

// ready reports whether name is Pending and all its dependencies Succeeded.
func (e *execution) ready(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.run.Stages[e.index[name]]
	if s.Status != StagePending {
		return false
	}
	for _, dep := range s.DependsOn {
		if e.run.Stages[e.index[dep]].Status != StageSucceeded {
			return false
		}
	}
	return true
}

// stopRequested reports whether no further stage may start.
func (e *execution) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if e.cancelRequested.Load() {
		return true
	}
	rctx, cancel := context.WithTimeout(ctx, defaults.StoreOperationTimeout)
	defer cancel()
	requested, err := e.o.recorder.CancelRequested(rctx, e.run.ID)
	if err != nil {
		slog.Warn("failed to check cancel request", "run", e.run.ID, "error", err)
		return false
	}
	if requested {
		e.requestCancel(ctx)
	}
	return requested
}

func (e *execution) requestCancel(ctx context.Context) {
	e.cancelOnce.Do(func() {
		e.cancelRequested.Store(true)
		close(e.cancelCh)
		slog.Info("pipeline run cancel requested", "run", e.run.ID)
		e.update(ctx, func(r *Run) { r.CancelRequested = true })
	})
}

func (e *execution) pollCancel(ctx context.Context) {
	ticker := time.NewTicker(e.o.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.cancelCh:
			return
		case <-ticker.C:
			requested, err := e.o.recorder.CancelRequested(ctx, e.run.ID)
			if err != nil {
				slog.Debug("cancel poll failed", "run", e.run.ID, "error", err)
				continue
			}
			if requested {
				e.requestCancel(ctx)
				return
			}
		}
	}
}

// runStage executes a stage with retries. Panics are reported as INTERNAL
// failures of the stage.
func (e *execution) runStage(ctx context.Context, spec *StageSpec) (out outcome) {
	out.name = spec.Name
	policy := e.o.retry
	if spec.Retry != nil {
		policy = *spec.Retry
	}
	backoff := policy.backoff()

	e.update(ctx, func(r *Run) {
		s := &r.Stages[e.index[spec.Name]]
		s.Status = StageRunning
		s.StartedAt = time.Now().UTC()
	})
	slog.Info("stage started", "run", e.run.ID, "stage", spec.Name)

	defer func() {
		if r := recover(); r != nil {
			out.status = StageFailed
			out.err = cnserrors.New(cnserrors.ErrCodeInternal, fmt.Sprintf("stage %s panicked: %v", spec.Name, r))
		}
	}()

	for attempt := 1; ; attempt++ {
		out.attempts = attempt
		e.update(ctx, func(r *Run) { r.Stages[e.index[spec.Name]].Attempts = attempt })

		sc := &StageContext{
			RunID:    e.run.ID,
			Pipeline: e.def.Name,
			Stage:    spec.Name,
			Attempt:  attempt,
			Trigger:  e.run.Trigger,
			vars:     e.vars,
		}
		outputs, err := spec.Run(ctx, sc)
		if err == nil {
			out.status = StageSucceeded
			out.outputs = outputs
			return out
		}

		if isCancellation(ctx, err) {
			out.status = StageAborted
			out.err = cnserrors.Wrap(cnserrors.ErrCodeCanceled, fmt.Sprintf("stage %s interrupted", spec.Name), err)
			return out
		}
		if !Retryable(err) || attempt >= policy.MaxAttempts {
			out.status = StageFailed
			out.err = err
			return out
		}
		if e.cancelRequested.Load() {
			out.status = StageAborted
			out.err = cnserrors.Wrap(cnserrors.ErrCodeCanceled, fmt.Sprintf("stage %s canceled before retry", spec.Name), err)
			return out
		}

		delay := backoff.Step()
		stageRetries.WithLabelValues(spec.Name, string(cnserrors.CodeOf(err))).Inc()
		slog.Warn("stage attempt failed, retrying",
			"run", e.run.ID,
			"stage", spec.Name,
			"attempt", attempt,
			"maxAttempts", policy.MaxAttempts,
			"code", cnserrors.CodeOf(err),
			"backoff", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.status = StageAborted
			out.err = cnserrors.Wrap(cnserrors.ErrCodeCanceled, fmt.Sprintf("stage %s interrupted", spec.Name), ctx.Err())
			return out
		case <-e.cancelCh:
			timer.Stop()
			out.status = StageAborted
			out.err = cnserrors.Wrap(cnserrors.ErrCodeCanceled, fmt.Sprintf("stage %s canceled before retry", spec.Name), err)
			return out
		case <-timer.C:
		}
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || cnserrors.Is(err, cnserrors.ErrCodeCanceled)
}

// complete records a stage outcome and publishes its outputs. It returns
// false when the run must stop.
func (e *execution) complete(ctx context.Context, out outcome) bool {
	if out.status == StageSucceeded {
		if err := e.vars.SetAll(out.outputs); err != nil {
			out.status = StageFailed
			out.err = err
		}
	}

	var stageDur time.Duration
	e.update(ctx, func(r *Run) {
		s := &r.Stages[e.index[out.name]]
		s.Status = out.status
		s.Attempts = out.attempts
		s.FinishedAt = time.Now().UTC()
		s.Duration = s.FinishedAt.Sub(s.StartedAt)
		stageDur = s.Duration
		if out.err != nil {
			s.Error = errorInfo(out.err)
		}
		switch out.status {
		case StageFailed:
			if r.FailedStage == "" {
				r.FailedStage = out.name
				r.Error = errorInfo(out.err)
			}
		case StageAborted:
			e.aborted = true
		}
		r.Variables = e.vars.Snapshot()
	})
	stageDuration.WithLabelValues(out.name, string(out.status)).Observe(stageDur.Seconds())

	attrs := []any{"run", e.run.ID, "stage", out.name, "status", out.status, "attempts", out.attempts, "duration", stageDur}
	switch out.status {
	case StageSucceeded:
		slog.Info("stage finished", attrs...)
		return true
	case StageAborted:
		slog.Warn("stage aborted", append(attrs, "error", out.err)...)
	default:
		slog.Error("stage failed", append(attrs, "code", cnserrors.CodeOf(out.err), "error", out.err)...)
	}
	return false
}

// finish settles the terminal status and reports the published and
// last-known-good images.
func (e *execution) finish(ctx context.Context) *Run {
	// the final record is written even when ctx was cancelled
	ctx = context.WithoutCancel(ctx)
	imageVar := e.def.imageVariable()

	e.mu.Lock()
	r := e.run
	allSucceeded := true
	for _, s := range r.Stages {
		if s.Status != StageSucceeded {
			allSucceeded = false
		}
	}
	switch {
	case r.FailedStage != "":
		r.Status = StatusFailed
	case e.aborted || e.cancelRequested.Load() || !allSucceeded:
		r.Status = StatusAborted
		if r.Error == nil {
			r.Error = &ErrorInfo{Code: string(cnserrors.ErrCodeCanceled), Message: "run canceled"}
		}
	default:
		r.Status = StatusSucceeded
	}
	if img, ok := e.vars.Get(imageVar); ok {
		r.PublishedImage = img
	}
	r.Variables = e.vars.Snapshot()
	status := r.Status
	e.mu.Unlock()

	var lastGood string
	if status != StatusSucceeded {
		lastGood = e.lastKnownGood(ctx, imageVar)
	}

	e.update(ctx, func(r *Run) {
		r.LastKnownGood = lastGood
		r.FinishedAt = time.Now().UTC()
	})

	e.mu.Lock()
	final := e.run.Copy()
	e.mu.Unlock()

	attrs := []any{"pipeline", final.Pipeline, "run", final.ID, "status", final.Status, "duration", final.Duration()}
	if final.PublishedImage != "" {
		attrs = append(attrs, "image", final.PublishedImage)
	}
	switch final.Status {
	case StatusSucceeded:
		slog.Info("pipeline run succeeded", attrs...)
	case StatusAborted:
		slog.Warn("pipeline run aborted", attrs...)
	default:
		attrs = append(attrs, "failedStage", final.FailedStage, "lastKnownGood", final.LastKnownGood)
		if final.Error != nil {
			attrs = append(attrs, "code", final.Error.Code)
		}
		slog.Error("pipeline run failed", attrs...)
	}
	return final
}

func (e *execution) lastKnownGood(ctx context.Context, imageVar string) string {
	rctx, cancel := context.WithTimeout(ctx, defaults.StoreOperationTimeout)
	defer cancel()
	prev, err := e.o.recorder.LastSucceeded(rctx, e.def.Name)
	if err != nil {
		if !cnserrors.Is(err, cnserrors.ErrCodeNotFound) {
			slog.Warn("failed to look up last known good run", "pipeline", e.def.Name, "error", err)
		}
		return ""
	}
	if prev == nil {
		return ""
	}
	if img := prev.Variables[imageVar]; img != "" {
		return img
	}
	return prev.PublishedImage
}

// update mutates the run under lock and persists a snapshot.
func (e *execution) update(ctx context.Context, fn func(*Run)) {
	e.mu.Lock()
	fn(e.run)
	snapshot := e.run.Copy()
	e.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.StoreOperationTimeout)
	defer cancel()
	if err := e.o.recorder.Save(sctx, snapshot); err != nil {
		slog.Warn("failed to record run state", "run", snapshot.ID, "error", err)
	}
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Code: string(cnserrors.CodeOf(err)), Message: err.Error()}
}
