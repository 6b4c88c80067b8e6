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

package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/util/retry"

	"github.com/NVIDIA/cns-pipeline/pkg/credentials"
	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/k8s/client"
	"github.com/NVIDIA/cns-pipeline/pkg/render"
)

// DefaultFieldManager identifies changes made by the pipeline.
const DefaultFieldManager = "cnspipe"

// Action records what happened to an object.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// AppliedObject is one submitted object.
type AppliedObject struct {
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`
	Kind       string `json:"kind" yaml:"kind"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name       string `json:"name" yaml:"name"`
	Action     Action `json:"action" yaml:"action"`
}

// RolloutResult reports the outcome of an apply.
type RolloutResult struct {
	// Ready is true when every workload reached its desired state.
	Ready bool `json:"ready" yaml:"ready"`
	// Applied lists submitted objects in submission order.
	Applied []AppliedObject `json:"applied" yaml:"applied"`
	// Workloads holds the last observed rollout state of each workload.
	Workloads []WorkloadStatus `json:"workloads,omitempty" yaml:"workloads,omitempty"`
	// Duration is the total time spent applying and waiting.
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Summary returns a one-line description of the rollout.
func (r *RolloutResult) Summary() string {
	if r == nil {
		return ""
	}
	state := "ready"
	if !r.Ready {
		state = "not ready"
	}
	if len(r.Workloads) == 0 {
		return fmt.Sprintf("%d object(s) applied, %s", len(r.Applied), state)
	}
	return fmt.Sprintf("%d object(s) applied, %s: %s", len(r.Applied), state, summarize(r.Workloads))
}

// ClientFactory returns clients for a cluster handle.
type ClientFactory func(credentials.ClusterHandle) (*client.Clients, error)

// Options configures the Applier.
type Options struct {
	// RolloutTimeout bounds the readiness wait. Zero uses defaults.K8sRolloutTimeout.
	RolloutTimeout time.Duration
	// PollInterval between readiness checks. Zero uses defaults.K8sRolloutPollInterval.
	PollInterval time.Duration
	// FieldManager recorded on writes. Empty uses DefaultFieldManager.
	FieldManager string
	// SkipWait returns right after submission.
	SkipWait bool
}

// Applier submits concrete manifests to a cluster and waits for rollout.
type Applier struct {
	opts    Options
	clients ClientFactory
}

// New returns an Applier. A nil factory uses client.ForHandle.
func New(opts Options, factory ClientFactory) *Applier {
	if opts.RolloutTimeout == 0 {
		opts.RolloutTimeout = defaults.K8sRolloutTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaults.K8sRolloutPollInterval
	}
	if opts.FieldManager == "" {
		opts.FieldManager = DefaultFieldManager
	}
	if factory == nil {
		factory = client.ForHandle
	}
	return &Applier{opts: opts, clients: factory}
}

type target struct {
	obj      *unstructured.Unstructured
	gvr      schema.GroupVersionResource
	resource dynamic.ResourceInterface
}

// Apply submits the full batch of manifests in order and waits for every
// workload to roll out.
//
// Content the cluster refuses yields APPLY_REJECTED and nothing after it is
// submitted. If the wait deadline passes the returned result is non-nil with
// Ready false alongside a ROLLOUT_TIMEOUT error, so callers may choose to
// accept it. Cancelling ctx interrupts the wait with CANCELED.
func (a *Applier) Apply(ctx context.Context, manifests []render.Manifest, h credentials.ClusterHandle) (*RolloutResult, error) {
	start := time.Now()

	objs, err := Decode(manifests)
	if err != nil {
		return nil, err
	}

	c, err := a.clients(h)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeUnavailable, fmt.Sprintf("failed to connect to cluster %s", h), err)
	}
	ns := h.Namespace
	if ns == "" {
		ns = c.Namespace
	}

	// Resolve every kind before touching the cluster so a bad batch submits nothing.
	targets := make([]target, 0, len(objs))
	for _, obj := range objs {
		t, mapErr := resolveTarget(c, obj, ns)
		if mapErr != nil {
			return nil, mapErr
		}
		targets = append(targets, t)
	}

	result := &RolloutResult{}
	for _, t := range targets {
		action, applyErr := a.applyOne(ctx, t)
		if applyErr != nil {
			result.Duration = time.Since(start)
			return result, applyErr
		}
		applied := AppliedObject{
			APIVersion: t.obj.GetAPIVersion(),
			Kind:       t.obj.GetKind(),
			Namespace:  t.obj.GetNamespace(),
			Name:       t.obj.GetName(),
			Action:     action,
		}
		slog.Info("object applied",
			"kind", applied.Kind,
			"namespace", applied.Namespace,
			"name", applied.Name,
			"action", applied.Action)
		result.Applied = append(result.Applied, applied)
	}

	if a.opts.SkipWait {
		result.Ready = true
		result.Duration = time.Since(start)
		return result, nil
	}

	err = a.waitForRollout(ctx, targets, result)
	result.Duration = time.Since(start)
	return result, err
}

func resolveTarget(c *client.Clients, obj *unstructured.Unstructured, ns string) (target, error) {
	gvk := obj.GroupVersionKind()
	mapping, err := c.Mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return target{}, classify(err, fmt.Sprintf("cannot map %s %s", gvk.Kind, obj.GetName()))
	}

	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		if obj.GetNamespace() == "" {
			obj.SetNamespace(ns)
		}
		return target{
			obj:      obj,
			gvr:      mapping.Resource,
			resource: c.Dynamic.Resource(mapping.Resource).Namespace(obj.GetNamespace()),
		}, nil
	}
	obj.SetNamespace("")
	return target{obj: obj, gvr: mapping.Resource, resource: c.Dynamic.Resource(mapping.Resource)}, nil
}

// applyOne creates the object or updates the live copy in place.
func (a *Applier) applyOne(ctx context.Context, t target) (Action, error) {
	actx, cancel := context.WithTimeout(ctx, defaults.K8sApplyTimeout)
	defer cancel()

	desc := fmt.Sprintf("failed to apply %s %s", t.obj.GetKind(), t.obj.GetName())
	action := ActionUpdated

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		live, err := t.resource.Get(actx, t.obj.GetName(), metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = t.resource.Create(actx, t.obj, metav1.CreateOptions{FieldManager: a.opts.FieldManager})
			if err == nil {
				action = ActionCreated
				return nil
			}
			if apierrors.IsAlreadyExists(err) {
				// created concurrently; retry as an update
				return apierrors.NewConflict(t.gvr.GroupResource(), t.obj.GetName(), err)
			}
			return err
		}
		if err != nil {
			return err
		}

		desired := t.obj.DeepCopy()
		desired.SetResourceVersion(live.GetResourceVersion())
		_, err = t.resource.Update(actx, desired, metav1.UpdateOptions{FieldManager: a.opts.FieldManager})
		return err
	})
	if err != nil {
		return "", classify(err, desc)
	}
	return action, nil
}

func (a *Applier) waitForRollout(ctx context.Context, targets []target, result *RolloutResult) error {
	var workloads []target
	for _, t := range targets {
		if IsWorkload(t.obj.GroupVersionKind()) {
			workloads = append(workloads, t)
		}
	}
	if len(workloads) == 0 {
		result.Ready = true
		return nil
	}

	err := wait.PollUntilContextTimeout(ctx, a.opts.PollInterval, a.opts.RolloutTimeout, true,
		func(pctx context.Context) (bool, error) {
			statuses := make([]WorkloadStatus, 0, len(workloads))
			ready := true
			for _, t := range workloads {
				live, err := t.resource.Get(pctx, t.obj.GetName(), metav1.GetOptions{})
				if err != nil {
					if pctx.Err() != nil {
						return false, pctx.Err()
					}
					// keep polling through transient read failures
					slog.Debug("rollout status read failed", "name", t.obj.GetName(), "error", err)
					return false, nil
				}
				st, err := evaluate(live)
				if err != nil {
					return false, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to read workload status", err)
				}
				ready = ready && st.Ready
				statuses = append(statuses, st)
			}
			result.Workloads = statuses
			return ready, nil
		})

	switch {
	case err == nil:
		result.Ready = true
		slog.Info("rollout complete", "summary", result.Summary())
		return nil
	case errors.Is(ctx.Err(), context.Canceled):
		return cnserrors.Wrap(cnserrors.ErrCodeCanceled, "rollout wait canceled", ctx.Err())
	case wait.Interrupted(err):
		return cnserrors.NewWithContext(cnserrors.ErrCodeRolloutTimeout,
			fmt.Sprintf("rollout not complete after %s", a.opts.RolloutTimeout),
			map[string]any{"workloads": summarize(result.Workloads)})
	default:
		return err
	}
}
