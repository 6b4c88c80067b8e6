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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/NVIDIA/cns-pipeline/pkg/defaults"
	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
)

// Labels and keys of ConfigMap-backed records.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelStore     = "cns-pipeline.nvidia.com/store"
	LabelKind      = "cns-pipeline.nvidia.com/kind"
	LabelRunID     = "cns-pipeline.nvidia.com/run-id"

	managedBy   = "cnspipe"
	kindRun     = "run"
	kindCancel  = "cancel"
	kindCounter = "counter"

	keyRecord   = "run.json"
	keyPipeline = "pipeline"
	keyStatus   = "status"
	keyNext     = "next"
)

// ConfigMapStore keeps one ConfigMap per run in a namespace, plus a counter
// ConfigMap for build numbers. Cancel requests are separate ConfigMaps so
// they never race with run updates.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	prefix    string
}

// NewConfigMapStore returns a store writing ConfigMaps named <prefix>-*.
func NewConfigMapStore(c kubernetes.Interface, namespace, prefix string) *ConfigMapStore {
	return &ConfigMapStore{client: c, namespace: namespace, prefix: prefix}
}

func (s *ConfigMapStore) runName(id string) string    { return fmt.Sprintf("%s-run-%s", s.prefix, id) }
func (s *ConfigMapStore) cancelName(id string) string { return fmt.Sprintf("%s-cancel-%s", s.prefix, id) }
func (s *ConfigMapStore) counterName() string         { return s.prefix + "-counter" }

func (s *ConfigMapStore) labels(kind string) map[string]string {
	return map[string]string{
		LabelManagedBy: managedBy,
		LabelStore:     s.prefix,
		LabelKind:      kind,
	}
}

// Close is a no-op.
func (s *ConfigMapStore) Close() error {
	return nil
}

// NextRunID increments the counter ConfigMap with optimistic concurrency.
func (s *ConfigMapStore) NextRunID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.ConfigMapWriteTimeout)
	defer cancel()
	cms := s.client.CoreV1().ConfigMaps(s.namespace)

	var next int64
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := cms.Get(ctx, s.counterName(), metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			next = 1
			_, err = cms.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      s.counterName(),
					Namespace: s.namespace,
					Labels:    s.labels(kindCounter),
				},
				Data: map[string]string{keyNext: "1"},
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				return apierrors.NewConflict(corev1.Resource("configmaps"), s.counterName(), err)
			}
			return err
		}
		if err != nil {
			return err
		}

		current, parseErr := strconv.ParseInt(cm.Data[keyNext], 10, 64)
		if parseErr != nil {
			return cnserrors.Wrap(cnserrors.ErrCodeInternal,
				fmt.Sprintf("counter %s/%s is corrupt", s.namespace, s.counterName()), parseErr)
		}
		next = current + 1
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[keyNext] = strconv.FormatInt(next, 10)
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return "", s.wrap(err, "failed to allocate run id")
	}
	return strconv.FormatInt(next, 10), nil
}

// Save writes the run snapshot to its ConfigMap.
func (s *ConfigMapStore) Save(ctx context.Context, run *pipeline.Run) error {
	if run == nil || run.ID == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "run id is required")
	}
	record, err := json.Marshal(run)
	if err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to encode run", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaults.ConfigMapWriteTimeout)
	defer cancel()
	cms := s.client.CoreV1().ConfigMaps(s.namespace)

	lbls := s.labels(kindRun)
	lbls[LabelRunID] = run.ID
	data := map[string]string{
		keyRecord:   string(record),
		keyPipeline: run.Pipeline,
		keyStatus:   string(run.Status),
	}

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, getErr := cms.Get(ctx, s.runName(run.ID), metav1.GetOptions{})
		if apierrors.IsNotFound(getErr) {
			_, createErr := cms.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: s.runName(run.ID), Namespace: s.namespace, Labels: lbls},
				Data:       data,
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(createErr) {
				return apierrors.NewConflict(corev1.Resource("configmaps"), s.runName(run.ID), createErr)
			}
			return createErr
		}
		if getErr != nil {
			return getErr
		}
		cm.Labels = lbls
		cm.Data = data
		_, updateErr := cms.Update(ctx, cm, metav1.UpdateOptions{})
		return updateErr
	})
	if err != nil {
		return s.wrap(err, fmt.Sprintf("failed to save run %s", run.ID))
	}
	return nil
}

// Get returns a run by id.
func (s *ConfigMapStore) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.runName(id), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, s.wrap(err, fmt.Sprintf("failed to read run %s", id))
	}
	run, err := decodeRun(cm)
	if err != nil {
		return nil, err
	}
	if !run.CancelRequested {
		if run.CancelRequested, err = s.CancelRequested(ctx, id); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// List returns the newest runs first.
func (s *ConfigMapStore) List(ctx context.Context, opts ListOptions) ([]*pipeline.Run, error) {
	runs, err := s.listRuns(ctx, func(cm *corev1.ConfigMap) bool {
		return opts.Pipeline == "" || cm.Data[keyPipeline] == opts.Pipeline
	})
	if err != nil {
		return nil, err
	}
	if len(runs) > opts.limit() {
		runs = runs[:opts.limit()]
	}
	return runs, nil
}

// RequestCancel creates the cancel marker of an unfinished run.
func (s *ConfigMapStore) RequestCancel(ctx context.Context, id string) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return terminal(run)
	}

	lbls := s.labels(kindCancel)
	lbls[LabelRunID] = id
	_, err = s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: s.cancelName(id), Namespace: s.namespace, Labels: lbls},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return s.wrap(err, fmt.Sprintf("failed to request cancel of run %s", id))
	}
	return nil
}

// CancelRequested reports whether the cancel marker of id exists.
func (s *ConfigMapStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	_, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.cancelName(id), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(err, "failed to read cancel request")
	}
	return true, nil
}

// LastSucceeded returns the newest Succeeded run of a pipeline.
func (s *ConfigMapStore) LastSucceeded(ctx context.Context, pipelineName string) (*pipeline.Run, error) {
	runs, err := s.listRuns(ctx, func(cm *corev1.ConfigMap) bool {
		return cm.Data[keyPipeline] == pipelineName && cm.Data[keyStatus] == string(pipeline.StatusSucceeded)
	})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, cnserrors.New(cnserrors.ErrCodeNotFound,
			fmt.Sprintf("pipeline %s has no successful run", pipelineName))
	}
	return runs[0], nil
}

// listRuns returns matching runs ordered newest first.
func (s *ConfigMapStore) listRuns(ctx context.Context, match func(*corev1.ConfigMap) bool) ([]*pipeline.Run, error) {
	selector := labels.SelectorFromSet(s.labels(kindRun)).String()
	list, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, s.wrap(err, "failed to list runs")
	}

	runs := make([]*pipeline.Run, 0, len(list.Items))
	for i := range list.Items {
		cm := &list.Items[i]
		if !match(cm) {
			continue
		}
		run, decErr := decodeRun(cm)
		if decErr != nil {
			return nil, decErr
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		si, sj := sequence(runs[i].ID), sequence(runs[j].ID)
		if si != sj {
			return si > sj
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func decodeRun(cm *corev1.ConfigMap) (*pipeline.Run, error) {
	raw, ok := cm.Data[keyRecord]
	if !ok {
		return nil, cnserrors.New(cnserrors.ErrCodeInternal, fmt.Sprintf("ConfigMap %s has no run record", cm.Name))
	}
	var run pipeline.Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, fmt.Sprintf("corrupt run record in %s", cm.Name), err)
	}
	return &run, nil
}

func (s *ConfigMapStore) wrap(err error, msg string) error {
	var se *cnserrors.StructuredError
	if errors.As(err, &se) {
		return err
	}
	code := cnserrors.ErrCodeInternal
	switch {
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		code = cnserrors.ErrCodeUnauthorized
	case apierrors.IsServiceUnavailable(err), apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err), apierrors.IsTooManyRequests(err), apierrors.IsConflict(err):
		code = cnserrors.ErrCodeUnavailable
	}
	return cnserrors.WrapWithContext(code, msg, err, map[string]any{"namespace": s.namespace})
}
