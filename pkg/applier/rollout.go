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
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"
)

// Kinds whose rollout is awaited.
var workloadKinds = map[schema.GroupKind]bool{
	{Group: "apps", Kind: "Deployment"}:  true,
	{Group: "apps", Kind: "StatefulSet"}: true,
	{Group: "apps", Kind: "DaemonSet"}:   true,
}

// IsWorkload reports whether objects of gvk have a rollout to wait for.
func IsWorkload(gvk schema.GroupVersionKind) bool {
	return workloadKinds[gvk.GroupKind()]
}

// WorkloadStatus summarizes the rollout of one workload.
type WorkloadStatus struct {
	Kind      string `json:"kind" yaml:"kind"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
	Desired   int32  `json:"desired" yaml:"desired"`
	Updated   int32  `json:"updated" yaml:"updated"`
	Available int32  `json:"available" yaml:"available"`
	Ready     bool   `json:"ready" yaml:"ready"`
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
}

func (w WorkloadStatus) String() string {
	return fmt.Sprintf("%s %s/%s %d/%d updated, %d/%d available", w.Kind, w.Namespace, w.Name,
		w.Updated, w.Desired, w.Available, w.Desired)
}

// evaluate derives the rollout state of a live workload object.
func evaluate(u *unstructured.Unstructured) (WorkloadStatus, error) {
	st := WorkloadStatus{Kind: u.GetKind(), Namespace: u.GetNamespace(), Name: u.GetName()}
	gen := u.GetGeneration()

	switch u.GetKind() {
	case "Deployment":
		var d appsv1.Deployment
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, &d); err != nil {
			return st, err
		}
		st.Desired = ptr.Deref(d.Spec.Replicas, 1)
		st.Updated = d.Status.UpdatedReplicas
		st.Available = d.Status.AvailableReplicas
		switch {
		case d.Status.ObservedGeneration < gen:
			st.Message = "waiting for spec update to be observed"
		case st.Updated < st.Desired:
			st.Message = "waiting for updated replicas"
		case d.Status.Replicas > st.Updated:
			st.Message = "waiting for old replicas to terminate"
		case st.Available < st.Desired:
			st.Message = "waiting for replicas to become available"
		default:
			st.Ready = true
		}

	case "StatefulSet":
		var s appsv1.StatefulSet
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, &s); err != nil {
			return st, err
		}
		st.Desired = ptr.Deref(s.Spec.Replicas, 1)
		st.Updated = s.Status.UpdatedReplicas
		st.Available = s.Status.ReadyReplicas
		rolling := s.Spec.UpdateStrategy.Type != appsv1.OnDeleteStatefulSetStrategyType
		switch {
		case s.Status.ObservedGeneration < gen:
			st.Message = "waiting for spec update to be observed"
		case rolling && st.Updated < st.Desired:
			st.Message = "waiting for updated replicas"
		case st.Available < st.Desired:
			st.Message = "waiting for replicas to become ready"
		case rolling && s.Status.UpdateRevision != "" && s.Status.CurrentRevision != s.Status.UpdateRevision:
			st.Message = "waiting for revision to converge"
		default:
			st.Ready = true
		}

	case "DaemonSet":
		var ds appsv1.DaemonSet
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, &ds); err != nil {
			return st, err
		}
		st.Desired = ds.Status.DesiredNumberScheduled
		st.Updated = ds.Status.UpdatedNumberScheduled
		st.Available = ds.Status.NumberAvailable
		switch {
		case ds.Status.ObservedGeneration < gen:
			st.Message = "waiting for spec update to be observed"
		case st.Updated < st.Desired:
			st.Message = "waiting for updated pods"
		case st.Available < st.Desired:
			st.Message = "waiting for pods to become available"
		default:
			st.Ready = true
		}

	default:
		st.Ready = true
	}
	return st, nil
}

// summarize renders workload statuses as a single line.
func summarize(ws []WorkloadStatus) string {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		parts = append(parts, w.String())
	}
	return strings.Join(parts, "; ")
}
