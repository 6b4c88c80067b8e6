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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/render"
)

const decodeBufferSize = 4096

// Decode splits concrete manifests into API objects, preserving order.
// Empty documents are skipped; anything without apiVersion, kind and name
// is rejected.
func Decode(manifests []render.Manifest) ([]*unstructured.Unstructured, error) {
	var objs []*unstructured.Unstructured
	for _, m := range manifests {
		dec := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(m.Content), decodeBufferSize)
		for doc := 0; ; doc++ {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, cnserrors.WrapWithContext(cnserrors.ErrCodeApplyRejected,
					fmt.Sprintf("manifest %s is not valid YAML", m.Name), err,
					map[string]any{"manifest": m.Name, "document": doc})
			}
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
				continue
			}
			// unstructured decoding keeps integers as int64
			obj := &unstructured.Unstructured{}
			if err := obj.UnmarshalJSON(trimmed); err != nil || obj.GetAPIVersion() == "" || obj.GetKind() == "" {
				return nil, cnserrors.NewWithContext(cnserrors.ErrCodeApplyRejected,
					fmt.Sprintf("manifest %s document %d has no apiVersion or kind", m.Name, doc),
					map[string]any{"manifest": m.Name, "document": doc})
			}
			if obj.GetName() == "" {
				return nil, cnserrors.NewWithContext(cnserrors.ErrCodeApplyRejected,
					fmt.Sprintf("manifest %s: %s has no metadata.name", m.Name, obj.GetKind()),
					map[string]any{"manifest": m.Name, "document": doc})
			}
			objs = append(objs, obj)
		}
	}
	if len(objs) == 0 {
		return nil, cnserrors.New(cnserrors.ErrCodeApplyRejected, "no objects to apply")
	}
	return objs, nil
}
