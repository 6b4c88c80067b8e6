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
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// classify maps a cluster API failure onto the pipeline taxonomy.
// Refusals of the content are APPLY_REJECTED; server-side trouble is
// SERVICE_UNAVAILABLE so the orchestrator may retry it.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return cnserrors.Wrap(cnserrors.ErrCodeCanceled, msg, err)
	case meta.IsNoMatchError(err):
		return cnserrors.Wrap(cnserrors.ErrCodeApplyRejected, msg+": unknown resource kind", err)
	case apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsNotAcceptable(err),
		apierrors.IsUnsupportedMediaType(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsRequestEntityTooLargeError(err):
		return cnserrors.Wrap(cnserrors.ErrCodeApplyRejected, msg, err)
	case apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsConflict(err),
		errors.Is(err, context.DeadlineExceeded):
		return cnserrors.Wrap(cnserrors.ErrCodeUnavailable, msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return cnserrors.Wrap(cnserrors.ErrCodeUnavailable, msg, err)
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return cnserrors.Wrap(cnserrors.ErrCodeApplyRejected, msg, err)
	}
	return cnserrors.Wrap(cnserrors.ErrCodeUnavailable, fmt.Sprintf("%s: cluster API unreachable", msg), err)
}
