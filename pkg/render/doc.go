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

// Package render turns manifest templates into concrete manifests.
//
// Rendering is a bit-exact string substitution of the placeholder token with
// the fully qualified image reference "registry/repository:tag". It has no
// side effects and is deterministic, so the same run can be re-rendered and
// compared byte for byte.
//
//	manifests, err := render.Render(store.Templates(), ref, render.Options{})
//
// The placeholder token is configurable (render.Options.Token). A template
// carrying the token more than once is rejected unless the caller opts into
// replacing every occurrence with render.MultipleAll.
package render
