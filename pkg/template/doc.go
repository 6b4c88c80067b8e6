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

// Package template holds the manifest templates a pipeline deploys.
//
// Templates are loaded once, before any run starts, and are read-only
// afterwards; every accessor returns copies so concurrent runs can share
// one Store.
//
// A template is image-bearing when any of its YAML documents has an "image"
// key, or when the pipeline configuration says so explicitly. Validate
// reports image-bearing templates without the placeholder token as
// PLACEHOLDER_NOT_FOUND and, unless repeated tokens are allowed, templates
// with more than one as MULTIPLE_PLACEHOLDERS.
//
//	store, err := template.Load([]string{"deploy/"}, template.LoadOptions{})
//	if err != nil {
//	    return err
//	}
//	if err := store.Validate("<IMAGE_PLACEHOLDER>", false); err != nil {
//	    return err
//	}
package template
