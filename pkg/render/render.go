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

package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/oci"
	"github.com/NVIDIA/cns-pipeline/pkg/template"
)

// DefaultToken is the placeholder token used when Options.Token is empty.
const DefaultToken = "<IMAGE_PLACEHOLDER>"

// MultipleRule decides what happens when a template has more than one placeholder.
type MultipleRule string

const (
	// MultipleError rejects ambiguous templates. This is the default.
	MultipleError MultipleRule = "error"
	// MultipleAll substitutes every occurrence.
	MultipleAll MultipleRule = "all"
)

// Options controls substitution.
type Options struct {
	// Token is the literal placeholder string. Defaults to DefaultToken.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// Multiple is the disambiguation rule for repeated placeholders.
	Multiple MultipleRule `json:"multiple,omitempty" yaml:"multiple,omitempty"`
}

// Normalize fills defaults and validates the options.
func (o Options) Normalize() (Options, error) {
	if o.Token == "" {
		o.Token = DefaultToken
	}
	switch o.Multiple {
	case "":
		o.Multiple = MultipleError
	case MultipleError, MultipleAll:
	default:
		return o, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown placeholder rule %q (want %q or %q)", o.Multiple, MultipleError, MultipleAll))
	}
	return o, nil
}

// Manifest is a template with every placeholder resolved.
type Manifest struct {
	// Name is the originating template name.
	Name string `json:"name" yaml:"name"`
	// Content is the concrete manifest text.
	Content []byte `json:"-" yaml:"-"`
	// Digest is the sha256 of Content.
	Digest string `json:"digest" yaml:"digest"`
	// Substitutions is the number of placeholders replaced.
	Substitutions int `json:"substitutions" yaml:"substitutions"`
}

// Render substitutes ref into each template, preserving order.
//
// Render performs no I/O and is deterministic: identical inputs always yield
// byte-identical output. An image-bearing template without the token yields
// PLACEHOLDER_NOT_FOUND; a template with several tokens yields
// MULTIPLE_PLACEHOLDERS unless opts.Multiple is MultipleAll.
func Render(templates []template.Template, ref oci.ImageReference, opts Options) ([]Manifest, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	token := []byte(opts.Token)
	image := []byte(ref.String())
	out := make([]Manifest, 0, len(templates))

	for _, t := range templates {
		n := bytes.Count(t.Content, token)
		switch {
		case n == 0 && t.ImageBearing:
			return nil, cnserrors.NewWithContext(cnserrors.ErrCodePlaceholderNotFound,
				fmt.Sprintf("template %s is image-bearing but has no %s placeholder", t.Name, opts.Token),
				map[string]any{"template": t.Name})
		case n > 1 && opts.Multiple != MultipleAll:
			return nil, cnserrors.NewWithContext(cnserrors.ErrCodeMultiplePlaceholders,
				fmt.Sprintf("template %s has %d %s placeholders and no disambiguation rule", t.Name, n, opts.Token),
				map[string]any{"template": t.Name, "count": n})
		}

		content := bytes.ReplaceAll(t.Content, token, image)
		if bytes.Contains(content, token) {
			// image text itself reintroduced the token
			return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("template %s still contains %s after substitution", t.Name, opts.Token))
		}

		sum := sha256.Sum256(content)
		out = append(out, Manifest{
			Name:          t.Name,
			Content:       content,
			Digest:        "sha256:" + hex.EncodeToString(sum[:]),
			Substitutions: n,
		})
	}
	return out, nil
}

// Join concatenates manifests into one multi-document YAML stream.
func Join(manifests []Manifest) []byte {
	var buf bytes.Buffer
	for i, m := range manifests {
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(m.Content)
		if len(m.Content) > 0 && m.Content[len(m.Content)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}
