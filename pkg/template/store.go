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

package template

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// DefaultMaxFileSize is the largest template file accepted (1MB).
const DefaultMaxFileSize = 1 << 20

// Template is one manifest template. Values handed out by a Store are copies.
type Template struct {
	// Name identifies the template within the store (file base name by default).
	Name string `json:"name" yaml:"name"`
	// Source is the path the template was loaded from.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Content is the raw template text.
	Content []byte `json:"-" yaml:"-"`
	// ImageBearing marks templates that reference a container image and
	// therefore must carry the placeholder token.
	ImageBearing bool `json:"imageBearing" yaml:"imageBearing"`
}

func (t Template) clone() Template {
	t.Content = bytes.Clone(t.Content)
	return t
}

// LoadOptions configures Load.
type LoadOptions struct {
	// ImageBearing overrides detection per template name.
	ImageBearing map[string]bool
	// MaxFileSize limits individual files. Zero means DefaultMaxFileSize.
	MaxFileSize int64
}

// Store holds manifest templates. It is read-only after construction and
// safe for concurrent use by any number of runs.
type Store struct {
	mu        sync.RWMutex
	templates []Template
	index     map[string]int
}

// NewStore builds a store from templates, keeping their order.
// Template names must be unique.
func NewStore(templates ...Template) (*Store, error) {
	s := &Store{
		templates: make([]Template, 0, len(templates)),
		index:     make(map[string]int, len(templates)),
	}
	for _, t := range templates {
		if t.Name == "" {
			return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "template name is required")
		}
		if _, dup := s.index[t.Name]; dup {
			return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("duplicate template name %q", t.Name))
		}
		s.index[t.Name] = len(s.templates)
		s.templates = append(s.templates, t.clone())
	}
	return s, nil
}

// Load reads templates from files or directories. Directories contribute their
// *.yaml, *.yml and *.json files in lexical order; nested directories are not
// descended. Templates are named by file base name, so two files sharing a
// base name are rejected. Image-bearing status is detected unless overridden
// in opts.
func Load(paths []string, opts LoadOptions) (*Store, error) {
	if len(paths) == 0 {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "at least one template path is required")
	}
	maxSize := opts.MaxFileSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	var files []string
	for _, p := range paths {
		found, err := expand(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	templates := make([]Template, 0, len(files))
	sources := make(map[string]string, len(files))
	for _, f := range files {
		t, err := readTemplate(f, maxSize)
		if err != nil {
			return nil, err
		}
		if prev, dup := sources[t.Name]; dup {
			return nil, cnserrors.NewWithContext(cnserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("duplicate template name %q: %s and %s", t.Name, prev, t.Source),
				map[string]any{"template": t.Name, "sources": []string{prev, t.Source}})
		}
		sources[t.Name] = t.Source
		if override, ok := opts.ImageBearing[t.Name]; ok {
			t.ImageBearing = override
		}
		slog.Debug("template loaded",
			"name", t.Name,
			"source", t.Source,
			"image_bearing", t.ImageBearing,
			"size", len(t.Content))
		templates = append(templates, t)
	}

	for name := range opts.ImageBearing {
		if !containsName(templates, name) {
			return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
				fmt.Sprintf("imageBearing override names unknown template %q", name))
		}
	}

	return NewStore(templates...)
}

// Templates returns copies of all templates in store order.
func (s *Store) Templates() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, len(s.templates))
	for i, t := range s.templates {
		out[i] = t.clone()
	}
	return out
}

// Get returns a copy of the named template.
func (s *Store) Get(name string) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[name]
	if !ok {
		return Template{}, false
	}
	return s.templates[i].clone(), true
}

// Len returns the number of templates.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates)
}

// Validate checks every template against the substitution rules before a
// run starts: image-bearing templates must contain token, and unless
// allowMultiple is set no template may contain it more than once. All
// offending templates are reported in the error context.
func (s *Store) Validate(token string, allowMultiple bool) error {
	if token == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "placeholder token is empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing, ambiguous []string
	for _, t := range s.templates {
		n := bytes.Count(t.Content, []byte(token))
		switch {
		case n == 0 && t.ImageBearing:
			missing = append(missing, t.Name)
		case n > 1 && !allowMultiple:
			ambiguous = append(ambiguous, t.Name)
		}
	}
	if len(missing) > 0 {
		return cnserrors.NewWithContext(cnserrors.ErrCodePlaceholderNotFound,
			fmt.Sprintf("image-bearing template(s) missing placeholder %s: %s", token, strings.Join(missing, ", ")),
			map[string]any{"templates": missing, "token": token})
	}
	if len(ambiguous) > 0 {
		return cnserrors.NewWithContext(cnserrors.ErrCodeMultiplePlaceholders,
			fmt.Sprintf("template(s) with more than one placeholder %s: %s", token, strings.Join(ambiguous, ", ")),
			map[string]any{"templates": ambiguous, "token": token})
	}
	return nil
}

// DetectImageBearing reports whether any YAML document in content has an
// "image" key anywhere in its tree.
func DetectImageBearing(content []byte) (bool, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	for {
		var doc yaml.Node
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		if hasImageKey(&doc) {
			return true, nil
		}
	}
}

func hasImageKey(n *yaml.Node) bool {
	if n == nil {
		return false
	}
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == "image" {
				return true
			}
		}
	}
	for _, c := range n.Content {
		if hasImageKey(c) {
			return true
		}
	}
	return false
}

func expand(p string) ([]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("template path not found: %s", p), err)
	}
	if !info.IsDir() {
		return []string{p}, nil
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("failed to read template directory %s", p), err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isManifestFile(e) {
			continue
		}
		files = append(files, filepath.Join(p, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("no manifest templates in %s", p))
	}
	return files, nil
}

func isManifestFile(e fs.DirEntry) bool {
	switch strings.ToLower(filepath.Ext(e.Name())) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

func readTemplate(path string, maxSize int64) (Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Template{}, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("failed to stat template %s", path), err)
	}
	if info.Size() > maxSize {
		return Template{}, cnserrors.New(cnserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("template too large (%d bytes, max %d): %s", info.Size(), maxSize, path))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Template{}, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("failed to read template %s", path), err)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return Template{}, cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("template is empty: %s", path))
	}
	bearing, err := DetectImageBearing(content)
	if err != nil {
		return Template{}, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("malformed template %s", path), err)
	}
	return Template{
		Name:         filepath.Base(path),
		Source:       path,
		Content:      content,
		ImageBearing: bearing,
	}, nil
}

func containsName(templates []Template, name string) bool {
	for _, t := range templates {
		if t.Name == name {
			return true
		}
	}
	return false
}
