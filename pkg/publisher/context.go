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

package publisher

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
)

// DefaultRecipe is the build recipe used when BuildContext.Recipe is empty.
const DefaultRecipe = "Dockerfile"

const dockerIgnoreFile = ".dockerignore"

// BuildContext is a directory root plus the recipe that builds it.
type BuildContext struct {
	// Dir is the build context root.
	Dir string `json:"dir" yaml:"dir"`
	// Recipe is the Dockerfile path relative to Dir.
	Recipe string `json:"recipe,omitempty" yaml:"recipe,omitempty"`
	// BuildArgs are passed to the build.
	BuildArgs map[string]string `json:"buildArgs,omitempty" yaml:"buildArgs,omitempty"`
	// Target selects a multi-stage build target.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Platform is the build platform (e.g., "linux/amd64").
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`
}

// RecipePath returns the recipe path relative to Dir.
func (b BuildContext) RecipePath() string {
	if b.Recipe == "" {
		return DefaultRecipe
	}
	return filepath.ToSlash(filepath.Clean(b.Recipe))
}

// Validate checks that the context directory and recipe exist.
func (b BuildContext) Validate() error {
	if b.Dir == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, "build context directory is required")
	}
	info, err := os.Stat(b.Dir)
	if err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("build context not found: %s", b.Dir), err)
	}
	if !info.IsDir() {
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("build context is not a directory: %s", b.Dir))
	}
	recipe := b.RecipePath()
	if strings.HasPrefix(recipe, "../") {
		return cnserrors.New(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("recipe %s is outside the build context", recipe))
	}
	if _, err := os.Stat(filepath.Join(b.Dir, recipe)); err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("build recipe not found: %s", recipe), err)
	}
	return nil
}

// Archive is a build context captured as a tar stream.
type Archive struct {
	data   []byte
	Digest digest.Digest
	Files  int
}

// Reader returns a fresh reader over the archive.
func (a *Archive) Reader() io.Reader {
	return bytes.NewReader(a.data)
}

// Size returns the archive size in bytes.
func (a *Archive) Size() int {
	return len(a.data)
}

// ArchiveContext tars the build context. Entries are written in walk order
// with zeroed timestamps and ownership so identical trees produce identical
// digests. The .git directory is skipped and .dockerignore patterns apply
// with Docker's semantics, including "**" and "!" exceptions. The recipe and
// the ignore file are always included.
func ArchiveContext(b BuildContext) (*Archive, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	recipe := b.RecipePath()
	pm, err := readIgnore(b.Dir, recipe)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := 0

	err = filepath.WalkDir(b.Dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(b.Dir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		excluded, matchErr := excludes(pm, rel)
		if matchErr != nil {
			return matchErr
		}
		if excluded {
			if d.IsDir() && !reincludesBelow(pm, rel) {
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, infoErr = os.Readlink(path); infoErr != nil {
				return infoErr
			}
		}
		hdr, hdrErr := tar.FileInfoHeader(info, link)
		if hdrErr != nil {
			return hdrErr
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
		}
		hdr.ModTime = time.Unix(0, 0)
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		hdr.Format = tar.FormatPAX

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, fmt.Sprintf("failed to archive build context %s", b.Dir), err)
	}
	if err := tw.Close(); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to finalize build context archive", err)
	}

	return &Archive{
		data:   buf.Bytes(),
		Digest: digest.FromBytes(buf.Bytes()),
		Files:  files,
	}, nil
}

func excludes(pm *patternmatcher.PatternMatcher, rel string) (bool, error) {
	if pm == nil {
		return false, nil
	}
	return pm.MatchesOrParentMatches(filepath.FromSlash(rel))
}

// reincludesBelow reports whether an exception pattern may re-include
// something under the excluded directory dir.
func reincludesBelow(pm *patternmatcher.PatternMatcher, dir string) bool {
	prefix := dir + "/"
	for _, p := range pm.Patterns() {
		if p.Exclusion() && strings.HasPrefix(filepath.ToSlash(p.String())+"/", prefix) {
			return true
		}
	}
	return false
}

// readIgnore loads .dockerignore. The recipe and the ignore file itself are
// appended as exceptions, as the docker CLI does. A context without ignore
// patterns yields a nil matcher.
func readIgnore(dir, recipe string) (*patternmatcher.PatternMatcher, error) {
	f, err := os.Open(filepath.Join(dir, dockerIgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "failed to read .dockerignore", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "failed to read .dockerignore", err)
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	patterns = append(patterns, "!"+recipe, "!"+dockerIgnoreFile)

	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInvalidConfig, "invalid .dockerignore pattern", err)
	}
	return pm, nil
}
