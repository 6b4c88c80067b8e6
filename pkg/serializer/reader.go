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

package serializer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FormatFromPath determines the format from a file path's extension.
// Unknown extensions default to JSON.
func FormatFromPath(filePath string) Format {
	lowerPath := strings.ToLower(filePath)
	if i := strings.IndexAny(lowerPath, "?#"); i >= 0 && strings.Contains(lowerPath, "://") {
		lowerPath = lowerPath[:i]
	}
	switch {
	case strings.HasSuffix(lowerPath, ".json"):
		return FormatJSON
	case strings.HasSuffix(lowerPath, ".yaml"), strings.HasSuffix(lowerPath, ".yml"):
		return FormatYAML
	default:
		slog.Debug("unknown file extension, defaulting to JSON", "path", filePath)
		return FormatJSON
	}
}

// Reader decodes a JSON or YAML document.
type Reader struct {
	format Format
	input  io.Reader
	closer io.Closer
}

// NewReader creates a Reader over input.
func NewReader(format Format, input io.Reader) (*Reader, error) {
	if format.IsUnknown() {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	if format == FormatTable {
		return nil, fmt.Errorf("table format does not support deserialization")
	}
	r := &Reader{
		format: format,
		input:  input,
	}
	if closer, ok := input.(io.Closer); ok {
		r.closer = closer
	}
	return r, nil
}

// Deserialize decodes the input into v. JSON input rejects unknown fields.
func (r *Reader) Deserialize(v any) error {
	if r == nil || r.input == nil {
		return fmt.Errorf("input source is nil")
	}

	switch r.format {
	case FormatJSON:
		decoder := json.NewDecoder(r.input)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(v); err != nil {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
		return nil
	case FormatYAML:
		decoder := yaml.NewDecoder(r.input)
		decoder.KnownFields(true)
		if err := decoder.Decode(v); err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format for deserialization: %s", r.format)
	}
}

// Close closes the underlying input if it is closable.
func (r *Reader) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil // Prevent double-close
	return err
}

// FromFile loads a T from a local path or an http(s) URL. The format is
// taken from the extension.
func FromFile[T any](ctx context.Context, path string) (*T, error) {
	format := FormatFromPath(path)

	var input io.Reader
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		data, err := NewHttpReader().ReadWithContext(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %q: %w", path, err)
		}
		input = bytes.NewReader(data)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}
		input = f
	}

	reader, err := NewReader(format, input)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			slog.Warn("failed to close reader", "error", closeErr)
		}
	}()

	var v T
	if err := reader.Deserialize(&v); err != nil {
		return nil, fmt.Errorf("failed to deserialize %q: %w", path, err)
	}
	slog.Debug("loaded object", "path", path, "format", format)
	return &v, nil
}
