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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
)

// Format represents the output format type.
type Format string

const (
	// FormatJSON outputs data in JSON format
	FormatJSON Format = "json"
	// FormatYAML outputs data in YAML format
	FormatYAML Format = "yaml"
	// FormatTable outputs data in table format
	FormatTable Format = "table"
)

const (
	defaultValueKey = "value"
	none            = "-"
)

// IsUnknown returns true if the format is not recognized.
func (f Format) IsUnknown() bool {
	switch f {
	case FormatJSON, FormatYAML, FormatTable:
		return false
	default:
		return true
	}
}

// SupportedFormats returns the list of supported output formats.
func SupportedFormats() []string {
	return []string{
		string(FormatJSON),
		string(FormatYAML),
		string(FormatTable),
	}
}

// Writer handles serialization of runs and other values to an output.
type Writer struct {
	format Format
	output io.Writer
	closer io.Closer
}

// NewWriter creates a Writer for output, defaulting to stdout.
// Unknown formats fall back to JSON.
func NewWriter(format Format, output io.Writer) *Writer {
	if output == nil {
		output = os.Stdout
	}
	if format.IsUnknown() {
		slog.Warn("unknown format, defaulting to JSON", "format", format)
		format = FormatJSON
	}
	return &Writer{
		format: format,
		output: output,
	}
}

// NewFileWriterOrStdout writes to path, or to stdout when path is empty.
func NewFileWriterOrStdout(format Format, path string) (*Writer, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return NewWriter(format, os.Stdout), nil
	}

	file, err := os.Create(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", trimmed, err)
	}
	w := NewWriter(format, file)
	w.closer = file
	return w, nil
}

// Close releases the output file, if any.
func (w *Writer) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Serialize writes v in the writer's format.
func (w *Writer) Serialize(_ context.Context, v any) error {
	switch w.format {
	case FormatJSON:
		encoder := json.NewEncoder(w.output)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to serialize to JSON: %w", err)
		}
		return nil
	case FormatYAML:
		encoder := yaml.NewEncoder(w.output)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to serialize to YAML: %w", err)
		}
		return encoder.Close()
	case FormatTable:
		return w.serializeTable(v)
	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) serializeTable(v any) error {
	tw := tabwriter.NewWriter(w.output, 0, 0, 2, ' ', 0)
	switch t := v.(type) {
	case *pipeline.Run:
		writeRun(tw, t)
	case []*pipeline.Run:
		writeRuns(tw, t)
	default:
		writeFlat(tw, v)
	}
	return tw.Flush()
}

func writeRuns(w io.Writer, runs []*pipeline.Run) {
	fmt.Fprintln(w, "RUN\tPIPELINE\tSTATUS\tBRANCH\tIMAGE\tCREATED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Pipeline, r.Status, orNone(r.Trigger.Branch), orNone(r.PublishedImage),
			r.CreatedAt.UTC().Format(time.RFC3339), formatDuration(r.Duration()))
	}
}

func writeRun(w io.Writer, r *pipeline.Run) {
	if r == nil {
		fmt.Fprintln(w, "<empty>")
		return
	}
	fmt.Fprintf(w, "RUN\t%s\n", r.ID)
	fmt.Fprintf(w, "PIPELINE\t%s\n", r.Pipeline)
	fmt.Fprintf(w, "STATUS\t%s\n", r.Status)
	if r.Trigger.Branch != "" {
		fmt.Fprintf(w, "TRIGGER\t%s\n", triggerString(r.Trigger))
	}
	fmt.Fprintf(w, "IMAGE\t%s\n", orNone(r.PublishedImage))
	if r.LastKnownGood != "" {
		fmt.Fprintf(w, "LAST KNOWN GOOD\t%s\n", r.LastKnownGood)
	}
	if r.FailedStage != "" {
		fmt.Fprintf(w, "FAILED STAGE\t%s\n", r.FailedStage)
	}
	if r.Error != nil {
		fmt.Fprintf(w, "ERROR\t[%s] %s\n", r.Error.Code, r.Error.Message)
	}
	if r.CancelRequested {
		fmt.Fprintln(w, "CANCEL REQUESTED\ttrue")
	}
	fmt.Fprintf(w, "DURATION\t%s\n", formatDuration(r.Duration()))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "STAGE\tSTATUS\tATTEMPTS\tDURATION\tERROR")
	for _, s := range r.Stages {
		errText := none
		if s.Error != nil {
			errText = fmt.Sprintf("[%s] %s", s.Error.Code, s.Error.Message)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.Name, s.Status, s.Attempts, formatDuration(s.Duration), errText)
	}

	if len(r.Variables) > 0 {
		names := make([]string, 0, len(r.Variables))
		for k := range r.Variables {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "VARIABLE\tVALUE")
		for _, k := range names {
			fmt.Fprintf(w, "%s\t%s\n", k, r.Variables[k])
		}
	}
}

func triggerString(t pipeline.Trigger) string {
	s := t.Branch
	if t.Commit != "" {
		s += "@" + t.Commit
	}
	if t.Repository != "" {
		s += " (" + t.Repository + ")"
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return none
	}
	return d.Round(time.Millisecond).String()
}

func orNone(s string) string {
	if s == "" {
		return none
	}
	return s
}

// writeFlat renders any value as sorted FIELD/VALUE rows.
func writeFlat(w io.Writer, v any) {
	flat := make(map[string]any)
	flattenValue(flat, reflect.ValueOf(v), "")
	if len(flat) == 0 {
		fmt.Fprintln(w, "<empty>")
		return
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintln(w, "-----\t-----")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%v\n", key, flat[key])
	}
}

// flattenValue recursively flattens a value into dot-separated keys.
func flattenValue(out map[string]any, val reflect.Value, prefix string) {
	if !val.IsValid() {
		return
	}

	for val.Kind() == reflect.Pointer || val.Kind() == reflect.Interface {
		if val.IsNil() {
			if prefix != "" {
				out[prefix] = nil
			}
			return
		}
		val = val.Elem()
	}

	//nolint:exhaustive // We handle the common cases explicitly; all others go to default
	switch val.Kind() {
	case reflect.Struct:
		if t, ok := val.Interface().(time.Time); ok {
			out[orKey(prefix)] = t.UTC().Format(time.RFC3339)
			return
		}
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			flattenValue(out, val.Field(i), joinKey(prefix, field.Name))
		}
	case reflect.Map:
		for _, mapKey := range val.MapKeys() {
			key := joinKey(prefix, fmt.Sprintf("%v", mapKey.Interface()))
			flattenValue(out, val.MapIndex(mapKey), key)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < val.Len(); i++ {
			flattenValue(out, val.Index(i), joinKey(prefix, fmt.Sprintf("[%d]", i)))
		}
	default:
		out[orKey(prefix)] = val.Interface()
	}
}

func orKey(prefix string) string {
	if prefix == "" {
		return defaultValueKey
	}
	return prefix
}

// joinKey joins key parts with a dot separator.
func joinKey(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	if suffix == "" {
		return prefix
	}
	return prefix + "." + suffix
}
