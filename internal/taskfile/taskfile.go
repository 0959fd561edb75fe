// Package taskfile applies a declarative YAML list of task definitions to the
// engine, matching existing tasks by name.
package taskfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.yaml.in/yaml/v3"

	"cronkeeper/internal/core"
)

const defaultTimeoutSeconds = 300

// File is the document root.
type File struct {
	Tasks []Entry `yaml:"tasks"`
}

// Entry is one task in the file. Enabled defaults to true.
type Entry struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	Cron           string         `yaml:"cron"`
	Enabled        *bool          `yaml:"enabled"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	RetryOnFailure bool           `yaml:"retry_on_failure"`
	Config         map[string]any `yaml:"config"`
}

// Engine is the subset of core.Engine the file is applied through.
type Engine interface {
	FindTaskByName(name string) (*core.TaskDefinition, bool)
	CreateTask(ctx context.Context, in core.TaskInput) (*core.TaskDefinition, error)
	UpdateTask(ctx context.Context, id string, p core.TaskPatch) (*core.TaskDefinition, error)
}

// Result summarizes one application of the file.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Errors    []error
}

// Err joins the per-entry errors.
func (r Result) Err() error { return errors.Join(r.Errors...) }

// Parse decodes a task file strictly; unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	return &f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	return Parse(data)
}

// Apply upserts every entry by name. Tasks missing from the file are left
// alone. An invalid entry is logged and skipped; the others still apply.
func Apply(ctx context.Context, eng Engine, f *File, logger zerolog.Logger) Result {
	var res Result
	seen := make(map[string]bool, len(f.Tasks))
	for i, entry := range f.Tasks {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			res.Errors = append(res.Errors, fmt.Errorf("entry %d: name is required", i))
			continue
		}
		if seen[name] {
			res.Errors = append(res.Errors, fmt.Errorf("entry %q: duplicate name", name))
			continue
		}
		seen[name] = true

		in, err := entry.input()
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("entry %q: %w", name, err))
			continue
		}
		existing, ok := eng.FindTaskByName(name)
		if !ok {
			task, err := eng.CreateTask(ctx, in)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("entry %q: %w", name, err))
				continue
			}
			logger.Info().Str("task_id", task.ID).Str("name", name).Msg("task file: created")
			res.Created++
			continue
		}
		if sameDefinition(existing, in) {
			res.Unchanged++
			continue
		}
		if _, err := eng.UpdateTask(ctx, existing.ID, patchFor(in)); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("entry %q: %w", name, err))
			continue
		}
		logger.Info().Str("task_id", existing.ID).Str("name", name).Msg("task file: updated")
		res.Updated++
	}
	for _, err := range res.Errors {
		logger.Warn().Err(err).Msg("task file: entry skipped")
	}
	return res
}

func (e Entry) input() (core.TaskInput, error) {
	in := core.TaskInput{
		Name:           strings.TrimSpace(e.Name),
		TaskType:       strings.TrimSpace(e.Type),
		CronExpression: strings.TrimSpace(e.Cron),
		Enabled:        true,
		TimeoutSeconds: e.TimeoutSeconds,
		RetryOnFailure: e.RetryOnFailure,
	}
	if e.Enabled != nil {
		in.Enabled = *e.Enabled
	}
	if in.TimeoutSeconds == 0 {
		in.TimeoutSeconds = defaultTimeoutSeconds
	}
	if len(e.Config) > 0 {
		raw, err := json.Marshal(e.Config)
		if err != nil {
			return in, fmt.Errorf("config: %w", err)
		}
		in.Config = raw
	}
	return in, nil
}

func patchFor(in core.TaskInput) core.TaskPatch {
	cfg := in.Config
	if cfg == nil {
		cfg = json.RawMessage{}
	}
	return core.TaskPatch{
		TaskType:       &in.TaskType,
		CronExpression: &in.CronExpression,
		Enabled:        &in.Enabled,
		Config:         &cfg,
		TimeoutSeconds: &in.TimeoutSeconds,
		RetryOnFailure: &in.RetryOnFailure,
	}
}

func sameDefinition(def *core.TaskDefinition, in core.TaskInput) bool {
	return def.TaskType == in.TaskType &&
		strings.Join(strings.Fields(def.CronExpression), " ") == strings.Join(strings.Fields(in.CronExpression), " ") &&
		def.Enabled == in.Enabled &&
		def.TimeoutSeconds == in.TimeoutSeconds &&
		def.RetryOnFailure == in.RetryOnFailure &&
		canonicalJSON(def.Config) == canonicalJSON(in.Config)
}

// canonicalJSON re-encodes raw so key order and spacing do not matter.
func canonicalJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return ""
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
