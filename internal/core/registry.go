package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is the in-memory index of task definitions, backed by the Store.
// Mutations and the due query are serialized by mu so a tick never observes
// a half-updated definition.
type Registry struct {
	store    Store
	logger   zerolog.Logger
	location *time.Location
	now      func() time.Time

	mu    sync.RWMutex
	tasks map[string]*entry
}

type entry struct {
	def   *TaskDefinition
	sched *Schedule
}

// NewRegistry constructs an empty registry. Call Load to populate it.
func NewRegistry(store Store, logger zerolog.Logger, location *time.Location) *Registry {
	if location == nil {
		location = time.Local
	}
	return &Registry{
		store:    store,
		logger:   logger.With().Str("component", "registry").Logger(),
		location: location,
		now:      time.Now,
		tasks:    make(map[string]*entry),
	}
}

// Load replaces the index with the store's definitions and reschedules every
// enabled task from now. Occurrences missed while the process was down are
// not replayed.
func (r *Registry) Load(ctx context.Context) error {
	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*entry, len(defs))
	for _, def := range defs {
		sched, err := ParseCron(def.CronExpression)
		if err != nil {
			r.logger.Error().Str("task_id", def.ID).Err(err).Msg("stored task has invalid cron expression; not scheduling")
		}
		prev := def.NextRun
		def.NextRun = r.nextAfter(def.Enabled, sched, now)
		if prev != nil && def.Enabled && prev.Before(now) {
			r.logger.Warn().Str("task_id", def.ID).Time("missed", *prev).Msg("occurrence missed while stopped; skipping to next")
		}
		if !sameTime(prev, def.NextRun) {
			if err := r.store.SaveDefinition(ctx, def); err != nil {
				r.logger.Error().Str("task_id", def.ID).Err(err).Msg("persist next run")
			}
		}
		r.tasks[def.ID] = &entry{def: def, sched: sched}
	}
	r.logger.Info().Int("tasks", len(defs)).Msg("registry loaded")
	return nil
}

// Create validates and stores a new definition. Nothing is written when
// validation fails.
func (r *Registry) Create(ctx context.Context, in TaskInput) (*TaskDefinition, error) {
	def := &TaskDefinition{
		Name:           strings.TrimSpace(in.Name),
		TaskType:       strings.TrimSpace(in.TaskType),
		CronExpression: strings.TrimSpace(in.CronExpression),
		Enabled:        in.Enabled,
		Config:         in.Config,
		TimeoutSeconds: in.TimeoutSeconds,
		RetryOnFailure: in.RetryOnFailure,
	}
	sched, err := validateDefinition(def)
	if err != nil {
		return nil, err
	}
	now := r.now()
	def.ID = NewID()
	def.CreatedAt = now.UTC()
	def.UpdatedAt = def.CreatedAt
	def.NextRun = r.nextAfter(def.Enabled, sched, now)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save definition: %w", err)
	}
	r.tasks[def.ID] = &entry{def: def, sched: sched}
	return def.Clone(), nil
}

// Update applies a patch, re-validates and recomputes nextRun from now.
func (r *Registry) Update(ctx context.Context, id string, p TaskPatch) (*TaskDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	def := e.def.Clone()
	if p.Name != nil {
		def.Name = strings.TrimSpace(*p.Name)
	}
	if p.TaskType != nil {
		def.TaskType = strings.TrimSpace(*p.TaskType)
	}
	if p.CronExpression != nil {
		def.CronExpression = strings.TrimSpace(*p.CronExpression)
	}
	if p.Enabled != nil {
		def.Enabled = *p.Enabled
	}
	if p.Config != nil {
		def.Config = *p.Config
	}
	if p.TimeoutSeconds != nil {
		def.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.RetryOnFailure != nil {
		def.RetryOnFailure = *p.RetryOnFailure
	}
	sched, err := validateDefinition(def)
	if err != nil {
		return nil, err
	}
	now := r.now()
	def.UpdatedAt = now.UTC()
	def.NextRun = r.nextAfter(def.Enabled, sched, now)
	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save definition: %w", err)
	}
	r.tasks[id] = &entry{def: def, sched: sched}
	return def.Clone(), nil
}

// SetEnabled toggles dispatching for a task.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*TaskDefinition, error) {
	return r.Update(ctx, id, TaskPatch{Enabled: &enabled})
}

// Delete removes a definition. Its execution history is kept.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	if err := r.store.DeleteDefinition(ctx, id); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	delete(r.tasks, id)
	return nil
}

// Get returns a copy of the definition.
func (r *Registry) Get(id string) (*TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e.def.Clone(), nil
}

// FindByName returns the oldest definition with the given name.
func (r *Registry) FindByName(name string) (*TaskDefinition, bool) {
	name = strings.TrimSpace(name)
	var found *TaskDefinition
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.tasks {
		if e.def.Name != name {
			continue
		}
		if found == nil || e.def.CreatedAt.Before(found.CreatedAt) {
			found = e.def
		}
	}
	if found == nil {
		return nil, false
	}
	return found.Clone(), true
}

// List returns copies of all definitions, newest first.
func (r *Registry) List() []*TaskDefinition {
	r.mu.RLock()
	out := make([]*TaskDefinition, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.def.Clone())
	}
	r.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

// Due returns enabled tasks whose nextRun is at or before the instant.
func (r *Registry) Due(dueBefore time.Time) []*TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TaskDefinition
	for _, e := range r.tasks {
		if isDue(e.def, dueBefore) {
			out = append(out, e.def.Clone())
		}
	}
	return out
}

// ClaimDue returns the tasks due at the instant and advances each one's
// nextRun past it, so the same occurrence is never handed out twice and is
// not replayed after a restart.
func (r *Registry) ClaimDue(ctx context.Context, at time.Time) []*TaskDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*TaskDefinition
	for _, e := range r.tasks {
		if !isDue(e.def, at) {
			continue
		}
		claimed := e.def.Clone()
		e.def.NextRun = r.nextAfter(e.def.Enabled, e.sched, at)
		if err := r.store.SaveDefinition(ctx, e.def); err != nil {
			r.logger.Error().Str("task_id", e.def.ID).Err(err).Msg("persist advanced next run")
		}
		out = append(out, claimed)
	}
	return out
}

// MarkStarted records that an occurrence is in flight: LastRun becomes its
// start time and LastStatus running. RunCount is left for RecordOutcome.
func (r *Registry) MarkStarted(ctx context.Context, id string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	started := startedAt.UTC()
	e.def.LastRun = &started
	e.def.LastStatus = StatusRunning
	return r.store.SaveDefinition(ctx, e.def)
}

// RecordOutcome applies a terminal occurrence to the derived fields. nextRun
// is recomputed from the occurrence's start and never moves backwards.
func (r *Registry) RecordOutcome(ctx context.Context, id string, startedAt time.Time, status ExecutionStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("record outcome: status %q is not terminal", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	started := startedAt.UTC()
	e.def.LastRun = &started
	e.def.LastStatus = status
	e.def.RunCount++
	if next := r.nextAfter(e.def.Enabled, e.sched, startedAt); next != nil {
		if e.def.NextRun == nil || next.After(*e.def.NextRun) {
			e.def.NextRun = next
		}
	}
	return r.store.SaveDefinition(ctx, e.def)
}

func (r *Registry) nextAfter(enabled bool, sched *Schedule, from time.Time) *time.Time {
	if !enabled || sched == nil {
		return nil
	}
	next, ok := sched.Next(from.In(r.location))
	if !ok {
		return nil
	}
	utc := next.UTC()
	return &utc
}

func validateDefinition(def *TaskDefinition) (*Schedule, error) {
	if def.Name == "" {
		return nil, invalidDefinition("name is required")
	}
	if def.TaskType == "" {
		return nil, invalidDefinition("task type is required")
	}
	if def.CronExpression == "" {
		return nil, invalidDefinition("cron expression is required")
	}
	if def.TimeoutSeconds <= 0 {
		return nil, invalidDefinition("timeout_seconds must be positive")
	}
	if len(def.Config) > 0 && !json.Valid(def.Config) {
		return nil, invalidDefinition("config must be valid JSON")
	}
	sched, err := ParseCron(def.CronExpression)
	if err != nil {
		return nil, err
	}
	def.CronExpression = sched.String()
	return sched, nil
}

func isDue(def *TaskDefinition, at time.Time) bool {
	return def.Enabled && def.NextRun != nil && !def.NextRun.After(at)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sortNewestFirst(defs []*TaskDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})
}
