package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const interruptedReason = "interrupted: process restarted"

// Engine wires the registry, executor and dispatch loop together and exposes
// the operations consumed by the API, MCP and CLI layers.
type Engine struct {
	store     Store
	resolver  Resolver
	logger    zerolog.Logger
	location  *time.Location
	interval  time.Duration
	now       func() time.Time
	retention int

	registry  *Registry
	executor  *Executor
	scheduler *Scheduler
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithTickInterval sets the dispatch loop period.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithClock replaces the wall clock used for scheduling decisions and
// execution timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithHistoryRetention keeps at most n execution records per task when the
// store supports pruning. Zero disables pruning.
func WithHistoryRetention(n int) Option {
	return func(e *Engine) { e.retention = n }
}

// NewEngine builds an engine over the given store and task-body resolver.
func NewEngine(store Store, resolver Resolver, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		resolver: resolver,
		logger:   logger,
		location: time.Local,
		interval: DefaultTickInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry = NewRegistry(store, logger, e.location)
	e.registry.now = e.now
	e.executor = NewExecutor(store, e.registry, resolver, logger)
	e.executor.now = e.now
	e.scheduler = NewScheduler(e.registry, e.executor, logger, e.interval)
	e.scheduler.now = e.now

	if pruner, ok := store.(HistoryPruner); ok && e.retention > 0 {
		e.executor.OnComplete(func(ctx context.Context, task *TaskDefinition, rec *ExecutionRecord) {
			if err := pruner.PruneExecutions(ctx, rec.TaskID, e.retention); err != nil {
				e.logger.Warn().Str("task_id", rec.TaskID).Err(err).Msg("prune execution history")
			}
		})
	}
	return e
}

// Load populates the registry from the store and finalizes executions left
// running by a previous process. Start calls it.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.registry.Load(ctx); err != nil {
		return err
	}
	recoverer, ok := e.store.(InterruptRecoverer)
	if !ok {
		return nil
	}
	recovered, err := recoverer.RecoverInterrupted(ctx, e.now().UTC(), interruptedReason)
	if err != nil {
		return fmt.Errorf("recover interrupted executions: %w", err)
	}
	for _, rec := range recovered {
		e.logger.Warn().Str("task_id", rec.TaskID).Str("run_id", rec.ID).Msg("execution interrupted by restart marked failed")
		if err := e.registry.RecordOutcome(ctx, rec.TaskID, rec.StartedAt, StatusFailed); err != nil && !errors.Is(err, ErrTaskNotFound) {
			e.logger.Error().Str("task_id", rec.TaskID).Err(err).Msg("record interrupted outcome")
		}
	}
	return nil
}

// Start loads state and begins dispatching.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}
	e.scheduler.Start(ctx)
	return nil
}

// Stop ends dispatching; the returned context is done once in-flight
// occurrences have finished.
func (e *Engine) Stop() context.Context {
	return e.scheduler.Stop()
}

// Tick runs a single scheduling pass at the given instant.
func (e *Engine) Tick(ctx context.Context, now time.Time) int {
	return e.scheduler.Tick(ctx, now)
}

// Wait blocks until all dispatched occurrences have finished.
func (e *Engine) Wait() {
	e.scheduler.Wait()
}

// OnComplete registers a hook for finalized occurrences.
func (e *Engine) OnComplete(h CompletionHook) {
	e.executor.OnComplete(h)
}

// Location returns the time zone used for cron evaluation.
func (e *Engine) Location() *time.Location {
	return e.location
}

func (e *Engine) CreateTask(ctx context.Context, in TaskInput) (*TaskDefinition, error) {
	task, err := e.registry.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("task_id", task.ID).Str("name", task.Name).Str("cron", task.CronExpression).Msg("task created")
	return task, nil
}

func (e *Engine) UpdateTask(ctx context.Context, id string, p TaskPatch) (*TaskDefinition, error) {
	return e.registry.Update(ctx, id, p)
}

func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*TaskDefinition, error) {
	return e.registry.SetEnabled(ctx, id, enabled)
}

// DeleteTask removes a definition; in-flight occurrences finish and history
// is retained.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	if err := e.registry.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

func (e *Engine) GetTask(id string) (*TaskDefinition, error) {
	return e.registry.Get(id)
}

// FindTaskByName returns the oldest task with the given name.
func (e *Engine) FindTaskByName(name string) (*TaskDefinition, bool) {
	return e.registry.FindByName(name)
}

func (e *Engine) ListTasks() []*TaskDefinition {
	return e.registry.List()
}

// Running reports whether the task has an occurrence in flight.
func (e *Engine) Running(taskID string) bool {
	return e.executor.Running(taskID)
}

// ListExecutions returns history for a task ID, which may belong to a deleted
// task.
func (e *Engine) ListExecutions(ctx context.Context, taskID string, q ExecutionQuery) ([]*ExecutionRecord, error) {
	return e.store.ListExecutions(ctx, taskID, q.Normalize())
}

// GetExecution fetches one record when the store supports it.
func (e *Engine) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	getter, ok := e.store.(ExecutionGetter)
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return getter.GetExecution(ctx, id)
}

// RunNow starts a manual occurrence in the background and returns the
// running record, or ErrAlreadyRunning when the overlap guard is held.
// Disabled tasks can be run manually.
func (e *Engine) RunNow(ctx context.Context, id string) (*ExecutionRecord, error) {
	task, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return e.executor.Dispatch(ctx, task, TriggerManual)
}

// ValidateCronExpression reports validity and up to count upcoming matches
// in the engine's time zone. It has no side effects.
func (e *Engine) ValidateCronExpression(expr string, count int) CronValidation {
	return ValidateCronExpression(expr, e.now().In(e.location), count)
}

// TaskTypes lists the registered task types when the resolver can enumerate
// them.
func (e *Engine) TaskTypes() []string {
	if lister, ok := e.resolver.(interface{ Types() []string }); ok {
		return lister.Types()
	}
	return nil
}
