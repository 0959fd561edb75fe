package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CompletionHook observes every finalized occurrence. Hooks run after the
// record is stored and the overlap lock is released.
type CompletionHook func(ctx context.Context, task *TaskDefinition, rec *ExecutionRecord)

// Executor runs one occurrence of a task under its timeout and retry policy
// and records the result.
type Executor struct {
	store    Store
	registry *Registry
	resolver Resolver
	locks    *LockTable
	logger   zerolog.Logger
	now      func() time.Time
	// unit scales TimeoutSeconds; one second outside tests.
	unit time.Duration
	// grace is how long a timed-out body may take to hand back its output.
	grace time.Duration

	hookMu sync.RWMutex
	hooks  []CompletionHook

	wg sync.WaitGroup
}

// NewExecutor constructs an executor. registry may be nil, in which case the
// derived task fields are not maintained.
func NewExecutor(store Store, registry *Registry, resolver Resolver, logger zerolog.Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		resolver: resolver,
		locks:    NewLockTable(),
		logger:   logger.With().Str("component", "executor").Logger(),
		now:      time.Now,
		unit:     time.Second,
		grace:    2 * time.Second,
	}
}

// OnComplete registers a hook for finalized occurrences.
func (e *Executor) OnComplete(h CompletionHook) {
	e.hookMu.Lock()
	e.hooks = append(e.hooks, h)
	e.hookMu.Unlock()
}

// Running reports whether taskID has an occurrence in flight.
func (e *Executor) Running(taskID string) bool {
	return e.locks.Held(taskID)
}

// Execute runs an occurrence to completion and returns its terminal record.
// It returns ErrAlreadyRunning without side effects when the task already
// has an occurrence in flight. Task failures are reported in the record;
// a non-nil error means bookkeeping itself failed.
func (e *Executor) Execute(ctx context.Context, task *TaskDefinition, trigger Trigger) (*ExecutionRecord, error) {
	run, err := e.begin(ctx, task, trigger)
	if err != nil {
		return nil, err
	}
	return run.finish(context.WithoutCancel(ctx))
}

// Dispatch starts an occurrence in the background once the overlap guard is
// held and the running record is stored. The returned record is a snapshot
// of that running state.
func (e *Executor) Dispatch(ctx context.Context, task *TaskDefinition, trigger Trigger) (*ExecutionRecord, error) {
	run, err := e.begin(ctx, task, trigger)
	if err != nil {
		return nil, err
	}
	snapshot := *run.rec
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := run.finish(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error().Str("task_id", task.ID).Str("run_id", snapshot.ID).Err(err).Msg("finalize execution")
		}
	}()
	return &snapshot, nil
}

// Wait blocks until every occurrence started with Dispatch has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

type occurrence struct {
	e       *Executor
	task    *TaskDefinition
	rec     *ExecutionRecord
	release func()
	began   time.Time
}

func (e *Executor) begin(ctx context.Context, task *TaskDefinition, trigger Trigger) (*occurrence, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidDefinition)
	}
	task = task.Clone()
	release, ok := e.locks.TryAcquire(task.ID)
	if !ok {
		return nil, ErrAlreadyRunning
	}
	e.closeAbandoned(ctx, task.ID)
	rec := &ExecutionRecord{
		ID:          NewID(),
		TaskID:      task.ID,
		TaskName:    task.Name,
		TaskType:    task.TaskType,
		Status:      StatusRunning,
		TriggeredBy: trigger,
		StartedAt:   e.now().UTC(),
	}
	if err := e.store.SaveExecution(ctx, rec); err != nil {
		release()
		return nil, fmt.Errorf("save running execution: %w", err)
	}
	if e.registry != nil {
		if err := e.registry.MarkStarted(ctx, task.ID, rec.StartedAt); err != nil && !errors.Is(err, ErrTaskNotFound) {
			e.logger.Warn().Str("task_id", task.ID).Err(err).Msg("mark task running")
		}
	}
	e.logger.Debug().Str("task_id", task.ID).Str("run_id", rec.ID).Str("trigger", string(trigger)).Msg("execution started")
	return &occurrence{e: e, task: task, rec: rec, release: release, began: time.Now()}, nil
}

func (o *occurrence) finish(ctx context.Context) (rec *ExecutionRecord, err error) {
	e := o.e
	defer o.release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
			e.logger.Error().Str("task_id", o.task.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("executor panic")
		}
	}()

	output, attempts, runErr := o.runAttempts(ctx)

	finished := e.now().UTC()
	o.rec.FinishedAt = &finished
	o.rec.Duration = time.Since(o.began)
	o.rec.Attempts = attempts
	o.rec.Output = output
	if runErr != nil {
		o.rec.Status = StatusFailed
		o.rec.Error = runErr.Error()
	} else {
		o.rec.Status = StatusSuccess
	}

	log := e.logger.With().Str("task_id", o.task.ID).Str("run_id", o.rec.ID).Logger()
	if runErr != nil {
		log.Warn().Err(runErr).Int("attempts", attempts).Dur("dur", o.rec.Duration).Msg("execution failed")
	} else {
		log.Info().Int("attempts", attempts).Dur("dur", o.rec.Duration).Msg("execution succeeded")
	}

	// The derived fields follow the occurrence even when its record could not
	// be written, so lastStatus never sticks at running.
	saveErr := e.store.SaveExecution(ctx, o.rec)
	if saveErr != nil {
		log.Error().Err(saveErr).Msg("save finished execution")
	}
	if e.registry != nil {
		if err := e.registry.RecordOutcome(ctx, o.task.ID, o.rec.StartedAt, o.rec.Status); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				log.Debug().Msg("task deleted while running; history kept")
			} else {
				log.Error().Err(err).Msg("record task outcome")
			}
		}
	}

	o.release()
	if saveErr != nil {
		// One more try after the lock is free. A row still left running is
		// closed by the task's next begin.
		if saveErr = e.store.SaveExecution(ctx, o.rec); saveErr == nil {
			log.Info().Msg("finished execution saved on retry")
		}
	}

	e.hookMu.RLock()
	hooks := append([]CompletionHook(nil), e.hooks...)
	e.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, o.task, o.rec)
	}
	if saveErr != nil {
		return o.rec, fmt.Errorf("save finished execution: %w", saveErr)
	}
	return o.rec, nil
}

// staleScanLimit bounds how far back begin looks for abandoned records.
const staleScanLimit = 10

const abandonedReason = "abandoned: final state was not saved"

// closeAbandoned finalizes records of taskID still marked running. The
// caller holds the task's lock, so no live occurrence owns them.
func (e *Executor) closeAbandoned(ctx context.Context, taskID string) {
	recs, err := e.store.ListExecutions(ctx, taskID, ExecutionQuery{Limit: staleScanLimit})
	if err != nil {
		e.logger.Warn().Str("task_id", taskID).Err(err).Msg("scan abandoned executions")
		return
	}
	now := e.now().UTC()
	for _, rec := range recs {
		if rec.Status != StatusRunning {
			continue
		}
		rec.Status = StatusFailed
		rec.Error = abandonedReason
		rec.FinishedAt = &now
		if d := now.Sub(rec.StartedAt); d > 0 {
			rec.Duration = d
		}
		if err := e.store.SaveExecution(ctx, rec); err != nil {
			e.logger.Warn().Str("task_id", taskID).Str("run_id", rec.ID).Err(err).Msg("close abandoned execution")
			continue
		}
		e.logger.Warn().Str("task_id", taskID).Str("run_id", rec.ID).Msg("closed abandoned execution")
	}
}

// runAttempts runs the body once, and once more on failure when the task
// asks for a retry.
func (o *occurrence) runAttempts(ctx context.Context) (string, int, error) {
	output, err := o.attempt(ctx)
	if err == nil || !o.task.RetryOnFailure || IsNoRetry(err) {
		return output, 1, err
	}
	o.e.logger.Debug().Str("task_id", o.task.ID).Str("run_id", o.rec.ID).Err(err).Msg("retrying failed attempt")
	retryOutput, retryErr := o.attempt(ctx)
	if retryErr != nil {
		return retryOutput, 2, fmt.Errorf("attempt 1: %v; attempt 2: %w", err, retryErr)
	}
	return retryOutput, 2, nil
}

type attemptResult struct {
	output string
	err    error
}

func (o *occurrence) attempt(ctx context.Context) (string, error) {
	fn, err := o.e.resolver.Resolve(o.task.TaskType)
	if err != nil {
		return "", err
	}
	timeout := time.Duration(o.task.TimeoutSeconds) * o.e.unit
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		var res attemptResult
		defer func() {
			if r := recover(); r != nil {
				res = attemptResult{err: fmt.Errorf("panic: %v", r)}
				o.e.logger.Error().Str("task_id", o.task.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("task panic")
			}
			done <- res
		}()
		res.output, res.err = fn(runCtx, o.task.Config)
	}()

	select {
	case res := <-done:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return truncateOutput(res.output), timeoutError(o.task.TimeoutSeconds)
		}
		return truncateOutput(res.output), res.err
	case <-runCtx.Done():
	}

	// The body was told to stop. Keep whatever it reports within the grace
	// window; after that it is abandoned.
	grace := time.NewTimer(o.e.grace)
	defer grace.Stop()
	select {
	case res := <-done:
		return truncateOutput(res.output), timeoutError(o.task.TimeoutSeconds)
	case <-grace.C:
		return "", timeoutError(o.task.TimeoutSeconds)
	}
}

func timeoutError(seconds int) error {
	return fmt.Errorf("timed out after %ds", seconds)
}

const maxOutputBytes = 64 << 10

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (truncated)"
}
