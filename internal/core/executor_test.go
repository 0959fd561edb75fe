package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFixture struct {
	store    *memStore
	registry *Registry
	bodies   *Bodies
	exec     *Executor
	clock    *fakeClock
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	clock := newFakeClock(utc("2026-03-01T10:00:00Z"))
	store := newMemStore()
	registry := NewRegistry(store, zerolog.Nop(), time.UTC)
	registry.now = clock.Now
	bodies := NewBodies()
	exec := NewExecutor(store, registry, bodies, zerolog.Nop())
	exec.now = clock.Now
	exec.unit = time.Millisecond
	exec.grace = 50 * time.Millisecond
	return &executorFixture{store: store, registry: registry, bodies: bodies, exec: exec, clock: clock}
}

func (f *executorFixture) task(t *testing.T, taskType string, retry bool, timeout int) *TaskDefinition {
	t.Helper()
	task, err := f.registry.Create(context.Background(), TaskInput{
		Name:           taskType + "-task",
		TaskType:       taskType,
		CronExpression: "0 * * * *",
		Enabled:        true,
		TimeoutSeconds: timeout,
		RetryOnFailure: retry,
		Config:         json.RawMessage(`{"k":"v"}`),
	})
	require.NoError(t, err)
	return task
}

func TestExecutor_Success(t *testing.T) {
	f := newExecutorFixture(t)
	var gotConfig string
	f.bodies.Register("echo", func(_ context.Context, cfg json.RawMessage) (string, error) {
		gotConfig = string(cfg)
		return "hello", nil
	})
	task := f.task(t, "echo", false, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, TriggerManual, rec.TriggeredBy)
	assert.Equal(t, "hello", rec.Output)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "echo-task", rec.TaskName)
	require.NotNil(t, rec.FinishedAt)
	assert.Equal(t, `{"k":"v"}`, gotConfig)

	recs := f.store.executions(task.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusSuccess, recs[0].Status)

	updated, err := f.registry.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, updated.LastStatus)
	assert.EqualValues(t, 1, updated.RunCount)
	require.NotNil(t, updated.LastRun)
	assert.False(t, f.exec.Running(task.ID))
}

func TestExecutor_RetryOnceThenFail(t *testing.T) {
	f := newExecutorFixture(t)
	var calls atomic.Int32
	f.bodies.Register("flaky", func(context.Context, json.RawMessage) (string, error) {
		n := calls.Add(1)
		return "", errors.New("boom " + string(rune('0'+n)))
	})
	task := f.task(t, "flaky", true, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.Error, "attempt 1: boom 1")
	assert.Contains(t, rec.Error, "attempt 2: boom 2")
	assert.Len(t, f.store.executions(task.ID), 1)

	updated, _ := f.registry.Get(task.ID)
	assert.Equal(t, StatusFailed, updated.LastStatus)
	assert.EqualValues(t, 1, updated.RunCount)
}

func TestExecutor_RetrySucceeds(t *testing.T) {
	f := newExecutorFixture(t)
	var calls atomic.Int32
	f.bodies.Register("second-time", func(context.Context, json.RawMessage) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	task := f.task(t, "second-time", true, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "ok", rec.Output)
	assert.Empty(t, rec.Error)
}

func TestExecutor_NoRetryWithoutFlag(t *testing.T) {
	f := newExecutorFixture(t)
	var calls atomic.Int32
	f.bodies.Register("fail", func(context.Context, json.RawMessage) (string, error) {
		calls.Add(1)
		return "partial", errors.New("nope")
	})
	task := f.task(t, "fail", false, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "nope", rec.Error)
	assert.Equal(t, "partial", rec.Output)
}

func TestExecutor_PermanentFailureSkipsRetry(t *testing.T) {
	f := newExecutorFixture(t)
	var calls atomic.Int32
	f.bodies.Register("permanent", func(context.Context, json.RawMessage) (string, error) {
		calls.Add(1)
		return "", NoRetry(errors.New("bad config"))
	})
	task := f.task(t, "permanent", true, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "bad config", rec.Error)
}

func TestExecutor_UnknownTaskType(t *testing.T) {
	f := newExecutorFixture(t)
	task := f.task(t, "ghost", true, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.Error, `unknown task type "ghost"`)
}

func TestExecutor_TimeoutReleasesLock(t *testing.T) {
	f := newExecutorFixture(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	var calls atomic.Int32
	f.bodies.Register("hang", func(context.Context, json.RawMessage) (string, error) {
		if calls.Add(1) == 1 {
			<-block // ignores cancellation on purpose
		}
		return "quick", nil
	})
	task := f.task(t, "hang", false, 20)

	start := time.Now()
	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
	assert.False(t, f.exec.Running(task.ID))

	again, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, again.Status)
	assert.Len(t, f.store.executions(task.ID), 2)
}

func TestExecutor_TimeoutHonouredByCooperativeBody(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("sleepy", func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "stopped", ctx.Err()
	})
	task := f.task(t, "sleepy", true, 10)

	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.Error, "timed out")
}

func TestExecutor_TimeoutKeepsLateOutput(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("partial", func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "copied 3 of 10 files", nil
	})
	task := f.task(t, "partial", false, 10)

	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
	assert.Equal(t, "copied 3 of 10 files", rec.Output)
}

func TestExecutor_PanicBecomesFailure(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("panicky", func(context.Context, json.RawMessage) (string, error) {
		panic("kaboom")
	})
	task := f.task(t, "panicky", false, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "kaboom")
	assert.False(t, f.exec.Running(task.ID))
}

func TestExecutor_OverlapIsSkippedWithoutRecord(t *testing.T) {
	f := newExecutorFixture(t)
	release := make(chan struct{})
	f.bodies.Register("slow", func(context.Context, json.RawMessage) (string, error) {
		<-release
		return "", nil
	})
	task := f.task(t, "slow", false, 1000)

	running, err := f.exec.Dispatch(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.True(t, f.exec.Running(task.ID))

	_, err = f.exec.Execute(context.Background(), task, TriggerSchedule)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = f.exec.Dispatch(context.Background(), task, TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	f.exec.Wait()

	recs := f.store.executions(task.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, running.ID, recs[0].ID)
	assert.Equal(t, StatusSuccess, recs[0].Status)
}

func TestExecutor_DispatchSurvivesCallerCancel(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("ctx", func(ctx context.Context, _ json.RawMessage) (string, error) {
		return "", ctx.Err()
	})
	task := f.task(t, "ctx", false, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.exec.Dispatch(ctx, task, TriggerManual)
	require.NoError(t, err)
	cancel()
	f.exec.Wait()

	recs := f.store.executions(task.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusSuccess, recs[0].Status)
}

func TestExecutor_DeletedWhileRunningKeepsHistory(t *testing.T) {
	f := newExecutorFixture(t)
	release := make(chan struct{})
	f.bodies.Register("long", func(context.Context, json.RawMessage) (string, error) {
		<-release
		return "done", nil
	})
	task := f.task(t, "long", false, 1000)

	_, err := f.exec.Dispatch(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	require.NoError(t, f.registry.Delete(context.Background(), task.ID))
	close(release)
	f.exec.Wait()

	recs := f.store.executions(task.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusSuccess, recs[0].Status)
	assert.Equal(t, "long-task", recs[0].TaskName)
}

func TestExecutor_StoreFailureReleasesLock(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "", nil })
	task := f.task(t, "noop", false, 1000)

	f.store.failSaveExecution = errors.New("disk full")
	_, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.Error(t, err)
	assert.False(t, f.exec.Running(task.ID))
}

func TestExecutor_TerminalSaveRetried(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "ok", nil })
	task := f.task(t, "noop", false, 1000)

	f.store.failTerminalSaves = 1
	rec, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)

	stored := f.store.executions(task.ID)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusSuccess, stored[0].Status)
}

func TestExecutor_TerminalSaveFailureKeepsOneRunningRecord(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "ok", nil })
	task := f.task(t, "noop", false, 1000)

	var hooked int
	f.exec.OnComplete(func(context.Context, *TaskDefinition, *ExecutionRecord) { hooked++ })

	f.store.failTerminalSaves = 2
	_, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.Error(t, err)
	assert.False(t, f.exec.Running(task.ID))
	assert.Equal(t, 1, hooked)

	got, err := f.registry.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.LastStatus)
	assert.EqualValues(t, 1, got.RunCount)

	first := f.store.executions(task.ID)
	require.Len(t, first, 1)
	assert.Equal(t, StatusRunning, first[0].Status)

	_, err = f.exec.Execute(context.Background(), task, TriggerManual)
	require.NoError(t, err)

	byID := make(map[string]*ExecutionRecord)
	running := 0
	for _, r := range f.store.executions(task.ID) {
		byID[r.ID] = r
		if r.Status == StatusRunning {
			running++
		}
	}
	assert.Zero(t, running)
	require.Contains(t, byID, first[0].ID)
	assert.Equal(t, StatusFailed, byID[first[0].ID].Status)
	assert.Equal(t, abandonedReason, byID[first[0].ID].Error)

	got, err = f.registry.Get(task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.RunCount)
}

func TestExecutor_TruncatesOutput(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("chatty", func(context.Context, json.RawMessage) (string, error) {
		return strings.Repeat("x", maxOutputBytes+100), nil
	})
	task := f.task(t, "chatty", false, 1000)

	rec, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rec.Output, "(truncated)"))
	assert.Less(t, len(rec.Output), maxOutputBytes+100)
}

func TestExecutor_CompletionHooks(t *testing.T) {
	f := newExecutorFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "", nil })
	task := f.task(t, "noop", false, 1000)

	var seen []*ExecutionRecord
	f.exec.OnComplete(func(_ context.Context, td *TaskDefinition, rec *ExecutionRecord) {
		assert.Equal(t, task.ID, td.ID)
		assert.False(t, f.exec.Running(td.ID))
		seen = append(seen, rec)
	})

	_, err := f.exec.Execute(context.Background(), task, TriggerManual)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, StatusSuccess, seen[0].Status)
}
