package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerFixture struct {
	*executorFixture
	sched *Scheduler
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := newExecutorFixture(t)
	s := NewScheduler(f.registry, f.exec, zerolog.Nop(), time.Second)
	s.now = f.clock.Now
	return &schedulerFixture{executorFixture: f, sched: s}
}

// tickAt moves the clock to at, runs one pass and waits for its occurrences.
func (f *schedulerFixture) tickAt(at time.Time) int {
	f.clock.Set(at)
	n := f.sched.Tick(context.Background(), at)
	f.sched.Wait()
	return n
}

func (f *schedulerFixture) create(t *testing.T, in TaskInput) *TaskDefinition {
	t.Helper()
	task, err := f.registry.Create(context.Background(), in)
	require.NoError(t, err)
	return task
}

func everyFiveMinutes(name string, enabled bool) TaskInput {
	return TaskInput{
		Name:           name,
		TaskType:       "noop",
		CronExpression: "*/5 * * * *",
		Enabled:        enabled,
		TimeoutSeconds: 1000,
	}
}

func TestScheduler_FiresEveryOccurrenceOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "", nil })
	f.clock.Set(utc("2026-03-01T09:59:30Z"))
	task := f.create(t, everyFiveMinutes("five", true))

	base := utc("2026-03-01T10:00:00Z")
	for i := 0; i < 12; i++ {
		assert.Equal(t, 1, f.tickAt(base.Add(time.Duration(i)*5*time.Minute)))
	}
	// Ticks between occurrences dispatch nothing.
	assert.Zero(t, f.tickAt(base.Add(57*time.Minute)))

	recs := f.store.executions(task.ID)
	require.Len(t, recs, 12)
	for _, rec := range recs {
		assert.Equal(t, TriggerSchedule, rec.TriggeredBy)
		assert.Equal(t, StatusSuccess, rec.Status)
	}

	got, err := f.registry.Get(task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 12, got.RunCount)
	assert.True(t, utc("2026-03-01T11:00:00Z").Equal(*got.NextRun))
}

func TestScheduler_LateTickFiresOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "", nil })
	f.clock.Set(utc("2026-03-01T09:59:30Z"))
	task := f.create(t, everyFiveMinutes("late", true))

	// Several occurrences elapse between ticks: one dispatch, no backlog.
	assert.Equal(t, 1, f.tickAt(utc("2026-03-01T10:17:00Z")))
	assert.Zero(t, f.tickAt(utc("2026-03-01T10:18:00Z")))
	assert.Len(t, f.store.executions(task.ID), 1)

	got, _ := f.registry.Get(task.ID)
	assert.True(t, utc("2026-03-01T10:20:00Z").Equal(*got.NextRun))
}

func TestScheduler_DisabledTaskNeverDispatched(t *testing.T) {
	f := newSchedulerFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "", nil })
	f.clock.Set(utc("2026-03-01T09:59:30Z"))
	task := f.create(t, everyFiveMinutes("off", false))

	base := utc("2026-03-01T10:00:00Z")
	for i := 0; i < 12; i++ {
		assert.Zero(t, f.tickAt(base.Add(time.Duration(i)*5*time.Minute)))
	}
	assert.Empty(t, f.store.executions(task.ID))
}

func TestScheduler_DisableAndReenable(t *testing.T) {
	f := newSchedulerFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "", nil })
	ctx := context.Background()
	f.clock.Set(utc("2026-03-01T09:59:30Z"))
	task := f.create(t, everyFiveMinutes("toggle", true))

	f.tickAt(utc("2026-03-01T10:00:00Z"))
	f.tickAt(utc("2026-03-01T10:05:00Z"))

	f.clock.Set(utc("2026-03-01T10:07:00Z"))
	_, err := f.registry.SetEnabled(ctx, task.ID, false)
	require.NoError(t, err)
	assert.Zero(t, f.tickAt(utc("2026-03-01T10:10:00Z")))
	assert.Zero(t, f.tickAt(utc("2026-03-01T10:15:00Z")))

	f.clock.Set(utc("2026-03-01T10:17:00Z"))
	_, err = f.registry.SetEnabled(ctx, task.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tickAt(utc("2026-03-01T10:20:00Z")))

	recs := f.store.executions(task.ID)
	require.Len(t, recs, 3)
	assert.True(t, utc("2026-03-01T10:20:00Z").Equal(recs[0].StartedAt))
}

func TestScheduler_ManualRunBlocksScheduledOccurrence(t *testing.T) {
	f := newSchedulerFixture(t)
	release := make(chan struct{})
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) {
		<-release
		return "", nil
	})
	f.clock.Set(utc("2026-03-01T09:59:30Z"))
	task := f.create(t, everyFiveMinutes("race", true))

	f.clock.Set(utc("2026-03-01T09:59:50Z"))
	manual, err := f.exec.Dispatch(context.Background(), task, TriggerManual)
	require.NoError(t, err)

	at := utc("2026-03-01T10:00:00Z")
	f.clock.Set(at)
	assert.Equal(t, 1, f.sched.Tick(context.Background(), at))
	// The scheduled goroutine hits the overlap guard and leaves no record.
	f.sched.inflight.Wait()
	assert.True(t, f.exec.Running(task.ID))
	close(release)
	f.sched.Wait()

	recs := f.store.executions(task.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, manual.ID, recs[0].ID)
	assert.Equal(t, TriggerManual, recs[0].TriggeredBy)
}

func TestScheduler_ScheduledRunBlocksManual(t *testing.T) {
	f := newSchedulerFixture(t)
	release := make(chan struct{})
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) {
		<-release
		return "", nil
	})
	f.clock.Set(utc("2026-03-01T09:59:30Z"))
	task := f.create(t, everyFiveMinutes("race2", true))

	at := utc("2026-03-01T10:00:00Z")
	f.clock.Set(at)
	require.Equal(t, 1, f.sched.Tick(context.Background(), at))
	require.Eventually(t, func() bool { return f.exec.Running(task.ID) }, 2*time.Second, time.Millisecond)

	_, err := f.exec.Dispatch(context.Background(), task, TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	f.sched.Wait()
	recs := f.store.executions(task.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, TriggerSchedule, recs[0].TriggeredBy)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newSchedulerFixture(t)
	f.bodies.Register("noop", func(context.Context, json.RawMessage) (string, error) { return "", nil })
	f.clock.Set(utc("2026-03-01T09:59:30Z"))
	task := f.create(t, everyFiveMinutes("loop", true))
	f.clock.Set(utc("2026-03-01T10:00:00Z"))

	f.sched.Start(context.Background())
	f.sched.Start(context.Background())
	require.Eventually(t, func() bool {
		recs := f.store.executions(task.ID)
		return len(recs) == 1 && recs[0].Status == StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-f.sched.Stop().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestClampTickInterval(t *testing.T) {
	assert.Equal(t, DefaultTickInterval, ClampTickInterval(0))
	assert.Equal(t, time.Second, ClampTickInterval(10*time.Millisecond))
	assert.Equal(t, time.Minute, ClampTickInterval(time.Hour))
	assert.Equal(t, 15*time.Second, ClampTickInterval(15*time.Second))
}
