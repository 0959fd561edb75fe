package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTickInterval = 30 * time.Second
	minTickInterval     = time.Second
	maxTickInterval     = time.Minute
)

// Scheduler is the dispatch loop: once per tick it claims the due tasks from
// the registry and hands each to the executor without waiting for it.
type Scheduler struct {
	registry *Registry
	executor *Executor
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	stopCh   chan struct{}
	loopDone chan struct{}

	inflight sync.WaitGroup
}

// NewScheduler constructs a dispatch loop with the given tick interval,
// clamped to [1s, 1m].
func NewScheduler(registry *Registry, executor *Executor, logger zerolog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		registry: registry,
		executor: executor,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		interval: ClampTickInterval(interval),
		now:      time.Now,
	}
}

// ClampTickInterval bounds a configured tick interval.
func ClampTickInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTickInterval
	case d < minTickInterval:
		return minTickInterval
	case d > maxTickInterval:
		return maxTickInterval
	default:
		return d
	}
}

// Start begins the tick loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.loopDone)
	s.logger.Info().Dur("interval", s.interval).Msg("dispatch loop started")
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Stop ends the tick loop. The returned context is done once the loop has
// exited and every in-flight occurrence has finished or timed out.
func (s *Scheduler) Stop() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	stopCh, loopDone := s.stopCh, s.loopDone
	s.stopCh, s.loopDone = nil, nil
	s.mu.Unlock()

	go func() {
		defer cancel()
		if stopCh != nil {
			close(stopCh)
			<-loopDone
		}
		s.Wait()
		s.logger.Info().Msg("dispatch loop stopped")
	}()
	return ctx
}

// Tick evaluates the registry at the given instant and dispatches every due
// task as a scheduled occurrence. It returns the number of tasks handed to
// the executor; tasks still running are skipped by the overlap guard.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due := s.registry.ClaimDue(ctx, now)
	for _, task := range due {
		task := task
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.dispatch(ctx, task)
		}()
	}
	if len(due) > 0 {
		s.logger.Debug().Int("due", len(due)).Time("at", now).Msg("tick dispatched")
	}
	return len(due)
}

func (s *Scheduler) dispatch(ctx context.Context, task *TaskDefinition) {
	_, err := s.executor.Execute(ctx, task, TriggerSchedule)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Debug().Str("task_id", task.ID).Msg("skipping occurrence: task already running")
	default:
		s.logger.Error().Str("task_id", task.ID).Err(err).Msg("execute scheduled task")
	}
}

// Wait blocks until every occurrence dispatched so far has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
	s.executor.Wait()
}
