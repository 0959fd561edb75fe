package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used across the core tests.
type memStore struct {
	mu    sync.Mutex
	defs  map[string]*TaskDefinition
	execs map[string]*ExecutionRecord
	order map[string]int
	seq   int

	failSaveExecution error
	// failTerminalSaves fails this many saves of finished records.
	failTerminalSaves int
}

func newMemStore() *memStore {
	return &memStore{
		defs:  make(map[string]*TaskDefinition),
		execs: make(map[string]*ExecutionRecord),
		order: make(map[string]int),
	}
}

func (m *memStore) SaveDefinition(_ context.Context, def *TaskDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def.Clone()
	return nil
}

func (m *memStore) LoadDefinition(_ context.Context, id string) (*TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return def.Clone(), nil
}

func (m *memStore) ListDefinitions(_ context.Context) ([]*TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TaskDefinition, 0, len(m.defs))
	for _, def := range m.defs {
		out = append(out, def.Clone())
	}
	return out, nil
}

func (m *memStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.defs, id)
	return nil
}

func (m *memStore) SaveExecution(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveExecution != nil {
		return m.failSaveExecution
	}
	if m.failTerminalSaves > 0 && rec.Status.Terminal() {
		m.failTerminalSaves--
		return errors.New("terminal write failed")
	}
	cp := *rec
	m.execs[rec.ID] = &cp
	if _, ok := m.order[rec.ID]; !ok {
		m.seq++
		m.order[rec.ID] = m.seq
	}
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, taskID string, q ExecutionQuery) ([]*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionRecord
	for _, rec := range m.execs {
		if rec.TaskID != taskID {
			continue
		}
		if !q.Since.IsZero() && rec.StartedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && rec.StartedAt.After(q.Until) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] > m.order[out[j].ID] })
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) RecoverInterrupted(_ context.Context, at time.Time, reason string) ([]*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionRecord
	for _, rec := range m.execs {
		if rec.Status != StatusRunning {
			continue
		}
		finished := at
		rec.Status = StatusFailed
		rec.Error = reason
		rec.FinishedAt = &finished
		rec.Duration = at.Sub(rec.StartedAt)
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) PruneExecutions(_ context.Context, taskID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.execs {
		if rec.TaskID == taskID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return m.order[ids[i]] > m.order[ids[j]] })
	for i := keep; i < len(ids); i++ {
		delete(m.execs, ids[i])
	}
	return nil
}

func (m *memStore) executions(taskID string) []*ExecutionRecord {
	recs, _ := m.ListExecutions(context.Background(), taskID, ExecutionQuery{})
	return recs
}

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}
