package core

import (
	"encoding/json"
	"time"
)

// ExecutionStatus describes the state of a single occurrence. It doubles as
// the lastStatus of a task definition.
type ExecutionStatus string

const (
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Trigger records what started an occurrence.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// TaskDefinition is a named, schedulable unit of work.
type TaskDefinition struct {
	ID             string
	Name           string
	TaskType       string
	CronExpression string
	Enabled        bool
	Config         json.RawMessage
	TimeoutSeconds int
	RetryOnFailure bool

	// Derived fields, mutated only by the engine. LastRun is the start of the
	// most recent occurrence, set when it begins; RunCount and a terminal
	// LastStatus follow only once it finishes.
	LastRun    *time.Time
	LastStatus ExecutionStatus
	NextRun    *time.Time
	RunCount   int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timeout returns the per-attempt deadline.
func (t *TaskDefinition) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy so callers never share state with the registry.
func (t *TaskDefinition) Clone() *TaskDefinition {
	if t == nil {
		return nil
	}
	c := *t
	if t.Config != nil {
		c.Config = append(json.RawMessage(nil), t.Config...)
	}
	if t.LastRun != nil {
		v := *t.LastRun
		c.LastRun = &v
	}
	if t.NextRun != nil {
		v := *t.NextRun
		c.NextRun = &v
	}
	return &c
}

// ExecutionRecord captures one occurrence of a task, manual or scheduled.
// TaskName is a snapshot taken at dispatch so history survives deletion of
// the definition.
type ExecutionRecord struct {
	ID          string
	TaskID      string
	TaskName    string
	TaskType    string
	Status      ExecutionStatus
	TriggeredBy Trigger
	StartedAt   time.Time
	FinishedAt  *time.Time
	Duration    time.Duration
	Attempts    int
	Output      string
	Error       string
}

// TaskInput carries the user-supplied fields of a new definition.
type TaskInput struct {
	Name           string
	TaskType       string
	CronExpression string
	Enabled        bool
	Config         json.RawMessage
	TimeoutSeconds int
	RetryOnFailure bool
}

// TaskPatch updates a definition; nil fields are left unchanged.
type TaskPatch struct {
	Name           *string
	TaskType       *string
	CronExpression *string
	Enabled        *bool
	Config         *json.RawMessage
	TimeoutSeconds *int
	RetryOnFailure *bool
}

// ExecutionQuery bounds a history listing. Zero Since/Until are open ends.
type ExecutionQuery struct {
	Offset int
	Limit  int
	Since  time.Time
	Until  time.Time
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Normalize applies paging defaults.
func (q ExecutionQuery) Normalize() ExecutionQuery {
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// CronValidation is the interactive feedback for a cron expression.
type CronValidation struct {
	Valid    bool
	Error    string
	NextRuns []time.Time
	Notes    []string
}
