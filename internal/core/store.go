package core

import (
	"context"
	"time"
)

// Store is the persistence contract the engine consumes. Implementations
// return ErrTaskNotFound / ErrExecutionNotFound for missing rows and must be
// durable once a call returns nil.
type Store interface {
	// SaveDefinition inserts or replaces the full definition row.
	SaveDefinition(ctx context.Context, def *TaskDefinition) error
	LoadDefinition(ctx context.Context, id string) (*TaskDefinition, error)
	ListDefinitions(ctx context.Context) ([]*TaskDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// SaveExecution inserts or replaces an execution record by ID.
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	// ListExecutions returns a task's records, newest first.
	ListExecutions(ctx context.Context, taskID string, q ExecutionQuery) ([]*ExecutionRecord, error)
}

// ExecutionGetter is implemented by stores that can fetch a single record.
type ExecutionGetter interface {
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
}

// InterruptRecoverer finalizes records left running by a previous process.
type InterruptRecoverer interface {
	RecoverInterrupted(ctx context.Context, at time.Time, reason string) ([]*ExecutionRecord, error)
}

// HistoryPruner trims a task's history to the newest keep records.
type HistoryPruner interface {
	PruneExecutions(ctx context.Context, taskID string, keep int) error
}
