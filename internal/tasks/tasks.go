// Package tasks holds the built-in task bodies.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cronkeeper/internal/core"
)

const (
	TypeCommand     = "command"
	TypeCleanup     = "cleanup"
	TypeLogRotation = "log_rotation"
	TypeMaintenance = "maintenance"
)

// HistoryStore is the store surface the maintenance body needs.
type HistoryStore interface {
	ListDefinitions(ctx context.Context) ([]*core.TaskDefinition, error)
	PruneExecutions(ctx context.Context, taskID string, keep int) error
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
	Analyze(ctx context.Context) error
}

// Deps carries what the built-ins need from the daemon.
type Deps struct {
	Store     HistoryStore
	Retention int
	Logger    zerolog.Logger
}

// Register binds every built-in to bodies. The maintenance body is only
// registered when a store is provided.
func Register(bodies *core.Bodies, deps Deps) {
	logger := deps.Logger.With().Str("component", "tasks").Logger()
	bodies.Register(TypeCommand, commandBody(logger))
	bodies.Register(TypeCleanup, Cleanup)
	bodies.Register(TypeLogRotation, RotateLog)
	if deps.Store != nil {
		bodies.Register(TypeMaintenance, maintenanceBody(deps.Store, deps.Retention))
	}
}

// decodeConfig unmarshals a task config strictly. Failures are permanent.
func decodeConfig(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return core.NoRetry(fmt.Errorf("decode config: %w", err))
	}
	return nil
}

func invalidConfig(format string, args ...any) error {
	return core.NoRetry(fmt.Errorf("invalid config: "+format, args...))
}
