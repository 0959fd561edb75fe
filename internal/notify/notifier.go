package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cronkeeper/internal/core"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a message out to every notifier and joins their errors.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many notifiers are configured.
func (m *MultiNotifier) Len() int { return len(m.notifiers) }

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

const sendTimeout = 15 * time.Second

// FailureHook returns a completion hook that reports failed occurrences
// through n. Send errors are logged and dropped.
func FailureHook(n Notifier, logger zerolog.Logger) core.CompletionHook {
	logger = logger.With().Str("component", "notify").Logger()
	return func(ctx context.Context, task *core.TaskDefinition, rec *core.ExecutionRecord) {
		if rec.Status != core.StatusFailed {
			return
		}
		title, body := failureMessage(task, rec)
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := n.Send(sendCtx, title, body); err != nil {
			logger.Warn().Str("task_id", rec.TaskID).Str("run_id", rec.ID).Err(err).Msg("send failure notification")
		}
	}
}

func failureMessage(task *core.TaskDefinition, rec *core.ExecutionRecord) (string, string) {
	name := rec.TaskName
	if task != nil && task.Name != "" {
		name = task.Name
	}
	body := rec.Error
	if rec.Attempts > 1 {
		body = fmt.Sprintf("%s (after %d attempts)", body, rec.Attempts)
	}
	return name + " failed", body
}
