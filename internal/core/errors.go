package core

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrAlreadyRunning    = errors.New("task is already running")
	ErrInvalidDefinition = errors.New("invalid task definition")
	ErrInvalidCron       = errors.New("invalid cron expression")
)

// NoRetry marks a task failure as permanent so the retry policy skips the
// second attempt.
//
//	return "", core.NoRetry(fmt.Errorf("decode config: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

func invalidDefinition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}
