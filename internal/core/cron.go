package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SearchHorizon bounds the occurrence search so an expression that can never
// match (e.g. Feb 30) terminates.
const SearchHorizon = 4 * 366 * 24 * time.Hour

// robfig marks fields written as "*" or "?" with the top bit.
const starBit = 1 << 63

var fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

const (
	noteDomDowOR   = "day-of-month and day-of-week are both restricted: a day matches when either field matches"
	noteNeverMatch = "expression never matches within the next 4 years"
)

// Schedule is a parsed 5-field cron expression.
type Schedule struct {
	expr string
	spec *cron.SpecSchedule
}

// ParseCron ensures the expression is a valid 5-field cron definition.
func ParseCron(expr string) (*Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrInvalidCron)
	}
	if strings.HasPrefix(trimmed, "@") {
		return nil, fmt.Errorf("%w: only 5-field cron expressions are supported", ErrInvalidCron)
	}
	if strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: time zone prefixes are not supported", ErrInvalidCron)
	}
	fields := strings.Fields(trimmed)
	if len(fields) != len(fieldNames) {
		return nil, fmt.Errorf("%w: expected 5 fields (minute hour day-of-month month day-of-week), found %d", ErrInvalidCron, len(fields))
	}
	parsed, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, describeFieldError(fields, err))
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported schedule form", ErrInvalidCron)
	}
	// Pin matching to the location of the instant passed to Next.
	spec.Location = time.Local
	return &Schedule{expr: strings.Join(fields, " "), spec: spec}, nil
}

// describeFieldError names the first field that fails on its own.
func describeFieldError(fields []string, fallback error) string {
	for i := range fields {
		probe := []string{"*", "*", "*", "*", "*"}
		probe[i] = fields[i]
		if _, err := cronParser.Parse(strings.Join(probe, " ")); err != nil {
			return fmt.Sprintf("%s field: %v", fieldNames[i], err)
		}
	}
	return fallback.Error()
}

// String returns the normalized expression.
func (s *Schedule) String() string { return s.expr }

// Next returns the first matching instant strictly after the given one, in
// the location of after. ok is false when nothing matches within SearchHorizon.
func (s *Schedule) Next(after time.Time) (time.Time, bool) {
	next := s.spec.Next(after)
	if next.IsZero() || !next.After(after) || next.Sub(after) > SearchHorizon {
		return time.Time{}, false
	}
	return next, true
}

// NextN returns up to count ascending matches after the given instant.
func (s *Schedule) NextN(after time.Time, count int) []time.Time {
	times := make([]time.Time, 0, max(count, 0))
	next := after
	for i := 0; i < count; i++ {
		t, ok := s.Next(next)
		if !ok || t.Sub(after) > SearchHorizon {
			break
		}
		times = append(times, t)
		next = t
	}
	return times
}

// DayFieldsOR reports whether both day fields are restricted, in which case a
// date matches when either of them does.
func (s *Schedule) DayFieldsOR() bool {
	return s.spec.Dom&starBit == 0 && s.spec.Dow&starBit == 0
}

// Validate reports whether expr is a usable 5-field expression. It never
// panics; the error carries a human-readable reason.
func Validate(expr string) (bool, error) {
	if _, err := ParseCron(expr); err != nil {
		return false, err
	}
	return true, nil
}

// NextOccurrences returns up to count matches strictly after the given
// instant, or nil when the expression is invalid.
func NextOccurrences(expr string, after time.Time, count int) []time.Time {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil
	}
	return sched.NextN(after, count)
}

// ValidateCronExpression builds the interactive feedback for an expression:
// validity, up to count upcoming matches after now, and notes on semantics
// users commonly trip over.
func ValidateCronExpression(expr string, now time.Time, count int) CronValidation {
	if count <= 0 {
		count = 5
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return CronValidation{Valid: false, Error: err.Error()}
	}
	res := CronValidation{Valid: true, NextRuns: sched.NextN(now, count)}
	if sched.DayFieldsOR() {
		res.Notes = append(res.Notes, noteDomDowOR)
	}
	if len(res.NextRuns) == 0 {
		res.Notes = append(res.Notes, noteNeverMatch)
	}
	return res
}
