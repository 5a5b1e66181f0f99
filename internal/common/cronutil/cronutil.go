// Package cronutil parses 5-field cron expressions and computes firing times
// in a per-schedule IANA timezone.
package cronutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions: minute hour dom month dow.
// Fields may be *, lists, ranges, and steps. Day-of-week: 0=Sun..6=Sat.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Parse validates the expression in the given timezone and returns the
// schedule. An empty timezone means UTC.
func Parse(expression, timezone string) (cron.Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	if strings.HasPrefix(expression, "@") {
		return nil, fmt.Errorf("descriptor expressions are not supported: %s", expression)
	}

	spec := "CRON_TZ=" + normalizeTimezone(timezone) + " " + expression

	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return sched, nil
}

// Validate checks both the expression and the timezone at write time so
// configuration errors never reach the scheduler.
func Validate(expression, timezone string) error {
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
	}
	_, err := Parse(expression, timezone)
	return err
}

// NextRun computes the next firing strictly after the given instant, in the
// schedule's timezone.
func NextRun(expression, timezone string, after time.Time) (time.Time, error) {
	sched, err := Parse(expression, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no future firing for expression %q", expression)
	}
	return next, nil
}

func normalizeTimezone(timezone string) string {
	if strings.TrimSpace(timezone) == "" {
		return "UTC"
	}
	return timezone
}
