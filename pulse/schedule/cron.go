package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/relay/errors"
)

// parser accepts standard 5-field expressions, an optional leading seconds
// field and descriptors such as @hourly or @every 5m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates a cron expression
func Parse(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.NewInvalidRequestError("empty cron expression")
	}

	sched, err := parser.Parse(e)
	if err != nil {
		return nil, errors.WithDetailf(
			errors.Wrap(errors.ErrInvalidRequest, err.Error()),
			"Expression: %s", expr)
	}
	return sched, nil
}

// NextFire returns the first fire time of expr strictly after after, in UTC
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, errors.NewInvalidRequestError("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}
