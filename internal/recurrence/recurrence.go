// Package recurrence computes cron fire times in a user's timezone.
//
// Expressions are standard 5-field crontab lines (minute, hour, day of month,
// month, day of week). Descriptors such as "@daily", a seconds field and
// inline TZ= prefixes are rejected: the timezone always comes from the
// schedule itself.
//
// DST policy:
//   - A local time that does not exist (spring-forward gap) is skipped; the
//     schedule fires at its next valid occurrence.
//   - A local time that occurs twice (fall-back overlap) fires only on its
//     first instance.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrUnknownTimezone   = errors.New("unknown timezone")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxOverlapSteps bounds the fall-back skip loop: a minutely schedule inside a
// repeated hour needs 60 steps.
const maxOverlapSteps = 1500

// Next returns the earliest instant strictly after ref at which expr fires in
// tz, in UTC.
func Next(expr, tz string, ref time.Time) (time.Time, error) {
	sched, loc, err := parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return next(sched, loc, ref)
}

// Validate reports whether expr and tz would be accepted by Next.
func Validate(expr, tz string) error {
	_, err := Next(expr, tz, time.Now())
	return err
}

// Preview returns the next n fire times after ref, in UTC.
func Preview(expr, tz string, ref time.Time, n int) ([]time.Time, error) {
	sched, loc, err := parse(expr, tz)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, max(n, 0))
	cur := ref
	for i := 0; i < n; i++ {
		t, err := next(sched, loc, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		cur = t
	}
	return out, nil
}

// LoadLocation resolves an IANA zone name. Empty and "Local" are rejected so a
// schedule never silently depends on the host's zone.
func LoadLocation(tz string) (*time.Location, error) {
	name := strings.TrimSpace(tz)
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, tz)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, tz)
	}
	return loc, nil
}

func parse(expr, tz string) (cron.Schedule, *time.Location, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return nil, nil, fmt.Errorf("%w: inline timezone not allowed", ErrInvalidExpression)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, nil, err
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return sched, loc, nil
}

func next(sched cron.Schedule, loc *time.Location, ref time.Time) (time.Time, error) {
	local := ref.In(loc)
	refWall := wallClock(local)

	t := sched.Next(local)
	for i := 0; i < maxOverlapSteps && !t.IsZero() && !wallClock(t).After(refWall); i++ {
		// second pass through a repeated local hour
		t = sched.Next(t)
	}
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("%w: never fires", ErrInvalidExpression)
	}
	return t.UTC(), nil
}

// wallClock drops the zone offset so two instants can be compared by the
// local time a user would read off a clock.
func wallClock(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, time.UTC)
}
