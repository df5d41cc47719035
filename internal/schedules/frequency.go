package schedules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pingbot/internal/recurrence"
)

type FrequencyKind string

const (
	Daily    FrequencyKind = "daily"
	Weekdays FrequencyKind = "weekdays"
	Weekly   FrequencyKind = "weekly"
	Monthly  FrequencyKind = "monthly"
	Custom   FrequencyKind = "custom"
)

// Frequency is the structured form of a schedule as picked in a UI.
type Frequency struct {
	Kind       FrequencyKind
	Hour       int
	Minute     int
	Days       []time.Weekday // Weekly; empty means Monday
	DayOfMonth int            // Monthly; 0 means 1
	Expression string         // Custom
}

// BuildCron composes a 5-field cron expression for f.
func BuildCron(f Frequency) (string, error) {
	if f.Kind == Custom {
		expr := strings.Join(strings.Fields(f.Expression), " ")
		if expr == "" {
			return "", fmt.Errorf("%w: custom frequency needs an expression", recurrence.ErrInvalidExpression)
		}
		if err := recurrence.Validate(expr, "UTC"); err != nil {
			return "", err
		}
		return expr, nil
	}
	if f.Hour < 0 || f.Hour > 23 {
		return "", fmt.Errorf("invalid hour %d", f.Hour)
	}
	if f.Minute < 0 || f.Minute > 59 {
		return "", fmt.Errorf("invalid minute %d", f.Minute)
	}

	switch f.Kind {
	case Daily, "":
		return fmt.Sprintf("%d %d * * *", f.Minute, f.Hour), nil
	case Weekdays:
		return fmt.Sprintf("%d %d * * 1-5", f.Minute, f.Hour), nil
	case Weekly:
		days, err := weekdayList(f.Days)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %s", f.Minute, f.Hour, days), nil
	case Monthly:
		dom := f.DayOfMonth
		if dom == 0 {
			dom = 1
		}
		if dom < 1 || dom > 31 {
			return "", fmt.Errorf("invalid day of month %d", dom)
		}
		return fmt.Sprintf("%d %d %d * *", f.Minute, f.Hour, dom), nil
	default:
		return "", fmt.Errorf("unknown frequency %q", f.Kind)
	}
}

// weekdayList renders days in cron numbering (Sunday=0), sorted and unique.
func weekdayList(days []time.Weekday) (string, error) {
	if len(days) == 0 {
		return strconv.Itoa(int(time.Monday)), nil
	}
	seen := map[time.Weekday]bool{}
	nums := make([]int, 0, len(days))
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return "", fmt.Errorf("invalid weekday %d", d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		nums = append(nums, int(d))
	}
	sort.Ints(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ","), nil
}
