package heartbeat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week).
type CronSchedule struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// cronField is the set of accepted values for one position.
// A nil set means "*" (any value).
type cronField map[int]struct{}

func (f cronField) matches(v int) bool {
	if f == nil {
		return true
	}
	_, ok := f[v]
	return ok
}

// ParseCron parses a five-field cron expression. Fields support "*",
// "*/n" steps, single values, ranges "a-b" and comma lists.
func ParseCron(expr string) (CronSchedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return CronSchedule{}, fmt.Errorf("expected 5 fields, got %d in %q", len(fields), expr)
	}

	bounds := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}

	parsed := make([]cronField, 5)
	for i, raw := range fields {
		f, err := parseCronField(raw, bounds[i].min, bounds[i].max)
		if err != nil {
			return CronSchedule{}, fmt.Errorf("%s field: %w", bounds[i].name, err)
		}
		parsed[i] = f
	}

	return CronSchedule{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

func parseCronField(raw string, lo, hi int) (cronField, error) {
	if raw == "*" {
		return nil, nil
	}

	set := make(cronField)
	for part := range strings.SplitSeq(raw, ",") {
		if err := addCronPart(set, part, lo, hi); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func addCronPart(set cronField, part string, lo, hi int) error {
	// */n and a-b/n steps
	base, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid step %q", stepStr)
		}
		step = n
	}

	start, end := lo, hi
	switch {
	case base == "*":
		// full range
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		var err error
		if start, err = parseCronValue(a, lo, hi); err != nil {
			return err
		}
		if end, err = parseCronValue(b, lo, hi); err != nil {
			return err
		}
		if start > end {
			return fmt.Errorf("inverted range %q", base)
		}
	default:
		v, err := parseCronValue(base, lo, hi)
		if err != nil {
			return err
		}
		if hasStep {
			start, end = v, hi
		} else {
			set[v] = struct{}{}
			return nil
		}
	}

	for v := start; v <= end; v += step {
		set[v] = struct{}{}
	}
	return nil
}

func parseCronValue(s string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", v, lo, hi)
	}
	return v, nil
}

// Matches reports whether t falls within a minute the schedule fires on.
// Standard cron OR semantics apply when both day fields are restricted.
func (c CronSchedule) Matches(t time.Time) bool {
	if !c.minute.matches(t.Minute()) || !c.hour.matches(t.Hour()) || !c.month.matches(int(t.Month())) {
		return false
	}

	domMatch := c.dayOfMonth.matches(t.Day())
	dowMatch := c.dayOfWeek.matches(int(t.Weekday()))

	if c.dayOfMonth != nil && c.dayOfWeek != nil {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

// NextAfter returns the first matching minute strictly after t, or the
// zero time if none is found within four years (an impossible schedule
// such as Feb 30).
func (c CronSchedule) NextAfter(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for candidate.Before(limit) {
		if c.Matches(candidate) {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}
}
