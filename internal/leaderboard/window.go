// Package leaderboard aggregates weekly activity per entity: views recorded
// by a view counter and approvals resolved inside the week.
package leaderboard

import (
	"fmt"
	"time"
)

// WeekWindow returns the half-open week [Monday 00:00, next Monday 00:00)
// containing t, in loc.
func WeekWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 7)
}

// ParseWeek parses a YYYY-MM-DD date and returns the week window containing
// it. An empty value selects the week containing now.
func ParseWeek(value string, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if value == "" {
		start, end := WeekWindow(now, loc)
		return start, end, nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("week must be YYYY-MM-DD: %w", err)
	}
	start, end := WeekWindow(day, loc)
	return start, end, nil
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// days lists the local calendar days overlapping [start, end).
func days(start, end time.Time, loc *time.Location) []time.Time {
	local := start.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	out := make([]time.Time, 0, 7)
	for day.Before(end) {
		out = append(out, day)
		day = day.AddDate(0, 0, 1)
	}
	return out
}
