package leaderboard

import (
	"testing"
	"time"
)

func TestWeekWindow(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, loc)

	cases := []struct {
		name string
		at   time.Time
	}{
		{"monday midnight", monday},
		{"wednesday afternoon", time.Date(2026, 3, 4, 15, 30, 0, 0, loc)},
		{"sunday last second", time.Date(2026, 3, 8, 23, 59, 59, 0, loc)},
		{"utc instant still inside local week", time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := WeekWindow(tc.at, loc)
			if !start.Equal(monday) {
				t.Fatalf("expected start %s, got %s", monday, start)
			}
			if !end.Equal(monday.AddDate(0, 0, 7)) {
				t.Fatalf("expected end a week later, got %s", end)
			}
		})
	}

	start, _ := WeekWindow(monday.AddDate(0, 0, 7), loc)
	if !start.Equal(monday.AddDate(0, 0, 7)) {
		t.Fatal("next monday midnight belongs to the next week")
	}
}

func TestParseWeek(t *testing.T) {
	start, end, err := ParseWeek("2026-03-05", time.Time{}, time.UTC)
	if err != nil {
		t.Fatalf("ParseWeek() error = %v", err)
	}
	if start.Format("2006-01-02") != "2026-03-02" || end.Format("2006-01-02") != "2026-03-09" {
		t.Fatalf("unexpected window %s - %s", start, end)
	}
	if _, _, err := ParseWeek("March 5", time.Time{}, time.UTC); err == nil {
		t.Fatal("expected parse error")
	}
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	start, _, _ = ParseWeek("", now, time.UTC)
	if start.Format("2006-01-02") != "2026-03-09" {
		t.Fatalf("expected current week, got %s", start)
	}
}
