package app

import (
	"context"
	"log"
	"net/http"

	"wikinovel/api/internal/leaderboard"
)

func (s *Service) WeeklyLeaderboard(ctx context.Context, week string) (leaderboard.Rollup, error) {
	start, end, err := leaderboard.ParseWeek(week, s.now(), s.location)
	if err != nil {
		return leaderboard.Rollup{}, validationError(err.Error(), map[string]any{"field": "week"})
	}
	return s.aggregator.Rollup(ctx, start, end)
}

type ArchiveResult struct {
	Key    string             `json:"key"`
	Rollup leaderboard.Rollup `json:"rollup"`
}

// ArchiveWeek stores the rollup of a week in object storage. An empty week
// archives the last complete week.
func (s *Service) ArchiveWeek(ctx context.Context, week string) (ArchiveResult, error) {
	if s.archive == nil {
		return ArchiveResult{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Leaderboard archive is not configured", nil, nil)
	}
	if week == "" {
		current, _ := leaderboard.WeekWindow(s.now(), s.location)
		week = current.AddDate(0, 0, -1).Format("2006-01-02")
	}
	rollup, err := s.WeeklyLeaderboard(ctx, week)
	if err != nil {
		return ArchiveResult{}, err
	}
	key, err := s.archive.PutRollup(ctx, rollup)
	if err != nil {
		return ArchiveResult{}, err
	}
	log.Printf(`{"event":"leaderboard_archived","key":"%s","views":%d,"approvals":%d}`, key, len(rollup.ByViews), len(rollup.ByApprovals))
	return ArchiveResult{Key: key, Rollup: rollup}, nil
}
