package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wikinovel/api/internal/voting"
)

type Entry struct {
	Rank   int              `json:"rank"`
	Entity voting.EntityRef `json:"entity"`
	Count  int64            `json:"count"`
}

type Rollup struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	ByViews     []Entry   `json:"byViews"`
	ByApprovals []Entry   `json:"byApprovals"`
}

type ViewSource interface {
	ViewsBetween(ctx context.Context, start, end time.Time) (map[voting.EntityRef]int64, error)
}

type ApprovalSource interface {
	ApprovedCountsBetween(ctx context.Context, start, end time.Time) (map[voting.EntityRef]int64, error)
}

type Aggregator struct {
	views     ViewSource
	approvals ApprovalSource
}

func NewAggregator(views ViewSource, approvals ApprovalSource) *Aggregator {
	return &Aggregator{views: views, approvals: approvals}
}

func (a *Aggregator) Rollup(ctx context.Context, start, end time.Time) (Rollup, error) {
	if !start.Before(end) {
		return Rollup{}, fmt.Errorf("rollup window is empty: %s >= %s", start, end)
	}
	views := map[voting.EntityRef]int64{}
	if a.views != nil {
		counted, err := a.views.ViewsBetween(ctx, start, end)
		if err != nil {
			return Rollup{}, fmt.Errorf("rollup views: %w", err)
		}
		views = counted
	}
	approvals, err := a.approvals.ApprovedCountsBetween(ctx, start, end)
	if err != nil {
		return Rollup{}, fmt.Errorf("rollup approvals: %w", err)
	}
	return Build(start, end, views, approvals), nil
}

func Build(start, end time.Time, views, approvals map[voting.EntityRef]int64) Rollup {
	return Rollup{
		WindowStart: start,
		WindowEnd:   end,
		ByViews:     Rank(views),
		ByApprovals: Rank(approvals),
	}
}

// Rank orders entities by count descending, then by reference. Entities with
// a zero count are left out.
func Rank(counts map[voting.EntityRef]int64) []Entry {
	entries := make([]Entry, 0, len(counts))
	for ref, count := range counts {
		if count <= 0 {
			continue
		}
		entries = append(entries, Entry{Entity: ref, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Entity.String() < entries[j].Entity.String()
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
