package leaderboard

import (
	"context"
	"sync"
	"time"

	"wikinovel/api/internal/voting"
)

type ViewCounter interface {
	RecordView(ctx context.Context, ref voting.EntityRef, at time.Time) error
	ViewsBetween(ctx context.Context, start, end time.Time) (map[voting.EntityRef]int64, error)
}

// MemoryViewCounter buckets views per local day, like the Redis counter.
type MemoryViewCounter struct {
	mu   sync.Mutex
	loc  *time.Location
	days map[string]map[voting.EntityRef]int64
}

func NewMemoryViewCounter(loc *time.Location) *MemoryViewCounter {
	if loc == nil {
		loc = time.Local
	}
	return &MemoryViewCounter{loc: loc, days: make(map[string]map[voting.EntityRef]int64)}
}

func (c *MemoryViewCounter) RecordView(_ context.Context, ref voting.EntityRef, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := dayKey(at, c.loc)
	bucket, ok := c.days[key]
	if !ok {
		bucket = make(map[voting.EntityRef]int64)
		c.days[key] = bucket
	}
	bucket[ref]++
	return nil
}

func (c *MemoryViewCounter) ViewsBetween(_ context.Context, start, end time.Time) (map[voting.EntityRef]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	totals := map[voting.EntityRef]int64{}
	for _, day := range days(start, end, c.loc) {
		for ref, count := range c.days[dayKey(day, c.loc)] {
			totals[ref] += count
		}
	}
	return totals, nil
}
