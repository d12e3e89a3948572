package voting

import (
	"context"
	"fmt"
)

// WeightFunc computes the weight a vote is stored with. It is called once
// per vote at cast time.
type WeightFunc func(ctx context.Context, userID string, ref EntityRef) (int, error)

// DefaultFallbackWeight is used for voters without any recorded contribution.
const DefaultFallbackWeight = 100

type ContributionTotals interface {
	TotalContribution(ctx context.Context, novelID, userID string) (int64, error)
}

// ContributionWeight weighs a vote by the voter's contribution total on the
// novel, falling back to a constant for voters who have not contributed.
// A voter with 1 to fallback-1 credited characters therefore weighs less than
// one with none; FloorWeight removes that dip.
func ContributionWeight(ledger ContributionTotals, fallback int) WeightFunc {
	return contributionWeight(ledger, fallback, false)
}

// FloorWeight is ContributionWeight with fallback as the minimum weight, so a
// small contribution never lowers a voter below a newcomer.
func FloorWeight(ledger ContributionTotals, fallback int) WeightFunc {
	return contributionWeight(ledger, fallback, true)
}

func contributionWeight(ledger ContributionTotals, fallback int, floor bool) WeightFunc {
	if fallback <= 0 {
		fallback = DefaultFallbackWeight
	}
	return func(ctx context.Context, userID string, ref EntityRef) (int, error) {
		total, err := ledger.TotalContribution(ctx, ref.NovelID, userID)
		if err != nil {
			return 0, fmt.Errorf("contribution weight: %w", err)
		}
		if total <= 0 || (floor && total < int64(fallback)) {
			return fallback, nil
		}
		const maxWeight = int64(^uint32(0) >> 1)
		if total > maxWeight {
			total = maxWeight
		}
		return int(total), nil
	}
}

func FixedWeight(weight int) WeightFunc {
	if weight <= 0 {
		weight = DefaultFallbackWeight
	}
	return func(context.Context, string, EntityRef) (int, error) {
		return weight, nil
	}
}
