package app

import (
	"context"
	"strings"

	"wikinovel/api/internal/store"
	"wikinovel/api/internal/voting"
)

type ContributionInput struct {
	CharCount int    `json:"charCount"`
	Category  string `json:"category" validate:"max=64"`
}

type ContributorStanding struct {
	NovelID    string           `json:"novelId"`
	UserID     string           `json:"userId"`
	Total      int64            `json:"total"`
	Title      string           `json:"title"`
	ByCategory map[string]int64 `json:"byCategory"`
}

// RecordContribution appends a credit to the ledger. Zero is accepted and
// writes nothing. The ledger only grows, so corrections are new rows.
func (s *Service) RecordContribution(ctx context.Context, novelID, userID string, input ContributionInput) error {
	if err := s.validateInput(input); err != nil {
		return err
	}
	if input.CharCount < 0 {
		return validationError("charCount must not be negative", map[string]any{"field": "charCount"})
	}
	if input.CharCount == 0 {
		return nil
	}
	novelID = strings.TrimSpace(novelID)
	userID = strings.TrimSpace(userID)
	if novelID == "" || userID == "" {
		return validationError("novelId and userId are required", nil)
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = store.CategoryAdjustment
	}
	return s.store.RecordContribution(ctx, store.Contribution{
		NovelID:   novelID,
		UserID:    userID,
		CharCount: input.CharCount,
		Category:  category,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) ContributorStanding(ctx context.Context, novelID, userID string) (ContributorStanding, error) {
	total, err := s.store.TotalContribution(ctx, novelID, userID)
	if err != nil {
		return ContributorStanding{}, err
	}
	byCategory, err := s.store.ContributionsByCategory(ctx, novelID, userID)
	if err != nil {
		return ContributorStanding{}, err
	}
	return ContributorStanding{
		NovelID:    novelID,
		UserID:     userID,
		Total:      total,
		Title:      voting.TitleFor(total),
		ByCategory: byCategory,
	}, nil
}
