package store

import (
	"context"
	"time"

	"wikinovel/api/internal/voting"
)

// Store is implemented by PostgresStore and MemoryStore. Lookups of missing
// rows return sql.ErrNoRows.
type Store interface {
	Ping(ctx context.Context) error
	EnsureEntity(ctx context.Context, ref voting.EntityRef, text, updatedBy string) error
	GetEntity(ctx context.Context, ref voting.EntityRef) (Entity, error)
	ListEntities(ctx context.Context, novelID string) ([]Entity, error)
	CountEntities(ctx context.Context) (int, error)

	CreateProposal(ctx context.Context, proposal Proposal) error
	GetProposal(ctx context.Context, proposalID string) (Proposal, error)
	ListProposalsByEntity(ctx context.Context, ref voting.EntityRef) ([]Proposal, error)
	ListProposalsByNovel(ctx context.Context, novelID string) ([]Proposal, error)
	ListProposalsByProposer(ctx context.Context, userID string) ([]Proposal, error)
	ListPendingForSweep(ctx context.Context, now time.Time, limit int) ([]Proposal, error)
	DeleteProposal(ctx context.Context, proposalID string) error
	IncrementViews(ctx context.Context, proposalID string) (int64, error)

	CastVote(ctx context.Context, vote Vote, check func(Proposal) error) error
	ListVotes(ctx context.Context, proposalID string) ([]Vote, error)
	Transition(ctx context.Context, proposalID string, now time.Time, decide DecideFunc) (TransitionResult, error)

	RecordContribution(ctx context.Context, contribution Contribution) error
	TotalContribution(ctx context.Context, novelID, userID string) (int64, error)
	ContributionsByCategory(ctx context.Context, novelID, userID string) (map[string]int64, error)
	ApprovedCountsBetween(ctx context.Context, start, end time.Time) (map[voting.EntityRef]int64, error)

	InsertComment(ctx context.Context, comment Comment) error
	ListComments(ctx context.Context, proposalID string) ([]Comment, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
