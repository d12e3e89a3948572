package store

import (
	"time"

	"wikinovel/api/internal/voting"
)

type Entity struct {
	Ref       voting.EntityRef
	Text      string
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
}

type Proposal struct {
	ID           string
	Entity       voting.EntityRef
	ProposerID   string
	Title        string
	Reason       string
	OriginalText string
	ProposedText string
	BaseVersion  int64
	Status       voting.Status
	Views        int64
	Supersedes   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ResolvedAt   *time.Time
}

func (p Proposal) Subject() voting.Subject {
	return voting.Subject{Status: p.Status, BaseVersion: p.BaseVersion, ExpiresAt: p.ExpiresAt}
}

type Vote struct {
	ID         string
	ProposalID string
	UserID     string
	Type       voting.VoteType
	Weight     int
	CreatedAt  time.Time
}

func Ballots(votes []Vote) []voting.Ballot {
	ballots := make([]voting.Ballot, 0, len(votes))
	for _, vote := range votes {
		ballots = append(ballots, voting.Ballot{Type: vote.Type, Weight: vote.Weight})
	}
	return ballots
}

type Comment struct {
	ID         string
	ProposalID string
	AuthorID   string
	Body       string
	CreatedAt  time.Time
}

const CategoryAdjustment = "adjustment"

type Contribution struct {
	ID         int64
	NovelID    string
	UserID     string
	CharCount  int
	Category   string
	ProposalID string
	CreatedAt  time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
	Added     int
	Removed   int
}

// Snapshot is what a transition decision is computed from. All of it is
// read under the same locks the transition is written under.
type Snapshot struct {
	Proposal Proposal
	Entity   Entity
	Votes    []Vote
	Tally    voting.Tally
}

type DecideFunc func(Snapshot) voting.Decision

type TransitionResult struct {
	Proposal      Proposal
	From          voting.Status
	Decision      voting.Decision
	Tally         voting.Tally
	Changed       bool
	Applied       bool
	EntityVersion int64
	Credited      int
}
