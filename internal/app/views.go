package app

import (
	"time"

	"wikinovel/api/internal/store"
	"wikinovel/api/internal/voting"
)

type ProposalView struct {
	ID           string           `json:"id"`
	Entity       voting.EntityRef `json:"entityRef"`
	ProposerID   string           `json:"proposerId"`
	Title        string           `json:"title"`
	Reason       string           `json:"reason"`
	OriginalText string           `json:"originalText"`
	ProposedText string           `json:"proposedText"`
	BaseVersion  int64            `json:"baseVersion"`
	Status       voting.Status    `json:"status"`
	Views        int64            `json:"views"`
	Supersedes   string           `json:"supersedes,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	ResolvedAt   *time.Time       `json:"resolvedAt"`
}

type VoteView struct {
	ID         string          `json:"id"`
	ProposalID string          `json:"proposalId"`
	UserID     string          `json:"userId"`
	VoteType   voting.VoteType `json:"voteType"`
	Weight     int             `json:"weight"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type CommentView struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposalId"`
	AuthorID   string    `json:"authorId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

type EntityView struct {
	Entity    voting.EntityRef `json:"entityRef"`
	Text      string           `json:"text"`
	Version   int64            `json:"version"`
	UpdatedBy string           `json:"updatedBy"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ProposalSummary is one row of a proposal listing.
type ProposalSummary struct {
	ProposalView
	VoteCount int           `json:"voteCount"`
	Tally     voting.Tally  `json:"tally"`
	Comments  []CommentView `json:"comments"`
}

type ProposalDetail struct {
	ProposalSummary
	Votes []VoteView       `json:"votes"`
	Diff  voting.DiffStats `json:"diff"`
}

type CommitView struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type RevisionView struct {
	Entity voting.EntityRef `json:"entity"`
	Hash   string           `json:"hash"`
	Text   string           `json:"text"`
}

func proposalView(proposal store.Proposal) ProposalView {
	return ProposalView{
		ID:           proposal.ID,
		Entity:       proposal.Entity,
		ProposerID:   proposal.ProposerID,
		Title:        proposal.Title,
		Reason:       proposal.Reason,
		OriginalText: proposal.OriginalText,
		ProposedText: proposal.ProposedText,
		BaseVersion:  proposal.BaseVersion,
		Status:       proposal.Status,
		Views:        proposal.Views,
		Supersedes:   proposal.Supersedes,
		CreatedAt:    proposal.CreatedAt,
		ExpiresAt:    proposal.ExpiresAt,
		ResolvedAt:   proposal.ResolvedAt,
	}
}

func voteView(vote store.Vote) VoteView {
	return VoteView{
		ID:         vote.ID,
		ProposalID: vote.ProposalID,
		UserID:     vote.UserID,
		VoteType:   vote.Type,
		Weight:     vote.Weight,
		CreatedAt:  vote.CreatedAt,
	}
}

func commentViews(comments []store.Comment) []CommentView {
	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, CommentView{
			ID:         comment.ID,
			ProposalID: comment.ProposalID,
			AuthorID:   comment.AuthorID,
			Body:       comment.Body,
			CreatedAt:  comment.CreatedAt,
		})
	}
	return views
}

func entityView(entity store.Entity) EntityView {
	return EntityView{
		Entity:    entity.Ref,
		Text:      entity.Text,
		Version:   entity.Version,
		UpdatedBy: entity.UpdatedBy,
		UpdatedAt: entity.UpdatedAt,
	}
}

func commitViews(commits []store.CommitInfo) []CommitView {
	views := make([]CommitView, 0, len(commits))
	for _, commit := range commits {
		views = append(views, CommitView(commit))
	}
	return views
}
