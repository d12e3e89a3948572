package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	"wikinovel/api/internal/rbac"
	"wikinovel/api/internal/store"
	"wikinovel/api/internal/util"
	"wikinovel/api/internal/voting"
)

const defaultProposalTitle = "Untitled proposal"

type EntityRefInput struct {
	NovelID string `json:"novelId" validate:"required,max=128"`
	Field   string `json:"field" validate:"required"`
}

type CreateProposalInput struct {
	EntityRef    EntityRefInput `json:"entityRef"`
	ProposedText string         `json:"proposedText" validate:"required,max=200000"`
	Reason       string         `json:"reason" validate:"max=4000"`
	Title        string         `json:"title" validate:"max=200"`
}

type ResubmitInput struct {
	ProposedText string `json:"proposedText" validate:"max=200000"`
	Reason       string `json:"reason" validate:"max=4000"`
	Title        string `json:"title" validate:"max=200"`
}

func (s *Service) SubmitProposal(ctx context.Context, session Session, input CreateProposalInput) (ProposalView, error) {
	if !s.Can(session.Role, rbac.ActionPropose) {
		return ProposalView{}, forbiddenError("Your role cannot submit proposals")
	}
	if err := s.validateInput(input); err != nil {
		return ProposalView{}, err
	}
	field, ok := voting.ParseField(input.EntityRef.Field)
	if !ok {
		return ProposalView{}, validationError("Unknown entity field", map[string]any{"allowed": voting.Fields})
	}
	ref := voting.EntityRef{NovelID: strings.TrimSpace(input.EntityRef.NovelID), Field: field}
	proposal, err := s.createProposal(ctx, session.UserID, ref, input.ProposedText, input.Reason, input.Title, "")
	if err != nil {
		return ProposalView{}, err
	}
	return proposalView(proposal), nil
}

// createProposal snapshots the entity text and version into a new pending
// proposal. The snapshot never changes afterwards.
func (s *Service) createProposal(ctx context.Context, proposerID string, ref voting.EntityRef, proposedText, reason, title, supersedes string) (store.Proposal, error) {
	if strings.TrimSpace(proposedText) == "" {
		return store.Proposal{}, validationError("proposedText is required", map[string]any{"field": "proposedText"})
	}
	entity, err := s.store.GetEntity(ctx, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Proposal{}, notFoundError("Entity not found")
		}
		return store.Proposal{}, err
	}
	if proposedText == entity.Text {
		return store.Proposal{}, validationError("Proposed text is identical to the current text", map[string]any{"field": "proposedText"})
	}

	title = s.clean(title)
	if title == "" {
		title = defaultProposalTitle
	}
	now := s.now().UTC()
	proposal := store.Proposal{
		ID:           util.NewID("prop"),
		Entity:       ref,
		ProposerID:   proposerID,
		Title:        title,
		Reason:       s.clean(reason),
		OriginalText: entity.Text,
		ProposedText: proposedText,
		BaseVersion:  entity.Version,
		Status:       voting.StatusPending,
		Supersedes:   supersedes,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.VotingWindow()),
	}
	if err := s.store.CreateProposal(ctx, proposal); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate) && supersedes != "":
			return store.Proposal{}, conflictError(http.StatusConflict, "ALREADY_RESUBMITTED", "Proposal has already been resubmitted", map[string]any{"proposalId": supersedes})
		case errors.Is(err, sql.ErrNoRows):
			return store.Proposal{}, notFoundError("Entity not found")
		}
		return store.Proposal{}, err
	}
	return proposal, nil
}

func (s *Service) loadProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Proposal{}, notFoundError("Proposal not found")
		}
		return store.Proposal{}, err
	}
	return proposal, nil
}

// GetProposal evaluates a pending proposal before returning it, so callers
// never see a proposal whose window has silently closed.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (ProposalDetail, error) {
	proposal, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return ProposalDetail{}, err
	}
	if proposal.Status == voting.StatusPending {
		result, err := s.evaluate(ctx, proposal.ID)
		if err != nil {
			log.Printf("proposals: evaluate %s on read: %v", proposal.ID, err)
		} else {
			proposal = result.Proposal
		}
	}
	summary, votes, err := s.summarize(ctx, proposal)
	if err != nil {
		return ProposalDetail{}, err
	}
	voteViews := make([]VoteView, 0, len(votes))
	for _, vote := range votes {
		voteViews = append(voteViews, voteView(vote))
	}
	return ProposalDetail{
		ProposalSummary: summary,
		Votes:           voteViews,
		Diff:            voting.Diff(proposal.OriginalText, proposal.ProposedText),
	}, nil
}

func (s *Service) summarize(ctx context.Context, proposal store.Proposal) (ProposalSummary, []store.Vote, error) {
	votes, err := s.store.ListVotes(ctx, proposal.ID)
	if err != nil {
		return ProposalSummary{}, nil, err
	}
	comments, err := s.store.ListComments(ctx, proposal.ID)
	if err != nil {
		return ProposalSummary{}, nil, err
	}
	return ProposalSummary{
		ProposalView: proposalView(proposal),
		VoteCount:    len(votes),
		Tally:        voting.Count(store.Ballots(votes)),
		Comments:     commentViews(comments),
	}, votes, nil
}

func (s *Service) ListNovelProposals(ctx context.Context, novelID string) ([]ProposalSummary, error) {
	proposals, err := s.store.ListProposalsByNovel(ctx, novelID)
	if err != nil {
		return nil, err
	}
	return s.summaries(ctx, proposals)
}

func (s *Service) ListEntityProposals(ctx context.Context, novelID, fieldName string) ([]ProposalSummary, error) {
	field, ok := voting.ParseField(fieldName)
	if !ok {
		return nil, validationError("Unknown entity field", map[string]any{"allowed": voting.Fields})
	}
	proposals, err := s.store.ListProposalsByEntity(ctx, voting.EntityRef{NovelID: novelID, Field: field})
	if err != nil {
		return nil, err
	}
	return s.summaries(ctx, proposals)
}

func (s *Service) ListProposerProposals(ctx context.Context, userID string) ([]ProposalSummary, error) {
	proposals, err := s.store.ListProposalsByProposer(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.summaries(ctx, proposals)
}

// summaries resolves due proposals before listing them. Only proposals with a
// closed window or a moved entity are evaluated; open ones cannot change
// without a vote.
func (s *Service) summaries(ctx context.Context, proposals []store.Proposal) ([]ProposalSummary, error) {
	now := s.now().UTC()
	versions := map[voting.EntityRef]int64{}
	out := make([]ProposalSummary, 0, len(proposals))
	for _, proposal := range proposals {
		if proposal.Status == voting.StatusPending {
			version, ok := versions[proposal.Entity]
			if !ok {
				entity, err := s.store.GetEntity(ctx, proposal.Entity)
				if err != nil {
					return nil, err
				}
				version = entity.Version
				versions[proposal.Entity] = version
			}
			if voting.Due(proposal.Subject(), version, now) {
				result, err := s.evaluate(ctx, proposal.ID)
				if err != nil {
					log.Printf("proposals: evaluate %s on list: %v", proposal.ID, err)
				} else {
					proposal = result.Proposal
				}
			}
		}
		summary, _, err := s.summarize(ctx, proposal)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *Service) DeleteProposal(ctx context.Context, session Session, proposalID string) error {
	proposal, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if proposal.ProposerID != session.UserID {
		return forbiddenError("Only the proposer can delete this proposal")
	}
	if proposal.Status == voting.StatusApproved {
		return approvedConflict(proposal.ID)
	}
	if err := s.store.DeleteProposal(ctx, proposalID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotDeletable):
			return approvedConflict(proposal.ID)
		case errors.Is(err, sql.ErrNoRows):
			return notFoundError("Proposal not found")
		}
		return err
	}
	return nil
}

func approvedConflict(proposalID string) *DomainError {
	return conflictError(http.StatusConflict, "PROPOSAL_APPROVED", "Approved proposals cannot be deleted", map[string]any{"proposalId": proposalID})
}

// Resubmit reopens a proposal that went stale as a new pending proposal
// against the current entity text. Blank inputs keep the old values.
func (s *Service) Resubmit(ctx context.Context, session Session, proposalID string, input ResubmitInput) (ProposalView, error) {
	if !s.Can(session.Role, rbac.ActionPropose) {
		return ProposalView{}, forbiddenError("Your role cannot submit proposals")
	}
	if err := s.validateInput(input); err != nil {
		return ProposalView{}, err
	}
	previous, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	if previous.ProposerID != session.UserID {
		return ProposalView{}, forbiddenError("Only the proposer can resubmit this proposal")
	}
	if previous.Status == voting.StatusPending {
		// The entity may have moved since the last read; staleness is only
		// recorded once the proposal is evaluated.
		result, err := s.evaluate(ctx, previous.ID)
		if err != nil {
			return ProposalView{}, err
		}
		previous = result.Proposal
	}
	if previous.Status != voting.StatusNeedsReview {
		return ProposalView{}, invalidStateError("Only proposals needing review can be resubmitted", map[string]any{"status": previous.Status})
	}
	proposedText := input.ProposedText
	if strings.TrimSpace(proposedText) == "" {
		proposedText = previous.ProposedText
	}
	title := input.Title
	if strings.TrimSpace(title) == "" {
		title = previous.Title
	}
	reason := input.Reason
	if strings.TrimSpace(reason) == "" {
		reason = previous.Reason
	}
	proposal, err := s.createProposal(ctx, session.UserID, previous.Entity, proposedText, reason, title, previous.ID)
	if err != nil {
		return ProposalView{}, err
	}
	return proposalView(proposal), nil
}

// RecordView bumps the proposal's view count and feeds the weekly
// leaderboard. A leaderboard failure does not fail the view.
func (s *Service) RecordView(ctx context.Context, proposalID string) (int64, error) {
	proposal, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return 0, err
	}
	views, err := s.store.IncrementViews(ctx, proposal.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, notFoundError("Proposal not found")
		}
		return 0, err
	}
	if err := s.views.RecordView(ctx, proposal.Entity, s.now()); err != nil {
		log.Printf("leaderboard: record view for %s: %v", proposal.Entity, err)
	} else {
		s.metrics.ViewRecorded()
	}
	return views, nil
}

type CommentInput struct {
	Body string `json:"body" validate:"required,max=4000"`
}

func (s *Service) AddComment(ctx context.Context, session Session, proposalID string, input CommentInput) (CommentView, error) {
	if !s.Can(session.Role, rbac.ActionComment) {
		return CommentView{}, forbiddenError("Your role cannot comment")
	}
	if err := s.validateInput(input); err != nil {
		return CommentView{}, err
	}
	body := s.clean(input.Body)
	if body == "" {
		return CommentView{}, validationError("body is required", map[string]any{"field": "body"})
	}
	comment := store.Comment{
		ID:         util.NewID("cmt"),
		ProposalID: proposalID,
		AuthorID:   session.UserID,
		Body:       body,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentView{}, notFoundError("Proposal not found")
		}
		return CommentView{}, err
	}
	return commentViews([]store.Comment{comment})[0], nil
}
