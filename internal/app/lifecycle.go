package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"wikinovel/api/internal/rbac"
	"wikinovel/api/internal/store"
	"wikinovel/api/internal/util"
	"wikinovel/api/internal/voting"
)

type VoteInput struct {
	ProposalID string `json:"proposalId" validate:"required"`
	VoteType   string `json:"voteType" validate:"required"`
}

type VoteResult struct {
	Vote            VoteView      `json:"vote"`
	ProposalApplied bool          `json:"proposalApplied"`
	Status          voting.Status `json:"status"`
	Tally           voting.Tally  `json:"tally"`
}

// CastVote records one immutable vote and then evaluates the proposal. The
// vote stands even when that evaluation fails; the sweep retries it.
func (s *Service) CastVote(ctx context.Context, session Session, input VoteInput) (VoteResult, error) {
	if !s.Can(session.Role, rbac.ActionVote) {
		return VoteResult{}, forbiddenError("Your role cannot vote")
	}
	if err := s.validateInput(input); err != nil {
		return VoteResult{}, err
	}
	voteType, ok := voting.ParseVoteType(input.VoteType)
	if !ok {
		return VoteResult{}, validationError("voteType must be approve or reject", map[string]any{"field": "voteType"})
	}
	proposal, err := s.loadProposal(ctx, input.ProposalID)
	if err != nil {
		return VoteResult{}, err
	}
	now := s.now().UTC()
	if !voting.AcceptsVotes(proposal.Subject(), now) {
		return VoteResult{}, closedForVotes(proposal)
	}
	weight, err := s.weight(ctx, session.UserID, proposal.Entity)
	if err != nil {
		return VoteResult{}, err
	}

	vote := store.Vote{
		ID:         util.NewID("vote"),
		ProposalID: proposal.ID,
		UserID:     session.UserID,
		Type:       voteType,
		Weight:     weight,
		CreatedAt:  now,
	}
	err = s.store.CastVote(ctx, vote, func(current store.Proposal) error {
		if !voting.AcceptsVotes(current.Subject(), now) {
			return closedForVotes(current)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			return VoteResult{}, duplicateVoteError()
		case errors.Is(err, sql.ErrNoRows):
			return VoteResult{}, notFoundError("Proposal not found")
		}
		return VoteResult{}, err
	}
	s.metrics.VoteCast(string(voteType))

	result := VoteResult{Vote: voteView(vote), Status: proposal.Status}
	transition, err := s.evaluate(ctx, proposal.ID)
	if err != nil {
		log.Printf("proposals: evaluate %s after vote: %v", proposal.ID, err)
		if votes, listErr := s.store.ListVotes(ctx, proposal.ID); listErr == nil {
			result.Tally = voting.Count(store.Ballots(votes))
		}
		return result, nil
	}
	result.ProposalApplied = transition.Applied
	result.Status = transition.Proposal.Status
	result.Tally = transition.Tally
	return result, nil
}

func closedForVotes(proposal store.Proposal) *DomainError {
	return invalidStateError("Proposal is not accepting votes", map[string]any{
		"status":    proposal.Status,
		"expiresAt": proposal.ExpiresAt,
	})
}

// evaluate runs the transition rules for one proposal under the store's
// locks and fires the post-commit hooks when the status moved.
func (s *Service) evaluate(ctx context.Context, proposalID string) (store.TransitionResult, error) {
	now := s.now().UTC()
	result, err := s.store.Transition(ctx, proposalID, now, func(snapshot store.Snapshot) voting.Decision {
		return voting.Evaluate(snapshot.Proposal.Subject(), snapshot.Tally, snapshot.Entity.Version, now)
	})
	if err != nil {
		s.metrics.EvaluationFailed()
		return store.TransitionResult{}, fmt.Errorf("evaluate proposal %s: %w", proposalID, err)
	}
	if result.Changed {
		s.afterTransition(result)
	}
	return result, nil
}

func (s *Service) afterTransition(result store.TransitionResult) {
	proposal := result.Proposal
	s.metrics.Transition(string(proposal.Status))
	log.Printf(`{"event":"proposal_transition","proposal_id":"%s","entity":"%s","from":"%s","to":"%s","reason":"%s","approve_weight":%d,"total_weight":%d,"credited":%d}`,
		proposal.ID,
		proposal.Entity,
		result.From,
		proposal.Status,
		result.Decision.Reason,
		result.Tally.ApproveWeight,
		result.Tally.Total,
		result.Credited,
	)
	if !result.Applied || s.history == nil {
		return
	}
	message := fmt.Sprintf("Apply proposal %s: %s", proposal.ID, proposal.Title)
	if _, err := s.history.RecordText(proposal.Entity.NovelID, proposal.Entity.Field, proposal.ProposedText, proposal.ProposerID, message); err != nil {
		log.Printf("history: mirror %s: %v", proposal.Entity, err)
	}
}

// EvaluateProposal forces an evaluation, for moderators and the sync
// collaborator.
func (s *Service) EvaluateProposal(ctx context.Context, proposalID string) (ProposalView, error) {
	if _, err := s.loadProposal(ctx, proposalID); err != nil {
		return ProposalView{}, err
	}
	result, err := s.evaluate(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	return proposalView(result.Proposal), nil
}

type SweepReport struct {
	Evaluated   int  `json:"evaluated"`
	Approved    int  `json:"approved"`
	Rejected    int  `json:"rejected"`
	Expired     int  `json:"expired"`
	NeedsReview int  `json:"needsReview"`
	Failed      int  `json:"failed"`
	Skipped     bool `json:"skipped,omitempty"`
}

const (
	sweepBatchSize = 500
	sweepLeaseName = "proposal-sweep"
	sweepLeaseTTL  = time.Minute
)

// Sweep resolves every pending proposal whose window closed or whose entity
// moved. Concurrent calls in this process share one run.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	value, err, _ := s.sweeps.Do("sweep", func() (any, error) {
		return s.sweepOnce(ctx)
	})
	if err != nil {
		return SweepReport{}, err
	}
	return value.(SweepReport), nil
}

func (s *Service) sweepOnce(ctx context.Context) (SweepReport, error) {
	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, sweepLeaseName, sweepLeaseTTL)
		switch {
		case err != nil:
			log.Printf("lease: %v; sweeping without it", err)
		case !ok:
			return SweepReport{Skipped: true}, nil
		default:
			defer release()
		}
	}

	started := time.Now()
	defer s.metrics.ObserveSweep(started)

	now := s.now().UTC()
	due, err := s.store.ListPendingForSweep(ctx, now, sweepBatchSize)
	if err != nil {
		return SweepReport{}, err
	}
	var report SweepReport
	for _, proposal := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Evaluated++
		result, err := s.evaluate(ctx, proposal.ID)
		if err != nil {
			report.Failed++
			log.Printf("sweep: %v", err)
			continue
		}
		if !result.Changed {
			continue
		}
		switch result.Proposal.Status {
		case voting.StatusApproved:
			report.Approved++
		case voting.StatusRejected:
			report.Rejected++
		case voting.StatusExpired:
			report.Expired++
		case voting.StatusNeedsReview:
			report.NeedsReview++
		}
	}
	return report, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			if report.Evaluated > 0 {
				log.Printf(`{"event":"sweep","evaluated":%d,"approved":%d,"rejected":%d,"expired":%d,"needs_review":%d,"failed":%d}`,
					report.Evaluated, report.Approved, report.Rejected, report.Expired, report.NeedsReview, report.Failed)
			}
		}
	}
}
