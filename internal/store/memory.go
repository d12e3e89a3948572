package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"wikinovel/api/internal/voting"
)

// MemoryStore keeps everything in process. Every mutation runs under one
// lock, which gives it the same atomicity the Postgres transactions give.
type MemoryStore struct {
	mu sync.RWMutex

	entities      map[voting.EntityRef]Entity
	proposals     map[string]Proposal
	votes         map[string][]Vote
	comments      map[string][]Comment
	contributions []Contribution
	successors    map[string]string

	nextContributionID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[voting.EntityRef]Entity),
		proposals:  make(map[string]Proposal),
		votes:      make(map[string][]Vote),
		comments:   make(map[string][]Comment),
		successors: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) EnsureEntity(_ context.Context, ref voting.EntityRef, text, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[ref]; ok {
		return nil
	}
	s.entities[ref] = Entity{Ref: ref, Text: text, UpdatedBy: updatedBy, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) GetEntity(_ context.Context, ref voting.EntityRef) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[ref]
	if !ok {
		return Entity{}, sql.ErrNoRows
	}
	return entity, nil
}

func (s *MemoryStore) ListEntities(_ context.Context, novelID string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entities := make([]Entity, 0, len(voting.Fields))
	for ref, entity := range s.entities {
		if ref.NovelID == novelID {
			entities = append(entities, entity)
		}
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Ref.Field < entities[j].Ref.Field })
	return entities, nil
}

func (s *MemoryStore) CountEntities(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities), nil
}

func (s *MemoryStore) CreateProposal(_ context.Context, proposal Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[proposal.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.entities[proposal.Entity]; !ok {
		return sql.ErrNoRows
	}
	if proposal.Supersedes != "" {
		if _, taken := s.successors[proposal.Supersedes]; taken {
			return ErrDuplicate
		}
		s.successors[proposal.Supersedes] = proposal.ID
	}
	s.proposals[proposal.ID] = proposal
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proposal, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, sql.ErrNoRows
	}
	return proposal, nil
}

func (s *MemoryStore) filterProposals(keep func(Proposal) bool) []Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proposals := make([]Proposal, 0)
	for _, proposal := range s.proposals {
		if keep(proposal) {
			proposals = append(proposals, proposal)
		}
	}
	sort.Slice(proposals, func(i, j int) bool {
		if !proposals[i].CreatedAt.Equal(proposals[j].CreatedAt) {
			return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
		}
		return proposals[i].ID < proposals[j].ID
	})
	return proposals
}

func (s *MemoryStore) ListProposalsByEntity(_ context.Context, ref voting.EntityRef) ([]Proposal, error) {
	return s.filterProposals(func(p Proposal) bool { return p.Entity == ref }), nil
}

func (s *MemoryStore) ListProposalsByNovel(_ context.Context, novelID string) ([]Proposal, error) {
	return s.filterProposals(func(p Proposal) bool { return p.Entity.NovelID == novelID }), nil
}

func (s *MemoryStore) ListProposalsByProposer(_ context.Context, userID string) ([]Proposal, error) {
	return s.filterProposals(func(p Proposal) bool { return p.ProposerID == userID }), nil
}

func (s *MemoryStore) ListPendingForSweep(_ context.Context, now time.Time, limit int) ([]Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := make([]Proposal, 0)
	for _, proposal := range s.proposals {
		if proposal.Status != voting.StatusPending {
			continue
		}
		entity := s.entities[proposal.Entity]
		if proposal.ExpiresAt.Before(now) || entity.Version > proposal.BaseVersion {
			due = append(due, proposal)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) DeleteProposal(_ context.Context, proposalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[proposalID]
	if !ok {
		return sql.ErrNoRows
	}
	if proposal.Status == voting.StatusApproved {
		return ErrNotDeletable
	}
	delete(s.proposals, proposalID)
	delete(s.votes, proposalID)
	delete(s.comments, proposalID)
	delete(s.successors, proposalID)
	if proposal.Supersedes != "" {
		delete(s.successors, proposal.Supersedes)
	}
	for id, successor := range s.proposals {
		if successor.Supersedes == proposalID {
			successor.Supersedes = ""
			s.proposals[id] = successor
		}
	}
	return nil
}

func (s *MemoryStore) IncrementViews(_ context.Context, proposalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[proposalID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	proposal.Views++
	s.proposals[proposalID] = proposal
	return proposal.Views, nil
}

func (s *MemoryStore) CastVote(_ context.Context, vote Vote, check func(Proposal) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[vote.ProposalID]
	if !ok {
		return sql.ErrNoRows
	}
	if check != nil {
		if err := check(proposal); err != nil {
			return err
		}
	}
	for _, existing := range s.votes[vote.ProposalID] {
		if existing.UserID == vote.UserID {
			return ErrDuplicate
		}
	}
	s.votes[vote.ProposalID] = append(s.votes[vote.ProposalID], vote)
	return nil
}

func (s *MemoryStore) ListVotes(_ context.Context, proposalID string) ([]Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Vote(nil), s.votes[proposalID]...), nil
}

func (s *MemoryStore) Transition(_ context.Context, proposalID string, now time.Time, decide DecideFunc) (TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposal, ok := s.proposals[proposalID]
	if !ok {
		return TransitionResult{}, sql.ErrNoRows
	}
	entity, ok := s.entities[proposal.Entity]
	if !ok {
		return TransitionResult{}, sql.ErrNoRows
	}
	votes := append([]Vote(nil), s.votes[proposalID]...)
	snapshot := Snapshot{Proposal: proposal, Entity: entity, Votes: votes, Tally: voting.Count(Ballots(votes))}
	decision := decide(snapshot)
	result := TransitionResult{
		Proposal:      proposal,
		From:          proposal.Status,
		Decision:      decision,
		Tally:         snapshot.Tally,
		EntityVersion: entity.Version,
	}
	if !decision.Changes(proposal.Status) || proposal.Status != voting.StatusPending {
		return result, nil
	}

	resolvedAt := now.UTC()
	if decision.Next == voting.StatusApproved {
		// Validate everything before the first write.
		if entity.Version != proposal.BaseVersion {
			return TransitionResult{}, ErrVersionConflict
		}
		entity.Text = proposal.ProposedText
		entity.Version++
		entity.UpdatedBy = proposal.ProposerID
		entity.UpdatedAt = resolvedAt
		s.entities[proposal.Entity] = entity

		credited := voting.CharCount(proposal.ProposedText)
		s.nextContributionID++
		s.contributions = append(s.contributions, Contribution{
			ID:         s.nextContributionID,
			NovelID:    proposal.Entity.NovelID,
			UserID:     proposal.ProposerID,
			CharCount:  credited,
			Category:   string(proposal.Entity.Field),
			ProposalID: proposal.ID,
			CreatedAt:  resolvedAt,
		})
		result.Applied = true
		result.Credited = credited
		result.EntityVersion = entity.Version
	}

	proposal.Status = decision.Next
	proposal.ResolvedAt = &resolvedAt
	s.proposals[proposalID] = proposal
	result.Proposal = proposal
	result.Changed = true
	return result, nil
}

func (s *MemoryStore) RecordContribution(_ context.Context, contribution Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextContributionID++
	contribution.ID = s.nextContributionID
	s.contributions = append(s.contributions, contribution)
	return nil
}

func (s *MemoryStore) TotalContribution(_ context.Context, novelID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, contribution := range s.contributions {
		if contribution.NovelID == novelID && contribution.UserID == userID {
			total += int64(contribution.CharCount)
		}
	}
	return total, nil
}

func (s *MemoryStore) ContributionsByCategory(_ context.Context, novelID, userID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := map[string]int64{}
	for _, contribution := range s.contributions {
		if contribution.NovelID == novelID && contribution.UserID == userID {
			totals[contribution.Category] += int64(contribution.CharCount)
		}
	}
	return totals, nil
}

func (s *MemoryStore) ApprovedCountsBetween(_ context.Context, start, end time.Time) (map[voting.EntityRef]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[voting.EntityRef]int64{}
	for _, proposal := range s.proposals {
		if proposal.Status != voting.StatusApproved || proposal.ResolvedAt == nil {
			continue
		}
		resolved := *proposal.ResolvedAt
		if !resolved.Before(start) && resolved.Before(end) {
			counts[proposal.Entity]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) InsertComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[comment.ProposalID]; !ok {
		return sql.ErrNoRows
	}
	s.comments[comment.ProposalID] = append(s.comments[comment.ProposalID], comment)
	return nil
}

func (s *MemoryStore) ListComments(_ context.Context, proposalID string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Comment(nil), s.comments[proposalID]...), nil
}
