package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wikinovel/api/internal/config"
	"wikinovel/api/internal/history"
	"wikinovel/api/internal/rbac"
	"wikinovel/api/internal/store"
	"wikinovel/api/internal/voting"
)

var t0 = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.JWTSecret = "test-secret"
	cfg.SyncToken = "test-sync-token"
	cfg.LeaderboardTimezone = "UTC"
	cfg.RatePerMinute = 0
	return cfg
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *testClock) {
	t.Helper()
	mem := store.NewMemoryStore()
	svc, clock := newTestServiceWithStore(t, testConfig(), mem)
	return svc, mem, clock
}

func newTestServiceWithStore(t *testing.T, cfg config.Config, dataStore dataStore) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	svc := New(cfg, dataStore, nil, nil)
	svc.now = clock.Now
	registerTestNovel(t, svc, "n1")
	return svc, clock
}

func registerTestNovel(t *testing.T, svc *Service, novelID string) {
	t.Helper()
	_, err := svc.RegisterNovel(context.Background(), novelID, map[string]string{
		"content":       "Once upon a time.",
		"world_setting": "A drowned city.",
		"rules":         "Nobody flies.",
	}, "founder")
	if err != nil {
		t.Fatalf("RegisterNovel(%s) error = %v", novelID, err)
	}
}

func author(id string) Session {
	return Session{UserID: id, UserName: id, Role: rbac.RoleAuthor}
}

func submit(t *testing.T, svc *Service, proposer string, novelID string, field voting.Field, text string) ProposalView {
	t.Helper()
	proposal, err := svc.SubmitProposal(context.Background(), author(proposer), CreateProposalInput{
		EntityRef:    EntityRefInput{NovelID: novelID, Field: string(field)},
		ProposedText: text,
		Reason:       "better",
	})
	if err != nil {
		t.Fatalf("SubmitProposal() error = %v", err)
	}
	return proposal
}

// insertVote stores a vote without running an evaluation.
func insertVote(t *testing.T, mem *store.MemoryStore, proposalID, userID string, voteType voting.VoteType, weight int) {
	t.Helper()
	err := mem.CastVote(context.Background(), store.Vote{
		ID:         proposalID + "-" + userID,
		ProposalID: proposalID,
		UserID:     userID,
		Type:       voteType,
		Weight:     weight,
		CreatedAt:  t0,
	}, nil)
	if err != nil {
		t.Fatalf("insert vote: %v", err)
	}
}

func expectCode(t *testing.T, err error, kind error, code string) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != code {
		t.Fatalf("expected code %s, got %v", code, err)
	}
}

func TestSubmitProposalSnapshotsEntity(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Once upon a midnight.")
	if proposal.Status != voting.StatusPending {
		t.Fatalf("expected pending, got %s", proposal.Status)
	}
	if proposal.OriginalText != "Once upon a time." || proposal.BaseVersion != 0 {
		t.Fatalf("unexpected snapshot %+v", proposal)
	}
	if proposal.Title != defaultProposalTitle {
		t.Fatalf("expected default title, got %q", proposal.Title)
	}
	if !proposal.ExpiresAt.Equal(t0.Add(24 * time.Hour)) {
		t.Fatalf("expected 24h window, got %s", proposal.ExpiresAt)
	}

	stored, err := mem.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if stored.OriginalText != proposal.OriginalText || stored.ProposerID != "ann" {
		t.Fatalf("unexpected stored proposal %+v", stored)
	}
}

func TestSubmitProposalValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		session Session
		input   CreateProposalInput
		kind    error
	}{
		{
			name:    "blank text",
			session: author("ann"),
			input:   CreateProposalInput{EntityRef: EntityRefInput{NovelID: "n1", Field: "content"}, ProposedText: "   "},
			kind:    ErrValidation,
		},
		{
			name:    "unchanged text",
			session: author("ann"),
			input:   CreateProposalInput{EntityRef: EntityRefInput{NovelID: "n1", Field: "content"}, ProposedText: "Once upon a time."},
			kind:    ErrValidation,
		},
		{
			name:    "unknown field",
			session: author("ann"),
			input:   CreateProposalInput{EntityRef: EntityRefInput{NovelID: "n1", Field: "chapters"}, ProposedText: "x"},
			kind:    ErrValidation,
		},
		{
			name:    "missing novel",
			session: author("ann"),
			input:   CreateProposalInput{EntityRef: EntityRefInput{NovelID: "n1"}, ProposedText: "x"},
			kind:    ErrValidation,
		},
		{
			name:    "unknown entity",
			session: author("ann"),
			input:   CreateProposalInput{EntityRef: EntityRefInput{NovelID: "nope", Field: "content"}, ProposedText: "x"},
			kind:    ErrNotFound,
		},
		{
			name:    "reader cannot propose",
			session: Session{UserID: "rita", Role: rbac.RoleReader},
			input:   CreateProposalInput{EntityRef: EntityRefInput{NovelID: "n1", Field: "content"}, ProposedText: "x"},
			kind:    ErrForbidden,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitProposal(ctx, tc.session, tc.input)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
		})
	}
}

func TestSubmitProposalSanitizesTitleAndReason(t *testing.T) {
	svc, _, _ := newTestService(t)
	proposal, err := svc.SubmitProposal(context.Background(), author("ann"), CreateProposalInput{
		EntityRef:    EntityRefInput{NovelID: "n1", Field: "rules"},
		ProposedText: "Nobody flies <b>twice</b>.",
		Title:        `<script>alert(1)</script>Fix & tidy`,
		Reason:       `<a href="x">typo</a>`,
	})
	if err != nil {
		t.Fatalf("SubmitProposal() error = %v", err)
	}
	if proposal.Title != "Fix & tidy" {
		t.Fatalf("unexpected title %q", proposal.Title)
	}
	if proposal.Reason != "typo" {
		t.Fatalf("unexpected reason %q", proposal.Reason)
	}
	if proposal.ProposedText != "Nobody flies <b>twice</b>." {
		t.Fatalf("proposed text must be stored verbatim, got %q", proposal.ProposedText)
	}
}

func TestWeightedMajorityAppliesProposal(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.RecordContribution(ctx, "n1", "u51", ContributionInput{CharCount: 51}); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}
	if err := svc.RecordContribution(ctx, "n1", "u49", ContributionInput{CharCount: 49}); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}

	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Once upon a midnight dreary.")

	rejected, err := svc.CastVote(ctx, author("u49"), VoteInput{ProposalID: proposal.ID, VoteType: "reject"})
	if err != nil {
		t.Fatalf("CastVote(reject) error = %v", err)
	}
	if rejected.ProposalApplied || rejected.Status != voting.StatusPending || rejected.Vote.Weight != 49 {
		t.Fatalf("unexpected result after reject %+v", rejected)
	}

	approved, err := svc.CastVote(ctx, author("u51"), VoteInput{ProposalID: proposal.ID, VoteType: "approve"})
	if err != nil {
		t.Fatalf("CastVote(approve) error = %v", err)
	}
	if !approved.ProposalApplied || approved.Status != voting.StatusApproved {
		t.Fatalf("expected proposal applied, got %+v", approved)
	}
	if approved.Tally.ApproveWeight != 51 || approved.Tally.Total != 100 || approved.Tally.ApprovalRatio != 0.51 {
		t.Fatalf("unexpected tally %+v", approved.Tally)
	}

	entity, err := mem.GetEntity(ctx, voting.EntityRef{NovelID: "n1", Field: voting.FieldContent})
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if entity.Text != "Once upon a midnight dreary." || entity.Version != 1 {
		t.Fatalf("entity not updated: %+v", entity)
	}

	standing, err := svc.ContributorStanding(ctx, "n1", "ann")
	if err != nil {
		t.Fatalf("ContributorStanding() error = %v", err)
	}
	if standing.Total != int64(voting.CharCount("Once upon a midnight dreary.")) {
		t.Fatalf("unexpected proposer credit %d", standing.Total)
	}
	if standing.ByCategory["content"] != standing.Total || standing.Title != "Contributor" {
		t.Fatalf("unexpected standing %+v", standing)
	}

	detail, err := svc.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if detail.OriginalText != "Once upon a time." {
		t.Fatalf("original text changed: %q", detail.OriginalText)
	}
	if detail.ResolvedAt == nil || detail.VoteCount != 2 || len(detail.Votes) != 2 {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestZeroVoteProposalExpiresAfterWindow(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldRules, "Everybody flies.")

	clock.Set(t0.Add(24 * time.Hour))
	detail, err := svc.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if detail.Status != voting.StatusPending {
		t.Fatalf("expected pending at the deadline, got %s", detail.Status)
	}

	clock.Set(t0.Add(24*time.Hour + time.Second))
	detail, err = svc.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if detail.Status != voting.StatusExpired {
		t.Fatalf("expected expired, got %s", detail.Status)
	}

	_, err = svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "approve"})
	expectCode(t, err, ErrInvalidState, "INVALID_STATE")
}

func TestVoteAcceptedAtDeadlineRefusedAfter(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldRules, "Everybody flies.")

	clock.Set(t0.Add(24 * time.Hour))
	result, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "reject"})
	if err != nil {
		t.Fatalf("CastVote() at deadline error = %v", err)
	}
	if result.Status != voting.StatusPending {
		t.Fatalf("expected pending at deadline, got %s", result.Status)
	}

	clock.Set(t0.Add(24*time.Hour + time.Second))
	_, err = svc.CastVote(ctx, author("cam"), VoteInput{ProposalID: proposal.ID, VoteType: "approve"})
	expectCode(t, err, ErrInvalidState, "INVALID_STATE")

	detail, err := svc.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if detail.Status != voting.StatusRejected {
		t.Fatalf("expected rejected with votes and no majority, got %s", detail.Status)
	}
}

func TestApplyingOneProposalMakesSiblingStale(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	b := submit(t, svc, "ben", "n1", voting.FieldContent, "Version B.")

	result, err := svc.CastVote(ctx, author("voter"), VoteInput{ProposalID: b.ID, VoteType: "approve"})
	if err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if !result.ProposalApplied {
		t.Fatalf("expected B applied, got %+v", result)
	}

	listed, err := svc.ListNovelProposals(ctx, "n1")
	if err != nil {
		t.Fatalf("ListNovelProposals() error = %v", err)
	}
	statuses := map[string]voting.Status{}
	for _, summary := range listed {
		statuses[summary.ID] = summary.Status
	}
	if statuses[a.ID] != voting.StatusNeedsReview || statuses[b.ID] != voting.StatusApproved {
		t.Fatalf("unexpected statuses %+v", statuses)
	}

	_, err = svc.CastVote(ctx, author("late"), VoteInput{ProposalID: a.ID, VoteType: "approve"})
	expectCode(t, err, ErrInvalidState, "INVALID_STATE")
}

func TestStaleProposalNeverAppliesEvenWithMajority(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	a := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	b := submit(t, svc, "ben", "n1", voting.FieldContent, "Version B.")
	insertVote(t, mem, a.ID, "v1", voting.VoteApprove, 100)
	insertVote(t, mem, b.ID, "v1", voting.VoteApprove, 100)

	if _, err := svc.EvaluateProposal(ctx, b.ID); err != nil {
		t.Fatalf("EvaluateProposal(b) error = %v", err)
	}
	evaluated, err := svc.EvaluateProposal(ctx, a.ID)
	if err != nil {
		t.Fatalf("EvaluateProposal(a) error = %v", err)
	}
	if evaluated.Status != voting.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", evaluated.Status)
	}
	entity, _ := mem.GetEntity(ctx, voting.EntityRef{NovelID: "n1", Field: voting.FieldContent})
	if entity.Text != "Version B." || entity.Version != 1 {
		t.Fatalf("unexpected entity %+v", entity)
	}
}

func TestDuplicateVoteIsConflict(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")

	if _, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "reject"}); err != nil {
		t.Fatalf("first vote error = %v", err)
	}
	_, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "approve"})
	expectCode(t, err, ErrConflict, "DUPLICATE_VOTE")

	votes, err := mem.ListVotes(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("ListVotes() error = %v", err)
	}
	if len(votes) != 1 || votes[0].Type != voting.VoteReject {
		t.Fatalf("first vote must stand unchanged, got %+v", votes)
	}
}

func TestCastVoteValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")

	_, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "abstain"})
	expectCode(t, err, ErrValidation, "VALIDATION_ERROR")

	_, err = svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: "prop_missing", VoteType: "approve"})
	expectCode(t, err, ErrNotFound, "NOT_FOUND")

	_, err = svc.CastVote(ctx, Session{UserID: "rita", Role: rbac.RoleReader}, VoteInput{ProposalID: proposal.ID, VoteType: "approve"})
	expectCode(t, err, ErrForbidden, "FORBIDDEN")
}

func TestFixedWeightPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.WeightPolicy = "fixed"
	cfg.FallbackVoteWeight = 7
	svc, _ := newTestServiceWithStore(t, cfg, store.NewMemoryStore())
	ctx := context.Background()
	if err := svc.RecordContribution(ctx, "n1", "bob", ContributionInput{CharCount: 5000}); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")

	result, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "reject"})
	if err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if result.Vote.Weight != 7 {
		t.Fatalf("expected fixed weight 7, got %d", result.Vote.Weight)
	}
}

func TestFloorWeightPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.WeightPolicy = "floor"
	svc, _ := newTestServiceWithStore(t, cfg, store.NewMemoryStore())
	ctx := context.Background()
	if err := svc.RecordContribution(ctx, "n1", "bob", ContributionInput{CharCount: 12}); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")

	result, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "reject"})
	if err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if result.Vote.Weight != cfg.FallbackVoteWeight {
		t.Fatalf("expected small contributor raised to %d, got %d", cfg.FallbackVoteWeight, result.Vote.Weight)
	}
}

func TestDeleteProposal(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	pending := submit(t, svc, "ann", "n1", voting.FieldRules, "Everybody flies.")
	if _, err := svc.AddComment(ctx, author("bob"), pending.ID, CommentInput{Body: "hmm"}); err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}

	err := svc.DeleteProposal(ctx, author("bob"), pending.ID)
	expectCode(t, err, ErrForbidden, "FORBIDDEN")

	if err := svc.DeleteProposal(ctx, author("ann"), pending.ID); err != nil {
		t.Fatalf("DeleteProposal(pending) error = %v", err)
	}
	if _, err := svc.GetProposal(ctx, pending.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted proposal to be gone, got %v", err)
	}
	if comments, _ := mem.ListComments(ctx, pending.ID); len(comments) != 0 {
		t.Fatalf("expected comments removed, got %d", len(comments))
	}

	approved := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	if _, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: approved.ID, VoteType: "approve"}); err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	err = svc.DeleteProposal(ctx, author("ann"), approved.ID)
	expectCode(t, err, ErrConflict, "PROPOSAL_APPROVED")
}

func TestResubmitStaleProposal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	b := submit(t, svc, "ben", "n1", voting.FieldContent, "Version B.")

	_, err := svc.Resubmit(ctx, author("ann"), a.ID, ResubmitInput{})
	expectCode(t, err, ErrInvalidState, "INVALID_STATE")

	if _, err := svc.CastVote(ctx, author("voter"), VoteInput{ProposalID: b.ID, VoteType: "approve"}); err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if detail, _ := svc.GetProposal(ctx, a.ID); detail.Status != voting.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", detail.Status)
	}

	_, err = svc.Resubmit(ctx, author("ben"), a.ID, ResubmitInput{})
	expectCode(t, err, ErrForbidden, "FORBIDDEN")

	next, err := svc.Resubmit(ctx, author("ann"), a.ID, ResubmitInput{})
	if err != nil {
		t.Fatalf("Resubmit() error = %v", err)
	}
	if next.Supersedes != a.ID || next.Status != voting.StatusPending {
		t.Fatalf("unexpected resubmission %+v", next)
	}
	if next.OriginalText != "Version B." || next.BaseVersion != 1 || next.ProposedText != "Version A." {
		t.Fatalf("resubmission must snapshot the current entity, got %+v", next)
	}

	original, err := svc.GetProposal(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if original.OriginalText != "Once upon a time." || original.Status != voting.StatusNeedsReview {
		t.Fatalf("original proposal changed: %+v", original.ProposalView)
	}

	_, err = svc.Resubmit(ctx, author("ann"), a.ID, ResubmitInput{ProposedText: "Version A2."})
	expectCode(t, err, ErrConflict, "ALREADY_RESUBMITTED")
}

func TestResubmitEvaluatesPendingProposalFirst(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	a := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	b := submit(t, svc, "ben", "n1", voting.FieldContent, "Version B.")
	if _, err := svc.CastVote(ctx, author("voter"), VoteInput{ProposalID: b.ID, VoteType: "approve"}); err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}

	stored, err := mem.GetProposal(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if stored.Status != voting.StatusPending {
		t.Fatalf("expected stored status to stay pending until read, got %s", stored.Status)
	}

	next, err := svc.Resubmit(ctx, author("ann"), a.ID, ResubmitInput{ProposedText: "Version A, rebased."})
	if err != nil {
		t.Fatalf("Resubmit() error = %v", err)
	}
	if next.Supersedes != a.ID || next.OriginalText != "Version B." || next.BaseVersion != 1 {
		t.Fatalf("unexpected resubmission %+v", next)
	}

	stored, err = mem.GetProposal(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if stored.Status != voting.StatusNeedsReview || stored.ResolvedAt == nil {
		t.Fatalf("expected previous proposal recorded as needs_review, got %+v", stored)
	}
}

func TestResubmitFailsWhenEvaluationFails(t *testing.T) {
	mem := store.NewMemoryStore()
	failing := &failingTransitionStore{MemoryStore: mem}
	svc, _ := newTestServiceWithStore(t, testConfig(), failing)
	ctx := context.Background()

	a := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	failing.transitionFn = func(context.Context, string, time.Time, store.DecideFunc) (store.TransitionResult, error) {
		return store.TransitionResult{}, errors.New("connection reset")
	}
	if _, err := svc.Resubmit(ctx, author("ann"), a.ID, ResubmitInput{}); err == nil {
		t.Fatal("expected evaluation failure to surface")
	}
	proposals, err := mem.ListProposalsByEntity(ctx, voting.EntityRef{NovelID: "n1", Field: voting.FieldContent})
	if err != nil {
		t.Fatalf("ListEntityProposals() error = %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected no resubmission, got %d proposals", len(proposals))
	}
}

func TestConcurrentVotesApplyOnce(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")

	const voters = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			result, err := svc.CastVote(ctx, author(userID), VoteInput{ProposalID: proposal.ID, VoteType: "approve"})
			if err != nil {
				if !errors.Is(err, ErrInvalidState) {
					t.Errorf("CastVote(%s) error = %v", userID, err)
				}
				return
			}
			if result.ProposalApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one apply, got %d", applied)
	}
	entity, _ := mem.GetEntity(ctx, voting.EntityRef{NovelID: "n1", Field: voting.FieldContent})
	if entity.Version != 1 {
		t.Fatalf("expected a single version bump, got %d", entity.Version)
	}
	total, _ := mem.TotalContribution(ctx, "n1", "ann")
	if total != int64(voting.CharCount("Version A.")) {
		t.Fatalf("expected a single credit, got %d", total)
	}
}

func TestConcurrentEvaluationsApplyOnce(t *testing.T) {
	svc, mem, clock := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	insertVote(t, mem, proposal.ID, "v1", voting.VoteApprove, 100)
	clock.Set(t0.Add(30 * time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := svc.EvaluateProposal(ctx, proposal.ID); err != nil {
				t.Errorf("EvaluateProposal() error = %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := svc.Sweep(ctx); err != nil {
				t.Errorf("Sweep() error = %v", err)
			}
		}()
	}
	wg.Wait()

	entity, _ := mem.GetEntity(ctx, voting.EntityRef{NovelID: "n1", Field: voting.FieldContent})
	if entity.Version != 1 || entity.Text != "Version A." {
		t.Fatalf("unexpected entity %+v", entity)
	}
	total, _ := mem.TotalContribution(ctx, "n1", "ann")
	if total != int64(voting.CharCount("Version A.")) {
		t.Fatalf("expected a single credit, got %d", total)
	}
}

type failingTransitionStore struct {
	*store.MemoryStore
	transitionFn func(context.Context, string, time.Time, store.DecideFunc) (store.TransitionResult, error)
}

func (f *failingTransitionStore) Transition(ctx context.Context, proposalID string, now time.Time, decide store.DecideFunc) (store.TransitionResult, error) {
	if f.transitionFn != nil {
		return f.transitionFn(ctx, proposalID, now, decide)
	}
	return f.MemoryStore.Transition(ctx, proposalID, now, decide)
}

func TestVoteStandsWhenEvaluationFails(t *testing.T) {
	mem := store.NewMemoryStore()
	wrapped := &failingTransitionStore{MemoryStore: mem}
	svc, _ := newTestServiceWithStore(t, testConfig(), wrapped)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")

	wrapped.transitionFn = func(context.Context, string, time.Time, store.DecideFunc) (store.TransitionResult, error) {
		return store.TransitionResult{}, errors.New("connection reset")
	}
	result, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "approve"})
	if err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if result.ProposalApplied || result.Status != voting.StatusPending || result.Tally.ApproveWeight != 100 {
		t.Fatalf("unexpected result %+v", result)
	}

	wrapped.transitionFn = nil
	report, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Evaluated != 0 {
		t.Fatalf("open proposal is not due yet, got %+v", report)
	}
	evaluated, err := svc.EvaluateProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("EvaluateProposal() error = %v", err)
	}
	if evaluated.Status != voting.StatusApproved {
		t.Fatalf("expected retry to approve, got %s", evaluated.Status)
	}
}

func TestSweepResolvesDueProposals(t *testing.T) {
	svc, mem, clock := newTestService(t)
	registerTestNovel(t, svc, "n2")
	ctx := context.Background()

	silent := submit(t, svc, "ann", "n1", voting.FieldContent, "Silent.")
	outvoted := submit(t, svc, "ann", "n1", voting.FieldWorldSetting, "Outvoted.")
	insertVote(t, mem, outvoted.ID, "v1", voting.VoteReject, 100)
	late := submit(t, svc, "ann", "n1", voting.FieldRules, "Late majority.")
	insertVote(t, mem, late.ID, "v1", voting.VoteApprove, 100)
	stale := submit(t, svc, "ann", "n2", voting.FieldContent, "Stale.")
	winner := submit(t, svc, "ben", "n2", voting.FieldContent, "Winner.")
	open := submit(t, svc, "ann", "n2", voting.FieldRules, "Still open.")
	insertVote(t, mem, winner.ID, "v1", voting.VoteApprove, 100)
	if _, err := svc.EvaluateProposal(ctx, winner.ID); err != nil {
		t.Fatalf("EvaluateProposal() error = %v", err)
	}

	clock.Set(t0.Add(25 * time.Hour))
	if _, err := svc.SubmitProposal(ctx, author("ann"), CreateProposalInput{
		EntityRef:    EntityRefInput{NovelID: "n2", Field: "world_setting"},
		ProposedText: "Fresh.",
	}); err != nil {
		t.Fatalf("SubmitProposal() error = %v", err)
	}

	report, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	want := SweepReport{Evaluated: 5, Approved: 1, Rejected: 1, Expired: 2, NeedsReview: 1}
	if report != want {
		t.Fatalf("expected %+v, got %+v", want, report)
	}

	expectations := map[string]voting.Status{
		silent.ID:   voting.StatusExpired,
		outvoted.ID: voting.StatusRejected,
		late.ID:     voting.StatusApproved,
		stale.ID:    voting.StatusNeedsReview,
		open.ID:     voting.StatusExpired,
	}
	for id, status := range expectations {
		proposal, err := mem.GetProposal(ctx, id)
		if err != nil {
			t.Fatalf("GetProposal(%s) error = %v", id, err)
		}
		if proposal.Status != status {
			t.Fatalf("proposal %s: expected %s, got %s", id, status, proposal.Status)
		}
	}

	again, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if again != (SweepReport{}) {
		t.Fatalf("expected idempotent sweep, got %+v", again)
	}
}

type fakeLease struct {
	acquireFn func(context.Context, string, time.Duration) (func(), bool, error)
}

func (f fakeLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	return f.acquireFn(ctx, name, ttl)
}

func TestSweepRespectsLease(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	clock.Set(t0.Add(48 * time.Hour))

	svc.SetSweepLease(fakeLease{acquireFn: func(context.Context, string, time.Duration) (func(), bool, error) {
		return nil, false, nil
	}})
	report, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if !report.Skipped || report.Evaluated != 0 {
		t.Fatalf("expected skipped sweep, got %+v", report)
	}

	released := false
	svc.SetSweepLease(fakeLease{acquireFn: func(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
		if name != sweepLeaseName || ttl != sweepLeaseTTL {
			t.Errorf("unexpected lease request %s %s", name, ttl)
		}
		return func() { released = true }, true, nil
	}})
	report, err = svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Expired != 1 || !released {
		t.Fatalf("expected leased sweep to expire %s, got %+v released=%v", proposal.ID, report, released)
	}
}

func TestRecordContribution(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.RecordContribution(ctx, "n1", "bob", ContributionInput{CharCount: -5})
	expectCode(t, err, ErrValidation, "VALIDATION_ERROR")

	if err := svc.RecordContribution(ctx, "n1", "bob", ContributionInput{CharCount: 0}); err != nil {
		t.Fatalf("zero contribution error = %v", err)
	}
	standing, err := svc.ContributorStanding(ctx, "n1", "bob")
	if err != nil {
		t.Fatalf("ContributorStanding() error = %v", err)
	}
	if standing.Total != 0 || len(standing.ByCategory) != 0 || standing.Title != "Reader" {
		t.Fatalf("zero contribution must not write a row, got %+v", standing)
	}

	if err := svc.RecordContribution(ctx, "n1", "bob", ContributionInput{CharCount: 1200, Category: "lore"}); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}
	if err := svc.RecordContribution(ctx, "n1", "bob", ContributionInput{CharCount: 30}); err != nil {
		t.Fatalf("RecordContribution() error = %v", err)
	}
	standing, err = svc.ContributorStanding(ctx, "n1", "bob")
	if err != nil {
		t.Fatalf("ContributorStanding() error = %v", err)
	}
	if standing.Total != 1230 || standing.ByCategory["lore"] != 1200 || standing.ByCategory[store.CategoryAdjustment] != 30 {
		t.Fatalf("unexpected standing %+v", standing)
	}
	if standing.Title != "Co-Author" {
		t.Fatalf("unexpected title %s", standing.Title)
	}
}

func TestCommentsAppearInListing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")

	comment, err := svc.AddComment(ctx, Session{UserID: "rita", Role: rbac.RoleReader}, proposal.ID, CommentInput{Body: "<b>Nice</b> work"})
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if comment.Body != "Nice work" {
		t.Fatalf("expected sanitised body, got %q", comment.Body)
	}
	_, err = svc.AddComment(ctx, author("bob"), proposal.ID, CommentInput{Body: "<script></script>"})
	expectCode(t, err, ErrValidation, "VALIDATION_ERROR")
	_, err = svc.AddComment(ctx, author("bob"), "prop_missing", CommentInput{Body: "hello"})
	expectCode(t, err, ErrNotFound, "NOT_FOUND")

	listed, err := svc.ListNovelProposals(ctx, "n1")
	if err != nil {
		t.Fatalf("ListNovelProposals() error = %v", err)
	}
	if len(listed) != 1 || len(listed[0].Comments) != 1 || listed[0].Comments[0].AuthorID != "rita" {
		t.Fatalf("unexpected listing %+v", listed)
	}

	byEntity, err := svc.ListEntityProposals(ctx, "n1", "content")
	if err != nil || len(byEntity) != 1 {
		t.Fatalf("ListEntityProposals() = %d, %v", len(byEntity), err)
	}
	byProposer, err := svc.ListProposerProposals(ctx, "ann")
	if err != nil || len(byProposer) != 1 {
		t.Fatalf("ListProposerProposals() = %d, %v", len(byProposer), err)
	}
}

func TestBootstrapSeedsOnlyEmptyStore(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := New(testConfig(), mem, nil, nil)
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	entities, err := mem.ListEntities(ctx, demoNovelID)
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(entities) != len(voting.Fields) {
		t.Fatalf("expected %d entities, got %d", len(voting.Fields), len(entities))
	}
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if count, _ := mem.CountEntities(ctx); count != len(voting.Fields) {
		t.Fatalf("expected no reseed, got %d entities", count)
	}
}

func TestRegisterNovelValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterNovel(ctx, "../escape", nil, "mod")
	expectCode(t, err, ErrValidation, "VALIDATION_ERROR")
	_, err = svc.RegisterNovel(ctx, "n3", map[string]string{"chapters": "x"}, "mod")
	expectCode(t, err, ErrValidation, "VALIDATION_ERROR")

	entities, err := svc.RegisterNovel(ctx, "n1", map[string]string{"content": "overwritten?"}, "mod")
	if err != nil {
		t.Fatalf("RegisterNovel() error = %v", err)
	}
	for _, entity := range entities {
		if entity.Ref.Field == voting.FieldContent && entity.Text != "Once upon a time." {
			t.Fatalf("existing entity must keep its text, got %q", entity.Text)
		}
	}
}

func TestAppliedTextIsMirroredIntoHistory(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := New(testConfig(), mem, history.New(t.TempDir()), nil)
	svc.now = func() time.Time { return t0 }
	registerTestNovel(t, svc, "n1")
	ctx := context.Background()

	proposal := submit(t, svc, "ann", "n1", voting.FieldContent, "Version A.")
	if _, err := svc.CastVote(ctx, author("bob"), VoteInput{ProposalID: proposal.ID, VoteType: "approve"}); err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}

	commits, err := svc.EntityHistory(ctx, "n1", "content", 10)
	if err != nil {
		t.Fatalf("EntityHistory() error = %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected baseline and apply commits, got %d", len(commits))
	}
	if commits[0].Author != "ann" {
		t.Fatalf("expected proposer as author, got %+v", commits[0])
	}

	_, err = svc.EntityHistory(ctx, "missing", "content", 10)
	expectCode(t, err, ErrNotFound, "NOT_FOUND")
}
