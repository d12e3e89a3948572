package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wikinovel/api/internal/voting"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) EnsureEntity(ctx context.Context, ref voting.EntityRef, text, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (novel_id, field, text, version, updated_by)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (novel_id, field) DO NOTHING
	`, ref.NovelID, string(ref.Field), text, updatedBy)
	if err != nil {
		return fmt.Errorf("ensure entity %s: %w", ref, err)
	}
	return nil
}

const entityColumns = `novel_id, field, text, version, updated_by, updated_at`

func scanEntity(row rowScanner) (Entity, error) {
	var entity Entity
	var field string
	if err := row.Scan(&entity.Ref.NovelID, &field, &entity.Text, &entity.Version, &entity.UpdatedBy, &entity.UpdatedAt); err != nil {
		return Entity{}, err
	}
	entity.Ref.Field = voting.Field(field)
	return entity, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, ref voting.EntityRef) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE novel_id = $1 AND field = $2`, ref.NovelID, string(ref.Field))
	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, err
		}
		return Entity{}, fmt.Errorf("get entity %s: %w", ref, err)
	}
	return entity, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, novelID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE novel_id = $1 ORDER BY field`, novelID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entities := make([]Entity, 0, len(voting.Fields))
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (s *PostgresStore) CountEntities(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return count, nil
}

const proposalColumns = `id, novel_id, field, proposer_id, title, reason, original_text, proposed_text,
	base_version, status, views, supersedes, created_at, expires_at, resolved_at`

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		proposal   Proposal
		field      string
		status     string
		supersedes sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&proposal.ID,
		&proposal.Entity.NovelID,
		&field,
		&proposal.ProposerID,
		&proposal.Title,
		&proposal.Reason,
		&proposal.OriginalText,
		&proposal.ProposedText,
		&proposal.BaseVersion,
		&status,
		&proposal.Views,
		&supersedes,
		&proposal.CreatedAt,
		&proposal.ExpiresAt,
		&resolvedAt,
	)
	if err != nil {
		return Proposal{}, err
	}
	proposal.Entity.Field = voting.Field(field)
	proposal.Status = voting.Status(status)
	proposal.Supersedes = supersedes.String
	if resolvedAt.Valid {
		resolved := resolvedAt.Time
		proposal.ResolvedAt = &resolved
	}
	return proposal, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, novel_id, field, proposer_id, title, reason, original_text, proposed_text,
			base_version, status, supersedes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		proposal.ID,
		proposal.Entity.NovelID,
		string(proposal.Entity.Field),
		proposal.ProposerID,
		proposal.Title,
		proposal.Reason,
		proposal.OriginalText,
		proposal.ProposedText,
		proposal.BaseVersion,
		string(proposal.Status),
		nullString(proposal.Supersedes),
		proposal.CreatedAt,
		proposal.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, proposalID)
	proposal, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Proposal{}, err
		}
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return proposal, nil
}

func (s *PostgresStore) queryProposals(ctx context.Context, query string, args ...any) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	proposals := make([]Proposal, 0)
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}
	return proposals, rows.Err()
}

func (s *PostgresStore) ListProposalsByEntity(ctx context.Context, ref voting.EntityRef) ([]Proposal, error) {
	return s.queryProposals(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE novel_id = $1 AND field = $2
		ORDER BY created_at DESC, id
	`, ref.NovelID, string(ref.Field))
}

func (s *PostgresStore) ListProposalsByNovel(ctx context.Context, novelID string) ([]Proposal, error) {
	return s.queryProposals(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE novel_id = $1
		ORDER BY created_at DESC, id
	`, novelID)
}

func (s *PostgresStore) ListProposalsByProposer(ctx context.Context, userID string) ([]Proposal, error) {
	return s.queryProposals(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE proposer_id = $1
		ORDER BY created_at DESC, id
	`, userID)
}

// ListPendingForSweep returns pending proposals whose window has closed or
// whose entity has moved past their base version.
func (s *PostgresStore) ListPendingForSweep(ctx context.Context, now time.Time, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryProposals(ctx, `
		SELECT `+prefixed("p", proposalColumns)+`
		FROM proposals p
		JOIN entities e ON e.novel_id = p.novel_id AND e.field = p.field
		WHERE p.status = 'pending' AND (p.expires_at < $1 OR e.version > p.base_version)
		ORDER BY p.expires_at, p.id
		LIMIT $2
	`, now, limit)
}

// DeleteProposal removes a proposal that has not been approved. Votes and
// comments go with it.
func (s *PostgresStore) DeleteProposal(ctx context.Context, proposalID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM proposals WHERE id = $1 AND status <> 'approved'`, proposalID)
	if err != nil {
		return fmt.Errorf("delete proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete proposal rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetProposal(ctx, proposalID); err != nil {
		return err
	}
	return ErrNotDeletable
}

func (s *PostgresStore) IncrementViews(ctx context.Context, proposalID string) (int64, error) {
	var views int64
	err := s.db.QueryRowContext(ctx, `UPDATE proposals SET views = views + 1 WHERE id = $1 RETURNING views`, proposalID).Scan(&views)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("increment views: %w", err)
	}
	return views, nil
}

// CastVote records a vote. The proposal row is share-locked while check
// runs and the vote is inserted, so a concurrent transition cannot close
// the proposal in between.
func (s *PostgresStore) CastVote(ctx context.Context, vote Vote, check func(Proposal) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vote tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR SHARE`, vote.ProposalID)
	proposal, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("lock proposal for vote: %w", err)
	}
	if check != nil {
		if err := check(proposal); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_votes (id, proposal_id, user_id, vote_type, weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (proposal_id, user_id) DO NOTHING
	`, vote.ID, vote.ProposalID, vote.UserID, string(vote.Type), vote.Weight, vote.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert vote rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, proposalID string) ([]Vote, error) {
	return listVotes(ctx, s.db, proposalID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listVotes(ctx context.Context, q queryer, proposalID string) ([]Vote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, proposal_id, user_id, vote_type, weight, created_at
		FROM proposal_votes
		WHERE proposal_id = $1
		ORDER BY created_at, id
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	votes := make([]Vote, 0)
	for rows.Next() {
		var vote Vote
		var voteType string
		if err := rows.Scan(&vote.ID, &vote.ProposalID, &vote.UserID, &voteType, &vote.Weight, &vote.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		vote.Type = voting.VoteType(voteType)
		votes = append(votes, vote)
	}
	return votes, rows.Err()
}

// Transition evaluates and persists one lifecycle step for a proposal in a
// single transaction. The entity row is locked before the proposal row so
// that proposals on the same entity serialize their applies.
func (s *PostgresStore) Transition(ctx context.Context, proposalID string, now time.Time, decide DecideFunc) (TransitionResult, error) {
	var novelID, field string
	err := s.db.QueryRowContext(ctx, `SELECT novel_id, field FROM proposals WHERE id = $1`, proposalID).Scan(&novelID, &field)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransitionResult{}, err
		}
		return TransitionResult{}, fmt.Errorf("locate proposal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entity, err := scanEntity(tx.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE novel_id = $1 AND field = $2 FOR UPDATE
	`, novelID, field))
	if err != nil {
		return TransitionResult{}, fmt.Errorf("lock entity: %w", err)
	}
	proposal, err := scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, proposalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransitionResult{}, err
		}
		return TransitionResult{}, fmt.Errorf("lock proposal: %w", err)
	}
	votes, err := listVotes(ctx, tx, proposalID)
	if err != nil {
		return TransitionResult{}, err
	}

	snapshot := Snapshot{Proposal: proposal, Entity: entity, Votes: votes, Tally: voting.Count(Ballots(votes))}
	decision := decide(snapshot)
	result := TransitionResult{
		Proposal:      proposal,
		From:          proposal.Status,
		Decision:      decision,
		Tally:         snapshot.Tally,
		EntityVersion: entity.Version,
	}
	if !decision.Changes(proposal.Status) {
		return result, nil
	}

	resolvedAt := now.UTC()
	updated, err := tx.ExecContext(ctx, `
		UPDATE proposals SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
	`, proposalID, string(decision.Next), resolvedAt)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update proposal status: %w", err)
	}
	affected, err := updated.RowsAffected()
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update proposal rows affected: %w", err)
	}
	if affected == 0 {
		return result, nil
	}

	if decision.Next == voting.StatusApproved {
		applied, err := tx.ExecContext(ctx, `
			UPDATE entities SET text = $3, version = version + 1, updated_by = $5, updated_at = $6
			WHERE novel_id = $1 AND field = $2 AND version = $4
		`, novelID, field, proposal.ProposedText, proposal.BaseVersion, proposal.ProposerID, resolvedAt)
		if err != nil {
			return TransitionResult{}, fmt.Errorf("apply proposal text: %w", err)
		}
		affected, err := applied.RowsAffected()
		if err != nil {
			return TransitionResult{}, fmt.Errorf("apply rows affected: %w", err)
		}
		if affected == 0 {
			return TransitionResult{}, ErrVersionConflict
		}

		credited := voting.CharCount(proposal.ProposedText)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contributions (novel_id, user_id, char_count, category, proposal_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, novelID, proposal.ProposerID, credited, field, proposalID, resolvedAt); err != nil {
			return TransitionResult{}, fmt.Errorf("credit contribution: %w", err)
		}
		result.Applied = true
		result.Credited = credited
		result.EntityVersion = proposal.BaseVersion + 1
	}

	if err := tx.Commit(); err != nil {
		return TransitionResult{}, fmt.Errorf("commit transition: %w", err)
	}
	result.Changed = true
	result.Proposal.Status = decision.Next
	result.Proposal.ResolvedAt = &resolvedAt
	return result, nil
}

func (s *PostgresStore) RecordContribution(ctx context.Context, contribution Contribution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (novel_id, user_id, char_count, category, proposal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, contribution.NovelID, contribution.UserID, contribution.CharCount, contribution.Category, nullString(contribution.ProposalID), contribution.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert contribution: %w", err)
	}
	return nil
}

func (s *PostgresStore) TotalContribution(ctx context.Context, novelID, userID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(char_count), 0) FROM contributions WHERE novel_id = $1 AND user_id = $2
	`, novelID, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum contributions: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) ContributionsByCategory(ctx context.Context, novelID, userID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, SUM(char_count) FROM contributions
		WHERE novel_id = $1 AND user_id = $2
		GROUP BY category
	`, novelID, userID)
	if err != nil {
		return nil, fmt.Errorf("contributions by category: %w", err)
	}
	defer rows.Close()

	totals := map[string]int64{}
	for rows.Next() {
		var category string
		var total int64
		if err := rows.Scan(&category, &total); err != nil {
			return nil, fmt.Errorf("scan contribution total: %w", err)
		}
		totals[category] = total
	}
	return totals, rows.Err()
}

// ApprovedCountsBetween counts approvals per entity resolved in [start, end).
func (s *PostgresStore) ApprovedCountsBetween(ctx context.Context, start, end time.Time) (map[voting.EntityRef]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT novel_id, field, COUNT(*) FROM proposals
		WHERE status = 'approved' AND resolved_at >= $1 AND resolved_at < $2
		GROUP BY novel_id, field
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("approved counts: %w", err)
	}
	defer rows.Close()

	counts := map[voting.EntityRef]int64{}
	for rows.Next() {
		var ref voting.EntityRef
		var field string
		var count int64
		if err := rows.Scan(&ref.NovelID, &field, &count); err != nil {
			return nil, fmt.Errorf("scan approved count: %w", err)
		}
		ref.Field = voting.Field(field)
		counts[ref] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_comments (id, proposal_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.ProposalID, comment.AuthorID, comment.Body, comment.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, proposalID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, author_id, body, created_at
		FROM proposal_comments
		WHERE proposal_id = $1
		ORDER BY created_at, id
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.ProposalID, &comment.AuthorID, &comment.Body, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}
