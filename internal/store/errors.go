package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicate is returned when a unique key (one vote per user per
	// proposal, one resubmission per proposal) is already taken.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrVersionConflict is returned when an apply finds the entity at a
	// version other than the proposal's base version.
	ErrVersionConflict = errors.New("store: entity version conflict")
	// ErrNotDeletable is returned when a proposal can no longer be deleted.
	ErrNotDeletable = errors.New("store: proposal not deletable")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
