package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxConns  = 20
	connectAttempts  = 5
	connectRetryWait = time.Second
)

type pinger interface {
	PingContext(ctx context.Context) error
}

// Open connects through pgx and sizes the pool. Transitions hold a row lock
// for the length of a transaction, so idle connections are kept at half the
// ceiling to let the sweeper and request handlers run side by side. The first
// ping is retried so the API can start alongside its database container.
func Open(ctx context.Context, databaseURL string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	open, idle := poolSize(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(idle)
	db.SetMaxOpenConns(open)

	if err := pingWithRetry(ctx, db, connectAttempts, connectRetryWait); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func poolSize(maxConns int) (open, idle int) {
	open = maxConns
	if open <= 0 {
		open = defaultMaxConns
	}
	idle = open / 2
	if idle < 1 {
		idle = 1
	}
	return open, idle
}

func pingWithRetry(ctx context.Context, db pinger, attempts int, wait time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("ping db after %d attempts: %w", attempts, err)
}
