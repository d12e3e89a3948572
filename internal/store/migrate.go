package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ApplyMigrations runs every pending *.up.sql file in name order, each in its
// own transaction, and returns the versions it applied. A version is the up
// file's base name as recorded in schema_migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	versions, err := listMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, version := range versions {
		if migrated, err := isMigrated(ctx, db, version); err != nil {
			return applied, err
		} else if migrated {
			continue
		}

		err := runMigrationFile(ctx, db, filepath.Join(migrationsDir, version), version,
			`INSERT INTO schema_migrations(version) VALUES($1)`)
		if err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}

	return applied, nil
}

// RevertMigrations undoes the most recent steps applied versions, newest
// first, by running the matching *.down.sql file and removing the
// schema_migrations row in the same transaction. steps <= 0 reverts all.
func RevertMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	query := `SELECT version FROM schema_migrations ORDER BY version DESC`
	args := []any{}
	if steps > 0 {
		query += ` LIMIT $1`
		args = append(args, steps)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		versions = append(versions, version)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}

	reverted := make([]string, 0, len(versions))
	for _, version := range versions {
		downFile := filepath.Join(migrationsDir, downFileFor(version))
		if _, err := os.Stat(downFile); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return reverted, fmt.Errorf("migration %s has no down file", version)
			}
			return reverted, fmt.Errorf("stat down migration %s: %w", version, err)
		}
		err := runMigrationFile(ctx, db, downFile, version,
			`DELETE FROM schema_migrations WHERE version=$1`)
		if err != nil {
			return reverted, err
		}
		reverted = append(reverted, version)
	}
	return reverted, nil
}

// listMigrations returns the up file names in migrationsDir, sorted.
func listMigrations(migrationsDir string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, upSuffix) {
			versions = append(versions, name)
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func downFileFor(version string) string {
	return strings.TrimSuffix(version, upSuffix) + downSuffix
}

func runMigrationFile(ctx context.Context, db *sql.DB, path, version, record string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}

	if statements := strings.TrimSpace(string(contents)); statements != "" {
		if _, err := tx.ExecContext(ctx, statements); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
		}
	}

	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
