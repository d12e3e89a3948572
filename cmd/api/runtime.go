package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"wikinovel/api/internal/app"
	"wikinovel/api/internal/archive"
	"wikinovel/api/internal/config"
	"wikinovel/api/internal/history"
	"wikinovel/api/internal/leaderboard"
	"wikinovel/api/internal/lease"
	"wikinovel/api/internal/metrics"
	"wikinovel/api/internal/store"
)

type runtime struct {
	service *app.Service
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildRuntime wires the service from configuration. Postgres migrations run
// only when migrate is set; Redis, history and object storage are optional.
func buildRuntime(ctx context.Context, cfg config.Config, migrate bool) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	var dataStore store.Store
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "memory":
		log.Printf("Using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	case "", "postgres":
		db, err := openDatabase(ctx, cfg, migrate)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		dataStore = store.NewPostgresStore(db)
	default:
		return fail(fmt.Errorf("unknown store driver %q", cfg.StoreDriver))
	}

	var views leaderboard.ViewCounter
	var redisCounter *leaderboard.RedisViewCounter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for view counts and the sweep lease")
		counter, err := leaderboard.NewRedisViewCounter(cfg.RedisURL, cfg.Location())
		if err != nil {
			return fail(fmt.Errorf("redis connection failed: %w", err))
		}
		rt.closers = append(rt.closers, func() { _ = counter.Close() })
		views = counter
		redisCounter = counter
	}

	var service *app.Service
	if dir := strings.TrimSpace(cfg.HistoryDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(fmt.Errorf("failed to create history dir: %w", err))
		}
		service = app.New(cfg, dataStore, history.New(dir), views)
	} else {
		service = app.New(cfg, dataStore, nil, views)
	}
	service.SetMetrics(metrics.New())
	if redisCounter != nil {
		service.SetCache(redisCounter)
		service.SetSweepLease(lease.NewRedisLease(redisCounter.Client()))
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		archiveStore, err := archive.New(archive.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fail(err)
		}
		if err := archiveStore.EnsureBucket(ctx); err != nil {
			log.Printf("archive: %v", err)
		}
		service.SetArchive(archiveStore)
	}

	rt.service = service
	return rt, nil
}

func openDatabase(ctx context.Context, cfg config.Config, migrate bool) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if migrate {
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		for _, version := range applied {
			log.Printf("Applied migration %s", version)
		}
	}
	return db, nil
}
