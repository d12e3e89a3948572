package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wikinovel/api/internal/app"
	"wikinovel/api/internal/auth"
	"wikinovel/api/internal/config"
	"wikinovel/api/internal/rbac"
	"wikinovel/api/internal/store"
)

var (
	migrateDown int
	archiveWeek string
	tokenUser   string
	tokenName   string
	tokenRole   string
	tokenTTL    time.Duration

	rootCmd = &cobra.Command{
		Use:          "wikinovel-api",
		Short:        "Proposal and weighted-voting API for collaboratively written novels",
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations (or revert with --down) and exit",
		RunE:  runMigrate,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Resolve expired and stale proposals once and print the report",
		RunE:  runSweep,
	}

	archiveWeekCmd = &cobra.Command{
		Use:   "archive-week",
		Short: "Write a weekly leaderboard rollup to object storage",
		RunE:  runArchiveWeek,
	}

	devTokenCmd = &cobra.Command{
		Use:   "dev-token",
		Short: "Print a signed bearer token for local development",
		RunE:  runDevToken,
	}
)

func init() {
	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "revert the N most recently applied migrations instead of applying")
	archiveWeekCmd.Flags().StringVar(&archiveWeek, "week", "", "any date (YYYY-MM-DD) inside the week; defaults to the last complete week")

	devTokenCmd.Flags().StringVar(&tokenUser, "user", "dev-user", "subject (user id)")
	devTokenCmd.Flags().StringVar(&tokenName, "name", "", "display name; defaults to the user id")
	devTokenCmd.Flags().StringVar(&tokenRole, "role", string(rbac.RoleAuthor), "reader, author, moderator or admin")
	devTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, archiveWeekCmd, devTokenCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	if interval := cfg.SweepInterval(); interval > 0 {
		log.Printf("Sweeping proposals every %s", interval)
		go rt.service.RunSweeper(ctx, interval)
	}

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Wikinovel API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if migrateDown < 0 {
		return fmt.Errorf("--down must be a positive number of migrations")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrateDown > 0 {
		reverted, err := store.RevertMigrations(ctx, db, cfg.MigrationsDir, migrateDown)
		for _, version := range reverted {
			log.Printf("Reverted migration %s", version)
		}
		if err != nil {
			return fmt.Errorf("revert failed: %w", err)
		}
		log.Printf("%d migration(s) reverted from %s", len(reverted), cfg.MigrationsDir)
		return nil
	}

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	for _, version := range applied {
		log.Printf("Applied migration %s", version)
	}
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) == 0 {
		log.Printf("Schema is up to date (%s)", cfg.MigrationsDir)
		return nil
	}
	log.Printf("%d migration(s) applied from %s", len(applied), cfg.MigrationsDir)
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.service.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runArchiveWeek(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.service.ArchiveWeek(cmd.Context(), archiveWeek)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{
		"key":         result.Key,
		"windowStart": result.Rollup.WindowStart,
		"windowEnd":   result.Rollup.WindowEnd,
	})
}

func runDevToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	name := tokenName
	if name == "" {
		name = tokenUser
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(tokenUser, name, string(rbac.Normalize(tokenRole)), tokenTTL))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}

func printJSON(cmd *cobra.Command, payload any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
