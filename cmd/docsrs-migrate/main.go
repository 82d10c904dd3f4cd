package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/docsrs-core/pkg/db"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/spf13/cobra"
)

var (
	dsn    string
	dryRun bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docsrs-migrate",
	Short: "Apply docsrs-core's Postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show which migrations would apply without running them")
}

func runMigrate(ctx context.Context) error {
	if dsn == "" {
		return fmt.Errorf("--database-url (or DATABASE_URL) is required")
	}

	pool, err := db.Open(db.Options{DSN: dsn})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	results, err := apply(ctx, pool, dryRun)
	if err != nil {
		return err
	}

	logger := log.WithComponent("migrate")
	for _, r := range results {
		if !r.applied {
			continue
		}
		verb := "applied"
		if dryRun {
			verb = "would apply"
		}
		logger.Info().Str("migration", r.filename).Msg(verb)
	}
	if dryRun {
		logger.Info().Msg("dry run complete, no changes made")
	} else {
		logger.Info().Msg("migrations up to date")
	}
	return nil
}
