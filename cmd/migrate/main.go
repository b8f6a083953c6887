package main

import (
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var dsn string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Applies the embedded PerpVault schema migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", envOr("PERP_POSTGRES_DSN", "postgres://localhost:5432/perpvault?sslmode=disable"),
		"Postgres connection string (env PERP_POSTGRES_DSN)")

	withMigrator := func(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()
			return fn(cmd.Context(), persistence.NewMigrator(db, persistence.Migrations(), observability.NewLogger("migrate")))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					mark := "pending"
					if s.Applied {
						mark = "applied"
					}
					fmt.Printf("%-8s %s\n", mark, s.Filename)
				}
				return nil
			}),
		},
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
