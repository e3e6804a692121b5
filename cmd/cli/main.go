// SPDX-License-Identifier: Apache-2.0

// Command cli is the operator tool for keymeter: it talks straight to the
// database, bypassing the HTTP admin surface and its cache.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/keymeter/keymeter/internal/config"
	"github.com/keymeter/keymeter/internal/domain"
	"github.com/keymeter/keymeter/internal/persistence/postgres"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keymeter",
		Short: "Administer API keys, credits, and licenses",
		Long: `keymeter manages the authorization store directly: issue and deactivate
API keys, adjust credit balances, and manage product licenses.

The database is selected with the DATABASE_URL environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newLicenseCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keymeter %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

// commandContext bounds a whole CLI invocation.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// openPool connects using the same configuration the API server loads. CLI
// runs are short-lived, so every command gets a fresh pool and closes it.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg := config.Load()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// storeError keeps CLI output readable: store I/O failures print as a plain
// database error, while business outcomes (not found, insufficient credits)
// pass through for the caller to match on.
func storeError(op string, err error) error {
	if domain.IsPersistence(err) {
		return fmt.Errorf("%s: database unavailable or failing: %v", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
