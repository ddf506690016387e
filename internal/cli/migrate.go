package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"atomic-pek/internal/config"
	"atomic-pek/internal/storage/migrations"
)

// ErrNothingToMigrate is returned when no SQL backend is configured.
var ErrNothingToMigrate = errors.New("neither postgres storage nor clickhouse is configured")

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Applies the embedded PostgreSQL migrations when the postgres storage
backend is configured, and the ClickHouse schema when clickhouse.dsn is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(opts, func(cfg config.Config) error {
				return migrate(cmd, cfg)
			})
		},
	}
}

func migrate(cmd *cobra.Command, cfg config.Config) error {
	ctx := cmd.Context()
	log := cfg.Log()
	out := cmd.OutOrStdout()

	usePostgres := cfg.Storage().Backend == config.BackendPostgres
	dsn := cfg.ClickHouse().DSN
	if !usePostgres && dsn == "" {
		return ErrNothingToMigrate
	}

	if usePostgres {
		applied, err := migrations.RunPostgresMigrations(ctx, cfg.Postgres().Pool)
		if err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		log.WithField("applied", len(applied)).Info("postgres migrated")
		for _, f := range applied {
			fmt.Fprintln(out, "applied", f)
		}
	}

	if dsn != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, dsn)
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close clickhouse: %w", err)
		}
		log.Info("clickhouse migrated")
		fmt.Fprintln(out, "clickhouse schema up to date")
	}
	return nil
}
