package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teresa-solution/voucher-issuance-service/internal/config"
	"github.com/teresa-solution/voucher-issuance-service/internal/logging"
	"github.com/teresa-solution/voucher-issuance-service/internal/store/postgres"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "voucher-migrate",
	Short: "Apply or revert the embedded database migrations",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(v.GetString("log.level"), v.GetString("log.format"))
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			log.Info().Msg("Applying migrations...")
			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("apply migrations: %w", err)
			}
			log.Info().Msg("Migrations applied successfully")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			log.Info().Msg("Reverting migrations...")
			if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("revert migrations: %w", err)
			}
			log.Info().Msg("Migrations reverted successfully")
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the migration version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withMigrator(func(m *migrate.Migrate) error {
			log.Info().Int("version", version).Msg("Forcing migration version...")
			if err := m.Force(version); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			log.Info().Msg("Migration version forced successfully")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		})
	},
}

func withMigrator(fn func(m *migrate.Migrate) error) error {
	pgConfig, err := pgx.ParseConfig(v.GetString("database.dsn"))
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	db := stdlib.OpenDB(*pgConfig)
	defer db.Close()

	m, err := postgres.NewMigrator(db)
	if err != nil {
		return err
	}
	return fn(m)
}

func init() {
	config.SetDefaults(v)
	config.ConfigureEnv(v)

	flags := rootCmd.PersistentFlags()
	flags.String("dsn", v.GetString("database.dsn"), "database connection string")
	_ = v.BindPFlag("database.dsn", flags.Lookup("dsn"))

	rootCmd.AddCommand(upCmd, downCmd, forceCmd, versionCmd)
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}
