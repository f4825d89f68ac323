package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/haasonsaas/coachd/internal/config"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/spf13/cobra"
)

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session store schema",
		Long: `Apply or inspect the embedded schema migrations of the configured SQL
database (sqlite, postgres or cockroach). The memory driver needs none.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), resolveConfigPath(configPath), func(m *sessions.Migrator) error {
				applied, err := m.Up(cmd.Context(), steps)
				for _, id := range applied {
					slog.Info("applied migration", "id", id)
				}
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
				}
				return nil
			})
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), resolveConfigPath(configPath), func(m *sessions.Migrator) error {
				rolled, err := m.Down(cmd.Context(), steps)
				for _, id := range rolled {
					slog.Info("rolled back migration", "id", id)
				}
				if err != nil {
					return err
				}
				if len(rolled) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
				}
				return nil
			})
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), resolveConfigPath(configPath), func(m *sessions.Migrator) error {
				applied, pending, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tAPPLIED AT")
				for _, a := range applied {
					fmt.Fprintf(w, "%s\tapplied\t%s\n", a.ID, a.AppliedAt.UTC().Format("2006-01-02 15:04:05"))
				}
				for _, p := range pending {
					fmt.Fprintf(w, "%s\tpending\t-\n", p.ID)
				}
				return w.Flush()
			})
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func withMigrator(ctx context.Context, configPath string, fn func(*sessions.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, dialect, err := openMigrationDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := sessions.NewMigrator(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return fn(migrator)
}

func openMigrationDB(cfg config.DatabaseConfig) (*sql.DB, sessions.Dialect, error) {
	if cfg.Driver == "memory" {
		return nil, sessions.Dialect{}, fmt.Errorf("database driver %q has no schema to migrate", cfg.Driver)
	}
	sqlCfg := sessions.DefaultSQLConfig()
	sqlCfg.Dialect = cfg.Driver
	sqlCfg.DSN = cfg.URL
	sqlCfg.MaxOpenConns = 1
	store, err := sessions.OpenSQLStore(sqlCfg, slog.Default())
	if err != nil {
		return nil, sessions.Dialect{}, err
	}
	return store.DB(), store.Dialect(), nil
}
