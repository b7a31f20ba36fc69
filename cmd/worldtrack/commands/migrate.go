package commands

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/worldtrack/internal/db"
	"github.com/spf13/cobra"
)

func (c *CLI) newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the journal database schema",
	}
	cmd.PersistentFlags().String("db", "", "Journal database path (defaults to the configured path)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, func(d *db.DB) error {
				if err := d.MigrateUp(db.MigrationsFS()); err != nil {
					return err
				}
				return printVersion(cmd, d)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, func(d *db.DB) error {
				return d.MigrateDown(db.MigrationsFS())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, func(d *db.DB) error {
				return printVersion(cmd, d)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withDB(cmd, func(d *db.DB) error {
				return d.MigrateForce(db.MigrationsFS(), v)
			})
		},
	})

	return cmd
}

func withDB(cmd *cobra.Command, fn func(*db.DB) error) error {
	path, err := cmd.Flags().GetString("db")
	if err != nil {
		return err
	}
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.GetDBPath()
	}
	if path == "" {
		return fmt.Errorf("no journal database configured")
	}
	d, err := db.OpenDB(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func printVersion(cmd *cobra.Command, d *db.DB) error {
	v, dirty, err := d.MigrateVersion(db.MigrationsFS())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", v, dirty)
	return nil
}
