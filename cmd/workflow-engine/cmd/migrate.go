package cmd

import (
	"fmt"

	"github.com/blingmoon/distributed-workflow/internal/bootstrap"
	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/spf13/cobra"
)

func (c *cli) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			db, err := bootstrap.OpenDB(cfg.Store)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := workflow.AutoMigrate(db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", cfg.Store.Driver)
			return nil
		},
	}
}
