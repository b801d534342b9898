package main

import (
	"fmt"

	"github.com/kursadbilgin/sendit/internal/infra/postgresql/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := migrations.Migrate(rt.db); err != nil {
				return fmt.Errorf("database migrations failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
