package main

import (
	"fmt"

	"retailsync/migrations"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the relational schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := migrations.Apply(cmd.Context(), pool)
			if err != nil {
				return withCode(exitDB, fmt.Errorf("migrate: %w", err))
			}
			a.log.Info().Strs("applied", applied).Msg("schema up to date")
			return nil
		},
	}
}
