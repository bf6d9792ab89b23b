package main

import (
	"retailsync/internal/syncer"

	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync from the raw document store into postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := syncer.ParseMode(a.cfg.Mode)
			if err != nil {
				return withCode(exitUsage, err)
			}
			o, cs, err := a.orchestrator(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cs.Close()

			sum := o.Run(cmd.Context(), mode)
			_ = printJSON(sum)
			if sum.Err != nil {
				return withCode(exitSyncFailed, sum.Err)
			}
			return nil
		},
	}
}
