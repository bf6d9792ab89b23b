package main

import (
	"retailsync/internal/dates"
	"retailsync/internal/quality"

	"github.com/spf13/cobra"
)

func newQualityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quality",
		Short: "Profile the staged raw records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := a.openDocStore()
			if err != nil {
				return err
			}
			defer ds.Close()
			rep, err := quality.Analyze(cmd.Context(), ds, a.cfg.PageSize, dates.Default(a.cfg.Location()))
			if err != nil {
				return err
			}
			a.log.Info().EmbedObject(rep).Msg("quality report")
			return printJSON(rep)
		},
	}
}
