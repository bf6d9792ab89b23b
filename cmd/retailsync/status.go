package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"retailsync/internal/changelog"
	"retailsync/internal/report"
	"retailsync/internal/syncer"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the report of the latest sync run",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r report.Reader
			switch from {
			case "file":
				r = report.NewFilesystemPublisher(a.cfg.ReportDir)
			case "kafka":
				if a.cfg.KafkaBootstrap == "" {
					return withCode(exitUsage, fmt.Errorf("--kafka-bootstrap is required with --from kafka"))
				}
				r = report.NewKafkaReader(a.cfg.KafkaBootstrap, a.cfg.TopicReports, reportKey)
			default:
				return withCode(exitUsage, fmt.Errorf("unknown --from %q (want file|kafka)", from))
			}
			sum, err := r.ReadLatest()
			if err != nil {
				return fmt.Errorf("no sync report: %w", err)
			}
			if err := printJSON(sum); err != nil {
				return err
			}
			if sum.State == syncer.Failed.String() {
				return withCode(exitSyncFailed, fmt.Errorf("last run failed: %s", sum.Reason))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "file", "report source: file|kafka")
	return cmd
}

func newChangelogCmd(a *app) *cobra.Command {
	var (
		from string
		idle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Audit the committed-order changelog for totals and duplicate commits",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				audit *changelog.Audit
				err   error
			)
			switch from {
			case "file":
				audit, err = changelog.AuditFile(changelogPath(a))
			case "kafka":
				if a.cfg.KafkaBootstrap == "" {
					return withCode(exitUsage, fmt.Errorf("--kafka-bootstrap is required with --from kafka"))
				}
				audit, err = changelog.AuditKafka(cmd.Context(), changelog.NewKafkaReader(a.cfg.KafkaBootstrap, a.cfg.TopicChangelog), idle)
			default:
				return withCode(exitUsage, fmt.Errorf("unknown --from %q (want file|kafka)", from))
			}
			if err != nil {
				return err
			}
			return printJSON(audit)
		},
	}
	cmd.Flags().StringVar(&from, "from", "file", "changelog source: file|kafka")
	cmd.Flags().DurationVar(&idle, "idle", 5*time.Second, "stop reading kafka after this long without messages")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
