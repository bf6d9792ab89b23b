package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"retailsync/internal/config"
	"retailsync/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitSyncFailed = 3
	exitDB         = 4
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// app carries the resolved configuration and logger to every subcommand.
type app struct {
	cfg config.Config
	log zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "retailsync:", err)
	}
	stop()
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	cfg, envErr := config.Default().FromEnv(nil)
	a := &app{cfg: cfg}

	root := &cobra.Command{
		Use:           "retailsync",
		Short:         "Sync raw retail transactions into the relational order model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return withCode(exitUsage, envErr)
			}
			if err := a.cfg.Validate(); err != nil {
				return withCode(exitUsage, err)
			}
			log, err := logging.New(os.Stderr, a.cfg.LogLevel, a.cfg.LogPretty)
			if err != nil {
				return withCode(exitUsage, err)
			}
			a.log = log.With().Str("cmd", cmd.Name()).Logger()
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfg.DatabaseURL, "database-url", a.cfg.DatabaseURL, "postgres connection string")
	f.StringVar(&a.cfg.SourceDir, "source-dir", a.cfg.SourceDir, "raw document store directory")
	f.StringVar(&a.cfg.TimeZone, "time-zone", a.cfg.TimeZone, "zone for dates without an offset")
	f.StringVar(&a.cfg.Mode, "mode", a.cfg.Mode, "sync mode: full|incremental")
	f.StringVar(&a.cfg.Drain, "drain", a.cfg.Drain, "drain policy: exhaustion|contiguous|eager")
	f.IntVar(&a.cfg.BatchSize, "batch-size", a.cfg.BatchSize, "orders per commit")
	f.IntVar(&a.cfg.PageSize, "page-size", a.cfg.PageSize, "raw records per source page")
	f.StringVar(&a.cfg.ReportDir, "report-dir", a.cfg.ReportDir, "directory of sync.latest.json")
	f.StringVar(&a.cfg.ReportSink, "report-sink", a.cfg.ReportSink, "run report sink: file|kafka|both")
	f.StringVar(&a.cfg.ChangelogDir, "changelog-dir", a.cfg.ChangelogDir, "directory of the order changelog")
	f.StringVar(&a.cfg.ChangelogSink, "changelog-sink", a.cfg.ChangelogSink, "order changelog sink: none|file|kafka|both")
	f.StringVar(&a.cfg.KafkaBootstrap, "kafka-bootstrap", a.cfg.KafkaBootstrap, "kafka bootstrap servers, e.g. localhost:9092")
	f.StringVar(&a.cfg.TopicChangelog, "topic-changelog", a.cfg.TopicChangelog, "kafka topic for committed orders")
	f.StringVar(&a.cfg.TopicReports, "topic-reports", a.cfg.TopicReports, "kafka topic for run reports (compacted)")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level")
	f.BoolVar(&a.cfg.LogPretty, "log-pretty", a.cfg.LogPretty, "human readable logs")

	root.AddCommand(
		newSyncCmd(a),
		newServeCmd(a),
		newMigrateCmd(a),
		newIngestCmd(a),
		newQualityCmd(a),
		newStatusCmd(a),
		newChangelogCmd(a),
	)
	return root
}
