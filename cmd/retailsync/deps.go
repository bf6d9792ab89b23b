package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"retailsync/internal/changelog"
	"retailsync/internal/clock"
	"retailsync/internal/dates"
	"retailsync/internal/metrics"
	"retailsync/internal/report"
	"retailsync/internal/source"
	"retailsync/internal/store/postgres"
	"retailsync/internal/syncer"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	changelogFile = "orders.jsonl"
	reportKey     = "retailsync-report-latest"
)

func changelogPath(a *app) string { return filepath.Join(a.cfg.ChangelogDir, changelogFile) }

// closers releases resources in reverse order of acquisition.
type closers []io.Closer

func (c *closers) add(x io.Closer) { *c = append(*c, x) }

func (c closers) Close() error {
	var first error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type poolCloser struct{ p *pgxpool.Pool }

func (p poolCloser) Close() error {
	p.p.Close()
	return nil
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, withCode(exitDB, fmt.Errorf("connect postgres: %w", err))
	}
	return pool, nil
}

func (a *app) openDocStore() (*source.DocStore, error) {
	ds, err := source.OpenDocStore(a.cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", a.cfg.SourceDir, err)
	}
	return ds, nil
}

func (a *app) changelogWriter(cs *closers) (changelog.Writer, error) {
	var w changelog.Writer
	sink := a.cfg.ChangelogSink
	if sink == "file" || sink == "both" {
		fw, err := changelog.NewFileWriter(a.cfg.ChangelogDir, changelogFile)
		if err != nil {
			return nil, fmt.Errorf("init changelog file: %w", err)
		}
		w = fw
	}
	if (sink == "kafka" || sink == "both") && a.cfg.KafkaBootstrap != "" {
		kw := changelog.NewKafkaWriter(a.cfg.KafkaBootstrap, a.cfg.TopicChangelog)
		cs.add(kw)
		if w == nil {
			w = kw
		} else {
			w = changelog.NewMultiWriter(w, kw)
		}
	}
	return w, nil
}

func (a *app) reportPublisher(cs *closers) report.Publisher {
	fs := report.NewFilesystemPublisher(a.cfg.ReportDir)
	if a.cfg.ReportSink == "file" || a.cfg.KafkaBootstrap == "" {
		return fs
	}
	kp := report.NewKafkaPublisher(a.cfg.KafkaBootstrap, a.cfg.TopicReports, reportKey)
	cs.add(kp)
	if a.cfg.ReportSink == "kafka" {
		return kp
	}
	return report.NewMultiPublisher(fs, kp)
}

// reportReader reads back from wherever reportPublisher writes. With both
// sinks the file copy is preferred.
func (a *app) reportReader() report.Reader {
	if a.cfg.ReportSink == "kafka" && a.cfg.KafkaBootstrap != "" {
		return report.NewKafkaReader(a.cfg.KafkaBootstrap, a.cfg.TopicReports, reportKey)
	}
	return report.NewFilesystemPublisher(a.cfg.ReportDir)
}

// orchestrator wires the document store, postgres and the configured sinks.
// The returned closers must be closed by the caller.
func (a *app) orchestrator(ctx context.Context, reg *metrics.Registry) (*syncer.Orchestrator, closers, error) {
	var cs closers
	drain, err := syncer.ParseDrainPolicy(a.cfg.Drain)
	if err != nil {
		return nil, nil, withCode(exitUsage, err)
	}
	ds, err := a.openDocStore()
	if err != nil {
		return nil, cs, err
	}
	cs.add(ds)
	pool, err := a.openPool(ctx)
	if err != nil {
		_ = cs.Close()
		return nil, nil, err
	}
	cs.add(poolCloser{pool})
	clog, err := a.changelogWriter(&cs)
	if err != nil {
		_ = cs.Close()
		return nil, nil, err
	}
	o := syncer.New(ds, postgres.New(pool), syncer.Options{
		BatchSize: a.cfg.BatchSize,
		PageSize:  a.cfg.PageSize,
		Drain:     drain,
		Dates:     dates.Default(a.cfg.Location()),
		Clock:     clock.NewSystem(),
		Logger:    a.log,
		Changelog: clog,
		Reports:   a.reportPublisher(&cs),
		Metrics:   reg,
	})
	return o, cs, nil
}
