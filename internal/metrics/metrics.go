package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RecordsRead      prometheus.Counter
	RecordsSkipped   *prometheus.CounterVec // by reason
	OrdersCreated    prometheus.Counter
	OrdersSkipped    prometheus.Counter
	OrdersFailed     prometheus.Counter
	CustomersCreated prometheus.Counter
	ProductsCreated  prometheus.Counter
	ItemsCreated     prometheus.Counter

	BatchesCommitted prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchLatencySec  prometheus.Histogram
	PagesRead        prometheus.Counter

	Runs             *prometheus.CounterVec // by mode and final state
	RunState         prometheus.Gauge
	LastRunDuration  prometheus.Gauge
	LastRunTimestamp prometheus.Gauge

	ChangelogAppended prometheus.Counter
	ChangelogErrors   prometheus.Counter
	IngestedRecords   *prometheus.CounterVec // by source
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	m := &Registry{
		reg:         r,
		RecordsRead: counter("retailsync_records_read_total", "Raw records read from the source."),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retailsync_records_skipped_total",
			Help: "Raw records that did not become order items.",
		}, []string{"reason"}),
		OrdersCreated:    counter("retailsync_orders_created_total", "Orders committed."),
		OrdersSkipped:    counter("retailsync_orders_skipped_total", "Orders skipped by validation or because they already exist."),
		OrdersFailed:     counter("retailsync_orders_failed_total", "Orders lost to failed batches."),
		CustomersCreated: counter("retailsync_customers_created_total", "Customers created."),
		ProductsCreated:  counter("retailsync_products_created_total", "Products created."),
		ItemsCreated:     counter("retailsync_items_created_total", "Order items created."),
		BatchesCommitted: counter("retailsync_batches_committed_total", "Batches committed."),
		BatchesFailed:    counter("retailsync_batches_failed_total", "Batches rolled back."),
		BatchLatencySec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retailsync_batch_commit_seconds",
			Help:    "Time spent committing one batch.",
			Buckets: prometheus.DefBuckets,
		}),
		PagesRead: counter("retailsync_source_pages_total", "Source pages fetched."),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retailsync_runs_total",
			Help: "Finished sync runs.",
		}, []string{"mode", "state"}),
		RunState:          gauge("retailsync_run_state", "Current orchestrator state (0 idle, 1 clearing, 2 streaming, 3 draining, 4 completed, 5 failed)."),
		LastRunDuration:   gauge("retailsync_last_run_duration_seconds", "Duration of the last finished run."),
		LastRunTimestamp:  gauge("retailsync_last_run_timestamp_seconds", "Finish time of the last run."),
		ChangelogAppended: counter("retailsync_changelog_appended_total", "Changelog events published."),
		ChangelogErrors:   counter("retailsync_changelog_errors_total", "Changelog events that could not be published."),
		IngestedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retailsync_ingested_records_total",
			Help: "Raw records written to the source store.",
		}, []string{"source"}),
	}
	r.MustRegister(
		m.RecordsRead, m.RecordsSkipped, m.OrdersCreated, m.OrdersSkipped, m.OrdersFailed,
		m.CustomersCreated, m.ProductsCreated, m.ItemsCreated,
		m.BatchesCommitted, m.BatchesFailed, m.BatchLatencySec, m.PagesRead,
		m.Runs, m.RunState, m.LastRunDuration, m.LastRunTimestamp,
		m.ChangelogAppended, m.ChangelogErrors, m.IngestedRecords,
	)
	return m
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
