// Package syncer drives a sync run: it reads raw records page by page,
// groups them into orders and commits them batch by batch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"retailsync/internal/changelog"
	"retailsync/internal/clock"
	"retailsync/internal/commit"
	"retailsync/internal/dates"
	"retailsync/internal/dimension"
	"retailsync/internal/grouper"
	"retailsync/internal/metrics"
	"retailsync/internal/model"
	"retailsync/internal/report"
	"retailsync/internal/source"
	"retailsync/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultBatchSize = 200

type Options struct {
	BatchSize int
	PageSize  int
	Drain     DrainPolicy

	Dates  *dates.Normalizer
	Clock  clock.Clock
	Logger zerolog.Logger

	// Optional sinks; nil disables them.
	Changelog changelog.Writer
	Reports   report.Publisher
	Metrics   *metrics.Registry
}

type Orchestrator struct {
	src     source.Opener
	store   store.Store
	opts    Options
	state   atomic.Int32
	running atomic.Bool
}

func New(src source.Opener, st store.Store, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = source.DefaultPageSize
	}
	if opts.Drain == "" {
		opts.Drain = DrainOnExhaustion
	}
	if opts.Dates == nil {
		opts.Dates = dates.Default(time.UTC)
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Orchestrator{src: src, store: st, opts: opts}
}

func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	if o.opts.Metrics != nil {
		o.opts.Metrics.RunState.Set(float64(s))
	}
}

// Run executes one sync and always returns a summary. The run is Completed
// when the source was read to the end, even if records were skipped; any
// fatal error or cancellation leaves it Failed with Reason and Err set.
// Cancellation is honoured between batches, never inside one.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) report.Summary {
	if !o.running.CompareAndSwap(false, true) {
		now := o.opts.Clock.Now()
		return report.Summary{
			Mode:       string(mode),
			State:      Failed.String(),
			Reason:     ReasonAlreadyRunning,
			Error:      model.ErrRunInProgress.Error(),
			Err:        model.ErrRunInProgress,
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	defer o.running.Store(false)

	r := &run{
		o:         o,
		mode:      mode,
		grouper:   grouper.New(),
		resolver:  dimension.NewResolver(dimension.NewCache(), o.store, mode == ModeIncremental),
		committer: commit.New(o.store, o.opts.Dates, o.opts.Clock, mode == ModeIncremental, o.opts.Logger),
		sum: report.Summary{
			RunID:     uuid.NewString(),
			Mode:      string(mode),
			StartedAt: o.opts.Clock.Now(),
			Skips:     map[string]int{},
		},
	}
	r.log = o.opts.Logger.With().Str("run_id", r.sum.RunID).Str("mode", string(mode)).Logger()
	return r.execute(ctx)
}

type run struct {
	o         *Orchestrator
	mode      Mode
	log       zerolog.Logger
	grouper   *grouper.Grouper
	resolver  *dimension.Resolver
	committer *commit.Committer
	sum       report.Summary
	seq       int64
}

func (r *run) execute(ctx context.Context) (sum report.Summary) {
	defer func() {
		if p := recover(); p != nil {
			r.unprocessed(r.grouper.DrainAll())
			r.settle()
			r.finish(fmt.Errorf("sync panicked: %v", p))
			sum = r.sum
		}
	}()
	r.o.setState(Idle)
	if r.mode != ModeFull && r.mode != ModeIncremental {
		r.finish(fmt.Errorf("unknown sync mode %q", r.mode))
		return r.sum
	}
	r.log.Info().Int("batch_size", r.o.opts.BatchSize).Int("page_size", r.o.opts.PageSize).
		Str("drain", string(r.o.opts.Drain)).Msg("sync started")

	err := r.pipeline(ctx)
	if err != nil {
		r.unprocessed(r.grouper.DrainAll())
	}
	r.finish(err)
	return r.sum
}

func (r *run) pipeline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if err := r.o.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	if r.mode == ModeFull {
		r.o.setState(Clearing)
		dc, err := r.o.store.DeleteAll(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("clear tables: %w", err)
		}
		r.sum.Deleted = &dc
		r.log.Info().Int64("order_items", dc.OrderItems).Int64("orders", dc.Orders).
			Int64("customers", dc.Customers).Int64("products", dc.Products).Msg("tables cleared")
	}

	reader, err := r.o.src.Open(ctx, r.o.opts.PageSize)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	r.o.setState(Streaming)
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		p, err := reader.NextPage(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelled(ctxErr)
			}
			return fmt.Errorf("read page %d: %w", page, err)
		}
		r.absorb(p.Records, p.Malformed)
		for {
			batch := r.drainStreaming()
			if batch == nil {
				break
			}
			if err := r.commit(ctx, batch); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return cancelled(err)
			}
		}
		if !p.HasMore {
			break
		}
	}

	r.o.setState(Draining)
	rest := r.grouper.DrainAll()
	for len(rest) > 0 {
		if err := ctx.Err(); err != nil {
			r.unprocessed(rest)
			return cancelled(err)
		}
		n := r.o.opts.BatchSize
		if n > len(rest) {
			n = len(rest)
		}
		if err := r.commit(ctx, rest[:n]); err != nil {
			r.unprocessed(rest[n:])
			return err
		}
		rest = rest[n:]
	}
	return nil
}

func (r *run) absorb(records []model.RawRecord, malformed int) {
	res := r.grouper.Absorb(records)
	read := len(records) + malformed
	r.sum.Counters.RecordsRead += int64(read)
	r.skip("malformed_document", malformed)
	r.skip("blank_order_ref", res.Blank)
	r.skip("late_record", res.Late)
	if m := r.o.opts.Metrics; m != nil {
		m.PagesRead.Inc()
		m.RecordsRead.Add(float64(read))
	}
	if malformed > 0 {
		r.log.Warn().Int("records", malformed).Msg("undecodable documents skipped")
	}
	if res.Blank > 0 {
		r.log.Debug().Int("records", res.Blank).Msg("records without order reference skipped")
	}
	if res.Late > 0 {
		r.log.Warn().Int("records", res.Late).Msg("records for already committed orders skipped")
	}
}

func (r *run) drainStreaming() []grouper.Group {
	switch r.o.opts.Drain {
	case DrainEager:
		return r.grouper.DrainReady(r.o.opts.BatchSize)
	case DrainContiguous:
		return r.grouper.DrainSettled(r.o.opts.BatchSize)
	}
	return nil
}

func (r *run) commit(ctx context.Context, groups []grouper.Group) error {
	records := 0
	for _, g := range groups {
		records += len(g.Records)
	}
	start := time.Now()
	res, err := r.committer.Commit(context.WithoutCancel(ctx), groups, r.resolver)
	r.apply(res)
	if m := r.o.opts.Metrics; m != nil {
		m.BatchLatencySec.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if missing := records - res.Items - res.RecordsSkipped; missing > 0 {
			r.skip("unprocessed", missing)
		}
		if errors.Is(err, model.ErrConflict) {
			r.sum.BatchesFailed++
			if m := r.o.opts.Metrics; m != nil {
				m.BatchesFailed.Inc()
			}
			r.log.Warn().Err(err).Int("orders", len(groups)).Msg("batch failed, continuing")
			return nil
		}
		return fmt.Errorf("commit batch: %w", err)
	}

	r.sum.Batches++
	if m := r.o.opts.Metrics; m != nil {
		m.BatchesCommitted.Inc()
	}
	r.log.Debug().Int("batch", r.sum.Batches).Int("orders", res.Orders).Int("items", res.Items).
		Int("skipped", res.RecordsSkipped).Msg("batch committed")
	r.publish(ctx, res.Committed)
	return nil
}

func (r *run) apply(res commit.BatchResult) {
	c := &r.sum.Counters
	c.OrdersCreated += int64(res.Orders)
	c.OrdersSkipped += int64(res.OrdersSkipped + res.OrdersExisting)
	c.OrdersExisting += int64(res.OrdersExisting)
	c.OrdersFailed += int64(res.OrdersFailed)
	c.CustomersCreated += int64(res.Customers)
	c.ProductsCreated += int64(res.Products)
	c.ItemsCreated += int64(res.Items)
	c.RecordsSkipped += int64(res.RecordsSkipped)
	for reason, n := range res.Skips {
		r.sum.Skips[string(reason)] += n
	}

	m := r.o.opts.Metrics
	if m == nil {
		return
	}
	m.OrdersCreated.Add(float64(res.Orders))
	m.OrdersSkipped.Add(float64(res.OrdersSkipped + res.OrdersExisting))
	m.OrdersFailed.Add(float64(res.OrdersFailed))
	m.CustomersCreated.Add(float64(res.Customers))
	m.ProductsCreated.Add(float64(res.Products))
	m.ItemsCreated.Add(float64(res.Items))
	for reason, n := range res.Skips {
		m.RecordsSkipped.WithLabelValues(string(reason)).Add(float64(n))
	}
}

// skip counts records dropped outside the committer.
func (r *run) skip(reason string, n int) {
	if n <= 0 {
		return
	}
	r.sum.Counters.RecordsSkipped += int64(n)
	r.sum.Skips[reason] += n
	if m := r.o.opts.Metrics; m != nil {
		m.RecordsSkipped.WithLabelValues(reason).Add(float64(n))
	}
}

func (r *run) unprocessed(groups []grouper.Group) {
	n := 0
	for _, g := range groups {
		n += len(g.Records)
	}
	r.skip("unprocessed", n)
}

// settle counts records that left the grouper but never reached a
// committer result, such as a batch interrupted by a panic.
func (r *run) settle() {
	c := r.sum.Counters
	r.skip("unprocessed", int(c.RecordsRead-c.ItemsCreated-c.RecordsSkipped))
}

func (r *run) publish(ctx context.Context, orders []model.Order) {
	w := r.o.opts.Changelog
	if w == nil || len(orders) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := r.o.opts.Clock.Now()
	failed := 0
	var firstErr error
	for _, o := range orders {
		r.seq++
		if err := w.Append(ctx, changelog.OrderCommitted(r.sum.RunID, r.seq, o, now)); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if m := r.o.opts.Metrics; m != nil {
			m.ChangelogAppended.Inc()
		}
	}
	if failed > 0 {
		if m := r.o.opts.Metrics; m != nil {
			m.ChangelogErrors.Add(float64(failed))
		}
		r.log.Warn().Err(firstErr).Int("events", failed).Msg("changelog publish failed")
	}
}

func (r *run) finish(err error) {
	if len(r.sum.Skips) == 0 {
		r.sum.Skips = nil
	}
	if err == nil {
		if tc, cerr := r.o.store.Counts(context.Background()); cerr == nil {
			r.sum.Tables = &tc
		} else {
			r.log.Warn().Err(cerr).Msg("table counts unavailable")
		}
		r.o.setState(Completed)
		r.sum.State = Completed.String()
	} else {
		r.o.setState(Failed)
		r.sum.State = Failed.String()
		r.sum.Reason = reasonFor(err)
		r.sum.Err = err
		r.sum.Error = err.Error()
	}
	r.sum.FinishedAt = r.o.opts.Clock.Now()

	if m := r.o.opts.Metrics; m != nil {
		m.Runs.WithLabelValues(r.sum.Mode, r.sum.State).Inc()
		m.LastRunDuration.Set(r.sum.Duration().Seconds())
		m.LastRunTimestamp.Set(float64(r.sum.FinishedAt.Unix()))
	}
	if err == nil {
		r.log.Info().EmbedObject(r.sum).Msg("sync completed")
	} else {
		r.log.Error().Err(err).EmbedObject(r.sum).Msg("sync failed")
	}
	if p := r.o.opts.Reports; p != nil {
		if perr := p.Publish(context.Background(), r.sum); perr != nil {
			r.log.Warn().Err(perr).Msg("publish run report")
		}
	}
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %v", model.ErrCancelled, cause)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, model.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case errors.Is(err, model.ErrSourceUnavailable):
		return ReasonSourceUnavailable
	case errors.Is(err, model.ErrStoreUnavailable):
		return ReasonStoreUnavailable
	}
	return ReasonError
}
