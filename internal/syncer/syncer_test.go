package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"retailsync/internal/changelog"
	"retailsync/internal/clock"
	"retailsync/internal/metrics"
	"retailsync/internal/model"
	"retailsync/internal/report"
	"retailsync/internal/source"
	"retailsync/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func raw(inv, cust, code, qty, price string) model.RawRecord {
	return model.RawRecord{
		InvoiceNo: inv, CustomerID: cust, StockCode: code, Quantity: qty, UnitPrice: price,
		InvoiceDate: "18/08/2011 6:30", Country: "United Kingdom", Description: "desc " + code,
	}
}

// dataset interleaves orders across pages and includes every kind of bad record.
func dataset() []model.RawRecord {
	badDate := raw("INV5", "C3", "P1", "1", "1.00")
	badDate.InvoiceDate = "not-a-date"
	return []model.RawRecord{
		raw("INV1", "C1", "P1", "2", "5.00"),
		raw("INV2", "C2", "P2", "1", "3.50"),
		raw("", "C1", "P1", "1", "1.00"),
		raw("INV1", "C1", "P2", "1", "3.50"),
		raw("INV3", "", "P1", "1", "1.00"),
		raw("INV2", "C2", "", "1", "1.00"),
		raw("INV4", "C1", "P3", "0", "2.00"),
		badDate,
		raw("INV1", "C1", "P3", "3", "2.00"),
		raw("INV6", "17850.0", "P1", "1", "5.00"),
	}
}

type fakeChangelog struct {
	mu     sync.Mutex
	events []changelog.Event
	err    error
}

func (f *fakeChangelog) Append(ctx context.Context, e changelog.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

type fakeReports struct{ got []report.Summary }

func (f *fakeReports) Publish(ctx context.Context, s report.Summary) error {
	f.got = append(f.got, s)
	return nil
}

func newOrchestrator(src source.Opener, st store.Store, mutate func(*Options)) *Orchestrator {
	opts := Options{
		BatchSize: 2,
		PageSize:  3,
		Clock:     clock.NewStepping(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second),
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(src, st, opts)
}

func requireAccounted(t *testing.T, s report.Summary) {
	t.Helper()
	c := s.Counters
	require.Equal(t, c.RecordsRead, c.ItemsCreated+c.RecordsSkipped, "records read must equal items plus skipped: %+v", c)
}

func requireAggregates(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	for _, o := range st.Orders() {
		sum := decimal.Zero
		for _, it := range o.Items {
			sum = sum.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
			_, ok := st.Product(it.ProductID)
			require.True(t, ok, "item of %s references missing product %s", o.ID, it.ProductID)
		}
		require.True(t, o.Total.Equal(sum), "order %s total %s != %s", o.ID, o.Total, sum)
		require.True(t, o.Subtotal.Equal(o.Total))
		_, ok := st.Customer(o.CustomerID)
		require.True(t, ok)
	}
}

func TestFullRefreshEndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	cl := &fakeChangelog{}
	reports := &fakeReports{}
	reg := metrics.NewRegistry()
	o := newOrchestrator(source.NewMemory(dataset()), st, func(opts *Options) {
		opts.Changelog = cl
		opts.Reports = reports
		opts.Metrics = reg
	})

	s := o.Run(context.Background(), ModeFull)
	require.NoError(t, s.Err)
	require.Equal(t, Completed.String(), s.State)
	require.Equal(t, Completed, o.State())
	require.NotEmpty(t, s.RunID)

	c := s.Counters
	require.EqualValues(t, 10, c.RecordsRead)
	require.EqualValues(t, 3, c.OrdersCreated) // INV1, INV2, INV6
	require.EqualValues(t, 5, c.ItemsCreated)
	require.EqualValues(t, 3, c.CustomersCreated)
	require.EqualValues(t, 3, c.ProductsCreated)
	require.EqualValues(t, 3, c.OrdersSkipped) // INV3 no customer, INV4 no valid line, INV5 bad date
	requireAccounted(t, s)
	require.Equal(t, 1, s.Skips["blank_order_ref"])

	orders := st.Orders()
	require.Len(t, orders, 3)
	require.Equal(t, "INV1", orders[0].ID)
	require.Len(t, orders[0].Items, 3, "INV1 records span pages")
	require.True(t, orders[0].Total.Equal(decimal.RequireFromString("19.50")))
	require.Equal(t, time.Date(2011, 8, 18, 6, 30, 0, 0, time.UTC), orders[0].OrderDate)
	require.Equal(t, "17850", orders[2].CustomerID)
	requireAggregates(t, st)

	require.NotNil(t, s.Tables)
	require.EqualValues(t, 5, s.Tables.OrderItems)
	require.Len(t, cl.events, 3)
	require.Len(t, reports.got, 1)
	require.Equal(t, s.RunID, reports.got[0].RunID)
	require.Equal(t, 10.0, testutil.ToFloat64(reg.RecordsRead))
	require.Equal(t, 5.0, testutil.ToFloat64(reg.ItemsCreated))
}

func TestFullRefreshEmptySourceClearsTables(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	first := newOrchestrator(source.NewMemory(dataset()), st, nil).Run(ctx, ModeFull)
	require.NoError(t, first.Err)

	s := newOrchestrator(source.NewMemory(nil), st, nil).Run(ctx, ModeFull)
	require.NoError(t, s.Err)
	require.Equal(t, Completed.String(), s.State)
	require.NotNil(t, s.Deleted)
	require.EqualValues(t, 5, s.Deleted.OrderItems)
	require.EqualValues(t, 3, s.Deleted.Orders)

	tc, err := st.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, tc)
}

func TestIncrementalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	src := source.NewMemory(dataset())

	first := newOrchestrator(src, st, nil).Run(ctx, ModeIncremental)
	require.NoError(t, first.Err)
	require.EqualValues(t, 3, first.Counters.OrdersCreated)
	require.Nil(t, first.Deleted)

	second := newOrchestrator(src, st, nil).Run(ctx, ModeIncremental)
	require.NoError(t, second.Err)
	require.Zero(t, second.Counters.OrdersCreated)
	require.Zero(t, second.Counters.CustomersCreated)
	require.Zero(t, second.Counters.ProductsCreated)
	require.EqualValues(t, 3, second.Counters.OrdersExisting)
	requireAccounted(t, second)

	tc, err := st.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, tc.Orders)
}

func TestIncrementalPicksUpNewOrders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, newOrchestrator(source.NewMemory(dataset()), st, nil).Run(ctx, ModeIncremental).Err)

	more := append(dataset(), raw("INV7", "C1", "P1", "4", "5.00"), raw("INV7", "C9", "P9", "1", "1.25"))
	s := newOrchestrator(source.NewMemory(more), st, nil).Run(ctx, ModeIncremental)
	require.NoError(t, s.Err)
	require.EqualValues(t, 1, s.Counters.OrdersCreated)
	require.EqualValues(t, 2, s.Counters.ItemsCreated)
	require.Zero(t, s.Counters.CustomersCreated, "customer comes from the first record (C1) which exists")
	require.EqualValues(t, 1, s.Counters.ProductsCreated)
	requireAggregates(t, st)
}

type cancellingOpener struct {
	inner  source.Opener
	cancel context.CancelFunc
}

func (c *cancellingOpener) Open(ctx context.Context, pageSize int) (source.Reader, error) {
	r, err := c.inner.Open(ctx, pageSize)
	if err != nil {
		return nil, err
	}
	return &cancellingReader{inner: r, cancel: c.cancel}, nil
}

type cancellingReader struct {
	inner  source.Reader
	cancel context.CancelFunc
}

func (c *cancellingReader) NextPage(ctx context.Context) (source.Page, error) {
	p, err := c.inner.NextPage(ctx)
	c.cancel()
	return p, err
}

func TestCancellationBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemoryStore()
	recs := []model.RawRecord{
		raw("INV1", "C1", "P1", "1", "1.00"),
		raw("INV2", "C1", "P1", "1", "1.00"),
		raw("INV3", "C1", "P1", "1", "1.00"),
		raw("INV4", "C1", "P1", "1", "1.00"),
	}
	o := newOrchestrator(&cancellingOpener{inner: source.NewMemory(recs), cancel: cancel}, st, func(opts *Options) {
		opts.BatchSize = 1
		opts.PageSize = 2
		opts.Drain = DrainEager
	})

	s := o.Run(ctx, ModeFull)
	require.Equal(t, Failed.String(), s.State)
	require.Equal(t, ReasonCancelled, s.Reason)
	require.ErrorIs(t, s.Err, model.ErrCancelled)
	require.EqualValues(t, 2, s.Counters.RecordsRead)
	require.EqualValues(t, 1, s.Counters.OrdersCreated, "the batch in flight completes")
	require.Equal(t, 1, s.Skips["unprocessed"])
	requireAccounted(t, s)
	require.Len(t, st.Orders(), 1)
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := store.NewMemoryStore()
	s := newOrchestrator(source.NewMemory(dataset()), st, nil).Run(ctx, ModeFull)
	require.Equal(t, ReasonCancelled, s.Reason)
	require.Zero(t, s.Counters.RecordsRead)
}

func TestSourceUnavailableIsFatal(t *testing.T) {
	st := store.NewMemoryStore()
	src := source.NewMemory(dataset())
	src.FailAfter = 1

	s := newOrchestrator(src, st, nil).Run(context.Background(), ModeIncremental)
	require.Equal(t, Failed.String(), s.State)
	require.Equal(t, ReasonSourceUnavailable, s.Reason)
	require.ErrorIs(t, s.Err, model.ErrSourceUnavailable)
	require.EqualValues(t, 3, s.Counters.RecordsRead)
	requireAccounted(t, s)
	require.Empty(t, st.Orders(), "nothing is committed before the source is exhausted")

	src.FailAfter = 0
	src.FailOpen = true
	s = newOrchestrator(src, st, nil).Run(context.Background(), ModeIncremental)
	require.Equal(t, ReasonSourceUnavailable, s.Reason)
}

func TestStoreUnavailableIsFatal(t *testing.T) {
	st := store.NewMemoryStore()
	st.Fault = func(op string) error {
		if op == "Ping" {
			return fmt.Errorf("%w: connection refused", model.ErrStoreUnavailable)
		}
		return nil
	}
	s := newOrchestrator(source.NewMemory(dataset()), st, nil).Run(context.Background(), ModeFull)
	require.Equal(t, Failed.String(), s.State)
	require.Equal(t, ReasonStoreUnavailable, s.Reason)
	require.Nil(t, s.Deleted, "nothing is cleared when the store is down")
}

func TestStoreLostMidRunIsFatal(t *testing.T) {
	st := store.NewMemoryStore()
	st.Fault = func(op string) error {
		if op == "WithinTx" {
			return fmt.Errorf("%w: connection reset", model.ErrStoreUnavailable)
		}
		return nil
	}
	s := newOrchestrator(source.NewMemory(dataset()), st, nil).Run(context.Background(), ModeFull)
	require.Equal(t, ReasonStoreUnavailable, s.Reason)
	require.Zero(t, s.Counters.OrdersCreated)
	requireAccounted(t, s)
}

func TestPanicKeepsRecordsAccounted(t *testing.T) {
	st := store.NewMemoryStore()
	st.Fault = func(op string) error {
		if op == "InsertOrders" {
			panic("insert orders exploded")
		}
		return nil
	}
	s := newOrchestrator(source.NewMemory(dataset()), st, nil).Run(context.Background(), ModeFull)
	require.Equal(t, Failed.String(), s.State)
	require.Equal(t, ReasonError, s.Reason)
	require.Contains(t, s.Error, "insert orders exploded")
	require.Zero(t, s.Counters.ItemsCreated)
	require.Positive(t, s.Skips["unprocessed"])
	requireAccounted(t, s)
}

type pagesOpener struct{ pages []source.Page }

func (o *pagesOpener) Open(ctx context.Context, pageSize int) (source.Reader, error) {
	return &pagesReader{pages: o.pages}, nil
}

type pagesReader struct{ pages []source.Page }

func (r *pagesReader) NextPage(ctx context.Context) (source.Page, error) {
	p := r.pages[0]
	r.pages = r.pages[1:]
	return p, nil
}

func TestMalformedDocumentsAreSkipped(t *testing.T) {
	recs := dataset()
	src := &pagesOpener{pages: []source.Page{
		{Records: recs[:4], Malformed: 2, HasMore: true},
		{Records: recs[4:], Malformed: 1},
	}}
	st := store.NewMemoryStore()
	s := newOrchestrator(src, st, nil).Run(context.Background(), ModeFull)
	require.Equal(t, Completed.String(), s.State)
	require.EqualValues(t, len(recs)+3, s.Counters.RecordsRead)
	require.Equal(t, 3, s.Skips["malformed_document"])
	require.EqualValues(t, 3, s.Counters.OrdersCreated)
	requireAccounted(t, s)
}

func TestConflictFailsOnlyThatBatch(t *testing.T) {
	st := store.NewMemoryStore()
	calls := 0
	st.Fault = func(op string) error {
		if op == "InsertOrders" {
			calls++
			if calls == 1 {
				return fmt.Errorf("%w: duplicate key", model.ErrConflict)
			}
		}
		return nil
	}
	s := newOrchestrator(source.NewMemory(dataset()), st, nil).Run(context.Background(), ModeFull)
	require.NoError(t, s.Err)
	require.Equal(t, Completed.String(), s.State)
	require.Equal(t, 1, s.BatchesFailed)
	require.EqualValues(t, 2, s.Counters.OrdersFailed)
	require.EqualValues(t, 1, s.Counters.OrdersCreated)
	requireAccounted(t, s)
	requireAggregates(t, st)
}

func TestContiguousDrainCommitsWhileStreaming(t *testing.T) {
	var recs []model.RawRecord
	for i := 0; i < 10; i++ {
		inv := fmt.Sprintf("INV%02d", i)
		recs = append(recs, raw(inv, "C1", "P1", "1", "1.00"), raw(inv, "C2", "P2", "2", "2.00"))
	}
	st := store.NewMemoryStore()
	s := newOrchestrator(source.NewMemory(recs), st, func(opts *Options) {
		opts.Drain = DrainContiguous
		opts.PageSize = 3
		opts.BatchSize = 2
	}).Run(context.Background(), ModeFull)
	require.NoError(t, s.Err)
	require.EqualValues(t, 10, s.Counters.OrdersCreated)
	require.EqualValues(t, 20, s.Counters.ItemsCreated)
	require.Zero(t, s.Skips["late_record"])
	for _, o := range st.Orders() {
		require.Len(t, o.Items, 2, "order %s split across batches", o.ID)
	}
	requireAccounted(t, s)
}

func TestEagerDrainSkipsLateRecords(t *testing.T) {
	recs := []model.RawRecord{
		raw("INV1", "C1", "P1", "1", "1.00"),
		raw("INV2", "C1", "P1", "1", "1.00"),
		raw("INV1", "C1", "P2", "1", "1.00"),
	}
	st := store.NewMemoryStore()
	s := newOrchestrator(source.NewMemory(recs), st, func(opts *Options) {
		opts.Drain = DrainEager
		opts.PageSize = 2
		opts.BatchSize = 1
	}).Run(context.Background(), ModeFull)
	require.NoError(t, s.Err)
	require.Equal(t, 1, s.Skips["late_record"])
	requireAccounted(t, s)
}

type blockingOpener struct {
	opened  chan struct{}
	release chan struct{}
}

func (b *blockingOpener) Open(ctx context.Context, pageSize int) (source.Reader, error) {
	close(b.opened)
	<-b.release
	return source.NewMemory(nil).Open(ctx, pageSize)
}

func TestSecondRunIsRejectedWhileRunning(t *testing.T) {
	src := &blockingOpener{opened: make(chan struct{}), release: make(chan struct{})}
	o := newOrchestrator(src, store.NewMemoryStore(), nil)

	done := make(chan report.Summary)
	go func() { done <- o.Run(context.Background(), ModeIncremental) }()
	<-src.opened

	s := o.Run(context.Background(), ModeIncremental)
	require.ErrorIs(t, s.Err, model.ErrRunInProgress)
	require.Equal(t, ReasonAlreadyRunning, s.Reason)

	close(src.release)
	first := <-done
	require.NoError(t, first.Err)
}

func TestChangelogFailureIsNotFatal(t *testing.T) {
	cl := &fakeChangelog{err: fmt.Errorf("broker down")}
	reg := metrics.NewRegistry()
	s := newOrchestrator(source.NewMemory(dataset()), store.NewMemoryStore(), func(opts *Options) {
		opts.Changelog = cl
		opts.Metrics = reg
	}).Run(context.Background(), ModeFull)
	require.NoError(t, s.Err)
	require.Equal(t, 3.0, testutil.ToFloat64(reg.ChangelogErrors))
}

func TestParseModeAndDrain(t *testing.T) {
	m, err := ParseMode("Full")
	require.NoError(t, err)
	require.Equal(t, ModeFull, m)
	_, err = ParseMode("sideways")
	require.Error(t, err)

	d, err := ParseDrainPolicy("")
	require.NoError(t, err)
	require.Equal(t, DrainOnExhaustion, d)
	_, err = ParseDrainPolicy("sometimes")
	require.Error(t, err)
}

func TestUnknownModeFails(t *testing.T) {
	s := newOrchestrator(source.NewMemory(nil), store.NewMemoryStore(), nil).Run(context.Background(), Mode("weird"))
	require.Equal(t, Failed.String(), s.State)
	require.Equal(t, ReasonError, s.Reason)
}
