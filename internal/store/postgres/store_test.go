package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"retailsync/internal/model"
	"retailsync/internal/store"
	"retailsync/internal/testutil"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	pool := testutil.NewTestPool(t)
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)
	return New(pool), ctx
}

func sampleOrder() model.Order {
	ts := time.Date(2011, 8, 18, 8, 30, 0, 0, time.UTC)
	o := model.Order{
		ID: "INV100", CustomerID: "C1", Status: model.StatusCompleted,
		OrderDate: ts, CreatedAt: ts, UpdatedAt: ts,
		Tax: decimal.Zero, ShippingFee: decimal.Zero,
	}
	o.AddItem(model.NewOrderItem("P1", 2, decimal.RequireFromString("5.00")))
	return o
}

func TestStoreRoundTrip(t *testing.T) {
	s, ctx := newStore(t)
	o := sampleOrder()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.UpsertCustomers(ctx, []model.Customer{model.NewCustomer("C1", "UK")}); err != nil {
			return err
		}
		if err := s.UpsertProducts(ctx, []model.Product{{StockCode: "P1", Description: "Mug", UnitPrice: decimal.RequireFromString("5.00")}}); err != nil {
			return err
		}
		if err := s.InsertOrders(ctx, []model.Order{o}); err != nil {
			return err
		}
		return s.InsertItems(ctx, o.Items)
	})
	require.NoError(t, err)

	c, ok, err := s.FindCustomer(ctx, "C1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Customer C1", c.Name)

	p, ok, err := s.FindProduct(ctx, "P1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.UnitPrice.Equal(decimal.RequireFromString("5")))

	_, ok, err = s.FindProduct(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	existing, err := s.ExistingOrders(ctx, []string{"INV100", "INV101"})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"INV100": true}, existing)

	tc, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, store.TableCounts{Customers: 1, Products: 1, Orders: 1, OrderItems: 1}, tc)

	dc, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	require.Equal(t, store.DeleteCounts{OrderItems: 1, Orders: 1, Customers: 1, Products: 1}, dc)
}

func TestStoreConflictRollsBackBatch(t *testing.T) {
	s, ctx := newStore(t)
	o := sampleOrder()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.UpsertCustomers(ctx, []model.Customer{model.NewCustomer("C9", "")}); err != nil {
			return err
		}
		// C1 was never inserted
		return s.InsertOrders(ctx, []model.Order{o})
	})
	require.ErrorIs(t, err, model.ErrConflict)

	_, ok, err := s.FindCustomer(ctx, "C9")
	require.NoError(t, err)
	require.False(t, ok, "customer insert must roll back with the batch")
}

func TestClassify(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	require.ErrorIs(t, classify("op", unique), model.ErrConflict)
	require.ErrorIs(t, classify("op", &pgconn.PgError{Code: "23514"}), model.ErrConflict)
	require.ErrorIs(t, classify("op", &pgconn.PgError{Code: "22001"}), model.ErrConflict)
	require.ErrorIs(t, classify("op", &pgconn.PgError{Code: "08006"}), model.ErrStoreUnavailable)
	require.NoError(t, classify("op", nil))

	other := errors.New("syntax")
	got := classify("op", other)
	require.ErrorIs(t, got, other)
	require.False(t, errors.Is(got, model.ErrConflict))
	require.False(t, errors.Is(got, model.ErrStoreUnavailable))
}
