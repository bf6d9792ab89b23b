package postgres

import (
	"context"
	"errors"
	"fmt"

	"retailsync/internal/model"
	"retailsync/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return classify("tx", withTx(ctx, s.pool, fn))
}

func (s *Store) DeleteAll(ctx context.Context) (store.DeleteCounts, error) {
	var dc store.DeleteCounts
	targets := map[string]*int64{
		"order_items": &dc.OrderItems,
		"orders":      &dc.Orders,
		"customers":   &dc.Customers,
		"products":    &dc.Products,
	}
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		for _, table := range store.Tables {
			tag, err := s.q(ctx).Exec(ctx, "DELETE FROM "+pgx.Identifier{table}.Sanitize())
			if err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
			*targets[table] = tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return store.DeleteCounts{}, classify("delete all", err)
	}
	return dc, nil
}

func (s *Store) FindCustomer(ctx context.Context, id string) (model.Customer, bool, error) {
	var c model.Customer
	err := s.q(ctx).QueryRow(ctx, `
SELECT customer_id, customer_name, country
FROM customers
WHERE customer_id = $1`, id).Scan(&c.ID, &c.Name, &c.Country)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Customer{}, false, nil
	}
	if err != nil {
		return model.Customer{}, false, classify("find customer", err)
	}
	return c, true, nil
}

func (s *Store) FindProduct(ctx context.Context, stockCode string) (model.Product, bool, error) {
	var (
		p     model.Product
		price string
	)
	err := s.q(ctx).QueryRow(ctx, `
SELECT stock_code, description, unit_price::text
FROM products
WHERE stock_code = $1`, stockCode).Scan(&p.StockCode, &p.Description, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Product{}, false, nil
	}
	if err != nil {
		return model.Product{}, false, classify("find product", err)
	}
	if p.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return model.Product{}, false, fmt.Errorf("find product: unit price %q: %w", price, err)
	}
	return p, true, nil
}

func (s *Store) ExistingOrders(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.q(ctx).Query(ctx, `SELECT order_id FROM orders WHERE order_id = ANY($1)`, ids)
	if err != nil {
		return nil, classify("existing orders", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("existing orders", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, classify("existing orders", err)
	}
	return out, nil
}

func (s *Store) UpsertCustomers(ctx context.Context, cs []model.Customer) error {
	b := &pgx.Batch{}
	for _, c := range cs {
		b.Queue(`
INSERT INTO customers (customer_id, customer_name, country)
VALUES ($1, $2, $3)
ON CONFLICT (customer_id) DO UPDATE
SET customer_name = EXCLUDED.customer_name, country = EXCLUDED.country`,
			c.ID, c.Name, c.Country)
	}
	return classify("upsert customers", s.sendBatch(ctx, b))
}

func (s *Store) UpsertProducts(ctx context.Context, ps []model.Product) error {
	b := &pgx.Batch{}
	for _, p := range ps {
		b.Queue(`
INSERT INTO products (stock_code, description, unit_price)
VALUES ($1, $2, $3)
ON CONFLICT (stock_code) DO UPDATE
SET description = EXCLUDED.description, unit_price = EXCLUDED.unit_price`,
			p.StockCode, p.Description, numeric(p.UnitPrice))
	}
	return classify("upsert products", s.sendBatch(ctx, b))
}

func (s *Store) InsertOrders(ctx context.Context, os []model.Order) error {
	b := &pgx.Batch{}
	for _, o := range os {
		b.Queue(`
INSERT INTO orders (order_id, customer_id, order_date, status, subtotal, tax, shipping_fee, total_amount, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			o.ID, o.CustomerID, o.OrderDate, o.Status,
			numeric(o.Subtotal), numeric(o.Tax), numeric(o.ShippingFee), numeric(o.Total),
			o.CreatedAt, o.UpdatedAt)
	}
	return classify("insert orders", s.sendBatch(ctx, b))
}

func (s *Store) InsertItems(ctx context.Context, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.q(ctx).CopyFrom(ctx,
		pgx.Identifier{"order_items"},
		[]string{"order_id", "product_id", "quantity", "unit_price", "line_total"},
		pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
			it := items[i]
			return []any{it.OrderID, it.ProductID, int32(it.Quantity), numeric(it.UnitPrice), numeric(it.LineTotal)}, nil
		}),
	)
	return classify("insert items", err)
}

func (s *Store) Counts(ctx context.Context) (store.TableCounts, error) {
	var tc store.TableCounts
	err := s.q(ctx).QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM customers),
	(SELECT count(*) FROM products),
	(SELECT count(*) FROM orders),
	(SELECT count(*) FROM order_items)`).Scan(&tc.Customers, &tc.Products, &tc.Orders, &tc.OrderItems)
	if err != nil {
		return store.TableCounts{}, classify("counts", err)
	}
	return tc, nil
}

func (s *Store) sendBatch(ctx context.Context, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := s.q(ctx).SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
