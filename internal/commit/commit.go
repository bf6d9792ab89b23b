// Package commit turns grouped raw records into orders and persists one
// batch of them in a single transaction.
package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"retailsync/internal/clock"
	"retailsync/internal/dates"
	"retailsync/internal/dimension"
	"retailsync/internal/grouper"
	"retailsync/internal/model"
	"retailsync/internal/store"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SkipReason labels why records did not become order items.
type SkipReason string

const (
	SkipExistingOrder   SkipReason = "existing_order"
	SkipMissingCustomer SkipReason = "missing_customer"
	SkipInvalidRef      SkipReason = "invalid_reference"
	SkipUnparseableDate SkipReason = "unparseable_date"
	SkipBlankItemCode   SkipReason = "blank_item_code"
	SkipBadQuantity     SkipReason = "invalid_quantity"
	SkipBadUnitPrice    SkipReason = "invalid_unit_price"
	SkipBatchFailed     SkipReason = "batch_failed"
)

// BatchResult counts what one Commit call did. Every record of the batch is
// either an item in Committed or counted in RecordsSkipped.
type BatchResult struct {
	Orders    int `json:"orders"`
	Items     int `json:"items"`
	Customers int `json:"customers"`
	Products  int `json:"products"`

	OrdersSkipped  int `json:"ordersSkipped"`
	OrdersExisting int `json:"ordersExisting"`
	OrdersFailed   int `json:"ordersFailed"`
	RecordsSkipped int `json:"recordsSkipped"`

	Skips     map[SkipReason]int `json:"skips,omitempty"`
	Committed []model.Order      `json:"-"`
}

func (r *BatchResult) skip(reason SkipReason, records int) {
	if records == 0 {
		return
	}
	if r.Skips == nil {
		r.Skips = make(map[SkipReason]int)
	}
	r.Skips[reason] += records
	r.RecordsSkipped += records
}

type Committer struct {
	store       store.Store
	dates       *dates.Normalizer
	clock       clock.Clock
	incremental bool
	log         zerolog.Logger
}

func New(st store.Store, norm *dates.Normalizer, clk clock.Clock, incremental bool, log zerolog.Logger) *Committer {
	if norm == nil {
		norm = dates.Default(time.UTC)
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Committer{store: st, dates: norm, clock: clk, incremental: incremental, log: log}
}

type validLine struct {
	code        string
	description string
	qty         int
	price       decimal.Decimal
}

// draft is a group that passed validation and still needs its dimensions.
type draft struct {
	ref         string
	customerRef string
	country     string
	date        time.Time
	lines       []validLine
}

// Commit builds and persists the orders of one batch. Validation problems
// skip records or orders and are counted. A model.ErrConflict error means the
// batch was rolled back and its orders counted as failed; any other error is
// fatal for the run.
func (c *Committer) Commit(ctx context.Context, groups []grouper.Group, res *dimension.Resolver) (BatchResult, error) {
	var result BatchResult
	if len(groups) == 0 {
		return result, nil
	}

	existing := map[string]bool{}
	if c.incremental {
		ids := make([]string, len(groups))
		for i, g := range groups {
			ids[i] = g.Ref
		}
		var err error
		if existing, err = c.store.ExistingOrders(ctx, ids); err != nil {
			return result, fmt.Errorf("check existing orders: %w", err)
		}
	}

	var drafts []draft
	for _, g := range groups {
		if existing[g.Ref] {
			result.OrdersExisting++
			result.skip(SkipExistingOrder, len(g.Records))
			continue
		}
		d, ok := c.validate(g, &result)
		if !ok {
			result.OrdersSkipped++
			continue
		}
		drafts = append(drafts, d)
	}

	now := c.clock.Now()
	orders := make([]model.Order, 0, len(drafts))
	for _, d := range drafts {
		o, err := c.build(ctx, d, res, now)
		if err != nil {
			res.Discard()
			return result, err
		}
		orders = append(orders, o)
	}

	customers, products := res.Pending()
	if len(orders) == 0 && len(customers) == 0 && len(products) == 0 {
		return result, nil
	}
	newCustomers, newProducts := res.NewlyCreated()
	var items []model.OrderItem
	for _, o := range orders {
		items = append(items, o.Items...)
	}

	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.store.UpsertCustomers(ctx, customers); err != nil {
			return fmt.Errorf("customers: %w", err)
		}
		if err := c.store.UpsertProducts(ctx, products); err != nil {
			return fmt.Errorf("products: %w", err)
		}
		if err := c.store.InsertOrders(ctx, orders); err != nil {
			return fmt.Errorf("orders: %w", err)
		}
		if err := c.store.InsertItems(ctx, items); err != nil {
			return fmt.Errorf("order items: %w", err)
		}
		return nil
	})
	if err != nil {
		res.Discard()
		if errors.Is(err, model.ErrConflict) {
			result.OrdersFailed += len(orders)
			result.skip(SkipBatchFailed, len(items))
			c.log.Warn().Err(err).Int("orders", len(orders)).Msg("batch rolled back")
		}
		return result, err
	}
	res.Commit()

	result.Orders = len(orders)
	result.Items = len(items)
	result.Customers = newCustomers
	result.Products = newProducts
	result.Committed = orders
	return result, nil
}

// validate checks a group without touching the dimension cache so that
// skipped orders never stage customers or products.
func (c *Committer) validate(g grouper.Group, result *BatchResult) (draft, bool) {
	first := g.Records[0]
	d := draft{ref: g.Ref, country: strings.TrimSpace(first.Country)}
	log := c.log.With().Str("order", g.Ref).Logger()

	if len(g.Ref) > model.MaxRefLen {
		log.Debug().Msg("order reference too long")
		result.skip(SkipInvalidRef, len(g.Records))
		return d, false
	}
	d.customerRef = model.NormalizeCustomerRef(first.CustomerID)
	if d.customerRef == "" {
		log.Debug().Msg("missing customer reference")
		result.skip(SkipMissingCustomer, len(g.Records))
		return d, false
	}
	if len(d.customerRef) > model.MaxRefLen {
		log.Debug().Str("customer", d.customerRef).Msg("customer reference too long")
		result.skip(SkipInvalidRef, len(g.Records))
		return d, false
	}
	date, ok := c.dates.Parse(first.InvoiceDate)
	if !ok {
		log.Debug().Str("date", first.InvoiceDate).Err(model.ErrDateParse).Msg("order skipped")
		result.skip(SkipUnparseableDate, len(g.Records))
		return d, false
	}
	d.date = date

	for _, r := range g.Records {
		code := strings.TrimSpace(r.StockCode)
		if code == "" {
			result.skip(SkipBlankItemCode, 1)
			continue
		}
		if len(code) > model.MaxRefLen {
			result.skip(SkipInvalidRef, 1)
			continue
		}
		qty, err := model.ParseQuantity(r.Quantity)
		if err != nil || qty <= 0 {
			result.skip(SkipBadQuantity, 1)
			continue
		}
		price, err := model.ParseUnitPrice(r.UnitPrice)
		if err != nil || !price.IsPositive() {
			result.skip(SkipBadUnitPrice, 1)
			continue
		}
		d.lines = append(d.lines, validLine{
			code:        code,
			description: strings.TrimSpace(r.Description),
			qty:         qty,
			price:       price,
		})
	}
	if len(d.lines) == 0 {
		log.Debug().Msg("no valid lines")
		return d, false
	}
	return d, true
}

func (c *Committer) build(ctx context.Context, d draft, res *dimension.Resolver, now time.Time) (model.Order, error) {
	cust, err := res.ResolveCustomer(ctx, d.customerRef, d.country)
	if err != nil {
		return model.Order{}, fmt.Errorf("order %s: %w", d.ref, err)
	}
	o := model.Order{
		ID:          d.ref,
		CustomerID:  cust.ID,
		Status:      model.StatusCompleted,
		OrderDate:   d.date,
		Subtotal:    decimal.Zero,
		Tax:         decimal.Zero,
		ShippingFee: decimal.Zero,
		Total:       decimal.Zero,
		CreatedAt:   d.date,
		UpdatedAt:   now,
	}
	for _, l := range d.lines {
		p, err := res.ResolveProduct(ctx, l.code, l.description, l.price)
		if err != nil {
			return model.Order{}, fmt.Errorf("order %s: %w", d.ref, err)
		}
		o.AddItem(model.NewOrderItem(p.StockCode, l.qty, l.price))
	}
	return o, nil
}
