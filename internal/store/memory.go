package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"retailsync/internal/model"
)

type memTxKey struct{}

type memTables struct {
	customers map[string]model.Customer
	products  map[string]model.Product
	orders    map[string]model.Order
	items     []model.OrderItem
	nextItem  int64
}

func (t memTables) clone() memTables {
	c := memTables{
		customers: make(map[string]model.Customer, len(t.customers)),
		products:  make(map[string]model.Product, len(t.products)),
		orders:    make(map[string]model.Order, len(t.orders)),
		items:     append([]model.OrderItem(nil), t.items...),
		nextItem:  t.nextItem,
	}
	for k, v := range t.customers {
		c.customers[k] = v
	}
	for k, v := range t.products {
		c.products[k] = v
	}
	for k, v := range t.orders {
		c.orders[k] = v
	}
	return c
}

// MemoryStore is an in-process Store with the same key and foreign-key
// rules as the SQL schema. Transactions snapshot the tables and restore
// them on error.
type MemoryStore struct {
	mu sync.Mutex
	t  memTables

	// Fault, when set, is called with the operation name before every
	// operation; a non-nil result is returned instead of running it.
	Fault func(op string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{t: memTables{
		customers: make(map[string]model.Customer),
		products:  make(map[string]model.Product),
		orders:    make(map[string]model.Order),
	}}
}

// do runs fn under the store lock unless ctx already belongs to a
// transaction, which holds the lock for its whole duration.
func (m *MemoryStore) do(ctx context.Context, op string, fn func() error) error {
	if m.Fault != nil {
		if err := m.Fault(op); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ctx.Value(memTxKey{}) != nil {
		return fn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.do(ctx, "Ping", func() error { return nil })
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	if m.Fault != nil {
		if err := m.Fault("WithinTx"); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.t.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context) (DeleteCounts, error) {
	var dc DeleteCounts
	err := m.do(ctx, "DeleteAll", func() error {
		dc = DeleteCounts{
			OrderItems: int64(len(m.t.items)),
			Orders:     int64(len(m.t.orders)),
			Customers:  int64(len(m.t.customers)),
			Products:   int64(len(m.t.products)),
		}
		m.t.items = nil
		m.t.orders = make(map[string]model.Order)
		m.t.customers = make(map[string]model.Customer)
		m.t.products = make(map[string]model.Product)
		return nil
	})
	return dc, err
}

func (m *MemoryStore) FindCustomer(ctx context.Context, id string) (model.Customer, bool, error) {
	var (
		c  model.Customer
		ok bool
	)
	err := m.do(ctx, "FindCustomer", func() error {
		c, ok = m.t.customers[id]
		return nil
	})
	return c, ok, err
}

func (m *MemoryStore) FindProduct(ctx context.Context, stockCode string) (model.Product, bool, error) {
	var (
		p  model.Product
		ok bool
	)
	err := m.do(ctx, "FindProduct", func() error {
		p, ok = m.t.products[stockCode]
		return nil
	})
	return p, ok, err
}

func (m *MemoryStore) ExistingOrders(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	err := m.do(ctx, "ExistingOrders", func() error {
		for _, id := range ids {
			if _, ok := m.t.orders[id]; ok {
				out[id] = true
			}
		}
		return nil
	})
	return out, err
}

func (m *MemoryStore) UpsertCustomers(ctx context.Context, cs []model.Customer) error {
	return m.do(ctx, "UpsertCustomers", func() error {
		for _, c := range cs {
			m.t.customers[c.ID] = c
		}
		return nil
	})
}

func (m *MemoryStore) UpsertProducts(ctx context.Context, ps []model.Product) error {
	return m.do(ctx, "UpsertProducts", func() error {
		for _, p := range ps {
			m.t.products[p.StockCode] = p
		}
		return nil
	})
}

func (m *MemoryStore) InsertOrders(ctx context.Context, os []model.Order) error {
	return m.do(ctx, "InsertOrders", func() error {
		for _, o := range os {
			if _, dup := m.t.orders[o.ID]; dup {
				return fmt.Errorf("%w: order %s already exists", model.ErrConflict, o.ID)
			}
			if _, ok := m.t.customers[o.CustomerID]; !ok {
				return fmt.Errorf("%w: order %s references unknown customer %s", model.ErrConflict, o.ID, o.CustomerID)
			}
			o.Items = nil
			m.t.orders[o.ID] = o
		}
		return nil
	})
}

func (m *MemoryStore) InsertItems(ctx context.Context, items []model.OrderItem) error {
	return m.do(ctx, "InsertItems", func() error {
		for _, it := range items {
			if _, ok := m.t.orders[it.OrderID]; !ok {
				return fmt.Errorf("%w: item references unknown order %s", model.ErrConflict, it.OrderID)
			}
			if _, ok := m.t.products[it.ProductID]; !ok {
				return fmt.Errorf("%w: item references unknown product %s", model.ErrConflict, it.ProductID)
			}
			if it.Quantity <= 0 {
				return fmt.Errorf("%w: item quantity %d", model.ErrConflict, it.Quantity)
			}
			m.t.nextItem++
			it.ID = m.t.nextItem
			m.t.items = append(m.t.items, it)
		}
		return nil
	})
}

func (m *MemoryStore) Counts(ctx context.Context) (TableCounts, error) {
	var tc TableCounts
	err := m.do(ctx, "Counts", func() error {
		tc = TableCounts{
			Customers:  int64(len(m.t.customers)),
			Products:   int64(len(m.t.products)),
			Orders:     int64(len(m.t.orders)),
			OrderItems: int64(len(m.t.items)),
		}
		return nil
	})
	return tc, err
}

// Orders returns committed orders with their items, sorted by id.
func (m *MemoryStore) Orders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	byOrder := make(map[string][]model.OrderItem)
	for _, it := range m.t.items {
		byOrder[it.OrderID] = append(byOrder[it.OrderID], it)
	}
	out := make([]model.Order, 0, len(m.t.orders))
	for _, o := range m.t.orders {
		o.Items = byOrder[o.ID]
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Customer(id string) (model.Customer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.t.customers[id]
	return c, ok
}

func (m *MemoryStore) Product(code string) (model.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.t.products[code]
	return p, ok
}
