// Package dimension resolves customers and products for the orders of one
// sync run, creating each identity at most once.
package dimension

import (
	"context"
	"fmt"

	"retailsync/internal/model"

	"github.com/shopspring/decimal"
)

// Lookup finds dimension rows that already exist in the relational store.
type Lookup interface {
	FindCustomer(ctx context.Context, id string) (model.Customer, bool, error)
	FindProduct(ctx context.Context, stockCode string) (model.Product, bool, error)
}

type origin int

const (
	created origin = iota // first seen in this run
	loaded                // found in the store
)

type status struct {
	origin    origin
	persisted bool
	pending   bool // staged in the current batch
}

type customerEntry struct {
	c *model.Customer
	status
}

type productEntry struct {
	p *model.Product
	status
}

// Cache holds the entities resolved during one run. It is owned by a single
// run and is not safe for concurrent use.
type Cache struct {
	customers map[string]*customerEntry
	products  map[string]*productEntry
}

func NewCache() *Cache {
	return &Cache{
		customers: make(map[string]*customerEntry),
		products:  make(map[string]*productEntry),
	}
}

func (c *Cache) Len() (customers, products int) {
	return len(c.customers), len(c.products)
}

type Stats struct {
	CustomersCreated int `json:"customersCreated"`
	CustomersLoaded  int `json:"customersLoaded"`
	ProductsCreated  int `json:"productsCreated"`
	ProductsLoaded   int `json:"productsLoaded"`
	CacheHits        int `json:"cacheHits"`
}

// Resolver resolves through the cache, then (incremental runs only) the
// store, then creates a new entity staged for the current batch.
type Resolver struct {
	cache       *Cache
	lookup      Lookup
	incremental bool

	pendingCustomers []string
	pendingProducts  []string
	stats            Stats
}

func NewResolver(cache *Cache, lookup Lookup, incremental bool) *Resolver {
	return &Resolver{cache: cache, lookup: lookup, incremental: incremental}
}

func (r *Resolver) Cache() *Cache { return r.cache }
func (r *Resolver) Stats() Stats  { return r.stats }

func (r *Resolver) ResolveCustomer(ctx context.Context, ref, country string) (*model.Customer, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: customer reference is blank", model.ErrValidation)
	}
	if e, ok := r.cache.customers[ref]; ok {
		r.stats.CacheHits++
		if e.origin == created && country != "" && e.c.Country != country {
			e.c.Country = country
			r.markCustomer(ref, e)
		}
		return e.c, nil
	}
	if r.incremental && r.lookup != nil {
		found, ok, err := r.lookup.FindCustomer(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("find customer %s: %w", ref, err)
		}
		if ok {
			c := found
			r.cache.customers[ref] = &customerEntry{c: &c, status: status{origin: loaded, persisted: true}}
			r.stats.CustomersLoaded++
			return &c, nil
		}
	}
	c := model.NewCustomer(ref, country)
	e := &customerEntry{c: &c, status: status{origin: created}}
	r.cache.customers[ref] = e
	r.markCustomer(ref, e)
	r.stats.CustomersCreated++
	return &c, nil
}

func (r *Resolver) ResolveProduct(ctx context.Context, code, description string, unitPrice decimal.Decimal) (*model.Product, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: item code is blank", model.ErrValidation)
	}
	if e, ok := r.cache.products[code]; ok {
		r.stats.CacheHits++
		if e.origin == created {
			changed := false
			if description != "" && e.p.Description != description {
				e.p.Description = description
				changed = true
			}
			if !e.p.UnitPrice.Equal(unitPrice) {
				e.p.UnitPrice = unitPrice
				changed = true
			}
			if changed {
				r.markProduct(code, e)
			}
		}
		return e.p, nil
	}
	if r.incremental && r.lookup != nil {
		found, ok, err := r.lookup.FindProduct(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("find product %s: %w", code, err)
		}
		if ok {
			p := found
			r.cache.products[code] = &productEntry{p: &p, status: status{origin: loaded, persisted: true}}
			r.stats.ProductsLoaded++
			return &p, nil
		}
	}
	p := model.Product{StockCode: code, Description: description, UnitPrice: unitPrice}
	e := &productEntry{p: &p, status: status{origin: created}}
	r.cache.products[code] = e
	r.markProduct(code, e)
	r.stats.ProductsCreated++
	return &p, nil
}

func (r *Resolver) markCustomer(ref string, e *customerEntry) {
	if !e.pending {
		e.pending = true
		r.pendingCustomers = append(r.pendingCustomers, ref)
	}
}

func (r *Resolver) markProduct(code string, e *productEntry) {
	if !e.pending {
		e.pending = true
		r.pendingProducts = append(r.pendingProducts, code)
	}
}

// Pending returns the customers and products the current batch must write:
// new entities and attribute changes of entities written earlier.
func (r *Resolver) Pending() ([]model.Customer, []model.Product) {
	cs := make([]model.Customer, 0, len(r.pendingCustomers))
	for _, ref := range r.pendingCustomers {
		cs = append(cs, *r.cache.customers[ref].c)
	}
	ps := make([]model.Product, 0, len(r.pendingProducts))
	for _, code := range r.pendingProducts {
		ps = append(ps, *r.cache.products[code].p)
	}
	return cs, ps
}

// NewlyCreated counts pending entities that have never been written.
func (r *Resolver) NewlyCreated() (customers, products int) {
	for _, ref := range r.pendingCustomers {
		if !r.cache.customers[ref].persisted {
			customers++
		}
	}
	for _, code := range r.pendingProducts {
		if !r.cache.products[code].persisted {
			products++
		}
	}
	return customers, products
}

// Commit marks the pending entities as written.
func (r *Resolver) Commit() {
	for _, ref := range r.pendingCustomers {
		e := r.cache.customers[ref]
		e.persisted, e.pending = true, false
	}
	for _, code := range r.pendingProducts {
		e := r.cache.products[code]
		e.persisted, e.pending = true, false
	}
	r.pendingCustomers, r.pendingProducts = nil, nil
}

// Discard forgets entities that were first staged by a batch that did not
// commit, so a later batch creates them again. Updates to entities written
// earlier stay pending for the next batch.
func (r *Resolver) Discard() {
	var keepC []string
	for _, ref := range r.pendingCustomers {
		e := r.cache.customers[ref]
		if !e.persisted {
			delete(r.cache.customers, ref)
			r.stats.CustomersCreated--
			continue
		}
		keepC = append(keepC, ref)
	}
	var keepP []string
	for _, code := range r.pendingProducts {
		e := r.cache.products[code]
		if !e.persisted {
			delete(r.cache.products, code)
			r.stats.ProductsCreated--
			continue
		}
		keepP = append(keepP, code)
	}
	r.pendingCustomers, r.pendingProducts = keepC, keepP
}
