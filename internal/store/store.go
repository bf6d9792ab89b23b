// Package store is the relational persistence boundary of the sync engine.
package store

import (
	"context"

	"retailsync/internal/model"
)

// Tables in the order a full refresh deletes them.
var Tables = []string{"order_items", "orders", "customers", "products"}

type DeleteCounts struct {
	OrderItems int64 `json:"orderItems"`
	Orders     int64 `json:"orders"`
	Customers  int64 `json:"customers"`
	Products   int64 `json:"products"`
}

type TableCounts struct {
	Customers  int64 `json:"customers"`
	Products   int64 `json:"products"`
	Orders     int64 `json:"orders"`
	OrderItems int64 `json:"orderItems"`
}

// Store persists the normalized model. Errors are classified with
// model.ErrStoreUnavailable and model.ErrConflict.
type Store interface {
	Ping(ctx context.Context) error
	// WithinTx runs fn in one transaction; calls made with the ctx passed
	// to fn join it.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// DeleteAll clears every table with one set-based delete per table.
	DeleteAll(ctx context.Context) (DeleteCounts, error)

	FindCustomer(ctx context.Context, id string) (model.Customer, bool, error)
	FindProduct(ctx context.Context, stockCode string) (model.Product, bool, error)
	ExistingOrders(ctx context.Context, ids []string) (map[string]bool, error)

	UpsertCustomers(ctx context.Context, cs []model.Customer) error
	UpsertProducts(ctx context.Context, ps []model.Product) error
	InsertOrders(ctx context.Context, os []model.Order) error
	InsertItems(ctx context.Context, items []model.OrderItem) error

	Counts(ctx context.Context) (TableCounts, error)
}
