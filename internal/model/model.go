package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StatusCompleted is the status assigned to every migrated order.
const StatusCompleted = "Completed"

// RawRecord is one transaction line as stored in the source collection.
// Every field is kept as text; validation happens when orders are built.
type RawRecord struct {
	ID          string `json:"_id,omitempty"`
	InvoiceNo   string `json:"InvoiceNo"`
	StockCode   string `json:"StockCode"`
	Description string `json:"Description"`
	Quantity    string `json:"Quantity"`
	InvoiceDate string `json:"InvoiceDate"`
	UnitPrice   string `json:"UnitPrice"`
	CustomerID  string `json:"CustomerID"`
	Country     string `json:"Country"`
}

// UnmarshalJSON accepts strings, numbers, booleans, null and single-key
// extended-JSON wrappers ({"$numberDouble": "2.5"}) for every field.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("raw record: %w", err)
	}
	fields := map[string]*string{
		"_id":         &r.ID,
		"InvoiceNo":   &r.InvoiceNo,
		"StockCode":   &r.StockCode,
		"Description": &r.Description,
		"Quantity":    &r.Quantity,
		"InvoiceDate": &r.InvoiceDate,
		"UnitPrice":   &r.UnitPrice,
		"CustomerID":  &r.CustomerID,
		"Country":     &r.Country,
	}
	*r = RawRecord{}
	for name, dst := range fields {
		raw, ok := doc[name]
		if !ok {
			continue
		}
		s, err := looseString(raw)
		if err != nil {
			return fmt.Errorf("raw record field %s: %w", name, err)
		}
		*dst = s
	}
	return nil
}

func looseString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return "", err
		}
		if len(wrapped) != 1 {
			return "", fmt.Errorf("unsupported object value %s", raw)
		}
		for _, v := range wrapped {
			return looseString(v)
		}
	case '[':
		return "", fmt.Errorf("unsupported array value %s", raw)
	}
	return string(raw), nil
}

type Customer struct {
	ID      string `json:"customerId"`
	Name    string `json:"customerName"`
	Country string `json:"country"`
}

// NewCustomer derives the display name from the reference.
func NewCustomer(ref, country string) Customer {
	return Customer{ID: ref, Name: "Customer " + ref, Country: country}
}

type Product struct {
	StockCode   string          `json:"stockCode"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type Order struct {
	ID          string          `json:"orderId"`
	CustomerID  string          `json:"customerId"`
	Status      string          `json:"status"`
	OrderDate   time.Time       `json:"orderDate"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	ShippingFee decimal.Decimal `json:"shippingFee"`
	Total       decimal.Decimal `json:"totalAmount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Items       []OrderItem     `json:"items,omitempty"`
}

// AddItem appends a line and keeps the order totals in step with it.
func (o *Order) AddItem(it OrderItem) {
	it.OrderID = o.ID
	o.Items = append(o.Items, it)
	o.Subtotal = o.Subtotal.Add(it.LineTotal)
	o.Total = o.Subtotal.Add(o.Tax).Add(o.ShippingFee)
}

type OrderItem struct {
	ID        int64           `json:"itemId,omitempty"`
	OrderID   string          `json:"orderId"`
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

func NewOrderItem(productID string, qty int, unitPrice decimal.Decimal) OrderItem {
	return OrderItem{
		ProductID: productID,
		Quantity:  qty,
		UnitPrice: unitPrice,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

// MaxRefLen bounds order, customer and product references.
const MaxRefLen = 50
