// Package quality profiles the raw collection before a sync: which columns
// are missing or unparseable and how many rows would become order items.
package quality

import (
	"context"
	"fmt"
	"strings"

	"retailsync/internal/dates"
	"retailsync/internal/model"
	"retailsync/internal/source"

	"github.com/rs/zerolog"
)

// MaxIssues caps the per-row issues kept in a Report.
const MaxIssues = 100

type IssueType string

const (
	IssueMissing      IssueType = "MISSING"
	IssueInvalidNum   IssueType = "INVALID_NUMBER"
	IssueInvalidDate  IssueType = "INVALID_DATE"
	IssueInvalidPrice IssueType = "INVALID_PRICE"
)

type Issue struct {
	Row    int       `json:"row"`
	Column string    `json:"column"`
	Type   IssueType `json:"type"`
	Value  string    `json:"value"`
}

type Column struct {
	Total   int `json:"total"`
	Missing int `json:"missing"`
	Invalid int `json:"invalid"`
}

// Score is the share of usable values in percent.
func (c Column) Score() float64 {
	if c.Total == 0 {
		return 100
	}
	return float64(c.Total-c.Missing-c.Invalid) * 100 / float64(c.Total)
}

type Report struct {
	Rows        int `json:"rows"`
	ValidRows   int `json:"validRows"`
	InvalidRows int `json:"invalidRows"`
	// Malformed documents could not be decoded and are not part of Rows.
	Malformed int `json:"malformed"`

	Columns map[string]*Column `json:"columns"`
	Issues  []Issue            `json:"issues,omitempty"`

	MissingCustomerIDs int `json:"missingCustomerIds"`
	InvalidDates       int `json:"invalidDates"`
	InvalidPrices      int `json:"invalidPrices"`
	InvalidQuantities  int `json:"invalidQuantities"`
	EmptyDescriptions  int `json:"emptyDescriptions"`

	DistinctOrders    int `json:"distinctOrders"`
	DistinctCustomers int `json:"distinctCustomers"`
	DistinctProducts  int `json:"distinctProducts"`
}

func (r *Report) MarshalZerologObject(e *zerolog.Event) {
	e.Int("rows", r.Rows).Int("valid_rows", r.ValidRows).Int("invalid_rows", r.InvalidRows).Int("malformed", r.Malformed).
		Int("missing_customer_ids", r.MissingCustomerIDs).Int("invalid_dates", r.InvalidDates).
		Int("invalid_prices", r.InvalidPrices).Int("invalid_quantities", r.InvalidQuantities).
		Int("distinct_orders", r.DistinctOrders)
}

var columnNames = []string{"InvoiceNo", "StockCode", "Description", "Quantity", "InvoiceDate", "UnitPrice", "CustomerID", "Country"}

type analyzer struct {
	norm      *dates.Normalizer
	rep       *Report
	orders    map[string]struct{}
	customers map[string]struct{}
	products  map[string]struct{}
}

// Analyze reads src to the end and reports per-column quality. A row is
// valid when the sync would turn it into an order item.
func Analyze(ctx context.Context, src source.Opener, pageSize int, norm *dates.Normalizer) (*Report, error) {
	if norm == nil {
		norm = dates.Default(nil)
	}
	a := &analyzer{
		norm:      norm,
		rep:       &Report{Columns: make(map[string]*Column, len(columnNames))},
		orders:    map[string]struct{}{},
		customers: map[string]struct{}{},
		products:  map[string]struct{}{},
	}
	for _, c := range columnNames {
		a.rep.Columns[c] = &Column{}
	}
	reader, err := src.Open(ctx, pageSize)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	for {
		p, err := reader.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
		a.rep.Malformed += p.Malformed
		for _, r := range p.Records {
			a.row(r)
		}
		if !p.HasMore {
			break
		}
	}
	a.rep.DistinctOrders = len(a.orders)
	a.rep.DistinctCustomers = len(a.customers)
	a.rep.DistinctProducts = len(a.products)
	a.rep.InvalidRows = a.rep.Rows - a.rep.ValidRows
	return a.rep, nil
}

func (a *analyzer) row(r model.RawRecord) {
	a.rep.Rows++
	n := a.rep.Rows
	valid := true

	present := func(col, v string) bool {
		c := a.rep.Columns[col]
		c.Total++
		if strings.TrimSpace(v) == "" {
			c.Missing++
			return false
		}
		return true
	}
	invalid := func(col string, t IssueType, v string) {
		a.rep.Columns[col].Invalid++
		a.issue(n, col, t, v)
		valid = false
	}

	if present("InvoiceNo", r.InvoiceNo) {
		a.orders[strings.TrimSpace(r.InvoiceNo)] = struct{}{}
	} else {
		a.issue(n, "InvoiceNo", IssueMissing, r.InvoiceNo)
		valid = false
	}
	if present("StockCode", r.StockCode) {
		a.products[strings.TrimSpace(r.StockCode)] = struct{}{}
	} else {
		a.issue(n, "StockCode", IssueMissing, r.StockCode)
		valid = false
	}
	if !present("Description", r.Description) {
		a.rep.EmptyDescriptions++
	}
	if present("Quantity", r.Quantity) {
		if q, err := model.ParseQuantity(r.Quantity); err != nil || q <= 0 {
			a.rep.InvalidQuantities++
			invalid("Quantity", IssueInvalidNum, r.Quantity)
		}
	} else {
		a.rep.InvalidQuantities++
		valid = false
	}
	if present("InvoiceDate", r.InvoiceDate) {
		if _, ok := a.norm.Parse(r.InvoiceDate); !ok {
			a.rep.InvalidDates++
			invalid("InvoiceDate", IssueInvalidDate, r.InvoiceDate)
		}
	} else {
		a.rep.InvalidDates++
		valid = false
	}
	if present("UnitPrice", r.UnitPrice) {
		if p, err := model.ParseUnitPrice(r.UnitPrice); err != nil || !p.IsPositive() {
			a.rep.InvalidPrices++
			invalid("UnitPrice", IssueInvalidPrice, r.UnitPrice)
		}
	} else {
		a.rep.InvalidPrices++
		valid = false
	}
	if ref := model.NormalizeCustomerRef(r.CustomerID); present("CustomerID", ref) {
		a.customers[ref] = struct{}{}
	} else {
		a.rep.MissingCustomerIDs++
		a.issue(n, "CustomerID", IssueMissing, r.CustomerID)
		valid = false
	}
	present("Country", r.Country)

	if valid {
		a.rep.ValidRows++
	}
}

func (a *analyzer) issue(row int, col string, t IssueType, v string) {
	if len(a.rep.Issues) < MaxIssues {
		a.rep.Issues = append(a.rep.Issues, Issue{Row: row, Column: col, Type: t, Value: v})
	}
}
