package quality

import (
	"context"
	"testing"

	"retailsync/internal/model"
	"retailsync/internal/source"

	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	recs := []model.RawRecord{
		{InvoiceNo: "536365", StockCode: "85123A", Description: "HEART", Quantity: "6", InvoiceDate: "01/12/2010 08:26", UnitPrice: "2.55", CustomerID: "17850.0", Country: "UK"},
		{InvoiceNo: "536365", StockCode: "71053", Description: "LANTERN", Quantity: "6", InvoiceDate: "01/12/2010 08:26", UnitPrice: "3.39", CustomerID: "17850", Country: "UK"},
		{InvoiceNo: "536366", StockCode: "22633", Quantity: "abc", InvoiceDate: "not-a-date", UnitPrice: "-1", Country: "UK"},
		{InvoiceNo: "", StockCode: "", Quantity: "1", InvoiceDate: "2011-08-18 08:30:00", UnitPrice: "1.00", CustomerID: "12583"},
	}
	rep, err := Analyze(context.Background(), source.NewMemory(recs), 3, nil)
	require.NoError(t, err)

	require.Equal(t, 4, rep.Rows)
	require.Equal(t, 2, rep.ValidRows)
	require.Equal(t, 2, rep.InvalidRows)
	require.Equal(t, 1, rep.MissingCustomerIDs)
	require.Equal(t, 1, rep.InvalidDates)
	require.Equal(t, 1, rep.InvalidPrices)
	require.Equal(t, 1, rep.InvalidQuantities)
	require.Equal(t, 2, rep.EmptyDescriptions)
	require.Equal(t, 2, rep.DistinctOrders)
	require.Equal(t, 2, rep.DistinctCustomers, "17850.0 and 17850 are the same customer")
	require.Equal(t, 3, rep.DistinctProducts)

	q := rep.Columns["Quantity"]
	require.Equal(t, Column{Total: 4, Invalid: 1}, *q)
	require.InDelta(t, 75.0, q.Score(), 0.001)
	require.Equal(t, 1, rep.Columns["InvoiceNo"].Missing)
	require.Len(t, rep.Issues, 6)
	require.Equal(t, Issue{Row: 3, Column: "Quantity", Type: IssueInvalidNum, Value: "abc"}, rep.Issues[0])
}

func TestAnalyzeEmptySource(t *testing.T) {
	rep, err := Analyze(context.Background(), source.NewMemory(nil), 10, nil)
	require.NoError(t, err)
	require.Zero(t, rep.Rows)
	require.Equal(t, 100.0, rep.Columns["UnitPrice"].Score())
}

func TestAnalyzeIssuesAreCapped(t *testing.T) {
	recs := make([]model.RawRecord, MaxIssues+10)
	rep, err := Analyze(context.Background(), source.NewMemory(recs), 0, nil)
	require.NoError(t, err)
	require.Len(t, rep.Issues, MaxIssues)
	require.Zero(t, rep.ValidRows)
}

func TestAnalyzeSourceUnavailable(t *testing.T) {
	src := source.NewMemory(nil)
	src.FailOpen = true
	_, err := Analyze(context.Background(), src, 10, nil)
	require.ErrorIs(t, err, model.ErrSourceUnavailable)
}
