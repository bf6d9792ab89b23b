package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"retailsync/internal/model"
)

// column setters keyed by the normalized header name.
var columns = map[string]func(*model.RawRecord, string){
	"invoiceno":   func(r *model.RawRecord, v string) { r.InvoiceNo = v },
	"invoice":     func(r *model.RawRecord, v string) { r.InvoiceNo = v },
	"stockcode":   func(r *model.RawRecord, v string) { r.StockCode = v },
	"description": func(r *model.RawRecord, v string) { r.Description = v },
	"quantity":    func(r *model.RawRecord, v string) { r.Quantity = v },
	"invoicedate": func(r *model.RawRecord, v string) { r.InvoiceDate = v },
	"unitprice":   func(r *model.RawRecord, v string) { r.UnitPrice = v },
	"price":       func(r *model.RawRecord, v string) { r.UnitPrice = v },
	"customerid":  func(r *model.RawRecord, v string) { r.CustomerID = v },
	"country":     func(r *model.RawRecord, v string) { r.Country = v },
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h)
}

// DetectDelimiter picks the field separator from a header line: semicolon
// when present, then comma, then tab.
func DetectDelimiter(header string) rune {
	switch {
	case strings.Contains(header, ";"):
		return ';'
	case strings.Contains(header, ","):
		return ','
	case strings.Contains(header, "\t"):
		return '\t'
	}
	return ','
}

// LoadCSVFile stages the CSV file at path.
func LoadCSVFile(ctx context.Context, path string, sink Sink, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{Source: path}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return LoadCSV(ctx, path, f, sink, opts)
}

// LoadCSV stages a CSV export. Header names are matched case-insensitively;
// unknown columns are ignored. Rows that cannot be parsed or carry no known
// value are counted as malformed.
func LoadCSV(ctx context.Context, name string, r io.Reader, sink Sink, opts Options) (Result, error) {
	res := Result{Source: name}
	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return res, fmt.Errorf("read header: %w", err)
	}
	if strings.TrimSpace(first) == "" {
		return res, fmt.Errorf("%w: %s has no header", model.ErrValidation, name)
	}
	delim := DetectDelimiter(first)

	cr := csv.NewReader(io.MultiReader(strings.NewReader(first), br))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return res, fmt.Errorf("parse header: %w", err)
	}
	setters := make([]func(*model.RawRecord, string), len(header))
	known := 0
	for i, h := range header {
		if set, ok := columns[normalizeHeader(h)]; ok {
			setters[i] = set
			known++
		}
	}
	if known == 0 {
		return res, fmt.Errorf("%w: %s has no recognised columns", model.ErrValidation, name)
	}
	opts.Logger.Info().Str("source", name).Str("delimiter", string(delim)).Int("columns", known).Msg("csv header read")

	b := newBatcher(ctx, sink, opts, "csv", &res)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		res.Rows++
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			res.Malformed++
			opts.Logger.Debug().Err(err).Msg("malformed csv row")
			continue
		}
		if err != nil {
			return res, fmt.Errorf("read row %d: %w", res.Rows, err)
		}
		var rec model.RawRecord
		filled := false
		for i, v := range row {
			if i >= len(setters) || setters[i] == nil {
				continue
			}
			v = strings.TrimSpace(v)
			if v != "" {
				filled = true
			}
			setters[i](&rec, v)
		}
		if !filled {
			res.Malformed++
			continue
		}
		if err := b.add(rec); err != nil {
			return res, err
		}
	}
	if err := b.flush(); err != nil {
		return res, err
	}
	opts.Logger.Info().Str("source", name).Int("rows", res.Rows).Int("loaded", res.Loaded).
		Int("malformed", res.Malformed).Msg("csv staged")
	return res, nil
}
