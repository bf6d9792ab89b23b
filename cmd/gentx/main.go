// Command gentx writes a synthetic retail transaction export for exercising
// ingest and sync end to end.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"
)

type Config struct {
	Orders    int
	MaxLines  int
	Customers int
	Products  int
	BadRate   float64
	Delimiter string
	Seed      int64
	Output    string
}

func main() {
	cfg := readFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("gentx failed: %v", err)
	}
}

func readFlags() Config {
	var cfg Config
	flag.IntVar(&cfg.Orders, "orders", 100, "number of invoices to generate")
	flag.IntVar(&cfg.MaxLines, "max-lines", 5, "maximum lines per invoice")
	flag.IntVar(&cfg.Customers, "customers", 20, "distinct customers")
	flag.IntVar(&cfg.Products, "products", 50, "distinct products")
	flag.Float64Var(&cfg.BadRate, "bad-rate", 0.05, "share of deliberately malformed lines")
	flag.StringVar(&cfg.Delimiter, "delimiter", ",", "field delimiter: , ; or tab")
	flag.Int64Var(&cfg.Seed, "seed", 1, "random seed")
	flag.StringVar(&cfg.Output, "output", "transactions.csv", "output file, - for stdout")
	flag.Parse()
	return cfg
}

func run(cfg Config) error {
	var w io.Writer = os.Stdout
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return fmt.Errorf("create file: %w", err)
		}
		defer f.Close()
		w = f
	}
	n, err := generate(w, cfg)
	if err != nil {
		return err
	}
	log.Printf("generated %d lines for %d invoices to %s", n, cfg.Orders, cfg.Output)
	return nil
}

var header = []string{"InvoiceNo", "StockCode", "Description", "Quantity", "InvoiceDate", "UnitPrice", "CustomerID", "Country"}

var countries = []string{"United Kingdom", "France", "Germany", "EIRE", "Netherlands"}

// dateFormats mirrors the mix found in real exports.
var dateFormats = []string{"2006-01-02 15:04:05", "2/1/2006 15:04", "1/2/2006 15:04", "2006-01-02T15:04:05"}

type product struct {
	code  string
	desc  string
	price string
}

func generate(out io.Writer, cfg Config) (int, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	w := csv.NewWriter(out)
	switch cfg.Delimiter {
	case ";":
		w.Comma = ';'
	case "tab", "\\t", "\t":
		w.Comma = '\t'
	}
	if err := w.Write(header); err != nil {
		return 0, err
	}

	products := make([]product, cfg.Products)
	for i := range products {
		products[i] = product{
			code:  fmt.Sprintf("%05d", 10000+i),
			desc:  fmt.Sprintf("ITEM %d", i),
			price: fmt.Sprintf("%d.%02d", 1+rng.Intn(20), rng.Intn(100)),
		}
	}
	base := time.Date(2010, 12, 1, 8, 0, 0, 0, time.UTC)
	lines := 0
	for i := 0; i < cfg.Orders; i++ {
		inv := fmt.Sprintf("%d", 536365+i)
		cust := fmt.Sprintf("%d.0", 12000+rng.Intn(cfg.Customers))
		country := countries[rng.Intn(len(countries))]
		when := base.Add(time.Duration(i) * 37 * time.Minute)
		layout := dateFormats[rng.Intn(len(dateFormats))]
		if layout == "1/2/2006 15:04" && when.Day() <= 12 {
			// month-first is only unambiguous once the day exceeds 12
			layout = "2/1/2006 15:04"
		}
		date := when.Format(layout)
		for j := 0; j < 1+rng.Intn(cfg.MaxLines); j++ {
			p := products[rng.Intn(len(products))]
			row := []string{inv, p.code, p.desc, fmt.Sprintf("%d", 1+rng.Intn(12)), date, p.price, cust, country}
			if rng.Float64() < cfg.BadRate {
				corrupt(rng, row)
			}
			if err := w.Write(row); err != nil {
				return lines, err
			}
			lines++
		}
	}
	w.Flush()
	return lines, w.Error()
}

// corrupt damages one field the way dirty exports do.
func corrupt(rng *rand.Rand, row []string) {
	switch rng.Intn(5) {
	case 0:
		row[1] = ""
	case 1:
		row[3] = "-1"
	case 2:
		row[4] = "not-a-date"
	case 3:
		row[5] = "n/a"
	case 4:
		row[6] = ""
	}
}
