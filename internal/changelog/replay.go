package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Audit summarizes a changelog. An order id committed by more than one
// event points at a replayed or repeated full refresh.
type Audit struct {
	Events     int            `json:"events"`
	Orders     int            `json:"orders"`
	Items      int            `json:"items"`
	Total      string         `json:"total"`
	Runs       map[string]int `json:"runs"`
	Duplicates []string       `json:"duplicates,omitempty"`

	seen  map[string]int
	total decimal.Decimal
}

func NewAudit() *Audit {
	return &Audit{Runs: map[string]int{}, seen: map[string]int{}, total: decimal.Zero, Total: "0.00"}
}

// Add folds one event into the audit.
func (a *Audit) Add(e Event) error {
	t, err := decimal.NewFromString(e.Total)
	if err != nil {
		return fmt.Errorf("event %s/%d total %q: %w", e.RunID, e.Seq, e.Total, err)
	}
	a.Events++
	a.Items += e.Items
	a.Runs[e.RunID]++
	a.seen[e.OrderID]++
	switch a.seen[e.OrderID] {
	case 1:
		a.Orders++
		a.total = a.total.Add(t)
	case 2:
		a.Duplicates = append(a.Duplicates, e.OrderID)
	}
	a.Total = a.total.StringFixed(2)
	return nil
}

func (a *Audit) finish() *Audit {
	sort.Strings(a.Duplicates)
	return a
}

// Replay decodes JSON lines from r and calls fn for each event.
func Replay(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("unmarshal line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan changelog: %w", err)
	}
	return nil
}

func AuditFile(path string) (*Audit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open changelog: %w", err)
	}
	defer f.Close()
	a := NewAudit()
	if err := Replay(f, a.Add); err != nil {
		return nil, err
	}
	return a.finish(), nil
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewKafkaReader reads partition 0 of topic from the beginning.
func NewKafkaReader(bootstrap, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   Brokers(bootstrap),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
}

// AuditKafka consumes events until no message arrives for idle.
func AuditKafka(ctx context.Context, r kafkaMessageReader, idle time.Duration) (*Audit, error) {
	defer r.Close()
	a := NewAudit()
	for {
		rctx, cancel := context.WithTimeout(ctx, idle)
		m, err := r.ReadMessage(rctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return a.finish(), fmt.Errorf("read kafka: %w", err)
		}
		var e Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			return a.finish(), fmt.Errorf("unmarshal event at offset %d: %w", m.Offset, err)
		}
		if err := a.Add(e); err != nil {
			return a.finish(), err
		}
	}
	return a.finish(), nil
}
