// Package report describes the outcome of a sync run and publishes the
// latest one to a file or a compacted Kafka topic.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"retailsync/internal/changelog"
	"retailsync/internal/store"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const latestFile = "sync.latest.json"

type Counters struct {
	RecordsRead      int64 `json:"recordsRead"`
	RecordsSkipped   int64 `json:"recordsSkipped"`
	OrdersCreated    int64 `json:"ordersCreated"`
	OrdersSkipped    int64 `json:"ordersSkipped"`
	OrdersExisting   int64 `json:"ordersExisting"`
	OrdersFailed     int64 `json:"ordersFailed"`
	CustomersCreated int64 `json:"customersCreated"`
	ProductsCreated  int64 `json:"productsCreated"`
	ItemsCreated     int64 `json:"itemsCreated"`
}

// Summary is the structured result of one run. Err is set for runs that did
// not complete; Error carries its text across serialization.
type Summary struct {
	RunID         string              `json:"runId"`
	Mode          string              `json:"mode"`
	State         string              `json:"state"`
	Reason        string              `json:"reason,omitempty"`
	Error         string              `json:"error,omitempty"`
	Err           error               `json:"-"`
	StartedAt     time.Time           `json:"startedAt"`
	FinishedAt    time.Time           `json:"finishedAt"`
	Batches       int                 `json:"batches"`
	BatchesFailed int                 `json:"batchesFailed"`
	Counters      Counters            `json:"counters"`
	Skips         map[string]int      `json:"skips,omitempty"`
	Deleted       *store.DeleteCounts `json:"deleted,omitempty"`
	Tables        *store.TableCounts  `json:"tables,omitempty"`
}

func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

func (s Summary) MarshalZerologObject(e *zerolog.Event) {
	c := s.Counters
	e.Str("run_id", s.RunID).
		Str("mode", s.Mode).
		Str("state", s.State).
		Int64("records_read", c.RecordsRead).
		Int64("records_skipped", c.RecordsSkipped).
		Int64("orders_created", c.OrdersCreated).
		Int64("orders_skipped", c.OrdersSkipped).
		Int64("orders_existing", c.OrdersExisting).
		Int64("orders_failed", c.OrdersFailed).
		Int64("customers_created", c.CustomersCreated).
		Int64("products_created", c.ProductsCreated).
		Int64("items_created", c.ItemsCreated).
		Int("batches", s.Batches).
		Dur("duration", s.Duration())
	if s.Reason != "" {
		e.Str("reason", s.Reason)
	}
}

type Publisher interface {
	Publish(ctx context.Context, s Summary) error
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisher struct {
	pubs []Publisher
}

func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: pubs}
}

func (m *MultiPublisher) Publish(ctx context.Context, s Summary) error {
	for _, p := range m.pubs {
		if err := p.Publish(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

type Reader interface {
	ReadLatest() (Summary, error)
}

type FilesystemPublisher struct {
	baseDir string
}

func NewFilesystemPublisher(baseDir string) *FilesystemPublisher {
	return &FilesystemPublisher{baseDir: baseDir}
}

func (f *FilesystemPublisher) Publish(ctx context.Context, s Summary) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(f.baseDir, latestFile+".*")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&s); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.baseDir, latestFile)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemPublisher) ReadLatest() (Summary, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, latestFile))
	if err != nil {
		return Summary{}, fmt.Errorf("read report: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return s, nil
}

// KafkaPublisher publishes the latest summary as a compacted Kafka record.
type KafkaPublisher struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaPublisher creates a Kafka report publisher.
// key is typically "retailsync-latest".
func NewKafkaPublisher(bootstrap string, topic string, key string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(changelog.Brokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, key: []byte(key)}
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter, key string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, key: []byte(key)}
}

func (k *KafkaPublisher) Publish(ctx context.Context, s Summary) error {
	b, err := json.Marshal(&s)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b})
}

func (k *KafkaPublisher) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReader finds the latest summary published under key by scanning
// the compacted topic from the beginning.
type KafkaReader struct {
	open func() kafkaMessageReader
	key  []byte
	idle time.Duration
}

func NewKafkaReader(bootstrap, topic, key string) *KafkaReader {
	return NewKafkaReaderWith(func() kafkaMessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:   changelog.Brokers(bootstrap),
			Topic:     topic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
	}, key)
}

// NewKafkaReaderWith is only for tests to inject a fake reader.
func NewKafkaReaderWith(open func() kafkaMessageReader, key string) *KafkaReader {
	return &KafkaReader{open: open, key: []byte(key), idle: 5 * time.Second}
}

func (k *KafkaReader) ReadLatest() (Summary, error) {
	r := k.open()
	defer r.Close()

	var last *Summary
	for {
		ctx, cancel := context.WithTimeout(context.Background(), k.idle)
		m, err := r.ReadMessage(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return Summary{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var s Summary
		if err := json.Unmarshal(m.Value, &s); err != nil {
			return Summary{}, fmt.Errorf("unmarshal kafka report: %w", err)
		}
		last = &s
	}
	if last == nil {
		return Summary{}, fmt.Errorf("no report found for key %s", k.key)
	}
	return *last, nil
}
